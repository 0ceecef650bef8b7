package presence

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"example.com/presence/internal/observability"
	"example.com/presence/internal/store"
)

// ConnectionReader lists a user's live connection ids.
type ConnectionReader interface {
	GetConnections(ctx context.Context, userID string) ([]string, error)
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Expired    int
	Reconciled int
	Restored   int
}

// Sweeper purges expired last-activity records on stores without native expiry, clears
// presence records whose connection set is already empty and restores presence for users who
// went offline recently but still hold connections.
type Sweeper struct {
	store         store.Store
	tracker       *Tracker
	connections   ConnectionReader
	batchSize     int
	staleAfter    time.Duration
	recheckWithin time.Duration
	logger        *log.Logger
}

// SweeperOption customises the Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepLogger overrides the logger.
func WithSweepLogger(logger *log.Logger) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBatchSize caps how many records each store call touches.
func WithBatchSize(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithStaleAfter sets the minimum age of a presence record before it is reconciled.
func WithStaleAfter(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d >= 0 {
			s.staleAfter = d
		}
	}
}

// WithRecheckWithin sets how far back offline users are checked for live connections. Zero
// disables the check.
func WithRecheckWithin(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d >= 0 {
			s.recheckWithin = d
		}
	}
}

// NewSweeper constructs a Sweeper.
func NewSweeper(s store.Store, tracker *Tracker, connections ConnectionReader, opts ...SweeperOption) *Sweeper {
	sw := &Sweeper{
		store:       s,
		tracker:     tracker,
		connections: connections,
		batchSize:   500,
		staleAfter:    time.Minute,
		recheckWithin: time.Hour,
		logger:        log.New(os.Stdout, "[sweeper] ", log.LstdFlags|log.LUTC),
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// Sweep runs one purge and reconcile pass. Failures on individual users do not stop the pass;
// they are joined into the returned error.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	var (
		result SweepResult
		err    error
	)

	if expirer, ok := s.store.(store.Expirer); ok {
		for {
			n, expErr := expirer.DeleteExpired(ctx, store.PartitionLastActivity, now, s.batchSize)
			result.Expired += n
			if expErr != nil {
				err = errors.Join(err, expErr)
				break
			}
			if n < s.batchSize {
				break
			}
		}
		sweptTotal.WithLabelValues("expired").Add(float64(result.Expired))
	}

	cursor := ""
	for {
		page, scanErr := s.store.Scan(ctx, store.PartitionPresence, cursor, s.batchSize)
		if scanErr != nil {
			err = errors.Join(err, scanErr)
			break
		}
		for _, item := range page.Items {
			if now.Sub(item.At) < s.staleAfter {
				continue
			}
			ids, connErr := s.connections.GetConnections(ctx, item.Key)
			if connErr != nil {
				err = errors.Join(err, connErr)
				continue
			}
			if len(ids) > 0 {
				continue
			}
			if trackErr := s.tracker.OnConnectionsRemoved(ctx, item.Key, true, now); trackErr != nil {
				err = errors.Join(err, trackErr)
				continue
			}
			result.Reconciled++
			s.logger.Printf("cleared stale presence user=%s since=%s", item.Key, item.At.Format(time.RFC3339))
		}
		if page.Next == "" || ctx.Err() != nil {
			break
		}
		cursor = page.Next
	}
	sweptTotal.WithLabelValues("reconciled").Add(float64(result.Reconciled))

	if s.recheckWithin > 0 && ctx.Err() == nil {
		restored, restoreErr := s.restoreMissed(ctx, now)
		result.Restored = restored
		err = errors.Join(err, restoreErr)
		sweptTotal.WithLabelValues("restored").Add(float64(restored))
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		err = errors.Join(err, ctxErr)
	}
	if err == nil {
		observability.RecordSweep(now)
	}
	return result, err
}

// restoreMissed walks recent last-activity records and marks online any user who has no
// presence record but still holds connections.
func (s *Sweeper) restoreMissed(ctx context.Context, now time.Time) (int, error) {
	var (
		restored int
		err      error
		cursor   string
	)
	for {
		page, scanErr := s.store.Scan(ctx, store.PartitionLastActivity, cursor, s.batchSize)
		if scanErr != nil {
			return restored, errors.Join(err, scanErr)
		}

		candidates := make([]string, 0, len(page.Items))
		for _, item := range page.Items {
			age := now.Sub(item.At)
			if age >= s.staleAfter && age <= s.recheckWithin {
				candidates = append(candidates, item.Key)
			}
		}
		if len(candidates) > 0 {
			online, getErr := s.store.BatchGet(ctx, store.PartitionPresence, candidates)
			if getErr != nil {
				err = errors.Join(err, getErr)
				candidates = nil
			}
			for _, userID := range candidates {
				if _, ok := online[userID]; ok {
					continue
				}
				ids, connErr := s.connections.GetConnections(ctx, userID)
				if connErr != nil {
					err = errors.Join(err, connErr)
					continue
				}
				if len(ids) == 0 {
					continue
				}
				if trackErr := s.tracker.OnConnectionAdded(ctx, userID, true, now); trackErr != nil {
					err = errors.Join(err, trackErr)
					continue
				}
				restored++
				s.logger.Printf("restored presence user=%s connections=%d", userID, len(ids))
			}
		}

		if page.Next == "" || ctx.Err() != nil {
			return restored, err
		}
		cursor = page.Next
	}
}
