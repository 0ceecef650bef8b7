// Package fanout delivers a payload to every live connection of a user and prunes the ones
// the pusher reports as gone.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"example.com/presence/internal/domain"
	"example.com/presence/internal/push"
)

// ConnectionRegistry is the subset of the registry the dispatcher needs.
type ConnectionRegistry interface {
	GetConnections(ctx context.Context, userID string) ([]string, error)
	RemoveConnections(ctx context.Context, userID string, connectionIDs []string, now time.Time) (bool, error)
}

// PresenceNotifier is told when pruning emptied a user's connection set.
type PresenceNotifier interface {
	OnConnectionsRemoved(ctx context.Context, userID string, becameEmpty bool, now time.Time) error
}

// Dispatcher fans payloads out to a user's connections.
type Dispatcher struct {
	registry    ConnectionRegistry
	presence    PresenceNotifier
	pusher      push.Pusher
	concurrency int
	pushTimeout time.Duration
	clock       func() time.Time
	logger      *log.Logger
}

// Option customises the Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithConcurrency bounds the number of in-flight pushes per dispatch.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithPushTimeout bounds each individual push. Zero leaves pushes bounded only by the caller's context.
func WithPushTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.pushTimeout = timeout
	}
}

// WithClock overrides the time source used for prune timestamps.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(registry ConnectionRegistry, presence PresenceNotifier, pusher push.Pusher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		presence:    presence,
		pusher:      pusher,
		concurrency: 16,
		clock:       func() time.Time { return time.Now().UTC() },
		logger:      log.New(os.Stdout, "[fanout] ", log.LstdFlags|log.LUTC),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch pushes payload to every connection userID holds. Connections reported gone are
// removed from the registry in one mutation; other failures leave the connection in place.
// If ctx is cancelled mid-flight the remaining pushes are skipped and nothing is pruned.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, payload []byte) (domain.DeliveryReport, error) {
	report := domain.DeliveryReport{UserID: userID}
	if strings.TrimSpace(userID) == "" {
		return report, fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}

	start := time.Now()
	defer func() { dispatchDuration.Observe(time.Since(start).Seconds()) }()

	ids, err := d.registry.GetConnections(ctx, userID)
	if err != nil {
		return report, err
	}
	if len(ids) == 0 {
		recordDispatch(report, d.clock())
		return report, nil
	}

	outcomes := make([]error, len(ids))
	skipped := make([]bool, len(ids))
	g := new(errgroup.Group)
	g.SetLimit(d.concurrency)
	for i, id := range ids {
		if ctx.Err() != nil {
			skipped[i] = true
			continue
		}
		i, id := i, id
		g.Go(func() error {
			// Go may block for a slot long enough for ctx to end.
			if ctx.Err() != nil {
				skipped[i] = true
				return nil
			}
			outcomes[i] = d.push(ctx, id, payload)
			return nil
		})
	}
	_ = g.Wait()

	var pruned []string
	for i, id := range ids {
		err := outcomes[i]
		switch {
		case skipped[i]:
			deliveriesTotal.WithLabelValues("skipped").Inc()
			continue
		case err == nil:
			report.DeliveredIDs = append(report.DeliveredIDs, id)
			deliveriesTotal.WithLabelValues("delivered").Inc()
		case errors.Is(err, domain.ErrGone):
			pruned = append(pruned, id)
			deliveriesTotal.WithLabelValues("gone").Inc()
		default:
			deliveriesTotal.WithLabelValues("transient").Inc()
			if ctx.Err() == nil {
				d.logger.Printf("push user=%s connection=%s: %v", userID, id, err)
			}
		}
	}
	for _, skip := range skipped {
		if !skip {
			report.Attempted++
		}
	}

	if err := ctx.Err(); err != nil {
		report.Normalize()
		return report, err
	}

	if len(pruned) > 0 {
		now := d.clock()
		becameEmpty, err := d.registry.RemoveConnections(ctx, userID, pruned, now)
		if err != nil {
			report.Normalize()
			return report, err
		}
		report.PrunedIDs = pruned
		report.BecameEmpty = becameEmpty
		if becameEmpty {
			if err := d.presence.OnConnectionsRemoved(ctx, userID, true, now); err != nil {
				d.logger.Printf("presence update after prune user=%s: %v", userID, err)
			}
		}
	}

	report.Normalize()
	recordDispatch(report, d.clock())
	return report, nil
}

func (d *Dispatcher) push(ctx context.Context, connectionID string, payload []byte) error {
	if d.pushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.pushTimeout)
		defer cancel()
	}
	return d.pusher.Push(ctx, connectionID, payload)
}
