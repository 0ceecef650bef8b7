package fanout

import (
	"context"
	"errors"
	"log"
	"os"

	"example.com/presence/internal/consumer"
	"example.com/presence/internal/domain"
)

// Sender is the dispatch capability the envelope handler drives.
type Sender interface {
	Dispatch(ctx context.Context, userID string, payload []byte) (domain.DeliveryReport, error)
}

// EnvelopeHandler parses inbound envelopes and fans their body out to the addressed user.
// Malformed envelopes are counted and dropped without failing the caller.
type EnvelopeHandler struct {
	sender Sender
	logger *log.Logger
}

// NewEnvelopeHandler constructs an EnvelopeHandler.
func NewEnvelopeHandler(sender Sender, logger *log.Logger) *EnvelopeHandler {
	if logger == nil {
		logger = log.New(os.Stdout, "[fanout] ", log.LstdFlags|log.LUTC)
	}
	return &EnvelopeHandler{sender: sender, logger: logger}
}

// Handle implements consumer.Handler.
func (h *EnvelopeHandler) Handle(ctx context.Context, msg consumer.Message) error {
	_, err := h.HandleRaw(ctx, msg.Topic, msg.Payload)
	return err
}

// HandleRaw parses one envelope from source and dispatches it. A malformed envelope yields a
// zero report and a nil error.
func (h *EnvelopeHandler) HandleRaw(ctx context.Context, source string, raw []byte) (domain.DeliveryReport, error) {
	env, err := domain.ParseEnvelope(raw)
	if err != nil {
		malformedTotal.WithLabelValues(source).Inc()
		h.logger.Printf("dropping malformed envelope from %s: %v", source, err)
		return domain.DeliveryReport{}, nil
	}
	return h.sender.Dispatch(ctx, env.UserID, []byte(env.Body))
}

// HandleBatch processes each record independently. Malformed records never fail the batch;
// dispatch failures of the others are joined into the returned error.
func (h *EnvelopeHandler) HandleBatch(ctx context.Context, source string, records [][]byte) ([]domain.DeliveryReport, error) {
	reports := make([]domain.DeliveryReport, 0, len(records))
	var err error
	for _, raw := range records {
		report, dispatchErr := h.HandleRaw(ctx, source, raw)
		if dispatchErr != nil {
			err = errors.Join(err, dispatchErr)
			continue
		}
		reports = append(reports, report)
	}
	return reports, err
}
