// Package push delivers payloads to individual duplex connections.
package push

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"example.com/presence/internal/domain"
)

// Pusher writes one payload to one connection. A nil error means delivered; an error matching
// domain.ErrGone means the connection is permanently closed; anything else is transient.
type Pusher interface {
	Push(ctx context.Context, connectionID string, payload []byte) error
}

// HTTPPusher posts payloads to a gateway management endpoint at {base}/@connections/{id}.
type HTTPPusher struct {
	client *http.Client
	url    string
	token  string
}

// NewHTTPPusher constructs an HTTPPusher.
func NewHTTPPusher(endpoint, token string, timeout time.Duration) *HTTPPusher {
	return &HTTPPusher{
		client: &http.Client{Timeout: timeout},
		url:    strings.TrimRight(endpoint, "/"),
		token:  token,
	}
}

// Push implements Pusher.
func (h *HTTPPusher) Push(ctx context.Context, connectionID string, payload []byte) error {
	endpoint := h.url + "/@connections/" + url.PathEscape(connectionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", domain.ErrTransientDelivery, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusGone:
		return domain.ErrGone
	case resp.StatusCode >= 300:
		return &DeliveryError{Status: resp.StatusCode}
	}
	return nil
}

// DeliveryError represents a non-successful push response other than 410 Gone.
type DeliveryError struct {
	Status int
}

func (e *DeliveryError) Error() string {
	return "push failed with status " + http.StatusText(e.Status)
}

// Unwrap classifies the failure as transient.
func (e *DeliveryError) Unwrap() error {
	return domain.ErrTransientDelivery
}

// Delivery is one call observed by a MemoryPusher.
type Delivery struct {
	ConnectionID string
	Payload      []byte
}

// MemoryPusher records pushes and returns scripted outcomes per connection.
type MemoryPusher struct {
	mu         sync.Mutex
	outcomes   map[string]error
	deliveries []Delivery
	calls      int
}

// NewMemoryPusher constructs a MemoryPusher that delivers to every connection.
func NewMemoryPusher() *MemoryPusher {
	return &MemoryPusher{outcomes: make(map[string]error)}
}

// SetOutcome makes pushes to connectionID return err.
func (m *MemoryPusher) SetOutcome(connectionID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[connectionID] = err
}

// Push implements Pusher.
func (m *MemoryPusher) Push(ctx context.Context, connectionID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.outcomes[connectionID]; err != nil {
		return err
	}
	m.deliveries = append(m.deliveries, Delivery{ConnectionID: connectionID, Payload: append([]byte(nil), payload...)})
	return nil
}

// Deliveries returns the successful pushes so far.
func (m *MemoryPusher) Deliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delivery, len(m.deliveries))
	copy(out, m.deliveries)
	return out
}

// Calls returns how many times Push was invoked, including failures.
func (m *MemoryPusher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
