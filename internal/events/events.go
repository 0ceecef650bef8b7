// Package events defines the presence events emitted to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// EventOnlineStatusChanged is emitted whenever a user goes online or offline.
const EventOnlineStatusChanged = "OnlineStatusChanged"

// PresenceChanged is the payload of an OnlineStatusChanged event.
type PresenceChanged struct {
	UserID     string    `json:"userId"`
	IsOnline   bool      `json:"isOnline"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Event is the envelope handed to a Publisher. Key is the partitioning key downstream.
type Event struct {
	Name string          `json:"eventName"`
	Key  string          `json:"-"`
	Data json.RawMessage `json:"data"`
}

// NewPresenceChanged builds an OnlineStatusChanged event keyed by user.
func NewPresenceChanged(userID string, online bool, at time.Time) (Event, error) {
	data, err := json.Marshal(PresenceChanged{UserID: userID, IsOnline: online, OccurredAt: at.UTC()})
	if err != nil {
		return Event{}, err
	}
	return Event{Name: EventOnlineStatusChanged, Key: userID, Data: data}, nil
}

// Publisher delivers events. Failures are reported to the caller, which decides whether they matter.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NoopPublisher discards every event.
type NoopPublisher struct{}

// Publish performs no action.
func (NoopPublisher) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

// NewRecorder constructs a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes subsequent Publish calls return err without recording.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Publish records the event.
func (r *Recorder) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// PresenceChanges decodes the recorded OnlineStatusChanged payloads in publish order.
func (r *Recorder) PresenceChanges() []PresenceChanged {
	var out []PresenceChanged
	for _, e := range r.Events() {
		if e.Name != EventOnlineStatusChanged {
			continue
		}
		var p PresenceChanged
		if err := json.Unmarshal(e.Data, &p); err == nil {
			out = append(out, p)
		}
	}
	return out
}
