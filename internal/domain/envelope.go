package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Envelope is the inbound message consumed by the fan-out dispatcher.
type Envelope struct {
	UserID string `json:"userId"`
	Body   string `json:"body"`
}

// ParseEnvelope decodes raw bytes into an Envelope. Any failure is reported as ErrMalformedInput.
func ParseEnvelope(raw []byte) (Envelope, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty payload", ErrMalformedInput)
	}
	if !utf8.Valid(raw) {
		return Envelope{}, fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformedInput)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	env.UserID = strings.TrimSpace(env.UserID)
	if env.UserID == "" {
		return Envelope{}, fmt.Errorf("%w: missing userId", ErrMalformedInput)
	}
	return env, nil
}
