// Package audit records security-relevant identity events.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the identity core.
const (
	EventPossibleCloneDetected = "possible_clone_detected"
	EventDeletionIncomplete    = "deletion_incomplete"
	EventUniquifierRotated     = "uniquifier_rotated"
	EventCredentialRegistered  = "credential_registered"
	EventCredentialRemoved     = "credential_removed"
)

// Event is a single audit record.
type Event struct {
	ID           string    `json:"id"`
	Time         time.Time `json:"time"`
	Type         string    `json:"type"`
	UserID       string    `json:"user_id,omitempty"`
	CredentialID string    `json:"credential_id,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// Sink receives audit events. Emit must not block the calling operation on
// slow consumers; failures are the sink's concern.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NewEvent stamps a fresh event with an identifier and timestamp.
func NewEvent(eventType string, at time.Time) Event {
	return Event{
		ID:   uuid.NewString(),
		Time: at.UTC(),
		Type: eventType,
	}
}

// NoopSink discards all events.
type NoopSink struct{}

func (NoopSink) Emit(context.Context, Event) {}

// JSONWriterSink writes one JSON object per line to w.
type JSONWriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONWriterSink creates a sink writing to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{w: w}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(append(payload, '\n'))
}
