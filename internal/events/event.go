// Package events publishes sync job lifecycle events.
//
// Every transition the orchestrator makes (a job launched, a start request
// answered with the running job, a terminal write, a reaper reset) can be
// published as an Event. Publishing is best effort: the store stays the only
// source of truth and a failed publish never fails the transition.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/teemow/inboxsync/internal/syncstate"
)

// Type names a lifecycle transition.
type Type string

const (
	TypeStarted   Type = "started"
	TypeReused    Type = "reused"
	TypeCompleted Type = "completed"
	TypeFailed    Type = "failed"
	TypeCancelled Type = "cancelled"
	TypeReaped    Type = "reaped"
)

// Event is the JSON payload published for a transition.
type Event struct {
	ID         string           `json:"id"`
	Type       Type             `json:"type"`
	UserID     string           `json:"user_id"`
	TaskID     string           `json:"task_id"`
	Progress   int              `json:"progress"`
	Stats      *syncstate.Stats `json:"stats,omitempty"`
	Error      string           `json:"error,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// New returns an event with a fresh ID.
func New(typ Type, userID, taskID string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		UserID:     userID,
		TaskID:     taskID,
		OccurredAt: at.UTC(),
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// OrNop returns p, or a NopPublisher when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return NopPublisher{}
	}
	return p
}
