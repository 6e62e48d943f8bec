// Package storage defines persistence contracts for the presence assignment
// journal.
package storage

import (
	"context"
	"time"
)

// JournalEventKind labels one help-request lifecycle transition.
type JournalEventKind string

const (
	// EventHelpRequested records a created or refreshed help request.
	EventHelpRequested JournalEventKind = "help_requested"
	// EventHelpAssigned records the single winning accept for a request.
	EventHelpAssigned JournalEventKind = "help_assigned"
	// EventHelpWithdrawn records a requester disconnect erasing its entry.
	EventHelpWithdrawn JournalEventKind = "help_withdrawn"
)

// JournalEvent is one appended lifecycle record. Session identifiers are
// copied as opaque strings; by the time a journal is read the sessions are
// usually gone.
type JournalEvent struct {
	Kind               JournalEventKind
	RequesterSessionID string
	GuardianSessionID  string
	Lat                *float64
	Lng                *float64
	OccurredAt         time.Time
}

// Journal appends help-request lifecycle events for after-the-fact review.
// Implementations must tolerate concurrent appends; the journal is an audit
// artifact and never feeds back into protocol state.
type Journal interface {
	Append(ctx context.Context, event JournalEvent) error
	EventsForRequester(ctx context.Context, requesterSessionID string) ([]JournalEvent, error)
	Close() error
}
