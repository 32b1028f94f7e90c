// Package audit provides the append-only audit trail for identity
// operations. Every scoring, review, merge, and conflict resolution
// writes one event; events are never updated or deleted.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Actions recorded in the audit trail.
const (
	ActionCandidateScored   = "candidate.scored"
	ActionCandidateReviewed = "candidate.reviewed"
	ActionMergeCompleted    = "merge.completed"
	ActionMergeFailed       = "merge.failed"
	ActionConflictDetected  = "conflict.detected"
	ActionConflictResolved  = "conflict.resolved"
	ActionPatientCreated    = "patient.created"
	ActionPatientUpdated    = "patient.updated"
)

// Event is a single audit trail entry. Summary carries action-specific
// detail as a JSON document.
type Event struct {
	ID             uuid.UUID              `json:"id"`
	Actor          string                 `json:"actor"`
	Action         string                 `json:"action"`
	EntityType     string                 `json:"entity_type"`
	EntityID       uuid.UUID              `json:"entity_id"`
	SecondEntityID *uuid.UUID             `json:"second_entity_id,omitempty"`
	Summary        map[string]interface{} `json:"summary,omitempty"`
	RecordedAt     time.Time              `json:"recorded_at"`
}

// Sink records audit events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Record(ctx context.Context, ev *Event) error
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Event, int, error)
}

// ListFilter narrows audit queries. Zero values mean no filtering.
type ListFilter struct {
	Action     string
	EntityType string
	EntityID   uuid.UUID
	Actor      string
}
