package conflict

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows conflict queries. Zero values mean no filtering.
type ListFilter struct {
	Status       Status
	ResourceType string
	PatientID    uuid.UUID
}

type Repository interface {
	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Record, int, error)

	// MarkResolved settles the conflict, guarded on status=detected.
	// Returns false when the record was already resolved.
	MarkResolved(ctx context.Context, id uuid.UUID, action ResolutionAction,
		resolverID string, notes *string, resolved map[string]interface{}, at time.Time) (bool, error)

	// RewritePatientRefs repoints conflicts from a merged-away patient
	// to the survivor.
	RewritePatientRefs(ctx context.Context, from, to uuid.UUID) error
}
