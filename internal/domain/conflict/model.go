package conflict

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResolutionAction is how a detected divergence gets settled.
type ResolutionAction string

const (
	ActionUseSource ResolutionAction = "use_source"
	ActionUseLocal  ResolutionAction = "use_local"
	ActionMerge     ResolutionAction = "merge"
	ActionManual    ResolutionAction = "manual"
)

func (a ResolutionAction) Valid() bool {
	switch a {
	case ActionUseSource, ActionUseLocal, ActionMerge, ActionManual:
		return true
	}
	return false
}

// Status of a conflict record.
type Status string

const (
	StatusDetected Status = "detected"
	StatusResolved Status = "resolved"
)

// Record captures one divergence between an externally synced payload
// and the local reconciled record. Mutated exactly once, to resolved.
type Record struct {
	ID               uuid.UUID              `db:"id" json:"id"`
	ResourceType     string                 `db:"resource_type" json:"resource_type"`
	PatientID        uuid.UUID              `db:"patient_id" json:"patient_id"`
	SourcePayload    map[string]interface{} `db:"source_payload" json:"source_payload"`
	LocalPayload     map[string]interface{} `db:"local_payload" json:"local_payload"`
	Status           Status                 `db:"status" json:"status"`
	ResolutionAction *ResolutionAction      `db:"resolution_action" json:"resolution_action,omitempty"`
	ResolvedPayload  map[string]interface{} `db:"resolved_payload" json:"resolved_payload,omitempty"`
	ResolverID       *string                `db:"resolver_id" json:"resolver_id,omitempty"`
	Notes            *string                `db:"notes" json:"notes,omitempty"`
	DetectedAt       time.Time              `db:"detected_at" json:"detected_at"`
	ResolvedAt       *time.Time             `db:"resolved_at" json:"resolved_at"`
}

// AlreadyResolvedError reports a second, different resolution attempt
// on a conflict that is already settled. Terminal: the caller must not
// retry.
type AlreadyResolvedError struct {
	ConflictID uuid.UUID
	Resolved   ResolutionAction
	Requested  ResolutionAction
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("conflict %s already resolved with %s, refusing %s",
		e.ConflictID, e.Resolved, e.Requested)
}
