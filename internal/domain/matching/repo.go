package matching

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PatientSummary is the demographic slice joined onto candidate lists
// for reviewer display.
type PatientSummary struct {
	ID        uuid.UUID  `json:"id"`
	MRN       string     `json:"mrn"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Gender    *string    `json:"gender,omitempty"`
	Active    bool       `json:"active"`
}

// CandidateView is a candidate with both patients' demographics.
type CandidateView struct {
	Candidate
	PatientA PatientSummary `json:"patient_a"`
	PatientB PatientSummary `json:"patient_b"`
}

// ListFilter narrows candidate queries. Search matches either patient's
// name or MRN.
type ListFilter struct {
	Status   Status
	Priority Priority
	Search   string
}

type CandidateRepository interface {
	// Upsert writes the candidate, updating scores in place when the
	// pair+version row already exists. Review status is never touched
	// by a re-score.
	Upsert(ctx context.Context, c *Candidate) error
	GetByID(ctx context.Context, id uuid.UUID) (*Candidate, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*CandidateView, int, error)
	Stats(ctx context.Context) (*Stats, error)

	// UpdateStatusGuarded moves the candidate from expected to next in
	// one guarded statement. Returns false when zero rows matched,
	// meaning the status changed underneath the caller.
	UpdateStatusGuarded(ctx context.Context, id uuid.UUID, expected, next Status) (bool, error)

	// RewriteRefs repoints candidate rows from the losing patient to
	// the survivor, renormalizing pairs. Rows that would self-pair or
	// collide with an existing pair are closed as merged.
	RewriteRefs(ctx context.Context, loser, survivor uuid.UUID) error
}

type DecisionRepository interface {
	Create(ctx context.Context, d *Decision) error
	ListByCandidate(ctx context.Context, candidateID uuid.UUID) ([]*Decision, error)
}

type MergeRecordRepository interface {
	Create(ctx context.Context, m *MergeRecord) error
	GetByCandidate(ctx context.Context, candidateID uuid.UUID) (*MergeRecord, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*MergeRecord, error)
}
