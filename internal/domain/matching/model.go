package matching

import (
	"time"

	"github.com/google/uuid"
)

// Status is the review workflow state of a candidate pair.
type Status string

const (
	StatusPending           Status = "pending"
	StatusUnderReview       Status = "under_review"
	StatusConfirmedMatch    Status = "confirmed_match"
	StatusConfirmedNotMatch Status = "confirmed_not_match"
	StatusMerged            Status = "merged"
	StatusDeferred          Status = "deferred"
)

// Valid reports whether s is a known workflow state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusUnderReview, StatusConfirmedMatch,
		StatusConfirmedNotMatch, StatusMerged, StatusDeferred:
		return true
	}
	return false
}

// Terminal states accept no further transitions.
func (s Status) Terminal() bool {
	return s == StatusConfirmedNotMatch || s == StatusMerged
}

// CanTransitionTo encodes the full transition table. Decisions are only
// accepted from pending or under_review; confirmed_match advances to
// merged via the merge executor; deferred re-queues to pending.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		switch next {
		case StatusUnderReview, StatusConfirmedMatch, StatusConfirmedNotMatch, StatusDeferred:
			return true
		}
	case StatusUnderReview:
		switch next {
		case StatusConfirmedMatch, StatusConfirmedNotMatch, StatusDeferred:
			return true
		}
	case StatusConfirmedMatch:
		return next == StatusMerged
	case StatusDeferred:
		return next == StatusPending
	case StatusConfirmedNotMatch, StatusMerged:
		return false
	}
	return false
}

// Priority is the review urgency tier assigned by the scorer.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Candidate is a scored unordered pair of patients suspected of being
// the same identity. PatientLow sorts below PatientHigh so the pair is
// stored in exactly one orientation.
type Candidate struct {
	ID                uuid.UUID          `db:"id" json:"id"`
	PatientLow        uuid.UUID          `db:"patient_low" json:"patient_low"`
	PatientHigh       uuid.UUID          `db:"patient_high" json:"patient_high"`
	FieldScores       map[string]float64 `db:"field_scores" json:"field_scores"`
	OverallScore      float64            `db:"overall_score" json:"overall_score"`
	Priority          Priority           `db:"priority" json:"priority"`
	Status            Status             `db:"status" json:"status"`
	BlockingKey       string             `db:"blocking_key" json:"blocking_key"`
	AlgorithmVersion  string             `db:"algorithm_version" json:"algorithm_version"`
	AutoMatchEligible bool               `db:"auto_match_eligible" json:"auto_match_eligible"`
	DetectedAt        time.Time          `db:"detected_at" json:"detected_at"`
	UpdatedAt         time.Time          `db:"updated_at" json:"updated_at"`
}

// NormalizePair orders two patient ids into the canonical (low, high)
// orientation.
func NormalizePair(a, b uuid.UUID) (low, high uuid.UUID) {
	if a.String() < b.String() {
		return a, b
	}
	return b, a
}

// Decision is an immutable record of one reviewer action on a candidate.
type Decision struct {
	ID          uuid.UUID `db:"id" json:"id"`
	CandidateID uuid.UUID `db:"candidate_id" json:"candidate_id"`
	ReviewerID  string    `db:"reviewer_id" json:"reviewer_id"`
	Decision    Status    `db:"decision" json:"decision"`
	Notes       *string   `db:"notes" json:"notes,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// MergeRecord is written exactly once per completed merge.
// FieldProvenance maps each surviving field adopted from the loser to
// the id of the identity it came from.
type MergeRecord struct {
	ID              uuid.UUID         `db:"id" json:"id"`
	CandidateID     uuid.UUID         `db:"candidate_id" json:"candidate_id"`
	SurvivorID      uuid.UUID         `db:"survivor_id" json:"survivor_id"`
	MergedID        uuid.UUID         `db:"merged_id" json:"merged_id"`
	FieldProvenance map[string]string `db:"field_provenance" json:"field_provenance"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
}

// Stats summarizes the candidate queue for dashboards.
type Stats struct {
	Total             int `json:"total"`
	Pending           int `json:"pending"`
	UnderReview       int `json:"under_review"`
	ConfirmedMatch    int `json:"confirmed_match"`
	ConfirmedNotMatch int `json:"confirmed_not_match"`
	Merged            int `json:"merged"`
	Deferred          int `json:"deferred"`
	HighPriority      int `json:"high_priority"`
	UrgentPriority    int `json:"urgent_priority"`
}
