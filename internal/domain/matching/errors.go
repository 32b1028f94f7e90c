package matching

import "fmt"

// StateConflictError reports a candidate transition attempted from a
// state other than the one the caller observed. Recoverable: refetch
// and retry.
type StateConflictError struct {
	CandidateID string
	Expected    Status
	Requested   Status
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("candidate %s: state conflict moving from %s to %s (row changed underneath)",
		e.CandidateID, e.Expected, e.Requested)
}

// MergeFailureError wraps any failure inside the merge transaction.
// The whole transaction rolls back and the candidate stays
// confirmed_match, so the merge can be retried.
type MergeFailureError struct {
	CandidateID string
	Reason      string
	Err         error
}

func (e *MergeFailureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("merge of candidate %s failed: %s: %v", e.CandidateID, e.Reason, e.Err)
	}
	return fmt.Sprintf("merge of candidate %s failed: %s", e.CandidateID, e.Reason)
}

func (e *MergeFailureError) Unwrap() error { return e.Err }

// ScoringConfigError reports an invalid match policy. Raised at load
// time only, never during scoring.
type ScoringConfigError struct {
	Reason string
}

func (e *ScoringConfigError) Error() string {
	return fmt.Sprintf("invalid match policy: %s", e.Reason)
}
