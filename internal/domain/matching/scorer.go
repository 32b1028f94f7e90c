package matching

import (
	"time"

	"github.com/mpi/mpi/internal/domain/identity"
)

// Scorer turns a pair of patient records into a classified candidate.
// Policy is validated at construction, so scoring itself cannot fail.
type Scorer struct {
	policy *Policy
}

func NewScorer(policy *Policy) (*Scorer, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{policy: policy}, nil
}

func (s *Scorer) AlgorithmVersion() string { return s.policy.AlgorithmVersion }
func (s *Scorer) SurvivorPolicy() string   { return s.policy.SurvivorPolicy }

// Score compares two records and returns the candidate to persist.
// Returns (nil, false) when no field is comparable (insufficient data,
// counted by the caller) or when the score falls below the discard
// threshold (pair not worth human attention).
func (s *Scorer) Score(a, b *identity.Patient, blockingKey string) (*Candidate, bool) {
	fieldScores := CompareFields(a, b)
	if len(fieldScores) == 0 {
		return nil, false
	}

	// Renormalize weights over the fields present on both sides so a
	// missing field is excluded rather than penalized to zero.
	var weighted, present float64
	for field, score := range fieldScores {
		w := s.policy.Weights[field]
		weighted += w * score
		present += w
	}
	if present == 0 {
		return nil, false
	}
	overall := weighted / present * 100

	if overall < s.policy.Thresholds.Discard {
		return nil, true
	}

	low, high := NormalizePair(a.ID, b.ID)
	c := &Candidate{
		PatientLow:       low,
		PatientHigh:      high,
		FieldScores:      fieldScores,
		OverallScore:     overall,
		Status:           StatusPending,
		BlockingKey:      blockingKey,
		AlgorithmVersion: s.policy.AlgorithmVersion,
		DetectedAt:       time.Now().UTC(),
	}

	t := s.policy.Thresholds
	identicalMRN := fieldScores[FieldMRN] == 1.0
	switch {
	case overall >= t.Auto:
		c.AutoMatchEligible = true
		c.Priority = PriorityUrgent
	case identicalMRN:
		// Same MRN on two active records is a registry integrity
		// problem regardless of the overall score.
		c.Priority = PriorityUrgent
	case overall >= t.ReviewHigh:
		c.Priority = PriorityHigh
	case overall >= t.ReviewNormal:
		c.Priority = PriorityNormal
	default:
		c.Priority = PriorityLow
	}

	return c, true
}
