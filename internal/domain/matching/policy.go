package matching

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Survivor selection policies for the merge executor.
const (
	SurvivorEarliestCreated = "earliest_created"
	SurvivorMostComplete    = "most_complete"
)

// Thresholds classify an overall score in [0,100]. Must be strictly
// decreasing: Auto > ReviewHigh > ReviewNormal > Discard.
type Thresholds struct {
	Auto         float64 `yaml:"auto"`
	ReviewHigh   float64 `yaml:"review_high"`
	ReviewNormal float64 `yaml:"review_normal"`
	Discard      float64 `yaml:"discard"`
}

// Policy is the match policy document loaded at startup. Weights and
// thresholds are configuration, never code.
type Policy struct {
	AlgorithmVersion string             `yaml:"algorithm_version"`
	Weights          map[string]float64 `yaml:"weights"`
	Thresholds       Thresholds         `yaml:"thresholds"`
	SurvivorPolicy   string             `yaml:"survivor_policy"`
}

// DefaultPolicy is used when no policy file is present.
func DefaultPolicy() *Policy {
	return &Policy{
		AlgorithmVersion: "v1",
		Weights: map[string]float64{
			FieldFirstName: 0.20,
			FieldLastName:  0.25,
			FieldBirthDate: 0.25,
			FieldPhone:     0.15,
			FieldMRN:       0.10,
			FieldGender:    0.05,
		},
		Thresholds: Thresholds{
			Auto:         88,
			ReviewHigh:   75,
			ReviewNormal: 60,
			Discard:      40,
		},
		SurvivorPolicy: SurvivorEarliestCreated,
	}
}

var knownFields = map[string]bool{
	FieldFirstName: true,
	FieldLastName:  true,
	FieldBirthDate: true,
	FieldPhone:     true,
	FieldMRN:       true,
	FieldGender:    true,
}

// Validate fails fast on a malformed policy so scoring never has to.
func (p *Policy) Validate() error {
	if p.AlgorithmVersion == "" {
		return &ScoringConfigError{Reason: "algorithm_version is required"}
	}
	if len(p.Weights) == 0 {
		return &ScoringConfigError{Reason: "weights must not be empty"}
	}

	var sum float64
	for field, w := range p.Weights {
		if !knownFields[field] {
			return &ScoringConfigError{Reason: fmt.Sprintf("unknown weight field %q", field)}
		}
		if w < 0 {
			return &ScoringConfigError{Reason: fmt.Sprintf("weight for %q is negative", field)}
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return &ScoringConfigError{Reason: fmt.Sprintf("weights sum to %.6f, want 1.0", sum)}
	}

	t := p.Thresholds
	if !(t.Auto > t.ReviewHigh && t.ReviewHigh > t.ReviewNormal && t.ReviewNormal > t.Discard) {
		return &ScoringConfigError{Reason: fmt.Sprintf(
			"thresholds must be strictly decreasing: auto=%.1f review_high=%.1f review_normal=%.1f discard=%.1f",
			t.Auto, t.ReviewHigh, t.ReviewNormal, t.Discard)}
	}
	if t.Auto > 100 || t.Discard < 0 {
		return &ScoringConfigError{Reason: "thresholds must lie in [0,100]"}
	}

	switch p.SurvivorPolicy {
	case SurvivorEarliestCreated, SurvivorMostComplete:
	default:
		return &ScoringConfigError{Reason: fmt.Sprintf("unknown survivor_policy %q", p.SurvivorPolicy)}
	}

	return nil
}

// LoadPolicy reads and validates a policy file. A missing file falls
// back to the built-in defaults; a malformed file is a startup failure.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultPolicy(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read match policy %s: %w", path, err)
	}

	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, &ScoringConfigError{Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
