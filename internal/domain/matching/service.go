package matching

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/mpi/mpi/internal/platform/audit"
	"github.com/mpi/mpi/internal/platform/db"
	"github.com/mpi/mpi/internal/platform/telemetry"
)

// Txer runs fn inside a database transaction carried on the context.
type Txer func(ctx context.Context, fn func(ctx context.Context) error) error

// PoolTxer adapts db.WithTx to the Txer shape.
func PoolTxer(pool *pgxpool.Pool) Txer {
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.WithTx(ctx, pool, fn)
	}
}

// CandidateDetail is a candidate with its full decision history.
type CandidateDetail struct {
	Candidate
	Decisions []*Decision `json:"decisions"`
}

// Service drives the review workflow over the candidate store.
type Service struct {
	candidates CandidateRepository
	decisions  DecisionRepository
	merges     MergeRecordRepository
	merger     *MergeExecutor
	inTx       Txer
	sink       audit.Sink
	metrics    *telemetry.Provider
	logger     zerolog.Logger
}

func NewService(
	candidates CandidateRepository,
	decisions DecisionRepository,
	merges MergeRecordRepository,
	merger *MergeExecutor,
	inTx Txer,
	sink audit.Sink,
	metrics *telemetry.Provider,
	logger zerolog.Logger,
) *Service {
	return &Service{
		candidates: candidates,
		decisions:  decisions,
		merges:     merges,
		merger:     merger,
		inTx:       inTx,
		sink:       sink,
		metrics:    metrics,
		logger:     logger,
	}
}

func (s *Service) ListCandidates(ctx context.Context, filter ListFilter, limit, offset int) ([]*CandidateView, int, error) {
	return s.candidates.List(ctx, filter, limit, offset)
}

func (s *Service) GetCandidate(ctx context.Context, id uuid.UUID) (*CandidateDetail, error) {
	c, err := s.candidates.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	decisions, err := s.decisions.ListByCandidate(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CandidateDetail{Candidate: *c, Decisions: decisions}, nil
}

func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	stats, err := s.candidates.Stats(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.SetGauge(telemetry.GaugeCandidatesPending, int64(stats.Pending))
	return stats, nil
}

// ReviewCandidate applies one reviewer decision. The decision row and
// the guarded status update commit together; losing a race with another
// reviewer surfaces StateConflictError instead of overwriting.
func (s *Service) ReviewCandidate(ctx context.Context, candidateID uuid.UUID, reviewerID string, decision Status, notes *string) (*Candidate, error) {
	if reviewerID == "" {
		return nil, fmt.Errorf("reviewer_id is required")
	}
	if !decision.Valid() {
		return nil, fmt.Errorf("invalid decision: %s", decision)
	}
	if decision == StatusMerged {
		return nil, fmt.Errorf("merged is set by the merge executor, not by review")
	}

	c, err := s.candidates.GetByID(ctx, candidateID)
	if err != nil {
		return nil, fmt.Errorf("load candidate: %w", err)
	}

	if !c.Status.CanTransitionTo(decision) {
		s.metrics.Inc(telemetry.MetricStateConflicts)
		return nil, &StateConflictError{
			CandidateID: candidateID.String(),
			Expected:    c.Status,
			Requested:   decision,
		}
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		d := &Decision{
			CandidateID: candidateID,
			ReviewerID:  reviewerID,
			Decision:    decision,
			Notes:       notes,
		}
		if err := s.decisions.Create(ctx, d); err != nil {
			return fmt.Errorf("record decision: %w", err)
		}

		ok, err := s.candidates.UpdateStatusGuarded(ctx, candidateID, c.Status, decision)
		if err != nil {
			return fmt.Errorf("update candidate: %w", err)
		}
		if !ok {
			// Someone else moved the candidate first. Rolling back
			// discards our decision row too.
			s.metrics.Inc(telemetry.MetricStateConflicts)
			return &StateConflictError{
				CandidateID: candidateID.String(),
				Expected:    c.Status,
				Requested:   decision,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.Status = decision
	_ = s.sink.Record(ctx, &audit.Event{
		Actor:      reviewerID,
		Action:     audit.ActionCandidateReviewed,
		EntityType: "match_candidate",
		EntityID:   candidateID,
		Summary:    map[string]interface{}{"decision": string(decision)},
	})

	// A confirmed match flows straight into the merge executor. A merge
	// failure leaves the candidate confirmed_match and retryable; the
	// review itself already succeeded.
	if decision == StatusConfirmedMatch {
		if _, err := s.merger.Merge(ctx, candidateID); err != nil {
			s.logger.Error().Err(err).
				Str("candidate_id", candidateID.String()).
				Msg("auto-merge after confirmation failed")
		} else {
			c.Status = StatusMerged
		}
	}

	return c, nil
}

// MergeCandidate retries the merge of a confirmed candidate.
func (s *Service) MergeCandidate(ctx context.Context, candidateID uuid.UUID) (*MergeRecord, error) {
	return s.merger.Merge(ctx, candidateID)
}

// ListMergesForPatient returns merges this patient took part in, on
// either side.
func (s *Service) ListMergesForPatient(ctx context.Context, patientID uuid.UUID) ([]*MergeRecord, error) {
	return s.merges.ListByPatient(ctx, patientID)
}
