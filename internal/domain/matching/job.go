package matching

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mpi/mpi/internal/domain/identity"
	"github.com/mpi/mpi/internal/platform/telemetry"
)

// JobResult summarizes one scoring pass.
type JobResult struct {
	PatientsSeen     int64 `json:"patients_seen"`
	PairsScored      int64 `json:"pairs_scored"`
	Upserted         int64 `json:"upserted"`
	InsufficientData int64 `json:"insufficient_data"`
}

// Job walks the active patient set and generates scored candidates.
// Writes are idempotent upserts keyed by unordered pair, so a crashed
// or repeated run converges to the same state.
type Job struct {
	patients   identity.PatientRepository
	candidates CandidateRepository
	scorer     *Scorer
	workers    int
	batchSize  int
	metrics    *telemetry.Provider
	logger     zerolog.Logger
}

func NewJob(
	patients identity.PatientRepository,
	candidates CandidateRepository,
	scorer *Scorer,
	workers int,
	metrics *telemetry.Provider,
	logger zerolog.Logger,
) *Job {
	if workers < 1 {
		workers = 1
	}
	return &Job{
		patients:   patients,
		candidates: candidates,
		scorer:     scorer,
		workers:    workers,
		batchSize:  500,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run executes one full scoring pass. The caller bounds it with a
// context deadline.
func (j *Job) Run(ctx context.Context) (*JobResult, error) {
	var res JobResult
	after := uuid.Nil

	for {
		batch, err := j.patients.ActiveBatch(ctx, after, j.batchSize)
		if err != nil {
			return nil, fmt.Errorf("load patient batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		after = batch[len(batch)-1].ID

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(j.workers)
		for _, p := range batch {
			p := p
			g.Go(func() error {
				return j.scorePatient(gctx, p, &res)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	j.metrics.Inc(telemetry.MetricScoringRuns)
	j.logger.Info().
		Int64("patients_seen", res.PatientsSeen).
		Int64("pairs_scored", res.PairsScored).
		Int64("upserted", res.Upserted).
		Int64("insufficient_data", res.InsufficientData).
		Msg("scoring pass complete")

	return &res, nil
}

func (j *Job) scorePatient(ctx context.Context, p *identity.Patient, res *JobResult) error {
	atomic.AddInt64(&res.PatientsSeen, 1)

	keys := BlockingKeys(p)
	if len(keys) == 0 {
		atomic.AddInt64(&res.InsufficientData, 1)
		j.metrics.Inc(telemetry.MetricInsufficientData)
		return nil
	}

	peers, err := j.patients.PeerIDsByKeys(ctx, keys, p.ID)
	if err != nil {
		return fmt.Errorf("find peers for %s: %w", p.ID, err)
	}

	for _, peerID := range peers {
		// Each unordered pair is handled once, by its low member.
		if p.ID.String() >= peerID.String() {
			continue
		}

		peer, err := j.patients.GetByID(ctx, peerID)
		if err != nil {
			return fmt.Errorf("load peer %s: %w", peerID, err)
		}

		atomic.AddInt64(&res.PairsScored, 1)
		j.metrics.Inc(telemetry.MetricPairsScored)

		c, ok := j.scorer.Score(p, peer, sharedKey(keys, BlockingKeys(peer)))
		if !ok {
			atomic.AddInt64(&res.InsufficientData, 1)
			j.metrics.Inc(telemetry.MetricInsufficientData)
			continue
		}
		if c == nil {
			continue // below discard threshold
		}

		if err := j.candidates.Upsert(ctx, c); err != nil {
			return fmt.Errorf("upsert candidate %s/%s: %w", c.PatientLow, c.PatientHigh, err)
		}
		atomic.AddInt64(&res.Upserted, 1)
		j.metrics.Inc(telemetry.MetricCandidatesUpserted)
	}

	return nil
}

// sharedKey picks the first blocking key the two records have in
// common, for provenance on the candidate row.
func sharedKey(a, b []string) string {
	set := make(map[string]bool, len(b))
	for _, k := range b {
		set[k] = true
	}
	for _, k := range a {
		if set[k] {
			return k
		}
	}
	if len(a) > 0 {
		return a[0]
	}
	return ""
}
