package matching

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mpi/mpi/internal/domain/identity"
	"github.com/mpi/mpi/internal/platform/audit"
	"github.com/mpi/mpi/internal/platform/telemetry"
)

type fixture struct {
	patients   *mockPatientRepo
	candidates *mockCandidateRepo
	decisions  *mockDecisionRepo
	merges     *mockMergeRecordRepo
	conflicts  *mockRefRewriter
	sink       *audit.MemSink
	svc        *Service
	merger     *MergeExecutor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		patients:   newMockPatientRepo(),
		candidates: newMockCandidateRepo(),
		decisions:  &mockDecisionRepo{},
		merges:     &mockMergeRecordRepo{},
		conflicts:  &mockRefRewriter{},
		sink:       audit.NewMemSink(),
	}
	metrics := telemetry.NewProvider("test")
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	inTx := mockTxer(f.patients, f.candidates, f.decisions)

	f.merger = NewMergeExecutor(
		f.patients, f.candidates, f.merges, f.conflicts,
		BlockingKeys, SurvivorEarliestCreated, inTx, f.sink, metrics)
	f.svc = NewService(
		f.candidates, f.decisions, f.merges, f.merger,
		inTx, f.sink, metrics, logger)
	return f
}

func (f *fixture) seedCandidate(t *testing.T, status Status) *Candidate {
	t.Helper()
	a := &identity.Patient{FirstName: "John", LastName: "Doe", MRN: "A1"}
	b := &identity.Patient{FirstName: "Jon", LastName: "Doe", MRN: "B2"}
	_ = f.patients.Create(context.Background(), a)
	_ = f.patients.Create(context.Background(), b)

	low, high := NormalizePair(a.ID, b.ID)
	c := &Candidate{
		PatientLow:       low,
		PatientHigh:      high,
		FieldScores:      map[string]float64{FieldLastName: 1.0},
		OverallScore:     90,
		Priority:         PriorityUrgent,
		Status:           StatusPending,
		AlgorithmVersion: "v1",
	}
	if err := f.candidates.Upsert(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if status != StatusPending {
		if _, err := f.candidates.UpdateStatusGuarded(context.Background(), c.ID, StatusPending, status); err != nil {
			t.Fatal(err)
		}
		c.Status = status
	}
	return c
}

func TestReviewCandidate_WritesDecisionThenStatus(t *testing.T) {
	f := newFixture(t)
	c := f.seedCandidate(t, StatusPending)
	notes := "not the same person"

	got, err := f.svc.ReviewCandidate(context.Background(), c.ID, "reviewer-1", StatusConfirmedNotMatch, &notes)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusConfirmedNotMatch {
		t.Errorf("status = %s, want confirmed_not_match", got.Status)
	}

	decisions, _ := f.decisions.ListByCandidate(context.Background(), c.ID)
	if len(decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(decisions))
	}
	if decisions[0].ReviewerID != "reviewer-1" || decisions[0].Decision != StatusConfirmedNotMatch {
		t.Errorf("decision = %+v", decisions[0])
	}
}

func TestReviewCandidate_RacingReviewers(t *testing.T) {
	f := newFixture(t)
	c := f.seedCandidate(t, StatusPending)

	if _, err := f.svc.ReviewCandidate(context.Background(), c.ID, "reviewer-1", StatusConfirmedNotMatch, nil); err != nil {
		t.Fatal(err)
	}

	// Second reviewer acts on the same pending snapshot.
	_, err := f.svc.ReviewCandidate(context.Background(), c.ID, "reviewer-2", StatusDeferred, nil)
	var conflict *StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("want StateConflictError, got %v", err)
	}

	// The loser's decision must not have been kept.
	decisions, _ := f.decisions.ListByCandidate(context.Background(), c.ID)
	if len(decisions) != 1 {
		t.Errorf("decisions = %d, want only the winner's", len(decisions))
	}
}

func TestReviewCandidate_DeferRequeues(t *testing.T) {
	f := newFixture(t)
	c := f.seedCandidate(t, StatusPending)

	if _, err := f.svc.ReviewCandidate(context.Background(), c.ID, "r1", StatusDeferred, nil); err != nil {
		t.Fatal(err)
	}
	got, err := f.svc.ReviewCandidate(context.Background(), c.ID, "r2", StatusPending, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want pending after re-queue", got.Status)
	}
	if got.ID != c.ID {
		t.Error("re-queue must reuse the same candidate row")
	}
}

func TestReviewCandidate_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	c := f.seedCandidate(t, StatusPending)

	if _, err := f.svc.ReviewCandidate(context.Background(), c.ID, "", StatusDeferred, nil); err == nil {
		t.Error("missing reviewer id should fail")
	}
	if _, err := f.svc.ReviewCandidate(context.Background(), c.ID, "r1", Status("bogus"), nil); err == nil {
		t.Error("unknown decision should fail")
	}
	if _, err := f.svc.ReviewCandidate(context.Background(), c.ID, "r1", StatusMerged, nil); err == nil {
		t.Error("merged must not be reachable through review")
	}
}

func TestReviewCandidate_TerminalStateRejected(t *testing.T) {
	f := newFixture(t)
	c := f.seedCandidate(t, StatusConfirmedNotMatch)

	_, err := f.svc.ReviewCandidate(context.Background(), c.ID, "r1", StatusUnderReview, nil)
	var conflict *StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("want StateConflictError for terminal state, got %v", err)
	}
}

func TestReviewCandidate_ConfirmTriggersAutoMerge(t *testing.T) {
	f := newFixture(t)
	c := f.seedCandidate(t, StatusPending)

	got, err := f.svc.ReviewCandidate(context.Background(), c.ID, "r1", StatusConfirmedMatch, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusMerged {
		t.Errorf("status = %s, want merged after auto-merge", got.Status)
	}
	if len(f.merges.records) != 1 {
		t.Errorf("merge records = %d, want 1", len(f.merges.records))
	}
}

func TestGetCandidate_IncludesDecisions(t *testing.T) {
	f := newFixture(t)
	c := f.seedCandidate(t, StatusPending)
	if _, err := f.svc.ReviewCandidate(context.Background(), c.ID, "r1", StatusUnderReview, nil); err != nil {
		t.Fatal(err)
	}

	detail, err := f.svc.GetCandidate(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(detail.Decisions) != 1 {
		t.Errorf("decisions = %d, want 1", len(detail.Decisions))
	}
	if detail.Status != StatusUnderReview {
		t.Errorf("status = %s, want under_review", detail.Status)
	}
}
