package matching

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mpi/mpi/internal/domain/identity"
)

// --- patient repo mock ---

type mockPatientRepo struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*identity.Patient
	keys     map[uuid.UUID][]string
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{
		patients: make(map[uuid.UUID]*identity.Patient),
		keys:     make(map[uuid.UUID][]string),
	}
}

func (m *mockPatientRepo) add(p *identity.Patient) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Active = true
	m.patients[p.ID] = p
	m.keys[p.ID] = BlockingKeys(p)
}

func (m *mockPatientRepo) Create(_ context.Context, p *identity.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.add(p)
	return nil
}

func (m *mockPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*identity.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, fmt.Errorf("patient %s not found", id)
	}
	return p, nil
}

func (m *mockPatientRepo) GetByMRN(_ context.Context, mrn string) (*identity.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patients {
		if p.MRN == mrn {
			return p, nil
		}
	}
	return nil, fmt.Errorf("not found")
}

func (m *mockPatientRepo) Update(_ context.Context, p *identity.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[p.ID]; !ok {
		return fmt.Errorf("not found")
	}
	m.patients[p.ID] = p
	return nil
}

func (m *mockPatientRepo) List(_ context.Context, limit, offset int) ([]*identity.Patient, int, error) {
	return nil, 0, nil
}

func (m *mockPatientRepo) Search(_ context.Context, params map[string]string, limit, offset int) ([]*identity.Patient, int, error) {
	return nil, 0, nil
}

func (m *mockPatientRepo) ReplaceKeys(_ context.Context, patientID uuid.UUID, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[patientID] = keys
	return nil
}

func (m *mockPatientRepo) PeerIDsByKeys(_ context.Context, keys []string, exclude uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keySet := map[string]bool{}
	for _, k := range keys {
		keySet[k] = true
	}
	var ids []uuid.UUID
	for id, pkeys := range m.keys {
		if id == exclude {
			continue
		}
		if p, ok := m.patients[id]; !ok || !p.Active {
			continue
		}
		for _, k := range pkeys {
			if keySet[k] {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, nil
}

func (m *mockPatientRepo) ActiveBatch(_ context.Context, afterID uuid.UUID, limit int) ([]*identity.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*identity.Patient
	for _, p := range m.patients {
		if p.Active && strings.Compare(p.ID.String(), afterID.String()) > 0 {
			items = append(items, p)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].ID.String() < items[j].ID.String()
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *mockPatientRepo) LockPair(_ context.Context, a, b uuid.UUID) ([]*identity.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*identity.Patient
	for _, id := range []uuid.UUID{a, b} {
		if p, ok := m.patients[id]; ok {
			items = append(items, p)
		}
	}
	return items, nil
}

func (m *mockPatientRepo) Tombstone(_ context.Context, retired, survivor uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[retired]
	if !ok {
		return fmt.Errorf("not found")
	}
	p.Active = false
	p.MergedInto = &survivor
	return nil
}

func (m *mockPatientRepo) snapshot() map[uuid.UUID]identity.Patient {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[uuid.UUID]identity.Patient, len(m.patients))
	for id, p := range m.patients {
		snap[id] = *p
	}
	return snap
}

func (m *mockPatientRepo) restore(snap map[uuid.UUID]identity.Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients = make(map[uuid.UUID]*identity.Patient, len(snap))
	for id, p := range snap {
		cp := p
		m.patients[id] = &cp
	}
}

// --- candidate repo mock ---

type mockCandidateRepo struct {
	mu     sync.Mutex
	store  map[uuid.UUID]*Candidate
	byPair map[string]uuid.UUID

	failUpsert bool
}

func newMockCandidateRepo() *mockCandidateRepo {
	return &mockCandidateRepo{
		store:  make(map[uuid.UUID]*Candidate),
		byPair: make(map[string]uuid.UUID),
	}
}

func pairKey(low, high uuid.UUID, version string) string {
	return low.String() + "|" + high.String() + "|" + version
}

func (m *mockCandidateRepo) Upsert(_ context.Context, c *Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpsert {
		return fmt.Errorf("simulated upsert failure")
	}
	key := pairKey(c.PatientLow, c.PatientHigh, c.AlgorithmVersion)
	if existingID, ok := m.byPair[key]; ok {
		existing := m.store[existingID]
		existing.FieldScores = c.FieldScores
		existing.OverallScore = c.OverallScore
		existing.Priority = c.Priority
		existing.BlockingKey = c.BlockingKey
		existing.AutoMatchEligible = c.AutoMatchEligible
		c.ID = existingID
		return nil
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	cp := *c
	m.store[c.ID] = &cp
	m.byPair[key] = c.ID
	return nil
}

func (m *mockCandidateRepo) GetByID(_ context.Context, id uuid.UUID) (*Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.store[id]
	if !ok {
		return nil, fmt.Errorf("candidate %s not found", id)
	}
	cp := *c
	return &cp, nil
}

func (m *mockCandidateRepo) List(_ context.Context, filter ListFilter, limit, offset int) ([]*CandidateView, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*CandidateView
	for _, c := range m.store {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && c.Priority != filter.Priority {
			continue
		}
		items = append(items, &CandidateView{Candidate: *c})
	}
	return items, len(items), nil
}

func (m *mockCandidateRepo) Stats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Stats{Total: len(m.store)}
	for _, c := range m.store {
		switch c.Status {
		case StatusPending:
			s.Pending++
		case StatusUnderReview:
			s.UnderReview++
		case StatusConfirmedMatch:
			s.ConfirmedMatch++
		case StatusConfirmedNotMatch:
			s.ConfirmedNotMatch++
		case StatusMerged:
			s.Merged++
		case StatusDeferred:
			s.Deferred++
		}
	}
	return s, nil
}

func (m *mockCandidateRepo) UpdateStatusGuarded(_ context.Context, id uuid.UUID, expected, next Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.store[id]
	if !ok || c.Status != expected {
		return false, nil
	}
	c.Status = next
	return true, nil
}

func (m *mockCandidateRepo) RewriteRefs(_ context.Context, loser, survivor uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.store {
		if c.PatientLow != loser && c.PatientHigh != loser {
			continue
		}
		other := c.PatientLow
		if other == loser {
			other = c.PatientHigh
		}
		if other == survivor {
			c.Status = StatusMerged
			continue
		}
		low, high := NormalizePair(survivor, other)
		key := pairKey(low, high, c.AlgorithmVersion)
		if existingID, ok := m.byPair[key]; ok && existingID != c.ID {
			c.Status = StatusMerged
			continue
		}
		delete(m.byPair, pairKey(c.PatientLow, c.PatientHigh, c.AlgorithmVersion))
		c.PatientLow, c.PatientHigh = low, high
		m.byPair[key] = c.ID
	}
	return nil
}

func (m *mockCandidateRepo) snapshot() map[uuid.UUID]Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[uuid.UUID]Candidate, len(m.store))
	for id, c := range m.store {
		snap[id] = *c
	}
	return snap
}

func (m *mockCandidateRepo) restore(snap map[uuid.UUID]Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = make(map[uuid.UUID]*Candidate, len(snap))
	m.byPair = make(map[string]uuid.UUID, len(snap))
	for id, c := range snap {
		cp := c
		m.store[id] = &cp
		m.byPair[pairKey(c.PatientLow, c.PatientHigh, c.AlgorithmVersion)] = id
	}
}

// --- decision repo mock ---

type mockDecisionRepo struct {
	mu        sync.Mutex
	decisions []*Decision

	failCreate bool
}

func (m *mockDecisionRepo) Create(_ context.Context, d *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate {
		return fmt.Errorf("simulated decision failure")
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *mockDecisionRepo) ListByCandidate(_ context.Context, candidateID uuid.UUID) ([]*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*Decision
	for _, d := range m.decisions {
		if d.CandidateID == candidateID {
			items = append(items, d)
		}
	}
	return items, nil
}

func (m *mockDecisionRepo) restore(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = m.decisions[:n]
}

// --- merge record repo mock ---

type mockMergeRecordRepo struct {
	mu      sync.Mutex
	records []*MergeRecord

	failCreate bool
}

func (m *mockMergeRecordRepo) Create(_ context.Context, rec *MergeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate {
		return fmt.Errorf("simulated merge record failure")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *mockMergeRecordRepo) GetByCandidate(_ context.Context, candidateID uuid.UUID) (*MergeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.CandidateID == candidateID {
			return r, nil
		}
	}
	return nil, fmt.Errorf("not found")
}

func (m *mockMergeRecordRepo) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*MergeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*MergeRecord
	for _, r := range m.records {
		if r.SurvivorID == patientID || r.MergedID == patientID {
			items = append(items, r)
		}
	}
	return items, nil
}

// --- conflict ref rewriter mock ---

type mockRefRewriter struct {
	calls int
	fail  bool
}

func (m *mockRefRewriter) RewritePatientRefs(_ context.Context, from, to uuid.UUID) error {
	if m.fail {
		return fmt.Errorf("simulated ref rewrite failure")
	}
	m.calls++
	return nil
}

// mockTxer emulates transactional rollback for the in-memory mocks by
// snapshotting state before fn and restoring it when fn errors.
func mockTxer(patients *mockPatientRepo, candidates *mockCandidateRepo, decisions *mockDecisionRepo) Txer {
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		pSnap := patients.snapshot()
		cSnap := candidates.snapshot()
		dLen := len(decisions.decisions)
		if err := fn(ctx); err != nil {
			patients.restore(pSnap)
			candidates.restore(cSnap)
			decisions.restore(dLen)
			return err
		}
		return nil
	}
}
