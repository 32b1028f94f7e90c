package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mpi/mpi/internal/platform/audit"
)

// KeyFunc derives the blocking keys for a patient record.
type KeyFunc func(p *Patient) []string

type Service struct {
	repo  PatientRepository
	keyFn KeyFunc
	sink  audit.Sink
}

func NewService(repo PatientRepository, keyFn KeyFunc, sink audit.Sink) *Service {
	return &Service{repo: repo, keyFn: keyFn, sink: sink}
}

var validGenders = map[string]bool{
	"male": true, "female": true, "other": true, "unknown": true,
}

func (s *Service) validate(p *Patient) error {
	if strings.TrimSpace(p.MRN) == "" {
		return fmt.Errorf("mrn is required")
	}
	if strings.TrimSpace(p.LastName) == "" {
		return fmt.Errorf("last_name is required")
	}
	if p.Gender != nil && !validGenders[*p.Gender] {
		return fmt.Errorf("invalid gender: %s", *p.Gender)
	}
	return nil
}

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	if err := s.validate(p); err != nil {
		return err
	}
	p.Active = true
	if p.SourceChannel == "" {
		p.SourceChannel = "manual"
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return fmt.Errorf("create patient: %w", err)
	}
	if err := s.repo.ReplaceKeys(ctx, p.ID, s.keyFn(p)); err != nil {
		return fmt.Errorf("index patient: %w", err)
	}
	_ = s.sink.Record(ctx, &audit.Event{
		Actor:      actorFrom(ctx),
		Action:     audit.ActionPatientCreated,
		EntityType: "patient",
		EntityID:   p.ID,
		Summary:    map[string]interface{}{"mrn": p.MRN, "source_channel": p.SourceChannel},
	})
	return nil
}

func (s *Service) UpdatePatient(ctx context.Context, p *Patient) error {
	if err := s.validate(p); err != nil {
		return err
	}
	existing, err := s.repo.GetByID(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("load patient: %w", err)
	}
	if existing.IsRetired() {
		return fmt.Errorf("patient %s was merged into %s and cannot be updated", p.ID, *existing.MergedInto)
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return fmt.Errorf("update patient: %w", err)
	}
	// Demographics changed, so the blocking index entries may have too.
	if err := s.repo.ReplaceKeys(ctx, p.ID, s.keyFn(p)); err != nil {
		return fmt.Errorf("reindex patient: %w", err)
	}
	_ = s.sink.Record(ctx, &audit.Event{
		Actor:      actorFrom(ctx),
		Action:     audit.ActionPatientUpdated,
		EntityType: "patient",
		EntityID:   p.ID,
	})
	return nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetPatientByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return s.repo.GetByMRN(ctx, mrn)
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) SearchPatients(ctx context.Context, params map[string]string, limit, offset int) ([]*Patient, int, error) {
	return s.repo.Search(ctx, params, limit, offset)
}

// maxMergeHops caps tombstone chain traversal. Chains longer than this
// indicate corrupted merge pointers.
const maxMergeHops = 32

// ResolveCanonical follows merged_into pointers until it reaches the
// surviving record for an identity.
func (s *Service) ResolveCanonical(ctx context.Context, id uuid.UUID) (*Patient, error) {
	seen := map[uuid.UUID]bool{}
	for hops := 0; hops < maxMergeHops; hops++ {
		p, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.MergedInto == nil {
			return p, nil
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("merge pointer cycle at patient %s", p.ID)
		}
		seen[p.ID] = true
		id = *p.MergedInto
	}
	return nil, fmt.Errorf("merge chain exceeds %d hops from patient %s", maxMergeHops, id)
}

// actorFrom pulls the acting user out of the context, defaulting to
// "system" for background work.
func actorFrom(ctx context.Context) string {
	if v := ctx.Value(ActorKey); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "system"
}

type contextKey string

// ActorKey carries the acting user id through a request context.
const ActorKey contextKey = "actor"
