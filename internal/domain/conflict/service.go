package conflict

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mpi/mpi/internal/domain/identity"
	"github.com/mpi/mpi/internal/platform/audit"
	"github.com/mpi/mpi/internal/platform/telemetry"
)

// Txer runs fn inside a transaction carried on the context.
type Txer func(ctx context.Context, fn func(ctx context.Context) error) error

type Service struct {
	repo     Repository
	patients identity.PatientRepository
	policy   *Policy
	inTx     Txer
	sink     audit.Sink
	metrics  *telemetry.Provider
}

func NewService(
	repo Repository,
	patients identity.PatientRepository,
	policy *Policy,
	inTx Txer,
	sink audit.Sink,
	metrics *telemetry.Provider,
) *Service {
	return &Service{
		repo:     repo,
		patients: patients,
		policy:   policy,
		inTx:     inTx,
		sink:     sink,
		metrics:  metrics,
	}
}

// RecordDivergence stores a newly detected conflict. Called by the
// sync integration when an external payload disagrees with the local
// record.
func (s *Service) RecordDivergence(ctx context.Context, rec *Record) error {
	if rec.ResourceType == "" {
		return fmt.Errorf("resource_type is required")
	}
	if rec.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if len(rec.SourcePayload) == 0 || len(rec.LocalPayload) == 0 {
		return fmt.Errorf("both source and local payloads are required")
	}

	rec.Status = StatusDetected
	if err := s.repo.Create(ctx, rec); err != nil {
		return fmt.Errorf("create conflict: %w", err)
	}

	_ = s.sink.Record(ctx, &audit.Event{
		Actor:      "system",
		Action:     audit.ActionConflictDetected,
		EntityType: "conflict_record",
		EntityID:   rec.ID,
		Summary:    map[string]interface{}{"resource_type": rec.ResourceType, "patient_id": rec.PatientID.String()},
	})
	return nil
}

func (s *Service) GetConflict(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListConflicts(ctx context.Context, filter ListFilter, limit, offset int) ([]*Record, int, error) {
	return s.repo.List(ctx, filter, limit, offset)
}

// Resolve settles a conflict with the given action. Resolving twice
// with the same action is a no-op returning the settled record; any
// different action after resolution fails with AlreadyResolvedError.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, action ResolutionAction, resolverID string, notes *string) (*Record, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("invalid resolution action: %s", action)
	}
	if resolverID == "" {
		return nil, fmt.Errorf("resolver_id is required")
	}

	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load conflict: %w", err)
	}

	if rec.Status == StatusResolved {
		return s.settled(rec, action)
	}

	fp := s.policy.FieldsFor(rec.ResourceType)
	var resolved map[string]interface{}
	switch action {
	case ActionUseSource:
		resolved = OverlaySource(fp, rec.SourcePayload, rec.LocalPayload)
	case ActionUseLocal:
		resolved = rec.LocalPayload
	case ActionMerge:
		resolved = MergePayloads(fp, rec.SourcePayload, rec.LocalPayload)
	case ActionManual:
		// Marked for out-of-band correction; no automatic mutation.
		resolved = nil
	}

	now := time.Now().UTC()
	err = s.inTx(ctx, func(ctx context.Context) error {
		ok, err := s.repo.MarkResolved(ctx, id, action, resolverID, notes, resolved, now)
		if err != nil {
			return fmt.Errorf("mark resolved: %w", err)
		}
		if !ok {
			// Lost a race with another resolver; settled handles it
			// outside the transaction.
			return errLostRace
		}

		if rec.ResourceType == "Patient" && (action == ActionUseSource || action == ActionMerge) {
			if err := s.applyToPatient(ctx, rec.PatientID, resolved); err != nil {
				return fmt.Errorf("apply resolution: %w", err)
			}
		}
		return nil
	})
	if err == errLostRace {
		current, gerr := s.repo.GetByID(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return s.settled(current, action)
	}
	if err != nil {
		return nil, err
	}

	rec.Status = StatusResolved
	rec.ResolutionAction = &action
	rec.ResolverID = &resolverID
	rec.Notes = notes
	rec.ResolvedPayload = resolved
	rec.ResolvedAt = &now

	s.metrics.Inc(telemetry.MetricConflictsResolved)
	_ = s.sink.Record(ctx, &audit.Event{
		Actor:      resolverID,
		Action:     audit.ActionConflictResolved,
		EntityType: "conflict_record",
		EntityID:   rec.ID,
		Summary:    map[string]interface{}{"action": string(action), "resource_type": rec.ResourceType},
	})
	return rec, nil
}

var errLostRace = fmt.Errorf("conflict resolved concurrently")

// settled handles a resolve call against an already-resolved record:
// same action is idempotent, a different one is terminal.
func (s *Service) settled(rec *Record, action ResolutionAction) (*Record, error) {
	if rec.ResolutionAction != nil && *rec.ResolutionAction == action {
		return rec, nil
	}
	prior := ResolutionAction("")
	if rec.ResolutionAction != nil {
		prior = *rec.ResolutionAction
	}
	return nil, &AlreadyResolvedError{ConflictID: rec.ID, Resolved: prior, Requested: action}
}

// applyToPatient writes resolved demographic fields back onto the
// patient row.
func (s *Service) applyToPatient(ctx context.Context, patientID uuid.UUID, resolved map[string]interface{}) error {
	p, err := s.patients.GetByID(ctx, patientID)
	if err != nil {
		return fmt.Errorf("load patient: %w", err)
	}

	setStr := func(key string, dst *string) {
		if v, ok := resolved[key].(string); ok {
			*dst = v
		}
	}
	setOptStr := func(key string, dst **string) {
		if v, ok := resolved[key].(string); ok {
			*dst = &v
		}
	}

	setStr("first_name", &p.FirstName)
	setStr("last_name", &p.LastName)
	setOptStr("middle_name", &p.MiddleName)
	setOptStr("gender", &p.Gender)
	setOptStr("phone", &p.Phone)
	setOptStr("email", &p.Email)
	setOptStr("address_line", &p.AddressLine)
	setOptStr("address_city", &p.AddressCity)
	setOptStr("address_state", &p.AddressState)
	setOptStr("address_postal_code", &p.AddressPostalCode)

	if v, ok := resolved["birth_date"].(string); ok {
		if bd, err := time.Parse("2006-01-02", v); err == nil {
			p.BirthDate = &bd
		}
	}

	return s.patients.Update(ctx, p)
}
