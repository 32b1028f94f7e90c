package matching

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mpi/mpi/internal/domain/identity"
	"github.com/mpi/mpi/internal/platform/audit"
	"github.com/mpi/mpi/internal/platform/telemetry"
)

// RefRewriter repoints foreign-key references from a losing patient to
// the survivor. Implemented by dependent domains (conflict records).
type RefRewriter interface {
	RewritePatientRefs(ctx context.Context, from, to uuid.UUID) error
}

// MergeExecutor consolidates a confirmed candidate pair into one
// surviving identity. Everything happens inside one transaction: any
// failure rolls the whole merge back and the candidate stays
// confirmed_match.
type MergeExecutor struct {
	patients       identity.PatientRepository
	candidates     CandidateRepository
	merges         MergeRecordRepository
	conflictRefs   RefRewriter
	keyFn          identity.KeyFunc
	survivorPolicy string
	inTx           Txer
	sink           audit.Sink
	metrics        *telemetry.Provider
}

func NewMergeExecutor(
	patients identity.PatientRepository,
	candidates CandidateRepository,
	merges MergeRecordRepository,
	conflictRefs RefRewriter,
	keyFn identity.KeyFunc,
	survivorPolicy string,
	inTx Txer,
	sink audit.Sink,
	metrics *telemetry.Provider,
) *MergeExecutor {
	return &MergeExecutor{
		patients:       patients,
		candidates:     candidates,
		merges:         merges,
		conflictRefs:   conflictRefs,
		keyFn:          keyFn,
		survivorPolicy: survivorPolicy,
		inTx:           inTx,
		sink:           sink,
		metrics:        metrics,
	}
}

// Merge executes the full merge of the candidate's pair. Requires the
// candidate to be confirmed_match.
func (e *MergeExecutor) Merge(ctx context.Context, candidateID uuid.UUID) (*MergeRecord, error) {
	fail := func(reason string, err error) (*MergeRecord, error) {
		e.metrics.Inc(telemetry.MetricMergesFailed)
		return nil, &MergeFailureError{CandidateID: candidateID.String(), Reason: reason, Err: err}
	}

	var record *MergeRecord
	var survivorID, loserID uuid.UUID

	err := e.inTx(ctx, func(ctx context.Context) error {
		c, err := e.candidates.GetByID(ctx, candidateID)
		if err != nil {
			return fmt.Errorf("load candidate: %w", err)
		}
		if c.Status != StatusConfirmedMatch {
			return fmt.Errorf("candidate is %s, merge requires confirmed_match", c.Status)
		}

		// Lock both identities before any read feeding survivor
		// selection, so a concurrent merge touching either one
		// serializes behind us.
		pair, err := e.patients.LockPair(ctx, c.PatientLow, c.PatientHigh)
		if err != nil {
			return fmt.Errorf("lock pair: %w", err)
		}
		if len(pair) != 2 {
			return fmt.Errorf("expected 2 patients, found %d", len(pair))
		}
		for _, p := range pair {
			if p.IsRetired() {
				return fmt.Errorf("patient %s already merged into %s", p.ID, *p.MergedInto)
			}
		}

		survivor, loser := e.selectSurvivor(pair[0], pair[1])
		survivorID, loserID = survivor.ID, loser.ID

		// Advance the candidate first: the reference rewrite below
		// also touches this row (its pair collapses onto the
		// survivor), and the guarded update must see confirmed_match.
		ok, err := e.candidates.UpdateStatusGuarded(ctx, candidateID, StatusConfirmedMatch, StatusMerged)
		if err != nil {
			return fmt.Errorf("advance candidate: %w", err)
		}
		if !ok {
			return fmt.Errorf("candidate status changed during merge")
		}

		provenance := backfill(survivor, loser)
		if len(provenance) > 0 {
			if err := e.patients.Update(ctx, survivor); err != nil {
				return fmt.Errorf("backfill survivor: %w", err)
			}
		}

		if err := e.conflictRefs.RewritePatientRefs(ctx, loser.ID, survivor.ID); err != nil {
			return fmt.Errorf("rewrite conflict refs: %w", err)
		}
		if err := e.candidates.RewriteRefs(ctx, loser.ID, survivor.ID); err != nil {
			return fmt.Errorf("rewrite candidate refs: %w", err)
		}

		// The loser leaves the blocking index; the survivor may have
		// gained backfilled demographics and is reindexed.
		if err := e.patients.ReplaceKeys(ctx, loser.ID, nil); err != nil {
			return fmt.Errorf("clear loser keys: %w", err)
		}
		if err := e.patients.ReplaceKeys(ctx, survivor.ID, e.keyFn(survivor)); err != nil {
			return fmt.Errorf("reindex survivor: %w", err)
		}

		if err := e.patients.Tombstone(ctx, loser.ID, survivor.ID); err != nil {
			return fmt.Errorf("tombstone loser: %w", err)
		}

		record = &MergeRecord{
			CandidateID:     candidateID,
			SurvivorID:      survivor.ID,
			MergedID:        loser.ID,
			FieldProvenance: provenance,
		}
		if err := e.merges.Create(ctx, record); err != nil {
			return fmt.Errorf("write merge record: %w", err)
		}
		return nil
	})
	if err != nil {
		return fail("transaction rolled back", err)
	}

	e.metrics.Inc(telemetry.MetricMergesCompleted)
	_ = e.sink.Record(ctx, &audit.Event{
		Actor:          "system",
		Action:         audit.ActionMergeCompleted,
		EntityType:     "patient",
		EntityID:       survivorID,
		SecondEntityID: &loserID,
		Summary: map[string]interface{}{
			"candidate_id": candidateID.String(),
			"provenance":   record.FieldProvenance,
		},
	})

	return record, nil
}

// selectSurvivor applies the configured policy to pick which record
// remains active.
func (e *MergeExecutor) selectSurvivor(a, b *identity.Patient) (survivor, loser *identity.Patient) {
	switch e.survivorPolicy {
	case SurvivorMostComplete:
		if completeness(b) > completeness(a) {
			return b, a
		}
		return a, b
	default: // earliest_created
		if b.CreatedAt.Before(a.CreatedAt) {
			return b, a
		}
		if a.CreatedAt.Equal(b.CreatedAt) && b.ID.String() < a.ID.String() {
			return b, a
		}
		return a, b
	}
}

func completeness(p *identity.Patient) int {
	n := 0
	for _, s := range []*string{p.MiddleName, p.Gender, p.Phone, p.Email,
		p.AddressLine, p.AddressCity, p.AddressState, p.AddressPostalCode} {
		if s != nil && *s != "" {
			n++
		}
	}
	if p.BirthDate != nil {
		n++
	}
	if p.FirstName != "" {
		n++
	}
	return n
}

// backfill copies loser fields the survivor lacks onto the survivor and
// returns the provenance map (field name to source identity id).
func backfill(survivor, loser *identity.Patient) map[string]string {
	prov := map[string]string{}
	src := loser.ID.String()

	adoptStr := func(name string, dst **string, val *string) {
		if (*dst == nil || **dst == "") && val != nil && *val != "" {
			*dst = val
			prov[name] = src
		}
	}

	if survivor.FirstName == "" && loser.FirstName != "" {
		survivor.FirstName = loser.FirstName
		prov["first_name"] = src
	}
	adoptStr("middle_name", &survivor.MiddleName, loser.MiddleName)
	if survivor.BirthDate == nil && loser.BirthDate != nil {
		survivor.BirthDate = loser.BirthDate
		prov["birth_date"] = src
	}
	adoptStr("gender", &survivor.Gender, loser.Gender)
	adoptStr("phone", &survivor.Phone, loser.Phone)
	adoptStr("email", &survivor.Email, loser.Email)
	adoptStr("address_line", &survivor.AddressLine, loser.AddressLine)
	adoptStr("address_city", &survivor.AddressCity, loser.AddressCity)
	adoptStr("address_state", &survivor.AddressState, loser.AddressState)
	adoptStr("address_postal_code", &survivor.AddressPostalCode, loser.AddressPostalCode)

	return prov
}
