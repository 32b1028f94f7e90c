package identity

import (
	"context"

	"github.com/google/uuid"
)

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByMRN(ctx context.Context, mrn string) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Patient, int, error)

	// ReplaceKeys swaps the patient's blocking keys for the given set.
	ReplaceKeys(ctx context.Context, patientID uuid.UUID, keys []string) error
	// PeerIDsByKeys returns ids of active patients sharing at least one
	// blocking key with the given set, excluding the given id.
	PeerIDsByKeys(ctx context.Context, keys []string, exclude uuid.UUID) ([]uuid.UUID, error)

	// ActiveBatch returns active patients with id > afterID in id order,
	// so a scoring pass can resume where it left off.
	ActiveBatch(ctx context.Context, afterID uuid.UUID, limit int) ([]*Patient, error)

	// LockPair selects both patients FOR UPDATE in id order. Must be
	// called inside a transaction.
	LockPair(ctx context.Context, a, b uuid.UUID) ([]*Patient, error)
	// Tombstone retires a patient, pointing merged_into at the survivor.
	Tombstone(ctx context.Context, retired, survivor uuid.UUID) error
}
