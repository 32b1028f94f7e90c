package identity

import (
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patient table. A patient retired by a merge keeps
// its row with Active=false and MergedInto pointing at the survivor.
type Patient struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	MRN               string     `db:"mrn" json:"mrn"`
	FirstName         string     `db:"first_name" json:"first_name"`
	MiddleName        *string    `db:"middle_name" json:"middle_name,omitempty"`
	LastName          string     `db:"last_name" json:"last_name"`
	BirthDate         *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Gender            *string    `db:"gender" json:"gender,omitempty"`
	Phone             *string    `db:"phone" json:"phone,omitempty"`
	Email             *string    `db:"email" json:"email,omitempty"`
	AddressLine       *string    `db:"address_line" json:"address_line,omitempty"`
	AddressCity       *string    `db:"address_city" json:"address_city,omitempty"`
	AddressState      *string    `db:"address_state" json:"address_state,omitempty"`
	AddressPostalCode *string    `db:"address_postal_code" json:"address_postal_code,omitempty"`
	SourceChannel     string     `db:"source_channel" json:"source_channel"`
	Active            bool       `db:"active" json:"active"`
	MergedInto        *uuid.UUID `db:"merged_into" json:"merged_into,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// IsRetired reports whether this record was folded into a survivor.
func (p *Patient) IsRetired() bool {
	return p.MergedInto != nil
}
