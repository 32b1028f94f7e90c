package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mpi/mpi/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const patientCols = `id, mrn, first_name, middle_name, last_name, birth_date, gender,
	phone, email, address_line, address_city, address_state, address_postal_code,
	source_channel, active, merged_into, created_at, updated_at`

func (r *patientRepoPG) scanRow(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.MRN, &p.FirstName, &p.MiddleName, &p.LastName, &p.BirthDate, &p.Gender,
		&p.Phone, &p.Email, &p.AddressLine, &p.AddressCity, &p.AddressState, &p.AddressPostalCode,
		&p.SourceChannel, &p.Active, &p.MergedInto, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient (id, mrn, first_name, middle_name, last_name, birth_date, gender,
			phone, email, address_line, address_city, address_state, address_postal_code,
			source_channel, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		p.ID, p.MRN, p.FirstName, p.MiddleName, p.LastName, p.BirthDate, p.Gender,
		p.Phone, p.Email, p.AddressLine, p.AddressCity, p.AddressState, p.AddressPostalCode,
		p.SourceChannel, p.Active)
	return err
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
}

func (r *patientRepoPG) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE mrn = $1`, mrn))
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient SET mrn=$2, first_name=$3, middle_name=$4, last_name=$5, birth_date=$6,
			gender=$7, phone=$8, email=$9, address_line=$10, address_city=$11, address_state=$12,
			address_postal_code=$13, source_channel=$14, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.MRN, p.FirstName, p.MiddleName, p.LastName, p.BirthDate,
		p.Gender, p.Phone, p.Email, p.AddressLine, p.AddressCity, p.AddressState,
		p.AddressPostalCode, p.SourceChannel)
	return err
}

func (r *patientRepoPG) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient WHERE active`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+patientCols+` FROM patient WHERE active ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *patientRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Patient, int, error) {
	where := []string{"active"}
	args := []interface{}{}
	idx := 1

	if v, ok := params["mrn"]; ok {
		where = append(where, fmt.Sprintf("mrn = $%d", idx))
		args = append(args, v)
		idx++
	}
	if v, ok := params["last_name"]; ok {
		where = append(where, fmt.Sprintf("last_name ILIKE $%d", idx))
		args = append(args, v+"%")
		idx++
	}
	if v, ok := params["first_name"]; ok {
		where = append(where, fmt.Sprintf("first_name ILIKE $%d", idx))
		args = append(args, v+"%")
		idx++
	}
	if v, ok := params["birth_date"]; ok {
		where = append(where, fmt.Sprintf("birth_date = $%d", idx))
		args = append(args, v)
		idx++
	}
	if v, ok := params["source_channel"]; ok {
		where = append(where, fmt.Sprintf("source_channel = $%d", idx))
		args = append(args, v)
		idx++
	}

	whereClause := "WHERE " + strings.Join(where, " AND ")

	var total int
	countQ := fmt.Sprintf("SELECT COUNT(*) FROM patient %s", whereClause)
	if err := r.conn(ctx).QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf("SELECT %s FROM patient %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		patientCols, whereClause, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *patientRepoPG) collect(rows pgx.Rows, total int) ([]*Patient, int, error) {
	var items []*Patient
	for rows.Next() {
		p, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *patientRepoPG) ReplaceKeys(ctx context.Context, patientID uuid.UUID, keys []string) error {
	c := r.conn(ctx)
	if _, err := c.Exec(ctx, `DELETE FROM patient_blocking_key WHERE patient_id = $1`, patientID); err != nil {
		return fmt.Errorf("clear blocking keys: %w", err)
	}
	for _, key := range keys {
		if _, err := c.Exec(ctx,
			`INSERT INTO patient_blocking_key (patient_id, blocking_key) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`, patientID, key); err != nil {
			return fmt.Errorf("insert blocking key %q: %w", key, err)
		}
	}
	return nil
}

func (r *patientRepoPG) PeerIDsByKeys(ctx context.Context, keys []string, exclude uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT k.patient_id
		FROM patient_blocking_key k
		JOIN patient p ON p.id = k.patient_id
		WHERE k.blocking_key = ANY($1) AND k.patient_id <> $2 AND p.active`,
		keys, exclude)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *patientRepoPG) ActiveBatch(ctx context.Context, afterID uuid.UUID, limit int) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+patientCols+` FROM patient WHERE active AND id > $1 ORDER BY id LIMIT $2`,
		afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Patient
	for rows.Next() {
		p, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *patientRepoPG) LockPair(ctx context.Context, a, b uuid.UUID) ([]*Patient, error) {
	// Lock in id order so concurrent merges of overlapping pairs cannot
	// deadlock.
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+patientCols+` FROM patient WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		[]uuid.UUID{a, b})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Patient
	for rows.Next() {
		p, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *patientRepoPG) Tombstone(ctx context.Context, retired, survivor uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE patient SET active = false, merged_into = $2, updated_at = NOW() WHERE id = $1`,
		retired, survivor)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("patient %s not found", retired)
	}
	return nil
}
