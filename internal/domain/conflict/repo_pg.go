package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

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

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const conflictCols = `id, resource_type, patient_id, source_payload, local_payload,
	status, resolution_action, resolved_payload, resolver_id, notes, detected_at, resolved_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var source, local, resolved []byte
	err := row.Scan(&rec.ID, &rec.ResourceType, &rec.PatientID, &source, &local,
		&rec.Status, &rec.ResolutionAction, &resolved, &rec.ResolverID, &rec.Notes,
		&rec.DetectedAt, &rec.ResolvedAt)
	if err != nil {
		return nil, err
	}
	for _, pair := range []struct {
		raw []byte
		dst *map[string]interface{}
	}{
		{source, &rec.SourcePayload},
		{local, &rec.LocalPayload},
		{resolved, &rec.ResolvedPayload},
	} {
		if len(pair.raw) > 0 {
			if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
				return nil, fmt.Errorf("decode conflict payload: %w", err)
			}
		}
	}
	return &rec, nil
}

func (r *repoPG) Create(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	source, err := json.Marshal(rec.SourcePayload)
	if err != nil {
		return fmt.Errorf("encode source payload: %w", err)
	}
	local, err := json.Marshal(rec.LocalPayload)
	if err != nil {
		return fmt.Errorf("encode local payload: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO conflict_record (id, resource_type, patient_id, source_payload, local_payload, status)
		VALUES ($1, $2, $3, $4, $5, 'detected')`,
		rec.ID, rec.ResourceType, rec.PatientID, source, local)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+conflictCols+` FROM conflict_record WHERE id = $1`, id))
}

func (r *repoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Record, int, error) {
	where := []string{"TRUE"}
	args := []interface{}{}
	idx := 1

	if filter.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", idx))
		args = append(args, filter.Status)
		idx++
	}
	if filter.ResourceType != "" {
		where = append(where, fmt.Sprintf("resource_type = $%d", idx))
		args = append(args, filter.ResourceType)
		idx++
	}
	if filter.PatientID != uuid.Nil {
		where = append(where, fmt.Sprintf("patient_id = $%d", idx))
		args = append(args, filter.PatientID)
		idx++
	}

	whereClause := "WHERE " + strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM conflict_record %s", whereClause), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf("SELECT %s FROM conflict_record %s ORDER BY detected_at DESC LIMIT $%d OFFSET $%d",
		conflictCols, whereClause, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

func (r *repoPG) MarkResolved(ctx context.Context, id uuid.UUID, action ResolutionAction,
	resolverID string, notes *string, resolved map[string]interface{}, at time.Time) (bool, error) {

	var payload []byte
	if resolved != nil {
		var err error
		payload, err = json.Marshal(resolved)
		if err != nil {
			return false, fmt.Errorf("encode resolved payload: %w", err)
		}
	}

	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE conflict_record
		SET status = 'resolved', resolution_action = $2, resolver_id = $3, notes = $4,
			resolved_payload = $5, resolved_at = $6
		WHERE id = $1 AND status = 'detected'`,
		id, action, resolverID, notes, payload, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) RewritePatientRefs(ctx context.Context, from, to uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE conflict_record SET patient_id = $2 WHERE patient_id = $1`, from, to)
	return err
}
