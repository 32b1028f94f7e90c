package audit

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
	"github.com/rs/zerolog"

	"github.com/mpi/mpi/internal/platform/db"
)

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGSink appends events to the audit_event table and mirrors each
// event to the structured log.
type PGSink struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewPGSink(pool *pgxpool.Pool, logger zerolog.Logger) *PGSink {
	return &PGSink{pool: pool, logger: logger}
}

func (s *PGSink) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

const auditCols = `id, actor, action, entity_type, entity_id, second_entity_id, summary, recorded_at`

func scanEvent(row pgx.Row) (*Event, error) {
	var ev Event
	var summary []byte
	err := row.Scan(
		&ev.ID, &ev.Actor, &ev.Action, &ev.EntityType, &ev.EntityID,
		&ev.SecondEntityID, &summary, &ev.RecordedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &ev.Summary); err != nil {
			return nil, fmt.Errorf("decode audit summary: %w", err)
		}
	}
	return &ev, nil
}

func (s *PGSink) Record(ctx context.Context, ev *Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}

	var summary []byte
	if ev.Summary != nil {
		var err error
		summary, err = json.Marshal(ev.Summary)
		if err != nil {
			return fmt.Errorf("encode audit summary: %w", err)
		}
	}

	q := fmt.Sprintf(`INSERT INTO audit_event (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, auditCols)
	_, err := s.conn(ctx).Exec(ctx, q,
		ev.ID, ev.Actor, ev.Action, ev.EntityType, ev.EntityID,
		ev.SecondEntityID, summary, ev.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}

	s.logger.Info().
		Str("audit_id", ev.ID.String()).
		Str("actor", ev.Actor).
		Str("action", ev.Action).
		Str("entity_type", ev.EntityType).
		Str("entity_id", ev.EntityID.String()).
		Msg("audit event")

	return nil
}

func (s *PGSink) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Event, int, error) {
	where := []string{}
	args := []interface{}{}
	idx := 1

	if filter.Action != "" {
		where = append(where, fmt.Sprintf("action = $%d", idx))
		args = append(args, filter.Action)
		idx++
	}
	if filter.EntityType != "" {
		where = append(where, fmt.Sprintf("entity_type = $%d", idx))
		args = append(args, filter.EntityType)
		idx++
	}
	if filter.EntityID != uuid.Nil {
		where = append(where, fmt.Sprintf("(entity_id = $%d OR second_entity_id = $%d)", idx, idx))
		args = append(args, filter.EntityID)
		idx++
	}
	if filter.Actor != "" {
		where = append(where, fmt.Sprintf("actor = $%d", idx))
		args = append(args, filter.Actor)
		idx++
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	countQ := fmt.Sprintf("SELECT COUNT(*) FROM audit_event %s", whereClause)
	var total int
	if err := s.conn(ctx).QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf("SELECT %s FROM audit_event %s ORDER BY recorded_at DESC LIMIT $%d OFFSET $%d",
		auditCols, whereClause, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := s.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, ev)
	}
	return items, total, rows.Err()
}
