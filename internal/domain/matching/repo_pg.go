package matching

import (
	"context"
	"encoding/json"
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

func resolveConn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// --- candidates ---

type candidateRepoPG struct{ pool *pgxpool.Pool }

func NewCandidateRepoPG(pool *pgxpool.Pool) CandidateRepository {
	return &candidateRepoPG{pool: pool}
}

func (r *candidateRepoPG) conn(ctx context.Context) queryable { return resolveConn(ctx, r.pool) }

const candidateCols = `id, patient_low, patient_high, field_scores, overall_score, priority,
	status, blocking_key, algorithm_version, auto_match_eligible, detected_at, updated_at`

func scanCandidate(row pgx.Row) (*Candidate, error) {
	var c Candidate
	var scores []byte
	err := row.Scan(&c.ID, &c.PatientLow, &c.PatientHigh, &scores, &c.OverallScore, &c.Priority,
		&c.Status, &c.BlockingKey, &c.AlgorithmVersion, &c.AutoMatchEligible, &c.DetectedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(scores) > 0 {
		if err := json.Unmarshal(scores, &c.FieldScores); err != nil {
			return nil, fmt.Errorf("decode field scores: %w", err)
		}
	}
	return &c, nil
}

func (r *candidateRepoPG) Upsert(ctx context.Context, c *Candidate) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	scores, err := json.Marshal(c.FieldScores)
	if err != nil {
		return fmt.Errorf("encode field scores: %w", err)
	}

	// Status stays whatever the review workflow left it at; only the
	// scoring columns are refreshed on conflict.
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO match_candidate (id, patient_low, patient_high, field_scores, overall_score,
			priority, status, blocking_key, algorithm_version, auto_match_eligible, detected_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (patient_low, patient_high, algorithm_version) DO UPDATE SET
			field_scores = EXCLUDED.field_scores,
			overall_score = EXCLUDED.overall_score,
			priority = EXCLUDED.priority,
			blocking_key = EXCLUDED.blocking_key,
			auto_match_eligible = EXCLUDED.auto_match_eligible,
			updated_at = NOW()`,
		c.ID, c.PatientLow, c.PatientHigh, scores, c.OverallScore,
		c.Priority, c.Status, c.BlockingKey, c.AlgorithmVersion, c.AutoMatchEligible, c.DetectedAt)
	return err
}

func (r *candidateRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Candidate, error) {
	return scanCandidate(r.conn(ctx).QueryRow(ctx,
		`SELECT `+candidateCols+` FROM match_candidate WHERE id = $1`, id))
}

func (r *candidateRepoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*CandidateView, int, error) {
	where := []string{"TRUE"}
	args := []interface{}{}
	idx := 1

	if filter.Status != "" {
		where = append(where, fmt.Sprintf("c.status = $%d", idx))
		args = append(args, filter.Status)
		idx++
	}
	if filter.Priority != "" {
		where = append(where, fmt.Sprintf("c.priority = $%d", idx))
		args = append(args, filter.Priority)
		idx++
	}
	if filter.Search != "" {
		where = append(where, fmt.Sprintf(`(
			pa.last_name ILIKE $%d OR pa.first_name ILIKE $%d OR pa.mrn = $%d OR
			pb.last_name ILIKE $%d OR pb.first_name ILIKE $%d OR pb.mrn = $%d)`,
			idx, idx, idx+1, idx, idx, idx+1))
		args = append(args, filter.Search+"%", filter.Search)
		idx += 2
	}

	fromClause := `FROM match_candidate c
		JOIN patient pa ON pa.id = c.patient_low
		JOIN patient pb ON pb.id = c.patient_high
		WHERE ` + strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) "+fromClause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf(`SELECT
			c.id, c.patient_low, c.patient_high, c.field_scores, c.overall_score, c.priority,
			c.status, c.blocking_key, c.algorithm_version, c.auto_match_eligible, c.detected_at, c.updated_at,
			pa.id, pa.mrn, pa.first_name, pa.last_name, pa.birth_date, pa.gender, pa.active,
			pb.id, pb.mrn, pb.first_name, pb.last_name, pb.birth_date, pb.gender, pb.active
		%s
		ORDER BY CASE c.priority
			WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END,
			c.overall_score DESC
		LIMIT $%d OFFSET $%d`, fromClause, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*CandidateView
	for rows.Next() {
		var v CandidateView
		var scores []byte
		err := rows.Scan(
			&v.ID, &v.PatientLow, &v.PatientHigh, &scores, &v.OverallScore, &v.Priority,
			&v.Status, &v.BlockingKey, &v.AlgorithmVersion, &v.AutoMatchEligible, &v.DetectedAt, &v.UpdatedAt,
			&v.PatientA.ID, &v.PatientA.MRN, &v.PatientA.FirstName, &v.PatientA.LastName,
			&v.PatientA.BirthDate, &v.PatientA.Gender, &v.PatientA.Active,
			&v.PatientB.ID, &v.PatientB.MRN, &v.PatientB.FirstName, &v.PatientB.LastName,
			&v.PatientB.BirthDate, &v.PatientB.Gender, &v.PatientB.Active,
		)
		if err != nil {
			return nil, 0, err
		}
		if len(scores) > 0 {
			if err := json.Unmarshal(scores, &v.FieldScores); err != nil {
				return nil, 0, fmt.Errorf("decode field scores: %w", err)
			}
		}
		items = append(items, &v)
	}
	return items, total, rows.Err()
}

func (r *candidateRepoPG) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'under_review'),
			COUNT(*) FILTER (WHERE status = 'confirmed_match'),
			COUNT(*) FILTER (WHERE status = 'confirmed_not_match'),
			COUNT(*) FILTER (WHERE status = 'merged'),
			COUNT(*) FILTER (WHERE status = 'deferred'),
			COUNT(*) FILTER (WHERE priority = 'high' AND status IN ('pending', 'under_review')),
			COUNT(*) FILTER (WHERE priority = 'urgent' AND status IN ('pending', 'under_review'))
		FROM match_candidate`).Scan(
		&s.Total, &s.Pending, &s.UnderReview, &s.ConfirmedMatch,
		&s.ConfirmedNotMatch, &s.Merged, &s.Deferred, &s.HighPriority, &s.UrgentPriority)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *candidateRepoPG) UpdateStatusGuarded(ctx context.Context, id uuid.UUID, expected, next Status) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE match_candidate SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, expected, next)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *candidateRepoPG) RewriteRefs(ctx context.Context, loser, survivor uuid.UUID) error {
	c := r.conn(ctx)

	rows, err := c.Query(ctx,
		`SELECT id, patient_low, patient_high, algorithm_version
		 FROM match_candidate WHERE patient_low = $1 OR patient_high = $1`, loser)
	if err != nil {
		return err
	}

	type ref struct {
		id        uuid.UUID
		low, high uuid.UUID
		version   string
	}
	var refs []ref
	for rows.Next() {
		var x ref
		if err := rows.Scan(&x.id, &x.low, &x.high, &x.version); err != nil {
			rows.Close()
			return err
		}
		refs = append(refs, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, x := range refs {
		other := x.low
		if other == loser {
			other = x.high
		}

		// A pair against the survivor itself collapses; close it.
		if other == survivor {
			if _, err := c.Exec(ctx,
				`UPDATE match_candidate SET status = 'merged', updated_at = NOW() WHERE id = $1`,
				x.id); err != nil {
				return err
			}
			continue
		}

		low, high := NormalizePair(survivor, other)
		var exists bool
		err := c.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM match_candidate
			 WHERE patient_low = $1 AND patient_high = $2 AND algorithm_version = $3 AND id <> $4)`,
			low, high, x.version, x.id).Scan(&exists)
		if err != nil {
			return err
		}

		if exists {
			// The survivor already has a candidate against this
			// patient; keep that one and close the duplicate.
			if _, err := c.Exec(ctx,
				`UPDATE match_candidate SET status = 'merged', updated_at = NOW() WHERE id = $1`,
				x.id); err != nil {
				return err
			}
			continue
		}

		if _, err := c.Exec(ctx,
			`UPDATE match_candidate SET patient_low = $2, patient_high = $3, updated_at = NOW()
			 WHERE id = $1`, x.id, low, high); err != nil {
			return err
		}
	}

	return nil
}

// --- review decisions ---

type decisionRepoPG struct{ pool *pgxpool.Pool }

func NewDecisionRepoPG(pool *pgxpool.Pool) DecisionRepository {
	return &decisionRepoPG{pool: pool}
}

func (r *decisionRepoPG) conn(ctx context.Context) queryable { return resolveConn(ctx, r.pool) }

func (r *decisionRepoPG) Create(ctx context.Context, d *Decision) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO review_decision (id, candidate_id, reviewer_id, decision, notes)
		 VALUES ($1,$2,$3,$4,$5)`,
		d.ID, d.CandidateID, d.ReviewerID, d.Decision, d.Notes)
	return err
}

func (r *decisionRepoPG) ListByCandidate(ctx context.Context, candidateID uuid.UUID) ([]*Decision, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id, candidate_id, reviewer_id, decision, notes, created_at
		 FROM review_decision WHERE candidate_id = $1 ORDER BY created_at`, candidateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.CandidateID, &d.ReviewerID, &d.Decision, &d.Notes, &d.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &d)
	}
	return items, rows.Err()
}

// --- merge records ---

type mergeRecordRepoPG struct{ pool *pgxpool.Pool }

func NewMergeRecordRepoPG(pool *pgxpool.Pool) MergeRecordRepository {
	return &mergeRecordRepoPG{pool: pool}
}

func (r *mergeRecordRepoPG) conn(ctx context.Context) queryable { return resolveConn(ctx, r.pool) }

const mergeRecordCols = `id, candidate_id, survivor_id, merged_id, field_provenance, created_at`

func scanMergeRecord(row pgx.Row) (*MergeRecord, error) {
	var m MergeRecord
	var prov []byte
	err := row.Scan(&m.ID, &m.CandidateID, &m.SurvivorID, &m.MergedID, &prov, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(prov) > 0 {
		if err := json.Unmarshal(prov, &m.FieldProvenance); err != nil {
			return nil, fmt.Errorf("decode field provenance: %w", err)
		}
	}
	return &m, nil
}

func (r *mergeRecordRepoPG) Create(ctx context.Context, m *MergeRecord) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	prov, err := json.Marshal(m.FieldProvenance)
	if err != nil {
		return fmt.Errorf("encode field provenance: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx,
		`INSERT INTO merge_record (id, candidate_id, survivor_id, merged_id, field_provenance)
		 VALUES ($1,$2,$3,$4,$5)`,
		m.ID, m.CandidateID, m.SurvivorID, m.MergedID, prov)
	return err
}

func (r *mergeRecordRepoPG) GetByCandidate(ctx context.Context, candidateID uuid.UUID) (*MergeRecord, error) {
	return scanMergeRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+mergeRecordCols+` FROM merge_record WHERE candidate_id = $1`, candidateID))
}

func (r *mergeRecordRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*MergeRecord, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+mergeRecordCols+` FROM merge_record
		 WHERE survivor_id = $1 OR merged_id = $1 ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*MergeRecord
	for rows.Next() {
		m, err := scanMergeRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}
