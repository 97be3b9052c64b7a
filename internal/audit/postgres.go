package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/onnwee/fanthemes/internal/tracing"
)

// uniqueViolation is the Postgres SQLSTATE for unique constraint violations.
const uniqueViolation = "23505"

// PostgresRepository stores records in the theme_audit table.
// The (theme_id, seq) unique constraint arbitrates concurrent appends.
type PostgresRepository struct {
	db    *sql.DB
	newID func() string
}

// NewPostgresRepository creates a repository over db. The schema comes from
// migrations/000001_create_theme_audit.up.sql.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, newID: uuid.NewString}
}

// Append stores e as the next record of its theme's chain.
func (r *PostgresRepository) Append(ctx context.Context, e Entry) (rec *Record, err error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	ctx, end := tracing.StartDBSpan(ctx, "theme_audit", tracing.DBOperationInsert)
	defer func() { end(err) }()

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		var head chainHead
		err := r.db.QueryRowContext(ctx,
			`SELECT seq, hash FROM theme_audit WHERE theme_id = $1 ORDER BY seq DESC LIMIT 1`,
			e.ThemeID,
		).Scan(&head.Seq, &head.Hash)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("read audit head: %w", err)
		}

		rec := newRecord(r.newID(), e, head)
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO theme_audit
				(id, theme_id, seq, action, actor, before, after, request_id, previous_hash, hash, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			rec.ID, rec.ThemeID, rec.Seq, string(rec.Action), rec.Actor,
			nullJSON(rec.Before), nullJSON(rec.After), rec.RequestID,
			rec.PreviousHash, rec.Hash(), rec.CreatedAt,
		)
		if err == nil {
			return rec, nil
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			continue
		}
		return nil, fmt.Errorf("insert audit record: %w", err)
	}
	return nil, fmt.Errorf("append audit record for %s: %w", e.ThemeID, ErrSeqConflict)
}

// ListByTheme returns the theme's records ordered by Seq.
func (r *PostgresRepository) ListByTheme(ctx context.Context, themeID string, limit int) (records []*Record, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "theme_audit", tracing.DBOperationQuery)
	defer func() { end(err) }()

	query := `
		SELECT id, theme_id, seq, action, actor, before, after, request_id, previous_hash, created_at
		FROM (
			SELECT * FROM theme_audit WHERE theme_id = $1 ORDER BY seq DESC LIMIT NULLIF($2::bigint, 0)
		) newest
		ORDER BY seq ASC`
	rows, err := r.db.QueryContext(ctx, query, themeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec           Record
			action        string
			before, after []byte
		)
		if err := rows.Scan(&rec.ID, &rec.ThemeID, &rec.Seq, &action, &rec.Actor,
			&before, &after, &rec.RequestID, &rec.PreviousHash, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Action = Action(action)
		rec.Before = before
		rec.After = after
		rec.CreatedAt = rec.CreatedAt.UTC()
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, nil
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
