package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"presence/internal/apperr"
	"presence/internal/store"
	"presence/internal/window"
)

// Repository persists attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `id, participant_id, window_id, date::text, status, marked_by,
	COALESCE(evidence_url, ''), created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, extra ...any) (Record, error) {
	var r Record
	dest := append([]any{&r.ID, &r.ParticipantID, &r.WindowID, &r.Date, &r.Status, &r.MarkedBy,
		&r.EvidenceURL, &r.CreatedAt, &r.UpdatedAt}, extra...)
	err := row.Scan(dest...)
	return r, err
}

// Upsert holds a share lock on the window row for the duration of the write,
// so a concurrent close either lands before the liveness check or after the
// commit.
func (r *Repository) Upsert(ctx context.Context, u Upsert, now time.Time) (Record, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, false, fmt.Errorf("begin record upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var w window.Window
	err = tx.QueryRowContext(ctx, `
		SELECT id, active, start_time, duration_seconds
		FROM attendance_windows WHERE id = $1
		FOR SHARE
	`, u.WindowID).Scan(&w.ID, &w.Active, &w.StartTime, &w.DurationSeconds)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, apperr.New(apperr.KindNotFound, "attendance window not found")
		}
		return Record{}, false, fmt.Errorf("lock window %d: %w", u.WindowID, err)
	}
	if err := window.CheckOpen(w, now); err != nil {
		return Record{}, false, err
	}

	var inserted bool
	rec, err := scanRecord(tx.QueryRowContext(ctx, `
		INSERT INTO attendance_records (participant_id, window_id, date, status, marked_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (participant_id, window_id, date) DO UPDATE SET
			status = EXCLUDED.status,
			marked_by = EXCLUDED.marked_by,
			updated_at = NOW()
		RETURNING `+recordColumns+`, (xmax = 0) AS inserted
	`, u.ParticipantID, u.WindowID, u.Date, string(u.Status), u.MarkedBy), &inserted)
	if err != nil {
		if store.IsForeignKeyViolation(err) {
			return Record{}, false, apperr.Wrap(apperr.KindNotFound, "participant or window not found", err)
		}
		return Record{}, false, fmt.Errorf("upsert record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, false, fmt.Errorf("commit record upsert: %w", err)
	}
	return rec, inserted, nil
}

// AttachEvidence stores the archived photo URL on a record.
func (r *Repository) AttachEvidence(ctx context.Context, id int64, url string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE attendance_records SET evidence_url = $2 WHERE id = $1`, id, url)
	if err != nil {
		return fmt.Errorf("attach evidence to record %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "attendance record not found")
	}
	return nil
}

// Get returns a single record by id.
func (r *Repository) Get(ctx context.Context, id int64) (Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance_records WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, apperr.New(apperr.KindNotFound, "attendance record not found")
		}
		return Record{}, fmt.Errorf("load record %d: %w", id, err)
	}
	return rec, nil
}
