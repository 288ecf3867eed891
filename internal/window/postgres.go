package window

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"presence/internal/apperr"
	"presence/internal/store"
)

// Postgres persists windows in attendance_windows. The unique constraint on
// (batch_id, subject_id, date) backs the natural-key upsert.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a window store over db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const windowColumns = `id, batch_id, subject_id, date::text, start_time, duration_seconds, active,
	COALESCE(last_actor_id, 0), created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanWindow(row scanner, extra ...any) (Window, error) {
	var w Window
	dest := append([]any{&w.ID, &w.BatchID, &w.SubjectID, &w.Date, &w.StartTime, &w.DurationSeconds,
		&w.Active, &w.LastActorID, &w.CreatedAt}, extra...)
	err := row.Scan(dest...)
	return w, err
}

// Upsert writes the window state in a single INSERT .. ON CONFLICT statement,
// so concurrent toggles of one key serialize on its row lock.
func (p *Postgres) Upsert(ctx context.Context, u Upsert) (Window, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO attendance_windows (batch_id, subject_id, date, start_time, duration_seconds, active, last_actor_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (batch_id, subject_id, date) DO UPDATE SET
			active = EXCLUDED.active,
			last_actor_id = EXCLUDED.last_actor_id,
			start_time = CASE WHEN EXCLUDED.active THEN EXCLUDED.start_time ELSE attendance_windows.start_time END,
			duration_seconds = CASE WHEN EXCLUDED.active THEN EXCLUDED.duration_seconds ELSE attendance_windows.duration_seconds END
		RETURNING `+windowColumns+`, (xmax = 0) AS inserted
	`, u.BatchID, u.SubjectID, u.Date, u.StartTime.UTC(), u.DurationSeconds, u.Active, u.ActorID)

	var inserted bool
	w, err := scanWindow(row, &inserted)
	if err != nil {
		if store.IsForeignKeyViolation(err) {
			return Window{}, false, apperr.Wrap(apperr.KindNotFound, "batch or subject not found", err)
		}
		return Window{}, false, fmt.Errorf("upsert window: %w", err)
	}
	return w, inserted, nil
}

// Get returns a window by id.
func (p *Postgres) Get(ctx context.Context, id int64) (Window, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+windowColumns+` FROM attendance_windows WHERE id = $1`, id)
	w, err := scanWindow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Window{}, apperr.New(apperr.KindNotFound, "attendance window not found")
		}
		return Window{}, fmt.Errorf("load window %d: %w", id, err)
	}
	return w, nil
}

// ListActive returns active windows for the pair, newest first.
func (p *Postgres) ListActive(ctx context.Context, batchID, subjectID int64) ([]Window, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+windowColumns+`
		FROM attendance_windows
		WHERE batch_id = $1 AND subject_id = $2 AND active
		ORDER BY date DESC, id DESC
	`, batchID, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list active windows: %w", err)
	}
	defer rows.Close()

	var out []Window
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Expire flips a window inactive if it still carries startTime.
func (p *Postgres) Expire(ctx context.Context, id int64, startTime time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE attendance_windows SET active = FALSE
		WHERE id = $1 AND active AND start_time = $2
	`, id, startTime.UTC())
	if err != nil {
		return false, fmt.Errorf("expire window %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire window %d: %w", id, err)
	}
	return n > 0, nil
}

// ExpireDue flips all active windows that ended before now.
func (p *Postgres) ExpireDue(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE attendance_windows SET active = FALSE
		WHERE active AND start_time + make_interval(secs => duration_seconds) < $1
		RETURNING id
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("expire due windows: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
