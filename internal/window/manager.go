package window

import (
	"context"
	"log"
	"math"
	"time"

	"presence/internal/apperr"
	"presence/internal/directory"
	"presence/internal/metrics"
)

// Catalog resolves the organisation rows a window is keyed on.
type Catalog interface {
	SubjectBatch(ctx context.Context, subjectID int64) (int64, error)
	BatchExists(ctx context.Context, batchID int64) (bool, error)
}

// Options tunes a Manager. Zero values fall back to defaults.
type Options struct {
	MinDuration     time.Duration
	DefaultDuration time.Duration
	Location        *time.Location
	Now             func() time.Time
}

// Manager runs the open/close/expire lifecycle of windows.
type Manager struct {
	store           Store
	catalog         Catalog
	minDuration     time.Duration
	defaultDuration time.Duration
	loc             *time.Location
	now             func() time.Time
}

// NewManager creates a manager over store.
func NewManager(store Store, catalog Catalog, opts Options) *Manager {
	if opts.MinDuration <= 0 {
		opts.MinDuration = 30 * time.Second
	}
	if opts.DefaultDuration < opts.MinDuration {
		opts.DefaultDuration = opts.MinDuration
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:           store,
		catalog:         catalog,
		minDuration:     opts.MinDuration,
		defaultDuration: opts.DefaultDuration,
		loc:             opts.Location,
		now:             opts.Now,
	}
}

// Now returns the manager clock.
func (m *Manager) Now() time.Time { return m.now() }

// Today returns the current calendar date in the configured location.
func (m *Manager) Today() string {
	return m.now().In(m.loc).Format(DateLayout)
}

// StateRequest opens or closes today's window for a batch and subject.
type StateRequest struct {
	BatchID   int64
	SubjectID int64
	Active    bool
	// Duration is optional; nil uses the default. Values below the floor are
	// raised to it, values above MaxDurationSeconds are rejected.
	Duration *time.Duration
	Actor    directory.Actor
}

// SetState upserts today's window for the pair. The boolean reports whether
// a new row was created.
func (m *Manager) SetState(ctx context.Context, req StateRequest) (Window, bool, error) {
	if !req.Actor.Role.CanManageWindows() {
		return Window{}, false, apperr.New(apperr.KindUnauthorized, "only teachers and admins can manage attendance windows")
	}
	seconds, err := m.resolveDuration(req.Duration)
	if err != nil {
		return Window{}, false, err
	}
	if err := m.checkPair(ctx, req.BatchID, req.SubjectID); err != nil {
		return Window{}, false, err
	}

	w, created, err := m.store.Upsert(ctx, Upsert{
		BatchID:         req.BatchID,
		SubjectID:       req.SubjectID,
		Date:            m.Today(),
		Active:          req.Active,
		StartTime:       m.now(),
		DurationSeconds: seconds,
		ActorID:         req.Actor.ID,
	})
	if err != nil {
		return Window{}, false, err
	}

	metrics.WindowTransitions.WithLabelValues(transition(req.Active, created)).Inc()
	log.Printf("window %d (batch %d, subject %d, %s) active=%v by %d created=%v",
		w.ID, w.BatchID, w.SubjectID, w.Date, w.Active, req.Actor.ID, created)
	return w, created, nil
}

func transition(active, created bool) string {
	switch {
	case active && created:
		return "opened"
	case active:
		return "reopened"
	default:
		return "closed"
	}
}

func (m *Manager) resolveDuration(d *time.Duration) (int, error) {
	dur := m.defaultDuration
	if d != nil {
		dur = *d
	}
	if dur < m.minDuration {
		dur = m.minDuration
	}
	secs := math.Ceil(dur.Seconds())
	if secs > MaxDurationSeconds {
		return 0, apperr.New(apperr.KindInvalidRequest, "duration must be at most 2147483647 seconds")
	}
	return int(secs), nil
}

// GetActive returns the most recent open window for the pair. Windows still
// flagged active past their end are flipped inactive on the way.
func (m *Manager) GetActive(ctx context.Context, batchID, subjectID int64) (Window, error) {
	if err := m.checkPair(ctx, batchID, subjectID); err != nil {
		return Window{}, err
	}

	windows, err := m.store.ListActive(ctx, batchID, subjectID)
	if err != nil {
		return Window{}, err
	}
	now := m.now()
	for _, w := range windows {
		if !w.Expired(now) {
			return w, nil
		}
		m.expire(ctx, w)
	}
	return Window{}, apperr.New(apperr.KindNotFound, "no open attendance window")
}

// Get returns a window by id without liveness checks.
func (m *Manager) Get(ctx context.Context, id int64) (Window, error) {
	if id <= 0 {
		return Window{}, apperr.New(apperr.KindInvalidRequest, "window id is required")
	}
	return m.store.Get(ctx, id)
}

// EnsureOpen rejects inactive or expired windows, flipping expired ones.
func (m *Manager) EnsureOpen(ctx context.Context, w Window) error {
	err := CheckOpen(w, m.now())
	if err != nil && w.Active {
		m.expire(ctx, w)
	}
	return err
}

// Sweep flips every active window whose time has run out. Correctness never
// depends on it; readers re-check expiry themselves.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	ids, err := m.store.ExpireDue(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		metrics.WindowTransitions.WithLabelValues("expired").Add(float64(len(ids)))
		log.Printf("sweep expired %d window(s): %v", len(ids), ids)
	}
	return len(ids), nil
}

func (m *Manager) expire(ctx context.Context, w Window) {
	flipped, err := m.store.Expire(ctx, w.ID, w.StartTime)
	if err != nil {
		// Readers still treat the window as closed; the next reader retries the flip.
		log.Printf("expire window %d failed: %v", w.ID, err)
		return
	}
	if flipped {
		metrics.WindowTransitions.WithLabelValues("expired").Inc()
	}
}

func (m *Manager) checkPair(ctx context.Context, batchID, subjectID int64) error {
	if batchID <= 0 || subjectID <= 0 {
		return apperr.New(apperr.KindInvalidRequest, "'batch' and 'subject' are required")
	}
	ok, err := m.catalog.BatchExists(ctx, batchID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.KindNotFound, "batch not found")
	}
	owner, err := m.catalog.SubjectBatch(ctx, subjectID)
	if err != nil {
		return err
	}
	if owner != batchID {
		return apperr.New(apperr.KindInvalidRequest, "subject does not belong to the provided batch")
	}
	return nil
}
