package window

import (
	"context"
	"sort"
	"sync"
	"time"

	"presence/internal/apperr"
)

type naturalKey struct {
	batchID   int64
	subjectID int64
	date      string
}

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]*Window
	byKey  map[naturalKey]int64
	now    func() time.Time
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		byID:  make(map[int64]*Window),
		byKey: make(map[naturalKey]int64),
		now:   time.Now,
	}
}

func (m *Memory) Upsert(_ context.Context, u Upsert) (Window, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := naturalKey{u.BatchID, u.SubjectID, u.Date}
	if id, ok := m.byKey[key]; ok {
		w := m.byID[id]
		w.Active = u.Active
		w.LastActorID = u.ActorID
		if u.Active {
			w.StartTime = u.StartTime
			w.DurationSeconds = u.DurationSeconds
		}
		return *w, false, nil
	}

	m.nextID++
	w := &Window{
		ID:              m.nextID,
		BatchID:         u.BatchID,
		SubjectID:       u.SubjectID,
		Date:            u.Date,
		StartTime:       u.StartTime,
		DurationSeconds: u.DurationSeconds,
		Active:          u.Active,
		LastActorID:     u.ActorID,
		CreatedAt:       m.now(),
	}
	m.byID[w.ID] = w
	m.byKey[key] = w.ID
	return *w, true, nil
}

func (m *Memory) Get(_ context.Context, id int64) (Window, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.byID[id]
	if !ok {
		return Window{}, apperr.New(apperr.KindNotFound, "attendance window not found")
	}
	return *w, nil
}

func (m *Memory) ListActive(_ context.Context, batchID, subjectID int64) ([]Window, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Window
	for _, w := range m.byID {
		if w.Active && w.BatchID == batchID && w.SubjectID == subjectID {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *Memory) Expire(_ context.Context, id int64, startTime time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.byID[id]
	if !ok || !w.Active || !w.StartTime.Equal(startTime) {
		return false, nil
	}
	w.Active = false
	return true, nil
}

func (m *Memory) ExpireDue(_ context.Context, now time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, w := range m.byID {
		if w.Active && w.Expired(now) {
			w.Active = false
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// View runs fn against the current state of window id while holding the read
// lock, so no toggle can land until fn returns.
func (m *Memory) View(_ context.Context, id int64, fn func(Window) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.byID[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "attendance window not found")
	}
	return fn(*w)
}
