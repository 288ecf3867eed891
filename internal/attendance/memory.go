package attendance

import (
	"context"
	"sync"
	"time"

	"presence/internal/apperr"
	"presence/internal/window"
)

type recordKey struct {
	participantID int64
	windowID      int64
	date          string
}

// MemoryRepository is an in-process Store paired with a window.Memory.
type MemoryRepository struct {
	windows *window.Memory

	mu     sync.Mutex
	nextID int64
	byID   map[int64]*Record
	byKey  map[recordKey]int64
}

// NewMemoryRepository creates an empty record store over windows.
func NewMemoryRepository(windows *window.Memory) *MemoryRepository {
	return &MemoryRepository{
		windows: windows,
		byID:    make(map[int64]*Record),
		byKey:   make(map[recordKey]int64),
	}
}

func (m *MemoryRepository) Upsert(ctx context.Context, u Upsert, now time.Time) (Record, bool, error) {
	var (
		out     Record
		created bool
	)
	// Lock order: window read lock, then record lock.
	err := m.windows.View(ctx, u.WindowID, func(w window.Window) error {
		if err := window.CheckOpen(w, now); err != nil {
			return err
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		key := recordKey{u.ParticipantID, u.WindowID, u.Date}
		if id, ok := m.byKey[key]; ok {
			rec := m.byID[id]
			rec.Status = u.Status
			rec.MarkedBy = u.MarkedBy
			rec.UpdatedAt = now
			out = *rec
			return nil
		}

		m.nextID++
		rec := &Record{
			ID:            m.nextID,
			ParticipantID: u.ParticipantID,
			WindowID:      u.WindowID,
			Date:          u.Date,
			Status:        u.Status,
			MarkedBy:      u.MarkedBy,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		m.byID[rec.ID] = rec
		m.byKey[key] = rec.ID
		out, created = *rec, true
		return nil
	})
	return out, created, err
}

func (m *MemoryRepository) AttachEvidence(_ context.Context, id int64, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "attendance record not found")
	}
	rec.EvidenceURL = url
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id int64) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return Record{}, apperr.New(apperr.KindNotFound, "attendance record not found")
	}
	return *rec, nil
}

// Len returns the number of stored records.
func (m *MemoryRepository) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
