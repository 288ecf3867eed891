package attendance

import (
	"context"
	"time"
)

// Status is the stored outcome of a record.
type Status string

const (
	StatusPresent       Status = "P"
	StatusAbsent        Status = "A"
	StatusNotApplicable Status = "NA"
)

// Record is one participant's outcome for one window on one date.
type Record struct {
	ID            int64     `json:"id"`
	ParticipantID int64     `json:"participant"`
	WindowID      int64     `json:"window"`
	Date          string    `json:"date"`
	Status        Status    `json:"status"`
	MarkedBy      int64     `json:"marked_by"`
	EvidenceURL   string    `json:"evidence_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Upsert is a write keyed on (ParticipantID, WindowID, Date).
type Upsert struct {
	ParticipantID int64
	WindowID      int64
	Date          string
	Status        Status
	MarkedBy      int64
}

// Store persists records.
type Store interface {
	// Upsert re-checks that the window is open at now while holding a lock
	// that excludes concurrent window toggles, then writes the record. The
	// boolean reports whether a new row was created.
	Upsert(ctx context.Context, u Upsert, now time.Time) (Record, bool, error)
	AttachEvidence(ctx context.Context, id int64, url string) error
	Get(ctx context.Context, id int64) (Record, error)
}
