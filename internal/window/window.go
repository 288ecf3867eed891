// Package window owns attendance windows: one time-boxed session per
// (batch, subject, calendar date).
package window

import (
	"context"
	"math"
	"time"

	"presence/internal/apperr"
)

// DateLayout is the calendar date format of windows and records.
const DateLayout = "2006-01-02"

// MaxDurationSeconds is the longest window accepted; duration_seconds is a
// 32-bit column.
const MaxDurationSeconds = math.MaxInt32

// DurationFromSeconds converts a client supplied duration. Values that are
// not finite or exceed MaxDurationSeconds are rejected rather than wrapped.
func DurationFromSeconds(secs float64) (time.Duration, error) {
	if math.IsNaN(secs) || math.IsInf(secs, 0) || secs > MaxDurationSeconds {
		return 0, apperr.New(apperr.KindInvalidRequest, "duration must be at most 2147483647 seconds")
	}
	if secs < 0 {
		return 0, nil
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Window is one class session.
type Window struct {
	ID              int64     `json:"id"`
	BatchID         int64     `json:"batch"`
	SubjectID       int64     `json:"subject"`
	Date            string    `json:"date"`
	StartTime       time.Time `json:"start_time"`
	DurationSeconds int       `json:"duration"`
	Active          bool      `json:"active"`
	LastActorID     int64     `json:"last_interacted_by"`
	CreatedAt       time.Time `json:"created_at"`
}

// EndsAt is the instant after which the window is expired.
func (w Window) EndsAt() time.Time {
	return w.StartTime.Add(time.Duration(w.DurationSeconds) * time.Second)
}

// Expired reports whether now is strictly past the end of the window.
func (w Window) Expired(now time.Time) bool {
	return now.After(w.EndsAt())
}

// Open reports whether the window accepts attendance at now.
func (w Window) Open(now time.Time) bool {
	return w.Active && !w.Expired(now)
}

// CheckOpen returns an apperr.ErrWindowClosed error when w is inactive or expired.
func CheckOpen(w Window, now time.Time) error {
	if !w.Active {
		return apperr.New(apperr.KindWindowClosed, "attendance window is not active")
	}
	if w.Expired(now) {
		return apperr.New(apperr.KindWindowClosed, "attendance window is closed")
	}
	return nil
}

// Upsert is a state write keyed on (BatchID, SubjectID, Date). StartTime and
// DurationSeconds are applied on insert, and on update only when Active.
type Upsert struct {
	BatchID         int64
	SubjectID       int64
	Date            string
	Active          bool
	StartTime       time.Time
	DurationSeconds int
	ActorID         int64
}

// Store persists windows. Upsert must be atomic per natural key.
type Store interface {
	Upsert(ctx context.Context, u Upsert) (Window, bool, error)
	Get(ctx context.Context, id int64) (Window, error)
	// ListActive returns windows flagged active for the pair, newest first.
	ListActive(ctx context.Context, batchID, subjectID int64) ([]Window, error)
	// Expire flips a window inactive only if it is still active with the
	// given start time, so a concurrent re-open wins.
	Expire(ctx context.Context, id int64, startTime time.Time) (bool, error)
	// ExpireDue flips every active window that ended before now.
	ExpireDue(ctx context.Context, now time.Time) ([]int64, error)
}
