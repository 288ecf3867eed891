// Package directory is the read-only view of participants and the
// organisation hierarchy that the attendance engine consumes. Rows are owned
// by the account subsystem; nothing here writes them outside of seeding.
package directory

import (
	"context"

	"presence/internal/identity"
)

// Role is the account role carried by a participant and by bearer tokens.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
	RoleParent  Role = "parent"
	RoleOther   Role = "other"
)

// IsParticipant reports whether the role marks only its own attendance.
func (r Role) IsParticipant() bool { return r == RoleStudent }

// CanMark reports whether the role may submit attendance photos.
func (r Role) CanMark() bool {
	return r == RoleStudent || r == RoleTeacher || r == RoleAdmin
}

// CanManageWindows reports whether the role may open or close windows.
func (r Role) CanManageWindows() bool {
	return r == RoleTeacher || r == RoleAdmin
}

// Participant is the subset of an account the engine reads.
type Participant struct {
	ID      int64
	Role    Role
	BatchID int64 // 0 when unaffiliated
	// Embedding is nil until a face has been registered.
	Embedding []float32
	// Latitude and Longitude hold the stored text; empty when unknown.
	Latitude  string
	Longitude string
}

// HasLocation reports whether both coordinate parts are present.
func (p Participant) HasLocation() bool {
	return p.Latitude != "" && p.Longitude != ""
}

// Directory is the full read surface implemented by Postgres and Memory.
type Directory interface {
	identity.Source
	Participant(ctx context.Context, id int64) (Participant, error)
	SubjectBatch(ctx context.Context, subjectID int64) (int64, error)
	BatchExists(ctx context.Context, batchID int64) (bool, error)
}

// Actor is the authenticated caller of an engine operation.
type Actor struct {
	ID   int64
	Role Role
}
