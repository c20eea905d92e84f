// Package store is the durable roster and attendance log behind the server.
// Two SQL dialects are supported (Postgres and SQLite); the Repository
// interface is the only coupling and the backend is injected at startup.
package store

import (
	"context"
	"errors"
	"time"
)

// AttendanceDebounce suppresses duplicate attendance rows for the same user
// inside this window.
const AttendanceDebounce = 20 * time.Second

// MinEnrollID is the floor for generated enroll ids.
const MinEnrollID = 1000

// faceBackupNum is the backup slot holding the face template
// (protocol.FaceBackupNum on the wire).
const faceBackupNum = 50

// ErrUserNotFound is returned when an enroll id has no row in the store.
var ErrUserNotFound = errors.New("user not found")

// UserSummary is a light roster row for search results.
type UserSummary struct {
	EnrollID int
	Name     string
	IsActive bool
}

// FaceRow is the full face record for a single user.
type FaceRow struct {
	Name     string
	Record   string // base-64 image as uploaded by the device
	IsActive bool
}

// Repository is the abstract store contract. Implementations must be safe
// for concurrent use.
type Repository interface {
	// HasFaceData reports whether the user already has a face template.
	HasFaceData(ctx context.Context, enrollID int) (bool, error)

	// UpsertUser inserts or replaces the row for (enrollID, backupNum).
	UpsertUser(ctx context.Context, enrollID int, name string, backupNum int, isAdmin bool, record string) error

	// DeleteUser purges every row for the id, across all backup slots.
	DeleteUser(ctx context.Context, enrollID int) error

	// SetUserActive flips the active flag on all rows for the id.
	SetUserActive(ctx context.Context, enrollID int, active bool) error

	// LogAttendance inserts an attendance row unless one exists for this id
	// within AttendanceDebounce. Returns false when debounced.
	LogAttendance(ctx context.Context, enrollID int, deviceSN string, at time.Time) (bool, error)

	// SearchUsersByName returns users whose name contains the fragment,
	// case-insensitive.
	SearchUsersByName(ctx context.Context, fragment string) ([]UserSummary, error)

	// NextEnrollID allocates a fresh id under a row-level update lock.
	// Ids increase monotonically, floored to MinEnrollID, and are never reused.
	NextEnrollID(ctx context.Context) (int, error)

	// SnapshotActiveFaceUsers returns enroll id -> active flag for every user
	// with a face template. This is the reconciler's light query; it must not
	// pull record blobs.
	SnapshotActiveFaceUsers(ctx context.Context) (map[int]bool, error)

	// FetchFaceRow returns the full face row for one user, or ErrUserNotFound.
	FetchFaceRow(ctx context.Context, enrollID int) (*FaceRow, error)

	// Close releases the underlying connection pool.
	Close() error
}

// Open constructs the repository named by driver ("postgres" or "sqlite").
func Open(driver, dsn string) (Repository, error) {
	switch driver {
	case "postgres":
		return OpenPostgres(dsn)
	case "sqlite", "sqlite3":
		return OpenSQLite(dsn)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
