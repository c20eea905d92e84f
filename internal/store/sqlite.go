package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLite is the Repository backed by mattn/go-sqlite3, for single-box
// deployments without a Postgres instance.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	enroll_id  INTEGER NOT NULL,
	backup_num INTEGER NOT NULL,
	name       TEXT    NOT NULL DEFAULT '',
	is_admin   INTEGER NOT NULL DEFAULT 0,
	record     TEXT,
	is_active  INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (enroll_id, backup_num)
);
CREATE TABLE IF NOT EXISTS attendance (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	enroll_id INTEGER NOT NULL,
	device_sn TEXT    NOT NULL,
	ts        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS attendance_enroll_ts ON attendance (enroll_id, ts);
`

// OpenSQLite opens (and creates, if needed) the database file at dsn.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) HasFaceData(ctx context.Context, enrollID int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE enroll_id = ? AND backup_num = ? AND record IS NOT NULL`,
		enrollID, faceBackupNum).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has face data: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) UpsertUser(ctx context.Context, enrollID int, name string, backupNum int, isAdmin bool, record string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (enroll_id, backup_num, name, is_admin, record, is_active)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), 1)
		ON CONFLICT (enroll_id, backup_num)
		DO UPDATE SET name = excluded.name, is_admin = excluded.is_admin, record = excluded.record`,
		enrollID, backupNum, name, isAdmin, record)
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", enrollID, err)
	}
	return nil
}

func (s *SQLite) DeleteUser(ctx context.Context, enrollID int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE enroll_id = ?`, enrollID)
	if err != nil {
		return fmt.Errorf("delete user %d: %w", enrollID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *SQLite) SetUserActive(ctx context.Context, enrollID int, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_active = ? WHERE enroll_id = ?`, active, enrollID)
	if err != nil {
		return fmt.Errorf("set active %d: %w", enrollID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *SQLite) LogAttendance(ctx context.Context, enrollID int, deviceSN string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("log attendance: %w", err)
	}
	defer tx.Rollback()

	var n int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attendance WHERE enroll_id = ? AND ts > ?`,
		enrollID, at.Add(-AttendanceDebounce)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("log attendance: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO attendance (enroll_id, device_sn, ts) VALUES (?, ?, ?)`,
		enrollID, deviceSN, at); err != nil {
		return false, fmt.Errorf("log attendance: %w", err)
	}
	return true, tx.Commit()
}

func (s *SQLite) SearchUsersByName(ctx context.Context, fragment string) ([]UserSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT enroll_id, name, is_active FROM users
		WHERE LOWER(name) LIKE '%' || LOWER(?) || '%' ORDER BY enroll_id`, fragment)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func (s *SQLite) NextEnrollID(ctx context.Context) (int, error) {
	// The single connection serializes allocators today; the reservation row
	// is still the allocation authority so the allocator stays correct if the
	// pool size ever changes.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("next enroll id: %w", err)
	}
	defer tx.Rollback()

	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(enroll_id) FROM users`).Scan(&max); err != nil {
		return 0, fmt.Errorf("next enroll id: %w", err)
	}
	next := int(max.Int64) + 1
	if next < MinEnrollID {
		next = MinEnrollID
	}
	for {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO users (enroll_id, backup_num, name, record) VALUES (?, 0, '', NULL)
			ON CONFLICT (enroll_id, backup_num) DO NOTHING`, next)
		if err != nil {
			return 0, fmt.Errorf("next enroll id: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return next, tx.Commit()
		}
		next++
	}
}

func (s *SQLite) SnapshotActiveFaceUsers(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT enroll_id, is_active FROM users WHERE backup_num = ? AND record IS NOT NULL`,
		faceBackupNum)
	if err != nil {
		return nil, fmt.Errorf("snapshot face users: %w", err)
	}
	defer rows.Close()

	snap := make(map[int]bool)
	for rows.Next() {
		var id int
		var active bool
		if err := rows.Scan(&id, &active); err != nil {
			return nil, fmt.Errorf("snapshot face users: %w", err)
		}
		snap[id] = active
	}
	return snap, rows.Err()
}

func (s *SQLite) FetchFaceRow(ctx context.Context, enrollID int) (*FaceRow, error) {
	var row FaceRow
	err := s.db.QueryRowContext(ctx,
		`SELECT name, record, is_active FROM users
		 WHERE enroll_id = ? AND backup_num = ? AND record IS NOT NULL`,
		enrollID, faceBackupNum).Scan(&row.Name, &row.Record, &row.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch face row %d: %w", enrollID, err)
	}
	return &row, nil
}
