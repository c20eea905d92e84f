package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// Postgres is the Repository backed by lib/pq.
type Postgres struct {
	db *sql.DB
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS users (
	enroll_id  INTEGER NOT NULL,
	backup_num INTEGER NOT NULL,
	name       TEXT    NOT NULL DEFAULT '',
	is_admin   BOOLEAN NOT NULL DEFAULT FALSE,
	record     TEXT,
	is_active  BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (enroll_id, backup_num)
);
CREATE TABLE IF NOT EXISTS attendance (
	id        BIGSERIAL PRIMARY KEY,
	enroll_id INTEGER     NOT NULL,
	device_sn TEXT        NOT NULL,
	ts        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS attendance_enroll_ts ON attendance (enroll_id, ts);
`

// OpenPostgres connects, pings, and ensures the schema exists.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) HasFaceData(ctx context.Context, enrollID int) (bool, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE enroll_id = $1 AND backup_num = $2 AND record IS NOT NULL`,
		enrollID, faceBackupNum).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has face data: %w", err)
	}
	return n > 0, nil
}

func (p *Postgres) UpsertUser(ctx context.Context, enrollID int, name string, backupNum int, isAdmin bool, record string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (enroll_id, backup_num, name, is_admin, record, is_active)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), TRUE)
		ON CONFLICT (enroll_id, backup_num)
		DO UPDATE SET name = EXCLUDED.name, is_admin = EXCLUDED.is_admin, record = EXCLUDED.record`,
		enrollID, backupNum, name, isAdmin, record)
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", enrollID, err)
	}
	return nil
}

func (p *Postgres) DeleteUser(ctx context.Context, enrollID int) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM users WHERE enroll_id = $1`, enrollID)
	if err != nil {
		return fmt.Errorf("delete user %d: %w", enrollID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (p *Postgres) SetUserActive(ctx context.Context, enrollID int, active bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE users SET is_active = $2 WHERE enroll_id = $1`, enrollID, active)
	if err != nil {
		return fmt.Errorf("set active %d: %w", enrollID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (p *Postgres) LogAttendance(ctx context.Context, enrollID int, deviceSN string, at time.Time) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("log attendance: %w", err)
	}
	defer tx.Rollback()

	var n int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attendance WHERE enroll_id = $1 AND ts > $2`,
		enrollID, at.Add(-AttendanceDebounce)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("log attendance: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO attendance (enroll_id, device_sn, ts) VALUES ($1, $2, $3)`,
		enrollID, deviceSN, at); err != nil {
		return false, fmt.Errorf("log attendance: %w", err)
	}
	return true, tx.Commit()
}

func (p *Postgres) SearchUsersByName(ctx context.Context, fragment string) ([]UserSummary, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT enroll_id, name, is_active FROM users
		WHERE name ILIKE '%' || $1 || '%' ORDER BY enroll_id`, fragment)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func (p *Postgres) NextEnrollID(ctx context.Context) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
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
	// The reservation row is the allocation authority: the primary key makes
	// the insert first-writer-wins. A losing insert reports zero rows (MAX
	// cannot see a concurrent allocator's uncommitted reservation), so the
	// loser walks forward instead of handing out the winner's id.
	for {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO users (enroll_id, backup_num, name, record) VALUES ($1, 0, '', NULL)
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

func (p *Postgres) SnapshotActiveFaceUsers(ctx context.Context) (map[int]bool, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT enroll_id, is_active FROM users WHERE backup_num = $1 AND record IS NOT NULL`,
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

func (p *Postgres) FetchFaceRow(ctx context.Context, enrollID int) (*FaceRow, error) {
	var row FaceRow
	err := p.db.QueryRowContext(ctx,
		`SELECT name, record, is_active FROM users
		 WHERE enroll_id = $1 AND backup_num = $2 AND record IS NOT NULL`,
		enrollID, faceBackupNum).Scan(&row.Name, &row.Record, &row.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch face row %d: %w", enrollID, err)
	}
	return &row, nil
}

func scanSummaries(rows *sql.Rows) ([]UserSummary, error) {
	var out []UserSummary
	for rows.Next() {
		var u UserSummary
		if err := rows.Scan(&u.EnrollID, &u.Name, &u.IsActive); err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
