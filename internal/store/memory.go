package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Repository used by tests and by other packages'
// test suites. It honors the same debounce and id-allocation semantics as
// the SQL backends.
type Memory struct {
	mu         sync.Mutex
	rows       map[int]map[int]*memRow // enroll id -> backup num -> row
	attendance []memAttendance

	// FailSnapshot, when set, is returned by SnapshotActiveFaceUsers.
	// Lets reconciler tests exercise the timeout/abort paths.
	FailSnapshot error
}

type memRow struct {
	name     string
	isAdmin  bool
	record   *string
	isActive bool
}

type memAttendance struct {
	enrollID int
	deviceSN string
	at       time.Time
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{rows: make(map[int]map[int]*memRow)}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) HasFaceData(_ context.Context, enrollID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[enrollID][faceBackupNum]
	return ok && row.record != nil, nil
}

func (m *Memory) UpsertUser(_ context.Context, enrollID int, name string, backupNum int, isAdmin bool, record string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	slots, ok := m.rows[enrollID]
	if !ok {
		slots = make(map[int]*memRow)
		m.rows[enrollID] = slots
	}
	active := true
	if prev, ok := slots[backupNum]; ok {
		active = prev.isActive
	}
	row := &memRow{name: name, isAdmin: isAdmin, isActive: active}
	if record != "" {
		row.record = &record
	}
	slots[backupNum] = row
	return nil
}

func (m *Memory) DeleteUser(_ context.Context, enrollID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[enrollID]; !ok {
		return ErrUserNotFound
	}
	delete(m.rows, enrollID)
	return nil
}

func (m *Memory) SetUserActive(_ context.Context, enrollID int, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	slots, ok := m.rows[enrollID]
	if !ok {
		return ErrUserNotFound
	}
	for _, row := range slots {
		row.isActive = active
	}
	return nil
}

func (m *Memory) LogAttendance(_ context.Context, enrollID int, deviceSN string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.attendance) - 1; i >= 0; i-- {
		a := m.attendance[i]
		if a.enrollID == enrollID && at.Sub(a.at) < AttendanceDebounce {
			return false, nil
		}
	}
	m.attendance = append(m.attendance, memAttendance{enrollID: enrollID, deviceSN: deviceSN, at: at})
	return true, nil
}

// AttendanceCount reports rows recorded for an id. Test helper.
func (m *Memory) AttendanceCount(enrollID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.attendance {
		if a.enrollID == enrollID {
			n++
		}
	}
	return n
}

func (m *Memory) SearchUsersByName(_ context.Context, fragment string) ([]UserSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	frag := strings.ToLower(fragment)
	var out []UserSummary
	for id, slots := range m.rows {
		for _, row := range slots {
			if strings.Contains(strings.ToLower(row.name), frag) {
				out = append(out, UserSummary{EnrollID: id, Name: row.name, IsActive: row.isActive})
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnrollID < out[j].EnrollID })
	return out, nil
}

func (m *Memory) NextEnrollID(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for id := range m.rows {
		if id > max {
			max = id
		}
	}
	next := max + 1
	if next < MinEnrollID {
		next = MinEnrollID
	}
	m.rows[next] = map[int]*memRow{0: {isActive: true}}
	return next, nil
}

func (m *Memory) SnapshotActiveFaceUsers(_ context.Context) (map[int]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSnapshot != nil {
		return nil, m.FailSnapshot
	}
	snap := make(map[int]bool)
	for id, slots := range m.rows {
		if row, ok := slots[faceBackupNum]; ok && row.record != nil {
			snap[id] = row.isActive
		}
	}
	return snap, nil
}

func (m *Memory) FetchFaceRow(_ context.Context, enrollID int) (*FaceRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[enrollID][faceBackupNum]
	if !ok || row.record == nil {
		return nil, ErrUserNotFound
	}
	return &FaceRow{Name: row.name, Record: *row.record, IsActive: row.isActive}, nil
}
