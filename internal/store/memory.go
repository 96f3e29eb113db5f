package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"amaliyah/internal/activity"
	"amaliyah/internal/model"
)

// Memory is a process-local Store used by tests and the memory backend.
type Memory struct {
	mu      sync.RWMutex
	current *Record
	backups map[string]Backup
	logs    []activity.Entry
	nextID  int64
}

func NewMemory() *Memory {
	return &Memory{backups: map[string]Backup{}}
}

func (m *Memory) Load(_ context.Context) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Record{}, false, nil
	}
	rec := *m.current
	rec.Snapshot = rec.Snapshot.Clone()
	return rec, true, nil
}

func (m *Memory) Save(_ context.Context, snap model.Snapshot, at time.Time) (Record, error) {
	rec := Record{ID: model.StateID, Snapshot: snap.Clone(), UpdatedAt: at.UTC()}
	m.mu.Lock()
	m.current = &rec
	m.mu.Unlock()
	return Record{ID: rec.ID, Snapshot: snap, UpdatedAt: rec.UpdatedAt}, nil
}

func (m *Memory) SaveDailyBackup(_ context.Context, day string, snap model.Snapshot, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backups[day]; ok {
		return false, nil
	}
	m.backups[day] = Backup{Day: day, Snapshot: snap.Clone(), CapturedAt: at.UTC()}
	return true, nil
}

func (m *Memory) GetBackup(_ context.Context, day string) (Backup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backups[day]
	if !ok {
		return Backup{}, ErrNotFound
	}
	b.Snapshot = b.Snapshot.Clone()
	return b, nil
}

func (m *Memory) ListBackups(_ context.Context, limit int) ([]BackupSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BackupSummary, 0, len(m.backups))
	for _, b := range m.backups {
		out = append(out, BackupSummary{
			Day:             b.Day,
			CapturedAt:      b.CapturedAt,
			ClassCount:      len(b.Snapshot.Classes),
			SubmissionCount: len(b.Snapshot.Submissions),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day > out[j].Day })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AppendLogs(_ context.Context, entries []activity.Entry, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.nextID++
		e.ID = m.nextID
		e.CreatedAt = at.UTC()
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
		m.logs = append(m.logs, e)
	}
	return nil
}

func (m *Memory) ListLogs(_ context.Context, limit int) ([]activity.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit = max(limit, 0)
	out := make([]activity.Entry, 0, min(limit, len(m.logs)))
	for i := len(m.logs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.logs[i])
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
