// Package store persists the current snapshot, the daily backups and the
// activity log. Postgres is the production backend; SQLite and Memory serve
// single-node deployments and tests.
package store

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"

	"amaliyah/internal/activity"
	"amaliyah/internal/model"
)

// ErrNotFound is returned when a requested backup day does not exist.
var ErrNotFound = errors.New("store: not found")

// Record is the persisted current snapshot.
type Record struct {
	ID        string
	Snapshot  model.Snapshot
	UpdatedAt time.Time
}

// Backup is a full daily point-in-time copy.
type Backup struct {
	Day        string
	Snapshot   model.Snapshot
	CapturedAt time.Time
}

// BackupSummary describes a backup without its payload.
type BackupSummary struct {
	Day             string    `json:"day"`
	CapturedAt      time.Time `json:"capturedAt"`
	ClassCount      int       `json:"classCount"`
	SubmissionCount int       `json:"submissionCount"`
}

// Store is the persistence contract of the state service.
type Store interface {
	// Load returns the current snapshot; ok is false when none was ever saved.
	Load(ctx context.Context) (rec Record, ok bool, err error)
	// Save upserts the singleton snapshot.
	Save(ctx context.Context, snap model.Snapshot, at time.Time) (Record, error)
	// SaveDailyBackup inserts the backup for day unless one already exists.
	SaveDailyBackup(ctx context.Context, day string, snap model.Snapshot, at time.Time) (created bool, err error)
	GetBackup(ctx context.Context, day string) (Backup, error)
	// ListBackups returns summaries newest day first.
	ListBackups(ctx context.Context, limit int) ([]BackupSummary, error)
	AppendLogs(ctx context.Context, entries []activity.Entry, at time.Time) error
	// ListLogs returns entries newest first.
	ListLogs(ctx context.Context, limit int) ([]activity.Entry, error)
	Ping(ctx context.Context) error
	Close() error
}

// DayOf returns the UTC calendar day of t as YYYY-MM-DD.
func DayOf(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

func encodeSnapshot(s model.Snapshot) (classes, subs []byte, err error) {
	c := s.Classes
	if c == nil {
		c = []model.ClassRecord{}
	}
	sb := s.Submissions
	if sb == nil {
		sb = []model.Submission{}
	}
	if classes, err = json.Marshal(c); err != nil {
		return nil, nil, err
	}
	if subs, err = json.Marshal(sb); err != nil {
		return nil, nil, err
	}
	return classes, subs, nil
}

func decodeSnapshot(classes, subs []byte) model.Snapshot {
	return model.Snapshot{
		Classes:     model.ParseClasses(classes),
		Submissions: model.ParseSubmissions(subs),
	}
}

func encodeMetadata(md map[string]any) ([]byte, error) {
	if md == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(md)
}

func decodeMetadata(raw []byte) map[string]any {
	md := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &md)
	}
	return md
}

// countArray counts the elements of a stored JSON array without decoding them.
func countArray(raw []byte) int {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return 0
	}
	return len(items)
}
