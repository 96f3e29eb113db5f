package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"amaliyah/internal/activity"
	"amaliyah/internal/model"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLite keeps the dataset in a single database file. JSON columns are TEXT
// and timestamps are RFC 3339 strings.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path, applies pragmas and the
// schema. Safe to call on an existing file.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	// one writer at a time avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Load(ctx context.Context) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, school_data, submissions, updated_at
		FROM app_state WHERE id = ?
	`, model.StateID)
	var (
		rec         Record
		classes, sb []byte
		updated     string
	)
	if err := row.Scan(&rec.ID, &classes, &sb, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("load state: %w", err)
	}
	rec.Snapshot = decodeSnapshot(classes, sb)
	rec.UpdatedAt = parseTime(updated)
	return rec, true, nil
}

func (s *SQLite) Save(ctx context.Context, snap model.Snapshot, at time.Time) (Record, error) {
	classes, sb, err := encodeSnapshot(snap)
	if err != nil {
		return Record{}, fmt.Errorf("encode state: %w", err)
	}
	at = at.UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_state (id, school_data, submissions, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			school_data = excluded.school_data,
			submissions = excluded.submissions,
			updated_at = excluded.updated_at
	`, model.StateID, string(classes), string(sb), formatTime(at))
	if err != nil {
		return Record{}, fmt.Errorf("save state: %w", err)
	}
	return Record{ID: model.StateID, Snapshot: snap, UpdatedAt: at}, nil
}

func (s *SQLite) SaveDailyBackup(ctx context.Context, day string, snap model.Snapshot, at time.Time) (bool, error) {
	classes, sb, err := encodeSnapshot(snap)
	if err != nil {
		return false, fmt.Errorf("encode backup: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO app_state_daily_backup (day, school_data, submissions, captured_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (day) DO NOTHING
	`, day, string(classes), string(sb), formatTime(at))
	if err != nil {
		return false, fmt.Errorf("save backup %s: %w", day, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLite) GetBackup(ctx context.Context, day string) (Backup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT day, school_data, submissions, captured_at
		FROM app_state_daily_backup WHERE day = ?
	`, day)
	var (
		b           Backup
		classes, sb []byte
		captured    string
	)
	if err := row.Scan(&b.Day, &classes, &sb, &captured); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Backup{}, ErrNotFound
		}
		return Backup{}, fmt.Errorf("get backup %s: %w", day, err)
	}
	b.Snapshot = decodeSnapshot(classes, sb)
	b.CapturedAt = parseTime(captured)
	return b, nil
}

func (s *SQLite) ListBackups(ctx context.Context, limit int) ([]BackupSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, captured_at, school_data, submissions
		FROM app_state_daily_backup
		ORDER BY day DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()
	out := []BackupSummary{}
	for rows.Next() {
		var (
			b           BackupSummary
			captured    string
			classes, sb []byte
		)
		if err := rows.Scan(&b.Day, &captured, &classes, &sb); err != nil {
			return nil, err
		}
		b.CapturedAt = parseTime(captured)
		b.ClassCount = countArray(classes)
		b.SubmissionCount = countArray(sb)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendLogs(ctx context.Context, entries []activity.Entry, at time.Time) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin log tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO app_activity_log (
			event_type, message, actor_role, class_id, student_name, event_date,
			device_type, browser, user_agent, ip, metadata, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
	`)
	if err != nil {
		return fmt.Errorf("prepare log insert: %w", err)
	}
	defer stmt.Close()

	created := formatTime(at)
	for _, e := range entries {
		md, err := encodeMetadata(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode log metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, logArgs(e, string(md), created)...); err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) ListLogs(ctx context.Context, limit int) ([]activity.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, message, actor_role, class_id, student_name, event_date,
			device_type, browser, user_agent, ip, metadata, created_at
		FROM app_activity_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()
	out := []activity.Entry{}
	for rows.Next() {
		var (
			lr      logRow
			created string
		)
		if err := rows.Scan(lr.dest(&created)...); err != nil {
			return nil, err
		}
		out = append(out, lr.entry(parseTime(created)))
	}
	return out, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
