package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"amaliyah/internal/activity"
	"amaliyah/internal/model"
)

//go:embed schema_postgres.sql
var postgresSchema string

// Postgres stores the dataset in jsonb columns through pgx.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a pooled connection and applies the schema.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Load(ctx context.Context) (Record, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, school_data, submissions, updated_at
		FROM app_state WHERE id = $1
	`, model.StateID)
	var (
		rec         Record
		classes, sb []byte
	)
	if err := row.Scan(&rec.ID, &classes, &sb, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("load state: %w", err)
	}
	rec.Snapshot = decodeSnapshot(classes, sb)
	return rec, true, nil
}

func (p *Postgres) Save(ctx context.Context, snap model.Snapshot, at time.Time) (Record, error) {
	classes, sb, err := encodeSnapshot(snap)
	if err != nil {
		return Record{}, fmt.Errorf("encode state: %w", err)
	}
	rec := Record{ID: model.StateID, Snapshot: snap}
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO app_state (id, school_data, submissions, updated_at)
		VALUES ($1, $2::jsonb, $3::jsonb, $4)
		ON CONFLICT (id) DO UPDATE SET
			school_data = EXCLUDED.school_data,
			submissions = EXCLUDED.submissions,
			updated_at = EXCLUDED.updated_at
		RETURNING updated_at
	`, model.StateID, string(classes), string(sb), at.UTC())
	if err := row.Scan(&rec.UpdatedAt); err != nil {
		return Record{}, fmt.Errorf("save state: %w", err)
	}
	return rec, nil
}

func (p *Postgres) SaveDailyBackup(ctx context.Context, day string, snap model.Snapshot, at time.Time) (bool, error) {
	classes, sb, err := encodeSnapshot(snap)
	if err != nil {
		return false, fmt.Errorf("encode backup: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO app_state_daily_backup (day, school_data, submissions, captured_at)
		VALUES ($1::date, $2::jsonb, $3::jsonb, $4)
		ON CONFLICT (day) DO NOTHING
	`, day, string(classes), string(sb), at.UTC())
	if err != nil {
		return false, fmt.Errorf("save backup %s: %w", day, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Postgres) GetBackup(ctx context.Context, day string) (Backup, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT to_char(day, 'YYYY-MM-DD'), school_data, submissions, captured_at
		FROM app_state_daily_backup WHERE day = $1::date
	`, day)
	var (
		b           Backup
		classes, sb []byte
	)
	if err := row.Scan(&b.Day, &classes, &sb, &b.CapturedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Backup{}, ErrNotFound
		}
		return Backup{}, fmt.Errorf("get backup %s: %w", day, err)
	}
	b.Snapshot = decodeSnapshot(classes, sb)
	return b, nil
}

func (p *Postgres) ListBackups(ctx context.Context, limit int) ([]BackupSummary, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT to_char(day, 'YYYY-MM-DD'), captured_at,
			jsonb_array_length(school_data), jsonb_array_length(submissions)
		FROM app_state_daily_backup
		ORDER BY day DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()
	out := []BackupSummary{}
	for rows.Next() {
		var b BackupSummary
		if err := rows.Scan(&b.Day, &b.CapturedAt, &b.ClassCount, &b.SubmissionCount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendLogs(ctx context.Context, entries []activity.Entry, at time.Time) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin log tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO app_activity_log (
			event_type, message, actor_role, class_id, student_name, event_date,
			device_type, browser, user_agent, ip, metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::jsonb,$12)
	`)
	if err != nil {
		return fmt.Errorf("prepare log insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		md, err := encodeMetadata(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode log metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, logArgs(e, string(md), at.UTC())...); err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) ListLogs(ctx context.Context, limit int) ([]activity.Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, event_type, message, actor_role, class_id, student_name, event_date,
			device_type, browser, user_agent, ip, metadata, created_at
		FROM app_activity_log
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()
	out := []activity.Entry{}
	for rows.Next() {
		var lr logRow
		if err := rows.Scan(lr.dest(&lr.createdAt)...); err != nil {
			return nil, err
		}
		out = append(out, lr.entry(lr.createdAt))
	}
	return out, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the underlying connection.
func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// logRow scans the nullable columns shared by both SQL backends.
type logRow struct {
	id          int64
	eventType   string
	message     string
	actorRole   sql.NullString
	classID     sql.NullString
	studentName sql.NullString
	eventDate   sql.NullString
	deviceType  sql.NullString
	browser     sql.NullString
	userAgent   sql.NullString
	ip          sql.NullString
	metadata    []byte
	createdAt   time.Time
}

func (r *logRow) dest(createdAt any) []any {
	return []any{
		&r.id, &r.eventType, &r.message, &r.actorRole, &r.classID, &r.studentName, &r.eventDate,
		&r.deviceType, &r.browser, &r.userAgent, &r.ip, &r.metadata, createdAt,
	}
}

func (r *logRow) entry(createdAt time.Time) activity.Entry {
	return activity.Entry{
		ID:          r.id,
		EventType:   activity.EventType(r.eventType),
		Message:     r.message,
		ActorRole:   r.actorRole.String,
		ClassID:     r.classID.String,
		StudentName: r.studentName.String,
		EventDate:   r.eventDate.String,
		DeviceType:  r.deviceType.String,
		Browser:     r.browser.String,
		UserAgent:   r.userAgent.String,
		IP:          r.ip.String,
		Metadata:    decodeMetadata(r.metadata),
		CreatedAt:   createdAt,
	}
}

func logArgs(e activity.Entry, metadata string, createdAt any) []any {
	return []any{
		string(e.EventType), e.Message, nullable(e.ActorRole), nullable(e.ClassID),
		nullable(e.StudentName), nullable(e.EventDate), nullable(e.DeviceType),
		nullable(e.Browser), nullable(e.UserAgent), nullable(e.IP), metadata, createdAt,
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
