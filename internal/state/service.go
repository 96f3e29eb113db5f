// Package state runs the server side of synchronization: it guards, merges
// and persists incoming snapshots, keeps the daily backups and the activity
// log, and serves the current view.
package state

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"amaliyah/internal/activity"
	"amaliyah/internal/cache"
	"amaliyah/internal/merge"
	"amaliyah/internal/metrics"
	"amaliyah/internal/model"
	"amaliyah/internal/queue"
	"amaliyah/internal/store"
)

// Limits of the admin listings and of a single write's audit batch.
const (
	DefaultLogLimit    = 200
	MaxLogLimit        = 1000
	DefaultBackupLimit = 30
	MaxBackupLimit     = 365
	MaxLogsPerWrite    = 200
)

var isoDay = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Options carries the optional collaborators of a Service.
type Options struct {
	Cache   cache.Cache
	Bus     queue.Queue
	Metrics metrics.Recorder
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Service coordinates the store with the merge engine, the guard and the
// change detector.
type Service struct {
	store   store.Store
	cache   cache.Cache
	bus     queue.Queue
	metrics metrics.Recorder
	log     zerolog.Logger
	now     func() time.Time

	// serializes read-merge-write cycles within this process
	mu sync.Mutex
}

// NewService creates a service backed by st.
func NewService(st store.Store, opts Options) *Service {
	s := &Service{
		store:   st,
		cache:   opts.Cache,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		log:     opts.Logger,
		now:     opts.Now,
	}
	if s.cache == nil {
		s.cache = cache.Noop{}
	}
	if s.metrics == nil {
		s.metrics = metrics.Noop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// View is the current snapshot as served to clients.
type View struct {
	ID          string              `json:"id"`
	Classes     []model.ClassRecord `json:"classes"`
	Submissions []model.Submission  `json:"submissions"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// Snapshot returns the view's dataset.
func (v View) Snapshot() model.Snapshot {
	return model.Snapshot{Classes: v.Classes, Submissions: v.Submissions}
}

// RequestInfo describes the caller of a mutating operation.
type RequestInfo struct {
	ActorRole string
	RequestID string
	Meta      activity.ClientMeta
}

func (r RequestInfo) role() string {
	if r.ActorRole == "" {
		return "unknown"
	}
	return r.ActorRole
}

// Current returns the stored snapshot, or nil when none exists yet. Classes
// referenced only by submissions are synthesized and persisted first.
func (s *Service) Current(ctx context.Context) (*View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current(ctx)
}

func (s *Service) current(ctx context.Context) (*View, error) {
	rec, ok, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	healed, added := merge.Heal(rec.Snapshot.Classes, rec.Snapshot.Submissions)
	if added > 0 {
		snap := model.Snapshot{Classes: healed, Submissions: rec.Snapshot.Submissions}
		now := s.now()
		if rec, err = s.store.Save(ctx, snap, now); err != nil {
			return nil, fmt.Errorf("persist healed state: %w", err)
		}
		if _, err := s.backup(ctx, snap, now); err != nil {
			return nil, err
		}
		s.metrics.IncHealWrite()
		s.log.Info().Int("classes", added).Msg("synthesized classes from submissions")
	}
	return &View{
		ID:          rec.ID,
		Classes:     nonNilClasses(rec.Snapshot.Classes),
		Submissions: nonNilSubs(rec.Snapshot.Submissions),
		UpdatedAt:   rec.UpdatedAt,
	}, nil
}

// CurrentJSON returns the encoded view ("null" when empty), served from the
// cache when possible.
func (s *Service) CurrentJSON(ctx context.Context) ([]byte, error) {
	if raw, ok := s.cache.Get(ctx, cache.StateKey); ok {
		return raw, nil
	}
	// held until the cache is filled so a concurrent write cannot be
	// overwritten by this older view
	s.mu.Lock()
	defer s.mu.Unlock()
	view, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(view)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	s.cache.Set(ctx, cache.StateKey, raw)
	return raw, nil
}

// WriteResult summarizes an accepted write.
type WriteResult struct {
	Events        int
	BackupCreated bool
	Snapshot      model.Snapshot
}

// Write merges incoming into the stored snapshot unless the shrink guard
// blocks it. force bypasses the guard.
func (s *Service) Write(ctx context.Context, incoming model.Snapshot, force bool, info RequestInfo) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, _, err := s.store.Load(ctx)
	if err != nil {
		s.metrics.IncStateWrite(metrics.OutcomeError)
		return WriteResult{}, err
	}
	existing := rec.Snapshot

	if merge.ShouldBlock(existing.Classes, incoming.Classes, force) {
		s.metrics.IncStateWrite(metrics.OutcomeBlocked)
		s.log.Warn().
			Int("existing_classes", len(existing.Classes)).
			Int("incoming_classes", len(incoming.Classes)).
			Str("actor_role", info.role()).
			Msg("blocked suspicious shrink")
		return WriteResult{}, &ConflictError{
			ExistingClasses: len(existing.Classes),
			IncomingClasses: len(incoming.Classes),
		}
	}

	merged := merge.Merge(existing, incoming)
	events := activity.Diff(existing, merged, info.role())
	res, err := s.persist(ctx, merged, events, info)
	if err != nil {
		s.metrics.IncStateWrite(metrics.OutcomeError)
		return WriteResult{}, err
	}
	s.metrics.IncStateWrite(metrics.OutcomeOK)
	return res, nil
}

// RosterOp edits a snapshot explicitly; it is the only path that removes
// classes or students.
type RosterOp func(model.Snapshot) (model.Snapshot, error)

// ApplyRoster runs op against the stored snapshot and persists the result
// without merging.
func (s *Service) ApplyRoster(ctx context.Context, op RosterOp, info RequestInfo) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, _, err := s.store.Load(ctx)
	if err != nil {
		return WriteResult{}, err
	}
	after, err := op(rec.Snapshot)
	switch {
	case errors.Is(err, model.ErrClassNotFound), errors.Is(err, model.ErrStudentNotFound):
		return WriteResult{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, model.ErrEmptyName):
		return WriteResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	case err != nil:
		return WriteResult{}, err
	}
	events := activity.Diff(rec.Snapshot, after, info.role())
	return s.persist(ctx, after, events, info)
}

// RestoreResult describes a completed restore.
type RestoreResult struct {
	Day             string `json:"restoredDay"`
	ClassCount      int    `json:"classCount"`
	SubmissionCount int    `json:"submissionCount"`
}

// Restore replaces the current snapshot with the backup of day. The shrink
// guard does not apply.
func (s *Service) Restore(ctx context.Context, day string, info RequestInfo) (RestoreResult, error) {
	if !ValidDay(day) {
		return RestoreResult{}, fmt.Errorf("%w: invalid day format, use YYYY-MM-DD", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.store.GetBackup(ctx, day)
	if errors.Is(err, store.ErrNotFound) {
		return RestoreResult{}, fmt.Errorf("%w: backup %s", ErrNotFound, day)
	}
	if err != nil {
		return RestoreResult{}, err
	}
	rec, _, err := s.store.Load(ctx)
	if err != nil {
		return RestoreResult{}, err
	}

	events := activity.Diff(rec.Snapshot, b.Snapshot, info.role())
	events = append(events, activity.Restored(day, b.Snapshot, info.role()))
	if _, err := s.persist(ctx, b.Snapshot, events, info); err != nil {
		return RestoreResult{}, err
	}
	s.log.Info().Str("day", day).Str("actor_role", info.role()).Msg("backup restored")
	return RestoreResult{
		Day:             day,
		ClassCount:      len(b.Snapshot.Classes),
		SubmissionCount: len(b.Snapshot.Submissions),
	}, nil
}

// ListLogs returns the newest activity entries. limit 0 means the default;
// other values are clamped to 1..1000.
func (s *Service) ListLogs(ctx context.Context, limit int) ([]activity.Entry, error) {
	return s.store.ListLogs(ctx, clamp(limit, DefaultLogLimit, MaxLogLimit))
}

// ListBackups returns backup summaries newest first. limit 0 means the
// default; other values are clamped to 1..365.
func (s *Service) ListBackups(ctx context.Context, limit int) ([]store.BackupSummary, error) {
	return s.store.ListBackups(ctx, clamp(limit, DefaultBackupLimit, MaxBackupLimit))
}

// FindStudents searches the current roster.
func (s *Service) FindStudents(ctx context.Context, query string, limit int) ([]model.StudentHit, error) {
	rec, _, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return model.FindStudents(rec.Snapshot, query, limit), nil
}

// RunInvalidation drops the cached view whenever any instance reports a
// write. It returns when ctx ends.
func (s *Service) RunInvalidation(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	msgs, err := s.bus.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume invalidations: %w", err)
	}
	for msg := range msgs {
		if msg.Type == queue.TypeStateWritten {
			s.cache.Delete(ctx, cache.StateKey)
		}
	}
	return nil
}

// ValidDay reports whether day is a real YYYY-MM-DD date.
func ValidDay(day string) bool {
	if !isoDay.MatchString(day) {
		return false
	}
	_, err := time.Parse(time.DateOnly, day)
	return err == nil
}

// persist saves snap, captures the daily backup, appends the audit entries
// and announces the write. The caller holds s.mu.
func (s *Service) persist(ctx context.Context, snap model.Snapshot, events []activity.Entry, info RequestInfo) (WriteResult, error) {
	now := s.now()
	if _, err := s.store.Save(ctx, snap, now); err != nil {
		return WriteResult{}, fmt.Errorf("save state: %w", err)
	}
	s.cache.Delete(ctx, cache.StateKey)

	created, err := s.backup(ctx, snap, now)
	if err != nil {
		return WriteResult{}, err
	}
	res := WriteResult{Events: len(events), BackupCreated: created, Snapshot: snap}

	var extra map[string]any
	if info.RequestID != "" {
		extra = map[string]any{"requestId": info.RequestID}
	}
	batch := capEntries(events)
	if err := s.store.AppendLogs(ctx, activity.Stamp(batch, info.Meta, extra), now); err != nil {
		return WriteResult{}, fmt.Errorf("append activity log: %w", err)
	}
	for t, n := range countTypes(batch) {
		s.metrics.AddActivityEvents(string(t), n)
	}

	if s.bus != nil {
		if err := s.bus.Publish(ctx, queue.Message{Type: queue.TypeStateWritten, Body: []byte(info.RequestID)}); err != nil {
			s.log.Warn().Err(err).Msg("publish invalidation failed")
		}
	}
	s.log.Debug().Int("events", len(events)).Str("request_id", info.RequestID).Msg("state written")
	return res, nil
}

// capEntries keeps the first MaxLogsPerWrite entries; the last kept entry
// records how many were dropped.
func capEntries(events []activity.Entry) []activity.Entry {
	if len(events) <= MaxLogsPerWrite {
		return events
	}
	out := append([]activity.Entry(nil), events[:MaxLogsPerWrite]...)
	last := out[len(out)-1]
	md := make(map[string]any, len(last.Metadata)+2)
	for k, v := range last.Metadata {
		md[k] = v
	}
	md["truncated"] = true
	md["totalEvents"] = len(events)
	last.Metadata = md
	out[len(out)-1] = last
	return out
}

func countTypes(events []activity.Entry) map[activity.EventType]int {
	out := map[activity.EventType]int{}
	for _, e := range events {
		out[e.EventType]++
	}
	return out
}

func (s *Service) backup(ctx context.Context, snap model.Snapshot, now time.Time) (bool, error) {
	day := store.DayOf(now)
	created, err := s.store.SaveDailyBackup(ctx, day, snap, now)
	if err != nil {
		return false, fmt.Errorf("save daily backup %s: %w", day, err)
	}
	if created {
		s.metrics.IncBackupCreated()
		s.log.Info().Str("day", day).Msg("daily backup captured")
	}
	return created, nil
}

func clamp(v, def, hi int) int {
	if v == 0 {
		return def
	}
	return max(1, min(hi, v))
}

func nonNilClasses(c []model.ClassRecord) []model.ClassRecord {
	if c == nil {
		return []model.ClassRecord{}
	}
	return c
}

func nonNilSubs(s []model.Submission) []model.Submission {
	if s == nil {
		return []model.Submission{}
	}
	return s
}
