// Package syncclient keeps a device-local copy of the dataset and reconciles
// it with the server: a one-time migration of legacy cache keys, hydration
// from the local cache, a reconcile round against the server and debounced
// pushes of local mutations.
package syncclient

import (
	"context"
	"errors"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"amaliyah/internal/merge"
	"amaliyah/internal/model"
)

// DefaultDebounce is the delay between the last mutation and its push.
const DefaultDebounce = 300 * time.Millisecond

// Phase is the synchronizer's position in its startup sequence.
type Phase int

const (
	Cold Phase = iota
	Migrating
	Hydrating
	Reconciled
)

func (p Phase) String() string {
	switch p {
	case Cold:
		return "cold"
	case Migrating:
		return "migrating"
	case Hydrating:
		return "hydrating"
	case Reconciled:
		return "reconciled"
	}
	return "unknown"
}

// Options tunes a Synchronizer.
type Options struct {
	Debounce time.Duration
	// Seed supplies the dataset used when the local cache is empty.
	Seed   func() model.Snapshot
	Logger zerolog.Logger
}

// Synchronizer owns the local cache for one client process.
type Synchronizer struct {
	cache  LocalCache
	remote Remote
	opts   Options
	log    zerolog.Logger

	mu       sync.Mutex
	phase    Phase
	hydrated bool
	snap     model.Snapshot
	pending  bool
	timer    *time.Timer

	// orders pushes so an older snapshot never lands after a newer one
	pushMu sync.Mutex
}

// New creates a Synchronizer in the Cold phase.
func New(cache LocalCache, remote Remote, opts Options) *Synchronizer {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Seed == nil {
		opts.Seed = model.DefaultSnapshot
	}
	return &Synchronizer{cache: cache, remote: remote, opts: opts, log: opts.Logger}
}

// Phase returns the current phase.
func (s *Synchronizer) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Snapshot returns a copy of the local dataset.
func (s *Synchronizer) Snapshot() model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

// Pending reports whether a local change has not reached the server yet.
func (s *Synchronizer) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Start runs migration, hydration and one reconcile round. Only local cache
// failures are returned; when the server cannot be reached the local copy
// stays usable and is pushed on the next mutation or Flush.
func (s *Synchronizer) Start(ctx context.Context) error {
	if err := s.migrate(ctx); err != nil {
		return err
	}
	if err := s.hydrate(ctx); err != nil {
		return err
	}
	if err := s.reconcile(ctx); err != nil {
		s.log.Warn().Err(err).Msg("server unavailable, using local cache")
	}
	return nil
}

func (s *Synchronizer) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// migrate folds legacy keys into the canonical ones, once.
func (s *Synchronizer) migrate(ctx context.Context) error {
	flag, ok, err := s.cache.Get(ctx, KeyMigrationFlag)
	if err != nil {
		return localErr(OpMigrate, err)
	}
	if ok && string(flag) == "1" {
		return nil
	}
	s.setPhase(Migrating)

	if err := s.foldLegacy(ctx, KeyRoster, LegacyRosterKeys, func(raw []byte) (int, []byte, error) {
		items := model.ParseClasses(raw)
		enc, err := json.Marshal(items)
		return len(items), enc, err
	}); err != nil {
		return err
	}
	if err := s.foldLegacy(ctx, KeySubmissions, LegacySubmissionKeys, func(raw []byte) (int, []byte, error) {
		items := model.ParseSubmissions(raw)
		enc, err := json.Marshal(items)
		return len(items), enc, err
	}); err != nil {
		return err
	}

	legacy := append(append([]string{}, LegacyRosterKeys...), LegacySubmissionKeys...)
	if err := s.cache.Delete(ctx, legacy...); err != nil {
		return localErr(OpMigrate, err)
	}
	if err := s.cache.Set(ctx, KeyMigrationFlag, []byte("1")); err != nil {
		return localErr(OpMigrate, err)
	}
	s.log.Info().Msg("legacy cache migrated")
	return nil
}

// foldLegacy writes the concatenation of the legacy arrays to canonical
// unless canonical already exists. parse turns one joined JSON array into
// its item count and canonical encoding.
func (s *Synchronizer) foldLegacy(ctx context.Context, canonical string, legacy []string, parse func([]byte) (int, []byte, error)) error {
	if _, ok, err := s.cache.Get(ctx, canonical); err != nil {
		return localErr(OpMigrate, err)
	} else if ok {
		return nil
	}
	var items []json.RawMessage
	for _, key := range legacy {
		raw, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			return localErr(OpMigrate, err)
		}
		if !ok {
			continue
		}
		var arr []json.RawMessage
		if json.Unmarshal(raw, &arr) == nil {
			items = append(items, arr...)
		}
	}
	if len(items) == 0 {
		return nil
	}
	joined, err := json.Marshal(items)
	if err != nil {
		return localErr(OpMigrate, err)
	}
	n, enc, err := parse(joined)
	if err != nil {
		return localErr(OpMigrate, err)
	}
	if n == 0 {
		return nil
	}
	if err := s.cache.Set(ctx, canonical, enc); err != nil {
		return localErr(OpMigrate, err)
	}
	return nil
}

func (s *Synchronizer) hydrate(ctx context.Context) error {
	s.setPhase(Hydrating)
	seed := s.opts.Seed()

	snap := model.Snapshot{Classes: seed.Classes, Submissions: seed.Submissions}
	raw, ok, err := s.cache.Get(ctx, KeyRoster)
	if err != nil {
		return localErr(OpLoad, err)
	}
	if ok {
		snap.Classes = model.ParseClasses(raw)
	}
	raw, ok, err = s.cache.Get(ctx, KeySubmissions)
	if err != nil {
		return localErr(OpLoad, err)
	}
	if ok {
		snap.Submissions = model.ParseSubmissions(raw)
	}
	snap = tidy(snap)
	if err := s.writeLocal(ctx, snap); err != nil {
		return err
	}

	s.mu.Lock()
	s.snap = snap
	s.hydrated = true
	s.mu.Unlock()
	return nil
}

// reconcile settles the first exchange with the server. A failure leaves the
// local copy marked pending.
func (s *Synchronizer) reconcile(ctx context.Context) error {
	local := s.Snapshot()
	server, err := s.remote.Fetch(ctx)
	if err != nil {
		s.markPending()
		return err
	}

	var next model.Snapshot
	adopt, push := false, true
	switch {
	case server == nil:
		next = local
	case server.IsRich() && !local.IsRich():
		next, adopt, push = tidy(*server), true, false
	case !server.IsRich():
		next = local
	default:
		// server is the incoming side so it wins ties
		next, adopt = tidy(merge.Merge(local, *server)), true
	}

	if adopt {
		if err := s.writeLocal(ctx, next); err != nil {
			return err
		}
		s.mu.Lock()
		s.snap = next
		s.mu.Unlock()
	}
	if push {
		s.markPending()
		if err := s.pushPending(ctx); err != nil {
			return err
		}
	}
	s.setPhase(Reconciled)
	return nil
}

// Mutate applies fn to the local dataset, persists it locally and schedules
// a push. Push failures are logged, never returned here.
func (s *Synchronizer) Mutate(ctx context.Context, fn func(model.Snapshot) (model.Snapshot, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hydrated {
		return ErrNotHydrated
	}
	next, err := fn(s.snap.Clone())
	if err != nil {
		return err
	}
	next = tidy(next)
	if err := s.writeLocal(ctx, next); err != nil {
		return err
	}
	s.snap = next
	s.pending = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.opts.Debounce, func() {
		if err := s.pushPending(context.Background()); err != nil {
			s.log.Warn().Err(err).Bool("retryable", IsRetryable(err)).Msg("push failed, local cache kept")
		}
	})
	return nil
}

// SaveSubmission records sub, replacing any submission with the same key.
func (s *Synchronizer) SaveSubmission(ctx context.Context, sub model.Submission) error {
	return s.Mutate(ctx, func(snap model.Snapshot) (model.Snapshot, error) {
		snap.Submissions = append(snap.Submissions, sub.Clone())
		return snap, nil
	})
}

// Flush pushes any pending change now.
func (s *Synchronizer) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return s.pushPending(ctx)
}

// Close stops the debounce timer without pushing.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Synchronizer) markPending() {
	s.mu.Lock()
	s.pending = true
	s.mu.Unlock()
}

func (s *Synchronizer) pushPending(ctx context.Context) error {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	s.mu.Lock()
	if !s.pending {
		s.mu.Unlock()
		return nil
	}
	snap := s.snap.Clone()
	s.pending = false
	s.mu.Unlock()

	if err := s.remote.Push(ctx, snap); err != nil {
		s.markPending()
		var se *SyncError
		if !errors.As(err, &se) {
			err = &SyncError{Op: OpPush, Retryable: true, Err: err}
		}
		return err
	}
	s.log.Debug().Int("classes", len(snap.Classes)).Int("submissions", len(snap.Submissions)).Msg("pushed")
	return nil
}

func (s *Synchronizer) writeLocal(ctx context.Context, snap model.Snapshot) error {
	classes, err := json.Marshal(classesOrEmpty(snap.Classes))
	if err != nil {
		return localErr(OpStore, err)
	}
	subs, err := json.Marshal(submissionsOrEmpty(snap.Submissions))
	if err != nil {
		return localErr(OpStore, err)
	}
	if err := s.cache.Set(ctx, KeyRoster, classes); err != nil {
		return localErr(OpStore, err)
	}
	if err := s.cache.Set(ctx, KeySubmissions, subs); err != nil {
		return localErr(OpStore, err)
	}
	return nil
}

// tidy fills submission class ids from class names and collapses duplicate
// keys.
func tidy(snap model.Snapshot) model.Snapshot {
	snap.Submissions = model.DedupeSubmissions(model.NormalizeSubmissions(snap.Submissions, snap.Classes))
	if snap.Classes == nil {
		snap.Classes = []model.ClassRecord{}
	}
	return snap
}
