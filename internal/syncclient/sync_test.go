package syncclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amaliyah/internal/model"
)

var errOffline = &SyncError{Op: OpFetch, Retryable: true, Err: errors.New("connection refused")}

type fakeRemote struct {
	mu      sync.Mutex
	server  *model.Snapshot
	offline bool
	pushes  []model.Snapshot
}

func (f *fakeRemote) Fetch(context.Context) (*model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, errOffline
	}
	if f.server == nil {
		return nil, nil
	}
	snap := f.server.Clone()
	return &snap, nil
}

func (f *fakeRemote) Push(_ context.Context, snap model.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return errOffline
	}
	f.pushes = append(f.pushes, snap.Clone())
	return nil
}

func (f *fakeRemote) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeRemote) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func (f *fakeRemote) lastPush() model.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes[len(f.pushes)-1]
}

func newSync(c LocalCache, r Remote, debounce time.Duration) *Synchronizer {
	return New(c, r, Options{Debounce: debounce, Logger: zerolog.Nop()})
}

func setJSON(t *testing.T, c LocalCache, key string, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, c.Set(context.Background(), key, raw))
}

func sub(classID, student, date string) model.Submission {
	return model.Submission{"classId": classID, "studentName": student, "date": date, "puasa": "Ya"}
}

func TestMigrate_FoldsLegacyKeys(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	setJSON(t, c, "classes", []map[string]any{{"id": "7A", "name": "7 Al-Farabi", "students": []string{"Budi"}}})
	setJSON(t, c, "school_data", []map[string]any{{"id": "8B", "name": "8 Ibn Sina"}})
	setJSON(t, c, "daily_data", []map[string]any{{"className": "7 Al-Farabi", "studentName": "Budi", "date": "2026-03-01"}})
	remote := &fakeRemote{offline: true}

	s := newSync(c, remote, time.Hour)
	require.NoError(t, s.Start(ctx))
	defer s.Close()

	snap := s.Snapshot()
	require.Len(t, snap.Classes, 2)
	assert.Equal(t, "7A", snap.Classes[0].ID)
	require.Len(t, snap.Submissions, 1)
	assert.Equal(t, "7A", snap.Submissions[0].ClassID(), "class id filled from the class name")

	for _, key := range append(append([]string{}, LegacyRosterKeys...), LegacySubmissionKeys...) {
		_, ok, err := c.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok, key)
	}
	flag, ok, _ := c.Get(ctx, KeyMigrationFlag)
	require.True(t, ok)
	assert.Equal(t, "1", string(flag))

	assert.Equal(t, Hydrating, s.Phase(), "offline start stays usable but unreconciled")
	assert.True(t, s.Pending())
}

func TestMigrate_CanonicalKeyWins(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	setJSON(t, c, KeyRoster, []map[string]any{{"id": "9A", "name": "9 Al-Khawarizmi"}})
	setJSON(t, c, "roster", []map[string]any{{"id": "7A"}})

	s := newSync(c, &fakeRemote{offline: true}, time.Hour)
	require.NoError(t, s.Start(ctx))
	defer s.Close()

	snap := s.Snapshot()
	require.Len(t, snap.Classes, 1)
	assert.Equal(t, "9A", snap.Classes[0].ID)
}

func TestMigrate_RunsOnce(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	require.NoError(t, c.Set(ctx, KeyMigrationFlag, []byte("1")))
	setJSON(t, c, "classes", []map[string]any{{"id": "7A"}})

	s := newSync(c, &fakeRemote{offline: true}, time.Hour)
	require.NoError(t, s.Start(ctx))
	defer s.Close()

	assert.Len(t, s.Snapshot().Classes, len(model.DefaultClasses()), "legacy ignored, default seeded")
	_, ok, _ := c.Get(ctx, "classes")
	assert.True(t, ok, "legacy key left alone once migrated")
}

func TestReconcile_EmptyServerGetsLocal(t *testing.T) {
	remote := &fakeRemote{}
	s := newSync(NewMemoryCache(), remote, time.Hour)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	assert.Equal(t, Reconciled, s.Phase())
	require.Equal(t, 1, remote.pushCount())
	assert.Len(t, remote.lastPush().Classes, len(model.DefaultClasses()))
	assert.False(t, s.Pending())
}

func TestReconcile_AdoptsRichServer(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	setJSON(t, c, KeyRoster, []map[string]any{{"id": "7A", "name": "7 Al-Farabi"}})
	remote := &fakeRemote{server: &model.Snapshot{
		Classes:     []model.ClassRecord{{ID: "8A", Name: "8 Al-Fatih", Students: []string{"Gita"}}},
		Submissions: []model.Submission{sub("8A", "Gita", "2026-03-01")},
	}}

	s := newSync(c, remote, time.Hour)
	require.NoError(t, s.Start(ctx))
	defer s.Close()

	snap := s.Snapshot()
	require.Len(t, snap.Classes, 1)
	assert.Equal(t, "8A", snap.Classes[0].ID)
	assert.Len(t, snap.Submissions, 1)
	assert.Zero(t, remote.pushCount())

	raw, ok, err := c.Get(ctx, KeyRoster)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "8A", model.ParseClasses(raw)[0].ID, "adopted state is cached locally")
}

func TestReconcile_SparseServerGetsLocal(t *testing.T) {
	remote := &fakeRemote{server: &model.Snapshot{Classes: []model.ClassRecord{{ID: "X1", Name: "Kosong"}}}}
	s := newSync(NewMemoryCache(), remote, time.Hour)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.Equal(t, 1, remote.pushCount())
	assert.Len(t, remote.lastPush().Classes, len(model.DefaultClasses()))
	assert.Len(t, s.Snapshot().Classes, len(model.DefaultClasses()), "local copy is not replaced")
}

func TestReconcile_BothRichMergeAndPushBack(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	setJSON(t, c, KeyRoster, []map[string]any{{"id": "7A", "name": "7 Al-Farabi", "students": []string{"Ahmad"}}})
	setJSON(t, c, KeySubmissions, []model.Submission{sub("7A", "Ahmad", "2026-03-01")})
	remote := &fakeRemote{server: &model.Snapshot{
		Classes: []model.ClassRecord{
			{ID: "7A", Name: "7 Al-Farabi Baru", Students: []string{"Budi"}},
			{ID: "8A", Name: "8 Al-Fatih", Students: []string{"Gita"}},
		},
		Submissions: []model.Submission{
			{"classId": "7A", "studentName": "Ahmad", "date": "2026-03-01", "puasa": "Tidak"},
		},
	}}

	s := newSync(c, remote, time.Hour)
	require.NoError(t, s.Start(ctx))
	defer s.Close()

	snap := s.Snapshot()
	require.Len(t, snap.Classes, 2)
	assert.Equal(t, "7 Al-Farabi Baru", snap.Classes[0].Name)
	assert.Equal(t, []string{"Ahmad", "Budi"}, snap.Classes[0].Students)
	require.Len(t, snap.Submissions, 1)
	assert.Equal(t, "Tidak", snap.Submissions[0].String("puasa"), "server wins ties")

	require.Equal(t, 1, remote.pushCount())
	assert.Len(t, remote.lastPush().Classes, 2)
}

func TestMutate_BeforeStart(t *testing.T) {
	s := newSync(NewMemoryCache(), &fakeRemote{}, time.Hour)
	err := s.SaveSubmission(context.Background(), sub("7A", "Budi", "2026-03-01"))
	assert.ErrorIs(t, err, ErrNotHydrated)
}

func TestMutate_DebouncesPushes(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{}
	s := newSync(NewMemoryCache(), remote, 50*time.Millisecond)
	require.NoError(t, s.Start(ctx))
	defer s.Close()
	require.Equal(t, 1, remote.pushCount())

	for _, day := range []string{"2026-03-01", "2026-03-02", "2026-03-03"} {
		require.NoError(t, s.SaveSubmission(ctx, sub("7A", "Budi", day)))
	}
	require.Eventually(t, func() bool { return remote.pushCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 2, remote.pushCount(), "one push for the burst")
	assert.Len(t, remote.lastPush().Submissions, 3)
	assert.False(t, s.Pending())
}

func TestSaveSubmission_ReplacesSameKey(t *testing.T) {
	ctx := context.Background()
	s := newSync(NewMemoryCache(), &fakeRemote{}, time.Hour)
	require.NoError(t, s.Start(ctx))
	defer s.Close()

	require.NoError(t, s.SaveSubmission(ctx, sub("7A", "Budi", "2026-03-01")))
	second := sub("7A", "Budi", "2026-03-01")
	second["puasa"] = "Tidak"
	require.NoError(t, s.SaveSubmission(ctx, second))

	snap := s.Snapshot()
	require.Len(t, snap.Submissions, 1)
	assert.Equal(t, "Tidak", snap.Submissions[0].String("puasa"))
}

func TestMutate_ErrorLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	s := newSync(NewMemoryCache(), &fakeRemote{}, time.Hour)
	require.NoError(t, s.Start(ctx))
	defer s.Close()

	before := s.Snapshot()
	err := s.Mutate(ctx, func(snap model.Snapshot) (model.Snapshot, error) {
		return model.AddStudent(snap, "nope", "Zaki")
	})
	assert.ErrorIs(t, err, model.ErrClassNotFound)
	assert.Equal(t, before, s.Snapshot())
	assert.False(t, s.Pending())
}

func TestFlush_AfterOfflineStart(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{offline: true}
	s := newSync(NewMemoryCache(), remote, time.Hour)
	require.NoError(t, s.Start(ctx))
	defer s.Close()

	require.NoError(t, s.Mutate(ctx, func(snap model.Snapshot) (model.Snapshot, error) {
		return model.AddStudent(snap, "7A", "Zaki")
	}))

	err := s.Flush(ctx)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.True(t, s.Pending(), "failed push stays pending")

	remote.setOffline(false)
	require.NoError(t, s.Flush(ctx))
	assert.False(t, s.Pending())
	require.Equal(t, 1, remote.pushCount())
	assert.Contains(t, remote.lastPush().Classes[0].Students, "Zaki")

	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 1, remote.pushCount(), "nothing pending, nothing pushed")
}

func TestSQLiteCache(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/cache.db"

	c, err := OpenSQLiteCache(path)
	require.NoError(t, err)
	_, ok, err := c.Get(ctx, KeyRoster)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, KeyRoster, []byte(`[]`)))
	require.NoError(t, c.Set(ctx, KeyRoster, []byte(`[{"id":"7A"}]`)))
	require.NoError(t, c.Set(ctx, "classes", []byte(`[]`)))
	require.NoError(t, c.Delete(ctx, "classes", "missing"))
	require.NoError(t, c.Close())

	c, err = OpenSQLiteCache(path)
	require.NoError(t, err)
	defer c.Close()
	v, ok, err := c.Get(ctx, KeyRoster)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `[{"id":"7A"}]`, string(v))
	_, ok, _ = c.Get(ctx, "classes")
	assert.False(t, ok)
}

func TestSynchronizer_SQLiteSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/cache.db"
	remote := &fakeRemote{offline: true}

	c, err := OpenSQLiteCache(path)
	require.NoError(t, err)
	s := newSync(c, remote, time.Hour)
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.SaveSubmission(ctx, sub("7A", "Budi", "2026-03-01")))
	s.Close()
	require.NoError(t, c.Close())

	c, err = OpenSQLiteCache(path)
	require.NoError(t, err)
	defer c.Close()
	s = newSync(c, remote, time.Hour)
	require.NoError(t, s.Start(ctx))
	defer s.Close()
	assert.Len(t, s.Snapshot().Submissions, 1)
}
