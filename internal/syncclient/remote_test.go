package syncclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amaliyah/internal/auth"
	"amaliyah/internal/handler"
	"amaliyah/internal/model"
	"amaliyah/internal/state"
	"amaliyah/internal/store"
)

func newServer(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemory()
	svc := state.NewService(st, state.Options{Logger: zerolog.Nop()})
	h := handler.New(svc, auth.NewAuthorizer("admin-secret", "1234", "sign", "amaliyah"), handler.Options{
		JWTIssuer:     "amaliyah",
		JWTSigningKey: "sign",
		Logger:        zerolog.Nop(),
	})
	r := gin.New()
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, st
}

func TestClient_SyncRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv, st := newServer(t)
	client := NewClient(srv.URL)
	client.ActorRole = "teacher"

	snap, err := client.Fetch(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)

	s := New(NewMemoryCache(), client, Options{Debounce: time.Hour, Logger: zerolog.Nop()})
	require.NoError(t, s.Start(ctx))
	defer s.Close()
	assert.Equal(t, Reconciled, s.Phase())

	require.NoError(t, s.SaveSubmission(ctx, model.Submission{"classId": "7A", "studentName": "Budi", "date": "2026-03-01"}))
	require.NoError(t, s.Flush(ctx))

	snap, err = client.Fetch(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Len(t, snap.Classes, len(model.DefaultClasses()))
	assert.Len(t, snap.Submissions, 1)

	logs, err := st.ListLogs(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "teacher", logs[0].ActorRole)
}

func TestClient_RosterAndAdmin(t *testing.T) {
	ctx := context.Background()
	srv, _ := newServer(t)
	client := NewClient(srv.URL)
	require.NoError(t, client.Push(ctx, model.DefaultSnapshot()))

	require.NoError(t, client.RemoveStudent(ctx, "7A", "Ahmad"))
	require.NoError(t, client.RenameStudent(ctx, "7A", "Budi", "Budi Santoso"))
	snap, err := client.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Budi Santoso", "Citra", "Doni"}, snap.Classes[0].Students)

	err = client.RemoveStudent(ctx, "7A", "Nobody")
	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Retryable)
	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusNotFound, status.Code)

	_, err = client.Logs(ctx, 5)
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusUnauthorized, status.Code)

	client.LogPin = "1234"
	logs, err := client.Logs(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, logs, 5)

	client.AdminToken = "admin-secret"
	backups, err := client.Backups(ctx, 0)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	day := backups[0].Day

	res, err := client.Restore(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, day, res.Day)
	assert.Equal(t, len(model.DefaultClasses()), res.ClassCount)

	tok, exp, err := client.IssueAdminToken(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
	assert.True(t, exp.After(time.Now()))

	require.NoError(t, client.Health(ctx))
}

func TestClient_ShrinkConflict(t *testing.T) {
	ctx := context.Background()
	srv, _ := newServer(t)
	client := NewClient(srv.URL)

	big := model.Snapshot{}
	for _, id := range []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"} {
		big.Classes = append(big.Classes, model.ClassRecord{ID: id, Students: []string{"S"}})
	}
	require.NoError(t, client.Push(ctx, big))

	small := model.Snapshot{Classes: big.Classes[:2]}
	err := client.Push(ctx, small)
	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.True(t, status.Conflict())
	assert.Equal(t, 10, status.ExistingClasses)
	assert.Equal(t, 2, status.IncomingClasses)
	assert.False(t, IsRetryable(err))

	require.NoError(t, client.PushForce(ctx, small, true))
}

func TestClient_ServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	client := NewClient(srv.URL)
	_, err := client.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}
