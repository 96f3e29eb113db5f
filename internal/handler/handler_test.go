package handler

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amaliyah/internal/auth"
	"amaliyah/internal/cache"
	"amaliyah/internal/httpmiddleware"
	"amaliyah/internal/model"
	"amaliyah/internal/state"
	"amaliyah/internal/store"
)

const (
	adminToken = "s3cret-admin"
	logPin     = "2167"
	signingKey = "jwt-key"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	router *gin.Engine
	store  *store.Memory
	now    time.Time
}

func newFixture(t *testing.T, authz *auth.Authorizer) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemory(), now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	svc := state.NewService(f.store, state.Options{
		Cache:  cache.NewMemory(1, time.Minute),
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return f.now },
	})
	if authz == nil {
		authz = auth.NewAuthorizer(adminToken, logPin, signingKey, "amaliyah")
	}
	h := New(svc, authz, Options{
		JWTIssuer:     "amaliyah",
		JWTSigningKey: signingKey,
		Checks:        map[string]HealthCheck{"store": func(ctx context.Context) bool { return f.store.Ping(ctx) == nil }},
		Logger:        zerolog.Nop(),
		Now:           func() time.Time { return f.now },
	})
	f.router = gin.New()
	f.router.Use(httpmiddleware.RequestID())
	h.Register(f.router)
	return f
}

func (f *fixture) do(method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0) AppleWebKit/605.1.15 Version/17.0 Mobile/15E148 Safari/604.1")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func classes(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"id": fmt.Sprintf("K%02d", i), "name": fmt.Sprintf("Kelas %d", i), "students": []string{"Siswa"}}
	}
	return out
}

func TestGetState_Empty(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodGet, "/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"data":null}`, w.Body.String())
}

func TestPostState_WriteThenRead(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodPost, "/state", map[string]any{
		"schoolData":  []map[string]any{{"id": "7A", "name": "7 Al-Farabi", "students": []string{"Budi"}}},
		"submissions": []map[string]any{{"classId": "7A", "studentName": "Budi", "date": "2026-03-01"}},
		"actorRole":   "teacher",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, float64(2), out["events"])
	assert.Equal(t, true, out["backupCreated"])

	w = f.do(http.MethodGet, "/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, model.StateID, data["id"])
	assert.Len(t, data["classes"], 1)
	assert.Len(t, data["submissions"], 1)

	logs, err := f.store.ListLogs(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "teacher", logs[0].ActorRole)
	assert.Equal(t, "mobile", logs[0].DeviceType)
	assert.Equal(t, "Safari", logs[0].Browser)
	assert.NotEmpty(t, logs[0].Metadata["requestId"])
}

func TestPutState_StringEncodedPayload(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodPut, "/state", map[string]any{
		"schoolData":  `[{"id":"7A","name":"7 Al-Farabi","students":["Budi"]}]`,
		"submissions": "not an array",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec, ok, err := f.store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, rec.Snapshot.Classes, 1)
	assert.Empty(t, rec.Snapshot.Submissions)
}

func TestPostState_InvalidJSON(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodPost, "/state", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, decode(t, w)["ok"])
}

func TestPostState_ShrinkBlocked(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/state", map[string]any{"schoolData": classes(10)}).Code)

	w := f.do(http.MethodPost, "/state", map[string]any{"schoolData": classes(2)})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"ok":false,"error":"Suspicious schoolData shrink blocked","details":{"existingClasses":10,"incomingClasses":2}}`, w.Body.String())

	for _, tc := range []struct {
		name    string
		target  string
		body    map[string]any
		headers []string
	}{
		{"body", "/state", map[string]any{"schoolData": classes(2), "force": true}, nil},
		{"query", "/state?force=1", map[string]any{"schoolData": classes(2)}, nil},
		{"header", "/state", map[string]any{"schoolData": classes(2)}, []string{HeaderForceOverwrite, "1"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(http.MethodPost, tc.target, tc.body, tc.headers...)
			assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
		})
	}
}

func TestState_MethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodDelete, "/state", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "GET, POST, PUT", w.Header().Get("Allow"))
}

func TestAdminLogs(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/state", map[string]any{"schoolData": classes(3)}).Code)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/state?admin=logs", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/state?admin=logs&pin=0000", nil).Code)

	w := f.do(http.MethodGet, "/state?admin=logs&pin="+logPin+"&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["logs"], 2)

	w = f.do(http.MethodGet, "/state?admin=logs", nil, auth.HeaderLogPin, logPin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["logs"], 3)

	w = f.do(http.MethodPost, "/state", map[string]any{"adminAction": "getLogs", "pin": 2167, "limit": "1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode(t, w)["logs"], 1)
}

func TestAdminLogs_PinNotConfigured(t *testing.T) {
	f := newFixture(t, auth.NewAuthorizer(adminToken, "", "", ""))
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/state?admin=logs&pin=1", nil).Code)
}

func TestAdminBackupsAndRestore(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/state", map[string]any{"schoolData": classes(1)}).Code)
	f.now = f.now.Add(24 * time.Hour)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/state", map[string]any{"schoolData": classes(4)}).Code)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/state?admin=backups&token=wrong", nil).Code)

	w := f.do(http.MethodGet, "/state?admin=backups&token="+adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	backups := decode(t, w)["backups"].([]any)
	require.Len(t, backups, 2)
	assert.Equal(t, "2026-03-02", backups[0].(map[string]any)["day"])

	restore := map[string]any{"adminAction": "restoreBackup", "day": "2026-03-01"}
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/state", restore).Code)

	w = f.do(http.MethodPost, "/state", restore, auth.HeaderAdminToken, adminToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"ok":true,"restoredDay":"2026-03-01","classCount":1,"submissionCount":0}`, w.Body.String())

	rec, _, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, rec.Snapshot.Classes, 1)

	w = f.do(http.MethodPost, "/state", map[string]any{"adminAction": "restoreBackup", "day": "1-3-2026"}, auth.HeaderAdminToken, adminToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(http.MethodPost, "/state", map[string]any{"adminAction": "restoreBackup", "day": "2025-01-01"}, auth.HeaderAdminToken, adminToken)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_NotConfigured(t *testing.T) {
	f := newFixture(t, auth.NewAuthorizer("", logPin, "", ""))
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/state?admin=backups&token=x", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodPost, "/admin/token", nil).Code)
}

func TestUnknownAdminAction(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/state", map[string]any{"adminAction": "dropAll"}).Code)
}

func TestIssueTokenThenUseIt(t *testing.T) {
	f := newFixture(t, nil)
	// token expiry is checked against the wall clock
	f.now = time.Now()
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/admin/token", nil).Code)

	w := f.do(http.MethodPost, "/admin/token", nil, auth.HeaderAdminToken, adminToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tok, _ := decode(t, w)["token"].(string)
	require.NotEmpty(t, tok)

	w = f.do(http.MethodGet, "/state?admin=backups", nil, "Authorization", "Bearer "+tok)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRosterRoutes(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/state", map[string]any{
		"schoolData": []map[string]any{{"id": "7A", "name": "7 Al-Farabi", "students": []string{"Ahmad", "Budi"}}},
	}).Code)

	w := f.do(http.MethodPost, "/classes/7A/students", map[string]any{"name": "Citra", "actorRole": "teacher"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(http.MethodPost, "/classes/7A/students/rename", map[string]any{"oldName": "budi", "newName": "Budi Santoso"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(http.MethodDelete, "/classes/7A/students/Ahmad", nil, HeaderActorRole, "admin")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(http.MethodGet, "/students?q=santoso", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"students":[{"classId":"7A","student":"Budi Santoso"}]}`, w.Body.String())

	rec, _, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Budi Santoso", "Citra"}, rec.Snapshot.Classes[0].Students)

	w = f.do(http.MethodPut, "/classes/8B", map[string]any{"name": "8 Ibn Sina", "teacher": "Bu Aisyah"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = f.do(http.MethodDelete, "/classes/7A", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	rec, _, err = f.store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, rec.Snapshot.Classes, 1)
	assert.Equal(t, "8B", rec.Snapshot.Classes[0].ID)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/classes/7A", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/classes/9Z/students", map[string]any{"name": "X"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/classes/8B/students", map[string]any{"name": " "}).Code)
}

func TestFindStudents_EmptyQuery(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodGet, "/students", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"students":[]}`, w.Body.String())
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","store":true}`, w.Body.String())
}
