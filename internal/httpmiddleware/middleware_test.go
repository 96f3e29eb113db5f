package httpmiddleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amaliyah/internal/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSimpleTokenBucket(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	l := NewSimpleTokenBucket(2, 60)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "1.2.3.4")
	assert.False(t, ok, "bucket drained")

	ok, _ = l.Allow(ctx, "5.6.7.8")
	assert.True(t, ok, "keys are independent")

	now = now.Add(2 * time.Second)
	ok, _ = l.Allow(ctx, "1.2.3.4")
	assert.True(t, ok, "tokens refill at 60/min")
}

type stubLimiter struct {
	ok  bool
	err error
}

func (s stubLimiter) Allow(context.Context, string) (bool, error) { return s.ok, s.err }

func serve(h ...gin.HandlerFunc) *httptest.ResponseRecorder {
	r := gin.New()
	h = append(h, func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/state", h...)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/state", nil))
	return w
}

func TestRateLimit(t *testing.T) {
	log := zerolog.Nop()
	assert.Equal(t, http.StatusNoContent, serve(RateLimit(stubLimiter{ok: true}, log)).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(RateLimit(stubLimiter{ok: false}, log)).Code)
	assert.Equal(t, http.StatusNoContent, serve(RateLimit(stubLimiter{err: errors.New("down")}, log)).Code,
		"limiter failure fails open")
}

func TestRequestID(t *testing.T) {
	w := serve(RequestID())
	_, err := uuid.Parse(w.Header().Get(HeaderRequestID))
	assert.NoError(t, err)

	r := gin.New()
	r.GET("/state", RequestID(), func(c *gin.Context) { c.String(http.StatusOK, c.GetString(ContextRequestID)) })
	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	id := uuid.NewString()
	req.Header.Set(HeaderRequestID, id)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, id, rec.Body.String())
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(SecurityHeaders())
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	serve(AccessLog(log, "/healthz"))
	assert.Contains(t, buf.String(), `"path":"/state"`)
	assert.Contains(t, buf.String(), `"status":204`)

	buf.Reset()
	r := gin.New()
	r.Use(AccessLog(log, "/healthz"))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Zero(t, buf.Len())
}

type routeRecorder struct {
	metrics.Noop
	routes []string
}

func (r *routeRecorder) ObserveRequest(route, _ string, _ int, _ time.Duration) {
	r.routes = append(r.routes, route)
}

func TestMetrics(t *testing.T) {
	rec := &routeRecorder{}
	r := gin.New()
	r.Use(Metrics(rec))
	r.GET("/classes/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/classes/7A", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/wp-admin", nil))
	assert.Equal(t, []string{"/classes/:id", "unmatched"}, rec.routes)
}
