// Package handler exposes the state service over gin.
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"amaliyah/internal/activity"
	"amaliyah/internal/auth"
	"amaliyah/internal/httpmiddleware"
	"amaliyah/internal/model"
	"amaliyah/internal/state"
)

// HeaderForceOverwrite bypasses the shrink guard when set to 1 or true.
const HeaderForceOverwrite = "X-Force-Overwrite"

// HeaderActorRole labels roster operations that carry no body.
const HeaderActorRole = "X-Actor-Role"

const maxBodyBytes = 10 << 20

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Options configures a Handler.
type Options struct {
	JWTIssuer     string
	JWTSigningKey string
	AdminTokenTTL time.Duration
	Checks        map[string]HealthCheck
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Handler serves the /state surface, the roster routes and health.
type Handler struct {
	svc  *state.Service
	auth *auth.Authorizer
	opts Options
	log  zerolog.Logger
}

// New creates a Handler.
func New(svc *state.Service, authz *auth.Authorizer, opts Options) *Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AdminTokenTTL <= 0 {
		opts.AdminTokenTTL = 12 * time.Hour
	}
	return &Handler{svc: svc, auth: authz, opts: opts, log: opts.Logger}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.health)

	r.GET("/state", h.getState)
	r.POST("/state", h.postState)
	r.PUT("/state", h.postState)
	for _, m := range []string{http.MethodDelete, http.MethodPatch} {
		r.Handle(m, "/state", methodNotAllowed)
	}

	r.GET("/students", h.findStudents)
	r.PUT("/classes/:id", h.upsertClass)
	r.DELETE("/classes/:id", h.removeClass)
	r.POST("/classes/:id/students", h.addStudent)
	r.POST("/classes/:id/students/rename", h.renameStudent)
	r.DELETE("/classes/:id/students/:name", h.removeStudent)

	r.POST("/admin/token", h.auth.AdminOnly(), h.issueToken)
}

func methodNotAllowed(c *gin.Context) {
	c.Header("Allow", "GET, POST, PUT")
	c.JSON(http.StatusMethodNotAllowed, gin.H{"ok": false, "error": "Method Not Allowed"})
}

func (h *Handler) health(c *gin.Context) {
	ctx := c.Request.Context()
	out := gin.H{"status": "ok"}
	status := http.StatusOK
	for name, check := range h.opts.Checks {
		ok := check(ctx)
		out[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			out["status"] = "degraded"
		}
	}
	c.JSON(status, out)
}

func (h *Handler) getState(c *gin.Context) {
	switch c.Query("admin") {
	case "logs":
		h.listLogs(c, "", c.Query("limit"))
		return
	case "backups":
		if err := h.auth.CheckAdmin(c.Request); err != nil {
			h.fail(c, err)
			return
		}
		backups, err := h.svc.ListBackups(c.Request.Context(), parseLimit(c.Query("limit")))
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "backups": backups})
		return
	}

	raw, err := h.svc.CurrentJSON(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	// the cached view is already encoded
	out := make([]byte, 0, len(raw)+len(`{"ok":true,"data":}`))
	out = append(out, `{"ok":true,"data":`...)
	out = append(out, raw...)
	out = append(out, '}')
	c.Data(http.StatusOK, gin.MIMEJSON+"; charset=utf-8", out)
}

func (h *Handler) listLogs(c *gin.Context, bodyPin, limit string) {
	if err := h.auth.CheckLogPin(c.Request, bodyPin); err != nil {
		h.fail(c, err)
		return
	}
	logs, err := h.svc.ListLogs(c.Request.Context(), parseLimit(limit))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "logs": logs})
}

func (h *Handler) postState(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	switch body.text("adminAction") {
	case "getLogs":
		h.listLogs(c, body.text("pin"), body.text("limit"))
		return
	case "restoreBackup":
		if err := h.auth.CheckAdmin(c.Request); err != nil {
			h.fail(c, err)
			return
		}
		res, err := h.svc.Restore(c.Request.Context(), strings.TrimSpace(body.text("day")), h.requestInfo(c, body.role()))
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "restoredDay": res.Day, "classCount": res.ClassCount, "submissionCount": res.SubmissionCount})
		return
	case "":
	default:
		h.fail(c, state.ErrValidation)
		return
	}

	incoming := model.Snapshot{
		Classes:     model.ParseClasses(body["schoolData"]),
		Submissions: model.ParseSubmissions(body["submissions"]),
	}
	force := truthy(body.text("force")) || truthy(c.Query("force")) || truthy(c.GetHeader(HeaderForceOverwrite))

	res, err := h.svc.Write(c.Request.Context(), incoming, force, h.requestInfo(c, body.role()))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "events": res.Events, "backupCreated": res.BackupCreated})
}

func (h *Handler) issueToken(c *gin.Context) {
	subject := c.Query("subject")
	if subject == "" {
		subject = "admin"
	}
	tok, exp, err := auth.IssueAdmin(subject, h.opts.JWTIssuer, h.opts.JWTSigningKey, h.opts.AdminTokenTTL, h.opts.Now())
	if err != nil {
		h.fail(c, auth.ErrNotConfigured)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "token": tok, "expiresAt": exp.Unix()})
}

// requestInfo collects the caller's role, request id and client metadata.
func (h *Handler) requestInfo(c *gin.Context, role string) state.RequestInfo {
	if role == "" {
		role = c.GetHeader(HeaderActorRole)
	}
	if role == "" {
		role = c.Query("role")
	}
	reqID := c.GetString(httpmiddleware.ContextRequestID)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	r := c.Request
	return state.RequestInfo{
		ActorRole: strings.TrimSpace(role),
		RequestID: reqID,
		Meta:      activity.NewClientMeta(r.UserAgent(), r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"), r.RemoteAddr),
	}
}

// fail maps service and auth errors to the JSON error envelope.
func (h *Handler) fail(c *gin.Context, err error) {
	var conflict *state.ConflictError
	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"ok":    false,
			"error": "Suspicious schoolData shrink blocked",
			"details": gin.H{
				"existingClasses": conflict.ExistingClasses,
				"incomingClasses": conflict.IncomingClasses,
			},
		})
	case errors.Is(err, state.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
	case errors.Is(err, state.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": err.Error()})
	case errors.Is(err, auth.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "admin access is not configured"})
	case errors.Is(err, auth.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "Unauthorized"})
	default:
		h.log.Error().Err(err).
			Str("path", c.Request.URL.Path).
			Str("request_id", c.GetString(httpmiddleware.ContextRequestID)).
			Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "Internal Server Error"})
	}
}

// payload is a leniently decoded JSON object body.
type payload map[string]json.RawMessage

func readBody(c *gin.Context) (payload, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	var p payload
	dec := json.NewDecoder(c.Request.Body)
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return payload{}, nil
		}
		return nil, errors.Join(state.ErrValidation, err)
	}
	if p == nil {
		p = payload{}
	}
	return p, nil
}

// text returns the field as a string; numbers and booleans are formatted.
func (p payload) text(field string) string {
	raw, ok := p[field]
	if !ok {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func (p payload) role() string {
	if r := p.text("actorRole"); r != "" {
		return r
	}
	return p.text("role")
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true":
		return true
	}
	return false
}

// parseLimit returns 0, meaning the default, for anything unparsable.
func parseLimit(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
