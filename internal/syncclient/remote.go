package syncclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"amaliyah/internal/activity"
	"amaliyah/internal/model"
	"amaliyah/internal/store"
)

// Remote is the server side of synchronization.
type Remote interface {
	// Fetch returns the server snapshot, or nil when the server has none.
	Fetch(ctx context.Context) (*model.Snapshot, error)
	Push(ctx context.Context, snap model.Snapshot) error
}

const maxResponseBytes = 32 << 20

// Client calls the state API.
type Client struct {
	BaseURL    string
	HTTP       *http.Client
	ActorRole  string
	AdminToken string
	LogPin     string
	UserAgent  string
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:   baseURL,
		UserAgent: "amaliyah-syncclient",
		HTTP: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Fetch reads GET /state.
func (c *Client) Fetch(ctx context.Context) (*model.Snapshot, error) {
	var out struct {
		Data *struct {
			Classes     json.RawMessage `json:"classes"`
			Submissions json.RawMessage `json:"submissions"`
		} `json:"data"`
	}
	if err := c.do(ctx, OpFetch, http.MethodGet, "/state", nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return nil, nil
	}
	return &model.Snapshot{
		Classes:     model.ParseClasses(out.Data.Classes),
		Submissions: model.ParseSubmissions(out.Data.Submissions),
	}, nil
}

// Push writes the snapshot with POST /state.
func (c *Client) Push(ctx context.Context, snap model.Snapshot) error {
	return c.PushForce(ctx, snap, false)
}

// PushForce writes the snapshot, bypassing the server's shrink guard when
// force is set.
func (c *Client) PushForce(ctx context.Context, snap model.Snapshot, force bool) error {
	body := map[string]any{
		"schoolData":  classesOrEmpty(snap.Classes),
		"submissions": submissionsOrEmpty(snap.Submissions),
	}
	if c.ActorRole != "" {
		body["actorRole"] = c.ActorRole
	}
	if force {
		body["force"] = true
	}
	return c.do(ctx, OpPush, http.MethodPost, "/state", body, nil, nil)
}

// RemoveStudent deletes a student on the server. Pushes never delete, so
// removals go through this route.
func (c *Client) RemoveStudent(ctx context.Context, classID, name string) error {
	path := "/classes/" + url.PathEscape(classID) + "/students/" + url.PathEscape(name)
	return c.do(ctx, OpPush, http.MethodDelete, path, nil, c.roleHeader(), nil)
}

// RenameStudent renames a student on the server.
func (c *Client) RenameStudent(ctx context.Context, classID, oldName, newName string) error {
	body := map[string]any{"oldName": oldName, "newName": newName, "actorRole": c.ActorRole}
	return c.do(ctx, OpPush, http.MethodPost, "/classes/"+url.PathEscape(classID)+"/students/rename", body, nil, nil)
}

// Logs lists activity entries newest first.
func (c *Client) Logs(ctx context.Context, limit int) ([]activity.Entry, error) {
	var out struct {
		Logs []activity.Entry `json:"logs"`
	}
	q := url.Values{"admin": {"logs"}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	hdr := http.Header{}
	hdr.Set("X-Log-Pin", c.LogPin)
	if err := c.do(ctx, OpAdmin, http.MethodGet, "/state?"+q.Encode(), nil, hdr, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

// Backups lists backup days newest first.
func (c *Client) Backups(ctx context.Context, limit int) ([]store.BackupSummary, error) {
	var out struct {
		Backups []store.BackupSummary `json:"backups"`
	}
	q := url.Values{"admin": {"backups"}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if err := c.do(ctx, OpAdmin, http.MethodGet, "/state?"+q.Encode(), nil, c.adminHeader(), &out); err != nil {
		return nil, err
	}
	return out.Backups, nil
}

// RestoreResult is the server's answer to a restore.
type RestoreResult struct {
	Day             string `json:"restoredDay"`
	ClassCount      int    `json:"classCount"`
	SubmissionCount int    `json:"submissionCount"`
}

// Restore replaces the server snapshot with the backup of day.
func (c *Client) Restore(ctx context.Context, day string) (RestoreResult, error) {
	var out RestoreResult
	body := map[string]any{"adminAction": "restoreBackup", "day": day, "actorRole": c.ActorRole}
	err := c.do(ctx, OpAdmin, http.MethodPost, "/state", body, c.adminHeader(), &out)
	return out, err
}

// IssueAdminToken exchanges the shared admin token for a signed one.
func (c *Client) IssueAdminToken(ctx context.Context) (string, time.Time, error) {
	var out struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expiresAt"`
	}
	if err := c.do(ctx, OpAdmin, http.MethodPost, "/admin/token", nil, c.adminHeader(), &out); err != nil {
		return "", time.Time{}, err
	}
	return out.Token, time.Unix(out.ExpiresAt, 0), nil
}

// Health checks GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, OpFetch, http.MethodGet, "/healthz", nil, nil, nil)
}

func (c *Client) adminHeader() http.Header {
	hdr := http.Header{}
	if c.AdminToken != "" {
		hdr.Set("X-Admin-Token", c.AdminToken)
	}
	return hdr
}

func (c *Client) roleHeader() http.Header {
	hdr := http.Header{}
	if c.ActorRole != "" {
		hdr.Set("X-Actor-Role", c.ActorRole)
	}
	return hdr
}

func (c *Client) do(ctx context.Context, op Op, method, path string, body any, hdr http.Header, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return localErr(op, err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return localErr(op, err)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &SyncError{Op: op, Retryable: true, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &SyncError{Op: op, Retryable: retryableStatus(resp.StatusCode), Err: statusError(resp)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return &SyncError{Op: op, Retryable: true, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func statusError(resp *http.Response) *StatusError {
	se := &StatusError{Code: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error   string `json:"error"`
		Details struct {
			ExistingClasses int `json:"existingClasses"`
			IncomingClasses int `json:"incomingClasses"`
		} `json:"details"`
	}
	if json.Unmarshal(raw, &body) == nil {
		se.Message = body.Error
		se.ExistingClasses = body.Details.ExistingClasses
		se.IncomingClasses = body.Details.IncomingClasses
	} else {
		se.Message = string(bytes.TrimSpace(raw))
	}
	return se
}

func classesOrEmpty(c []model.ClassRecord) []model.ClassRecord {
	if c == nil {
		return []model.ClassRecord{}
	}
	return c
}

func submissionsOrEmpty(s []model.Submission) []model.Submission {
	if s == nil {
		return []model.Submission{}
	}
	return s
}
