package syncclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Op names the synchronizer step that failed.
type Op string

const (
	OpMigrate Op = "migrate"
	OpLoad    Op = "load"
	OpStore   Op = "store"
	OpFetch   Op = "fetch"
	OpPush    Op = "push"
	OpAdmin   Op = "admin"
)

// ErrNotHydrated is returned by mutations issued before Start completed.
var ErrNotHydrated = errors.New("syncclient: not hydrated")

// SyncError wraps a failure with the step it happened in and whether trying
// again later can succeed.
type SyncError struct {
	Op        Op
	Retryable bool
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a SyncError marked retryable.
func IsRetryable(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Retryable
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code    int
	Message string
	// set for 409 shrink rejections
	ExistingClasses int
	IncomingClasses int
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Conflict reports whether the server's shrink guard rejected the push.
func (e *StatusError) Conflict() bool { return e.Code == http.StatusConflict }

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func localErr(op Op, err error) error {
	return &SyncError{Op: op, Err: err}
}
