package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var (
	// ErrNotConfigured means the server holds no secret for the operation.
	ErrNotConfigured = errors.New("auth: not configured")
	// ErrUnauthorized is returned for every mismatch, whatever the cause.
	ErrUnauthorized = errors.New("auth: unauthorized")
)

// Headers and query parameters carrying credentials.
const (
	HeaderAdminToken = "X-Admin-Token"
	HeaderLogPin     = "X-Log-Pin"
	QueryAdminToken  = "token"
	QueryLogPin      = "pin"
)

// Authorizer checks the shared secrets guarding the admin operations.
type Authorizer struct {
	adminToken string
	logPin     string
	signingKey string
	issuer     string
}

// NewAuthorizer builds an Authorizer. Empty secrets disable the matching
// credential; with no admin token and no signing key every admin call is
// refused with ErrNotConfigured.
func NewAuthorizer(adminToken, logPin, signingKey, issuer string) *Authorizer {
	return &Authorizer{adminToken: adminToken, logPin: logPin, signingKey: signingKey, issuer: issuer}
}

// AdminConfigured reports whether any admin credential can succeed.
func (a *Authorizer) AdminConfigured() bool {
	return a.adminToken != "" || a.signingKey != ""
}

// CheckAdmin accepts the shared admin token from the X-Admin-Token header or
// the token query parameter, or a bearer JWT with the admin role.
func (a *Authorizer) CheckAdmin(r *http.Request) error {
	if !a.AdminConfigured() {
		return ErrNotConfigured
	}
	if a.adminToken != "" {
		supplied := r.Header.Get(HeaderAdminToken)
		if supplied == "" {
			supplied = r.URL.Query().Get(QueryAdminToken)
		}
		if supplied != "" && secretEqual(supplied, a.adminToken) {
			return nil
		}
	}
	if a.signingKey != "" {
		if tok, ok := bearer(r); ok {
			if claims, err := Parse(tok, a.signingKey, a.issuer); err == nil && claims.Role == RoleAdmin {
				return nil
			}
		}
	}
	return ErrUnauthorized
}

// CheckLogPin accepts the log pin from the X-Log-Pin header, the pin query
// parameter or bodyPin.
func (a *Authorizer) CheckLogPin(r *http.Request, bodyPin string) error {
	if a.logPin == "" {
		return ErrNotConfigured
	}
	for _, supplied := range []string{r.Header.Get(HeaderLogPin), r.URL.Query().Get(QueryLogPin), bodyPin} {
		if supplied != "" && secretEqual(supplied, a.logPin) {
			return nil
		}
	}
	return ErrUnauthorized
}

// AdminOnly guards a route group with CheckAdmin.
func (a *Authorizer) AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch err := a.CheckAdmin(c.Request); {
		case errors.Is(err, ErrNotConfigured):
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "admin access is not configured"})
		case err != nil:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "Unauthorized"})
		default:
			c.Next()
		}
	}
}

func bearer(r *http.Request) (string, bool) {
	authz := r.Header.Get("Authorization")
	if len(authz) < len("bearer ") || !strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(authz[len("bearer "):])
	return tok, tok != ""
}

func secretEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
