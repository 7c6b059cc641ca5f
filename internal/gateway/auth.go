package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/stockdesk/internal/audit"
)

// UserHeader carries the caller's user id on every /api route.
const UserHeader = "X-User-ID"

// AuthMiddleware checks a shared bearer token.
type AuthMiddleware struct {
	token string
}

// NewAuthMiddleware returns a middleware that requires token. An empty
// token disables auth.
func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: strings.TrimSpace(token)}
}

// Wrap rejects requests without the configured token. /healthz stays open
// for probes.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if am.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractToken(r)
		if key == "" {
			audit.Record(audit.Deny, "api.auth", "missing_token", UserID(r), r.URL.Path)
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(am.token)) != 1 {
			audit.Record(audit.Deny, "api.auth", "invalid_token", UserID(r), r.URL.Path)
			writeError(w, http.StatusForbidden, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractToken reads the token from Authorization: Bearer, or from the
// access_token query parameter for browser WebSocket and SSE clients that
// cannot set headers.
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}

// UserID returns the caller's user id from the X-User-ID header, falling
// back to the user_id query parameter.
func UserID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(UserHeader)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := UserID(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, UserHeader+" header is required")
		return "", false
	}
	return userID, true
}
