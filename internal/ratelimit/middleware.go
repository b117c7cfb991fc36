package ratelimit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/krijnhaasnoot/voice-notes-sub005/internal/auth"
)

// Scope names used as limiter key prefixes and rejection labels.
const (
	ScopeClient = "client"
	ScopeUser   = "user"
)

// bodyPeekLimit caps how much of a request body the user-key probe reads.
const bodyPeekLimit = 1 << 20

// Middleware returns HTTP middleware that enforces two rate limit scopes
// using the given backend: per client, keyed on the authenticated client's ID
// with its custom rate override, and per user, keyed on the user_key the
// request names, so a single hot user cannot drain a shared client's budget
// for everyone else. userRate 0 disables the user scope.
//
// Rate-limit headers are always set from the tightest scope:
//
//	X-RateLimit-Limit     — maximum requests allowed in the window
//	X-RateLimit-Remaining — requests remaining in the current window
//	X-RateLimit-Reset     — Unix timestamp when the window is fully replenished
//
// When a limit is exceeded the middleware responds with HTTP 429, a
// Retry-After header and a JSON error body. Backend errors fail open: an
// unreachable Redis must not take bookings down with it. onReject may be nil.
func Middleware(backend Backend, userRate int, onReject func(scope string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := auth.ClientFromContext(r.Context())
			if c == nil {
				// No client in context — skip rate limiting.
				next.ServeHTTP(w, r)
				return
			}

			decision, err := backend.Check(r.Context(), ScopeClient+":"+c.ID, c.RateLimit)
			if err != nil {
				slog.Warn("rate limit backend unavailable", "scope", ScopeClient, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			rejectedScope := ""
			if !decision.Allowed {
				rejectedScope = ScopeClient
			}

			if userRate > 0 {
				if userKey := userKeyFromRequest(r); userKey != "" {
					ud, uErr := backend.Check(r.Context(), ScopeUser+":"+userKey, userRate)
					switch {
					case uErr != nil:
						slog.Warn("rate limit backend unavailable", "scope", ScopeUser, "error", uErr)
					case ud.Remaining < decision.Remaining:
						decision = ud
					}
					if uErr == nil && !ud.Allowed && rejectedScope == "" {
						rejectedScope = ScopeUser
					}
				}
			}

			// Always set headers so callers can inspect their quota.
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", decision.ResetAt.Unix()))

			if rejectedScope != "" {
				if onReject != nil {
					onReject(rejectedScope)
				}
				retry := int(time.Until(decision.ResetAt).Seconds()) + 1
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]string{
						"code":    "rate_limited",
						"message": "Rate limit exceeded. Try again later.",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// userKeyFromRequest extracts the user_key a request operates on: the query
// parameter for reads, the JSON body for writes. Peeked body bytes are put
// back so downstream handlers read an intact stream. Returns "" when the
// request names no user.
func userKeyFromRequest(r *http.Request) string {
	if k := r.URL.Query().Get("user_key"); k != "" {
		return k
	}
	if r.Body == nil || r.Method == http.MethodGet {
		return ""
	}

	peeked, err := io.ReadAll(io.LimitReader(r.Body, bodyPeekLimit))
	if err != nil {
		return ""
	}
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(peeked), r.Body), r.Body}

	var probe struct {
		UserKey string `json:"user_key"`
	}
	if err := json.Unmarshal(peeked, &probe); err != nil {
		return ""
	}
	return probe.UserKey
}
