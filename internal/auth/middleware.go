package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

type contextKey int

const clientContextKey contextKey = iota

// ContextWithClient returns a new context carrying the given client.
func ContextWithClient(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, clientContextKey, c)
}

// ClientFromContext extracts the client from the context, or nil if not
// present.
func ClientFromContext(ctx context.Context) *Client {
	c, _ := ctx.Value(clientContextKey).(*Client)
	return c
}

// ClientAuthMiddleware returns middleware that authenticates requests using
// an API key in the Authorization header. The key is hashed and looked up via
// the service's client store. On success the client is injected into the
// request context and its last_used_at stamp is refreshed off the request
// path. Nothing downstream runs for an unauthenticated request.
func ClientAuthMiddleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				svc.incFailure("client")
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			hash := HashKey(token)
			c, err := svc.store.GetByKeyHash(r.Context(), hash)
			if err != nil || c == nil {
				svc.incFailure("client")
				writeUnauthorized(w, "invalid api key")
				return
			}

			svc.incSuccess("client")
			if svc.touch != nil {
				go func(id string) {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = svc.touch.TouchLastUsed(ctx, id)
				}(c.ID)
			}

			ctx := ContextWithClient(r.Context(), c)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminAuthMiddleware returns middleware that authenticates ops requests with
// the configured admin credential, presented as a bearer token. metrics may
// be nil.
func AdminAuthMiddleware(key, keyHash string, metrics MetricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if !VerifyAdminKey(token, key, keyHash) {
				if metrics != nil {
					metrics.IncAuthFailure("admin")
				}
				writeUnauthorized(w, "invalid admin key")
				return
			}
			if metrics != nil {
				metrics.IncAuthSuccess("admin")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Service) incFailure(authType string) {
	if s.metrics != nil {
		s.metrics.IncAuthFailure(authType)
	}
}

func (s *Service) incSuccess(authType string) {
	if s.metrics != nil {
		s.metrics.IncAuthSuccess(authType)
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "unauthorized",
			Message: message,
		},
	})
}
