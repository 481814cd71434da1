// ABOUTME: HTTP middleware for bearer token authentication on proxied REST paths
// ABOUTME: Extracts the token from the Authorization header and adds Identity to context

package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"path"
	"slices"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// ErrorBody is the JSON shape of every rejection written by the gateway.
type ErrorBody struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// WriteError writes err as a JSON ErrorBody with the matching HTTP status.
func WriteError(w http.ResponseWriter, err error) {
	ae := AsError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.HTTPStatus())
	_ = json.NewEncoder(w).Encode(ErrorBody{Kind: ae.Kind, Message: ae.Message})
}

// HTTPMiddleware authenticates and authorizes every request whose path is
// not public, then adds the Identity to the request context. Paths with
// ".." segments are rejected before any policy lookup.
func HTTPMiddleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if HasDotDotSegment(r.URL.Path) {
				httpFailure(a.logger, r, ErrInvalidPath)
				WriteError(w, ErrInvalidPath)
				return
			}

			op := HTTPPath(r.URL.Path)
			if a.policy.IsPublic(op) {
				next.ServeHTTP(w, r)
				return
			}

			id, err := a.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				httpFailure(a.logger, r, err)
				WriteError(w, err)
				return
			}

			if err := a.Authorize(id, op); err != nil {
				httpFailure(a.logger, r, err, "client_id", id.ClientID)
				WriteError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func httpFailure(logger *slog.Logger, r *http.Request, err error, attrs ...any) {
	ae := AsError(err)
	attrs = append(attrs, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
	if ae.Kind == KindInternal {
		logger.Error("auth internal error", append(attrs, "error", err)...)
		return
	}
	logger.Warn("auth failure", append([]any{"reason", string(ae.Kind)}, attrs...)...)
}
