// ABOUTME: HTTP middleware guarding stream upgrade paths with session tokens
// ABOUTME: Checks the entity against session scopes and rewrites the query to the company id

package session

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/harbor-gateway/internal/auth"
)

// DefaultStreamRoot is the path prefix of streamed entities.
const DefaultStreamRoot = "/ws/data/"

var (
	errNoSession    = auth.NewError(auth.KindMissingToken, "Missing or invalid session", nil)
	errEntityDenied = auth.NewError(auth.KindInsufficientScope, "Entity not permitted for this session", nil)
)

// StreamGate returns middleware for paths under root. Requests outside root
// pass through. Inside root the "session" query parameter must resolve and
// the entity (the path below root) must be one of the session's scopes; the
// query is then replaced by exactly companyId=<id>.
func (b *Bridge) StreamGate(root string) func(http.Handler) http.Handler {
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rest, ok := strings.CutPrefix(r.URL.Path, root)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			token := r.URL.Query().Get("session")
			if token == "" {
				b.logger.Warn("stream rejected", "reason", "missing session", "path", r.URL.Path)
				auth.WriteError(w, errNoSession)
				return
			}

			rec, found := b.Resolve(r.Context(), token)
			if !found {
				b.logger.Warn("stream rejected", "reason", "unknown session", "path", r.URL.Path)
				auth.WriteError(w, errNoSession)
				return
			}

			entity := strings.Trim(rest, "/")
			if entity == "" || !rec.HasScope(entity) {
				b.logger.Warn("stream rejected", "reason", "entity not in scopes",
					"entity", entity, "company_id", rec.CompanyID)
				auth.WriteError(w, errEntityDenied)
				return
			}

			r2 := r.Clone(r.Context())
			r2.URL.RawQuery = "companyId=" + strconv.FormatInt(rec.CompanyID, 10)
			r2.RequestURI = r2.URL.RequestURI()
			next.ServeHTTP(w, r2)
		})
	}
}
