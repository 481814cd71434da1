// ABOUTME: Reverse proxy for authenticated REST requests and WebSocket upgrades
// ABOUTME: Forwards path, query and headers unchanged; upstream failures become JSON errors

package proxy

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/2389/harbor-gateway/internal/auth"
)

// NewHTTPProxy returns a reverse proxy to target. WebSocket upgrades are
// relayed by httputil.ReverseProxy itself.
func NewHTTPProxy(target *url.URL, logger *slog.Logger) *httputil.ReverseProxy {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "proxy", "upstream", target.String())

	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.SetXForwarded()
			// Path, query, and Authorization are preserved from the inbound request.
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("upstream request failed",
				"method", r.Method,
				"path", r.URL.Path,
				"error", err,
			)
			auth.WriteError(w, auth.ErrUpstreamUnavailable)
		},
	}
}
