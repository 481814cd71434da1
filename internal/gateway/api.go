// ABOUTME: HTTP handlers for login, WebSocket session tokens and health checks
// ABOUTME: Errors are written as {"kind", "message"} JSON bodies via auth.WriteError

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/harbor-gateway/internal/auth"
)

// readyTimeout bounds the dependency pings of the readiness check.
const readyTimeout = 2 * time.Second

// LoginRequest is the body of POST /auth.
type LoginRequest struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

// WSTokenResponse is the body returned by GET /ws-auth-token.
type WSTokenResponse struct {
	WSToken string `json:"wsToken"`
}

// sendJSON writes v as a JSON response with the given status.
func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleLogin exchanges client credentials for a bearer token.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		sendJSON(w, http.StatusBadRequest, auth.ErrorBody{
			Kind:    auth.KindInvalidCredentials,
			Message: "invalid JSON body",
		})
		return
	}

	result, err := g.authn.Login(r.Context(), req.ID, req.Secret)
	if err != nil {
		g.logger.Warn("login rejected", "reason", string(auth.KindOf(err)), "client_id", req.ID, "remote_addr", r.RemoteAddr)
		auth.WriteError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, result)
}

// handleWSAuthToken issues a short-lived session token for stream upgrades.
// Only the bearer token is verified; the credential store is not consulted.
func (g *Gateway) handleWSAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, err := g.authn.VerifyBearer(r.Header.Get("Authorization"))
	if err != nil {
		g.logger.Warn("ws token rejected", "reason", string(auth.KindOf(err)), "remote_addr", r.RemoteAddr)
		auth.WriteError(w, err)
		return
	}

	token, err := g.bridge.Issue(r.Context(), claims.CompanyID, claims.Scopes)
	if err != nil {
		g.logger.Error("issuing session token", "client_id", claims.Subject, "error", err)
		auth.WriteError(w, auth.ErrInternal)
		return
	}

	sendJSON(w, http.StatusOK, WSTokenResponse{WSToken: token})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the credential store and session cache respond.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "dependency", "store", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("credential store unavailable"))
		return
	}
	if err := g.cache.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "dependency", "session cache", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("session cache unavailable"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (session backend %s)", g.config.Session.Backend)
}
