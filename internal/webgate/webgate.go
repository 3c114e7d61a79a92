// ABOUTME: HTTP handlers for passkey ceremonies and session endpoints
// ABOUTME: Origin guard, admission control, cookies, and generic auth failures

package webgate

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/2389/passkey-gateway/internal/admission"
	"github.com/2389/passkey-gateway/internal/ceremony"
	"github.com/2389/passkey-gateway/internal/session"
	"github.com/2389/passkey-gateway/internal/store"
)

// SessionCookieName is the cookie carrying the session token.
const SessionCookieName = "passkey_session"

// genericAuthMessage is the one body every authentication failure gets.
const genericAuthMessage = "Authentication failed"

// Handler serves the public HTTP surface.
type Handler struct {
	orchestrator *ceremony.Orchestrator
	sessions     *session.Issuer
	users        store.UserStore
	limiter      admission.Limiter
	origin       string
	trustProxy   bool
	logger       *slog.Logger
}

// New creates a Handler. origin is the service's own canonical origin
// (scheme://host), used for the CSRF check. A nil limiter disables
// admission control. trustProxy keys admission on X-Forwarded-For and
// must only be set behind a proxy that overwrites the header.
func New(orchestrator *ceremony.Orchestrator, sessions *session.Issuer, users store.UserStore, limiter admission.Limiter, origin string, trustProxy bool) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		sessions:     sessions,
		users:        users,
		limiter:      limiter,
		origin:       strings.TrimSuffix(origin, "/"),
		trustProxy:   trustProxy,
		logger:       slog.Default().With("component", "webgate"),
	}
}

// RegisterRoutes attaches all endpoints to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("POST /webauthn/register/start", h.requireSameOrigin(h.withAdmission(h.handleRegisterStart)))
	mux.HandleFunc("POST /webauthn/register/finish", h.requireSameOrigin(h.handleRegisterFinish))
	mux.HandleFunc("POST /webauthn/login/start", h.requireSameOrigin(h.withAdmission(h.handleLoginStart)))
	mux.HandleFunc("POST /webauthn/login/finish", h.requireSameOrigin(h.handleLoginFinish))
	mux.HandleFunc("GET /me", h.handleMe)
	mux.HandleFunc("POST /logout", h.requireSameOrigin(h.handleLogout))
}

// requireSameOrigin rejects cross-origin state changes. Requests without
// Origin or Referer headers pass; non-browser clients do not send them
// and gain nothing by forging them.
func (h *Handler) requireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && origin != h.origin {
			h.logger.Warn("cross-origin request rejected", "origin", origin, "path", r.URL.Path)
			h.writeGenericAuthError(w)
			return
		}
		if referer := r.Header.Get("Referer"); referer != "" && !strings.HasPrefix(referer, h.origin) {
			h.logger.Warn("cross-origin referer rejected", "referer", referer, "path", r.URL.Path)
			h.writeGenericAuthError(w)
			return
		}
		next(w, r)
	}
}

// withAdmission applies per-caller rate limiting to ceremony starts.
func (h *Handler) withAdmission(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow(h.clientKey(r)) {
			h.logger.Warn("ceremony start rate limited", "path", r.URL.Path)
			h.writeGenericAuthError(w)
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleRegisterStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeGenericAuthError(w)
		return
	}

	options, correlationID, err := h.orchestrator.StartRegistration(r.Context(), req.Username)
	if err != nil {
		h.writeCeremonyError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, registerStartResponse{Options: options, SessionID: correlationID})
}

func (h *Handler) handleRegisterFinish(w http.ResponseWriter, r *http.Request) {
	var req finishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeGenericAuthError(w)
		return
	}

	attestation, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(req.Response))
	if err != nil {
		h.logger.Debug("malformed attestation response", "error", err)
		h.writeGenericAuthError(w)
		return
	}

	artifact, err := h.orchestrator.FinishRegistration(r.Context(), req.SessionID, attestation)
	if err != nil {
		h.writeCeremonyError(w, err)
		return
	}

	h.setSessionCookie(w, artifact)
	h.writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeGenericAuthError(w)
		return
	}

	options, correlationID, err := h.orchestrator.StartLogin(r.Context(), req.Username)
	if err != nil {
		h.writeCeremonyError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, loginStartResponse{Options: options, SessionID: correlationID})
}

func (h *Handler) handleLoginFinish(w http.ResponseWriter, r *http.Request) {
	var req finishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeGenericAuthError(w)
		return
	}

	assertion, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(req.Response))
	if err != nil {
		h.logger.Debug("malformed assertion response", "error", err)
		h.writeGenericAuthError(w)
		return
	}

	artifact, err := h.orchestrator.FinishLogin(r.Context(), req.SessionID, assertion)
	if err != nil {
		h.writeCeremonyError(w, err)
		return
	}

	h.setSessionCookie(w, artifact)
	h.writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		h.writeJSON(w, http.StatusOK, meResponse{Authenticated: false})
		return
	}

	userID, err := h.sessions.Validate(r.Context(), cookie.Value)
	if err != nil {
		h.writeJSON(w, http.StatusOK, meResponse{Authenticated: false})
		return
	}

	user, err := h.users.GetUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			h.writeJSON(w, http.StatusOK, meResponse{Authenticated: false})
			return
		}
		h.writeInternalError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, meResponse{
		Authenticated: true,
		UserID:        user.ID,
		Username:      user.Username,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		if err := h.sessions.Revoke(r.Context(), cookie.Value); err != nil {
			h.logger.Warn("session revocation failed", "error", err)
		}
	}

	h.clearSessionCookie(w)
	h.writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, artifact *session.Artifact) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    artifact.Token,
		Path:     "/",
		MaxAge:   int(time.Until(artifact.ExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

// writeCeremonyError maps orchestrator failures to responses. Everything
// the caller could probe with collapses into one 401; anything else is a
// server fault.
func (h *Handler) writeCeremonyError(w http.ResponseWriter, err error) {
	if errors.Is(err, ceremony.ErrAuthenticationFailed) || errors.Is(err, ceremony.ErrInvalidUsername) {
		h.writeGenericAuthError(w)
		return
	}
	h.writeInternalError(w, err)
}

func (h *Handler) writeGenericAuthError(w http.ResponseWriter) {
	h.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: genericAuthMessage})
}

func (h *Handler) writeInternalError(w http.ResponseWriter, err error) {
	h.logger.Error("request failed", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal Server Error"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// clientKey identifies the caller for admission control. X-Forwarded-For
// is honored only when the deployment declares a trusted proxy in front;
// otherwise the header is attacker-controlled and the peer address is
// the identity.
func (h *Handler) clientKey(r *http.Request) string {
	if h.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if idx := strings.IndexByte(fwd, ','); idx >= 0 {
				fwd = fwd[:idx]
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
