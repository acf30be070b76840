package app

import (
	"context"
	"net/http"
	"time"
)

const readyTimeout = 5 * time.Second

// handleOperational serves the unauthenticated operational endpoints and reports
// whether it wrote a response.
func (s *HTTPServer) handleOperational(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	switch r.URL.Path {
	case "/api/health":
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case "/api/ready":
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		ready := true
		checks := map[string]any{}
		for _, check := range s.service.Readiness(ctx) {
			if check.Err != nil {
				ready = false
				checks[check.Name] = map[string]any{"status": "error", "error": check.Err.Error()}
				continue
			}
			checks[check.Name] = map[string]any{"status": "ok"}
		}
		status, code := "ready", http.StatusOK
		if !ready {
			status, code = "not_ready", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"ok": ready, "status": status, "checks": checks})
	case "/metrics":
		s.metrics.Handler().ServeHTTP(w, r)
	default:
		return false
	}
	return true
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/session":
		current, err := s.service.SessionFromToken(r.Context(), bearerToken(r))
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userName":      current.UserName,
			"userId":        current.UserID,
			"role":          current.Role,
		})

	case r.Method == http.MethodPost && r.URL.Path == "/api/session/login":
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		issued, err := s.service.Login(r.Context(), body.Email, body.Password)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionJSON(issued))

	case r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh":
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		issued, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionJSON(issued))

	case r.Method == http.MethodPost && r.URL.Path == "/api/session/logout":
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		if err := s.service.Logout(r.Context(), body.RefreshToken); err != nil {
			s.logger.Warn().Err(err).Msg("logout revoke failed")
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func sessionJSON(session Session) map[string]any {
	payload := map[string]any{
		"token":     session.Token,
		"userName":  session.UserName,
		"userId":    session.UserID,
		"role":      session.Role,
		"expiresAt": session.ExpiresAt,
	}
	if session.RefreshToken != "" {
		payload["refreshToken"] = session.RefreshToken
	}
	return payload
}
