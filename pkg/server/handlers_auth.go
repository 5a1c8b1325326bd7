package server

import (
	"net/http"
	"time"

	"github.com/sdrctf/challengectl/pkg/auth"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, badRequest("username and password required"))
		return
	}

	result, err := s.auth.Login(req.Username, req.Password, time.Now().UTC())
	if err != nil {
		s.logger.Warn().Str("username", req.Username).Str("ip", getClientIP(r)).Msg("Login failed")
		writeError(w, auth.ErrInvalidCredential)
		return
	}

	csrf, err := auth.NewCSRFToken()
	if err != nil {
		writeError(w, err)
		return
	}
	s.setSessionCookies(w, r, result.Token, csrf, result.Session.ExpiresAt)

	writeJSON(w, http.StatusOK, map[string]any{
		"totp_required": result.TOTPRequired,
		"username":      req.Username,
	})
}

func (s *Server) handleVerifyTOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	cookie, err := r.Cookie(auth.SessionCookie)
	if err != nil {
		writeError(w, auth.ErrInvalidCredential)
		return
	}
	sess, err := s.auth.SessionFromToken(cookie.Value, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.auth.VerifyTOTP(sess, req.Code, time.Now().UTC()); err != nil {
		writeError(w, auth.ErrInvalidCredential)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	if err := s.auth.Logout(sess.Token); err != nil {
		writeError(w, err)
		return
	}
	s.clearSessionCookies(w, r)
	writeAck(w)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.NewPassword) < 12 {
		writeError(w, badRequest("new_password must be at least 12 characters"))
		return
	}

	sess := sessionFrom(r.Context())

	// Re-verify the current password before allowing a change.
	if err := s.auth.VerifyPassword(sess.Username, req.CurrentPassword); err != nil {
		writeError(w, auth.ErrInvalidCredential)
		return
	}
	if err := s.auth.SetPassword(sess.Username, req.NewPassword, sess.Token); err != nil {
		writeError(w, err)
		return
	}
	writeAck(w)
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	perms, err := s.permissionsOf(sess.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username":    sess.Username,
		"permissions": perms,
		"expires_at":  sess.ExpiresAt,
	})
}
