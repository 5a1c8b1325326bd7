package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sdrctf/challengectl/pkg/auth"
	"github.com/sdrctf/challengectl/pkg/metrics"
	"github.com/sdrctf/challengectl/pkg/storage"
	"github.com/sdrctf/challengectl/pkg/types"
)

type ctxKey int

const (
	ctxSession ctxKey = iota
	ctxAgent
	ctxProvisioningKey
)

func sessionFrom(ctx context.Context) *types.Session {
	s, _ := ctx.Value(ctxSession).(*types.Session)
	return s
}

func agentFrom(ctx context.Context) *types.Agent {
	a, _ := ctx.Value(ctxAgent).(*types.Agent)
	return a
}

func provisioningKeyFrom(ctx context.Context) *types.ProvisioningKey {
	k, _ := ctx.Value(ctxProvisioningKey).(*types.ProvisioningKey)
	return k
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bearerToken extracts the Authorization bearer credential.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// instrument counts requests by method and response status.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

// rateLimit enforces a per-source token bucket.
func (s *Server) rateLimit(limiter *auth.LimiterMap) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(getClientIP(r)) {
				w.Header().Set("Retry-After", "60")
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireSession authenticates the operator session cookie and slides
// its expiry. State-changing methods additionally require the CSRF echo.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
		if !sess.TOTPVerified {
			writeError(w, auth.ErrInvalidCredential)
			return
		}
		if blocked, err := s.passwordResetRequired(sess.Username, r.URL.Path); err != nil {
			writeError(w, err)
			return
		} else if blocked {
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "password change required",
			})
			return
		}

		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
		default:
			csrfCookie, err := r.Cookie(auth.CSRFCookie)
			if err != nil || !auth.CheckCSRF(csrfCookie.Value, r.Header.Get(auth.CSRFHeader)) {
				s.logger.Warn().Str("ip", getClientIP(r)).Str("path", r.URL.Path).Msg("CSRF check failed")
				writeError(w, auth.ErrInvalidCredential)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxSession, sess)))
	})
}

// passwordResetRequired blocks operators flagged for a forced password
// change from everything except changing it and signing out.
func (s *Server) passwordResetRequired(username, path string) (bool, error) {
	switch path {
	case "/api/v1/auth/password", "/api/v1/auth/logout", "/api/v1/auth/me":
		return false, nil
	}
	var must bool
	err := s.store.WithRead(func(tx *storage.Tx) error {
		u, err := tx.GetUser(username)
		if err != nil {
			return err
		}
		must = u.MustChangePassword
		return nil
	})
	return must, err
}

// requirePermission gates a subtree on an operator permission. Admin
// implies everything.
func (s *Server) requirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := sessionFrom(r.Context())
			ok, err := s.auth.HasPermission(sess.Username, perm)
			if err != nil {
				writeError(w, err)
				return
			}
			if !ok {
				writeJSON(w, http.StatusForbidden, map[string]string{
					"error": "permission denied: " + perm,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireAgent authenticates the agent bearer credential with host
// binding. The agent id travels in the X-Agent-ID header; MAC and
// machine id ride in headers, IP is taken from the transport.
func (s *Server) requireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentID := r.Header.Get("X-Agent-ID")
		token := bearerToken(r)
		if agentID == "" || token == "" {
			writeError(w, auth.ErrInvalidCredential)
			return
		}

		identity := types.HostIdentity{
			IP:        getClientIP(r),
			Hostname:  r.Header.Get("X-Agent-Hostname"),
			MAC:       r.Header.Get("X-Agent-MAC"),
			MachineID: r.Header.Get("X-Agent-Machine-ID"),
		}
		agent, err := s.auth.VerifyAgent(agentID, token, identity, time.Now().UTC())
		if err != nil {
			s.logger.Warn().Str("agent_id", agentID).Str("ip", identity.IP).Msg("Agent authentication failed")
			writeError(w, auth.ErrInvalidCredential)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxAgent, agent)))
	})
}

// requireProvisioningKey authenticates the provisioning bearer token.
func (s *Server) requireProvisioningKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, auth.ErrInvalidCredential)
			return
		}
		key, err := s.auth.VerifyProvisioningKey(token, time.Now().UTC())
		if err != nil {
			writeError(w, auth.ErrInvalidCredential)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxProvisioningKey, key)))
	})
}

// secureTransport reports whether the request arrived over HTTPS,
// directly or behind a terminating proxy. Cookie flags follow this.
func secureTransport(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func (s *Server) setSessionCookies(w http.ResponseWriter, r *http.Request, token, csrf string, expires time.Time) {
	secure := secureTransport(r)
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CSRFCookie,
		Value:    csrf,
		Path:     "/",
		Expires:  expires,
		HttpOnly: false,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearSessionCookies(w http.ResponseWriter, r *http.Request) {
	secure := secureTransport(r)
	for _, name := range []string{auth.SessionCookie, auth.CSRFCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: name == auth.SessionCookie,
			Secure:   secure,
			SameSite: http.SameSiteStrictMode,
		})
	}
}
