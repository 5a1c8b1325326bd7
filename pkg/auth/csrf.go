package auth

import (
	"crypto/subtle"

	"github.com/sdrctf/challengectl/pkg/security"
)

// CSRF double-cookie names. The session cookie is HTTP-only; the CSRF
// cookie is readable by the browser and echoed back in a header on
// state-changing requests.
const (
	SessionCookie = "challengectl_session"
	CSRFCookie    = "challengectl_csrf"
	CSRFHeader    = "X-CSRF-Token"
)

// NewCSRFToken generates a fresh CSRF token for a login response.
func NewCSRFToken() (string, error) {
	return security.RandomToken(32)
}

// CheckCSRF compares the header echo against the cookie value in
// constant time.
func CheckCSRF(cookieValue, headerValue string) bool {
	if cookieValue == "" || headerValue == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookieValue), []byte(headerValue)) == 1
}
