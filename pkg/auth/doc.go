/*
Package auth implements the identity layer: operator password + TOTP
login, sliding sessions with CSRF double cookies, agent bearer
credential verification with multi-factor host binding, and per-source
rate limiting.

Credentials are never stored in clear. Passwords and agent tokens are
kept as bcrypt hashes; TOTP seeds are encrypted at rest with the
security.Box.
*/
package auth
