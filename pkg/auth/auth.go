package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/sdrctf/challengectl/pkg/log"
	"github.com/sdrctf/challengectl/pkg/security"
	"github.com/sdrctf/challengectl/pkg/storage"
	"github.com/sdrctf/challengectl/pkg/types"
)

const (
	// SessionTTL is the sliding window renewed on every authenticated
	// request.
	SessionTTL = 24 * time.Hour

	// totpPeriod is the TOTP step. Codes validate within ±1 window.
	totpPeriod = 30 * time.Second

	bcryptCost = bcrypt.DefaultCost
)

// ErrInvalidCredential is the generic rejection for every
// authentication failure. Callers must not distinguish unknown user,
// wrong password, disabled account or failed host binding; that would
// enable enumeration.
var ErrInvalidCredential = errors.New("invalid credential")

// LoginResult tells the login handler what the client must do next.
type LoginResult struct {
	Session      *types.Session
	Token        string // opaque session token, returned once
	TOTPRequired bool
}

// Authenticator verifies operators and agents against the store.
type Authenticator struct {
	store  *storage.Store
	box    *security.Box
	replay *ReplayCache
	logger zerolog.Logger
}

func New(store *storage.Store, box *security.Box) *Authenticator {
	return &Authenticator{
		store:  store,
		box:    box,
		replay: NewReplayCache(2 * totpPeriod),
		logger: log.WithComponent("auth"),
	}
}

// Replay exposes the TOTP replay cache so the sweeper can expire it.
func (a *Authenticator) Replay() *ReplayCache { return a.replay }

// HashPassword bcrypts a password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// HashCredential bcrypts an agent or provisioning bearer token.
func HashCredential(token string) (string, error) {
	return HashPassword(token)
}

func verifyHash(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// VerifyPassword checks a password without side effects. Used by the
// change-password flow to re-prove the caller.
func (a *Authenticator) VerifyPassword(username, password string) error {
	var user *types.User
	err := a.store.WithRead(func(tx *storage.Tx) error {
		u, err := tx.GetUser(username)
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return ErrInvalidCredential
	}
	if !user.Enabled || !verifyHash(user.PasswordHash, password) {
		return ErrInvalidCredential
	}
	return nil
}

// Login verifies username+password and creates a session. Accounts
// without a TOTP secret are authenticated immediately; the rest get an
// unverified session and must call VerifyTOTP.
func (a *Authenticator) Login(username, password string, now time.Time) (*LoginResult, error) {
	var user *types.User
	err := a.store.WithRead(func(tx *storage.Tx) error {
		u, err := tx.GetUser(username)
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Burn a bcrypt round anyway so timing does not reveal
			// whether the user exists.
			_ = bcrypt.CompareHashAndPassword(
				[]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"),
				[]byte(password))
			return nil, ErrInvalidCredential
		}
		return nil, err
	}
	if !user.Enabled || !verifyHash(user.PasswordHash, password) {
		return nil, ErrInvalidCredential
	}

	token, err := security.RandomToken(32)
	if err != nil {
		return nil, err
	}
	sess := &types.Session{
		Token:        token,
		Username:     username,
		TOTPVerified: len(user.TOTPSecretEnc) == 0,
		CreatedAt:    now,
		ExpiresAt:    now.Add(SessionTTL),
	}

	err = a.store.WithWrite(func(tx *storage.Tx) error {
		user.LastLogin = &now
		if err := tx.PutUser(user); err != nil {
			return err
		}
		return tx.PutSession(sess)
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info().
		Str("username", username).
		Bool("totp_required", !sess.TOTPVerified).
		Msg("Operator login")

	return &LoginResult{
		Session:      sess,
		Token:        token,
		TOTPRequired: !sess.TOTPVerified,
	}, nil
}

// VerifyTOTP upgrades a password-verified session to fully
// authenticated. Codes are accepted within ±1 window and only once;
// replays within two windows are rejected.
func (a *Authenticator) VerifyTOTP(sess *types.Session, code string, now time.Time) error {
	var user *types.User
	err := a.store.WithRead(func(tx *storage.Tx) error {
		u, err := tx.GetUser(sess.Username)
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return ErrInvalidCredential
	}
	if !user.Enabled || len(user.TOTPSecretEnc) == 0 {
		return ErrInvalidCredential
	}

	secret, err := a.decryptTOTPSecret(user.TOTPSecretEnc)
	if err != nil {
		return fmt.Errorf("failed to decrypt TOTP secret: %w", err)
	}

	ok, err := totp.ValidateCustom(code, secret, now, totp.ValidateOpts{
		Period:    uint(totpPeriod / time.Second),
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !ok {
		return ErrInvalidCredential
	}
	if !a.replay.Accept(sess.Username, code, now) {
		a.logger.Warn().Str("username", sess.Username).Msg("TOTP code replay rejected")
		return ErrInvalidCredential
	}

	sess.TOTPVerified = true
	sess.ExpiresAt = now.Add(SessionTTL)
	return a.store.WithWrite(func(tx *storage.Tx) error {
		return tx.PutSession(sess)
	})
}

// SessionFromToken resolves and slides a session. Expired or unknown
// tokens return ErrInvalidCredential.
func (a *Authenticator) SessionFromToken(token string, now time.Time) (*types.Session, error) {
	if token == "" {
		return nil, ErrInvalidCredential
	}
	var sess *types.Session
	err := a.store.WithRead(func(tx *storage.Tx) error {
		s, err := tx.GetSession(token)
		if err != nil {
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, ErrInvalidCredential
	}
	if now.After(sess.ExpiresAt) {
		return nil, ErrInvalidCredential
	}

	// Sliding expiry. Rewrite only when the extension is meaningful to
	// keep authenticated GETs from hammering the writer.
	if sess.ExpiresAt.Sub(now) < SessionTTL-time.Minute {
		sess.ExpiresAt = now.Add(SessionTTL)
		if err := a.store.WithWrite(func(tx *storage.Tx) error {
			return tx.PutSession(sess)
		}); err != nil && !errors.Is(err, storage.ErrBusy) {
			return nil, err
		}
	}
	return sess, nil
}

// Logout removes the caller's session.
func (a *Authenticator) Logout(token string) error {
	return a.store.WithWrite(func(tx *storage.Tx) error {
		return tx.DeleteSession(token)
	})
}

// SetPassword updates a user's password and invalidates every other
// session for that user. spareToken may be empty.
func (a *Authenticator) SetPassword(username, password, spareToken string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return a.store.WithWrite(func(tx *storage.Tx) error {
		user, err := tx.GetUser(username)
		if err != nil {
			return err
		}
		user.PasswordHash = hash
		user.MustChangePassword = false
		if err := tx.PutUser(user); err != nil {
			return err
		}
		return tx.DeleteSessionsForUser(username, spareToken)
	})
}

// ProvisionTOTP generates a fresh TOTP seed for a user, stores it
// encrypted, and returns the otpauth:// URL exactly once. Existing
// sessions for the user are invalidated except the caller's.
func (a *Authenticator) ProvisionTOTP(username, issuer, spareToken string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: username,
		Period:      uint(totpPeriod / time.Second),
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}

	enc, err := a.box.Encrypt([]byte(key.Secret()))
	if err != nil {
		return "", err
	}

	err = a.store.WithWrite(func(tx *storage.Tx) error {
		user, err := tx.GetUser(username)
		if err != nil {
			return err
		}
		user.TOTPSecretEnc = enc
		if err := tx.PutUser(user); err != nil {
			return err
		}
		return tx.DeleteSessionsForUser(username, spareToken)
	})
	if err != nil {
		return "", err
	}
	return key.URL(), nil
}

func (a *Authenticator) decryptTOTPSecret(enc []byte) (string, error) {
	plain, err := a.box.Decrypt(enc)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// HasPermission reports whether a user holds a permission. Admin
// implies everything.
func (a *Authenticator) HasPermission(username, perm string) (bool, error) {
	var ok bool
	err := a.store.WithRead(func(tx *storage.Tx) error {
		has, err := tx.HasPermission(username, perm)
		if err != nil {
			return err
		}
		ok = has
		return nil
	})
	return ok, err
}
