package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sdrctf/challengectl/pkg/types"
)

// storedUser re-attaches credential fields that types.User hides from API
// rendering.
type storedUser struct {
	types.User
	PasswordHash  string `json:"password_hash"`
	TOTPSecretEnc []byte `json:"totp_secret_enc,omitempty"`
}

// CreateUser inserts a new operator account. Usernames are unique.
func (tx *Tx) CreateUser(u *types.User) error {
	b := tx.btx.Bucket(bucketUsers)
	if b.Get([]byte(u.Username)) != nil {
		return fmt.Errorf("user %s: %w", u.Username, ErrConflict)
	}
	return tx.PutUser(u)
}

// PutUser upserts an operator account.
func (tx *Tx) PutUser(u *types.User) error {
	if u.Username == "" {
		return fmt.Errorf("username empty: %w", ErrInvariant)
	}
	data, err := json.Marshal(storedUser{
		User:          *u,
		PasswordHash:  u.PasswordHash,
		TOTPSecretEnc: u.TOTPSecretEnc,
	})
	if err != nil {
		return err
	}
	return tx.btx.Bucket(bucketUsers).Put([]byte(u.Username), data)
}

// GetUser retrieves an operator account.
func (tx *Tx) GetUser(username string) (*types.User, error) {
	data := tx.btx.Bucket(bucketUsers).Get([]byte(username))
	if data == nil {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	var su storedUser
	if err := json.Unmarshal(data, &su); err != nil {
		return nil, err
	}
	u := su.User
	u.PasswordHash = su.PasswordHash
	u.TOTPSecretEnc = su.TOTPSecretEnc
	return &u, nil
}

// ListUsers returns all operator accounts.
func (tx *Tx) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := tx.btx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
		var su storedUser
		if err := json.Unmarshal(v, &su); err != nil {
			return err
		}
		u := su.User
		u.PasswordHash = su.PasswordHash
		u.TOTPSecretEnc = su.TOTPSecretEnc
		users = append(users, &u)
		return nil
	})
	return users, err
}

// DeleteUser removes an operator account and its permissions.
func (tx *Tx) DeleteUser(username string) error {
	b := tx.btx.Bucket(bucketUsers)
	if b.Get([]byte(username)) == nil {
		return fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	if err := b.Delete([]byte(username)); err != nil {
		return err
	}
	// Drop the permission rows too.
	perms := tx.btx.Bucket(bucketUserPermissions)
	c := perms.Cursor()
	prefix := []byte(username + "/")
	for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
		if err := perms.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// permKey builds the composite {username, permission} key.
func permKey(username, perm string) []byte {
	return []byte(username + "/" + perm)
}

// GrantPermission adds a named permission to a user. Idempotent.
func (tx *Tx) GrantPermission(username, perm string) error {
	return tx.btx.Bucket(bucketUserPermissions).Put(permKey(username, perm), []byte{1})
}

// RevokePermission removes a named permission from a user. Idempotent.
func (tx *Tx) RevokePermission(username, perm string) error {
	return tx.btx.Bucket(bucketUserPermissions).Delete(permKey(username, perm))
}

// Permissions lists the named permissions granted to a user.
func (tx *Tx) Permissions(username string) ([]string, error) {
	var perms []string
	c := tx.btx.Bucket(bucketUserPermissions).Cursor()
	prefix := username + "/"
	for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
		perms = append(perms, strings.TrimPrefix(string(k), prefix))
	}
	return perms, nil
}

// HasPermission reports whether the user holds the named permission or
// admin.
func (tx *Tx) HasPermission(username, perm string) (bool, error) {
	b := tx.btx.Bucket(bucketUserPermissions)
	if b.Get(permKey(username, types.PermAdmin)) != nil {
		return true, nil
	}
	return b.Get(permKey(username, perm)) != nil, nil
}

// PutSession upserts a session row.
func (tx *Tx) PutSession(s *types.Session) error {
	if s.Token == "" {
		return fmt.Errorf("session token empty: %w", ErrInvariant)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return tx.btx.Bucket(bucketSessions).Put([]byte(s.Token), data)
}

// GetSession retrieves a session by token.
func (tx *Tx) GetSession(token string) (*types.Session, error) {
	data := tx.btx.Bucket(bucketSessions).Get([]byte(token))
	if data == nil {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	var s types.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSession removes a session row. Idempotent.
func (tx *Tx) DeleteSession(token string) error {
	return tx.btx.Bucket(bucketSessions).Delete([]byte(token))
}

// DeleteSessionsForUser removes every session for a user, except an
// optional spared token (the caller's own on credential change).
func (tx *Tx) DeleteSessionsForUser(username, spare string) error {
	b := tx.btx.Bucket(bucketSessions)
	var doomed [][]byte
	err := b.ForEach(func(k, v []byte) error {
		var s types.Session
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		if s.Username == username && s.Token != spare {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range doomed {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// ExpiredSessions returns the tokens of sessions whose expiry has passed.
func (tx *Tx) ExpiredSessions(now time.Time) ([]string, error) {
	var tokens []string
	err := tx.btx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
		var s types.Session
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		if s.ExpiresAt.Before(now) {
			tokens = append(tokens, s.Token)
		}
		return nil
	})
	return tokens, err
}

// PutEnrollmentToken upserts an enrollment token row.
func (tx *Tx) PutEnrollmentToken(t *types.EnrollmentToken) error {
	if t.Token == "" {
		return fmt.Errorf("enrollment token empty: %w", ErrInvariant)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return tx.btx.Bucket(bucketEnrollmentTokens).Put([]byte(t.Token), data)
}

// GetEnrollmentToken retrieves an enrollment token row.
func (tx *Tx) GetEnrollmentToken(token string) (*types.EnrollmentToken, error) {
	data := tx.btx.Bucket(bucketEnrollmentTokens).Get([]byte(token))
	if data == nil {
		return nil, fmt.Errorf("enrollment token: %w", ErrNotFound)
	}
	var t types.EnrollmentToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListEnrollmentTokens returns all enrollment token rows, used ones
// included (they are retained for audit).
func (tx *Tx) ListEnrollmentTokens() ([]*types.EnrollmentToken, error) {
	var tokens []*types.EnrollmentToken
	err := tx.btx.Bucket(bucketEnrollmentTokens).ForEach(func(k, v []byte) error {
		var t types.EnrollmentToken
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		tokens = append(tokens, &t)
		return nil
	})
	return tokens, err
}

// DeleteEnrollmentToken removes an enrollment token row.
func (tx *Tx) DeleteEnrollmentToken(token string) error {
	b := tx.btx.Bucket(bucketEnrollmentTokens)
	if b.Get([]byte(token)) == nil {
		return fmt.Errorf("enrollment token: %w", ErrNotFound)
	}
	return b.Delete([]byte(token))
}

// storedProvisioningKey re-attaches the key hash hidden from rendering.
type storedProvisioningKey struct {
	types.ProvisioningKey
	KeyHash string `json:"key_hash"`
}

// PutProvisioningKey upserts a provisioning key row.
func (tx *Tx) PutProvisioningKey(k *types.ProvisioningKey) error {
	if k.ID == "" {
		return fmt.Errorf("provisioning key id empty: %w", ErrInvariant)
	}
	data, err := json.Marshal(storedProvisioningKey{ProvisioningKey: *k, KeyHash: k.KeyHash})
	if err != nil {
		return err
	}
	return tx.btx.Bucket(bucketProvisioningKeys).Put([]byte(k.ID), data)
}

// GetProvisioningKey retrieves a provisioning key row by key id.
func (tx *Tx) GetProvisioningKey(id string) (*types.ProvisioningKey, error) {
	data := tx.btx.Bucket(bucketProvisioningKeys).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("provisioning key %s: %w", id, ErrNotFound)
	}
	var sk storedProvisioningKey
	if err := json.Unmarshal(data, &sk); err != nil {
		return nil, err
	}
	k := sk.ProvisioningKey
	k.KeyHash = sk.KeyHash
	return &k, nil
}

// ListProvisioningKeys returns all provisioning key rows.
func (tx *Tx) ListProvisioningKeys() ([]*types.ProvisioningKey, error) {
	var keys []*types.ProvisioningKey
	err := tx.btx.Bucket(bucketProvisioningKeys).ForEach(func(k, v []byte) error {
		var sk storedProvisioningKey
		if err := json.Unmarshal(v, &sk); err != nil {
			return err
		}
		key := sk.ProvisioningKey
		key.KeyHash = sk.KeyHash
		keys = append(keys, &key)
		return nil
	})
	return keys, err
}

// DeleteProvisioningKey removes a provisioning key row.
func (tx *Tx) DeleteProvisioningKey(id string) error {
	b := tx.btx.Bucket(bucketProvisioningKeys)
	if b.Get([]byte(id)) == nil {
		return fmt.Errorf("provisioning key %s: %w", id, ErrNotFound)
	}
	return b.Delete([]byte(id))
}
