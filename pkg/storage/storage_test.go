package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrctf/challengectl/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAgentCredentialHashPersists(t *testing.T) {
	store := newTestStore(t)

	err := store.WithWrite(func(tx *Tx) error {
		return tx.CreateAgent(&types.Agent{
			ID:             "runner-1",
			Kind:           types.AgentKindTransmitter,
			Status:         types.AgentStatusOffline,
			Enabled:        true,
			CredentialHash: "$2a$10$fakehash",
			CreatedAt:      time.Now().UTC(),
		})
	})
	require.NoError(t, err)

	// CredentialHash is json:"-" on the public type; the storage
	// envelope must still round-trip it.
	err = store.WithRead(func(tx *Tx) error {
		a, err := tx.GetAgent("runner-1")
		require.NoError(t, err)
		assert.Equal(t, "$2a$10$fakehash", a.CredentialHash)
		return nil
	})
	require.NoError(t, err)
}

func TestCreateAgentConflict(t *testing.T) {
	store := newTestStore(t)

	err := store.WithWrite(func(tx *Tx) error {
		if err := tx.CreateAgent(&types.Agent{ID: "dup", Kind: types.AgentKindTransmitter}); err != nil {
			return err
		}
		return tx.CreateAgent(&types.Agent{ID: "dup", Kind: types.AgentKindTransmitter})
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestChallengeInvariants(t *testing.T) {
	now := time.Now().UTC()
	owner := "runner-1"
	expiry := now.Add(5 * time.Minute)

	tests := []struct {
		name    string
		ch      types.Challenge
		wantErr bool
	}{
		{
			name: "queued clean",
			ch:   types.Challenge{ID: "a", Name: "a", Status: types.ChallengeStatusQueued, Enabled: true},
		},
		{
			name: "assigned with owner and expiry",
			ch: types.Challenge{
				ID: "b", Name: "b", Status: types.ChallengeStatusAssigned, Enabled: true,
				OwnerID: owner, AssignedAt: &now, AssignmentExpiry: &expiry,
			},
		},
		{
			name:    "assigned without owner",
			ch:      types.Challenge{ID: "c", Name: "c", Status: types.ChallengeStatusAssigned, Enabled: true},
			wantErr: true,
		},
		{
			name: "queued with stale owner",
			ch: types.Challenge{
				ID: "d", Name: "d", Status: types.ChallengeStatusQueued, Enabled: true,
				OwnerID: owner,
			},
			wantErr: true,
		},
		{
			name: "assigned without expiry",
			ch: types.Challenge{
				ID: "e", Name: "e", Status: types.ChallengeStatusAssigned, Enabled: true,
				OwnerID: owner, AssignedAt: &now,
			},
			wantErr: true,
		},
		{
			name:    "disabled but enabled flag set",
			ch:      types.Challenge{ID: "f", Name: "f", Status: types.ChallengeStatusDisabled, Enabled: true},
			wantErr: true,
		},
		{
			name: "enabled flag off but not disabled",
			ch:   types.Challenge{ID: "g", Name: "g", Status: types.ChallengeStatusQueued, Enabled: false},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			ch := tt.ch
			err := store.WithWrite(func(tx *Tx) error {
				return tx.CreateChallenge(&ch)
			})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvariant)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChallengeNameUnique(t *testing.T) {
	store := newTestStore(t)

	err := store.WithWrite(func(tx *Tx) error {
		if err := tx.CreateChallenge(&types.Challenge{
			ID: "1", Name: "cw-beacon", Status: types.ChallengeStatusQueued, Enabled: true,
		}); err != nil {
			return err
		}
		return tx.CreateChallenge(&types.Challenge{
			ID: "2", Name: "cw-beacon", Status: types.ChallengeStatusQueued, Enabled: true,
		})
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestWriteRollbackOnError(t *testing.T) {
	store := newTestStore(t)

	// The second create fails; the first must roll back with it.
	err := store.WithWrite(func(tx *Tx) error {
		if err := tx.CreateChallenge(&types.Challenge{
			ID: "1", Name: "x", Status: types.ChallengeStatusQueued, Enabled: true,
		}); err != nil {
			return err
		}
		return tx.CreateChallenge(&types.Challenge{
			ID: "2", Name: "x", Status: types.ChallengeStatusQueued, Enabled: true,
		})
	})
	require.Error(t, err)

	err = store.WithRead(func(tx *Tx) error {
		_, err := tx.GetChallenge("1")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestArtifactDeleteRefusedWhileReferenced(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	err := store.WithWrite(func(tx *Tx) error {
		if err := tx.PutArtifact(&types.Artifact{
			Hash: "abc123", Filename: "payload.wav", Size: 10, CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.CreateChallenge(&types.Challenge{
			ID: "1", Name: "fm-voice", Status: types.ChallengeStatusQueued, Enabled: true,
			Config: types.ChallengeConfig{PayloadHash: "abc123"},
		})
	})
	require.NoError(t, err)

	err = store.WithWrite(func(tx *Tx) error {
		return tx.DeleteArtifact("abc123")
	})
	assert.ErrorIs(t, err, ErrConflict)

	// Dropping the reference unblocks the delete.
	err = store.WithWrite(func(tx *Tx) error {
		if err := tx.DeleteChallenge("1"); err != nil {
			return err
		}
		return tx.DeleteArtifact("abc123")
	})
	assert.NoError(t, err)
}

func TestTransmissionHistoryOrder(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().UTC()

	err := store.WithWrite(func(tx *Tx) error {
		for i := 0; i < 5; i++ {
			if err := tx.AppendTransmission(&types.Transmission{
				ChallengeID: "c1",
				AgentID:     "a1",
				CompletedAt: base.Add(time.Duration(i) * time.Second),
				Outcome:     types.OutcomeSuccess,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = store.WithRead(func(tx *Tx) error {
		list, err := tx.ListTransmissions("", "", 3)
		require.NoError(t, err)
		require.Len(t, list, 3)
		// Newest first.
		assert.True(t, list[0].CompletedAt.After(list[1].CompletedAt))
		assert.True(t, list[1].CompletedAt.After(list[2].CompletedAt))

		n, err := tx.CountTransmissionsSince("c1", base.Add(1500*time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		return nil
	})
	require.NoError(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	err := store.WithWrite(func(tx *Tx) error {
		for _, s := range []*types.Session{
			{Token: "live", Username: "alice", ExpiresAt: now.Add(time.Hour), CreatedAt: now},
			{Token: "dead", Username: "alice", ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-25 * time.Hour)},
			{Token: "bob-1", Username: "bob", ExpiresAt: now.Add(time.Hour), CreatedAt: now},
		} {
			if err := tx.PutSession(s); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = store.WithRead(func(tx *Tx) error {
		expired, err := tx.ExpiredSessions(now)
		require.NoError(t, err)
		assert.Equal(t, []string{"dead"}, expired)
		return nil
	})
	require.NoError(t, err)

	// Invalidate alice's sessions, sparing none.
	err = store.WithWrite(func(tx *Tx) error {
		return tx.DeleteSessionsForUser("alice", "")
	})
	require.NoError(t, err)

	err = store.WithRead(func(tx *Tx) error {
		_, err := tx.GetSession("live")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = tx.GetSession("bob-1")
		assert.NoError(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestPermissionsAdminImpliesAll(t *testing.T) {
	store := newTestStore(t)

	err := store.WithWrite(func(tx *Tx) error {
		if err := tx.CreateUser(&types.User{Username: "root", Enabled: true, CreatedAt: time.Now().UTC()}); err != nil {
			return err
		}
		return tx.GrantPermission("root", types.PermAdmin)
	})
	require.NoError(t, err)

	err = store.WithRead(func(tx *Tx) error {
		for _, perm := range []string{types.PermAdmin, types.PermManageChallenges, types.PermManageAgents, types.PermView} {
			ok, err := tx.HasPermission("root", perm)
			require.NoError(t, err)
			assert.True(t, ok, perm)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestUserCredentialFieldsPersist(t *testing.T) {
	store := newTestStore(t)

	err := store.WithWrite(func(tx *Tx) error {
		return tx.CreateUser(&types.User{
			Username:      "alice",
			PasswordHash:  "$2a$10$hash",
			TOTPSecretEnc: []byte{1, 2, 3},
			Enabled:       true,
			CreatedAt:     time.Now().UTC(),
		})
	})
	require.NoError(t, err)

	err = store.WithRead(func(tx *Tx) error {
		u, err := tx.GetUser("alice")
		require.NoError(t, err)
		assert.Equal(t, "$2a$10$hash", u.PasswordHash)
		assert.Equal(t, []byte{1, 2, 3}, u.TOTPSecretEnc)
		return nil
	})
	require.NoError(t, err)
}

func TestResolvePayload(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	err := store.WithWrite(func(tx *Tx) error {
		return tx.PutArtifact(&types.Artifact{
			Hash: "deadbeef", Filename: "flag.wav",
			Size: 4, MediaType: "audio/wav", CreatedAt: now,
		})
	})
	require.NoError(t, err)

	err = store.WithWrite(func(tx *Tx) error {
		cfg := &types.ChallengeConfig{PayloadFile: "flag.wav"}
		require.NoError(t, tx.ResolvePayload(cfg))
		assert.Equal(t, "deadbeef", cfg.PayloadHash)

		// Inline and pre-hashed payloads pass through untouched.
		inline := &types.ChallengeConfig{Payload: "FLAG{cw}"}
		require.NoError(t, tx.ResolvePayload(inline))
		assert.Empty(t, inline.PayloadHash)
		pinned := &types.ChallengeConfig{PayloadFile: "flag.wav", PayloadHash: "cafe0002"}
		require.NoError(t, tx.ResolvePayload(pinned))
		assert.Equal(t, "cafe0002", pinned.PayloadHash)

		err := tx.ResolvePayload(&types.ChallengeConfig{PayloadFile: "missing.wav"})
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestWriterBusyFiresHook(t *testing.T) {
	store := newTestStore(t)

	fired := 0
	prev := OnWriterBusy
	OnWriterBusy = func() { fired++ }
	t.Cleanup(func() { OnWriterBusy = prev })

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.WithWrite(func(tx *Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := store.WithWrite(func(tx *Tx) error { return nil })
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 1, fired)

	close(release)
	require.NoError(t, <-done)
}
