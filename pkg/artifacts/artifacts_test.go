package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrctf/challengectl/pkg/storage"
	"github.com/sdrctf/challengectl/pkg/types"
)

func newTestStore(t *testing.T) (*Store, *storage.Store, string) {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir := t.TempDir()
	s, err := NewStore(dir, db)
	require.NoError(t, err)
	return s, db, dir
}

func TestPutContentAddressed(t *testing.T) {
	s, _, dir := newTestStore(t)
	now := time.Now().UTC()

	payload := "RIFF fake wav payload"
	want := sha256.Sum256([]byte(payload))
	wantHash := hex.EncodeToString(want[:])

	a, err := s.Put(strings.NewReader(payload), "beacon.wav", "audio/wav", now)
	require.NoError(t, err)
	assert.Equal(t, wantHash, a.Hash)
	assert.Equal(t, int64(len(payload)), a.Size)

	// The blob lands at its content address; no temp files linger.
	_, err = os.Stat(filepath.Join(dir, wantHash))
	assert.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPutSameContentTwice(t *testing.T) {
	s, _, dir := newTestStore(t)
	now := time.Now().UTC()

	first, err := s.Put(strings.NewReader("same bytes"), "a.bin", "application/octet-stream", now)
	require.NoError(t, err)
	second, err := s.Put(strings.NewReader("same bytes"), "b.bin", "application/octet-stream", now.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.Hash)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// The newer logical filename resolves to the shared content.
	a, err := s.LookupByFilename("b.bin")
	require.NoError(t, err)
	assert.Equal(t, first.Hash, a.Hash)
}

func TestOpenRoundTrip(t *testing.T) {
	s, _, _ := newTestStore(t)
	now := time.Now().UTC()

	put, err := s.Put(strings.NewReader("hello"), "hello.txt", "text/plain", now)
	require.NoError(t, err)

	f, meta, err := s.Open(put.Hash)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, "hello.txt", meta.Filename)

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestOpenUnknownHash(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, _, err := s.Open("0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteRefusedWhileReferenced(t *testing.T) {
	s, db, dir := newTestStore(t)
	now := time.Now().UTC()

	a, err := s.Put(strings.NewReader("flag payload"), "flag.wav", "audio/wav", now)
	require.NoError(t, err)

	err = db.WithWrite(func(tx *storage.Tx) error {
		return tx.CreateChallenge(&types.Challenge{
			ID: "c1", Name: "fm-voice", Status: types.ChallengeStatusQueued, Enabled: true,
			Config: types.ChallengeConfig{FrequencyHz: 146_550_000, PayloadHash: a.Hash},
		})
	})
	require.NoError(t, err)

	err = s.Delete(a.Hash)
	assert.ErrorIs(t, err, storage.ErrConflict)
	_, err = os.Stat(filepath.Join(dir, a.Hash))
	assert.NoError(t, err)

	// Dropping the challenge unblocks the delete, blob included.
	err = db.WithWrite(func(tx *storage.Tx) error {
		return tx.DeleteChallenge("c1")
	})
	require.NoError(t, err)

	require.NoError(t, s.Delete(a.Hash))
	_, err = s.Lookup(a.Hash)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = os.Stat(filepath.Join(dir, a.Hash))
	assert.True(t, os.IsNotExist(err))
}
