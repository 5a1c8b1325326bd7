package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/sdrctf/challengectl/pkg/log"
	"github.com/sdrctf/challengectl/pkg/storage"
	"github.com/sdrctf/challengectl/pkg/types"
)

// Store is the content-addressed blob store. Blobs live at
// <dir>/<sha256> and are immutable; metadata rows live in the database.
type Store struct {
	dir    string
	db     *storage.Store
	logger zerolog.Logger
}

func NewStore(dir string, db *storage.Store) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &Store{
		dir:    dir,
		db:     db,
		logger: log.WithComponent("artifacts"),
	}, nil
}

// Put streams a blob to a temporary file, hashing while writing, then
// atomically renames it to its content address. Re-uploading an
// existing hash is a no-op on the blob; the metadata row is refreshed
// so a new logical filename may map to the same content.
func (s *Store) Put(r io.Reader, filename, mediaType string, now time.Time) (*types.Artifact, error) {
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write artifact: %w", err)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	final := filepath.Join(s.dir, hash)

	if _, err := os.Stat(final); os.IsNotExist(err) {
		if err := os.Rename(tmpName, final); err != nil {
			return nil, fmt.Errorf("failed to place artifact: %w", err)
		}
	}

	artifact := &types.Artifact{
		Hash:      hash,
		Filename:  filename,
		Size:      size,
		MediaType: mediaType,
		Path:      final,
		CreatedAt: now,
	}
	err = s.db.WithWrite(func(tx *storage.Tx) error {
		return tx.PutArtifact(artifact)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("hash", hash).
		Str("filename", filename).
		Int64("size", size).
		Msg("Artifact stored")

	return artifact, nil
}

// Open returns the blob and its metadata for download. The caller
// closes the file.
func (s *Store) Open(hash string) (*os.File, *types.Artifact, error) {
	var artifact *types.Artifact
	err := s.db.WithRead(func(tx *storage.Tx) error {
		a, err := tx.GetArtifact(hash)
		if err != nil {
			return err
		}
		artifact = a
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(filepath.Join(s.dir, hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("artifact blob %s missing: %w", hash, storage.ErrNotFound)
		}
		return nil, nil, err
	}
	return f, artifact, nil
}

// Lookup resolves metadata without touching the blob.
func (s *Store) Lookup(hash string) (*types.Artifact, error) {
	var artifact *types.Artifact
	err := s.db.WithRead(func(tx *storage.Tx) error {
		a, err := tx.GetArtifact(hash)
		if err != nil {
			return err
		}
		artifact = a
		return nil
	})
	return artifact, err
}

// LookupByFilename resolves the most recent metadata row for a logical
// filename.
func (s *Store) LookupByFilename(name string) (*types.Artifact, error) {
	var artifact *types.Artifact
	err := s.db.WithRead(func(tx *storage.Tx) error {
		a, err := tx.GetArtifactByFilename(name)
		if err != nil {
			return err
		}
		artifact = a
		return nil
	})
	return artifact, err
}

// List returns all artifact metadata.
func (s *Store) List() ([]*types.Artifact, error) {
	var artifacts []*types.Artifact
	err := s.db.WithRead(func(tx *storage.Tx) error {
		as, err := tx.ListArtifacts()
		if err != nil {
			return err
		}
		artifacts = as
		return nil
	})
	return artifacts, err
}

// Delete removes the metadata row and the blob. Refused while any
// challenge configuration still references the hash.
func (s *Store) Delete(hash string) error {
	err := s.db.WithWrite(func(tx *storage.Tx) error {
		return tx.DeleteArtifact(hash)
	})
	if err != nil {
		return err
	}

	if err := os.Remove(filepath.Join(s.dir, hash)); err != nil && !os.IsNotExist(err) {
		// Metadata is gone; an orphaned blob is harmless and will be
		// overwritten on re-upload.
		s.logger.Warn().Str("hash", hash).Err(err).Msg("Failed to remove artifact blob")
	}
	return nil
}
