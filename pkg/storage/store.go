package storage

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// OnWriterBusy fires each time a write is rejected on the acquisition
// timeout. The metrics package binds it to a counter; rebinding after
// startup is not synchronized.
var OnWriterBusy = func() {}

var (
	// Bucket names
	bucketAgents           = []byte("agents")
	bucketChallenges       = []byte("challenges")
	bucketTransmissions    = []byte("transmissions")
	bucketArtifacts        = []byte("artifacts")
	bucketEnrollmentTokens = []byte("enrollment_tokens")
	bucketSessions         = []byte("sessions")
	bucketUsers            = []byte("users")
	bucketUserPermissions  = []byte("user_permissions")
	bucketProvisioningKeys = []byte("provisioning_api_keys")
	bucketRecAssignments   = []byte("recording_assignments")
	bucketRecordings       = []byte("recordings")
	bucketSystem           = []byte("system")
)

// writerTimeout bounds how long a caller waits for the exclusive writer
// before WithWrite fails with ErrBusy.
const writerTimeout = 5 * time.Second

// Store is the single durable home of controller state. One exclusive
// writer, many concurrent readers; every invariant is enforced inside
// WithWrite.
type Store struct {
	db   *bolt.DB
	gate chan struct{}
}

// Tx is a typed view over one bolt transaction. All entity accessors hang
// off it so a procedure can touch several entities atomically.
type Tx struct {
	btx      *bolt.Tx
	writable bool
}

// Open opens (or creates) the database file in dataDir and ensures all
// buckets exist.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "challengectl.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: writerTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketAgents,
			bucketChallenges,
			bucketTransmissions,
			bucketArtifacts,
			bucketEnrollmentTokens,
			bucketSessions,
			bucketUsers,
			bucketUserPermissions,
			bucketProvisioningKeys,
			bucketRecAssignments,
			bucketRecordings,
			bucketSystem,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	gate := make(chan struct{}, 1)
	gate <- struct{}{}
	return &Store{db: db, gate: gate}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// WithWrite runs fn inside the exclusive write transaction. fn runs to
// completion or the entire effect is rolled back; concurrent callers
// serialize on the writer gate and fail with ErrBusy after the acquisition
// timeout.
func (s *Store) WithWrite(fn func(*Tx) error) error {
	select {
	case <-s.gate:
	case <-time.After(writerTimeout):
		OnWriterBusy()
		return ErrBusy
	}
	defer func() { s.gate <- struct{}{} }()

	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx, writable: true})
	})
}

// WithRead runs fn inside a read-only transaction. Readers run concurrently
// with each other and with the writer; they may observe state from
// immediately before a concurrent writer committed.
func (s *Store) WithRead(fn func(*Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// itob returns an 8-byte big-endian representation of v, so sequence keys
// sort chronologically.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
