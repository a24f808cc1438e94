package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	schemaVersion = "1"
)

var (
	metaBucket        = []byte("meta")
	typesBucket       = []byte("types")
	changeIDsBucket   = []byte("change_ids")
	cursorsBucket     = []byte("cursors")
	conflictsBucket   = []byte("conflicts")
	pushTasksBucket   = []byte("push_tasks")
	preferencesBucket = []byte("preferences")

	schemaKey = []byte("schema")
)

func changesBucket(entityType string) []byte { return []byte("changes:" + entityType) }
func openBucket(entityType string) []byte    { return []byte("open:" + entityType) }
func cacheBucket(entityType string) []byte   { return []byte("cache:" + entityType) }
func appliedBucket(entityType string) []byte { return []byte("applied:" + entityType) }

// seqKey encodes a sequence number so byte order matches numeric order.
func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)

	return k
}

// entityPrefix is the key prefix shared by all index entries of one
// entity. Entity IDs never contain NUL.
func entityPrefix(entityID string) []byte {
	return append([]byte(entityID), 0)
}

func openKey(entityID string, seq uint64) []byte {
	return append(entityPrefix(entityID), seqKey(seq)...)
}

func appliedKey(entityID string, baseVersion int64) []byte {
	return append(entityPrefix(entityID), seqKey(uint64(baseVersion))...)
}

// changeRef locates a change record from its ID.
func changeRef(entityType string, seq uint64) []byte {
	return append(append([]byte(entityType), 0), seqKey(seq)...)
}

func parseChangeRef(v []byte) (string, uint64, error) {
	if len(v) < 9 || v[len(v)-9] != 0 {
		return "", 0, fmt.Errorf("malformed change reference %q", v)
	}

	return string(v[:len(v)-9]), binary.BigEndian.Uint64(v[len(v)-8:]), nil
}

// State wraps a bbolt database for all persistent sync and notification
// state. Reads run in bbolt read transactions, which see a consistent
// snapshot and never block writers.
type State struct {
	db  *bolt.DB
	now func() time.Time
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			metaBucket, typesBucket, changeIDsBucket, cursorsBucket,
			conflictsBucket, pushTasksBucket, preferencesBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		meta := tx.Bucket(metaBucket)
		if v := meta.Get(schemaKey); v != nil && string(v) != schemaVersion {
			return fmt.Errorf("unsupported schema version %q", v)
		}

		return meta.Put(schemaKey, []byte(schemaVersion))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// RegisterType creates the per-type buckets for entityType.
func (s *State) RegisterType(entityType string) error {
	if err := models.ValidateEntityType(entityType); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return ensureType(tx, entityType)
	})
}

// Types returns every registered entity type in sorted order.
func (s *State) Types() ([]string, error) {
	var types []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(typesBucket).ForEach(func(k, _ []byte) error {
			types = append(types, string(k))
			return nil
		})
	})

	sort.Strings(types)

	return types, err
}

func ensureType(tx *bolt.Tx, entityType string) error {
	if err := tx.Bucket(typesBucket).Put([]byte(entityType), nil); err != nil {
		return err
	}

	for _, name := range [][]byte{
		changesBucket(entityType), openBucket(entityType),
		cacheBucket(entityType), appliedBucket(entityType),
	} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}

	return nil
}

func getJSON(b *bolt.Bucket, key []byte, v any) (bool, error) {
	if b == nil {
		return false, nil
	}

	data := b.Get(key)
	if data == nil {
		return false, nil
	}

	return true, json.Unmarshal(data, v)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return b.Put(key, data)
}
