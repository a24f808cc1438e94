package state

import (
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/fieldsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// applyEntry writes entry to the cache when it is newer than the stored
// version. Older or equal versions are ignored, so replays and echoes of
// already-applied writes are no-ops.
func applyEntry(tx *bolt.Tx, entry models.CacheEntry) (bool, error) {
	if err := ensureType(tx, entry.EntityType); err != nil {
		return false, err
	}

	b := tx.Bucket(cacheBucket(entry.EntityType))

	var current models.CacheEntry

	found, err := getJSON(b, []byte(entry.EntityID), &current)
	if err != nil {
		return false, err
	}

	if found && entry.Version <= current.Version {
		return false, nil
	}

	if entry.Deleted {
		entry.Data = nil
	}

	return true, putJSON(b, []byte(entry.EntityID), entry)
}

// ApplyEntry monotonically applies a cache entry, typically the
// authoritative remote version returned with a conflict.
func (s *State) ApplyEntry(entry models.CacheEntry) (bool, error) {
	var applied bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		applied, err = applyEntry(tx, entry)

		return err
	})
	if err != nil {
		return false, fmt.Errorf("applying %s/%s v%d: %w", entry.EntityType, entry.EntityID, entry.Version, err)
	}

	return applied, nil
}

// ApplyDelta monotonically applies a remote delta. With advanceCursor
// the entity type's cursor moves to the delta version in the same
// transaction, so a crash never leaves the cursor ahead of the cache.
// The cursor advances even when the delta itself was already applied.
func (s *State) ApplyDelta(delta models.RemoteDelta, advanceCursor bool) (bool, error) {
	if err := models.ValidateEntityType(delta.EntityType); err != nil {
		return false, err
	}

	id, err := models.NormalizeEntityID(delta.EntityID)
	if err != nil {
		return false, err
	}

	delta.EntityID = id

	var applied bool

	err = s.db.Update(func(tx *bolt.Tx) error {
		var err error

		applied, err = applyEntry(tx, delta.Entry())
		if err != nil {
			return err
		}

		if !advanceCursor {
			return nil
		}

		return s.advanceCursor(tx, delta.EntityType, delta.Version)
	})
	if err != nil {
		return false, fmt.Errorf("applying delta %s/%s v%d: %w", delta.EntityType, delta.EntityID, delta.Version, err)
	}

	return applied, nil
}

func (s *State) advanceCursor(tx *bolt.Tx, entityType string, version int64) error {
	b := tx.Bucket(cursorsBucket)
	cur := models.SyncCursor{EntityType: entityType}

	if _, err := getJSON(b, []byte(entityType), &cur); err != nil {
		return err
	}

	if version > cur.LastAppliedRemoteVersion {
		cur.LastAppliedRemoteVersion = version
	}

	cur.LastSyncedAt = s.now()

	return putJSON(b, []byte(entityType), cur)
}

// MarkSynced stamps the cursor's LastSyncedAt without moving its version.
func (s *State) MarkSynced(entityType string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.advanceCursor(tx, entityType, 0)
	})
}

// Cursor returns the sync cursor for entityType. A type that has never
// synced reports version 0.
func (s *State) Cursor(entityType string) (models.SyncCursor, error) {
	cur := models.SyncCursor{EntityType: entityType}

	err := s.db.View(func(tx *bolt.Tx) error {
		_, err := getJSON(tx.Bucket(cursorsBucket), []byte(entityType), &cur)
		return err
	})

	return cur, err
}

// Entry returns the cached entity, or nil if it has never been seen.
// Tombstones are returned with Deleted set.
func (s *State) Entry(entityType, entityID string) (*models.CacheEntry, error) {
	id, err := models.NormalizeEntityID(entityID)
	if err != nil {
		return nil, err
	}

	var e *models.CacheEntry

	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket(entityType))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		e = &models.CacheEntry{}

		return json.Unmarshal(v, e)
	})

	return e, err
}

// Entries returns all live (non-deleted) cache entries of entityType.
func (s *State) Entries(entityType string) ([]models.CacheEntry, error) {
	var out []models.CacheEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket(entityType))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var e models.CacheEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			if !e.Deleted {
				out = append(out, e)
			}

			return nil
		})
	})

	return out, err
}
