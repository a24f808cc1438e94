package state

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	apperrors "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Enqueue validates and durably appends a local change. The returned
// record is persisted before Enqueue returns. BaseData is captured from
// the cache when it holds expectedBaseVersion, and ParentID links the
// record to the latest still-open record for the same entity.
func (s *State) Enqueue(entityType, entityID string, op models.Operation, payload []byte, expectedBaseVersion int64) (models.ChangeRecord, error) {
	if err := models.ValidateEntityType(entityType); err != nil {
		return models.ChangeRecord{}, err
	}

	entityID, err := models.NormalizeEntityID(entityID)
	if err != nil {
		return models.ChangeRecord{}, err
	}

	canonical, err := models.CanonicalPayload(op, payload)
	if err != nil {
		return models.ChangeRecord{}, err
	}

	if expectedBaseVersion < 0 {
		return models.ChangeRecord{}, apperrors.NewValidationError("base_version", "must not be negative")
	}

	now := s.now()
	rec := models.ChangeRecord{
		ID:          uuid.NewString(),
		EntityType:  entityType,
		EntityID:    entityID,
		Operation:   op,
		Payload:     canonical,
		BaseVersion: expectedBaseVersion,
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      models.StatusPending,
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := ensureType(tx, entityType); err != nil {
			return err
		}

		changes := tx.Bucket(changesBucket(entityType))
		open := tx.Bucket(openBucket(entityType))

		seq, err := changes.NextSequence()
		if err != nil {
			return err
		}

		rec.Seq = seq

		var cached models.CacheEntry

		found, err := getJSON(tx.Bucket(cacheBucket(entityType)), []byte(entityID), &cached)
		if err != nil {
			return err
		}

		if found && cached.Version == expectedBaseVersion && !cached.Deleted {
			rec.BaseData = cached.Data
		}

		if parent := lastOpenSeq(open, entityID); parent != 0 {
			var p models.ChangeRecord
			if _, err := getJSON(changes, seqKey(parent), &p); err != nil {
				return err
			}

			rec.ParentID = p.ID
		}

		if err := putJSON(changes, seqKey(seq), rec); err != nil {
			return err
		}

		if err := open.Put(openKey(entityID, seq), nil); err != nil {
			return err
		}

		return tx.Bucket(changeIDsBucket).Put([]byte(rec.ID), changeRef(entityType, seq))
	})
	if err != nil {
		return models.ChangeRecord{}, fmt.Errorf("enqueueing change: %w", err)
	}

	return rec, nil
}

func lastOpenSeq(open *bolt.Bucket, entityID string) uint64 {
	prefix := entityPrefix(entityID)

	var last uint64

	c := open.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		last = seqFromOpenKey(k)
	}

	return last
}

func seqFromOpenKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(k)-8:])
}

// Drain returns up to limit Pending or InFlight records for entityType,
// oldest first. InFlight records are included because a crash or
// cancellation can leave them unacknowledged; they are pushed again
// under the same change ID.
func (s *State) Drain(entityType string, limit int) ([]models.ChangeRecord, error) {
	return s.DrainAfter(entityType, 0, limit)
}

// DrainAfter is Drain restricted to records with Seq greater than afterSeq.
func (s *State) DrainAfter(entityType string, afterSeq uint64, limit int) ([]models.ChangeRecord, error) {
	var out []models.ChangeRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		open := tx.Bucket(openBucket(entityType))
		changes := tx.Bucket(changesBucket(entityType))

		if open == nil || changes == nil {
			return nil
		}

		var seqs []uint64

		err := open.ForEach(func(k, _ []byte) error {
			if seq := seqFromOpenKey(k); seq > afterSeq {
				seqs = append(seqs, seq)
			}

			return nil
		})
		if err != nil {
			return err
		}

		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

		for _, seq := range seqs {
			if limit > 0 && len(out) >= limit {
				break
			}

			var rec models.ChangeRecord
			if _, err := getJSON(changes, seqKey(seq), &rec); err != nil {
				return err
			}

			if rec.Status == models.StatusPending || rec.Status == models.StatusInFlight {
				out = append(out, rec)
			}
		}

		return nil
	})

	return out, err
}

// Outstanding returns every non-terminal record for one entity in
// queue order.
func (s *State) Outstanding(entityType, entityID string) ([]models.ChangeRecord, error) {
	var out []models.ChangeRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = outstanding(tx, entityType, entityID)

		return err
	})

	return out, err
}

func outstanding(tx *bolt.Tx, entityType, entityID string) ([]models.ChangeRecord, error) {
	open := tx.Bucket(openBucket(entityType))
	changes := tx.Bucket(changesBucket(entityType))

	if open == nil || changes == nil {
		return nil, nil
	}

	prefix := entityPrefix(entityID)

	var out []models.ChangeRecord

	c := open.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		var rec models.ChangeRecord
		if _, err := getJSON(changes, seqKey(seqFromOpenKey(k)), &rec); err != nil {
			return nil, err
		}

		out = append(out, rec)
	}

	return out, nil
}

// EntityBlocked reports whether the entity has a Conflicted record that
// has not been settled. Later records for a blocked entity must wait.
func (s *State) EntityBlocked(entityType, entityID string) (bool, error) {
	recs, err := s.Outstanding(entityType, entityID)
	if err != nil {
		return false, err
	}

	for _, r := range recs {
		if r.Status == models.StatusConflicted {
			return true, nil
		}
	}

	return false, nil
}

// Change returns the record with the given ID.
func (s *State) Change(id string) (models.ChangeRecord, error) {
	var rec models.ChangeRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, _, err = loadChange(tx, id)

		return err
	})

	return rec, err
}

func loadChange(tx *bolt.Tx, id string) (models.ChangeRecord, *bolt.Bucket, error) {
	var rec models.ChangeRecord

	ref := tx.Bucket(changeIDsBucket).Get([]byte(id))
	if ref == nil {
		return rec, nil, fmt.Errorf("change %s: %w", id, apperrors.ErrNotFound)
	}

	entityType, seq, err := parseChangeRef(ref)
	if err != nil {
		return rec, nil, err
	}

	changes := tx.Bucket(changesBucket(entityType))

	found, err := getJSON(changes, seqKey(seq), &rec)
	if err != nil {
		return rec, nil, err
	}

	if !found {
		return rec, nil, fmt.Errorf("change %s: %w", id, apperrors.ErrNotFound)
	}

	return rec, changes, nil
}

// transition moves a record to next inside tx. Repeating the current
// status is a no-op and reports false. Edges outside the allowed table
// fail with ErrInvalidTransition.
func (s *State) transition(tx *bolt.Tx, id string, next models.ChangeStatus, mutate func(*models.ChangeRecord)) (models.ChangeRecord, bool, error) {
	rec, changes, err := loadChange(tx, id)
	if err != nil {
		return rec, false, err
	}

	if rec.Status == next {
		return rec, false, nil
	}

	if !rec.Status.CanTransition(next) {
		return rec, false, fmt.Errorf("change %s %s -> %s: %w", id, rec.Status, next, apperrors.ErrInvalidTransition)
	}

	rec.Status = next
	rec.UpdatedAt = s.now()

	if mutate != nil {
		mutate(&rec)
	}

	if err := putJSON(changes, seqKey(rec.Seq), rec); err != nil {
		return rec, false, err
	}

	if next.Terminal() {
		if err := tx.Bucket(openBucket(rec.EntityType)).Delete(openKey(rec.EntityID, rec.Seq)); err != nil {
			return rec, false, err
		}
	}

	return rec, true, nil
}

func (s *State) mark(id string, next models.ChangeStatus, mutate func(*models.ChangeRecord)) (models.ChangeRecord, error) {
	var rec models.ChangeRecord

	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		rec, _, err = s.transition(tx, id, next, mutate)

		return err
	})

	return rec, err
}

// MarkInFlight records that a push for the change is about to start.
func (s *State) MarkInFlight(id string) (models.ChangeRecord, error) {
	return s.mark(id, models.StatusInFlight, func(r *models.ChangeRecord) {
		r.Attempts++
		r.Reason = ""
	})
}

// MarkPending returns an in-flight record to the queue after a
// transient failure or cancellation.
func (s *State) MarkPending(id, reason string) (models.ChangeRecord, error) {
	return s.mark(id, models.StatusPending, func(r *models.ChangeRecord) {
		r.Reason = reason
	})
}

// MarkCommitted records remote acceptance without touching the cache.
// The sync path uses CommitChange instead.
func (s *State) MarkCommitted(id string, newVersion int64) (models.ChangeRecord, error) {
	return s.mark(id, models.StatusCommitted, func(r *models.ChangeRecord) {
		r.NewVersion = newVersion
		r.Reason = ""
	})
}

// MarkFailed records a permanent rejection.
func (s *State) MarkFailed(id, reason string) (models.ChangeRecord, error) {
	return s.mark(id, models.StatusFailed, func(r *models.ChangeRecord) {
		r.Reason = reason
	})
}

// MarkConflicted records that the pushed base version was stale.
func (s *State) MarkConflicted(id, reason string) (models.ChangeRecord, error) {
	return s.mark(id, models.StatusConflicted, func(r *models.ChangeRecord) {
		r.Reason = reason
	})
}

// MarkSuperseded discards a conflicted change in favour of the remote
// version and removes its conflict case.
func (s *State) MarkSuperseded(id, reason string) (models.ChangeRecord, error) {
	var rec models.ChangeRecord

	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error

		rec, _, err = s.transition(tx, id, models.StatusSuperseded, func(r *models.ChangeRecord) {
			r.Reason = reason
		})
		if err != nil {
			return err
		}

		return tx.Bucket(conflictsBucket).Delete([]byte(id))
	})

	return rec, err
}

// CommitChange marks the change committed and applies entry to the
// cache in one transaction, so every committed record maps to exactly
// one cache version transition. pushedBase is the base version the push
// was made against; a second commit for the same entity and base is a
// no-op. Any conflict case held for the change is removed.
func (s *State) CommitChange(id string, entry models.CacheEntry, pushedBase int64) (models.ChangeRecord, error) {
	var rec models.ChangeRecord

	err := s.db.Update(func(tx *bolt.Tx) error {
		current, _, err := loadChange(tx, id)
		if err != nil {
			return err
		}

		if current.Status == models.StatusCommitted {
			rec = current
			return nil
		}

		applied := tx.Bucket(appliedBucket(current.EntityType))
		key := appliedKey(current.EntityID, pushedBase)

		if applied.Get(key) == nil {
			if _, err := applyEntry(tx, entry); err != nil {
				return err
			}

			if err := applied.Put(key, []byte(id)); err != nil {
				return err
			}
		}

		rec, _, err = s.transition(tx, id, models.StatusCommitted, func(r *models.ChangeRecord) {
			r.NewVersion = entry.Version
			r.Reason = ""
		})
		if err != nil {
			return err
		}

		return tx.Bucket(conflictsBucket).Delete([]byte(id))
	})

	return rec, err
}

// Stats counts records per status for one entity type.
func (s *State) Stats(entityType string) (map[models.ChangeStatus]int, error) {
	counts := make(map[models.ChangeStatus]int)

	err := s.db.View(func(tx *bolt.Tx) error {
		changes := tx.Bucket(changesBucket(entityType))
		if changes == nil {
			return nil
		}

		return changes.ForEach(func(_, v []byte) error {
			var rec struct {
				Status models.ChangeStatus `json:"status"`
			}
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			counts[rec.Status]++

			return nil
		})
	})

	return counts, err
}

// PurgeTerminal deletes terminal records of entityType last updated
// before cutoff, along with their ID and dedup index entries. A record
// still named as ParentID by an open record is kept: its NewVersion is
// the base the child will be pushed against.
func (s *State) PurgeTerminal(entityType string, cutoff time.Time) (int, error) {
	purged := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		changes := tx.Bucket(changesBucket(entityType))
		if changes == nil {
			return nil
		}

		type candidate struct {
			key []byte
			id  string
		}

		var candidates []candidate

		parents := make(map[string]struct{})

		err := changes.ForEach(func(k, v []byte) error {
			var rec models.ChangeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			switch {
			case !rec.Status.Terminal():
				if rec.ParentID != "" {
					parents[rec.ParentID] = struct{}{}
				}
			case rec.UpdatedAt.Before(cutoff):
				candidates = append(candidates, candidate{key: bytes.Clone(k), id: rec.ID})
			}

			return nil
		})
		if err != nil {
			return err
		}

		ids := make(map[string]struct{})

		var keys [][]byte

		for _, c := range candidates {
			if _, held := parents[c.id]; held {
				continue
			}

			keys = append(keys, c.key)
			ids[c.id] = struct{}{}
		}

		changeIDs := tx.Bucket(changeIDsBucket)
		for id := range ids {
			if err := changeIDs.Delete([]byte(id)); err != nil {
				return err
			}
		}

		for _, k := range keys {
			if err := changes.Delete(k); err != nil {
				return err
			}
		}

		applied := tx.Bucket(appliedBucket(entityType))

		var stale [][]byte

		err = applied.ForEach(func(k, v []byte) error {
			if _, ok := ids[string(v)]; ok {
				stale = append(stale, bytes.Clone(k))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := applied.Delete(k); err != nil {
				return err
			}
		}

		purged = len(keys)

		return nil
	})

	return purged, err
}
