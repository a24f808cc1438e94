package state

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"

	apperrors "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// SaveConflict persists a conflict case keyed by its change ID,
// replacing any earlier case for the same change.
func (s *State) SaveConflict(cc models.ConflictCase) error {
	if cc.ChangeID == "" {
		return fmt.Errorf("conflict case requires a change id")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(conflictsBucket), []byte(cc.ChangeID), cc)
	})
}

// Conflict returns the case for a change.
func (s *State) Conflict(changeID string) (models.ConflictCase, error) {
	var cc models.ConflictCase

	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(conflictsBucket), []byte(changeID), &cc)
		if err != nil {
			return err
		}

		if !found {
			return fmt.Errorf("conflict %s: %w", changeID, apperrors.ErrNotFound)
		}

		return nil
	})

	return cc, err
}

// Conflicts lists open cases for entityType, or for every type when
// entityType is empty, oldest first.
func (s *State) Conflicts(entityType string) ([]models.ConflictCase, error) {
	var out []models.ConflictCase

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conflictsBucket).ForEach(func(_, v []byte) error {
			var cc models.ConflictCase
			if err := json.Unmarshal(v, &cc); err != nil {
				return err
			}

			if entityType == "" || cc.EntityType == entityType {
				out = append(out, cc)
			}

			return nil
		})
	})

	sortConflicts(out)

	return out, err
}

func sortConflicts(cs []models.ConflictCase) {
	slices.SortStableFunc(cs, func(a, b models.ConflictCase) int {
		if c := a.Local.CreatedAt.Compare(b.Local.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.Local.Seq, b.Local.Seq)
	})
}

// DeleteConflict removes a case. Missing cases are ignored.
func (s *State) DeleteConflict(changeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conflictsBucket).Delete([]byte(changeID))
	})
}

// RecordConflict marks the case's change conflicted, applies the remote
// version it collided with and stores the case, all in one transaction.
// A crash can never leave a conflicted record without its case.
func (s *State) RecordConflict(cc models.ConflictCase) (models.ChangeRecord, error) {
	if cc.ChangeID == "" {
		return models.ChangeRecord{}, fmt.Errorf("conflict case requires a change id")
	}

	var rec models.ChangeRecord

	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error

		rec, _, err = s.transition(tx, cc.ChangeID, models.StatusConflicted, func(r *models.ChangeRecord) {
			r.Reason = cc.Reason
		})
		if err != nil {
			return err
		}

		if cc.Remote.EntityID != "" {
			if _, err := applyEntry(tx, cc.Remote); err != nil {
				return err
			}
		}

		cc.Local = rec

		return putJSON(tx.Bucket(conflictsBucket), []byte(cc.ChangeID), cc)
	})

	return rec, err
}
