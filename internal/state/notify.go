package state

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

func preferenceKey(userID, category string) []byte {
	return append(append([]byte(userID), 0), category...)
}

// SavePushTask persists a push task keyed by its ID.
func (s *State) SavePushTask(t models.PushTask) error {
	if t.ID == "" {
		return fmt.Errorf("push task requires an id")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(pushTasksBucket), []byte(t.ID), t)
	})
}

// PushTask returns a task by ID.
func (s *State) PushTask(id string) (models.PushTask, error) {
	var t models.PushTask

	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(pushTasksBucket), []byte(id), &t)
		if err != nil {
			return err
		}

		if !found {
			return fmt.Errorf("push task %s: %w", id, apperrors.ErrNotFound)
		}

		return nil
	})

	return t, err
}

// PushTasksByStatus returns every task with the given status.
func (s *State) PushTasksByStatus(status models.PushTaskStatus) ([]models.PushTask, error) {
	var out []models.PushTask

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pushTasksBucket).ForEach(func(_, v []byte) error {
			var t models.PushTask
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}

			if t.Status == status {
				out = append(out, t)
			}

			return nil
		})
	})

	return out, err
}

// AckPushTask records that the recipient acknowledged the task. It has
// no effect on delivery status. Acking twice keeps the first timestamp.
func (s *State) AckPushTask(id string, at time.Time) (models.PushTask, error) {
	var t models.PushTask

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pushTasksBucket)

		found, err := getJSON(b, []byte(id), &t)
		if err != nil {
			return err
		}

		if !found {
			return fmt.Errorf("push task %s: %w", id, apperrors.ErrNotFound)
		}

		if t.AckedAt != nil {
			return nil
		}

		at = at.UTC()
		t.AckedAt = &at

		return putJSON(b, []byte(id), t)
	})

	return t, err
}

// Preference returns the stored preference, or nil if none exists.
func (s *State) Preference(userID, category string) (*models.NotificationPreference, error) {
	var p *models.NotificationPreference

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(preferencesBucket).Get(preferenceKey(userID, category))
		if v == nil {
			return nil
		}

		p = &models.NotificationPreference{}

		return json.Unmarshal(v, p)
	})

	return p, err
}

// SetPreference stores a preference, replacing any existing one.
func (s *State) SetPreference(p models.NotificationPreference) error {
	if p.UserID == "" || p.Category == "" {
		return apperrors.NewValidationError("preference", "user_id and category are required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(preferencesBucket), preferenceKey(p.UserID, p.Category), p)
	})
}
