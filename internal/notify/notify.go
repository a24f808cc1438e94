// Package notify turns sync events into push notifications.
//
// The Dispatcher follows the event bus, asks a Router which users care
// about each event, checks their preferences and hands surviving
// notifications to a Deliverer. Every notification is persisted as a
// PushTask, so delivery resumes after a restart. Delivery is best
// effort: a bounded number of attempts, then the task is marked failed.
package notify

import (
	"context"

	"github.com/alexjbarnes/fieldsync/internal/models"
)

//go:generate mockgen -destination=mock_deliverer_test.go -package=notify . Deliverer,PreferenceStore

// Notification is one message for one user, before it becomes a task.
type Notification struct {
	UserID   string
	Category string
	Title    string
	Body     string
	Metadata map[string]string
}

// Deliverer sends a notification through an external push channel.
// Errors should be *errors.NotificationDeliveryError; other errors are
// treated as retryable.
type Deliverer interface {
	Deliver(ctx context.Context, userID, title, body string, metadata map[string]string) error
}

// PreferenceStore looks up a user's preference for a category. A nil
// preference with a nil error means none is configured.
type PreferenceStore interface {
	Preference(userID, category string) (*models.NotificationPreference, error)
}

// WildcardCategory is a user's fallback preference for categories they
// have not configured individually.
const WildcardCategory = "*"
