package models

import "time"

// NotificationPreference is owned by an external preference store and
// only read here. Quiet hours are "HH:MM" in Timezone (UTC if empty); a
// window whose start is after its end wraps midnight.
type NotificationPreference struct {
	UserID          string `json:"user_id" yaml:"user_id"`
	Category        string `json:"category" yaml:"category"`
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	QuietHoursStart string `json:"quiet_hours_start,omitempty" yaml:"quiet_hours_start"`
	QuietHoursEnd   string `json:"quiet_hours_end,omitempty" yaml:"quiet_hours_end"`
	Timezone        string `json:"timezone,omitempty" yaml:"timezone"`
}

// PushTaskStatus is the lifecycle state of a PushTask.
type PushTaskStatus string

const (
	PushQueued     PushTaskStatus = "queued"
	PushSent       PushTaskStatus = "sent"
	PushFailed     PushTaskStatus = "failed"
	PushSuppressed PushTaskStatus = "suppressed"
)

// Terminal reports whether the task will not be attempted again.
func (s PushTaskStatus) Terminal() bool {
	return s == PushSent || s == PushFailed || s == PushSuppressed
}

// PushTask is one outbound notification and its delivery history.
type PushTask struct {
	ID           string            `json:"id"`
	TargetUserID string            `json:"target_user_id"`
	Category     string            `json:"category"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	EventSeq     uint64            `json:"event_seq"`
	Attempt      int               `json:"attempt"`
	Status       PushTaskStatus    `json:"status"`
	NextRetryAt  time.Time         `json:"next_retry_at,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	AckedAt      *time.Time        `json:"acked_at,omitempty"`
}
