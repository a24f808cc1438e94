package notify

import (
	"fmt"
	"time"
	_ "time/tzdata" // preferences name IANA zones; do not depend on the host's zoneinfo

	apperrors "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/models"
)

const clockLayout = "15:04"

func parseClock(s string) (int, error) {
	t, err := time.Parse(clockLayout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}

	return t.Hour()*60 + t.Minute(), nil
}

// ValidatePreference checks that a preference can be evaluated.
func ValidatePreference(p models.NotificationPreference) error {
	if p.UserID == "" {
		return apperrors.NewValidationError("user_id", "required")
	}

	if p.Category == "" {
		return apperrors.NewValidationError("category", "required")
	}

	if (p.QuietHoursStart == "") != (p.QuietHoursEnd == "") {
		return apperrors.NewValidationError("quiet_hours", "start and end must be set together")
	}

	if p.QuietHoursStart != "" {
		if _, err := parseClock(p.QuietHoursStart); err != nil {
			return apperrors.NewValidationError("quiet_hours_start", err.Error())
		}

		if _, err := parseClock(p.QuietHoursEnd); err != nil {
			return apperrors.NewValidationError("quiet_hours_end", err.Error())
		}
	}

	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return apperrors.NewValidationError("timezone", err.Error())
		}
	}

	return nil
}

// InQuietHours reports whether at falls inside p's quiet window, read in
// p's timezone (UTC when unset). The start is inclusive and the end
// exclusive. A window whose end is before its start wraps midnight.
// Equal start and end means no window.
func InQuietHours(p models.NotificationPreference, at time.Time) (bool, error) {
	if p.QuietHoursStart == "" || p.QuietHoursEnd == "" {
		return false, nil
	}

	start, err := parseClock(p.QuietHoursStart)
	if err != nil {
		return false, err
	}

	end, err := parseClock(p.QuietHoursEnd)
	if err != nil {
		return false, err
	}

	loc := time.UTC
	if p.Timezone != "" {
		loc, err = time.LoadLocation(p.Timezone)
		if err != nil {
			return false, err
		}
	}

	local := at.In(loc)
	m := local.Hour()*60 + local.Minute()

	switch {
	case start == end:
		return false, nil
	case start < end:
		return m >= start && m < end, nil
	default:
		return m >= start || m < end, nil
	}
}
