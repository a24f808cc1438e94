package notify

import (
	"fmt"
	"strconv"

	"github.com/alexjbarnes/fieldsync/internal/eventbus"
	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/tidwall/gjson"
)

// DefaultUserField is the payload path read for recipients when none is
// configured.
const DefaultUserField = "owner_id"

// Category names used by FieldRouter. Remote updates use the entity type
// as their category.
const (
	CategorySyncFailed = "sync_failed"
	CategoryConflict   = "conflict"
)

// Router decides who hears about an event. Returning nothing means the
// event produces no notifications.
type Router interface {
	Route(e eventbus.Event) []Notification
}

// FieldRouter targets the users named in a field of the event payload.
// The field is a gjson path and may hold a string or an array of
// strings.
type FieldRouter struct {
	Field string
}

// NewFieldRouter returns a router reading recipients from field.
func NewFieldRouter(field string) *FieldRouter {
	if field == "" {
		field = DefaultUserField
	}

	return &FieldRouter{Field: field}
}

func (r *FieldRouter) Route(e eventbus.Event) []Notification {
	var category, title, body string

	switch e.Kind {
	case eventbus.KindSyncFailed:
		category = CategorySyncFailed
		title = fmt.Sprintf("Sync failed for %s %s", e.EntityType, e.EntityID)
		body = e.Reason
	case eventbus.KindConflict:
		if e.Outcome != string(models.OutcomeUnresolvable) {
			return nil
		}

		category = CategoryConflict
		title = fmt.Sprintf("Conflict needs review: %s %s", e.EntityType, e.EntityID)
		body = e.Reason
	case eventbus.KindRemoteApplied:
		category = e.EntityType
		title = fmt.Sprintf("%s %s was %sd", e.EntityType, e.EntityID, e.Operation)
	default:
		return nil
	}

	users := r.recipients(e.Payload)
	if len(users) == 0 {
		return nil
	}

	out := make([]Notification, 0, len(users))

	for _, u := range users {
		out = append(out, Notification{
			UserID:   u,
			Category: category,
			Title:    title,
			Body:     body,
			Metadata: eventMetadata(e),
		})
	}

	return out
}

func (r *FieldRouter) recipients(payload []byte) []string {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return nil
	}

	res := gjson.GetBytes(payload, r.Field)
	if !res.Exists() {
		return nil
	}

	seen := make(map[string]bool)

	var users []string

	add := func(v gjson.Result) {
		if v.Type != gjson.String || v.Str == "" || seen[v.Str] {
			return
		}

		seen[v.Str] = true
		users = append(users, v.Str)
	}

	if res.IsArray() {
		for _, v := range res.Array() {
			add(v)
		}
	} else {
		add(res)
	}

	return users
}

func eventMetadata(e eventbus.Event) map[string]string {
	md := map[string]string{
		"kind":        string(e.Kind),
		"entity_type": e.EntityType,
		"entity_id":   e.EntityID,
		"seq":         strconv.FormatUint(e.Seq, 10),
	}

	if e.ChangeID != "" {
		md["change_id"] = e.ChangeID
	}

	if e.Version != 0 {
		md["version"] = strconv.FormatInt(e.Version, 10)
	}

	return md
}
