package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is the authoritative local snapshot of one entity. Each
// apply writes a new value; Version never decreases. Deleted entities
// are kept as tombstones so their version keeps advancing.
type CacheEntry struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Version    int64           `json:"version"`
	Data       json.RawMessage `json:"data,omitempty"`
	Deleted    bool            `json:"deleted,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// SyncCursor tracks how far remote deltas for an entity type have been
// applied locally.
type SyncCursor struct {
	EntityType               string    `json:"entity_type"`
	LastAppliedRemoteVersion int64     `json:"last_applied_remote_version"`
	LastSyncedAt             time.Time `json:"last_synced_at"`
}

// RemoteDelta is one remote-originated change, either pulled during
// reconciliation or pushed over the subscription channel.
type RemoteDelta struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Version    int64           `json:"version"`
	Operation  Operation       `json:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Entry converts the delta into the cache entry it produces.
func (d RemoteDelta) Entry() CacheEntry {
	e := CacheEntry{
		EntityType: d.EntityType,
		EntityID:   d.EntityID,
		Version:    d.Version,
		Deleted:    d.Operation == OpDelete,
		UpdatedAt:  d.UpdatedAt,
	}
	if !e.Deleted {
		e.Data = d.Payload
	}

	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}

	return e
}

// Resolution outcomes for a ConflictCase.
type ConflictOutcome string

const (
	OutcomeResolvedLocal  ConflictOutcome = "resolved_local"
	OutcomeResolvedRemote ConflictOutcome = "resolved_remote"
	OutcomeMerged         ConflictOutcome = "merged"
	OutcomeUnresolvable   ConflictOutcome = "unresolvable"
)

// NeedsPush reports whether the outcome carries a payload that must be
// pushed again on top of the remote version.
func (o ConflictOutcome) NeedsPush() bool {
	return o == OutcomeResolvedLocal || o == OutcomeMerged
}

// ConflictCase pairs a change whose base went stale with the remote
// version it collided with. Persisted until resolved so unresolvable
// cases survive restarts.
type ConflictCase struct {
	ChangeID   string          `json:"change_id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Base       json.RawMessage `json:"base,omitempty"`
	Local      ChangeRecord    `json:"local"`
	Remote     CacheEntry      `json:"remote"`
	Outcome    ConflictOutcome `json:"outcome"`
	Operation  Operation       `json:"operation,omitempty"`
	Resolved   json.RawMessage `json:"resolved,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
