package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation a change or delta carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}

	return false
}

// ChangeStatus is the lifecycle state of a ChangeRecord.
type ChangeStatus string

const (
	StatusPending    ChangeStatus = "pending"
	StatusInFlight   ChangeStatus = "in_flight"
	StatusCommitted  ChangeStatus = "committed"
	StatusConflicted ChangeStatus = "conflicted"
	StatusFailed     ChangeStatus = "failed"

	// StatusSuperseded means conflict resolution let the remote version
	// win and the local change was discarded.
	StatusSuperseded ChangeStatus = "superseded"
)

// Terminal reports whether no further transition is possible.
func (s ChangeStatus) Terminal() bool {
	switch s {
	case StatusCommitted, StatusFailed, StatusSuperseded:
		return true
	}

	return false
}

// changeTransitions is the allowed-edge table for ChangeRecord status.
// Repeating the current status is handled separately as a no-op.
var changeTransitions = map[ChangeStatus][]ChangeStatus{
	StatusPending:    {StatusInFlight, StatusCommitted, StatusConflicted, StatusFailed},
	StatusInFlight:   {StatusPending, StatusCommitted, StatusConflicted, StatusFailed},
	StatusConflicted: {StatusCommitted, StatusFailed, StatusSuperseded},
}

// CanTransition reports whether a record may move from s to next.
func (s ChangeStatus) CanTransition(next ChangeStatus) bool {
	for _, allowed := range changeTransitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// ChangeRecord is one locally-originated mutation awaiting remote
// confirmation. Payload, BaseVersion, BaseData and ParentID never
// change after enqueue; Status moves through CanTransition edges and
// the remaining fields record the outcome of the last transition.
type ChangeRecord struct {
	ID          string          `json:"id"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Seq         uint64          `json:"seq"`
	Operation   Operation       `json:"operation"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion int64           `json:"base_version"`
	BaseData    json.RawMessage `json:"base_data,omitempty"`
	ParentID    string          `json:"parent_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Status      ChangeStatus    `json:"status"`
	NewVersion  int64           `json:"new_version,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
}

// Open reports whether the record still blocks later records for the
// same entity.
func (c ChangeRecord) Open() bool {
	return !c.Status.Terminal()
}
