// Package remote defines the contract with the remote authoritative
// store and a websocket implementation of it.
package remote

import (
	"context"
	"encoding/json"

	"github.com/alexjbarnes/fieldsync/internal/models"
)

//go:generate mockgen -destination=mock_transport.go -package=remote . Transport

// PushRequest is one conditional write. ChangeID doubles as the
// idempotency key: the remote must treat a repeated ChangeID as the same
// write and answer with the version it produced the first time.
type PushRequest struct {
	ChangeID    string           `json:"change_id"`
	EntityType  string           `json:"entity_type"`
	EntityID    string           `json:"entity_id"`
	Operation   models.Operation `json:"operation"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	BaseVersion int64            `json:"base_version"`
}

// PushResult is the remote's answer to an accepted push.
type PushResult struct {
	NewVersion int64 `json:"version"`
}

// Transport is the remote store contract.
//
// Push returns *errors.ConflictError when BaseVersion is stale,
// *errors.PermanentRemoteError when the remote will never accept the
// write, and an error wrapping errors.ErrTransient for anything worth
// retrying.
type Transport interface {
	Push(ctx context.Context, req PushRequest) (PushResult, error)
	PullDeltas(ctx context.Context, entityType string, since int64, limit int) ([]models.RemoteDelta, error)
	Probe(ctx context.Context) error
}

// DeltaSource is implemented by transports that also stream remote
// changes as they happen.
type DeltaSource interface {
	Deltas() <-chan models.RemoteDelta
}
