// Package conflict decides what happens when a local change was made
// against a base version the remote store has since moved past.
//
// Resolution is a pure decision: a Strategy inspects the common
// ancestor, the local change and the authoritative remote version and
// returns an outcome. The caller performs all I/O (re-push, cache apply,
// persistence) based on that outcome.
package conflict

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/fieldsync/internal/models"
)

// Case is the input to a strategy.
type Case struct {
	EntityType string
	EntityID   string

	// Base is the snapshot the local change was made against, or nil if
	// the cache did not hold it at enqueue time.
	Base   json.RawMessage
	Local  models.ChangeRecord
	Remote models.CacheEntry
}

// NewCase builds a Case from a conflicted record and the remote version
// it collided with.
func NewCase(local models.ChangeRecord, remote models.CacheEntry) Case {
	return Case{
		EntityType: local.EntityType,
		EntityID:   local.EntityID,
		Base:       local.BaseData,
		Local:      local,
		Remote:     remote,
	}
}

// Resolution is a strategy's decision. Payload and Operation are set
// when the outcome needs a push (ResolvedLocal, Merged).
type Resolution struct {
	Outcome   models.ConflictOutcome
	Operation models.Operation
	Payload   json.RawMessage
	Reason    string
}

// Strategy resolves one conflict. Returning an error is equivalent to
// returning Unresolvable with the error as reason.
type Strategy func(Case) (Resolution, error)

// Resolver picks a strategy per entity type, falling back to a default.
type Resolver struct {
	mu       sync.RWMutex
	fallback Strategy
	byType   map[string]Strategy
	logger   *slog.Logger
}

// NewResolver creates a Resolver. A nil strategy defaults to LastWriterWins.
func NewResolver(fallback Strategy, logger *slog.Logger) *Resolver {
	if fallback == nil {
		fallback = LastWriterWins
	}

	return &Resolver{
		fallback: fallback,
		byType:   make(map[string]Strategy),
		logger:   logger,
	}
}

// Register sets the strategy for one entity type, replacing any earlier one.
func (r *Resolver) Register(entityType string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byType[entityType] = s
}

func (r *Resolver) strategy(entityType string) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.byType[entityType]; ok {
		return s
	}

	return r.fallback
}

// Resolve runs the strategy for c.EntityType and normalizes its result.
// It never fails: strategy errors and malformed resolutions become
// Unresolvable so the conflict is kept for manual review.
func (r *Resolver) Resolve(c Case) Resolution {
	res, err := r.strategy(c.EntityType)(c)
	if err != nil {
		res = Resolution{Outcome: models.OutcomeUnresolvable, Reason: err.Error()}
	}

	res, err = Normalize(c, res)
	if err != nil {
		res = Resolution{Outcome: models.OutcomeUnresolvable, Reason: err.Error()}
	}

	r.logger.Info("conflict resolved",
		slog.String("entity_type", c.EntityType),
		slog.String("entity_id", c.EntityID),
		slog.String("change_id", c.Local.ID),
		slog.Int64("remote_version", c.Remote.Version),
		slog.String("outcome", string(res.Outcome)),
	)

	return res
}

// Normalize fills in the defaults for res and canonicalizes its payload.
// Manual resolutions go through it before they are pushed.
func Normalize(c Case, res Resolution) (Resolution, error) {
	switch res.Outcome {
	case models.OutcomeResolvedRemote, models.OutcomeUnresolvable:
		res.Payload = nil
		res.Operation = ""

		return res, nil

	case models.OutcomeResolvedLocal:
		if res.Operation == "" {
			res.Operation = c.Local.Operation
		}

		if res.Payload == nil && res.Operation != models.OpDelete {
			res.Payload = c.Local.Payload
		}

	case models.OutcomeMerged:
		if res.Operation == "" {
			res.Operation = models.OpUpdate
		}

	default:
		return res, fmt.Errorf("strategy returned unknown outcome %q", res.Outcome)
	}

	payload, err := models.CanonicalPayload(res.Operation, res.Payload)
	if err != nil {
		return res, fmt.Errorf("resolved payload: %w", err)
	}

	res.Payload = payload

	return res, nil
}
