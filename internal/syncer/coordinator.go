// Package syncer drives offline-first reconciliation between the local
// change queue and the remote store.
//
// Each entity type gets its own worker goroutine. A worker owns every
// push, pull and cache apply for its type, so Draining and Reconciling
// never interleave within a type while unrelated types sync in parallel.
// Callers talk to workers through channels: kicks start a pass, jobs run
// serialized work such as manual conflict resolution, and pushed remote
// deltas share the same apply path as pulled ones.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/conflict"
	apperrors "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/eventbus"
	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/alexjbarnes/fieldsync/internal/remote"
	"github.com/alexjbarnes/fieldsync/internal/state"
)

const (
	defaultBatchSize     = 100
	defaultRemoteTimeout = 30 * time.Second
	defaultMaxRebase     = 3
	defaultPurgeEvery    = time.Hour
	defaultBackoffMin    = time.Second
	defaultBackoffMax    = 60 * time.Second
)

// Config tunes the coordinator. Zero values fall back to defaults.
type Config struct {
	// EntityTypes are started eagerly. Types seen later through Enqueue
	// or pushed deltas get a worker on demand.
	EntityTypes []string

	BatchSize     int
	Interval      time.Duration
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	RemoteTimeout time.Duration

	// MaxRebase bounds how many times one conflicted change is re-resolved
	// and re-pushed in a single pass.
	MaxRebase int

	// PurgeAfter removes terminal change records older than this. Zero
	// keeps them forever.
	PurgeAfter time.Duration
	PurgeEvery time.Duration
}

// TypeStatus is a point-in-time view of one entity type's sync state.
type TypeStatus struct {
	EntityType string                      `json:"entity_type"`
	Phase      Phase                       `json:"phase"`
	Online     bool                        `json:"online"`
	Cursor     models.SyncCursor           `json:"cursor"`
	Counts     map[models.ChangeStatus]int `json:"counts"`
}

// Coordinator owns the per-type workers.
type Coordinator struct {
	cfg       Config
	store     *state.State
	transport remote.Transport
	resolver  *conflict.Resolver
	bus       *eventbus.Bus
	logger    *slog.Logger

	online atomic.Bool

	mu      sync.Mutex
	workers map[string]*worker
	runCtx  context.Context
	stopped bool
	wg      sync.WaitGroup
}

// New creates a Coordinator and a worker for every configured and
// previously persisted entity type. Workers start when Run is called.
func New(cfg Config, store *state.State, transport remote.Transport, resolver *conflict.Resolver, bus *eventbus.Bus, logger *slog.Logger) (*Coordinator, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = defaultRemoteTimeout
	}

	if cfg.MaxRebase <= 0 {
		cfg.MaxRebase = defaultMaxRebase
	}

	if cfg.PurgeEvery <= 0 {
		cfg.PurgeEvery = defaultPurgeEvery
	}

	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = defaultBackoffMin
	}

	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}

	if resolver == nil {
		resolver = conflict.NewResolver(nil, logger)
	}

	c := &Coordinator{
		cfg:       cfg,
		store:     store,
		transport: transport,
		resolver:  resolver,
		bus:       bus,
		logger:    logger,
		workers:   make(map[string]*worker),
	}
	c.online.Store(true)

	persisted, err := store.Types()
	if err != nil {
		return nil, err
	}

	for _, t := range slices.Concat(cfg.EntityTypes, persisted) {
		if _, err := c.worker(t); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Run starts every worker and blocks until ctx is cancelled. It kicks
// all types on start so records left Pending or InFlight by a previous
// process resume immediately.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.runCtx != nil {
		c.mu.Unlock()
		return errors.New("coordinator already running")
	}

	c.runCtx = ctx
	for _, w := range c.workers {
		c.start(w)
	}
	c.mu.Unlock()

	c.logger.Info("sync coordinator started", slog.Int("types", len(c.Types())))
	c.TriggerAll()

	var tick <-chan time.Time
	if c.cfg.Interval > 0 {
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var purge <-chan time.Time
	if c.cfg.PurgeAfter > 0 {
		ticker := time.NewTicker(c.cfg.PurgeEvery)
		defer ticker.Stop()
		purge = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.stopped = true
			c.mu.Unlock()
			c.wg.Wait()
			c.logger.Info("sync coordinator stopped")

			return nil
		case <-tick:
			c.TriggerAll()
		case <-purge:
			c.purge()
		}
	}
}

// start launches w's goroutine. Caller holds c.mu.
func (c *Coordinator) start(w *worker) {
	if c.runCtx == nil || c.stopped {
		return
	}

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		w.run(c.runCtx)
	}()
}

// worker returns the worker for entityType, creating and starting it
// when the type is new.
func (c *Coordinator) worker(entityType string) (*worker, error) {
	if err := models.ValidateEntityType(entityType); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.workers[entityType]; ok {
		return w, nil
	}

	if err := c.store.RegisterType(entityType); err != nil {
		return nil, err
	}

	w := newWorker(c, entityType)
	c.workers[entityType] = w
	c.start(w)

	return w, nil
}

func (c *Coordinator) snapshot() []*worker {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Collect(maps.Values(c.workers))
}

// Types lists the entity types with a worker, sorted.
func (c *Coordinator) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Sorted(maps.Keys(c.workers))
}

// Enqueue records a local mutation and kicks its entity type's worker.
// The record is durable when Enqueue returns.
func (c *Coordinator) Enqueue(entityType, entityID string, op models.Operation, payload []byte, expectedBaseVersion int64) (models.ChangeRecord, error) {
	w, err := c.worker(entityType)
	if err != nil {
		return models.ChangeRecord{}, err
	}

	rec, err := c.store.Enqueue(entityType, entityID, op, payload, expectedBaseVersion)
	if err != nil {
		return rec, err
	}

	w.kick()

	return rec, nil
}

// Trigger asks the worker for entityType to run a pass soon.
func (c *Coordinator) Trigger(entityType string) error {
	w, err := c.worker(entityType)
	if err != nil {
		return err
	}

	w.kick()

	return nil
}

// TriggerAll kicks every worker.
func (c *Coordinator) TriggerAll() {
	for _, w := range c.snapshot() {
		w.kick()
	}
}

// SyncNow runs a full pass for entityType and waits for it. A worker
// that is Offline tries again immediately.
func (c *Coordinator) SyncNow(ctx context.Context, entityType string) error {
	w, err := c.worker(entityType)
	if err != nil {
		return err
	}

	return w.do(ctx, func(ctx context.Context) error {
		return w.runPass(ctx, true)
	})
}

// SetOnline records transport connectivity. Going online resumes every
// Offline worker with a full pass; going offline parks workers at their
// next pass.
func (c *Coordinator) SetOnline(online bool) {
	prev := c.online.Swap(online)
	if prev != online {
		c.logger.Info("connectivity changed", slog.Bool("online", online))
	}

	for _, w := range c.snapshot() {
		if online {
			w.resume()
		} else {
			w.kick()
		}
	}
}

// Online reports the last connectivity state given to SetOnline.
func (c *Coordinator) Online() bool {
	return c.online.Load()
}

// Phase returns the current phase of entityType's worker. Unknown types
// are Idle.
func (c *Coordinator) Phase(entityType string) Phase {
	c.mu.Lock()
	w, ok := c.workers[entityType]
	c.mu.Unlock()

	if !ok {
		return PhaseIdle
	}

	return w.Phase()
}

// Status summarizes entityType's queue, cursor and phase.
func (c *Coordinator) Status(entityType string) (TypeStatus, error) {
	if err := models.ValidateEntityType(entityType); err != nil {
		return TypeStatus{}, err
	}

	cur, err := c.store.Cursor(entityType)
	if err != nil {
		return TypeStatus{}, err
	}

	counts, err := c.store.Stats(entityType)
	if err != nil {
		return TypeStatus{}, err
	}

	return TypeStatus{
		EntityType: entityType,
		Phase:      c.Phase(entityType),
		Online:     c.Online(),
		Cursor:     cur,
		Counts:     counts,
	}, nil
}

// SubmitRemote hands a pushed remote delta to its type's worker.
func (c *Coordinator) SubmitRemote(delta models.RemoteDelta) error {
	w, err := c.worker(delta.EntityType)
	if err != nil {
		return err
	}

	w.submit(delta)

	return nil
}

// ResolveConflict applies a manual resolution to a held conflict case
// and pushes the result. It runs on the entity type's worker, between
// passes. Unresolvable is rejected as a resolution.
func (c *Coordinator) ResolveConflict(ctx context.Context, changeID string, res conflict.Resolution) error {
	cc, err := c.store.Conflict(changeID)
	if err != nil {
		return err
	}

	if res.Outcome == models.OutcomeUnresolvable || res.Outcome == "" {
		return apperrors.NewValidationError("outcome", "must be resolved_local, resolved_remote or merged")
	}

	w, err := c.worker(cc.EntityType)
	if err != nil {
		return err
	}

	return w.do(ctx, func(ctx context.Context) error {
		return w.resolveManually(ctx, changeID, res)
	})
}

func (c *Coordinator) purge() {
	cutoff := time.Now().Add(-c.cfg.PurgeAfter)

	for _, t := range c.Types() {
		n, err := c.store.PurgeTerminal(t, cutoff)
		if err != nil {
			c.logger.Warn("purging terminal changes failed",
				slog.String("entity_type", t),
				slog.String("error", err.Error()),
			)

			continue
		}

		if n > 0 {
			c.logger.Info("purged terminal changes",
				slog.String("entity_type", t),
				slog.Int("count", n),
			)
		}
	}
}
