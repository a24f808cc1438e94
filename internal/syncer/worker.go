package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/conflict"
	apperrors "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/eventbus"
	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/alexjbarnes/fieldsync/internal/remote"
)

const (
	// remoteQueueSize is the per-type buffer for pushed deltas. Overflow
	// is dropped; the next pull closes the gap.
	remoteQueueSize = 256

	// maxDeferredPerEntity bounds deltas held for an entity with open
	// local records. The oldest are dropped since later versions
	// supersede them.
	maxDeferredPerEntity = 64
)

var (
	errOffline       = errors.New("remote offline")
	errEntityBlocked = errors.New("entity blocked by unresolved conflict")
)

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// worker serializes all sync work for one entity type.
type worker struct {
	c          *Coordinator
	entityType string
	logger     *slog.Logger

	kickCh   chan struct{}
	resumeCh chan struct{}
	jobs     chan job
	remoteCh chan models.RemoteDelta
	stopped  chan struct{}

	mu    sync.RWMutex
	phase Phase

	// Owned by the run goroutine.
	backoff  *backoff
	retry    *time.Timer
	retryC   <-chan time.Time
	deferred map[string][]models.RemoteDelta
}

func newWorker(c *Coordinator, entityType string) *worker {
	return &worker{
		c:          c,
		entityType: entityType,
		logger:     c.logger.With(slog.String("entity_type", entityType)),
		kickCh:     make(chan struct{}, 1),
		resumeCh:   make(chan struct{}, 1),
		jobs:       make(chan job),
		remoteCh:   make(chan models.RemoteDelta, remoteQueueSize),
		stopped:    make(chan struct{}),
		phase:      PhaseIdle,
		backoff:    newBackoff(c.cfg.BackoffMin, c.cfg.BackoffMax),
		deferred:   make(map[string][]models.RemoteDelta),
	}
}

func (w *worker) run(ctx context.Context) {
	defer close(w.stopped)
	defer w.stopRetry()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kickCh:
			_ = w.runPass(ctx, false)
		case <-w.resumeCh:
			_ = w.runPass(ctx, true)
		case <-w.retryC:
			w.retryC = nil
			w.onRetry(ctx)
		case d := <-w.remoteCh:
			w.applyRemote(d)
		case j := <-w.jobs:
			j.done <- w.runJob(ctx, j)
		}
	}
}

func (w *worker) runJob(runCtx context.Context, j job) error {
	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()

	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	return j.fn(ctx)
}

// do runs fn on the worker goroutine and waits for its result.
func (w *worker) do(ctx context.Context, fn func(context.Context) error) error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case w.jobs <- j:
	case <-w.stopped:
		return apperrors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) kick() {
	select {
	case w.kickCh <- struct{}{}:
	default:
	}
}

func (w *worker) resume() {
	select {
	case w.resumeCh <- struct{}{}:
	default:
	}
}

func (w *worker) submit(d models.RemoteDelta) {
	select {
	case w.remoteCh <- d:
	default:
		w.logger.Warn("remote delta queue full, dropping delta",
			slog.String("entity_id", d.EntityID),
			slog.Int64("version", d.Version),
		)
	}
}

// Phase returns the worker's current phase.
func (w *worker) Phase() Phase {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.phase
}

// transition is the only place the phase changes.
func (w *worker) transition(next Phase) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.phase.CanTransition(next) {
		w.logger.Error("invalid phase transition",
			slog.String("from", string(w.phase)),
			slog.String("to", string(next)),
		)

		return
	}

	if w.phase != next {
		w.logger.Debug("phase",
			slog.String("from", string(w.phase)),
			slog.String("to", string(next)),
		)
	}

	w.phase = next
}

// runPass runs one Draining then Reconciling pass. An Offline worker only
// leaves Offline when resume is set (reconnect, retry, explicit sync);
// plain kicks wait for that.
func (w *worker) runPass(ctx context.Context, resume bool) error {
	if !w.c.Online() {
		w.transition(PhaseOffline)
		return errOffline
	}

	if w.Phase() == PhaseOffline {
		if !resume {
			return errOffline
		}

		w.transition(PhaseIdle)
	}

	err := w.pass(ctx)
	w.afterPass(ctx, err)

	return err
}

func (w *worker) pass(ctx context.Context) error {
	w.transition(PhaseDraining)

	if err := w.drain(ctx); err != nil {
		return err
	}

	w.transition(PhaseReconciling)

	if err := w.reconcile(ctx); err != nil {
		return err
	}

	w.transition(PhaseIdle)

	return nil
}

func (w *worker) afterPass(ctx context.Context, err error) {
	defer w.flushDeferred()

	switch {
	case err == nil:
		w.backoff.Reset()
		w.stopRetry()

	case ctx.Err() != nil:
		w.transition(PhaseIdle)

	case apperrors.IsTransient(err):
		delay := w.scheduleRetry()

		if perr := w.probe(ctx); perr != nil {
			w.transition(PhaseOffline)
			w.logger.Warn("remote unreachable, going offline",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
			)

			return
		}

		w.transition(PhaseIdle)
		w.logger.Warn("sync pass interrupted, will retry",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
		)

	default:
		w.transition(PhaseIdle)
		w.logger.Error("sync pass failed", slog.String("error", err.Error()))
	}
}

func (w *worker) onRetry(ctx context.Context) {
	if !w.c.Online() {
		return
	}

	if w.Phase() == PhaseOffline {
		if err := w.probe(ctx); err != nil {
			delay := w.scheduleRetry()
			w.logger.Debug("probe failed, still offline",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
			)

			return
		}
	}

	_ = w.runPass(ctx, true)
}

func (w *worker) scheduleRetry() time.Duration {
	d := w.backoff.Next()

	if w.retry == nil {
		w.retry = time.NewTimer(d)
	} else {
		w.retry.Reset(d)
	}

	w.retryC = w.retry.C

	return d
}

func (w *worker) stopRetry() {
	if w.retry != nil {
		w.retry.Stop()
	}

	w.retryC = nil
}

func (w *worker) probe(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, w.c.cfg.RemoteTimeout)
	defer cancel()

	return classify(ctx, w.c.transport.Probe(callCtx))
}

// classify maps a transport error onto the taxonomy the pass acts on.
// Unclassified errors and per-call timeouts are transient; cancellation
// of the pass itself is returned as the context error.
func classify(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case apperrors.IsTransient(err), apperrors.IsPermanent(err), errors.Is(err, apperrors.ErrConflict):
		return err
	default:
		return apperrors.Transient(err)
	}
}

// stopsPass reports whether err ends the current pass rather than just
// the current entity.
func stopsPass(err error) bool {
	return apperrors.IsTransient(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (w *worker) publish(e eventbus.Event) {
	e.EntityType = w.entityType
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	w.c.bus.Publish(e)
}

// drain pushes conflict cases awaiting a re-push, then every open record
// in queue order. It returns early only for errors that stop the pass.
func (w *worker) drain(ctx context.Context) error {
	blocked := make(map[string]bool)

	cases, err := w.c.store.Conflicts(w.entityType)
	if err != nil {
		return fmt.Errorf("loading conflicts: %w", err)
	}

	for _, cc := range cases {
		if blocked[cc.EntityID] {
			continue
		}

		if err := w.settle(ctx, cc, 1); err != nil {
			if stopsPass(err) {
				return err
			}

			w.entityFailed(cc.EntityID, cc.ChangeID, err)
			blocked[cc.EntityID] = true
		}
	}

	var after uint64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		recs, err := w.c.store.DrainAfter(w.entityType, after, w.c.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("draining queue: %w", err)
		}

		if len(recs) == 0 {
			return nil
		}

		for _, rec := range recs {
			after = rec.Seq

			if blocked[rec.EntityID] {
				continue
			}

			if err := w.pushRecord(ctx, rec); err != nil {
				if stopsPass(err) {
					return err
				}

				w.entityFailed(rec.EntityID, rec.ID, err)
				blocked[rec.EntityID] = true
			}
		}
	}
}

// entityFailed reports an error that blocks one entity for the rest of
// the pass. Held conflicts are already surfaced as conflict events.
func (w *worker) entityFailed(entityID, changeID string, err error) {
	if errors.Is(err, errEntityBlocked) {
		return
	}

	w.logger.Error("entity sync failed",
		slog.String("entity_id", entityID),
		slog.String("change_id", changeID),
		slog.String("error", err.Error()),
	)

	w.publish(eventbus.Event{
		Kind:     eventbus.KindSyncFailed,
		EntityID: entityID,
		ChangeID: changeID,
		Reason:   err.Error(),
	})
}

// effectiveBase is the version a record should be pushed against. A
// record queued behind another change to the same entity builds on the
// version its parent committed at.
func (w *worker) effectiveBase(rec models.ChangeRecord) (int64, error) {
	if rec.ParentID == "" {
		return rec.BaseVersion, nil
	}

	parent, err := w.c.store.Change(rec.ParentID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return rec.BaseVersion, nil
	}

	if err != nil {
		return 0, err
	}

	if parent.Status == models.StatusCommitted && parent.NewVersion > 0 {
		return parent.NewVersion, nil
	}

	return rec.BaseVersion, nil
}

func (w *worker) push(ctx context.Context, req remote.PushRequest) (remote.PushResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.c.cfg.RemoteTimeout)
	defer cancel()

	res, err := w.c.transport.Push(callCtx, req)

	return res, classify(ctx, err)
}

func committedEntry(entityType, entityID string, op models.Operation, payload []byte, version int64) models.CacheEntry {
	e := models.CacheEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Version:    version,
		Deleted:    op == models.OpDelete,
		UpdatedAt:  time.Now().UTC(),
	}
	if !e.Deleted {
		e.Data = payload
	}

	return e
}

func (w *worker) pushRecord(ctx context.Context, rec models.ChangeRecord) error {
	base, err := w.effectiveBase(rec)
	if err != nil {
		return err
	}

	rec, err = w.c.store.MarkInFlight(rec.ID)
	if err != nil {
		return err
	}

	res, err := w.push(ctx, remote.PushRequest{
		ChangeID:    rec.ID,
		EntityType:  rec.EntityType,
		EntityID:    rec.EntityID,
		Operation:   rec.Operation,
		Payload:     rec.Payload,
		BaseVersion: base,
	})

	if ce, ok := apperrors.AsConflict(err); ok {
		return w.handleConflict(ctx, rec, ce, 1)
	}

	switch {
	case err == nil:
		entry := committedEntry(rec.EntityType, rec.EntityID, rec.Operation, rec.Payload, res.NewVersion)
		if _, err := w.c.store.CommitChange(rec.ID, entry, base); err != nil {
			return err
		}

		w.publish(eventbus.Event{
			Kind:      eventbus.KindChangeCommitted,
			EntityID:  rec.EntityID,
			ChangeID:  rec.ID,
			Version:   res.NewVersion,
			Operation: string(rec.Operation),
			Payload:   rec.Payload,
		})

		return nil

	case apperrors.IsPermanent(err):
		if _, ferr := w.c.store.MarkFailed(rec.ID, err.Error()); ferr != nil {
			return ferr
		}

		w.logger.Warn("change rejected by remote",
			slog.String("change_id", rec.ID),
			slog.String("entity_id", rec.EntityID),
			slog.String("error", err.Error()),
		)

		w.publish(eventbus.Event{
			Kind:      eventbus.KindSyncFailed,
			EntityID:  rec.EntityID,
			ChangeID:  rec.ID,
			Operation: string(rec.Operation),
			Payload:   rec.Payload,
			Reason:    err.Error(),
		})

		return nil

	default:
		reason := err.Error()
		if ctx.Err() != nil {
			reason = "cancelled"
		}

		if _, perr := w.c.store.MarkPending(rec.ID, reason); perr != nil {
			w.logger.Error("reverting change to pending failed",
				slog.String("change_id", rec.ID),
				slog.String("error", perr.Error()),
			)
		}

		return err
	}
}

// handleConflict resolves a rejected push against the remote version the
// store reported, records the case and acts on the outcome.
func (w *worker) handleConflict(ctx context.Context, rec models.ChangeRecord, ce *apperrors.ConflictError, attempt int) error {
	remoteEntry := models.CacheEntry{
		EntityType: w.entityType,
		EntityID:   rec.EntityID,
		Version:    ce.Version,
		Data:       ce.Data,
		Deleted:    ce.Deleted,
		UpdatedAt:  ce.UpdatedAt,
	}
	if remoteEntry.UpdatedAt.IsZero() {
		remoteEntry.UpdatedAt = time.Now().UTC()
	}

	if remoteEntry.Deleted {
		remoteEntry.Data = nil
	}

	res := w.c.resolver.Resolve(conflict.NewCase(rec, remoteEntry))

	reason := res.Reason
	if reason == "" {
		reason = ce.Error()
	}

	cc := models.ConflictCase{
		ChangeID:   rec.ID,
		EntityType: w.entityType,
		EntityID:   rec.EntityID,
		Base:       rec.BaseData,
		Local:      rec,
		Remote:     remoteEntry,
		Outcome:    res.Outcome,
		Operation:  res.Operation,
		Resolved:   res.Payload,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	}

	local, err := w.c.store.RecordConflict(cc)
	if err != nil {
		return err
	}

	cc.Local = local

	w.publish(eventbus.Event{
		Kind:      eventbus.KindConflict,
		EntityID:  rec.EntityID,
		ChangeID:  rec.ID,
		Version:   remoteEntry.Version,
		Operation: string(rec.Operation),
		Payload:   rec.Payload,
		Outcome:   string(res.Outcome),
		Reason:    reason,
	})

	if attempt > w.c.cfg.MaxRebase {
		w.logger.Warn("rebase limit reached, holding conflict until next pass",
			slog.String("change_id", rec.ID),
			slog.Int("attempts", attempt),
		)

		return errEntityBlocked
	}

	return w.settle(ctx, cc, attempt)
}

// settle acts on a recorded conflict case: discard the local change,
// push the resolved payload, or keep holding the entity.
func (w *worker) settle(ctx context.Context, cc models.ConflictCase, attempt int) error {
	switch {
	case cc.Outcome == models.OutcomeResolvedRemote:
		if _, err := w.c.store.MarkSuperseded(cc.ChangeID, "remote version kept"); err != nil {
			return err
		}

		w.publish(eventbus.Event{
			Kind:     eventbus.KindConflictResolved,
			EntityID: cc.EntityID,
			ChangeID: cc.ChangeID,
			Version:  cc.Remote.Version,
			Outcome:  string(cc.Outcome),
			Reason:   cc.Reason,
		})

		return nil

	case cc.Outcome.NeedsPush():
		return w.repush(ctx, cc, attempt)

	default:
		return errEntityBlocked
	}
}

// rebaseKey is the idempotency key for a re-push. It is stable for a
// given change and remote base so a repeated re-push after a crash is
// deduplicated by the remote.
func rebaseKey(changeID string, base int64) string {
	return fmt.Sprintf("%s@%d", changeID, base)
}

func (w *worker) repush(ctx context.Context, cc models.ConflictCase, attempt int) error {
	base := cc.Remote.Version

	res, err := w.push(ctx, remote.PushRequest{
		ChangeID:    rebaseKey(cc.ChangeID, base),
		EntityType:  cc.EntityType,
		EntityID:    cc.EntityID,
		Operation:   cc.Operation,
		Payload:     cc.Resolved,
		BaseVersion: base,
	})

	if ce, ok := apperrors.AsConflict(err); ok {
		return w.handleConflict(ctx, cc.Local, ce, attempt+1)
	}

	switch {
	case err == nil:
		entry := committedEntry(cc.EntityType, cc.EntityID, cc.Operation, cc.Resolved, res.NewVersion)
		if _, err := w.c.store.CommitChange(cc.ChangeID, entry, base); err != nil {
			return err
		}

		w.publish(eventbus.Event{
			Kind:      eventbus.KindChangeCommitted,
			EntityID:  cc.EntityID,
			ChangeID:  cc.ChangeID,
			Version:   res.NewVersion,
			Operation: string(cc.Operation),
			Payload:   cc.Resolved,
		})
		w.publish(eventbus.Event{
			Kind:     eventbus.KindConflictResolved,
			EntityID: cc.EntityID,
			ChangeID: cc.ChangeID,
			Version:  res.NewVersion,
			Outcome:  string(cc.Outcome),
			Reason:   cc.Reason,
		})

		return nil

	case apperrors.IsPermanent(err):
		if _, ferr := w.c.store.MarkFailed(cc.ChangeID, err.Error()); ferr != nil {
			return ferr
		}

		if derr := w.c.store.DeleteConflict(cc.ChangeID); derr != nil {
			return derr
		}

		w.publish(eventbus.Event{
			Kind:      eventbus.KindSyncFailed,
			EntityID:  cc.EntityID,
			ChangeID:  cc.ChangeID,
			Operation: string(cc.Operation),
			Payload:   cc.Resolved,
			Reason:    err.Error(),
		})

		return nil

	default:
		return err
	}
}

// resolveManually replaces a held case's outcome with a caller supplied
// resolution and settles it.
func (w *worker) resolveManually(ctx context.Context, changeID string, res conflict.Resolution) error {
	cc, err := w.c.store.Conflict(changeID)
	if err != nil {
		return err
	}

	res, err = conflict.Normalize(conflict.NewCase(cc.Local, cc.Remote), res)
	if err != nil {
		return apperrors.NewValidationError("payload", err.Error())
	}

	cc.Outcome = res.Outcome
	cc.Operation = res.Operation
	cc.Resolved = res.Payload

	cc.Reason = res.Reason
	if cc.Reason == "" {
		cc.Reason = "resolved manually"
	}

	if err := w.c.store.SaveConflict(cc); err != nil {
		return err
	}

	w.logger.Info("conflict resolved manually",
		slog.String("change_id", changeID),
		slog.String("entity_id", cc.EntityID),
		slog.String("outcome", string(cc.Outcome)),
	)

	err = w.settle(ctx, cc, 1)
	w.flushDeferred()

	if errors.Is(err, errEntityBlocked) {
		return fmt.Errorf("change %s: %w", changeID, apperrors.ErrConflict)
	}

	return err
}

// reconcile pulls remote deltas since the cursor in batches and applies
// them in the order returned.
func (w *worker) reconcile(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cur, err := w.c.store.Cursor(w.entityType)
		if err != nil {
			return err
		}

		deltas, err := w.pull(ctx, cur.LastAppliedRemoteVersion)
		if err != nil {
			if apperrors.IsPermanent(err) {
				w.publish(eventbus.Event{Kind: eventbus.KindSyncFailed, Reason: err.Error()})
			}

			return err
		}

		for _, d := range deltas {
			if d.EntityType == "" {
				d.EntityType = w.entityType
			}

			if d.EntityType != w.entityType {
				w.logger.Warn("pulled delta for another type, skipping",
					slog.String("delta_type", d.EntityType),
					slog.String("entity_id", d.EntityID),
				)

				continue
			}

			if err := w.applyDelta(d, true); err != nil {
				if errors.Is(err, apperrors.ErrValidation) {
					w.logger.Warn("skipping invalid remote delta",
						slog.String("entity_id", d.EntityID),
						slog.Int64("version", d.Version),
						slog.String("error", err.Error()),
					)

					continue
				}

				return err
			}
		}

		next, err := w.c.store.Cursor(w.entityType)
		if err != nil {
			return err
		}

		if len(deltas) < w.c.cfg.BatchSize || next.LastAppliedRemoteVersion <= cur.LastAppliedRemoteVersion {
			return w.c.store.MarkSynced(w.entityType)
		}
	}
}

func (w *worker) pull(ctx context.Context, since int64) ([]models.RemoteDelta, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.c.cfg.RemoteTimeout)
	defer cancel()

	deltas, err := w.c.transport.PullDeltas(callCtx, w.entityType, since, w.c.cfg.BatchSize)

	return deltas, classify(ctx, err)
}

// applyDelta is the single apply path for pulled and pushed deltas.
func (w *worker) applyDelta(d models.RemoteDelta, advanceCursor bool) error {
	applied, err := w.c.store.ApplyDelta(d, advanceCursor)
	if err != nil {
		return err
	}

	if !applied {
		return nil
	}

	w.publish(eventbus.Event{
		Kind:      eventbus.KindRemoteApplied,
		EntityID:  d.EntityID,
		Version:   d.Version,
		Operation: string(d.Operation),
		Payload:   d.Payload,
		At:        d.UpdatedAt,
	})

	return nil
}

// applyRemote handles a pushed delta. Deltas for an entity with open
// local records wait until the worker has settled them, so an echo of
// our own write is never mistaken for a concurrent remote edit.
func (w *worker) applyRemote(d models.RemoteDelta) {
	id, err := models.NormalizeEntityID(d.EntityID)
	if err != nil {
		w.logger.Warn("dropping invalid pushed delta", slog.String("error", err.Error()))
		return
	}

	d.EntityID = id

	if _, held := w.deferred[id]; held {
		w.deferDelta(d)
		return
	}

	open, err := w.c.store.Outstanding(w.entityType, id)
	if err != nil {
		w.logger.Warn("checking outstanding changes failed, dropping pushed delta",
			slog.String("entity_id", id),
			slog.String("error", err.Error()),
		)

		return
	}

	if len(open) > 0 {
		w.deferDelta(d)
		return
	}

	if err := w.applyDelta(d, false); err != nil {
		w.logger.Warn("applying pushed delta failed",
			slog.String("entity_id", id),
			slog.Int64("version", d.Version),
			slog.String("error", err.Error()),
		)
	}
}

func (w *worker) deferDelta(d models.RemoteDelta) {
	held := append(w.deferred[d.EntityID], d)
	if len(held) > maxDeferredPerEntity {
		held = held[len(held)-maxDeferredPerEntity:]
	}

	w.deferred[d.EntityID] = held

	w.logger.Debug("deferring pushed delta",
		slog.String("entity_id", d.EntityID),
		slog.Int64("version", d.Version),
		slog.Int("held", len(held)),
	)
}

// flushDeferred applies held deltas for entities whose local records
// have all settled.
func (w *worker) flushDeferred() {
	for id, held := range w.deferred {
		open, err := w.c.store.Outstanding(w.entityType, id)
		if err != nil || len(open) > 0 {
			continue
		}

		delete(w.deferred, id)

		for _, d := range held {
			if err := w.applyDelta(d, false); err != nil {
				w.logger.Warn("applying deferred delta failed",
					slog.String("entity_id", id),
					slog.Int64("version", d.Version),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
