package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/eventbus"
	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxAttempts = 3
	defaultRetryBase   = 2 * time.Second
	defaultRetryMax    = 5 * time.Minute
	defaultWorkers     = 4
	defaultTimeout     = 15 * time.Second
	defaultQueueSize   = 1024

	suppressedDisabled = "category disabled"
	suppressedQuiet    = "quiet hours"
)

// TaskStore persists push tasks.
type TaskStore interface {
	SavePushTask(t models.PushTask) error
	PushTask(id string) (models.PushTask, error)
	PushTasksByStatus(status models.PushTaskStatus) ([]models.PushTask, error)
	AckPushTask(id string, at time.Time) (models.PushTask, error)
}

// Config tunes the dispatcher. Zero values take defaults.
type Config struct {
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	Workers     int
	Timeout     time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}

	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}

	if c.RetryMax < c.RetryBase {
		c.RetryMax = max(defaultRetryMax, c.RetryBase)
	}

	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}

	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
}

// Dispatcher turns bus events into delivered push notifications.
type Dispatcher struct {
	cfg       Config
	bus       *eventbus.Bus
	tasks     TaskStore
	prefs     PreferenceStore
	router    Router
	deliverer Deliverer
	logger    *slog.Logger
	now       func() time.Time

	queue chan string

	mu     sync.Mutex
	runCtx context.Context
	active map[string]bool
	timers map[string]*time.Timer
}

// NewDispatcher wires a dispatcher. It does nothing until Run.
func NewDispatcher(cfg Config, bus *eventbus.Bus, tasks TaskStore, prefs PreferenceStore, router Router, deliverer Deliverer, logger *slog.Logger) *Dispatcher {
	cfg.applyDefaults()

	return &Dispatcher{
		cfg:       cfg,
		bus:       bus,
		tasks:     tasks,
		prefs:     prefs,
		router:    router,
		deliverer: deliverer,
		logger:    logger,
		now:       time.Now,
		queue:     make(chan string, defaultQueueSize),
		active:    make(map[string]bool),
		timers:    make(map[string]*time.Timer),
	}
}

// Run consumes events and delivers notifications until ctx is
// cancelled. Tasks left queued by a previous run are resumed first.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	d.mu.Lock()
	if d.runCtx != nil {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}

	d.runCtx = ctx
	d.mu.Unlock()

	for range d.cfg.Workers {
		g.Go(func() error {
			d.work(ctx)
			return nil
		})
	}

	g.Go(func() error { return d.resume(ctx) })
	g.Go(func() error { return d.consume(ctx) })

	err := g.Wait()

	d.mu.Lock()
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()

	return err
}

// Ack records that the recipient saw a notification.
func (d *Dispatcher) Ack(id string) (models.PushTask, error) {
	return d.tasks.AckPushTask(id, d.now())
}

func (d *Dispatcher) resume(ctx context.Context) error {
	queued, err := d.tasks.PushTasksByStatus(models.PushQueued)
	if err != nil {
		return fmt.Errorf("loading queued push tasks: %w", err)
	}

	slices.SortFunc(queued, func(a, b models.PushTask) int { return a.CreatedAt.Compare(b.CreatedAt) })

	if len(queued) > 0 {
		d.logger.Info("resuming queued notifications", slog.Int("count", len(queued)))
	}

	for _, t := range queued {
		if !d.claim(t.ID) {
			continue
		}

		if wait := t.NextRetryAt.Sub(d.now()); wait > 0 {
			d.retryAfter(t.ID, wait)
			continue
		}

		if !d.enqueue(ctx, t.ID) {
			return nil
		}
	}

	return nil
}

// consume follows the bus from the start of its history. A gap means
// this subscriber fell behind, so it resubscribes from the last event
// it handled. Events that left history before the subscription started
// cannot be recovered and are skipped.
func (d *Dispatcher) consume(ctx context.Context) error {
	var lastSeq uint64

	for {
		sub, err := d.bus.Subscribe(eventbus.Filter{}, eventbus.FromSeq(lastSeq))
		if err != nil {
			if errors.Is(err, apperrors.ErrClosed) {
				return nil
			}

			return fmt.Errorf("subscribing to events: %w", err)
		}

		resubscribe := false

		for !resubscribe {
			e, err := sub.Next(ctx)
			if err != nil {
				sub.Close()

				if errors.Is(err, apperrors.ErrClosed) || ctx.Err() != nil {
					return nil
				}

				return err
			}

			if e.Kind == eventbus.KindGap {
				next, recoverable := skipLost(lastSeq, sub.Start(), e)
				if next > lastSeq {
					d.logger.Warn("notification events lost",
						slog.Uint64("from_seq", lastSeq+1),
						slog.Uint64("to_seq", next),
					)

					lastSeq = next
				}

				if recoverable {
					d.logger.Info("event gap, resubscribing", slog.Uint64("after_seq", lastSeq))
					resubscribe = true
				}

				continue
			}

			if e.Seq <= lastSeq {
				continue
			}

			lastSeq = e.Seq
			d.handle(ctx, e)
		}

		sub.Close()
	}
}

// skipLost splits a gap at the subscription's start. The part before
// start is gone for good, so lastSeq moves past it. The part from start
// on was dropped by the subscription, so a resubscribe may recover it.
func skipLost(lastSeq, start uint64, gap eventbus.Event) (uint64, bool) {
	if start > 0 && start-1 > lastSeq {
		lastSeq = start - 1
	}

	return lastSeq, gap.GapTo >= start
}

func (d *Dispatcher) handle(ctx context.Context, e eventbus.Event) {
	for _, n := range d.router.Route(e) {
		now := d.now().UTC()

		t := models.PushTask{
			ID:           uuid.NewString(),
			TargetUserID: n.UserID,
			Category:     n.Category,
			Title:        n.Title,
			Body:         n.Body,
			Metadata:     n.Metadata,
			EventSeq:     e.Seq,
			Status:       models.PushQueued,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		if reason := d.suppression(n.UserID, n.Category, now); reason != "" {
			t.Status = models.PushSuppressed
			t.LastError = reason
		}

		if err := d.tasks.SavePushTask(t); err != nil {
			d.logger.Error("saving push task",
				slog.String("user_id", n.UserID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if t.Status == models.PushSuppressed {
			d.logger.Debug("notification suppressed",
				slog.String("task", t.ID),
				slog.String("reason", t.LastError),
			)

			continue
		}

		if d.claim(t.ID) && !d.enqueue(ctx, t.ID) {
			return
		}
	}
}

// suppression returns why a notification should not be sent now, or ""
// if it may be. A user without a preference for the category falls back
// to their wildcard preference, and without either is notified.
func (d *Dispatcher) suppression(userID, category string, at time.Time) string {
	p, err := d.preference(userID, category)
	if err != nil {
		d.logger.Warn("preference lookup failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)

		return ""
	}

	if p == nil {
		return ""
	}

	if !p.Enabled {
		return suppressedDisabled
	}

	quiet, err := InQuietHours(*p, at)
	if err != nil {
		d.logger.Warn("invalid quiet hours",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)

		return ""
	}

	if quiet {
		return suppressedQuiet
	}

	return ""
}

func (d *Dispatcher) preference(userID, category string) (*models.NotificationPreference, error) {
	p, err := d.prefs.Preference(userID, category)
	if err != nil || p != nil {
		return p, err
	}

	return d.prefs.Preference(userID, WildcardCategory)
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			d.process(ctx, id)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, id string) {
	t, err := d.tasks.PushTask(id)
	if err != nil {
		d.logger.Error("loading push task", slog.String("task", id), slog.String("error", err.Error()))
		d.release(id)

		return
	}

	if t.Status.Terminal() {
		d.release(id)
		return
	}

	if reason := d.suppression(t.TargetUserID, t.Category, d.now()); reason != "" {
		t.Status = models.PushSuppressed
		t.LastError = reason
		d.finish(t)

		return
	}

	dctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	err = d.deliverer.Deliver(dctx, t.TargetUserID, t.Title, t.Body, t.Metadata)
	cancel()

	// Shutdown interrupted the attempt. The stored task is untouched and
	// will be resumed on the next run.
	if err != nil && ctx.Err() != nil {
		return
	}

	t.Attempt++

	if err == nil {
		t.Status = models.PushSent
		t.LastError = ""
		t.NextRetryAt = time.Time{}
		d.finish(t)

		d.logger.Debug("notification sent", slog.String("task", t.ID), slog.Int("attempt", t.Attempt))

		return
	}

	t.LastError = err.Error()

	retryable := true

	var de *apperrors.NotificationDeliveryError
	if errors.As(err, &de) {
		retryable = de.Retryable
	}

	if !retryable || t.Attempt >= d.cfg.MaxAttempts {
		t.Status = models.PushFailed
		d.finish(t)

		d.logger.Warn("notification failed",
			slog.String("task", t.ID),
			slog.Int("attempt", t.Attempt),
			slog.String("error", err.Error()),
		)

		return
	}

	wait := d.retryDelay(t.Attempt)
	t.NextRetryAt = d.now().UTC().Add(wait)
	t.UpdatedAt = d.now().UTC()

	if err := d.tasks.SavePushTask(t); err != nil {
		d.logger.Error("saving push task", slog.String("task", t.ID), slog.String("error", err.Error()))
	}

	d.logger.Debug("notification retry scheduled",
		slog.String("task", t.ID),
		slog.Int("attempt", t.Attempt),
		slog.Duration("wait", wait),
	)

	d.retryAfter(t.ID, wait)
}

func (d *Dispatcher) finish(t models.PushTask) {
	t.UpdatedAt = d.now().UTC()

	if err := d.tasks.SavePushTask(t); err != nil {
		d.logger.Error("saving push task", slog.String("task", t.ID), slog.String("error", err.Error()))
	}

	d.release(t.ID)
}

// retryDelay doubles from RetryBase for each failed attempt, capped at
// RetryMax.
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	wait := d.cfg.RetryBase

	for range attempt - 1 {
		wait *= 2
		if wait >= d.cfg.RetryMax {
			return d.cfg.RetryMax
		}
	}

	return wait
}

// claim marks a task as owned by this run. It fails if the task is
// already queued, waiting on a retry timer or being delivered.
func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active[id] {
		return false
	}

	d.active[id] = true

	return true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.active, id)

	if t, ok := d.timers[id]; ok {
		t.Stop()
		delete(d.timers, id)
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, id string) bool {
	select {
	case d.queue <- id:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Dispatcher) retryAfter(id string, wait time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx := d.runCtx
	if ctx == nil || ctx.Err() != nil {
		return
	}

	d.timers[id] = time.AfterFunc(wait, func() {
		d.mu.Lock()
		delete(d.timers, id)
		d.mu.Unlock()

		d.enqueue(ctx, id)
	})
}
