// Package eventbus fans out sync and notification events to in-process
// subscribers.
//
// Publish never blocks. Every subscription owns a bounded queue; when a
// slow subscriber falls behind the oldest unread events are dropped and
// a single Gap event, covering the dropped sequence range, is delivered
// before the rest. A bounded history lets a subscriber resume from the
// last sequence it saw.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/google/uuid"
)

const (
	defaultBufferSize  = 256
	defaultHistorySize = 1024
)

// Kind identifies what happened.
type Kind string

const (
	KindChangeCommitted  Kind = "change_committed"
	KindRemoteApplied    Kind = "remote_applied"
	KindSyncFailed       Kind = "sync_failed"
	KindConflict         Kind = "conflict"
	KindConflictResolved Kind = "conflict_resolved"

	// KindGap tells a subscriber that events in [GapFrom, GapTo] were
	// dropped or aged out of history before it could read them.
	KindGap Kind = "gap"
)

// Event is one bus message. Seq is assigned by Publish and is strictly
// increasing across the bus; Gap events carry Seq 0.
type Event struct {
	Seq        uint64          `json:"seq"`
	Kind       Kind            `json:"kind"`
	EntityType string          `json:"entity_type,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	ChangeID   string          `json:"change_id,omitempty"`
	Version    int64           `json:"version,omitempty"`
	Operation  string          `json:"operation,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Outcome    string          `json:"outcome,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	At         time.Time       `json:"at"`
	GapFrom    uint64          `json:"gap_from,omitempty"`
	GapTo      uint64          `json:"gap_to,omitempty"`
}

// Filter selects events. Empty fields match everything. Gap events
// always match.
type Filter struct {
	EntityTypes []string
	EntityID    string
	Kinds       []Kind
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if e.Kind == KindGap {
		return true
	}

	if len(f.EntityTypes) > 0 && !slices.Contains(f.EntityTypes, e.EntityType) {
		return false
	}

	if f.EntityID != "" && f.EntityID != e.EntityID {
		return false
	}

	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}

	return true
}

// Option configures Subscribe.
type Option func(*subscribeOptions)

type subscribeOptions struct {
	replay  bool
	fromSeq uint64
}

// FromSeq replays retained events with Seq greater than seq before live
// delivery starts. Events already evicted from history are reported as a
// leading Gap. Replayed events never count against the live buffer.
func FromSeq(seq uint64) Option {
	return func(o *subscribeOptions) {
		o.replay = true
		o.fromSeq = seq
	}
}

// Bus is the process-wide event fan-out. Create one with New and Close
// it at shutdown.
type Bus struct {
	mu          sync.Mutex
	seq         uint64
	history     []Event
	historySize int
	bufferSize  int
	subs        map[string]*Subscription
	closed      bool
	logger      *slog.Logger
}

// New creates a Bus. Non-positive sizes fall back to defaults.
func New(bufferSize, historySize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	if historySize <= 0 {
		historySize = defaultHistorySize
	}

	return &Bus{
		historySize: historySize,
		bufferSize:  bufferSize,
		subs:        make(map[string]*Subscription),
		logger:      logger,
	}
}

// Publish assigns the next sequence number to e, records it in history
// and queues it for every matching subscriber. It never blocks on
// subscribers. After Close it drops the event and returns it unchanged.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return e
	}

	b.seq++
	e.Seq = b.seq

	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	if len(b.history) >= b.historySize {
		copy(b.history, b.history[1:])
		b.history = b.history[:len(b.history)-1]
	}

	b.history = append(b.history, e)

	for _, s := range b.subs {
		if s.filter.Match(e) {
			s.push(e)
		}
	}

	return e
}

// LastSeq returns the sequence number of the most recent event.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.seq
}

// Subscribe registers a subscriber. With FromSeq, retained events after
// the cursor are queued first; registration and replay happen under the
// same lock as Publish so nothing is missed or duplicated.
func (b *Bus) Subscribe(filter Filter, opts ...Option) (*Subscription, error) {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("subscribing: %w", apperrors.ErrClosed)
	}

	s := &Subscription{
		ID:       uuid.NewString(),
		filter:   filter,
		bus:      b,
		capacity: b.bufferSize,
		start:    b.seq + 1,
		notify:   make(chan struct{}, 1),
		logger:   b.logger,
	}

	if o.replay {
		b.replay(s, o.fromSeq)
	}

	b.subs[s.ID] = s

	b.logger.Debug("subscriber added",
		slog.String("subscription", s.ID),
		slog.Int("subscribers", len(b.subs)),
	)

	return s, nil
}

func (b *Bus) replay(s *Subscription, from uint64) {
	if from >= b.seq {
		return
	}

	oldest := b.seq + 1
	if len(b.history) > 0 {
		oldest = b.history[0].Seq
	}

	if from+1 < oldest {
		s.markGap(from+1, oldest-1)
	}

	s.start = max(from+1, oldest)

	// The backlog is bounded by history. It is held on top of the usual
	// live buffer until it has been read.
	for _, e := range b.history {
		if e.Seq > from && s.filter.Match(e) {
			s.queue = append(s.queue, e)
		}
	}

	s.replayed = len(s.queue)
	s.wake()
}

// Unsubscribe removes a subscription and wakes any blocked reader.
// Unknown IDs are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if ok {
		s.close()
	}
}

// Close removes every subscription. Later Publish calls are dropped and
// Subscribe fails with ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// Subscription is one subscriber's bounded queue.
type Subscription struct {
	ID string

	filter   Filter
	bus      *Bus
	capacity int
	start    uint64
	notify   chan struct{}
	logger   *slog.Logger

	mu      sync.Mutex
	queue   []Event
	gap     *Event
	closed  bool
	dropped uint64

	// replayed counts backlog events still widening the queue limit.
	replayed int
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return
	}

	if len(s.queue) >= s.capacity+s.replayed {
		oldest := s.queue[0]
		s.queue = s.queue[1:]
		s.markGapLocked(oldest.Seq, oldest.Seq)
	}

	s.queue = append(s.queue, e)
	s.mu.Unlock()

	s.wake()
}

func (s *Subscription) markGap(from, to uint64) {
	s.mu.Lock()
	s.markGapLocked(from, to)
	s.mu.Unlock()

	s.wake()
}

func (s *Subscription) markGapLocked(from, to uint64) {
	s.dropped += to - from + 1

	if s.gap == nil {
		s.gap = &Event{Kind: KindGap, GapFrom: from, GapTo: to, At: time.Now().UTC()}

		s.logger.Warn("subscriber fell behind, dropping events",
			slog.String("subscription", s.ID),
			slog.Uint64("from_seq", from),
		)

		return
	}

	if from < s.gap.GapFrom {
		s.gap.GapFrom = from
	}

	if to > s.gap.GapTo {
		s.gap.GapTo = to
	}
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	s.wake()
}

// Next blocks until an event is available, the context ends or the
// subscription is closed. A pending Gap is always returned before the
// events queued after it.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()

		if s.closed {
			s.mu.Unlock()
			return Event{}, apperrors.ErrClosed
		}

		if s.gap != nil {
			g := *s.gap
			s.gap = nil
			s.mu.Unlock()

			return g, nil
		}

		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue = s.queue[1:]

			if s.replayed > 0 {
				s.replayed--
			}

			s.mu.Unlock()

			return e, nil
		}

		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Events yields events lazily until the context ends, the subscription
// is closed or the consumer stops iterating.
func (s *Subscription) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			e, err := s.Next(ctx)
			if err != nil {
				return
			}

			if !yield(e) {
				return
			}
		}
	}
}

// Start is the first sequence number the subscription can deliver.
// Anything earlier was published before a live subscription, or had
// already left history when a replay began.
func (s *Subscription) Start() uint64 { return s.start }

// Dropped reports how many events this subscription has lost.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dropped
}

// Close unsubscribes.
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s.ID)
}
