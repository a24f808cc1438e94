package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/alexjbarnes/fieldsync/internal/remote"
)

// fakeRemote is an in-memory authoritative store. Versions are assigned
// from one counter per entity type, so a type's delta log is ordered by
// version and a cursor is a single number.
type fakeRemote struct {
	mu       sync.Mutex
	counter  map[string]int64
	entities map[string]models.CacheEntry
	log      map[string][]models.RemoteDelta
	seen     map[string]int64

	calls  []string
	pushes []remote.PushRequest

	offline  bool
	dropAcks int
	hook     func(ctx context.Context, req remote.PushRequest) error
	echo     bool
	deltas   chan models.RemoteDelta
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		counter:  make(map[string]int64),
		entities: make(map[string]models.CacheEntry),
		log:      make(map[string][]models.RemoteDelta),
		seen:     make(map[string]int64),
		deltas:   make(chan models.RemoteDelta, 64),
	}
}

func entityKey(entityType, entityID string) string { return entityType + "/" + entityID }

var errUnreachable = errors.New("remote unreachable")

func (f *fakeRemote) Push(ctx context.Context, req remote.PushRequest) (remote.PushResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "push:"+req.EntityType)
	f.pushes = append(f.pushes, req)
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return remote.PushResult{}, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.offline {
		return remote.PushResult{}, apperrors.Transient(errUnreachable)
	}

	if v, ok := f.seen[req.ChangeID]; ok {
		return remote.PushResult{NewVersion: v}, nil
	}

	current := f.entities[entityKey(req.EntityType, req.EntityID)]
	if current.Version != req.BaseVersion {
		return remote.PushResult{}, &apperrors.ConflictError{
			EntityType: req.EntityType,
			EntityID:   req.EntityID,
			Version:    current.Version,
			Data:       current.Data,
			Deleted:    current.Deleted,
			UpdatedAt:  current.UpdatedAt,
		}
	}

	d := f.writeLocked(req.EntityType, req.EntityID, req.Operation, req.Payload, time.Now().UTC())
	f.seen[req.ChangeID] = d.Version

	if f.echo {
		f.deltas <- d
	}

	if f.dropAcks > 0 {
		f.dropAcks--
		return remote.PushResult{}, apperrors.Transient(errors.New("connection reset before ack"))
	}

	return remote.PushResult{NewVersion: d.Version}, nil
}

func (f *fakeRemote) writeLocked(entityType, entityID string, op models.Operation, payload json.RawMessage, at time.Time) models.RemoteDelta {
	f.counter[entityType]++

	d := models.RemoteDelta{
		EntityType: entityType,
		EntityID:   entityID,
		Version:    f.counter[entityType],
		Operation:  op,
		Payload:    payload,
		UpdatedAt:  at,
	}

	f.entities[entityKey(entityType, entityID)] = d.Entry()
	f.log[entityType] = append(f.log[entityType], d)

	return d
}

// edit simulates a write by another client.
func (f *fakeRemote) edit(entityType, entityID, payload string, at time.Time) models.RemoteDelta {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.writeLocked(entityType, entityID, models.OpUpdate, json.RawMessage(payload), at)
}

func (f *fakeRemote) PullDeltas(_ context.Context, entityType string, since int64, limit int) ([]models.RemoteDelta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, "pull:"+entityType)

	if f.offline {
		return nil, apperrors.Transient(errUnreachable)
	}

	var out []models.RemoteDelta

	for _, d := range f.log[entityType] {
		if d.Version > since {
			out = append(out, d)
		}

		if len(out) == limit {
			break
		}
	}

	return out, nil
}

func (f *fakeRemote) Probe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.offline {
		return apperrors.Transient(errUnreachable)
	}

	return nil
}

func (f *fakeRemote) Deltas() <-chan models.RemoteDelta { return f.deltas }

func (f *fakeRemote) setOffline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.offline = v
}

func (f *fakeRemote) setHook(h func(ctx context.Context, req remote.PushRequest) error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.hook = h
}

func (f *fakeRemote) clearCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = nil
	f.pushes = nil
}

func (f *fakeRemote) snapshotCalls() ([]string, []remote.PushRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...), append([]remote.PushRequest(nil), f.pushes...)
}

func (f *fakeRemote) entity(entityType, entityID string) models.CacheEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.entities[entityKey(entityType, entityID)]
}

func (f *fakeRemote) version(entityType string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.counter[entityType]
}
