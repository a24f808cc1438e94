package e2e_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/auth"
	"github.com/alexjbarnes/fieldsync/internal/conflict"
	"github.com/alexjbarnes/fieldsync/internal/eventbus"
	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/alexjbarnes/fieldsync/internal/notify"
	"github.com/alexjbarnes/fieldsync/internal/remote"
	"github.com/alexjbarnes/fieldsync/internal/server"
	"github.com/alexjbarnes/fieldsync/internal/state"
	"github.com/alexjbarnes/fieldsync/internal/syncer"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const (
	remoteToken = "e2e-remote-token"
	hookToken   = "e2e-hook-token"
	apiKey      = "fs_0123456789abcdef0123456789abcdef"
	apiUser     = "alex"
	entityType  = "farm"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// remoteStore is an in-process remote speaking the websocket protocol.
// Versions come from one counter per entity type, so the per-type delta
// log doubles as the pull cursor space.
type remoteStore struct {
	down atomic.Bool

	mu       sync.Mutex
	counter  map[string]int64
	entities map[string]models.CacheEntry
	log      map[string][]models.RemoteDelta
	seen     map[string]int64
	conn     *websocket.Conn
}

func newRemoteStore() *remoteStore {
	return &remoteStore{
		counter:  make(map[string]int64),
		entities: make(map[string]models.CacheEntry),
		log:      make(map[string][]models.RemoteDelta),
		seen:     make(map[string]int64),
	}
}

func (r *remoteStore) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.down.Load() {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow() //nolint:errcheck

	ctx := req.Context()

	var init remote.InitMessage
	if err := wsjson.Read(ctx, conn, &init); err != nil {
		return
	}

	if init.Token != remoteToken {
		wsjson.Write(ctx, conn, remote.InitResponse{Res: "err", Msg: "bad token"}) //nolint:errcheck
		return
	}

	if err := wsjson.Write(ctx, conn, remote.InitResponse{Res: "ok"}); err != nil {
		return
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.conn == conn {
			r.conn = nil
		}
		r.mu.Unlock()
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if resp := r.handle(data); resp != nil {
			if err := wsjson.Write(ctx, conn, resp); err != nil {
				return
			}
		}
	}
}

func (r *remoteStore) handle(data []byte) any {
	var head struct {
		Op  string `json:"op"`
		RID uint64 `json:"rid"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil
	}

	switch head.Op {
	case "ping":
		return map[string]any{"op": "pong", "rid": head.RID}
	case "push":
		var msg remote.PushMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return remote.Response{RID: head.RID, Res: "err", Code: "bad_request", Msg: err.Error()}
		}

		return r.push(msg)
	case "pull":
		var msg remote.PullMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return remote.Response{RID: head.RID, Res: "err", Code: "bad_request", Msg: err.Error()}
		}

		return remote.Response{RID: msg.RID, Res: "ok", Deltas: r.since(msg.EntityType, msg.Since, msg.Limit)}
	}

	return nil
}

func (r *remoteStore) push(msg remote.PushMessage) remote.Response {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.seen[msg.ChangeID]; ok {
		return remote.Response{RID: msg.RID, Res: "ok", Version: v}
	}

	key := msg.EntityType + "/" + msg.EntityID

	current := r.entities[key]
	if current.Version != msg.BaseVersion {
		return remote.Response{RID: msg.RID, Res: "conflict", Current: &remote.RemoteEntity{
			Version:   current.Version,
			Data:      current.Data,
			Deleted:   current.Deleted,
			UpdatedAt: current.UpdatedAt,
		}}
	}

	d := r.applyLocked(msg.EntityType, msg.EntityID, msg.Operation, msg.Payload)
	r.seen[msg.ChangeID] = d.Version

	return remote.Response{RID: msg.RID, Res: "ok", Version: d.Version}
}

func (r *remoteStore) applyLocked(entityType, entityID string, op models.Operation, payload json.RawMessage) models.RemoteDelta {
	r.counter[entityType]++

	d := models.RemoteDelta{
		EntityType: entityType,
		EntityID:   entityID,
		Version:    r.counter[entityType],
		Operation:  op,
		Payload:    payload,
		UpdatedAt:  time.Now().UTC(),
	}

	r.entities[entityType+"/"+entityID] = d.Entry()
	r.log[entityType] = append(r.log[entityType], d)

	return d
}

func (r *remoteStore) since(entityType string, since int64, limit int) []models.RemoteDelta {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.RemoteDelta

	for _, d := range r.log[entityType] {
		if d.Version > since {
			out = append(out, d)
		}

		if limit > 0 && len(out) == limit {
			break
		}
	}

	return out
}

// edit simulates another device writing to the remote. The change is
// pushed to the connected client as a delta frame.
func (r *remoteStore) edit(t *testing.T, entityID string, op models.Operation, payload string) models.RemoteDelta {
	t.Helper()

	r.mu.Lock()
	d := r.applyLocked(entityType, entityID, op, json.RawMessage(payload))
	conn := r.conn
	r.mu.Unlock()

	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, wsjson.Write(ctx, conn, remote.DeltaMessage{Op: "delta", Delta: d}))
	}

	return d
}

func (r *remoteStore) entity(entityID string) (models.CacheEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entities[entityType+"/"+entityID]

	return e, ok
}

type webhookCall struct {
	Auth     string
	UserID   string            `json:"user_id"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata"`
}

// harness runs the whole daemon in-process: a remote store over a real
// websocket, the sync coordinator, the notification dispatcher posting
// to a webhook sink, and the local API behind an httptest server.
type harness struct {
	URL    string
	Remote *remoteStore
	Store  *state.State
	Coord  *syncer.Coordinator
	Hooks  chan webhookCall
	Client *http.Client
}

// remoteDown starts the harness with the remote refusing connections.
func remoteDown(r *remoteStore) { r.down.Store(true) }

func newHarness(t *testing.T, opts ...func(*remoteStore)) *harness {
	t.Helper()

	rs := newRemoteStore()
	for _, opt := range opts {
		opt(rs)
	}

	remoteSrv := httptest.NewServer(rs)

	hooks := make(chan webhookCall, 16)
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call webhookCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		call.Auth = r.Header.Get("Authorization")
		hooks <- call

		w.WriteHeader(http.StatusNoContent)
	}))

	store, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	bus := eventbus.New(64, 64, quietLogger)

	var adapter *syncer.Adapter

	client := remote.NewClient(remote.Config{
		URL:          "ws" + strings.TrimPrefix(remoteSrv.URL, "http"),
		Token:        remoteToken,
		Device:       "e2e",
		Types:        []string{entityType},
		Timeout:      5 * time.Second,
		OnConnect:    func() { adapter.OnConnect() },
		OnDisconnect: func() { adapter.OnDisconnect() },
	}, quietLogger)

	coord, err := syncer.New(syncer.Config{
		EntityTypes:   []string{entityType},
		Interval:      time.Hour,
		BackoffMin:    50 * time.Millisecond,
		BackoffMax:    200 * time.Millisecond,
		RemoteTimeout: 5 * time.Second,
	}, store, client, conflict.NewResolver(nil, quietLogger), bus, quietLogger)
	require.NoError(t, err)

	coord.SetOnline(false)

	adapter = syncer.NewAdapter(coord, client, quietLogger)

	dispatcher := notify.NewDispatcher(notify.Config{
		RetryBase: 10 * time.Millisecond,
		RetryMax:  50 * time.Millisecond,
	}, bus, store, store, notify.NewFieldRouter(""),
		notify.NewWebhookDeliverer(hookSrv.URL, hookToken, quietLogger), quietLogger)

	keys := auth.NewKeys()
	require.NoError(t, keys.Add(apiUser, apiKey))

	api := httptest.NewServer(server.New(coord, store, dispatcher, bus, keys, quietLogger).Handler())

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return adapter.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		if err := client.Listen(gctx); !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	})

	t.Cleanup(func() {
		cancel()
		bus.Close()
		require.NoError(t, g.Wait())
		api.Close()
		remoteSrv.Close()
		hookSrv.Close()
		store.Close()
	})

	return &harness{
		URL:    api.URL,
		Remote: rs,
		Store:  store,
		Coord:  coord,
		Hooks:  hooks,
		Client: api.Client(),
	}
}

func (h *harness) waitOnline(t *testing.T) {
	t.Helper()
	require.Eventually(t, h.Coord.Online, 5*time.Second, 10*time.Millisecond, "client never connected")
}

// do sends an authenticated API request and decodes a JSON response
// into out when out is non-nil.
func (h *harness) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, h.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

func (h *harness) waitChange(t *testing.T, id string, status models.ChangeStatus) models.ChangeRecord {
	t.Helper()

	var rec models.ChangeRecord

	require.Eventually(t, func() bool {
		var err error
		rec, err = h.Store.Change(id)

		return err == nil && rec.Status == status
	}, 5*time.Second, 10*time.Millisecond, "change %s never reached %s", id, status)

	return rec
}

func (h *harness) events(t *testing.T, query string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.URL, "http")+"/v1/events"+query,
		&websocket.DialOptions{HTTPHeader: http.Header{"Authorization": {"Bearer " + apiKey}}})
	require.NoError(t, err)

	t.Cleanup(func() { conn.CloseNow() })

	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) eventbus.Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var e eventbus.Event
	require.NoError(t, wsjson.Read(ctx, conn, &e))

	return e
}

func waitHook(t *testing.T, hooks <-chan webhookCall) webhookCall {
	t.Helper()

	select {
	case call := <-hooks:
		return call
	case <-time.After(5 * time.Second):
		t.Fatal("no webhook call")
		return webhookCall{}
	}
}
