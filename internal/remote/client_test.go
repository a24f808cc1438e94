package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/mock/gomock"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- handshake (mock conn) ---

func TestHandshake_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockWSConn(ctrl)
	c := NewClient(Config{Token: "tok", Device: "tablet", Types: []string{"farm"}}, quietLogger)

	gomock.InOrder(
		conn.EXPECT().SetReadLimit(int64(wsReadLimit)),
		conn.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ websocket.MessageType, p []byte) error {
				assert.Equal(t, "init", gjson.GetBytes(p, "op").Str)
				assert.Equal(t, "tok", gjson.GetBytes(p, "token").Str)
				assert.Equal(t, "tablet", gjson.GetBytes(p, "device").Str)
				assert.Equal(t, "farm", gjson.GetBytes(p, "types.0").Str)
				return nil
			}),
		conn.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, []byte(`{"res":"ok"}`), nil),
	)

	require.NoError(t, c.handshake(context.Background(), conn))
}

func TestHandshake_AuthFailedIsPermanent(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockWSConn(ctrl)
	c := NewClient(Config{Token: "bad"}, quietLogger)

	conn.EXPECT().SetReadLimit(gomock.Any())
	conn.EXPECT().Write(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	conn.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, []byte(`{"res":"err","msg":"invalid token"}`), nil)
	conn.EXPECT().Close(websocket.StatusNormalClosure, "auth failed").Return(nil)

	err := c.handshake(context.Background(), conn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid token")
	assert.True(t, isPermanentError(err))
}

func TestHandshake_WriteError(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockWSConn(ctrl)
	c := NewClient(Config{}, quietLogger)

	conn.EXPECT().SetReadLimit(gomock.Any())
	conn.EXPECT().Write(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("broken pipe"))
	conn.EXPECT().Close(websocket.StatusInternalError, "init failed").Return(nil)

	err := c.handshake(context.Background(), conn)
	require.Error(t, err)
	assert.False(t, isPermanentError(err))
}

// --- wire protocol (httptest server) ---

type fakeServer struct {
	t       *testing.T
	handle  func(ctx context.Context, conn *websocket.Conn, frame []byte)
	connect atomic.Int32
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	var init InitMessage
	if err := wsjson.Read(ctx, conn, &init); err != nil {
		return
	}

	if init.Token != "good" {
		_ = wsjson.Write(ctx, conn, InitResponse{Res: "err", Msg: "auth failed: bad token"})
		return
	}

	_ = wsjson.Write(ctx, conn, InitResponse{Res: "ok"})
	f.connect.Add(1)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if gjson.GetBytes(data, "op").Str == "ping" {
			_ = wsjson.Write(ctx, conn, map[string]string{"op": "pong"})
			continue
		}

		f.handle(ctx, conn, data)
	}
}

func startClient(t *testing.T, handle func(ctx context.Context, conn *websocket.Conn, frame []byte)) (*Client, *fakeServer) {
	t.Helper()

	fs := &fakeServer{t: t, handle: handle}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)

	connected := make(chan struct{}, 1)
	c := NewClient(Config{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:   "good",
		Device:  "test",
		Timeout: time.Second,
		OnConnect: func() {
			select {
			case connected <- struct{}{}:
			default:
			}
		},
	}, quietLogger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Listen(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
	}

	return c, fs
}

func TestPush_Accepted(t *testing.T) {
	c, _ := startClient(t, func(ctx context.Context, conn *websocket.Conn, frame []byte) {
		assert.Equal(t, "push", gjson.GetBytes(frame, "op").Str)
		assert.Equal(t, "chg-1", gjson.GetBytes(frame, "change_id").Str)
		assert.Equal(t, int64(3), gjson.GetBytes(frame, "base_version").Int())
		_ = wsjson.Write(ctx, conn, Response{RID: gjson.GetBytes(frame, "rid").Uint(), Res: "ok", Version: 4})
	})

	res, err := c.Push(context.Background(), PushRequest{ChangeID: "chg-1", EntityType: "farm", EntityID: "a", Operation: models.OpUpdate, Payload: json.RawMessage(`{}`), BaseVersion: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.NewVersion)
}

func TestPush_Conflict(t *testing.T) {
	c, _ := startClient(t, func(ctx context.Context, conn *websocket.Conn, frame []byte) {
		_ = wsjson.Write(ctx, conn, Response{
			RID:     gjson.GetBytes(frame, "rid").Uint(),
			Res:     "conflict",
			Current: &RemoteEntity{Version: 9, Data: json.RawMessage(`{"v":9}`)},
		})
	})

	_, err := c.Push(context.Background(), PushRequest{ChangeID: "c", EntityType: "farm", EntityID: "a", Operation: models.OpUpdate})
	require.ErrorIs(t, err, apperrors.ErrConflict)

	ce, ok := apperrors.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, int64(9), ce.Version)
	assert.JSONEq(t, `{"v":9}`, string(ce.Data))
}

func TestPush_ErrorClassification(t *testing.T) {
	retry := atomic.Bool{}
	c, _ := startClient(t, func(ctx context.Context, conn *websocket.Conn, frame []byte) {
		_ = wsjson.Write(ctx, conn, Response{RID: gjson.GetBytes(frame, "rid").Uint(), Res: "err", Code: "x", Msg: "nope", Retry: retry.Load()})
	})

	_, err := c.Push(context.Background(), PushRequest{ChangeID: "c"})
	assert.True(t, apperrors.IsPermanent(err))

	retry.Store(true)
	_, err = c.Push(context.Background(), PushRequest{ChangeID: "c"})
	assert.True(t, apperrors.IsTransient(err))
}

func TestPush_SkipsStaleResponsesAndForwardsDeltas(t *testing.T) {
	c, _ := startClient(t, func(ctx context.Context, conn *websocket.Conn, frame []byte) {
		rid := gjson.GetBytes(frame, "rid").Uint()
		_ = wsjson.Write(ctx, conn, Response{RID: rid + 100, Res: "ok", Version: 1})
		_ = wsjson.Write(ctx, conn, DeltaMessage{Op: "delta", Delta: models.RemoteDelta{EntityType: "farm", EntityID: "z", Version: 7, Operation: models.OpCreate}})
		_ = wsjson.Write(ctx, conn, Response{RID: rid, Res: "ok", Version: 2})
	})

	res, err := c.Push(context.Background(), PushRequest{ChangeID: "c"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.NewVersion)

	select {
	case d := <-c.Deltas():
		assert.Equal(t, "z", d.EntityID)
		assert.Equal(t, int64(7), d.Version)
	case <-time.After(time.Second):
		t.Fatal("delta not forwarded")
	}
}

func TestPullDeltas(t *testing.T) {
	c, _ := startClient(t, func(ctx context.Context, conn *websocket.Conn, frame []byte) {
		assert.Equal(t, "pull", gjson.GetBytes(frame, "op").Str)
		assert.Equal(t, "crop", gjson.GetBytes(frame, "entity_type").Str)
		assert.Equal(t, int64(5), gjson.GetBytes(frame, "since").Int())
		_ = wsjson.Write(ctx, conn, Response{RID: gjson.GetBytes(frame, "rid").Uint(), Res: "ok", Deltas: []models.RemoteDelta{
			{EntityType: "crop", EntityID: "a", Version: 6, Operation: models.OpUpdate},
			{EntityType: "crop", EntityID: "b", Version: 7, Operation: models.OpDelete},
		}})
	})

	deltas, err := c.PullDeltas(context.Background(), "crop", 5, 100)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, int64(7), deltas[1].Version)
}

func TestProbe(t *testing.T) {
	c, _ := startClient(t, func(context.Context, *websocket.Conn, []byte) {})
	assert.NoError(t, c.Probe(context.Background()))
}

func TestPush_TimeoutIsTransient(t *testing.T) {
	c, fs := startClient(t, func(context.Context, *websocket.Conn, []byte) {})

	_, err := c.Push(context.Background(), PushRequest{ChangeID: "c"})
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))

	// A timed out exchange drops the connection; the client reconnects.
	assert.Eventually(t, func() bool { return fs.connect.Load() >= 2 }, 5*time.Second, 20*time.Millisecond)
}

func TestPush_NotConnectedIsTransient(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1"}, quietLogger)
	_, err := c.Push(context.Background(), PushRequest{})
	assert.True(t, apperrors.IsTransient(err))
	assert.ErrorIs(t, err, errNotConnected)
}

func TestListen_AuthFailureStops(t *testing.T) {
	srv := httptest.NewServer(&fakeServer{t: t})
	defer srv.Close()

	c := NewClient(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Token: "bad", Timeout: time.Second}, quietLogger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Listen(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permanent")
}
