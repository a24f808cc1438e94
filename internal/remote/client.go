package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin           = 1 * time.Second
	reconnectMax           = 60 * time.Second
	defaultResponseTimeout = 30 * time.Second

	// wsReadLimit bounds a single frame. Pull batches are the largest
	// frames the server sends.
	wsReadLimit = 16 * 1024 * 1024

	// inboundChanSize is the buffer size for the channel carrying
	// messages from the WebSocket reader goroutine to the event loop.
	inboundChanSize = 64

	// deltaChanSize buffers pushed deltas for the subscription adapter.
	// Overflow is dropped: pushed deltas are an optimisation over the
	// cursor-driven pull, which picks up anything missed.
	deltaChanSize = 1024

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	reconnectBackoffMultiplier = 2
)

var (
	errResponseTimeout = errors.New("timed out waiting for server response")
	errNotConnected    = errors.New("not connected to remote")
)

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// call is a request submitted to the event loop.
type call struct {
	rid      uint64
	frame    any
	wantPong bool
	result   chan callResult
}

type callResult struct {
	data json.RawMessage
	err  error
}

// wsConn abstracts the WebSocket connection so Client can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Config holds the parameters needed to connect to the remote store.
type Config struct {
	URL     string
	Token   string
	Device  string
	Types   []string
	Timeout time.Duration

	// OnConnect runs after every successful (re)connect, from the
	// Listen goroutine. The coordinator uses it to go online and
	// trigger a full pass.
	OnConnect func()

	// OnDisconnect runs when a live connection drops.
	OnDisconnect func()
}

// Client is a websocket Transport.
//
// Architecture: a reader goroutine feeds inboundCh with raw WebSocket
// messages. A single event loop goroutine (Listen) owns every write and
// processes requests one at a time, so no write mutex is needed. Server
// pushed deltas that arrive while a request is outstanding are routed
// to the Deltas channel.
type Client struct {
	conn   wsConn
	logger *slog.Logger

	url     string
	token   string
	device  string
	types   []string
	timeout time.Duration

	onConnect    func()
	onDisconnect func()

	dial func(ctx context.Context) (wsConn, error)

	callCh    chan call
	inboundCh chan inboundMsg
	deltas    chan models.RemoteDelta

	nextRID atomic.Uint64

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	connected   bool
	connectedMu sync.RWMutex

	connCancel context.CancelFunc
}

// NewClient creates a Client. Nothing is dialed until Listen runs.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultResponseTimeout
	}

	c := &Client{
		logger:       logger,
		url:          cfg.URL,
		token:        cfg.Token,
		device:       cfg.Device,
		types:        cfg.Types,
		timeout:      timeout,
		onConnect:    cfg.OnConnect,
		onDisconnect: cfg.OnDisconnect,
		callCh:       make(chan call),
		deltas:       make(chan models.RemoteDelta, deltaChanSize),
	}
	c.dial = c.dialWebsocket

	return c
}

func (c *Client) dialWebsocket(ctx context.Context) (wsConn, error) {
	c.logger.Debug("connecting", slog.String("url", c.url))

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.token},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	return conn, nil
}

// Connect dials the WebSocket, sends init, and waits for auth confirmation.
func (c *Client) Connect(ctx context.Context) error {
	if c.connCancel != nil {
		c.connCancel()
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	return c.handshake(ctx, conn)
}

// handshake performs the post-dial init/auth sequence.
func (c *Client) handshake(ctx context.Context, conn wsConn) error {
	c.conn = conn
	c.conn.SetReadLimit(wsReadLimit)
	c.touchLastMessage()

	hctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	init := InitMessage{Op: "init", Token: c.token, Device: c.device, Types: c.types}
	if err := c.writeJSON(hctx, init); err != nil {
		c.conn.Close(websocket.StatusInternalError, "init failed")
		return fmt.Errorf("sending init: %w", err)
	}

	var resp InitResponse
	if err := c.readJSON(hctx, &resp); err != nil {
		c.conn.Close(websocket.StatusInternalError, "auth read failed")
		return fmt.Errorf("reading auth response: %w", err)
	}

	if resp.Res != "ok" {
		msg := resp.Msg
		if msg == "" {
			msg = resp.Res
		}

		c.conn.Close(websocket.StatusNormalClosure, "auth failed")

		return fmt.Errorf("auth failed: %s", msg)
	}

	c.logger.Info("websocket authenticated", slog.String("device", c.device))

	return nil
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. The goroutine captures the channel and connection by
// value so a reader left over from a previous connection cannot feed
// the new one.
func (c *Client) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	c.inboundCh = ch
	conn := c.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Listen connects and runs the event loop with automatic reconnection
// until ctx ends or the server rejects our credentials.
func (c *Client) Listen(ctx context.Context) error {
	backoff := reconnectMin

	for {
		if err := c.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if isPermanentError(err) {
				return fmt.Errorf("permanent error: %w", err)
			}

			c.logger.Warn("connect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			if err := sleepJitter(ctx, backoff); err != nil {
				return err
			}

			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)

			continue
		}

		backoff = reconnectMin

		connCtx, connCancel := context.WithCancel(ctx)
		c.connCancel = connCancel
		c.startReader(connCtx)
		c.setConnected(true)

		if c.onConnect != nil {
			c.onConnect()
		}

		err := c.eventLoop(ctx, connCtx)

		c.setConnected(false)
		connCancel()

		if c.onDisconnect != nil {
			c.onDisconnect()
		}

		if ctx.Err() != nil {
			c.conn.Close(websocket.StatusNormalClosure, "bye")
			return ctx.Err()
		}

		c.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		if err := sleepJitter(ctx, backoff); err != nil {
			return err
		}
	}
}

func sleepJitter(ctx context.Context, backoff time.Duration) error {
	jitter := time.Duration(rand.Int64N(int64(backoff)/jitterDivisor + 1)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

	timer := time.NewTimer(backoff + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// eventLoop serves one connection. Returns on read error, heartbeat
// timeout or context cancellation.
func (c *Client) eventLoop(ctx, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			c.touchLastMessage()
			c.handleUnsolicited(msg)

		case cl := <-c.callCh:
			data, err := c.execute(ctx, cl)
			cl.result <- callResult{data: data, err: err}

			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				// The connection state is unknown after a failed
				// exchange. Drop it and reconnect.
				c.conn.Close(websocket.StatusGoingAway, "request failed")
				return err
			}

		case <-ticker.C:
			c.lastMsgMu.Lock()
			elapsed := time.Since(c.lastMessage)
			c.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				c.logger.Warn("connection timed out, closing")
				c.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := c.writeJSON(ctx, PingMessage{Op: "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

func (c *Client) handleUnsolicited(msg inboundMsg) {
	if msg.typ == websocket.MessageBinary {
		c.logger.Debug("unexpected binary frame in event loop", slog.Int("bytes", len(msg.data)))
		return
	}

	switch op := gjson.GetBytes(msg.data, "op").Str; op {
	case "pong":
	case "delta":
		c.forwardDelta(msg.data)
	default:
		c.logger.Debug("unexpected message in event loop",
			slog.String("op", op),
			slog.Uint64("rid", gjson.GetBytes(msg.data, "rid").Uint()),
		)
	}
}

func (c *Client) forwardDelta(data []byte) {
	raw := gjson.GetBytes(data, "delta")
	if !raw.IsObject() {
		c.logger.Debug("delta frame without delta object")
		return
	}

	var d models.RemoteDelta
	if err := json.Unmarshal([]byte(raw.Raw), &d); err != nil {
		c.logger.Warn("failed to decode delta", slog.String("error", err.Error()))
		return
	}

	select {
	case c.deltas <- d:
	default:
		c.logger.Warn("delta channel full, dropping pushed delta",
			slog.String("entity_type", d.EntityType),
			slog.String("entity_id", d.EntityID),
			slog.Int64("version", d.Version),
		)
	}
}

// execute writes one request and waits for its response.
func (c *Client) execute(ctx context.Context, cl call) (json.RawMessage, error) {
	if err := c.writeJSON(ctx, cl.frame); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	return c.readResponse(ctx, cl.rid, cl.wantPong)
}

// readResponse reads from inboundCh until the response for rid arrives.
// Deltas that arrive while waiting are forwarded; stale responses and
// pongs are skipped unless a pong is what we are waiting for.
func (c *Client) readResponse(ctx context.Context, rid uint64, wantPong bool) (json.RawMessage, error) {
	timeout := time.NewTimer(c.timeout)
	defer timeout.Stop()

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return nil, fmt.Errorf("reading response: %w", msg.err)
			}

			c.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				continue
			}

			switch gjson.GetBytes(msg.data, "op").Str {
			case "pong":
				if wantPong {
					return json.RawMessage(msg.data), nil
				}

				continue
			case "delta":
				c.forwardDelta(msg.data)
				continue
			}

			if got := gjson.GetBytes(msg.data, "rid").Uint(); got != rid {
				c.logger.Debug("skipping stale response", slog.Uint64("rid", got), slog.Uint64("want", rid))
				continue
			}

			return json.RawMessage(msg.data), nil

		case <-timeout.C:
			return nil, errResponseTimeout

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// roundTrip hands a request to the event loop and waits for the reply.
// Every failure to get an answer is transient from the caller's view.
func (c *Client) roundTrip(ctx context.Context, frame any, rid uint64, wantPong bool) (json.RawMessage, error) {
	if !c.Connected() {
		return nil, apperrors.Transient(errNotConnected)
	}

	cl := call{rid: rid, frame: frame, wantPong: wantPong, result: make(chan callResult, 1)}

	select {
	case c.callCh <- cl:
	case <-ctx.Done():
		return nil, apperrors.Transient(ctx.Err())
	}

	select {
	case res := <-cl.result:
		if res.err != nil {
			return nil, apperrors.Transient(res.err)
		}

		return res.data, nil
	case <-ctx.Done():
		return nil, apperrors.Transient(ctx.Err())
	}
}

// Push implements Transport.
func (c *Client) Push(ctx context.Context, req PushRequest) (PushResult, error) {
	rid := c.nextRID.Add(1)

	data, err := c.roundTrip(ctx, PushMessage{Op: "push", RID: rid, PushRequest: req}, rid, false)
	if err != nil {
		return PushResult{}, err
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return PushResult{}, &apperrors.PermanentRemoteError{Code: "bad_response", Message: err.Error()}
	}

	switch resp.Res {
	case "ok":
		return PushResult{NewVersion: resp.Version}, nil
	case "conflict":
		ce := &apperrors.ConflictError{EntityType: req.EntityType, EntityID: req.EntityID}
		if resp.Current != nil {
			ce.Version = resp.Current.Version
			ce.Data = resp.Current.Data
			ce.Deleted = resp.Current.Deleted
			ce.UpdatedAt = resp.Current.UpdatedAt
		}

		return PushResult{}, ce
	default:
		return PushResult{}, responseError(resp)
	}
}

// PullDeltas implements Transport.
func (c *Client) PullDeltas(ctx context.Context, entityType string, since int64, limit int) ([]models.RemoteDelta, error) {
	rid := c.nextRID.Add(1)

	msg := PullMessage{Op: "pull", RID: rid, EntityType: entityType, Since: since, Limit: limit}

	data, err := c.roundTrip(ctx, msg, rid, false)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, apperrors.Transient(fmt.Errorf("decoding pull response: %w", err))
	}

	if resp.Res != "ok" {
		return nil, responseError(resp)
	}

	return resp.Deltas, nil
}

// Probe implements Transport with a ping round trip.
func (c *Client) Probe(ctx context.Context) error {
	rid := c.nextRID.Add(1)

	_, err := c.roundTrip(ctx, PingMessage{Op: "ping", RID: rid}, rid, true)

	return err
}

// Deltas implements DeltaSource.
func (c *Client) Deltas() <-chan models.RemoteDelta {
	return c.deltas
}

func responseError(resp Response) error {
	if resp.Retry {
		return apperrors.Transient(fmt.Errorf("remote error %s: %s", resp.Code, resp.Msg))
	}

	return &apperrors.PermanentRemoteError{Code: resp.Code, Message: resp.Msg}
}

// isPermanentError reports whether reconnecting cannot help.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}

	return strings.Contains(err.Error(), "auth failed")
}

func (c *Client) setConnected(v bool) {
	c.connectedMu.Lock()
	c.connected = v
	c.connectedMu.Unlock()
}

// Connected reports whether the WebSocket connection is live.
func (c *Client) Connected() bool {
	c.connectedMu.RLock()
	v := c.connected
	c.connectedMu.RUnlock()

	return v
}

func (c *Client) touchLastMessage() {
	c.lastMsgMu.Lock()
	c.lastMessage = time.Now()
	c.lastMsgMu.Unlock()
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return c.conn.Write(ctx, websocket.MessageText, data)
}

// readJSON reads a text frame and unmarshals it into v. Only called
// during the handshake, before the reader goroutine starts.
func (c *Client) readJSON(ctx context.Context, v any) error {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}

	c.touchLastMessage()

	return json.Unmarshal(data, v)
}
