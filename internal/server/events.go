package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	apperrors "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/eventbus"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const eventWriteTimeout = 10 * time.Second

var streamKinds = []eventbus.Kind{
	eventbus.KindChangeCommitted,
	eventbus.KindRemoteApplied,
	eventbus.KindSyncFailed,
	eventbus.KindConflict,
	eventbus.KindConflictResolved,
}

// GET /v1/events?type=farm&entity_id=f1&kind=conflict&since=42
//
// Streams bus events as JSON text frames. type and kind may repeat.
// since resumes after a sequence number the client has already seen.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := eventbus.Filter{
		EntityTypes: q["type"],
		EntityID:    q.Get("entity_id"),
	}

	for _, k := range q["kind"] {
		kind := eventbus.Kind(k)
		if !slices.Contains(streamKinds, kind) {
			s.writeErr(w, r, apperrors.NewValidationError("kind", "unknown event kind "+strconv.Quote(k)))
			return
		}

		filter.Kinds = append(filter.Kinds, kind)
	}

	var opts []eventbus.Option

	if since := q.Get("since"); since != "" {
		seq, err := strconv.ParseUint(since, 10, 64)
		if err != nil {
			s.writeErr(w, r, apperrors.NewValidationError("since", "must be a sequence number"))
			return
		}

		opts = append(opts, eventbus.FromSeq(seq))
	}

	// Subscribe before upgrading so a closed bus is still an HTTP error.
	sub, err := s.bus.Subscribe(filter, opts...)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	defer sub.Close()

	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow() //nolint:errcheck

	logger := s.logger.With(slog.String("subscription", sub.ID))
	logger.Debug("event stream opened")

	// The client only ever closes; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		e, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, apperrors.ErrClosed) {
				conn.Close(websocket.StatusGoingAway, "shutting down") //nolint:errcheck
			}

			logger.Debug("event stream closed", slog.Uint64("dropped", sub.Dropped()))

			return
		}

		wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
		err = wsjson.Write(wctx, conn, e)
		cancel()

		if err != nil {
			logger.Debug("event write failed", slog.String("error", err.Error()))
			return
		}
	}
}
