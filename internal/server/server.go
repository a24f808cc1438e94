// Package server exposes the sync core over a local HTTP API: change
// submission, cache reads, sync status and manual triggers, conflict
// review, notification acknowledgement and a websocket event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/auth"
	"github.com/alexjbarnes/fieldsync/internal/conflict"
	apperrors "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/eventbus"
	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/alexjbarnes/fieldsync/internal/syncer"
)

const (
	readTimeout     = 30 * time.Second
	writeTimeout    = 60 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 10 * time.Second

	// maxBodyBytes bounds request bodies. Payloads are whole entity
	// documents.
	maxBodyBytes = 4 << 20
)

// Syncer is the part of the sync coordinator the API drives.
type Syncer interface {
	Enqueue(entityType, entityID string, op models.Operation, payload []byte, expectedBaseVersion int64) (models.ChangeRecord, error)
	SyncNow(ctx context.Context, entityType string) error
	Status(entityType string) (syncer.TypeStatus, error)
	ResolveConflict(ctx context.Context, changeID string, res conflict.Resolution) error
}

// Store is the read side of local state.
type Store interface {
	Change(id string) (models.ChangeRecord, error)
	Entry(entityType, entityID string) (*models.CacheEntry, error)
	Conflicts(entityType string) ([]models.ConflictCase, error)
	PushTask(id string) (models.PushTask, error)
}

// Acker records notification acknowledgements.
type Acker interface {
	Ack(id string) (models.PushTask, error)
}

// Server is the local HTTP API.
type Server struct {
	syncer  Syncer
	store   Store
	acker   Acker
	bus     *eventbus.Bus
	keys    *auth.Keys
	logger  *slog.Logger
	handler http.Handler
}

// New builds the API. Every /v1 route requires an API key.
func New(s Syncer, store Store, acker Acker, bus *eventbus.Bus, keys *auth.Keys, logger *slog.Logger) *Server {
	srv := &Server{
		syncer: s,
		store:  store,
		acker:  acker,
		bus:    bus,
		keys:   keys,
		logger: logger,
	}

	srv.handler = chain(srv.routes(), recovery(logger), requestLogger(logger))

	return srv
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", slog.String("listen", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// writeErr maps a domain error to an HTTP status.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var ve *apperrors.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ve.Message, Field: ve.Field})
		return
	}

	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, apperrors.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperrors.ErrConflict), errors.Is(err, apperrors.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, apperrors.ErrPermanent):
		status = http.StatusBadGateway
	case errors.Is(err, apperrors.ErrTransient), errors.Is(err, apperrors.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// The client went away; nobody reads the response.
		return
	}

	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)

		writeError(w, status, "internal server error")

		return
	}

	writeError(w, status, err.Error())
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return apperrors.NewValidationError("body", err.Error())
	}

	return nil
}
