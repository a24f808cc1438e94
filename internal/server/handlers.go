package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/alexjbarnes/fieldsync/internal/auth"
	"github.com/alexjbarnes/fieldsync/internal/conflict"
	apperrors "github.com/alexjbarnes/fieldsync/internal/errors"
	"github.com/alexjbarnes/fieldsync/internal/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	EntityType  string           `json:"entity_type"`
	EntityID    string           `json:"entity_id"`
	Operation   models.Operation `json:"operation"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	BaseVersion int64            `json:"base_version"`
}

// POST /v1/changes
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decode(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}

	rec, err := s.syncer.Enqueue(req.EntityType, req.EntityID, req.Operation, req.Payload, req.BaseVersion)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/changes/"+rec.ID)
	writeJSON(w, http.StatusAccepted, rec)
}

// GET /v1/changes/{id}
func (s *Server) handleChange(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Change(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// GET /v1/entities/{type}/{id}
func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("type")
	if err := models.ValidateEntityType(entityType); err != nil {
		s.writeErr(w, r, err)
		return
	}

	id, err := models.NormalizeEntityID(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	entry, err := s.store.Entry(entityType, id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	if entry == nil {
		s.writeErr(w, r, fmt.Errorf("%s %s: %w", entityType, id, apperrors.ErrNotFound))
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

// GET /v1/sync/{type}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.syncer.Status(r.PathValue("type"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

// POST /v1/sync/{type} runs a pass and returns the status after it. A
// pass that stops on a network error still reports status.
func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("type")

	syncErr := s.syncer.SyncNow(r.Context(), entityType)
	if syncErr != nil && !apperrors.IsTransient(syncErr) {
		s.writeErr(w, r, syncErr)
		return
	}

	st, err := s.syncer.Status(entityType)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	status := http.StatusOK
	if syncErr != nil {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, st)
}

// GET /v1/conflicts?type=farm
func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("type")
	if entityType != "" {
		if err := models.ValidateEntityType(entityType); err != nil {
			s.writeErr(w, r, err)
			return
		}
	}

	cases, err := s.store.Conflicts(entityType)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	if cases == nil {
		cases = []models.ConflictCase{}
	}

	writeJSON(w, http.StatusOK, cases)
}

type resolveRequest struct {
	Outcome   models.ConflictOutcome `json:"outcome"`
	Operation models.Operation       `json:"operation,omitempty"`
	Payload   json.RawMessage        `json:"payload,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
}

// POST /v1/conflicts/{id}/resolve
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(w, r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "resolved by " + auth.RequestUserID(r.Context())
	}

	changeID := r.PathValue("id")

	err := s.syncer.ResolveConflict(r.Context(), changeID, conflict.Resolution{
		Outcome:   req.Outcome,
		Operation: req.Operation,
		Payload:   req.Payload,
		Reason:    reason,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	rec, err := s.store.Change(changeID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// POST /v1/notifications/{id}/ack. Users may only acknowledge their own
// notifications; anyone else's look missing.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	t, err := s.store.PushTask(id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	if t.TargetUserID != auth.RequestUserID(r.Context()) {
		s.writeErr(w, r, fmt.Errorf("push task %s: %w", id, apperrors.ErrNotFound))
		return
	}

	t, err = s.acker.Ack(id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, t)
}
