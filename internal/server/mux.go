package server

import (
	"net/http"

	"github.com/alexjbarnes/fieldsync/internal/auth"
)

// routes builds the mux. Health is open; everything under /v1 sits
// behind API key middleware.
func (s *Server) routes() *http.ServeMux {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/changes", s.handleEnqueue)
	api.HandleFunc("GET /v1/changes/{id}", s.handleChange)
	api.HandleFunc("GET /v1/entities/{type}/{id}", s.handleEntity)
	api.HandleFunc("GET /v1/sync/{type}", s.handleStatus)
	api.HandleFunc("POST /v1/sync/{type}", s.handleSyncNow)
	api.HandleFunc("GET /v1/conflicts", s.handleConflicts)
	api.HandleFunc("POST /v1/conflicts/{id}/resolve", s.handleResolve)
	api.HandleFunc("POST /v1/notifications/{id}/ack", s.handleAck)
	api.HandleFunc("GET /v1/events", s.handleEvents)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("/v1/", auth.Middleware(s.keys, s.logger)(api))

	return mux
}
