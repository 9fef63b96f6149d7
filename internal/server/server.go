// Package server wires HTTP: a websocket upgrade endpoint that hands each
// connection to its own session.Agent, plus a small REST surface over the
// same Backend for collection/index/document/query administration.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zag2art/sharedb/internal/backend"
	"github.com/zag2art/sharedb/internal/session"
	"github.com/zag2art/sharedb/internal/transport"
)

// Server owns the HTTP routing surface for one Backend.
type Server struct {
	backend  *backend.Backend
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// New constructs a Server. Call Mux to obtain the http.Handler to serve.
func New(be *backend.Backend, logger zerolog.Logger) *Server {
	return &Server{
		backend: be,
		logger:  logger.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Mux builds the route table: the websocket entrypoint plus a
// document/query/index REST surface over the same underlying Backend.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /db/collections/{collection}", s.handleCreateCollection)
	mux.HandleFunc("POST /db/indexes/{collection}", s.handleCreateIndex)

	mux.HandleFunc("GET /db/data/{collection}/{docId}", s.handleGetDocument)
	mux.HandleFunc("PUT /db/data/{collection}/{docId}", s.handlePutDocument)
	mux.HandleFunc("PATCH /db/data/{collection}/{docId}", s.handlePatchDocument)
	mux.HandleFunc("DELETE /db/data/{collection}/{docId}", s.handleDeleteDocument)

	mux.HandleFunc("POST /db/query/{collection}", s.handleQuery)

	mux.HandleFunc("/ws", s.handleWS)

	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	stream := transport.NewWS(conn)
	agent := session.New(stream, s.backend, s.logger)
	agent.Run()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if err := s.backend.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListenAndServe starts the HTTP server on addr, logging the listening
// address before blocking.
func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("server starting")
	return http.ListenAndServe(addr, s.Mux())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, "%s", mustMarshal(v))
}
