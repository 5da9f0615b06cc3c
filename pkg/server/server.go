// Package server exposes a node to remote peers over HTTP: a WebSocket sync
// endpoint and a read-only known-state endpoint.
package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/relves/colog/internal/storage"
	"github.com/relves/colog/pkg/node"
	"github.com/relves/colog/pkg/transport/ws"
)

// Server routes HTTP requests to a node.
type Server struct {
	node    *node.LocalNode
	manager *storage.Manager
	logger  *slog.Logger
	ws      ws.Settings
	mux     *http.ServeMux
}

// NewServer creates a server. WithNode is required.
func NewServer(opts ...Option) (*Server, error) {
	cfg := applyOptions(opts...)
	if cfg.Node == nil {
		return nil, errors.New("node is required")
	}

	s := &Server{
		node:    cfg.Node,
		manager: cfg.Manager,
		logger:  cfg.Logger,
		ws:      cfg.WebSocket,
		mux:     http.NewServeMux(),
	}
	if s.ws.Logger == nil {
		s.ws.Logger = s.logger
	}
	s.mux.HandleFunc("GET /sync", s.HandleSync)
	s.mux.HandleFunc("GET /covalues/{id}/known", s.HandleGetKnown)
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// HandleSync handles GET /sync?peer={id}. The connection becomes a client
// peer of the node until either side closes it.
func (s *Server) HandleSync(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer")
	if peerID == "" {
		http.Error(w, "peer required", http.StatusBadRequest)
		return
	}

	conn, err := ws.Accept(w, r, s.ws)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed", "peer", peerID, "error", err)
		return
	}

	if _, err := s.node.AddPeer(node.PeerConfig{ID: peerID, Role: node.PeerClient, Conn: conn}); err != nil {
		s.logger.Warn("rejecting peer", "peer", peerID, "error", err)
		conn.Close()
		return
	}
	s.logger.Info("peer connected", "peer", peerID, "remote", r.RemoteAddr)
}
