package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/relves/colog/internal/storage"
	"github.com/relves/colog/pkg/types"
)

// KnownResponse is the response for GET /covalues/{id}/known.
type KnownResponse struct {
	ID       types.CoID              `json:"id"`
	Header   bool                    `json:"header"`
	Sessions map[types.SessionID]int `json:"sessions"`
	Loaded   bool                    `json:"loaded"`
}

// HandleGetKnown handles GET /covalues/{id}/known.
// The loaded state wins over the stored one when the node holds the CoValue.
func (s *Server) HandleGetKnown(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !types.IsCoID(id) {
		http.Error(w, "invalid covalue id", http.StatusBadRequest)
		return
	}
	coID := types.CoID(id)

	var resp KnownResponse
	if core := s.node.Core(coID); core != nil {
		known := core.KnownState()
		resp = KnownResponse{ID: coID, Header: known.Header, Sessions: known.Sessions, Loaded: true}
	} else {
		if s.manager == nil {
			http.Error(w, "covalue not found", http.StatusNotFound)
			return
		}
		known, err := s.manager.KnownState(r.Context(), coID)
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "covalue not found", http.StatusNotFound)
			return
		}
		if err != nil {
			s.logger.Error("failed to read known state", "id", coID, "error", err)
			http.Error(w, "failed to read known state", http.StatusInternalServerError)
			return
		}
		resp = KnownResponse{ID: coID, Header: known.Header, Sessions: known.Sessions}
	}
	if resp.Sessions == nil {
		resp.Sessions = map[types.SessionID]int{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
