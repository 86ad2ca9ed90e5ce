package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quantumlife/ponder/internal/core"
)

// ResolveRequest is the body of an orphan resolution
type ResolveRequest struct {
	State  core.OrphanState `json:"state"`            // accepted | rejected
	Scopes []string         `json:"scopes,omitempty"` // rejection scopes; evidence scopes when empty
}

// GET /api/v1/orphans?state=pending
func (s *Server) handleListOrphans(w http.ResponseWriter, r *http.Request) {
	state := core.OrphanState(r.URL.Query().Get("state"))
	switch state {
	case "", core.OrphanPending, core.OrphanAccepted, core.OrphanRejected:
	default:
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", state))
		return
	}

	questions := s.orphans.List(state)
	if questions == nil {
		questions = []*core.OrphanQuestion{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"orphans": questions,
		"count":   len(questions),
	})
}

// GET /api/v1/orphans/{orphanID}
func (s *Server) handleGetOrphan(w http.ResponseWriter, r *http.Request) {
	q, err := s.orphans.Get(chi.URLParam(r, "orphanID"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, q)
}

// handleResolveOrphan records the human decision on a question
// POST /api/v1/orphans/{orphanID}/resolve
func (s *Server) handleResolveOrphan(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	q, err := s.orphans.Resolve(r.Context(), chi.URLParam(r, "orphanID"), req.State, req.Scopes...)
	if q == nil {
		s.respondErr(w, err)
		return
	}
	// The decision stands in memory even when persisting it failed
	result := map[string]interface{}{"orphan": q}
	if err != nil {
		result["warning"] = err.Error()
	}
	s.respondJSON(w, http.StatusOK, result)
}
