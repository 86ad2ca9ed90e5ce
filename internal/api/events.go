package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/ledger"
	"github.com/quantumlife/ponder/internal/storage"
)

// handleSubmitEvent stores an event and starts its analysis.
// POST /api/v1/events[?wait=true]
//
// Without wait the analysis runs in the background and the response is 202
// once it has a slot. With wait the response carries the finished analysis.
func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var ev core.PerceivedEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if ev.ID == "" {
		ev.ID = core.EventID(uuid.New().String())
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if err := s.events.Save(r.Context(), &ev); err != nil {
		s.respondErr(w, err)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		an, err := s.runner.Analyze(r.Context(), &ev)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, an)
		return
	}

	if err := s.runner.Submit(r.Context(), &ev, nil); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"event_id": ev.ID,
		"status":   "analyzing",
	})
}

// GET /api/v1/events/{eventID}
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := core.EventID(chi.URLParam(r, "eventID"))
	ev, err := s.events.Get(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	result := map[string]interface{}{"event": ev}
	if rec, err := s.analyses.LatestDecision(r.Context(), id); err == nil {
		result["decision"] = rec
	} else if !errors.Is(err, core.ErrDecisionNotFound) {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// handleGetPasses returns the pass history of the event's latest analysis
// GET /api/v1/events/{eventID}/passes
func (s *Server) handleGetPasses(w http.ResponseWriter, r *http.Request) {
	id := core.EventID(chi.URLParam(r, "eventID"))
	passes, err := s.analyses.Passes(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"event_id": id,
		"passes":   passes,
		"count":    len(passes),
	})
}

// handleSupersede stops the event's running analysis at its next pass
// boundary.
// POST /api/v1/events/{eventID}/supersede
func (s *Server) handleSupersede(w http.ResponseWriter, r *http.Request) {
	id := core.EventID(chi.URLParam(r, "eventID"))
	if !s.analyzer.Supersede(id) {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("no analysis of %s is running", id))
		return
	}
	if s.recorder != nil {
		s.recorder.Superseded(r.Context(), id, ledger.ActorUser)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"event_id":   id,
		"superseded": true,
	})
}

// GET /api/v1/running
func (s *Server) handleRunning(w http.ResponseWriter, r *http.Request) {
	running := s.analyzer.Running()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"running": running,
		"count":   len(running),
	})
}

// GET /api/v1/decisions?event_id=&verdict=&limit=
func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := storage.DecisionFilter{
		EventID: core.EventID(query.Get("event_id")),
		Verdict: core.Verdict(query.Get("verdict")),
	}
	if filter.Verdict != "" && filter.Verdict != core.VerdictAutoApply && filter.Verdict != core.VerdictQueue {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown verdict %q", filter.Verdict))
		return
	}
	if limit := query.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = l
		}
	}

	records, err := s.analyses.Decisions(r.Context(), filter)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"decisions": records,
		"count":     len(records),
	})
}

// GET /api/v1/decisions/{decisionID}
func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	rec, err := s.analyses.Decision(r.Context(), chi.URLParam(r, "decisionID"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}
