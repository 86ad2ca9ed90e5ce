// Package api provides the HTTP API server for ponder.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/quantumlife/ponder/internal/analyzer"
	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/ledger"
	"github.com/quantumlife/ponder/internal/logging"
	"github.com/quantumlife/ponder/internal/orphans"
	"github.com/quantumlife/ponder/internal/storage"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	analyzer *analyzer.Analyzer
	runner   *analyzer.Runner
	events   *storage.EventStore
	analyses *storage.AnalysisStore
	orphans  *orphans.Manager
	ledger   *ledger.Store
	recorder *ledger.Recorder
	hub      *Hub

	corsOrigins []string
}

// Config for the server. Ledger and Recorder are optional; the ledger
// routes are only mounted when Ledger is set.
type Config struct {
	Addr        string
	CORSOrigins []string

	Analyzer *analyzer.Analyzer
	Runner   *analyzer.Runner
	Events   *storage.EventStore
	Analyses *storage.AnalysisStore
	Orphans  *orphans.Manager
	Ledger   *ledger.Store
	Recorder *ledger.Recorder
	Hub      *Hub
}

// New creates a new API server
func New(cfg Config) *Server {
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub()
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s := &Server{
		analyzer:    cfg.Analyzer,
		runner:      cfg.Runner,
		events:      cfg.Events,
		analyses:    cfg.Analyses,
		orphans:     cfg.Orphans,
		ledger:      cfg.Ledger,
		recorder:    cfg.Recorder,
		hub:         hub,
		corsOrigins: origins,
	}
	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // analyze?wait=true and /ws hold the connection
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// setupRouter configures all routes
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		// Events and analyses
		r.Post("/events", s.handleSubmitEvent)
		r.Get("/events/{eventID}", s.handleGetEvent)
		r.Get("/events/{eventID}/passes", s.handleGetPasses)
		r.Post("/events/{eventID}/supersede", s.handleSupersede)
		r.Get("/running", s.handleRunning)

		// Decisions
		r.Get("/decisions", s.handleListDecisions)
		r.Get("/decisions/{decisionID}", s.handleGetDecision)

		// Orphan questions
		r.Get("/orphans", s.handleListOrphans)
		r.Get("/orphans/{orphanID}", s.handleGetOrphan)
		r.Post("/orphans/{orphanID}/resolve", s.handleResolveOrphan)

		r.Get("/stats", s.handleGetStats)

		// Ledger API (read-only audit trail)
		if s.ledger != nil {
			NewLedgerAPI(s.ledger).RegisterRoutes(r)
		}
	})

	r.Get("/ws", s.hub.ServeHTTP)

	s.router = r
}

// Start starts the HTTP server
func (s *Server) Start() error {
	logging.Info("API server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server and disconnects websocket clients
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// requestLogger logs each request through the package logger
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.WithFields(map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

// --- Response helpers ---

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps domain errors onto status codes
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrEventNotFound),
		errors.Is(err, core.ErrDecisionNotFound),
		errors.Is(err, core.ErrOrphanNotFound),
		errors.Is(err, core.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrInvalidInput),
		errors.Is(err, core.ErrMissingRequired),
		errors.Is(err, core.ErrInvalidResolution):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrOrphanAlreadyResolved):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logging.Error("api error: %v", err)
	}
	s.respondError(w, status, err.Error())
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"running": len(s.analyzer.Running()),
		"clients": s.hub.Clients(),
	})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.analyses.Stats(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}

	result := map[string]interface{}{
		"analyses":          stats,
		"running":           len(s.analyzer.Running()),
		"concurrency_limit": s.runner.Limit(),
		"orphans": map[string]int{
			string(core.OrphanPending):  len(s.orphans.List(core.OrphanPending)),
			string(core.OrphanAccepted): len(s.orphans.List(core.OrphanAccepted)),
			string(core.OrphanRejected): len(s.orphans.List(core.OrphanRejected)),
		},
		"thresholds": s.analyzer.Policy().Thresholds,
	}

	if s.ledger != nil {
		if n, err := s.ledger.Count(r.Context()); err == nil {
			result["ledger_entries"] = n
		}
	}

	s.respondJSON(w, http.StatusOK, result)
}
