// Package server provides the HTTP API over the record store.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/marketledger/marketledger/internal/archive"
	"github.com/marketledger/marketledger/internal/config"
	"github.com/marketledger/marketledger/internal/database"
	"github.com/marketledger/marketledger/internal/events"
	"github.com/marketledger/marketledger/internal/lineage"
	"github.com/marketledger/marketledger/internal/services"
	"github.com/marketledger/marketledger/internal/store"
)

// Config holds everything the server serves.
type Config struct {
	Port    int
	Log     zerolog.Logger
	Cfg     *config.Config
	DB      *database.DB
	DevMode bool

	Snapshots   *store.SnapshotRepository
	Analyses    *store.AnalysisRepository
	Outcomes    *store.OutcomeRepository
	Evaluations *store.EvaluationRepository
	Proposals   *store.ProposalRepository

	Lineage   *lineage.Resolver
	Collector *services.Collector
	Analyzer  *services.Analyzer
	Evaluator *services.Evaluator
	Recorder  *services.OutcomeRecorder
	Verifier  *services.Verifier
	Archiver  *archive.Archiver

	EventBus *events.Bus
}

// Server is the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    Config
}

// New creates the HTTP server and wires all routes.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		eventsStream := NewEventsStreamHandler(s.cfg.EventBus, s.log)
		r.Get("/events/stream", eventsStream.ServeHTTP)

		r.Route("/snapshots", func(r chi.Router) {
			r.Get("/", s.handleListSnapshots)
			r.Get("/{id}", s.handleGetSnapshot)
			r.Get("/hash/{hash}", s.handleGetSnapshotByHash)
		})

		r.Route("/analyses", func(r chi.Router) {
			r.Get("/", s.handleListAnalyses)
			r.Get("/roots", s.handleAnalysisRoots)
			r.Get("/{id}", s.handleGetAnalysis)
			r.Get("/{id}/lineage", s.handleAnalysisLineage)
			r.Get("/{id}/children", s.handleAnalysisChildren)
			r.Get("/{id}/evaluations", s.handleAnalysisEvaluations)
			r.Get("/hash/{hash}", s.handleGetAnalysisByHash)
		})

		r.Route("/outcomes", func(r chi.Router) {
			r.Get("/", s.handleListOutcomes)
			r.Post("/", s.handleRecordOutcome)
			r.Get("/{id}", s.handleGetOutcome)
		})

		r.Route("/evaluations", func(r chi.Router) {
			r.Get("/", s.handleListEvaluations)
			r.Get("/{id}", s.handleGetEvaluation)
		})

		r.Route("/proposals", func(r chi.Router) {
			r.Get("/", s.handleListProposals)
			r.Post("/", s.handleCreateProposal)
			r.Get("/{id}", s.handleGetProposal)
			r.Put("/{id}/status", s.handleUpdateProposalStatus)
		})

		r.Route("/games", func(r chi.Router) {
			r.Get("/{gameID}/timeline", s.handleGameTimeline)
			r.Get("/{gameID}/deltas", s.handleGameDeltas)
			r.Get("/{gameID}/outcome", s.handleGameOutcome)
			r.Get("/{gameID}/evaluations", s.handleGameEvaluations)
		})

		r.Get("/edges", s.handleEdges)
		r.Get("/report", s.handleReport)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/collect", s.handleTriggerCollect)
			r.Post("/analyze", s.handleTriggerAnalyze)
			r.Post("/evaluate", s.handleTriggerEvaluate)
			r.Post("/verify", s.handleTriggerVerify)
		})

		r.Route("/archive", func(r chi.Router) {
			r.Post("/export", s.handleArchiveExport)
			r.Post("/import", s.handleArchiveImport)
		})

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
			r.Get("/database/stats", s.handleDatabaseStats)
		})
	})
}

// loggingMiddleware logs each request with duration and status.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.cfg.DB.QuickCheck(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("database unhealthy: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
