// Package server exposes the clip service over HTTP. It implements a REST
// API for browsing the library, planning and rendering clips, and serving
// finished artifacts with HTTP Range support. Routing uses chi/v5 with CORS
// for browser clients and a WebSocket endpoint for render progress pushes.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"jclipper/internal/jobs"
	"jclipper/internal/library"
	"jclipper/internal/mediainfo"
	"jclipper/internal/output"
	"jclipper/internal/planner"
	"jclipper/internal/transcode"
	"jclipper/internal/upload"
	"jclipper/pkg/config"
)

// Components are the collaborators the server fronts. Uploader is nil when
// no object store is configured.
type Components struct {
	Library      *library.Library
	Prober       mediainfo.Prober
	Planner      *planner.Planner
	Orchestrator *transcode.Orchestrator
	Store        *jobs.Store
	History      *jobs.History
	Outputs      *output.Manager
	Uploader     *upload.Uploader
}

// Server is the HTTP serving boundary of the clip service.
type Server struct {
	config     *config.ServerConfig
	logger     *slog.Logger
	components Components
	limiter    *rate.Limiter
	httpServer *http.Server
	router     chi.Router

	wsMutex   sync.RWMutex
	wsClients map[*progressClient]bool
}

// New creates the HTTP server. The render rate limiter bounds how fast
// ffmpeg processes can be spawned through POST /api/clips.
func New(cfg *config.ServerConfig, components Components, logger *slog.Logger) *Server {
	limit := rate.Inf
	if cfg.RenderRateLimit > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RenderRateLimit))
	}

	s := &Server{
		config:     cfg,
		logger:     logger,
		components: components,
		limiter:    rate.NewLimiter(limit, 1),
		wsClients:  make(map[*progressClient]bool),
	}

	s.router = chi.NewRouter()
	s.setupMiddleware()
	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures the middleware stack for the router.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware())
	s.router.Use(middleware.Recoverer)

	if s.config.EnableCompression {
		s.router.Use(middleware.Compress(5))
	}

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

// setupRoutes wires every HTTP route. The request timeout covers the JSON
// API only; artifact serving and the websocket must outlive it.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Route("/library", func(r chi.Router) {
			r.Get("/", s.handleLibrary)
			r.Post("/rescan", s.handleRescan)
		})

		r.Route("/media/{id}", func(r chi.Router) {
			r.Get("/subtitles", s.handleSubtitles)
			r.Get("/info", s.handleMediaInfo)
		})

		r.Route("/clips", func(r chi.Router) {
			r.Post("/", s.handleCreateClip)
			r.Get("/{id}", s.handleClipStatus)
			r.Delete("/{id}", s.handleCancelClip)
			r.Post("/{id}/upload", s.handleUploadClip)
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/", s.handleHistory)
			r.Delete("/", s.handleHistoryClear)
			r.Delete("/{id}", s.handleHistoryDelete)
		})
	})

	// Artifact serving: byte-range capable, no API timeout.
	s.router.Get("/clips/{id}/preview", s.handleServePreview)
	s.router.Get("/clips/{id}/file", s.handleServeFinal)
	s.router.Get("/history/{id}/file", s.handleServeHistory)

	s.router.Get("/ws/progress", s.handleWebSocket)
}

// Start runs the HTTP server until the context is cancelled, then shuts it
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		"address", s.httpServer.Addr,
		"read_timeout", s.config.ReadTimeout,
		"write_timeout", s.config.WriteTimeout)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	<-ctx.Done()
	return s.Stop()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error shutting down HTTP server", "error", err)
		return err
	}
	return nil
}

// Router exposes the configured handler, primarily for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs method, path, status, size and duration for every
// request.
func (s *Server) loggingMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			s.logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"ip", r.RemoteAddr,
			)
		})
	}
}
