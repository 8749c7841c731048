// Package server provides the HTTP+WebSocket transport for the synthetic
// OTC market core: place_trade and the admin control surface over
// HTTP+JSON, the live-tick/settlement channel over WebSocket, and a
// Server-Sent-Events tap for admin activity-log tailing.
//
// Grounded on the teacher's internal/server/server.go router-assembly
// style: one handler struct per concern, constructed in New, mounted onto
// a chi.Mux behind the same middleware stack.
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

	"github.com/otcplatform/sentinel-otc/internal/config"
	"github.com/otcplatform/sentinel-otc/internal/di"
)

// Config holds everything the HTTP server needs to wire its routes.
type Config struct {
	Log       zerolog.Logger
	Config    *config.Config
	Container *di.Container
	DevMode   bool
}

// Server is the HTTP+WebSocket front door onto the Container.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	cfg       *config.Config
	container *di.Container
}

// New builds the router and every handler, but does not start listening.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		cfg:       cfg.Config,
		container: cfg.Container,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
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
		r.Get("/version", s.handleVersion)

		eventsHandler := NewEventsStreamHandler(s.container.Gateway, s.log)
		r.Get("/events/stream", eventsHandler.ServeHTTP)

		systemHandler := NewSystemHandler(s.container, s.log)
		r.Get("/system/status", systemHandler.HandleStatus)

		marketHoursHandler := NewMarketHoursHandler(s.container, s.log)
		r.Get("/market-hours", marketHoursHandler.HandleStatus)

		tradeHandler := NewTradeHandler(s.container, s.log)
		r.Route("/trades", func(r chi.Router) {
			r.Post("/", tradeHandler.HandlePlaceTrade)
		})

		adminHandler := NewAdminHandler(s.container, s.log)
		adminHandler.RegisterRoutes(r)
	})

	wsHandler := NewWSHandler(s.container.Bus, s.log)
	s.router.Get("/ws", wsHandler.ServeHTTP)
}

// Start starts the HTTP server, blocking until it stops.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs every HTTP request.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
