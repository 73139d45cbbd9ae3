package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/medialens/tweet-harvest-service/common/config"
	"github.com/medialens/tweet-harvest-service/common/db"
	"github.com/medialens/tweet-harvest-service/common/supervisor"
	"github.com/medialens/tweet-harvest-service/handler"
)

// AppHttpServer is the admin surface: health and pending-message
// stats. Job intake happens on the broker, not here.
type AppHttpServer struct {
	router *chi.Mux
	cfg    config.Config
	server *http.Server
	db     *db.DB
	sup    *supervisor.Supervisor
}

func NewAppHttpServer(cfg config.Config) (*AppHttpServer, error) {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	server := &AppHttpServer{
		router: r,
		cfg:    cfg,
	}
	return server, nil
}

// SetDB sets the database dependency
func (s *AppHttpServer) SetDB(db *db.DB) {
	s.db = db
}

// SetSupervisor sets the supervisor dependency
func (s *AppHttpServer) SetSupervisor(sup *supervisor.Supervisor) {
	s.sup = sup
}

func (s *AppHttpServer) setupRoute() {
	r := s.router

	healthHandler := handler.NewHealthHandler(s.db, s.sup)
	statsHandler := handler.NewStatsHandler(s.sup)

	r.Mount("/health", healthHandler.Router())
	r.Mount("/stats", statsHandler.Router())
}

func (s *AppHttpServer) start() error {
	r := s.router
	cfg := s.cfg
	log.Info().Msg("Starting up admin server...")

	s.server = &http.Server{
		Addr:         cfg.Listen.Addr(),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// stop gracefully shuts down the server
func (s *AppHttpServer) stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
