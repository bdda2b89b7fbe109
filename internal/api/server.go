package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/tanvir/chatbridge/internal/config"
	"github.com/tanvir/chatbridge/internal/dispatch"
	"github.com/tanvir/chatbridge/internal/relay"
	"github.com/tanvir/chatbridge/internal/retry"
	"github.com/tanvir/chatbridge/internal/storage"
)

type Server struct {
	cfg        config.ServerConfig
	store      storage.Storage
	dispatcher *dispatch.Dispatcher
	relay      *relay.Relay
	engine     *retry.Engine
	appSecret  string
	router     *chi.Mux
	log        zerolog.Logger
	http       *http.Server
}

func NewServer(cfg config.ServerConfig, appSecret string, store storage.Storage, dispatcher *dispatch.Dispatcher, rl *relay.Relay, engine *retry.Engine, log zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		relay:      rl,
		engine:     engine,
		appSecret:  appSecret,
		log:        log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	accountHandler := NewAccountHandler(s.store)
	msgHandler := NewMessageHandler(s.store, s.dispatcher)
	dlvHandler := NewDeliveryHandler(s.store)
	dlqHandler := NewDLQHandler(s.store, s.engine)
	statsHandler := NewStatsHandler(s.store)
	webhookHandler := NewWebhookHandler(s.appSecret, s.relay, s.dispatcher, s.log)

	// Health check — no auth
	r.Get("/health", statsHandler.Health)

	// Platform callbacks — authenticated by payload signature, not bearer
	r.Post("/webhooks/platform", webhookHandler.Receive)

	r.Route("/api/v1", func(r chi.Router) {
		// Account administration — admin routes, no bearer auth
		r.Post("/accounts", accountHandler.Create)
		r.Get("/accounts", accountHandler.List)
		r.Get("/accounts/{id}", accountHandler.Get)
		r.Patch("/accounts/{id}/status", accountHandler.SetStatus)
		r.Get("/accounts/{id}/stats", statsHandler.AccountStats)
		r.Get("/accounts/{id}/dlq", dlqHandler.List)
		r.Post("/dlq/{id}/requeue", dlqHandler.Requeue)

		// CRM routes — bearer API token
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(s.store))

			r.Post("/messages", msgHandler.Send)
			r.Get("/messages", msgHandler.List)
			r.Get("/messages/{id}", msgHandler.Get)
			r.Get("/messages/{id}/history", msgHandler.History)

			r.Get("/deliveries", dlvHandler.List)
			r.Get("/deliveries/{id}", dlvHandler.Get)
			r.Get("/deliveries/{id}/attempts", dlvHandler.ListAttempts)
			r.Get("/deliveries/{id}/history", dlvHandler.History)
		})
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
