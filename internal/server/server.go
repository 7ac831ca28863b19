// Package server is the transport shell: the chi router, the WebSocket
// upgrade path with its read and write pumps, the REST surface, and the
// signed friend API. All domain behavior lives in internal/hub.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/emberchat/emberhub/internal/config"
	"github.com/emberchat/emberhub/internal/hub"
	"github.com/emberchat/emberhub/internal/limits"
	"github.com/emberchat/emberhub/internal/monitoring"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next frame; refreshed on every read and pong.
	pongWait = 30 * time.Second

	// Ping cadence. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Server ties the transport to the hub.
type Server struct {
	cfg     *config.Config
	logger  zerolog.Logger
	hub     *hub.Hub
	tracker *limits.ConnTracker
	limiter *limits.MessageLimiter
	sampler *monitoring.StatusSampler

	httpServer *http.Server
}

// New assembles the server around an existing hub.
func New(cfg *config.Config, logger zerolog.Logger, h *hub.Hub, sampler *monitoring.StatusSampler) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger.With().Str("component", "server").Logger(),
		hub:     h,
		tracker: limits.NewConnTracker(cfg.MaxWSConnections, cfg.MaxWSPerAddress),
		limiter: limits.NewMessageLimiter(cfg.MessageRatePerSec, cfg.MessageBurst),
		sampler: sampler,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", monitoring.MetricsHandler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.bodyLimitMiddleware)

		r.Get("/status", s.handleStatus)

		r.Route("/servers/{signingPubkey}", func(r chi.Router) {
			r.Post("/register", s.handlePutHint)
			r.Get("/hint", s.handleGetHint)
			r.Post("/invites", s.handleCreateInvite)
			r.Post("/events", s.handleInsertEvent)
			r.Get("/events", s.handleGetEvents)
			r.Post("/events/ack", s.handleAckEvent)
			r.Post("/ack", s.handleAckEvent)
		})

		r.Route("/invites/{code}", func(r chi.Router) {
			r.Get("/", s.handleGetInvite)
			r.Post("/redeem", s.handleRedeemInvite)
			r.Post("/revoke", s.handleRevokeInvite)
		})

		r.Route("/friends", func(r chi.Router) {
			r.Use(s.friendAuthMiddleware)
			r.Post("/requests", s.handleFriendRequest)
			r.Post("/requests/accept", s.handleFriendAccept)
			r.Post("/requests/decline", s.handleFriendDecline)
			r.Post("/codes", s.handleCreateFriendCode)
			r.Post("/codes/revoke", s.handleRevokeFriendCode)
			r.Post("/codes/redeem", s.handleRedeemFriendCode)
			r.Post("/codes/redemptions/accept", s.handleRedemptionAccept)
			r.Post("/codes/redemptions/decline", s.handleRedemptionDecline)
		})
	})

	return r
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("Server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, drains in-flight requests, then
// tears down the remaining WebSocket connections. Hijacked sockets are
// invisible to http.Server.Shutdown, so the hub closes them explicitly;
// closing each mailbox makes its write pump send a close frame and exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().
		Int64("active_connections", s.tracker.Count()).
		Dur("grace", s.cfg.ShutdownGrace).
		Msg("Initiating graceful shutdown")
	err := s.httpServer.Shutdown(ctx)
	s.hub.DisconnectAll(ctx)
	return err
}
