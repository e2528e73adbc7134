package portal

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/kportal/internal/access"
	"github.com/goodtune/kportal/internal/portal/api"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// Config holds the portal server configuration.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	RateLimit       int
	RateLimitWindow time.Duration
	TickInterval    time.Duration
	ShutdownTimeout time.Duration
	CallbackSecret  string
}

// Server represents the captive portal HTTP server.
type Server struct {
	config      Config
	catalog     api.Catalog
	payments    api.Payments
	sessions    api.Sessions
	subs        api.Subscriptions
	clock       access.Clock
	rateLimiter *RateLimiter
	server      *http.Server
	router      *mux.Router
	listener    net.Listener // Optional pre-created listener (for systemd socket activation)
	streams     context.Context
	stopStreams context.CancelFunc
	logger      zerolog.Logger
}

// NewServer creates a new portal server.
func NewServer(cfg Config, catalog api.Catalog, payments api.Payments, sessions api.Sessions, subs api.Subscriptions, clock access.Clock, logger zerolog.Logger) *Server {
	if clock == nil {
		clock = access.RealClock{}
	}

	rateLimit := cfg.RateLimit
	if rateLimit == 0 {
		rateLimit = 60 // Default: 60 checkouts per minute per client
	}
	rateLimitWindow := cfg.RateLimitWindow
	if rateLimitWindow == 0 {
		rateLimitWindow = time.Minute
	}

	s := &Server{
		config:      cfg,
		catalog:     catalog,
		payments:    payments,
		sessions:    sessions,
		subs:        subs,
		clock:       clock,
		rateLimiter: NewRateLimiter(rateLimit, rateLimitWindow, clock),
		router:      mux.NewRouter(),
		logger:      logger.With().Str("component", "portal").Logger(),
	}
	// Shutdown does not cancel running requests, so countdown streams
	// are ended explicitly.
	s.streams, s.stopStreams = context.WithCancel(context.Background())

	s.setupRoutes()

	var handler http.Handler = s.router
	if len(cfg.AllowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Accept", "Last-Event-ID", CallbackSecretHeader},
		}).Handler(handler)
	}

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.server.RegisterOnShutdown(s.stopStreams)

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(MetricsMiddleware())

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	packageHandler := api.NewPackageHandler(s.catalog, s.logger)
	purchaseHandler := api.NewPurchaseHandler(s.payments, s.clock, s.logger)
	sessionHandler := api.NewSessionHandler(s.sessions, s.clock, s.config.TickInterval, s.streams, s.logger)
	statsHandler := api.NewStatsHandler(s.sessions, s.payments, s.clock, s.logger)
	subscriptionHandler := api.NewSubscriptionHandler(s.subs, s.logger)

	// Customer routes
	s.router.HandleFunc("/api/packages", packageHandler.List).Methods("GET")
	s.router.HandleFunc("/api/packages/{id}", packageHandler.Get).Methods("GET")

	// Status polling stays outside the limiter
	s.router.HandleFunc("/api/purchases/{id}", purchaseHandler.Get).Methods("GET")

	checkout := s.router.PathPrefix("/api/purchases").Subrouter()
	checkout.Use(RateLimitMiddleware(s.rateLimiter))
	checkout.HandleFunc("", purchaseHandler.Create).Methods("POST")
	checkout.HandleFunc("/{id}", purchaseHandler.Cancel).Methods("DELETE")

	callback := SharedSecretMiddleware(CallbackSecretHeader, s.config.CallbackSecret, s.logger)
	s.router.Handle("/api/payments/callback", callback(http.HandlerFunc(purchaseHandler.Callback))).Methods("POST")

	s.router.HandleFunc("/api/sessions/{key}", sessionHandler.Get).Methods("GET")
	s.router.HandleFunc("/api/sessions/{key}/countdown", sessionHandler.Countdown).Methods("GET")
	s.router.HandleFunc("/api/sessions/{key}", sessionHandler.Disconnect).Methods("DELETE")

	// Admin routes
	admin := s.router.PathPrefix("/api/admin").Subrouter()
	admin.HandleFunc("/packages", packageHandler.List).Methods("GET")
	admin.HandleFunc("/packages", packageHandler.Create).Methods("POST")
	admin.HandleFunc("/packages/{id}", packageHandler.Get).Methods("GET")
	admin.HandleFunc("/packages/{id}", packageHandler.Update).Methods("PUT")
	admin.HandleFunc("/packages/{id}", packageHandler.Delete).Methods("DELETE")
	admin.HandleFunc("/sessions", sessionHandler.List).Methods("GET")
	admin.HandleFunc("/sessions/{key}", sessionHandler.Disconnect).Methods("DELETE")
	admin.HandleFunc("/transactions", purchaseHandler.List).Methods("GET")
	admin.HandleFunc("/transactions", purchaseHandler.Record).Methods("POST")
	admin.HandleFunc("/stats", statsHandler.Get).Methods("GET")
	admin.HandleFunc("/plans", subscriptionHandler.ListPlans).Methods("GET")
	admin.HandleFunc("/plans", subscriptionHandler.CreatePlan).Methods("POST")
	admin.HandleFunc("/plans/{id}", subscriptionHandler.GetPlan).Methods("GET")
	admin.HandleFunc("/plans/{id}", subscriptionHandler.UpdatePlan).Methods("PUT")
	admin.HandleFunc("/plans/{id}", subscriptionHandler.DeletePlan).Methods("DELETE")
	admin.HandleFunc("/subscriptions", subscriptionHandler.List).Methods("GET")
	admin.HandleFunc("/subscriptions", subscriptionHandler.Create).Methods("POST")
	admin.HandleFunc("/subscriptions/{id}", subscriptionHandler.Get).Methods("GET")
	admin.HandleFunc("/subscriptions/{id}/cancel", subscriptionHandler.Cancel).Methods("POST")
	admin.HandleFunc("/subscriptions/{id}/renew", subscriptionHandler.Renew).Methods("POST")
	admin.HandleFunc("/subscriptions/{id}/users", subscriptionHandler.SetUserCount).Methods("PUT")
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the portal HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting portal server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated portal listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Portal server error")
		}
	}()

	return nil
}

// Stop gracefully stops the portal HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping portal server")
	s.rateLimiter.Stop()

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("portal server shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
