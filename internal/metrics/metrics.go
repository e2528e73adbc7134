package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Portal API metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kportal_requests_total",
			Help: "Total number of portal API requests processed",
		},
		[]string{"route", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kportal_request_duration_seconds",
			Help:    "Portal API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Payment metrics
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kportal_payments_total",
			Help: "Payments by method and final status",
		},
		[]string{"method", "status"},
	)

	PaymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kportal_payment_duration_seconds",
			Help:    "Time from checkout to settlement in seconds",
			Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"method"},
	)

	GatewayRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kportal_gateway_retries_total",
			Help: "Payment gateway initiation retries",
		},
		[]string{"gateway"},
	)

	RevenueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kportal_revenue_total",
			Help: "Revenue from successful payments, in catalog currency units",
		},
		[]string{"package"},
	)

	// Session metrics
	WindowsGranted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kportal_windows_granted_total",
			Help: "Access windows granted per package",
		},
		[]string{"package"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kportal_active_sessions",
			Help: "Number of registry entries, active or awaiting reap",
		},
	)

	SessionsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kportal_sessions_reaped_total",
			Help: "Expired access windows removed from the registry",
		},
	)

	SessionsRestored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kportal_sessions_restored_total",
			Help: "Persisted access windows examined at startup by outcome",
		},
		[]string{"outcome"},
	)

	CountdownWatchers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kportal_countdown_watchers",
			Help: "Number of running countdown streams",
		},
	)

	// Catalog metrics
	CatalogCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kportal_catalog_cache_hits_total",
			Help: "Package lookups served from cache",
		},
	)

	CatalogCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kportal_catalog_cache_misses_total",
			Help: "Package lookups that went to storage",
		},
	)

	// Subscription metrics
	SubscriptionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kportal_subscription_events_total",
			Help: "Operator subscription changes by plan and event",
		},
		[]string{"plan", "event"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		PaymentsTotal,
		PaymentDuration,
		GatewayRetries,
		RevenueTotal,
		WindowsGranted,
		ActiveSessions,
		SessionsReaped,
		SessionsRestored,
		CountdownWatchers,
		CatalogCacheHits,
		CatalogCacheMisses,
		SubscriptionEvents,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
