package portal

import (
	"crypto/subtle"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goodtune/kportal/internal/access"
	"github.com/goodtune/kportal/internal/metrics"
	"github.com/goodtune/kportal/internal/portal/api"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// LoggingMiddleware logs one line per portal request.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			event := logger.Info()
			if rw.status >= http.StatusInternalServerError {
				event = logger.Error()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("client", clientAddr(r)).
				Int("status", rw.status).
				Dur("duration", time.Since(start)).
				Msg("Portal request")
		})
	}
}

// MetricsMiddleware counts requests and observes latency by route template,
// so user keys and transaction IDs never become label values.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			metrics.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rw.status)).Inc()
			metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		})
	}
}

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// RateLimiter admits at most limit requests per client in each fixed window.
type RateLimiter struct {
	clients map[string]*counter
	limit   int
	window  time.Duration
	clock   access.Clock
	mu      sync.Mutex
	stop    chan struct{}
	once    sync.Once
}

type counter struct {
	used    int
	resetAt time.Time
}

// NewRateLimiter starts a limiter; Stop releases its sweep goroutine.
func NewRateLimiter(limit int, window time.Duration, clock access.Clock) *RateLimiter {
	if clock == nil {
		clock = access.RealClock{}
	}

	rl := &RateLimiter{
		clients: make(map[string]*counter),
		limit:   limit,
		window:  window,
		clock:   clock,
		stop:    make(chan struct{}),
	}

	go rl.sweep()

	return rl
}

// Allow records a request from client. When the client is over its limit
// it returns false and the time until its window resets.
func (rl *RateLimiter) Allow(client string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()

	c, ok := rl.clients[client]
	if !ok || !now.Before(c.resetAt) {
		rl.clients[client] = &counter{used: 1, resetAt: now.Add(rl.window)}
		return true, 0
	}

	if c.used >= rl.limit {
		return false, c.resetAt.Sub(now)
	}
	c.used++
	return true, 0
}

// Stop ends the sweep loop. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// sweep drops counters whose window has passed.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.clock.Now()
			for client, c := range rl.clients {
				if !now.Before(c.resetAt) {
					delete(rl.clients, client)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// RateLimitMiddleware rejects clients over their limit with 429 and a
// Retry-After header.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retryAfter := limiter.Allow(clientAddr(r))
			if !ok {
				seconds := int(math.Ceil(retryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(api.ErrorResponse{
					Error:   "rate_limited",
					Message: "Too many purchase requests, try again later",
					Code:    http.StatusTooManyRequests,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CallbackSecretHeader carries the shared secret on provider callbacks.
const CallbackSecretHeader = "X-Callback-Secret"

// SharedSecretMiddleware rejects requests whose header does not carry
// secret. An empty secret disables the check.
func SharedSecretMiddleware(header, secret string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			given := r.Header.Get(header)
			if subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
				logger.Warn().
					Str("path", r.URL.Path).
					Str("remote", clientAddr(r)).
					Msg("Rejected request with bad shared secret")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(api.ErrorResponse{
					Error:   "unauthorized",
					Message: "Invalid or missing " + header,
					Code:    http.StatusUnauthorized,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr returns the host part of the request's remote address.
func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
