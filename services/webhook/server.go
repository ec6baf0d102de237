// Package webhook accepts signed chain events pushed by polyswarmd and feeds
// them to the coordination loop as an alternative to the websocket stream.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"polyswarmclient/core/events"
	"polyswarmclient/observability/metrics"
)

const (
	HeaderSignature = "X-POLYSWARM-SIGNATURE"
	HeaderEvent     = "X-POLYSWARM-EVENT"
	HeaderChain     = "X-POLYSWARM-CHAIN"

	// DefaultChain receives deliveries that do not name a chain.
	DefaultChain = "home"

	requestLimit  = 1 << 20 // 1 MiB
	defaultBuffer = 256
)

// ErrSecretRequired is returned when the server is built without a secret.
var ErrSecretRequired = errors.New("webhook: secret required")

// Server verifies and queues webhook deliveries per chain.
type Server struct {
	secret  string
	limiter *RateLimiter
	logger  *slog.Logger
	metrics *metrics.WebhookMetrics
	exposed http.Handler
	now     func() time.Time
	buffer  int

	mu      sync.Mutex
	streams map[string]chan events.Event
}

// Option configures a Server.
type Option func(*Server)

func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) {
		if rl != nil {
			s.limiter = rl
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.WebhookMetrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithMetricsHandler replaces the handler mounted on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.exposed = h
	}
}

// WithBuffer sets how many undelivered events are held per chain before
// deliveries are refused.
func WithBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.buffer = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a webhook server that verifies deliveries against secret.
func New(secret string, opts ...Option) (*Server, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrSecretRequired
	}
	s := &Server{
		secret:  secret,
		limiter: NewRateLimiter(),
		logger:  slog.Default(),
		exposed: promhttp.Handler(),
		now:     time.Now,
		buffer:  defaultBuffer,
		streams: make(map[string]chan events.Event),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the HTTP routes served by the webhook.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/events", s.handleEvent)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.exposed != nil {
		r.Method(http.MethodGet, "/metrics", s.exposed)
	}
	return r
}

// Subscribe returns the delivery stream for chain. Deliveries received before
// the first subscription are buffered.
func (s *Server) Subscribe(ctx context.Context, chain string) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Stream{events: s.queue(chain), closed: make(chan struct{})}, nil
}

func (s *Server) queue(chain string) chan events.Event {
	chain = strings.ToLower(strings.TrimSpace(chain))
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.streams[chain]
	if !ok {
		q = make(chan events.Event, s.buffer)
		s.streams[chain] = q
	}
	return q
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	source := clientID(r)
	now := s.now()
	if !s.limiter.Allow(source, now) {
		s.metrics.RecordThrottled(source)
		wait := s.limiter.RetryAfter(source, now)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
		return
	}

	kind := strings.TrimSpace(r.Header.Get(HeaderEvent))
	body, err := io.ReadAll(io.LimitReader(r.Body, requestLimit+1))
	if err != nil {
		s.metrics.RecordDelivery(kind, "rejected")
		writeError(w, http.StatusBadRequest, fmt.Errorf("read request body: %w", err))
		return
	}
	if len(body) > requestLimit {
		s.metrics.RecordDelivery(kind, "rejected")
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
		return
	}
	if !VerifySignature(s.secret, body, r.Header.Get(HeaderSignature)) {
		s.metrics.RecordDelivery(kind, "unauthorized")
		s.logger.Warn("webhook signature mismatch", slog.String("source", source), slog.String("kind", kind))
		writeError(w, http.StatusUnauthorized, errors.New("invalid signature"))
		return
	}
	ev, err := events.Decode(kind, body)
	if err != nil {
		s.metrics.RecordDelivery(kind, "rejected")
		writeError(w, http.StatusBadRequest, err)
		return
	}

	chain := strings.TrimSpace(r.Header.Get(HeaderChain))
	if chain == "" {
		chain = DefaultChain
	}
	select {
	case s.queue(chain) <- ev:
		s.metrics.RecordDelivery(kind, "accepted")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	default:
		s.metrics.RecordDelivery(kind, "dropped")
		s.logger.Warn("webhook backlog full", slog.String("chain", chain), slog.String("kind", kind))
		writeError(w, http.StatusServiceUnavailable, errors.New("event backlog full"))
	}
}

// Stream yields the deliveries queued for one chain.
type Stream struct {
	events <-chan events.Event
	closed chan struct{}
	once   sync.Once
}

// Next blocks until a delivery is available, ctx is done or the stream is
// closed.
func (st *Stream) Next(ctx context.Context) (events.Event, error) {
	select {
	case ev := <-st.events:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-st.closed:
		return nil, io.EOF
	}
}

// Close releases the stream. Undelivered events stay queued for the next
// subscription.
func (st *Stream) Close() error {
	st.once.Do(func() { close(st.closed) })
	return nil
}

func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
