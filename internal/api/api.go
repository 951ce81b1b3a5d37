// Package api exposes the voice webhooks and the admin endpoints of CallIntake.
//
// Each Twilio callback is parsed, validated and handed to the call flow; the resulting
// instruction is rendered as TwiML. Admin endpoints serve persisted call records, health
// and metrics as JSON or Prometheus text.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CallIntake/internal/flow"
	"github.com/BTreeMap/CallIntake/internal/metrics"
	"github.com/BTreeMap/CallIntake/internal/store"
	"github.com/BTreeMap/CallIntake/internal/twiliovoice"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

// Server defaults.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// CallFlow is the state machine behind the voice webhooks.
type CallFlow interface {
	Start(ctx context.Context, callID string) (flow.Instruction, error)
	Ask(ctx context.Context, callID string) (flow.Instruction, error)
	Transcribe(ctx context.Context, callID string, in flow.Input) (flow.Instruction, error)
	Confirm(ctx context.Context, callID string, in flow.Input) (flow.Instruction, error)
	Transfer(ctx context.Context, callID string) (flow.Instruction, error)
	Hangup(ctx context.Context, callID, callStatus string) error
}

// Opts holds optional Server settings.
type Opts struct {
	Addr           string
	RateLimitRPS   float64
	RateLimitBurst int
	Verifier       *twiliovoice.SignatureVerifier
	Metrics        *metrics.Metrics
}

// Option configures a Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithRateLimit limits voice webhooks per call. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *Opts) {
		o.RateLimitRPS = rps
		o.RateLimitBurst = burst
	}
}

// WithSignatureVerifier rejects voice webhooks that fail Twilio signature checks.
func WithSignatureVerifier(v *twiliovoice.SignatureVerifier) Option {
	return func(o *Opts) { o.Verifier = v }
}

// WithMetrics enables request metrics and the /metrics endpoint.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// Server serves the CallIntake HTTP API.
type Server struct {
	calls    CallFlow
	renderer *twiliovoice.Renderer
	records  store.RecordStore
	validate *validator.Validate
	verifier *twiliovoice.SignatureVerifier
	limiter  *callRateLimiter
	metrics  *metrics.Metrics
	addr     string
}

// NewServer creates a Server.
func NewServer(calls CallFlow, renderer *twiliovoice.Renderer, records store.RecordStore, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		calls:    calls,
		renderer: renderer,
		records:  records,
		validate: validator.New(),
		verifier: cfg.Verifier,
		metrics:  cfg.Metrics,
		addr:     cfg.Addr,
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = newCallRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	slog.Debug("Server.NewServer", "addr", s.addr, "signature_check", s.verifier != nil,
		"rate_limit_rps", cfg.RateLimitRPS, "metrics", s.metrics != nil)
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(logRequests)
	r.Use(recoverPanics)

	r.Get("/healthz", s.healthHandler)
	r.Get("/calls", s.listCallsHandler)
	r.Get("/calls/{callSid}", s.getCallHandler)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/voice", func(r chi.Router) {
		r.Use(parseForm)
		if s.verifier != nil {
			r.Use(s.verifySignature)
		}
		if s.limiter != nil {
			r.Use(s.limiter.middleware)
		}
		r.Post("/answer", s.voiceHandler("answer", s.answer))
		r.Post("/ask", s.voiceHandler("ask", s.ask))
		r.Post("/transcribe", s.voiceHandler("transcribe", s.transcribe))
		r.Post("/confirm", s.voiceHandler("confirm", s.confirm))
		r.Post("/transfer", s.voiceHandler("transfer", s.transfer))
		r.Post("/status", s.statusHandler)
	})
	return r
}

// PruneRateLimits drops per-call rate limit state idle for longer than idle. It returns
// the number of entries dropped.
func (s *Server) PruneRateLimits(idle time.Duration) int {
	if s.limiter == nil {
		return 0
	}
	n := s.limiter.prune(s.limiter.now().Add(-idle))
	if n > 0 {
		slog.Debug("Server.PruneRateLimits: dropped idle entries", "count", n)
	}
	return n
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			slog.Error("Server.Run: server failed", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: graceful shutdown failed", "error", err)
		return err
	}
	return nil
}
