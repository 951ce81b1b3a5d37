package api

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/BTreeMap/CallIntake/internal/models"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

type ctxKey int

const requestIDKey ctxKey = iota

// RequestIDFrom returns the request ID stored on ctx, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestID propagates the caller's X-Request-ID or assigns a new one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// logRequests logs one line per request with its status and duration.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		slog.Info("Server.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
			"request_id", RequestIDFrom(r.Context()))
	})
}

// recoverPanics turns a handler panic into a logged 500.
func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				slog.Error("Server: panic in handler", "panic", rec, "path", r.URL.Path,
					"request_id", RequestIDFrom(r.Context()), "stack", string(debug.Stack()))
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// parseForm parses the webhook body once for the validators and handlers downstream.
func parseForm(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			slog.Warn("Server.parseForm: malformed form body", "path", r.URL.Path, "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Malformed form body"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) verifySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.verifier.Verify(r) {
			writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid request signature"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callRateLimiter keeps a token bucket per CallSid, so a retry storm on one call never
// throttles another. Buckets idle past a cutoff are dropped by prune.
type callRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rateBucket
	rate    rate.Limit
	burst   int
	now     func() time.Time
}

type rateBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newCallRateLimiter(rps float64, burst int) *callRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &callRateLimiter{
		buckets: make(map[string]*rateBucket),
		rate:    rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
	}
}

func (l *callRateLimiter) allow(callID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.buckets[callID]
	if !ok {
		b = &rateBucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[callID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// prune drops buckets not used since cutoff and returns how many were dropped.
func (l *callRateLimiter) prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, id)
			n++
		}
	}
	return n
}

func (l *callRateLimiter) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// middleware runs after parseForm and the signature check. Requests without a CallSid pass
// through to the validator, which rejects them.
func (l *callRateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callID := r.FormValue("CallSid")
		if callID != "" && !l.allow(callID) {
			slog.Warn("Server.rateLimit: too many requests for call", "call_id", callID, "path", r.URL.Path)
			writeJSONResponse(w, http.StatusTooManyRequests, models.Error("Too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
