package server

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"forge/internal/logger"
)

// RequestID assigns every request a correlation id, visible in logs
// and the X-Request-Id response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLogger logs one line per completed request.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.FromContext(r.Context(), log).Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
			)
		})
	}
}

type cachedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// WebhookRateLimit limits hook deliveries per remote address. Pushes
// arrive in bursts from the same host, so the limiter allows a small
// burst above the sustained rate.
func WebhookRateLimit(perSecond float64) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*cachedLimiter)
	)

	// Idle entries are dropped so the map cannot grow unboundedly.
	const ttl = 5 * time.Minute

	lookup := func(addr string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		for key, cached := range limiters {
			if now.Sub(cached.lastSeen) > ttl {
				delete(limiters, key)
			}
		}

		cached, ok := limiters[addr]
		if !ok {
			burst := int(perSecond * 2)
			if burst < 1 {
				burst = 1
			}
			cached = &cachedLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
			limiters[addr] = cached
		}
		cached.lastSeen = now
		return cached.limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if perSecond > 0 {
				host, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					host = r.RemoteAddr
				}
				if !lookup(host).Allow() {
					w.Header().Set("Retry-After", "1")
					http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
