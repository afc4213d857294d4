package middleware

import (
	"net/http"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/akmatori/autopilot/internal/api"
)

// maxLimiterKeys bounds the per-key limiter map; requests for further keys
// only pass the global limiter.
const maxLimiterKeys = 256

// RateLimitConfig configures the ingress limiter. PerKeyRPS of zero disables the
// per-key tier.
type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	PerKeyRPS   float64
	PerKeyBurst int

	// Key picks the bucket for a request, e.g. the monitoring source
	Key func(r *http.Request) string
}

// RateLimitMiddleware sheds webhook load with token buckets: one shared bucket
// and one per key.
type RateLimitMiddleware struct {
	config RateLimitConfig
	global *rate.Limiter
	logger *zap.Logger

	mu    sync.Mutex
	byKey map[string]*rate.Limiter
}

// NewRateLimitMiddleware creates a new ingress limiter
func NewRateLimitMiddleware(config RateLimitConfig, logger *zap.Logger) *RateLimitMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimitMiddleware{
		config: config,
		global: rate.NewLimiter(rate.Limit(config.GlobalRPS), burstFor(config.GlobalRPS, config.GlobalBurst)),
		logger: logger.Named("ratelimit"),
		byKey:  make(map[string]*rate.Limiter),
	}
}

// burstFor defaults the burst to twice the rate
func burstFor(rps float64, burst int) int {
	if burst > 0 {
		return burst
	}
	if b := int(rps * 2); b > 0 {
		return b
	}
	return 1
}

// Allow reports whether a request for key may proceed
func (m *RateLimitMiddleware) Allow(key string) bool {
	if !m.global.Allow() {
		return false
	}
	if key == "" || m.config.PerKeyRPS <= 0 {
		return true
	}

	m.mu.Lock()
	limiter, ok := m.byKey[key]
	if !ok && len(m.byKey) < maxLimiterKeys {
		limiter = rate.NewLimiter(rate.Limit(m.config.PerKeyRPS), burstFor(m.config.PerKeyRPS, m.config.PerKeyBurst))
		m.byKey[key] = limiter
	}
	m.mu.Unlock()

	if limiter == nil {
		return true
	}
	return limiter.Allow()
}

// Wrap wraps an http.Handler with rate limiting
func (m *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var key string
		if m.config.Key != nil {
			key = m.config.Key(r)
		}
		if !m.Allow(key) {
			m.logger.Warn("Rate limit exceeded",
				zap.String("key", key),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr))
			w.Header().Set("Retry-After", strconv.Itoa(1))
			api.RespondErrorWithCode(w, http.StatusTooManyRequests, api.CodeRateLimited, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WrapFunc wraps an http.HandlerFunc with rate limiting
func (m *RateLimitMiddleware) WrapFunc(next http.HandlerFunc) http.HandlerFunc {
	return m.Wrap(next).ServeHTTP
}
