package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/akmatori/autopilot/internal/api"
)

// SecretHeader carries the shared secret on machine-to-machine callbacks
const SecretHeader = "X-Webhook-Secret"

// SecretAuthConfig holds shared-secret authentication configuration
type SecretAuthConfig struct {
	// Secrets are the accepted values; several may be active during rotation
	Secrets []string
}

// SecretAuthMiddleware authenticates collaborator callbacks with a shared
// secret. With no secrets configured every request passes.
type SecretAuthMiddleware struct {
	mu      sync.RWMutex
	secrets []string
	logger  *zap.Logger
}

// NewSecretAuthMiddleware creates a new shared-secret middleware. Empty
// secrets are ignored.
func NewSecretAuthMiddleware(config SecretAuthConfig, logger *zap.Logger) *SecretAuthMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &SecretAuthMiddleware{logger: logger.Named("secret_auth")}
	for _, s := range config.Secrets {
		m.AddSecret(s)
	}
	return m
}

// Wrap wraps an http.Handler with secret authentication
func (m *SecretAuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		secrets := m.secrets
		m.mu.RUnlock()

		if len(secrets) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		provided := extractSecret(r)
		if provided == "" {
			m.unauthorized(w, "Missing webhook secret")
			return
		}
		if !matchSecret(provided, secrets) {
			m.logger.Warn("Invalid webhook secret", zap.String("remote_addr", r.RemoteAddr), zap.String("path", r.URL.Path))
			m.unauthorized(w, "Invalid webhook secret")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// WrapFunc wraps an http.HandlerFunc with secret authentication
func (m *SecretAuthMiddleware) WrapFunc(next http.HandlerFunc) http.HandlerFunc {
	return m.Wrap(next).ServeHTTP
}

// AddSecret starts accepting a secret
func (m *SecretAuthMiddleware) AddSecret(secret string) {
	if secret = strings.TrimSpace(secret); secret == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.secrets {
		if s == secret {
			return
		}
	}
	m.secrets = append(append([]string(nil), m.secrets...), secret)
}

// RemoveSecret stops accepting a secret
func (m *SecretAuthMiddleware) RemoveSecret(secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := make([]string, 0, len(m.secrets))
	for _, s := range m.secrets {
		if s != secret {
			kept = append(kept, s)
		}
	}
	m.secrets = kept
}

// IsEnabled reports whether any secret is configured
func (m *SecretAuthMiddleware) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.secrets) > 0
}

// extractSecret supports "Authorization: Bearer <secret>" and X-Webhook-Secret
func extractSecret(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get(SecretHeader)
}

// matchSecret compares in constant time against every accepted secret
func matchSecret(provided string, secrets []string) bool {
	ok := false
	for _, s := range secrets {
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s)) == 1 {
			ok = true
		}
	}
	return ok
}

func (m *SecretAuthMiddleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer realm=\"webhook\"")
	api.RespondError(w, http.StatusUnauthorized, message)
}
