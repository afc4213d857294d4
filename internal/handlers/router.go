package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/akmatori/autopilot/internal/middleware"
)

// PublicPaths skip JWT authentication. Webhooks carry their own secrets.
var PublicPaths = []string{
	"/health",
	"/metrics",
	"/auth/login",
	"/webhook/*",
}

// RouterConfig wires the HTTP surface
type RouterConfig struct {
	Health   *HTTPHandler
	Auth     *AuthHandler
	API      *APIHandler
	Webhooks *WebhookHandler
	Live     *LiveHub

	JWTAuth     *middleware.JWTAuthMiddleware
	CORS        *middleware.CORSMiddleware
	Limiter     *middleware.RateLimitMiddleware
	OutcomeAuth *middleware.SecretAuthMiddleware
	Logger      *zap.Logger
}

// NewRouter registers every route and wraps the mux with request ids, access
// logging, CORS and JWT authentication, outermost first.
func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	if cfg.Health != nil {
		cfg.Health.SetupRoutes(mux)
	}
	if cfg.Auth != nil {
		cfg.Auth.SetupRoutes(mux)
	}
	if cfg.API != nil {
		cfg.API.SetupRoutes(mux)
	}
	if cfg.Live != nil {
		cfg.Live.SetupRoutes(mux)
	}
	if cfg.Webhooks != nil {
		limit := passThrough
		if cfg.Limiter != nil {
			limit = cfg.Limiter.WrapFunc
		}
		outcomeAuth := passThrough
		if cfg.OutcomeAuth != nil {
			outcomeAuth = cfg.OutcomeAuth.WrapFunc
		}
		cfg.Webhooks.SetupRoutes(mux, limit, outcomeAuth)
	}

	var handler http.Handler = mux
	if cfg.JWTAuth != nil {
		handler = cfg.JWTAuth.Wrap(handler)
	}
	if cfg.CORS != nil {
		handler = cfg.CORS.Wrap(handler)
	}
	handler = middleware.AccessLog(cfg.Logger)(handler)
	return middleware.RequestIDMiddleware(handler)
}

func passThrough(next http.HandlerFunc) http.HandlerFunc { return next }
