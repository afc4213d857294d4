package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/akmatori/autopilot/internal/api"
	"github.com/akmatori/autopilot/internal/middleware"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	jwtAuth *middleware.JWTAuthMiddleware
	logger  *zap.Logger
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(jwtAuth *middleware.JWTAuthMiddleware, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{
		jwtAuth: jwtAuth,
		logger:  logger.Named("auth"),
	}
}

// SetupRoutes sets up authentication routes
func (h *AuthHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/login", h.handleLogin)
	mux.HandleFunc("GET /auth/verify", h.handleVerify)
}

// handleLogin handles POST /auth/login
func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	if !h.jwtAuth.ValidateCredentials(req.Username, req.Password) {
		h.logger.Warn("Failed login attempt", zap.String("username", req.Username), zap.String("remote_addr", r.RemoteAddr))
		api.RespondError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	token, err := h.jwtAuth.GenerateToken(req.Username)
	if err != nil {
		h.logger.Error("Failed to generate token", zap.String("username", req.Username), zap.Error(err))
		api.RespondError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	h.logger.Info("User logged in", zap.String("username", req.Username), zap.String("remote_addr", r.RemoteAddr))

	api.RespondJSON(w, http.StatusOK, api.LoginResponse{
		Token:     token,
		Username:  req.Username,
		ExpiresIn: int(h.jwtAuth.Expiry().Seconds()),
	})
}

// handleVerify handles GET /auth/verify - verifies if the current token is valid
func (h *AuthHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == "" {
		api.RespondError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"valid":    true,
		"username": user,
	})
}
