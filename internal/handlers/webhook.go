package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/akmatori/autopilot/internal/alerts"
	"github.com/akmatori/autopilot/internal/api"
	"github.com/akmatori/autopilot/internal/middleware"
	"github.com/akmatori/autopilot/internal/normalizer"
	"github.com/akmatori/autopilot/internal/observability"
	"github.com/akmatori/autopilot/internal/services"
	"github.com/akmatori/autopilot/internal/utils"
)

// Ingester turns raw monitoring payloads into issues
type Ingester interface {
	Ingest(ctx context.Context, source string, payload []byte, observedAt time.Time) ([]*normalizer.Result, error)
}

// AdapterLookup finds the adapter registered for a monitoring source
type AdapterLookup interface {
	Adapter(source string) (alerts.Adapter, bool)
}

// OutcomeApplier applies collaborator callbacks
type OutcomeApplier interface {
	Handle(ctx context.Context, wh services.OutcomeWebhook) (*services.OutcomeResult, error)
}

// WebhookHandler receives monitoring events and collaborator callbacks
type WebhookHandler struct {
	ingester Ingester
	adapters AdapterLookup
	outcomes OutcomeApplier
	secrets  func(source string) string
	logger   *zap.Logger
	now      func() time.Time
}

// NewWebhookHandler creates a new webhook handler. secrets returns the shared
// secret for a source; an empty secret disables the check for that source.
func NewWebhookHandler(ingester Ingester, adapters AdapterLookup, outcomes OutcomeApplier, secrets func(string) string, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if secrets == nil {
		secrets = func(string) string { return "" }
	}
	return &WebhookHandler{
		ingester: ingester,
		adapters: adapters,
		outcomes: outcomes,
		secrets:  secrets,
		logger:   logger.Named("webhook"),
		now:      time.Now,
	}
}

// SetupRoutes configures webhook routes. limit wraps the event route and
// outcomeAuth wraps the callback route.
func (h *WebhookHandler) SetupRoutes(mux *http.ServeMux, limit, outcomeAuth func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("POST /webhook/event/{source}", limit(h.HandleEvent))
	mux.HandleFunc("POST /webhook/outcome", outcomeAuth(h.HandleOutcome))
}

// HandleEvent accepts a monitoring event. Once the source is known and
// authenticated the delivery is always acknowledged with 202, including
// payloads that turn out to be malformed, so upstream retries do not amplify
// load.
// Route: POST /webhook/event/{source}
func (h *WebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")
	log := h.logger.With(observability.Source(utils.EscapeForLogging(source, 64)), zap.String("request_id", middleware.GetRequestID(r.Context())))

	adapter, ok := h.adapters.Adapter(source)
	if !ok {
		log.Warn("Webhook for unknown source")
		api.RespondError(w, http.StatusNotFound, "Unknown source")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, api.MaxBodySize))
	if err != nil {
		log.Warn("Failed to read webhook body", zap.Error(err))
		api.RespondError(w, http.StatusRequestEntityTooLarge, "Failed to read request body")
		return
	}

	if err := adapter.ValidateWebhookSecret(r, body, h.secrets(source)); err != nil {
		log.Warn("Webhook secret validation failed", zap.String("remote_addr", r.RemoteAddr))
		api.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	// The issue is persisted before acknowledging; a client hanging up must
	// not abort that write.
	ctx := context.WithoutCancel(r.Context())
	results, err := h.ingester.Ingest(ctx, source, body, h.now())
	var malformed *normalizer.MalformedEventError
	switch {
	case errors.As(err, &malformed):
		// logged by the coordinator; acknowledged anyway
	case err != nil:
		log.Error("Failed to ingest event", zap.Error(err))
		api.RespondError(w, http.StatusServiceUnavailable, "Failed to store event")
		return
	default:
		log.Debug("Event ingested", zap.Int("issues", len(results)))
	}

	api.RespondAccepted(w, source, middleware.GetRequestID(r.Context()))
}

// HandleOutcome applies a collaborator callback
// Route: POST /webhook/outcome
func (h *WebhookHandler) HandleOutcome(w http.ResponseWriter, r *http.Request) {
	var req api.OutcomeRequest
	if err := api.DecodeJSONLenient(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	wh := services.OutcomeWebhook{
		EventType:   req.EventType,
		WorkflowID:  req.WorkflowID,
		ExecutionID: req.ExecutionID,
		Data:        req.Data,
	}
	if req.Timestamp != nil {
		wh.Timestamp = *req.Timestamp
	}

	result, err := h.outcomes.Handle(context.WithoutCancel(r.Context()), wh)
	if err != nil {
		status, code := outcomeErrorStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Failed to apply outcome webhook",
				zap.String("event_type", req.EventType),
				observability.ExecutionID(req.ExecutionID),
				zap.Error(err))
			api.RespondErrorWithCode(w, status, code, "Failed to apply outcome")
			return
		}
		api.RespondErrorWithCode(w, status, code, err.Error())
		return
	}

	api.RespondJSON(w, http.StatusOK, api.OutcomeResponse{
		Duplicate: result.Duplicate,
		Action:    result.Action,
	})
}

// outcomeErrorStatus maps outcome service errors to HTTP statuses
func outcomeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrUnknownEventType):
		return http.StatusBadRequest, api.CodeUnknownEventType
	case errors.Is(err, services.ErrUnknownTarget):
		return http.StatusNotFound, api.CodeUnknownTarget
	case errors.Is(err, services.ErrUnexpectedCallback):
		return http.StatusConflict, api.CodeUnexpectedCallback
	case errors.Is(err, services.ErrExecutionFinished):
		return http.StatusConflict, api.CodeExecutionFinished
	default:
		return http.StatusInternalServerError, api.CodeInternal
	}
}
