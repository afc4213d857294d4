package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/akmatori/autopilot/internal/api"
	"github.com/akmatori/autopilot/internal/database"
	"github.com/akmatori/autopilot/internal/services"
	"github.com/akmatori/autopilot/internal/utils"
)

// Querier serves read-only snapshots
type Querier interface {
	ListIssues(ctx context.Context, status database.IssueStatus, offset, limit int) ([]database.Issue, int64, error)
	GetIssue(ctx context.Context, uuid string) (*services.IssueDetail, error)
	GetDecision(ctx context.Context, uuid string) (*database.Decision, error)
	GetExecution(ctx context.Context, uuid string) (*database.PipelineExecution, error)
	Stats(ctx context.Context) (*services.Stats, error)
}

// APIHandler handles the dashboard API endpoints
type APIHandler struct {
	query  Querier
	logger *zap.Logger
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(query Querier, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{query: query, logger: logger.Named("api")}
}

// SetupRoutes configures all API routes
func (h *APIHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/issues", h.handleListIssues)
	mux.HandleFunc("GET /api/issues/{uuid}", h.handleGetIssue)
	mux.HandleFunc("GET /api/decisions/{uuid}", h.handleGetDecision)
	mux.HandleFunc("GET /api/executions/{uuid}", h.handleGetExecution)
	mux.HandleFunc("GET /api/stats", h.handleStats)
}

// handleListIssues handles GET /api/issues?status=&page=&per_page=
func (h *APIHandler) handleListIssues(w http.ResponseWriter, r *http.Request) {
	status := database.IssueStatus(r.URL.Query().Get("status"))
	switch status {
	case "", database.IssueStatusDetected, database.IssueStatusAnalyzing, database.IssueStatusResolved, database.IssueStatusEscalated:
	default:
		api.RespondError(w, http.StatusBadRequest, "Invalid status filter")
		return
	}

	page := api.ParsePagination(r)
	issues, total, err := h.query.ListIssues(r.Context(), status, page.Offset(), page.PerPage)
	if err != nil {
		h.internalError(w, "Failed to list issues", err)
		return
	}

	api.RespondJSON(w, http.StatusOK, api.PaginatedResponse{
		Data:       api.IssuesToListItems(issues),
		Pagination: page.Meta(total),
	})
}

// handleGetIssue handles GET /api/issues/{uuid}
func (h *APIHandler) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	detail, err := h.query.GetIssue(r.Context(), id)
	if err != nil {
		h.notFoundOrError(w, "Issue", err)
		return
	}

	resp := api.IssueDetailResponse{
		Issue:    detail.Issue,
		Signals:  detail.Signals,
		Analysis: detail.Analysis,
		Decision: detail.Decision,
	}
	if detail.Execution != nil {
		view := api.ExecutionToView(*detail.Execution)
		resp.Execution = &view
	}
	api.RespondJSON(w, http.StatusOK, resp)
}

// handleGetDecision handles GET /api/decisions/{uuid}
func (h *APIHandler) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	d, err := h.query.GetDecision(r.Context(), id)
	if err != nil {
		h.notFoundOrError(w, "Decision", err)
		return
	}
	api.RespondJSON(w, http.StatusOK, d)
}

// handleGetExecution handles GET /api/executions/{uuid}
func (h *APIHandler) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	exec, err := h.query.GetExecution(r.Context(), id)
	if err != nil {
		h.notFoundOrError(w, "Execution", err)
		return
	}
	api.RespondJSON(w, http.StatusOK, api.ExecutionToView(*exec))
}

// handleStats handles GET /api/stats
func (h *APIHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.query.Stats(r.Context())
	if err != nil {
		h.internalError(w, "Failed to compute stats", err)
		return
	}
	api.RespondJSON(w, http.StatusOK, stats)
}

func pathUUID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("uuid")
	if err := utils.ValidateUUID(id); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

func (h *APIHandler) notFoundOrError(w http.ResponseWriter, kind string, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		api.RespondError(w, http.StatusNotFound, kind+" not found")
		return
	}
	h.internalError(w, "Failed to load "+kind, err)
}

func (h *APIHandler) internalError(w http.ResponseWriter, message string, err error) {
	h.logger.Error(message, zap.Error(err))
	api.RespondError(w, http.StatusInternalServerError, message)
}
