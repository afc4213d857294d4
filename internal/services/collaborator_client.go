package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/akmatori/autopilot/internal/database"
	"github.com/akmatori/autopilot/internal/pipeline"
)

// CollaboratorEndpoints are the base URLs of the external tools. An empty URL
// leaves that tool unconfigured.
type CollaboratorEndpoints struct {
	AnalyzerURL  string
	GeneratorURL string
	ReviewerURL  string
	DeployerURL  string
	Token        string

	// ProductionEnvironment tells production deployments from preview ones
	ProductionEnvironment string
}

// CollaboratorClient talks JSON over HTTP to the analysis engine, the code
// generator, the code reviewer and the deployment platform. A 202 response
// means the result will arrive later through the outcome webhook.
type CollaboratorClient struct {
	httpClient *http.Client
	endpoints  CollaboratorEndpoints
}

// NewCollaboratorClient creates a new collaborator client. Per-call deadlines
// come from the caller's context.
func NewCollaboratorClient(endpoints CollaboratorEndpoints) *CollaboratorClient {
	return &CollaboratorClient{
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		endpoints: endpoints,
	}
}

type analyzeRequest struct {
	IssueID          string   `json:"issueId"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Severity         string   `json:"severity"`
	AffectedServices []string `json:"affectedServices"`
	ErrorSignature   string   `json:"errorSignature"`
	Sources          []string `json:"sources"`
}

type analyzeResponse struct {
	Confidence        float64 `json:"confidence"`
	Reasoning         string  `json:"reasoning"`
	RecommendedAction string  `json:"recommendedAction"`
	EstimatedImpact   string  `json:"estimatedImpact"`
	Analyzer          string  `json:"analyzer"`
}

type fixRequest struct {
	ExecutionID string  `json:"executionId"`
	IssueID     string  `json:"issueId"`
	Title       string  `json:"title"`
	Pattern     string  `json:"pattern"`
	Reasoning   string  `json:"reasoning"`
	Confidence  float64 `json:"confidence"`
}

type reviewRequest struct {
	ExecutionID string `json:"executionId"`
	CommitRef   string `json:"commitRef"`
}

type deployRequest struct {
	ExecutionID string `json:"executionId"`
	CommitRef   string `json:"commitRef"`
	Environment string `json:"environment"`
}

// Analyze asks the analysis engine for a root-cause analysis
func (c *CollaboratorClient) Analyze(ctx context.Context, issue *database.Issue) (*database.AnalysisResult, error) {
	var resp analyzeResponse
	err := c.post(ctx, pipeline.StageAnalysis, c.endpoints.AnalyzerURL, "/analyze", analyzeRequest{
		IssueID:          issue.UUID,
		Title:            issue.Title,
		Description:      issue.Description,
		Severity:         string(issue.Severity),
		AffectedServices: issue.AffectedServices,
		ErrorSignature:   issue.ErrorSignature,
		Sources:          issue.Sources,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Confidence < 0 || resp.Confidence > 1 {
		return nil, pipeline.Permanent(pipeline.StageAnalysis, fmt.Errorf("confidence %v out of range", resp.Confidence))
	}
	return &database.AnalysisResult{
		Confidence:        resp.Confidence,
		Reasoning:         resp.Reasoning,
		RecommendedAction: resp.RecommendedAction,
		EstimatedImpact:   resp.EstimatedImpact,
		Analyzer:          firstNonEmpty(resp.Analyzer, string(database.ToolAnalysisEngine)),
	}, nil
}

// GenerateFix asks the code generator for a fix
func (c *CollaboratorClient) GenerateFix(ctx context.Context, issue *database.Issue, analysis *database.AnalysisResult) (*pipeline.Fix, error) {
	req := fixRequest{
		ExecutionID: pipeline.ExecutionIDFromContext(ctx),
		IssueID:     issue.UUID,
		Title:       issue.Title,
		Pattern:     issue.Pattern,
	}
	if analysis != nil {
		req.Reasoning = analysis.Reasoning
		req.Confidence = analysis.Confidence
	}
	var fix pipeline.Fix
	if err := c.post(ctx, pipeline.StageGeneration, c.endpoints.GeneratorURL, "/fixes", req, &fix); err != nil {
		return nil, err
	}
	return &fix, nil
}

// Review asks the code reviewer for a verdict on a commit
func (c *CollaboratorClient) Review(ctx context.Context, commitRef string) (*pipeline.Review, error) {
	var review pipeline.Review
	err := c.post(ctx, pipeline.StageReview, c.endpoints.ReviewerURL, "/reviews", reviewRequest{
		ExecutionID: pipeline.ExecutionIDFromContext(ctx),
		CommitRef:   commitRef,
	}, &review)
	if err != nil {
		return nil, err
	}
	return &review, nil
}

// Deploy ships a commit to an environment
func (c *CollaboratorClient) Deploy(ctx context.Context, commitRef, environment string) (*pipeline.Deployment, error) {
	stage := pipeline.StageTest
	if environment == c.endpoints.ProductionEnvironment {
		stage = pipeline.StageDeploy
	}
	var dep pipeline.Deployment
	err := c.post(ctx, stage, c.endpoints.DeployerURL, "/deployments", deployRequest{
		ExecutionID: pipeline.ExecutionIDFromContext(ctx),
		CommitRef:   commitRef,
		Environment: environment,
	}, &dep)
	if err != nil {
		return nil, err
	}
	return &dep, nil
}

// Rollback undoes a deployment
func (c *CollaboratorClient) Rollback(ctx context.Context, deploymentID string) error {
	path := "/deployments/" + url.PathEscape(deploymentID) + "/rollback"
	err := c.post(ctx, pipeline.StageDeploy, c.endpoints.DeployerURL, path, map[string]string{
		"executionId": pipeline.ExecutionIDFromContext(ctx),
	}, nil)
	if errors.Is(err, pipeline.ErrAwaitingCallback) {
		return nil
	}
	return err
}

// post sends a JSON request and classifies failures: transport errors, 429 and
// 5xx are transient, any other non-2xx status is permanent.
func (c *CollaboratorClient) post(ctx context.Context, stage, baseURL, path string, body, out interface{}) error {
	if baseURL == "" {
		return pipeline.Permanent(stage, errors.New("collaborator not configured"))
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return pipeline.Permanent(stage, fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return pipeline.Permanent(stage, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.endpoints.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.endpoints.Token)
	}
	if id := pipeline.ExecutionIDFromContext(ctx); id != "" {
		req.Header.Set("X-Autopilot-Execution", id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pipeline.Transient(stage, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return pipeline.Transient(stage, fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return pipeline.ErrAwaitingCallback
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return pipeline.Transient(stage, fmt.Errorf("collaborator returned %d: %s", resp.StatusCode, truncateForLog(respBody)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return pipeline.Permanent(stage, fmt.Errorf("collaborator returned %d: %s", resp.StatusCode, truncateForLog(respBody)))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return pipeline.Permanent(stage, fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}

// truncateForLog keeps error messages short
func truncateForLog(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= 200 {
		return s
	}
	return s[:197] + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
