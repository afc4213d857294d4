package adapters

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/akmatori/autopilot/internal/alerts"
	"github.com/akmatori/autopilot/internal/database"
)

// GitHubAdapter turns failed GitHub Actions workflow runs into events
type GitHubAdapter struct {
	alerts.BaseAdapter
}

// NewGitHubAdapter creates a new GitHub adapter
func NewGitHubAdapter() *GitHubAdapter {
	return &GitHubAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: "github"},
	}
}

// GitHubWorkflowRunPayload is the workflow_run webhook payload
type GitHubWorkflowRunPayload struct {
	Action      string `json:"action"`
	WorkflowRun *struct {
		ID           int64  `json:"id"`
		Name         string `json:"name"`
		HeadBranch   string `json:"head_branch"`
		HeadSHA      string `json:"head_sha"`
		Conclusion   string `json:"conclusion"`
		HTMLURL      string `json:"html_url"`
		RunAttempt   int    `json:"run_attempt"`
		DisplayTitle string `json:"display_title"`
	} `json:"workflow_run"`
	Repository struct {
		Name     string `json:"name"`
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// ValidateWebhookSecret verifies the X-Hub-Signature-256 HMAC of the body
func (a *GitHubAdapter) ValidateWebhookSecret(r *http.Request, body []byte, secret string) error {
	if secret == "" {
		return nil
	}
	sig, ok := strings.CutPrefix(r.Header.Get("X-Hub-Signature-256"), "sha256=")
	if !ok {
		return alerts.ErrInvalidSecret
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return alerts.ErrInvalidSecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return alerts.ErrInvalidSecret
	}
	return nil
}

// ParsePayload parses a workflow_run payload. Only completed runs that failed
// or timed out produce an event.
func (a *GitHubAdapter) ParsePayload(body []byte) ([]alerts.NormalizedEvent, error) {
	var payload GitHubWorkflowRunPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse github payload: %w", err)
	}
	run := payload.WorkflowRun
	if run == nil {
		return nil, fmt.Errorf("github payload is not a workflow_run event")
	}
	if payload.Action != "completed" || (run.Conclusion != "failure" && run.Conclusion != "timed_out") {
		return nil, nil
	}

	severity := database.SeverityMedium
	if run.HeadBranch == "main" || run.HeadBranch == "master" {
		severity = database.SeverityHigh
	}

	return []alerts.NormalizedEvent{{
		Title:       fmt.Sprintf("Workflow %q %s on %s", run.Name, run.Conclusion, run.HeadBranch),
		Description: run.DisplayTitle,
		Severity:    severity,
		Services:    []string{payload.Repository.Name},
		Labels: map[string]string{
			"repository": payload.Repository.FullName,
			"branch":     run.HeadBranch,
			"sha":        run.HeadSHA,
		},
		ErrorType:   "workflow_" + run.Conclusion,
		Signature:   run.Name + "@" + run.HeadBranch,
		Fingerprint: fmt.Sprintf("%s/%d", payload.Repository.FullName, run.ID),
		RawPayload: map[string]interface{}{
			"run_id":      run.ID,
			"html_url":    run.HTMLURL,
			"conclusion":  run.Conclusion,
			"run_attempt": run.RunAttempt,
		},
	}}, nil
}
