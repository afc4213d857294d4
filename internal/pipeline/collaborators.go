package pipeline

import (
	"context"

	"github.com/akmatori/autopilot/internal/database"
)

// Analyzer produces a root-cause analysis for an issue
type Analyzer interface {
	Analyze(ctx context.Context, issue *database.Issue) (*database.AnalysisResult, error)
}

// Fix is the change produced by a FixGenerator
type Fix struct {
	FilesChanged []string `json:"files_changed"`
	TestsCreated []string `json:"tests_created"`
	CommitRef    string   `json:"commit_ref"`
}

// FixGenerator writes a fix for an analysed issue
type FixGenerator interface {
	GenerateFix(ctx context.Context, issue *database.Issue, analysis *database.AnalysisResult) (*Fix, error)
}

// Review is the verdict of a code review
type Review struct {
	Approved bool     `json:"approved"`
	Findings []string `json:"findings"`
}

// Reviewer reviews a generated fix
type Reviewer interface {
	Review(ctx context.Context, commitRef string) (*Review, error)
}

// Deployment is the result of deploying a commit to an environment
type Deployment struct {
	Success      bool   `json:"success"`
	URL          string `json:"url,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	DeploymentID string `json:"deployment_id"`
}

// Deployer ships commits and undoes production deployments
type Deployer interface {
	Deploy(ctx context.Context, commitRef, environment string) (*Deployment, error)
	Rollback(ctx context.Context, deploymentID string) error
}

// Collaborators bundles the external tools the pipeline drives
type Collaborators struct {
	Generator FixGenerator
	Reviewer  Reviewer
	Deployer  Deployer
}

type executionKey struct{}

// WithExecutionID tags a collaborator call with the execution it belongs to, so
// collaborators that answer by callback know which execution to report.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionKey{}, id)
}

// ExecutionIDFromContext returns the execution a collaborator call belongs to
func ExecutionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(executionKey{}).(string)
	return id
}
