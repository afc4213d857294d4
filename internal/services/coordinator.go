package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/akmatori/autopilot/internal/database"
	"github.com/akmatori/autopilot/internal/decision"
	"github.com/akmatori/autopilot/internal/events"
	"github.com/akmatori/autopilot/internal/learning"
	"github.com/akmatori/autopilot/internal/metrics"
	"github.com/akmatori/autopilot/internal/normalizer"
	"github.com/akmatori/autopilot/internal/observability"
	"github.com/akmatori/autopilot/internal/pipeline"
	"github.com/akmatori/autopilot/internal/scoring"
	"github.com/akmatori/autopilot/internal/utils"
)

// EventPublisher accepts lifecycle events without blocking
type EventPublisher interface {
	Publish(ev events.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

// CoordinatorOptions wires the coordinator's collaborators
type CoordinatorOptions struct {
	Normalizer      *normalizer.Normalizer
	Analyzer        pipeline.Analyzer
	Scorer          *scoring.Scorer
	Engine          *decision.Engine
	ChangeWindow    *decision.ChangeWindow
	Learning        *learning.Loop
	Publisher       EventPublisher
	AnalysisTimeout time.Duration
	Logger          *zap.Logger
	Now             func() time.Time
}

// Coordinator drives an issue from its first signal to a terminal state:
// analysis, scoring, decision and, when the decision allows it, a pipeline
// execution. Work on one issue is serialized; different issues proceed in
// parallel.
type Coordinator struct {
	db           *gorm.DB
	normalizer   *normalizer.Normalizer
	analyzer     pipeline.Analyzer
	scorer       *scoring.Scorer
	engine       *decision.Engine
	window       *decision.ChangeWindow
	learning     *learning.Loop
	publisher    EventPublisher
	orchestrator *pipeline.Orchestrator
	timeout      time.Duration
	locks        *utils.KeyedMutex
	logger       *zap.Logger
	now          func() time.Time

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewCoordinator creates a coordinator. SetOrchestrator must be called before
// any issue is processed.
func NewCoordinator(db *gorm.DB, opts CoordinatorOptions) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.AnalysisTimeout <= 0 {
		opts.AnalysisTimeout = 300 * time.Second
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		db:         db,
		normalizer: opts.Normalizer,
		analyzer:   opts.Analyzer,
		scorer:     opts.Scorer,
		engine:     opts.Engine,
		window:     opts.ChangeWindow,
		learning:   opts.Learning,
		publisher:  opts.Publisher,
		timeout:    opts.AnalysisTimeout,
		locks:      utils.NewKeyedMutex(),
		logger:     opts.Logger.Named("coordinator"),
		now:        opts.Now,
		ctx:        ctx,
		stop:       stop,
	}
}

// SetOrchestrator attaches the pipeline orchestrator. The orchestrator takes
// the coordinator as its listener, so the two are built in two steps.
func (c *Coordinator) SetOrchestrator(o *pipeline.Orchestrator) {
	c.orchestrator = o
}

// Ingest submits a raw payload from a monitoring source. New issues and merges
// that raise an issue's severity are analysed in the background.
func (c *Coordinator) Ingest(ctx context.Context, source string, payload []byte, observedAt time.Time) ([]*normalizer.Result, error) {
	results, err := c.normalizer.Submit(ctx, source, payload, observedAt)
	var malformed *normalizer.MalformedEventError
	if errors.As(err, &malformed) {
		metrics.ObserveIngest(source, metrics.IngestMalformed)
		c.logger.Warn("Dropping malformed payload", observability.Source(source), zap.String("reason", malformed.Reason))
		return nil, err
	}

	for _, res := range results {
		issue := res.Issue
		if res.Created {
			metrics.ObserveIngest(source, metrics.IngestCreated)
			c.publish(issueEvent(events.TypeIssueCreated, issue, c.now()))
		} else {
			metrics.ObserveIngest(source, metrics.IngestMerged)
			ev := issueEvent(events.TypeIssueMerged, issue, c.now())
			ev.Data = map[string]interface{}{
				"source":            source,
				"signal_count":      issue.SignalCount,
				"previous_severity": string(res.PreviousSeverity),
			}
			c.publish(ev)
		}

		if res.Created || res.SeverityRaised() {
			c.processAsync(issue.ID)
		}
	}
	return results, err
}

// processAsync analyses an issue on its own goroutine
func (c *Coordinator) processAsync(issueID uint) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.Process(c.ctx, issueID); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("Failed to process issue", zap.Uint("issue_db_id", issueID), zap.Error(err))
		}
	}()
}

// Process runs one analysis cycle for an issue when it needs one: the issue is
// open, no pipeline is in flight and its severity is above the severity of the
// active decision (or there is no decision yet). It returns the new decision,
// or nil when no cycle was needed.
func (c *Coordinator) Process(ctx context.Context, issueID uint) (*database.Decision, error) {
	unlock := c.locks.Lock(fmt.Sprint(issueID))
	defer unlock()

	db := c.db.WithContext(ctx)
	issue, err := database.GetIssueByID(db, issueID)
	if err != nil {
		return nil, fmt.Errorf("load issue %d: %w", issueID, err)
	}
	log := c.logger.With(observability.IssueID(issue.UUID))

	if issue.Status.IsTerminal() {
		return nil, nil
	}
	needed, err := c.needsAnalysis(ctx, issue, log)
	if err != nil || !needed {
		return nil, err
	}

	if err := database.TransitionIssue(db, issue, database.IssueStatusAnalyzing, "analysis started", c.now()); err != nil {
		return nil, err
	}
	if _, err := database.IncrementAnalysisCycle(db, issue); err != nil {
		return nil, fmt.Errorf("bump analysis cycle: %w", err)
	}

	analysis := c.analyze(ctx, issue, log)
	if err := database.SaveAnalysis(db, analysis); err != nil {
		return nil, fmt.Errorf("save analysis: %w", err)
	}

	stat, err := database.GetHistoricalStat(db, issue.Pattern)
	if err != nil {
		return nil, fmt.Errorf("load historical stat: %w", err)
	}
	score := c.scorer.Score(issue, analysis, stat)

	d := c.engine.Decide(issue, analysis, score, c.now())
	if err := database.RecordDecision(db, d); err != nil {
		c.engine.Release(d)
		return nil, fmt.Errorf("record decision: %w", err)
	}
	log = log.With(observability.DecisionID(d.UUID))

	metrics.ObserveDecision(string(d.Outcome), d.Confidence, d.Overrides)
	metrics.SetBudgetUsed(c.engine.Budget().Usage(c.now()).Used)
	log.Info("Decision made",
		zap.String("outcome", string(d.Outcome)),
		zap.Float64("confidence", d.Confidence),
		zap.Strings("overrides", d.Overrides),
		zap.Int("cycle", d.Cycle))

	ev := issueEvent(events.TypeDecisionMade, issue, c.now())
	ev.DecisionID = d.UUID
	ev.Summary = d.Reasoning
	ev.Data = map[string]interface{}{
		"outcome":        string(d.Outcome),
		"matrix_outcome": string(d.MatrixOutcome),
		"confidence":     d.Confidence,
		"overrides":      []string(d.Overrides),
		"cycle":          d.Cycle,
	}
	c.publish(ev)

	if err := c.act(ctx, issue, d, log); err != nil {
		return d, err
	}
	return d, nil
}

// needsAnalysis reports whether a new cycle should run. A pending scheduled
// execution is superseded by the new cycle; a running one blocks it.
func (c *Coordinator) needsAnalysis(ctx context.Context, issue *database.Issue, log *zap.Logger) (bool, error) {
	db := c.db.WithContext(ctx)

	active, err := database.ActiveDecision(db, issue.ID)
	if err != nil {
		return false, err
	}
	if active != nil && active.Severity.Rank() >= issue.Severity.Rank() {
		return false, nil
	}

	exec, err := database.ActiveExecutionForIssue(db, issue.ID)
	if err != nil {
		return false, err
	}
	if exec == nil {
		return true, nil
	}
	if exec.Status != database.ExecutionPending || c.orchestrator.Running(exec.ID) {
		log.Info("Severity raised while a pipeline is in flight; keeping current decision",
			observability.ExecutionID(exec.UUID))
		return false, nil
	}

	if _, err := pipeline.Cancel(exec, "superseded by re-analysis", c.now()); err != nil {
		return false, err
	}
	if err := database.SaveExecution(db, exec); err != nil {
		return false, err
	}
	metrics.ObserveExecution(string(exec.Status))
	log.Info("Scheduled execution superseded", observability.ExecutionID(exec.UUID))
	return true, nil
}

// analyze calls the analyzer with a timeout. A failed analysis yields a zero
// confidence result so the issue is escalated rather than dropped.
func (c *Coordinator) analyze(ctx context.Context, issue *database.Issue, log *zap.Logger) *database.AnalysisResult {
	started := c.now()
	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var analysis *database.AnalysisResult
	var err error
	if c.analyzer == nil {
		err = errors.New("no analyzer configured")
	} else {
		analysis, err = c.analyzer.Analyze(actx, issue)
	}
	if err == nil && analysis == nil {
		err = errors.New("analyzer returned no result")
	}
	if err != nil {
		log.Warn("Analysis failed", observability.Tool(string(database.ToolAnalysisEngine)), zap.Error(err))
		analysis = &database.AnalysisResult{
			Confidence: 0,
			Reasoning:  fmt.Sprintf("analysis failed: %v", err),
			Analyzer:   "unavailable",
		}
	}

	analysis.ID = 0
	analysis.IssueID = issue.ID
	analysis.Cycle = issue.AnalysisCycle
	analysis.StartedAt = started
	analysis.CompletedAt = c.now()
	return analysis
}

// act carries out a decision
func (c *Coordinator) act(ctx context.Context, issue *database.Issue, d *database.Decision, log *zap.Logger) error {
	db := c.db.WithContext(ctx)

	switch d.Outcome {
	case database.OutcomeEscalateHuman:
		return c.escalateIssue(db, issue, d.UUID, "", d.Reasoning, log)

	case database.OutcomeAutoResolve, database.OutcomeScheduleMaintenance:
		analysis, err := database.LatestAnalysis(db, issue.ID)
		if err != nil {
			return err
		}
		exec := pipeline.NewExecution(d, analysis, c.now())
		if err := database.CreateExecution(db, exec); err != nil {
			return fmt.Errorf("create execution: %w", err)
		}
		log = log.With(observability.ExecutionID(exec.UUID))
		if exec.Scheduled {
			log.Info("Execution scheduled for the next change window")
			return nil
		}
		if err := c.orchestrator.Start(exec); err != nil {
			return fmt.Errorf("start execution %s: %w", exec.UUID, err)
		}
		log.Info("Execution started")
		return nil

	default:
		log.Info("Monitoring issue without action")
		return nil
	}
}

// escalateIssue hands an issue to humans
func (c *Coordinator) escalateIssue(db *gorm.DB, issue *database.Issue, decisionID, executionID, reason string, log *zap.Logger) error {
	if issue.Status.IsTerminal() {
		return nil
	}
	if err := database.TransitionIssue(db, issue, database.IssueStatusEscalated, reason, c.now()); err != nil {
		return err
	}
	log.Info("Issue escalated", zap.String("reason", reason))

	ev := issueEvent(events.TypeIssueEscalated, issue, c.now())
	ev.DecisionID = decisionID
	ev.ExecutionID = executionID
	ev.Summary = reason
	c.publish(ev)
	return nil
}

// StageChanged implements pipeline.Listener
func (c *Coordinator) StageChanged(exec *database.PipelineExecution, tr pipeline.Transition) {
	if tr.Stage == nil {
		return
	}
	switch tr.Kind {
	case pipeline.TransitionStageCompleted:
		metrics.ObserveStage(tr.Stage.Name, "completed", time.Duration(tr.Stage.DurationMs)*time.Millisecond)
	case pipeline.TransitionStageRetried:
		metrics.ObserveStage(tr.Stage.Name, "retried", time.Duration(tr.Stage.DurationMs)*time.Millisecond)
	}

	ev := events.New(events.TypeStageChanged, c.now())
	ev.ExecutionID = exec.UUID
	ev.Stage = tr.Stage.Name
	ev.Data = map[string]interface{}{
		"transition": string(tr.Kind),
		"status":     string(tr.Stage.Status),
		"attempts":   tr.Stage.Attempts,
		"tool":       string(tr.Stage.Tool),
	}
	if issue, err := database.GetIssueByID(c.db, exec.IssueID); err == nil {
		ev.IssueID = issue.UUID
		ev.Title = issue.Title
	}
	c.publish(ev)
}

// ExecutionFinished implements pipeline.Listener. A completed execution resolves
// the issue; any other end escalates it. Cancelled executions never judged the
// fix and are kept out of the learning loop.
func (c *Coordinator) ExecutionFinished(exec *database.PipelineExecution, tr pipeline.Transition) {
	metrics.ObserveExecution(string(exec.Status))
	if tr.Stage != nil && tr.Stage.Status == database.StageFailed {
		metrics.ObserveStage(tr.Stage.Name, "failed", time.Duration(tr.Stage.DurationMs)*time.Millisecond)
	}

	unlock := c.locks.Lock(fmt.Sprint(exec.IssueID))
	defer unlock()

	log := c.logger.With(observability.ExecutionID(exec.UUID))
	issue, err := database.GetIssueByID(c.db, exec.IssueID)
	if err != nil {
		log.Error("Failed to load issue for finished execution", zap.Error(err))
		return
	}
	log = log.With(observability.IssueID(issue.UUID))

	decisionUUID := ""
	if d, err := database.GetDecisionByID(c.db, exec.DecisionID); err == nil {
		decisionUUID = d.UUID
		log = log.With(observability.DecisionID(d.UUID))
	}

	ev := events.New(events.TypeExecutionFinished, c.now())
	ev.IssueID = issue.UUID
	ev.DecisionID = decisionUUID
	ev.ExecutionID = exec.UUID
	ev.Title = issue.Title
	ev.Severity = string(issue.Severity)
	ev.Summary = executionSummary(exec)
	ev.Data = map[string]interface{}{
		"status":         string(exec.Status),
		"commit_ref":     exec.CommitRef,
		"deployment_url": exec.DeploymentURL,
	}
	if exec.StartedAt != nil && exec.FinishedAt != nil {
		ev.Data["duration_ms"] = exec.FinishedAt.Sub(*exec.StartedAt).Milliseconds()
	}
	c.publish(ev)

	if exec.Status == database.ExecutionCompleted {
		if err := database.TransitionIssue(c.db, issue, database.IssueStatusResolved, "fix deployed", c.now()); err != nil {
			log.Error("Failed to resolve issue", zap.Error(err))
		} else {
			log.Info("Issue resolved")
			resolved := issueEvent(events.TypeIssueResolved, issue, c.now())
			resolved.DecisionID = decisionUUID
			resolved.ExecutionID = exec.UUID
			resolved.Summary = executionSummary(exec)
			c.publish(resolved)
		}
	} else if err := c.escalateIssue(c.db, issue, decisionUUID, exec.UUID, executionSummary(exec), log); err != nil {
		log.Error("Failed to escalate issue", zap.Error(err))
	}

	if tr.Kind == pipeline.TransitionCancelled {
		return
	}
	state := database.OutcomeStateFailure
	if exec.Status == database.ExecutionCompleted {
		state = database.OutcomeStateSuccess
	}
	recorded, err := c.learning.RecordOutcome(c.ctx, exec.DecisionID, state, map[string]interface{}{
		"execution_id": exec.UUID,
		"status":       string(exec.Status),
	})
	if err != nil {
		log.Error("Failed to record outcome", zap.Error(err))
		return
	}
	if recorded {
		metrics.ObserveOutcome(string(state))
	}
}

func executionSummary(exec *database.PipelineExecution) string {
	switch exec.Status {
	case database.ExecutionCompleted:
		if exec.DeploymentURL != "" {
			return "fix deployed to " + exec.DeploymentURL
		}
		return "fix deployed"
	case database.ExecutionRolledBack:
		return "pipeline rolled back: " + exec.RollbackReason
	default:
		return "pipeline failed: " + exec.FailureReason
	}
}

// ErrExecutionFinished is returned when an escalation arrives after the
// execution already ended some other way
var ErrExecutionFinished = errors.New("execution already finished")

// escalationStopTimeout bounds the wait for a cancelled runner to exit
const escalationStopTimeout = 30 * time.Second

// Escalate hands the issue behind an execution to humans. A running execution's
// runner is stopped and fails it; a pending execution is failed directly.
// Escalating an execution that was already escalated is a no-op.
func (c *Coordinator) Escalate(ctx context.Context, executionUUID string) error {
	// a scheduled start can slip in between attempts; the runner it creates is
	// stopped on the next pass
	for i := 0; i < 3; i++ {
		runnerID, err := c.escalateLocked(ctx, executionUUID)
		if err != nil || runnerID == 0 {
			return err
		}

		// The runner reports its end through ExecutionFinished, which takes the
		// issue lock, so it is stopped without holding it.
		stopCtx, cancel := context.WithTimeout(ctx, escalationStopTimeout)
		_, err = c.orchestrator.Stop(stopCtx, runnerID, pipeline.ErrEscalated)
		cancel()
		if err != nil {
			return fmt.Errorf("stop runner for %s: %w", executionUUID, err)
		}
	}
	return fmt.Errorf("escalate %s: runner kept restarting", executionUUID)
}

// escalateLocked escalates a pending execution under the issue lock. When the
// execution has a live runner it returns the execution id for the caller to
// stop instead.
func (c *Coordinator) escalateLocked(ctx context.Context, executionUUID string) (uint, error) {
	db := c.db.WithContext(ctx)
	exec, err := database.GetExecutionByUUID(db, executionUUID)
	if err != nil {
		return 0, err
	}

	unlock := c.locks.Lock(fmt.Sprint(exec.IssueID))
	defer unlock()

	if exec, err = database.GetExecutionByUUID(db, executionUUID); err != nil {
		return 0, err
	}
	if exec.Status.IsTerminal() {
		if exec.Status == database.ExecutionFailed && exec.FailureReason == pipeline.ErrEscalated.Error() {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %s is %s", ErrExecutionFinished, exec.UUID, exec.Status)
	}
	if c.orchestrator.Running(exec.ID) {
		return exec.ID, nil
	}

	tr, err := pipeline.Cancel(exec, pipeline.ErrEscalated.Error(), c.now())
	if err != nil {
		return 0, err
	}
	if err := database.SaveExecution(db, exec); err != nil {
		return 0, err
	}
	metrics.ObserveExecution(string(exec.Status))

	issue, err := database.GetIssueByID(db, exec.IssueID)
	if err != nil {
		return 0, err
	}
	log := c.logger.With(observability.IssueID(issue.UUID), observability.ExecutionID(exec.UUID))
	log.Info("Pending execution cancelled by escalation", zap.String("transition", string(tr.Kind)))
	decisionUUID := ""
	if d, err := database.GetDecisionByID(db, exec.DecisionID); err == nil {
		decisionUUID = d.UUID
	}
	return 0, c.escalateIssue(db, issue, decisionUUID, exec.UUID, "escalated by operator", log)
}

// StartScheduled starts pending scheduled executions, oldest first, whose
// issue severity the change window currently allows. It returns the number
// started.
func (c *Coordinator) StartScheduled(ctx context.Context, limit int) (int, error) {
	db := c.db.WithContext(ctx)
	execs, err := database.PendingScheduledExecutions(db, limit)
	if err != nil {
		return 0, err
	}

	now := c.now()
	started := 0
	for i := range execs {
		ok, err := c.startScheduled(db, execs[i].UUID, execs[i].IssueID, now)
		if err != nil {
			return started, err
		}
		if ok {
			started++
		}
	}
	return started, nil
}

// startScheduled starts one execution under its issue lock, re-reading it
// first: a re-analysis or escalation may have failed it since it was listed.
func (c *Coordinator) startScheduled(db *gorm.DB, executionUUID string, issueID uint, now time.Time) (bool, error) {
	unlock := c.locks.Lock(fmt.Sprint(issueID))
	defer unlock()

	exec, err := database.GetExecutionByUUID(db, executionUUID)
	if err != nil {
		return false, err
	}
	if exec.Status != database.ExecutionPending || c.orchestrator.Running(exec.ID) {
		return false, nil
	}
	issue, err := database.GetIssueByID(db, exec.IssueID)
	if err != nil {
		return false, err
	}
	if !c.window.Allows(issue.Severity, now) {
		return false, nil
	}
	if err := c.orchestrator.Start(exec); err != nil {
		if errors.Is(err, pipeline.ErrAlreadyRunning) {
			return false, nil
		}
		return false, err
	}
	c.logger.Info("Scheduled execution started",
		observability.IssueID(issue.UUID), observability.ExecutionID(exec.UUID))
	return true, nil
}

// Boot restores in-memory state after a restart: the auto-resolve budget is
// seeded from recent decisions, unfinished executions resume and issues that
// never got a decision are analysed.
func (c *Coordinator) Boot(ctx context.Context) error {
	db := c.db.WithContext(ctx)
	budget := c.engine.Budget()
	now := c.now()

	times, err := database.AutoResolveTimesSince(db, now.Add(-budget.Usage(now).Window))
	if err != nil {
		return fmt.Errorf("seed auto-resolve budget: %w", err)
	}
	budget.Seed(times)
	metrics.SetBudgetUsed(budget.Usage(now).Used)

	resumed, err := c.orchestrator.Recover()
	if err != nil {
		return err
	}

	pending, _, err := database.ListIssues(db, database.IssueStatusDetected, 0, 1000)
	if err != nil {
		return fmt.Errorf("load undecided issues: %w", err)
	}
	for i := range pending {
		c.processAsync(pending[i].ID)
	}

	c.logger.Info("Coordinator booted",
		zap.Int("budget_used", len(times)),
		zap.Int("executions_resumed", resumed),
		zap.Int("issues_requeued", len(pending)))
	return nil
}

// Wait blocks until background analyses finish
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown cancels background analyses and waits for them
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stop()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) publish(ev events.Event) {
	c.publisher.Publish(ev)
}

func issueEvent(t events.Type, issue *database.Issue, at time.Time) events.Event {
	ev := events.New(t, at)
	ev.IssueID = issue.UUID
	ev.Title = issue.Title
	ev.Severity = string(issue.Severity)
	return ev
}
