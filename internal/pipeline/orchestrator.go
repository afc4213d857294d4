package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/akmatori/autopilot/internal/config"
	"github.com/akmatori/autopilot/internal/database"
	"github.com/akmatori/autopilot/internal/observability"
)

// Listener observes execution progress. Calls are made from the runner
// goroutine of the execution and must not block for long.
type Listener interface {
	StageChanged(exec *database.PipelineExecution, tr Transition)
	ExecutionFinished(exec *database.PipelineExecution, tr Transition)
}

type nopListener struct{}

func (nopListener) StageChanged(*database.PipelineExecution, Transition)      {}
func (nopListener) ExecutionFinished(*database.PipelineExecution, Transition) {}

// Options configures an Orchestrator
type Options struct {
	Workers  int
	Policy   config.PipelinePolicy
	Listener Listener
	Logger   *zap.Logger
	Now      func() time.Time
}

type run struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu      sync.Mutex
	stage   string
	results chan StageResult
}

// Orchestrator runs each execution on its own goroutine, bounded by a worker
// pool. Executions never share mutable state; the database is the only
// rendezvous point.
type Orchestrator struct {
	db       *gorm.DB
	tools    Collaborators
	policy   config.PipelinePolicy
	sem      *semaphore.Weighted
	listener Listener
	logger   *zap.Logger
	now      func() time.Time

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	runs   map[uint]*run
	closed bool
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(db *gorm.DB, tools Collaborators, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Listener == nil {
		opts.Listener = nopListener{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		db:       db,
		tools:    tools,
		policy:   opts.Policy,
		sem:      semaphore.NewWeighted(int64(opts.Workers)),
		listener: opts.Listener,
		logger:   opts.Logger.Named("pipeline"),
		now:      opts.Now,
		ctx:      ctx,
		stop:     stop,
		runs:     make(map[uint]*run),
	}
}

// Start launches a runner for a persisted execution
func (o *Orchestrator) Start(exec *database.PipelineExecution) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrShuttingDown
	}
	if _, ok := o.runs[exec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, exec.UUID)
	}

	ctx, cancel := context.WithCancelCause(o.ctx)
	r := &run{ctx: ctx, cancel: cancel, done: make(chan struct{}), results: make(chan StageResult, 1)}
	o.runs[exec.ID] = r

	o.wg.Add(1)
	go o.execute(r, exec)
	return nil
}

// Running reports whether the execution has a live runner
func (o *Orchestrator) Running(execID uint) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[execID]
	return ok
}

// Active returns the number of live runners
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

// Cancel stops the runner of an execution. With ErrEscalated as the cause the
// execution is failed; any other cause leaves it for Recover. It reports
// whether a runner was found.
func (o *Orchestrator) Cancel(execID uint, cause error) bool {
	o.mu.Lock()
	r, ok := o.runs[execID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel(cause)
	return true
}

// Stop cancels the runner of an execution and waits for it to exit, so the
// caller can read the execution's final state. It reports whether a runner
// was found.
func (o *Orchestrator) Stop(ctx context.Context, execID uint, cause error) (bool, error) {
	o.mu.Lock()
	r, ok := o.runs[execID]
	o.mu.Unlock()
	if !ok {
		return false, nil
	}
	r.cancel(cause)

	select {
	case <-r.done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// Deliver hands an asynchronously reported stage result to the runner waiting on it
func (o *Orchestrator) Deliver(execID uint, result StageResult) error {
	o.mu.Lock()
	r, ok := o.runs[execID]
	o.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stage != result.Stage {
		return fmt.Errorf("%w: %s", ErrNotAwaiting, result.Stage)
	}
	select {
	case r.results <- result:
		return nil
	default:
		return fmt.Errorf("%w: %s already delivered", ErrNotAwaiting, result.Stage)
	}
}

// Recover resumes executions left unfinished by a previous process. A stage
// that was running when the process stopped counts as a transient failure.
func (o *Orchestrator) Recover() (int, error) {
	execs, err := database.UnfinishedExecutions(o.db)
	if err != nil {
		return 0, fmt.Errorf("load unfinished executions: %w", err)
	}

	resumed := 0
	for i := range execs {
		exec := &execs[i]
		log := o.logger.With(observability.ExecutionID(exec.UUID))

		if stage := RunningStage(exec); stage != nil {
			tr, err := Advance(exec, &StageResult{
				Stage: stage.Name,
				Err:   Transient(stage.Name, errors.New("interrupted by restart")),
			}, o.policy.MaxRetries, o.now())
			if err != nil {
				log.Error("Failed to recover execution", zap.Error(err))
				continue
			}
			if err := database.SaveExecution(o.db, exec); err != nil {
				log.Error("Failed to persist recovered execution", zap.Error(err))
				continue
			}
			if tr.Terminal() {
				o.rollback(exec, tr, log)
				o.listener.ExecutionFinished(exec, tr)
				continue
			}
		}

		if err := o.Start(exec); err != nil {
			log.Warn("Failed to resume execution", zap.Error(err))
			continue
		}
		resumed++
	}
	return resumed, nil
}

// Shutdown stops every runner and waits for them to exit. Interrupted
// executions stay as they are in the database for Recover.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) forget(execID uint) {
	o.mu.Lock()
	delete(o.runs, execID)
	o.mu.Unlock()
}

func (o *Orchestrator) execute(r *run, exec *database.PipelineExecution) {
	defer o.wg.Done()
	defer close(r.done)
	defer r.cancel(nil)
	defer o.forget(exec.ID)

	log := o.logger.With(observability.ExecutionID(exec.UUID))

	if err := o.sem.Acquire(r.ctx, 1); err != nil {
		o.interrupted(r, exec, log)
		return
	}
	defer o.sem.Release(1)

	issue, analysis, err := o.loadContext(exec)
	if err != nil {
		log.Error("Failed to load issue for execution", zap.Error(err))
		tr, cerr := Cancel(exec, fmt.Sprintf("load issue: %v", err), o.now())
		if cerr == nil && o.persist(exec, log) {
			o.listener.ExecutionFinished(exec, tr)
		}
		return
	}
	log = log.With(observability.IssueID(issue.UUID))

	for {
		if r.ctx.Err() != nil {
			o.interrupted(r, exec, log)
			return
		}

		stage := RunningStage(exec)
		if stage == nil {
			tr, err := Advance(exec, nil, o.policy.MaxRetries, o.now())
			if err != nil {
				log.Error("Failed to advance execution", zap.Error(err))
				return
			}
			if !o.persist(exec, log) {
				return
			}
			if tr.Terminal() {
				o.finish(exec, tr, log)
				return
			}
			log.Info("Stage started", observability.Stage(tr.Stage.Name), observability.Tool(string(tr.Stage.Tool)))
			o.listener.StageChanged(exec, tr)
			continue
		}

		result := o.runStage(r, exec, stage, issue, analysis)
		if r.ctx.Err() != nil {
			o.interrupted(r, exec, log)
			return
		}

		tr, err := Advance(exec, &result, o.policy.MaxRetries, o.now())
		if err != nil {
			log.Error("Failed to advance execution", zap.Error(err))
			return
		}
		if tr.Kind == TransitionRolledBack {
			o.rollback(exec, tr, log)
		}
		if !o.persist(exec, log) {
			return
		}

		stageLog := log.With(observability.Stage(stage.Name), observability.Tool(string(stage.Tool)))
		switch tr.Kind {
		case TransitionStageCompleted:
			stageLog.Info("Stage completed", zap.Int64("duration_ms", stage.DurationMs))
		case TransitionStageRetried:
			stageLog.Warn("Stage failed, retrying", zap.Int("attempt", stage.Attempts), zap.String("error", stage.Error))
		default:
			stageLog.Warn("Stage failed", zap.String("error_kind", stage.ErrorKind), zap.String("error", stage.Error))
		}

		if tr.Terminal() {
			o.finish(exec, tr, log)
			return
		}
		o.listener.StageChanged(exec, tr)
	}
}

func (o *Orchestrator) loadContext(exec *database.PipelineExecution) (*database.Issue, *database.AnalysisResult, error) {
	issue, err := database.GetIssueByID(o.db, exec.IssueID)
	if err != nil {
		return nil, nil, err
	}
	analysis, err := database.LatestAnalysis(o.db, exec.IssueID)
	if err != nil {
		return nil, nil, err
	}
	return issue, analysis, nil
}

func (o *Orchestrator) persist(exec *database.PipelineExecution, log *zap.Logger) bool {
	if err := database.SaveExecution(o.db, exec); err != nil {
		log.Error("Failed to persist execution", zap.Error(err))
		return false
	}
	return true
}

func (o *Orchestrator) finish(exec *database.PipelineExecution, tr Transition, log *zap.Logger) {
	log.Info("Execution finished", zap.String("status", string(exec.Status)))
	o.listener.ExecutionFinished(exec, tr)
}

// interrupted handles a cancelled runner. Escalation fails the execution;
// shutdown leaves it for the next process.
func (o *Orchestrator) interrupted(r *run, exec *database.PipelineExecution, log *zap.Logger) {
	cause := context.Cause(r.ctx)
	if !errors.Is(cause, ErrEscalated) {
		log.Info("Execution interrupted", zap.Error(cause))
		return
	}

	tr, err := Cancel(exec, ErrEscalated.Error(), o.now())
	if err != nil {
		log.Warn("Failed to cancel execution", zap.Error(err))
		return
	}
	if o.persist(exec, log) {
		log.Info("Execution cancelled by escalation")
		o.listener.ExecutionFinished(exec, tr)
	}
}

// rollback asks the platform to undo a production deployment. Failure is logged
// and noted on the execution; the execution is rolled back either way.
func (o *Orchestrator) rollback(exec *database.PipelineExecution, tr Transition, log *zap.Logger) {
	if tr.Kind != TransitionRolledBack {
		return
	}
	if tr.RollbackDeploymentID == "" || o.tools.Deployer == nil {
		log.Warn("No production deployment to roll back")
		return
	}

	ctx, cancel := context.WithTimeout(WithExecutionID(context.WithoutCancel(o.ctx), exec.UUID), o.policy.StageTimeout)
	defer cancel()
	if err := o.tools.Deployer.Rollback(ctx, tr.RollbackDeploymentID); err != nil {
		log.Error("Rollback failed", zap.String("deployment_id", tr.RollbackDeploymentID), zap.Error(err))
		exec.RollbackReason = fmt.Sprintf("%s; rollback failed: %v", exec.RollbackReason, err)
		return
	}
	log.Info("Production deployment rolled back", zap.String("deployment_id", tr.RollbackDeploymentID))
}

func (o *Orchestrator) runStage(r *run, exec *database.PipelineExecution, stage *database.PipelineStage, issue *database.Issue, analysis *database.AnalysisResult) StageResult {
	r.mu.Lock()
	r.stage = stage.Name
	select {
	case <-r.results:
	default:
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.stage = ""
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(WithExecutionID(r.ctx, exec.UUID), o.policy.StageTimeout)
	defer cancel()

	res := StageResult{Stage: stage.Name, Tool: stage.Tool}
	var err error
	switch stage.Name {
	case StageGeneration:
		err = o.generate(ctx, issue, analysis, &res)
	case StageReview:
		err = o.review(ctx, exec.CommitRef, &res)
	case StageTest:
		err = o.deploy(ctx, exec.CommitRef, o.policy.TestEnvironment, stage.Name, &res)
	case StageDeploy:
		err = o.deploy(ctx, exec.CommitRef, o.policy.ProductionEnvironment, stage.Name, &res)
	default:
		err = Permanent(stage.Name, fmt.Errorf("no collaborator for stage %q", stage.Name))
	}

	if errors.Is(err, ErrAwaitingCallback) {
		return o.await(ctx, r, stage)
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && r.ctx.Err() == nil {
		err = Transient(stage.Name, fmt.Errorf("timed out after %s: %w", o.policy.StageTimeout, err))
	}
	res.Err = err
	res.FinishedAt = o.now()
	return res
}

func (o *Orchestrator) await(ctx context.Context, r *run, stage *database.PipelineStage) StageResult {
	select {
	case res := <-r.results:
		if res.Tool == "" {
			res.Tool = stage.Tool
		}
		if res.FinishedAt.IsZero() {
			res.FinishedAt = o.now()
		}
		return res
	case <-ctx.Done():
		return StageResult{
			Stage:      stage.Name,
			Tool:       stage.Tool,
			Err:        Transient(stage.Name, fmt.Errorf("no callback within %s: %w", o.policy.StageTimeout, ctx.Err())),
			FinishedAt: o.now(),
		}
	}
}

func (o *Orchestrator) generate(ctx context.Context, issue *database.Issue, analysis *database.AnalysisResult, res *StageResult) error {
	if o.tools.Generator == nil {
		return Permanent(StageGeneration, errors.New("no fix generator configured"))
	}
	fix, err := o.tools.Generator.GenerateFix(ctx, issue, analysis)
	if err != nil {
		return err
	}
	if fix == nil || fix.CommitRef == "" {
		return Permanent(StageGeneration, errors.New("generator produced no commit"))
	}
	res.CommitRef = fix.CommitRef
	res.Output = database.JSONB{
		"commit_ref":    fix.CommitRef,
		"files_changed": fix.FilesChanged,
		"tests_created": fix.TestsCreated,
	}
	return nil
}

func (o *Orchestrator) review(ctx context.Context, commitRef string, res *StageResult) error {
	if o.tools.Reviewer == nil {
		return Permanent(StageReview, errors.New("no reviewer configured"))
	}
	review, err := o.tools.Reviewer.Review(ctx, commitRef)
	if err != nil {
		return err
	}
	if review == nil {
		return Permanent(StageReview, errors.New("reviewer returned no verdict"))
	}
	res.Output = database.JSONB{
		"approved": review.Approved,
		"findings": review.Findings,
	}
	if !review.Approved {
		return Permanent(StageReview, fmt.Errorf("review rejected: %s", strings.Join(review.Findings, "; ")))
	}
	return nil
}

func (o *Orchestrator) deploy(ctx context.Context, commitRef, environment, stage string, res *StageResult) error {
	if o.tools.Deployer == nil {
		return Permanent(stage, errors.New("no deployer configured"))
	}
	dep, err := o.tools.Deployer.Deploy(ctx, commitRef, environment)
	if err != nil {
		return err
	}
	if dep == nil {
		return Permanent(stage, errors.New("deployer returned no result"))
	}
	res.DeploymentID = dep.DeploymentID
	res.DeploymentURL = dep.URL
	res.Output = database.JSONB{
		"environment":   environment,
		"deployment_id": dep.DeploymentID,
		"url":           dep.URL,
		"duration_ms":   dep.DurationMs,
		"success":       dep.Success,
	}
	if !dep.Success {
		return Permanent(stage, fmt.Errorf("deployment to %s failed", environment))
	}
	return nil
}
