package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specflowd/internal/config"
	"github.com/fyrsmithlabs/specflowd/internal/executor"
	"github.com/fyrsmithlabs/specflowd/internal/logging"
	"github.com/fyrsmithlabs/specflowd/internal/notify"
	"github.com/fyrsmithlabs/specflowd/internal/planner"
)

// errStale means the execution changed underneath a driver mutation (for
// example a concurrent cancel). The driver re-reads and re-evaluates.
var errStale = errors.New("execution state changed")

// Options configures the engine.
type Options struct {
	Store    Store
	Gateway  executor.Gateway
	Probe    Probe
	Sources  SourceResolver
	Sink     notify.Sink
	Logger   *logging.Logger
	Defaults config.OrchestrationConfig
}

// Engine drives orchestration executions. One driver goroutine per
// running execution; all state lives in the Store, so the engine itself
// can die and be rebuilt from disk.
type Engine struct {
	store    Store
	gateway  executor.Gateway
	probe    Probe
	sources  SourceResolver
	sink     notify.Sink
	logger   *logging.Logger
	defaults config.OrchestrationConfig
	metrics  *engineMetrics
	tracer   trace.Tracer

	rootCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	drivers  map[string]context.CancelFunc
	projects map[string]string
	closed   bool
}

// NewEngine validates dependencies and returns a ready engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if opts.Probe == nil {
		return nil, fmt.Errorf("probe is required")
	}
	if opts.Sources == nil {
		return nil, fmt.Errorf("source resolver is required")
	}
	if opts.Sink == nil {
		opts.Sink = notify.NopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Defaults.PollInterval.Duration() <= 0 ||
		opts.Defaults.ConfirmTimeout.Duration() <= 0 ||
		opts.Defaults.PhaseTimeout.Duration() <= 0 {
		return nil, fmt.Errorf("poll interval, confirm timeout and phase timeout must be positive")
	}

	metrics, err := newEngineMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	rootCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		store:    opts.Store,
		gateway:  opts.Gateway,
		probe:    opts.Probe,
		sources:  opts.Sources,
		sink:     opts.Sink,
		logger:   opts.Logger,
		defaults: opts.Defaults,
		metrics:  metrics,
		tracer:   otel.Tracer(instrumentationName),
		rootCtx:  rootCtx,
		stop:     stop,
		drivers:  make(map[string]context.CancelFunc),
		projects: make(map[string]string),
	}, nil
}

// Close stops all drivers and waits for them to exit. In-flight runner
// jobs keep running; the reconciler picks them back up on restart.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stop()
	e.wg.Wait()
}

// applyDefaults fills an execution config's zero values from the server
// defaults. Budgets inherit the server caps; an explicit non-zero request
// value always wins.
func (e *Engine) applyDefaults(cfg *ExecutionConfig) {
	if cfg.FallbackBatchSize == 0 {
		cfg.FallbackBatchSize = e.defaults.FallbackBatchSize
	}
	// Only an absent heal cap inherits the default; an explicit zero is a
	// deliberate opt-out.
	if cfg.MaxHealAttempts == nil && cfg.AutoHeal {
		limit := e.defaults.MaxHealAttempts
		cfg.MaxHealAttempts = &limit
	}
	if cfg.MaxBudgetTotal == 0 {
		cfg.MaxBudgetTotal = e.defaults.MaxBudgetTotal
	}
	if cfg.MaxBudgetPerBatch == 0 {
		cfg.MaxBudgetPerBatch = e.defaults.MaxBudgetPerBatch
	}
	if cfg.MaxBudgetPerHeal == 0 {
		cfg.MaxBudgetPerHeal = e.defaults.MaxBudgetPerHeal
	}
}

// Start begins a new execution for the project. Exactly one execution may
// be active per project; a second start returns a ConflictError.
func (e *Engine) Start(ctx context.Context, project string, cfg ExecutionConfig) (*Execution, error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.Start")
	defer span.End()

	if err := ValidateProjectID(project); err != nil {
		return nil, err
	}
	e.applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	src, err := e.sources(project)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve task source for %s: %w", project, err)
	}
	tasks, err := src.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for %s: %w", project, err)
	}
	// An empty plan is legal: the implement phase completes immediately
	// and the run proceeds straight to verify.
	plan := planner.Plan(tasks, cfg.FallbackBatchSize)

	batches := make([]BatchItem, len(plan))
	for i, b := range plan {
		batches[i] = BatchItem{
			Section: b.Section,
			TaskIDs: b.TaskIDs,
			Status:  BatchPending,
		}
	}

	now := time.Now().UTC()
	exec := &Execution{
		ID:           uuid.NewString(),
		Project:      project,
		Status:       StatusRunning,
		Phase:        cfg.InitialPhase(),
		Config:       cfg,
		Batches:      batches,
		TotalBatches: len(batches),
		StartedAt:    now,
		UpdatedAt:    now,
	}
	exec.Log(now, "execution_started",
		fmt.Sprintf("%d batches planned over %d tasks", len(batches), planner.TaskCount(plan)))

	doc, err := e.store.Update(ctx, project, func(d *Document) error {
		if d.Active != nil {
			if d.Active.Status.Active() {
				return NewConflictError(project, d.Active.Status, "")
			}
			// A terminal execution left in the active slot is a repair
			// leftover; retire it rather than lose it.
			d.Retire()
		}
		d.Active = exec
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.executionsStarted.Add(ctx, 1)
	e.publish(ctx, doc.Active, "execution_started", "")
	e.rememberProject(exec.ID, project)
	e.launch(project, exec.ID)

	started := *doc.Active
	return &started, nil
}

// Adopt restarts the driver for a project's active running execution.
// Called at startup after reconciliation.
func (e *Engine) Adopt(ctx context.Context, project string) error {
	doc, err := e.store.Get(ctx, project)
	if err != nil {
		return err
	}
	if doc.Active == nil || doc.Active.Status != StatusRunning {
		return nil
	}
	e.rememberProject(doc.Active.ID, project)
	e.launch(project, doc.Active.ID)
	return nil
}

// Pause requests a pause. Takes effect immediately when no runner job is
// in flight, otherwise after the current job resolves.
func (e *Engine) Pause(ctx context.Context, executionID string) (*Execution, error) {
	project, err := e.locate(ctx, executionID)
	if err != nil {
		return nil, err
	}
	doc, err := e.store.Update(ctx, project, func(d *Document) error {
		ex := d.Active
		if ex == nil || ex.ID != executionID {
			return e.notActiveErr(d, executionID)
		}
		if ex.Status != StatusRunning {
			return NewConflictError(project, ex.Status, "only a running execution can be paused")
		}
		now := time.Now().UTC()
		if ex.JobInFlight {
			ex.PauseRequested = true
			ex.Log(now, "pause_requested", "deferred until the in-flight job resolves")
		} else {
			ex.Status = StatusPaused
			ex.Log(now, "paused", "")
		}
		ex.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if doc.Active.Status == StatusPaused {
		e.metrics.recordTransition(ctx, StatusPaused)
	}
	e.publish(ctx, doc.Active, "pause", "")
	snapshot := *doc.Active
	return &snapshot, nil
}

// Resume continues a paused execution, or applies a recovery choice to a
// needs_attention execution.
func (e *Engine) Resume(ctx context.Context, executionID string, choice RecoveryChoice) (*Execution, error) {
	project, err := e.locate(ctx, executionID)
	if err != nil {
		return nil, err
	}
	doc, err := e.store.Update(ctx, project, func(d *Document) error {
		ex := d.Active
		if ex == nil || ex.ID != executionID {
			return e.notActiveErr(d, executionID)
		}
		now := time.Now().UTC()
		switch ex.Status {
		case StatusPaused:
			if choice != "" {
				return NewValidationError("choice", "not applicable to a paused execution")
			}
			ex.Status = StatusRunning
			ex.PauseRequested = false
			ex.Log(now, "resumed", "")

		case StatusNeedsAttention:
			if ex.Recovery == nil {
				return NewConflictError(project, ex.Status, "no recovery context recorded")
			}
			if !choice.IsValid() {
				return NewValidationError("choice", "must be retry, skip or abort")
			}
			if !ex.Recovery.Allows(choice) {
				return NewValidationError("choice",
					fmt.Sprintf("%s not offered for issue %s", choice, ex.Recovery.Issue))
			}
			applyRecoveryChoice(ex, choice, now)

		default:
			return NewConflictError(project, ex.Status, "execution is not paused or awaiting attention")
		}
		ex.UpdatedAt = now
		if ex.Status.Terminal() {
			completed := now
			ex.CompletedAt = &completed
			d.Retire()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := doc.FindExecution(executionID)
	e.metrics.recordTransition(ctx, result.Status)
	e.publish(ctx, result, "resume", string(choice))
	if doc.Active != nil && doc.Active.ID == executionID && doc.Active.Status == StatusRunning {
		e.launch(project, executionID)
	}
	snapshot := *result
	return &snapshot, nil
}

// applyRecoveryChoice mutates the execution per the operator's choice.
// Caller has already validated the choice against the recovery context.
func applyRecoveryChoice(ex *Execution, choice RecoveryChoice, now time.Time) {
	rec := ex.Recovery
	switch choice {
	case ChoiceRetry:
		if rec.BatchIndex != nil && *rec.BatchIndex < len(ex.Batches) {
			batch := &ex.Batches[*rec.BatchIndex]
			batch.Status = BatchPending
			batch.Error = ""
			batch.ExecutorRef = ""
		}
		// A dead job cannot be re-polled; the unit restarts from scratch.
		ex.JobInFlight = false
		ex.LastExecutionRef = ""
		ex.Status = StatusRunning
		ex.Recovery = nil
		ex.Log(now, "resume_retry", rec.Issue)

	case ChoiceSkip:
		if rec.BatchIndex != nil && *rec.BatchIndex < len(ex.Batches) {
			batch := &ex.Batches[*rec.BatchIndex]
			batch.Status = BatchFailed
			if ex.CurrentBatchIndex == *rec.BatchIndex {
				ex.CurrentBatchIndex++
			}
			ex.Log(now, "batch_skipped", batch.Section)
		} else {
			skipped := ex.Phase
			ex.Phase = ex.Config.NextPhase(ex.Phase)
			ex.Log(now, "phase_skipped", skipped.String())
		}
		ex.JobInFlight = false
		ex.LastExecutionRef = ""
		ex.Status = StatusRunning
		ex.Recovery = nil
		// Skipping into an ungated merge still requires the trigger.
		if ex.Phase == PhaseMerge && !ex.Config.AutoMerge {
			ex.Status = StatusWaitingMerge
			ex.Log(now, "awaiting_merge_trigger", "")
		}

	case ChoiceAbort:
		ex.Status = StatusFailed
		ex.JobInFlight = false
		ex.Log(now, "aborted_by_operator", rec.Issue)
	}
}

// Cancel terminates an active execution. Preserves all state in history.
func (e *Engine) Cancel(ctx context.Context, executionID string) (*Execution, error) {
	project, err := e.locate(ctx, executionID)
	if err != nil {
		return nil, err
	}
	var inFlightRef string
	doc, err := e.store.Update(ctx, project, func(d *Document) error {
		ex := d.Active
		if ex == nil || ex.ID != executionID {
			return e.notActiveErr(d, executionID)
		}
		if !ex.Status.CanTransitionTo(StatusCancelled) {
			return NewConflictError(project, ex.Status, "cannot cancel")
		}
		now := time.Now().UTC()
		if ex.JobInFlight {
			inFlightRef = ex.LastExecutionRef
		}
		ex.Status = StatusCancelled
		ex.Log(now, "cancelled", "")
		ex.UpdatedAt = now
		completed := now
		ex.CompletedAt = &completed
		d.Retire()
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.stopDriver(executionID)
	if inFlightRef != "" {
		if cancelErr := e.gateway.Cancel(ctx, inFlightRef); cancelErr != nil {
			e.logger.Warn(ctx, "failed to cancel runner job",
				zap.String("ref", inFlightRef), zap.Error(cancelErr))
		}
	}

	result := doc.FindExecution(executionID)
	e.metrics.recordTransition(ctx, StatusCancelled)
	e.publish(ctx, result, "cancel", "")
	snapshot := *result
	return &snapshot, nil
}

// TriggerMerge releases an execution waiting on the merge gate.
func (e *Engine) TriggerMerge(ctx context.Context, executionID string) (*Execution, error) {
	project, err := e.locate(ctx, executionID)
	if err != nil {
		return nil, err
	}
	doc, err := e.store.Update(ctx, project, func(d *Document) error {
		ex := d.Active
		if ex == nil || ex.ID != executionID {
			return e.notActiveErr(d, executionID)
		}
		if ex.Status != StatusWaitingMerge {
			return NewConflictError(project, ex.Status, "execution is not waiting for merge")
		}
		now := time.Now().UTC()
		ex.Status = StatusRunning
		ex.Log(now, "merge_triggered", "")
		ex.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.recordTransition(ctx, StatusRunning)
	e.publish(ctx, doc.Active, "merge_triggered", "")
	e.launch(project, executionID)
	snapshot := *doc.Active
	return &snapshot, nil
}

// Status returns a snapshot of the execution, active or historical.
func (e *Engine) Status(ctx context.Context, executionID string) (*Execution, error) {
	project, err := e.locate(ctx, executionID)
	if err != nil {
		return nil, err
	}
	doc, err := e.store.Get(ctx, project)
	if err != nil {
		return nil, err
	}
	ex := doc.FindExecution(executionID)
	if ex == nil {
		return nil, ErrExecutionNotFound
	}
	snapshot := *ex
	return &snapshot, nil
}

// List returns the project's full orchestration document: the active
// execution plus retained history.
func (e *Engine) List(ctx context.Context, project string) (*Document, error) {
	return e.store.Get(ctx, project)
}

// Projects returns every project with orchestration state.
func (e *Engine) Projects(ctx context.Context) ([]string, error) {
	return e.store.List(ctx)
}

// notActiveErr distinguishes "unknown execution" from "execution already
// terminal" for control operations.
func (e *Engine) notActiveErr(d *Document, executionID string) error {
	if ex := d.FindExecution(executionID); ex != nil {
		return NewConflictError(d.Project, ex.Status, "execution is no longer active")
	}
	return ErrExecutionNotFound
}

// locate maps an execution ID to its project, via the in-memory index
// with a store scan fallback (survives restarts).
func (e *Engine) locate(ctx context.Context, executionID string) (string, error) {
	if executionID == "" {
		return "", NewValidationError("execution_id", "must not be empty")
	}
	e.mu.Lock()
	project, ok := e.projects[executionID]
	e.mu.Unlock()
	if ok {
		return project, nil
	}

	projects, err := e.store.List(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range projects {
		doc, err := e.store.Get(ctx, p)
		if err != nil {
			return "", err
		}
		if doc.FindExecution(executionID) != nil {
			e.rememberProject(executionID, p)
			return p, nil
		}
	}
	return "", ErrExecutionNotFound
}

func (e *Engine) rememberProject(executionID, project string) {
	e.mu.Lock()
	e.projects[executionID] = project
	e.mu.Unlock()
}

// launch starts a driver goroutine unless one is already running or the
// engine is closing.
func (e *Engine) launch(project, executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, running := e.drivers[executionID]; running {
		return
	}
	driverCtx, cancel := context.WithCancel(e.rootCtx)
	e.drivers[executionID] = cancel
	e.wg.Add(1)
	go e.drive(driverCtx, project, executionID)
}

func (e *Engine) stopDriver(executionID string) {
	e.mu.Lock()
	cancel, ok := e.drivers[executionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) releaseDriver(executionID string) {
	e.mu.Lock()
	delete(e.drivers, executionID)
	e.mu.Unlock()
}

// drive is the per-execution loop. It re-reads the document each
// iteration so control operations (pause, cancel) applied by other
// goroutines are always honored.
func (e *Engine) drive(ctx context.Context, project, executionID string) {
	defer e.wg.Done()
	defer e.releaseDriver(executionID)
	ctx = logging.WithProject(ctx, project)
	ctx = logging.WithExecution(ctx, executionID)

	for {
		if ctx.Err() != nil {
			return
		}
		doc, err := e.store.Get(ctx, project)
		if err != nil {
			e.logger.Error(ctx, "driver failed to load document", zap.Error(err))
			return
		}
		ex := doc.Active
		if ex == nil || ex.ID != executionID || ex.Status != StatusRunning {
			return
		}

		var keepDriving bool
		switch ex.Phase {
		case PhaseComplete:
			e.finish(ctx, project, executionID)
			return
		case PhaseImplement:
			keepDriving = e.driveImplement(ctx, project, ex)
		default:
			keepDriving = e.drivePhase(ctx, project, ex)
		}
		if !keepDriving {
			return
		}
	}
}

// transition applies mutate to the active execution, guarding against the
// execution having changed identity. Terminal statuses retire the
// execution to history in the same write.
func (e *Engine) transition(ctx context.Context, project, executionID string, mutate func(ex *Execution) error) (*Document, error) {
	return e.store.Update(ctx, project, func(d *Document) error {
		ex := d.Active
		if ex == nil || ex.ID != executionID {
			return errStale
		}
		if err := mutate(ex); err != nil {
			return err
		}
		now := time.Now().UTC()
		ex.UpdatedAt = now
		if ex.Status.Terminal() {
			completed := now
			ex.CompletedAt = &completed
			d.Retire()
		}
		return nil
	})
}

// honorPause applies a requested pause between jobs. Returns true when
// the execution paused and the driver should stop.
func (e *Engine) honorPause(ctx context.Context, project string, ex *Execution) bool {
	if !ex.PauseRequested || ex.JobInFlight {
		// A deferred pause waits for the in-flight job to resolve.
		return false
	}
	doc, err := e.transition(ctx, project, ex.ID, func(ex *Execution) error {
		if ex.Status != StatusRunning || !ex.PauseRequested {
			return errStale
		}
		ex.Status = StatusPaused
		ex.PauseRequested = false
		ex.Log(time.Now().UTC(), "paused", "")
		return nil
	})
	if err != nil {
		return true
	}
	e.metrics.recordTransition(ctx, StatusPaused)
	e.publish(ctx, doc.FindExecution(ex.ID), "paused", "")
	return true
}

// checkBudget enforces the total budget before starting a job costing up
// to estimate. Returns true when the execution was halted.
func (e *Engine) checkBudget(ctx context.Context, project string, ex *Execution, estimate float64, batchIndex *int) bool {
	max := ex.Config.MaxBudgetTotal
	if max <= 0 {
		return false
	}
	spent := ex.Cost.Total
	if spent < max && spent+estimate <= max {
		return false
	}
	detail := fmt.Sprintf("spent %.2f of %.2f; next job could cost %.2f more", spent, max, estimate)
	e.metrics.budgetStops.Add(ctx, 1)
	e.haltForAttention(ctx, project, ex.ID, RecoveryContext{
		Issue:      IssueBudgetExceeded,
		Detail:     detail,
		Options:    []RecoveryChoice{ChoiceRetry, ChoiceAbort},
		BatchIndex: batchIndex,
	})
	return true
}

// haltForAttention moves the execution to needs_attention with the given
// recovery context.
func (e *Engine) haltForAttention(ctx context.Context, project, executionID string, rec RecoveryContext) {
	doc, err := e.transition(ctx, project, executionID, func(ex *Execution) error {
		if !ex.Status.CanTransitionTo(StatusNeedsAttention) {
			return errStale
		}
		rec.Phase = ex.Phase
		ex.Status = StatusNeedsAttention
		ex.Recovery = &rec
		ex.JobInFlight = false
		ex.Log(time.Now().UTC(), "needs_attention", rec.Issue+": "+rec.Detail)
		return nil
	})
	if err != nil {
		e.logger.Warn(ctx, "failed to record needs_attention", zap.Error(err))
		return
	}
	e.metrics.recordTransition(ctx, StatusNeedsAttention)
	e.publish(ctx, doc.FindExecution(executionID), "needs_attention", rec.Issue)
}

// startJob claims the job slot, starts the runner, and records the
// reference. Returns the reference, or "" with ok=false when the
// execution changed state or the gateway refused.
func (e *Engine) startJob(ctx context.Context, project string, ex *Execution, req executor.StartRequest, action string) (string, bool) {
	_, err := e.transition(ctx, project, ex.ID, func(ex *Execution) error {
		if ex.Status != StatusRunning || ex.JobInFlight {
			return errStale
		}
		ex.JobInFlight = true
		return nil
	})
	if err != nil {
		return "", false
	}

	ref, err := e.gateway.Start(ctx, req)
	if err != nil {
		e.logger.Error(ctx, "failed to start runner job",
			zap.String("kind", string(req.Kind)), zap.Error(err))
		e.haltForAttention(ctx, project, ex.ID, RecoveryContext{
			Issue:   issueForStep(req.Kind),
			Detail:  fmt.Sprintf("failed to start %s job: %v", req.Kind, err),
			Options: []RecoveryChoice{ChoiceRetry, ChoiceSkip, ChoiceAbort},
		})
		return "", false
	}

	_, err = e.transition(ctx, project, ex.ID, func(ex *Execution) error {
		if ex.Status != StatusRunning {
			return errStale
		}
		ex.LastExecutionRef = ref
		if batch := ex.CurrentBatch(); batch != nil && req.Kind == executor.StepImplementBatch {
			batch.Status = BatchRunning
			batch.ExecutorRef = ref
		}
		ex.Log(time.Now().UTC(), action, string(req.Kind))
		return nil
	})
	if err != nil {
		// The execution was cancelled or paused between claim and record;
		// the job must not outlive it.
		_ = e.gateway.Cancel(ctx, ref)
		return "", false
	}
	return ref, true
}

func issueForStep(kind executor.StepKind) string {
	switch kind {
	case executor.StepImplementBatch:
		return IssueBatchFailed
	case executor.StepHeal:
		return IssueHealFailed
	default:
		return IssuePhaseFailed
	}
}

// drivePhase runs one non-implement phase job end to end. Returns true
// when the driver should keep going.
func (e *Engine) drivePhase(ctx context.Context, project string, ex *Execution) bool {
	if e.honorPause(ctx, project, ex) {
		return false
	}
	if e.checkBudget(ctx, project, ex, 0, nil) {
		return false
	}

	phase := ex.Phase
	ref := ex.LastExecutionRef
	if !ex.JobInFlight || ref == "" {
		var ok bool
		ref, ok = e.startJob(ctx, project, ex, executor.StartRequest{
			Project: project,
			Kind:    stepForPhase(phase),
			Context: ex.Config.AdditionalContext,
		}, "phase_job_started")
		if !ok {
			return false
		}
	}

	outcome, err := e.awaitJob(ctx, ref, 0, func(ctx context.Context) (bool, error) {
		return e.probe.PhaseComplete(ctx, project, phase)
	})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		e.logger.Error(ctx, "phase polling failed", zap.Error(err))
		e.haltForAttention(ctx, project, ex.ID, RecoveryContext{
			Issue:     IssuePhaseFailed,
			Detail:    err.Error(),
			Options:   []RecoveryChoice{ChoiceRetry, ChoiceSkip, ChoiceAbort},
			FailedRef: ref,
		})
		return false
	}

	e.metrics.recordJob(ctx, string(stepForPhase(phase)), outcomeName(outcome.verdict),
		outcome.duration.Seconds(), outcome.cost)

	switch outcome.verdict {
	case verdictSuccess:
		return e.completePhase(ctx, project, ex.ID, phase, outcome.cost)
	default:
		issue := IssuePhaseFailed
		options := []RecoveryChoice{ChoiceRetry, ChoiceSkip, ChoiceAbort}
		if outcome.verdict == verdictBudget {
			issue = IssueBudgetExceeded
			options = []RecoveryChoice{ChoiceRetry, ChoiceAbort}
			e.metrics.budgetStops.Add(ctx, 1)
		}
		e.recordJobCost(ctx, project, ex.ID, func(ex *Execution) {
			ex.Cost.AddPhase(phase, outcome.cost)
		})
		e.haltForAttention(ctx, project, ex.ID, RecoveryContext{
			Issue:     issue,
			Detail:    outcome.detail,
			Options:   options,
			FailedRef: ref,
		})
		return false
	}
}

// completePhase records a phase success and advances the workflow,
// applying the merge gate. Returns true when driving should continue.
func (e *Engine) completePhase(ctx context.Context, project, executionID string, phase Phase, cost float64) bool {
	var halted bool
	doc, err := e.transition(ctx, project, executionID, func(ex *Execution) error {
		if ex.Status != StatusRunning || ex.Phase != phase {
			return errStale
		}
		now := time.Now().UTC()
		ex.Cost.AddPhase(phase, cost)
		ex.JobInFlight = false
		ex.LastExecutionRef = ""
		ex.Phase = ex.Config.NextPhase(phase)
		ex.Log(now, "phase_completed", phase.String())

		if ex.Phase == PhaseMerge && !ex.Config.AutoMerge {
			ex.Status = StatusWaitingMerge
			// The merge gate halts anyway; a pending pause request must
			// not fire after the operator triggers the merge.
			ex.PauseRequested = false
			ex.Log(now, "awaiting_merge_trigger", "")
			halted = true
		} else if ex.PauseRequested {
			ex.Status = StatusPaused
			ex.PauseRequested = false
			ex.Log(now, "paused", "")
			halted = true
		}
		return nil
	})
	if err != nil {
		return false
	}
	ex := doc.FindExecution(executionID)
	e.publish(ctx, ex, "phase_completed", phase.String())
	if halted {
		e.metrics.recordTransition(ctx, ex.Status)
	}
	return !halted
}

// recordJobCost applies a cost mutation without touching status.
func (e *Engine) recordJobCost(ctx context.Context, project, executionID string, apply func(ex *Execution)) {
	_, err := e.transition(ctx, project, executionID, func(ex *Execution) error {
		apply(ex)
		ex.JobInFlight = false
		return nil
	})
	if err != nil {
		e.logger.Warn(ctx, "failed to record job cost", zap.Error(err))
	}
}

func stepForPhase(p Phase) executor.StepKind {
	switch p {
	case PhaseDesign:
		return executor.StepDesign
	case PhaseAnalyze:
		return executor.StepAnalyze
	case PhaseVerify:
		return executor.StepVerify
	case PhaseMerge:
		return executor.StepMerge
	default:
		return executor.StepImplementBatch
	}
}

func outcomeName(v jobVerdict) string {
	switch v {
	case verdictSuccess:
		return "success"
	case verdictBudget:
		return "budget"
	default:
		return "failure"
	}
}

// driveImplement runs the current batch, or advances to verify when all
// batches are done. Returns true when the driver should keep going.
func (e *Engine) driveImplement(ctx context.Context, project string, ex *Execution) bool {
	if e.honorPause(ctx, project, ex) {
		return false
	}

	batch := ex.CurrentBatch()
	if batch != nil && batch.Status == BatchFailed {
		// A failed batch at the cursor means a crash interrupted healing
		// or recovery; never advance past it silently.
		index := ex.CurrentBatchIndex
		e.haltForAttention(ctx, project, ex.ID, RecoveryContext{
			Issue:      IssueBatchFailed,
			Detail:     batch.Error,
			Options:    []RecoveryChoice{ChoiceRetry, ChoiceSkip, ChoiceAbort},
			BatchIndex: &index,
		})
		return false
	}
	if batch == nil || batch.Status.Done() {
		_, err := e.transition(ctx, project, ex.ID, func(ex *Execution) error {
			if ex.Status != StatusRunning || ex.Phase != PhaseImplement {
				return errStale
			}
			if current := ex.CurrentBatch(); current != nil {
				if !current.Status.Done() || current.Status == BatchFailed {
					return errStale
				}
				ex.CurrentBatchIndex++
				return nil
			}
			ex.Phase = ex.Config.NextPhase(PhaseImplement)
			ex.Log(time.Now().UTC(), "implement_completed",
				fmt.Sprintf("%d batches processed", len(ex.Batches)))
			return nil
		})
		return err == nil
	}

	index := ex.CurrentBatchIndex
	if e.checkBudget(ctx, project, ex, ex.Config.MaxBudgetPerBatch, &index) {
		return false
	}

	ref := ex.LastExecutionRef
	if !ex.JobInFlight || ref == "" {
		var ok bool
		ref, ok = e.startJob(ctx, project, ex, executor.StartRequest{
			Project: project,
			Kind:    executor.StepImplementBatch,
			TaskIDs: batch.TaskIDs,
			Section: batch.Section,
			Context: ex.Config.AdditionalContext,
		}, "batch_started")
		if !ok {
			return false
		}
	}

	taskIDs := batch.TaskIDs
	outcome, err := e.awaitJob(ctx, ref, ex.Config.MaxBudgetPerBatch, func(ctx context.Context) (bool, error) {
		return e.probe.TasksComplete(ctx, project, taskIDs)
	})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		e.logger.Error(ctx, "batch polling failed", zap.Error(err))
		e.haltForAttention(ctx, project, ex.ID, RecoveryContext{
			Issue:      IssueBatchFailed,
			Detail:     err.Error(),
			Options:    []RecoveryChoice{ChoiceRetry, ChoiceSkip, ChoiceAbort},
			FailedRef:  ref,
			BatchIndex: &index,
		})
		return false
	}

	e.metrics.recordJob(ctx, string(executor.StepImplementBatch),
		outcomeName(outcome.verdict), outcome.duration.Seconds(), outcome.cost)

	switch outcome.verdict {
	case verdictSuccess:
		return e.completeBatch(ctx, project, ex.ID, index, outcome.cost)

	case verdictBudget:
		e.metrics.budgetStops.Add(ctx, 1)
		e.recordJobCost(ctx, project, ex.ID, func(ex *Execution) {
			ex.Cost.AddBatch(index, outcome.cost)
			if index < len(ex.Batches) {
				ex.Batches[index].Status = BatchFailed
				ex.Batches[index].Error = outcome.detail
			}
		})
		e.haltForAttention(ctx, project, ex.ID, RecoveryContext{
			Issue:      IssueBudgetExceeded,
			Detail:     outcome.detail,
			Options:    []RecoveryChoice{ChoiceRetry, ChoiceAbort},
			FailedRef:  ref,
			BatchIndex: &index,
		})
		return false

	default:
		e.recordJobCost(ctx, project, ex.ID, func(ex *Execution) {
			ex.Cost.AddBatch(index, outcome.cost)
			if index < len(ex.Batches) {
				ex.Batches[index].Status = BatchFailed
				ex.Batches[index].Error = outcome.detail
			}
		})
		e.publish(ctx, ex, "batch_failed", outcome.detail)
		return e.healBatch(ctx, project, ex.ID, index, ref, outcome.detail)
	}
}

// completeBatch marks the batch done and advances. Returns true when the
// driver should keep going.
func (e *Engine) completeBatch(ctx context.Context, project, executionID string, index int, cost float64) bool {
	var halted bool
	doc, err := e.transition(ctx, project, executionID, func(ex *Execution) error {
		if ex.Status != StatusRunning || ex.Phase != PhaseImplement || ex.CurrentBatchIndex != index {
			return errStale
		}
		now := time.Now().UTC()
		batch := &ex.Batches[index]
		batch.Status = BatchCompleted
		batch.Error = ""
		ex.Cost.AddBatch(index, cost)
		ex.CurrentBatchIndex++
		ex.JobInFlight = false
		ex.LastExecutionRef = ""
		ex.Log(now, "batch_completed", batch.Section)

		switch {
		case ex.PauseRequested:
			ex.Status = StatusPaused
			ex.PauseRequested = false
			ex.Log(now, "paused", "")
			halted = true
		case ex.Config.PauseBetweenBatches && ex.CurrentBatchIndex < len(ex.Batches):
			ex.Status = StatusPaused
			ex.Log(now, "paused_between_batches", "")
			halted = true
		}
		return nil
	})
	if err != nil {
		return false
	}
	ex := doc.FindExecution(executionID)
	e.publish(ctx, ex, "batch_completed", "")
	if halted {
		e.metrics.recordTransition(ctx, StatusPaused)
	}
	return !halted
}

// finish records overall completion.
func (e *Engine) finish(ctx context.Context, project, executionID string) {
	doc, err := e.transition(ctx, project, executionID, func(ex *Execution) error {
		if ex.Status != StatusRunning || ex.Phase != PhaseComplete {
			return errStale
		}
		ex.Status = StatusCompleted
		ex.JobInFlight = false
		ex.Log(time.Now().UTC(), "execution_completed", "")
		return nil
	})
	if err != nil {
		return
	}
	e.metrics.recordTransition(ctx, StatusCompleted)
	e.publish(ctx, doc.FindExecution(executionID), "execution_completed", "")
}

// publish emits a notification event. Best effort.
func (e *Engine) publish(ctx context.Context, ex *Execution, action, reason string) {
	if ex == nil {
		return
	}
	event := notify.Event{
		Project:     ex.Project,
		ExecutionID: ex.ID,
		Status:      ex.Status.String(),
		Phase:       ex.Phase.String(),
		Action:      action,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	}
	if err := e.sink.Publish(ctx, event); err != nil {
		e.logger.Warn(ctx, "failed to publish event",
			zap.String("action", action), zap.Error(err))
	}
}
