package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/specflowd/internal/config"
	"github.com/fyrsmithlabs/specflowd/internal/executor"
	"github.com/fyrsmithlabs/specflowd/internal/logging"
	"github.com/fyrsmithlabs/specflowd/internal/tasksource"
)

// memTasks is a mutable task source shared between the fake runner and
// the probe, standing in for the task file the runner edits.
type memTasks struct {
	mu    sync.Mutex
	tasks []tasksource.Task
}

func (m *memTasks) List(context.Context) ([]tasksource.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tasksource.Task, len(m.tasks))
	copy(out, m.tasks)
	return out, nil
}

func (m *memTasks) MarkDone(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		for i := range m.tasks {
			if m.tasks[i].ID == id {
				m.tasks[i].Completed = true
			}
		}
	}
}

type fakeProbe struct {
	mu     sync.Mutex
	phases map[string]bool
	tasks  *memTasks
}

func (p *fakeProbe) MarkPhase(project string, phase Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phases[project+"/"+phase.String()] = true
}

func (p *fakeProbe) PhaseComplete(_ context.Context, project string, phase Phase) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phases[project+"/"+phase.String()], nil
}

func (p *fakeProbe) TasksComplete(ctx context.Context, _ string, ids []string) (bool, error) {
	tasks, err := p.tasks.List(ctx)
	if err != nil {
		return false, err
	}
	completed := tasksource.CompletedSet(tasks)
	for _, id := range ids {
		if !completed[id] {
			return false, nil
		}
	}
	return true, nil
}

type fakeJob struct {
	req       executor.StartRequest
	release   chan struct{}
	result    *executor.PollResult
	cancelled bool
}

// fakeGateway resolves each job exactly once through the resolve
// callback, optionally holding it open until its release channel closes.
type fakeGateway struct {
	mu      sync.Mutex
	seq     int
	jobs    map[string]*fakeJob
	started []executor.StartRequest
	resolve func(req executor.StartRequest) executor.PollResult
	hold    func(req executor.StartRequest) chan struct{}
}

func (g *fakeGateway) Start(_ context.Context, req executor.StartRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	ref := fmt.Sprintf("job-%d", g.seq)
	job := &fakeJob{req: req}
	if g.hold != nil {
		job.release = g.hold(req)
	}
	g.jobs[ref] = job
	g.started = append(g.started, req)
	return ref, nil
}

func (g *fakeGateway) Poll(_ context.Context, ref string) (executor.PollResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	job, ok := g.jobs[ref]
	if !ok {
		return executor.PollResult{}, executor.ErrUnknownRef
	}
	if job.cancelled {
		return executor.PollResult{Status: executor.JobFailure, Error: "cancelled"}, nil
	}
	if job.release != nil {
		select {
		case <-job.release:
		default:
			return executor.PollResult{Status: executor.JobRunning}, nil
		}
	}
	if job.result == nil {
		result := g.resolve(job.req)
		job.result = &result
	}
	return *job.result, nil
}

func (g *fakeGateway) Cancel(_ context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	job, ok := g.jobs[ref]
	if !ok {
		return executor.ErrUnknownRef
	}
	job.cancelled = true
	return nil
}

func (g *fakeGateway) Alive(context.Context, string) bool { return false }

func (g *fakeGateway) startedKinds() []executor.StepKind {
	g.mu.Lock()
	defer g.mu.Unlock()
	kinds := make([]executor.StepKind, len(g.started))
	for i, req := range g.started {
		kinds[i] = req.Kind
	}
	return kinds
}

func (g *fakeGateway) job(ref string) *fakeJob {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.jobs[ref]
}

type harness struct {
	t      *testing.T
	engine *Engine
	store  *MemStore
	gw     *fakeGateway
	probe  *fakeProbe
	tasks  *memTasks
}

func testDefaults() config.OrchestrationConfig {
	return config.OrchestrationConfig{
		FallbackBatchSize: 15,
		MaxHealAttempts:   2,
		PollInterval:      config.Duration(2 * time.Millisecond),
		ConfirmTimeout:    config.Duration(50 * time.Millisecond),
		PhaseTimeout:      config.Duration(5 * time.Second),
		StaleThreshold:    config.Duration(10 * time.Minute),
	}
}

func defaultTasks() []tasksource.Task {
	return []tasksource.Task{
		{ID: "1.1", Section: "Setup", Description: "init"},
		{ID: "1.2", Section: "Setup", Description: "scaffold"},
		{ID: "2.1", Section: "Core", Description: "engine"},
		{ID: "2.2", Section: "Core", Description: "store"},
	}
}

func newHarness(t *testing.T, tasks []tasksource.Task) *harness {
	t.Helper()
	mt := &memTasks{tasks: tasks}
	h := &harness{
		t:     t,
		store: NewMemStore(),
		gw:    &fakeGateway{jobs: make(map[string]*fakeJob)},
		probe: &fakeProbe{phases: make(map[string]bool), tasks: mt},
		tasks: mt,
	}
	h.gw.resolve = h.happyResolve(0.5)

	engine, err := NewEngine(Options{
		Store:    h.store,
		Gateway:  h.gw,
		Probe:    h.probe,
		Sources:  func(string) (tasksource.Source, error) { return mt, nil },
		Logger:   logging.NewNop(),
		Defaults: testDefaults(),
	})
	require.NoError(t, err)
	h.engine = engine
	t.Cleanup(engine.Close)
	return h
}

// happyResolve succeeds every job and makes the side effects the probe
// expects: marker for phases, checked-off tasks for batches and heals.
func (h *harness) happyResolve(cost float64) func(executor.StartRequest) executor.PollResult {
	return func(req executor.StartRequest) executor.PollResult {
		switch req.Kind {
		case executor.StepImplementBatch, executor.StepHeal:
			h.tasks.MarkDone(req.TaskIDs...)
		default:
			h.probe.MarkPhase(req.Project, phaseForStep(req.Kind))
		}
		return executor.PollResult{Status: executor.JobSuccess, Cost: cost}
	}
}

func phaseForStep(k executor.StepKind) Phase {
	switch k {
	case executor.StepDesign:
		return PhaseDesign
	case executor.StepAnalyze:
		return PhaseAnalyze
	case executor.StepVerify:
		return PhaseVerify
	case executor.StepMerge:
		return PhaseMerge
	default:
		return PhaseImplement
	}
}

func (h *harness) waitStatus(id string, want Status) *Execution {
	h.t.Helper()
	var ex *Execution
	require.Eventually(h.t, func() bool {
		got, err := h.engine.Status(context.Background(), id)
		if err != nil {
			return false
		}
		ex = got
		return got.Status == want
	}, 5*time.Second, 5*time.Millisecond, "waiting for status %s", want)
	return ex
}

func intPtr(n int) *int { return &n }

func hasAction(ex *Execution, action string) bool {
	for _, entry := range ex.DecisionLog {
		if entry.Action == action {
			return true
		}
	}
	return false
}

func TestFullRunWaitsForMergeTrigger(t *testing.T) {
	h := newHarness(t, defaultTasks())

	started, err := h.engine.Start(context.Background(), "demo", ExecutionConfig{})
	require.NoError(t, err)
	assert.Equal(t, PhaseDesign, started.Phase)
	assert.Equal(t, 2, started.TotalBatches)

	ex := h.waitStatus(started.ID, StatusWaitingMerge)
	assert.Equal(t, PhaseMerge, ex.Phase)
	assert.Equal(t, BatchCompleted, ex.Batches[0].Status)
	assert.Equal(t, BatchCompleted, ex.Batches[1].Status)
	assert.InDelta(t, 2.5, ex.Cost.Total, 1e-9)
	assert.InDelta(t, 0.5, ex.Cost.ByPhase["design"], 1e-9)
	assert.InDelta(t, 0.5, ex.Cost.ByBatch[0], 1e-9)
	assert.True(t, hasAction(ex, "awaiting_merge_trigger"))

	// Merge runs only on explicit trigger.
	_, err = h.engine.TriggerMerge(context.Background(), started.ID)
	require.NoError(t, err)

	ex = h.waitStatus(started.ID, StatusCompleted)
	assert.Equal(t, PhaseComplete, ex.Phase)
	assert.InDelta(t, 3.0, ex.Cost.Total, 1e-9)
	assert.True(t, hasAction(ex, "merge_triggered"))
	assert.True(t, hasAction(ex, "execution_completed"))
	assert.NotNil(t, ex.CompletedAt)

	doc, err := h.engine.List(context.Background(), "demo")
	require.NoError(t, err)
	assert.Nil(t, doc.Active)
	require.Len(t, doc.History, 1)

	kinds := h.gw.startedKinds()
	assert.Equal(t, []executor.StepKind{
		executor.StepDesign, executor.StepAnalyze,
		executor.StepImplementBatch, executor.StepImplementBatch,
		executor.StepVerify, executor.StepMerge,
	}, kinds)
}

func TestStartSingleFlightPerProject(t *testing.T) {
	h := newHarness(t, defaultTasks())
	h.gw.hold = func(executor.StartRequest) chan struct{} { return make(chan struct{}) }

	first, err := h.engine.Start(context.Background(), "demo", ExecutionConfig{})
	require.NoError(t, err)

	_, err = h.engine.Start(context.Background(), "demo", ExecutionConfig{})
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	// Other projects are unaffected.
	_, err = h.engine.Start(context.Background(), "other", ExecutionConfig{})
	require.NoError(t, err)

	_, err = h.engine.Cancel(context.Background(), first.ID)
	require.NoError(t, err)
}

func TestStartRejectsBadInput(t *testing.T) {
	h := newHarness(t, defaultTasks())

	_, err := h.engine.Start(context.Background(), "bad/project", ExecutionConfig{})
	assert.True(t, IsValidation(err))

	_, err = h.engine.Start(context.Background(), "demo", ExecutionConfig{MaxBudgetTotal: -1})
	assert.True(t, IsValidation(err))
}

func TestStartNoIncompleteTasks(t *testing.T) {
	// An all-complete task list yields an empty plan; the implement phase
	// finishes with zero batches and the run goes straight to verify.
	h := newHarness(t, []tasksource.Task{
		{ID: "1.1", Section: "Setup", Completed: true},
	})

	started, err := h.engine.Start(context.Background(), "demo", ExecutionConfig{
		SkipDesign:  true,
		SkipAnalyze: true,
		AutoMerge:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, started.TotalBatches)

	ex := h.waitStatus(started.ID, StatusCompleted)
	assert.True(t, hasAction(ex, "implement_completed"))
	assert.Equal(t, []executor.StepKind{
		executor.StepVerify, executor.StepMerge,
	}, h.gw.startedKinds())
}

func TestSkipPhasesStartsAtImplement(t *testing.T) {
	h := newHarness(t, defaultTasks())

	started, err := h.engine.Start(context.Background(), "demo", ExecutionConfig{
		SkipDesign:  true,
		SkipAnalyze: true,
	})
	require.NoError(t, err)
	assert.Equal(t, PhaseImplement, started.Phase)

	h.waitStatus(started.ID, StatusWaitingMerge)
	kinds := h.gw.startedKinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, executor.StepImplementBatch, kinds[0])
}

func TestAutoMergeRunsToCompletion(t *testing.T) {
	h := newHarness(t, defaultTasks())

	started, err := h.engine.Start(context.Background(), "demo", ExecutionConfig{AutoMerge: true})
	require.NoError(t, err)

	ex := h.waitStatus(started.ID, StatusCompleted)
	assert.False(t, hasAction(ex, "awaiting_merge_trigger"))
	assert.Contains(t, h.gw.startedKinds(), executor.StepMerge)
}

func TestBatchFailureHealsAndContinues(t *testing.T) {
	h := newHarness(t, defaultTasks())
	failed := false
	h.gw.resolve = func(req executor.StartRequest) executor.PollResult {
		switch req.Kind {
		case executor.StepImplementBatch:
			if req.Section == "Core" && !failed {
				failed = true
				return executor.PollResult{Status: executor.JobFailure, Cost: 0.2, Error: "tests failing"}
			}
			h.tasks.MarkDone(req.TaskIDs...)
		case executor.StepHeal:
			h.tasks.MarkDone(req.TaskIDs...)
			return executor.PollResult{Status: executor.JobSuccess, Cost: 0.3}
		default:
			h.probe.MarkPhase(req.Project, phaseForStep(req.Kind))
		}
		return executor.PollResult{Status: executor.JobSuccess, Cost: 0.5}
	}

	started, err := h.engine.Start(context.Background(), "demo", ExecutionConfig{AutoHeal: true})
	require.NoError(t, err)

	ex := h.waitStatus(started.ID, StatusWaitingMerge)
	assert.Equal(t, BatchCompleted, ex.Batches[0].Status)
	assert.Equal(t, BatchHealed, ex.Batches[1].Status)
	assert.Equal(t, 1, ex.Batches[1].HealAttempts)
	assert.InDelta(t, 0.3, ex.Cost.Heals, 1e-9)
	assert.True(t, hasAction(ex, "heal_attempt"))
	assert.True(t, hasAction(ex, "batch_healed"))

	// The heal job carried the failure context and only the failed tasks.
	var healReq *executor.StartRequest
	for i, req := range h.gw.started {
		if req.Kind == executor.StepHeal {
			healReq = &h.gw.started[i]
		}
	}
	require.NotNil(t, healReq)
	assert.Equal(t, "tests failing", healReq.FailureContext)
	assert.Equal(t, []string{"2.1", "2.2"}, healReq.TaskIDs)
}

func TestHealExhaustedNeedsAttention(t *testing.T) {
	h := newHarness(t, defaultTasks())
	h.gw.resolve = func(req executor.StartRequest) executor.PollResult {
		switch req.Kind {
		case executor.StepImplementBatch:
			if req.Section == "Core" {
				return executor.PollResult{Status: executor.JobFailure, Error: "broken build"}
			}
			h.tasks.MarkDone(req.TaskIDs...)
		case executor.StepHeal:
			return executor.PollResult{Status: executor.JobFailure, Cost: 0.1, Error: "still broken"}
		default:
			h.probe.MarkPhase(req.Project, phaseForStep(req.Kind))
		}
		return executor.PollResult{Status: executor.JobSuccess, Cost: 0.5}
	}

	started, err := h.engine.Start(context.Background(), "demo", ExecutionConfig{
		SkipDesign:      true,
		SkipAnalyze:     true,
		AutoHeal:        true,
		MaxHealAttempts: intPtr(2),
	})
	require.NoError(t, err)

	ex := h.waitStatus(started.ID, StatusNeedsAttention)
	require.NotNil(t, ex.Recovery)
	assert.Equal(t, IssueHealFailed, ex.Recovery.Issue)
	assert.ElementsMatch(t, []RecoveryChoice{ChoiceRetry, ChoiceSkip, ChoiceAbort}, ex.Recovery.Options)
	require.NotNil(t, ex.Recovery.BatchIndex)
	coreIndex := *ex.Recovery.BatchIndex
	assert.Equal(t, BatchFailed, ex.Batches[coreIndex].Status)
	assert.Equal(t, 2, ex.Batches[coreIndex].HealAttempts)

	// A choice outside the offered set is rejected.
	_, err = h.engine.Resume(context.Background(), started.ID, RecoveryChoice("restart"))
	assert.True(t, IsValidation(err))

	// Skipping leaves the batch failed and finishes the rest.
	_, err = h.engine.Resume(context.Background(), started.ID, ChoiceSkip)
	require.NoError(t, err)

	ex = h.waitStatus(started.ID, StatusWaitingMerge)
	assert.Equal(t, BatchFailed, ex.Batches[coreIndex].Status)
	assert.True(t, hasAction(ex, "batch_skipped"))
}

func TestExplicitZeroHealAttemptsDisablesHealing(t *testing.T) {
	// A caller-supplied zero is a deliberate opt-out and must not inherit
	// the server default; the failure goes straight to needs_attention.
	h := newHarness(t, defaultTasks())
	h.gw.resolve = func(req executor.StartRequest) executor.PollResult {
		if req.Kind == executor.StepImplementBatch {
			return executor.PollResult{Status: executor.JobFailure, Error: "tests failing"}
		}
		h.probe.MarkPhase(req.Project, phaseForStep(req.Kind))
		return executor.PollResult{Status: executor.JobSuccess}
	}

	started, err := h.engine.Start(context.Background(), "demo", ExecutionConfig{
		SkipDesign:      true,
		SkipAnalyze:     true,
		AutoHeal:        true,
		MaxHealAttempts: intPtr(0),
	})
	require.NoError(t, err)

	ex := h.waitStatus(started.ID, StatusNeedsAttention)
	require.NotNil(t, ex.Recovery)
	assert.Equal(t, IssueBatchFailed, ex.Recovery.Issue)
	assert.Equal(t, 0, ex.Batches[0].HealAttempts)
	assert.NotContains(t, h.gw.startedKinds(), executor.StepHeal)
}

func TestNoAutoHealGoesStraightToAttention(t *testing.T) {
	h := newHarness(t, defaultTasks())
	h.gw.resolve = func(req executor.StartRequest) executor.PollResult {
		if req.Kind == executor.StepImplementBatch {
			return executor.PollResult{Status: executor.JobFailure, Error: "nope"}
		}
		h.probe.MarkPhase(req.Project, phaseForStep(req.Kind))
		return executor.PollResult{Status: executor.JobSuccess}
	}

	started, err := h.engine.Start(context.Background(), "demo", ExecutionConfig{
		SkipDesign:  true,
		SkipAnalyze: true,
	})
	require.NoError(t, err)

	ex := h.waitStatus(started.ID, StatusNeedsAttention)
	require.NotNil(t, ex.Recovery)
	assert.Equal(t, IssueBatchFailed, ex.Recovery.Issue)
	assert.NotContains(t, h.gw.startedKinds(), executor.StepHeal)
}

func TestBudgetExceededHaltsBeforeNextJob(t *testing.T) {
	h := newHarness(t, defaultTasks())
	h.gw.resolve = h.happyResolve(0.6)

	started, err := h.engine.Start(context.Background(), "demo", ExecutionConfig{
		MaxBudgetTotal: 1.0,
	})
	require.NoError(t, err)

	// Design (0.6) passes the pre-flight; after analyze the total is 1.2
	// and no batch may start.
	ex := h.waitStatus(started.ID, StatusNeedsAttention)
	require.NotNil(t, ex.Recovery)
	assert.Equal(t, IssueBudgetExceeded, ex.Recovery.Issue)
	assert.ElementsMatch(t, []RecoveryChoice{ChoiceRetry, ChoiceAbort}, ex.Recovery.Options)
	assert.Equal(t, BatchPending, ex.Batches[0].Status)
	assert.Equal(t, BatchPending, ex.Batches[1].Status)
	assert.InDelta(t, 1.2, ex.Cost.Total, 1e-9)

	// Abort retires the execution as failed.
	_, err = h.engine.Resume(context.Background(), started.ID, ChoiceAbort)
	require.NoError(t, err)
	ex = h.waitStatus(started.ID, StatusFailed)
	assert.True(t, hasAction(ex, "aborted_by_operator"))

	doc, err := h.engine.List(context.Background(), "demo")
	require.NoError(t, err)
	assert.Nil(t, doc.Active)
}

func TestPauseDeferredUntilJobResolves(t *testing.T) {
	h := newHarness(t, defaultTasks())
	release := make(chan struct{})
	h.gw.hold = func(req executor.StartRequest) chan struct{} {
		if req.Kind == executor.StepDesign {
			return release
		}
		return nil
	}

	started, err := h.engine.Start(context.Background(), "demo", ExecutionConfig{})
	require.NoError(t, err)

	// Wait for the design job to be claimed, then request the pause.
	require.Eventually(t, func() bool {
		ex, err := h.engine.Status(context.Background(), started.ID)
		return err == nil && ex.JobInFlight
	}, 5*time.Second, 5*time.Millisecond)

	ex, err := h.engine.Pause(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, ex.Status)
	assert.True(t, ex.PauseRequested)

	// The pause lands only after the in-flight job finishes.
	close(release)
	ex = h.waitStatus(started.ID, StatusPaused)
	assert.True(t, hasAction(ex, "phase_completed"))
	assert.Equal(t, PhaseAnalyze, ex.Phase)

	// Pausing a paused execution is rejected.
	_, err = h.engine.Pause(context.Background(), started.ID)
	assert.True(t, IsConflict(err))

	_, err = h.engine.Resume(context.Background(), started.ID, "")
	require.NoError(t, err)
	h.waitStatus(started.ID, StatusWaitingMerge)
}

func TestPauseRequestDroppedAtMergeGate(t *testing.T) {
	// A pause requested while verify is in flight is subsumed by the merge
	// gate: the execution waits for the trigger, and the trigger then runs
	// the merge instead of landing the stale pause.
	h := newHarness(t, defaultTasks())
	release := make(chan struct{})
	h.gw.hold = func(req executor.StartRequest) chan struct{} {
		if req.Kind == executor.StepVerify {
			return release
		}
		return nil
	}

	started, err := h.engine.Start(context.Background(), "demo", ExecutionConfig{
		SkipDesign:  true,
		SkipAnalyze: true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ex, err := h.engine.Status(context.Background(), started.ID)
		return err == nil && ex.Phase == PhaseVerify && ex.JobInFlight
	}, 5*time.Second, 5*time.Millisecond)

	_, err = h.engine.Pause(context.Background(), started.ID)
	require.NoError(t, err)

	close(release)
	ex := h.waitStatus(started.ID, StatusWaitingMerge)
	assert.False(t, ex.PauseRequested)

	_, err = h.engine.TriggerMerge(context.Background(), started.ID)
	require.NoError(t, err)
	ex = h.waitStatus(started.ID, StatusCompleted)
	assert.False(t, hasAction(ex, "paused"))
}

func TestPauseBetweenBatches(t *testing.T) {
	h := newHarness(t, defaultTasks())

	started, err := h.engine.Start(context.Background(), "demo", ExecutionConfig{
		SkipDesign:          true,
		SkipAnalyze:         true,
		PauseBetweenBatches: true,
	})
	require.NoError(t, err)

	ex := h.waitStatus(started.ID, StatusPaused)
	assert.True(t, hasAction(ex, "paused_between_batches"))
	assert.Equal(t, BatchCompleted, ex.Batches[0].Status)
	assert.Equal(t, BatchPending, ex.Batches[1].Status)

	_, err = h.engine.Resume(context.Background(), started.ID, "")
	require.NoError(t, err)

	// No pause after the final batch.
	ex = h.waitStatus(started.ID, StatusWaitingMerge)
	assert.Equal(t, BatchCompleted, ex.Batches[1].Status)
}

func TestCancelPreservesStateAndStopsJob(t *testing.T) {
	h := newHarness(t, defaultTasks())
	h.gw.hold = func(req executor.StartRequest) chan struct{} {
		if req.Kind == executor.StepImplementBatch {
			return make(chan struct{})
		}
		return nil
	}

	started, err := h.engine.Start(context.Background(), "demo", ExecutionConfig{
		SkipDesign:  true,
		SkipAnalyze: true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ex, err := h.engine.Status(context.Background(), started.ID)
		return err == nil && ex.JobInFlight && ex.LastExecutionRef != ""
	}, 5*time.Second, 5*time.Millisecond)

	before, err := h.engine.Status(context.Background(), started.ID)
	require.NoError(t, err)

	cancelled, err := h.engine.Cancel(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)

	// The in-flight runner job received the cancel.
	job := h.gw.job(before.LastExecutionRef)
	require.NotNil(t, job)
	assert.True(t, job.cancelled)

	// Audit state survives in history; further control ops conflict.
	doc, err := h.engine.List(context.Background(), "demo")
	require.NoError(t, err)
	assert.Nil(t, doc.Active)
	require.Len(t, doc.History, 1)
	assert.NotEmpty(t, doc.History[0].DecisionLog)

	_, err = h.engine.Cancel(context.Background(), started.ID)
	assert.True(t, IsConflict(err))

	// The project slot is free again.
	_, err = h.engine.Start(context.Background(), "demo", ExecutionConfig{})
	require.NoError(t, err)
}

func TestUnconfirmedSuccessFailsPhase(t *testing.T) {
	h := newHarness(t, defaultTasks())
	// The runner claims success but never produces the marker.
	h.gw.resolve = func(executor.StartRequest) executor.PollResult {
		return executor.PollResult{Status: executor.JobSuccess, Cost: 0.5}
	}

	started, err := h.engine.Start(context.Background(), "demo", ExecutionConfig{})
	require.NoError(t, err)

	ex := h.waitStatus(started.ID, StatusNeedsAttention)
	require.NotNil(t, ex.Recovery)
	assert.Equal(t, IssuePhaseFailed, ex.Recovery.Issue)
	assert.Contains(t, ex.Recovery.Detail, "not confirmed")
}

func TestTriggerMergeOnlyWhenWaiting(t *testing.T) {
	h := newHarness(t, defaultTasks())
	h.gw.hold = func(executor.StartRequest) chan struct{} { return make(chan struct{}) }

	started, err := h.engine.Start(context.Background(), "demo", ExecutionConfig{})
	require.NoError(t, err)

	_, err = h.engine.TriggerMerge(context.Background(), started.ID)
	assert.True(t, IsConflict(err))

	_, err = h.engine.TriggerMerge(context.Background(), "unknown-id")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestResumeRequiresPausedOrAttention(t *testing.T) {
	h := newHarness(t, defaultTasks())
	h.gw.hold = func(executor.StartRequest) chan struct{} { return make(chan struct{}) }

	started, err := h.engine.Start(context.Background(), "demo", ExecutionConfig{})
	require.NoError(t, err)

	_, err = h.engine.Resume(context.Background(), started.ID, "")
	assert.True(t, IsConflict(err))
}

func TestStatusSurvivesEngineRestart(t *testing.T) {
	h := newHarness(t, defaultTasks())

	started, err := h.engine.Start(context.Background(), "demo", ExecutionConfig{})
	require.NoError(t, err)
	h.waitStatus(started.ID, StatusWaitingMerge)
	h.engine.Close()

	// A fresh engine over the same store locates the execution by scan.
	fresh, err := NewEngine(Options{
		Store:    h.store,
		Gateway:  h.gw,
		Probe:    h.probe,
		Sources:  func(string) (tasksource.Source, error) { return h.tasks, nil },
		Logger:   logging.NewNop(),
		Defaults: testDefaults(),
	})
	require.NoError(t, err)
	defer fresh.Close()

	ex, err := fresh.Status(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingMerge, ex.Status)
}
