// Package orchestrator implements the spec-driven delivery state machine:
// durable per-project orchestration documents, the engine that drives
// design/analyze/implement/verify/merge phases through an opaque skill
// runner, bounded auto-healing, budget enforcement, and the startup
// reconciler that repairs state after a crash.
package orchestrator

import (
	"time"
)

// Status is the lifecycle state of an orchestration execution.
type Status string

const (
	StatusRunning        Status = "running"
	StatusPaused         Status = "paused"
	StatusWaitingMerge   Status = "waiting_merge"
	StatusNeedsAttention Status = "needs_attention"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// String returns the string representation.
func (s Status) String() string { return string(s) }

// IsValid returns true for a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusRunning, StatusPaused, StatusWaitingMerge, StatusNeedsAttention,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether the execution still occupies the project's
// single-flight slot.
func (s Status) Active() bool {
	switch s {
	case StatusRunning, StatusPaused, StatusWaitingMerge, StatusNeedsAttention:
		return true
	default:
		return false
	}
}

// Terminal reports whether the execution can never change state again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether the transition s -> target is legal.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusRunning:
		switch target {
		case StatusPaused, StatusWaitingMerge, StatusNeedsAttention,
			StatusCompleted, StatusFailed, StatusCancelled:
			return true
		}
	case StatusPaused:
		switch target {
		case StatusRunning, StatusNeedsAttention, StatusCancelled:
			return true
		}
	case StatusWaitingMerge:
		switch target {
		case StatusRunning, StatusNeedsAttention, StatusCancelled:
			return true
		}
	case StatusNeedsAttention:
		switch target {
		case StatusRunning, StatusFailed, StatusCancelled:
			return true
		}
	}
	return false
}

// Phase is the workflow phase an execution is in.
type Phase string

const (
	PhaseDesign    Phase = "design"
	PhaseAnalyze   Phase = "analyze"
	PhaseImplement Phase = "implement"
	PhaseVerify    Phase = "verify"
	PhaseMerge     Phase = "merge"
	PhaseComplete  Phase = "complete"
)

// String returns the string representation.
func (p Phase) String() string { return string(p) }

// IsValid returns true for a known phase.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseDesign, PhaseAnalyze, PhaseImplement, PhaseVerify, PhaseMerge, PhaseComplete:
		return true
	default:
		return false
	}
}

// Next returns the phase that follows p in the fixed workflow order.
// Complete has no successor and returns itself.
func (p Phase) Next() Phase {
	switch p {
	case PhaseDesign:
		return PhaseAnalyze
	case PhaseAnalyze:
		return PhaseImplement
	case PhaseImplement:
		return PhaseVerify
	case PhaseVerify:
		return PhaseMerge
	case PhaseMerge:
		return PhaseComplete
	default:
		return PhaseComplete
	}
}

// BatchStatus is the state of one implement batch.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchHealed    BatchStatus = "healed"
)

// IsValid returns true for a known batch status.
func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchPending, BatchRunning, BatchCompleted, BatchFailed, BatchHealed:
		return true
	default:
		return false
	}
}

// Done reports whether the batch needs no further work.
func (s BatchStatus) Done() bool {
	return s == BatchCompleted || s == BatchHealed || s == BatchFailed
}

// RecoveryChoice is the operator's answer to a needs_attention stop.
type RecoveryChoice string

const (
	// ChoiceRetry re-runs the failed unit of work.
	ChoiceRetry RecoveryChoice = "retry"
	// ChoiceSkip marks the failed unit permanently skipped and moves on.
	ChoiceSkip RecoveryChoice = "skip"
	// ChoiceAbort fails the whole execution.
	ChoiceAbort RecoveryChoice = "abort"
)

// IsValid returns true for a known recovery choice.
func (c RecoveryChoice) IsValid() bool {
	switch c {
	case ChoiceRetry, ChoiceSkip, ChoiceAbort:
		return true
	default:
		return false
	}
}

// Recovery issue identifiers stored in RecoveryContext.Issue.
const (
	IssuePhaseFailed    = "phase_failed"
	IssueBatchFailed    = "batch_failed"
	IssueHealFailed     = "heal_failed"
	IssueBudgetExceeded = "budget_exceeded"
	IssueProcessDied    = "process_died"
)

// ExecutionConfig is the per-execution configuration snapshot. It is
// captured at start and immutable for the execution's lifetime.
type ExecutionConfig struct {
	// AutoMerge runs the merge phase without waiting for an explicit trigger.
	AutoMerge bool `json:"auto_merge"`

	// SkipDesign and SkipAnalyze drop the corresponding phases.
	SkipDesign  bool `json:"skip_design"`
	SkipAnalyze bool `json:"skip_analyze"`

	// AutoHeal enables bounded automatic healing of failed batches.
	AutoHeal bool `json:"auto_heal"`

	// MaxHealAttempts caps heal attempts per batch. Nil inherits the
	// server default; an explicit zero disables healing even with
	// AutoHeal set.
	MaxHealAttempts *int `json:"max_heal_attempts,omitempty"`

	// FallbackBatchSize is the chunk size when the task list has no sections.
	FallbackBatchSize int `json:"fallback_batch_size"`

	// PauseBetweenBatches pauses the execution after every completed batch.
	PauseBetweenBatches bool `json:"pause_between_batches"`

	// Budgets in USD; zero means unlimited.
	MaxBudgetTotal    float64 `json:"max_budget_total"`
	MaxBudgetPerBatch float64 `json:"max_budget_per_batch"`
	MaxBudgetPerHeal  float64 `json:"max_budget_per_heal"`

	// AdditionalContext is free text forwarded verbatim to every job.
	AdditionalContext string `json:"additional_context,omitempty"`
}

// HealLimit returns the heal attempt cap, zero when unset.
func (c ExecutionConfig) HealLimit() int {
	if c.MaxHealAttempts == nil {
		return 0
	}
	return *c.MaxHealAttempts
}

// Validate checks the configuration snapshot.
func (c ExecutionConfig) Validate() error {
	if c.MaxHealAttempts != nil && *c.MaxHealAttempts < 0 {
		return NewValidationError("max_heal_attempts", "must be >= 0")
	}
	if c.FallbackBatchSize < 1 {
		return NewValidationError("fallback_batch_size", "must be >= 1")
	}
	if c.MaxBudgetTotal < 0 {
		return NewValidationError("max_budget_total", "must be >= 0")
	}
	if c.MaxBudgetPerBatch < 0 {
		return NewValidationError("max_budget_per_batch", "must be >= 0")
	}
	if c.MaxBudgetPerHeal < 0 {
		return NewValidationError("max_budget_per_heal", "must be >= 0")
	}
	return nil
}

// InitialPhase returns the first phase for this configuration.
func (c ExecutionConfig) InitialPhase() Phase {
	switch {
	case c.SkipDesign && c.SkipAnalyze:
		return PhaseImplement
	case c.SkipDesign:
		return PhaseAnalyze
	default:
		return PhaseDesign
	}
}

// NextPhase returns the phase after p, honoring configured skips.
func (c ExecutionConfig) NextPhase(p Phase) Phase {
	next := p.Next()
	for (next == PhaseDesign && c.SkipDesign) || (next == PhaseAnalyze && c.SkipAnalyze) {
		next = next.Next()
	}
	return next
}

// BatchItem is one planned implement batch.
type BatchItem struct {
	// Section is the human-readable batch label.
	Section string `json:"section"`

	// TaskIDs are the tasks this batch owns. Batches partition the
	// incomplete task set: disjoint, exhaustive.
	TaskIDs []string `json:"task_ids"`

	Status BatchStatus `json:"status"`

	// HealAttempts counts heal jobs already spent on this batch.
	HealAttempts int `json:"heal_attempts"`

	// ExecutorRef is the gateway reference of the batch's current or last
	// job.
	ExecutorRef string `json:"executor_ref,omitempty"`

	// Error holds the last failure detail.
	Error string `json:"error,omitempty"`
}

// DecisionLogEntry is one append-only audit record.
type DecisionLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
}

// CostLedger tracks USD spend for one execution.
type CostLedger struct {
	// Total is the cumulative spend across all jobs.
	Total float64 `json:"total"`

	// ByBatch is spend per implement batch, indexed like Batches. Heal
	// spend for a batch is included in its entry.
	ByBatch []float64 `json:"by_batch,omitempty"`

	// ByPhase is spend per non-implement phase.
	ByPhase map[string]float64 `json:"by_phase,omitempty"`

	// Heals is the cumulative spend on heal jobs.
	Heals float64 `json:"heals"`
}

// AddPhase records spend for a non-implement phase.
func (c *CostLedger) AddPhase(phase Phase, amount float64) {
	if amount <= 0 {
		return
	}
	if c.ByPhase == nil {
		c.ByPhase = make(map[string]float64)
	}
	c.ByPhase[phase.String()] += amount
	c.Total += amount
}

// AddBatch records spend for the batch at index.
func (c *CostLedger) AddBatch(index int, amount float64) {
	if amount <= 0 {
		return
	}
	for len(c.ByBatch) <= index {
		c.ByBatch = append(c.ByBatch, 0)
	}
	c.ByBatch[index] += amount
	c.Total += amount
}

// AddHeal records heal spend attributed to the batch at index.
func (c *CostLedger) AddHeal(index int, amount float64) {
	if amount <= 0 {
		return
	}
	c.Heals += amount
	c.AddBatch(index, amount)
}

// RecoveryContext is populated whenever an execution stops in
// needs_attention. It tells the operator what went wrong and which
// resume choices apply.
type RecoveryContext struct {
	// Issue is one of the Issue* identifiers.
	Issue string `json:"issue"`

	// Detail is a human-readable description.
	Detail string `json:"detail,omitempty"`

	// Options are the resume choices valid for this issue.
	Options []RecoveryChoice `json:"options"`

	// FailedRef is the gateway reference of the failed job, if any.
	FailedRef string `json:"failed_ref,omitempty"`

	// BatchIndex is set when the failure concerns a specific batch.
	BatchIndex *int `json:"batch_index,omitempty"`

	// Phase is the phase the execution was in when it stopped.
	Phase Phase `json:"phase"`
}

// Allows reports whether choice is one of the context's options.
func (r *RecoveryContext) Allows(choice RecoveryChoice) bool {
	for _, opt := range r.Options {
		if opt == choice {
			return true
		}
	}
	return false
}

// Execution is one orchestration run over a project.
type Execution struct {
	ID      string `json:"id"`
	Project string `json:"project"`

	Status Status `json:"status"`
	Phase  Phase  `json:"phase"`

	Config ExecutionConfig `json:"config"`

	Batches           []BatchItem `json:"batches"`
	TotalBatches      int         `json:"total_batches"`
	CurrentBatchIndex int         `json:"current_batch_index"`

	Cost CostLedger `json:"cost"`

	DecisionLog []DecisionLogEntry `json:"decision_log"`

	// LastExecutionRef is the most recent gateway job reference.
	LastExecutionRef string `json:"last_execution_ref,omitempty"`

	// JobInFlight is true while a gateway job for this execution may still
	// be running. The reconciler uses it to tell "crashed mid-job" from
	// "crashed between jobs".
	JobInFlight bool `json:"job_in_flight,omitempty"`

	// PauseRequested defers a pause until the in-flight job resolves.
	PauseRequested bool `json:"pause_requested,omitempty"`

	Recovery *RecoveryContext `json:"recovery,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Log appends a decision-log entry.
func (e *Execution) Log(now time.Time, action, reason string) {
	e.DecisionLog = append(e.DecisionLog, DecisionLogEntry{
		Timestamp: now,
		Action:    action,
		Reason:    reason,
	})
}

// CurrentBatch returns the batch the execution is on, or nil when the
// implement phase is finished or not started.
func (e *Execution) CurrentBatch() *BatchItem {
	if e.CurrentBatchIndex < 0 || e.CurrentBatchIndex >= len(e.Batches) {
		return nil
	}
	return &e.Batches[e.CurrentBatchIndex]
}

// Document is the durable per-project orchestration state. Exactly one
// execution may be active at a time; terminal executions are retained in
// History for audit.
type Document struct {
	Project   string    `json:"project"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`

	Active  *Execution  `json:"active,omitempty"`
	History []Execution `json:"history,omitempty"`
}

// FindExecution returns the execution with the given ID, searching the
// active slot first, then history. Returns nil when absent.
func (d *Document) FindExecution(id string) *Execution {
	if d.Active != nil && d.Active.ID == id {
		return d.Active
	}
	for i := range d.History {
		if d.History[i].ID == id {
			return &d.History[i]
		}
	}
	return nil
}

// Retire moves the active execution into history. The caller must have
// set a terminal status first.
func (d *Document) Retire() {
	if d.Active == nil {
		return
	}
	d.History = append(d.History, *d.Active)
	d.Active = nil
}
