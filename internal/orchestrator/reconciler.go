package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specflowd/internal/executor"
	"github.com/fyrsmithlabs/specflowd/internal/logging"
)

// ReconcileAction is what the reconciler decided for one execution.
type ReconcileAction string

const (
	// ActionResume means the execution is healthy and the engine should
	// re-adopt its driver.
	ActionResume ReconcileAction = "resume"
	// ActionAttention means the execution was moved to needs_attention.
	ActionAttention ReconcileAction = "needs_attention"
)

// Repair records one reconciler decision.
type Repair struct {
	Project     string          `json:"project"`
	ExecutionID string          `json:"execution_id"`
	Action      ReconcileAction `json:"action"`
	Detail      string          `json:"detail,omitempty"`
}

// Reconciler repairs orchestration state after a daemon restart. It never
// silently resumes a dead runner job: an execution whose in-flight job no
// longer exists is surfaced to the operator instead.
type Reconciler struct {
	store          Store
	gateway        executor.Gateway
	staleThreshold time.Duration
	logger         *logging.Logger
}

// NewReconciler builds a reconciler.
func NewReconciler(store Store, gateway executor.Gateway, staleThreshold time.Duration, logger *logging.Logger) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if staleThreshold <= 0 {
		return nil, fmt.Errorf("stale threshold must be positive")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Reconciler{
		store:          store,
		gateway:        gateway,
		staleThreshold: staleThreshold,
		logger:         logger,
	}, nil
}

// Run scans every stored project once and returns the repairs made.
// Executions listed with ActionResume should be handed to Engine.Adopt.
func (r *Reconciler) Run(ctx context.Context) ([]Repair, error) {
	projects, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	var repairs []Repair
	for _, project := range projects {
		if ctx.Err() != nil {
			return repairs, ctx.Err()
		}
		repair, err := r.reconcileProject(ctx, project)
		if err != nil {
			r.logger.Error(ctx, "failed to reconcile project",
				zap.String("project.id", project), zap.Error(err))
			continue
		}
		if repair != nil {
			repairs = append(repairs, *repair)
		}
	}
	return repairs, nil
}

func (r *Reconciler) reconcileProject(ctx context.Context, project string) (*Repair, error) {
	doc, err := r.store.Get(ctx, project)
	if err != nil {
		return nil, err
	}
	ex := doc.Active
	if ex == nil || ex.Status != StatusRunning {
		// Paused, waiting_merge and needs_attention executions hold no
		// driver state; control operations revive them on demand.
		return nil, nil
	}

	ctx = logging.WithProject(ctx, project)
	ctx = logging.WithExecution(ctx, ex.ID)

	if ex.JobInFlight && ex.LastExecutionRef != "" {
		if r.gateway.Alive(ctx, ex.LastExecutionRef) {
			r.logger.Info(ctx, "in-flight job alive, resuming",
				zap.String("ref", ex.LastExecutionRef))
			return &Repair{
				Project:     project,
				ExecutionID: ex.ID,
				Action:      ActionResume,
				Detail:      "in-flight job still running",
			}, nil
		}
		detail := fmt.Sprintf("runner process for job %s is gone", ex.LastExecutionRef)
		if err := r.markDied(ctx, doc, ex.LastExecutionRef, detail); err != nil {
			return nil, err
		}
		return &Repair{
			Project:     project,
			ExecutionID: ex.ID,
			Action:      ActionAttention,
			Detail:      detail,
		}, nil
	}

	// No job in flight: the daemon died between jobs. The driver can pick
	// up where it left off unless the document has gone stale enough to
	// suggest state we do not understand. Staleness is measured against
	// the document timestamp, which the store bumps on every write.
	if age := time.Since(doc.UpdatedAt); age > r.staleThreshold {
		detail := fmt.Sprintf("no state update for %s with no job in flight", age.Round(time.Second))
		if err := r.markDied(ctx, doc, "", detail); err != nil {
			return nil, err
		}
		return &Repair{
			Project:     project,
			ExecutionID: ex.ID,
			Action:      ActionAttention,
			Detail:      detail,
		}, nil
	}

	return &Repair{
		Project:     project,
		ExecutionID: ex.ID,
		Action:      ActionResume,
		Detail:      "no job in flight",
	}, nil
}

// markDied moves the document's running execution to needs_attention with
// a process_died recovery context. The write is optimistic against the
// version read during the scan: a conflict means another writer got to
// the document first and the repair is abandoned.
func (r *Reconciler) markDied(ctx context.Context, doc *Document, failedRef, detail string) error {
	ex := doc.Active
	now := time.Now().UTC()
	var batchIndex *int
	if ex.Phase == PhaseImplement {
		if current := ex.CurrentBatch(); current != nil {
			index := ex.CurrentBatchIndex
			batchIndex = &index
		}
	}
	ex.Status = StatusNeedsAttention
	ex.JobInFlight = false
	ex.Recovery = &RecoveryContext{
		Issue:      IssueProcessDied,
		Detail:     detail,
		Options:    []RecoveryChoice{ChoiceRetry, ChoiceAbort},
		FailedRef:  failedRef,
		BatchIndex: batchIndex,
		Phase:      ex.Phase,
	}
	ex.Log(now, "reconciled", IssueProcessDied+": "+detail)
	ex.UpdatedAt = now

	if _, err := r.store.Swap(ctx, doc); err != nil {
		return fmt.Errorf("failed to mark execution %s: %w", ex.ID, err)
	}
	r.logger.Warn(ctx, "execution needs attention after restart", zap.String("detail", detail))
	return nil
}
