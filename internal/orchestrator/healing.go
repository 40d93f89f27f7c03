package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specflowd/internal/executor"
)

// healBatch runs bounded automatic healing for a failed batch. Each
// attempt targets only the batch's still-incomplete tasks and carries the
// failure context forward. Returns true when the batch healed and the
// driver should keep going; false when the execution halted.
func (e *Engine) healBatch(ctx context.Context, project, executionID string, index int, failedRef, failureDetail string) bool {
	doc, err := e.store.Get(ctx, project)
	if err != nil {
		e.logger.Error(ctx, "healer failed to load document", zap.Error(err))
		return false
	}
	ex := doc.Active
	if ex == nil || ex.ID != executionID || ex.Status != StatusRunning {
		return false
	}
	cfg := ex.Config
	limit := cfg.HealLimit()

	if !cfg.AutoHeal || limit <= 0 {
		e.haltForAttention(ctx, project, executionID, RecoveryContext{
			Issue:      IssueBatchFailed,
			Detail:     failureDetail,
			Options:    []RecoveryChoice{ChoiceRetry, ChoiceSkip, ChoiceAbort},
			FailedRef:  failedRef,
			BatchIndex: &index,
		})
		return false
	}

	for {
		if ctx.Err() != nil {
			return false
		}
		doc, err := e.store.Get(ctx, project)
		if err != nil {
			e.logger.Error(ctx, "healer failed to load document", zap.Error(err))
			return false
		}
		ex := doc.Active
		if ex == nil || ex.ID != executionID || ex.Status != StatusRunning {
			return false
		}
		if index >= len(ex.Batches) {
			return false
		}
		batch := ex.Batches[index]

		if batch.HealAttempts >= limit {
			e.haltForAttention(ctx, project, executionID, RecoveryContext{
				Issue:      IssueHealFailed,
				Detail:     fmt.Sprintf("%d heal attempts exhausted: %s", batch.HealAttempts, failureDetail),
				Options:    []RecoveryChoice{ChoiceRetry, ChoiceSkip, ChoiceAbort},
				FailedRef:  failedRef,
				BatchIndex: &index,
			})
			return false
		}
		if e.checkBudget(ctx, project, ex, cfg.MaxBudgetPerHeal, &index) {
			return false
		}

		attempt := batch.HealAttempts + 1
		_, err = e.transition(ctx, project, executionID, func(ex *Execution) error {
			if ex.Status != StatusRunning || index >= len(ex.Batches) {
				return errStale
			}
			ex.Batches[index].HealAttempts++
			ex.Log(time.Now().UTC(), "heal_attempt",
				fmt.Sprintf("batch %d attempt %d/%d", index, attempt, limit))
			return nil
		})
		if err != nil {
			return false
		}

		// Heal only what is still incomplete; work the failed job did land
		// must not be redone.
		remaining := e.remainingTasks(ctx, project, batch.TaskIDs)
		if len(remaining) == 0 {
			return e.completeHealed(ctx, project, executionID, index, 0)
		}

		ref, ok := e.startJob(ctx, project, ex, executor.StartRequest{
			Project:        project,
			Kind:           executor.StepHeal,
			TaskIDs:        remaining,
			Section:        batch.Section,
			Context:        cfg.AdditionalContext,
			FailureContext: failureDetail,
		}, "heal_started")
		if !ok {
			return false
		}

		outcome, err := e.awaitJob(ctx, ref, cfg.MaxBudgetPerHeal, func(ctx context.Context) (bool, error) {
			return e.probe.TasksComplete(ctx, project, remaining)
		})
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			e.logger.Error(ctx, "heal polling failed", zap.Error(err))
			e.haltForAttention(ctx, project, executionID, RecoveryContext{
				Issue:      IssueHealFailed,
				Detail:     err.Error(),
				Options:    []RecoveryChoice{ChoiceRetry, ChoiceSkip, ChoiceAbort},
				FailedRef:  ref,
				BatchIndex: &index,
			})
			return false
		}

		e.metrics.recordJob(ctx, string(executor.StepHeal),
			outcomeName(outcome.verdict), outcome.duration.Seconds(), outcome.cost)
		e.metrics.healAttempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcomeName(outcome.verdict))))
		e.recordJobCost(ctx, project, executionID, func(ex *Execution) {
			ex.Cost.AddHeal(index, outcome.cost)
		})

		switch outcome.verdict {
		case verdictSuccess:
			return e.completeHealed(ctx, project, executionID, index, attempt)

		case verdictBudget:
			e.metrics.budgetStops.Add(ctx, 1)
			e.haltForAttention(ctx, project, executionID, RecoveryContext{
				Issue:      IssueBudgetExceeded,
				Detail:     outcome.detail,
				Options:    []RecoveryChoice{ChoiceRetry, ChoiceAbort},
				FailedRef:  ref,
				BatchIndex: &index,
			})
			return false

		default:
			failureDetail = outcome.detail
			failedRef = ref
			// Loop for another attempt if the budget of attempts allows.
		}
	}
}

// completeHealed marks the batch healed and advances, honoring the same
// pause semantics as a normally completed batch.
func (e *Engine) completeHealed(ctx context.Context, project, executionID string, index, attempt int) bool {
	var halted bool
	doc, err := e.transition(ctx, project, executionID, func(ex *Execution) error {
		if ex.Status != StatusRunning || ex.Phase != PhaseImplement || ex.CurrentBatchIndex != index {
			return errStale
		}
		now := time.Now().UTC()
		batch := &ex.Batches[index]
		batch.Status = BatchHealed
		batch.Error = ""
		ex.CurrentBatchIndex++
		ex.JobInFlight = false
		ex.LastExecutionRef = ""
		ex.Log(now, "batch_healed", fmt.Sprintf("%s after %d heal attempt(s)", batch.Section, attempt))

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
	e.publish(ctx, doc.FindExecution(executionID), "batch_healed", "")
	if halted {
		e.metrics.recordTransition(ctx, StatusPaused)
	}
	return !halted
}

// remainingTasks filters ids down to those the task source does not show
// completed. Falls back to the full set when the source is unreadable.
func (e *Engine) remainingTasks(ctx context.Context, project string, ids []string) []string {
	src, err := e.sources(project)
	if err != nil {
		return ids
	}
	tasks, err := src.List(ctx)
	if err != nil {
		return ids
	}
	completed := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.Completed {
			completed[t.ID] = true
		}
	}
	var remaining []string
	for _, id := range ids {
		if !completed[id] {
			remaining = append(remaining, id)
		}
	}
	return remaining
}
