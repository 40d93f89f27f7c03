package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusRunning, StatusPaused, true},
		{StatusRunning, StatusWaitingMerge, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusRunning, false},
		{StatusPaused, StatusRunning, true},
		{StatusPaused, StatusCompleted, false},
		{StatusPaused, StatusWaitingMerge, false},
		{StatusWaitingMerge, StatusRunning, true},
		{StatusWaitingMerge, StatusCancelled, true},
		{StatusNeedsAttention, StatusRunning, true},
		{StatusNeedsAttention, StatusFailed, true},
		{StatusNeedsAttention, StatusPaused, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusRunning, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestStatusClassification(t *testing.T) {
	for _, s := range []Status{StatusRunning, StatusPaused, StatusWaitingMerge, StatusNeedsAttention} {
		assert.True(t, s.Active(), s)
		assert.False(t, s.Terminal(), s)
		assert.True(t, s.IsValid(), s)
	}
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.False(t, s.Active(), s)
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, Status("resting").IsValid())
}

func TestPhaseOrder(t *testing.T) {
	assert.Equal(t, PhaseAnalyze, PhaseDesign.Next())
	assert.Equal(t, PhaseImplement, PhaseAnalyze.Next())
	assert.Equal(t, PhaseVerify, PhaseImplement.Next())
	assert.Equal(t, PhaseMerge, PhaseVerify.Next())
	assert.Equal(t, PhaseComplete, PhaseMerge.Next())
	assert.Equal(t, PhaseComplete, PhaseComplete.Next())
}

func TestExecutionConfigPhases(t *testing.T) {
	assert.Equal(t, PhaseDesign, ExecutionConfig{}.InitialPhase())
	assert.Equal(t, PhaseAnalyze, ExecutionConfig{SkipDesign: true}.InitialPhase())
	assert.Equal(t, PhaseImplement, ExecutionConfig{SkipDesign: true, SkipAnalyze: true}.InitialPhase())
	// Skipping analyze still starts at design, then jumps to implement.
	cfg := ExecutionConfig{SkipAnalyze: true}
	assert.Equal(t, PhaseDesign, cfg.InitialPhase())
	assert.Equal(t, PhaseImplement, cfg.NextPhase(PhaseDesign))
}

func TestExecutionConfigValidate(t *testing.T) {
	valid := ExecutionConfig{FallbackBatchSize: 15}
	assert.NoError(t, valid.Validate())

	assert.Error(t, ExecutionConfig{FallbackBatchSize: 0}.Validate())
	assert.Error(t, ExecutionConfig{FallbackBatchSize: 5, MaxHealAttempts: intPtr(-1)}.Validate())
	assert.Error(t, ExecutionConfig{FallbackBatchSize: 5, MaxBudgetPerHeal: -0.5}.Validate())
}

func TestCostLedger(t *testing.T) {
	var ledger CostLedger
	ledger.AddPhase(PhaseDesign, 0.5)
	ledger.AddBatch(1, 0.25)
	ledger.AddHeal(1, 0.1)
	ledger.AddPhase(PhaseVerify, 0)

	assert.InDelta(t, 0.85, ledger.Total, 1e-9)
	assert.InDelta(t, 0.5, ledger.ByPhase["design"], 1e-9)
	assert.InDelta(t, 0.35, ledger.ByBatch[1], 1e-9)
	assert.InDelta(t, 0.0, ledger.ByBatch[0], 1e-9)
	assert.InDelta(t, 0.1, ledger.Heals, 1e-9)
	assert.NotContains(t, ledger.ByPhase, "verify")
}

func TestRecoveryContextAllows(t *testing.T) {
	rec := RecoveryContext{Options: []RecoveryChoice{ChoiceRetry, ChoiceAbort}}
	assert.True(t, rec.Allows(ChoiceRetry))
	assert.False(t, rec.Allows(ChoiceSkip))
}

func TestDocumentRetire(t *testing.T) {
	doc := Document{Project: "demo"}
	doc.Retire() // no active: no-op
	assert.Empty(t, doc.History)

	doc.Active = &Execution{ID: "exec-1", Status: StatusCompleted}
	doc.Retire()
	assert.Nil(t, doc.Active)
	assert.Len(t, doc.History, 1)
	assert.NotNil(t, doc.FindExecution("exec-1"))
	assert.Nil(t, doc.FindExecution("other"))
}

func TestExecutionLog(t *testing.T) {
	ex := Execution{}
	now := time.Now().UTC()
	ex.Log(now, "started", "because")
	ex.Log(now.Add(time.Second), "paused", "")

	assert.Len(t, ex.DecisionLog, 2)
	assert.Equal(t, "started", ex.DecisionLog[0].Action)
	assert.Equal(t, "because", ex.DecisionLog[0].Reason)
}

func TestBatchStatusDone(t *testing.T) {
	assert.False(t, BatchPending.Done())
	assert.False(t, BatchRunning.Done())
	assert.True(t, BatchCompleted.Done())
	assert.True(t, BatchFailed.Done())
	assert.True(t, BatchHealed.Done())
}
