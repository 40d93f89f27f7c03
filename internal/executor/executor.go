// Package executor defines the gateway to the opaque skill runner that
// performs workflow steps, plus a local subprocess implementation.
//
// The orchestration engine only ever starts a step, polls it, and cancels
// it; how the runner does its work is invisible on purpose.
package executor

import (
	"context"
	"errors"
)

// StepKind identifies one workflow step the runner can perform.
type StepKind string

const (
	StepDesign         StepKind = "design"
	StepAnalyze        StepKind = "analyze"
	StepImplementBatch StepKind = "implement_batch"
	StepVerify         StepKind = "verify"
	StepMerge          StepKind = "merge"
	StepHeal           StepKind = "heal"
)

// IsValid returns true for a known step kind.
func (k StepKind) IsValid() bool {
	switch k {
	case StepDesign, StepAnalyze, StepImplementBatch, StepVerify, StepMerge, StepHeal:
		return true
	default:
		return false
	}
}

// JobStatus is the runner's self-reported job state.
type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailure JobStatus = "failure"
)

// Terminal returns true once the job can no longer change state.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFailure
}

// StartRequest carries everything a runner job needs. The runner program is
// never modified per step; only its input is constrained.
type StartRequest struct {
	// Project identifies the project the step runs against.
	Project string `json:"project"`

	// Kind is the workflow step to perform.
	Kind StepKind `json:"kind"`

	// TaskIDs constrains implement_batch and heal steps to exactly these
	// tasks. Empty for non-batch steps.
	TaskIDs []string `json:"task_ids,omitempty"`

	// Section is the batch's human-readable label, if any.
	Section string `json:"section,omitempty"`

	// Context is free-text injected verbatim into the job's input.
	Context string `json:"context,omitempty"`

	// FailureContext carries the prior failure details for heal steps.
	FailureContext string `json:"failure_context,omitempty"`
}

// PollResult is a snapshot of a job's progress.
type PollResult struct {
	// Status is the runner's self-reported state.
	Status JobStatus `json:"status"`

	// Cost is the cumulative USD spent by this job so far.
	Cost float64 `json:"cost"`

	// Artifacts lists paths or identifiers the job produced.
	Artifacts []string `json:"artifacts,omitempty"`

	// Error describes the failure when Status is failure.
	Error string `json:"error,omitempty"`
}

// ErrUnknownRef is returned when a job reference is not recognized.
var ErrUnknownRef = errors.New("unknown job reference")

// Gateway starts and tracks skill-runner jobs.
type Gateway interface {
	// Start launches one step and returns an opaque job reference.
	Start(ctx context.Context, req StartRequest) (string, error)

	// Poll reports the job's current state.
	Poll(ctx context.Context, ref string) (PollResult, error)

	// Cancel asks the job to terminate. Best effort; does not block until
	// the job is gone.
	Cancel(ctx context.Context, ref string) error

	// Alive reports whether the underlying process for ref still exists.
	// Used by the reconciler after a daemon restart.
	Alive(ctx context.Context, ref string) bool
}
