package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/specflowd/internal/executor"
)

// jobVerdict classifies how a runner job ended from the engine's point of
// view, after dual confirmation and budget checks.
type jobVerdict int

const (
	verdictSuccess jobVerdict = iota
	verdictFailure
	verdictBudget
)

type jobOutcome struct {
	verdict  jobVerdict
	cost     float64
	detail   string
	duration time.Duration
}

// awaitJob polls a gateway job until it resolves. A job resolves as
// success only when the runner reports success AND confirm agrees within
// the confirmation window; everything else is failure. A positive costCap
// cancels the job as soon as its reported spend exceeds the cap.
func (e *Engine) awaitJob(ctx context.Context, ref string, costCap float64, confirm func(context.Context) (bool, error)) (jobOutcome, error) {
	started := time.Now()
	deadline := started.Add(e.defaults.PhaseTimeout.Duration())
	limiter := rate.NewLimiter(rate.Every(e.defaults.PollInterval.Duration()), 1)

	var confirmStarted time.Time
	var lastCost float64

	for {
		if err := limiter.Wait(ctx); err != nil {
			return jobOutcome{}, err
		}

		result, err := e.gateway.Poll(ctx, ref)
		if err != nil {
			if errors.Is(err, executor.ErrUnknownRef) {
				return jobOutcome{
					verdict:  verdictFailure,
					cost:     lastCost,
					detail:   "job reference no longer known to the gateway",
					duration: time.Since(started),
				}, nil
			}
			return jobOutcome{}, fmt.Errorf("failed to poll job %s: %w", ref, err)
		}
		lastCost = result.Cost

		if costCap > 0 && result.Cost > costCap {
			_ = e.gateway.Cancel(ctx, ref)
			return jobOutcome{
				verdict:  verdictBudget,
				cost:     result.Cost,
				detail:   fmt.Sprintf("job spend %.2f exceeded cap %.2f", result.Cost, costCap),
				duration: time.Since(started),
			}, nil
		}

		switch result.Status {
		case executor.JobFailure:
			detail := result.Error
			if detail == "" {
				detail = "runner reported failure"
			}
			return jobOutcome{
				verdict:  verdictFailure,
				cost:     result.Cost,
				detail:   detail,
				duration: time.Since(started),
			}, nil

		case executor.JobSuccess:
			ok, err := confirm(ctx)
			if err != nil {
				return jobOutcome{}, fmt.Errorf("completion probe failed for job %s: %w", ref, err)
			}
			if ok {
				return jobOutcome{
					verdict:  verdictSuccess,
					cost:     result.Cost,
					duration: time.Since(started),
				}, nil
			}
			// The runner's claim and the probe disagree. Allow a grace
			// window for writes to land before calling it a failure.
			if confirmStarted.IsZero() {
				confirmStarted = time.Now()
			}
			if time.Since(confirmStarted) > e.defaults.ConfirmTimeout.Duration() {
				return jobOutcome{
					verdict:  verdictFailure,
					cost:     result.Cost,
					detail:   "runner reported success but completion was not confirmed",
					duration: time.Since(started),
				}, nil
			}
		}

		if time.Now().After(deadline) {
			_ = e.gateway.Cancel(ctx, ref)
			return jobOutcome{
				verdict:  verdictFailure,
				cost:     lastCost,
				detail:   "job exceeded phase timeout",
				duration: time.Since(started),
			}, nil
		}
	}
}
