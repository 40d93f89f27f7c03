package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/specflowd/internal/orchestrator"
)

var startFlags struct {
	autoMerge         bool
	skipDesign        bool
	skipAnalyze       bool
	autoHeal          bool
	maxHealAttempts   int
	batchSize         int
	pauseBetweenBatch bool
	budgetTotal       float64
	budgetBatch       float64
	budgetHeal        float64
	additionalContext string
}

var startCmd = &cobra.Command{
	Use:   "start <project>",
	Short: "Start an orchestration for a project",
	Long: `Start a new orchestration execution for a project.

The daemon plans implementation batches from the project's task list and
drives the design, analyze, implement, verify and merge phases. Only one
execution may be active per project at a time.

Examples:
  # Start with defaults (stops before merge for manual approval)
  specctl start my-project

  # Fully automatic run with a spending cap
  specctl start my-project --auto-merge --auto-heal --budget-total 25.0

  # Resume-style run that skips the early phases
  specctl start my-project --skip-design --skip-analyze`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

func init() {
	f := startCmd.Flags()
	f.BoolVar(&startFlags.autoMerge, "auto-merge", false, "merge automatically after verification")
	f.BoolVar(&startFlags.skipDesign, "skip-design", false, "skip the design phase")
	f.BoolVar(&startFlags.skipAnalyze, "skip-analyze", false, "skip the analyze phase")
	f.BoolVar(&startFlags.autoHeal, "auto-heal", false, "attempt automatic healing of failed batches")
	f.IntVar(&startFlags.maxHealAttempts, "max-heal-attempts", 0, "heal attempts per batch (0 disables healing; omit for server default)")
	f.IntVar(&startFlags.batchSize, "batch-size", 0, "fallback batch size for unsectioned tasks (0 = server default)")
	f.BoolVar(&startFlags.pauseBetweenBatch, "pause-between-batches", false, "pause after each implementation batch")
	f.Float64Var(&startFlags.budgetTotal, "budget-total", 0, "total budget in dollars (0 = unlimited)")
	f.Float64Var(&startFlags.budgetBatch, "budget-batch", 0, "per-batch budget in dollars (0 = unlimited)")
	f.Float64Var(&startFlags.budgetHeal, "budget-heal", 0, "per-heal budget in dollars (0 = unlimited)")
	f.StringVar(&startFlags.additionalContext, "context", "", "additional context passed to every job")
}

// buildStartConfig maps the start flags onto an execution config. The
// heal cap is only sent when the flag was given: an explicit zero
// disables healing, an omitted flag inherits the server default.
func buildStartConfig(healLimitSet bool) orchestrator.ExecutionConfig {
	cfg := orchestrator.ExecutionConfig{
		AutoMerge:           startFlags.autoMerge,
		SkipDesign:          startFlags.skipDesign,
		SkipAnalyze:         startFlags.skipAnalyze,
		AutoHeal:            startFlags.autoHeal,
		FallbackBatchSize:   startFlags.batchSize,
		PauseBetweenBatches: startFlags.pauseBetweenBatch,
		MaxBudgetTotal:      startFlags.budgetTotal,
		MaxBudgetPerBatch:   startFlags.budgetBatch,
		MaxBudgetPerHeal:    startFlags.budgetHeal,
		AdditionalContext:   startFlags.additionalContext,
	}
	if healLimitSet {
		limit := startFlags.maxHealAttempts
		cfg.MaxHealAttempts = &limit
	}
	return cfg
}

func runStart(cmd *cobra.Command, args []string) error {
	var ex orchestrator.Execution
	cfg := buildStartConfig(cmd.Flags().Changed("max-heal-attempts"))
	path := fmt.Sprintf("/api/v1/projects/%s/orchestrations", args[0])
	if err := apiCall(http.MethodPost, path, cfg, &ex); err != nil {
		return err
	}
	if jsonOutput {
		return nil
	}
	fmt.Println(formatExecution(&ex))
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status <execution-id>",
	Short: "Show the status of an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ex orchestrator.Execution
		if err := apiCall(http.MethodGet, "/api/v1/orchestrations/"+args[0], nil, &ex); err != nil {
			return err
		}
		if jsonOutput {
			return nil
		}
		fmt.Println(formatExecution(&ex))
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list <project>",
	Short: "List active and past executions for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var doc orchestrator.Document
		path := fmt.Sprintf("/api/v1/projects/%s/orchestrations", args[0])
		if err := apiCall(http.MethodGet, path, nil, &doc); err != nil {
			return err
		}
		if jsonOutput {
			return nil
		}
		if doc.Active != nil {
			fmt.Println("Active:")
			fmt.Println(indent(formatExecution(doc.Active)))
		} else {
			fmt.Println("Active: none")
		}
		if len(doc.History) > 0 {
			fmt.Printf("History (%d):\n", len(doc.History))
			for i := range doc.History {
				ex := &doc.History[i]
				fmt.Printf("  %s  %s  %s  $%.2f\n", ex.ID, ex.Status, ex.Phase, ex.Cost.Total)
			}
		}
		return nil
	},
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List projects with orchestration state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Projects []string `json:"projects"`
		}
		if err := apiCall(http.MethodGet, "/api/v1/projects", nil, &resp); err != nil {
			return err
		}
		if jsonOutput {
			return nil
		}
		if len(resp.Projects) == 0 {
			fmt.Println("No projects found")
			return nil
		}
		for _, p := range resp.Projects {
			fmt.Println(p)
		}
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <execution-id>",
	Short: "Pause a running execution",
	Long: `Pause a running execution. If a job is in flight the pause takes
effect when that job resolves; state written so far is preserved.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(args[0], "pause")
	},
}

var resumeChoice string

var resumeCmd = &cobra.Command{
	Use:   "resume <execution-id>",
	Short: "Resume a paused execution or resolve one needing attention",
	Long: `Resume a paused execution. For an execution that needs attention,
--choice selects the recovery path offered by the daemon:

  retry   re-run the failed step
  skip    mark the failed batch as failed and continue
  abort   stop the execution and record it as failed

Examples:
  specctl resume 6f1c9b2e
  specctl resume 6f1c9b2e --choice retry`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{}
		if resumeChoice != "" {
			body["choice"] = resumeChoice
		}
		var ex orchestrator.Execution
		path := "/api/v1/orchestrations/" + args[0] + "/resume"
		if err := apiCall(http.MethodPost, path, body, &ex); err != nil {
			return err
		}
		if jsonOutput {
			return nil
		}
		fmt.Println(formatExecution(&ex))
		return nil
	},
}

func init() {
	resumeCmd.Flags().StringVar(&resumeChoice, "choice", "", "recovery choice (retry, skip, abort)")
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Cancel an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(args[0], "cancel")
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge <execution-id>",
	Short: "Approve the merge for an execution waiting on it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(args[0], "merge")
	},
}

func runControl(id, action string) error {
	var ex orchestrator.Execution
	path := "/api/v1/orchestrations/" + id + "/" + action
	if err := apiCall(http.MethodPost, path, nil, &ex); err != nil {
		return err
	}
	if jsonOutput {
		return nil
	}
	fmt.Println(formatExecution(&ex))
	return nil
}

// formatExecution renders a human-readable summary of an execution.
func formatExecution(ex *orchestrator.Execution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execution: %s\n", ex.ID)
	fmt.Fprintf(&b, "Project:   %s\n", ex.Project)
	fmt.Fprintf(&b, "Status:    %s\n", ex.Status)
	fmt.Fprintf(&b, "Phase:     %s\n", ex.Phase)
	if ex.TotalBatches > 0 {
		done := 0
		for _, batch := range ex.Batches {
			if batch.Status.Done() {
				done++
			}
		}
		fmt.Fprintf(&b, "Batches:   %d/%d\n", done, ex.TotalBatches)
	}
	fmt.Fprintf(&b, "Cost:      $%.2f", ex.Cost.Total)
	if ex.Cost.Heals > 0 {
		fmt.Fprintf(&b, " (heals $%.2f)", ex.Cost.Heals)
	}
	b.WriteString("\n")
	if ex.Recovery != nil {
		fmt.Fprintf(&b, "Attention: %s (%s)\n", ex.Recovery.Issue, ex.Recovery.Detail)
		fmt.Fprintf(&b, "Options:   %s\n", strings.Join(choiceNames(ex.Recovery.Options), ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func choiceNames(choices []orchestrator.RecoveryChoice) []string {
	names := make([]string, len(choices))
	for i, c := range choices {
		names[i] = string(c)
	}
	return names
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}
