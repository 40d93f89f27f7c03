package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/specflowd/internal/tasksource"
)

// Probe independently verifies completion claims. A runner job reporting
// success is not trusted on its own: transitions require the probe to
// agree (marker file for phases, task list for batches).
type Probe interface {
	// PhaseComplete reports whether the project shows independent evidence
	// that the given phase finished.
	PhaseComplete(ctx context.Context, project string, phase Phase) (bool, error)

	// TasksComplete reports whether every listed task is checked off in the
	// project's task source.
	TasksComplete(ctx context.Context, project string, taskIDs []string) (bool, error)
}

// SourceResolver yields the task source for a project.
type SourceResolver func(project string) (tasksource.Source, error)

// FileProbe checks phase marker files under
// <root>/<project>/.specflow/<phase>.done and task completion through the
// project's task source.
type FileProbe struct {
	root    string
	sources SourceResolver
}

// NewFileProbe builds a probe rooted at the projects directory.
func NewFileProbe(root string, sources SourceResolver) (*FileProbe, error) {
	if root == "" {
		return nil, fmt.Errorf("projects root is required")
	}
	if sources == nil {
		return nil, fmt.Errorf("source resolver is required")
	}
	return &FileProbe{root: root, sources: sources}, nil
}

// PhaseComplete implements Probe.
func (p *FileProbe) PhaseComplete(_ context.Context, project string, phase Phase) (bool, error) {
	if err := ValidateProjectID(project); err != nil {
		return false, err
	}
	marker := filepath.Join(p.root, project, ".specflow", phase.String()+".done")
	if _, err := os.Stat(marker); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat phase marker: %w", err)
	}
	return true, nil
}

// TasksComplete implements Probe. Re-reads the task source so the check
// reflects the runner's actual writes, not a cached view.
func (p *FileProbe) TasksComplete(ctx context.Context, project string, taskIDs []string) (bool, error) {
	if len(taskIDs) == 0 {
		return true, nil
	}
	src, err := p.sources(project)
	if err != nil {
		return false, fmt.Errorf("failed to resolve task source for %s: %w", project, err)
	}
	tasks, err := src.List(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list tasks for %s: %w", project, err)
	}
	completed := tasksource.CompletedSet(tasks)
	for _, id := range taskIDs {
		if !completed[id] {
			return false, nil
		}
	}
	return true, nil
}
