// Package tasksource provides read-only task list providers for the
// orchestration engine.
//
// A task source is the authoritative view of what work exists and what has
// been completed. The engine and planner never mutate it; completion is
// driven by the executed jobs and observed by re-reading the source.
package tasksource

import "context"

// Task is one unit of work in a project's task list.
type Task struct {
	// ID is the task identifier (e.g., "1.1", "2.3").
	ID string `json:"id"`

	// Section is the section heading the task belongs to, if any.
	Section string `json:"section,omitempty"`

	// Description is the task description text.
	Description string `json:"description"`

	// Completed indicates the task checkbox is checked.
	Completed bool `json:"completed"`
}

// Source supplies the ordered task list for a project.
type Source interface {
	// List returns the current task list snapshot in document order.
	List(ctx context.Context) ([]Task, error)
}

// Stats summarizes a task list.
type Stats struct {
	Total     int
	Completed int
}

// GetStats returns summary statistics for a task list.
func GetStats(tasks []Task) Stats {
	s := Stats{Total: len(tasks)}
	for _, t := range tasks {
		if t.Completed {
			s.Completed++
		}
	}
	return s
}

// CompletedSet returns the IDs of completed tasks as a lookup set.
func CompletedSet(tasks []Task) map[string]bool {
	set := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.Completed {
			set[t.ID] = true
		}
	}
	return set
}
