package planner

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/specflowd/internal/tasksource"
)

func task(id, section string, completed bool) tasksource.Task {
	return tasksource.Task{ID: id, Section: section, Description: "task " + id, Completed: completed}
}

func TestPlanBySections(t *testing.T) {
	tasks := []tasksource.Task{
		task("1.1", "Setup", true),
		task("1.2", "Setup", false),
		task("2.1", "Core", false),
		task("2.2", "Core", false),
		task("3.1", "Polish", true),
	}

	batches := Plan(tasks, DefaultFallbackSize)
	require.Len(t, batches, 2)

	assert.Equal(t, "Setup", batches[0].Section)
	assert.Equal(t, []string{"1.2"}, batches[0].TaskIDs)

	assert.Equal(t, "Core", batches[1].Section)
	assert.Equal(t, []string{"2.1", "2.2"}, batches[1].TaskIDs)
}

func TestPlanOmitsFullyCompletedSections(t *testing.T) {
	tasks := []tasksource.Task{
		task("1.1", "Done already", true),
		task("2.1", "Remaining", false),
	}

	batches := Plan(tasks, DefaultFallbackSize)
	require.Len(t, batches, 1)
	assert.Equal(t, "Remaining", batches[0].Section)
}

func TestPlanFallbackChunking(t *testing.T) {
	var tasks []tasksource.Task
	for i := 1; i <= 7; i++ {
		tasks = append(tasks, task(fmt.Sprintf("1.%d", i), "", false))
	}

	batches := Plan(tasks, 3)
	require.Len(t, batches, 3)

	assert.Equal(t, "Batch 1", batches[0].Section)
	assert.Equal(t, []string{"1.1", "1.2", "1.3"}, batches[0].TaskIDs)
	assert.Equal(t, []string{"1.4", "1.5", "1.6"}, batches[1].TaskIDs)
	// Last batch may be shorter.
	assert.Equal(t, []string{"1.7"}, batches[2].TaskIDs)
}

func TestPlanExcludesCompletedInFallback(t *testing.T) {
	tasks := []tasksource.Task{
		task("1.1", "", true),
		task("1.2", "", false),
		task("1.3", "", true),
		task("1.4", "", false),
	}

	batches := Plan(tasks, 10)
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"1.2", "1.4"}, batches[0].TaskIDs)
}

func TestPlanEmpty(t *testing.T) {
	assert.Nil(t, Plan(nil, 5))
	assert.Nil(t, Plan([]tasksource.Task{task("1.1", "A", true)}, 5))
}

// The plan must be disjoint and exhaustive over the incomplete task set.
func TestPlanDisjointExhaustive(t *testing.T) {
	var tasks []tasksource.Task
	for s := 1; s <= 4; s++ {
		for i := 1; i <= 6; i++ {
			tasks = append(tasks, task(
				fmt.Sprintf("%d.%d", s, i),
				fmt.Sprintf("Section %d", s),
				(s+i)%3 == 0,
			))
		}
	}

	incomplete := 0
	for _, tk := range tasks {
		if !tk.Completed {
			incomplete++
		}
	}

	batches := Plan(tasks, DefaultFallbackSize)
	assert.Equal(t, incomplete, TaskCount(batches))

	seen := make(map[string]int)
	for _, b := range batches {
		require.NotEmpty(t, b.TaskIDs, "no empty batches")
		for _, id := range b.TaskIDs {
			seen[id]++
		}
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s appears in %d batches", id, n)
	}
	for _, tk := range tasks {
		if !tk.Completed {
			assert.Contains(t, seen, tk.ID)
		}
	}
}

func TestPlanInvalidFallbackUsesDefault(t *testing.T) {
	var tasks []tasksource.Task
	for i := 1; i <= 20; i++ {
		tasks = append(tasks, task(fmt.Sprintf("1.%d", i), "", false))
	}

	batches := Plan(tasks, 0)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0].TaskIDs, DefaultFallbackSize)
	assert.Len(t, batches[1].TaskIDs, 5)
}
