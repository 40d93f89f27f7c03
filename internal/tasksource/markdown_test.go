package tasksource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarkdownSections(t *testing.T) {
	content := `# Tasks for checkout rework

## Setup
- [x] Create feature branch
- [ ] Add payment client scaffolding

## Core
- [ ] Implement charge flow
- [ ] Implement refund flow
- [x] Wire idempotency keys
`

	tasks := ParseMarkdown(content)
	require.Len(t, tasks, 5)

	assert.Equal(t, "1.1", tasks[0].ID)
	assert.Equal(t, "Setup", tasks[0].Section)
	assert.Equal(t, "Create feature branch", tasks[0].Description)
	assert.True(t, tasks[0].Completed)

	assert.Equal(t, "1.2", tasks[1].ID)
	assert.False(t, tasks[1].Completed)

	assert.Equal(t, "2.1", tasks[2].ID)
	assert.Equal(t, "Core", tasks[2].Section)
	assert.Equal(t, "2.3", tasks[4].ID)
	assert.True(t, tasks[4].Completed)
}

func TestParseMarkdownNoSections(t *testing.T) {
	content := `- [ ] first
- [x] second
* [ ] third
`

	tasks := ParseMarkdown(content)
	require.Len(t, tasks, 3)

	for _, task := range tasks {
		assert.Equal(t, "Tasks", task.Section)
	}
	assert.Equal(t, "1.1", tasks[0].ID)
	assert.Equal(t, "1.3", tasks[2].ID)
	assert.True(t, tasks[1].Completed)
}

func TestParseMarkdownIgnoresProse(t *testing.T) {
	content := `## Notes
Some prose that is not a task.
- not a checkbox item
- [ ] a real task
`

	tasks := ParseMarkdown(content)
	require.Len(t, tasks, 1)
	assert.Equal(t, "a real task", tasks[0].Description)
}

func TestParseMarkdownEmpty(t *testing.T) {
	assert.Empty(t, ParseMarkdown(""))
	assert.Empty(t, ParseMarkdown("# Heading only\n\nprose\n"))
}

func TestGetStats(t *testing.T) {
	tasks := []Task{
		{ID: "1.1", Completed: true},
		{ID: "1.2"},
		{ID: "1.3", Completed: true},
	}

	stats := GetStats(tasks)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Completed)

	set := CompletedSet(tasks)
	assert.True(t, set["1.1"])
	assert.False(t, set["1.2"])
	assert.True(t, set["1.3"])
}
