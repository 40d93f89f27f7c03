package tasksource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSourceList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.md")
	require.NoError(t, os.WriteFile(path, []byte("## A\n- [ ] one\n- [x] two\n"), 0600))

	src, err := NewFileSource(path, nil)
	require.NoError(t, err)
	defer src.Close()

	tasks, err := src.List(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "one", tasks[0].Description)
	assert.True(t, tasks[1].Completed)
}

func TestFileSourceMissingFile(t *testing.T) {
	src, err := NewFileSource(filepath.Join(t.TempDir(), "tasks.md"), nil)
	require.NoError(t, err)
	defer src.Close()

	tasks, err := src.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestFileSourceInvalidatesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.md")
	require.NoError(t, os.WriteFile(path, []byte("- [ ] one\n"), 0600))

	src, err := NewFileSource(path, nil)
	require.NoError(t, err)
	defer src.Close()

	tasks, err := src.List(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.NoError(t, os.WriteFile(path, []byte("- [x] one\n- [ ] two\n"), 0600))

	// The watcher invalidates asynchronously.
	require.Eventually(t, func() bool {
		tasks, err := src.List(context.Background())
		return err == nil && len(tasks) == 2 && tasks[0].Completed
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStaticSource(t *testing.T) {
	src := StaticSource{{ID: "1.1", Description: "one"}}
	tasks, err := src.List(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// Mutating the returned slice does not affect the source.
	tasks[0].ID = "mutated"
	again, err := src.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.1", again[0].ID)
}
