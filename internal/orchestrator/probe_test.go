package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/specflowd/internal/tasksource"
)

func TestFileProbePhaseMarker(t *testing.T) {
	root := t.TempDir()
	probe, err := NewFileProbe(root, func(string) (tasksource.Source, error) {
		return tasksource.StaticSource{}, nil
	})
	require.NoError(t, err)

	done, err := probe.PhaseComplete(context.Background(), "demo", PhaseDesign)
	require.NoError(t, err)
	assert.False(t, done)

	marker := filepath.Join(root, "demo", ".specflow", "design.done")
	require.NoError(t, os.MkdirAll(filepath.Dir(marker), 0755))
	require.NoError(t, os.WriteFile(marker, nil, 0644))

	done, err = probe.PhaseComplete(context.Background(), "demo", PhaseDesign)
	require.NoError(t, err)
	assert.True(t, done)

	// Other phases are unaffected.
	done, err = probe.PhaseComplete(context.Background(), "demo", PhaseVerify)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestFileProbeTasksComplete(t *testing.T) {
	src := tasksource.StaticSource{
		{ID: "1.1", Completed: true},
		{ID: "1.2", Completed: false},
	}
	probe, err := NewFileProbe(t.TempDir(), func(string) (tasksource.Source, error) {
		return src, nil
	})
	require.NoError(t, err)

	ok, err := probe.TasksComplete(context.Background(), "demo", []string{"1.1"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = probe.TasksComplete(context.Background(), "demo", []string{"1.1", "1.2"})
	require.NoError(t, err)
	assert.False(t, ok)

	// Empty set is vacuously complete.
	ok, err = probe.TasksComplete(context.Background(), "demo", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}
