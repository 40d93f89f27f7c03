package tasksource

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fyrsmithlabs/specflowd/internal/logging"
)

// Dir resolves task sources for projects laid out as subdirectories of a
// root, each holding a task list file. File sources (and their watchers)
// are created lazily and cached per project.
type Dir struct {
	root      string
	tasksFile string
	logger    *logging.Logger

	mu      sync.Mutex
	sources map[string]*FileSource
	closed  bool
}

// NewDir creates a directory-backed resolver.
func NewDir(root, tasksFile string, logger *logging.Logger) (*Dir, error) {
	if root == "" {
		return nil, fmt.Errorf("projects root is required")
	}
	if tasksFile == "" {
		tasksFile = "tasks.md"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dir{
		root:      root,
		tasksFile: tasksFile,
		logger:    logger,
		sources:   make(map[string]*FileSource),
	}, nil
}

// ForProject returns the project's task source, creating it on first use.
func (d *Dir) ForProject(project string) (Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("task source registry is closed")
	}
	if src, ok := d.sources[project]; ok {
		return src, nil
	}
	src, err := NewFileSource(filepath.Join(d.root, project, d.tasksFile), d.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open task source for %s: %w", project, err)
	}
	d.sources[project] = src
	return src, nil
}

// Close releases every cached source and its file watcher.
func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	var errs []error
	for project, src := range d.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", project, err))
		}
	}
	d.sources = nil
	return errors.Join(errs...)
}
