package tasksource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specflowd/internal/logging"
)

// FileSource reads tasks from a markdown file and caches the parsed result.
//
// The dual-confirmation probe re-reads the task list on every poll; watching
// the file with fsnotify lets List serve the cached snapshot until the file
// actually changes. The parent directory is watched rather than the file so
// editor save-via-rename still invalidates the cache.
type FileSource struct {
	path   string
	logger *logging.Logger

	mu     sync.Mutex
	tasks  []Task
	loaded bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileSource creates a file-backed task source for path.
// The file does not need to exist yet; a missing file reads as zero tasks.
func NewFileSource(path string, logger *logging.Logger) (*FileSource, error) {
	if path == "" {
		return nil, fmt.Errorf("task file path is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	s := &FileSource{
		path:    path,
		logger:  logger,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go s.watch()
	return s, nil
}

// List returns the current task list, re-parsing only when the file changed.
func (s *FileSource) List(ctx context.Context) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		content, err := os.ReadFile(s.path)
		if err != nil {
			if os.IsNotExist(err) {
				s.tasks = nil
				s.loaded = true
				return nil, nil
			}
			return nil, fmt.Errorf("failed to read task file %s: %w", s.path, err)
		}
		s.tasks = ParseMarkdown(string(content))
		s.loaded = true
	}

	out := make([]Task, len(s.tasks))
	copy(out, s.tasks)
	return out, nil
}

// Close stops the file watcher.
func (s *FileSource) Close() error {
	close(s.done)
	return s.watcher.Close()
}

func (s *FileSource) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				s.mu.Lock()
				s.loaded = false
				s.mu.Unlock()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn(context.Background(), "task file watcher error",
				zap.String("path", s.path), zap.Error(err))
		}
	}
}

// StaticSource is a fixed in-memory task list. Useful in tests and for
// callers that supply their own snapshot.
type StaticSource []Task

// List implements Source.
func (s StaticSource) List(context.Context) ([]Task, error) {
	out := make([]Task, len(s))
	copy(out, s)
	return out, nil
}
