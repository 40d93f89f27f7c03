package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store persists one orchestration Document per project.
//
// Update serializes writers per project and bumps Document.Version on
// every successful write. Swap is the optimistic-concurrency primitive
// for callers that read a snapshot first.
type Store interface {
	// Get returns the project's document, or an empty version-0 document
	// when none exists yet.
	Get(ctx context.Context, project string) (*Document, error)

	// Update applies mutate to the current document under the project's
	// write lock, bumps the version, and persists atomically. The error
	// from mutate aborts the update and is returned unchanged.
	Update(ctx context.Context, project string, mutate func(*Document) error) (*Document, error)

	// Swap persists doc only if the stored version still equals
	// doc.Version; returns ErrVersionConflict otherwise.
	Swap(ctx context.Context, doc *Document) (*Document, error)

	// List returns the IDs of all projects with a stored document.
	List(ctx context.Context) ([]string, error)
}

// Top-level document keys owned by this schema. Anything else found in a
// stored file is preserved verbatim across rewrites so newer daemons can
// add fields without older ones destroying them.
var knownDocumentKeys = map[string]bool{
	"project":    true,
	"version":    true,
	"updated_at": true,
	"active":     true,
	"history":    true,
}

// FileStore keeps one JSON file per project under a directory, written
// atomically (temp file + rename).
type FileStore struct {
	dir string
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates the directory if needed and returns a store.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{
		dir:   dir,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *FileStore) projectLock(project string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[project]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[project] = lock
	}
	return lock
}

// ValidateProjectID rejects project identifiers that cannot safely name a
// file or a NATS subject token.
func ValidateProjectID(project string) error {
	if project == "" {
		return NewValidationError("project", "must not be empty")
	}
	if len(project) > 128 {
		return NewValidationError("project", "must be at most 128 characters")
	}
	for _, r := range project {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return NewValidationError("project", fmt.Sprintf("character %q not allowed", r))
		}
	}
	return nil
}

func (s *FileStore) path(project string) string {
	return filepath.Join(s.dir, project+".json")
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, project string) (*Document, error) {
	if err := ValidateProjectID(project); err != nil {
		return nil, err
	}
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	doc, _, err := s.load(project)
	return doc, err
}

// Update implements Store.
func (s *FileStore) Update(_ context.Context, project string, mutate func(*Document) error) (*Document, error) {
	if err := ValidateProjectID(project); err != nil {
		return nil, err
	}
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	doc, extra, err := s.load(project)
	if err != nil {
		return nil, err
	}
	if err := mutate(doc); err != nil {
		return nil, err
	}
	doc.Version++
	doc.UpdatedAt = s.now().UTC()
	if err := s.save(doc, extra); err != nil {
		return nil, err
	}
	return doc, nil
}

// Swap implements Store.
func (s *FileStore) Swap(_ context.Context, doc *Document) (*Document, error) {
	if err := ValidateProjectID(doc.Project); err != nil {
		return nil, err
	}
	lock := s.projectLock(doc.Project)
	lock.Lock()
	defer lock.Unlock()

	current, extra, err := s.load(doc.Project)
	if err != nil {
		return nil, err
	}
	if current.Version != doc.Version {
		return nil, fmt.Errorf("project %s: stored version %d, caller has %d: %w",
			doc.Project, current.Version, doc.Version, ErrVersionConflict)
	}
	next := *doc
	next.Version++
	next.UpdatedAt = s.now().UTC()
	if err := s.save(&next, extra); err != nil {
		return nil, err
	}
	return &next, nil
}

// List implements Store.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}
	var projects []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		projects = append(projects, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(projects)
	return projects, nil
}

// load reads the project's document plus any unknown top-level fields.
// A missing file yields an empty version-0 document.
func (s *FileStore) load(project string) (*Document, map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path(project))
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{Project: project}, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read document for %s: %w", project, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("corrupt document for %s: %w", project, err)
	}
	if doc.Project == "" {
		doc.Project = project
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("corrupt document for %s: %w", project, err)
	}
	extra := make(map[string]json.RawMessage)
	for key, value := range raw {
		if !knownDocumentKeys[key] {
			extra[key] = value
		}
	}
	return &doc, extra, nil
}

// save writes the document atomically: marshal to a temp file in the same
// directory, fsync, rename over the real path. Unknown fields read at load
// time are merged back in.
func (s *FileStore) save(doc *Document, extra map[string]json.RawMessage) error {
	merged, err := mergeExtra(doc, extra)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, doc.Project+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(merged); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(doc.Project)); err != nil {
		return fmt.Errorf("failed to replace document: %w", err)
	}
	return nil
}

func mergeExtra(doc *Document, extra map[string]json.RawMessage) ([]byte, error) {
	typed, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	if len(extra) == 0 {
		var out bytes.Buffer
		if err := json.Indent(&out, typed, "", "  "); err != nil {
			return nil, fmt.Errorf("failed to indent document: %w", err)
		}
		return out.Bytes(), nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(typed, &merged); err != nil {
		return nil, fmt.Errorf("failed to remarshal document: %w", err)
	}
	for key, value := range extra {
		if _, taken := merged[key]; !taken {
			merged[key] = value
		}
	}
	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged document: %w", err)
	}
	return out, nil
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu   sync.Mutex
	docs map[string]*Document
	now  func() time.Time
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		docs: make(map[string]*Document),
		now:  time.Now,
	}
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, project string) (*Document, error) {
	if err := ValidateProjectID(project); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[project]
	if !ok {
		return &Document{Project: project}, nil
	}
	return cloneDocument(doc)
}

// Update implements Store.
func (s *MemStore) Update(_ context.Context, project string, mutate func(*Document) error) (*Document, error) {
	if err := ValidateProjectID(project); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := &Document{Project: project}
	if stored, ok := s.docs[project]; ok {
		clone, err := cloneDocument(stored)
		if err != nil {
			return nil, err
		}
		doc = clone
	}
	if err := mutate(doc); err != nil {
		return nil, err
	}
	doc.Version++
	doc.UpdatedAt = s.now().UTC()
	s.docs[project] = doc
	return cloneDocument(doc)
}

// Swap implements Store.
func (s *MemStore) Swap(_ context.Context, doc *Document) (*Document, error) {
	if err := ValidateProjectID(doc.Project); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var currentVersion int64
	if stored, ok := s.docs[doc.Project]; ok {
		currentVersion = stored.Version
	}
	if currentVersion != doc.Version {
		return nil, fmt.Errorf("project %s: stored version %d, caller has %d: %w",
			doc.Project, currentVersion, doc.Version, ErrVersionConflict)
	}
	next, err := cloneDocument(doc)
	if err != nil {
		return nil, err
	}
	next.Version++
	next.UpdatedAt = s.now().UTC()
	s.docs[doc.Project] = next
	return cloneDocument(next)
}

// List implements Store.
func (s *MemStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	projects := make([]string, 0, len(s.docs))
	for project := range s.docs {
		projects = append(projects, project)
	}
	sort.Strings(projects)
	return projects, nil
}

func cloneDocument(doc *Document) (*Document, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to clone document: %w", err)
	}
	var clone Document
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("failed to clone document: %w", err)
	}
	return &clone, nil
}
