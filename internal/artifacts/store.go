package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/reportflow/reportflow/pkg/schema"
)

// ObjectStore receives step artifacts keyed by (runID, stepName). The engine
// hands artifacts over before recording step completion and never interprets
// their contents; production deployments back this with external object
// storage.
type ObjectStore interface {
	Put(ctx context.Context, runID string, step schema.StepName, artifact *schema.Artifact) error
	Get(ctx context.Context, runID string, step schema.StepName) (*schema.Artifact, error)
}

// --- Filesystem-backed store ---

// FSStore writes artifacts under root/<runID>/<stepName>/<name>.
type FSStore struct {
	root string
}

// NewFSStore creates an ObjectStore rooted at the given directory.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) Put(ctx context.Context, runID string, step schema.StepName, artifact *schema.Artifact) error {
	if artifact == nil || artifact.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "artifact has no name")
	}
	dir := filepath.Join(s.root, runID, string(step))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	// Write-then-rename keeps a re-run attempt from exposing a partial file.
	path := filepath.Join(dir, artifact.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, artifact.Data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalize artifact: %w", err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, runID string, step schema.StepName) (*schema.Artifact, error) {
	dir := filepath.Join(s.root, runID, string(step))
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return nil, artifactNotFound(runID, step)
	}
	name := entries[0].Name()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return &schema.Artifact{Name: name, Data: data}, nil
}

// --- In-memory store ---

// MemoryStore keeps artifacts in a map; test fixture and single-process default.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*schema.Artifact
}

// NewMemoryStore creates an empty in-memory ObjectStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*schema.Artifact)}
}

func (s *MemoryStore) Put(ctx context.Context, runID string, step schema.StepName, artifact *schema.Artifact) error {
	if artifact == nil || artifact.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "artifact has no name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *artifact
	cp.Data = append([]byte(nil), artifact.Data...)
	s.objects[memKey(runID, step)] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, runID string, step schema.StepName) (*schema.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.objects[memKey(runID, step)]
	if !ok {
		return nil, artifactNotFound(runID, step)
	}
	cp := *a
	cp.Data = append([]byte(nil), a.Data...)
	return &cp, nil
}

// Len returns the number of stored artifacts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

func memKey(runID string, step schema.StepName) string {
	return runID + "/" + string(step)
}

func artifactNotFound(runID string, step schema.StepName) error {
	return schema.NewErrorf(schema.ErrCodeNotFound,
		"no artifact for run %s step %s", runID, step).WithStep(step)
}
