package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// errMissingProject marks a document that parses but carries no project
// identifier. Migration skips such records instead of reporting them failed.
var errMissingProject = errors.New("missing project identifier")

// JSONStore persists one JSON document per project under a single directory.
// Writes are atomic (temp file + rename) so readers never observe a partial
// document, and every read-modify-write holds a per-project file lock so two
// processes mutating the same project serialize instead of racing on the
// whole-document snapshot.
type JSONStore struct {
	dir string
}

func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &JSONStore{dir: dir}, nil
}

func (s *JSONStore) statePath(project string) string {
	return filepath.Join(s.dir, SanitizeProjectName(project)+".json")
}

// acquire takes the per-project lock. The returned release func must be
// called once the read-modify-write cycle is complete.
func (s *JSONStore) acquire(project string) (func(), error) {
	lock := flock.New(s.statePath(project) + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("lock project %s: %w", project, err)
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			// Surfaced but not fatal; the OS drops the lock when the
			// process exits regardless.
			log.Printf("[State] unlock project %s: %v", project, err)
		}
	}, nil
}

func (s *JSONStore) Init(project string) (*ProjectState, error) {
	project = SanitizeProjectName(project)
	release, err := s.acquire(project)
	if err != nil {
		return nil, err
	}
	defer release()

	state, err := s.read(project)
	if err == nil {
		return state, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	state = NewDefaultState(project)
	if err := s.write(state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *JSONStore) Load(project string) (*ProjectState, error) {
	return s.read(project)
}

func (s *JSONStore) UpdateStep(project, stepKey string, upd StepUpdate) (*ProjectState, error) {
	project = SanitizeProjectName(project)
	release, err := s.acquire(project)
	if err != nil {
		return nil, err
	}
	defer release()

	state, err := s.read(project)
	if isNotFound(err) {
		state = NewDefaultState(project)
	} else if err != nil {
		return nil, err
	}
	state.ApplyStepUpdate(stepKey, upd)
	if err := s.write(state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *JSONStore) Save(state *ProjectState) error {
	state.Project = SanitizeProjectName(state.Project)
	release, err := s.acquire(state.Project)
	if err != nil {
		return err
	}
	defer release()
	return s.write(state)
}

func (s *JSONStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read state dir: %w", err)
	}
	projects := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		projects = append(projects, strings.TrimSuffix(name, ".json"))
	}
	return projects, nil
}

func (s *JSONStore) Delete(project string) error {
	project = SanitizeProjectName(project)
	// Hold the project lock so a delete cannot interleave with an in-flight
	// read-modify-write, whose rename would resurrect the document. The
	// .lock file goes last, after the document is gone.
	release, err := s.acquire(project)
	if err != nil {
		return err
	}
	defer release()

	path := s.statePath(project)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete project state: %w", err)
	}
	if err := os.Remove(path + ".lock"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete project lock: %w", err)
	}
	return nil
}

func (s *JSONStore) Close() error { return nil }

func (s *JSONStore) read(project string) (*ProjectState, error) {
	data, err := os.ReadFile(s.statePath(project))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read project state: %w", err)
	}
	state, err := DecodeState(data)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", project, err)
	}
	return state, nil
}

func (s *JSONStore) write(state *ProjectState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode project state: %w", err)
	}
	path := s.statePath(state.Project)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write project state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace project state: %w", err)
	}
	return nil
}

// DecodeState parses a serialized project document, synthesizing any missing
// canonical steps. A document that does not parse, or parses without a
// project identifier, is corrupt rather than absent.
func DecodeState(data []byte) (*ProjectState, error) {
	state := &ProjectState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if state.Project == "" {
		return nil, fmt.Errorf("%w: %w", ErrCorruptState, errMissingProject)
	}
	state.FillMissing()
	return state, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
