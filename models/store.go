package models

import "errors"

// ErrNotFound reports that no state exists for a well-formed project name.
var ErrNotFound = errors.New("project not found")

// ErrCorruptState reports that state exists for the project but could not be
// decoded. It is deliberately distinct from ErrNotFound so a damaged document
// is never mistaken for a missing one.
var ErrCorruptState = errors.New("project state corrupt")

// StateStore is the backend-agnostic contract for project pipeline state.
// Implementations: JSONStore (one document per project) and SQLStore
// (relational rows). Callers pick one at startup and inject it; there is no
// process-global backend switch.
type StateStore interface {
	// Init returns the existing state or creates and persists a default
	// one. Repeated calls never alter an existing state.
	Init(project string) (*ProjectState, error)

	// Load returns the current state, ErrNotFound if the project has no
	// state, or ErrCorruptState if state exists but cannot be decoded.
	Load(project string) (*ProjectState, error)

	// UpdateStep applies the single mutation entry point and returns the
	// post-mutation state. Unknown step keys are auto-registered.
	UpdateStep(project, stepKey string, upd StepUpdate) (*ProjectState, error)

	// Save persists a full state snapshot, overwriting any existing state
	// for state.Project. Used by migration and backend switches.
	Save(state *ProjectState) error

	// List returns the identifiers of all persisted projects.
	List() ([]string, error)

	// Delete removes all persisted state for the project. Deleting a
	// missing project is not an error.
	Delete(project string) error

	Close() error
}
