package ingest

import "errors"

// Store sentinel errors shared by all backends.
var (
	// ErrNotFound is returned when a keyed lookup matches nothing.
	ErrNotFound = errors.New("not found")
	// ErrRunExists is returned when a run key was already created.
	ErrRunExists = errors.New("run already exists")
	// ErrRunInFlight is returned when a source already has an executing run.
	ErrRunInFlight = errors.New("run already in flight for source")
)
