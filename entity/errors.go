package entity

import "errors"

var (
	// ErrNotFound is returned when a fetch or update targets a row that does
	// not exist (or is not visible to the requesting user).
	ErrNotFound = errors.New("entity: not found")

	// ErrConflict is returned by ClaimQueuedRun/TransitionRun when the row's
	// current status no longer matches the expected "from" status — the CAS
	// lost a race against another writer.
	ErrConflict = errors.New("entity: conflict")

	// ErrThreadBusy is returned when the API attempts to enqueue a second
	// run on a thread whose latest run is still non-terminal (spec §4.8
	// "Per-thread serialization").
	ErrThreadBusy = errors.New("entity: thread has a non-terminal run")
)
