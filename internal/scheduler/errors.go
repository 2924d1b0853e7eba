package scheduler

import "errors"

var (
	// ErrNotStarted is returned by operations that need the engine's restore
	// pass to have run first.
	ErrNotStarted = errors.New("scheduler: engine not started")

	// ErrUnknownHandler means the job names a handler kind nothing registered.
	ErrUnknownHandler = errors.New("scheduler: unknown handler kind")

	// ErrNotFound means no schedule exists with the given id.
	ErrNotFound = errors.New("scheduler: schedule not found")

	// ErrNotOwner means the schedule exists but belongs to a different user.
	ErrNotOwner = errors.New("scheduler: schedule belongs to another user")
)
