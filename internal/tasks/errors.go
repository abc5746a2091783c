package tasks

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an operation targets an unknown task id.
	ErrNotFound = errors.New("task not found")

	// ErrUnknownCallback is returned when a definition names a callback
	// that is not present in the registry.
	ErrUnknownCallback = errors.New("callback not registered")

	// ErrBadSchedule is returned when a definition's kind/parameters
	// cannot produce a valid firing rule. Rejected at registration,
	// never deferred to fire time.
	ErrBadSchedule = errors.New("invalid schedule")

	// ErrParse is returned when the task file cannot be parsed even
	// after comment stripping and the lenient fallback.
	ErrParse = errors.New("task file parse failed")

	// ErrPersist wraps write failures of the task file. The in-memory
	// mutation has been applied; only durability failed.
	ErrPersist = errors.New("task file write failed")
)

func scheduleErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadSchedule, fmt.Sprintf(format, args...))
}
