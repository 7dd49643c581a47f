package domain

import "errors"

// Error taxonomy shared by the scheduler, executors and the API layer.
// Callers wrap these with fmt.Errorf("...: %w", ErrX) and test with errors.Is.
var (
	// ErrTransientIO marks network failures and timeouts. The batch is recorded
	// as failed and the job continues.
	ErrTransientIO = errors.New("transient io error")

	// ErrTargetUnavailable marks a lost execution context, such as a closed
	// browser tab. The batch is not retried within the same run.
	ErrTargetUnavailable = errors.New("target unavailable")

	// ErrInvalidConfig rejects a job before it begins.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrAlreadyRunning rejects a start request while a job is active.
	ErrAlreadyRunning = errors.New("already running")

	// ErrPersistence is fatal: the job halts and the error is surfaced.
	ErrPersistence = errors.New("persistence failure")
)
