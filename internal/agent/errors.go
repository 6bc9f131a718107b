package agent

import "errors"

var (
	// ErrAborted is returned when the run's context is cancelled at a round,
	// batch or dispatch boundary. Callers treat it as a stop, not a failure.
	ErrAborted = errors.New("analysis aborted by user")

	// ErrRateLimitExceeded is returned when the model keeps rejecting calls
	// for quota reasons after all retries. The run can be resumed later.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)
