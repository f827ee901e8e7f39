package session

import "errors"

// Error taxonomy per §7: state errors are returned to the caller
// without touching state; subprocess errors (ErrSpawnFailed) are
// returned and not retried. The engine does not set the session's
// status to `error` on a spawn failure or an exit; Service.MarkError
// does that, and the engine does not call it.
var (
	ErrConflict       = errors.New("session: a turn is already in progress")
	ErrNotFound       = errors.New("session: not found")
	ErrAlreadyRunning = errors.New("session: already running")
	ErrNotRunning     = errors.New("session: not running")
	ErrSpawnFailed    = errors.New("session: failed to spawn cli subprocess")
)
