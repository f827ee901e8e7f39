package rpc

import (
	"errors"

	"github.com/unbound-app/daemon/internal/session"
	"github.com/unbound-app/daemon/internal/storage"
)

// ErrNotFound is returned by handlers that have no internal sentinel
// of their own to map to CodeNotFound.
var ErrNotFound = errors.New("rpc: not found")

// errorObjectFor maps an internal error to the §4.1 numeric taxonomy,
// falling back to CodeInternal for anything unrecognised.
func errorObjectFor(err error) *ErrorObject {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, storage.ErrNotFound), errors.Is(err, session.ErrNotFound):
		return newError(CodeNotFound, err.Error())
	case errors.Is(err, session.ErrConflict):
		return newError(CodeConflict, err.Error())
	case errors.Is(err, session.ErrNotRunning):
		return newError(CodeNotFound, err.Error())
	default:
		return newError(CodeInternal, err.Error())
	}
}
