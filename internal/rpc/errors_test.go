package rpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/unbound-app/daemon/internal/session"
	"github.com/unbound-app/daemon/internal/storage"
)

func TestErrorObjectFor_RPCNotFound(t *testing.T) {
	eo := errorObjectFor(ErrNotFound)
	assert.Equal(t, CodeNotFound, eo.Code)
}

func TestErrorObjectFor_StorageNotFound(t *testing.T) {
	eo := errorObjectFor(storage.ErrNotFound)
	assert.Equal(t, CodeNotFound, eo.Code)
}

func TestErrorObjectFor_SessionNotFound(t *testing.T) {
	eo := errorObjectFor(session.ErrNotFound)
	assert.Equal(t, CodeNotFound, eo.Code)
}

func TestErrorObjectFor_SessionConflict(t *testing.T) {
	eo := errorObjectFor(session.ErrConflict)
	assert.Equal(t, CodeConflict, eo.Code)
}

func TestErrorObjectFor_SessionNotRunning(t *testing.T) {
	eo := errorObjectFor(session.ErrNotRunning)
	assert.Equal(t, CodeNotFound, eo.Code)
}

func TestErrorObjectFor_WrappedErrorStillMatches(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), session.ErrConflict)
	eo := errorObjectFor(wrapped)
	assert.Equal(t, CodeConflict, eo.Code)
}

func TestErrorObjectFor_UnknownErrorFallsBackToInternal(t *testing.T) {
	eo := errorObjectFor(errors.New("boom"))
	assert.Equal(t, CodeInternal, eo.Code)
	assert.Equal(t, "boom", eo.Message)
}
