package fgerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	cause := errors.New("boom")
	err := New("fetch", TransientNetwork, cause)
	assert.True(t, Is(err, TransientNetwork))
	assert.False(t, Is(err, Filesystem))
}

func TestIsFollowsUnwrapChain(t *testing.T) {
	inner := New("worker", StaleURL, errors.New("expired"))
	wrapped := fmt.Errorf("attempt failed: %w", inner)
	assert.True(t, Is(wrapped, StaleURL))
}

func TestHTTPCarriesStatusCode(t *testing.T) {
	err := HTTP("fetch", 403, errors.New("forbidden"))
	assert.Equal(t, 403, err.Code)
	assert.True(t, Is(err, HTTPStatus))
	assert.Contains(t, err.Error(), "http 403")
}

func TestStaleHTTPStatus(t *testing.T) {
	assert.True(t, StaleHTTPStatus(403))
	assert.True(t, StaleHTTPStatus(410))
	assert.False(t, StaleHTTPStatus(404))
	assert.False(t, StaleHTTPStatus(200))
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("root cause")
	err := New("pool", FatalNetwork, cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}
