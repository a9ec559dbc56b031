package errors

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	original := New("original")
	wrapped := Wrapf(original, "saving job %s", "J1")

	assert.Contains(t, wrapped.Error(), "saving job J1")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestWrapStdlibSentinel(t *testing.T) {
	wrapped := Wrap(sql.ErrNoRows, "load job")
	assert.True(t, Is(wrapped, sql.ErrNoRows))
}

func TestNotFound(t *testing.T) {
	err := NewNotFoundError("job %s", "J1")
	require.Error(t, err)

	assert.True(t, IsNotFoundError(err))
	assert.True(t, IsNotFoundError(Wrap(err, "cancel")))
	assert.False(t, IsInvalidRequestError(err))
	assert.False(t, IsNotFoundError(nil))
	assert.Contains(t, err.Error(), "job J1")
}

func TestInvalidRequest(t *testing.T) {
	err := NewInvalidRequestError("id %q differs from %q", "a", "b")

	assert.True(t, IsInvalidRequestError(err))
	assert.False(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), `id "a" differs from "b"`)
}

func TestConflict(t *testing.T) {
	err := NewConflictError("job %s already exists", "J1")
	assert.True(t, IsConflictError(err))
	assert.False(t, IsConflictError(New("other")))
}

func TestDetailsAndHints(t *testing.T) {
	err := WithDetail(New("executor failed"), "Job ID: J2")
	err = WithHint(err, "check the recipient URL")

	assert.Contains(t, GetAllDetails(err), "Job ID: J2")
	assert.Contains(t, GetAllHints(err), "check the recipient URL")
}

func TestStackTraceInVerboseFormat(t *testing.T) {
	err := Wrap(New("boom"), "fire")
	verbose := fmt.Sprintf("%+v", err)

	assert.Contains(t, verbose, "boom")
	assert.Contains(t, verbose, "errors_test.go")
}
