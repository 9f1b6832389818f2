package errclass_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jvs-project/agentlock/pkg/errclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	err := errclass.ErrLockHeld.WithMessage("pytest-myrepo is held")
	assert.Equal(t, "E_LOCK_HELD: pytest-myrepo is held", err.Error())
	assert.Equal(t, "E_LOCK_HELD", errclass.ErrLockHeld.Error())
}

func TestError_Is(t *testing.T) {
	err := errclass.ErrLockNotOwned.WithMessagef("lock %s", "issue:42")
	require.True(t, errors.Is(err, errclass.ErrLockNotOwned))
	require.False(t, errors.Is(err, errclass.ErrLockHeld))
}

func TestError_IsThroughWrap(t *testing.T) {
	err := fmt.Errorf("heartbeat: %w", errclass.ErrSessionNotFound.WithMessage("gone"))
	assert.ErrorIs(t, err, errclass.ErrSessionNotFound)
}

func TestCode(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", errclass.ErrBackendUnavailable.WithMessage("dial"))
	assert.Equal(t, "E_BACKEND_UNAVAILABLE", errclass.Code(wrapped))
	assert.Equal(t, "", errclass.Code(errors.New("plain")))
	assert.Equal(t, "", errclass.Code(nil))
}
