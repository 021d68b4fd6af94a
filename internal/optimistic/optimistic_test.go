package optimistic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/schoolbus-dispatch/internal/apperr"
)

func TestApply_Success(t *testing.T) {
	state := "awaiting"
	reverted := false

	err := Apply(context.Background(),
		func() string { prev := state; state = "picked_up"; return prev },
		func(ctx context.Context) error { return nil },
		func(prev string) { reverted = true; state = prev },
	)

	require.NoError(t, err)
	assert.Equal(t, "picked_up", state)
	assert.False(t, reverted)
}

func TestApply_RemoteFailureReverts(t *testing.T) {
	state := "awaiting"
	remoteErr := errors.New("backend said no")

	err := Apply(context.Background(),
		func() string { prev := state; state = "picked_up"; return prev },
		func(ctx context.Context) error {
			assert.Equal(t, "picked_up", state, "local change must be visible before remote call")
			return remoteErr
		},
		func(prev string) { state = prev },
	)

	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrRemoteUpdateFailed)
	assert.ErrorIs(t, err, remoteErr)
	assert.Equal(t, "awaiting", state)
}

func TestApply_NilRevert(t *testing.T) {
	err := Apply(context.Background(),
		func() int { return 0 },
		func(ctx context.Context) error { return errors.New("down") },
		nil,
	)
	assert.ErrorIs(t, err, apperr.ErrRemoteUpdateFailed)
}
