// Package optimistic applies a local change before the remote write confirms it.
package optimistic

import (
	"context"
	"fmt"

	"github.com/ukydev/schoolbus-dispatch/internal/apperr"
)

// Apply runs local, then remote. When remote fails, revert restores the
// previous local state and the error is wrapped with apperr.ErrRemoteUpdateFailed.
// A nil revert is allowed for changes that need no undo.
func Apply[T any](ctx context.Context, local func() T, remote func(ctx context.Context) error, revert func(prev T)) error {
	prev := local()
	if err := remote(ctx); err != nil {
		if revert != nil {
			revert(prev)
		}
		return fmt.Errorf("%w: %w", apperr.ErrRemoteUpdateFailed, err)
	}
	return nil
}
