package bids

import (
	"context"
	"errors"

	"github.com/imrishuroy/plantbid/internal/apperr"
)

// RetryOnConflict runs fn until it returns something other than a conflict, at
// most attempts times. fn must re-read the state it acts on.
func RetryOnConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !errors.Is(err, apperr.ErrConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}
