package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/imrishuroy/plantbid/internal/apperr"
)

// callGateway runs one gateway operation with a per-call timeout, retrying
// unavailable outcomes with exponential backoff. Rejections are not retried.
func (s *Service) callGateway(ctx context.Context, op string, fn func(ctx context.Context) (GatewayPayment, error)) (GatewayPayment, error) {
	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.opts.BaseBackoff << (attempt - 1)
			if err := s.sleep(ctx, delay); err != nil {
				return GatewayPayment{}, fmt.Errorf("gateway %s: %w: %w", op, apperr.ErrGatewayUnavailable, err)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
		gp, err := fn(callCtx)
		cancel()
		if err == nil {
			return gp, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", apperr.ErrGatewayUnavailable, err)
		}
		if !errors.Is(err, apperr.ErrGatewayUnavailable) {
			return GatewayPayment{}, err
		}
		lastErr = err
		s.log.Warn("gateway call failed",
			"op", op,
			"attempt", attempt+1,
			"error", err)
	}
	return GatewayPayment{}, fmt.Errorf("gateway %s after %d attempts: %w", op, s.opts.MaxRetries+1, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
