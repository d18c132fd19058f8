package checkpoint

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"github.com/tcfw/hypergraph/pkg/types"
)

const (
	resolveAttempts = 3
	resolveTimeout  = 15 * time.Second
)

// Resolver fetches checkpoint blocks this node has not yet accepted
// from its peers
type Resolver interface {
	ResolveCheckpoint(ctx context.Context, soe types.Hash) (*types.CheckpointBlock, error)
}

func resolveWithRetry(ctx context.Context, r Resolver, soe types.Hash) (*types.CheckpointBlock, error) {
	bo := &backoff.Backoff{
		Min: 500 * time.Millisecond,
		Max: 10 * time.Second,
	}

	var lastErr error

	for i := 0; i < resolveAttempts; i++ {
		rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
		b, err := r.ResolveCheckpoint(rctx, soe)
		cancel()

		if err == nil {
			return b, nil
		}

		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bo.Duration()):
		}
	}

	return nil, errors.Wrapf(lastErr, "resolving checkpoint %s", soe)
}
