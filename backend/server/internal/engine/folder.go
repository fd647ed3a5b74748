package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const drainBatchSize = 500

// enqueueFold hands a freshly closed session to the async fold worker. The
// queue is best-effort: if it is full (or no worker is running) the session
// stays marked unfolded and the next cron round picks it up.
func (e *Engine) enqueueFold(sessionId string) {
	select {
	case e.foldQueue <- sessionId:
	default:
		e.incr("engine.fold.queue_full")
	}
}

// StartFoldWorker consumes the fold queue until ctx is canceled. Folds are
// idempotent at the database level, so retrying after a transient error is
// always safe.
func (e *Engine) StartFoldWorker(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sessionId := <-e.foldQueue:
				if err := e.foldWithRetry(ctx, sessionId); err != nil {
					e.log.Warnf("failed to fold session %s: %v", sessionId, err)
					e.incr("engine.fold.failed")
				}
			}
		}
	}()
}

func (e *Engine) foldWithRetry(ctx context.Context, sessionId string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		_, err := e.db.FoldClosedSession(ctx, sessionId)
		return err
	}, backoff.WithContext(policy, ctx))
}

// DrainUnfolded folds every closed session the worker has not consumed yet,
// in batches. Run from cron so that sessions closed while the queue was
// full, or before a restart, still reach the daily rollup exactly once.
func (e *Engine) DrainUnfolded(ctx context.Context) (int, error) {
	folded := 0
	for {
		ids, err := e.db.UnfoldedClosedSessionIds(ctx, drainBatchSize)
		if err != nil {
			return folded, fmt.Errorf("drain unfolded: %w", err)
		}
		if len(ids) == 0 {
			return folded, nil
		}
		for _, sessionId := range ids {
			did, err := e.db.FoldClosedSession(ctx, sessionId)
			if err != nil {
				return folded, fmt.Errorf("drain unfolded: %w", err)
			}
			if did {
				folded++
			}
		}
		if len(ids) < drainBatchSize {
			return folded, nil
		}
	}
}
