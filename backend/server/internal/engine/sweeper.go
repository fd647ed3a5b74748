package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/tunnelgate/tunnelgate/shared"
)

// SweepIdleSessions closes every active session whose last heartbeat is
// older than the idle threshold. Each candidate is re-checked under its
// user's lock, a heartbeat or disconnect that races the sweep wins.
func (e *Engine) SweepIdleSessions(ctx context.Context) (int, error) {
	cutoff := e.timeNow().UTC().Add(-e.idleThreshold)
	stale, err := e.db.StaleActiveSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("idle sweep: %w", err)
	}

	swept := 0
	for _, session := range stale {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		n, err := e.sweepOne(ctx, session.SessionId, session.UserId)
		if err != nil {
			e.log.Warnf("idle sweep failed for session %s: %v", session.SessionId, err)
			continue
		}
		swept += n
	}
	if swept > 0 {
		e.log.Infof("idle sweep closed %d session(s)", swept)
	}
	return swept, nil
}

func (e *Engine) sweepOne(ctx context.Context, sessionId, userId string) (int, error) {
	unlock := e.locks.lock(userId)
	defer unlock()

	// Re-read inside the lock: the session may have been touched or closed
	// while we were iterating the stale list.
	current, err := e.db.FindActiveSessionByUser(ctx, userId)
	if err != nil {
		return 0, err
	}
	if current == nil || current.SessionId != sessionId {
		return 0, nil
	}
	if _, err := e.tearDown(ctx, current, shared.CloseReasonTimeout, true); err != nil {
		if errors.Is(err, ErrNoActiveSession) {
			return 0, nil
		}
		return 0, err
	}
	return 1, nil
}

// IntegritySweep is the backstop for the one-session-per-user invariant:
// when duplicates exist it keeps the oldest session and force-closes the
// rest. Under normal operation it finds nothing.
func (e *Engine) IntegritySweep(ctx context.Context) (int, error) {
	users, err := e.db.UsersWithMultipleActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("integrity sweep: %w", err)
	}

	closed := 0
	for _, userId := range users {
		unlock := e.locks.lock(userId)
		sessions, err := e.db.ActiveSessionsByUserOldestFirst(ctx, userId)
		if err != nil {
			unlock()
			return closed, fmt.Errorf("integrity sweep: %w", err)
		}
		if len(sessions) < 2 {
			// Resolved itself between the two queries.
			unlock()
			continue
		}
		for _, duplicate := range sessions[1:] {
			e.log.Warnf("duplicate active session %s for user %s, force-closing", duplicate.SessionId, userId)
			if _, err := e.tearDown(ctx, duplicate, shared.CloseReasonAdminForce, false); err != nil && !errors.Is(err, ErrNoActiveSession) {
				e.log.Warnf("failed to close duplicate session %s: %v", duplicate.SessionId, err)
				continue
			}
			closed++
			e.incr("engine.integrity.duplicate_closed")
		}
		unlock()
	}
	return closed, nil
}

// ReconcileLoads resets server load counters to the true count of active
// sessions. After the duplicate sweep this makes reserve/release inverses
// hold again even when a past release failed and was only logged.
func (e *Engine) ReconcileLoads(ctx context.Context) (int, error) {
	corrected, err := e.db.ReconcileServerLoads(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile loads: %w", err)
	}
	if corrected > 0 {
		e.log.Warnf("load reconciliation corrected %d server(s)", corrected)
		e.incr("engine.integrity.load_corrected")
	}
	return int(corrected), nil
}

// Cron runs one round of background maintenance: idle sweep, then fold any
// closed sessions the async worker has not consumed, then the duplicate
// backstop, then load reconciliation. Safe to call concurrently with live
// traffic.
func (e *Engine) Cron(ctx context.Context) error {
	if _, err := e.SweepIdleSessions(ctx); err != nil {
		return err
	}
	if _, err := e.DrainUnfolded(ctx); err != nil {
		return err
	}
	if _, err := e.IntegritySweep(ctx); err != nil {
		return err
	}
	if _, err := e.ReconcileLoads(ctx); err != nil {
		return err
	}
	return nil
}
