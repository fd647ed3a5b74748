package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tunnelgate/tunnelgate/backend/server/internal/database"
	"github.com/tunnelgate/tunnelgate/shared"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultIdleThreshold  = 10 * time.Minute
	defaultFoldQueueSize  = 1024
)

// Engine owns all session lifecycle decisions. Every mutation for a given
// user runs under that user's lock, so the one-session-per-user and
// one-device-per-user invariants only need to hold at the database level as
// a backstop (see IntegritySweep).
type Engine struct {
	db     *database.DB
	statsd *statsd.Client
	log    *logrus.Logger

	locks          *lockArena
	connectTimeout time.Duration
	idleThreshold  time.Duration
	timeNow        func() time.Time

	foldQueue chan string
}

type Option func(*Engine)

func WithStatsd(c *statsd.Client) Option {
	return func(e *Engine) { e.statsd = c }
}

func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock overrides the time source, used by tests to drive the idle sweep.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.timeNow = now }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(e *Engine) { e.connectTimeout = d }
}

// WithIdleThreshold sets how long a session may go without a heartbeat
// before the sweep closes it.
func WithIdleThreshold(d time.Duration) Option {
	return func(e *Engine) { e.idleThreshold = d }
}

func New(db *database.DB, options ...Option) *Engine {
	e := &Engine{
		db:             db,
		log:            logrus.StandardLogger(),
		locks:          newLockArena(),
		connectTimeout: defaultConnectTimeout,
		idleThreshold:  defaultIdleThreshold,
		timeNow:        time.Now,
		foldQueue:      make(chan string, defaultFoldQueueSize),
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// Connect admits a user onto the least-loaded healthy server. It binds the
// device on first use, returns the existing session when the same device
// reconnects while one is still live, and leaves no binding behind when no
// server has capacity.
func (e *Engine) Connect(ctx context.Context, userId, fingerprint, protocol string, includePremium bool) (*database.ConnectionSession, *database.Server, error) {
	unlock := e.locks.lock(userId)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.connectTimeout)
	defer cancel()

	binding, err := e.db.BindingForUser(ctx, userId)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	if binding != nil && binding.Locked {
		return nil, nil, ErrDeviceLocked
	}

	now := e.timeNow().UTC()
	if binding != nil && binding.DeviceFingerprint != "" && binding.DeviceFingerprint != fingerprint {
		return nil, nil, ErrBoundToOtherDevice
	}
	if binding != nil && binding.DeviceFingerprint == fingerprint {
		// Same device as the binding. If a session is still live this is a
		// reconnect after a network blip, so hand back the same session
		// rather than stacking a second one.
		existing, err := e.db.FindActiveSessionByUser(ctx, userId)
		if err != nil {
			return nil, nil, fmt.Errorf("connect: %w", err)
		}
		if existing != nil {
			server, err := e.db.ServerById(ctx, existing.ServerId)
			if err != nil {
				return nil, nil, fmt.Errorf("connect: %w", err)
			}
			if server == nil {
				// The session's server is gone from the registry. Close the
				// stranded session and place the user fresh below.
				e.log.Warnf("active session %s for user %s references missing server %s, closing", existing.SessionId, userId, existing.ServerId)
				if _, err := e.tearDown(ctx, existing, shared.CloseReasonAdminForce, true); err != nil && !errors.Is(err, ErrNoActiveSession) {
					return nil, nil, fmt.Errorf("connect: %w", err)
				}
			} else {
				e.incr("engine.connect.reattached")
				return existing, server, nil
			}
		}
	}

	candidates, err := e.db.CandidateServers(ctx, protocol, includePremium)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}

	var reserved *database.Server
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			break
		}
		err := e.db.ReserveServer(ctx, candidate.ServerId)
		if errors.Is(err, database.ErrServerFull) {
			// Lost the race for this slot, try the next candidate.
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("connect: %w", err)
		}
		reserved = candidate
		break
	}
	if reserved == nil {
		if err := ctx.Err(); err != nil {
			e.incr("engine.connect.timeout")
			return nil, nil, fmt.Errorf("connect: %w", err)
		}
		e.incr("engine.connect.no_capacity")
		return nil, nil, ErrNoCapacity
	}

	// The session row and the device binding commit together, so a failure
	// (or crash) here leaves the user unbound and free to try again from any
	// device. Only the reserved slot needs manual cleanup.
	session := &database.ConnectionSession{
		SessionId:         uuid.Must(uuid.NewRandom()).String(),
		UserId:            userId,
		ServerId:          reserved.ServerId,
		DeviceFingerprint: fingerprint,
		Protocol:          protocol,
		StartedAt:         now,
		LastSeenAt:        now,
	}
	if err := e.db.OpenSessionWithBinding(ctx, session); err != nil {
		if _, rerr := e.db.ReleaseServer(context.WithoutCancel(ctx), reserved.ServerId); rerr != nil {
			e.log.Warnf("failed to release server %s after open failure: %v", reserved.ServerId, rerr)
		}
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	e.incr("engine.connect.success")
	return session, reserved, nil
}

// Disconnect ends the user's active session. The close, load release,
// unbind, and usage handoff always run together under the user lock, so a
// half-torn-down session is never observable through the API.
func (e *Engine) Disconnect(ctx context.Context, userId string) (*database.ConnectionSession, error) {
	unlock := e.locks.lock(userId)
	defer unlock()
	return e.closeActiveSession(ctx, userId, shared.CloseReasonUserDisconnect)
}

// ForceDisconnect is the admin kill switch: it closes every active session
// the user has, including any duplicates an integrity sweep has not caught
// yet, and always clears the device binding so a stranded binding with no
// session behind it is healed too. It does not touch the binding lock,
// callers combine it with LockDevice when they want the user kept out.
func (e *Engine) ForceDisconnect(ctx context.Context, userId string) (int, error) {
	unlock := e.locks.lock(userId)
	defer unlock()

	closed := 0
	for {
		_, err := e.closeActiveSession(ctx, userId, shared.CloseReasonAdminForce)
		if errors.Is(err, ErrNoActiveSession) {
			break
		}
		if err != nil {
			return closed, err
		}
		closed++
	}
	if err := e.db.ClearBindingFingerprint(context.WithoutCancel(ctx), userId); err != nil {
		return closed, fmt.Errorf("force disconnect: %w", err)
	}
	if closed > 0 {
		e.incr("engine.force_disconnect")
	}
	return closed, nil
}

// closeActiveSession runs the full teardown for the user's oldest active
// session. Caller must hold the user lock.
func (e *Engine) closeActiveSession(ctx context.Context, userId string, reason string) (*database.ConnectionSession, error) {
	session, err := e.db.FindActiveSessionByUser(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("disconnect: %w", err)
	}
	if session == nil {
		return nil, ErrNoActiveSession
	}
	return e.tearDown(ctx, session, reason, true)
}

// tearDown ends one session: close, server-slot release, and (usually) the
// binding clear commit as a single transaction, so a transient failure rolls
// everything back and leaves the session Active for the next closer to retry,
// never half torn down. The transaction runs on a detached context because a
// canceled request must not abandon a teardown it already started. unbind is
// false only when another active session for the same user survives the
// close.
func (e *Engine) tearDown(ctx context.Context, session *database.ConnectionSession, reason string, unbind bool) (*database.ConnectionSession, error) {
	closed, floored, err := e.db.CloseSessionAndRelease(context.WithoutCancel(ctx), session.SessionId, reason, e.timeNow().UTC(), unbind)
	if errors.Is(err, database.ErrSessionAlreadyClosed) || errors.Is(err, database.ErrSessionNotFound) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, fmt.Errorf("close session: %w", err)
	}
	if floored {
		// Load was already zero, meaning a release ran without a matching
		// reserve somewhere. Worth surfacing, but the floor keeps the
		// counter sane.
		e.log.Warnf("release floored at zero for server %s (session %s)", closed.ServerId, closed.SessionId)
		e.incr("engine.release.floored")
	}
	e.enqueueFold(closed.SessionId)
	e.incr("engine.session.closed." + reason)
	return closed, nil
}

// LockDevice blocks all future connects for the user. Existing sessions are
// left running; pair with ForceDisconnect to evict immediately.
func (e *Engine) LockDevice(ctx context.Context, userId, adminId, reason string) error {
	unlock := e.locks.lock(userId)
	defer unlock()
	if err := e.db.SetBindingLock(ctx, userId, true, adminId, reason, e.timeNow().UTC()); err != nil {
		return fmt.Errorf("lock device: %w", err)
	}
	e.incr("engine.device.locked")
	return nil
}

func (e *Engine) UnlockDevice(ctx context.Context, userId string) error {
	unlock := e.locks.lock(userId)
	defer unlock()
	if err := e.db.SetBindingLock(ctx, userId, false, "", "", e.timeNow().UTC()); err != nil {
		return fmt.Errorf("unlock device: %w", err)
	}
	e.incr("engine.device.unlocked")
	return nil
}

// BestServer returns the server a connect would pick right now, without
// reserving anything. Purely advisory, the answer can be stale by the time
// the client acts on it.
func (e *Engine) BestServer(ctx context.Context, protocol string, includePremium bool) (*database.Server, error) {
	candidates, err := e.db.CandidateServers(ctx, protocol, includePremium)
	if err != nil {
		return nil, fmt.Errorf("best server: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoneAvailable
	}
	return candidates[0], nil
}

// Heartbeat refreshes the session's liveness and accumulates traffic
// counters. Heartbeats for sessions that are already closed are dropped
// silently, the client will learn about the close on its next connect.
func (e *Engine) Heartbeat(ctx context.Context, sessionId string, bytesInDelta, bytesOutDelta int64) error {
	updated, err := e.db.TouchSession(ctx, sessionId, bytesInDelta, bytesOutDelta, e.timeNow().UTC())
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if !updated {
		e.incr("engine.heartbeat.stale")
	}
	return nil
}

func (e *Engine) incr(metric string) {
	if e.statsd != nil {
		if err := e.statsd.Incr(metric, []string{}, 1.0); err != nil {
			e.log.Warnf("failed to submit metric %s: %v", metric, err)
		}
	}
}
