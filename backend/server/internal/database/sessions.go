package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tunnelgate/tunnelgate/shared"
	"gorm.io/gorm"
)

var (
	// ErrSessionNotFound is returned when a close targets a session id that
	// does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionAlreadyClosed is returned on double-close so callers can
	// detect the race explicitly instead of silently ignoring it.
	ErrSessionAlreadyClosed = errors.New("session already closed")
)

// ConnectionSession is one connection, live or archived. Rows stay around
// after close as connection history; Folded marks that the usage aggregator
// has consumed the row.
type ConnectionSession struct {
	SessionId         string `json:"session_id" gorm:"primaryKey"`
	UserId            string `json:"user_id" gorm:"not null"`
	ServerId          string `json:"server_id" gorm:"not null"`
	DeviceFingerprint string `json:"device_fingerprint" gorm:"not null"`
	Protocol          string `json:"protocol"`

	State      string    `json:"state" gorm:"not null"`
	StartedAt  time.Time `json:"started_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	BytesIn    int64     `json:"bytes_in"`
	BytesOut   int64     `json:"bytes_out"`

	EndedAt         time.Time `json:"ended_at"`
	CloseReason     string    `json:"close_reason"`
	DurationSeconds int64     `json:"duration_seconds"`
	Folded          bool      `json:"folded" gorm:"not null;default:false"`
}

func (s *ConnectionSession) Info() shared.SessionInfo {
	return shared.SessionInfo{
		SessionId:         s.SessionId,
		UserId:            s.UserId,
		ServerId:          s.ServerId,
		DeviceFingerprint: s.DeviceFingerprint,
		Protocol:          s.Protocol,
		State:             s.State,
		StartedAt:         s.StartedAt,
		LastSeenAt:        s.LastSeenAt,
		BytesIn:           s.BytesIn,
		BytesOut:          s.BytesOut,
		CloseReason:       s.CloseReason,
		DurationSeconds:   s.DurationSeconds,
	}
}

// OpenSession inserts a new Active session row. The caller (engine) holds the
// user lock and has already bound the device and reserved the server.
func (db *DB) OpenSession(ctx context.Context, session *ConnectionSession) error {
	session.State = shared.SessionStateActive
	tx := db.WithContext(ctx).Create(session)
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return nil
}

// OpenSessionWithBinding inserts the Active session row and points the user's
// device binding at the session's fingerprint in one transaction, so a crash
// can never leave a binding without its session (or the other way around).
func (db *DB) OpenSessionWithBinding(ctx context.Context, session *ConnectionSession) error {
	session.State = shared.SessionStateActive
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(session).Error; err != nil {
			return fmt.Errorf("create: %w", err)
		}
		return setBindingFingerprintTx(tx, session.UserId, session.DeviceFingerprint, session.StartedAt)
	})
}

// TouchSession applies a heartbeat: bumps last-seen and adds byte deltas.
// Returns false if the session is not Active; stale heartbeats from a server
// that hasn't noticed a disconnect yet are expected and harmless.
func (db *DB) TouchSession(ctx context.Context, sessionId string, bytesInDelta, bytesOutDelta int64, now time.Time) (bool, error) {
	tx := db.WithContext(ctx).Exec(
		"UPDATE connection_sessions SET last_seen_at = ?, bytes_in = bytes_in + ?, bytes_out = bytes_out + ? WHERE session_id = ? AND state = ?",
		now, bytesInDelta, bytesOutDelta, sessionId, shared.SessionStateActive)
	if tx.Error != nil {
		return false, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return tx.RowsAffected > 0, nil
}

// CloseSession transitions a session Active -> Closing -> Closed in one
// transaction and returns the final row as an immutable snapshot for the
// usage aggregator. Exactly one of any number of racing closers wins; the
// losers get ErrSessionAlreadyClosed (or ErrSessionNotFound).
func (db *DB) CloseSession(ctx context.Context, sessionId string, reason string, now time.Time) (*ConnectionSession, error) {
	var snapshot *ConnectionSession
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		snapshot, err = closeSessionTx(tx, sessionId, reason, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	return snapshot, nil
}

// CloseSessionAndRelease is the teardown commit: it closes the session,
// decrements the server's load, and (when unbind is set) clears the user's
// device binding, all in one transaction. Either everything lands or nothing
// does, so a transient failure leaves the session Active for a later retry
// instead of stranding a binding with no session behind it. The bool result
// reports a floored release.
func (db *DB) CloseSessionAndRelease(ctx context.Context, sessionId string, reason string, now time.Time, unbind bool) (*ConnectionSession, bool, error) {
	var snapshot *ConnectionSession
	floored := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		snapshot, err = closeSessionTx(tx, sessionId, reason, now)
		if err != nil {
			return err
		}

		r := tx.Exec(
			"UPDATE servers SET current_load = current_load - 1 WHERE server_id = ? AND current_load > 0",
			snapshot.ServerId)
		if r.Error != nil {
			return fmt.Errorf("release: %w", r.Error)
		}
		floored = r.RowsAffected == 0

		if unbind {
			return clearBindingFingerprintTx(tx, snapshot.UserId)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return snapshot, floored, nil
}

func closeSessionTx(tx *gorm.DB, sessionId string, reason string, now time.Time) (*ConnectionSession, error) {
	r := tx.Exec(
		"UPDATE connection_sessions SET state = ? WHERE session_id = ? AND state = ?",
		shared.SessionStateClosing, sessionId, shared.SessionStateActive)
	if r.Error != nil {
		return nil, fmt.Errorf("r.Error: %w", r.Error)
	}
	if r.RowsAffected == 0 {
		var cnt int64
		if err := tx.Model(&ConnectionSession{}).Where("session_id = ?", sessionId).Count(&cnt).Error; err != nil {
			return nil, fmt.Errorf("count: %w", err)
		}
		if cnt == 0 {
			return nil, ErrSessionNotFound
		}
		return nil, ErrSessionAlreadyClosed
	}

	var snapshot ConnectionSession
	if err := tx.Where("session_id = ?", sessionId).First(&snapshot).Error; err != nil {
		return nil, fmt.Errorf("first: %w", err)
	}
	duration := int64(now.Sub(snapshot.StartedAt).Seconds())
	if duration < 0 {
		duration = 0
	}
	r = tx.Model(&ConnectionSession{}).Where("session_id = ?", sessionId).Updates(map[string]any{
		"state":            shared.SessionStateClosed,
		"ended_at":         now,
		"close_reason":     reason,
		"duration_seconds": duration,
	})
	if r.Error != nil {
		return nil, fmt.Errorf("r.Error: %w", r.Error)
	}

	snapshot.State = shared.SessionStateClosed
	snapshot.EndedAt = now
	snapshot.CloseReason = reason
	snapshot.DurationSeconds = duration
	return &snapshot, nil
}

// FindActiveSessionByUser returns the user's Active session, or nil if there
// is none. Under the single-device invariant there is at most one.
func (db *DB) FindActiveSessionByUser(ctx context.Context, userId string) (*ConnectionSession, error) {
	var session ConnectionSession
	tx := db.WithContext(ctx).Where("user_id = ? AND state = ?", userId, shared.SessionStateActive).
		Order("started_at ASC").First(&session)
	if tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return &session, nil
}

// ActiveSessions lists Active sessions, optionally scoped to one server.
// Used for admin live-connection views and load reconciliation.
func (db *DB) ActiveSessions(ctx context.Context, serverId string) ([]*ConnectionSession, error) {
	var sessions []*ConnectionSession
	tx := db.WithContext(ctx).Where("state = ?", shared.SessionStateActive)
	if serverId != "" {
		tx = tx.Where("server_id = ?", serverId)
	}
	tx = tx.Order("started_at ASC").Find(&sessions)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return sessions, nil
}

func (db *DB) CountActiveSessions(ctx context.Context, serverId string) (int64, error) {
	var cnt int64
	tx := db.WithContext(ctx).Model(&ConnectionSession{}).Where("state = ?", shared.SessionStateActive)
	if serverId != "" {
		tx = tx.Where("server_id = ?", serverId)
	}
	tx = tx.Count(&cnt)
	if tx.Error != nil {
		return 0, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return cnt, nil
}

// StaleActiveSessions returns Active sessions whose last heartbeat is older
// than the cutoff; the idle sweeper closes these with reason Timeout.
func (db *DB) StaleActiveSessions(ctx context.Context, cutoff time.Time) ([]*ConnectionSession, error) {
	var sessions []*ConnectionSession
	tx := db.WithContext(ctx).Where("state = ? AND last_seen_at < ?", shared.SessionStateActive, cutoff).Find(&sessions)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return sessions, nil
}

// SessionsForUser returns the user's most recent sessions, newest first,
// including closed history rows.
func (db *DB) SessionsForUser(ctx context.Context, userId string, limit int) ([]*ConnectionSession, error) {
	var sessions []*ConnectionSession
	tx := db.WithContext(ctx).Where("user_id = ?", userId).Order("started_at DESC").Limit(limit).Find(&sessions)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return sessions, nil
}

// UsersWithMultipleActiveSessions detects single-device invariant violations
// for the integrity sweep. A non-empty result always indicates a bug.
func (db *DB) UsersWithMultipleActiveSessions(ctx context.Context) ([]string, error) {
	var userIds []string
	tx := db.WithContext(ctx).Model(&ConnectionSession{}).
		Where("state = ?", shared.SessionStateActive).
		Group("user_id").Having("COUNT(*) > 1").Pluck("user_id", &userIds)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return userIds, nil
}

// ActiveSessionsByUserOldestFirst supports the integrity sweep: everything
// after the first entry is a violator to be force-closed.
func (db *DB) ActiveSessionsByUserOldestFirst(ctx context.Context, userId string) ([]*ConnectionSession, error) {
	var sessions []*ConnectionSession
	tx := db.WithContext(ctx).Where("user_id = ? AND state = ?", userId, shared.SessionStateActive).
		Order("started_at ASC").Find(&sessions)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return sessions, nil
}

func (db *DB) Unsafe_DeleteAllSessions(ctx context.Context) error {
	tx := db.WithContext(ctx).Exec("DELETE FROM connection_sessions")
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return nil
}
