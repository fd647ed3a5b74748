package database

import (
	"context"
	"fmt"
	"time"

	"github.com/tunnelgate/tunnelgate/shared"
	"gorm.io/gorm"
)

// DailyUsageRecord is the per-user per-day rollup. Counters only ever grow
// within a day; the fold path guarantees each closed session is added at most
// once.
type DailyUsageRecord struct {
	UserId string `json:"user_id" gorm:"primaryKey"`
	Day    string `json:"day" gorm:"primaryKey"`

	BytesIn          int64 `json:"bytes_in"`
	BytesOut         int64 `json:"bytes_out"`
	ConnectedSeconds int64 `json:"connected_seconds"`
	SessionCount     int64 `json:"session_count"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (r *DailyUsageRecord) Usage() shared.DailyUsage {
	return shared.DailyUsage{
		UserId:           r.UserId,
		Day:              r.Day,
		BytesIn:          r.BytesIn,
		BytesOut:         r.BytesOut,
		ConnectedSeconds: r.ConnectedSeconds,
		SessionCount:     r.SessionCount,
	}
}

// FoldClosedSession adds a closed session's usage into the daily record for
// (user, session start date). The session id is the idempotency key: the
// folded flag flips in the same transaction as the rollup update, so a retry
// or duplicate delivery is a no-op. Returns whether this call did the fold.
func (db *DB) FoldClosedSession(ctx context.Context, sessionId string) (bool, error) {
	folded := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r := tx.Exec(
			"UPDATE connection_sessions SET folded = ? WHERE session_id = ? AND state = ? AND folded = ?",
			true, sessionId, shared.SessionStateClosed, false)
		if r.Error != nil {
			return fmt.Errorf("r.Error: %w", r.Error)
		}
		if r.RowsAffected == 0 {
			// Already folded, or not closed yet. Either way, nothing to add.
			return nil
		}

		var session ConnectionSession
		if err := tx.Where("session_id = ?", sessionId).First(&session).Error; err != nil {
			return fmt.Errorf("first: %w", err)
		}

		day := session.StartedAt.UTC().Format(time.DateOnly)
		r = tx.Exec(
			"UPDATE daily_usage_records SET bytes_in = bytes_in + ?, bytes_out = bytes_out + ?, connected_seconds = connected_seconds + ?, session_count = session_count + 1, updated_at = ? WHERE user_id = ? AND day = ?",
			session.BytesIn, session.BytesOut, session.DurationSeconds, time.Now().UTC(), session.UserId, day)
		if r.Error != nil {
			return fmt.Errorf("r.Error: %w", r.Error)
		}
		if r.RowsAffected == 0 {
			record := &DailyUsageRecord{
				UserId:           session.UserId,
				Day:              day,
				BytesIn:          session.BytesIn,
				BytesOut:         session.BytesOut,
				ConnectedSeconds: session.DurationSeconds,
				SessionCount:     1,
				UpdatedAt:        time.Now().UTC(),
			}
			if err := tx.Create(record).Error; err != nil {
				return fmt.Errorf("create: %w", err)
			}
		}

		folded = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return folded, nil
}

// UnfoldedClosedSessionIds returns closed sessions the aggregator hasn't
// consumed yet; the cron drains these so a crash between close and fold never
// loses usage.
func (db *DB) UnfoldedClosedSessionIds(ctx context.Context, limit int) ([]string, error) {
	var sessionIds []string
	tx := db.WithContext(ctx).Model(&ConnectionSession{}).
		Where("state = ? AND folded = ?", shared.SessionStateClosed, false).
		Order("ended_at ASC").Limit(limit).Pluck("session_id", &sessionIds)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return sessionIds, nil
}

// UsageForUserRange returns the user's daily records with from <= day <= to,
// oldest first. Day bounds are YYYY-MM-DD strings, so string comparison is
// date comparison.
func (db *DB) UsageForUserRange(ctx context.Context, userId string, from, to string) ([]*DailyUsageRecord, error) {
	var records []*DailyUsageRecord
	tx := db.WithContext(ctx).Where("user_id = ?", userId)
	if from != "" {
		tx = tx.Where("day >= ?", from)
	}
	if to != "" {
		tx = tx.Where("day <= ?", to)
	}
	tx = tx.Order("day ASC").Find(&records)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return records, nil
}

// UsageStatsRow is one line of the operator usage table.
type UsageStatsRow struct {
	UserId           string
	ActiveDays       int64
	BytesIn          int64
	BytesOut         int64
	ConnectedSeconds int64
	SessionCount     int64
	LastDay          string
}

func (db *DB) UsageStats(ctx context.Context) ([]*UsageStatsRow, error) {
	var rows []*UsageStatsRow
	tx := db.WithContext(ctx).Raw(`
		SELECT user_id,
		       COUNT(*) AS active_days,
		       SUM(bytes_in) AS bytes_in,
		       SUM(bytes_out) AS bytes_out,
		       SUM(connected_seconds) AS connected_seconds,
		       SUM(session_count) AS session_count,
		       MAX(day) AS last_day
		FROM daily_usage_records
		GROUP BY user_id
		ORDER BY MAX(day) DESC, user_id ASC`).Scan(&rows)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return rows, nil
}

// UsageTotals are the aggregate counters surfaced on the operator stats page.
type UsageTotals struct {
	Users            int64
	BytesIn          int64
	BytesOut         int64
	ConnectedSeconds int64
	SessionCount     int64
}

func (db *DB) UsageTotal(ctx context.Context) (*UsageTotals, error) {
	var totals UsageTotals
	row := db.WithContext(ctx).Raw(`
		SELECT COUNT(DISTINCT user_id),
		       COALESCE(SUM(bytes_in), 0),
		       COALESCE(SUM(bytes_out), 0),
		       COALESCE(SUM(connected_seconds), 0),
		       COALESCE(SUM(session_count), 0)
		FROM daily_usage_records`).Row()
	if err := row.Scan(&totals.Users, &totals.BytesIn, &totals.BytesOut, &totals.ConnectedSeconds, &totals.SessionCount); err != nil {
		return nil, fmt.Errorf("row.Scan: %w", err)
	}

	return &totals, nil
}
