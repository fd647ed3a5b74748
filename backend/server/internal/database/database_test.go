package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tunnelgate/tunnelgate/shared"
	"github.com/tunnelgate/tunnelgate/shared/testutils"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDB *DB

const testDBDSN = "file::memory:?_journal_mode=WAL&cache=shared"

func TestMain(m *testing.M) {
	// Set env variable
	defer testutils.BackupAndRestoreEnv("TUNNELGATE_TEST")()
	os.Setenv("TUNNELGATE_TEST", "1")

	// setup test database
	db, err := OpenSQLite(testDBDSN, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		panic(fmt.Errorf("failed to connect to the DB: %w", err))
	}
	underlyingDb, err := db.DB.DB()
	if err != nil {
		panic(fmt.Errorf("failed to access underlying DB: %w", err))
	}
	underlyingDb.SetMaxOpenConns(1)
	db.Exec("PRAGMA journal_mode = WAL")
	if err := db.AddDatabaseTables(); err != nil {
		panic(fmt.Errorf("failed to add database tables: %w", err))
	}
	if err := db.CreateIndices(); err != nil {
		panic(fmt.Errorf("failed to create indices: %w", err))
	}

	testDB = db

	os.Exit(m.Run())
}

func wipeTables(t *testing.T) {
	t.Helper()
	for _, tbl := range []string{"servers", "connection_sessions", "device_bindings", "daily_usage_records"} {
		require.NoError(t, testDB.Exec("DELETE FROM "+tbl).Error)
	}
}

func makeTestServer(serverId string, maxSessions int) *Server {
	return &Server{
		ServerId:         serverId,
		Name:             "Test " + serverId,
		Host:             serverId + ".pool.example.com",
		Port:             51820,
		Protocol:         "wireguard",
		Country:          "Netherlands",
		CountryCode:      "NL",
		Healthy:          true,
		MaxSessions:      maxSessions,
		RegistrationDate: time.Now().UTC(),
	}
}

func makeActiveSession(t *testing.T, userId, serverId string, startedAt time.Time) *ConnectionSession {
	t.Helper()
	session := &ConnectionSession{
		SessionId:         uuid.Must(uuid.NewRandom()).String(),
		UserId:            userId,
		ServerId:          serverId,
		DeviceFingerprint: "device-" + userId,
		Protocol:          "wireguard",
		StartedAt:         startedAt,
		LastSeenAt:        startedAt,
	}
	require.NoError(t, testDB.OpenSession(context.Background(), session))
	return session
}

func TestReserveAndRelease(t *testing.T) {
	wipeTables(t)
	ctx := context.Background()

	server := makeTestServer("ams-1", 2)
	require.NoError(t, testDB.UpsertServer(ctx, server))

	// Two reservations fit, the third must fail
	require.NoError(t, testDB.ReserveServer(ctx, "ams-1"))
	require.NoError(t, testDB.ReserveServer(ctx, "ams-1"))
	require.ErrorIs(t, testDB.ReserveServer(ctx, "ams-1"), ErrServerFull)

	got, err := testDB.ServerById(ctx, "ams-1")
	require.NoError(t, err)
	require.Equal(t, 2, got.CurrentLoad)

	// Releasing brings the load back down and reopens the slot
	floored, err := testDB.ReleaseServer(ctx, "ams-1")
	require.NoError(t, err)
	require.False(t, floored)
	require.NoError(t, testDB.ReserveServer(ctx, "ams-1"))

	// Draining to zero and releasing again floors instead of going negative
	for i := 0; i < 2; i++ {
		floored, err = testDB.ReleaseServer(ctx, "ams-1")
		require.NoError(t, err)
		require.False(t, floored)
	}
	floored, err = testDB.ReleaseServer(ctx, "ams-1")
	require.NoError(t, err)
	require.True(t, floored)

	got, err = testDB.ServerById(ctx, "ams-1")
	require.NoError(t, err)
	require.Equal(t, 0, got.CurrentLoad)
}

func TestReserveSkipsUnhealthyServers(t *testing.T) {
	wipeTables(t)
	ctx := context.Background()

	server := makeTestServer("fra-1", 5)
	require.NoError(t, testDB.UpsertServer(ctx, server))
	require.NoError(t, testDB.SetServerHealth(ctx, "fra-1", false))

	require.ErrorIs(t, testDB.ReserveServer(ctx, "fra-1"), ErrServerFull)

	candidates, err := testDB.CandidateServers(ctx, "", false)
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestCandidateOrdering(t *testing.T) {
	wipeTables(t)
	ctx := context.Background()

	// lon-1 at 50%, lon-2 at 25%, lon-3 at 25% with a higher absolute load
	for _, s := range []struct {
		id   string
		max  int
		load int
	}{
		{"lon-1", 10, 5},
		{"lon-2", 4, 1},
		{"lon-3", 8, 2},
	} {
		server := makeTestServer(s.id, s.max)
		require.NoError(t, testDB.UpsertServer(ctx, server))
		for i := 0; i < s.load; i++ {
			require.NoError(t, testDB.ReserveServer(ctx, s.id))
		}
	}

	candidates, err := testDB.CandidateServers(ctx, "", false)
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	// Equal load factors tie-break on absolute load, then id
	require.Equal(t, "lon-2", candidates[0].ServerId)
	require.Equal(t, "lon-3", candidates[1].ServerId)
	require.Equal(t, "lon-1", candidates[2].ServerId)
}

func TestCandidateFiltersPremiumAndProtocol(t *testing.T) {
	wipeTables(t)
	ctx := context.Background()

	wg := makeTestServer("wg-1", 10)
	require.NoError(t, testDB.UpsertServer(ctx, wg))
	ov := makeTestServer("ov-1", 10)
	ov.Protocol = "openvpn"
	require.NoError(t, testDB.UpsertServer(ctx, ov))
	prem := makeTestServer("prem-1", 10)
	prem.IsPremium = true
	require.NoError(t, testDB.UpsertServer(ctx, prem))

	candidates, err := testDB.CandidateServers(ctx, "", false)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	candidates, err = testDB.CandidateServers(ctx, "openvpn", false)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, "ov-1", candidates[0].ServerId)

	candidates, err = testDB.CandidateServers(ctx, "", true)
	require.NoError(t, err)
	require.Len(t, candidates, 3)
}

func TestUpsertServerPreservesLoad(t *testing.T) {
	wipeTables(t)
	ctx := context.Background()

	server := makeTestServer("nyc-1", 10)
	require.NoError(t, testDB.UpsertServer(ctx, server))
	require.NoError(t, testDB.ReserveServer(ctx, "nyc-1"))

	// Re-registering the server (e.g. updated credentials) must not reset the
	// live session counter
	updated := makeTestServer("nyc-1", 20)
	updated.Password = "rotated"
	require.NoError(t, testDB.UpsertServer(ctx, updated))

	got, err := testDB.ServerById(ctx, "nyc-1")
	require.NoError(t, err)
	require.Equal(t, 1, got.CurrentLoad)
	require.Equal(t, 20, got.MaxSessions)
	require.Equal(t, "rotated", got.Password)
}

func TestSessionLifecycle(t *testing.T) {
	wipeTables(t)
	ctx := context.Background()
	startedAt := time.Now().UTC().Add(-90 * time.Second)

	session := makeActiveSession(t, "user-1", "ams-1", startedAt)

	// Heartbeats accumulate byte counters on the active session
	updated, err := testDB.TouchSession(ctx, session.SessionId, 100, 200, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, updated)
	updated, err = testDB.TouchSession(ctx, session.SessionId, 50, 25, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, updated)

	closedAt := startedAt.Add(90 * time.Second)
	closed, err := testDB.CloseSession(ctx, session.SessionId, shared.CloseReasonUserDisconnect, closedAt)
	require.NoError(t, err)
	require.Equal(t, shared.SessionStateClosed, closed.State)
	require.Equal(t, shared.CloseReasonUserDisconnect, closed.CloseReason)
	require.Equal(t, int64(90), closed.DurationSeconds)
	require.Equal(t, int64(150), closed.BytesIn)
	require.Equal(t, int64(225), closed.BytesOut)

	// Closing again is an explicit error, not a silent no-op
	_, err = testDB.CloseSession(ctx, session.SessionId, shared.CloseReasonAdminForce, time.Now().UTC())
	require.ErrorIs(t, err, ErrSessionAlreadyClosed)

	// The double-close must not have overwritten the original reason
	var row ConnectionSession
	require.NoError(t, testDB.Where("session_id = ?", session.SessionId).First(&row).Error)
	require.Equal(t, shared.CloseReasonUserDisconnect, row.CloseReason)

	// Heartbeats after close are dropped
	updated, err = testDB.TouchSession(ctx, session.SessionId, 1, 1, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, updated)
}

func TestOpenSessionWithBinding(t *testing.T) {
	wipeTables(t)
	ctx := context.Background()
	now := time.Now().UTC()

	session := &ConnectionSession{
		SessionId:         uuid.Must(uuid.NewRandom()).String(),
		UserId:            "user-1",
		ServerId:          "ams-1",
		DeviceFingerprint: "laptop",
		Protocol:          "wireguard",
		StartedAt:         now,
		LastSeenAt:        now,
	}
	require.NoError(t, testDB.OpenSessionWithBinding(ctx, session))

	// Session and binding land together, and the binding matches the session
	got, err := testDB.FindActiveSessionByUser(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, session.SessionId, got.SessionId)
	binding, err := testDB.BindingForUser(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, binding)
	require.Equal(t, "laptop", binding.DeviceFingerprint)
}

func TestCloseSessionAndRelease(t *testing.T) {
	wipeTables(t)
	ctx := context.Background()
	now := time.Now().UTC()

	server := makeTestServer("ams-1", 2)
	require.NoError(t, testDB.UpsertServer(ctx, server))
	require.NoError(t, testDB.ReserveServer(ctx, "ams-1"))
	session := makeActiveSession(t, "user-1", "ams-1", now.Add(-time.Minute))
	require.NoError(t, testDB.SetBindingFingerprint(ctx, "user-1", "device-user-1", now))

	closed, floored, err := testDB.CloseSessionAndRelease(ctx, session.SessionId, shared.CloseReasonUserDisconnect, now, true)
	require.NoError(t, err)
	require.False(t, floored)
	require.Equal(t, shared.SessionStateClosed, closed.State)

	// Close, release, and unbind all landed
	got, err := testDB.ServerById(ctx, "ams-1")
	require.NoError(t, err)
	require.Equal(t, 0, got.CurrentLoad)
	binding, err := testDB.BindingForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Empty(t, binding.DeviceFingerprint)

	// The losing closer is told so and must not decrement the load again
	_, _, err = testDB.CloseSessionAndRelease(ctx, session.SessionId, shared.CloseReasonAdminForce, now, true)
	require.ErrorIs(t, err, ErrSessionAlreadyClosed)
	got, err = testDB.ServerById(ctx, "ams-1")
	require.NoError(t, err)
	require.Equal(t, 0, got.CurrentLoad)

	// A release without a matching reserve is reported as floored
	other := makeActiveSession(t, "user-2", "ams-1", now)
	_, floored, err = testDB.CloseSessionAndRelease(ctx, other.SessionId, shared.CloseReasonTimeout, now, true)
	require.NoError(t, err)
	require.True(t, floored)
}

func TestReconcileServerLoads(t *testing.T) {
	wipeTables(t)
	ctx := context.Background()
	now := time.Now().UTC()

	server := makeTestServer("ams-1", 10)
	require.NoError(t, testDB.UpsertServer(ctx, server))
	makeActiveSession(t, "user-1", "ams-1", now)
	require.NoError(t, testDB.Exec("UPDATE servers SET current_load = 7 WHERE server_id = ?", "ams-1").Error)

	corrected, err := testDB.ReconcileServerLoads(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), corrected)
	got, err := testDB.ServerById(ctx, "ams-1")
	require.NoError(t, err)
	require.Equal(t, 1, got.CurrentLoad)

	// Already-consistent servers are left alone
	corrected, err = testDB.ReconcileServerLoads(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), corrected)
}

func TestCloseUnknownSession(t *testing.T) {
	wipeTables(t)

	_, err := testDB.CloseSession(context.Background(), "no-such-session", shared.CloseReasonUserDisconnect, time.Now().UTC())
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.False(t, errors.Is(err, ErrSessionAlreadyClosed))
}

func TestStaleActiveSessions(t *testing.T) {
	wipeTables(t)
	ctx := context.Background()
	now := time.Now().UTC()

	fresh := makeActiveSession(t, "user-fresh", "ams-1", now)
	stale := makeActiveSession(t, "user-stale", "ams-1", now.Add(-1*time.Hour))

	sessions, err := testDB.StaleActiveSessions(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, stale.SessionId, sessions[0].SessionId)

	// A heartbeat rescues the session from the next sweep
	updated, err := testDB.TouchSession(ctx, stale.SessionId, 0, 0, now)
	require.NoError(t, err)
	require.True(t, updated)
	sessions, err = testDB.StaleActiveSessions(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Empty(t, sessions)

	_ = fresh
}

func TestUsersWithMultipleActiveSessions(t *testing.T) {
	wipeTables(t)
	ctx := context.Background()
	now := time.Now().UTC()

	makeActiveSession(t, "single", "ams-1", now)
	first := makeActiveSession(t, "doubled", "ams-1", now.Add(-2*time.Minute))
	second := makeActiveSession(t, "doubled", "fra-1", now)

	users, err := testDB.UsersWithMultipleActiveSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"doubled"}, users)

	sessions, err := testDB.ActiveSessionsByUserOldestFirst(ctx, "doubled")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, first.SessionId, sessions[0].SessionId)
	require.Equal(t, second.SessionId, sessions[1].SessionId)
}

func TestFoldIsIdempotent(t *testing.T) {
	wipeTables(t)
	ctx := context.Background()
	startedAt := time.Now().UTC().Add(-10 * time.Minute)

	session := makeActiveSession(t, "user-1", "ams-1", startedAt)
	_, err := testDB.TouchSession(ctx, session.SessionId, 1000, 2000, time.Now().UTC())
	require.NoError(t, err)

	// Folding an active session is a no-op
	did, err := testDB.FoldClosedSession(ctx, session.SessionId)
	require.NoError(t, err)
	require.False(t, did)

	_, err = testDB.CloseSession(ctx, session.SessionId, shared.CloseReasonUserDisconnect, startedAt.Add(10*time.Minute))
	require.NoError(t, err)

	did, err = testDB.FoldClosedSession(ctx, session.SessionId)
	require.NoError(t, err)
	require.True(t, did)

	// A second fold of the same session adds nothing
	did, err = testDB.FoldClosedSession(ctx, session.SessionId)
	require.NoError(t, err)
	require.False(t, did)

	day := startedAt.Format(time.DateOnly)
	records, err := testDB.UsageForUserRange(ctx, "user-1", day, day)
	require.NoError(t, err)
	require.Len(t, records, 1)
	expected := shared.DailyUsage{
		UserId:           "user-1",
		Day:              day,
		BytesIn:          1000,
		BytesOut:         2000,
		ConnectedSeconds: 600,
		SessionCount:     1,
	}
	if diff := deep.Equal(expected, records[0].Usage()); diff != nil {
		t.Fatalf("daily usage mismatch: %v", diff)
	}
}

func TestFoldAccumulatesAcrossSessions(t *testing.T) {
	wipeTables(t)
	ctx := context.Background()
	startedAt := time.Now().UTC().Add(-1 * time.Hour)

	for i := 0; i < 3; i++ {
		session := makeActiveSession(t, "user-1", "ams-1", startedAt.Add(time.Duration(i)*time.Minute))
		_, err := testDB.TouchSession(ctx, session.SessionId, 10, 20, time.Now().UTC())
		require.NoError(t, err)
		_, err = testDB.CloseSession(ctx, session.SessionId, shared.CloseReasonUserDisconnect, startedAt.Add(time.Duration(i)*time.Minute).Add(30*time.Second))
		require.NoError(t, err)
		did, err := testDB.FoldClosedSession(ctx, session.SessionId)
		require.NoError(t, err)
		require.True(t, did)
	}

	day := startedAt.Format(time.DateOnly)
	records, err := testDB.UsageForUserRange(ctx, "user-1", day, day)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, int64(30), records[0].BytesIn)
	require.Equal(t, int64(60), records[0].BytesOut)
	require.Equal(t, int64(90), records[0].ConnectedSeconds)
	require.Equal(t, int64(3), records[0].SessionCount)

	totals, err := testDB.UsageTotal(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), totals.Users)
	require.Equal(t, int64(3), totals.SessionCount)
}

func TestUnfoldedClosedSessionIds(t *testing.T) {
	wipeTables(t)
	ctx := context.Background()
	now := time.Now().UTC()

	open := makeActiveSession(t, "user-open", "ams-1", now)
	closedUnfolded := makeActiveSession(t, "user-a", "ams-1", now)
	closedFolded := makeActiveSession(t, "user-b", "ams-1", now)
	for _, s := range []*ConnectionSession{closedUnfolded, closedFolded} {
		_, err := testDB.CloseSession(ctx, s.SessionId, shared.CloseReasonTimeout, now)
		require.NoError(t, err)
	}
	did, err := testDB.FoldClosedSession(ctx, closedFolded.SessionId)
	require.NoError(t, err)
	require.True(t, did)

	ids, err := testDB.UnfoldedClosedSessionIds(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, []string{closedUnfolded.SessionId}, ids)

	_ = open
}

func TestBindingLockSurvivesUnbind(t *testing.T) {
	wipeTables(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, testDB.SetBindingFingerprint(ctx, "user-1", "laptop", now))
	require.NoError(t, testDB.SetBindingLock(ctx, "user-1", true, "admin-9", "chargeback", now))

	// Unbinding clears the fingerprint but the lock stays
	require.NoError(t, testDB.ClearBindingFingerprint(ctx, "user-1"))
	binding, err := testDB.BindingForUser(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, binding)
	require.Empty(t, binding.DeviceFingerprint)
	require.True(t, binding.Locked)
	require.Equal(t, "admin-9", binding.LockedBy)
	require.Equal(t, "chargeback", binding.LockReason)

	// Unlock wipes the lock metadata too
	require.NoError(t, testDB.SetBindingLock(ctx, "user-1", false, "", "", now))
	binding, err = testDB.BindingForUser(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, binding.Locked)
	require.Empty(t, binding.LockedBy)
	require.Empty(t, binding.LockReason)
}

func TestLockBeforeEverBinding(t *testing.T) {
	wipeTables(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Locking a user who has never connected creates the ledger row
	require.NoError(t, testDB.SetBindingLock(ctx, "fresh-user", true, "admin-1", "fraud", now))

	binding, err := testDB.BindingForUser(ctx, "fresh-user")
	require.NoError(t, err)
	require.NotNil(t, binding)
	require.True(t, binding.Locked)
	require.Empty(t, binding.DeviceFingerprint)
}
