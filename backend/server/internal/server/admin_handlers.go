package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rodaine/table"
	"github.com/samber/lo"
	"github.com/tunnelgate/tunnelgate/backend/server/internal/database"
	"github.com/tunnelgate/tunnelgate/shared"
)

func (s *Server) lockUserHandler(w http.ResponseWriter, r *http.Request) {
	userId := getRequiredQueryParam(r, "user_id")
	adminId := getRequiredQueryParam(r, "admin_id")
	reason := getOptionalQueryParam(r, "reason")

	if err := s.engine.LockDevice(r.Context(), userId, adminId, reason); err != nil {
		panic(fmt.Errorf("lock user: %w", err))
	}
	fmt.Printf("lockUserHandler: locked user_id=%#v by admin_id=%#v\n", userId, adminId)

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) unlockUserHandler(w http.ResponseWriter, r *http.Request) {
	userId := getRequiredQueryParam(r, "user_id")

	if err := s.engine.UnlockDevice(r.Context(), userId); err != nil {
		panic(fmt.Errorf("unlock user: %w", err))
	}
	fmt.Printf("unlockUserHandler: unlocked user_id=%#v\n", userId)

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

// forceDisconnectHandler evicts the user from the pool. With lock=true it
// also locks the binding so the user cannot immediately reconnect.
func (s *Server) forceDisconnectHandler(w http.ResponseWriter, r *http.Request) {
	userId := getRequiredQueryParam(r, "user_id")
	adminId := getRequiredQueryParam(r, "admin_id")

	if getOptionalQueryParam(r, "lock") == "true" {
		reason := getOptionalQueryParam(r, "reason")
		if err := s.engine.LockDevice(r.Context(), userId, adminId, reason); err != nil {
			panic(fmt.Errorf("force disconnect: %w", err))
		}
	}

	closed, err := s.engine.ForceDisconnect(r.Context(), userId)
	if err != nil {
		panic(fmt.Errorf("force disconnect: %w", err))
	}
	fmt.Printf("forceDisconnectHandler: closed %d session(s) for user_id=%#v\n", closed, userId)

	_, _ = fmt.Fprintf(w, "%d\n", closed)
}

func (s *Server) connectionsHandler(w http.ResponseWriter, r *http.Request) {
	serverId := getOptionalQueryParam(r, "server_id")

	sessions, err := s.db.ActiveSessions(r.Context(), serverId)
	checkGormError(err)

	views := lo.Map(sessions, func(session *database.ConnectionSession, _ int) shared.SessionInfo {
		return session.Info()
	})
	if err := json.NewEncoder(w).Encode(views); err != nil {
		panic(fmt.Errorf("failed to JSON marshall the active sessions: %w", err))
	}
}

func (s *Server) userSessionsHandler(w http.ResponseWriter, r *http.Request) {
	userId := getRequiredQueryParam(r, "user_id")
	limit := int(getInt64QueryParam(r, "limit"))
	if limit <= 0 {
		limit = 50
	}

	sessions, err := s.db.SessionsForUser(r.Context(), userId, limit)
	checkGormError(err)

	views := lo.Map(sessions, func(session *database.ConnectionSession, _ int) shared.SessionInfo {
		return session.Info()
	})
	if err := json.NewEncoder(w).Encode(views); err != nil {
		panic(fmt.Errorf("failed to JSON marshall the session history: %w", err))
	}
}

func (s *Server) upsertServerHandler(w http.ResponseWriter, r *http.Request) {
	var server database.Server
	if err := json.NewDecoder(r.Body).Decode(&server); err != nil {
		panic(fmt.Errorf("failed to decode: %w", err))
	}
	if server.ServerId == "" || server.Host == "" || server.Port == 0 {
		panic(fmt.Sprintf("upsertServerHandler: incomplete server definition %#v", server))
	}
	if server.RegistrationDate.IsZero() {
		server.RegistrationDate = time.Now().UTC()
	}

	err := s.db.UpsertServer(r.Context(), &server)
	checkGormError(err)
	fmt.Printf("upsertServerHandler: upserted server_id=%#v\n", server.ServerId)

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) deleteServerHandler(w http.ResponseWriter, r *http.Request) {
	serverId := getRequiredQueryParam(r, "server_id")

	// Refuse to delete out from under live sessions; force-disconnect or
	// drain first.
	active, err := s.db.CountActiveSessions(r.Context(), serverId)
	checkGormError(err)
	if active > 0 {
		http.Error(w, fmt.Sprintf("server %s still has %d active session(s)", serverId, active), http.StatusConflict)
		return
	}

	err = s.db.DeleteServer(r.Context(), serverId)
	checkGormError(err)

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

// serverHealthHandler flips a server in or out of the candidate set. An
// unhealthy server keeps its live sessions, it just stops receiving new ones.
func (s *Server) serverHealthHandler(w http.ResponseWriter, r *http.Request) {
	serverId := getRequiredQueryParam(r, "server_id")
	healthy := getRequiredQueryParam(r, "healthy") == "true"

	err := s.db.SetServerHealth(r.Context(), serverId, healthy)
	checkGormError(err)
	fmt.Printf("serverHealthHandler: set server_id=%#v healthy=%v\n", serverId, healthy)

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) usageStatsHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.UsageStats(r.Context())
	if err != nil {
		panic(fmt.Errorf("db.UsageStats: %w", err))
	}

	tbl := table.New("User Id", "Active Days", "Bytes In", "Bytes Out", "Connected", "Sessions", "Last Day")
	tbl.WithWriter(w)
	for _, row := range rows {
		tbl.AddRow(
			row.UserId,
			row.ActiveDays,
			byteCountToString(int(row.BytesIn)),
			byteCountToString(int(row.BytesOut)),
			(time.Duration(row.ConnectedSeconds) * time.Second).String(),
			row.SessionCount,
			row.LastDay,
		)
	}
	tbl.Print()
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	numServers, err := s.db.CountServers(r.Context())
	checkGormError(err)

	numActiveSessions, err := s.db.CountActiveSessions(r.Context(), "")
	checkGormError(err)

	totals, err := s.db.UsageTotal(r.Context())
	checkGormError(err)

	_, _ = fmt.Fprintf(w, "Num servers: %d\n", numServers)
	_, _ = fmt.Fprintf(w, "Num active sessions: %d\n", numActiveSessions)
	_, _ = fmt.Fprintf(w, "Num users with usage: %d\n", totals.Users)
	_, _ = fmt.Fprintf(w, "Total bytes in: %s\n", byteCountToString(int(totals.BytesIn)))
	_, _ = fmt.Fprintf(w, "Total bytes out: %s\n", byteCountToString(int(totals.BytesOut)))
	_, _ = fmt.Fprintf(w, "Total connected time: %s\n", (time.Duration(totals.ConnectedSeconds) * time.Second).String())
	_, _ = fmt.Fprintf(w, "Total sessions: %d\n", totals.SessionCount)
}
