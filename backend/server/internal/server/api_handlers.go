package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/araddon/dateparse"
	"github.com/samber/lo"
	"github.com/tunnelgate/tunnelgate/backend/server/internal/database"
	"github.com/tunnelgate/tunnelgate/backend/server/internal/engine"
	"github.com/tunnelgate/tunnelgate/shared"
)

// apiConnectHandler admits the user onto the best available server and
// returns the session id plus the server's connection details.
func (s *Server) apiConnectHandler(w http.ResponseWriter, r *http.Request) {
	claims := getUserClaims(r)
	deviceId := getRequiredQueryParam(r, "device_id")
	protocol := getOptionalQueryParam(r, "protocol")

	session, server, err := s.engine.Connect(r.Context(), claims.UserId, deviceId, protocol, claims.IsPremium())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	response := shared.ConnectResponse{
		SessionId: session.SessionId,
		Server:    serverInfo(server, true),
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		panic(fmt.Errorf("failed to JSON marshall the connect response: %w", err))
	}
}

func (s *Server) apiDisconnectHandler(w http.ResponseWriter, r *http.Request) {
	claims := getUserClaims(r)

	session, err := s.engine.Disconnect(r.Context(), claims.UserId)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if err := json.NewEncoder(w).Encode(session.Info()); err != nil {
		panic(fmt.Errorf("failed to JSON marshall the closed session: %w", err))
	}
}

func (s *Server) apiHeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	sessionId := getRequiredQueryParam(r, "session_id")
	bytesIn := getInt64QueryParam(r, "bytes_in")
	bytesOut := getInt64QueryParam(r, "bytes_out")

	if err := s.engine.Heartbeat(r.Context(), sessionId, bytesIn, bytesOut); err != nil {
		panic(fmt.Errorf("heartbeat: %w", err))
	}

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) apiBestServerHandler(w http.ResponseWriter, r *http.Request) {
	claims := getUserClaims(r)
	protocol := getOptionalQueryParam(r, "protocol")

	best, err := s.engine.BestServer(r.Context(), protocol, claims.IsPremium())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if err := json.NewEncoder(w).Encode(serverInfo(best, false)); err != nil {
		panic(fmt.Errorf("failed to JSON marshall the best server: %w", err))
	}
}

func (s *Server) apiServersHandler(w http.ResponseWriter, r *http.Request) {
	claims := getUserClaims(r)
	protocol := getOptionalQueryParam(r, "protocol")
	countryCode := getOptionalQueryParam(r, "country_code")

	servers, err := s.db.ListServers(r.Context(), protocol, countryCode, claims.IsPremium())
	checkGormError(err)

	views := lo.Map(servers, func(server *database.Server, _ int) shared.ServerInfo {
		return serverInfo(server, false)
	})
	if err := json.NewEncoder(w).Encode(views); err != nil {
		panic(fmt.Errorf("failed to JSON marshall the server list: %w", err))
	}
}

// apiUsageHandler returns the user's daily usage rollups for a date range,
// defaulting to the last 30 days. from/to accept anything dateparse
// understands and are truncated to whole days.
func (s *Server) apiUsageHandler(w http.ResponseWriter, r *http.Request) {
	claims := getUserClaims(r)
	from, to := parseUsageRange(r)

	records, err := s.db.UsageForUserRange(r.Context(), claims.UserId, from, to)
	checkGormError(err)

	summary := shared.UsageSummary{UserId: claims.UserId}
	summary.Days = lo.Map(records, func(record *database.DailyUsageRecord, _ int) shared.DailyUsage {
		return record.Usage()
	})
	for _, day := range summary.Days {
		summary.TotalBytesIn += day.BytesIn
		summary.TotalBytesOut += day.BytesOut
		summary.ConnectedSeconds += day.ConnectedSeconds
	}
	if err := json.NewEncoder(w).Encode(summary); err != nil {
		panic(fmt.Errorf("failed to JSON marshall the usage summary: %w", err))
	}
}

func parseUsageRange(r *http.Request) (string, string) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)
	to := now
	if v := getOptionalQueryParam(r, "from"); v != "" {
		parsed, err := dateparse.ParseAny(v)
		if err != nil {
			panic(fmt.Sprintf("request to %s has unparseable from=%#v: %v", r.URL, v, err))
		}
		from = parsed
	}
	if v := getOptionalQueryParam(r, "to"); v != "" {
		parsed, err := dateparse.ParseAny(v)
		if err != nil {
			panic(fmt.Sprintf("request to %s has unparseable to=%#v: %v", r.URL, v, err))
		}
		to = parsed
	}
	return from.UTC().Format(time.DateOnly), to.UTC().Format(time.DateOnly)
}

// writeEngineError maps engine sentinels to HTTP statuses. Anything
// unexpected keeps the panic flow so the logging middleware records it.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrDeviceLocked):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, engine.ErrBoundToOtherDevice):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrNoCapacity), errors.Is(err, engine.ErrNoneAvailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, engine.ErrNoActiveSession):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		panic(err)
	}
}
