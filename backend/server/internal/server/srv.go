package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/tunnelgate/tunnelgate/backend/server/internal/database"
	"github.com/tunnelgate/tunnelgate/backend/server/internal/engine"
	"github.com/tunnelgate/tunnelgate/shared"
	httptrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/net/http"
)

type Server struct {
	db     *database.DB
	engine *engine.Engine
	statsd *statsd.Client

	isProductionEnvironment bool
	isTestEnvironment       bool
	releaseVersion          string
	requestLog              io.Writer

	jwtSecret         []byte
	adminUsername     string
	adminPasswordHash string
}

type Option func(*Server)

func WithStatsd(statsd *statsd.Client) Option {
	return func(s *Server) {
		s.statsd = statsd
	}
}

func WithReleaseVersion(releaseVersion string) Option {
	return func(s *Server) {
		s.releaseVersion = releaseVersion
	}
}

// WithJwtSecret sets the HMAC secret shared with the account service that
// mints user tokens.
func WithJwtSecret(secret []byte) Option {
	return func(s *Server) {
		s.jwtSecret = secret
	}
}

// WithAdminCredentials guards the /internal/ endpoints. passwordSha256Hex is
// the hex sha256 of the admin password, never the password itself.
func WithAdminCredentials(username, passwordSha256Hex string) Option {
	return func(s *Server) {
		s.adminUsername = username
		s.adminPasswordHash = passwordSha256Hex
	}
}

func WithRequestLog(out io.Writer) Option {
	return func(s *Server) {
		s.requestLog = out
	}
}

func IsProductionEnvironment(v bool) Option {
	return func(s *Server) {
		s.isProductionEnvironment = v
	}
}

func IsTestEnvironment(v bool) Option {
	return func(s *Server) {
		s.isTestEnvironment = v
	}
}

func NewServer(db *database.DB, eng *engine.Engine, options ...Option) *Server {
	srv := Server{db: db, engine: eng, requestLog: os.Stdout}
	for _, option := range options {
		option(&srv)
	}
	if srv.isProductionEnvironment && srv.isTestEnvironment {
		panic(fmt.Errorf("cannot create a server that is both a prod environment and a test environment: %#v", srv))
	}
	if len(srv.jwtSecret) == 0 {
		panic("cannot create a server without a JWT secret")
	}
	return &srv
}

// Handler builds the full route table. It is separate from Run so tests can
// drive the server through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := httptrace.NewServeMux()

	base := mergeMiddlewares(withPanicGuard(), withLogging(s.statsd, s.requestLog))
	user := mergeMiddlewares(withPanicGuard(), withLogging(s.statsd, s.requestLog), s.withUserAuth())
	admin := mergeMiddlewares(withPanicGuard(), withLogging(s.statsd, s.requestLog), s.withBasicAuth())

	mux.Handle("/api/v1/connect", user(http.HandlerFunc(s.apiConnectHandler)))
	mux.Handle("/api/v1/disconnect", user(http.HandlerFunc(s.apiDisconnectHandler)))
	mux.Handle("/api/v1/heartbeat", user(http.HandlerFunc(s.apiHeartbeatHandler)))
	mux.Handle("/api/v1/best-server", user(http.HandlerFunc(s.apiBestServerHandler)))
	mux.Handle("/api/v1/servers", user(http.HandlerFunc(s.apiServersHandler)))
	mux.Handle("/api/v1/usage", user(http.HandlerFunc(s.apiUsageHandler)))
	mux.Handle("/healthcheck", base(http.HandlerFunc(s.healthCheckHandler)))

	mux.Handle("/internal/api/v1/lock-user", admin(http.HandlerFunc(s.lockUserHandler)))
	mux.Handle("/internal/api/v1/unlock-user", admin(http.HandlerFunc(s.unlockUserHandler)))
	mux.Handle("/internal/api/v1/force-disconnect", admin(http.HandlerFunc(s.forceDisconnectHandler)))
	mux.Handle("/internal/api/v1/connections", admin(http.HandlerFunc(s.connectionsHandler)))
	mux.Handle("/internal/api/v1/user-sessions", admin(http.HandlerFunc(s.userSessionsHandler)))
	mux.Handle("/internal/api/v1/upsert-server", admin(http.HandlerFunc(s.upsertServerHandler)))
	mux.Handle("/internal/api/v1/delete-server", admin(http.HandlerFunc(s.deleteServerHandler)))
	mux.Handle("/internal/api/v1/server-health", admin(http.HandlerFunc(s.serverHealthHandler)))
	mux.Handle("/internal/api/v1/usage-stats", admin(http.HandlerFunc(s.usageStatsHandler)))
	mux.Handle("/internal/api/v1/stats", admin(http.HandlerFunc(s.statsHandler)))

	if s.isTestEnvironment {
		mux.Handle("/api/v1/trigger-cron", base(http.HandlerFunc(s.triggerCronHandler)))
		mux.Handle("/api/v1/wipe-db", base(http.HandlerFunc(s.wipeDbHandler)))
	}

	return mux
}

func (s *Server) Run(ctx context.Context, addr string) error {
	mux := httptrace.NewServeMux()

	if s.isProductionEnvironment {
		defer configureObservability(mux, s.releaseVersion)()
	}
	mux.Handle("/", s.Handler())

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	fmt.Printf("Listening on %s\n", addr)
	if err := httpServer.ListenAndServe(); err != nil {
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http.ListenAndServe: %w", err)
		}
	}

	return nil
}

func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if s.isProductionEnvironment {
		serverCount, err := s.db.CountServers(r.Context())
		checkGormError(err)
		if serverCount == 0 {
			panic("no servers registered in the pool!")
		}
	}
	if err := s.db.Ping(); err != nil {
		panic(fmt.Errorf("failed to ping DB: %w", err))
	}
	w.Write([]byte("OK"))
}

func (s *Server) triggerCronHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cron(r.Context()); err != nil {
		panic(err)
	}

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) wipeDbHandler(w http.ResponseWriter, r *http.Request) {
	if s.isProductionEnvironment {
		panic("refusing to wipe the DB for prod")
	}
	if !s.isTestEnvironment {
		panic("refusing to wipe the DB in a non-test environment")
	}

	err := s.db.Unsafe_DeleteAllSessions(r.Context())
	checkGormError(err)

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

// serverInfo converts a pool server to its client-visible view. Credentials
// ride along only on connect responses.
func serverInfo(server *database.Server, includeCredentials bool) shared.ServerInfo {
	v := shared.ServerInfo{
		ServerId:    server.ServerId,
		Name:        server.Name,
		Host:        server.Host,
		Port:        server.Port,
		Protocol:    server.Protocol,
		Country:     server.Country,
		CountryCode: server.CountryCode,
		IsPremium:   server.IsPremium,
		LoadFactor:  server.LoadFactor(),
	}
	if includeCredentials {
		v.Username = server.Username
		v.Password = server.Password
	}
	return v
}
