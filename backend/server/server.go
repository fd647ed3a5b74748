package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/sirupsen/logrus"
	"github.com/tunnelgate/tunnelgate/backend/server/internal/database"
	"github.com/tunnelgate/tunnelgate/backend/server/internal/engine"
	"github.com/tunnelgate/tunnelgate/backend/server/internal/server"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ReleaseVersion is set via ldflags by the release build.
var ReleaseVersion string = "UNKNOWN"

const sqliteDsn = "file:tunnelgate.db?_journal_mode=WAL"

var (
	tunnelgateLogger *logrus.Logger
	getLoggerOnce    sync.Once
)

func getLogger() *logrus.Logger {
	getLoggerOnce.Do(func() {
		tunnelgateLogger = logrus.New()

		logFormatter := new(logrus.TextFormatter)
		logFormatter.TimestampFormat = time.RFC3339
		logFormatter.FullTimestamp = true
		tunnelgateLogger.SetFormatter(logFormatter)
		tunnelgateLogger.SetLevel(logrus.InfoLevel)

		if isProductionEnvironment() {
			tunnelgateLogger.SetOutput(&lumberjack.Logger{
				Filename:   path.Join(os.Getenv("TUNNELGATE_LOG_DIR"), "tunnelgate.log"),
				MaxSize:    100, // MB
				MaxBackups: 10,
				MaxAge:     30, // days
			})
		}
	})
	return tunnelgateLogger
}

func isTestEnvironment() bool {
	return os.Getenv("TUNNELGATE_TEST") != ""
}

func isProductionEnvironment() bool {
	return os.Getenv("TUNNELGATE_ENV") == "production"
}

func getRequestLogWriter() io.Writer {
	if isProductionEnvironment() {
		return getLogger().WriterLevel(logrus.InfoLevel)
	}
	return os.Stdout
}

func OpenDB() (*database.DB, error) {
	if isTestEnvironment() {
		db, err := database.OpenSQLite(sqliteDsn, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, err
		}
		if err := db.AddDatabaseTables(); err != nil {
			return nil, fmt.Errorf("failed to create tables: %w", err)
		}
		if err := db.CreateIndices(); err != nil {
			return nil, fmt.Errorf("failed to create indices: %w", err)
		}
		return db, nil
	}

	var sqlLogger logger.Interface
	if isProductionEnvironment() {
		sqlLogger = logger.Default.LogMode(logger.Warn)
	} else {
		sqlLogger = logger.Default
	}
	postgresDsn := os.Getenv("TUNNELGATE_POSTGRES_URI")
	if postgresDsn == "" {
		return nil, fmt.Errorf("TUNNELGATE_POSTGRES_URI is not set")
	}
	db, err := database.OpenPostgres(postgresDsn, &gorm.Config{Logger: sqlLogger})
	if err != nil {
		return nil, err
	}
	if err := db.AddDatabaseTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if err := db.CreateIndices(); err != nil {
		return nil, fmt.Errorf("failed to create indices: %w", err)
	}
	return db, nil
}

func InitDB() *database.DB {
	db, err := OpenDB()
	if err != nil {
		panic(err)
	}
	if err := db.Ping(); err != nil {
		panic(err)
	}
	if err := db.SetMaxIdleConns(10); err != nil {
		panic(err)
	}
	return db
}

// runBackgroundJobs runs the idle sweep, the fold drain, and the duplicate
// backstop every few minutes for as long as the process lives.
func runBackgroundJobs(ctx context.Context, eng *engine.Engine) {
	time.Sleep(5 * time.Second)
	for {
		if err := eng.Cron(ctx); err != nil {
			fmt.Printf("Cron failure: %v\n", err)
		}
		time.Sleep(5 * time.Minute)
	}
}

func getJwtSecret() []byte {
	secret := os.Getenv("TUNNELGATE_JWT_SECRET")
	if secret == "" {
		if isTestEnvironment() {
			return []byte("insecure-test-only-secret")
		}
		panic("TUNNELGATE_JWT_SECRET is not set")
	}
	return []byte(secret)
}

func getAdminCredentials() (string, string) {
	username := os.Getenv("TUNNELGATE_ADMIN_USERNAME")
	passwordHash := os.Getenv("TUNNELGATE_ADMIN_PASSWORD_SHA256")
	if username == "" || passwordHash == "" {
		if isTestEnvironment() {
			// sha256 of "test"
			return "admin", "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
		}
		panic("TUNNELGATE_ADMIN_USERNAME and TUNNELGATE_ADMIN_PASSWORD_SHA256 must be set")
	}
	return username, passwordHash
}

func getIdleThreshold() time.Duration {
	v := os.Getenv("TUNNELGATE_IDLE_THRESHOLD")
	if v == "" {
		return 10 * time.Minute
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		panic(fmt.Errorf("failed to parse TUNNELGATE_IDLE_THRESHOLD=%#v: %w", v, err))
	}
	return d
}

func main() {
	// Startup check: production builds always carry a real version.
	if ReleaseVersion == "UNKNOWN" && isProductionEnvironment() {
		panic("server.go was built without a ReleaseVersion!")
	}

	ctx := context.Background()
	db := InitDB()

	var statsdClient *statsd.Client
	if isProductionEnvironment() {
		var err error
		statsdClient, err = statsd.New("unix:///var/run/datadog/dsd.socket")
		if err != nil {
			fmt.Printf("Failed to start DataDog statsd: %v\n", err)
		}
	}

	eng := engine.New(db,
		engine.WithStatsd(statsdClient),
		engine.WithLogger(getLogger()),
		engine.WithIdleThreshold(getIdleThreshold()),
	)
	eng.StartFoldWorker(ctx)
	go runBackgroundJobs(ctx, eng)

	adminUsername, adminPasswordHash := getAdminCredentials()
	srv := server.NewServer(db, eng,
		server.WithStatsd(statsdClient),
		server.WithReleaseVersion(ReleaseVersion),
		server.WithRequestLog(getRequestLogWriter()),
		server.WithJwtSecret(getJwtSecret()),
		server.WithAdminCredentials(adminUsername, adminPasswordHash),
		server.IsProductionEnvironment(isProductionEnvironment()),
		server.IsTestEnvironment(isTestEnvironment()),
	)
	if err := srv.Run(ctx, ":8080"); err != nil {
		panic(err)
	}
}
