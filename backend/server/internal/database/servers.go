package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tunnelgate/tunnelgate/shared"
	"gorm.io/gorm"
)

// ErrServerFull is returned by ReserveServer when the target server is
// already at its declared capacity.
var ErrServerFull = errors.New("server is at capacity")

// Server is one VPN endpoint in the pool. CurrentLoad only moves through
// guarded single-statement UPDATEs (reserve, release, reconcile); every other
// read of it is a snapshot that may be stale, which is fine for ranking but
// never for admission.
type Server struct {
	ServerId string `json:"server_id" gorm:"primaryKey"`
	Name     string `json:"name"`
	Host     string `json:"host" gorm:"not null"`
	Port     int    `json:"port" gorm:"not null"`
	Protocol string `json:"protocol" gorm:"not null"`

	Country     string `json:"country"`
	CountryCode string `json:"country_code"`

	// Credentials handed to the client on a successful connect. Never
	// included in server listings.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	IsPremium   bool `json:"is_premium"`
	Healthy     bool `json:"healthy"`
	MaxSessions int  `json:"max_sessions" gorm:"not null"`
	CurrentLoad int  `json:"current_load" gorm:"not null;default:0"`

	RegistrationDate time.Time `json:"registration_date"`
	LastHealthReport time.Time `json:"last_health_report"`
}

// LoadFactor is active sessions divided by capacity, used to rank servers.
func (s *Server) LoadFactor() float64 {
	if s.MaxSessions <= 0 {
		return 1
	}
	return float64(s.CurrentLoad) / float64(s.MaxSessions)
}

// candidateOrder ranks healthy servers ascending by load factor, ties broken
// by absolute load and then by id so the ordering is deterministic.
const candidateOrder = "(current_load * 1.0) / max_sessions ASC, current_load ASC, server_id ASC"

// CandidateServers returns healthy servers matching the protocol filter (empty
// matches all), best candidate first. Premium servers are excluded unless
// includePremium is set.
func (db *DB) CandidateServers(ctx context.Context, protocol string, includePremium bool) ([]*Server, error) {
	var servers []*Server
	tx := db.WithContext(ctx).Where("healthy = ? AND max_sessions > 0", true)
	if protocol != "" {
		tx = tx.Where("protocol = ?", protocol)
	}
	if !includePremium {
		tx = tx.Where("is_premium = ?", false)
	}
	tx = tx.Order(candidateOrder).Find(&servers)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return servers, nil
}

// ListServers is the browsing view: like CandidateServers but with an
// optional country filter and sorted for display rather than for admission.
func (db *DB) ListServers(ctx context.Context, protocol string, countryCode string, includePremium bool) ([]*Server, error) {
	var servers []*Server
	tx := db.WithContext(ctx).Where("healthy = ?", true)
	if protocol != "" {
		tx = tx.Where("protocol = ?", protocol)
	}
	if countryCode != "" {
		tx = tx.Where("country_code = ?", countryCode)
	}
	if !includePremium {
		tx = tx.Where("is_premium = ?", false)
	}
	tx = tx.Order("country ASC, name ASC").Find(&servers)
	if tx.Error != nil {
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return servers, nil
}

// ReserveServer atomically increments the server's load if it is below
// capacity. This single UPDATE is the admission check: concurrent reservers
// race on the row and exactly capacity-many of them win.
func (db *DB) ReserveServer(ctx context.Context, serverId string) error {
	tx := db.WithContext(ctx).Exec(
		"UPDATE servers SET current_load = current_load + 1 WHERE server_id = ? AND healthy AND current_load < max_sessions",
		serverId)
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return ErrServerFull
	}

	return nil
}

// ReleaseServer atomically decrements the server's load, floored at zero.
// Returns true when the decrement was floored, which indicates a bookkeeping
// bug upstream; callers log it as an anomaly.
func (db *DB) ReleaseServer(ctx context.Context, serverId string) (bool, error) {
	tx := db.WithContext(ctx).Exec(
		"UPDATE servers SET current_load = current_load - 1 WHERE server_id = ? AND current_load > 0",
		serverId)
	if tx.Error != nil {
		return false, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return tx.RowsAffected == 0, nil
}

func (db *DB) ServerById(ctx context.Context, serverId string) (*Server, error) {
	var server Server
	tx := db.WithContext(ctx).Where("server_id = ?", serverId).First(&server)
	if tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return &server, nil
}

// UpsertServer registers a server or updates its metadata. Load is
// intentionally not overwritten for existing rows so that a metadata refresh
// can't clobber live bookkeeping.
func (db *DB) UpsertServer(ctx context.Context, server *Server) error {
	existing, err := db.ServerById(ctx, server.ServerId)
	if err != nil {
		return err
	}
	if existing == nil {
		server.RegistrationDate = time.Now().UTC()
		tx := db.WithContext(ctx).Create(server)
		if tx.Error != nil {
			return fmt.Errorf("tx.Error: %w", tx.Error)
		}
		return nil
	}

	tx := db.WithContext(ctx).Model(&Server{}).Where("server_id = ?", server.ServerId).Updates(map[string]any{
		"name":         server.Name,
		"host":         server.Host,
		"port":         server.Port,
		"protocol":     server.Protocol,
		"country":      server.Country,
		"country_code": server.CountryCode,
		"username":     server.Username,
		"password":     server.Password,
		"is_premium":   server.IsPremium,
		"max_sessions": server.MaxSessions,
	})
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return nil
}

func (db *DB) DeleteServer(ctx context.Context, serverId string) error {
	tx := db.WithContext(ctx).Delete(&Server{}, "server_id = ?", serverId)
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return nil
}

// SetServerHealth records a health-checker verdict. Unhealthy servers drop
// out of candidate rankings but keep their load so that in-flight sessions
// still release correctly.
func (db *DB) SetServerHealth(ctx context.Context, serverId string, healthy bool) error {
	tx := db.WithContext(ctx).Model(&Server{}).Where("server_id = ?", serverId).Updates(map[string]any{
		"healthy":            healthy,
		"last_health_report": time.Now().UTC(),
	})
	if tx.Error != nil {
		return fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return nil
}

// ReconcileServerLoads resets every server's current_load to its count of
// Active sessions. The guarded reserve/release statements stay the only
// fine-grained load mutators; this is the cron backstop that repairs drift
// after a failed release. Returns how many servers were corrected.
func (db *DB) ReconcileServerLoads(ctx context.Context) (int64, error) {
	tx := db.WithContext(ctx).Exec(`
		UPDATE servers SET current_load = (
			SELECT COUNT(*) FROM connection_sessions
			WHERE connection_sessions.server_id = servers.server_id AND connection_sessions.state = ?
		)
		WHERE current_load <> (
			SELECT COUNT(*) FROM connection_sessions
			WHERE connection_sessions.server_id = servers.server_id AND connection_sessions.state = ?
		)`, shared.SessionStateActive, shared.SessionStateActive)
	if tx.Error != nil {
		return 0, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return tx.RowsAffected, nil
}

func (db *DB) CountServers(ctx context.Context) (int64, error) {
	var numServers int64
	tx := db.WithContext(ctx).Model(&Server{}).Count(&numServers)
	if tx.Error != nil {
		return 0, fmt.Errorf("tx.Error: %w", tx.Error)
	}

	return numServers, nil
}
