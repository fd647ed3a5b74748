package shared

import "time"

// Session states. A session is Active while it counts against its server's
// load and its user's device binding, Closing only transiently inside the
// close transaction, and Closed once it is an archived history row.
const (
	SessionStateActive  = "active"
	SessionStateClosing = "closing"
	SessionStateClosed  = "closed"
)

// Close reasons recorded on a session when it leaves the Active state.
const (
	CloseReasonUserDisconnect = "user_disconnect"
	CloseReasonAdminForce     = "admin_force"
	CloseReasonTimeout        = "timeout"
)

// User roles as asserted by the external account service.
const (
	RoleAdmin   = "admin"
	RolePremium = "premium"
	RoleUser    = "user"
)

// ServerInfo is the client-visible view of a pool server. Credentials are
// only populated on a successful connect response, never on listings.
type ServerInfo struct {
	ServerId    string  `json:"server_id"`
	Name        string  `json:"name"`
	Host        string  `json:"host"`
	Port        int     `json:"port"`
	Protocol    string  `json:"protocol"`
	Country     string  `json:"country"`
	CountryCode string  `json:"country_code"`
	IsPremium   bool    `json:"is_premium"`
	LoadFactor  float64 `json:"load_factor"`
	Username    string  `json:"username,omitempty"`
	Password    string  `json:"password,omitempty"`
}

// ConnectResponse is returned by /api/v1/connect.
type ConnectResponse struct {
	SessionId string     `json:"session_id"`
	Server    ServerInfo `json:"server"`
}

// SessionInfo is the client/admin-visible view of a connection session.
type SessionInfo struct {
	SessionId         string    `json:"session_id"`
	UserId            string    `json:"user_id"`
	ServerId          string    `json:"server_id"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	Protocol          string    `json:"protocol"`
	State             string    `json:"state"`
	StartedAt         time.Time `json:"started_at"`
	LastSeenAt        time.Time `json:"last_seen_at"`
	BytesIn           int64     `json:"bytes_in"`
	BytesOut          int64     `json:"bytes_out"`
	CloseReason       string    `json:"close_reason,omitempty"`
	DurationSeconds   int64     `json:"duration_seconds,omitempty"`
}

// DailyUsage is one per-user per-day usage rollup.
type DailyUsage struct {
	UserId           string `json:"user_id"`
	Day              string `json:"day"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	ConnectedSeconds int64  `json:"connected_seconds"`
	SessionCount     int64  `json:"session_count"`
}

// UsageSummary is the totals rollup returned alongside daily records.
type UsageSummary struct {
	UserId           string       `json:"user_id"`
	TotalBytesIn     int64        `json:"total_bytes_in"`
	TotalBytesOut    int64        `json:"total_bytes_out"`
	ConnectedSeconds int64        `json:"connected_seconds"`
	Days             []DailyUsage `json:"days"`
}
