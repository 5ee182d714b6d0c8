package domain

import "time"

// BridgeStatus is the lifecycle state of the supervised hub process.
type BridgeStatus string

const (
	BridgeStopped   BridgeStatus = "stopped"
	BridgeStarting  BridgeStatus = "starting"
	BridgeRunning   BridgeStatus = "running"
	BridgeUnhealthy BridgeStatus = "unhealthy"
	BridgeStopping  BridgeStatus = "stopping"
)

// BridgeProcess describes the supervised hub process as recorded by the
// supervisor.
type BridgeProcess struct {
	PID       int          `json:"pid"`
	Port      int          `json:"port"`
	Addr      string       `json:"addr"`
	StartedAt time.Time    `json:"started_at"`
	LogPath   string       `json:"log_path"`
	Status    BridgeStatus `json:"status"`
}

// StatusSnapshot is the point-in-time view served by the hub status endpoint.
type StatusSnapshot struct {
	PID               int              `json:"pid"`
	Port              int              `json:"port"`
	Status            BridgeStatus     `json:"status"`
	StartedAt         time.Time        `json:"started_at"`
	UptimeSeconds     int64            `json:"uptime_seconds"`
	ActiveConnections int              `json:"active_connections"`
	MemoryBytes       uint64           `json:"memory_bytes"`
	Goroutines        int              `json:"goroutines"`
	Version           string           `json:"version,omitempty"`
	Connections       []ConnectionInfo `json:"connections,omitempty"`
}

// Uptime returns the uptime as a duration.
func (s StatusSnapshot) Uptime() time.Duration {
	return time.Duration(s.UptimeSeconds) * time.Second
}
