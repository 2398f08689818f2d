// Package storage provides Redis-backed persistence for streamgate.
package storage

import "time"

// ConnectionSnapshot is a point-in-time capture of per-provider in-flight
// connection counts, as returned by ActiveProviderManager.ActiveConnections.
type ConnectionSnapshot struct {
	TakenAt     int64            `json:"taken_at"`
	Connections map[string]int64 `json:"connections"`
}

// SessionRecord tracks one client's hold on a provider slot, from the
// moment a stream request acquires a connection to the moment it is
// released. This is advisory telemetry: it is never read back to inform
// an acquisition decision.
type SessionRecord struct {
	ClientIP     string    `json:"client_ip"`
	InputName    string    `json:"input_name"`
	ProviderName string    `json:"provider_name"`
	State        string    `json:"state"` // available, grace, exhausted
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
}

// SessionStats summarizes session activity for a provider over the
// lifetime of the process.
type SessionStats struct {
	ProviderName  string  `json:"provider_name"`
	TotalSessions uint64  `json:"total_sessions"`
	GraceSessions uint64  `json:"grace_sessions"`
	ActiveNow     uint16  `json:"active_now"`
	AvgHoldSecs   float64 `json:"avg_hold_secs"`
}
