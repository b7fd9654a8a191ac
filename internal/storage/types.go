package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DispatchRecord is one row of the dispatch ledger: a state change of a
// scheduled send. Keep it compact and schema-stable.
type DispatchRecord struct {
	At         time.Time `json:"at"`
	DispatchID string    `json:"dispatch_id"`
	SessionID  string    `json:"session_id"`
	// Event is "scheduled", "sent" or "failed".
	Event      string    `json:"event"`
	Recipients int       `json:"recipients"`
	FiresAt    time.Time `json:"fires_at"`
	Error      string    `json:"error,omitempty"`
}
