package dispatch

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Dispatch is one scheduled outbound message: a text payload plus optional
// attachment, targeted at a recipient set and a fire time.
type Dispatch struct {
	ID        string
	SessionID string
	Message   string
	// Recipients is the validated, ordered recipient set. Callers validate
	// shape before Schedule; the scheduler only guards against emptiness.
	Recipients []string
	// Attachment is an optional path to a previously stored file, consumed
	// at most once: the file is removed after the dispatch finalizes.
	Attachment string
	// FiresAt is absolute UTC; immutable once scheduled.
	FiresAt time.Time
	Status  Status
}

// Record is the finalized-history view of a dispatch.
type Record struct {
	ID         string
	SessionID  string
	Recipients int
	FiresAt    time.Time
	FiredAt    time.Time
	Status     Status
	Error      string
}

type Config struct {
	Workers     int
	QueueSize   int
	HistorySize int
	// Timezone is the IANA zone schedule timestamps are interpreted in
	// before normalization to UTC, e.g. "Asia/Jakarta".
	Timezone string
}
