package storage

import (
	"errors"
	"time"

	"reportpulse/internal/model"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal plus a dedup snapshot next to Path
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Keep bounds how many outcomes the file driver keeps in memory for
	// RecentOutcomes. 0 means 500.
	Keep int
}

// Outcome records a job reaching a terminal status.
// Keep it compact and schema-stable.
type Outcome struct {
	At         time.Time       `json:"at"`
	ReportID   model.JobID     `json:"report_id"`
	Status     model.JobStatus `json:"status"`
	Message    string          `json:"message,omitempty"`
	Percent    int             `json:"percent"`
	ObservedAt time.Time       `json:"observed_at"`
	EventID    string          `json:"event_id,omitempty"`
}
