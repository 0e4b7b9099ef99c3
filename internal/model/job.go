package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// JobID identifies a report job. The report server sends ids as JSON numbers
// in some payloads and as strings in others; both decode to the same JobID.
type JobID string

func (id JobID) String() string { return string(id) }

func (id JobID) IsZero() bool { return strings.TrimSpace(string(id)) == "" }

func (id *JobID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = JobID(strings.TrimSpace(s))
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("job id: %w", err)
		}
		// Integral floats ("42.0") normalise to the integer form.
		if i, err := n.Int64(); err == nil {
			*id = JobID(strconv.FormatInt(i, 10))
			return nil
		}
		if f, err := n.Float64(); err == nil && f == float64(int64(f)) {
			*id = JobID(strconv.FormatInt(int64(f), 10))
			return nil
		}
		*id = JobID(n.String())
		return nil
	}
}

func (id JobID) MarshalJSON() ([]byte, error) { return json.Marshal(string(id)) }

// JobStatus is the lifecycle state reported for a job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusSent       JobStatus = "sent"
	StatusInProgress JobStatus = "inprogress"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Known reports whether s is one of the statuses the server is documented to send.
func (s JobStatus) Known() bool {
	switch s {
	case StatusQueued, StatusSent, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}
