package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"
)

// ErrMissingJobID marks payloads that cannot be attributed to a job.
var ErrMissingJobID = errors.New("missing job id")

// ProgressUpdate is the data of a progress_update envelope.
type ProgressUpdate struct {
	ReportID  JobID     `json:"reportId"`
	Status    JobStatus `json:"status"`
	Message   string    `json:"message"`
	Progress  int       `json:"progress"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// UnmarshalJSON accepts progress as an integer, a fractional number or a
// numeric string. Anything else reads as 0 rather than failing the update.
func (p *ProgressUpdate) UnmarshalJSON(b []byte) error {
	type plain ProgressUpdate
	var aux struct {
		plain
		Progress json.RawMessage `json:"progress"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*p = ProgressUpdate(aux.plain)
	p.Progress = parsePercent(aux.Progress)
	return nil
}

func parsePercent(raw json.RawMessage) int {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0
		}
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) {
		return 0
	}
	// Bounded before the int conversion; callers clamp to 0..100.
	f = math.Max(-1000, math.Min(1000, f))
	return int(math.Round(f))
}

// ObservedAt parses Timestamp (ISO-8601), falling back to fallback.
func (p ProgressUpdate) ObservedAt(fallback time.Time) time.Time {
	if p.Timestamp == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, p.Timestamp); err == nil {
			return t
		}
	}
	return fallback
}

// ReportRef is the minimal shape of report_created items and report_deleted data.
type ReportRef struct {
	ID JobID `json:"id"`
}

// DecodeProgressUpdate decodes and checks a progress_update payload.
func DecodeProgressUpdate(data json.RawMessage) (ProgressUpdate, error) {
	var p ProgressUpdate
	if err := json.Unmarshal(data, &p); err != nil {
		return ProgressUpdate{}, err
	}
	if p.ReportID.IsZero() {
		return ProgressUpdate{}, ErrMissingJobID
	}
	return p, nil
}

// DecodeReportRefs decodes report_created data. The server sends an array,
// but a single object is accepted too.
func DecodeReportRefs(data json.RawMessage) ([]ReportRef, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		ref, err := DecodeReportRef(trimmed)
		if err != nil {
			return nil, err
		}
		return []ReportRef{ref}, nil
	}
	var refs []ReportRef
	if err := json.Unmarshal(trimmed, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

// DecodeReportRef decodes report_deleted data.
func DecodeReportRef(data json.RawMessage) (ReportRef, error) {
	var ref ReportRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return ReportRef{}, err
	}
	if ref.ID.IsZero() {
		return ReportRef{}, ErrMissingJobID
	}
	return ref, nil
}
