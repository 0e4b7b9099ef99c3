package model

// Report is one item of the authoritative job list (GET /request).
//
// The list endpoint is loosely typed; encoding/json matches keys
// case-insensitively, which covers both "reportId" and "ReportId".
type Report struct {
	ReportID    JobID     `json:"reportId"`
	ID          JobID     `json:"id,omitempty"`
	PokemonType string    `json:"pokemon_type,omitempty"`
	SampleSize  *int      `json:"sampleSize,omitempty"`
	Status      JobStatus `json:"status"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   string    `json:"created_at,omitempty"`
	UpdatedAt   string    `json:"updated_at,omitempty"`
}

// Key returns the job id, preferring reportId over id.
func (r Report) Key() JobID {
	if !r.ReportID.IsZero() {
		return r.ReportID
	}
	return r.ID
}
