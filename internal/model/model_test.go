package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestJobIDUnmarshal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want JobID
	}{
		{`42`, "42"},
		{`"42"`, "42"},
		{`" 42 "`, "42"},
		{`42.0`, "42"},
		{`4.5`, "4.5"},
		{`null`, ""},
		{`"abc-1"`, "abc-1"},
	}
	for _, tt := range tests {
		var id JobID
		if err := json.Unmarshal([]byte(tt.in), &id); err != nil {
			t.Fatalf("Unmarshal(%s): %v", tt.in, err)
		}
		if id != tt.want {
			t.Fatalf("Unmarshal(%s) = %q, want %q", tt.in, id, tt.want)
		}
	}
	var id JobID
	if err := json.Unmarshal([]byte(`true`), &id); err == nil {
		t.Fatal("accepted a bool id")
	}
	b, _ := json.Marshal(JobID("7"))
	if string(b) != `"7"` {
		t.Fatalf("Marshal = %s", b)
	}
}

func TestJobStatus(t *testing.T) {
	t.Parallel()
	for _, s := range []JobStatus{StatusCompleted, StatusFailed} {
		if !s.Terminal() || !s.Known() {
			t.Fatalf("%s should be known and terminal", s)
		}
	}
	for _, s := range []JobStatus{StatusQueued, StatusSent, StatusInProgress} {
		if s.Terminal() || !s.Known() {
			t.Fatalf("%s should be known and not terminal", s)
		}
	}
	if JobStatus("paused").Known() {
		t.Fatal("unknown status reported known")
	}
}

func TestDecodeProgressUpdate(t *testing.T) {
	t.Parallel()
	p, err := DecodeProgressUpdate(json.RawMessage(`{"reportId":3,"status":"inprogress","progress":55,"message":"half"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.ReportID != "3" || p.Status != StatusInProgress || p.Progress != 55 || p.Message != "half" {
		t.Fatalf("p = %+v", p)
	}
	if _, err := DecodeProgressUpdate(json.RawMessage(`{"status":"queued"}`)); !errors.Is(err, ErrMissingJobID) {
		t.Fatalf("missing id error = %v", err)
	}
	if _, err := DecodeProgressUpdate(json.RawMessage(`[1]`)); err == nil {
		t.Fatal("accepted an array")
	}
}

func TestProgressUpdateNumberForms(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want int
	}{
		{raw: `100`, want: 100},
		{raw: `100.0`, want: 100},
		{raw: `42.6`, want: 43},
		{raw: `1e2`, want: 100},
		{raw: `"75"`, want: 75},
		{raw: `"12.4"`, want: 12},
		{raw: `null`, want: 0},
		{raw: `"half"`, want: 0},
		{raw: `true`, want: 0},
		{raw: `1e300`, want: 1000},
	}
	for _, tt := range tests {
		data := `{"reportId":5,"status":"completed","progress":` + tt.raw + `}`
		p, err := DecodeProgressUpdate(json.RawMessage(data))
		if err != nil {
			t.Fatalf("Decode(%s): %v", tt.raw, err)
		}
		if p.Progress != tt.want || p.Status != StatusCompleted || p.ReportID != "5" {
			t.Fatalf("Decode(%s) = %+v, want progress %d", tt.raw, p, tt.want)
		}
	}

	p, err := DecodeProgressUpdate(json.RawMessage(`{"reportId":5,"status":"queued"}`))
	if err != nil || p.Progress != 0 {
		t.Fatalf("missing progress: %+v, %v", p, err)
	}
}

func TestObservedAt(t *testing.T) {
	t.Parallel()
	fallback := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		ts   string
		want time.Time
	}{
		{"", fallback},
		{"garbage", fallback},
		{"2024-05-06T07:08:09Z", time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)},
		{"2024-05-06T07:08:09.5", time.Date(2024, 5, 6, 7, 8, 9, 5e8, time.UTC)},
		{"2024-05-06 07:08:09", time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := (ProgressUpdate{Timestamp: tt.ts}).ObservedAt(fallback); !got.Equal(tt.want) {
			t.Fatalf("ObservedAt(%q) = %v, want %v", tt.ts, got, tt.want)
		}
	}
}

func TestDecodeReportRefs(t *testing.T) {
	t.Parallel()
	refs, err := DecodeReportRefs(json.RawMessage(`[{"id":1},{"id":"2"}]`))
	if err != nil || len(refs) != 2 || refs[0].ID != "1" || refs[1].ID != "2" {
		t.Fatalf("array = %+v, %v", refs, err)
	}
	refs, err = DecodeReportRefs(json.RawMessage(` {"id":9}`))
	if err != nil || len(refs) != 1 || refs[0].ID != "9" {
		t.Fatalf("object = %+v, %v", refs, err)
	}
	if _, err := DecodeReportRefs(json.RawMessage(`{}`)); !errors.Is(err, ErrMissingJobID) {
		t.Fatalf("empty object error = %v", err)
	}
	if _, err := DecodeReportRef(json.RawMessage(`{"id":null}`)); !errors.Is(err, ErrMissingJobID) {
		t.Fatalf("null id error = %v", err)
	}
}

func TestReportKey(t *testing.T) {
	t.Parallel()
	if k := (Report{ReportID: "5", ID: "6"}).Key(); k != "5" {
		t.Fatalf("Key = %q", k)
	}
	if k := (Report{ID: "6"}).Key(); k != "6" {
		t.Fatalf("Key = %q", k)
	}
}
