package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"reportpulse/internal/eventbus"
	"reportpulse/internal/model"
	"reportpulse/internal/progress"
	"reportpulse/internal/reconcile"
	"reportpulse/internal/runtime/supervisor"
	"reportpulse/internal/storage"
	"reportpulse/internal/stream"
	logx "reportpulse/pkg/logx"
)

type fakeConn struct{ st stream.Stats }

func (f fakeConn) Stats() stream.Stats { return f.st }

type fakeProgress struct{ entries []progress.Entry }

func (f fakeProgress) List() []progress.Entry { return f.entries }
func (f fakeProgress) Get(id model.JobID) (progress.Entry, bool) {
	for _, e := range f.entries {
		if e.ReportID == id {
			return e, true
		}
	}
	return progress.Entry{}, false
}
func (f fakeProgress) Stats() progress.Stats { return progress.Stats{Entries: len(f.entries)} }

type fakeReports struct{ snap reconcile.Snapshot }

func (f fakeReports) Reports() reconcile.Snapshot { return f.snap }

type fakeHistory struct {
	out       []storage.Outcome
	err       error
	lastLimit int
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]storage.Outcome, error) {
	f.lastLimit = limit
	return f.out, f.err
}

func newTestServer(t *testing.T, cfg Config, deps Deps) *Server {
	t.Helper()
	if deps.Connection == nil {
		deps.Connection = fakeConn{st: stream.Stats{URL: "http://backend/events", Status: stream.StatusConnected, Reconnects: 2}}
	}
	if deps.Progress == nil {
		deps.Progress = fakeProgress{entries: []progress.Entry{
			{ReportID: "7", Status: model.StatusInProgress, Message: "Crunching", Percent: 40},
			{ReportID: "42", Status: model.StatusCompleted, Message: "Done", Percent: 100},
		}}
	}
	return New(cfg, deps, logx.Nop())
}

func do(t *testing.T, s *Server, target string, header ...string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := s.App().Test(req, 2000)
	if err != nil {
		t.Fatalf("GET %s: %v", target, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var body map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("GET %s: decode %q: %v", target, raw, err)
		}
	}
	return resp.StatusCode, body
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestEndpoints(t *testing.T) {
	t.Parallel()
	hist := &fakeHistory{out: []storage.Outcome{{ReportID: "42", Status: model.StatusCompleted}}}
	s := newTestServer(t, Config{}, Deps{
		Reports: fakeReports{snap: reconcile.Snapshot{Reports: []model.Report{{ReportID: "42", Status: "completed"}}, Fetches: 3}},
		History: hist,
		Bus:     eventbus.New(logx.Nop()),
		Runtime: func() map[string]supervisor.Snapshot {
			return map[string]supervisor.Snapshot{"stream": {Active: 1}}
		},
	})

	tests := []struct {
		name   string
		target string
		status int
		check  func(t *testing.T, body map[string]any)
	}{
		{"health", "/healthz", 200, func(t *testing.T, b map[string]any) {
			if b["status"] != "ok" || b["connection"] != "connected" {
				t.Fatalf("body = %v", b)
			}
		}},
		{"connection", "/api/v1/connection", 200, func(t *testing.T, b map[string]any) {
			if b["status"] != "connected" || b["reconnects"] != float64(2) {
				t.Fatalf("body = %v", b)
			}
		}},
		{"progress list", "/api/v1/progress", 200, func(t *testing.T, b map[string]any) {
			entries, _ := b["entries"].([]any)
			if len(entries) != 2 {
				t.Fatalf("entries = %v", b["entries"])
			}
		}},
		{"progress get", "/api/v1/progress/42", 200, func(t *testing.T, b map[string]any) {
			if b["reportId"] != "42" || b["progress"] != float64(100) {
				t.Fatalf("body = %v", b)
			}
		}},
		{"progress missing", "/api/v1/progress/999", 404, func(t *testing.T, b map[string]any) {
			if errCode(b) != CodeNotFound {
				t.Fatalf("body = %v", b)
			}
		}},
		{"reports", "/api/v1/reports", 200, func(t *testing.T, b map[string]any) {
			if rs, _ := b["reports"].([]any); len(rs) != 1 || b["fetches"] != float64(3) {
				t.Fatalf("body = %v", b)
			}
		}},
		{"history", "/api/v1/history?limit=5", 200, func(t *testing.T, b map[string]any) {
			if out, _ := b["outcomes"].([]any); len(out) != 1 || hist.lastLimit != 5 {
				t.Fatalf("body = %v limit = %d", b, hist.lastLimit)
			}
		}},
		{"history bad limit", "/api/v1/history?limit=x", 400, func(t *testing.T, b map[string]any) {
			if errCode(b) != CodeBadRequest {
				t.Fatalf("body = %v", b)
			}
		}},
		{"runtime", "/api/v1/runtime", 200, func(t *testing.T, b map[string]any) {
			sups, _ := b["supervisors"].(map[string]any)
			if _, ok := sups["stream"]; !ok {
				t.Fatalf("supervisors = %v", b["supervisors"])
			}
			if _, ok := b["bus"]; !ok {
				t.Fatalf("bus stats missing: %v", b)
			}
		}},
		{"unknown route", "/nope", 404, func(t *testing.T, b map[string]any) {
			if errCode(b) != CodeNotFound {
				t.Fatalf("body = %v", b)
			}
		}},
	}
	// Subtests share one app and the history fake; keep them sequential.
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, s, tt.target)
			if status != tt.status {
				t.Fatalf("status = %d, want %d (body %v)", status, tt.status, body)
			}
			tt.check(t, body)
		})
	}
}

func TestOptionalSourcesAnswer503(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{}, Deps{})
	for _, target := range []string{"/api/v1/reports", "/api/v1/history"} {
		status, body := do(t, s, target)
		if status != http.StatusServiceUnavailable || errCode(body) != CodeUnavailable {
			t.Fatalf("GET %s = %d %v", target, status, body)
		}
	}
}

func TestHistoryErrors(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{}, Deps{History: &fakeHistory{err: errors.New("disk gone")}})
	if status, body := do(t, s, "/api/v1/history"); status != 500 || errCode(body) != CodeServiceError {
		t.Fatalf("status = %d body = %v", status, body)
	}
}

func TestWebsocketRouteRequiresUpgrade(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{Relay: RelayConfig{Enabled: true}}, Deps{Bus: eventbus.New(logx.Nop())})
	if status, _ := do(t, s, "/ws"); status != http.StatusUpgradeRequired {
		t.Fatalf("GET /ws = %d, want 426", status)
	}

	// Without a relay the route does not exist.
	s = newTestServer(t, Config{}, Deps{})
	if status, _ := do(t, s, "/ws"); status != http.StatusNotFound {
		t.Fatalf("GET /ws without relay = %d, want 404", status)
	}
}

func TestPprofToken(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{Pprof: PprofConfig{Enabled: true, Token: "s3cret"}}, Deps{})

	if status, _ := do(t, s, "/debug/pprof/cmdline"); status != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", status)
	}
	if status, _ := do(t, s, "/debug/pprof/cmdline?token=nope"); status != http.StatusUnauthorized {
		t.Fatalf("bad token = %d, want 401", status)
	}
	if status, _ := do(t, s, "/debug/pprof/cmdline?token=s3cret"); status != http.StatusOK {
		t.Fatalf("query token = %d, want 200", status)
	}
	if status, _ := do(t, s, "/debug/pprof/cmdline", "Authorization", "Bearer s3cret"); status != http.StatusOK {
		t.Fatalf("bearer token = %d, want 200", status)
	}
}

func TestPprofRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{Addr: "0.0.0.0:0", Pprof: PprofConfig{Enabled: true}}, Deps{})
	if status, _ := do(t, s, "/debug/pprof/cmdline"); status != http.StatusNotFound {
		t.Fatalf("pprof on public addr = %d, want 404", status)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:8089": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":8089":          false,
		"0.0.0.0:80":     false,
		"10.0.0.1:80":    false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{Addr: "127.0.0.1:0"}, Deps{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("Addr empty after Start")
	}

	var resp *http.Response
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get("http://" + addr + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Addr() != "" {
		t.Fatal("Addr set after Stop")
	}
}
