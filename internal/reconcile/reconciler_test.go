package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reportpulse/internal/eventbus"
	"reportpulse/internal/model"
	"reportpulse/internal/stream"
	logx "reportpulse/pkg/logx"
)

type fakeLister struct {
	calls atomic.Int32
	err   error
}

func (f *fakeLister) List(ctx context.Context) ([]model.Report, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []model.Report{{ReportID: "42", Status: model.StatusCompleted}}, nil
}

type fakeWatcher struct {
	mu  sync.Mutex
	fns []func(stream.Status)
}

func (w *fakeWatcher) Watch(fn func(stream.Status)) func() {
	w.mu.Lock()
	w.fns = append(w.fns, fn)
	w.mu.Unlock()
	return func() {}
}

func (w *fakeWatcher) emit(st stream.Status) {
	w.mu.Lock()
	fns := append(([]func(stream.Status))(nil), w.fns...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

const debounce = 30 * time.Millisecond

func startReconciler(t *testing.T, cfg Config, l Lister) *Reconciler {
	t.Helper()
	if cfg.Debounce == 0 {
		cfg.Debounce = debounce
	}
	r, err := New(cfg, l, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r
}

func TestStartFetchesOnce(t *testing.T) {
	t.Parallel()
	l := &fakeLister{}
	r := startReconciler(t, Config{}, l)

	waitFor(t, time.Second, func() bool { return r.Reports().Fetches == 1 })
	snap := r.Reports()
	if len(snap.Reports) != 1 || snap.Reason != "startup" || snap.FetchedAt.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestBurstOfTriggersCollapses(t *testing.T) {
	t.Parallel()
	l := &fakeLister{}
	r := startReconciler(t, Config{}, l)
	waitFor(t, time.Second, func() bool { return l.calls.Load() == 1 })

	for i := 0; i < 5; i++ {
		r.Trigger("test")
	}
	waitFor(t, time.Second, func() bool { return l.calls.Load() == 2 })
	time.Sleep(3 * debounce)
	if got := l.calls.Load(); got != 2 {
		t.Fatalf("fetches = %d, want 2", got)
	}
}

func TestReportEnvelopesTriggerFetch(t *testing.T) {
	t.Parallel()
	l := &fakeLister{}
	bus := eventbus.New(logx.Nop())
	r := startReconciler(t, Config{}, l)
	detach := r.Attach(bus)
	waitFor(t, time.Second, func() bool { return l.calls.Load() == 1 })

	bus.Publish(eventbus.Envelope{Type: eventbus.KindProgressUpdate, Data: json.RawMessage(`{"reportId":1}`)})
	time.Sleep(3 * debounce)
	if got := l.calls.Load(); got != 1 {
		t.Fatalf("progress_update triggered a fetch (%d)", got)
	}

	bus.Publish(eventbus.Envelope{Type: eventbus.KindReportUpdated, Data: json.RawMessage(`{"id":1}`)})
	waitFor(t, time.Second, func() bool { return l.calls.Load() == 2 })
	if got := r.Reports().Reason; got != string(eventbus.KindReportUpdated) {
		t.Fatalf("Reason = %q", got)
	}

	detach()
	for _, k := range []eventbus.Kind{eventbus.KindReportCreated, eventbus.KindReportUpdated, eventbus.KindReportDeleted} {
		if n := bus.Count(k); n != 0 {
			t.Fatalf("%s has %d listeners after detach", k, n)
		}
	}
}

func TestReconnectTriggersFetch(t *testing.T) {
	t.Parallel()
	l := &fakeLister{}
	w := &fakeWatcher{}
	r := startReconciler(t, Config{}, l)
	r.WatchStream(w)
	waitFor(t, time.Second, func() bool { return l.calls.Load() == 1 })

	w.emit(stream.StatusConnecting)
	w.emit(stream.StatusConnected)
	time.Sleep(3 * debounce)
	if got := l.calls.Load(); got != 1 {
		t.Fatalf("first connect triggered a fetch (%d)", got)
	}

	w.emit(stream.StatusError)
	w.emit(stream.StatusReconnecting)
	w.emit(stream.StatusConnecting)
	w.emit(stream.StatusConnected)
	waitFor(t, time.Second, func() bool { return l.calls.Load() == 2 })
}

func TestFetchFailureIsRecorded(t *testing.T) {
	t.Parallel()
	l := &fakeLister{err: errors.New("connection refused")}
	r := startReconciler(t, Config{}, l)

	waitFor(t, time.Second, func() bool { return r.Reports().Failures == 1 })
	if snap := r.Reports(); snap.LastError == "" || snap.Reports != nil {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestScheduleTriggersFetch(t *testing.T) {
	t.Parallel()
	l := &fakeLister{}
	startReconciler(t, Config{Schedule: "@every 1s"}, l)

	waitFor(t, 3*time.Second, func() bool { return l.calls.Load() >= 2 })
}

func TestInvalidSchedule(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Schedule: "every tuesday"}, &fakeLister{}, logx.Nop()); err == nil {
		t.Fatal("New accepted an invalid schedule")
	}
}
