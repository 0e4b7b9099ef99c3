package progress

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"reportpulse/internal/eventbus"
	"reportpulse/internal/model"
	logx "reportpulse/pkg/logx"
)

const testRetention = 80 * time.Millisecond

func newTestAggregator(t *testing.T) (*Aggregator, *eventbus.Dispatcher) {
	t.Helper()
	bus := eventbus.New(logx.Nop())
	a := New(Config{Retention: testRetention}, logx.Nop())
	a.Attach(bus)
	t.Cleanup(a.Close)
	return a, bus
}

func publish(bus eventbus.Bus, kind eventbus.Kind, data string) {
	bus.Publish(eventbus.Envelope{Type: kind, Data: json.RawMessage(data)})
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

func TestJobLifecycleEndsWithEviction(t *testing.T) {
	t.Parallel()
	a, bus := newTestAggregator(t)

	publish(bus, eventbus.KindReportCreated, `[{"id":42}]`)
	e, ok := a.Get("42")
	if !ok || e.Status != model.StatusSent || e.Percent != 0 || e.Message != QueuedMessage {
		t.Fatalf("after created: %+v, %v", e, ok)
	}

	publish(bus, eventbus.KindProgressUpdate, `{"reportId":42,"status":"inprogress","message":"Fetching","progress":40,"timestamp":"2024-05-01T10:00:00Z"}`)
	e, _ = a.Get("42")
	if e.Status != model.StatusInProgress || e.Percent != 40 || e.Message != "Fetching" {
		t.Fatalf("after inprogress: %+v", e)
	}
	if want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC); !e.ObservedAt.Equal(want) {
		t.Fatalf("ObservedAt = %v, want %v", e.ObservedAt, want)
	}

	publish(bus, eventbus.KindProgressUpdate, `{"reportId":"42","status":"completed","message":"Done","progress":100}`)
	e, _ = a.Get("42")
	if e.Status != model.StatusCompleted || e.Percent != 100 {
		t.Fatalf("after completed: %+v", e)
	}

	time.Sleep(testRetention / 2)
	if _, ok := a.Get("42"); !ok {
		t.Fatal("entry evicted before retention elapsed")
	}
	waitFor(t, time.Second, func() bool { _, ok := a.Get("42"); return !ok })
	if got := a.Stats().Evicted; got != 1 {
		t.Fatalf("Evicted = %d, want 1", got)
	}
}

func TestDeleteBeatsPendingEviction(t *testing.T) {
	t.Parallel()
	a, bus := newTestAggregator(t)

	var mu sync.Mutex
	var kinds []ChangeKind
	a.OnChange(func(c Change) {
		mu.Lock()
		kinds = append(kinds, c.Kind)
		mu.Unlock()
	})

	publish(bus, eventbus.KindProgressUpdate, `{"reportId":7,"status":"failed","message":"boom","progress":10}`)
	time.Sleep(testRetention / 4)
	publish(bus, eventbus.KindReportDeleted, `{"id":7}`)
	if _, ok := a.Get("7"); ok {
		t.Fatal("entry survived delete")
	}

	// The cancelled timer must not produce a second removal.
	time.Sleep(2 * testRetention)
	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 2 || kinds[0] != ChangeUpsert || kinds[1] != ChangeDelete {
		t.Fatalf("changes = %v", kinds)
	}
	if got := a.Stats().Evicted; got != 0 {
		t.Fatalf("Evicted = %d, want 0", got)
	}
}

func TestLastWriteWins(t *testing.T) {
	t.Parallel()
	a, bus := newTestAggregator(t)

	publish(bus, eventbus.KindProgressUpdate, `{"reportId":1,"status":"inprogress","progress":80}`)
	publish(bus, eventbus.KindProgressUpdate, `{"reportId":1,"status":"inprogress","progress":20}`)

	e, ok := a.Get("1")
	if !ok || e.Percent != 20 {
		t.Fatalf("Get = %+v, %v; want percent 20", e, ok)
	}
}

func TestUpdateAfterTerminalCancelsEviction(t *testing.T) {
	t.Parallel()
	a, bus := newTestAggregator(t)

	publish(bus, eventbus.KindProgressUpdate, `{"reportId":3,"status":"completed","progress":100}`)
	publish(bus, eventbus.KindProgressUpdate, `{"reportId":3,"status":"inprogress","progress":5}`)

	time.Sleep(2 * testRetention)
	e, ok := a.Get("3")
	if !ok || e.Status != model.StatusInProgress {
		t.Fatalf("Get = %+v, %v; want the newer inprogress entry", e, ok)
	}
}

func TestCreatedDoesNotOverwrite(t *testing.T) {
	t.Parallel()
	a, bus := newTestAggregator(t)

	publish(bus, eventbus.KindProgressUpdate, `{"reportId":5,"status":"inprogress","progress":60}`)
	publish(bus, eventbus.KindReportCreated, `[{"id":5},{"id":6}]`)

	if e, _ := a.Get("5"); e.Status != model.StatusInProgress || e.Percent != 60 {
		t.Fatalf("existing entry overwritten: %+v", e)
	}
	if e, ok := a.Get("6"); !ok || e.Status != model.StatusSent {
		t.Fatalf("second created item = %+v, %v", e, ok)
	}
	if got := a.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
}

func TestReportUpdatedIsIgnored(t *testing.T) {
	t.Parallel()
	a, bus := newTestAggregator(t)

	publish(bus, eventbus.KindReportUpdated, `{"id":9,"status":"completed"}`)
	if got := a.Len(); got != 0 {
		t.Fatalf("Len = %d, want 0", got)
	}
	if got := bus.Count(eventbus.KindReportUpdated); got != 0 {
		t.Fatalf("aggregator subscribed to report_updated (%d listeners)", got)
	}
}

func TestMalformedPayloadsAreDropped(t *testing.T) {
	t.Parallel()
	a, bus := newTestAggregator(t)

	tests := []struct {
		kind eventbus.Kind
		data string
	}{
		{eventbus.KindProgressUpdate, `{"status":"inprogress","progress":10}`},
		{eventbus.KindProgressUpdate, `"nope"`},
		{eventbus.KindReportCreated, `[]`},
		{eventbus.KindReportCreated, `{"name":"x"}`},
		{eventbus.KindReportDeleted, `{}`},
		{eventbus.KindReportDeleted, `[1,2]`},
	}
	for _, tt := range tests {
		publish(bus, tt.kind, tt.data)
	}
	if got := a.Len(); got != 0 {
		t.Fatalf("Len = %d, want 0", got)
	}
	if got := a.Stats().Dropped; got != uint64(len(tests)) {
		t.Fatalf("Dropped = %d, want %d", got, len(tests))
	}
	if got := bus.Stats().ListenerPanics; got != 0 {
		t.Fatalf("ListenerPanics = %d, want 0", got)
	}
}

func TestPercentIsClamped(t *testing.T) {
	t.Parallel()
	a, bus := newTestAggregator(t)

	publish(bus, eventbus.KindProgressUpdate, `{"reportId":1,"status":"inprogress","progress":140}`)
	publish(bus, eventbus.KindProgressUpdate, `{"reportId":2,"status":"inprogress","progress":-3}`)

	if e, _ := a.Get("1"); e.Percent != 100 {
		t.Fatalf("percent = %d, want 100", e.Percent)
	}
	if e, _ := a.Get("2"); e.Percent != 0 {
		t.Fatalf("percent = %d, want 0", e.Percent)
	}
}

func TestListIsOrderedByJobID(t *testing.T) {
	t.Parallel()
	a, bus := newTestAggregator(t)

	publish(bus, eventbus.KindReportCreated, `[{"id":10},{"id":2},{"id":"abc"},{"id":1}]`)
	var got []string
	for _, e := range a.List() {
		got = append(got, e.ReportID.String())
	}
	want := []string{"1", "2", "10", "abc"}
	if len(got) != len(want) {
		t.Fatalf("List = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List = %v, want %v", got, want)
		}
	}
}

func TestClearAndClose(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(logx.Nop())
	a := New(Config{Retention: testRetention}, logx.Nop())
	a.Attach(bus)

	publish(bus, eventbus.KindReportCreated, `[{"id":1},{"id":2}]`)
	if !a.Clear("1") || a.Clear("1") {
		t.Fatal("Clear should report presence exactly once")
	}

	publish(bus, eventbus.KindProgressUpdate, `{"reportId":2,"status":"completed","progress":100}`)
	a.Close()
	if got := a.Len(); got != 0 {
		t.Fatalf("Len after Close = %d", got)
	}
	for _, k := range []eventbus.Kind{eventbus.KindProgressUpdate, eventbus.KindReportCreated, eventbus.KindReportDeleted} {
		if got := bus.Count(k); got != 0 {
			t.Fatalf("%s still has %d listeners after Close", k, got)
		}
	}
	publish(bus, eventbus.KindReportCreated, `[{"id":3}]`)
	time.Sleep(2 * testRetention)
	if got := a.Len(); got != 0 {
		t.Fatalf("Len = %d after Close and late events", got)
	}
}

func TestObserverPanicIsContained(t *testing.T) {
	t.Parallel()
	a, bus := newTestAggregator(t)

	var seen int
	a.OnChange(func(Change) { panic("boom") })
	remove := a.OnChange(func(Change) { seen++ })

	publish(bus, eventbus.KindReportCreated, `[{"id":1}]`)
	remove()
	publish(bus, eventbus.KindReportDeleted, `{"id":1}`)

	if seen != 1 {
		t.Fatalf("observer calls = %d, want 1", seen)
	}
}

func TestFractionalTerminalProgressStillEvicts(t *testing.T) {
	t.Parallel()
	a, bus := newTestAggregator(t)

	publish(bus, eventbus.KindProgressUpdate, `{"reportId":11,"status":"inprogress","progress":10}`)
	publish(bus, eventbus.KindProgressUpdate, `{"reportId":11,"status":"completed","message":"Done","progress":100.0}`)

	e, ok := a.Get("11")
	if !ok || e.Status != model.StatusCompleted || e.Percent != 100 {
		t.Fatalf("Get = %+v, %v; want completed at 100", e, ok)
	}
	if got := a.Stats().Dropped; got != 0 {
		t.Fatalf("Dropped = %d, want 0", got)
	}
	waitFor(t, time.Second, func() bool { _, ok := a.Get("11"); return !ok })
}

func TestCreatedItemWithoutIDIsLogged(t *testing.T) {
	t.Parallel()
	var sb strings.Builder
	bus := eventbus.New(logx.Nop())
	a := New(Config{Retention: testRetention}, logx.NewWriter(&sb, "debug"))
	a.Attach(bus)
	t.Cleanup(a.Close)

	publish(bus, eventbus.KindReportCreated, `[{"id":1},{"name":"no id"},{"id":2}]`)

	if got := a.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
	if got := a.Stats().Dropped; got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
	out := sb.String()
	if !strings.Contains(out, "dropping malformed payload") || !strings.Contains(out, `"type":"report_created"`) {
		t.Fatalf("warning not logged: %s", out)
	}
}

func TestStaleTimerLeavesRecreatedJobAlone(t *testing.T) {
	t.Parallel()
	a, bus := newTestAggregator(t)

	var mu sync.Mutex
	var kinds []ChangeKind
	a.OnChange(func(c Change) {
		mu.Lock()
		kinds = append(kinds, c.Kind)
		mu.Unlock()
	})

	publish(bus, eventbus.KindProgressUpdate, `{"reportId":21,"status":"completed","progress":100}`)
	publish(bus, eventbus.KindProgressUpdate, `{"reportId":22,"status":"failed","progress":30}`)
	a.mu.RLock()
	stale := a.entries["21"].token
	a.mu.RUnlock()

	publish(bus, eventbus.KindReportDeleted, `{"id":21}`)
	publish(bus, eventbus.KindProgressUpdate, `{"reportId":21,"status":"inprogress","message":"again","progress":5}`)

	// A timer armed before the delete fires late, for the job and for a
	// neighbour that still has a live timer of its own.
	a.evict("21", stale)
	a.evict("22", stale)

	e, ok := a.Get("21")
	if !ok || e.Status != model.StatusInProgress || e.Message != "again" {
		t.Fatalf("Get(21) = %+v, %v; want the re-created inprogress entry", e, ok)
	}
	if e, ok := a.Get("22"); !ok || e.Status != model.StatusFailed {
		t.Fatalf("Get(22) = %+v, %v; want the failed entry untouched", e, ok)
	}
	if got := a.Stats().Evicted; got != 0 {
		t.Fatalf("Evicted = %d, want 0", got)
	}

	// 22 still leaves on its own schedule; 21 is not terminal and stays.
	waitFor(t, time.Second, func() bool { _, ok := a.Get("22"); return !ok })
	time.Sleep(testRetention)
	if _, ok := a.Get("21"); !ok {
		t.Fatal("re-created entry was evicted")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []ChangeKind{ChangeUpsert, ChangeUpsert, ChangeDelete, ChangeUpsert, ChangeEvict}
	if len(kinds) != len(want) {
		t.Fatalf("changes = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("changes = %v, want %v", kinds, want)
		}
	}
}

func TestChangesArriveInTableOrder(t *testing.T) {
	t.Parallel()
	a, bus := newTestAggregator(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []Change
	a.OnChange(func(c Change) {
		mu.Lock()
		seen = append(seen, c)
		mu.Unlock()
		if c.Entry.ReportID == "2" {
			close(entered)
			<-release
		}
	})

	publish(bus, eventbus.KindProgressUpdate, `{"reportId":9,"status":"completed","progress":100}`)

	// Hold delivery on another goroutine while 9 is evicted and then updated.
	done := make(chan struct{})
	go func() {
		defer close(done)
		publish(bus, eventbus.KindProgressUpdate, `{"reportId":2,"status":"inprogress","progress":1}`)
	}()
	<-entered
	waitFor(t, time.Second, func() bool { _, ok := a.Get("9"); return !ok })
	a.HandleProgress(json.RawMessage(`{"reportId":9,"status":"inprogress","progress":3}`))
	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	var got []ChangeKind
	for _, c := range seen {
		if c.Entry.ReportID == "9" {
			got = append(got, c.Kind)
		}
	}
	want := []ChangeKind{ChangeUpsert, ChangeEvict, ChangeUpsert}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("changes for 9 = %v, want %v", got, want)
	}
	if e, ok := a.Get("9"); !ok || e.Percent != 3 {
		t.Fatalf("Get(9) = %+v, %v", e, ok)
	}
}
