// Package progress keeps the latest known progress of every report job,
// built from the envelopes published on the event bus.
package progress

import (
	"encoding/json"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"reportpulse/internal/eventbus"
	"reportpulse/internal/model"
	logx "reportpulse/pkg/logx"
)

const (
	DefaultRetention = 5 * time.Second
	QueuedMessage    = "Report queued for processing..."
)

// Entry is the snapshot of one job.
type Entry struct {
	ReportID   model.JobID     `json:"reportId"`
	Status     model.JobStatus `json:"status"`
	Message    string          `json:"message"`
	Percent    int             `json:"progress"`
	ObservedAt time.Time       `json:"timestamp"`
}

type ChangeKind string

const (
	ChangeUpsert ChangeKind = "upsert"
	ChangeEvict  ChangeKind = "evict"
	ChangeDelete ChangeKind = "delete"
	ChangeClear  ChangeKind = "clear"
)

// Change describes one mutation of the table. Entry is set for upserts and
// holds the removed snapshot otherwise.
type Change struct {
	Kind  ChangeKind `json:"kind"`
	Entry Entry      `json:"entry"`
}

type Config struct {
	// Retention is how long a completed or failed entry stays visible.
	Retention time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

type slot struct {
	entry Entry
	timer *time.Timer
	token uint64
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	log       logx.Logger
	retention time.Duration
	now       func() time.Time

	mu       sync.RWMutex
	entries  map[model.JobID]*slot
	tokens   uint64
	closed   bool
	detach   []func()
	obsSeq   uint64
	obs      map[uint64]func(Change)
	// pending holds changes in mutation order until one caller delivers them.
	pending  []Change
	flushing bool
	dropped  atomic.Uint64
	evicted  atomic.Uint64
	received atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Aggregator {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Aggregator{
		log:       log.With(logx.String("comp", "progress")),
		retention: cfg.Retention,
		now:       cfg.Now,
		entries:   map[model.JobID]*slot{},
		obs:       map[uint64]func(Change){},
	}
}

// Attach subscribes the aggregator to bus. The returned func detaches it.
// report_updated is deliberately not handled here.
func (a *Aggregator) Attach(bus eventbus.Subscriber) (detach func()) {
	unsubs := []func(){
		eventbus.On(bus, eventbus.KindProgressUpdate, a.HandleProgress),
		eventbus.On(bus, eventbus.KindReportCreated, a.HandleCreated),
		eventbus.On(bus, eventbus.KindReportDeleted, a.HandleDeleted),
	}
	a.mu.Lock()
	a.detach = append(a.detach, unsubs...)
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
		})
	}
}

// HandleProgress applies a progress_update payload. Last write wins.
func (a *Aggregator) HandleProgress(data json.RawMessage) {
	a.received.Add(1)
	p, err := model.DecodeProgressUpdate(data)
	if err != nil {
		a.drop(eventbus.KindProgressUpdate, err)
		return
	}
	if !p.Status.Known() {
		a.log.Debug("unknown job status", logx.String("report_id", p.ReportID.String()), logx.String("status", string(p.Status)))
	}

	now := a.now()
	e := Entry{
		ReportID:   p.ReportID,
		Status:     p.Status,
		Message:    p.Message,
		Percent:    clampPercent(p.Progress),
		ObservedAt: p.ObservedAt(now),
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	s := a.entries[e.ReportID]
	if s == nil {
		s = &slot{}
		a.entries[e.ReportID] = s
	}
	stopTimer(s)
	s.entry = e
	if e.Status.Terminal() {
		a.tokens++
		token := a.tokens
		s.token = token
		id := e.ReportID
		s.timer = time.AfterFunc(a.retention, func() { a.evict(id, token) })
	}
	a.queueLocked(Change{Kind: ChangeUpsert, Entry: e})
	a.mu.Unlock()

	a.flush()
}

// HandleCreated seeds a "sent" entry for every new job that has none yet.
func (a *Aggregator) HandleCreated(data json.RawMessage) {
	a.received.Add(1)
	refs, err := model.DecodeReportRefs(data)
	if err != nil {
		a.drop(eventbus.KindReportCreated, err)
		return
	}
	if len(refs) == 0 {
		a.drop(eventbus.KindReportCreated, model.ErrMissingJobID)
		return
	}

	now := a.now()
	missing := 0
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	for _, ref := range refs {
		if ref.ID.IsZero() {
			missing++
			continue
		}
		if _, ok := a.entries[ref.ID]; ok {
			continue
		}
		e := Entry{
			ReportID:   ref.ID,
			Status:     model.StatusSent,
			Message:    QueuedMessage,
			Percent:    0,
			ObservedAt: now,
		}
		a.entries[ref.ID] = &slot{entry: e}
		a.queueLocked(Change{Kind: ChangeUpsert, Entry: e})
	}
	a.mu.Unlock()

	for i := 0; i < missing; i++ {
		a.drop(eventbus.KindReportCreated, model.ErrMissingJobID)
	}
	a.flush()
}

// HandleDeleted removes the job immediately and cancels its eviction.
func (a *Aggregator) HandleDeleted(data json.RawMessage) {
	a.received.Add(1)
	ref, err := model.DecodeReportRef(data)
	if err != nil {
		a.drop(eventbus.KindReportDeleted, err)
		return
	}
	a.remove(ref.ID, ChangeDelete)
}

// Clear removes a job on behalf of a consumer. It reports whether the job
// was present.
func (a *Aggregator) Clear(id model.JobID) bool {
	return a.remove(id, ChangeClear)
}

// Get returns the snapshot for id. Never-seen and evicted jobs look the same.
func (a *Aggregator) Get(id model.JobID) (Entry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.entries[id]
	if !ok {
		return Entry{}, false
	}
	return s.entry, true
}

// List returns a copy of every entry ordered by job id.
func (a *Aggregator) List() []Entry {
	a.mu.RLock()
	out := make([]Entry, 0, len(a.entries))
	for _, s := range a.entries {
		out = append(out, s.entry)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ReportID, out[j].ReportID) })
	return out
}

func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// OnChange registers fn for every table mutation. Changes arrive in the
// order they were applied, on whichever goroutine is delivering at the time.
// fn runs outside the aggregator lock; a panic in fn is logged and swallowed.
func (a *Aggregator) OnChange(fn func(Change)) (remove func()) {
	if fn == nil {
		return func() {}
	}
	a.mu.Lock()
	a.obsSeq++
	id := a.obsSeq
	a.obs[id] = fn
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.obs, id)
			a.mu.Unlock()
		})
	}
}

type Stats struct {
	Entries  int    `json:"entries"`
	Received uint64 `json:"received"`
	Dropped  uint64 `json:"dropped"`
	Evicted  uint64 `json:"evicted"`
}

func (a *Aggregator) Stats() Stats {
	return Stats{
		Entries:  a.Len(),
		Received: a.received.Load(),
		Dropped:  a.dropped.Load(),
		Evicted:  a.evicted.Load(),
	}
}

// Close detaches from the bus, cancels every eviction timer and empties the
// table. Later payloads are ignored.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	detach := a.detach
	a.detach = nil
	for id, s := range a.entries {
		stopTimer(s)
		delete(a.entries, id)
	}
	a.obs = map[uint64]func(Change){}
	a.pending = nil
	a.mu.Unlock()

	for _, d := range detach {
		d()
	}
}

func (a *Aggregator) evict(id model.JobID, token uint64) {
	a.mu.Lock()
	s, ok := a.entries[id]
	if !ok || s.token != token || s.timer == nil {
		// Deleted, cleared or superseded since the timer was armed.
		a.mu.Unlock()
		return
	}
	delete(a.entries, id)
	a.queueLocked(Change{Kind: ChangeEvict, Entry: s.entry})
	a.mu.Unlock()

	a.evicted.Add(1)
	a.log.Debug("evicted finished job", logx.String("report_id", id.String()), logx.String("status", string(s.entry.Status)))
	a.flush()
}

func (a *Aggregator) remove(id model.JobID, kind ChangeKind) bool {
	a.mu.Lock()
	s, ok := a.entries[id]
	if ok {
		stopTimer(s)
		delete(a.entries, id)
		a.queueLocked(Change{Kind: kind, Entry: s.entry})
	}
	a.mu.Unlock()

	if !ok {
		return false
	}
	a.flush()
	return true
}

func (a *Aggregator) drop(kind eventbus.Kind, err error) {
	a.dropped.Add(1)
	a.log.Warn("dropping malformed payload", logx.String("type", string(kind)), logx.Err(err))
}

func (a *Aggregator) queueLocked(c Change) {
	if len(a.obs) > 0 {
		a.pending = append(a.pending, c)
	}
}

// flush delivers pending changes in the order they were queued. Only one
// goroutine delivers at a time; a concurrent caller leaves its changes to the
// one already flushing, so an observer never sees an evict before the upsert
// that preceded it in the table.
func (a *Aggregator) flush() {
	a.mu.Lock()
	if a.flushing {
		a.mu.Unlock()
		return
	}
	a.flushing = true
	for {
		batch := a.pending
		a.pending = nil
		if len(batch) == 0 {
			a.flushing = false
			a.mu.Unlock()
			return
		}
		fns := a.observersLocked()
		a.mu.Unlock()

		for _, c := range batch {
			for _, fn := range fns {
				a.safeCall(fn, c)
			}
		}
		a.mu.Lock()
	}
}

func (a *Aggregator) observersLocked() []func(Change) {
	ids := make([]uint64, 0, len(a.obs))
	for id := range a.obs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, a.obs[id])
	}
	return fns
}

func (a *Aggregator) safeCall(fn func(Change), c Change) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("change observer panicked",
				logx.String("kind", string(c.Kind)),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	fn(c)
}

func stopTimer(s *slot) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.token = 0
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// lessID orders numeric ids numerically and everything else lexically.
func lessID(a, b model.JobID) bool {
	as, bs := a.String(), b.String()
	if isDigits(as) && isDigits(bs) && len(as) != len(bs) {
		return len(as) < len(bs)
	}
	return as < bs
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
