// Package notify sends a chat message when a report job finishes.
//
// The pipeline is queue + single worker + token-bucket rate limit + retry +
// per-(job, status) dedup. It never blocks the event dispatcher.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"reportpulse/internal/eventbus"
	"reportpulse/internal/model"
	"reportpulse/internal/runtime/supervisor"
	"reportpulse/internal/storage"
	logx "reportpulse/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Sender delivers one rendered message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Config controls the notification pipeline.
type Config struct {
	Enabled         bool
	QueueSize       int
	RatePerSec      float64
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	// PersistDedup stores dedup deadlines so a restart does not resend.
	PersistDedup bool
	// Statuses that produce a message. Empty means completed and failed.
	Statuses []model.JobStatus
}

// Message is one queued notification.
type Message struct {
	ReportID model.JobID
	Status   model.JobStatus
	Text     string
}

func (m Message) dedupKey() string {
	if m.ReportID.IsZero() {
		return ""
	}
	return "notify:" + m.ReportID.String() + ":" + string(m.Status)
}

type Stats struct {
	Queued  uint64 `json:"queued"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Deduped uint64 `json:"deduped"`
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Notifier is safe for concurrent use.
type Notifier struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	store  storage.Store
	cfg    Config
	want   map[model.JobStatus]bool

	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Message
	persistCh chan dedupWrite
	sup       *supervisor.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	queued, sent, failed, dropped, deduped atomic.Uint64
}

// New builds a notifier. store may be nil.
func New(cfg Config, sender Sender, store storage.Store, log logx.Logger) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if len(cfg.Statuses) == 0 {
		cfg.Statuses = []model.JobStatus{model.StatusCompleted, model.StatusFailed}
	}
	want := map[model.JobStatus]bool{}
	for _, s := range cfg.Statuses {
		want[s] = true
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Notifier{
		log:     log.With(logx.String("comp", "notify")),
		sender:  sender,
		store:   store,
		cfg:     cfg,
		want:    want,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		dedup:   map[string]time.Time{},
	}
}

func (n *Notifier) Enabled() bool { return n.cfg.Enabled && n.sender != nil }

// Attach turns matching progress_update envelopes into messages.
func (n *Notifier) Attach(bus eventbus.Subscriber) (detach func()) {
	return eventbus.On(bus, eventbus.KindProgressUpdate, func(data json.RawMessage) {
		p, err := model.DecodeProgressUpdate(data)
		if err != nil || !n.want[p.Status] {
			return
		}
		err = n.Notify(context.Background(), Message{ReportID: p.ReportID, Status: p.Status, Text: Render(p)})
		switch {
		case err == nil, errors.Is(err, ErrDisabled), errors.Is(err, ErrStopped):
		default:
			n.log.Warn("notification not queued", logx.String("report_id", p.ReportID.String()), logx.Err(err))
		}
	})
}

// Start launches the worker. It is a no-op when disabled or already running.
func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.queue != nil || !n.Enabled() {
		return
	}
	n.queue = make(chan Message, n.cfg.QueueSize)
	n.accepting = true
	if n.cfg.PersistDedup && n.store != nil {
		n.persistCh = make(chan dedupWrite, 256)
	}
	n.sup = supervisor.New(ctx, supervisor.WithLogger(n.log))

	q, pch, st := n.queue, n.persistCh, n.store
	if pch != nil {
		n.sup.GoRestart("notify.persist", func(c context.Context) error {
			persistLoop(c, pch, st)
			return c.Err()
		}, supervisor.WithPublishFirstError(true))
	}
	n.sup.GoRestart("notify.worker", func(c context.Context) error {
		n.workerLoop(c, q)
		return c.Err()
	}, supervisor.WithPublishFirstError(true))
	n.log.Info("notifier started", logx.Int("queue", n.cfg.QueueSize))
}

// Stop stops intake and drains the queue until ctx expires.
func (n *Notifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	q, pch, sup := n.queue, n.persistCh, n.sup
	if q == nil {
		n.mu.Unlock()
		return nil
	}
	n.accepting = false
	n.queue, n.persistCh, n.sup = nil, nil, nil
	n.mu.Unlock()

	// In-flight Notify calls finish before the queue closes.
	n.sendWG.Wait()
	close(q)
	if pch != nil {
		close(pch)
	}
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		return err
	}
	sup.Cancel()
	return nil
}

// Notify queues m without blocking. Duplicates inside the dedup window are
// accepted and silently skipped.
func (n *Notifier) Notify(ctx context.Context, m Message) error {
	if !n.Enabled() {
		return ErrDisabled
	}
	n.mu.Lock()
	if !n.accepting || n.queue == nil {
		n.mu.Unlock()
		return ErrStopped
	}
	q, pch := n.queue, n.persistCh
	n.sendWG.Add(1)
	n.mu.Unlock()
	defer n.sendWG.Done()

	if key := m.dedupKey(); n.cfg.DedupWindow > 0 && key != "" {
		if !n.dedupAllow(ctx, key, pch) {
			n.deduped.Add(1)
			return nil
		}
	}

	select {
	case q <- m:
		n.queued.Add(1)
		return nil
	default:
		n.dropped.Add(1)
		return ErrQueueFull
	}
}

func (n *Notifier) Stats() Stats {
	return Stats{
		Queued:  n.queued.Load(),
		Sent:    n.sent.Load(),
		Failed:  n.failed.Load(),
		Dropped: n.dropped.Load(),
		Deduped: n.deduped.Load(),
	}
}

func (n *Notifier) workerLoop(ctx context.Context, q <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-q:
			if !ok {
				return
			}
			n.sendWithRetry(ctx, m)
		}
	}
}

func (n *Notifier) sendWithRetry(ctx context.Context, m Message) {
	attempts := 1 + n.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := n.limiter.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := n.sender.Send(callCtx, m.Text)
		cancel()
		if err == nil {
			n.sent.Add(1)
			n.log.Debug("notification sent", logx.String("report_id", m.ReportID.String()), logx.String("status", string(m.Status)))
			return
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(n.cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	n.failed.Add(1)
	n.log.Warn("notification failed", logx.String("report_id", m.ReportID.String()), logx.Int("attempts", attempts), logx.Err(lastErr))
}

func (n *Notifier) dedupAllow(ctx context.Context, key string, pch chan dedupWrite) bool {
	now := time.Now()

	n.dmu.Lock()
	if until, ok := n.dedup[key]; ok && now.Before(until) {
		n.dmu.Unlock()
		return false
	}
	n.dmu.Unlock()

	// Persistent check survives restarts; best-effort.
	if n.cfg.PersistDedup && n.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := n.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			n.dmu.Lock()
			n.dedup[key] = until
			n.dmu.Unlock()
			return false
		}
	}

	until := now.Add(n.cfg.DedupWindow)
	n.dmu.Lock()
	n.dedup[key] = until
	for k, u := range n.dedup {
		if !now.Before(u) {
			delete(n.dedup, k)
		}
	}
	for len(n.dedup) > n.cfg.DedupMaxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range n.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(n.dedup, minKey)
	}
	n.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			_ = st.PutDedup(cctx, w.key, w.until)
			cancel()
		}
	}
}

// retryDelay is base * 2^(attempt-1) with 0.7..1.3 jitter, capped.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

// Render formats the message for a finished job.
func Render(p model.ProgressUpdate) string {
	switch p.Status {
	case model.StatusCompleted:
		if p.Message != "" {
			return fmt.Sprintf("✅ Report %s completed\n%s", p.ReportID, p.Message)
		}
		return fmt.Sprintf("✅ Report %s completed", p.ReportID)
	case model.StatusFailed:
		if p.Message != "" {
			return fmt.Sprintf("❌ Report %s failed: %s", p.ReportID, p.Message)
		}
		return fmt.Sprintf("❌ Report %s failed", p.ReportID)
	default:
		return fmt.Sprintf("Report %s is %s (%d%%)", p.ReportID, p.Status, p.Progress)
	}
}

// Supervisor returns the worker supervisor (nil if not started).
func (n *Notifier) Supervisor() *supervisor.Supervisor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sup
}
