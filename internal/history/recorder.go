// Package history journals finished jobs to storage.
package history

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"reportpulse/internal/eventbus"
	"reportpulse/internal/model"
	"reportpulse/internal/runtime/supervisor"
	"reportpulse/internal/storage"
	logx "reportpulse/pkg/logx"
)

var ErrDisabled = errors.New("history disabled")

type Config struct {
	QueueSize int
	// DedupWindow skips a repeated (job, status) outcome seen this recently.
	DedupWindow time.Duration
}

// Recorder writes one storage.Outcome per completed or failed job.
// Envelopes are queued without blocking; a supervised worker does the I/O.
type Recorder struct {
	store storage.Store
	log   logx.Logger
	cfg   Config

	mu    sync.Mutex
	queue chan storage.Outcome
	sup   *supervisor.Supervisor
	seen  map[string]time.Time

	written, dropped, skipped atomic.Uint64
}

// New returns a recorder. A nil store yields a recorder that ignores input.
func New(cfg Config, store storage.Store, log logx.Logger) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{
		store: store,
		log:   log.With(logx.String("comp", "history")),
		cfg:   cfg,
		seen:  map[string]time.Time{},
	}
}

func (r *Recorder) Attach(bus eventbus.Subscriber) (detach func()) {
	return bus.Subscribe(eventbus.KindProgressUpdate, r.handle)
}

func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store == nil || r.queue != nil {
		return
	}
	r.queue = make(chan storage.Outcome, r.cfg.QueueSize)
	r.sup = supervisor.New(ctx, supervisor.WithLogger(r.log))
	q := r.queue
	r.sup.GoRestart("history.writer", func(c context.Context) error {
		r.writeLoop(c, q)
		return c.Err()
	}, supervisor.WithPublishFirstError(true))
}

// Stop closes intake and waits for queued outcomes to be written.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	q, sup := r.queue, r.sup
	r.queue, r.sup = nil, nil
	r.mu.Unlock()
	if q == nil {
		return nil
	}
	close(q)
	err := sup.Wait(ctx)
	sup.Cancel()
	return err
}

// Recent returns up to limit outcomes, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]storage.Outcome, error) {
	if r.store == nil {
		return nil, ErrDisabled
	}
	return r.store.RecentOutcomes(ctx, limit)
}

type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Skipped uint64 `json:"skipped"`
}

func (r *Recorder) Stats() Stats {
	return Stats{Written: r.written.Load(), Dropped: r.dropped.Load(), Skipped: r.skipped.Load()}
}

func (r *Recorder) handle(env eventbus.Envelope) {
	p, err := model.DecodeProgressUpdate(env.Data)
	if err != nil || !p.Status.Terminal() {
		return
	}
	now := time.Now()
	key := p.ReportID.String() + ":" + string(p.Status)

	// The lock also orders the send against Stop closing the queue.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue == nil {
		return
	}
	if until, ok := r.seen[key]; ok && now.Before(until) {
		r.skipped.Add(1)
		return
	}
	r.seen[key] = now.Add(r.cfg.DedupWindow)
	for k, until := range r.seen {
		if !now.Before(until) {
			delete(r.seen, k)
		}
	}

	o := storage.Outcome{
		At:         now,
		ReportID:   p.ReportID,
		Status:     p.Status,
		Message:    p.Message,
		Percent:    p.Progress,
		ObservedAt: p.ObservedAt(now),
		EventID:    env.ID,
	}
	select {
	case r.queue <- o:
	default:
		r.dropped.Add(1)
		r.log.Warn("history queue full; outcome dropped", logx.String("report_id", p.ReportID.String()))
	}
}

func (r *Recorder) writeLoop(ctx context.Context, q <-chan storage.Outcome) {
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-q:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := r.store.AppendOutcome(wctx, o)
			cancel()
			if err != nil {
				r.log.Warn("outcome write failed", logx.String("report_id", o.ReportID.String()), logx.Err(err))
				continue
			}
			r.written.Add(1)
		}
	}
}

// Supervisor returns the writer supervisor (nil if not started).
func (r *Recorder) Supervisor() *supervisor.Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sup
}
