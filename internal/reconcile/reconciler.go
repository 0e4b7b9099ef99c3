// Package reconcile keeps a fresh copy of the authoritative job list.
//
// The stream announces that jobs were created, updated or deleted but does
// not carry the full record, so each announcement (and every reconnect,
// and an optional cron schedule) triggers a debounced re-fetch.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"reportpulse/internal/eventbus"
	"reportpulse/internal/model"
	"reportpulse/internal/runtime/supervisor"
	"reportpulse/internal/stream"
	logx "reportpulse/pkg/logx"
)

const (
	DefaultDebounce = 500 * time.Millisecond
	DefaultTimeout  = 10 * time.Second
)

// Lister is the job-list source. *reports.Client satisfies it.
type Lister interface {
	List(ctx context.Context) ([]model.Report, error)
}

// StatusWatcher is the part of *stream.Client the reconciler needs.
type StatusWatcher interface {
	Watch(fn func(stream.Status)) (unwatch func())
}

type Config struct {
	Debounce time.Duration
	Timeout  time.Duration
	// Schedule is an optional cron spec (seconds optional, descriptors like
	// "@every 5m" allowed). Empty disables periodic fetches.
	Schedule string
	Location *time.Location
}

// Snapshot is the last fetched list.
type Snapshot struct {
	Reports   []model.Report `json:"reports"`
	FetchedAt time.Time      `json:"fetched_at,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Fetches   uint64         `json:"fetches"`
	Failures  uint64         `json:"failures"`
	LastError string         `json:"last_error,omitempty"`
}

type Reconciler struct {
	cfg    Config
	lister Lister
	log    logx.Logger
	parser cron.Parser

	kick chan string

	mu       sync.Mutex
	started  bool
	sup      *supervisor.Supervisor
	c        *cron.Cron
	detach   []func()
	snap     Snapshot
	reasons  []string
	seenOpen bool
}

func New(cfg Config, lister Lister, log logx.Logger) (*Reconciler, error) {
	if lister == nil {
		return nil, errors.New("reconcile: lister is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Reconciler{
		cfg:    cfg,
		lister: lister,
		log:    log.With(logx.String("comp", "reconcile")),
		parser: scheduleParser,
		kick:   make(chan string, 1),
	}
	if err := ValidateSchedule(cfg.Schedule); err != nil {
		return nil, err
	}
	return r, nil
}

var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec is a usable cron spec. Empty is valid.
func ValidateSchedule(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	if _, err := scheduleParser.Parse(spec); err != nil {
		return fmt.Errorf("reconcile: schedule %q: %w", spec, err)
	}
	return nil
}

// Attach triggers a re-fetch for every report_created, report_updated and
// report_deleted envelope.
func (r *Reconciler) Attach(bus eventbus.Subscriber) (detach func()) {
	var unsubs []func()
	for _, k := range []eventbus.Kind{eventbus.KindReportCreated, eventbus.KindReportUpdated, eventbus.KindReportDeleted} {
		reason := string(k)
		unsubs = append(unsubs, bus.Subscribe(k, func(eventbus.Envelope) { r.Trigger(reason) }))
	}
	return r.track(unsubs)
}

// WatchStream triggers a re-fetch each time the stream comes back after
// having been connected before; events missed while down are not replayed.
func (r *Reconciler) WatchStream(w StatusWatcher) (detach func()) {
	unwatch := w.Watch(func(st stream.Status) {
		if st != stream.StatusConnected {
			return
		}
		r.mu.Lock()
		again := r.seenOpen
		r.seenOpen = true
		r.mu.Unlock()
		if again {
			r.Trigger("reconnected")
		}
	})
	return r.track([]func(){unwatch})
}

func (r *Reconciler) track(unsubs []func()) func() {
	r.mu.Lock()
	r.detach = append(r.detach, unsubs...)
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
		})
	}
}

// Start launches the fetch worker and the cron schedule, and queues an
// initial fetch.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	r.started = true

	r.sup = supervisor.New(ctx, supervisor.WithLogger(r.log))
	r.sup.GoRestart("reconcile.worker", r.loop,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		supervisor.WithPublishFirstError(true),
	)

	if spec := strings.TrimSpace(r.cfg.Schedule); spec != "" {
		r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(r.cfg.Location))
		if _, err := r.c.AddFunc(spec, func() { r.Trigger("schedule") }); err != nil {
			return fmt.Errorf("reconcile: schedule: %w", err)
		}
		r.c.Start()
		r.log.Info("reconcile schedule active", logx.String("spec", spec))
	}

	r.queue("startup")
	return nil
}

// Trigger asks for a re-fetch. Triggers arriving within the debounce window
// collapse into one fetch.
func (r *Reconciler) Trigger(reason string) {
	r.queue(reason)
}

func (r *Reconciler) queue(reason string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	if len(r.reasons) > 32 {
		r.reasons = r.reasons[len(r.reasons)-32:]
	}
	r.mu.Unlock()
	select {
	case r.kick <- reason:
	default:
	}
}

// Reports returns a copy of the latest snapshot.
func (r *Reconciler) Reports() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.snap
	s.Reports = append([]model.Report(nil), r.snap.Reports...)
	return s
}

// Stop detaches listeners, stops the schedule and waits for the worker.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	detach := r.detach
	r.detach = nil
	c, sup := r.c, r.sup
	r.c, r.sup = nil, nil
	r.started = false
	r.mu.Unlock()

	for _, d := range detach {
		d()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (r *Reconciler) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.kick:
		}

		t := time.NewTimer(r.cfg.Debounce)
	wait:
		for {
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-r.kick:
			case <-t.C:
				break wait
			}
		}
		r.fetch(ctx)
	}
}

func (r *Reconciler) fetch(ctx context.Context) {
	r.mu.Lock()
	reason := strings.Join(dedupe(r.reasons), ",")
	r.reasons = nil
	r.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	start := time.Now()
	list, err := r.lister.List(fctx)

	r.mu.Lock()
	r.snap.Fetches++
	if err != nil {
		r.snap.Failures++
		r.snap.LastError = err.Error()
		r.mu.Unlock()
		if ctx.Err() == nil {
			r.log.Warn("report list fetch failed", logx.String("reason", reason), logx.Err(err))
		}
		return
	}
	r.snap.Reports = list
	r.snap.FetchedAt = time.Now()
	r.snap.Reason = reason
	r.snap.LastError = ""
	r.mu.Unlock()

	r.log.Debug("report list refreshed",
		logx.String("reason", reason),
		logx.Int("count", len(list)),
		logx.Duration("took", time.Since(start)),
	)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Supervisor returns the worker supervisor (nil if not started).
func (r *Reconciler) Supervisor() *supervisor.Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sup
}
