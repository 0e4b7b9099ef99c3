package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AlertSender delivers one rendered alert, e.g. to a chat.
type AlertSender func(ctx context.Context, text string) error

// AlertConfig forwards high-severity lines to an AlertSender.
type AlertConfig struct {
	Enabled bool
	// MinLevel defaults to error.
	MinLevel string
	// RatePerSec defaults to 0.2 (one alert per 5s), burst 3.
	RatePerSec float64
}

type AlertStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

const (
	alertQueue     = 64
	alertBurst     = 3
	alertMaxText   = 3500
	alertMaxValue  = 600
	alertSendLimit = 10 * time.Second
	alertFlush     = 5 * time.Second
)

// alertSink is a zerolog.LevelWriter. It never blocks the logging path:
// lines over the rate or beyond the queue are counted and dropped.
type alertSink struct {
	mu       sync.Mutex
	enabled  bool
	minLevel zerolog.Level
	limiter  *rate.Limiter
	send     AlertSender

	queue    chan string
	start    sync.Once
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}

	sent, dropped, failed atomic.Uint64
}

func newAlertSink() *alertSink {
	return &alertSink{queue: make(chan string, alertQueue), done: make(chan struct{})}
}

// configure applies cfg and reports whether the sink should be attached.
func (a *alertSink) configure(cfg AlertConfig) bool {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 0.2
	}
	a.mu.Lock()
	a.enabled = cfg.Enabled
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.ErrorLevel)
	a.limiter = rate.NewLimiter(rate.Limit(rps), alertBurst)
	a.mu.Unlock()

	if !cfg.Enabled {
		return false
	}
	a.start.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.mu.Lock()
		a.cancel = cancel
		a.mu.Unlock()
		go a.worker(ctx)
	})
	return true
}

func (a *alertSink) setSender(fn AlertSender) {
	a.mu.Lock()
	a.send = fn
	a.mu.Unlock()
}

func (a *alertSink) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.NoLevel, p) }

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	ok := a.enabled && a.send != nil && level >= a.minLevel && level != zerolog.NoLevel
	lim := a.limiter
	a.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if !lim.Allow() {
		a.dropped.Add(1)
		return len(p), nil
	}
	select {
	case a.queue <- renderAlert(p):
	default:
		a.dropped.Add(1)
	}
	return len(p), nil
}

func (a *alertSink) worker(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			a.drain()
			return
		case text := <-a.queue:
			a.deliver(context.Background(), text)
		}
	}
}

// drain sends what is already queued, bounded by alertFlush.
func (a *alertSink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), alertFlush)
	defer cancel()
	for {
		select {
		case text := <-a.queue:
			a.deliver(ctx, text)
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (a *alertSink) deliver(parent context.Context, text string) {
	a.mu.Lock()
	send := a.send
	a.mu.Unlock()
	if send == nil {
		a.dropped.Add(1)
		return
	}
	ctx, cancel := context.WithTimeout(parent, alertSendLimit)
	err := send(ctx, text)
	cancel()
	if err != nil {
		// Logging this through a Logger could alert again.
		a.failed.Add(1)
		fmt.Fprintf(Stderr(), "logx: alert send failed: %v\n", err)
		return
	}
	a.sent.Add(1)
}

func (a *alertSink) close() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		cancel := a.cancel
		a.mu.Unlock()
		if cancel == nil {
			return
		}
		cancel()
		<-a.done
	})
}

func (a *alertSink) stats() AlertStats {
	return AlertStats{Sent: a.sent.Load(), Dropped: a.dropped.Load(), Failed: a.failed.Load()}
}

// renderAlert turns a zerolog JSON line into "[LEVEL] message" followed by
// sorted key=value lines.
func renderAlert(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(strings.TrimSpace(string(p)), alertMaxText)
	}
	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName, "stack":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s=%s", k, clip(fmt.Sprint(m[k]), alertMaxValue))
	}
	if st, ok := m["stack"]; ok {
		b.WriteString("\nstack:\n" + clip(fmt.Sprint(st), 900))
	}
	return clip(b.String(), alertMaxText)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
