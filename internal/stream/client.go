// Package stream keeps one long-lived text/event-stream connection to the
// report server, decodes each frame into an eventbus.Envelope and publishes it.
//
// After any transport error the client waits a fixed delay and reconnects.
// At most one reconnect timer is pending at any time, and callbacks from a
// superseded connection or timer are ignored.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"reportpulse/internal/eventbus"
	"reportpulse/internal/runtime/supervisor"
	logx "reportpulse/pkg/logx"
)

const (
	DefaultPath           = "/events"
	DefaultReconnectDelay = 3 * time.Second
	DefaultMaxFrameBytes  = 1 << 20
)

var (
	errStreamEnded   = errors.New("stream ended by server")
	errBadStatusCode = errors.New("unexpected status code")
	errBadMediaType  = errors.New("unexpected content type")
)

// Status is the connection state exposed to consumers.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	StatusReconnecting Status = "reconnecting"
)

// Publisher receives decoded envelopes. *eventbus.Dispatcher satisfies it.
type Publisher interface {
	Publish(env eventbus.Envelope)
}

type Config struct {
	// BaseURL is the report server origin, e.g. "http://localhost:3000".
	BaseURL string
	// Path is appended to BaseURL. Defaults to "/events".
	Path string

	ReconnectDelay time.Duration
	// RequestTimeout bounds dialing and waiting for response headers. It
	// never applies to the open stream body.
	RequestTimeout time.Duration
	MaxFrameBytes  int
	Headers        map[string]string

	// DecodeLogEvery throttles "malformed frame" warnings. Zero logs every one.
	DecodeLogEvery time.Duration

	// HTTPClient overrides the default transport (tests).
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Path) == "" {
		c.Path = DefaultPath
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	return c
}

// EventsURL joins BaseURL and Path.
func (c Config) EventsURL() (string, error) {
	c = c.withDefaults()
	base := strings.TrimSpace(c.BaseURL)
	if base == "" {
		return "", errors.New("stream: base url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("stream: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("stream: base url scheme %q not supported", u.Scheme)
	}
	ref, err := url.Parse(c.Path)
	if err != nil {
		return "", fmt.Errorf("stream: path: %w", err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	// Path is appended to any prefix the base url carries.
	out := u.JoinPath(ref.Path)
	if ref.RawQuery != "" {
		out.RawQuery = ref.RawQuery
	}
	return out.String(), nil
}

// Stats is a point-in-time view of the client.
type Stats struct {
	URL          string    `json:"url"`
	Status       Status    `json:"status"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Reconnects   uint64    `json:"reconnects"`
	Frames       uint64    `json:"frames"`
	DecodeErrors uint64    `json:"decode_errors"`
	LastEventID  string    `json:"last_event_id,omitempty"`
	LastFrameAt  time.Time `json:"last_frame_at,omitempty"`
	ConnectedAt  time.Time `json:"connected_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

type watcher struct {
	id uint64
	fn func(Status)
}

// Client is the connection manager. The zero value is not usable; use New.
type Client struct {
	cfg  Config
	url  string
	pub  Publisher
	log  logx.Logger
	http *http.Client
	sup  *supervisor.Supervisor

	decodeLimiter *rate.Limiter
	decodeMuted   atomic.Uint64
	decodeErrors  atomic.Uint64
	frames        atomic.Uint64

	mu          sync.Mutex
	closed      bool
	status      Status
	gen         uint64
	active      bool
	cancelConn  context.CancelFunc
	connID      string
	timer       *time.Timer
	timerSeq    uint64
	last        *eventbus.Envelope
	lastEventID string
	lastFrameAt time.Time
	connectedAt time.Time
	lastErr     string
	reconnects  uint64

	watchSeq uint64
	watchers map[uint64]watcher
	pending  []Status
	flushing bool
}

// New validates cfg and returns a disconnected client. Nothing is dialed
// until Connect.
func New(cfg Config, pub Publisher, log logx.Logger) (*Client, error) {
	if pub == nil {
		return nil, errors.New("stream: publisher is required")
	}
	cfg = cfg.withDefaults()
	u, err := cfg.EventsURL()
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "stream"))

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: cfg.RequestTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   cfg.RequestTimeout,
			ResponseHeaderTimeout: cfg.RequestTimeout,
			MaxIdleConns:          4,
			IdleConnTimeout:       90 * time.Second,
		}}
	}

	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.DecodeLogEvery > 0 {
		lim = rate.NewLimiter(rate.Every(cfg.DecodeLogEvery), 1)
	}

	return &Client{
		cfg:           cfg,
		url:           u,
		pub:           pub,
		log:           log,
		http:          hc,
		sup:           supervisor.New(context.Background(), supervisor.WithLogger(log)),
		decodeLimiter: lim,
		status:        StatusDisconnected,
		watchers:      map[uint64]watcher{},
	}, nil
}

// URL returns the resolved events endpoint.
func (c *Client) URL() string { return c.url }

// Connect opens the stream. It is a no-op while a connection is already
// opening or open, and after Close.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.closed || c.active {
		c.mu.Unlock()
		return
	}
	c.startLocked()
	c.mu.Unlock()
	c.flush()
}

// Disconnect closes the current connection and cancels any pending reconnect.
// The client stays usable; a later Connect opens a new connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopLocked()
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()
	c.flush()
	c.log.Info("stream disconnected")
}

// Close disconnects, detaches every watcher and waits for the reader
// goroutine to exit.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.stopLocked()
	c.setStatusLocked(StatusDisconnected)
	c.closed = true
	c.mu.Unlock()
	c.flush()

	c.mu.Lock()
	c.watchers = map[uint64]watcher{}
	c.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	return c.sup.Stop(ctx)
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastMessage returns the most recent successfully decoded envelope.
func (c *Client) LastMessage() (eventbus.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return eventbus.Envelope{}, false
	}
	return *c.last, true
}

// Watch registers fn for status changes. Changes are delivered in the order
// they happened, never concurrently, and never with c's lock held.
func (c *Client) Watch(fn func(Status)) (unwatch func()) {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.watchSeq++
	id := c.watchSeq
	c.watchers[id] = watcher{id: id, fn: fn}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
		})
	}
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		URL:          c.url,
		Status:       c.status,
		ConnectionID: c.connID,
		Reconnects:   c.reconnects,
		Frames:       c.frames.Load(),
		DecodeErrors: c.decodeErrors.Load(),
		LastEventID:  c.lastEventID,
		LastFrameAt:  c.lastFrameAt,
		ConnectedAt:  c.connectedAt,
		LastError:    c.lastErr,
	}
}

func (c *Client) startLocked() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(c.sup.Context())
	c.cancelConn = cancel
	c.active = true
	c.connID = uuid.NewString()
	c.setStatusLocked(StatusConnecting)

	connID, lastID := c.connID, c.lastEventID
	c.sup.Go0("stream.conn", func(context.Context) {
		c.run(ctx, gen, connID, lastID)
	})
}

// stopLocked invalidates the current connection and any pending timer.
func (c *Client) stopLocked() {
	c.gen++
	if c.cancelConn != nil {
		c.cancelConn()
		c.cancelConn = nil
	}
	c.active = false
	c.cancelTimerLocked()
}

func (c *Client) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}

// scheduleReconnectLocked replaces any pending reconnect timer.
func (c *Client) scheduleReconnectLocked() {
	c.cancelTimerLocked()
	seq := c.timerSeq
	c.timer = time.AfterFunc(c.cfg.ReconnectDelay, func() { c.retry(seq) })
}

func (c *Client) retry(seq uint64) {
	c.mu.Lock()
	if c.closed || seq != c.timerSeq || c.timer == nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	if c.active {
		// A manual Connect already replaced the failed connection.
		c.mu.Unlock()
		return
	}
	c.reconnects++
	attempt := c.reconnects
	c.setStatusLocked(StatusReconnecting)
	c.startLocked()
	c.mu.Unlock()

	c.log.Info("attempting to reconnect", logx.Uint64("attempt", attempt))
	c.flush()
}

func (c *Client) run(ctx context.Context, gen uint64, connID, lastID string) {
	log := c.log.With(logx.String("conn_id", connID))

	resp, err := c.open(ctx, lastID)
	if err != nil {
		if ctx.Err() == nil {
			c.fail(gen, err, log)
		}
		return
	}
	defer resp.Body.Close()

	if !c.opened(gen) {
		return
	}
	log.Info("stream connected", logx.String("url", c.url))

	fr := newFrameReader(resp.Body, c.cfg.MaxFrameBytes)
	for {
		f, err := fr.Next()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				err = errStreamEnded
			}
			c.fail(gen, err, log)
			return
		}
		if !c.handleFrame(gen, f, log) {
			return
		}
	}
}

func (c *Client) open(ctx context.Context, lastID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %d", errBadStatusCode, resp.StatusCode)
	}
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mt != "text/event-stream" {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %q", errBadMediaType, resp.Header.Get("Content-Type"))
	}
	return resp, nil
}

func (c *Client) opened(gen uint64) bool {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.cancelTimerLocked()
	c.connectedAt = time.Now()
	c.lastErr = ""
	c.setStatusLocked(StatusConnected)
	c.mu.Unlock()
	c.flush()
	return true
}

// handleFrame decodes and publishes f. It returns false once gen is stale.
func (c *Client) handleFrame(gen uint64, f frame, log logx.Logger) bool {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return false
	}
	if f.HasID {
		c.lastEventID = f.ID
	}
	c.mu.Unlock()

	if len(f.Data) == 0 {
		return true
	}
	c.frames.Add(1)

	fallback := f.Event
	if fallback == "message" {
		fallback = ""
	}
	env, err := eventbus.Decode(f.Data, fallback)
	if err != nil {
		c.decodeFailed(err, f, log)
		return true
	}
	env.ID = f.ID

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.last = &env
	c.lastFrameAt = time.Now()
	c.mu.Unlock()

	c.pub.Publish(env)
	return true
}

func (c *Client) decodeFailed(err error, f frame, log logx.Logger) {
	c.decodeErrors.Add(1)
	if !c.decodeLimiter.Allow() {
		c.decodeMuted.Add(1)
		return
	}
	preview := string(f.Data)
	if len(preview) > 120 {
		preview = preview[:120] + "..."
	}
	log.Warn("dropping malformed frame",
		logx.Err(err),
		logx.String("event", f.Event),
		logx.String("payload", preview),
		logx.Uint64("suppressed", c.decodeMuted.Swap(0)),
	)
}

func (c *Client) fail(gen uint64, err error, log logx.Logger) {
	c.mu.Lock()
	if c.closed || gen != c.gen || !c.active {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.cancelConn != nil {
		c.cancelConn()
		c.cancelConn = nil
	}
	c.active = false
	c.lastErr = err.Error()
	c.setStatusLocked(StatusError)
	c.scheduleReconnectLocked()
	delay := c.cfg.ReconnectDelay
	c.mu.Unlock()

	log.Warn("stream error; reconnect scheduled", logx.Err(err), logx.Duration("delay", delay))
	c.flush()
}

// setStatusLocked records st and queues it for watchers if it changed.
func (c *Client) setStatusLocked(st Status) {
	if c.status == st {
		return
	}
	c.status = st
	if len(c.watchers) > 0 {
		c.pending = append(c.pending, st)
	}
}

// flush delivers queued status changes. Only one goroutine drains at a
// time; others leave their changes for it.
func (c *Client) flush() {
	c.mu.Lock()
	if c.flushing {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	for len(c.pending) > 0 {
		st := c.pending[0]
		c.pending = c.pending[1:]
		ws := make([]watcher, 0, len(c.watchers))
		for _, w := range c.watchers {
			ws = append(ws, w)
		}
		c.mu.Unlock()

		sort.Slice(ws, func(i, j int) bool { return ws[i].id < ws[j].id })
		for _, w := range ws {
			c.notify(w, st)
		}

		c.mu.Lock()
	}
	c.flushing = false
	c.mu.Unlock()
}

func (c *Client) notify(w watcher, st Status) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("status watcher panicked",
				logx.String("status", string(st)),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	w.fn(st)
}

// Supervisor owns the reader goroutines; exposed for the runtime API.
func (c *Client) Supervisor() *supervisor.Supervisor { return c.sup }
