package httpapi

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"

	"reportpulse/internal/eventbus"
	logx "reportpulse/pkg/logx"
)

type RelayConfig struct {
	Enabled bool
	// Buffer is the per-client send queue. A client whose queue is full is
	// disconnected.
	Buffer       int
	PingInterval time.Duration
	WriteTimeout time.Duration
	MaxClients   int
}

type RelayStats struct {
	Clients   int    `json:"clients"`
	Forwarded uint64 `json:"forwarded"`
	Evicted   uint64 `json:"evicted"`
	Rejected  uint64 `json:"rejected"`
}

type relayClient struct {
	send chan []byte
	once sync.Once
}

func (c *relayClient) close() { c.once.Do(func() { close(c.send) }) }

// relay fans bus envelopes out to websocket clients.
type relay struct {
	cfg RelayConfig
	log logx.Logger

	mu      sync.Mutex
	clients map[*relayClient]struct{}
	closed  bool

	forwarded, evicted, rejected atomic.Uint64
}

func newRelay(cfg RelayConfig, log logx.Logger) *relay {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 100
	}
	return &relay{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "relay")),
		clients: map[*relayClient]struct{}{},
	}
}

// add registers a client; nil when the relay is closed or full.
func (r *relay) add() *relayClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.clients) >= r.cfg.MaxClients {
		r.rejected.Add(1)
		return nil
	}
	c := &relayClient{send: make(chan []byte, r.cfg.Buffer)}
	r.clients[c] = struct{}{}
	return c
}

func (r *relay) remove(c *relayClient) {
	r.mu.Lock()
	delete(r.clients, c)
	r.mu.Unlock()
	c.close()
}

// broadcast runs on the dispatcher goroutine and never blocks.
func (r *relay) broadcast(env eventbus.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		select {
		case c.send <- b:
			r.forwarded.Add(1)
		default:
			delete(r.clients, c)
			c.close()
			r.evicted.Add(1)
			r.log.Warn("relay client too slow; disconnected")
		}
	}
}

func (r *relay) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for c := range r.clients {
		delete(r.clients, c)
		c.close()
	}
}

func (r *relay) stats() RelayStats {
	r.mu.Lock()
	n := len(r.clients)
	r.mu.Unlock()
	return RelayStats{
		Clients:   n,
		Forwarded: r.forwarded.Load(),
		Evicted:   r.evicted.Load(),
		Rejected:  r.rejected.Load(),
	}
}

// serve owns one websocket until either side goes away. The connection is
// returned to the pool when serve returns, so the writer must finish first.
func (r *relay) serve(conn *websocket.Conn) {
	c := r.add()
	if c == nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "relay unavailable"))
		return
	}
	defer r.remove(c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		r.writeLoop(conn, c)
	}()

	readWait := 2 * r.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	for {
		// Browsers only send control frames; anything else is ignored.
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	r.remove(c)
	<-writerDone
}

func (r *relay) writeLoop(conn *websocket.Conn, c *relayClient) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()
	defer conn.Close()
	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
