package eventbus

import (
	"encoding/json"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "reportpulse/pkg/logx"
)

// Handler receives a dispatched envelope.
type Handler func(env Envelope)

// DataHandler receives only the data of a typed envelope.
type DataHandler func(data json.RawMessage)

// Subscriber is the registration half of the dispatcher. Consumers should
// depend on this rather than on *Dispatcher.
type Subscriber interface {
	Subscribe(kind Kind, fn Handler) (unsubscribe func())
}

// Bus is the full publish/subscribe contract.
//
// Contract:
//   - Publish delivers synchronously, in the caller's goroutine.
//   - Listeners for env.Type run first, then wildcard listeners.
//   - A panicking listener is logged and skipped; the rest still run.
//   - Unsubscribe removes exactly one registration and is idempotent.
type Bus interface {
	Subscriber
	Publish(env Envelope)
}

// On registers fn for kind, passing only the envelope data.
func On(s Subscriber, kind Kind, fn DataHandler) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return s.Subscribe(kind, func(env Envelope) { fn(env.Data) })
}

// New returns an in-memory dispatcher.
//
// It does not own any goroutines.
func New(log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{log: log, topics: map[Kind][]*registration{}}
}

type registration struct {
	id     uint64
	kind   Kind
	fn     Handler
	active atomic.Bool
}

// Dispatcher routes envelopes to listeners keyed by Kind, plus the Any topic.
type Dispatcher struct {
	log logx.Logger

	mu     sync.RWMutex
	topics map[Kind][]*registration
	seq    atomic.Uint64

	published atomic.Uint64
	panics    atomic.Uint64
}

var _ Bus = (*Dispatcher)(nil)

func (d *Dispatcher) Subscribe(kind Kind, fn Handler) func() {
	if fn == nil {
		return func() {}
	}
	reg := &registration{id: d.seq.Add(1), kind: kind, fn: fn}
	reg.active.Store(true)

	d.mu.Lock()
	d.topics[kind] = append(d.topics[kind], reg)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(reg) })
	}
}

func (d *Dispatcher) remove(reg *registration) {
	reg.active.Store(false)

	d.mu.Lock()
	defer d.mu.Unlock()
	regs := d.topics[reg.kind]
	for i, r := range regs {
		if r != reg {
			continue
		}
		// Copy so an in-flight Publish keeps iterating its own snapshot.
		next := make([]*registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(d.topics, reg.kind)
		} else {
			d.topics[reg.kind] = next
		}
		return
	}
}

func (d *Dispatcher) Publish(env Envelope) {
	d.published.Add(1)

	d.mu.RLock()
	var typed []*registration
	if env.Type != Any {
		typed = d.topics[env.Type]
	}
	wildcard := d.topics[Any]
	d.mu.RUnlock()

	for _, reg := range typed {
		d.deliver(reg, env)
	}
	for _, reg := range wildcard {
		d.deliver(reg, env)
	}
}

func (d *Dispatcher) deliver(reg *registration, env Envelope) {
	if !reg.active.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.log.Error("listener panicked",
				logx.String("type", string(env.Type)),
				logx.String("topic", string(reg.kind)),
				logx.Uint64("listener", reg.id),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	reg.fn(env)
}

// Count returns the number of listeners registered for kind.
func (d *Dispatcher) Count(kind Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.topics[kind])
}

// Stats is a best-effort counter snapshot.
type Stats struct {
	Published      uint64         `json:"published"`
	ListenerPanics uint64         `json:"listener_panics"`
	Listeners      map[string]int `json:"listeners"`
}

func (d *Dispatcher) Stats() Stats {
	st := Stats{
		Published:      d.published.Load(),
		ListenerPanics: d.panics.Load(),
		Listeners:      map[string]int{},
	}
	d.mu.RLock()
	for k, regs := range d.topics {
		st.Listeners[string(k)] = len(regs)
	}
	d.mu.RUnlock()
	return st
}

// Close detaches every listener. Handles returned earlier stay safe to call.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	topics := d.topics
	d.topics = map[Kind][]*registration{}
	d.mu.Unlock()
	for _, regs := range topics {
		for _, r := range regs {
			r.active.Store(false)
		}
	}
}
