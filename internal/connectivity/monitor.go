// Package connectivity tracks whether the backend is reachable and tells
// interested parties when that changes.
package connectivity

import (
	"log/slog"
	"sync"
	"time"
)

// Event describes the connectivity state after a transition.
type Event struct {
	Online bool      `json:"online"`
	Seq    uint64    `json:"seq"`
	At     time.Time `json:"at"`
}

// Monitor holds the process-wide online flag. It never polls; callers feed
// it reachability signals through Set.
type Monitor struct {
	mu       sync.Mutex
	state    Event
	onOnline []func(Event)
	subs     map[int]chan Event
	nextSub  int
	logger   *slog.Logger
}

// New returns a Monitor starting in the given state.
func New(online bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		state:  Event{Online: online, At: time.Now()},
		subs:   make(map[int]chan Event),
		logger: logger,
	}
}

// Set records a reachability signal. Repeating the current value is not a
// transition and notifies nobody. It returns the resulting state and
// whether a transition happened.
func (m *Monitor) Set(online bool) (Event, bool) {
	m.mu.Lock()
	if m.state.Online == online {
		ev := m.state
		m.mu.Unlock()
		return ev, false
	}
	m.state = Event{Online: online, Seq: m.state.Seq + 1, At: time.Now()}
	ev := m.state

	var callbacks []func(Event)
	if online {
		callbacks = append(callbacks, m.onOnline...)
	}
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is behind; it will read State() on its next event.
		}
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online, "seq", ev.Seq)

	for _, fn := range callbacks {
		fn(ev)
	}
	return ev, true
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Online
}

func (m *Monitor) State() Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnOnline registers fn to run once per offline to online transition.
// Callbacks run on the goroutine that called Set, after the lock is released.
func (m *Monitor) OnOnline(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

// Subscribe returns a channel receiving every transition and a function
// that unsubscribes and closes it.
func (m *Monitor) Subscribe(buf int) (<-chan Event, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Event, buf)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}
