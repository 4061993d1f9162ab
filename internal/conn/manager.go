package conn

import (
	"math"
	"sync"
	"time"

	"github.com/mlourenco/cipherchat/internal/bus"
	"go.uber.org/zap"
)

// State represents the logical connection state.
type State string

const (
	Connecting      State = "connecting"
	Connected       State = "connected"
	Disconnected    State = "disconnected"
	Reconnecting    State = "reconnecting"
	ReconnectFailed State = "reconnect_failed"
	Errored         State = "error"
)

// StateChange is the payload published on the bus for every transition.
type StateChange struct {
	From State
	To   State
	Data map[string]any
}

// Listener observes state transitions. Listeners must tolerate repeated
// notifications of the same state.
type Listener func(newState, oldState State, data map[string]any)

// Backoff holds the reconnection delay parameters.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
}

// DefaultBackoff starts at one second and multiplies by 1.5 per attempt,
// capped at thirty seconds.
var DefaultBackoff = Backoff{
	InitialDelay: time.Second,
	MaxDelay:     30 * time.Second,
	Factor:       1.5,
}

// DefaultMaxAttempts is the automatic reconnection ceiling. Beyond it the
// machine parks in ReconnectFailed until a manual reconnect.
const DefaultMaxAttempts = 10

// Options configures a Manager. Zero values fall back to defaults; a nil
// Online probe is treated as always-online.
type Options struct {
	Backoff     Backoff
	MaxAttempts int
	Online      func() bool
}

type registration struct {
	id int
	fn Listener
}

// Manager tracks the single process-wide connection state and owns the
// reconnection bookkeeping. Only the Manager mutates the state; everyone
// else observes it through listeners or bus events.
type Manager struct {
	mu        sync.Mutex
	state     State
	listeners []registration
	nextID    int
	attempts  int

	backoff     Backoff
	maxAttempts int
	online      func() bool

	bus    *bus.Bus
	logger *zap.Logger
}

// NewManager creates a Manager in the Disconnected state.
func NewManager(opts Options, b *bus.Bus, logger *zap.Logger) *Manager {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}
	return &Manager{
		state:       Disconnected,
		backoff:     opts.Backoff,
		maxAttempts: opts.MaxAttempts,
		online:      opts.Online,
		bus:         b,
		logger:      logger,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState unconditionally overwrites the current state and synchronously
// notifies every registered listener, in registration order. A panicking
// listener is logged and skipped so one bad observer cannot take down the
// machine.
func (m *Manager) SetState(newState State, data map[string]any) State {
	m.mu.Lock()
	oldState := m.state
	m.state = newState
	listeners := make([]registration, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, reg := range listeners {
		m.notify(reg.fn, newState, oldState, data)
	}

	if m.logger != nil {
		m.logger.Info("connection state changed",
			zap.String("from", string(oldState)),
			zap.String("to", string(newState)))
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStateChanged,
			Timestamp: time.Now(),
			Payload:   StateChange{From: oldState, To: newState, Data: data},
		})
	}
	return newState
}

func (m *Manager) notify(fn Listener, newState, oldState State, data map[string]any) {
	defer func() {
		if r := recover(); r != nil && m.logger != nil {
			m.logger.Error("state listener panicked", zap.Any("panic", r))
		}
	}()
	fn(newState, oldState, data)
}

// AddStateChangeListener registers a listener and returns its remove
// function. Registering the same function twice fires it twice.
func (m *Manager) AddStateChangeListener(fn Listener) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners = append(m.listeners, registration{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, reg := range m.listeners {
			if reg.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// ResetReconnectAttempts zeroes the attempt counter. Called on every
// successful Connected transition.
func (m *Manager) ResetReconnectAttempts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = 0
}

// ReconnectAttempts returns the current attempt counter.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// IncrementReconnectAttempts bumps the counter and returns the new value.
func (m *Manager) IncrementReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	return m.attempts
}

// ReconnectDelay returns min(initial * factor^attempts, max).
func (m *Manager) ReconnectDelay() time.Duration {
	m.mu.Lock()
	attempts := m.attempts
	m.mu.Unlock()

	delay := time.Duration(float64(m.backoff.InitialDelay) * math.Pow(m.backoff.Factor, float64(attempts)))
	if delay > m.backoff.MaxDelay {
		delay = m.backoff.MaxDelay
	}
	return delay
}

// CanAttemptReconnect reports whether an automatic reconnection attempt is
// allowed. It returns false when the host has no network connectivity, or
// when the attempt ceiling is reached — in which case the machine moves to
// ReconnectFailed (once).
func (m *Manager) CanAttemptReconnect() bool {
	if !m.online() {
		return false
	}

	m.mu.Lock()
	attempts := m.attempts
	exhausted := attempts >= m.maxAttempts
	alreadyFailed := m.state == ReconnectFailed
	m.mu.Unlock()

	if exhausted {
		if !alreadyFailed {
			m.SetState(ReconnectFailed, map[string]any{
				"attempts": attempts,
				"message":  "maximum reconnection attempts reached",
			})
		}
		return false
	}
	return true
}

// HandleNetworkOnline reacts to the host regaining connectivity. If the
// machine sat in Disconnected, it moves to Reconnecting and asks the
// transport to dial.
func (m *Manager) HandleNetworkOnline() {
	if m.State() != Disconnected {
		return
	}
	m.SetState(Reconnecting, map[string]any{
		"reason":  "network_online",
		"message": "network connection restored",
	})
	if m.bus != nil {
		m.bus.Publish(bus.Event{Kind: bus.KindReconnectRequested, Timestamp: time.Now()})
	}
}

// HandleNetworkOffline forces Disconnected regardless of what the socket
// layer believes.
func (m *Manager) HandleNetworkOffline() {
	m.SetState(Disconnected, map[string]any{
		"reason":  "network_offline",
		"message": "network connection lost",
	})
}
