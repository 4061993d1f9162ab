package conn

import (
	"testing"
	"time"

	"github.com/mlourenco/cipherchat/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewManager(Options{}, nil, nil)
	if m.State() != Disconnected {
		t.Errorf("initial state = %s, want disconnected", m.State())
	}
}

func TestSetStateNotifiesListenersInOrder(t *testing.T) {
	m := NewManager(Options{}, nil, nil)

	var order []int
	m.AddStateChangeListener(func(newState, oldState State, _ map[string]any) {
		order = append(order, 1)
		if newState != Connecting || oldState != Disconnected {
			t.Errorf("transition = %s -> %s, want disconnected -> connecting", oldState, newState)
		}
	})
	m.AddStateChangeListener(func(State, State, map[string]any) {
		order = append(order, 2)
	})

	m.SetState(Connecting, nil)

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("listener order = %v, want [1 2]", order)
	}
}

func TestDuplicateListenerFiresTwice(t *testing.T) {
	m := NewManager(Options{}, nil, nil)

	calls := 0
	fn := func(State, State, map[string]any) { calls++ }
	m.AddStateChangeListener(fn)
	m.AddStateChangeListener(fn)

	m.SetState(Connected, nil)

	if calls != 2 {
		t.Errorf("listener fired %d times, want 2 (no deduplication)", calls)
	}
}

func TestRemoveListener(t *testing.T) {
	m := NewManager(Options{}, nil, nil)

	calls := 0
	remove := m.AddStateChangeListener(func(State, State, map[string]any) { calls++ })
	remove()

	m.SetState(Connected, nil)

	if calls != 0 {
		t.Errorf("removed listener fired %d times, want 0", calls)
	}
}

func TestListenerPanicIsIsolated(t *testing.T) {
	m := NewManager(Options{}, nil, nil)

	m.AddStateChangeListener(func(State, State, map[string]any) {
		panic("bad observer")
	})
	called := false
	m.AddStateChangeListener(func(State, State, map[string]any) { called = true })

	m.SetState(Errored, nil)

	if !called {
		t.Error("listener after a panicking one was not invoked")
	}
	if m.State() != Errored {
		t.Errorf("state = %s, want error (machine must survive listener panic)", m.State())
	}
}

func TestReconnectDelayBackoff(t *testing.T) {
	m := NewManager(Options{}, nil, nil)

	// initial=1000ms, factor=1.5, max=30000ms.
	want := []int64{1000, 1500, 2250, 3375, 5062, 7593}
	var prev time.Duration
	for attempt, wantMs := range want {
		d := m.ReconnectDelay()
		if d.Milliseconds() != wantMs {
			t.Errorf("delay at attempt %d = %dms, want %dms", attempt, d.Milliseconds(), wantMs)
		}
		if d < prev {
			t.Errorf("delay decreased at attempt %d", attempt)
		}
		prev = d
		m.IncrementReconnectAttempts()
	}
}

func TestReconnectDelayCapped(t *testing.T) {
	m := NewManager(Options{}, nil, nil)
	for i := 0; i < 50; i++ {
		m.IncrementReconnectAttempts()
	}
	if d := m.ReconnectDelay(); d != 30*time.Second {
		t.Errorf("delay after 50 attempts = %v, want 30s cap", d)
	}
}

func TestResetReconnectAttempts(t *testing.T) {
	m := NewManager(Options{}, nil, nil)
	m.IncrementReconnectAttempts()
	m.IncrementReconnectAttempts()
	m.ResetReconnectAttempts()
	if got := m.ReconnectAttempts(); got != 0 {
		t.Errorf("attempts = %d after reset, want 0", got)
	}
	if d := m.ReconnectDelay(); d != time.Second {
		t.Errorf("delay after reset = %v, want 1s", d)
	}
}

func TestCanAttemptReconnectCeiling(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindStateChanged, 32)
	defer unsub()

	m := NewManager(Options{MaxAttempts: 10}, b, nil)

	// Simulate 11 consecutive failures: each pass checks the gate, then
	// records the failed attempt.
	allowed := 0
	for i := 0; i < 11; i++ {
		if m.CanAttemptReconnect() {
			allowed++
			m.IncrementReconnectAttempts()
		}
	}

	if allowed != 10 {
		t.Errorf("allowed %d attempts, want 10", allowed)
	}
	if m.State() != ReconnectFailed {
		t.Errorf("state = %s, want reconnect_failed", m.State())
	}

	// ReconnectFailed must be announced exactly once.
	failures := 0
	for {
		select {
		case evt := <-ch:
			if sc, ok := evt.Payload.(StateChange); ok && sc.To == ReconnectFailed {
				failures++
			}
			continue
		default:
		}
		break
	}
	if failures != 1 {
		t.Errorf("reconnect_failed announced %d times, want exactly 1", failures)
	}

	// Further automatic attempts stay blocked.
	if m.CanAttemptReconnect() {
		t.Error("CanAttemptReconnect() = true after ceiling, want false")
	}
}

func TestCanAttemptReconnectOffline(t *testing.T) {
	online := false
	m := NewManager(Options{Online: func() bool { return online }}, nil, nil)

	if m.CanAttemptReconnect() {
		t.Error("CanAttemptReconnect() = true while offline, want false")
	}
	online = true
	if !m.CanAttemptReconnect() {
		t.Error("CanAttemptReconnect() = false while online with zero attempts, want true")
	}
}

func TestNetworkOnlineTriggersReconnect(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindReconnectRequested, 10)
	defer unsub()

	m := NewManager(Options{}, b, nil)

	m.HandleNetworkOnline()

	if m.State() != Reconnecting {
		t.Errorf("state = %s, want reconnecting", m.State())
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no reconnect request published")
	}
}

func TestNetworkOnlineIgnoredWhenConnected(t *testing.T) {
	m := NewManager(Options{}, nil, nil)
	m.SetState(Connected, nil)

	m.HandleNetworkOnline()

	if m.State() != Connected {
		t.Errorf("state = %s, want connected (online signal must be ignored)", m.State())
	}
}

func TestNetworkOfflineForcesDisconnected(t *testing.T) {
	m := NewManager(Options{}, nil, nil)
	m.SetState(Connected, nil)

	m.HandleNetworkOffline()

	if m.State() != Disconnected {
		t.Errorf("state = %s, want disconnected", m.State())
	}
}
