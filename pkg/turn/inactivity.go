package turn

import "sync"

// InactivityMonitor ends a typed turn with a silence marker when no
// keystroke arrives for InactivityTimeout. Every keystroke opens a fresh
// window. It fires at most once per Start.
type InactivityMonitor struct {
	clock    Clock
	timeout  func() Timer
	onExpire func()

	mu     sync.Mutex
	active bool
	gen    uint64
	timer  Timer
}

func NewInactivityMonitor(clock Clock, th Thresholds, onExpire func()) *InactivityMonitor {
	if clock == nil {
		clock = RealClock()
	}
	m := &InactivityMonitor{clock: clock, onExpire: onExpire}
	window := th.withDefaults().InactivityTimeout
	m.timeout = func() Timer {
		gen := m.gen
		return m.clock.AfterFunc(window, func() { m.fire(gen) })
	}
	return m
}

func (m *InactivityMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.gen++
	m.active = true
	m.timer = m.timeout()
}

// Keystroke resets the inactivity window.
func (m *InactivityMonitor) Keystroke() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return
	}
	m.stopLocked()
	m.gen++
	m.timer = m.timeout()
}

func (m *InactivityMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
	m.stopLocked()
}

func (m *InactivityMonitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *InactivityMonitor) fire(gen uint64) {
	m.mu.Lock()
	if !m.active || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.active = false
	m.timer = nil
	m.mu.Unlock()

	if m.onExpire != nil {
		m.onExpire()
	}
}

func (m *InactivityMonitor) stopLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
