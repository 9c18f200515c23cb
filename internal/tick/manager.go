// Package tick drives the authoritative fixed-rate simulation loop,
// decoupled from all network I/O.
package tick

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"termarena/server/internal/logging"
)

// Callback runs once per simulation step with the tick number and the
// measured wall-clock delta since the previous step.
type Callback func(tick uint64, delta time.Duration)

type registration struct {
	id       uint64
	callback Callback
}

// Manager runs registered callbacks at a fixed target rate. Tick numbers are
// strictly increasing integers starting at zero; the loop self-corrects drift
// by measuring real elapsed time rather than trusting the sleep.
type Manager struct {
	interval time.Duration
	log      *logging.Logger
	monitor  *Monitor

	mu        sync.Mutex
	callbacks []registration
	nextID    uint64
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}

	tick atomic.Uint64
}

// NewManager configures a loop targeting the provided ticks per second.
func NewManager(targetHz float64, logger *logging.Logger) *Manager {
	if targetHz <= 0 {
		targetHz = 60
	}
	if logger == nil {
		logger = logging.L()
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 60
	}
	return &Manager{
		interval: interval,
		log:      logger,
		monitor:  NewMonitor(),
	}
}

// AddCallback subscribes a per-tick callback, returning its removal function.
// Callbacks run in registration order within every tick.
func (m *Manager) AddCallback(cb Callback) func() {
	if m == nil || cb == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.callbacks = append(m.callbacks, registration{id: id, callback: cb})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, reg := range m.callbacks {
				if reg.id == id {
					m.callbacks = append(m.callbacks[:i], m.callbacks[i+1:]...)
					break
				}
			}
		})
	}
}

// Start begins ticking until the context is cancelled or Stop is invoked.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.loop(loopCtx, done)
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(m.interval)
	defer timer.Stop()
	last := time.Now()
	for {
		iterationStart := time.Now()
		delta := iterationStart.Sub(last)
		last = iterationStart

		tick := m.tick.Load()
		m.runCallbacks(tick, delta)
		m.tick.Add(1)

		elapsed := time.Since(iterationStart)
		m.monitor.Observe(elapsed)

		//1.- Sleep only the remainder of the interval so slow ticks do not accumulate drift.
		wait := m.interval - elapsed
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) runCallbacks(tick uint64, delta time.Duration) {
	m.mu.Lock()
	regs := append([]registration(nil), m.callbacks...)
	m.mu.Unlock()
	for _, reg := range regs {
		m.invoke(reg.callback, tick, delta)
	}
}

// invoke isolates one callback so a failure cannot abort the tick.
func (m *Manager) invoke(cb Callback, tick uint64, delta time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("tick callback panicked",
				logging.Uint64("tick", tick),
				logging.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()
	cb(tick, delta)
}

// Stop halts the loop after its current iteration and waits for it to exit.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.running = false
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Running reports whether the loop is active.
func (m *Manager) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// CurrentTick reports the next tick number to be executed.
func (m *Manager) CurrentTick() uint64 {
	if m == nil {
		return 0
	}
	return m.tick.Load()
}

// Interval exposes the configured step duration.
func (m *Manager) Interval() time.Duration {
	if m == nil {
		return 0
	}
	return m.interval
}

// Monitor exposes the tick duration statistics collector.
func (m *Manager) Monitor() *Monitor {
	if m == nil {
		return nil
	}
	return m.monitor
}
