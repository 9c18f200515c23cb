package tick

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"termarena/server/internal/logging"
)

func TestTicksAreStrictlyIncreasingFromZero(t *testing.T) {
	m := NewManager(200, logging.NewTestLogger())
	var mu sync.Mutex
	var seen []uint64
	m.AddCallback(func(tick uint64, _ time.Duration) {
		mu.Lock()
		seen = append(seen, tick)
		mu.Unlock()
	})

	m.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatalf("expected at least one tick")
	}
	if seen[0] != 0 {
		t.Fatalf("ticks must start at zero, got %d", seen[0])
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] != seen[i-1]+1 {
			t.Fatalf("tick skipped or repeated: %v", seen)
		}
	}
}

func TestCallbacksRunInRegistrationOrder(t *testing.T) {
	m := NewManager(100, logging.NewTestLogger())
	var mu sync.Mutex
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		m.AddCallback(func(uint64, time.Duration) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	m.Start(context.Background())
	time.Sleep(25 * time.Millisecond)
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(order) < 3 {
		t.Fatalf("expected a full tick of callbacks, got %v", order)
	}
	if order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("callbacks ran out of order: %v", order)
	}
}

func TestPanickingCallbackDoesNotStopTheLoop(t *testing.T) {
	m := NewManager(200, logging.NewTestLogger())
	var healthy atomic.Int64
	m.AddCallback(func(uint64, time.Duration) {
		panic("boom")
	})
	m.AddCallback(func(uint64, time.Duration) {
		healthy.Add(1)
	})

	m.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	if healthy.Load() < 2 {
		t.Fatalf("loop should survive a panicking callback, got %d healthy runs", healthy.Load())
	}
}

func TestStopHaltsTicking(t *testing.T) {
	m := NewManager(200, logging.NewTestLogger())
	m.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	m.Stop()
	if m.Running() {
		t.Fatalf("manager should report stopped")
	}
	at := m.CurrentTick()
	time.Sleep(30 * time.Millisecond)
	if m.CurrentTick() != at {
		t.Fatalf("ticks advanced after stop")
	}
}

func TestRemoveCallback(t *testing.T) {
	m := NewManager(200, logging.NewTestLogger())
	var calls atomic.Int64
	remove := m.AddCallback(func(uint64, time.Duration) {
		calls.Add(1)
	})
	remove()

	m.Start(context.Background())
	time.Sleep(25 * time.Millisecond)
	m.Stop()

	if calls.Load() != 0 {
		t.Fatalf("removed callback should not run")
	}
}

func TestTargetRateApproximatelyHeld(t *testing.T) {
	m := NewManager(100, logging.NewTestLogger())
	m.Start(context.Background())
	time.Sleep(250 * time.Millisecond)
	m.Stop()

	ticks := m.CurrentTick()
	//1.- Soft real-time: allow generous scheduling jitter in either direction.
	if ticks < 10 || ticks > 40 {
		t.Fatalf("expected roughly 25 ticks at 100Hz over 250ms, got %d", ticks)
	}
}

func TestMonitorAggregates(t *testing.T) {
	monitor := NewMonitor()
	monitor.Observe(10 * time.Millisecond)
	monitor.Observe(30 * time.Millisecond)

	snapshot := monitor.Snapshot()
	if snapshot.Samples != 2 {
		t.Fatalf("expected 2 samples, got %d", snapshot.Samples)
	}
	if snapshot.Average != 20*time.Millisecond {
		t.Fatalf("unexpected average %v", snapshot.Average)
	}
	if snapshot.Max != 30*time.Millisecond {
		t.Fatalf("unexpected max %v", snapshot.Max)
	}
	if tps := snapshot.AverageTPS(); tps != 50 {
		t.Fatalf("unexpected tps %v", tps)
	}

	monitor.Reset()
	if monitor.Snapshot().Samples != 0 {
		t.Fatalf("reset should clear samples")
	}
}
