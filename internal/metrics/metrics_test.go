package metrics

import (
	"sync"
	"testing"
)

func TestMetricsCountsConcurrentUpdates(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Inc(OffersCreated)
			}
		}()
	}
	wg.Wait()

	if got := m.Get(OffersCreated); got != 1600 {
		t.Fatalf("%s=%d, want 1600", OffersCreated, got)
	}
}

func TestMetricsSnapshotIsACopy(t *testing.T) {
	m := New()
	m.Add(MessagesDropped, 3)

	snap := m.Snapshot()
	snap[MessagesDropped] = 100

	if got := m.Get(MessagesDropped); got != 3 {
		t.Fatalf("%s=%d after mutating snapshot, want 3", MessagesDropped, got)
	}
}

func TestNilMetricsDiscardsUpdates(t *testing.T) {
	var m *Metrics
	m.Inc(SessionsStarted)
	m.Add(SessionsStarted, 2)

	if got := m.Get(SessionsStarted); got != 0 {
		t.Fatalf("nil metrics Get=%d, want 0", got)
	}
	if snap := m.Snapshot(); len(snap) != 0 {
		t.Fatalf("nil metrics snapshot=%v, want empty", snap)
	}
}

func TestZeroValueMetricsIsUsable(t *testing.T) {
	var m Metrics
	m.Inc(ICEConnected)
	if got := m.Get(ICEConnected); got != 1 {
		t.Fatalf("%s=%d, want 1", ICEConnected, got)
	}
}
