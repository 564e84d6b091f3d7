package callsession

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecutor_RunsInSubmissionOrder(t *testing.T) {
	e := NewExecutor()
	defer e.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		if !e.Run(func() { got = append(got, i) }) {
			t.Fatalf("Run rejected closure %d", i)
		}
	}
	e.RunAndWait(func() {})

	for i, v := range got {
		if v != i {
			t.Fatalf("closure %d ran at position %d", v, i)
		}
	}
	if len(got) != 100 {
		t.Fatalf("ran %d closures, want 100", len(got))
	}
}

func TestExecutor_NeverOverlaps(t *testing.T) {
	e := NewExecutor()
	defer e.Stop()

	var inFlight atomic.Int32
	var overlap atomic.Bool
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				e.Run(func() {
					if inFlight.Add(1) > 1 {
						overlap.Store(true)
					}
					time.Sleep(10 * time.Microsecond)
					inFlight.Add(-1)
				})
			}
		}()
	}
	wg.Wait()
	e.RunAndWait(func() {})

	if overlap.Load() {
		t.Fatalf("closures overlapped")
	}
}

func TestExecutor_StopDrainsQueuedWork(t *testing.T) {
	e := NewExecutor()

	release := make(chan struct{})
	e.Run(func() { <-release })
	var ran atomic.Bool
	e.Run(func() { ran.Store(true) })

	e.Stop()
	if e.Run(func() { t.Errorf("closure submitted after Stop ran") }) {
		t.Fatalf("Run accepted a closure after Stop")
	}
	if e.RunAndWait(func() {}) {
		t.Fatalf("RunAndWait accepted a closure after Stop")
	}
	close(release)

	select {
	case <-e.Exited():
	case <-time.After(5 * time.Second):
		t.Fatalf("executor did not exit")
	}
	if !ran.Load() {
		t.Fatalf("queued closure did not run before exit")
	}
}

func TestExecutor_RunDoesNotBlockOnBusyWorker(t *testing.T) {
	e := NewExecutor()
	defer e.Stop()

	release := make(chan struct{})
	defer close(release)
	e.Run(func() { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			e.Run(func() {})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run blocked while the worker was busy")
	}
}
