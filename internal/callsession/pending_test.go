package callsession

import (
	"context"
	"errors"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
)

func pendingMessage(payload string, critical bool) (PendingMessage, *Future[struct{}]) {
	f := newFuture[struct{}]()
	return PendingMessage{Payload: []byte(payload), Description: payload, Critical: critical, result: f}, f
}

func TestPendingMessageQueue_DrainsFIFO(t *testing.T) {
	q := NewPendingMessageQueue(nil, nil)
	for _, p := range []string{"A", "B", "C"} {
		msg, _ := pendingMessage(p, false)
		if !q.Enqueue(msg) {
			t.Fatalf("Enqueue(%s) rejected", p)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("Len=%d, want 3", q.Len())
	}

	var sent []string
	q.DrainInto(func(b []byte) error {
		sent = append(sent, string(b))
		return nil
	})

	if !equalStrings(sent, []string{"A", "B", "C"}) {
		t.Fatalf("sent=%v, want [A B C]", sent)
	}
	if q.Len() != 0 {
		t.Fatalf("queue not empty after drain")
	}
}

func TestPendingMessageQueue_DrainContinuesPastFailures(t *testing.T) {
	m := metrics.New()
	q := NewPendingMessageQueue(nil, m)
	a, af := pendingMessage("A", false)
	b, bf := pendingMessage("B", true)
	c, cf := pendingMessage("C", false)
	q.Enqueue(a)
	q.Enqueue(b)
	q.Enqueue(c)

	sendErr := errors.New("channel closing")
	var attempts []string
	q.DrainInto(func(p []byte) error {
		attempts = append(attempts, string(p))
		if string(p) != "C" {
			return sendErr
		}
		return nil
	})

	if !equalStrings(attempts, []string{"A", "B", "C"}) {
		t.Fatalf("attempts=%v", attempts)
	}
	if _, err := af.Wait(context.Background()); err != nil {
		t.Fatalf("non-critical failure surfaced: %v", err)
	}
	if _, err := bf.Wait(context.Background()); !errors.Is(err, ErrDeliveryFailed) || !errors.Is(err, sendErr) {
		t.Fatalf("critical err=%v", err)
	}
	if _, err := cf.Wait(context.Background()); err != nil {
		t.Fatalf("C err=%v", err)
	}
	if got := m.Get(metrics.CriticalDeliveryFailure); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.CriticalDeliveryFailure, got)
	}
}

func TestPendingMessageQueue_CloseSettlesAndRejects(t *testing.T) {
	q := NewPendingMessageQueue(nil, nil)
	nc, ncf := pendingMessage("nc", false)
	cr, crf := pendingMessage("cr", true)
	q.Enqueue(nc)
	q.Enqueue(cr)

	q.Close(ErrSessionTerminated)
	q.Close(errors.New("second close ignored"))

	if _, err := ncf.Wait(context.Background()); err != nil {
		t.Fatalf("non-critical err=%v", err)
	}
	if _, err := crf.Wait(context.Background()); !errors.Is(err, ErrDeliveryFailed) || !errors.Is(err, ErrSessionTerminated) {
		t.Fatalf("critical err=%v", err)
	}

	late, latef := pendingMessage("late", true)
	if q.Enqueue(late) {
		t.Fatalf("Enqueue accepted after Close")
	}
	if q.Len() != 0 {
		t.Fatalf("message recorded after Close")
	}
	if _, err := latef.Wait(context.Background()); !errors.Is(err, ErrSessionTerminated) {
		t.Fatalf("late err=%v", err)
	}

	q.DrainInto(func([]byte) error {
		t.Fatalf("drain sent after Close")
		return nil
	})
}
