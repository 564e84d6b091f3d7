package callsession

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFuture_ResolvesOnce(t *testing.T) {
	f := newFuture[int]()
	if _, _, ok := f.Result(); ok {
		t.Fatalf("pending future reported a result")
	}

	if !f.resolve(1, nil) {
		t.Fatalf("first resolve ignored")
	}
	if f.resolve(2, errors.New("late")) {
		t.Fatalf("second resolve accepted")
	}

	v, err, ok := f.Result()
	if !ok || v != 1 || err != nil {
		t.Fatalf("Result()=(%d, %v, %t), want (1, nil, true)", v, err, ok)
	}
	select {
	case <-f.Done():
	default:
		t.Fatalf("Done not closed")
	}
}

func TestFuture_WaitHonoursContext(t *testing.T) {
	f := newFuture[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want deadline exceeded", err)
	}

	f.resolve("ok", nil)
	v, err := f.Wait(context.Background())
	if err != nil || v != "ok" {
		t.Fatalf("Wait()=(%q, %v)", v, err)
	}
}

func TestResolvedFuture(t *testing.T) {
	f := resolvedFuture(0, ErrSessionTerminated)
	if _, err := f.Wait(context.Background()); !errors.Is(err, ErrSessionTerminated) {
		t.Fatalf("err=%v", err)
	}
}
