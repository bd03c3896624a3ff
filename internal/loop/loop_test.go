package loop

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLoop() *Loop {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCallRunsOnLoop(t *testing.T) {
	l := newTestLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var n int
	l.Call(func() { n = 42 })
	if n != 42 {
		t.Errorf("n = %d", n)
	}
}

func TestPostsExecuteInOrder(t *testing.T) {
	l := newTestLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var order []int
	for i := 0; i < 10; i++ {
		i := i
		l.Post(func() { order = append(order, i) })
	}
	l.Call(func() {})
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v", order)
		}
	}
}

func TestTickerFires(t *testing.T) {
	l := newTestLoop()
	var ticks atomic.Int32
	l.Every(10*time.Millisecond, func() { ticks.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	deadline := time.After(2 * time.Second)
	for ticks.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("ticks = %d after deadline", ticks.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPanicRecovered(t *testing.T) {
	l := newTestLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	l.Post(func() { panic("boom") })
	var ok bool
	l.Call(func() { ok = true })
	if !ok {
		t.Error("loop dead after panic")
	}
}
