package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"picbot/internal/delivery"
	"picbot/internal/eventbus"
	logx "picbot/pkg/logx"
)

type fakeDeliverer struct {
	mu    sync.Mutex
	calls []string
	err   error
	image string
	block chan struct{} // when set, Deliver waits for it
}

func (f *fakeDeliverer) Deliver(ctx context.Context, userID string) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, userID)
	f.mu.Unlock()
	return f.image, f.err
}

func (f *fakeDeliverer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEnqueueExecutesAndPublishes(t *testing.T) {
	t.Parallel()
	fd := &fakeDeliverer{image: "a.jpg"}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{}, fd, bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	if err := s.Enqueue("42"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.UserID != "42" || ev.Image != "a.jpg" || ev.Result != eventbus.ResultOK {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.ID == "" {
			t.Fatal("event missing job id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
	}

	recent := s.Recent(10)
	if len(recent) != 1 || recent[0].UserID != "42" {
		t.Fatalf("Recent = %+v", recent)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	fd := &fakeDeliverer{block: block}
	s := New(Config{Workers: 1, QueueSize: 1}, fd, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer func() {
		close(block)
		s.Stop(context.Background())
	}()

	// One job occupies the worker, one fills the queue; the rest must be
	// rejected rather than blocking the caller (the cron timer goroutine).
	_ = s.Enqueue("1")
	_ = s.Enqueue("2")

	waitErr := error(nil)
	for i := 0; i < 10; i++ {
		if err := s.Enqueue("3"); err != nil {
			waitErr = err
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(waitErr, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", waitErr)
	}
}

func TestEnqueueBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeDeliverer{}, nil, logx.Nop())
	if err := s.Enqueue("42"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestResultClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		image string
		err   error
		want  eventbus.Result
	}{
		{name: "ok", image: "a.jpg", want: eventbus.ResultOK},
		{name: "empty catalog", image: "", want: eventbus.ResultEmpty},
		{name: "send failure", image: "a.jpg", err: fmt.Errorf("%w: boom", delivery.ErrSendFailed), want: eventbus.ResultSendError},
		{name: "other failure", err: errors.New("store broke"), want: eventbus.ResultError},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			fd := &fakeDeliverer{image: tt.image, err: tt.err}
			s := New(Config{}, fd, nil, logx.Nop())
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			s.Start(ctx)
			defer s.Stop(context.Background())

			if err := s.Enqueue("42"); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			waitFor(t, func() bool { return len(s.Recent(1)) == 1 })
			if got := s.Recent(1)[0].Result; got != tt.want {
				t.Fatalf("result = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()
	fd := &fakeDeliverer{image: "a.jpg"}
	s := New(Config{HistorySize: 5, RatePerSec: 1000}, fd, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	for i := 0; i < 20; i++ {
		_ = s.Enqueue("42")
		waitFor(t, func() bool { return fd.callCount() >= i+1 })
	}
	if n := len(s.Recent(0)); n != 5 {
		t.Fatalf("history size = %d, want 5", n)
	}
}
