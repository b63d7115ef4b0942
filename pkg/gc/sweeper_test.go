package gc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type stubEvictor struct {
	mu       sync.Mutex
	calls    []int64
	freed    int64
	fail     error
	notified chan struct{}
}

func (s *stubEvictor) Evict(ctx context.Context, maxBytes int64) (int64, int64, error) {
	s.mu.Lock()
	s.calls = append(s.calls, maxBytes)
	s.mu.Unlock()
	if s.notified != nil {
		select {
		case s.notified <- struct{}{}:
		default:
		}
	}
	if s.fail != nil {
		return 0, 0, s.fail
	}
	return s.freed, maxBytes, nil
}

func (s *stubEvictor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestSweeperEvictsToBudget(t *testing.T) {
	stub := &stubEvictor{freed: 512}
	sweeper := NewSweeper(Options{Store: stub, MaxBytes: 1024})
	res, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Freed != 512 || res.Remaining != 1024 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(stub.calls) != 1 || stub.calls[0] != 1024 {
		t.Fatalf("expected one evict at budget 1024, got %v", stub.calls)
	}
}

func TestSweeperDisabledWithoutBudget(t *testing.T) {
	stub := &stubEvictor{}
	sweeper := NewSweeper(Options{Store: stub})
	if sweeper.Enabled() {
		t.Fatalf("sweeper without budget should be disabled")
	}
	if _, err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	cancel := sweeper.Start(context.Background(), time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	cancel()
	if stub.callCount() != 0 {
		t.Fatalf("disabled sweeper must not evict, got %d calls", stub.callCount())
	}
}

func TestSweeperMissingStore(t *testing.T) {
	if _, err := NewSweeper(Options{MaxBytes: 1}).Sweep(context.Background()); err == nil {
		t.Fatalf("expected error without a store")
	}
}

func TestSweeperPropagatesEvictError(t *testing.T) {
	stub := &stubEvictor{fail: errors.New("readdir failed")}
	if _, err := NewSweeper(Options{Store: stub, MaxBytes: 1}).Sweep(context.Background()); err == nil {
		t.Fatalf("expected evict error")
	}
}

func TestSweeperStartLoopsUntilCancel(t *testing.T) {
	stub := &stubEvictor{notified: make(chan struct{}, 1)}
	sweeper := NewSweeper(Options{Store: stub, MaxBytes: 10})
	cancel := sweeper.Start(context.Background(), 5*time.Millisecond)
	for i := 0; i < 2; i++ {
		select {
		case <-stub.notified:
		case <-time.After(2 * time.Second):
			t.Fatalf("sweep loop did not run")
		}
	}
	cancel()
}
