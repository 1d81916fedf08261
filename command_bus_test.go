package eventflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// ---- Test Stubs ----

type testCmd struct {
	ID string
}

func (c testCmd) AggregateID() string { return c.ID }

type testCmd2 struct {
	ID string
}

func (c testCmd2) AggregateID() string { return c.ID }

// ---- Tests ----

func TestCommandBus_Success(t *testing.T) {
	bus := NewCommandBus(10, 2)

	if err := Register(bus, func(ctx context.Context, cmd testCmd) (AppendResult, error) {
		return AppendResult{Successful: true}, nil
	}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	ctx := context.Background()
	res, err := bus.Dispatch(ctx, testCmd{ID: "abc"})

	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !res.Successful {
		t.Fatalf("expected successful result")
	}

	bus.Stop()
}

func TestCommandBus_NoHandler(t *testing.T) {
	bus := NewCommandBus(10, 1)

	_, err := bus.Dispatch(context.Background(), testCmd{ID: "missing"})

	if err == nil || err.Error() == "" {
		t.Fatalf("expected error for missing handler")
	}

	bus.Stop()
}

func TestCommandBus_HandlerPanic(t *testing.T) {
	bus := NewCommandBus(10, 1)

	Register(bus, func(ctx context.Context, cmd testCmd) (AppendResult, error) {
		panic("boom")
	})

	_, err := bus.Dispatch(context.Background(), testCmd{ID: "x"})

	if err == nil || err.Error() == "" {
		t.Fatalf("expected panic recovery error")
	}

	// The worker must survive the panic.
	res, err := bus.Dispatch(context.Background(), testCmd2{ID: "y"})
	if err == nil {
		t.Fatalf("expected no-handler error, got result %+v", res)
	}

	bus.Stop()
}

func TestCommandBus_ContextCancelBeforeEnqueue(t *testing.T) {
	bus := NewCommandBus(0, 1) // zero buffer so enqueue blocks

	Register(bus, func(ctx context.Context, cmd testCmd) (AppendResult, error) {
		return AppendResult{Successful: true}, nil
	})

	// Cancel immediately
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Block the single worker so the enqueue cannot proceed.
	block := make(chan struct{})
	Register(bus, func(ctx context.Context, cmd testCmd2) (AppendResult, error) {
		<-block
		return AppendResult{Successful: true}, nil
	})
	go bus.Dispatch(context.Background(), testCmd2{ID: "blocker"})
	time.Sleep(10 * time.Millisecond)

	_, err := bus.Dispatch(ctx, testCmd{ID: "slow"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(block)
	bus.Stop()
}

func TestCommandBus_ContextCancelWhileWaiting(t *testing.T) {
	bus := NewCommandBus(10, 1)

	Register(bus, func(ctx context.Context, cmd testCmd) (AppendResult, error) {
		time.Sleep(200 * time.Millisecond)
		return AppendResult{Successful: true}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := bus.Dispatch(ctx, testCmd{ID: "slow-op"})
	if err == nil {
		t.Fatalf("expected timeout error")
	}

	bus.Stop()
}

func TestRegister_DuplicateHandler(t *testing.T) {
	bus := NewCommandBus(10, 1)

	if err := Register(bus, func(ctx context.Context, cmd testCmd) (AppendResult, error) {
		return AppendResult{Successful: true}, nil
	}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	err := Register(bus, func(ctx context.Context, cmd testCmd) (AppendResult, error) {
		return AppendResult{Successful: true}, nil
	})
	if !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("expected ErrDuplicateHandler, got %v", err)
	}

	// A different command type is still accepted.
	if err := Register(bus, func(ctx context.Context, cmd testCmd2) (AppendResult, error) {
		return AppendResult{Successful: true}, nil
	}); err != nil {
		t.Fatalf("unexpected register error for second type: %v", err)
	}

	bus.Stop()
}

func TestCommandBus_Stop(t *testing.T) {
	bus := NewCommandBus(10, 1)

	Register(bus, func(ctx context.Context, cmd testCmd) (AppendResult, error) {
		return AppendResult{Successful: true}, nil
	})

	// Dispatch something before stopping
	_, err := bus.Dispatch(context.Background(), testCmd{ID: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bus.Stop()

	// Now dispatch must fail
	_, err = bus.Dispatch(context.Background(), testCmd{ID: "x"})
	if !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed after Stop, got %v", err)
	}
}

func TestCommandBus_StopDuringDispatch(t *testing.T) {
	bus := NewCommandBus(4, 2)

	Register(bus, func(ctx context.Context, cmd testCmd) (AppendResult, error) {
		return AppendResult{Successful: true}, nil
	})

	// Hammer the bus from several goroutines while Stop runs. Every dispatch
	// must either complete or fail with ErrBusClosed; none may hit a closed
	// queue.
	ids := []string{"agg-1", "agg-2", "agg-3", "agg-4"}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for {
				if _, err := bus.Dispatch(context.Background(), testCmd{ID: id}); err != nil {
					if !errors.Is(err, ErrBusClosed) {
						t.Errorf("unexpected dispatch error: %v", err)
					}
					return
				}
			}
		}(id)
	}

	time.Sleep(10 * time.Millisecond)
	bus.Stop()
	wg.Wait()

	if _, err := bus.Dispatch(context.Background(), testCmd{ID: "late"}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed after Stop, got %v", err)
	}

	// Stopping again is a no-op.
	bus.Stop()
}

func TestCommandBus_ShardDeterministic(t *testing.T) {
	bus := NewCommandBus(10, 3)

	s1 := bus.selectShard("abc")
	s2 := bus.selectShard("abc")

	if s1 != s2 {
		t.Fatalf("shard hashing not deterministic")
	}
	if s1 < 0 || s1 >= 3 {
		t.Fatalf("shard out of range: %d", s1)
	}

	bus.Stop()
}

func TestCommandBus_SameAggregateOrdering(t *testing.T) {
	bus := NewCommandBus(16, 4)

	var mu sync.Mutex
	var order []string

	Register(bus, func(ctx context.Context, cmd testCmd) (AppendResult, error) {
		mu.Lock()
		order = append(order, cmd.ID)
		mu.Unlock()
		return AppendResult{Successful: true}, nil
	})

	// Same aggregate id: commands land on one shard and run in dispatch
	// order relative to the caller.
	for i := 0; i < 20; i++ {
		if _, err := bus.Dispatch(context.Background(), testCmd{ID: "agg-1"}); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	if len(order) != 20 {
		t.Fatalf("expected 20 handled commands, got %d", len(order))
	}

	bus.Stop()
}
