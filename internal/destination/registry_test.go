package destination

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRegistryReusesPoolPerConnString(t *testing.T) {
	var created atomic.Int32
	factory := func(ctx context.Context, connString string) (Pool, error) {
		created.Add(1)
		return &fakePool{}, nil
	}

	r := NewRegistry(factory, testLogger())
	ctx := context.Background()

	first, err := r.Get(ctx, "postgres://u:p@a/db")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := r.Get(ctx, "postgres://u:p@a/db")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first != second {
		t.Error("expected the same pool instance for identical connector strings")
	}
	if created.Load() != 1 {
		t.Errorf("factory called %d times, want 1", created.Load())
	}

	// Different credentials never share a pool.
	other, err := r.Get(ctx, "postgres://u:other@a/db")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if other == first {
		t.Error("pools shared across different credentials")
	}
	if r.Size() != 2 {
		t.Errorf("registry size = %d, want 2", r.Size())
	}
}

func TestRegistrySingleFlightUnderConcurrency(t *testing.T) {
	var created atomic.Int32
	release := make(chan struct{})
	factory := func(ctx context.Context, connString string) (Pool, error) {
		created.Add(1)
		<-release
		return &fakePool{}, nil
	}

	r := NewRegistry(factory, testLogger())
	ctx := context.Background()

	const callers = 10
	pools := make([]Pool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.Get(ctx, "postgres://u:p@a/db")
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			pools[i] = p
		}(i)
	}

	close(release)
	wg.Wait()

	if created.Load() != 1 {
		t.Fatalf("factory called %d times, want 1", created.Load())
	}
	for i := 1; i < callers; i++ {
		if pools[i] != pools[0] {
			t.Fatalf("caller %d got a different pool", i)
		}
	}
}

func TestRegistryRetriesAfterFactoryFailure(t *testing.T) {
	var calls atomic.Int32
	factory := func(ctx context.Context, connString string) (Pool, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return &fakePool{}, nil
	}

	r := NewRegistry(factory, testLogger())
	ctx := context.Background()

	if _, err := r.Get(ctx, "postgres://u:p@a/db"); err == nil {
		t.Fatal("expected first Get to fail")
	}
	if r.Size() != 0 {
		t.Errorf("failed entry left in registry, size = %d", r.Size())
	}

	if _, err := r.Get(ctx, "postgres://u:p@a/db"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("factory called %d times, want 2", calls.Load())
	}
}

func TestRegistryCloseAll(t *testing.T) {
	pool := &fakePool{}
	factory := func(ctx context.Context, connString string) (Pool, error) {
		return pool, nil
	}

	r := NewRegistry(factory, testLogger())
	if _, err := r.Get(context.Background(), "postgres://u:p@a/db"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r.CloseAll()

	if !pool.closed {
		t.Error("pool not closed")
	}
	if r.Size() != 0 {
		t.Errorf("registry size after CloseAll = %d, want 0", r.Size())
	}
}
