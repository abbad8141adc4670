package locks_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/syncd/internal/locks"
)

var tabs = locks.Key{UserID: 1, Collection: "tabs"}

func TestReadersShare(t *testing.T) {
	t.Parallel()
	table := locks.New()
	ctx := context.Background()
	a, err := table.Acquire(ctx, tabs, locks.Read)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	b, err := table.Acquire(ctx, tabs, locks.Read)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if _, ok := table.TryAcquire(tabs, locks.Write); ok {
		t.Fatalf("writer must not be granted while readers hold the lock")
	}
	a.Release()
	b.Release()
	w, ok := table.TryAcquire(tabs, locks.Write)
	if !ok {
		t.Fatalf("writer should be granted once readers release")
	}
	w.Release()
	if table.Len() != 0 {
		t.Fatalf("expected table to be empty, got %d", table.Len())
	}
}

func TestWriterExcludes(t *testing.T) {
	t.Parallel()
	table := locks.New()
	w, err := table.Acquire(context.Background(), tabs, locks.Write)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := table.Acquire(ctx, tabs, locks.Read); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	w.Release()
	w.Release()
	r, err := table.Acquire(context.Background(), tabs, locks.Read)
	if err != nil {
		t.Fatalf("read after release: %v", err)
	}
	r.Release()
}

func TestDistinctKeysDoNotContend(t *testing.T) {
	t.Parallel()
	table := locks.New()
	w1, err := table.Acquire(context.Background(), tabs, locks.Write)
	if err != nil {
		t.Fatalf("write tabs: %v", err)
	}
	defer w1.Release()
	other := []locks.Key{{UserID: 1, Collection: "bookmarks"}, {UserID: 2, Collection: "tabs"}}
	for _, key := range other {
		h, ok := table.TryAcquire(key, locks.Write)
		if !ok {
			t.Fatalf("%+v should not contend with %+v", key, tabs)
		}
		h.Release()
	}
}

func TestWaitingWriterBlocksNewReaders(t *testing.T) {
	t.Parallel()
	table := locks.New()
	r, err := table.Acquire(context.Background(), tabs, locks.Read)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	granted := make(chan *locks.Held, 1)
	go func() {
		w, err := table.Acquire(context.Background(), tabs, locks.Write)
		if err == nil {
			granted <- w
		}
	}()
	deadline := time.Now().Add(time.Second)
	for {
		reader, ok := table.TryAcquire(tabs, locks.Read)
		if !ok {
			break
		}
		reader.Release()
		if time.Now().After(deadline) {
			t.Fatalf("writer never started waiting")
		}
		time.Sleep(time.Millisecond)
	}
	r.Release()
	select {
	case w := <-granted:
		w.Release()
	case <-time.After(time.Second):
		t.Fatalf("writer not granted after reader released")
	}
}

func TestExclusiveWritersSerialize(t *testing.T) {
	t.Parallel()
	table := locks.New()
	var inside int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := table.Acquire(context.Background(), tabs, locks.Write)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if n := atomic.AddInt32(&inside, 1); n != 1 {
				t.Errorf("expected exclusive access, saw %d holders", n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			h.Release()
		}()
	}
	wg.Wait()
	if table.Len() != 0 {
		t.Fatalf("expected empty table, got %d", table.Len())
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	t.Parallel()
	table := locks.New()
	w, err := table.Acquire(context.Background(), tabs, locks.Write)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := table.Acquire(context.Background(), tabs, locks.Write)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	table.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, locks.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not woken by Close")
	}
	w.Release()
}
