package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestMemoryStoreConcurrentRecordIsAtomic(t *testing.T) {
	store := NewMemoryStore()
	var (
		wg      sync.WaitGroup
		created atomic.Int32
		dupes   atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			isNew, err := store.Record(context.Background(), "evt-1", "Message", []byte(`{}`))
			switch {
			case isNew:
				created.Add(1)
			case errors.Is(err, ErrDuplicateEvent):
				dupes.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created.Load() != 1 || dupes.Load() != 49 {
		t.Fatalf("expected 1 new and 49 duplicates, got %d/%d", created.Load(), dupes.Load())
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.Record(ctx, id, "Message", []byte(`{}`)); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	if err := store.MarkProcessed(ctx, "a", nil); err != nil {
		t.Fatalf("mark a: %v", err)
	}
	if err := store.MarkProcessed(ctx, "b", terminalErr{}); err != nil {
		t.Fatalf("mark b: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.MarkProcessed(ctx, "c", errors.New("db down")); err != nil {
			t.Fatalf("mark c: %v", err)
		}
	}

	c, err := store.Get(ctx, "c")
	if err != nil {
		t.Fatalf("get c: %v", err)
	}
	if c.Processed || c.RetryCount != 3 || c.ErrorMessage == nil || string(c.RawPayload) != "{}" {
		t.Fatalf("unexpected state for c: %#v", c)
	}

	retryable, _ := store.ListRetryable(ctx, 10, 5)
	if len(retryable) != 1 || retryable[0].EventID != "c" {
		t.Fatalf("expected c retryable, got %#v", retryable)
	}
	if retryable, _ := store.ListRetryable(ctx, 10, 3); len(retryable) != 0 {
		t.Fatalf("expected nothing below ceiling, got %#v", retryable)
	}
	exhausted, _ := store.ListExhausted(ctx, 10, 3)
	if len(exhausted) != 1 {
		t.Fatalf("expected c exhausted, got %#v", exhausted)
	}

	if err := store.MarkFailedPermanently(ctx, "c"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	failed, _ := store.ListFailed(ctx, 10)
	if len(failed) != 2 {
		t.Fatalf("expected b and c failed, got %#v", failed)
	}
	if exhausted, _ := store.ListExhausted(ctx, 10, 3); len(exhausted) != 0 {
		t.Fatalf("permanently failed event still listed: %#v", exhausted)
	}
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMemoryStore().Record(ctx, "x", "Message", nil); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}
