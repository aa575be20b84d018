package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/nicktill/tinycount/pkg/storage"
	"github.com/nicktill/tinycount/pkg/storage/storagetest"
)

func TestMemoryStorage_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return New()
	})
}

func TestMemoryStorage_ConcurrentAppend(t *testing.T) {
	store := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Append(ctx, "req"); err != nil {
				t.Errorf("Append failed: %v", err)
			}
		}()
	}
	wg.Wait()

	all, err := store.SnapshotAll(ctx)
	if err != nil {
		t.Fatalf("SnapshotAll failed: %v", err)
	}
	if len(all) != 50 {
		t.Errorf("Expected 50 requests, got %d", len(all))
	}
}

func TestMemoryStorage_SnapshotIsCopy(t *testing.T) {
	store := New()
	ctx := context.Background()
	_ = store.Append(ctx, "a")

	all, _ := store.SnapshotAll(ctx)
	all[0] = "mutated"

	head, _, _ := store.PeekOldest(ctx)
	if head != "a" {
		t.Errorf("Expected head a, got %s", head)
	}
}
