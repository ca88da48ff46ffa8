package imagefanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/panelforge/engine/internal/domain"
)

// Regression test for concurrent Get/Put on the shared InMemoryCache:
// executor.Run fans a storyboard's panels out across up to PerSessionCap
// goroutines, all hitting the same cache instance.
func TestInMemoryCacheSurvivesConcurrentGetAndPut(t *testing.T) {
	cache := NewInMemoryCache()
	ctx := context.Background()

	const goroutines = 16
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(n int) {
			defer wg.Done()
			key := "panel-key"
			_, _, _ = cache.Get(ctx, key)
			_ = cache.Put(ctx, key, domain.ImageResult{PanelID: "p1"}, time.Minute)
			_, _, _ = cache.Get(ctx, key)
		}(i)
	}
	wg.Wait()
}

func TestInMemoryCacheExpiresAfterTTL(t *testing.T) {
	cache := NewInMemoryCache()
	ctx := context.Background()

	if err := cache.Put(ctx, "k", domain.ImageResult{PanelID: "p1"}, -time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_, ok, err := cache.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected an already-expired entry to miss")
	}
}
