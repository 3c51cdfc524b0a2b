package pathlock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireSerializesSameKey(t *testing.T) {
	r := New()
	var counter int64
	var maxObserved int64

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := r.Acquire("same-key")
			defer h.Release()

			n := atomic.AddInt64(&counter, 1)
			for {
				old := atomic.LoadInt64(&maxObserved)
				if n <= old || atomic.CompareAndSwapInt64(&maxObserved, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&counter, -1)
		}()
	}
	wg.Wait()

	if maxObserved != 1 {
		t.Fatalf("expected at most one holder of the same key at a time, observed concurrency %d", maxObserved)
	}
}

func TestAcquireAllowsDistinctKeysInParallel(t *testing.T) {
	r := New()
	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make(chan time.Duration, 2)

	for _, key := range []string{"a", "b"} {
		key := key
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			began := time.Now()
			h := r.Acquire(key)
			defer h.Release()
			time.Sleep(20 * time.Millisecond)
			results <- time.Since(began)
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	for d := range results {
		if d > 100*time.Millisecond {
			t.Fatalf("distinct keys appear to have serialized against each other: took %v", d)
		}
	}
}

func TestRegistryDoesNotLeakEntriesAfterRelease(t *testing.T) {
	r := New()
	h := r.Acquire("k")
	h.Release()

	if len(r.locks) != 0 {
		t.Fatalf("expected registry to drop the entry once unreferenced, got %d entries", len(r.locks))
	}
}
