package lru

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestBasicGetPut(t *testing.T) {
	c := New[string, int](2)

	c.Put("a", 1)
	c.Put("b", 2)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected a=1, got %v %v", v, ok)
	}
	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Fatalf("expected b=2, got %v %v", v, ok)
	}
}

func TestEviction(t *testing.T) {
	c := New[string, int](2)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a")

	evKey, evVal, evicted := c.Put("c", 3)
	if !evicted || evKey != "b" || evVal != 2 {
		t.Fatalf("expected eviction of b=2, got key=%v val=%v evicted=%v", evKey, evVal, evicted)
	}
	if _, ok := c.Get("b"); ok {
		t.Fatal("expected 'b' to be evicted")
	}
	if c.Len() != 2 {
		t.Fatalf("expected len 2, got %d", c.Len())
	}
}

func TestUpdateExistingDoesNotEvict(t *testing.T) {
	c := New[string, int](1)
	c.Put("a", 1)
	if _, _, evicted := c.Put("a", 2); evicted {
		t.Fatal("update must not evict")
	}
	if v, _ := c.Get("a"); v != 2 {
		t.Fatalf("expected a=2, got %v", v)
	}
}

func TestTTLExpiry(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := New[string, string](10, WithTTL[string, string](time.Hour), WithClock[string, string](clk.Now))

	c.Put("job:1", "queued")
	c.PutTTL("job:2", "running", 0)

	clk.Advance(59 * time.Minute)
	if _, ok := c.Get("job:1"); !ok {
		t.Fatal("job:1 expired early")
	}

	clk.Advance(time.Minute)
	if _, ok := c.Get("job:1"); ok {
		t.Fatal("job:1 should have expired")
	}
	if _, ok := c.Peek("job:2"); !ok {
		t.Fatal("entry without ttl must not expire")
	}
	if c.Len() != 1 {
		t.Fatalf("expired entry should be dropped on access, len=%d", c.Len())
	}
}

func TestTouchAndPurge(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	c := New[int, int](10, WithClock[int, int](clk.Now))

	for i := 0; i < 5; i++ {
		c.PutTTL(i, i, time.Minute)
	}
	c.Touch(2, time.Hour)

	clk.Advance(2 * time.Minute)
	if got := c.Keys(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected only key 2 live, got %v", got)
	}
	if n := c.Purge(); n != 4 {
		t.Fatalf("expected 4 purged, got %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("expected len 1, got %d", c.Len())
	}
	if c.Touch(0, time.Hour) {
		t.Fatal("touching a purged key must fail")
	}
}

func TestUpdate(t *testing.T) {
	c := New[string, []string](4)
	c.Put("log", nil)

	for i := 0; i < 3; i++ {
		ok := c.Update("log", func(v []string) []string { return append(v, fmt.Sprint(i)) })
		if !ok {
			t.Fatal("update failed")
		}
	}
	if v, _ := c.Get("log"); len(v) != 3 || v[2] != "2" {
		t.Fatalf("unexpected value %v", v)
	}
	if c.Update("missing", func(v []string) []string { return v }) {
		t.Fatal("update of missing key must fail")
	}
}

func TestDeleteAndClear(t *testing.T) {
	c := New[string, int](3)
	c.Put("a", 1)
	c.Put("b", 2)

	if !c.Delete("a") || c.Delete("a") {
		t.Fatal("delete should succeed once")
	}
	c.Clear()
	if c.Len() != 0 || len(c.Keys()) != 0 {
		t.Fatal("clear should empty the cache")
	}
}

func TestNewPanicsOnZeroCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New[string, int](0)
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int, int](100, WithTTL[int, int](time.Minute))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				k := (g*1000 + i) % 150
				c.Put(k, i)
				c.Get(k)
				c.Update(k, func(v int) int { return v + 1 })
				if i%100 == 0 {
					c.Purge()
				}
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 100 {
		t.Fatalf("capacity exceeded: %d", c.Len())
	}
}
