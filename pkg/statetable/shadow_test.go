package statetable

import (
	"sync"
	"testing"
)

func TestShadowHit(t *testing.T) {
	s := NewShadow(1024)
	for _, c := range []uint64{1, 2, 1025, 2} {
		if err := s.Hit(c); err != nil {
			t.Fatalf("Hit(%d): %v", c, err)
		}
	}
	if hits, ok := s.Lookup(1); !ok || hits != 2 {
		t.Errorf("slot 1 = %d, %v; want 2 (1 and 1025 collide)", hits, ok)
	}
	if hits, ok := s.Lookup(2); !ok || hits != 2 {
		t.Errorf("slot 2 = %d, %v; want 2", hits, ok)
	}
	if _, ok := s.Lookup(3); ok {
		t.Error("slot 3 should be empty")
	}
	if s.Total() != 4 || s.Len() != 2 {
		t.Errorf("total=%d len=%d", s.Total(), s.Len())
	}
}

func TestShadowConcurrentFirstInsert(t *testing.T) {
	s := NewShadow(8)
	const workers = 64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			if err := s.Hit(uint64(i)); err != nil {
				t.Errorf("Hit: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if s.Total() != workers {
		t.Fatalf("total = %d, want %d", s.Total(), workers)
	}
	if s.Len() != 8 {
		t.Fatalf("len = %d, want 8", s.Len())
	}
	s.Iterate(func(k, hits uint32) bool {
		if hits != workers/8 {
			t.Errorf("slot %d = %d, want %d", k, hits, workers/8)
		}
		return true
	})
}
