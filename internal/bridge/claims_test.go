package bridge

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestClaimSet_AcquireRelease(t *testing.T) {
	claims := NewClaimSet()

	if !claims.TryAcquire("wf-1", "s1") {
		t.Fatal("first acquire should succeed")
	}
	if claims.TryAcquire("wf-1", "s1") {
		t.Error("second acquire of the same step should fail")
	}
	if !claims.TryAcquire("wf-1", "s2") {
		t.Error("different step should acquire independently")
	}
	if !claims.TryAcquire("wf-2", "s1") {
		t.Error("same step id in another workflow should acquire independently")
	}
	if claims.Len() != 3 {
		t.Errorf("expected 3 active claims, got %d", claims.Len())
	}

	claims.Release("wf-1", "s1")
	if !claims.TryAcquire("wf-1", "s1") {
		t.Error("acquire after release should succeed")
	}
}

func TestClaimSet_ReleaseUnknownIsNoop(t *testing.T) {
	claims := NewClaimSet()
	claims.Release("wf-1", "s1")
	if claims.Len() != 0 {
		t.Errorf("expected 0 claims, got %d", claims.Len())
	}
}

func TestClaimSet_ConcurrentAcquireHasOneWinner(t *testing.T) {
	claims := NewClaimSet()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if claims.TryAcquire("wf-1", "s1") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one winning claim, got %d", wins.Load())
	}
}
