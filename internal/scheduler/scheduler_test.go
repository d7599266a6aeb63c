package scheduler

import "testing"

func TestFairnessOverTwiceNDecisions(t *testing.T) {
	const n = 4
	s := New(n)
	for i := 0; i < n; i++ {
		s.AddVCPU(i)
	}

	ran := map[int]int{}
	last := -1
	for decisions := 0; decisions < 2*n; decisions++ {
		next := s.PickNext(last)
		if next < 0 {
			t.Fatal("expected a runnable vCPU")
		}
		ran[next]++
		s.YieldCurrent(next)
		last = next
	}

	for i := 0; i < n; i++ {
		if ran[i] == 0 {
			t.Fatalf("vCPU %d never ran across %d decisions", i, 2*n)
		}
	}
}

func TestWFIBlocksAndSGIUnblocks(t *testing.T) {
	s := New(2)
	s.AddVCPU(0)
	s.AddVCPU(1)

	next := s.PickNext(-1)
	if next != 0 {
		t.Fatalf("expected vCPU 0 first, got %d", next)
	}
	s.BlockCurrent(0)
	if s.State(0) != StateBlocked {
		t.Fatal("vCPU 0 should be Blocked after WFI")
	}

	next = s.PickNext(0)
	if next != 1 {
		t.Fatalf("expected vCPU 1 to be picked while 0 is blocked, got %d", next)
	}

	s.Unblock(0)
	if s.State(0) != StateReady {
		t.Fatal("SGI delivery should unblock vCPU 0 back to Ready")
	}
}

func TestPickNextStickyOnRunning(t *testing.T) {
	s := New(2)
	s.AddVCPU(0)
	s.AddVCPU(1)
	first := s.PickNext(-1)
	again := s.PickNext(first)
	if again != first {
		t.Fatalf("PickNext must return the still-Running vCPU, got %d then %d", first, again)
	}
}
