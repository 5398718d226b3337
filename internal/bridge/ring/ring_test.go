package ring

import "testing"

func TestRingPushPopOrder(t *testing.T) {
	r := New(4)
	r.Push(Frame{1})
	r.Push(Frame{2})
	r.Push(Frame{3})

	f, ok := r.Pop()
	if !ok || f[0] != 1 {
		t.Fatalf("expected frame 1 first, got %v ok=%v", f, ok)
	}
	f, ok = r.Pop()
	if !ok || f[0] != 2 {
		t.Fatalf("expected frame 2 second, got %v ok=%v", f, ok)
	}
}

func TestRingPopEmpty(t *testing.T) {
	r := New(2)
	if _, ok := r.Pop(); ok {
		t.Fatal("expected false on empty ring")
	}
}

func TestRingOverflowDropsOldest(t *testing.T) {
	r := New(64)
	for i := 0; i < 100; i++ {
		r.Push(Frame{byte(i)})
	}
	if r.Len() != 64 {
		t.Fatalf("expected ring size 64 at capacity, got %d", r.Len())
	}
	dropped, hwm := r.Stats()
	if dropped != 36 {
		t.Fatalf("expected 36 dropped frames, got %d", dropped)
	}
	if hwm != 64 {
		t.Fatalf("expected high water mark 64, got %d", hwm)
	}
	// Oldest surviving frame should be index 36 (0..35 dropped).
	f, ok := r.Pop()
	if !ok || f[0] != 36 {
		t.Fatalf("expected oldest surviving frame to be 36, got %v", f)
	}
}

func TestRingDrain(t *testing.T) {
	r := New(8)
	r.Push(Frame{1})
	r.Push(Frame{2})
	n := r.Drain()
	if n != 2 {
		t.Fatalf("expected 2 drained, got %d", n)
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty ring after drain, got len %d", r.Len())
	}
}

func TestStagingAppendAndDrainOrder(t *testing.T) {
	var s Staging
	for i := byte(0); i < 5; i++ {
		s.Append(Frame{i})
	}
	if s.Len() != 5 {
		t.Fatalf("expected 5 staged frames, got %d", s.Len())
	}
	drained := s.Drain()
	if len(drained) != 5 {
		t.Fatalf("expected 5 drained frames, got %d", len(drained))
	}
	for i, f := range drained {
		if f[0] != byte(i) {
			t.Fatalf("order mismatch at %d: got %v", i, f)
		}
	}
	if s.Len() != 0 {
		t.Fatal("expected staging empty after drain")
	}
}
