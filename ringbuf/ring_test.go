package ringbuf

import "testing"

func TestPushPopFIFO(t *testing.T) {
	r := New(4)
	for _, b := range []byte{1, 2, 3} {
		if !r.PushByte(b) {
			t.Fatalf("push %d should have succeeded", b)
		}
	}
	for _, want := range []byte{1, 2, 3} {
		got, ok := r.PopByte()
		if !ok || got != want {
			t.Fatalf("pop = (%d, %v), want (%d, true)", got, ok, want)
		}
	}
	if _, ok := r.PopByte(); ok {
		t.Fatalf("pop on empty ring should return ok=false")
	}
}

func TestPushOnFullDropsSilently(t *testing.T) {
	r := New(2)
	drops := 0
	r.OnDrop(func() { drops++ })

	if !r.PushByte('a') || !r.PushByte('b') {
		t.Fatalf("first two pushes should succeed")
	}
	if r.PushByte('c') {
		t.Fatalf("push into a full ring should report false")
	}
	if drops != 1 {
		t.Fatalf("drop callback fired %d times, want 1", drops)
	}
	if r.Used() != 2 {
		t.Fatalf("used = %d, want 2", r.Used())
	}
}

func TestUsedFreeCapacity(t *testing.T) {
	r := New(8)
	if r.Capacity() != 8 {
		t.Fatalf("capacity = %d, want 8", r.Capacity())
	}
	for i := 0; i < 5; i++ {
		r.PushByte(byte(i))
	}
	if r.Used() != 5 || r.Free() != 3 {
		t.Fatalf("used=%d free=%d, want 5/3", r.Used(), r.Free())
	}
}

func TestFlushClearsRing(t *testing.T) {
	r := New(4)
	r.PushByte(1)
	r.PushByte(2)
	r.Flush()
	if r.Used() != 0 {
		t.Fatalf("used after flush = %d, want 0", r.Used())
	}
	if _, ok := r.PopByte(); ok {
		t.Fatalf("pop after flush should fail")
	}
}

func TestWrapsAroundAfterPartialDrain(t *testing.T) {
	r := New(4)
	r.PushByte(1)
	r.PushByte(2)
	r.PopByte()
	r.PopByte()
	r.PushByte(3)
	r.PushByte(4)
	r.PushByte(5)
	r.PushByte(6)
	for _, want := range []byte{3, 4, 5, 6} {
		got, ok := r.PopByte()
		if !ok || got != want {
			t.Fatalf("pop = (%d,%v), want (%d,true)", got, ok, want)
		}
	}
}

func TestReadWriteIOAdapters(t *testing.T) {
	r := New(16)
	n, err := r.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write = (%d, %v), want (5, nil)", n, err)
	}
	buf := make([]byte, 3)
	n, err = r.Read(buf)
	if err != nil || n != 3 || string(buf) != "hel" {
		t.Fatalf("Read = (%d, %q, %v)", n, buf[:n], err)
	}
	if r.Used() != 2 {
		t.Fatalf("used = %d, want 2", r.Used())
	}
}

// TestFlowOutHysteresisThresholds exercises the exact crossing points
// spec.md §8 property 5 requires, independent of the serial package's
// Controller (which owns the actual assert/deassert action) — this just
// pins down Used()/Capacity() so Controller.OnRXUsedChanged has the
// inputs it expects.
func TestFlowOutHysteresisThresholds(t *testing.T) {
	r := New(100)
	for i := 0; i < 74; i++ {
		r.PushByte(byte(i))
	}
	if r.Used()*4 >= r.Capacity()*3 {
		t.Fatalf("74%% full should be below the 75%% assert threshold")
	}
	r.PushByte(99)
	if r.Used()*4 < r.Capacity()*3 {
		t.Fatalf("75%% full should be at/above the assert threshold")
	}
}
