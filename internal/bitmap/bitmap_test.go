package bitmap

import "testing"

func TestFindFreeAndSet(t *testing.T) {
	a := New(130)
	if got := a.FreeCount(); got != 130 {
		t.Fatalf("FreeCount() = %d, want 130", got)
	}
	for i := uint64(0); i < 130; i++ {
		if a.IsSet(i) {
			t.Fatalf("block %d unexpectedly set", i)
		}
	}
	if b := a.FindFree(); b != 0 {
		t.Fatalf("FindFree() = %d, want 0", b)
	}
	a.Set(0, true)
	a.Set(63, true)
	a.Set(64, true)
	if b := a.FindFree(); b != 1 {
		t.Fatalf("FindFree() = %d, want 1", b)
	}
	if a.FreeCount() != 127 {
		t.Fatalf("FreeCount() = %d, want 127", a.FreeCount())
	}
	a.Set(0, false)
	if a.FreeCount() != 128 {
		t.Fatalf("FreeCount() = %d, want 128", a.FreeCount())
	}
}

func TestFindFreeExhaustion(t *testing.T) {
	a := New(4)
	for i := uint64(0); i < 4; i++ {
		a.Set(i, true)
	}
	if b := a.FindFree(); b != NoBlock {
		t.Fatalf("FindFree() = %d, want NoBlock", b)
	}
}

func TestTailBitsNeverFree(t *testing.T) {
	a := New(65) // spans two words, second word only has 1 real bit
	for {
		b := a.FindFree()
		if b == NoBlock {
			break
		}
		if b >= 65 {
			t.Fatalf("FindFree returned out-of-range block %d", b)
		}
		a.Set(b, true)
	}
	if a.FreeCount() != 0 {
		t.Fatalf("FreeCount() = %d, want 0", a.FreeCount())
	}
}
