package core

import "testing"

func TestIntervalFlattenCoalesces(t *testing.T) {
	base := make([]byte, 64)
	iv := NewInterval(base)
	iv.Add(10, 5) // [10,15)
	iv.Add(12, 10) // [12,22) overlaps -> should widen to [10,22)
	iv.Add(32, 4) // [32,36) disjoint
	iv.Add(22, 8) // [22,30) adjacent to the merged [10,22) range

	iv.Flatten()
	got := iv.Ranges()
	if len(got) != 2 {
		t.Fatalf("expected 2 ranges after flatten, got %d: %v", len(got), got)
	}
	if got[0].Start != 10 || got[0].Len != 20 {
		t.Errorf("expected first range [10,30), got start=%d len=%d", got[0].Start, got[0].Len)
	}
	if got[1].Start != 32 || got[1].Len != 4 {
		t.Errorf("expected second range [32,36), got start=%d len=%d", got[1].Start, got[1].Len)
	}
}

func TestIntervalFlattenIdempotent(t *testing.T) {
	base := make([]byte, 64)
	iv := NewInterval(base)
	iv.Add(0, 8)
	iv.Add(4, 8)
	iv.Add(20, 2)
	iv.Flatten()
	first := iv.Ranges()
	iv.Flatten()
	second := iv.Ranges()
	if len(first) != len(second) {
		t.Fatalf("flatten not idempotent: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("flatten not idempotent at %d: %v vs %v", i, first[i], second[i])
		}
	}
}

func TestIntervalClearZeroesBase(t *testing.T) {
	base := make([]byte, 16)
	for i := range base {
		base[i] = 0xff
	}
	iv := NewInterval(base)
	iv.Add(4, 4)
	iv.Clear()
	for i, b := range base {
		want := byte(0xff)
		if i >= 4 && i < 8 {
			want = 0
		}
		if b != want {
			t.Errorf("base[%d] = %#x, want %#x", i, b, want)
		}
	}
}

func TestIntervalIsContiguous(t *testing.T) {
	base := make([]byte, 32)
	iv := NewInterval(base)
	iv.Add(0, 10)
	iv.Add(10, 10)
	if !iv.IsContiguous() {
		t.Errorf("expected contiguous interval")
	}

	iv2 := NewInterval(base)
	iv2.Add(0, 5)
	iv2.Add(20, 5)
	if iv2.IsContiguous() {
		t.Errorf("expected non-contiguous interval")
	}
}
