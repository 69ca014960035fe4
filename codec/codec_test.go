package codec

import (
	"bytes"
	"testing"

	"pexpack/core"
)

func TestFlateCompressRoundTrip(t *testing.T) {
	c := New(0)
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog"), 50)

	compressed, filter, err := c.CompressWithFilters(data, 0, 0x1000, 0)
	if err != nil {
		t.Fatalf("CompressWithFilters: %v", err)
	}
	if filter != 0 {
		t.Fatalf("expected filter 0, got %d", filter)
	}
	if len(compressed) >= len(data) {
		t.Fatalf("expected compression to shrink repetitive data: %d >= %d", len(compressed), len(data))
	}

	out, err := c.Decompress(compressed, len(data))
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("round trip mismatch")
	}
}

func TestFlateRelocRoundTrip(t *testing.T) {
	c := New(flateLevelForTest)
	pairs := []core.RelocEntry{
		{RVA: 0x1000, Type: core.RelocHighLow},
		{RVA: 0x2040, Type: core.RelocDir64},
		{RVA: 0x3080, Type: core.RelocAbsolute},
	}
	var bigRelocs uint8
	encoded, err := c.OptimizeReloc(pairs, nil, 32, false, &bigRelocs)
	if err != nil {
		t.Fatalf("OptimizeReloc: %v", err)
	}
	if len(encoded) != 5*len(pairs) {
		t.Fatalf("expected %d bytes, got %d", 5*len(pairs), len(encoded))
	}

	decoded, err := c.UnoptimizeReloc(encoded, nil, 32, false)
	if err != nil {
		t.Fatalf("UnoptimizeReloc: %v", err)
	}
	if len(decoded) != len(pairs) {
		t.Fatalf("expected %d pairs, got %d", len(pairs), len(decoded))
	}
	for i, p := range pairs {
		if decoded[i] != p {
			t.Fatalf("pair %d mismatch: got %+v, want %+v", i, decoded[i], p)
		}
	}
}

func TestFlateDefaultLevel(t *testing.T) {
	c := New(0)
	if c.Level == 0 {
		t.Fatalf("expected New(0) to pick a concrete default compression level")
	}
}

const flateLevelForTest = 6
