package core

import (
	"encoding/binary"
	"testing"

	"pexpack/corelog"
)

func TestPreprocessRelocs32StripsWhenNoneExist(t *testing.T) {
	res, err := PreprocessRelocs32(make([]byte, 64), nil, 0x400000, 0x1000, false, false, 4096, fakeCodec{}, corelog.New(false))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stripped {
		t.Errorf("expected Stripped=true with no reloc data")
	}
}

func TestPreprocessRelocs32SubtractsImagebaseForType3(t *testing.T) {
	image := make([]byte, 0x2000)
	imagebase := uint32(0x400000)
	rvamin := uint32(0x1000)
	target := uint32(0x1100)
	binary.LittleEndian.PutUint32(image[target:], imagebase+rvamin+0x55)

	b := NewRelocBuilder(1)
	b.Add(target, RelocHighLow)
	relocData, err := b.Finish(false)
	if err != nil {
		t.Fatal(err)
	}

	res, err := PreprocessRelocs32(image, relocData, imagebase, rvamin, false, false, 4096, fakeCodec{}, corelog.New(false))
	if err != nil {
		t.Fatal(err)
	}
	if res.Stripped {
		t.Fatalf("expected relocations to be processed, not stripped")
	}
	got := binary.LittleEndian.Uint32(image[target:])
	if got != 0x55 {
		t.Errorf("target value = %#x, want 0x55 (imagebase+rvamin subtracted)", got)
	}
}

func TestPreprocessRelocs32BigRelocsFlags(t *testing.T) {
	image := make([]byte, 0x3000)
	b := NewRelocBuilder(2)
	b.Add(0x1200, RelocHigh)
	b.Add(0x1300, RelocLow)
	relocData, err := b.Finish(false)
	if err != nil {
		t.Fatal(err)
	}
	res, err := PreprocessRelocs32(image, relocData, 0x400000, 0x1000, false, false, 4096, fakeCodec{}, corelog.New(false))
	if err != nil {
		t.Fatal(err)
	}
	if res.BigRelocs&2 == 0 {
		t.Errorf("expected bit 1 (HIGH present) set, got %#x", res.BigRelocs)
	}
	if res.BigRelocs&4 == 0 {
		t.Errorf("expected bit 2 (LOW present) set, got %#x", res.BigRelocs)
	}
}

func TestPreprocessRelocs64OnlyDir64(t *testing.T) {
	image := make([]byte, 0x3000)
	b := NewRelocBuilder(2)
	b.Add(0x1008, RelocDir64)
	b.Add(0x1010, RelocHigh) // unsupported in 64-bit mode
	relocData, err := b.Finish(false)
	if err != nil {
		t.Fatal(err)
	}
	res, err := PreprocessRelocs64(image, relocData, 0x140000000, 0x1000, false, false, 4096, fakeCodec{}, corelog.New(false))
	if err != nil {
		t.Fatal(err)
	}
	if res.Stripped {
		t.Fatalf("expected processing, not stripped")
	}
	if res.HighArray != nil || res.LowArray != nil {
		t.Errorf("64-bit preprocessing must never produce a LOW/HIGH tail")
	}
}
