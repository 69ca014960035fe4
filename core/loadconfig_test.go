package core

import (
	"encoding/binary"
	"testing"

	"pexpack/corelog"
)

func TestProcessLoadConfigCopiesVerbatim(t *testing.T) {
	image := make([]byte, 0x2000)
	dirRVA := uint32(0x1000)
	size := uint32(0x90)
	binary.LittleEndian.PutUint32(image[dirRVA:], size)
	for i := uint32(4); i < size; i++ {
		image[dirRVA+i] = byte(i)
	}

	res, err := ProcessLoadConfig1(image, dirRVA, nil, corelog.New(false))
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || uint32(len(res.Data)) != size {
		t.Fatalf("expected %d bytes copied, got %v", size, res)
	}
	for i := uint32(4); i < size; i++ {
		if res.Data[i] != byte(i) {
			t.Fatalf("byte %d not copied verbatim: got %#x", i, res.Data[i])
		}
	}
}

func TestProcessLoadConfigRelocsShift(t *testing.T) {
	image := make([]byte, 0x2000)
	dirRVA := uint32(0x1000)
	binary.LittleEndian.PutUint32(image[dirRVA:], 0x20)
	relocs := []RelocEntry{{RVA: dirRVA + 8, Type: RelocHighLow}, {RVA: 0x1900, Type: RelocHighLow}}
	res, err := ProcessLoadConfig1(image, dirRVA, relocs, corelog.New(false))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Relocs) != 1 {
		t.Fatalf("expected only the in-range reloc to be kept, got %v", res.Relocs)
	}
	out := ProcessLoadConfig2(res, 0x3000)
	if out[0].RVA != 0x3008 {
		t.Errorf("reloc not rebased to new RVA: got %#x", out[0].RVA)
	}
}
