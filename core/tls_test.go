package core

import (
	"encoding/binary"
	"testing"

	"pexpack/corelog"
)

func buildFakeTLS32(t *testing.T) (image []byte, dirRVA uint32, imagebase uint64) {
	t.Helper()
	image = make([]byte, 0x4000)
	imagebase = 0x400000
	dataStartRVA := uint32(0x1000)
	dataEndRVA := uint32(0x1010)
	indexRVA := uint32(0x1200)
	callbacksRVA := uint32(0x1300)

	binary.LittleEndian.PutUint32(image[callbacksRVA:], uint32(imagebase)+0x2000) // one callback
	binary.LittleEndian.PutUint32(image[callbacksRVA+4:], 0)                      // terminator

	dirRVA = 0x1400
	binary.LittleEndian.PutUint32(image[dirRVA:], uint32(imagebase)+dataStartRVA)
	binary.LittleEndian.PutUint32(image[dirRVA+4:], uint32(imagebase)+dataEndRVA)
	binary.LittleEndian.PutUint32(image[dirRVA+8:], uint32(imagebase)+indexRVA)
	binary.LittleEndian.PutUint32(image[dirRVA+12:], uint32(imagebase)+callbacksRVA)

	binary.LittleEndian.PutUint32(image[indexRVA:], 0xaaaaaaaa)

	return image, dirRVA, imagebase
}

func TestProcessTLS1CountsCallbacksAndZeroesIndex(t *testing.T) {
	image, dirRVA, imagebase := buildFakeTLS32(t)
	res, err := ProcessTLS1(image, dirRVA, imagebase, uint32(len(image)), false, 4, nil, corelog.New(false))
	if err != nil {
		t.Fatal(err)
	}
	if !res.UseCallbacks || res.CallbackCount != 1 {
		t.Errorf("expected 1 callback, got use=%v count=%d", res.UseCallbacks, res.CallbackCount)
	}
	if got := binary.LittleEndian.Uint32(image[res.IndexRVA:]); got != 0 {
		t.Errorf("tlsindex target not zeroed, got %#x", got)
	}
}

func TestProcessTLS1FailsOnEFI(t *testing.T) {
	image, dirRVA, imagebase := buildFakeTLS32(t)
	_, err := ProcessTLS1(image, dirRVA, imagebase, uint32(len(image)), true, 4, nil, corelog.New(false))
	if err == nil {
		t.Fatalf("expected EFI TLS to fail")
	}
}

func TestProcessTLS2EmitsHeadRelocations(t *testing.T) {
	image, dirRVA, imagebase := buildFakeTLS32(t)
	res, err := ProcessTLS1(image, dirRVA, imagebase, uint32(len(image)), false, 4, nil, corelog.New(false))
	if err != nil {
		t.Fatal(err)
	}
	p2 := ProcessTLS2(res, 0x2500, 0x2600, 0x2700, imagebase, 4)
	if len(p2.NewRelocs) < 4 {
		t.Errorf("expected at least 4 head relocations (datastart,dataend,index,callbacks), got %d", len(p2.NewRelocs))
	}
	if len(p2.Directory) != 24 {
		t.Errorf("32-bit TLS directory should serialize to 24 bytes, got %d", len(p2.Directory))
	}
}
