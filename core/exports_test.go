package core

import "testing"

func TestExportsRoundTripPreservesForwarders(t *testing.T) {
	image := make([]byte, 0x2000)
	dirRVA := uint32(0x1000)
	dirSize := uint32(0x200)

	dir := &ExportDirectory{
		Base:                  1,
		NumberOfFunctions:     2,
		NumberOfNames:         1,
		AddressOfFunctions:    dirRVA + 0x28,
		AddressOfNames:        dirRVA + 0x30,
		AddressOfNameOrdinals: dirRVA + 0x38,
	}
	// function 0: forwarder string inside the directory region itself.
	forwarderRVA := dirRVA + 0x100
	copy(image[forwarderRVA:], "OTHER.Func\x00")
	// function 1: a real code RVA outside the directory.
	codeRVA := uint32(0x1900)

	writeExportDirectoryForTest(t, image, dir, dirRVA, forwarderRVA, codeRVA)

	nameRVA := dirRVA + 0x110
	copy(image[nameRVA:], "MyFunc\x00")
	putU32(image, dir.AddressOfNames, nameRVA)
	putU16(image, dir.AddressOfNameOrdinals, 1)

	_, entries, err := ParseExports(image, dirRVA, dirSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 export entries, got %d", len(entries))
	}
	if !entries[0].IsForwarder || entries[0].ForwarderString != "OTHER.Func" {
		t.Errorf("entry 0 = %+v, want a forwarder to OTHER.Func", entries[0])
	}
	if entries[1].IsForwarder {
		t.Errorf("entry 1 should not be classified as a forwarder")
	}
	if entries[1].RVA != codeRVA {
		t.Errorf("entry 1 RVA = %#x, want %#x", entries[1].RVA, codeRVA)
	}

	rebuilt := BuildExports(dir, entries, "mymod.dll", 0x1f00)
	if len(rebuilt) == 0 {
		t.Fatalf("expected non-empty rebuilt export section")
	}
}

func writeExportDirectoryForTest(t *testing.T, image []byte, dir *ExportDirectory, dirRVA, forwarderRVA, codeRVA uint32) {
	t.Helper()
	putU32(image, dirRVA+16, dir.Base)
	putU32(image, dirRVA+20, dir.NumberOfFunctions)
	putU32(image, dirRVA+24, dir.NumberOfNames)
	putU32(image, dirRVA+28, dir.AddressOfFunctions)
	putU32(image, dirRVA+32, dir.AddressOfNames)
	putU32(image, dirRVA+36, dir.AddressOfNameOrdinals)
	putU32(image, dir.AddressOfFunctions, forwarderRVA)
	putU32(image, dir.AddressOfFunctions+4, codeRVA)
}

func putU32(image []byte, off, v uint32) {
	image[off] = byte(v)
	image[off+1] = byte(v >> 8)
	image[off+2] = byte(v >> 16)
	image[off+3] = byte(v >> 24)
}

func putU16(image []byte, off uint32, v uint16) {
	image[off] = byte(v)
	image[off+1] = byte(v >> 8)
}
