package core

import (
	"encoding/binary"
	"testing"

	"pexpack/corelog"
)

// buildFakeImportImage lays out a minimal 32-bit import directory with one
// dll (kernel32.dll) importing GetModuleHandleA by name and ordinal 1.
func buildFakeImportImage(t *testing.T) (image []byte, descTableRVA uint32) {
	t.Helper()
	image = make([]byte, 0x2000)
	descTableRVA = 0x1000

	nameRVA := uint32(0x1200)
	copy(image[nameRVA:], "kernel32.dll\x00")

	lookupRVA := uint32(0x1300)
	procNameRVA := uint32(0x1400)
	binary.LittleEndian.PutUint16(image[procNameRVA:], 0) // hint
	copy(image[procNameRVA+2:], "GetModuleHandleA\x00")

	binary.LittleEndian.PutUint32(image[lookupRVA:], procNameRVA)
	binary.LittleEndian.PutUint32(image[lookupRVA+4:], 0x80000001) // ordinal 1
	binary.LittleEndian.PutUint32(image[lookupRVA+8:], 0)          // terminator

	iatRVA := uint32(0x1500)
	copy(image[iatRVA:], image[lookupRVA:lookupRVA+12])

	binary.LittleEndian.PutUint32(image[descTableRVA:], lookupRVA) // OriginalFirstThunk
	binary.LittleEndian.PutUint32(image[descTableRVA+12:], nameRVA)
	binary.LittleEndian.PutUint32(image[descTableRVA+16:], iatRVA)
	// next descriptor all-zero terminator already present.

	return image, descTableRVA
}

func TestParseImportsWalksDescriptorsAndThunks(t *testing.T) {
	image, descTableRVA := buildFakeImportImage(t)
	dlls, err := ParseImports(image, descTableRVA, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(dlls) != 1 {
		t.Fatalf("expected 1 dll, got %d", len(dlls))
	}
	if dlls[0].name != "kernel32.dll" {
		t.Errorf("dll name = %q", dlls[0].name)
	}
	if len(dlls[0].entries) != 2 {
		t.Fatalf("expected 2 thunk entries, got %d", len(dlls[0].entries))
	}
	if dlls[0].entries[0].name != "GetModuleHandleA" {
		t.Errorf("entry 0 name = %q", dlls[0].entries[0].name)
	}
	if !dlls[0].entries[1].byOrdinal || dlls[0].entries[1].ordinal != 1 {
		t.Errorf("entry 1 = %+v, want ordinal 1", dlls[0].entries[1])
	}
}

func TestBuildImportsKernel32OrdinalQuirk(t *testing.T) {
	image, descTableRVA := buildFakeImportImage(t)
	dlls, err := ParseImports(image, descTableRVA, 4)
	if err != nil {
		t.Fatal(err)
	}
	linker, streams, _, _, _, _, err := BuildImports(image, dlls, 4, false, 0x1000, corelog.New(false))
	if err != nil {
		t.Fatal(err)
	}
	if linker == nil || len(streams) == 0 {
		t.Fatalf("expected a non-empty preprocessed stream for a kernel32 ordinal import")
	}
	if !linker.HasDLL("kernel32.dll") {
		t.Errorf("expected kernel32.dll to be registered")
	}

	if err := linker.Relocate(0x5000); err != nil {
		t.Fatal(err)
	}
	for i := range streams {
		addr, err := linker.ThunkAddress(streams[i].dllName)
		if err != nil {
			t.Fatal(err)
		}
		streams[i].thunkAddress = addr
		if addr == 0 {
			t.Errorf("expected a resolved non-zero thunk address for %q", streams[i].dllName)
		}
	}
	if stream := EmitPreprocessedImports(streams); stream == nil {
		t.Fatalf("expected a non-empty emitted stream")
	}
}

func TestThunkAddressRoundTripsThroughDecode(t *testing.T) {
	image, descTableRVA := buildFakeImportImage(t)
	dlls, err := ParseImports(image, descTableRVA, 4)
	if err != nil {
		t.Fatal(err)
	}
	linker, streams, _, _, _, _, err := BuildImports(image, dlls, 4, false, 0x1000, corelog.New(false))
	if err != nil {
		t.Fatal(err)
	}
	if err := linker.Relocate(0x9000); err != nil {
		t.Fatal(err)
	}
	for i := range streams {
		addr, err := linker.ThunkAddress(streams[i].dllName)
		if err != nil {
			t.Fatal(err)
		}
		streams[i].thunkAddress = addr
	}
	decoded, err := DecodePreprocessedImports(EmitPreprocessedImports(streams))
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 1 || decoded[0].thunkAddress == 0 {
		t.Fatalf("expected a resolved, non-zero thunk address to round-trip, got %+v", decoded)
	}
}

func TestEmitPreprocessedImportsEmptyCollapses(t *testing.T) {
	got := EmitPreprocessedImports(nil)
	if got != nil {
		t.Errorf("expected nil (collapsed) stream for zero dlls, got %v", got)
	}
}
