package core

import "testing"

func TestExtraInfoRoundTrip(t *testing.T) {
	info := &ExtraInfo{
		Header:         []byte{1, 2, 3, 4},
		SectionHeaders: []byte{5, 6, 7, 8, 9, 10},
		HasImports:     true,
		CImportsRVA:     0x1000,
		CImportsLen:     0x20,
		DllStringsRVA:   0x1100,
		ImportStreamLen: 0x18,
		HasRelocs:         true,
		CRelocsRVA:        0x1200,
		CRelocsLen:        0x10,
		BigRelocs:         0b110,
		OptimizedRelocLen: 0xc,
		HasResources:   true,
		ResourcesRVA:   0x1300,
		ResourcesLen:   0x40,
		IcondirCount:   3,
		HasTLS:         true,
		TLSRVA:         0x1400,
		TLSLen:         0x18,
		HasLoadConfig:  true,
		LoadConfigRVA:  0x1500,
		LoadConfigLen:  0x60,
		HasExports:     true,
		ExportsRVA:     0x1600,
		ExportsLen:     0x30,
		HasSnapshot:    true,
		SnapshotRVA:    0x1700,
		SnapshotLen:    0x50,
	}
	encoded := EncodeExtraInfo(info, 0)

	got, err := DecodeExtraInfo(encoded, len(info.Header), len(info.SectionHeaders))
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Header) != string(info.Header) || string(got.SectionHeaders) != string(info.SectionHeaders) {
		t.Fatalf("header/section bytes not preserved: %+v", got)
	}
	if !got.HasImports || got.CImportsRVA != 0x1000 || got.CImportsLen != 0x20 || got.DllStringsRVA != 0x1100 || got.ImportStreamLen != 0x18 {
		t.Errorf("imports block not preserved: %+v", got)
	}
	if !got.HasRelocs || got.CRelocsRVA != 0x1200 || got.CRelocsLen != 0x10 || got.BigRelocs != 0b110 || got.OptimizedRelocLen != 0xc {
		t.Errorf("relocs block not preserved: %+v", got)
	}
	if !got.HasResources || got.ResourcesRVA != 0x1300 || got.ResourcesLen != 0x40 || got.IcondirCount != 3 {
		t.Errorf("resources block not preserved: %+v", got)
	}
	if !got.HasTLS || got.TLSRVA != 0x1400 || got.TLSLen != 0x18 {
		t.Errorf("tls block not preserved: %+v", got)
	}
	if !got.HasLoadConfig || got.LoadConfigRVA != 0x1500 || got.LoadConfigLen != 0x60 {
		t.Errorf("load config block not preserved: %+v", got)
	}
	if !got.HasExports || got.ExportsRVA != 0x1600 || got.ExportsLen != 0x30 {
		t.Errorf("exports block not preserved: %+v", got)
	}
	if !got.HasSnapshot || got.SnapshotRVA != 0x1700 || got.SnapshotLen != 0x50 {
		t.Errorf("snapshot block not preserved: %+v", got)
	}
}

func TestExtraInfoOnlyPresentBlocksEncoded(t *testing.T) {
	info := &ExtraInfo{Header: []byte{1}, SectionHeaders: []byte{2}}
	encoded := EncodeExtraInfo(info, 0)
	// header(1) + sections(1) + final LE32(4) = 6, no optional tags.
	if len(encoded) != 6 {
		t.Fatalf("expected no optional blocks encoded, got %d bytes", len(encoded))
	}
	got, err := DecodeExtraInfo(encoded, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.HasImports || got.HasRelocs || got.HasResources || got.HasTLS || got.HasLoadConfig || got.HasExports || got.HasSnapshot {
		t.Errorf("expected no optional blocks decoded, got %+v", got)
	}
}

func TestExtraInfoTruncatedFails(t *testing.T) {
	if _, err := DecodeExtraInfo([]byte{1, 2, 3}, 1, 1); err == nil {
		t.Fatalf("expected truncated trailer to fail")
	}
}
