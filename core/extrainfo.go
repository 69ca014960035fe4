package core

import "encoding/binary"

// Extra-info trailer tag bytes. Each optional block is preceded by one of
// these so the unpacker knows which of the optional sections follow
// (spec.md §3 "Extra info trailer").
const (
	extraTagImports    = 1
	extraTagRelocs     = 2
	extraTagResources  = 3
	extraTagTLS        = 4
	extraTagLoadConfig = 5
	extraTagExports    = 6
	extraTagSnapshot   = 7
)

// ExtraInfo is the trailer appended to the end of the data that gets
// compressed (so it travels inside the compressed payload) and
// consumed in reverse order during unpack (spec.md §3, §4.11 step 8,
// §4.12). Beyond the blocks spec.md names explicitly, the orchestrator
// also needs the appended length of every side buffer it wrote (so it can
// slice the single decompressed payload back apart on unpack) — TLS,
// load-config and exports carry their own RVA+Len tag for that reason,
// and imports/relocs/resources grew a Len alongside the RVA spec.md
// already called out.
type ExtraInfo struct {
	Header         []byte // original ih bytes, verbatim
	SectionHeaders []byte // original section headers, verbatim

	HasImports      bool
	CImportsRVA     uint32
	CImportsLen     uint32
	DllStringsRVA   uint32
	ImportStreamLen uint32 // length of the preprocessed stream alone, excluding the ImportLinker blob appended after it

	HasRelocs         bool
	CRelocsRVA        uint32
	CRelocsLen        uint32
	BigRelocs         uint8
	OptimizedRelocLen uint32 // length of the codec-compressed pair stream alone, excluding the HIGH/LOW tail arrays

	HasResources   bool
	ResourcesRVA   uint32
	ResourcesLen   uint32
	IcondirCount   uint32

	HasTLS     bool
	TLSRVA     uint32
	TLSLen     uint32

	HasLoadConfig bool
	LoadConfigRVA uint32
	LoadConfigLen uint32

	HasExports bool
	ExportsRVA uint32
	ExportsLen uint32

	// HasSnapshot marks the orchestrator's own verbatim byte-range snapshot
	// of the one in-place mutation left with no dedicated reverse rebuild:
	// the original import name/IAT/lookup-table bytes, which the
	// stub-facing preprocessed stream above cannot reconstruct byte-exact
	// (it drops the hint/name record RVAs by design). Resource leaf data
	// and relocation target values are instead rebuilt from their own
	// compact side buffers (RebuildResourcesUnpack, Codec.UnoptimizeReloc);
	// exports are never mutated in place by Pack, and the only in-place
	// TLS write (ProcessTLS1 zeroing the tlsindex slot) is not reverted,
	// so unpack has no pass for either.
	HasSnapshot bool
	SnapshotRVA uint32
	SnapshotLen uint32
}

// EncodeExtraInfo serializes the trailer (spec.md §4.11 step 8): ih,
// section headers, then each present optional block tagged, then a final
// LE32 offset-of-extra-info pointing at the start of this trailer
// relative to the buffer it is appended to.
func EncodeExtraInfo(info *ExtraInfo, appendedAtOffset uint32) []byte {
	var out []byte
	out = append(out, info.Header...)
	out = append(out, info.SectionHeaders...)

	if info.HasImports {
		out = append(out, extraTagImports)
		out = appendLE32(out, info.CImportsRVA)
		out = appendLE32(out, info.CImportsLen)
		out = appendLE32(out, info.DllStringsRVA)
		out = appendLE32(out, info.ImportStreamLen)
	}
	if info.HasRelocs {
		out = append(out, extraTagRelocs)
		out = appendLE32(out, info.CRelocsRVA)
		out = appendLE32(out, info.CRelocsLen)
		out = append(out, info.BigRelocs)
		out = appendLE32(out, info.OptimizedRelocLen)
	}
	if info.HasResources {
		out = append(out, extraTagResources)
		out = appendLE32(out, info.ResourcesRVA)
		out = appendLE32(out, info.ResourcesLen)
		out = appendLE32(out, info.IcondirCount)
	}
	if info.HasTLS {
		out = append(out, extraTagTLS)
		out = appendLE32(out, info.TLSRVA)
		out = appendLE32(out, info.TLSLen)
	}
	if info.HasLoadConfig {
		out = append(out, extraTagLoadConfig)
		out = appendLE32(out, info.LoadConfigRVA)
		out = appendLE32(out, info.LoadConfigLen)
	}
	if info.HasExports {
		out = append(out, extraTagExports)
		out = appendLE32(out, info.ExportsRVA)
		out = appendLE32(out, info.ExportsLen)
	}
	if info.HasSnapshot {
		out = append(out, extraTagSnapshot)
		out = appendLE32(out, info.SnapshotRVA)
		out = appendLE32(out, info.SnapshotLen)
	}

	out = appendLE32(out, appendedAtOffset)
	return out
}

func appendLE32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// DecodeExtraInfo implements spec.md §4.12's reverse consumption: read the
// offset-of-extra-info from the last LE32 of buf, then walk forward
// through ih, section headers (both of known, caller-supplied sizes), and
// the tagged optional blocks until the terminating final LE32 is reached.
func DecodeExtraInfo(buf []byte, headerSize, sectionHeadersSize int) (*ExtraInfo, error) {
	if len(buf) < 4 {
		return nil, newCantUnpack("extra info trailer truncated")
	}
	offsetPos := len(buf) - 4
	trailerStart := int(binary.LittleEndian.Uint32(buf[offsetPos:]))
	if trailerStart < 0 || trailerStart > offsetPos {
		return nil, newCantUnpack("extra info offset out of bounds")
	}

	cur := trailerStart
	need := func(n int) error {
		if cur+n > offsetPos {
			return newCantUnpack("extra info trailer truncated")
		}
		return nil
	}

	if err := need(headerSize); err != nil {
		return nil, err
	}
	info := &ExtraInfo{Header: append([]byte(nil), buf[cur:cur+headerSize]...)}
	cur += headerSize

	if err := need(sectionHeadersSize); err != nil {
		return nil, err
	}
	info.SectionHeaders = append([]byte(nil), buf[cur:cur+sectionHeadersSize]...)
	cur += sectionHeadersSize

	for cur < offsetPos {
		tag := buf[cur]
		cur++
		switch tag {
		case extraTagImports:
			if err := need(16); err != nil {
				return nil, err
			}
			info.HasImports = true
			info.CImportsRVA = binary.LittleEndian.Uint32(buf[cur:])
			info.CImportsLen = binary.LittleEndian.Uint32(buf[cur+4:])
			info.DllStringsRVA = binary.LittleEndian.Uint32(buf[cur+8:])
			info.ImportStreamLen = binary.LittleEndian.Uint32(buf[cur+12:])
			cur += 16
		case extraTagRelocs:
			if err := need(13); err != nil {
				return nil, err
			}
			info.HasRelocs = true
			info.CRelocsRVA = binary.LittleEndian.Uint32(buf[cur:])
			info.CRelocsLen = binary.LittleEndian.Uint32(buf[cur+4:])
			info.BigRelocs = buf[cur+8]
			info.OptimizedRelocLen = binary.LittleEndian.Uint32(buf[cur+9:])
			cur += 13
		case extraTagResources:
			if err := need(12); err != nil {
				return nil, err
			}
			info.HasResources = true
			info.ResourcesRVA = binary.LittleEndian.Uint32(buf[cur:])
			info.ResourcesLen = binary.LittleEndian.Uint32(buf[cur+4:])
			info.IcondirCount = binary.LittleEndian.Uint32(buf[cur+8:])
			cur += 12
		case extraTagTLS:
			if err := need(8); err != nil {
				return nil, err
			}
			info.HasTLS = true
			info.TLSRVA = binary.LittleEndian.Uint32(buf[cur:])
			info.TLSLen = binary.LittleEndian.Uint32(buf[cur+4:])
			cur += 8
		case extraTagLoadConfig:
			if err := need(8); err != nil {
				return nil, err
			}
			info.HasLoadConfig = true
			info.LoadConfigRVA = binary.LittleEndian.Uint32(buf[cur:])
			info.LoadConfigLen = binary.LittleEndian.Uint32(buf[cur+4:])
			cur += 8
		case extraTagExports:
			if err := need(8); err != nil {
				return nil, err
			}
			info.HasExports = true
			info.ExportsRVA = binary.LittleEndian.Uint32(buf[cur:])
			info.ExportsLen = binary.LittleEndian.Uint32(buf[cur+4:])
			cur += 8
		case extraTagSnapshot:
			if err := need(8); err != nil {
				return nil, err
			}
			info.HasSnapshot = true
			info.SnapshotRVA = binary.LittleEndian.Uint32(buf[cur:])
			info.SnapshotLen = binary.LittleEndian.Uint32(buf[cur+4:])
			cur += 8
		default:
			return nil, newCantUnpack("unrecognized extra info tag %#x", tag)
		}
	}
	if cur != offsetPos {
		return nil, newCantUnpack("extra info trailer has trailing garbage")
	}
	return info, nil
}
