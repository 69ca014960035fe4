package core

import (
	"encoding/binary"
	"io"
	"strings"

	"pexpack/core/pescan"
	"pexpack/core/winconst"
	"pexpack/corelog"
	"pexpack/perw"
)

// CharacteristicsDLL is IMAGE_FILE_DLL; not named in winconst since it is a
// COFF file characteristic rather than a subsystem/dllchar/machine value.
const CharacteristicsDLL = 0x2000

// Load-config table GuardFlags field offsets (spec.md §4.11 step 3), fixed
// by the Microsoft PE/COFF IMAGE_LOAD_CONFIG_DIRECTORY layout.
const (
	loadConfigGuardFlagsOffset32 = 0x58
	loadConfigGuardFlagsOffset64 = 0x90
)

const defaultSideBufferCap = 1 << 20

// packFraming is the small fixed header written at the start of UPX1,
// ahead of the embedded stub and the compressed payload. It carries
// exactly what Unpack needs before it can call DecodeExtraInfo and
// re-parse the original header: the split between header/section-header
// bytes DecodeExtraInfo requires as explicit lengths, the original DOS/PE
// offsets needed to re-run ParsePEHeader on the restored header bytes, and
// the codec bookkeeping (filter id, compressed/decompressed sizes).
type packFraming struct {
	Rvamin                uint32
	OrigHeaderLen         uint32
	OrigSectionHeadersLen uint32
	OrigDosOffset         uint32
	OrigPEOffset          uint32
	OrigSize              uint32
	CompressedSize        uint32
	Filter                uint32
	StubLen               uint32
}

const framingMagic = "PXP1"
const packFramingSize = 4 + 9*4

func encodeFraming(f *packFraming) []byte {
	out := make([]byte, 0, packFramingSize)
	out = append(out, framingMagic...)
	out = appendLE32(out, f.Rvamin)
	out = appendLE32(out, f.OrigHeaderLen)
	out = appendLE32(out, f.OrigSectionHeadersLen)
	out = appendLE32(out, f.OrigDosOffset)
	out = appendLE32(out, f.OrigPEOffset)
	out = appendLE32(out, f.OrigSize)
	out = appendLE32(out, f.CompressedSize)
	out = appendLE32(out, f.Filter)
	out = appendLE32(out, f.StubLen)
	return out
}

func decodeFraming(buf []byte) (*packFraming, error) {
	if len(buf) < packFramingSize {
		return nil, newCantUnpack("packed framing header truncated")
	}
	if string(buf[:4]) != framingMagic {
		return nil, newCantUnpack("packed framing magic mismatch")
	}
	read := func(off int) uint32 { return binary.LittleEndian.Uint32(buf[off : off+4]) }
	return &packFraming{
		Rvamin: read(4), OrigHeaderLen: read(8), OrigSectionHeadersLen: read(12),
		OrigDosOffset: read(16), OrigPEOffset: read(20), OrigSize: read(24),
		CompressedSize: read(28), Filter: read(32), StubLen: read(36),
	}, nil
}

// byteRange is a captured, self-contained snapshot of virt[Start:Start+len(Data)]
// taken at some point before a pass-1 processor mutated that span in place.
// encodeByteRanges/restoreByteRanges are the generic mechanism the
// orchestrator uses instead of re-deriving every mutation from its
// compact/rebuilt sideband representation (core/extrainfo.go HasSnapshot).
type byteRange struct {
	Start uint32
	Data  []byte
}

func snapshotRange(virt []byte, start, length uint32) byteRange {
	end := start + length
	if end > uint32(len(virt)) {
		end = uint32(len(virt))
	}
	if start > end {
		start = end
	}
	return byteRange{Start: start, Data: append([]byte(nil), virt[start:end]...)}
}

func encodeByteRanges(ranges []byteRange) []byte {
	out := appendLE32(nil, uint32(len(ranges)))
	for _, r := range ranges {
		out = appendLE32(out, r.Start)
		out = appendLE32(out, uint32(len(r.Data)))
		out = append(out, r.Data...)
	}
	return out
}

func restoreByteRanges(virt []byte, data []byte) error {
	if len(data) < 4 {
		return newCantUnpack("byte-range snapshot truncated")
	}
	n := binary.LittleEndian.Uint32(data)
	data = data[4:]
	for i := uint32(0); i < n; i++ {
		if len(data) < 8 {
			return newCantUnpack("byte-range snapshot truncated")
		}
		start := binary.LittleEndian.Uint32(data)
		length := binary.LittleEndian.Uint32(data[4:])
		data = data[8:]
		if uint32(len(data)) < length {
			return newCantUnpack("byte-range snapshot truncated")
		}
		if int(start)+int(length) > len(virt) {
			return newCantUnpack("byte-range snapshot out of bounds")
		}
		copy(virt[start:start+length], data[:length])
		data = data[length:]
	}
	return nil
}

func encodeUint32Array(vals []uint32) []byte {
	out := appendLE32(nil, uint32(len(vals)))
	for _, v := range vals {
		out = appendLE32(out, v)
	}
	return out
}

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func padTo(b []byte, align uint32) []byte {
	n := alignUp(uint32(len(b)), align)
	if uint32(len(b)) < n {
		b = append(b, make([]byte, n-uint32(len(b)))...)
	}
	return b
}

func sectionName(s string) [8]byte {
	var out [8]byte
	copy(out[:], s)
	return out
}

func readAll(in Input) ([]byte, error) {
	size, err := in.FileSize()
	if err != nil {
		return nil, newCantUnpack("reading file size: %v", err)
	}
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return nil, newCantUnpack("seeking to start: %v", err)
	}
	buf := make([]byte, size)
	if err := ReadExact(in, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// buildVirtualImage implements spec.md §4.11 step 5's layout validation and
// copies every section's raw data to its virtual address, the way
// pefile.cpp's PeFile::readSections populates ibuf. The returned buffer is
// indexed by absolute RVA from image base 0, sized to cover every section
// and the header.
func buildVirtualImage(raw []byte, hdr *PEHeader, force bool) (virt []byte, rvamin, rvalast uint32, err error) {
	if len(hdr.Sections) == 0 {
		return nil, 0, 0, newCantPack("image has no sections")
	}
	rvamin = hdr.Sections[0].VirtualAddress
	size := hdr.SizeOfImage
	prevEnd := rvamin
	for i, s := range hdr.Sections {
		if s.VirtualAddress < prevEnd {
			return nil, 0, 0, newCantPack("section %d virtual address out of order", i)
		}
		if gap := s.VirtualAddress - prevEnd; gap > hdr.FileAlignment && !force {
			return nil, 0, 0, newCantPack("gap before section %d exceeds file alignment (try --force)", i)
		}
		end := s.VirtualAddress + s.VirtualSize
		if end > size {
			size = end
		}
		rvalast = end
		prevEnd = end
	}
	if hdr.SizeOfHeaders > size {
		size = hdr.SizeOfHeaders
	}
	virt = make([]byte, size)
	if int(hdr.SizeOfHeaders) <= len(raw) {
		copy(virt[:hdr.SizeOfHeaders], raw[:hdr.SizeOfHeaders])
	}
	for _, s := range hdr.Sections {
		n := s.SizeOfRawData
		if s.VirtualSize < n {
			n = s.VirtualSize
		}
		if n == 0 {
			continue
		}
		srcStart := int(s.PointerToRawData)
		srcEnd := srcStart + int(n)
		if srcStart < 0 || srcEnd > len(raw) {
			return nil, 0, 0, newCantUnpack("section raw data out of bounds")
		}
		copy(virt[s.VirtualAddress:s.VirtualAddress+n], raw[srcStart:srcEnd])
	}
	return virt, rvamin, rvalast, nil
}

// peFieldOffsets recomputes the handful of absolute file offsets
// ParsePEHeader derives internally but does not expose, needed here only to
// patch the packed header's section count, entry point, dll characteristics,
// data directories, and section table in place.
func peFieldOffsets(peOffset int, is64 bool) (numSectionsOff, entryOff, dllCharOff, sizeOfImageOff, ddOff, sectOff int) {
	optOff := peOffset + 24
	numSectionsOff = peOffset + 4 + 2
	entryOff = optOff + 16
	dllCharOff = optOff + 70
	sizeOfImageOff = optOff + 56
	if is64 {
		ddOff = optOff + 112
	} else {
		ddOff = optOff + 96
	}
	sectOff = ddOff + dataDirCount*8
	return
}

// buildPackedHeader patches a copy of the original header bytes in place
// (section count, entry point, dll characteristics, a fully-zeroed data
// directory table, and a fresh section table) using perw.WriteAtOffset,
// the teacher's own bounds-checked little-endian field writer.
func buildPackedHeader(raw []byte, hdr *PEHeader, sections []SectionHeader, newSizeOfImage, newEntryPoint uint32) ([]byte, error) {
	headerBuf := append([]byte(nil), raw[:hdr.SizeOfHeaders]...)
	numSectionsOff, entryOff, dllCharOff, sizeOfImageOff, ddOff, sectOff := peFieldOffsets(hdr.PEOffset, hdr.Is64)

	if err := perw.WriteAtOffset(headerBuf, int64(numSectionsOff), uint16(len(sections))); err != nil {
		return nil, newInternal("patching section count: %v", err)
	}
	if err := perw.WriteAtOffset(headerBuf, int64(entryOff), newEntryPoint); err != nil {
		return nil, newInternal("patching entry point: %v", err)
	}
	if err := perw.WriteAtOffset(headerBuf, int64(dllCharOff), hdr.DllCharacteristics); err != nil {
		return nil, newInternal("patching dll characteristics: %v", err)
	}
	if err := perw.WriteAtOffset(headerBuf, int64(sizeOfImageOff), newSizeOfImage); err != nil {
		return nil, newInternal("patching size of image: %v", err)
	}
	for i := 0; i < dataDirCount; i++ {
		off := ddOff + i*8
		if err := perw.WriteAtOffset(headerBuf, int64(off), uint32(0)); err != nil {
			return nil, newInternal("zeroing data directory %d: %v", i, err)
		}
		if err := perw.WriteAtOffset(headerBuf, int64(off+4), uint32(0)); err != nil {
			return nil, newInternal("zeroing data directory %d: %v", i, err)
		}
	}

	needed := sectOff + len(sections)*sectionHeaderSize
	if needed > len(headerBuf) {
		grown := make([]byte, needed)
		copy(grown, headerBuf)
		headerBuf = grown
	} else {
		for i := sectOff; i < len(headerBuf); i++ {
			headerBuf[i] = 0
		}
	}
	for i, s := range sections {
		so := sectOff + i*sectionHeaderSize
		if err := perw.WriteAtOffset(headerBuf, int64(so), s.Name[:]); err != nil {
			return nil, err
		}
		if err := perw.WriteAtOffset(headerBuf, int64(so+8), s.VirtualSize); err != nil {
			return nil, err
		}
		if err := perw.WriteAtOffset(headerBuf, int64(so+12), s.VirtualAddress); err != nil {
			return nil, err
		}
		if err := perw.WriteAtOffset(headerBuf, int64(so+16), s.SizeOfRawData); err != nil {
			return nil, err
		}
		if err := perw.WriteAtOffset(headerBuf, int64(so+20), s.PointerToRawData); err != nil {
			return nil, err
		}
		if err := perw.WriteAtOffset(headerBuf, int64(so+24), s.PointerToRelocations); err != nil {
			return nil, err
		}
		if err := perw.WriteAtOffset(headerBuf, int64(so+28), s.PointerToLineNumbers); err != nil {
			return nil, err
		}
		if err := perw.WriteAtOffset(headerBuf, int64(so+32), s.NumberOfRelocations); err != nil {
			return nil, err
		}
		if err := perw.WriteAtOffset(headerBuf, int64(so+34), s.NumberOfLineNumbers); err != nil {
			return nil, err
		}
		if err := perw.WriteAtOffset(headerBuf, int64(so+36), s.Characteristics); err != nil {
			return nil, err
		}
	}
	return headerBuf, nil
}

// Packer drives the whole pack/unpack pipeline over the processors defined
// throughout core/ (spec.md §4.11, §4.12). It holds no per-file state of its
// own between calls; Opts/Codec/Stub/Log are the external collaborators
// (spec.md §6, §9 "pass an explicit options value through the constructor").
type Packer struct {
	Opts  *Options
	Codec Codec
	Stub  StubLinker // may be nil: the stub loader itself is out of scope (spec.md §1)
	Log   *corelog.Logger
}

// NewPacker constructs a Packer. stub may be nil when no loader stub is
// available to embed; Pack still produces a valid packed layout, just one
// whose UPX1 stub region is empty (debug.dump_stub_loader then has nothing
// to dump).
func NewPacker(opts *Options, codec Codec, stub StubLinker, log *corelog.Logger) *Packer {
	return &Packer{Opts: opts, Codec: codec, Stub: stub, Log: log}
}

// Pack implements spec.md §4.11.
func (p *Packer) Pack(in Input, out Output) error {
	raw, err := readAll(in)
	if err != nil {
		return err
	}

	dosOffset, peOffset, err := HuntPEHeader(raw)
	if err != nil {
		return err
	}
	hdr, err := ParsePEHeader(raw, dosOffset, peOffset)
	if err != nil {
		return err
	}
	if err := ValidateMachine(hdr, p.Opts.SubsystemMask); err != nil {
		return err
	}
	if agree, disagreements, scanErr := pescan.CrossCheck(raw); scanErr != nil {
		p.Log.Info("pescan cross-check skipped: %v", scanErr)
	} else if !agree {
		p.Log.Warn("pescan parsers disagree on input: %v", disagreements)
	}

	p.Opts.IsDLL = hdr.Characteristics&CharacteristicsDLL != 0
	p.Opts.IsEFI = hdr.Subsystem == winconst.SubsystemEFIApplication

	width := 4
	if hdr.Is64 {
		width = 8
	}

	virt, rvamin, rvalast, err := buildVirtualImage(raw, hdr, p.Opts.Force)
	if err != nil {
		return err
	}

	var loadConfigGuardFlagsRVA uint32
	if dd := hdr.DataDirectory[DirLoadConfig]; dd.RVA != 0 {
		off := uint32(loadConfigGuardFlagsOffset32)
		if hdr.Is64 {
			off = loadConfigGuardFlagsOffset64
		}
		loadConfigGuardFlagsRVA = dd.RVA + off
	}
	if err := ApplyDllCharacteristics(hdr, virt, loadConfigGuardFlagsRVA, p.Opts.Force); err != nil {
		return err
	}

	stripRelocs, err := DecideStripRelocs(p.Opts, hdr, p.Opts.IsDLL, p.Opts.IsEFI)
	if err != nil {
		return err
	}

	var origRelocs []RelocEntry
	if dd := hdr.DataDirectory[DirBaseReloc]; dd.Size > 0 && int(dd.RVA)+int(dd.Size) <= len(virt) {
		rr, err := NewRelocReader(virt[dd.RVA:dd.RVA+dd.Size], p.Opts.Force)
		if err != nil {
			return err
		}
		for {
			rva, typ, ok, err := rr.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			origRelocs = append(origRelocs, RelocEntry{RVA: rva, Type: typ})
		}
	}

	var snaps []byteRange

	var tlsRes *TLSPass1Result
	if dd := hdr.DataDirectory[DirTLS]; dd.RVA != 0 && dd.Size > 0 {
		tlsRes, err = ProcessTLS1(virt, dd.RVA, hdr.ImageBase, uint32(len(virt)), p.Opts.IsEFI, width, origRelocs, p.Log)
		if err != nil {
			return err
		}
	}

	var lcRes *LoadConfigPass1Result
	if dd := hdr.DataDirectory[DirLoadConfig]; dd.RVA != 0 {
		lcRes, err = ProcessLoadConfig1(virt, dd.RVA, origRelocs, p.Log)
		if err != nil {
			return err
		}
	}

	var linker *ImportLinker
	var importStreams []preprocessedDLLStream
	var dllNameStartRVA uint32
	if dd := hdr.DataDirectory[DirImport]; dd.RVA != 0 {
		dlls, err := ParseImports(virt, dd.RVA, width)
		if err != nil {
			return err
		}
		if len(dlls) > 0 {
			var namesIv, iatsIv, lookupsIv *Interval
			linker, importStreams, namesIv, iatsIv, lookupsIv, dllNameStartRVA, err = BuildImports(virt, dlls, width, p.Opts.IsDLL, rvamin, p.Log)
			if err != nil {
				return err
			}
			namesIv.Flatten()
			iatsIv.Flatten()
			lookupsIv.Flatten()
			for _, r := range namesIv.Ranges() {
				snaps = append(snaps, snapshotRange(virt, r.Start, r.Len))
			}
			for _, r := range iatsIv.Ranges() {
				snaps = append(snaps, snapshotRange(virt, r.Start, r.Len))
			}
			for _, r := range lookupsIv.Ranges() {
				snaps = append(snaps, snapshotRange(virt, r.Start, r.Len))
			}
			namesIv.Clear()
			iatsIv.Clear()
			lookupsIv.Clear()
		}
	}

	var resLeaves []*ResNode
	var resourceSide []byte
	if dd := hdr.DataDirectory[DirResource]; dd.Size > 0 && p.Opts.compressResources() {
		_, resLeaves, err = ParseResourceTree(virt, dd.RVA)
		if err != nil {
			return err
		}
		keepRules := ParseKeepResource(p.Opts.KeepResource)
		ClassifyResources(resLeaves, p.Opts, keepRules, p.Log)
		// Kept leaves are rebuilt on unpack from the self-describing side
		// buffer below (RebuildResourcesUnpack), not from a byte-range
		// snapshot: no snapshot of the zeroed bytes is needed here.
		resourceSide = RebuildResourcesPack(virt, resLeaves)
	}

	var exportDir *ExportDirectory
	var exportEntries []ExportEntry
	var exportModuleName string
	if dd := hdr.DataDirectory[DirExport]; dd.Size > 0 && p.Opts.compressExports() {
		exportDir, exportEntries, err = ParseExports(virt, dd.RVA, dd.Size)
		if err != nil {
			return err
		}
		exportModuleName = cstringAt(virt, exportDir.NameRVA)
	}

	// Relocation target values are restored on unpack by decoding the
	// codec-compressed pair stream below and adding imagebase+rvamin back
	// (core.Codec.UnoptimizeReloc), not from a byte-range snapshot: the
	// .reloc directory table bytes themselves are never mutated by the
	// preprocessor, only the 4-or-8-byte value at each target, which the
	// pair list already names exactly.

	var relocRes *RelocPreprocessResult
	var relocData []byte
	if dd := hdr.DataDirectory[DirBaseReloc]; dd.Size > 0 && int(dd.RVA)+int(dd.Size) <= len(virt) {
		relocData = virt[dd.RVA : dd.RVA+dd.Size]
	}
	if hdr.Is64 {
		relocRes, err = PreprocessRelocs64(virt, relocData, hdr.ImageBase, uint64(rvamin), p.Opts.Force, stripRelocs, defaultSideBufferCap, p.Codec, p.Log)
	} else {
		relocRes, err = PreprocessRelocs32(virt, relocData, uint32(hdr.ImageBase), rvamin, p.Opts.Force, stripRelocs, defaultSideBufferCap, p.Codec, p.Log)
	}
	if err != nil {
		return err
	}

	// Append the side buffers to the end of the virtual image (spec.md
	// §4.11 step 7 "append oimport and orelocs to the end of the virtual
	// image"), tracked by an explicit write cursor. Unpack reverses three
	// of them: resources and relocations rebuild byte-exact from their own
	// side buffer, imports restore from the byte-range snapshot collected
	// above (see core/extrainfo.go HasSnapshot doc comment); the TLS,
	// load-config and export buffers are not read back.
	cursor := rvalast
	appendBytes := func(b []byte) uint32 {
		start := cursor
		virt = append(virt, b...)
		cursor += uint32(len(b))
		for cursor%4 != 0 {
			virt = append(virt, 0)
			cursor++
		}
		return start
	}

	info := &ExtraInfo{}

	if linker != nil {
		importsBase := cursor
		if err := linker.Relocate(importsBase); err != nil {
			return err
		}
		for i := range importStreams {
			addr, err := linker.ThunkAddress(importStreams[i].dllName)
			if err != nil {
				return err
			}
			importStreams[i].thunkAddress = addr
		}
		importStream := EmitPreprocessedImports(importStreams)
		combined := append(append([]byte(nil), importStream...), linker.Output()...)
		start := appendBytes(combined)
		info.HasImports = true
		info.CImportsRVA = start
		info.CImportsLen = cursor - start
		info.DllStringsRVA = dllNameStartRVA
		info.ImportStreamLen = uint32(len(importStream))
	}

	if tlsRes != nil {
		newDataRVA := cursor
		dataLen4 := alignUp(uint32(len(tlsRes.ClonedData)), 4)
		newDirRVA := newDataRVA + dataLen4
		var newCallbacksRVA uint32
		if tlsRes.UseCallbacks {
			newCallbacksRVA = newDataRVA + uint32(len(tlsRes.ClonedData)) - uint32(2*width)
		}
		tlsPass2 := ProcessTLS2(tlsRes, newDirRVA, newDataRVA, newCallbacksRVA, hdr.ImageBase, width)
		start := appendBytes(tlsRes.ClonedData)
		appendBytes(tlsPass2.Directory)
		info.HasTLS = true
		info.TLSRVA = start
		info.TLSLen = cursor - start
	}

	if lcRes != nil {
		start := cursor
		appendBytes(lcRes.Data)
		_ = ProcessLoadConfig2(lcRes, start)
		info.HasLoadConfig = true
		info.LoadConfigRVA = start
		info.LoadConfigLen = cursor - start
	}

	if exportDir != nil {
		start := cursor
		exportsBlob := BuildExports(exportDir, exportEntries, exportModuleName, start)
		appendBytes(exportsBlob)
		info.HasExports = true
		info.ExportsRVA = start
		info.ExportsLen = cursor - start
	}

	if len(resourceSide) > 0 {
		start := cursor
		appendBytes(resourceSide)
		info.HasResources = true
		info.ResourcesRVA = start
		info.ResourcesLen = cursor - start
		var icondirCount uint32
		for _, leaf := range resLeaves {
			if leaf.Keep && leaf.resourceType() == RTGroupIcon {
				icondirCount++
			}
		}
		info.IcondirCount = icondirCount
	}

	if relocRes != nil && !relocRes.Stripped {
		start := cursor
		appendBytes(relocRes.Optimized)
		optimizedLen := uint32(len(relocRes.Optimized))
		if len(relocRes.HighArray) > 0 {
			appendBytes(encodeUint32Array(relocRes.HighArray))
		}
		if len(relocRes.LowArray) > 0 {
			appendBytes(encodeUint32Array(relocRes.LowArray))
		}
		info.HasRelocs = true
		info.CRelocsRVA = start
		info.CRelocsLen = cursor - start
		info.BigRelocs = relocRes.BigRelocs
		info.OptimizedRelocLen = optimizedLen
	}

	if len(snaps) > 0 {
		blob := encodeByteRanges(snaps)
		start := appendBytes(blob)
		info.HasSnapshot = true
		info.SnapshotRVA = start
		info.SnapshotLen = cursor - start
	}

	sectionTableLen := uint32(len(hdr.Sections) * sectionHeaderSize)
	headerOnlyLen := uint32(len(hdr.RawHeaderBytes)) - sectionTableLen
	info.Header = append([]byte(nil), hdr.RawHeaderBytes[:headerOnlyLen]...)
	info.SectionHeaders = append([]byte(nil), hdr.RawHeaderBytes[headerOnlyLen:]...)

	trailerStart := cursor
	trailer := EncodeExtraInfo(info, trailerStart-rvamin)
	appendBytes(trailer)

	toCompress := virt[rvamin:cursor]
	compressed, usedFilter, err := p.Codec.CompressWithFilters(toCompress, 0, uint32(hdr.ImageBase), rvamin)
	if err != nil {
		return err
	}
	if len(compressed) > len(toCompress) {
		return newNotCompressible("packed size %d is larger than input %d", len(compressed), len(toCompress))
	}

	var stubBytes []byte
	if p.Stub != nil {
		if sb, serr := p.Stub.GetLoader(); serr == nil {
			stubBytes = sb
		}
	}

	framing := &packFraming{
		Rvamin:                rvamin,
		OrigHeaderLen:         headerOnlyLen,
		OrigSectionHeadersLen: sectionTableLen,
		OrigDosOffset:         uint32(dosOffset),
		OrigPEOffset:          uint32(peOffset),
		OrigSize:              uint32(len(toCompress)),
		CompressedSize:        uint32(len(compressed)),
		Filter:                uint32(usedFilter),
		StubLen:               uint32(len(stubBytes)),
	}

	upx1Body := append(encodeFraming(framing), stubBytes...)
	upx1Body = append(upx1Body, compressed...)

	upx0VirtualSize := alignUp(cursor-rvamin, hdr.SectionAlignment)
	upx0 := SectionHeader{Name: sectionName("UPX0"), VirtualAddress: rvamin, VirtualSize: upx0VirtualSize, Characteristics: 0xE0000080}

	headerLenPadded := alignUp(hdr.SizeOfHeaders, hdr.FileAlignment)
	upx1VA := rvamin + upx0VirtualSize
	packedEntry := upx1VA + uint32(packFramingSize)
	upx1 := SectionHeader{
		Name:             sectionName("UPX1"),
		VirtualAddress:   upx1VA,
		VirtualSize:      alignUp(uint32(len(upx1Body)), hdr.SectionAlignment),
		SizeOfRawData:    alignUp(uint32(len(upx1Body)), hdr.FileAlignment),
		PointerToRawData: headerLenPadded,
		Characteristics:  0xE0000060,
	}
	newSizeOfImage := alignUp(upx1.VirtualAddress+upx1.VirtualSize, hdr.SectionAlignment)

	headerBuf, err := buildPackedHeader(raw, hdr, []SectionHeader{upx0, upx1}, newSizeOfImage, packedEntry)
	if err != nil {
		return err
	}
	headerBuf = padTo(headerBuf, hdr.FileAlignment)
	if uint32(len(headerBuf)) < headerLenPadded {
		headerBuf = append(headerBuf, make([]byte, headerLenPadded-uint32(len(headerBuf)))...)
	}

	if _, err := out.Write(headerBuf); err != nil {
		return newCantPack("writing packed header: %v", err)
	}
	body := padTo(upx1Body, hdr.FileAlignment)
	if _, err := out.Write(body); err != nil {
		return newCantPack("writing packed body: %v", err)
	}
	return nil
}

// Unpack implements spec.md §4.12.
func (p *Packer) Unpack(in Input, out Output) error {
	raw, err := readAll(in)
	if err != nil {
		return err
	}

	dosOffset, peOffset, err := HuntPEHeader(raw)
	if err != nil {
		return err
	}
	hdr, err := ParsePEHeader(raw, dosOffset, peOffset)
	if err != nil {
		return err
	}
	if len(hdr.Sections) < 2 || !strings.HasPrefix(hdr.Sections[0].NameString(), "UPX") {
		return newCantUnpack("not a recognized packed image")
	}

	var upx1 *SectionHeader
	for i := range hdr.Sections {
		if hdr.Sections[i].NameString() == "UPX1" {
			upx1 = &hdr.Sections[i]
			break
		}
	}
	if upx1 == nil {
		return newCantUnpack("UPX1 section not found")
	}
	bodyStart := int(upx1.PointerToRawData)
	bodyEnd := bodyStart + int(upx1.SizeOfRawData)
	if bodyStart < 0 || bodyEnd > len(raw) {
		return newCantUnpack("UPX1 raw data out of bounds")
	}
	body := raw[bodyStart:bodyEnd]

	framing, err := decodeFraming(body)
	if err != nil {
		return err
	}
	off := packFramingSize
	if off+int(framing.StubLen)+int(framing.CompressedSize) > len(body) {
		return newCantUnpack("packed body truncated")
	}
	off += int(framing.StubLen)
	compressed := body[off : off+int(framing.CompressedSize)]

	decompressed, err := p.Codec.Decompress(compressed, int(framing.OrigSize))
	if err != nil {
		return newCantUnpack("decompression failed: %v", err)
	}
	if uint32(len(decompressed)) != framing.OrigSize {
		return newCantUnpack("decompressed size mismatch")
	}

	extra, err := DecodeExtraInfo(decompressed, int(framing.OrigHeaderLen), int(framing.OrigSectionHeadersLen))
	if err != nil {
		return err
	}

	origHeaderBytes := append(append([]byte(nil), extra.Header...), extra.SectionHeaders...)
	headerBuf2 := make([]byte, int(framing.OrigDosOffset)+len(origHeaderBytes))
	copy(headerBuf2[framing.OrigDosOffset:], origHeaderBytes)
	origHdr, err := ParsePEHeader(headerBuf2, int(framing.OrigDosOffset), int(framing.OrigPEOffset))
	if err != nil {
		return newCantUnpack("reparsing original header: %v", err)
	}

	virt := make([]byte, uint32(len(decompressed))+framing.Rvamin)
	copy(virt[framing.Rvamin:], decompressed)

	// The remaining rebuild passes run in this order: snapshot restore,
	// relocations, resources, then the import-stream decode, each consuming
	// the trailer block Pack wrote for it. The TLS, load-config and export
	// blocks have no pass.
	if extra.HasSnapshot {
		start := extra.SnapshotRVA - framing.Rvamin
		end := start + extra.SnapshotLen
		if int(start) < 0 || end > uint32(len(decompressed)) {
			return newCantUnpack("snapshot block out of bounds")
		}
		if err := restoreByteRanges(virt, decompressed[start:end]); err != nil {
			return err
		}
	}

	if extra.HasRelocs && extra.OptimizedRelocLen > 0 {
		start := extra.CRelocsRVA - framing.Rvamin
		end := start + extra.OptimizedRelocLen
		if int(start) < 0 || end > uint32(len(decompressed)) {
			return newCantUnpack("relocation stream out of bounds")
		}
		bits, width := 32, 4
		if origHdr.Is64 {
			bits, width = 64, 8
		}
		pairs, err := p.Codec.UnoptimizeReloc(decompressed[start:end], virt, bits, true)
		if err != nil {
			return newCantUnpack("decoding relocations: %v", err)
		}
		base := origHdr.ImageBase + uint64(framing.Rvamin)
		for _, r := range pairs {
			roff := int(r.RVA)
			if roff < 0 || roff+width > len(virt) {
				return newCantUnpack("relocation target out of bounds: %#x", r.RVA)
			}
			if width == 8 {
				v := binary.LittleEndian.Uint64(virt[roff : roff+8])
				binary.LittleEndian.PutUint64(virt[roff:roff+8], v+base)
			} else {
				v := uint64(binary.LittleEndian.Uint32(virt[roff : roff+4]))
				binary.LittleEndian.PutUint32(virt[roff:roff+4], uint32(v+base))
			}
		}
	}

	if extra.HasResources {
		start := extra.ResourcesRVA - framing.Rvamin
		end := start + extra.ResourcesLen
		if int(start) < 0 || end > uint32(len(decompressed)) {
			return newCantUnpack("resource side buffer out of bounds")
		}
		if err := RebuildResourcesUnpack(virt, decompressed[start:end]); err != nil {
			return err
		}
	}

	// Exports and TLS have no rebuild pass here even though Pack recorded
	// an RVA/Len for each: ParseExports never mutates the image, and
	// ProcessTLS1's one in-place write, zeroing the tlsindex slot, is not
	// reverted, so the restored image carries 0 there. This is the
	// "no-op" spec.md gives TLS explicitly.

	if extra.HasImports {
		start := extra.CImportsRVA - framing.Rvamin
		end := start + extra.ImportStreamLen
		if int(start) < 0 || end > uint32(len(decompressed)) {
			return newCantUnpack("import stream out of bounds")
		}
		decodedStreams, decErr := DecodePreprocessedImports(decompressed[start:end])
		if decErr != nil {
			p.Log.Warn("preprocessed import stream failed to decode: %v", decErr)
		} else {
			for _, s := range decodedStreams {
				p.Log.Info("stub loader imports at thunk %#x: %v", s.thunkAddress, decodedDLLStreamEntryNames(s))
			}
		}
	}

	outFile := make([]byte, int(framing.OrigDosOffset)+len(origHdr.RawHeaderBytes))
	if uint32(len(outFile)) < origHdr.SizeOfHeaders {
		outFile = append(outFile, make([]byte, origHdr.SizeOfHeaders-uint32(len(outFile)))...)
	}
	copy(outFile[framing.OrigDosOffset:], origHdr.RawHeaderBytes)

	for _, s := range origHdr.Sections {
		n := s.SizeOfRawData
		if s.VirtualSize < n {
			n = s.VirtualSize
		}
		need := int(s.PointerToRawData) + int(s.SizeOfRawData)
		if need > len(outFile) {
			grown := make([]byte, need)
			copy(grown, outFile)
			outFile = grown
		}
		if n == 0 {
			continue
		}
		srcStart := int(s.VirtualAddress)
		srcEnd := srcStart + int(n)
		if srcStart < 0 || srcEnd > len(virt) {
			return newCantUnpack("reconstructed section data out of bounds")
		}
		copy(outFile[s.PointerToRawData:int(s.PointerToRawData)+int(n)], virt[srcStart:srcEnd])
	}

	if _, err := out.Write(outFile); err != nil {
		return newCantUnpack("writing reconstructed file: %v", err)
	}
	return nil
}

// DecodePackedImports re-derives the preprocessed import stream out of an
// already-packed file's trailer and renders it, for the `info` CLI
// subcommand's import listing (spec.md §4.12). ok is false when raw isn't
// a recognized packed image or carries no import directory at all.
func DecodePackedImports(raw []byte, codec Codec) (lines []string, ok bool, err error) {
	dosOffset, peOffset, err := HuntPEHeader(raw)
	if err != nil {
		return nil, false, err
	}
	hdr, err := ParsePEHeader(raw, dosOffset, peOffset)
	if err != nil {
		return nil, false, err
	}
	if len(hdr.Sections) < 2 || !strings.HasPrefix(hdr.Sections[0].NameString(), "UPX") {
		return nil, false, nil
	}
	var upx1 *SectionHeader
	for i := range hdr.Sections {
		if hdr.Sections[i].NameString() == "UPX1" {
			upx1 = &hdr.Sections[i]
			break
		}
	}
	if upx1 == nil {
		return nil, false, nil
	}
	bodyStart := int(upx1.PointerToRawData)
	bodyEnd := bodyStart + int(upx1.SizeOfRawData)
	if bodyStart < 0 || bodyEnd > len(raw) {
		return nil, false, newCantUnpack("UPX1 raw data out of bounds")
	}
	body := raw[bodyStart:bodyEnd]

	framing, err := decodeFraming(body)
	if err != nil {
		return nil, false, err
	}
	off := packFramingSize
	if off+int(framing.StubLen)+int(framing.CompressedSize) > len(body) {
		return nil, false, newCantUnpack("packed body truncated")
	}
	off += int(framing.StubLen)
	compressed := body[off : off+int(framing.CompressedSize)]

	decompressed, err := codec.Decompress(compressed, int(framing.OrigSize))
	if err != nil {
		return nil, false, newCantUnpack("decompression failed: %v", err)
	}
	if uint32(len(decompressed)) != framing.OrigSize {
		return nil, false, newCantUnpack("decompressed size mismatch")
	}

	extra, err := DecodeExtraInfo(decompressed, int(framing.OrigHeaderLen), int(framing.OrigSectionHeadersLen))
	if err != nil {
		return nil, false, err
	}
	if !extra.HasImports {
		return nil, false, nil
	}

	start := extra.CImportsRVA - framing.Rvamin
	end := start + extra.ImportStreamLen
	if int(start) < 0 || end > uint32(len(decompressed)) {
		return nil, false, newCantUnpack("import stream out of bounds")
	}
	streams, err := DecodePreprocessedImports(decompressed[start:end])
	if err != nil {
		return nil, false, err
	}
	return DescribePreprocessedImports(streams), true, nil
}
