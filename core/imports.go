package core

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"pexpack/corelog"
)

// ImportDescriptor is the 20-byte on-disk import descriptor of spec.md §3.
type ImportDescriptor struct {
	OriginalFirstThunk uint32
	TimeDateStamp      uint32
	ForwarderChain     uint32
	NameRVA            uint32
	FirstThunkRVA      uint32
}

const maxImportDescriptors = 4096

// importThunkEntry is one resolved entry of a dll's thunk array: either a
// name (zstring pointed to by a hint/name RVA) or an ordinal (high bit
// set).
type importThunkEntry struct {
	byOrdinal bool
	name      string
	ordinal   uint32
}

// parsedDLL is one dll's import-descriptor-plus-thunk-array, as read from
// the original image (spec.md §4.6 "walk the import descriptor array").
type parsedDLL struct {
	name       string
	nameRVA    uint32
	shortName  string // lower-case, without a trailing ".dll"
	origIAT    uint32
	lookupPtr  uint32
	entries    []importThunkEntry
	origIndex  int
	isKernel32 bool
}

func shortNameOf(dll string) string {
	n := strings.ToLower(dll)
	n = strings.TrimSuffix(n, ".dll")
	return n
}

// ParseImportDescriptors walks the import directory at data (already
// sliced to start at the directory's RVA), decoding up to
// maxImportDescriptors entries and stopping at the null terminator.
func ParseImportDescriptors(data []byte) ([]ImportDescriptor, error) {
	var out []ImportDescriptor
	for len(out) < maxImportDescriptors {
		if len(data) < 20 {
			return nil, newCantUnpack("truncated import descriptor table")
		}
		var d ImportDescriptor
		d.OriginalFirstThunk = binary.LittleEndian.Uint32(data[0:4])
		d.TimeDateStamp = binary.LittleEndian.Uint32(data[4:8])
		d.ForwarderChain = binary.LittleEndian.Uint32(data[8:12])
		d.NameRVA = binary.LittleEndian.Uint32(data[12:16])
		d.FirstThunkRVA = binary.LittleEndian.Uint32(data[16:20])
		data = data[20:]
		if d.OriginalFirstThunk == 0 && d.FirstThunkRVA == 0 {
			break
		}
		out = append(out, d)
	}
	return out, nil
}

func cstringAt(image []byte, rva uint32) string {
	if int(rva) >= len(image) {
		return ""
	}
	end := int(rva)
	for end < len(image) && image[end] != 0 {
		end++
	}
	return string(image[rva:end])
}

// ReadThunkArray decodes a pointer-width thunk array starting at rva
// within image, until the terminating zero entry. width selects the 32-bit
// or 64-bit high-bit-marks-ordinal convention of spec.md §3.
func ReadThunkArray(image []byte, rva uint32, width int) ([]importThunkEntry, error) {
	var out []importThunkEntry
	highBit := uint64(1) << uint(width*8-1)
	off := int(rva)
	for {
		if off+width > len(image) {
			return nil, newCantUnpack("thunk array runs past end of image")
		}
		var v uint64
		if width == 8 {
			v = binary.LittleEndian.Uint64(image[off : off+8])
		} else {
			v = uint64(binary.LittleEndian.Uint32(image[off : off+4]))
		}
		off += width
		if v == 0 {
			break
		}
		if v&highBit != 0 {
			out = append(out, importThunkEntry{byOrdinal: true, ordinal: uint32(v & 0xffff)})
			continue
		}
		hintNameRVA := uint32(v)
		name := cstringAt(image, hintNameRVA+2)
		out = append(out, importThunkEntry{name: name})
	}
	return out, nil
}

// ParseImports performs spec.md §4.6's pass-1 walk: decode every
// descriptor plus its thunk array (preferring OriginalFirstThunk, falling
// back to FirstThunk when there is no separate lookup table).
func ParseImports(image []byte, descTableRVA uint32, width int) ([]parsedDLL, error) {
	descs, err := ParseImportDescriptors(image[descTableRVA:])
	if err != nil {
		return nil, err
	}
	out := make([]parsedDLL, 0, len(descs))
	for i, d := range descs {
		name := cstringAt(image, d.NameRVA)
		lookup := d.OriginalFirstThunk
		if lookup == 0 {
			lookup = d.FirstThunkRVA
		}
		entries, err := ReadThunkArray(image, lookup, width)
		if err != nil {
			return nil, err
		}
		sn := shortNameOf(name)
		out = append(out, parsedDLL{
			name: name, nameRVA: d.NameRVA, shortName: sn, origIAT: d.FirstThunkRVA, lookupPtr: lookup,
			entries: entries, origIndex: i, isKernel32: sn == "kernel32",
		})
	}
	return out, nil
}

// hasOrdinalEntry reports whether any entry of d is ordinal-style.
func (d *parsedDLL) hasOrdinalEntry() bool {
	for _, e := range d.entries {
		if e.byOrdinal {
			return true
		}
	}
	return false
}

// allOrdinal reports the style of the chosen representative: the
// original's sort puts "non-ordinal-style before ordinal-style" per dll,
// judged by whether every entry is an ordinal.
func (d *parsedDLL) allOrdinal() bool {
	if len(d.entries) == 0 {
		return false
	}
	for _, e := range d.entries {
		if !e.byOrdinal {
			return false
		}
	}
	return true
}

// sortImportedDLLs implements spec.md §4.6's deterministic ordering:
// kernel32 first; non-ordinal-style before ordinal-style; case-insensitive
// by name; ordinal-present before not; then shortest short-name; then by
// original index.
func sortImportedDLLs(dlls []parsedDLL) {
	sort.SliceStable(dlls, func(i, j int) bool {
		a, b := dlls[i], dlls[j]
		if a.isKernel32 != b.isKernel32 {
			return a.isKernel32
		}
		ao, bo := a.allOrdinal(), b.allOrdinal()
		if ao != bo {
			return !ao
		}
		if ln := strings.Compare(strings.ToLower(a.name), strings.ToLower(b.name)); ln != 0 {
			return ln < 0
		}
		ah, bh := a.hasOrdinalEntry(), b.hasOrdinalEntry()
		if ah != bh {
			return ah
		}
		if len(a.shortName) != len(b.shortName) {
			return len(a.shortName) < len(b.shortName)
		}
		return a.origIndex < b.origIndex
	})
}

// preprocessedDLLStream is the per-dll control block used to emit the
// packed tagged stream of spec.md §3. dllName is carried alongside so the
// orchestrator can resolve thunkAddress against the ImportLinker after
// Relocate without needing the sorted dll list back from BuildImports.
type preprocessedDLLStream struct {
	dllName           string
	thunkAddress      uint32
	iatRVAMinusRvamin uint32
	entries           []importThunkEntry
	kernel32Ordinals  map[int]bool // index into entries using tag 0xfe instead of 0xff
}

// EmitPreprocessedImports serializes the resolved per-dll streams into the
// exact wire format of spec.md §3: per dll LE32 thunk-address, LE32
// (iat-rvamin), then tag bytes (1=name+zstring, 0xff=ordinal+LE16,
// 0xfe=kernel32-ordinal+LE32 thunk, 0=end of dll), then a final LE32 0.
func EmitPreprocessedImports(streams []preprocessedDLLStream) []byte {
	var out []byte
	var b4 [4]byte
	for _, s := range streams {
		binary.LittleEndian.PutUint32(b4[:], s.thunkAddress)
		out = append(out, b4[:]...)
		binary.LittleEndian.PutUint32(b4[:], s.iatRVAMinusRvamin)
		out = append(out, b4[:]...)
		for i, e := range s.entries {
			if e.byOrdinal {
				if s.kernel32Ordinals != nil && s.kernel32Ordinals[i] {
					out = append(out, 0xfe)
					binary.LittleEndian.PutUint32(b4[:], s.thunkAddress)
					out = append(out, b4[:]...)
				} else {
					out = append(out, 0xff)
					var b2 [2]byte
					binary.LittleEndian.PutUint16(b2[:], uint16(e.ordinal))
					out = append(out, b2[:]...)
				}
				continue
			}
			out = append(out, 1)
			out = append(out, e.name...)
			out = append(out, 0)
		}
		out = append(out, 0)
	}
	binary.LittleEndian.PutUint32(b4[:], 0)
	out = append(out, b4[:]...)
	if len(out) == 4 {
		// SPEC_FULL.md supplemented feature 4: an import-free stream
		// collapses to nothing rather than a bare 4-byte terminator.
		return nil
	}
	return out
}

// kernel32Essentials is always added to the kernel32 import, per spec.md
// §4.6 ("Always add LoadLibraryA, GetProcAddress, VirtualProtect, and (if
// not a DLL) ExitProcess from the kernel DLL").
func kernel32Essentials(isDLL bool) []string {
	names := []string{"LoadLibraryA", "GetProcAddress", "VirtualProtect"}
	if !isDLL {
		names = append(names, "ExitProcess")
	}
	return names
}

// BuildImports drives the whole pass-1 import processor: it sorts the
// parsed dlls, constructs a new ImportLinker, re-adds the kernel32
// essentials plus (per the original's "Windows quirk") every ordinal
// kernel32 imported directly, adds one representative proc per other dll,
// and returns the unserialized per-dll streams plus the iats/names/lookups
// intervals used to decide whether those original regions can be zeroed.
// The streams' thunkAddress fields are left zero: the caller must resolve
// them against linker (via ThunkAddress) after calling linker.Relocate,
// then serialize with EmitPreprocessedImports — Build() alone only fixes
// section offsets relative to the linker's own output, not final RVAs.
func BuildImports(image []byte, dlls []parsedDLL, thunkWidth int, isDLL bool, rvamin uint32, log *corelog.Logger) (linker *ImportLinker, streams []preprocessedDLLStream, namesIv, iatsIv, lookupsIv *Interval, dllNameStartRVA uint32, err error) {
	sortImportedDLLs(dlls)

	linker = NewImportLinker(thunkWidth)
	namesIv = NewInterval(image)
	iatsIv = NewInterval(image)
	lookupsIv = NewInterval(image)

	for _, d := range dlls {
		namesIv.Add(d.nameRVA, uint32(len(d.name))+1)
		iatsIv.Add(d.origIAT, uint32(len(d.entries))*uint32(thunkWidth))
		if d.lookupPtr != d.origIAT {
			lookupsIv.Add(d.lookupPtr, uint32(len(d.entries))*uint32(thunkWidth))
		}

		var ps preprocessedDLLStream
		ps.dllName = d.name
		ps.iatRVAMinusRvamin = d.origIAT - rvamin

		if d.isKernel32 {
			for _, proc := range kernel32Essentials(isDLL) {
				linker.AddByName(d.name, proc)
			}
			for _, e := range d.entries {
				if e.byOrdinal {
					linker.AddByOrdinal(d.name, e.ordinal)
				}
			}
		} else if !linker.HasDLL(d.name) {
			if rep := chooseRepresentative(d); rep.byOrdinal {
				linker.AddByOrdinal(d.name, rep.ordinal)
			} else {
				linker.AddByName(d.name, rep.name)
			}
		}

		ps.entries = d.entries
		if d.isKernel32 {
			ps.kernel32Ordinals = map[int]bool{}
			for i, e := range d.entries {
				if e.byOrdinal {
					ps.kernel32Ordinals[i] = true
				}
			}
		}
		streams = append(streams, ps)
	}

	linker.ensureStubImports(isDLL)
	if _, err := linker.Build(); err != nil {
		return nil, nil, nil, nil, nil, 0, err
	}

	for _, d := range dlls {
		ft := linker.FirstThunkSection(d.name)
		if ft == "" {
			continue
		}
		linker.LinkDescriptorIAT(d.name, ft)
	}

	namesIv.Flatten()
	if namesIv.IsContiguous() && namesIv.Len() > 0 {
		dllNameStartRVA = namesIv.Ranges()[0].Start
	} else if len(dlls) > 0 {
		log.Warn("import name regions are not contiguous; no dll-name region start is recorded and the descriptors are not rewritten")
		dllNameStartRVA = 0
	}

	return linker, streams, namesIv, iatsIv, lookupsIv, dllNameStartRVA, nil
}

// chooseRepresentative picks the proc preserved for a non-kernel32 dll
// that has no essential-function list of its own: the first entry, name
// or ordinal as originally imported.
func chooseRepresentative(d parsedDLL) importThunkEntry {
	if len(d.entries) == 0 {
		return importThunkEntry{name: ""}
	}
	return d.entries[0]
}

// ensureStubImports adds the loader-stub's own bookkeeping imports beyond
// the per-dll essentials; kept as a separate step because the loader
// stub's exact requirements are an external-collaborator concern (spec.md
// §1 "stub-loader linker" is out of scope) — this only guarantees the
// kernel32 entry itself always exists even when the original image had no
// imports at all, so `ensureDLL`/relocation wiring has something to attach
// to.
func (l *ImportLinker) ensureStubImports(isDLL bool) {
	if l.HasDLL("kernel32.dll") {
		return
	}
	for _, proc := range kernel32Essentials(isDLL) {
		l.AddByName("kernel32.dll", proc)
	}
}

// decodedImportEntry mirrors importThunkEntry for the unpack-side decode of
// EmitPreprocessedImports's wire format.
type decodedImportEntry struct {
	byOrdinal bool
	name      string
	ordinal   uint32
	kernel32  bool   // tag 0xfe: re-added kernel32 ordinal, thunk shares the descriptor's iat
	thunk     uint32 // tag 0xfe only: the LE32 thunk address the tag carries (the ordinal itself is not in the stream)
}

type decodedDLLStream struct {
	thunkAddress      uint32
	iatRVAMinusRvamin uint32
	entries           []decodedImportEntry
}

// DecodePreprocessedImports is EmitPreprocessedImports's inverse (spec.md
// §3, §4.12): walk the tagged per-dll stream, recovering each dll's
// thunk-address, original iat-rvamin, and entry list, stopping once only
// the final LE32 0 terminator remains.
func DecodePreprocessedImports(stream []byte) ([]decodedDLLStream, error) {
	if len(stream) == 0 {
		return nil, nil
	}
	var out []decodedDLLStream
	off := 0
	need := func(n int) error {
		if off+n > len(stream) {
			return newCantUnpack("truncated preprocessed import stream")
		}
		return nil
	}
	for off < len(stream)-4 {
		if err := need(8); err != nil {
			return nil, err
		}
		thunkAddress := binary.LittleEndian.Uint32(stream[off:])
		iatRVAMinusRvamin := binary.LittleEndian.Uint32(stream[off+4:])
		off += 8

		var entries []decodedImportEntry
		for {
			if err := need(1); err != nil {
				return nil, err
			}
			tag := stream[off]
			off++
			if tag == 0 {
				break
			}
			switch tag {
			case 1:
				start := off
				for off < len(stream) && stream[off] != 0 {
					off++
				}
				if err := need(1); err != nil {
					return nil, err
				}
				entries = append(entries, decodedImportEntry{name: string(stream[start:off])})
				off++ // the NUL
			case 0xff:
				if err := need(2); err != nil {
					return nil, err
				}
				entries = append(entries, decodedImportEntry{byOrdinal: true, ordinal: uint32(binary.LittleEndian.Uint16(stream[off:]))})
				off += 2
			case 0xfe:
				if err := need(4); err != nil {
					return nil, err
				}
				entries = append(entries, decodedImportEntry{byOrdinal: true, thunk: binary.LittleEndian.Uint32(stream[off:]), kernel32: true})
				off += 4
			default:
				return nil, newCantUnpack("unrecognized preprocessed import tag %#x", tag)
			}
		}
		out = append(out, decodedDLLStream{thunkAddress: thunkAddress, iatRVAMinusRvamin: iatRVAMinusRvamin, entries: entries})
	}
	if err := need(4); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(stream[off:]) != 0 {
		return nil, newCantUnpack("preprocessed import stream missing final terminator")
	}
	return out, nil
}

// DescribePreprocessedImports renders a decoded preprocessed import stream
// as one line per dll plus one line per entry, the form DecodePackedImports
// hands the `info` CLI subcommand to print.
func DescribePreprocessedImports(streams []decodedDLLStream) []string {
	lines := make([]string, 0, len(streams))
	for _, s := range streams {
		lines = append(lines, fmt.Sprintf("thunk=%#x iat-rvamin=%#x entries=%d", s.thunkAddress, s.iatRVAMinusRvamin, len(s.entries)))
		for _, e := range s.entries {
			switch {
			case e.byOrdinal && e.kernel32:
				lines = append(lines, fmt.Sprintf("    kernel32 ordinal at thunk %#x", e.thunk))
			case e.byOrdinal:
				lines = append(lines, fmt.Sprintf("    ordinal #%d", e.ordinal))
			default:
				lines = append(lines, fmt.Sprintf("    %s", e.name))
			}
		}
	}
	return lines
}

// decodedDLLStreamEntryNames renders one decoded dll's entries as
// "name", "#ordinal" or (for a tag-0xfe kernel32 ordinal, whose ordinal
// the stream does not carry) "#?@thunk" strings, in stream order, for Unpack's post-decode
// log line. The file-level round trip itself restores the original
// descriptor/IAT/lookup bytes from the verbatim byte-range snapshot rather
// than from this compact form, since the original hint/name record RVAs
// are not preserved anywhere in the wire stream (only the proc name
// strings and ordinals are) — this only backs the informational log, not
// the restore itself.
func decodedDLLStreamEntryNames(s decodedDLLStream) []string {
	names := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		if e.kernel32 {
			names = append(names, fmt.Sprintf("#?@%#x", e.thunk))
			continue
		}
		if e.byOrdinal {
			names = append(names, fmt.Sprintf("#%d", e.ordinal))
			continue
		}
		names = append(names, e.name)
	}
	return names
}
