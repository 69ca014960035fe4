package core

import (
	"fmt"
	"sort"
	"strings"
)

// Section-name prefix bytes, assigned sequentially the way pefile.cpp's
// ImportLinker enum does (descriptor_id='D', thunk_id='E', dll_name_id='F',
// proc_name_id='G'). Only their relative ordering matters: it is what
// makes sections sort correctly once concatenated (spec.md §4.5). A dll's
// first thunk section is found by FirstThunkSection's alphabetical scan
// rather than by a reserved separator byte, so the separator/sentinel ids
// the original enum also declares (ordinal_id, thunk_separator_first/last,
// procname_separator) have no counterpart here.
const (
	sectionKindDescriptor byte = 'D' + iota
	sectionKindThunk
	sectionKindDLLName
	sectionKindProcName
	thunkSepNormal
)

// relocKind distinguishes the two cross-section relocation flavors named
// in spec.md §9: a real RVA pointer into another section, versus a raw
// symbol-value-plus-addend write (used to encode ordinals, which are not
// addresses).
type relocKind int

const (
	relocPointerToSection relocKind = iota
	relocSymbolValueAddend
)

type ilReloc struct {
	siteSection string
	siteOffset  uint32
	kind        relocKind
	targetSym   string
	addend      uint64
	width       int // 4 or 8
}

type ilSection struct {
	name   string
	data   []byte
	order  int
	offset uint32 // set by build()
}

// UndefinedSymbol is the synthetic zero-valued symbol ordinal encodings
// relocate against (pefile.cpp's "*UND*").
const UndefinedSymbol = "*UND*"

// ImportLinker synthesizes the new import-directory image: named sections
// plus cross-section relocations, sorted and concatenated deterministically
// (spec.md §4.5, §9 "Import-linker-as-ELF").
type ImportLinker struct {
	thunkWidth int // 4 (32-bit) or 8 (64-bit)
	sections   map[string]*ilSection
	order      int
	relocs     []ilReloc

	built   bool
	output  []byte
	zstart  uint32
	addrs   map[string]uint32 // section name -> final offset, after relocate
}

// NewImportLinker constructs a linker for thunks of the given pointer
// width (4 for 32-bit images, 8 for 64-bit).
func NewImportLinker(thunkWidth int) *ImportLinker {
	l := &ImportLinker{thunkWidth: thunkWidth, sections: map[string]*ilSection{}}
	l.addSection(UndefinedSymbol, nil)
	return l
}

func (l *ImportLinker) addSection(name string, data []byte) *ilSection {
	if s, ok := l.sections[name]; ok {
		return s
	}
	s := &ilSection{name: name, data: data, order: l.order}
	l.order++
	l.sections[name] = s
	return s
}

func encodeName(s string) string {
	var b strings.Builder
	for _, c := range []byte(strings.ToLower(s)) {
		b.WriteByte('a' + (c >> 4))
		b.WriteByte('a' + (c & 0xf))
	}
	return b.String()
}

func dllDescriptorSection(dll string) string {
	return string(sectionKindDescriptor) + encodeName(dll)
}

func dllNameSection(dll string) string {
	return string(sectionKindDLLName) + encodeName(dll)
}

func thunkSection(dll string, sep byte, proc string) string {
	return fmt.Sprintf("%c%s%c%s", sectionKindThunk, dll, sep, proc)
}

func procNameSection(dll, proc string) string {
	return fmt.Sprintf("%c%s/%s", sectionKindProcName, dll, proc)
}

// HasDLL reports whether AddByName/AddByOrdinal has already registered an
// entry for dll.
func (l *ImportLinker) HasDLL(dll string) bool {
	_, ok := l.sections[dllDescriptorSection(dll)]
	return ok
}

func (l *ImportLinker) ensureDLL(dll string) {
	if l.HasDLL(dll) {
		return
	}
	l.addSection(dllDescriptorSection(dll), make([]byte, 20))
	nameBytes := append([]byte(strings.ToLower(dll)), 0)
	l.addSection(dllNameSection(dll), nameBytes)
	l.relocs = append(l.relocs,
		ilReloc{siteSection: dllDescriptorSection(dll), siteOffset: 12, kind: relocPointerToSection, targetSym: dllNameSection(dll), width: 4},
	)
}

// AddByName registers an import of proc from dll by name.
func (l *ImportLinker) AddByName(dll, proc string) {
	l.ensureDLL(dll)
	sep := thunkSepNormal
	ts := thunkSection(dll, sep, proc)
	l.addSection(ts, make([]byte, l.thunkWidth))

	hintName := make([]byte, 2+len(proc)+1)
	copy(hintName[2:], proc)
	pn := procNameSection(dll, proc)
	l.addSection(pn, hintName)

	l.relocs = append(l.relocs, ilReloc{
		siteSection: ts, siteOffset: 0, kind: relocPointerToSection, targetSym: pn, width: l.thunkWidth,
	})
}

// AddByOrdinal registers an import of the given ordinal from dll.
func (l *ImportLinker) AddByOrdinal(dll string, ordinal uint32) {
	l.ensureDLL(dll)
	sep := thunkSepNormal
	name := fmt.Sprintf("#%d", ordinal)
	ts := thunkSection(dll, sep, name)
	l.addSection(ts, make([]byte, l.thunkWidth))

	highBit := uint64(1) << uint(l.thunkWidth*8-1)
	l.relocs = append(l.relocs, ilReloc{
		siteSection: ts, siteOffset: 0, kind: relocSymbolValueAddend,
		targetSym: UndefinedSymbol, addend: highBit | uint64(ordinal), width: l.thunkWidth,
	})
}

// DescriptorSection returns the section name holding dll's 20-byte import
// descriptor, wiring its iat field to firstThunkSection once the caller
// knows which thunk section is first (the pass-1 import processor decides
// that, per spec.md §4.6).
func (l *ImportLinker) DescriptorSection(dll string) string { return dllDescriptorSection(dll) }

// LinkDescriptorIAT wires a dll's descriptor.iat field (offset 16) to the
// RVA of its first thunk section.
func (l *ImportLinker) LinkDescriptorIAT(dll, firstThunkSectionName string) {
	l.relocs = append(l.relocs, ilReloc{
		siteSection: dllDescriptorSection(dll), siteOffset: 16, kind: relocPointerToSection,
		targetSym: firstThunkSectionName, width: 4,
	})
}

// FirstThunkSection returns the section name of dll's first registered
// thunk, needed by LinkDescriptorIAT. Thunks are visited in build order
// (their final, sorted order), matching spec.md §4.5's "first thunk of a
// dll sorts before the rest" guarantee.
func (l *ImportLinker) FirstThunkSection(dll string) string {
	prefix := fmt.Sprintf("%c%s", sectionKindThunk, dll)
	var names []string
	for name := range l.sections {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// build sorts sections by name (ties break by insertion order) and
// concatenates their payloads.
func (l *ImportLinker) Build() ([]byte, error) {
	names := make([]string, 0, len(l.sections))
	for n := range l.sections {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if names[i] != names[j] {
			return names[i] < names[j]
		}
		return l.sections[names[i]].order < l.sections[names[j]].order
	})

	var out []byte
	for _, n := range names {
		s := l.sections[n]
		s.offset = uint32(len(out))
		out = append(out, s.data...)
	}
	l.output = out
	l.built = true
	return out, nil
}

// Relocate applies every staged relocation, defining *ZSTART (the whole
// linked blob's final base) at baseRVA, and records the section-address
// lookup table that GetAddress and ThunkAddress read (spec.md §4.5
// "relocate_import").
func (l *ImportLinker) Relocate(baseRVA uint32) error {
	if !l.built {
		return newInternal("ImportLinker.Relocate called before Build")
	}
	l.zstart = baseRVA
	l.addrs = make(map[string]uint32, len(l.sections))
	for name, s := range l.sections {
		l.addrs[name] = baseRVA + s.offset
	}

	for _, r := range l.relocs {
		site, ok := l.sections[r.siteSection]
		if !ok {
			return newInternal("relocation references unknown section %q", r.siteSection)
		}
		if int(r.siteOffset)+r.width > len(site.data) {
			return newInternal("relocation site out of bounds in section %q", r.siteSection)
		}
		var value uint64
		switch r.kind {
		case relocPointerToSection:
			target, ok := l.sections[r.targetSym]
			if !ok {
				return newInternal("relocation target unknown section %q", r.targetSym)
			}
			value = uint64(baseRVA) + uint64(target.offset)
		case relocSymbolValueAddend:
			target, ok := l.sections[r.targetSym]
			if !ok {
				return newInternal("relocation target unknown section %q", r.targetSym)
			}
			value = uint64(target.offset) + r.addend
		}
		putLE(site.data[r.siteOffset:r.siteOffset+uint32(r.width)], value, r.width)
		// site.data was copied by value into l.output during Build; patch
		// the same bytes there too so the buffer Build returned reflects
		// relocation, not just the per-section staging copy.
		putLE(l.output[site.offset+r.siteOffset:site.offset+r.siteOffset+uint32(r.width)], value, r.width)
	}
	return nil
}

func putLE(buf []byte, v uint64, width int) {
	for i := 0; i < width; i++ {
		buf[i] = byte(v >> (8 * uint(i)))
	}
}

// Output returns the linked blob built by Build, reflecting any
// relocations applied since (core/orchestrator.go appends this directly
// to the packed image).
func (l *ImportLinker) Output() []byte { return l.output }

// ThunkAddress returns the final RVA of dll's first thunk section, once
// Relocate has run: the value the preprocessed import stream's per-dll
// thunk-address field carries (spec.md §3).
func (l *ImportLinker) ThunkAddress(dll string) (uint32, error) {
	if l.addrs == nil {
		return 0, newInternal("ImportLinker.ThunkAddress called before Relocate")
	}
	name := l.FirstThunkSection(dll)
	if name == "" {
		return 0, newInternal("no thunk section registered for dll %q", dll)
	}
	addr, ok := l.addrs[name]
	if !ok {
		return 0, newInternal("no such section %q", name)
	}
	return addr, nil
}

// GetAddress returns the final RVA of dll's descriptor section, or of
// proc's hint/name section when proc is non-empty. Ordinal imports have
// no hint/name section, so looking one up returns an error.
func (l *ImportLinker) GetAddress(dll string, proc string) (uint32, error) {
	if l.addrs == nil {
		return 0, newInternal("ImportLinker.GetAddress called before Relocate")
	}
	name := dllDescriptorSection(dll)
	if proc != "" {
		name = procNameSection(dll, proc)
	}
	addr, ok := l.addrs[name]
	if !ok {
		return 0, newInternal("no such section %q", name)
	}
	return addr, nil
}
