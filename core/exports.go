package core

import "encoding/binary"

// ExportDirectory is the PE export directory table header.
type ExportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	NameRVA               uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

const exportDirectorySize = 40

// ExportEntry is one resolved export: either a real code RVA, or a
// forwarder string naming another module's export (spec.md §2 "preserving
// forwarders", SPEC_FULL.md supplemented feature 6).
type ExportEntry struct {
	Ordinal         uint32
	Name            string
	RVA             uint32
	IsForwarder     bool
	ForwarderString string
}

func parseExportDirectory(image []byte, rva uint32) (*ExportDirectory, error) {
	if int(rva)+exportDirectorySize > len(image) {
		return nil, newCantUnpack("export directory out of bounds")
	}
	d := image[rva:]
	return &ExportDirectory{
		Characteristics:       binary.LittleEndian.Uint32(d[0:4]),
		TimeDateStamp:         binary.LittleEndian.Uint32(d[4:8]),
		MajorVersion:          binary.LittleEndian.Uint16(d[8:10]),
		MinorVersion:          binary.LittleEndian.Uint16(d[10:12]),
		NameRVA:               binary.LittleEndian.Uint32(d[12:16]),
		Base:                  binary.LittleEndian.Uint32(d[16:20]),
		NumberOfFunctions:     binary.LittleEndian.Uint32(d[20:24]),
		NumberOfNames:         binary.LittleEndian.Uint32(d[24:28]),
		AddressOfFunctions:    binary.LittleEndian.Uint32(d[28:32]),
		AddressOfNames:        binary.LittleEndian.Uint32(d[32:36]),
		AddressOfNameOrdinals: binary.LittleEndian.Uint32(d[36:40]),
	}, nil
}

// isForwarderRVA implements the Export::convert distinction: a function
// entry whose RVA lands inside the export directory's own [dirRVA,
// dirRVA+dirSize) range is a forwarder string, not a real code pointer.
func isForwarderRVA(rva, dirRVA, dirSize uint32) bool {
	return rva >= dirRVA && rva < dirRVA+dirSize
}

// ParseExports reads the export directory at dirRVA (spanning dirSize
// bytes) and resolves every function slot into an ExportEntry, marking
// forwarders per isForwarderRVA.
func ParseExports(image []byte, dirRVA, dirSize uint32) (*ExportDirectory, []ExportEntry, error) {
	dir, err := parseExportDirectory(image, dirRVA)
	if err != nil {
		return nil, nil, err
	}

	funcs := make([]uint32, dir.NumberOfFunctions)
	base := int(dir.AddressOfFunctions)
	for i := range funcs {
		off := base + i*4
		if off+4 > len(image) {
			return nil, nil, newCantUnpack("export function table out of bounds")
		}
		funcs[i] = binary.LittleEndian.Uint32(image[off : off+4])
	}

	names := make([]string, dir.NumberOfNames)
	nameOrds := make([]uint16, dir.NumberOfNames)
	nbase := int(dir.AddressOfNames)
	obase := int(dir.AddressOfNameOrdinals)
	for i := range names {
		noff := nbase + i*4
		ooff := obase + i*2
		if noff+4 > len(image) || ooff+2 > len(image) {
			return nil, nil, newCantUnpack("export name table out of bounds")
		}
		nameRVA := binary.LittleEndian.Uint32(image[noff : noff+4])
		names[i] = cstringAt(image, nameRVA)
		nameOrds[i] = binary.LittleEndian.Uint16(image[ooff : ooff+2])
	}

	nameByOrdIndex := make(map[uint16]string, len(names))
	for i, n := range names {
		nameByOrdIndex[nameOrds[i]] = n
	}

	entries := make([]ExportEntry, 0, len(funcs))
	for i, rva := range funcs {
		if rva == 0 {
			continue
		}
		e := ExportEntry{Ordinal: dir.Base + uint32(i), RVA: rva}
		if n, ok := nameByOrdIndex[uint16(i)]; ok {
			e.Name = n
		}
		if isForwarderRVA(rva, dirRVA, dirSize) {
			e.IsForwarder = true
			e.ForwarderString = cstringAt(image, rva)
		}
		entries = append(entries, e)
	}
	return dir, entries, nil
}

// BuildExports serializes dir and entries back into a fresh export
// section image, preserving forwarder strings verbatim and writing real
// code RVAs as given. sectionBaseRVA is the RVA the caller intends to
// place the returned bytes at; every RVA this function writes (the
// module-name pointer, name-table entries, and forwarder strings) is
// expressed relative to the final image, not to the returned slice.
func BuildExports(dir *ExportDirectory, entries []ExportEntry, moduleName string, sectionBaseRVA uint32) []byte {
	nNames := 0
	for _, e := range entries {
		if e.Name != "" {
			nNames++
		}
	}

	headerSize := uint32(exportDirectorySize)
	funcsOff := headerSize
	funcsSize := uint32(len(entries)) * 4
	namesOff := funcsOff + funcsSize
	namesSize := uint32(nNames) * 4
	ordsOff := namesOff + namesSize
	ordsSize := uint32(nNames) * 2
	stringsOff := ordsOff + ordsSize

	var strings_ []byte
	nameRVAs := make([]uint32, 0, nNames)
	nameOrds := make([]uint16, 0, nNames)

	out := make([]byte, stringsOff)

	moduleNameRVA := sectionBaseRVA + stringsOff + uint32(len(strings_))
	strings_ = append(strings_, moduleName...)
	strings_ = append(strings_, 0)

	for i, e := range entries {
		var rva uint32
		if e.IsForwarder {
			rva = sectionBaseRVA + stringsOff + uint32(len(strings_))
			strings_ = append(strings_, e.ForwarderString...)
			strings_ = append(strings_, 0)
		} else {
			rva = e.RVA
		}
		binary.LittleEndian.PutUint32(out[funcsOff+uint32(i)*4:], rva)
		if e.Name != "" {
			nameRVA := sectionBaseRVA + stringsOff + uint32(len(strings_))
			strings_ = append(strings_, e.Name...)
			strings_ = append(strings_, 0)
			nameRVAs = append(nameRVAs, nameRVA)
			nameOrds = append(nameOrds, uint16(i))
		}
	}

	out = append(out, strings_...)
	for i, rva := range nameRVAs {
		binary.LittleEndian.PutUint32(out[namesOff+uint32(i)*4:], rva)
	}
	for i, ord := range nameOrds {
		binary.LittleEndian.PutUint16(out[ordsOff+uint32(i)*2:], ord)
	}

	binary.LittleEndian.PutUint32(out[0:4], dir.Characteristics)
	binary.LittleEndian.PutUint32(out[4:8], dir.TimeDateStamp)
	binary.LittleEndian.PutUint16(out[8:10], dir.MajorVersion)
	binary.LittleEndian.PutUint16(out[10:12], dir.MinorVersion)
	binary.LittleEndian.PutUint32(out[12:16], moduleNameRVA)
	binary.LittleEndian.PutUint32(out[16:20], dir.Base)
	binary.LittleEndian.PutUint32(out[20:24], uint32(len(entries)))
	binary.LittleEndian.PutUint32(out[24:28], uint32(nNames))
	binary.LittleEndian.PutUint32(out[28:32], sectionBaseRVA+funcsOff)
	binary.LittleEndian.PutUint32(out[32:36], sectionBaseRVA+namesOff)
	binary.LittleEndian.PutUint32(out[36:40], sectionBaseRVA+ordsOff)

	return out
}
