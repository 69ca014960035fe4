package core

import (
	"encoding/binary"

	"pexpack/common"
	"pexpack/core/winconst"
)

// Machine type codes relevant to the supported set (spec.md §1 Non-goals,
// §4.11 step 2). winconst does not re-export THUMB, so it is kept as a
// literal here.
const (
	MachineI386  = winconst.MachineI386
	MachineARM   = winconst.MachineARM
	MachineThumb = 0x01c2
	MachineARMNT = winconst.MachineARMNT
	MachineAMD64 = winconst.MachineAMD64
)

// i386UpperBound is the "0x150" i386-family machine-code upper bound of
// unclear origin named in spec.md §9's open questions. The supported
// machine set is fully enumerated in ValidateMachine's switch, so this
// constant is not wired into a check; kept as a named tunable rather than
// silently dropped.
const i386UpperBound = 0x150

const (
	peHeaderMaxHops   = 20
	sectionHeaderSize = 40
	dataDirCount      = 16
	dllCharForceIntegrity = winconst.DllCharacteristicsForceIntegrity
	dllCharGuardCF        = winconst.DllCharacteristicsGuardCF
	dllCharDynamicBase    = winconst.DllCharacteristicsDynamicBase
	dllCharHighEntropyVA  = winconst.DllCharacteristicsHighEntropyVA
)

// DataDirectory is one of the 16 IMAGE_DATA_DIRECTORY entries.
type DataDirectory struct {
	RVA  uint32
	Size uint32
}

const (
	DirExport    = 0
	DirImport    = 1
	DirResource  = 2
	DirException = 3
	DirSecurity  = 4
	DirBaseReloc = 5
	DirDebug     = 6
	DirTLS       = 9
	DirLoadConfig = 10
	DirCOMDescriptor = 14
)

// SectionHeader mirrors IMAGE_SECTION_HEADER.
type SectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

// NameString returns the section name up to the first NUL.
func (s *SectionHeader) NameString() string {
	n := 0
	for n < len(s.Name) && s.Name[n] != 0 {
		n++
	}
	return string(s.Name[:n])
}

// PEHeader is the parsed MZ+PE header pair plus the fields the rest of
// the core needs from the optional header (spec.md §3 "PE image").
type PEHeader struct {
	DosHeaderOffset int
	PEOffset        int
	Is64             bool
	Machine          uint16
	NumberOfSections uint16
	SizeOfOptionalHeader uint16
	Characteristics  uint16

	Magic               uint16
	ImageBase           uint64
	SizeOfImage         uint32
	SizeOfHeaders       uint32
	AddressOfEntryPoint uint32
	FileAlignment       uint32
	SectionAlignment    uint32
	Subsystem           uint16
	DllCharacteristics  uint16
	NumberOfRvaAndSizes uint32

	DataDirectory [dataDirCount]DataDirectory

	Sections []SectionHeader

	// Raw bytes from DosHeaderOffset to the end of the section table,
	// which ParsePEHeader places right after the 16 data directories
	// (SizeOfOptionalHeader is not consulted), preserved for the
	// extra-info trailer (spec.md §3).
	RawHeaderBytes []byte
}

func isPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// HuntPEHeader implements spec.md §4.11 step 1: a bounded chained search
// for the PE signature starting from the MZ stub's e_lfanew, following
// e_lfanew from one embedded MZ stub to the next. Only e_lfanew is read:
// the MZ relocoffs/m512/p512/nexepos fields are not consulted. A single
// MZ→PE hop covers the overwhelming majority of real images; the bound
// guards against adversarial chains that would otherwise spin or wrap.
func HuntPEHeader(data []byte) (dosOffset, peOffset int, err error) {
	if len(data) < 64 || data[0] != 'M' || data[1] != 'Z' {
		return 0, 0, newCantUnpack("not a DOS/MZ file")
	}

	offset := 0
	seen := map[int]bool{}
	for hop := 0; hop < peHeaderMaxHops; hop++ {
		if seen[offset] {
			return 0, 0, newCantUnpack("PE header hunt looped")
		}
		seen[offset] = true
		if offset < 0 || offset+64 > len(data) {
			return 0, 0, newCantUnpack("PE header hunt out of bounds")
		}
		if data[offset] != 'M' || data[offset+1] != 'Z' {
			return 0, 0, newCantUnpack("MZ signature not found during header hunt")
		}
		lfanew := int(binary.LittleEndian.Uint32(data[offset+60 : offset+64]))
		next := offset + lfanew
		if lfanew < 0 || next < offset || next+4 > len(data) {
			return 0, 0, newCantUnpack("PE header offset wraps or is out of bounds")
		}
		if next < offset+64 {
			return 0, 0, newCantUnpack("PE and MZ header overlap")
		}
		if data[next] == 'P' && data[next+1] == 'E' && data[next+2] == 0 && data[next+3] == 0 {
			return offset, next, nil
		}
		// Chained stub: an embedded MZ at `next` means this is another
		// DOS stub wrapping the real one; follow it.
		if data[next] == 'M' && data[next+1] == 'Z' {
			offset = next
			continue
		}
		return 0, 0, newCantUnpack("PE signature not found")
	}
	return 0, 0, newCantUnpack("PE header hunt exceeded hop limit")
}

// ParsePEHeader parses the full header starting at peOffset (as located
// by HuntPEHeader) including the optional header, data directories, and
// section table.
func ParsePEHeader(data []byte, dosOffset, peOffset int) (*PEHeader, error) {
	if peOffset+24 > len(data) {
		return nil, newCantUnpack("PE signature truncated")
	}
	h := &PEHeader{DosHeaderOffset: dosOffset, PEOffset: peOffset}
	coff := data[peOffset+4:]
	h.Machine = binary.LittleEndian.Uint16(coff[0:2])
	h.NumberOfSections = binary.LittleEndian.Uint16(coff[2:4])
	h.Characteristics = binary.LittleEndian.Uint16(coff[18:20])
	h.SizeOfOptionalHeader = binary.LittleEndian.Uint16(data[peOffset+20 : peOffset+22])

	optOff := peOffset + 24
	if optOff+2 > len(data) {
		return nil, newCantUnpack("optional header truncated")
	}
	h.Magic = binary.LittleEndian.Uint16(data[optOff : optOff+2])
	h.Is64 = h.Magic == 0x20b

	var imageBaseOff, entryOff, fileAlignOff, sectAlignOff, sizeOfImageOff, sizeOfHdrOff, subsysOff, dllCharOff, nRvaOff, ddOff int
	if h.Is64 {
		entryOff, fileAlignOff, sectAlignOff = optOff+16, optOff+36, optOff+32
		imageBaseOff = optOff + 24
		sizeOfImageOff, sizeOfHdrOff = optOff+56, optOff+60
		subsysOff, dllCharOff = optOff+68, optOff+70
		nRvaOff = optOff + 108
		ddOff = optOff + 112
	} else {
		entryOff, fileAlignOff, sectAlignOff = optOff+16, optOff+36, optOff+32
		imageBaseOff = optOff + 28
		sizeOfImageOff, sizeOfHdrOff = optOff+56, optOff+60
		subsysOff, dllCharOff = optOff+68, optOff+70
		nRvaOff = optOff + 92
		ddOff = optOff + 96
	}
	if ddOff+dataDirCount*8 > len(data) {
		return nil, newCantUnpack("data directories truncated")
	}
	h.AddressOfEntryPoint = binary.LittleEndian.Uint32(data[entryOff : entryOff+4])
	h.FileAlignment = binary.LittleEndian.Uint32(data[fileAlignOff : fileAlignOff+4])
	h.SectionAlignment = binary.LittleEndian.Uint32(data[sectAlignOff : sectAlignOff+4])
	h.SizeOfImage = binary.LittleEndian.Uint32(data[sizeOfImageOff : sizeOfImageOff+4])
	h.SizeOfHeaders = binary.LittleEndian.Uint32(data[sizeOfHdrOff : sizeOfHdrOff+4])
	h.Subsystem = binary.LittleEndian.Uint16(data[subsysOff : subsysOff+2])
	h.DllCharacteristics = binary.LittleEndian.Uint16(data[dllCharOff : dllCharOff+2])
	h.NumberOfRvaAndSizes = binary.LittleEndian.Uint32(data[nRvaOff : nRvaOff+4])
	if h.Is64 {
		h.ImageBase = binary.LittleEndian.Uint64(data[imageBaseOff : imageBaseOff+8])
	} else {
		h.ImageBase = uint64(binary.LittleEndian.Uint32(data[imageBaseOff : imageBaseOff+4]))
	}
	for i := 0; i < dataDirCount; i++ {
		off := ddOff + i*8
		h.DataDirectory[i] = DataDirectory{
			RVA:  binary.LittleEndian.Uint32(data[off : off+4]),
			Size: binary.LittleEndian.Uint32(data[off+4 : off+8]),
		}
	}

	sectOff := ddOff + dataDirCount*8
	nSections := int(h.NumberOfSections)
	if sectOff+nSections*sectionHeaderSize > len(data) {
		return nil, newCantUnpack("section table truncated")
	}
	h.Sections = make([]SectionHeader, nSections)
	for i := 0; i < nSections; i++ {
		so := sectOff + i*sectionHeaderSize
		var s SectionHeader
		copy(s.Name[:], data[so:so+8])
		s.VirtualSize = binary.LittleEndian.Uint32(data[so+8 : so+12])
		s.VirtualAddress = binary.LittleEndian.Uint32(data[so+12 : so+16])
		s.SizeOfRawData = binary.LittleEndian.Uint32(data[so+16 : so+20])
		s.PointerToRawData = binary.LittleEndian.Uint32(data[so+20 : so+24])
		s.PointerToRelocations = binary.LittleEndian.Uint32(data[so+24 : so+28])
		s.PointerToLineNumbers = binary.LittleEndian.Uint32(data[so+28 : so+32])
		s.NumberOfRelocations = binary.LittleEndian.Uint16(data[so+32 : so+34])
		s.NumberOfLineNumbers = binary.LittleEndian.Uint16(data[so+34 : so+36])
		s.Characteristics = binary.LittleEndian.Uint32(data[so+36 : so+40])
		h.Sections[i] = s
	}
	h.RawHeaderBytes = append([]byte(nil), data[dosOffset:sectOff+nSections*sectionHeaderSize]...)
	return h, nil
}

// ValidateMachine implements spec.md §4.11 step 2's machine/subsystem
// checks. subsystemMask of 0 means "accept anything".
func ValidateMachine(h *PEHeader, subsystemMask uint16) error {
	switch h.Machine {
	case MachineI386, MachineARM, MachineThumb, MachineARMNT, MachineAMD64:
	default:
		return newCantPack("unsupported machine type %#x", h.Machine)
	}
	if subsystemMask != 0 && h.Subsystem&subsystemMask == 0 {
		return newCantPack("subsystem %d not in allowed mask %#x", h.Subsystem, subsystemMask)
	}
	if h.DataDirectory[DirCOMDescriptor].RVA != 0 || h.DataDirectory[DirCOMDescriptor].Size != 0 {
		return newCantPack(".NET/CLR images are not supported")
	}
	if !isPowerOfTwo(h.FileAlignment) {
		return newCantPack("file alignment %#x is not a power of two", h.FileAlignment)
	}
	if !isPowerOfTwo(h.SectionAlignment) {
		return newCantPack("section alignment %#x is not a power of two", h.SectionAlignment)
	}
	for _, s := range h.Sections {
		if common.MatchesPattern(s.NameString(), nil, []string{"UPX"}) {
			return newAlreadyPacked(s.NameString())
		}
	}
	return nil
}

// ApplyDllCharacteristics implements spec.md §4.11 step 3. loadConfigGuardFlagsRVA,
// when nonzero, is the RVA (an index into the virtual image) of the
// load-config table's GuardFlags field to patch when CF-guard is cleared.
func ApplyDllCharacteristics(h *PEHeader, image []byte, loadConfigGuardFlagsRVA uint32, force bool) error {
	if h.DllCharacteristics&dllCharForceIntegrity != 0 {
		if !force {
			return newCantPack("FORCE_INTEGRITY flag set (try --force)")
		}
	}
	h.DllCharacteristics &^= dllCharForceIntegrity

	if h.DllCharacteristics&dllCharGuardCF != 0 {
		h.DllCharacteristics &^= dllCharGuardCF
		if loadConfigGuardFlagsRVA != 0 && int(loadConfigGuardFlagsRVA)+4 <= len(image) {
			binary.LittleEndian.PutUint32(image[loadConfigGuardFlagsRVA:loadConfigGuardFlagsRVA+4], winconst.GuardSecurityCookieUnused)
		}
	}
	return nil
}

// DecideStripRelocs implements spec.md §4.11 step 4.
func DecideStripRelocs(opts *Options, h *PEHeader, isDLL, isEFI bool) (strip bool, err error) {
	if opts.StripRelocs != Unset {
		strip = opts.StripRelocs == On
	} else {
		defaultBase := opts.DefaultImageBase
		if defaultBase == 0 {
			defaultBase = 0x00400000
			if h.Is64 {
				defaultBase = 0x0000000140000000
			}
		}
		strip = h.ImageBase >= defaultBase && !isDLL && !isEFI && h.DllCharacteristics&dllCharDynamicBase == 0
	}
	if strip && h.DllCharacteristics&dllCharDynamicBase != 0 {
		if !opts.Force {
			return false, newCantPack("stripping relocations from an ASLR image requires --force")
		}
		h.DllCharacteristics &^= dllCharDynamicBase
		h.DllCharacteristics &^= dllCharHighEntropyVA
	}
	return strip, nil
}
