package core

import (
	"encoding/binary"
	"testing"
)

// buildMinimalPE32 builds a minimal but structurally valid 32-bit PE with
// one section and the given machine/subsystem/characteristics.
func buildMinimalPE32(t *testing.T, machine, subsystem, dllChar uint16, sectionName string) []byte {
	t.Helper()
	const peOff = 0x80
	image := make([]byte, 0x400)
	image[0], image[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(image[60:], peOff)

	image[peOff], image[peOff+1], image[peOff+2], image[peOff+3] = 'P', 'E', 0, 0
	coff := image[peOff+4:]
	binary.LittleEndian.PutUint16(coff[0:], machine)
	binary.LittleEndian.PutUint16(coff[2:], 1) // NumberOfSections
	binary.LittleEndian.PutUint16(coff[16:], 224)

	optOff := peOff + 24
	binary.LittleEndian.PutUint16(image[optOff:], 0x10b) // PE32 magic
	binary.LittleEndian.PutUint32(image[optOff+16:], 0x1000) // entrypoint
	binary.LittleEndian.PutUint32(image[optOff+28:], 0x400000) // imagebase
	binary.LittleEndian.PutUint32(image[optOff+32:], 0x1000) // section align
	binary.LittleEndian.PutUint32(image[optOff+36:], 0x200)  // file align
	binary.LittleEndian.PutUint32(image[optOff+56:], 0x2000) // size of image
	binary.LittleEndian.PutUint32(image[optOff+60:], 0x200)  // size of headers
	binary.LittleEndian.PutUint16(image[optOff+68:], subsystem)
	binary.LittleEndian.PutUint16(image[optOff+70:], dllChar)
	binary.LittleEndian.PutUint32(image[optOff+92:], dataDirCount)

	ddOff := optOff + 96
	sectOff := ddOff + dataDirCount*8
	copy(image[sectOff:], sectionName)
	binary.LittleEndian.PutUint32(image[sectOff+8:], 0x1000)  // virtual size
	binary.LittleEndian.PutUint32(image[sectOff+12:], 0x1000) // VA
	binary.LittleEndian.PutUint32(image[sectOff+16:], 0x200)  // raw size
	binary.LittleEndian.PutUint32(image[sectOff+20:], 0x200)  // raw ptr

	return image
}

func TestHuntPEHeaderFindsDirectSignature(t *testing.T) {
	image := buildMinimalPE32(t, MachineI386, 2, 0, ".text")
	dosOff, peOff, err := HuntPEHeader(image)
	if err != nil {
		t.Fatal(err)
	}
	if dosOff != 0 || peOff != 0x80 {
		t.Errorf("got dosOff=%d peOff=%d", dosOff, peOff)
	}
}

func TestHuntPEHeaderRejectsOverlap(t *testing.T) {
	image := make([]byte, 0x100)
	image[0], image[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(image[60:], 0x20) // overlaps the 64-byte MZ stub
	image[0x20], image[0x21], image[0x22], image[0x23] = 'P', 'E', 0, 0
	if _, _, err := HuntPEHeader(image); err == nil {
		t.Fatalf("expected overlap rejection")
	}
}

func TestParseAndValidatePE32(t *testing.T) {
	image := buildMinimalPE32(t, MachineI386, 2, 0, ".text")
	dosOff, peOff, err := HuntPEHeader(image)
	if err != nil {
		t.Fatal(err)
	}
	h, err := ParsePEHeader(image, dosOff, peOff)
	if err != nil {
		t.Fatal(err)
	}
	if h.Is64 {
		t.Errorf("expected 32-bit header")
	}
	if len(h.Sections) != 1 || h.Sections[0].NameString() != ".text" {
		t.Errorf("unexpected sections: %+v", h.Sections)
	}
	if err := ValidateMachine(h, 0); err != nil {
		t.Errorf("expected valid machine, got %v", err)
	}
}

func TestValidateMachineRejectsUnsupported(t *testing.T) {
	image := buildMinimalPE32(t, 0xaa64, 2, 0, ".text") // ARM64
	dosOff, peOff, _ := HuntPEHeader(image)
	h, err := ParsePEHeader(image, dosOff, peOff)
	if err != nil {
		t.Fatal(err)
	}
	if err := ValidateMachine(h, 0); err == nil {
		t.Fatalf("expected ARM64 to be rejected")
	}
}

func TestValidateMachineDetectsAlreadyPacked(t *testing.T) {
	image := buildMinimalPE32(t, MachineI386, 2, 0, "UPX0")
	dosOff, peOff, _ := HuntPEHeader(image)
	h, err := ParsePEHeader(image, dosOff, peOff)
	if err != nil {
		t.Fatal(err)
	}
	err = ValidateMachine(h, 0)
	if _, ok := err.(*AlreadyPackedError); !ok {
		t.Fatalf("expected AlreadyPackedError, got %v", err)
	}
}

func TestApplyDllCharacteristicsRefusesForceIntegrityWithoutForce(t *testing.T) {
	h := &PEHeader{DllCharacteristics: dllCharForceIntegrity}
	image := make([]byte, 16)
	if err := ApplyDllCharacteristics(h, image, 0, false); err == nil {
		t.Fatalf("expected refusal without --force")
	}
}

func TestApplyDllCharacteristicsClearsGuardCF(t *testing.T) {
	h := &PEHeader{DllCharacteristics: dllCharGuardCF}
	image := make([]byte, 16)
	if err := ApplyDllCharacteristics(h, image, 4, false); err != nil {
		t.Fatal(err)
	}
	if h.DllCharacteristics&dllCharGuardCF != 0 {
		t.Errorf("GUARD_CF not cleared")
	}
	if got := binary.LittleEndian.Uint32(image[4:]); got != 0x800 {
		t.Errorf("GuardFlags not set to IMAGE_GUARD_SECURITY_COOKIE_UNUSED, got %#x", got)
	}
}

func TestDecideStripRelocsDefault(t *testing.T) {
	h := &PEHeader{ImageBase: 0x400000}
	opts := &Options{DefaultImageBase: 0x400000}
	strip, err := DecideStripRelocs(opts, h, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if !strip {
		t.Errorf("expected default-on strip-relocs decision")
	}
}

func TestDecideStripRelocsRequiresForceWithASLR(t *testing.T) {
	h := &PEHeader{ImageBase: 0x400000, DllCharacteristics: dllCharDynamicBase}
	opts := &Options{StripRelocs: On}
	if _, err := DecideStripRelocs(opts, h, false, false); err == nil {
		t.Fatalf("expected refusal stripping relocs from an ASLR image without --force")
	}
}
