package pescan

import (
	"encoding/binary"
	"testing"
)

func buildMinimalPE(t *testing.T) []byte {
	t.Helper()
	const peOff = 0x80
	image := make([]byte, 0x400)
	image[0], image[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(image[60:], peOff)

	image[peOff], image[peOff+1] = 'P', 'E'
	coff := image[peOff+4:]
	binary.LittleEndian.PutUint16(coff[0:], 0x014c) // i386
	binary.LittleEndian.PutUint16(coff[2:], 1)       // one section
	binary.LittleEndian.PutUint16(coff[16:], 224)    // size of optional header

	optOff := peOff + 24
	binary.LittleEndian.PutUint16(image[optOff:], 0x10b) // PE32
	binary.LittleEndian.PutUint32(image[optOff+16:], 0x1000)
	binary.LittleEndian.PutUint32(image[optOff+28:], 0x400000)
	binary.LittleEndian.PutUint32(image[optOff+32:], 0x1000)
	binary.LittleEndian.PutUint32(image[optOff+36:], 0x200)
	binary.LittleEndian.PutUint32(image[optOff+56:], 0x2000)
	binary.LittleEndian.PutUint32(image[optOff+60:], 0x200)
	binary.LittleEndian.PutUint16(image[optOff+68:], 2) // Windows GUI
	binary.LittleEndian.PutUint32(image[optOff+92:], 16)

	sectOff := optOff + 96 + 16*8
	copy(image[sectOff:], ".text")
	binary.LittleEndian.PutUint32(image[sectOff+8:], 0x1000)
	binary.LittleEndian.PutUint32(image[sectOff+12:], 0x1000)
	binary.LittleEndian.PutUint32(image[sectOff+16:], 0x200)
	binary.LittleEndian.PutUint32(image[sectOff+20:], 0x200)

	return image
}

func TestCrossCheckAgreesOnWellFormedImage(t *testing.T) {
	image := buildMinimalPE(t)
	agree, disagreements, err := CrossCheck(image)
	if err != nil {
		t.Fatal(err)
	}
	if !agree {
		t.Errorf("expected both parsers to agree on a well-formed image, got %v", disagreements)
	}
}
