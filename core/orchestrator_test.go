package core

import (
	"bytes"
	"testing"
)

// memInput is a minimal in-memory Input backed by a byte slice.
type memInput struct {
	data []byte
	pos  int64
}

func newMemInput(data []byte) *memInput { return &memInput{data: data} }

func (m *memInput) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memInput) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		m.pos = offset
	case 1:
		m.pos += offset
	case 2:
		m.pos = int64(len(m.data)) + offset
	}
	return m.pos, nil
}

func (m *memInput) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.data)) {
		return 0, nil
	}
	n := copy(p, m.data[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *memInput) FileSize() (int64, error) { return int64(len(m.data)), nil }

// memOutput is a minimal in-memory Output.
type memOutput struct {
	buf bytes.Buffer
}

func (m *memOutput) Write(p []byte) (int, error) { return m.buf.Write(p) }
func (m *memOutput) BytesWritten() int64          { return int64(m.buf.Len()) }

func TestPackUnpackRoundTripMinimalImage(t *testing.T) {
	raw := buildMinimalPE32(t, MachineI386, 2, 0, ".text")

	opts := &Options{DefaultImageBase: 0x400000}
	p := NewPacker(opts, fakeCodec{}, nil, nil)

	packedOut := &memOutput{}
	if err := p.Pack(newMemInput(raw), packedOut); err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	packed := packedOut.buf.Bytes()

	dosOff, peOff, err := HuntPEHeader(packed)
	if err != nil {
		t.Fatalf("HuntPEHeader on packed output failed: %v", err)
	}
	packedHdr, err := ParsePEHeader(packed, dosOff, peOff)
	if err != nil {
		t.Fatalf("ParsePEHeader on packed output failed: %v", err)
	}
	if len(packedHdr.Sections) != 2 {
		t.Fatalf("expected 2 packed sections, got %d", len(packedHdr.Sections))
	}
	if packedHdr.Sections[0].NameString() != "UPX0" || packedHdr.Sections[1].NameString() != "UPX1" {
		t.Fatalf("unexpected packed section names: %q %q", packedHdr.Sections[0].NameString(), packedHdr.Sections[1].NameString())
	}

	unpackedOut := &memOutput{}
	if err := p.Unpack(newMemInput(packed), unpackedOut); err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	unpacked := unpackedOut.buf.Bytes()

	if len(unpacked) < len(raw) {
		t.Fatalf("unpacked image shorter than original: got %d want at least %d", len(unpacked), len(raw))
	}
	if !bytes.Equal(unpacked[:len(raw)], raw) {
		t.Fatalf("unpacked image does not match original byte-for-byte")
	}
}

func TestPackRejectsAlreadyPacked(t *testing.T) {
	raw := buildMinimalPE32(t, MachineI386, 2, 0, "UPX0")
	opts := &Options{DefaultImageBase: 0x400000}
	p := NewPacker(opts, fakeCodec{}, nil, nil)

	err := p.Pack(newMemInput(raw), &memOutput{})
	if _, ok := err.(*AlreadyPackedError); !ok {
		t.Fatalf("expected AlreadyPackedError, got %v", err)
	}
}

func TestUnpackRejectsNonPackedImage(t *testing.T) {
	raw := buildMinimalPE32(t, MachineI386, 2, 0, ".text")
	opts := &Options{DefaultImageBase: 0x400000}
	p := NewPacker(opts, fakeCodec{}, nil, nil)

	err := p.Unpack(newMemInput(raw), &memOutput{})
	if _, ok := err.(*CantUnpackError); !ok {
		t.Fatalf("expected CantUnpackError, got %v", err)
	}
}
