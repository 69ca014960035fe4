package core

import "encoding/binary"

// fakeCodec is a minimal stand-in for the external compression
// collaborator (spec.md §6 Codec), used only by core's unit tests. It does
// not attempt real UPX-style relocation compression: OptimizeReloc simply
// serializes the sorted pairs as LE32(rva)+byte(type) records, which is
// enough to exercise the preprocessing logic around it without pulling in
// a real codec implementation.
type fakeCodec struct{}

func (fakeCodec) OptimizeReloc(pairs []RelocEntry, image []byte, bits int, expand bool, bigRelocs *uint8) ([]byte, error) {
	out := make([]byte, 0, 5*len(pairs))
	for _, p := range pairs {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], p.RVA)
		out = append(out, b[:]...)
		out = append(out, byte(p.Type))
	}
	return out, nil
}

func (fakeCodec) UnoptimizeReloc(rdata []byte, image []byte, bits int, expand bool) ([]RelocEntry, error) {
	var out []RelocEntry
	for i := 0; i+5 <= len(rdata); i += 5 {
		out = append(out, RelocEntry{RVA: binary.LittleEndian.Uint32(rdata[i:]), Type: RelocType(rdata[i+4])})
	}
	return out, nil
}

func (fakeCodec) CompressWithFilters(data []byte, filter int, codebase, rvamin uint32) ([]byte, int, error) {
	return append([]byte(nil), data...), 0, nil
}

func (fakeCodec) Decompress(data []byte, expectedSize int) ([]byte, error) {
	return append([]byte(nil), data...), nil
}
