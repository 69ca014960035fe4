// Package codec provides the concrete implementation of core.Codec, the
// external compression collaborator spec.md §1 calls out of scope for the
// core itself ("the actual compression codec ... invoked through
// interfaces specified in §6"). No third-party compression library appears
// anywhere in the retrieved pack, so this wraps the standard library's
// compress/flate rather than inventing a dependency (see DESIGN.md).
package codec

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"io"

	"pexpack/core"
)

// Flate implements core.Codec with DEFLATE as the data compressor and a
// plain LE32(rva)+byte(type) record stream for the relocation pairs, the
// same serialization core's own test fake uses (core/testutil_test.go) —
// the real UPX NRV/bitstream reloc encoding has no grounded replacement
// anywhere in the pack, so the straightforward record form stands in for it.
type Flate struct {
	Level int
}

// New returns a Flate codec at the given compression level (flate.BestCompression
// when level is 0).
func New(level int) *Flate {
	if level == 0 {
		level = flate.BestCompression
	}
	return &Flate{Level: level}
}

func (c *Flate) OptimizeReloc(pairs []core.RelocEntry, image []byte, bits int, expand bool, bigRelocs *uint8) ([]byte, error) {
	out := make([]byte, 0, 5*len(pairs))
	for _, p := range pairs {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], p.RVA)
		out = append(out, b[:]...)
		out = append(out, byte(p.Type))
		if p.Type >= 8 {
			*bigRelocs |= 1 << (uint(p.Type) - 8)
		}
	}
	return out, nil
}

func (c *Flate) UnoptimizeReloc(rdata []byte, image []byte, bits int, expand bool) ([]core.RelocEntry, error) {
	var out []core.RelocEntry
	for i := 0; i+5 <= len(rdata); i += 5 {
		out = append(out, core.RelocEntry{
			RVA:  binary.LittleEndian.Uint32(rdata[i:]),
			Type: core.RelocType(rdata[i+4]),
		})
	}
	return out, nil
}

// CompressWithFilters runs DEFLATE over data. filter selection (e8/e9 call
// filters) is left at 0/none: no reference implementation of the x86 call
// filter transform exists anywhere in the pack to ground one on.
func (c *Flate) CompressWithFilters(data []byte, filter int, codebase, rvamin uint32) ([]byte, int, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, c.Level)
	if err != nil {
		return nil, 0, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, 0, err
	}
	if err := w.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), 0, nil
}

func (c *Flate) Decompress(data []byte, expectedSize int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out := make([]byte, 0, expectedSize)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
