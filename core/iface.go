package core

import "io"

// Input is the seekable byte-stream collaborator the core reads a PE image
// through (spec.md §6). The core never opens files itself.
type Input interface {
	io.ReaderAt
	Seek(offset int64, whence int) (int64, error)
	Read(buf []byte) (int, error)
	FileSize() (int64, error)
}

// ReadExact reads exactly len(buf) bytes from in at the current position,
// failing on short reads (spec.md §6 "readx... with short-read failure").
func ReadExact(in Input, buf []byte) error {
	n, err := io.ReadFull(in, buf)
	if err != nil {
		return newCantUnpack("short read: wanted %d bytes, got %d: %v", len(buf), n, err)
	}
	return nil
}

// Output is the writable stream collaborator the core writes a packed or
// unpacked image through (spec.md §6).
type Output interface {
	io.Writer
	BytesWritten() int64
}

// Codec is the external compression collaborator (spec.md §1 "out of
// scope", §6). The core never implements compression itself; it calls
// through this interface with already-preprocessed relocation pairs and
// code bytes.
type Codec interface {
	// OptimizeReloc compresses a sorted list of (pos, type) pairs already
	// preprocessed by the pass-1 relocation preprocessor (type-3/type-10
	// entries at absolute RVAs whose target values have had
	// imagebase+rvamin subtracted). bits selects the 32/64-bit pair width.
	// bigRelocs accumulates the bit flags described in SPEC_FULL.md's
	// supplemented feature 1.
	OptimizeReloc(pairs []RelocEntry, image []byte, bits int, expandRelocs bool, bigRelocs *uint8) (out []byte, err error)

	// UnoptimizeReloc is OptimizeReloc's inverse, used on unpack to
	// recover the (pos, type) pairs from the compressed relocation
	// stream.
	UnoptimizeReloc(rdata []byte, image []byte, bits int, expand bool) (pairs []RelocEntry, err error)

	// CompressWithFilters runs the actual data compressor, optionally
	// applying one of the e8/e9-style call/jump filters selected by
	// filter, and returns the compressed bytes plus the filter id that
	// was actually used (0 if none).
	CompressWithFilters(data []byte, filter int, codebase, rvamin uint32) (compressed []byte, usedFilter int, err error)

	// Decompress is CompressWithFilters's inverse for the unpack path.
	Decompress(data []byte, expectedSize int) ([]byte, error)
}

// StubLinker is the external ELF-style symbol/section linker used
// structurally to assemble the final loader stub (spec.md §6). The core
// treats it as an abstract relocation engine; it never emits PE import
// tables through it (that job belongs to ImportLinker in this package).
type StubLinker interface {
	DefineSymbol(name string, value uint32)
	AddLoader(name string)
	GetSymbolOffset(name string) (uint32, error)
	GetLoader() ([]byte, error)
	Relocate(baseRVA uint32) error
}
