package core

import (
	"encoding/binary"
	"sort"
)

// RelocInplaceOffset is the staging-area offset inside a RelocBuilder's
// working buffer (spec.md §9 open question: kept as a named constant, not
// derived). Bounds the number of relocations a single builder can stage
// before the output write cursor would catch up to unread staging entries.
const RelocInplaceOffset = 64 * 1024

// RelocType is the 4-bit IMAGE_REL_BASED_* type carried by each
// relocation entry.
type RelocType uint8

const (
	RelocAbsolute RelocType = 0 // padding; never yielded by Next
	RelocHigh     RelocType = 1
	RelocLow      RelocType = 2
	RelocHighLow  RelocType = 3
	RelocDir64    RelocType = 10
)

// RelocEntry is a single (absolute RVA, type) pair yielded by RelocReader
// or staged into a RelocBuilder.
type RelocEntry struct {
	RVA  uint32
	Type RelocType
}

// RelocReader iterates the page-block relocation stream described in
// spec.md §3/§4.2 (read mode), grounded on pefile.cpp's Reloc constructor
// and Reloc::next. It restarts from the beginning automatically once
// exhausted (mirroring the original's reset-to-nullptr-on-EOF behavior),
// which is how NewRelocReader can compute per-type Counts during
// construction and still leave the reader ready for a fresh pass.
type RelocReader struct {
	data    []byte
	started bool
	blockVA uint32
	entries int
	cursor  int
	force   bool

	Counts [16]uint32
}

// NewRelocReader validates and wraps data, then performs one full pass to
// populate Counts before returning the reader ready for actual iteration.
func NewRelocReader(data []byte, force bool) (*RelocReader, error) {
	r := &RelocReader{data: data, force: force}
	for {
		_, typ, ok, err := r.next(force)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if typ < 16 {
			r.Counts[typ]++
		}
	}
	return r, nil
}

// Next yields the next (rva, type) pair, skipping type-0 padding entries.
// ok is false once the stream is exhausted; the reader then auto-rewinds
// so a subsequent Next call starts over from the first block. A reader
// built with force tolerates malformed size-of-block fields here too.
func (r *RelocReader) Next() (rva uint32, typ RelocType, ok bool, err error) {
	return r.next(r.force)
}

// NextForce is like Next but tolerates malformed size-of-block fields the
// way --force does for the orchestrator (spec.md §8 scenario E).
func (r *RelocReader) NextForce() (rva uint32, typ RelocType, ok bool, err error) {
	return r.next(true)
}

func (r *RelocReader) next(force bool) (uint32, RelocType, bool, error) {
	for {
		for r.entries > 0 {
			v := binary.LittleEndian.Uint16(r.data[r.cursor : r.cursor+2])
			r.cursor += 2
			r.entries--
			typ := RelocType(v >> 12)
			pos := r.blockVA + uint32(v&0x0fff)
			if typ == RelocAbsolute {
				continue
			}
			return pos, typ, true, nil
		}
		ok, err := r.readBlock(force)
		if err != nil {
			return 0, 0, false, err
		}
		if !ok {
			r.started = false
			r.blockVA = 0
			r.entries = 0
			r.cursor = 0
			return 0, 0, false, nil
		}
	}
}

func (r *RelocReader) readBlock(force bool) (bool, error) {
	off := 0
	if r.started {
		off = r.cursor
	}
	r.started = true
	if off >= len(r.data) {
		return false, nil
	}
	if len(r.data)-off < 8 {
		return false, newCantUnpack("bad reloc block: truncated header")
	}
	vaddr := binary.LittleEndian.Uint32(r.data[off : off+4])
	sob := binary.LittleEndian.Uint32(r.data[off+4 : off+8])
	if sob == 0 && off == 0 && len(r.data) == 8 {
		return false, nil
	}
	if !force {
		if sob < 8 {
			return false, newCantPack("bad reloc size_of_block")
		}
		if sob%2 != 0 {
			return false, newCantPack("bad reloc size_of_block")
		}
		if uint32(len(r.data)-off) < sob {
			return false, newCantPack("bad reloc size_of_block")
		}
	} else if uint32(len(r.data)-off) < sob || sob < 8 {
		sob = uint32(len(r.data) - off)
		sob -= sob % 2
	}
	r.blockVA = vaddr
	r.entries = int((sob - 8) / 2)
	r.cursor = off + 8
	return true, nil
}

// RelocBuilder stages (pos, type) entries and emits a canonical page-block
// stream on Finish, grounded on pefile.cpp's Reloc build-mode constructor
// and Reloc::add/finish. It owns its working buffer until Finish, which
// transfers ownership to the caller and poisons the builder (spec.md §3,
// §5, §9 "Builder/finisher ownership transfer").
type RelocBuilder struct {
	buf      []byte
	count    uint32
	capacity uint32
	done     bool
}

// NewRelocBuilder allocates a builder able to stage up to maxEntries
// relocations.
func NewRelocBuilder(maxEntries uint32) *RelocBuilder {
	size := RelocInplaceOffset + 4*maxEntries + 8192
	return &RelocBuilder{buf: make([]byte, size), capacity: maxEntries}
}

// Add stages one relocation. Returns InternalError if the builder has
// already been consumed by Finish, or if pos does not fit in 28 bits (the
// packed (pos<<4)|type representation).
func (b *RelocBuilder) Add(pos uint32, typ RelocType) error {
	if b.done {
		return newInternal("RelocBuilder.Add called after Finish")
	}
	if pos&0xf0000000 != 0 {
		return newInternal("relocation RVA too large to pack: %#x", pos)
	}
	if b.count >= b.capacity {
		return newInternal("RelocBuilder capacity exceeded")
	}
	off := RelocInplaceOffset + 4*b.count
	binary.LittleEndian.PutUint32(b.buf[off:off+4], (pos<<4)|uint32(typ&0xf))
	b.count++
	return nil
}

// Count reports the number of staged entries.
func (b *RelocBuilder) Count() uint32 { return b.count }

// Finish sorts the staged entries ascending by packed key, emits one
// page-block per distinct high-20-bit page (each size-of-block padded
// upward to a 4-byte multiple), and returns the result, taking ownership
// away from the builder. force allows duplicate keys through instead of
// failing; without it a duplicate key is CantPackError("duplicate relocs
// (try --force)"). The write cursor racing the unread staging data raises
// CantPackError("too many inplace relocs").
func (b *RelocBuilder) Finish(force bool) ([]byte, error) {
	if b.done {
		return nil, newInternal("RelocBuilder.Finish called twice")
	}
	n := int(b.count)
	stage := b.buf[RelocInplaceOffset : RelocInplaceOffset+4*n]
	keys := make([]uint32, n)
	for i := 0; i < n; i++ {
		keys[i] = binary.LittleEndian.Uint32(stage[i*4:])
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for i, k := range keys {
		binary.LittleEndian.PutUint32(stage[i*4:], k)
	}

	finishBlock := func(start int, entries int) int {
		sob := 8 + entries*2
		for sob%4 != 0 {
			b.buf[start+sob] = 0
			sob++
		}
		binary.LittleEndian.PutUint32(b.buf[start+4:start+8], uint32(sob))
		return start + sob
	}

	blockStart := -1
	blockEntries := 0
	outPos := 0
	var prevPage uint32

	for ic := 0; ic < n; ic++ {
		posPtr := RelocInplaceOffset + 4*ic
		key := binary.LittleEndian.Uint32(b.buf[posPtr:])
		pos := key >> 4
		typ := RelocType(key & 0xf)

		if ic > 0 {
			prevKey := binary.LittleEndian.Uint32(b.buf[posPtr-4:])
			if prevKey == key && !force {
				return nil, newCantPack("duplicate relocs (try --force)")
			}
		}

		page := pos &^ 0xfff
		if ic == 0 || page != prevPage {
			prevPage = page
			if blockStart >= 0 {
				outPos = finishBlock(blockStart, blockEntries)
			}
			blockStart = outPos
			binary.LittleEndian.PutUint32(b.buf[blockStart:blockStart+4], page)
			binary.LittleEndian.PutUint32(b.buf[blockStart+4:blockStart+8], 8)
			outPos = blockStart + 8
			blockEntries = 0
		}

		if outPos >= posPtr {
			return nil, newCantPack("too many inplace relocs")
		}

		entryVal := uint16(pos&0xfff) | uint16(typ)<<12
		binary.LittleEndian.PutUint16(b.buf[outPos:outPos+2], entryVal)
		outPos += 2
		blockEntries++
	}

	resultSize := 0
	if blockStart >= 0 {
		resultSize = finishBlock(blockStart, blockEntries)
	}

	out := b.buf[:resultSize:resultSize]
	b.buf = nil
	b.done = true
	return out, nil
}
