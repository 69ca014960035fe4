package core

import (
	"encoding/binary"
	"sort"

	"pexpack/corelog"
)

// RelocPreprocessResult is what the pass-1 relocation preprocessor hands
// to the orchestrator: either "strip the directory entirely" or the
// codec-compressed type-3/type-10 stream plus any raw tail arrays.
type RelocPreprocessResult struct {
	Stripped  bool
	Optimized []byte
	HighArray []uint32 // type 1 (HIGH), 32-bit only
	LowArray  []uint32 // type 2 (LOW), 32-bit only
	BigRelocs uint8
}

func dedupSorted(vals []uint32) []uint32 {
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	out := vals[:0]
	for i, v := range vals {
		if i == 0 || v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

// PreprocessRelocs32 implements spec.md §4.3. image is the virtual-image
// buffer (read and, for type-3 entries, mutated in place by subtracting
// imagebase+rvamin from the 32-bit target value stored at the relocated
// address). sideBufferCap bounds the optimized+tail size per the overflow
// guard.
func PreprocessRelocs32(image []byte, relocData []byte, imagebase, rvamin uint32, force, stripRelocs bool, sideBufferCap uint32, codec Codec, log *corelog.Logger) (*RelocPreprocessResult, error) {
	if stripRelocs || len(relocData) == 0 {
		return &RelocPreprocessResult{Stripped: true}, nil
	}

	reader, err := NewRelocReader(relocData, force)
	if err != nil {
		return nil, err
	}
	if reader.Counts[RelocHighLow]+reader.Counts[RelocHigh]+reader.Counts[RelocLow] == 0 {
		for t := 4; t < 16; t++ {
			if reader.Counts[t] > 0 {
				log.Warn("discarding %d unsupported relocation(s) of type %d", reader.Counts[t], t)
			}
		}
		return &RelocPreprocessResult{Stripped: true}, nil
	}

	var type3, type1, type2 []uint32
	for {
		rva, typ, ok, err := reader.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch typ {
		case RelocHighLow:
			type3 = append(type3, rva)
		case RelocHigh:
			type1 = append(type1, rva)
		case RelocLow:
			type2 = append(type2, rva)
		default:
			log.Warn("discarding unsupported relocation type %d at RVA %#x", typ, rva)
		}
	}

	type3 = dedupSorted(type3)
	type1 = dedupSorted(type1)
	type2 = dedupSorted(type2)

	for _, rva := range type3 {
		off := int(rva)
		if off < 0 || off+4 > len(image) {
			return nil, newCantUnpack("relocation target out of bounds: %#x", rva)
		}
		v := binary.LittleEndian.Uint32(image[off : off+4])
		binary.LittleEndian.PutUint32(image[off:off+4], v-imagebase-rvamin)
	}

	pairs := make([]RelocEntry, len(type3))
	for i, rva := range type3 {
		pairs[i] = RelocEntry{RVA: rva, Type: RelocHighLow}
	}

	res := &RelocPreprocessResult{}
	res.Optimized, err = codec.OptimizeReloc(pairs, image, 32, true, &res.BigRelocs)
	if err != nil {
		return nil, err
	}

	tailSize := uint32(0)
	if len(type1) > 0 {
		res.HighArray = type1
		res.BigRelocs |= 2
		tailSize += 4 * (uint32(len(type1)) + 1)
	}
	if len(type2) > 0 {
		res.LowArray = type2
		res.BigRelocs |= 4
		tailSize += 4 * (uint32(len(type2)) + 1)
	}

	if uint32(len(res.Optimized))+tailSize > sideBufferCap {
		return nil, newInternal("relocation side buffer overflow: need %d, have %d", len(res.Optimized)+int(tailSize), sideBufferCap)
	}
	return res, nil
}

// PreprocessRelocs64 implements spec.md §4.4: only type 10 (DIR64) is
// processed, everything else is discarded with a warning, and there is no
// LOW/HIGH tail (spec.md §9: the original's disabled block is not
// resurrected).
func PreprocessRelocs64(image []byte, relocData []byte, imagebase, rvamin uint64, force, stripRelocs bool, sideBufferCap uint32, codec Codec, log *corelog.Logger) (*RelocPreprocessResult, error) {
	if stripRelocs || len(relocData) == 0 {
		return &RelocPreprocessResult{Stripped: true}, nil
	}

	reader, err := NewRelocReader(relocData, force)
	if err != nil {
		return nil, err
	}
	if reader.Counts[RelocDir64] == 0 {
		return &RelocPreprocessResult{Stripped: true}, nil
	}

	var type10 []uint32
	for {
		rva, typ, ok, err := reader.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if typ != RelocDir64 {
			log.Warn("discarding unsupported relocation type %d at RVA %#x", typ, rva)
			continue
		}
		type10 = append(type10, rva)
	}
	type10 = dedupSorted(type10)

	for _, rva := range type10 {
		off := int(rva)
		if off < 0 || off+8 > len(image) {
			return nil, newCantUnpack("relocation target out of bounds: %#x", rva)
		}
		v := binary.LittleEndian.Uint64(image[off : off+8])
		binary.LittleEndian.PutUint64(image[off:off+8], v-imagebase-rvamin)
	}

	pairs := make([]RelocEntry, len(type10))
	for i, rva := range type10 {
		pairs[i] = RelocEntry{RVA: rva, Type: RelocDir64}
	}

	res := &RelocPreprocessResult{}
	res.Optimized, err = codec.OptimizeReloc(pairs, image, 64, true, &res.BigRelocs)
	if err != nil {
		return nil, err
	}
	if uint32(len(res.Optimized)) > sideBufferCap {
		return nil, newInternal("relocation side buffer overflow: need %d, have %d", len(res.Optimized), sideBufferCap)
	}
	return res, nil
}
