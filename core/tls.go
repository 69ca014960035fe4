package core

import (
	"encoding/binary"

	"pexpack/corelog"
)

// TLSDirectory mirrors the PE TLS directory. Widths differ (24 bytes for
// 32-bit images, 40 for 64-bit) but the field order is identical; pointer
// fields are stored here as full VAs (not RVAs) as the directory itself
// carries them.
type TLSDirectory struct {
	DataStartVA   uint64
	DataEndVA     uint64
	IndexVA       uint64
	CallbacksVA   uint64
	ZeroFillSize  uint32
	Characteristics uint32
}

func tlsDirSize(width int) int {
	if width == 8 {
		return 40
	}
	return 24
}

// ParseTLSDirectory reads the TLS directory at rva. width is 4 for 32-bit
// images, 8 for 64-bit.
func ParseTLSDirectory(image []byte, rva uint32, width int) (*TLSDirectory, error) {
	size := tlsDirSize(width)
	if int(rva)+size > len(image) {
		return nil, newCantUnpack("TLS directory out of bounds")
	}
	d := image[rva:]
	read := func(off int) uint64 {
		if width == 8 {
			return binary.LittleEndian.Uint64(d[off : off+8])
		}
		return uint64(binary.LittleEndian.Uint32(d[off : off+4]))
	}
	dir := &TLSDirectory{DataStartVA: read(0), DataEndVA: read(width), IndexVA: read(2 * width), CallbacksVA: read(3 * width)}
	dir.ZeroFillSize = binary.LittleEndian.Uint32(d[4*width : 4*width+4])
	dir.Characteristics = binary.LittleEndian.Uint32(d[4*width+4 : 4*width+8])
	return dir, nil
}

func (d *TLSDirectory) serialize(width int) []byte {
	out := make([]byte, tlsDirSize(width))
	write := func(off int, v uint64) {
		if width == 8 {
			binary.LittleEndian.PutUint64(out[off:off+8], v)
		} else {
			binary.LittleEndian.PutUint32(out[off:off+4], uint32(v))
		}
	}
	write(0, d.DataStartVA)
	write(width, d.DataEndVA)
	write(2*width, d.IndexVA)
	write(3*width, d.CallbacksVA)
	binary.LittleEndian.PutUint32(out[4*width:4*width+4], d.ZeroFillSize)
	binary.LittleEndian.PutUint32(out[4*width+4:4*width+8], d.Characteristics)
	return out
}

// TLSPass1Result is the side buffer and bookkeeping the pass-1 TLS
// processor hands to pass 2 (spec.md §4.7).
type TLSPass1Result struct {
	ClonedData       []byte
	DataStartRVA     uint32
	DataEndRVA       uint32
	IndexRVA         uint32
	UseCallbacks     bool
	CallbackCount    int
	RelocsInRange    []RelocEntry // RVA is relative to DataStartRVA
	HandlerOffsetRVA uint32       // 0 unless a 32-bit handler-offset reloc applies
	origDir          *TLSDirectory
}

// ProcessTLS1 implements spec.md §4.7. allRelocs is the full list of
// original base relocations, of every type, read before the pass-1
// relocation preprocessor rewrites their targets; its in-range subset is
// recorded here.
func ProcessTLS1(image []byte, dirRVA uint32, imagebase uint64, imagesize uint32, isEFI bool, width int, allRelocs []RelocEntry, log *corelog.Logger) (*TLSPass1Result, error) {
	dir, err := ParseTLSDirectory(image, dirRVA, width)
	if err != nil {
		return nil, err
	}
	if isEFI {
		return nil, newCantPack("TLS not supported on EFI")
	}

	dataStartRVA := uint32(dir.DataStartVA - imagebase)
	dataEndRVA := uint32(dir.DataEndVA - imagebase)
	if dataEndRVA < dataStartRVA || int(dataEndRVA) > len(image) {
		return nil, newCantUnpack("TLS data range out of bounds")
	}

	res := &TLSPass1Result{
		DataStartRVA: dataStartRVA,
		DataEndRVA:   dataEndRVA,
		IndexRVA:     uint32(dir.IndexVA - imagebase),
		origDir:      dir,
	}

	if dir.CallbacksVA != 0 {
		callbacksRVA := uint32(dir.CallbacksVA - imagebase)
		if callbacksRVA >= uint32(imagesize) {
			return nil, newCantUnpack("TLS callback array out of bounds")
		}
		count := 0
		off := int(callbacksRVA)
		for {
			if off+width > len(image) {
				return nil, newCantUnpack("TLS callback array runs past end of image")
			}
			var v uint64
			if width == 8 {
				v = binary.LittleEndian.Uint64(image[off : off+8])
			} else {
				v = uint64(binary.LittleEndian.Uint32(image[off : off+4]))
			}
			if v == 0 {
				break
			}
			count++
			off += width
			if count > 4096 {
				return nil, newCantUnpack("TLS callback chain implausibly long")
			}
		}
		if count > 0 {
			res.UseCallbacks = true
			res.CallbackCount = count
		}
	}

	cloned := append([]byte(nil), image[dataStartRVA:dataEndRVA]...)
	if res.UseCallbacks {
		for len(cloned)%width != 0 {
			cloned = append(cloned, 0)
		}
		cloned = append(cloned, make([]byte, 2*width)...)
	}
	res.ClonedData = cloned

	for _, r := range allRelocs {
		if r.RVA >= dataStartRVA && r.RVA < dataEndRVA {
			res.RelocsInRange = append(res.RelocsInRange, RelocEntry{RVA: r.RVA - dataStartRVA, Type: r.Type})
		}
	}

	if width == 4 {
		res.HandlerOffsetRVA = dataStartRVA + 4
	}

	if int(res.IndexRVA)+4 <= len(image) {
		binary.LittleEndian.PutUint32(image[res.IndexRVA:res.IndexRVA+4], 0)
	}

	return res, nil
}

// TLSPass2Result is the rebuilt TLS directory plus the relocations that
// must be added to the new relocation stream.
type TLSPass2Result struct {
	Directory []byte
	NewRelocs []RelocEntry
}

// ProcessTLS2 implements spec.md §4.8: after final layout it rewrites the
// cloned descriptor's head pointers to the new RVAs, rewrites every
// previously-recorded in-range relocation, and (32-bit only) emits the
// handler-offset relocation at a fixed +4 displacement.
func ProcessTLS2(res *TLSPass1Result, newDirRVA, newDataRVA uint32, newCallbacksRVA uint32, imagebase uint64, width int) *TLSPass2Result {
	newDir := &TLSDirectory{
		DataStartVA:  imagebase + uint64(newDataRVA),
		DataEndVA:    imagebase + uint64(newDataRVA) + uint64(res.DataEndRVA-res.DataStartRVA),
		IndexVA:      res.origDir.IndexVA,
		ZeroFillSize: res.origDir.ZeroFillSize,
		Characteristics: res.origDir.Characteristics,
	}
	if res.UseCallbacks {
		newDir.CallbacksVA = imagebase + uint64(newCallbacksRVA)
	}

	out := &TLSPass2Result{Directory: newDir.serialize(width)}

	nHead := 3
	if res.UseCallbacks {
		nHead = 4
	}
	for i := 0; i < nHead; i++ {
		out.NewRelocs = append(out.NewRelocs, RelocEntry{RVA: newDirRVA + uint32(i*width), Type: relocTypeForWidth(width)})
	}

	for _, r := range res.RelocsInRange {
		off := int(r.RVA)
		if off+width > len(res.ClonedData) {
			continue
		}
		var v uint64
		if width == 8 {
			v = binary.LittleEndian.Uint64(res.ClonedData[off : off+8])
		} else {
			v = uint64(binary.LittleEndian.Uint32(res.ClonedData[off : off+4]))
		}
		// Self-referential pointers within the cloned TLS data move with
		// it; pointers elsewhere in the image are left untouched (the
		// common case for TLS static initializers).
		if v >= res.origDir.DataStartVA && v < res.origDir.DataEndVA {
			delta := v - res.origDir.DataStartVA
			newVal := imagebase + uint64(newDataRVA) + delta
			if width == 8 {
				binary.LittleEndian.PutUint64(res.ClonedData[off:off+8], newVal)
			} else {
				binary.LittleEndian.PutUint32(res.ClonedData[off:off+4], uint32(newVal))
			}
		}
		out.NewRelocs = append(out.NewRelocs, RelocEntry{RVA: newDataRVA + r.RVA, Type: r.Type})
	}

	if width == 4 && res.HandlerOffsetRVA != 0 {
		out.NewRelocs = append(out.NewRelocs, RelocEntry{RVA: newDataRVA + (res.HandlerOffsetRVA - res.DataStartRVA), Type: RelocHighLow})
	}

	return out
}

func relocTypeForWidth(width int) RelocType {
	if width == 8 {
		return RelocDir64
	}
	return RelocHighLow
}
