package core

import (
	"encoding/binary"

	"pexpack/corelog"
)

// LoadConfigInformationalThreshold is the "arbitrary, kept as a constant"
// 256-byte size above which the load-config processor emits an
// informational message rather than refusing (spec.md §4.9, §9 open
// question).
const LoadConfigInformationalThreshold = 256

// LoadConfigPass1Result is the verbatim-copied load-config table plus the
// relocations recorded within it, ready for pass 2 to re-emit at the
// table's new location.
type LoadConfigPass1Result struct {
	Data   []byte
	RVA    uint32
	Relocs []RelocEntry // RVA relative to the table's start
}

// ProcessLoadConfig1 implements spec.md §4.9: read the table's own
// declared size from its first LE32, copy it verbatim, and collect base
// relocations whose target falls inside it.
func ProcessLoadConfig1(image []byte, dirRVA uint32, allRelocs []RelocEntry, log *corelog.Logger) (*LoadConfigPass1Result, error) {
	if int(dirRVA)+4 > len(image) {
		return nil, newCantUnpack("load config directory out of bounds")
	}
	size := binary.LittleEndian.Uint32(image[dirRVA : dirRVA+4])
	if size == 0 {
		return nil, nil
	}
	if int(dirRVA)+int(size) > len(image) {
		return nil, newCantUnpack("load config table runs past end of image")
	}
	if size > LoadConfigInformationalThreshold {
		log.Info("load config table is %d bytes (> %d), kept for compatibility", size, LoadConfigInformationalThreshold)
	}

	res := &LoadConfigPass1Result{
		Data: append([]byte(nil), image[dirRVA:dirRVA+size]...),
		RVA:  dirRVA,
	}
	for _, r := range allRelocs {
		if r.RVA >= dirRVA && r.RVA < dirRVA+size {
			res.Relocs = append(res.Relocs, RelocEntry{RVA: r.RVA - dirRVA, Type: r.Type})
		}
	}
	return res, nil
}

// ProcessLoadConfig2 re-emits the recorded relocations adjusted to the
// table's new RVA (spec.md §4.9 pass 2). The table bytes themselves are
// unchanged (they were copied verbatim in pass 1); only their pointer
// fields' relocation entries move.
func ProcessLoadConfig2(res *LoadConfigPass1Result, newRVA uint32) []RelocEntry {
	out := make([]RelocEntry, len(res.Relocs))
	for i, r := range res.Relocs {
		out[i] = RelocEntry{RVA: newRVA + r.RVA, Type: r.Type}
	}
	return out
}
