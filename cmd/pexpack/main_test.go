package main

import (
	"math"
	"testing"

	"pexpack/core"
)

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"cant-pack", &core.CantPackError{Reason: "bad machine"}, exitCantPack},
		{"cant-unpack", &core.CantUnpackError{Reason: "short read"}, exitCantUnpack},
		{"already-packed", &core.AlreadyPackedError{Marker: "UPX"}, exitAlreadyPacked},
		{"not-compressible", &core.NotCompressibleError{Reason: "ratio too high"}, exitNotCompressible},
		{"internal", &core.InternalError{Reason: "unreachable"}, exitInternal},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := exitCodeFor(c.err); got != c.want {
				t.Fatalf("exitCodeFor(%v) = %d, want %d", c.err, got, c.want)
			}
		})
	}
}

func TestOutputPathFor(t *testing.T) {
	if got := outputPathFor([]string{"app.exe"}, ".packed"); got != "app.packed.exe" {
		t.Fatalf("got %q", got)
	}
	if got := outputPathFor([]string{"app.exe", "out.exe"}, ".packed"); got != "out.exe" {
		t.Fatalf("got %q", got)
	}
}

func TestSectionPermAndString(t *testing.T) {
	perm := sectionPerm(scnMemRead | scnMemExecute)
	if got := permString(perm); got != "r-x" {
		t.Fatalf("got %q", got)
	}
	perm = sectionPerm(scnMemRead | scnMemWrite)
	if got := permString(perm); got != "rw-" {
		t.Fatalf("got %q", got)
	}
}

func TestByteEntropy(t *testing.T) {
	if e := byteEntropy(nil); e != 0 {
		t.Fatalf("empty entropy = %v, want 0", e)
	}
	uniform := make([]byte, 256)
	for i := range uniform {
		uniform[i] = byte(i)
	}
	if e := byteEntropy(uniform); math.Abs(e-8.0) > 0.01 {
		t.Fatalf("uniform entropy = %v, want ~8.0", e)
	}
	allSame := make([]byte, 256)
	if e := byteEntropy(allSame); e != 0 {
		t.Fatalf("constant-byte entropy = %v, want 0", e)
	}
}

func TestTristate(t *testing.T) {
	if tristate("on") != core.On {
		t.Fatalf("on mismatch")
	}
	if tristate("off") != core.Off {
		t.Fatalf("off mismatch")
	}
	if tristate("auto") != core.Unset {
		t.Fatalf("auto mismatch")
	}
}
