// Package pescan is a read-only, best-effort PE inspector built on two
// independent third-party parsers rather than the core's own hand-rolled
// byte-offset reader. It exists for two purposes: the `info` CLI
// subcommand, and a pre-flight cross-check the orchestrator runs before
// trusting its own parse (spec.md §1(a) "tolerate adversarial inputs" —
// two independent parsers disagreeing on basic facts is itself a signal).
package pescan

import (
	"bytes"
	"fmt"

	bpe "github.com/Binject/debug/pe"
	vpe "github.com/Velocidex/go-pe"
)

// Summary is the small set of facts both parsers are asked to agree on.
type Summary struct {
	EntryPoint   uint32
	Subsystem    uint16
	NumSections  int
	Machine      uint16
	Is64Bit      bool
}

// ScanBinject parses data with github.com/Binject/debug/pe, the
// write-capable debug/pe fork the teacher's own reflective loader
// (carved4-go-maldev/pkg/pe/pe.go) already depends on.
func ScanBinject(data []byte) (*Summary, error) {
	f, err := bpe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("binject/debug/pe: %w", err)
	}
	defer f.Close()

	s := &Summary{
		Machine:     f.FileHeader.Machine,
		NumSections: len(f.Sections),
	}
	switch oh := f.OptionalHeader.(type) {
	case *bpe.OptionalHeader32:
		s.EntryPoint = oh.AddressOfEntryPoint
		s.Subsystem = oh.Subsystem
	case *bpe.OptionalHeader64:
		s.EntryPoint = oh.AddressOfEntryPoint
		s.Subsystem = oh.Subsystem
		s.Is64Bit = true
	default:
		return nil, fmt.Errorf("binject/debug/pe: unrecognized optional header type")
	}
	return s, nil
}

// ScanVelocidex parses data with github.com/Velocidex/go-pe's
// profile-based reader (NTHeader/Sections/DataDirectory, grounded on
// other_examples/Velocidex-go-pe__headers.go and __rva.go), a second,
// structurally unrelated code path to the first parser.
func ScanVelocidex(data []byte) (*Summary, error) {
	profile := vpe.NewPeProfile()
	reader := bytes.NewReader(data)
	dos := profile.IMAGE_DOS_HEADER(reader, 0)
	nt := dos.NTHeader()
	if nt == nil {
		return nil, fmt.Errorf("velocidex/go-pe: failed to locate NT header")
	}
	fh := nt.FileHeader()
	oh := nt.OptionalHeader()

	s := &Summary{
		Machine:     uint16(fh.Machine().Value),
		NumSections: len(nt.Sections()),
		Subsystem:   oh.Subsystem(),
	}
	if oh.Magic() == 0x20b {
		s.Is64Bit = true
	}
	s.EntryPoint = oh.AddressOfEntryPoint()
	return s, nil
}

// CrossCheck runs both parsers and reports any disagreement on the facts
// that matter for a pack decision. agree is true and disagreements is nil
// when the two parsers agree; callers typically turn a non-empty result
// into a corelog.Warn rather than a hard failure, since one parser being
// stricter than the other about a borderline-malformed header is not by
// itself proof of tampering.
func CrossCheck(data []byte) (agree bool, disagreements []string, err error) {
	a, errA := ScanBinject(data)
	b, errB := ScanVelocidex(data)
	if errA != nil && errB != nil {
		return false, nil, fmt.Errorf("both parsers failed: %v / %v", errA, errB)
	}
	if errA != nil {
		return false, []string{fmt.Sprintf("binject/debug/pe failed: %v", errA)}, nil
	}
	if errB != nil {
		return false, []string{fmt.Sprintf("velocidex/go-pe failed: %v", errB)}, nil
	}

	if a.Machine != b.Machine {
		disagreements = append(disagreements, fmt.Sprintf("machine: %#x vs %#x", a.Machine, b.Machine))
	}
	if a.EntryPoint != b.EntryPoint {
		disagreements = append(disagreements, fmt.Sprintf("entrypoint: %#x vs %#x", a.EntryPoint, b.EntryPoint))
	}
	if a.Subsystem != b.Subsystem {
		disagreements = append(disagreements, fmt.Sprintf("subsystem: %d vs %d", a.Subsystem, b.Subsystem))
	}
	if a.NumSections != b.NumSections {
		disagreements = append(disagreements, fmt.Sprintf("section count: %d vs %d", a.NumSections, b.NumSections))
	}
	return len(disagreements) == 0, disagreements, nil
}
