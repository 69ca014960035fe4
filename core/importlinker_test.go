package core

import "testing"

func TestImportLinkerOrderIndependence(t *testing.T) {
	build := func(order []string) []byte {
		l := NewImportLinker(4)
		for _, p := range order {
			switch p {
			case "a":
				l.AddByName("kernel32.dll", "LoadLibraryA")
			case "b":
				l.AddByName("kernel32.dll", "GetProcAddress")
			case "c":
				l.AddByOrdinal("ws2_32.dll", 3)
			}
		}
		l.LinkDescriptorIAT("kernel32.dll", l.FirstThunkSection("kernel32.dll"))
		l.LinkDescriptorIAT("ws2_32.dll", l.FirstThunkSection("ws2_32.dll"))
		out, err := l.Build()
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		if err := l.Relocate(0x2000); err != nil {
			t.Fatalf("Relocate: %v", err)
		}
		return out
	}

	out1 := build([]string{"a", "b", "c"})
	out2 := build([]string{"c", "b", "a"})
	out3 := build([]string{"b", "c", "a"})

	if string(out1) != string(out2) || string(out1) != string(out3) {
		t.Errorf("ImportLinker output depends on add order")
	}
}

func TestImportLinkerGetAddress(t *testing.T) {
	l := NewImportLinker(4)
	l.AddByName("kernel32.dll", "ExitProcess")
	l.LinkDescriptorIAT("kernel32.dll", l.FirstThunkSection("kernel32.dll"))
	if _, err := l.Build(); err != nil {
		t.Fatal(err)
	}
	if err := l.Relocate(0x1000); err != nil {
		t.Fatal(err)
	}
	addr, err := l.GetAddress("kernel32.dll", "")
	if err != nil {
		t.Fatal(err)
	}
	if addr < 0x1000 {
		t.Errorf("descriptor address %#x should be >= base RVA", addr)
	}
}
