// Package winconst names the numeric PE/COFF constants the core needs as
// data rather than behavior: machine types, subsystem values, DLL
// characteristics flags, and Control-Flow-Guard load-config flags.
// debug/pe already exports these PE/COFF-spec values (and is safe to
// import on any GOOS, unlike golang.org/x/sys/windows); re-exporting them
// here keeps core/ free of a direct debug/pe import while still sourcing
// the values from it rather than retyping them from the PE/COFF spec by
// hand.
package winconst

import "debug/pe"

const (
	MachineI386  = pe.IMAGE_FILE_MACHINE_I386
	MachineARM   = pe.IMAGE_FILE_MACHINE_ARM
	MachineARMNT = pe.IMAGE_FILE_MACHINE_ARMNT
	MachineAMD64 = pe.IMAGE_FILE_MACHINE_AMD64
	MachineARM64 = pe.IMAGE_FILE_MACHINE_ARM64
)

const (
	SubsystemUnknown    = pe.IMAGE_SUBSYSTEM_UNKNOWN
	SubsystemNative     = pe.IMAGE_SUBSYSTEM_NATIVE
	SubsystemWindowsGUI = pe.IMAGE_SUBSYSTEM_WINDOWS_GUI
	SubsystemWindowsCUI = pe.IMAGE_SUBSYSTEM_WINDOWS_CUI
	SubsystemEFIApplication = pe.IMAGE_SUBSYSTEM_EFI_APPLICATION
)

const (
	DllCharacteristicsDynamicBase   = pe.IMAGE_DLLCHARACTERISTICS_DYNAMIC_BASE
	DllCharacteristicsForceIntegrity = pe.IMAGE_DLLCHARACTERISTICS_FORCE_INTEGRITY
	DllCharacteristicsNXCompat      = pe.IMAGE_DLLCHARACTERISTICS_NX_COMPAT
	DllCharacteristicsHighEntropyVA = pe.IMAGE_DLLCHARACTERISTICS_HIGH_ENTROPY_VA
	// GuardCF (Control-Flow-Guard) is written as the raw
	// IMAGE_DLLCHARACTERISTICS_GUARD_CF bit value, stable PE/COFF spec
	// data (0x4000).
	DllCharacteristicsGuardCF = 0x4000
)

// GuardSecurityCookieUnused is IMAGE_GUARD_SECURITY_COOKIE_UNUSED, written
// into a load-config table's GuardFlags field when CF-guard is stripped
// (spec.md §4.11 step 3).
const GuardSecurityCookieUnused = 0x00000800
