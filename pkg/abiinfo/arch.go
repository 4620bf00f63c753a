// Package abiinfo implements the ABI Manager: per-architecture immutable
// tables (registers, calling conventions, syscall numbers, interrupt-to-
// signal maps) and the operations that read/write a guest's register file
// through them. It generalizes the teacher's pkg/sentry/arch package (whose
// Context64/SyscallArguments/contextInterface shape this package follows)
// from amd64+arm64 to every architecture the spec requires: x86, x86-64,
// ARM (with Thumb), ARM64, and PowerPC32.
package abiinfo

import (
	"fmt"
	"strings"
)

// CPUArch identifies a guest architecture. Adding a new architecture means
// adding a new value here and a table in tableFor below; nothing else in
// the Manager changes.
type CPUArch int

const (
	X86 CPUArch = iota
	X86_64
	ARM
	ARM64
	PPC32
)

func (a CPUArch) String() string {
	switch a {
	case X86:
		return "x86"
	case X86_64:
		return "x86_64"
	case ARM:
		return "arm"
	case ARM64:
		return "arm64"
	case PPC32:
		return "ppc32"
	default:
		return fmt.Sprintf("CPUArch(%d)", int(a))
	}
}

// CpuIntr is an architecture-agnostic interrupt category, resolved from a
// backend-specific interrupt number via the IDT-equivalent table (§4.2
// get_idt_entry).
type CpuIntr int

const (
	IntrUnknown CpuIntr = iota
	IntrDivideError
	IntrDebug
	IntrBreakpoint
	IntrOverflow
	IntrBoundRange
	IntrInvalidOpcode
	IntrDeviceNotAvailable
	IntrDoubleFault
	IntrInvalidTSS
	IntrSegmentNotPresent
	IntrStackFault
	IntrGeneralProtection
	IntrPageFault
	IntrFloatingPoint
	IntrAlignmentCheck
	IntrMachineCheck
	IntrSIMDFloatingPoint
	IntrSyscall
)

func (c CpuIntr) String() string {
	names := [...]string{
		"unknown", "divide_error", "debug", "breakpoint", "overflow",
		"bound_range", "invalid_opcode", "device_not_available",
		"double_fault", "invalid_tss", "segment_not_present",
		"stack_fault", "general_protection", "page_fault",
		"floating_point", "alignment_check", "machine_check",
		"simd_floating_point", "syscall",
	}
	if int(c) < len(names) {
		return names[c]
	}
	return fmt.Sprintf("CpuIntr(%d)", int(c))
}

// RegDescriptor describes one entry of an architecture's register file: a
// name (looked up case-insensitively by the by-name accessors), a backend
// register id meaningful only to the Emulator Backend Adapter, and the
// register's declared width in bits. Reads/writes narrower than the
// declared width are rejected; wider destinations are allowed and
// zero-extended.
type RegDescriptor struct {
	Name     string
	BackendID int
	WidthBits int
}

// Table is the immutable per-architecture ABI description from §3 "ABI
// Attributes": word size, pointer size, HWCAP bits, the PC/SP/TLS register
// identities, the calling and syscalling conventions, the syscall number to
// name table, and the interrupt category to Linux signal map.
type Table struct {
	Arch         CPUArch
	WordSizeBits int
	PtrSizeBytes int
	HWCap        uint64
	HWCap2       uint64

	// Registers is the ordered context register list walked by
	// DumpRegs/LoadRegs.
	Registers []RegDescriptor

	PC  string
	SP  string
	TLS string

	RetReg    string
	ParamRegs []string

	SysNoReg     string
	SysRetReg    string
	SysParamRegs []string

	// SyscallNumbers maps a guest syscall number to its Linux name.
	SyscallNumbers map[uint64]string
	// syscallNames is the reverse of SyscallNumbers, built once.
	syscallNames map[string]uint64

	// IntrToSignal maps a CpuIntr category to the Linux signal number
	// delivered to the guest when it's raised synchronously.
	IntrToSignal map[CpuIntr]int32

	// idt maps a backend-specific interrupt/exception vector number to
	// a CpuIntr category.
	idt map[uint32]CpuIntr
}

func (t *Table) reg(name string) (RegDescriptor, bool) {
	upper := strings.ToUpper(name)
	for _, r := range t.Registers {
		if strings.ToUpper(r.Name) == upper {
			return r, true
		}
	}
	return RegDescriptor{}, false
}

// SyscallName resolves a number to a name, the empty string if unknown.
func (t *Table) SyscallName(no uint64) (string, bool) {
	name, ok := t.SyscallNumbers[no]
	return name, ok
}

// SyscallNumber resolves a name back to its number.
func (t *Table) SyscallNumber(name string) (uint64, bool) {
	if t.syscallNames == nil {
		t.syscallNames = make(map[string]uint64, len(t.SyscallNumbers))
		for no, n := range t.SyscallNumbers {
			t.syscallNames[n] = no
		}
	}
	no, ok := t.syscallNames[name]
	return no, ok
}

// IDTEntry resolves a backend interrupt number to its category.
func (t *Table) IDTEntry(intNo uint32) CpuIntr {
	if c, ok := t.idt[intNo]; ok {
		return c
	}
	return IntrUnknown
}

// tableFor returns the immutable table for an architecture. Each call
// builds a fresh table from the per-arch table_*.go files; Init calls it
// once per Manager.
func tableFor(arch CPUArch) (*Table, error) {
	switch arch {
	case X86:
		return x86Table(), nil
	case X86_64:
		return x8664Table(), nil
	case ARM:
		return armTable(), nil
	case ARM64:
		return arm64Table(), nil
	case PPC32:
		return ppc32Table(), nil
	default:
		return nil, fmt.Errorf("abiinfo: unsupported arch %v", arch)
	}
}
