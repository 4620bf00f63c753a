package abiinfo

import (
	"fmt"
	"strings"
)

// RegisterIO is the narrow capability the Manager needs from the Emulator
// Backend Adapter (§4.1): read/write a single register by backend id. The
// Manager never talks to the backend for anything else.
type RegisterIO interface {
	RegisterRead(backendID int) (uint64, error)
	RegisterWrite(backendID int, value uint64) error
}

// InterruptHookInstaller lets Setup() install the architecture-mandated
// interrupt routing (e.g. ARM's svc/swi -> syscall dispatcher hook)
// without the abiinfo package depending on the hooks package; the process
// constructor supplies this callback when wiring the ABI Manager in.
type InterruptHookInstaller func(onIntr func(intNo uint32)) error

// Mode is the assembler/disassembler context returned by CurrKS/CurrCS.
// On ARM it depends on the live CPSR Thumb bit and so is recomputed on
// every call (§4.2).
type Mode struct {
	Arch  CPUArch
	Thumb bool
}

// Manager is the ABI Manager (§4.2): a per-process, per-architecture
// handle over the register file.
type Manager struct {
	arch  CPUArch
	table *Table
	io    RegisterIO
}

// Init constructs an ABI manager specialized for the target architecture,
// matching §4.2's `ABI::init(process, cpu_arch)`.
func Init(io RegisterIO, arch CPUArch) (*Manager, error) {
	table, err := tableFor(arch)
	if err != nil {
		return nil, err
	}
	return &Manager{arch: arch, table: table, io: io}, nil
}

// Arch returns the architecture this manager was built for.
func (m *Manager) Arch() CPUArch { return m.arch }

// Table exposes the immutable ABI table for callers (Syscall Manager,
// Threading Manager) that need the calling/syscalling conventions.
func (m *Manager) Table() *Table { return m.table }

// ReadReg reads a register by name, checking the destination width widthBits
// against the architecture's declared width for that register; widthBits
// must be >= the declared width.
func (m *Manager) ReadReg(name string, widthBits int) (uint64, error) {
	rd, ok := m.table.reg(name)
	if !ok {
		return 0, fmt.Errorf("abiinfo: unknown register %q for %v", name, m.arch)
	}
	if widthBits < rd.WidthBits {
		return 0, fmt.Errorf("abiinfo: destination width %d too small for register %q (width %d)", widthBits, name, rd.WidthBits)
	}
	return m.io.RegisterRead(rd.BackendID)
}

// WriteReg writes a register by name with the same width contract as ReadReg.
func (m *Manager) WriteReg(name string, widthBits int, v uint64) error {
	rd, ok := m.table.reg(name)
	if !ok {
		return fmt.Errorf("abiinfo: unknown register %q for %v", name, m.arch)
	}
	if widthBits < rd.WidthBits {
		return fmt.Errorf("abiinfo: source width %d too small for register %q (width %d)", widthBits, name, rd.WidthBits)
	}
	return m.io.RegisterWrite(rd.BackendID, v)
}

// ReadRegByName uppercases name and looks it up, per §4.2 "a by-name variant
// uppercases and looks up."
func (m *Manager) ReadRegByName(name string) (uint64, error) {
	return m.ReadReg(strings.ToUpper(name), 64)
}

// ReadArchReg reads a register at the architecture's natural word width.
func (m *Manager) ReadArchReg(name string) (uint64, error) {
	return m.ReadReg(name, m.table.WordSizeBits)
}

// WriteArchReg writes a register at the architecture's natural word width.
func (m *Manager) WriteArchReg(name string, v uint64) error {
	return m.WriteReg(name, m.table.WordSizeBits, v)
}

// DumpRegs traverses the immutable context register list, reading each
// register at its declared width, matching §4.2 dump_regs().
func (m *Manager) DumpRegs() (map[string]uint64, error) {
	out := make(map[string]uint64, len(m.table.Registers))
	for _, rd := range m.table.Registers {
		v, err := m.io.RegisterRead(rd.BackendID)
		if err != nil {
			return nil, fmt.Errorf("abiinfo: dump %s: %w", rd.Name, err)
		}
		out[rd.Name] = v
	}
	return out, nil
}

// LoadRegs is the inverse of DumpRegs: every register named in regs is
// written back via the backend. Unknown names are ignored so a partial
// (e.g. GP-only) map can be loaded safely.
func (m *Manager) LoadRegs(regs map[string]uint64) error {
	for _, rd := range m.table.Registers {
		v, ok := regs[rd.Name]
		if !ok {
			continue
		}
		if err := m.io.RegisterWrite(rd.BackendID, v); err != nil {
			return fmt.Errorf("abiinfo: load %s: %w", rd.Name, err)
		}
	}
	return nil
}

// InitThreadRegs clones the current register map and overrides pc/sp/tls,
// per §4.2 init_thread_regs -- used by thread creation (clone/fork).
func (m *Manager) InitThreadRegs(pc, sp uint64, tls *uint64) (map[string]uint64, error) {
	regs, err := m.DumpRegs()
	if err != nil {
		return nil, err
	}
	clone := make(map[string]uint64, len(regs))
	for k, v := range regs {
		clone[k] = v
	}
	clone[m.table.PC] = pc
	clone[m.table.SP] = sp
	if tls != nil {
		clone[m.table.TLS] = *tls
	}
	return clone, nil
}

// GetIDTEntry resolves a backend-specific interrupt number to an
// architecture-agnostic interrupt category.
func (m *Manager) GetIDTEntry(intNo uint32) CpuIntr {
	return m.table.IDTEntry(intNo)
}

// GetSignalFromIntr resolves an interrupt category to the Linux signal the
// core delivers to the guest on that fault.
func (m *Manager) GetSignalFromIntr(intr CpuIntr) (int32, bool) {
	sig, ok := m.table.IntrToSignal[intr]
	return sig, ok
}

// CurrKS returns the current assembler context. Only ARM's dual
// ARM/Thumb encoding makes this depend on live state; every other
// architecture here has a single fixed encoding.
func (m *Manager) CurrKS() (Mode, error) {
	return m.currMode()
}

// CurrCS returns the current disassembler context; identical to CurrKS in
// this model since assembly and disassembly share one encoding mode.
func (m *Manager) CurrCS() (Mode, error) {
	return m.currMode()
}

func (m *Manager) currMode() (Mode, error) {
	if m.arch != ARM {
		return Mode{Arch: m.arch}, nil
	}
	cpsr, err := m.io.RegisterRead(mustReg(m.table, "CPSR").BackendID)
	if err != nil {
		return Mode{}, err
	}
	return Mode{Arch: ARM, Thumb: cpsr&CPSRThumbBit != 0}, nil
}

func mustReg(t *Table, name string) RegDescriptor {
	rd, ok := t.reg(name)
	if !ok {
		panic("abiinfo: table missing required register " + name)
	}
	return rd
}

// Setup performs one-time architectural preparation at instance creation
// (§4.2): on ARM, ARM64 and PPC32 it installs the interrupt hook that
// routes svc/swi/sc to the syscall dispatcher; it does not write the ARM
// VFP coprocessor access bits. On x86 and x86-64 it does nothing and
// returns nil (§9 "GDT on x86" is implemented by the caller, who owns
// memory-mapping the table).
func (m *Manager) Setup(install InterruptHookInstaller, onSyscall func(intNo uint32)) error {
	switch m.arch {
	case ARM:
		if install == nil {
			return fmt.Errorf("abiinfo: ARM setup requires an interrupt hook installer")
		}
		return install(onSyscall)
	case ARM64:
		if install == nil {
			return fmt.Errorf("abiinfo: ARM64 setup requires an interrupt hook installer")
		}
		return install(onSyscall)
	case PPC32:
		if install == nil {
			return fmt.Errorf("abiinfo: PPC32 setup requires an interrupt hook installer")
		}
		return install(onSyscall)
	case X86, X86_64:
		// Syscall/sysenter/int 0x80 are recognized by an instruction
		// hook rather than an interrupt vector hook on x86 (§4.8); the
		// GDT is built and loaded separately by the caller.
		return nil
	default:
		return fmt.Errorf("abiinfo: unsupported arch %v", m.arch)
	}
}

// PrerunHook gives the ABI a last chance to annotate the entry address
// before the first run: on ARM it sets bit 0 when the current mode is
// Thumb, so the backend enters the subroutine in the right instruction
// set (§4.2, §8 scenario 2).
func (m *Manager) PrerunHook(startAddr *uint64) error {
	if m.arch != ARM {
		return nil
	}
	mode, err := m.currMode()
	if err != nil {
		return err
	}
	if mode.Thumb {
		*startAddr |= 1
	} else {
		*startAddr &^= 1
	}
	return nil
}
