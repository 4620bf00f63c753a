package loader

import (
	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/backend"
	"github.com/arion-emu/arion/pkg/hooks"
	"github.com/arion-emu/arion/pkg/memory"
	"github.com/arion-emu/arion/pkg/process"
)

// gdtGSBase is the %gs-relative TLS base the x86 GDT's per-thread entry
// points at; threading assigns the live value per thread, this is only
// the table's placeholder construction-time base.
const gdtGSBase = 0

// setupArchSpecifics wires the architecture-mandated syscall-trap routing
// into a freshly bootstrapped process, the step every "new_instance" path
// (ELF or baremetal) needs before its first run (§4.2 Setup, §4.8
// dispatch). ARM/ARM64/PPC32 route through ABI.Setup's interrupt-hook
// installer; x86/x86-64 have no interrupt vector to hook in this model so
// the trap instruction itself is recognized by a full-range code hook,
// per pkg/hooks' documented HookInsn limitation.
func setupArchSpecifics(p *process.Process) error {
	switch p.ABI.Arch() {
	case abiinfo.ARM, abiinfo.ARM64, abiinfo.PPC32:
		return setupInterruptTrap(p)
	case abiinfo.X86, abiinfo.X86_64:
		return setupX86Trap(p)
	default:
		return nil
	}
}

// SetupSyscallTrap exports setupArchSpecifics for callers that build a
// Process without going through NewELFProcess/NewBaremetalProcess --
// chiefly cmd/arion's restore path, which bootstraps an empty process of
// the recorded architecture and needs the same trap wiring before
// RestoreFull hands it a register state to resume from.
func SetupSyscallTrap(p *process.Process) error {
	return setupArchSpecifics(p)
}

// setupInterruptTrap installs the ABI's interrupt hook and routes syscall
// traps to Dispatch, faulting traps to the mapped Linux signal, exactly
// like the teacher's own page-fault-to-SIGSEGV translation
// (pkg/sentry/platform's fault handling) generalized to every category
// IntrToSignal names.
func setupInterruptTrap(p *process.Process) error {
	installer := func(onIntr func(intNo uint32)) error {
		_, err := p.Hooks.HookIntr(hooks.Callback{
			Intr: func(intNo uint32, userData any) { onIntr(intNo) },
		}, nil)
		return err
	}

	pcReg := p.ABI.Table().PC
	onIntr := func(intNo uint32) {
		cat := p.ABI.GetIDTEntry(intNo)
		if cat == abiinfo.IntrSyscall {
			// PC already points past the trap instruction here; arm the
			// rollback with its width so a Cancel re-enters the syscall on
			// the thread's next quantum and yields this one.
			width := trapWidth(p)
			p.Syscalls.SetRollbackHook(func() error {
				pc, err := p.ABI.ReadArchReg(pcReg)
				if err != nil {
					return err
				}
				if err := p.ABI.WriteArchReg(pcReg, pc-width); err != nil {
					return err
				}
				p.Threads.RequestSync()
				return p.Engine.Stop()
			})
			if err := p.Syscalls.Dispatch(); err != nil {
				p.Crash(err)
			}
			return
		}
		signo, ok := p.ABI.GetSignalFromIntr(cat)
		if !ok {
			return
		}
		if err := p.Sig.HandleSignal(p, p.Pid(), signo); err != nil {
			p.Crash(err)
		}
	}

	if err := p.ABI.Setup(installer, onIntr); err != nil {
		return err
	}

	if p.ABI.Arch() == abiinfo.ARM {
		if err := mapArmTraps(p); err != nil {
			return err
		}
	}
	return nil
}

// trapWidth is the byte width of the architecture's syscall trap
// instruction: 2 in Thumb state, 4 for ARM/ARM64/PPC32.
func trapWidth(p *process.Process) uint64 {
	if p.ABI.Arch() == abiinfo.ARM {
		if mode, err := p.ABI.CurrCS(); err == nil && mode.Thumb {
			return 2
		}
	}
	return 4
}

// armTrapsBase is the fixed guest address §9's ARM VFP/Thumb trap page is
// mapped at, below every loaded image's usual placement.
const armTrapsBase = 0x2000

// mapArmTraps maps the ARM_TRAPS page the teacher's context-restore logic
// (pkg/snapshot) already gates TLS restore behind; it need not hold any
// particular code, only exist, since the interrupt hook above -- not a
// trampoline on this page -- is what actually recognizes svc/swi.
func mapArmTraps(p *process.Process) error {
	if _, err := p.Mem.Map(armTrapsBase, memory.PageSize, backend.PermRead|backend.PermExec, "[arm-traps]"); err != nil {
		return err
	}
	p.ArmTrapsMapped = true
	return nil
}

// setupX86Trap builds and maps the GDT (§9 "GDT on x86") and installs a
// full-range code hook that recognizes int 0x80, syscall, and sysenter by
// their raw opcode bytes, Dispatch()-ing on a match and otherwise letting
// the instruction execute untouched. HookInsn is not available for this
// (see pkg/hooks), so this is the documented code-hook substitute.
func setupX86Trap(p *process.Process) error {
	gdt := abiinfo.BuildGDT(gdtGSBase)
	if _, err := p.Mem.Map(abiinfo.GDTAddr, uint64(len(gdt)), backend.PermRead|backend.PermWrite, "[gdt]"); err != nil {
		return err
	}
	if err := p.Mem.Write(abiinfo.GDTAddr, gdt); err != nil {
		return err
	}

	pcReg := p.ABI.Table().PC
	cb := hooks.Callback{
		AddrSize: func(addr uint64, size uint32, userData any) {
			buf, err := p.Mem.Read(addr, 2)
			if err != nil || !isX86TrapOpcode(buf) {
				return
			}
			if err := p.ABI.WriteArchReg(pcReg, addr+uint64(size)); err != nil {
				p.Crash(err)
				return
			}
			p.Syscalls.SetRollbackHook(func() error {
				return p.ABI.WriteArchReg(pcReg, addr)
			})
			if err := p.Syscalls.Dispatch(); err != nil {
				p.Crash(err)
				return
			}
			_ = p.Engine.Stop()
		},
	}
	_, err := p.Hooks.HookCode(1, 0, cb, nil)
	return err
}

// isX86TrapOpcode reports whether buf's first two bytes open int 0x80
// (CD 80), syscall (0F 05), or sysenter (0F 34).
func isX86TrapOpcode(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	switch {
	case buf[0] == 0xCD && buf[1] == 0x80:
		return true
	case buf[0] == 0x0F && buf[1] == 0x05:
		return true
	case buf[0] == 0x0F && buf[1] == 0x34:
		return true
	default:
		return false
	}
}
