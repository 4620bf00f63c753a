// Package syscall implements the Syscall Manager (§4.8): the Linux
// syscall emulation layer, dispatch loop, and handler registry. Grounded
// on the teacher's own per-syscall table shape
// (pkg/sentry/syscalls/syscalls.go's Supported/PartiallySupported/Error
// builders, see table.go) and its unimplemented-syscall logging
// (pkg/sentry/unimpl/events.go), with host syscalls issued through
// golang.org/x/sys/unix and non-blocking retries backed by
// github.com/cenkalti/backoff exactly as SPEC_FULL.md's domain stack
// section specifies.
package syscall

import (
	"github.com/sirupsen/logrus"

	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/arionerrors"
	"github.com/arion-emu/arion/pkg/fdtable"
	"github.com/arion-emu/arion/pkg/hooks"
	"github.com/arion-emu/arion/pkg/memory"
	"github.com/arion-emu/arion/pkg/sig"
	"github.com/arion-emu/arion/pkg/threading"
)

// Cancel is the sentinel a handler returns to request the dispatcher roll
// back the syscall PC and yield, used when thread_blocking_io=false and a
// non-blocking probe finds the fd not ready (§4.8 "Blocking I/O").
var Cancel = &arionerrors.InvalidArgument{Msg: "syscall: cancelled, retry"}

// Orchestrator is the process/group-level surface the dispatcher calls
// into for operations that mutate the process table itself (fork, clone,
// execve, exit, wait, kill) rather than merely touching one process's own
// state. Implemented by pkg/process, which in turn owns a Manager — kept
// as an interface here to avoid an import cycle.
type Orchestrator interface {
	Pid() int32
	Ppid() int32
	Pgid() int32
	Uid() int32
	Gid() int32
	Euid() int32
	Egid() int32

	Fork() (childPid int32, err error)
	CloneThread(flags uint64, newSP, newTLS, childTidAddr, parentTidAddr uint64, exitSignal int32) (childTid uint64, err error)
	Execve(path string, argv, envp []string) error
	Exit(status int32)
	ExitGroup(status int32)
	// Wait4 reaps a zombie child matching pid (-1: any), writing its status
	// word to statusAddr itself (0: caller passed no buffer). When no
	// matching zombie exists and options has no WNOHANG, it returns Cancel
	// so the dispatcher rolls the syscall back and the thread retries next
	// quantum, the same cooperative-retry convention blocking I/O uses.
	Wait4(pid int32, options int32, statusAddr uint64) (reapedPid int32, status int32, err error)
	Kill(pid int32, signo int32) error
	TgKill(tgid, tid int32, signo int32) error
}

// Deps bundles every manager the dispatcher and handlers need.
type Deps struct {
	ABI     *abiinfo.Manager
	Mem     *memory.Manager
	Threads *threading.Manager
	FDs     *fdtable.Table
	Sandbox *fdtable.Sandbox
	Sig     *sig.Manager
	Hooks   *hooks.Manager
	Orch    Orchestrator

	ThreadBlockingIO bool
	Log              *logrus.Logger
}

// HandlerFn is a registered syscall handler: given the decoded arguments,
// it returns the raw (non-negated) return value the kernel convention
// expects placed in ret_reg, or an error. A *arionerrors error is never
// itself placed in ret_reg -- handlers translate host errno into a
// negative return value themselves (see Errno in table.go); a returned Go
// error here means the syscall could not be serviced at all (fatal,
// unless it is Cancel).
type HandlerFn func(d *Deps, args [6]uint64) (uint64, error)

// Manager is the Syscall Manager (§4.8), scoped to one process.
type Manager struct {
	deps     *Deps
	handlers map[string]Syscall
	rollback func() error
}

// New constructs a Syscall Manager wired to the given dependencies and the
// default handler table (see RegisterDefaults in the handlers_*.go files).
func New(deps *Deps) *Manager {
	m := &Manager{deps: deps, handlers: make(map[string]Syscall)}
	RegisterDefaults(m)
	return m
}

// Register installs (or replaces) a syscall handler by name.
func (m *Manager) Register(s Syscall) {
	m.handlers[s.Name] = s
}

// SetRollbackHook installs the PC-rewind closure the entry hook (ARM/ARM64
// interrupt hook or the x86/x86-64 syscall-instruction code hook, see
// pkg/loader's setupArchSpecifics) arms with the exact trap-instruction
// width it just recognized, before calling Dispatch. Dispatch invokes it
// on a Cancel return instead of the conservative no-op fallback.
func (m *Manager) SetRollbackHook(fn func() error) { m.rollback = fn }

// Lookup returns the registered syscall for a name, if any.
func (m *Manager) Lookup(name string) (Syscall, bool) {
	s, ok := m.handlers[name]
	return s, ok
}

// paramCount is how many argument registers a handler's documented
// signature reads; unregistered/unknown syscalls read zero.
func (m *Manager) paramCount(name string) int {
	if s, ok := m.handlers[name]; ok {
		return s.Argc
	}
	return 0
}

// Dispatch implements the six-step §4.8 dispatch algorithm. It is called
// by the process run loop whenever a syscall entry is recognized (via an
// ABI interrupt hook or a recognized syscall/sysenter/int-0x80/sc
// instruction).
func (m *Manager) Dispatch() error {
	d := m.deps
	table := d.ABI.Table()

	sysno, err := d.ABI.ReadArchReg(table.SysNoReg)
	if err != nil {
		return err
	}

	name, ok := table.SyscallName(uint64(sysno))
	if !ok {
		d.Log.Warnf("syscall: unknown number %d for %v, returning 0", sysno, table.Arch)
		return d.ABI.WriteReg(table.SysRetReg, table.WordSizeBits, 0)
	}

	argc := m.paramCount(name)
	if argc > len(table.SysParamRegs) {
		argc = len(table.SysParamRegs)
	}
	var args [6]uint64
	for i := 0; i < argc && i < 6; i++ {
		v, err := d.ABI.ReadArchReg(table.SysParamRegs[i])
		if err != nil {
			return err
		}
		args[i] = v
	}

	s, ok := m.handlers[name]
	if !ok {
		d.Log.Warnf("syscall: %q has no handler, returning 0", name)
		if err := d.ABI.WriteReg(table.SysRetReg, table.WordSizeBits, 0); err != nil {
			return err
		}
		m.fireSyscallHook(name, args[:argc])
		return nil
	}

	ret, err := s.Fn(d, args)
	if err != nil {
		if err == Cancel {
			return m.rollbackPC()
		}
		return err
	}

	if err := d.ABI.WriteReg(table.SysRetReg, table.WordSizeBits, ret); err != nil {
		return err
	}
	m.fireSyscallHook(name, args[:argc])
	return nil
}

func (m *Manager) fireSyscallHook(name string, args []uint64) {
	if m.deps.Hooks == nil {
		return
	}
	m.deps.Hooks.TriggerSyscall(name, args)
}

// rollbackPC backs the guest PC up over the syscall instruction so the
// dispatcher re-enters it on the next quantum, per §4.8's cancel sentinel
// contract. The instruction width is architecture-specific (Thumb's 2-byte
// svc, ARM/ARM64/PPC32's 4-byte trap, x86's 2-byte int 0x80/syscall/
// sysenter), so only the entry hook that just recognized the trap
// instruction knows how far to step back; it supplies that via
// SetRollbackHook before Dispatch can ever observe a Cancel. Absent that
// wiring this is a conservative no-op.
func (m *Manager) rollbackPC() error {
	if m.rollback == nil {
		return nil
	}
	return m.rollback()
}
