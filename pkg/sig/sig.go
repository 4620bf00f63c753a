// Package sig implements the Signal Manager (§4.6): interrupt-to-signal
// delivery, user-handler trampoline setup, default dispositions, and
// sigreturn. Grounded on the teacher's own signal-delivery shape in the
// other_examples gVisor forks (task_signal-style saved-context-then-jump
// trampoline), adapted to drive the guest stack directly through the
// Memory Manager instead of a host-signal-frame struct.
package sig

import (
	"encoding/binary"
	"fmt"

	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/arionerrors"
	"github.com/arion-emu/arion/pkg/memory"
)

// Linux signal numbers (<asm-generic/signal.h>).
const (
	SIGHUP    = 1
	SIGINT    = 2
	SIGQUIT   = 3
	SIGILL    = 4
	SIGTRAP   = 5
	SIGABRT   = 6
	SIGBUS    = 7
	SIGFPE    = 8
	SIGKILL   = 9
	SIGUSR1   = 10
	SIGSEGV   = 11
	SIGUSR2   = 12
	SIGPIPE   = 13
	SIGALRM   = 14
	SIGTERM   = 15
	SIGCHLD   = 17
	SIGCONT   = 18
	SIGSTOP   = 19
	SIGTSTP   = 20
	SIGTTIN   = 21
	SIGTTOU   = 22
	SIGXCPU   = 24
	SIGXFSZ   = 25
	SIGVTALRM = 26
	SIGPROF   = 27
	SIGSYS    = 31
)

const saSigInfo = 0x00000004

// Handler is the §3 "sighandlers" table row: handler function address,
// flags, restorer, mask.
type Handler struct {
	Addr      uint64
	Flags     uint64
	Restorer  uint64
	Mask      uint64
	Installed bool
}

// SavedContext is the register/TLS snapshot captured at delivery time so
// sigreturn can restore it.
type SavedContext struct {
	Regs map[string]uint64
}

// ProcessOps is the narrow surface the Signal Manager drives on the owning
// process: marking stopped/continued, removing a child, and the
// synchronous-fault escape hatch. Kept as an interface (rather than
// importing pkg/process) to avoid an import cycle, the same pattern
// pkg/threading uses for ProcessState.
type ProcessOps interface {
	SetStopped(bool)
	RemoveChild(pid int32)
	// SigWaitMatches reports whether a pending wait registered by the
	// process matches signo from sourcePid, consuming the wait and reaping
	// the source on a match. statusAddr is where the waiter asked its
	// status word written (0: no buffer).
	SigWaitMatches(signo int32, sourcePid int32) (statusAddr uint64, matches bool)
}

// ThreadOps is the narrow threading surface needed to deliver signals and
// install return-address trampolines.
type ThreadOps interface {
	Running() uint64
	SetStopped(tid uint64, v bool) error
	SetSigWaiting(tid uint64, v bool) error
}

// HookInstaller installs a one-shot address hook that fires when the
// guest PC reaches addr, then removes itself -- used for the sigreturn
// trampoline (§4.6 step 1: "Install a transient address hook at the
// return PC that restores the saved context when reached, then removes
// itself").
type HookInstaller func(addr uint64, onHit func()) (unhook func(), err error)

// Manager is the Signal Manager (§4.6), scoped to one process.
type Manager struct {
	abi       *abiinfo.Manager
	mem       *memory.Manager
	threads   ThreadOps
	installer HookInstaller

	handlers map[int32]*Handler
	saved    map[uint64]*SavedContext // by tid, for sigreturn
}

// New constructs a Signal Manager.
func New(abi *abiinfo.Manager, mem *memory.Manager, threads ThreadOps, installer HookInstaller) *Manager {
	return &Manager{
		abi:       abi,
		mem:       mem,
		threads:   threads,
		installer: installer,
		handlers:  make(map[int32]*Handler),
		saved:     make(map[uint64]*SavedContext),
	}
}

// SetHandler installs rt_sigaction's effect.
func (m *Manager) SetHandler(signo int32, h Handler) {
	h.Installed = true
	m.handlers[signo] = &h
}

// Handler returns the installed handler for signo, if any.
func (m *Manager) Handler(signo int32) (Handler, bool) {
	h, ok := m.handlers[signo]
	if !ok {
		return Handler{}, false
	}
	return *h, true
}

func isSynchronous(signo int32) bool {
	switch signo {
	case SIGFPE, SIGILL, SIGSEGV, SIGBUS, SIGTRAP, SIGABRT, SIGSYS:
		return true
	default:
		return false
	}
}

func isStopSignal(signo int32) bool {
	switch signo {
	case SIGSTOP, SIGTSTP, SIGTTIN, SIGTTOU:
		return true
	default:
		return false
	}
}

func isTerminatingDefault(signo int32) bool {
	switch signo {
	case SIGKILL, SIGTERM, SIGHUP, SIGINT, SIGQUIT, SIGPIPE, SIGALRM,
		SIGUSR1, SIGUSR2, SIGVTALRM, SIGPROF, SIGXCPU, SIGXFSZ:
		return true
	default:
		return false
	}
}

// HandleSignal implements §4.6 handle_signal: dispatches to the installed
// user handler if present, else applies the signal's default disposition.
func (m *Manager) HandleSignal(proc ProcessOps, sourcePid int32, signo int32) error {
	if h, ok := m.handlers[signo]; ok && h.Installed {
		return m.deliverToHandler(signo, *h)
	}
	return m.applyDefault(proc, sourcePid, signo)
}

// deliverToHandler implements §4.6 step 1.
func (m *Manager) deliverToHandler(signo int32, h Handler) error {
	tid := m.threads.Running()

	regs, err := m.abi.DumpRegs()
	if err != nil {
		return err
	}
	m.saved[tid] = &SavedContext{Regs: regs}

	pc, err := m.abi.ReadArchReg(m.abi.Table().PC)
	if err != nil {
		return err
	}
	returnAddr := pc

	if _, err := m.mem.StackPush(m.abi, returnAddr); err != nil {
		return err
	}

	paramRegs := m.abi.Table().ParamRegs
	if len(paramRegs) < 1 {
		return fmt.Errorf("sig: architecture has no parameter registers")
	}
	if err := m.abi.WriteArchReg(paramRegs[0], uint64(signo)); err != nil {
		return err
	}

	if h.Flags&saSigInfo != 0 && len(paramRegs) >= 2 {
		siginfoAddr, err := m.buildSiginfo(signo)
		if err != nil {
			return err
		}
		if err := m.abi.WriteArchReg(paramRegs[1], siginfoAddr); err != nil {
			return err
		}
		// ucontext is left NULL in this version (§9 open question).
		if len(paramRegs) >= 3 {
			if err := m.abi.WriteArchReg(paramRegs[2], 0); err != nil {
				return err
			}
		}
	}

	if err := m.abi.WriteArchReg(m.abi.Table().PC, h.Addr); err != nil {
		return err
	}

	if m.installer != nil {
		var unhook func()
		unhook, err = m.installer(returnAddr, func() {
			if saved, ok := m.saved[tid]; ok {
				_ = m.abi.LoadRegs(saved.Regs)
				delete(m.saved, tid)
			}
			if unhook != nil {
				unhook()
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// buildSiginfo writes a minimal siginfo_t (just si_signo populated) onto
// the guest stack and returns its address.
func (m *Manager) buildSiginfo(signo int32) (uint64, error) {
	buf := make([]byte, 128)
	binary.LittleEndian.PutUint32(buf, uint32(signo))
	return m.mem.StackPushBytes(m.abi, buf)
}

// applyDefault implements §4.6 step 2.
func (m *Manager) applyDefault(proc ProcessOps, sourcePid int32, signo int32) error {
	tid := m.threads.Running()
	switch {
	case isSynchronous(signo):
		return &arionerrors.UnhandledSyncSignal{Signo: signo, Pid: sourcePid}
	case isStopSignal(signo):
		proc.SetStopped(true)
		return m.threads.SetStopped(tid, true)
	case signo == SIGCONT:
		proc.SetStopped(false)
		return m.threads.SetStopped(tid, false)
	case signo == SIGCHLD:
		if statusAddr, matches := proc.SigWaitMatches(signo, sourcePid); matches {
			if statusAddr != 0 {
				// The asynchronous delivery path always writes a zero
				// status word.
				buf := make([]byte, 4)
				binary.LittleEndian.PutUint32(buf, 0)
				if err := m.mem.Write(statusAddr, buf); err != nil {
					return err
				}
			}
			if err := m.abi.WriteArchReg(m.abi.Table().RetReg, uint64(uint32(sourcePid))); err != nil {
				return err
			}
			proc.RemoveChild(sourcePid)
			return m.threads.SetSigWaiting(tid, false)
		}
		return nil
	case isTerminatingDefault(signo):
		proc.SetStopped(true)
		return nil
	default:
		return nil
	}
}

// Sigreturn implements §4.6 sigreturn(): pops the saved ucontext
// registers captured at signal delivery.
func (m *Manager) Sigreturn() error {
	tid := m.threads.Running()
	saved, ok := m.saved[tid]
	if !ok {
		return fmt.Errorf("sig: no saved context for tid %d", tid)
	}
	delete(m.saved, tid)
	return m.abi.LoadRegs(saved.Regs)
}
