// Package hooks implements the Hook Manager (§4.4): it unifies the
// backend-provided hook kinds with the synthetic fork/execve/syscall
// events the core itself fires, in a single process-local, recycled-id
// table. Grounded on the same callback-registration shape the teacher uses
// for its own unimplemented-syscall event emitter
// (pkg/sentry/unimpl/events.go): a typed callback table keyed by a small
// integer id, dispatched through a single Emit-like entry point.
package hooks

import (
	"fmt"

	"github.com/arion-emu/arion/pkg/arionerrors"
	"github.com/arion-emu/arion/pkg/backend"
)

// Kind enumerates every hook variety from §3's data model, including the
// three kinds ("edge", "tcg", "tlb") the spec calls "emulator-specific" --
// Unicorn, this backend's concrete emulator, has no primitive for them, so
// they are accepted and tracked (so a caller can still register and later
// unhook one without a special case) but never fire, and they carry no
// backend id, exactly like the synthetic kinds.
type Kind int

const (
	KindIntr Kind = iota
	KindInsn
	KindCode
	KindBlock
	KindMemRead
	KindMemWrite
	KindMemFetch
	KindMemReadUnmapped
	KindMemWriteUnmapped
	KindMemFetchUnmapped
	KindMemReadProt
	KindMemWriteProt
	KindMemFetchProt
	KindEdge
	KindTCG
	KindTLB
	KindInvalidInsn
	KindFork
	KindExecve
	KindSyscall
)

func (k Kind) String() string {
	names := [...]string{
		"intr", "insn", "code", "block",
		"mem_read", "mem_write", "mem_fetch",
		"mem_read_unmapped", "mem_write_unmapped", "mem_fetch_unmapped",
		"mem_read_prot", "mem_write_prot", "mem_fetch_prot",
		"edge", "tcg", "tlb", "invalid_insn",
		"fork", "execve", "syscall",
	}
	if int(k) < 0 || int(k) >= len(names) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return names[k]
}

// hasBackendCounterpart reports whether this kind installs on the backend
// at all (§8 testable property: "a backend id exists iff the kind has a
// backend counterpart").
func (k Kind) hasBackendCounterpart() bool {
	switch k {
	case KindInsn, KindEdge, KindTCG, KindTLB, KindFork, KindExecve, KindSyscall:
		return false
	default:
		return true
	}
}

func (k Kind) isSynthetic() bool {
	switch k {
	case KindFork, KindExecve, KindSyscall:
		return true
	default:
		return false
	}
}

// CrashRecorder receives an error escaping a callback so the run loop can
// turn it into a graceful stop instead of losing or panicking on it
// (§4.4, §7's crash() capture).
type CrashRecorder interface {
	Crash(err error)
}

// Callback is the union of every arity a hook kind may invoke. Exactly one
// field is meaningful for a given registration, selected by Kind; a
// mismatch between Kind and the populated field is a programmer error
// caught at registration time, per "callback arity is checked against the
// kind at invocation and mismatches are a hard error."
type Callback struct {
	None         func(userData any)
	Intr         func(intNo uint32, userData any)
	AddrSize     func(addr uint64, size uint32, userData any)
	MemEvent     func(op backend.HookKind, addr uint64, size int, value int64, userData any)
	InvalidInsn  func(userData any) bool
	Fork         func(child any, userData any)
	Execve       func(newProcess any, userData any)
	Syscall      func(name string, args []uint64, userData any)
}

func (c Callback) arityFor(k Kind) bool {
	switch k {
	case KindIntr:
		return c.Intr != nil
	case KindInsn, KindCode, KindBlock:
		return c.AddrSize != nil
	case KindMemRead, KindMemWrite, KindMemFetch,
		KindMemReadUnmapped, KindMemWriteUnmapped, KindMemFetchUnmapped,
		KindMemReadProt, KindMemWriteProt, KindMemFetchProt:
		return c.MemEvent != nil
	case KindEdge, KindTCG, KindTLB:
		return c.None != nil
	case KindInvalidInsn:
		return c.InvalidInsn != nil
	case KindFork:
		return c.Fork != nil
	case KindExecve:
		return c.Execve != nil
	case KindSyscall:
		return c.Syscall != nil
	default:
		return false
	}
}

// entry is the process-local hook table row: (kind, backend id, callback,
// user data) from §3's data model.
type entry struct {
	kind      Kind
	backendID uint64
	hasBE     bool
	cb        Callback
	userData  any
}

// Manager is the Hook Manager (§4.4), scoped to one process.
type Manager struct {
	engine  backend.Engine
	crasher CrashRecorder
	entries map[uint64]*entry
	free    []uint64
	nextID  uint64
}

// New constructs a Hook Manager over the given backend engine; crasher
// receives any error a callback panics/returns with, per §4.4's "never
// lost and never silently swallowed" requirement.
func New(engine backend.Engine, crasher CrashRecorder) *Manager {
	return &Manager{engine: engine, crasher: crasher, entries: make(map[uint64]*entry)}
}

// allocID recycles released hook ids before minting fresh ones, per §3
// "hook ids are process-local, recycled via a free-list."
func (m *Manager) allocID() uint64 {
	if n := len(m.free); n > 0 {
		id := m.free[n-1]
		m.free = m.free[:n-1]
		return id
	}
	m.nextID++
	return m.nextID
}

func (m *Manager) recoverInto() {
	if r := recover(); r != nil {
		if m.crasher != nil {
			m.crasher.Crash(fmt.Errorf("hook callback panic: %v", r))
		}
	}
}

// HookIntr installs (or, for kinds without a backend counterpart, merely
// registers) an interrupt hook.
func (m *Manager) HookIntr(cb Callback, userData any) (uint64, error) {
	return m.installBackend(KindIntr, cb, userData, func() (uint64, error) {
		return m.engine.HookIntr(func(intNo uint32) {
			defer m.recoverInto()
			cb.Intr(intNo, userData)
		})
	})
}

// HookCode installs an instruction-by-instruction hook over [start, end).
func (m *Manager) HookCode(start, end uint64, cb Callback, userData any) (uint64, error) {
	return m.installBackend(KindCode, cb, userData, func() (uint64, error) {
		return m.engine.HookCode(start, end, func(addr uint64, size uint32) {
			defer m.recoverInto()
			cb.AddrSize(addr, size, userData)
		})
	})
}

// HookBlock installs a basic-block hook over [start, end).
func (m *Manager) HookBlock(start, end uint64, cb Callback, userData any) (uint64, error) {
	return m.installBackend(KindBlock, cb, userData, func() (uint64, error) {
		return m.engine.HookBlock(start, end, func(addr uint64, size uint32) {
			defer m.recoverInto()
			cb.AddrSize(addr, size, userData)
		})
	})
}

// HookAddr is syntactic sugar for HookCode(addr, addr, ...) (§4.4).
func (m *Manager) HookAddr(addr uint64, cb Callback, userData any) (uint64, error) {
	return m.HookCode(addr, addr, cb, userData)
}

func (m *Manager) memKind(k Kind) backend.HookKind {
	switch k {
	case KindMemRead:
		return backend.HookMemRead
	case KindMemWrite:
		return backend.HookMemWrite
	case KindMemFetch:
		return backend.HookMemFetch
	case KindMemReadUnmapped:
		return backend.HookMemReadUnmapped
	case KindMemWriteUnmapped:
		return backend.HookMemWriteUnmapped
	case KindMemFetchUnmapped:
		return backend.HookMemFetchUnmapped
	case KindMemReadProt:
		return backend.HookMemReadProt
	case KindMemWriteProt:
		return backend.HookMemWriteProt
	default:
		return backend.HookMemFetchProt
	}
}

// HookMem installs one of the nine mem_* variants over [start, end).
func (m *Manager) HookMem(kind Kind, start, end uint64, cb Callback, userData any) (uint64, error) {
	return m.installBackend(kind, cb, userData, func() (uint64, error) {
		return m.engine.HookMem(m.memKind(kind), start, end, func(op backend.HookKind, addr uint64, size int, value int64) {
			defer m.recoverInto()
			cb.MemEvent(op, addr, size, value, userData)
		})
	})
}

// HookInvalidInsn installs the invalid-instruction hook; its callback
// returns whether the fault was "handled" (backend convention for
// resuming execution).
func (m *Manager) HookInvalidInsn(cb Callback, userData any) (uint64, error) {
	return m.installBackend(KindInvalidInsn, cb, userData, func() (uint64, error) {
		return m.engine.HookInvalidInsn(func() (handled bool) {
			defer func() {
				if r := recover(); r != nil {
					if m.crasher != nil {
						m.crasher.Crash(fmt.Errorf("hook callback panic: %v", r))
					}
					handled = false
				}
			}()
			return cb.InvalidInsn(userData)
		})
	})
}

// HookInsn registers a per-instruction hook. Unicorn exposes only
// block-granularity and full-range code hooks, not single-instruction
// ones distinct from HookCode, so this is tracked like the backend-less
// kinds below rather than installed on the engine; callers wanting actual
// per-instruction callbacks should use HookCode with start==end.
func (m *Manager) HookInsn(cb Callback, userData any) (uint64, error) {
	return m.installSynthetic(KindInsn, cb, userData)
}

// HookEdge/HookTCG/HookTLB register the three backend-less "emulator
// specific" kinds: tracked for bookkeeping and unhook symmetry, never
// fired by this backend (see Kind's doc comment).
func (m *Manager) HookEdge(cb Callback, userData any) (uint64, error) {
	return m.installSynthetic(KindEdge, cb, userData)
}

func (m *Manager) HookTCG(cb Callback, userData any) (uint64, error) {
	return m.installSynthetic(KindTCG, cb, userData)
}

func (m *Manager) HookTLB(cb Callback, userData any) (uint64, error) {
	return m.installSynthetic(KindTLB, cb, userData)
}

// HookFork/HookExecve/HookSyscall register the synthetic hooks fired by
// the core itself at fork/execve/syscall points (§4.4, §6).
func (m *Manager) HookFork(cb Callback, userData any) (uint64, error) {
	return m.installSynthetic(KindFork, cb, userData)
}

func (m *Manager) HookExecve(cb Callback, userData any) (uint64, error) {
	return m.installSynthetic(KindExecve, cb, userData)
}

func (m *Manager) HookSyscall(cb Callback, userData any) (uint64, error) {
	return m.installSynthetic(KindSyscall, cb, userData)
}

func (m *Manager) installSynthetic(kind Kind, cb Callback, userData any) (uint64, error) {
	if !cb.arityFor(kind) {
		return 0, &arionerrors.InvalidArgument{Msg: fmt.Sprintf("hooks: callback arity mismatch for kind %v", kind)}
	}
	id := m.allocID()
	m.entries[id] = &entry{kind: kind, cb: cb, userData: userData}
	return id, nil
}

func (m *Manager) installBackend(kind Kind, cb Callback, userData any, install func() (uint64, error)) (uint64, error) {
	if !cb.arityFor(kind) {
		return 0, &arionerrors.InvalidArgument{Msg: fmt.Sprintf("hooks: callback arity mismatch for kind %v", kind)}
	}
	backendID, err := install()
	if err != nil {
		return 0, err
	}
	id := m.allocID()
	m.entries[id] = &entry{kind: kind, backendID: backendID, hasBE: true, cb: cb, userData: userData}
	return id, nil
}

// Unhook removes from the backend (if applicable) and releases the id.
func (m *Manager) Unhook(hookID uint64) error {
	e, ok := m.entries[hookID]
	if !ok {
		return &arionerrors.WrongHookID{HookID: hookID}
	}
	if e.hasBE {
		if err := m.engine.Uninstall(e.backendID); err != nil {
			return err
		}
	}
	delete(m.entries, hookID)
	m.free = append(m.free, hookID)
	return nil
}

// UnhookAll removes every registered hook, backend-installed or synthetic.
// execve rebuilds a process's image in place over the same engine and
// hook table (§4.8), so the loader calls this before re-arming its
// syscall-trap hook to avoid accumulating one copy per exec.
func (m *Manager) UnhookAll() error {
	for id, e := range m.entries {
		if e.hasBE {
			if err := m.engine.Uninstall(e.backendID); err != nil {
				return err
			}
		}
		delete(m.entries, id)
		m.free = append(m.free, id)
	}
	return nil
}

// HasBackendID reports whether hookID currently has a live backend
// counterpart (§8 testable property).
func (m *Manager) HasBackendID(hookID uint64) (bool, error) {
	e, ok := m.entries[hookID]
	if !ok {
		return false, &arionerrors.WrongHookID{HookID: hookID}
	}
	return e.hasBE, nil
}

// TriggerFork fires every registered fork hook, called by the core at
// fork/clone points (§4.4, §6).
func (m *Manager) TriggerFork(child any) {
	for _, e := range m.entries {
		if e.kind != KindFork {
			continue
		}
		m.safeCall(func() { e.cb.Fork(child, e.userData) })
	}
}

// TriggerExecve fires every registered execve hook.
func (m *Manager) TriggerExecve(newProcess any) {
	for _, e := range m.entries {
		if e.kind != KindExecve {
			continue
		}
		m.safeCall(func() { e.cb.Execve(newProcess, e.userData) })
	}
}

// TriggerSyscall fires every registered syscall hook with the decoded name
// and arguments (§4.8 step 6).
func (m *Manager) TriggerSyscall(name string, args []uint64) {
	for _, e := range m.entries {
		if e.kind != KindSyscall {
			continue
		}
		m.safeCall(func() { e.cb.Syscall(name, args, e.userData) })
	}
}

func (m *Manager) safeCall(f func()) {
	defer m.recoverInto()
	f()
}

// Entries exposes a snapshot of the hook table, used by the Context
// Manager and introspection clients.
func (m *Manager) Entries() map[uint64]Kind {
	out := make(map[uint64]Kind, len(m.entries))
	for id, e := range m.entries {
		out[id] = e.kind
	}
	return out
}
