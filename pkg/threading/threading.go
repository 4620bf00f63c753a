// Package threading implements the Threading Manager (§4.5): a
// single-threaded cooperative scheduler over a per-process guest thread
// table, futex wait-queues, and the TLS conventions cloning requires.
// Grounded on the teacher's own task-table bookkeeping style seen in the
// other_examples gVisor forks' task_run.go/task_start.go (a table keyed by
// id with a recycling free-list and an explicit "current" pointer), here
// generalized to recycled tids and a round-robin successor search instead
// of a host-thread-backed scheduler.
package threading

import (
	"encoding/binary"
	"sort"

	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/arionerrors"
	"github.com/arion-emu/arion/pkg/memory"
)

// Clone flags this manager interprets; values match Linux's <sched.h>.
const (
	CloneVM            = 0x00000100
	CloneThread        = 0x00010000
	CloneSetTLS        = 0x00080000
	CloneChildSetTID   = 0x01000000
	CloneParentSetTID  = 0x00100000
	CloneChildClearTID = 0x00200000
)

// Rseq is the restartable-sequence descriptor from §3's Thread entry.
type Rseq struct {
	Addr, Len uint64
	Sig       uint32
}

// Thread is the §3 "ARION_THREAD" data model entry.
type Thread struct {
	Tid            uint64
	Tgid           uint64
	ExitSignal     int32
	CloneFlags     uint64
	ChildTidAddr   uint64
	ParentTidAddr  uint64
	SavedRegs      map[string]uint64
	SavedTLS       *uint64
	Paused         bool
	FutexWaitAddr  *uint64
	RobustListHead uint64
	Rseq           Rseq

	SigWaiting bool
	Stopped    bool
}

// futexWaiter is one entry in a per-address wait-queue (§3 "Futex Entry").
type futexWaiter struct {
	tid     uint64
	bitmask uint32
}

// ProcessState is the narrow slice of process-level state the threading
// manager needs to decide is_curr_locked without importing the process
// package (which itself depends on threading) -- avoids an import cycle.
type ProcessState interface {
	Stopped() bool
	Zombie() bool
}

// Manager is the Threading Manager (§4.5), scoped to one process.
type Manager struct {
	abi     *abiinfo.Manager
	mem     *memory.Manager
	proc    ProcessState
	threads map[uint64]*Thread
	order   []uint64 // stable tid insertion order for round-robin
	free    []uint64
	nextTid uint64
	running uint64
	syncReq bool
	futexes map[uint64][]futexWaiter
}

// New constructs a Threading Manager for one process.
func New(abi *abiinfo.Manager, mem *memory.Manager, proc ProcessState) *Manager {
	return &Manager{
		abi:     abi,
		mem:     mem,
		proc:    proc,
		threads: make(map[uint64]*Thread),
		nextTid: 1,
		futexes: make(map[uint64][]futexWaiter),
	}
}

// allocTid returns the smallest never-used tid if the free-list is empty,
// otherwise pops the free-list (§3 "TIDs are recycled via a free-list").
func (m *Manager) allocTid() uint64 {
	if len(m.free) > 0 {
		sort.Slice(m.free, func(i, j int) bool { return m.free[i] < m.free[j] })
		tid := m.free[0]
		m.free = m.free[1:]
		return tid
	}
	tid := m.nextTid
	m.nextTid++
	return tid
}

// AddThread inserts an already-constructed thread, assigning it a tid if
// one was not already set (tid==0), and returns the assigned tid.
func (m *Manager) AddThread(t *Thread) uint64 {
	if t.Tid == 0 {
		t.Tid = m.allocTid()
	}
	if t.SavedRegs == nil {
		t.SavedRegs = make(map[string]uint64)
	}
	m.threads[t.Tid] = t
	m.order = append(m.order, t.Tid)
	if m.running == 0 {
		m.running = t.Tid
	}
	return t.Tid
}

// RemoveThread removes tid from the table, recycling its id. Removing the
// running thread switches to the next one first (§4.5).
func (m *Manager) RemoveThread(tid uint64) error {
	if _, ok := m.threads[tid]; !ok {
		return &arionerrors.WrongThreadID{Tid: tid}
	}
	if tid == m.running && len(m.threads) > 1 {
		if err := m.SwitchToNextThread(); err != nil {
			return err
		}
	}
	delete(m.threads, tid)
	for i, id := range m.order {
		if id == tid {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.free = append(m.free, tid)
	if m.running == tid {
		m.running = 0
	}
	return nil
}

// Running returns the currently scheduled tid.
func (m *Manager) Running() uint64 { return m.running }

// Thread looks up a thread by tid.
func (m *Manager) Thread(tid uint64) (*Thread, bool) {
	t, ok := m.threads[tid]
	return t, ok
}

// Threads returns every thread in stable order.
func (m *Manager) Threads() []*Thread {
	out := make([]*Thread, 0, len(m.order))
	for _, tid := range m.order {
		out = append(out, m.threads[tid])
	}
	return out
}

// Count returns the number of live threads.
func (m *Manager) Count() int { return len(m.threads) }

func tlsWriteSize(abi *abiinfo.Manager) int { return abi.Table().PtrSizeBytes }

// CloneThread creates a child thread per clone(2) semantics, writing the
// child's initial register map via init_thread_regs, honoring the
// architecture's TLS convention, and writing back child/parent tid when
// requested (§4.5).
func (m *Manager) CloneThread(flags uint64, newSP, newTLS uint64, childTidAddr, parentTidAddr uint64, exitSignal int32) (uint64, error) {
	var tlsPtr *uint64
	if flags&CloneSetTLS != 0 {
		tlsPtr = &newTLS
	}

	pc, err := m.abi.ReadArchReg(m.abi.Table().PC)
	if err != nil {
		return 0, err
	}
	regs, err := m.abi.InitThreadRegs(pc, newSP, tlsPtr)
	if err != nil {
		return 0, err
	}

	child := &Thread{
		Tgid:          0,
		ExitSignal:    exitSignal,
		CloneFlags:    flags,
		ChildTidAddr:  childTidAddr,
		ParentTidAddr: parentTidAddr,
		SavedRegs:     regs,
	}
	if flags&CloneThread != 0 {
		if running, ok := m.threads[m.running]; ok {
			child.Tgid = running.Tgid
		}
	}
	tid := m.AddThread(child)
	if child.Tgid == 0 {
		child.Tgid = tid
	}

	ptrSize := tlsWriteSize(m.abi)
	buf := make([]byte, ptrSize)
	writeTid := func(addr uint64, v uint64) error {
		if ptrSize == 8 {
			binary.LittleEndian.PutUint64(buf, v)
		} else {
			binary.LittleEndian.PutUint32(buf, uint32(v))
		}
		return m.mem.Write(addr, buf)
	}
	if flags&CloneChildSetTID != 0 && childTidAddr != 0 {
		if err := writeTid(childTidAddr, tid); err != nil {
			return 0, err
		}
	}
	if flags&CloneParentSetTID != 0 && parentTidAddr != 0 {
		if err := writeTid(parentTidAddr, tid); err != nil {
			return 0, err
		}
	}
	return tid, nil
}

// SwitchToThread saves the current registers to the current thread and
// loads tid's saved map (§4.5).
func (m *Manager) SwitchToThread(tid uint64) error {
	target, ok := m.threads[tid]
	if !ok {
		return &arionerrors.WrongThreadID{Tid: tid}
	}
	if m.running != 0 {
		if cur, ok := m.threads[m.running]; ok {
			regs, err := m.abi.DumpRegs()
			if err != nil {
				return err
			}
			cur.SavedRegs = regs
		}
	}
	if err := m.abi.LoadRegs(target.SavedRegs); err != nil {
		return err
	}
	m.running = tid
	return nil
}

// SwitchToNextThread performs a stable round-robin starting from the
// successor of the current tid (§4.5).
func (m *Manager) SwitchToNextThread() error {
	if len(m.order) == 0 {
		return &arionerrors.WrongThreadID{Tid: 0}
	}
	idx := -1
	for i, tid := range m.order {
		if tid == m.running {
			idx = i
			break
		}
	}
	n := len(m.order)
	for i := 1; i <= n; i++ {
		next := m.order[(idx+i)%n]
		return m.SwitchToThread(next)
	}
	return &arionerrors.WrongThreadID{Tid: m.running}
}

// IsCurrLocked reports whether the running thread is blocked: stopped,
// futex-waiting, sig-waiting, or its owning process is stopped/zombie
// (§4.5). The Process run loop consults this every iteration.
func (m *Manager) IsCurrLocked() bool {
	if m.proc != nil && (m.proc.Stopped() || m.proc.Zombie()) {
		return true
	}
	t, ok := m.threads[m.running]
	if !ok {
		return true
	}
	return t.Paused || t.Stopped || t.SigWaiting
}

// SetStopped/SetSigWaiting mark the running thread's blocking reasons;
// used by the Signal Manager.
func (m *Manager) SetStopped(tid uint64, v bool) error {
	t, ok := m.threads[tid]
	if !ok {
		return &arionerrors.WrongThreadID{Tid: tid}
	}
	t.Stopped = v
	return nil
}

func (m *Manager) SetSigWaiting(tid uint64, v bool) error {
	t, ok := m.threads[tid]
	if !ok {
		return &arionerrors.WrongThreadID{Tid: tid}
	}
	if v && t.SigWaiting {
		return &arionerrors.ThreadAlreadySigWaiting{Tid: tid}
	}
	t.SigWaiting = v
	return nil
}

// RequestSync sets the cooperative "reconsider eligible threads" flag,
// the shared primitive driving both futex wake and Process.sync_threads.
func (m *Manager) RequestSync() { m.syncReq = true }

// ConsumeSync reports and clears the sync request.
func (m *Manager) ConsumeSync() bool {
	v := m.syncReq
	m.syncReq = false
	return v
}

// ---- Futex protocol (§4.5, subset of Linux) ----

// FutexWait implements FUTEX_WAIT[_BITSET]: if *uaddr != expected, EAGAIN;
// else the thread is appended to the wait-queue and marked paused.
func (m *Manager) FutexWait(tid uint64, uaddr uint64, expected uint32, bitmask uint32) error {
	t, ok := m.threads[tid]
	if !ok {
		return &arionerrors.WrongThreadID{Tid: tid}
	}
	buf, err := m.mem.Read(uaddr, 4)
	if err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(buf) != expected {
		return errEAGAIN
	}
	m.futexes[uaddr] = append(m.futexes[uaddr], futexWaiter{tid: tid, bitmask: bitmask})
	t.Paused = true
	addr := uaddr
	t.FutexWaitAddr = &addr
	return nil
}

// FutexWake implements FUTEX_WAKE[_BITSET]: every waiter whose stored
// bitmask intersects the requested one is unpaused; the rest are kept.
// Returns the count woken and requests a cooperative resync (§4.5).
func (m *Manager) FutexWake(uaddr uint64, bitmask uint32) int {
	waiters := m.futexes[uaddr]
	if len(waiters) == 0 {
		return 0
	}
	var kept []futexWaiter
	woken := 0
	for _, w := range waiters {
		if w.bitmask&bitmask != 0 {
			if t, ok := m.threads[w.tid]; ok {
				t.Paused = false
				t.FutexWaitAddr = nil
			}
			woken++
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		delete(m.futexes, uaddr)
	} else {
		m.futexes[uaddr] = kept
	}
	m.RequestSync()
	return woken
}

// errEAGAIN is the sentinel FutexWait returns on a mismatched value; the
// Syscall Manager translates it to -EAGAIN.
var errEAGAIN = &arionerrors.InvalidArgument{Msg: "futex: value mismatch (EAGAIN)"}

// ErrEAGAIN exposes the sentinel for callers that need to recognize it
// without string-matching.
func ErrEAGAIN() error { return errEAGAIN }

// FutexEntry is the exported, flattened form of the internal wait-queue,
// used by the Context Manager to snapshot/restore futex state (§3, §4.7).
type FutexEntry struct {
	Addr    uint64
	Bitmask uint32
	Tid     uint64
}

// Futexes flattens every wait-queue into the §3 "Futex Entry" shape.
func (m *Manager) Futexes() []FutexEntry {
	var out []FutexEntry
	for addr, waiters := range m.futexes {
		for _, w := range waiters {
			out = append(out, FutexEntry{Addr: addr, Bitmask: w.bitmask, Tid: w.tid})
		}
	}
	return out
}

// SetFutexes replaces every wait-queue wholesale and marks each named tid
// paused, used by full context restore (§4.7).
func (m *Manager) SetFutexes(entries []FutexEntry) {
	m.futexes = make(map[uint64][]futexWaiter)
	for _, e := range entries {
		m.futexes[e.Addr] = append(m.futexes[e.Addr], futexWaiter{tid: e.Tid, bitmask: e.Bitmask})
		if t, ok := m.threads[e.Tid]; ok {
			t.Paused = true
			addr := e.Addr
			t.FutexWaitAddr = &addr
		}
	}
}

// ResetThreads clears the thread table entirely (used by full context
// restore before repopulating it) without touching futex state.
func (m *Manager) ResetThreads() {
	m.threads = make(map[uint64]*Thread)
	m.order = nil
	m.free = nil
	m.nextTid = 1
	m.running = 0
}

// SetRunning forces the running tid without a register save/load cycle,
// used by context restore once registers have already been loaded
// directly from the snapshot.
func (m *Manager) SetRunning(tid uint64) { m.running = tid }
