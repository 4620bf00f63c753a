// Package backend implements the Emulator Backend Adapter (§4.1): the only
// part of the core that talks to the external CPU emulator directly. It
// wraps Unicorn Engine (github.com/unicorn-engine/unicorn), grounded on
// other_examples' zboralski/galago emulator wrapper, which shows the same
// shape -- a struct embedding a uc.Unicorn handle, a hook table, and a stop
// flag -- generalized here to all five architectures the spec requires and
// to the narrow, typed-error capability surface §4.1 demands.
package backend

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/arionerrors"
)

// Perm mirrors the R|W|X protection bits used throughout the core.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

func (p Perm) ucProt() int {
	var prot int
	if p&PermRead != 0 {
		prot |= uc.PROT_READ
	}
	if p&PermWrite != 0 {
		prot |= uc.PROT_WRITE
	}
	if p&PermExec != 0 {
		prot |= uc.PROT_EXEC
	}
	return prot
}

// StopReason is the result of a run() call (§4.1).
type StopReason int

const (
	ReasonRequestedStop StopReason = iota
	ReasonHitEnd
	ReasonCyclesExhausted
	ReasonFault
)

func (r StopReason) String() string {
	switch r {
	case ReasonRequestedStop:
		return "requested_stop"
	case ReasonHitEnd:
		return "hit_end"
	case ReasonCyclesExhausted:
		return "cycles_exhausted"
	case ReasonFault:
		return "fault"
	default:
		return "unknown"
	}
}

// RunResult is returned by Run.
type RunResult struct {
	Reason StopReason
	Fault  abiinfo.CpuIntr
}

// HookKind enumerates every backend-installable hook kind from §3's Hook
// data model (the synthetic fork/execve/syscall kinds live one layer up,
// in the hooks package, since they have no backend counterpart).
type HookKind int

const (
	HookIntr HookKind = iota
	HookCode
	HookBlock
	HookMemRead
	HookMemWrite
	HookMemFetch
	HookMemReadUnmapped
	HookMemWriteUnmapped
	HookMemFetchUnmapped
	HookMemReadProt
	HookMemWriteProt
	HookMemFetchProt
	HookInvalidInsn
)

// Region describes one backend-visible mapped region (§4.1 regions()).
type Region struct {
	Start, End uint64
	Perm       Perm
}

// Engine is the minimal emulator capability interface the rest of the
// core depends on; Adapter below is its Unicorn-backed implementation, but
// every other package (memory, abiinfo, syscall) only ever sees this
// interface -- this is what keeps the core independent of the concrete
// emulator (§4.1's stated purpose).
type Engine interface {
	RegisterIO() abiinfo.RegisterIO

	Map(start, size uint64, perm Perm) error
	Unmap(start, size uint64) error
	Protect(start, size uint64, perm Perm) error
	Read(addr uint64, length uint64) ([]byte, error)
	Write(addr uint64, data []byte) error
	Regions() ([]Region, error)

	HookIntr(cb func(intNo uint32)) (uint64, error)
	HookCode(start, end uint64, cb func(addr uint64, size uint32)) (uint64, error)
	HookBlock(start, end uint64, cb func(addr uint64, size uint32)) (uint64, error)
	HookMem(kind HookKind, start, end uint64, cb func(op HookKind, addr uint64, size int, value int64)) (uint64, error)
	HookInvalidInsn(cb func() bool) (uint64, error)
	Uninstall(id uint64) error

	UseExits(bool)
	Run(start, end uint64, cyclesCap uint64) (RunResult, error)
	Stop() error

	Close() error
}

// ucArchMode translates our CPUArch into Unicorn's arch/mode pair.
func ucArchMode(arch abiinfo.CPUArch) (int, int, error) {
	switch arch {
	case abiinfo.X86:
		return uc.ARCH_X86, uc.MODE_32, nil
	case abiinfo.X86_64:
		return uc.ARCH_X86, uc.MODE_64, nil
	case abiinfo.ARM:
		return uc.ARCH_ARM, uc.MODE_ARM, nil
	case abiinfo.ARM64:
		return uc.ARCH_ARM64, uc.MODE_ARM, nil
	case abiinfo.PPC32:
		return uc.ARCH_PPC, uc.MODE_32 | uc.MODE_BIG_ENDIAN, nil
	default:
		return 0, 0, &arionerrors.UnsupportedCPUArch{Arch: arch.String()}
	}
}

// Adapter is the Unicorn-backed Engine. Every method returns a typed
// *arionerrors.BackendError on failure -- the adapter never panics, per
// §4.1's stated failure mode.
type Adapter struct {
	mu       uc.Unicorn
	arch     abiinfo.CPUArch
	useExits bool
	stopReq  bool
	hooks    map[uint64]ucHookHandle
	nextHook uint64
}

type ucHookHandle struct {
	ucHandle uc.Hook
}

// New opens a Unicorn instance for the given architecture (§4.1 "a single
// call returns a typed error; the adapter never panics").
func New(arch abiinfo.CPUArch) (*Adapter, error) {
	a, m, err := ucArchMode(arch)
	if err != nil {
		return nil, err
	}
	mu, err := uc.NewUnicorn(a, m)
	if err != nil {
		return nil, &arionerrors.BackendError{Op: arionerrors.OpOpen, Message: "unicorn open failed", Wrapped: err}
	}
	return &Adapter{mu: mu, arch: arch, hooks: make(map[uint64]ucHookHandle)}, nil
}

// RegisterIO adapts the Adapter to abiinfo.RegisterIO.
func (a *Adapter) RegisterIO() abiinfo.RegisterIO { return registerIO{a} }

type registerIO struct{ a *Adapter }

func (r registerIO) RegisterRead(backendID int) (uint64, error) {
	v, err := r.a.mu.RegRead(backendID)
	if err != nil {
		return 0, &arionerrors.BackendError{Op: arionerrors.OpReg, Message: fmt.Sprintf("read reg %d", backendID), Wrapped: err}
	}
	return uint64(v), nil
}

func (r registerIO) RegisterWrite(backendID int, value uint64) error {
	if err := r.a.mu.RegWrite(backendID, value); err != nil {
		return &arionerrors.BackendError{Op: arionerrors.OpReg, Message: fmt.Sprintf("write reg %d", backendID), Wrapped: err}
	}
	return nil
}

func (a *Adapter) Map(start, size uint64, perm Perm) error {
	if err := a.mu.MemMap(start, size); err != nil {
		return &arionerrors.BackendError{Op: arionerrors.OpMap, Message: "mem_map", Wrapped: err}
	}
	if err := a.mu.MemProtect(start, size, perm.ucProt()); err != nil {
		return &arionerrors.BackendError{Op: arionerrors.OpMap, Message: "mem_protect after map", Wrapped: err}
	}
	return nil
}

func (a *Adapter) Unmap(start, size uint64) error {
	if err := a.mu.MemUnmap(start, size); err != nil {
		return &arionerrors.BackendError{Op: arionerrors.OpUnmap, Message: "mem_unmap", Wrapped: err}
	}
	return nil
}

func (a *Adapter) Protect(start, size uint64, perm Perm) error {
	if err := a.mu.MemProtect(start, size, perm.ucProt()); err != nil {
		return &arionerrors.BackendError{Op: arionerrors.OpProtect, Message: "mem_protect", Wrapped: err}
	}
	return nil
}

func (a *Adapter) Read(addr uint64, length uint64) ([]byte, error) {
	buf, err := a.mu.MemRead(addr, length)
	if err != nil {
		return nil, &arionerrors.BackendError{Op: arionerrors.OpRead, Message: "mem_read", Wrapped: err}
	}
	return buf, nil
}

func (a *Adapter) Write(addr uint64, data []byte) error {
	if err := a.mu.MemWrite(addr, data); err != nil {
		return &arionerrors.BackendError{Op: arionerrors.OpWrite, Message: "mem_write", Wrapped: err}
	}
	return nil
}

func (a *Adapter) Regions() ([]Region, error) {
	regions, err := a.mu.MemRegions()
	if err != nil {
		return nil, &arionerrors.BackendError{Op: arionerrors.OpMap, Message: "mem_regions", Wrapped: err}
	}
	out := make([]Region, 0, len(regions))
	for _, r := range regions {
		var perm Perm
		if r.Prot&uc.PROT_READ != 0 {
			perm |= PermRead
		}
		if r.Prot&uc.PROT_WRITE != 0 {
			perm |= PermWrite
		}
		if r.Prot&uc.PROT_EXEC != 0 {
			perm |= PermExec
		}
		out = append(out, Region{Start: r.Begin, End: r.End + 1, Perm: perm})
	}
	return out, nil
}

func (a *Adapter) allocHookID() uint64 {
	a.nextHook++
	return a.nextHook
}

func (a *Adapter) HookIntr(cb func(intNo uint32)) (uint64, error) {
	h, err := a.mu.HookAdd(uc.HOOK_INTR, func(mu uc.Unicorn, intno uint32) {
		cb(intno)
	}, 1, 0)
	if err != nil {
		return 0, &arionerrors.BackendError{Op: arionerrors.OpHook, Message: "hook_add intr", Wrapped: err}
	}
	id := a.allocHookID()
	a.hooks[id] = ucHookHandle{h}
	return id, nil
}

func (a *Adapter) HookCode(start, end uint64, cb func(addr uint64, size uint32)) (uint64, error) {
	h, err := a.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		cb(addr, size)
	}, start, end)
	if err != nil {
		return 0, &arionerrors.BackendError{Op: arionerrors.OpHook, Message: "hook_add code", Wrapped: err}
	}
	id := a.allocHookID()
	a.hooks[id] = ucHookHandle{h}
	return id, nil
}

func (a *Adapter) HookBlock(start, end uint64, cb func(addr uint64, size uint32)) (uint64, error) {
	h, err := a.mu.HookAdd(uc.HOOK_BLOCK, func(mu uc.Unicorn, addr uint64, size uint32) {
		cb(addr, size)
	}, start, end)
	if err != nil {
		return 0, &arionerrors.BackendError{Op: arionerrors.OpHook, Message: "hook_add block", Wrapped: err}
	}
	id := a.allocHookID()
	a.hooks[id] = ucHookHandle{h}
	return id, nil
}

func (a *Adapter) hookKindToUC(kind HookKind) int {
	switch kind {
	case HookMemRead:
		return uc.HOOK_MEM_READ
	case HookMemWrite:
		return uc.HOOK_MEM_WRITE
	case HookMemFetch:
		return uc.HOOK_MEM_FETCH
	case HookMemReadUnmapped:
		return uc.HOOK_MEM_READ_UNMAPPED
	case HookMemWriteUnmapped:
		return uc.HOOK_MEM_WRITE_UNMAPPED
	case HookMemFetchUnmapped:
		return uc.HOOK_MEM_FETCH_UNMAPPED
	case HookMemReadProt:
		return uc.HOOK_MEM_READ_PROT
	case HookMemWriteProt:
		return uc.HOOK_MEM_WRITE_PROT
	case HookMemFetchProt:
		return uc.HOOK_MEM_FETCH_PROT
	default:
		return uc.HOOK_MEM_READ | uc.HOOK_MEM_WRITE
	}
}

func (a *Adapter) HookMem(kind HookKind, start, end uint64, cb func(op HookKind, addr uint64, size int, value int64)) (uint64, error) {
	h, err := a.mu.HookAdd(a.hookKindToUC(kind), func(mu uc.Unicorn, access int, addr uint64, size int, value int64) {
		cb(kind, addr, size, value)
	}, start, end)
	if err != nil {
		return 0, &arionerrors.BackendError{Op: arionerrors.OpHook, Message: "hook_add mem", Wrapped: err}
	}
	id := a.allocHookID()
	a.hooks[id] = ucHookHandle{h}
	return id, nil
}

func (a *Adapter) HookInvalidInsn(cb func() bool) (uint64, error) {
	h, err := a.mu.HookAdd(uc.HOOK_INSN_INVALID, func(mu uc.Unicorn) bool {
		return cb()
	}, 1, 0)
	if err != nil {
		return 0, &arionerrors.BackendError{Op: arionerrors.OpHook, Message: "hook_add invalid insn", Wrapped: err}
	}
	id := a.allocHookID()
	a.hooks[id] = ucHookHandle{h}
	return id, nil
}

func (a *Adapter) Uninstall(id uint64) error {
	h, ok := a.hooks[id]
	if !ok {
		return &arionerrors.WrongHookID{HookID: id}
	}
	if err := a.mu.HookDel(h.ucHandle); err != nil {
		return &arionerrors.BackendError{Op: arionerrors.OpHook, Message: "hook_del", Wrapped: err}
	}
	delete(a.hooks, id)
	return nil
}

func (a *Adapter) UseExits(v bool) { a.useExits = v }

func (a *Adapter) Run(start, end uint64, cyclesCap uint64) (RunResult, error) {
	a.stopReq = false
	runEnd := end
	if !a.useExits {
		runEnd = 0
	}
	err := a.mu.StartWithOptions(start, runEnd, &uc.UcOptions{Count: cyclesCap})
	if err != nil {
		if a.stopReq {
			return RunResult{Reason: ReasonRequestedStop}, nil
		}
		res := RunResult{}
		if intr, ok := faultKind(err); ok {
			res = RunResult{Reason: ReasonFault, Fault: intr}
		}
		return res, &arionerrors.BackendError{Op: arionerrors.OpRun, Message: "emu_start", Wrapped: err}
	}
	if a.stopReq {
		return RunResult{Reason: ReasonRequestedStop}, nil
	}
	if cyclesCap > 0 {
		return RunResult{Reason: ReasonCyclesExhausted}, nil
	}
	return RunResult{Reason: ReasonHitEnd}, nil
}

// faultKind classifies a Unicorn run error as a guest-visible CPU fault
// category, backing RunResult's fault(kind) stop reason. Errors that are
// not guest faults (bad arguments, OOM) report no category.
func faultKind(err error) (abiinfo.CpuIntr, bool) {
	uerr, ok := err.(uc.UcError)
	if !ok {
		return abiinfo.IntrUnknown, false
	}
	switch uerr {
	case uc.ERR_READ_UNMAPPED, uc.ERR_WRITE_UNMAPPED, uc.ERR_FETCH_UNMAPPED,
		uc.ERR_READ_PROT, uc.ERR_WRITE_PROT, uc.ERR_FETCH_PROT:
		return abiinfo.IntrPageFault, true
	case uc.ERR_INSN_INVALID:
		return abiinfo.IntrInvalidOpcode, true
	case uc.ERR_EXCEPTION:
		return abiinfo.IntrUnknown, true
	default:
		return abiinfo.IntrUnknown, false
	}
}

func (a *Adapter) Stop() error {
	a.stopReq = true
	if err := a.mu.Stop(); err != nil {
		return &arionerrors.BackendError{Op: arionerrors.OpStop, Message: "emu_stop", Wrapped: err}
	}
	return nil
}

func (a *Adapter) Close() error {
	if err := a.mu.Close(); err != nil {
		return &arionerrors.BackendError{Op: arionerrors.OpCtl, Message: "close", Wrapped: err}
	}
	return nil
}

var _ Engine = (*Adapter)(nil)
