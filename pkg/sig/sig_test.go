package sig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/backend"
	"github.com/arion-emu/arion/pkg/memory"
)

type fakeRegIO struct{ regs map[int]uint64 }

func newFakeRegIO() *fakeRegIO { return &fakeRegIO{regs: make(map[int]uint64)} }

func (f *fakeRegIO) RegisterRead(id int) (uint64, error)  { return f.regs[id], nil }
func (f *fakeRegIO) RegisterWrite(id int, v uint64) error { f.regs[id] = v; return nil }

type fakeEngine struct {
	io  *fakeRegIO
	mem map[uint64]byte
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{io: newFakeRegIO(), mem: make(map[uint64]byte)}
}

func (f *fakeEngine) RegisterIO() abiinfo.RegisterIO                      { return f.io }
func (f *fakeEngine) Map(start, size uint64, perm backend.Perm) error     { return nil }
func (f *fakeEngine) Unmap(start, size uint64) error                     { return nil }
func (f *fakeEngine) Protect(start, size uint64, perm backend.Perm) error { return nil }
func (f *fakeEngine) Read(addr, length uint64) ([]byte, error) {
	out := make([]byte, length)
	for i := range out {
		out[i] = f.mem[addr+uint64(i)]
	}
	return out, nil
}
func (f *fakeEngine) Write(addr uint64, data []byte) error {
	for i, b := range data {
		f.mem[addr+uint64(i)] = b
	}
	return nil
}
func (f *fakeEngine) Regions() ([]backend.Region, error) { return nil, nil }
func (f *fakeEngine) HookIntr(cb func(intNo uint32)) (uint64, error) { return 0, nil }
func (f *fakeEngine) HookCode(start, end uint64, cb func(addr uint64, size uint32)) (uint64, error) {
	return 0, nil
}
func (f *fakeEngine) HookBlock(start, end uint64, cb func(addr uint64, size uint32)) (uint64, error) {
	return 0, nil
}
func (f *fakeEngine) HookMem(kind backend.HookKind, start, end uint64, cb func(op backend.HookKind, addr uint64, size int, value int64)) (uint64, error) {
	return 0, nil
}
func (f *fakeEngine) HookInvalidInsn(cb func() bool) (uint64, error) { return 0, nil }
func (f *fakeEngine) Uninstall(id uint64) error                      { return nil }
func (f *fakeEngine) UseExits(bool)                                  {}
func (f *fakeEngine) Run(start, end uint64, cyclesCap uint64) (backend.RunResult, error) {
	return backend.RunResult{}, nil
}
func (f *fakeEngine) Stop() error  { return nil }
func (f *fakeEngine) Close() error { return nil }

type fakeThreadOps struct {
	running    uint64
	stopped    map[uint64]bool
	sigWaiting map[uint64]bool
}

func newFakeThreadOps() *fakeThreadOps {
	return &fakeThreadOps{stopped: make(map[uint64]bool), sigWaiting: make(map[uint64]bool)}
}

func (f *fakeThreadOps) Running() uint64 { return f.running }
func (f *fakeThreadOps) SetStopped(tid uint64, v bool) error {
	f.stopped[tid] = v
	return nil
}
func (f *fakeThreadOps) SetSigWaiting(tid uint64, v bool) error {
	f.sigWaiting[tid] = v
	return nil
}

type fakeProcessOps struct {
	stopped       bool
	removedChild  int32
	waitMatches   bool
	waitStatusPtr uint64
}

func (f *fakeProcessOps) SetStopped(v bool)     { f.stopped = v }
func (f *fakeProcessOps) RemoveChild(pid int32) { f.removedChild = pid }
func (f *fakeProcessOps) SigWaitMatches(signo int32, sourcePid int32) (uint64, bool) {
	return f.waitStatusPtr, f.waitMatches
}

func newTestManager(t *testing.T, installer HookInstaller) (*Manager, *abiinfo.Manager, *fakeThreadOps, *memory.Manager) {
	t.Helper()
	engine := newFakeEngine()
	abi, err := abiinfo.Init(engine.RegisterIO(), abiinfo.X86_64)
	require.NoError(t, err)
	mem := memory.New(engine)
	_, err = mem.Map(0xf000, memory.PageSize, backend.PermRead|backend.PermWrite, "stack")
	require.NoError(t, err)
	require.NoError(t, abi.WriteArchReg(abi.Table().SP, 0xf000+memory.PageSize-0x100))

	threads := newFakeThreadOps()
	mgr := New(abi, mem, threads, installer)
	return mgr, abi, threads, mem
}

func TestHandleSignalWithNoHandlerAppliesDefault(t *testing.T) {
	mgr, _, threads, _ := newTestManager(t, nil)
	proc := &fakeProcessOps{}

	require.NoError(t, mgr.HandleSignal(proc, 1, SIGSTOP))
	assert.True(t, proc.stopped)
	assert.True(t, threads.stopped[0])
}

func TestHandleSignalSynchronousWithNoHandlerErrors(t *testing.T) {
	mgr, _, _, _ := newTestManager(t, nil)
	proc := &fakeProcessOps{}

	err := mgr.HandleSignal(proc, 1, SIGSEGV)
	assert.Error(t, err)
}

func TestHandleSignalSigContClearsStopped(t *testing.T) {
	mgr, _, threads, _ := newTestManager(t, nil)
	proc := &fakeProcessOps{stopped: true}
	threads.stopped[0] = true

	require.NoError(t, mgr.HandleSignal(proc, 1, SIGCONT))
	assert.False(t, proc.stopped)
	assert.False(t, threads.stopped[0])
}

func TestHandleSignalSigChldMatchingWritesZeroStatusAndClearsWait(t *testing.T) {
	mgr, abi, threads, mem := newTestManager(t, nil)
	proc := &fakeProcessOps{waitMatches: true, waitStatusPtr: 0xf000}
	threads.sigWaiting[0] = true

	// Pre-fill the status word: the delivery path must overwrite it with 0.
	require.NoError(t, mem.Write(0xf000, []byte{0xff, 0xff, 0xff, 0xff}))

	require.NoError(t, mgr.HandleSignal(proc, 5, SIGCHLD))

	status, err := mem.Read(0xf000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, status)

	ret, err := abi.ReadArchReg(abi.Table().RetReg)
	require.NoError(t, err)
	assert.EqualValues(t, 5, ret)
	assert.Equal(t, int32(5), proc.removedChild)
	assert.False(t, threads.sigWaiting[0])
}

func TestHandleSignalDeliversToInstalledHandlerAndRedirectsPC(t *testing.T) {
	mgr, abi, _, _ := newTestManager(t, nil)
	mgr.SetHandler(SIGUSR1, Handler{Addr: 0x4000})

	require.NoError(t, abi.WriteArchReg(abi.Table().PC, 0x1000))

	proc := &fakeProcessOps{}
	require.NoError(t, mgr.HandleSignal(proc, 1, SIGUSR1))

	pc, err := abi.ReadArchReg(abi.Table().PC)
	require.NoError(t, err)
	assert.EqualValues(t, 0x4000, pc)

	h, ok := mgr.Handler(SIGUSR1)
	require.True(t, ok)
	assert.True(t, h.Installed)
}

func TestDeliverToHandlerInstallsSigreturnTrampoline(t *testing.T) {
	var installedAddr uint64
	var onHit func()
	installer := func(addr uint64, cb func()) (func(), error) {
		installedAddr = addr
		onHit = cb
		return func() {}, nil
	}

	mgr, abi, _, _ := newTestManager(t, installer)
	mgr.SetHandler(SIGUSR1, Handler{Addr: 0x4000})

	require.NoError(t, abi.WriteArchReg(abi.Table().PC, 0x1000))
	proc := &fakeProcessOps{}
	require.NoError(t, mgr.HandleSignal(proc, 1, SIGUSR1))

	assert.EqualValues(t, 0x1000, installedAddr)
	require.NotNil(t, onHit)

	require.NoError(t, abi.WriteArchReg(abi.Table().PC, 0x4000))
	onHit()

	pc, err := abi.ReadArchReg(abi.Table().PC)
	require.NoError(t, err)
	assert.EqualValues(t, 0x1000, pc)
}

func TestSigreturnRestoresSavedRegisters(t *testing.T) {
	mgr, abi, _, _ := newTestManager(t, nil)
	mgr.SetHandler(SIGUSR1, Handler{Addr: 0x4000})

	require.NoError(t, abi.WriteArchReg(abi.Table().PC, 0x1000))
	proc := &fakeProcessOps{}
	require.NoError(t, mgr.HandleSignal(proc, 1, SIGUSR1))

	require.NoError(t, mgr.Sigreturn())

	pc, err := abi.ReadArchReg(abi.Table().PC)
	require.NoError(t, err)
	assert.EqualValues(t, 0x1000, pc)
}

func TestSigreturnWithNoSavedContextErrors(t *testing.T) {
	mgr, _, _, _ := newTestManager(t, nil)
	err := mgr.Sigreturn()
	assert.Error(t, err)
}
