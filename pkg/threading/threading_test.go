package threading

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/backend"
	"github.com/arion-emu/arion/pkg/memory"
)

type fakeProcState struct {
	stopped, zombie bool
}

func (f *fakeProcState) Stopped() bool { return f.stopped }
func (f *fakeProcState) Zombie() bool  { return f.zombie }

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

func (f *fakeEngine) RegisterIO() abiinfo.RegisterIO { return f.io }
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
func (f *fakeEngine) Regions() ([]backend.Region, error)   { return nil, nil }
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

func newTestManager(t *testing.T) (*Manager, *abiinfo.Manager) {
	t.Helper()
	engine := newFakeEngine()
	abi, err := abiinfo.Init(engine.RegisterIO(), abiinfo.X86_64)
	require.NoError(t, err)
	mem := memory.New(engine)
	mgr := New(abi, mem, &fakeProcState{})
	return mgr, abi
}

func TestAddThreadAssignsRecycledTid(t *testing.T) {
	mgr, _ := newTestManager(t)
	tid1 := mgr.AddThread(&Thread{})
	tid2 := mgr.AddThread(&Thread{})
	assert.NotEqual(t, tid1, tid2)

	require.NoError(t, mgr.RemoveThread(tid1))
	tid3 := mgr.AddThread(&Thread{})
	assert.Equal(t, tid1, tid3)
}

func TestExactlyOneRunningThread(t *testing.T) {
	mgr, _ := newTestManager(t)
	tidA := mgr.AddThread(&Thread{})
	_ = mgr.AddThread(&Thread{})

	assert.Equal(t, tidA, mgr.Running())
}

func TestSwitchToNextThreadRoundRobin(t *testing.T) {
	mgr, _ := newTestManager(t)
	a := mgr.AddThread(&Thread{})
	b := mgr.AddThread(&Thread{})
	c := mgr.AddThread(&Thread{})
	assert.Equal(t, a, mgr.Running())

	require.NoError(t, mgr.SwitchToNextThread())
	assert.Equal(t, b, mgr.Running())

	require.NoError(t, mgr.SwitchToNextThread())
	assert.Equal(t, c, mgr.Running())

	require.NoError(t, mgr.SwitchToNextThread())
	assert.Equal(t, a, mgr.Running())
}

func TestRemoveRunningThreadSwitchesFirst(t *testing.T) {
	mgr, _ := newTestManager(t)
	a := mgr.AddThread(&Thread{})
	b := mgr.AddThread(&Thread{})

	require.NoError(t, mgr.RemoveThread(a))
	assert.Equal(t, b, mgr.Running())
	assert.Equal(t, 1, mgr.Count())
}

func TestRemoveUnknownThreadErrors(t *testing.T) {
	mgr, _ := newTestManager(t)
	err := mgr.RemoveThread(999)
	assert.Error(t, err)
}

func TestFutexWaitWakeRoundTrip(t *testing.T) {
	engine := newFakeEngine()
	abi, err := abiinfo.Init(engine.RegisterIO(), abiinfo.X86_64)
	require.NoError(t, err)
	mem := memory.New(engine)
	_, err = mem.Map(0x2000, memory.PageSize, backend.PermRead|backend.PermWrite, "futex")
	require.NoError(t, err)
	require.NoError(t, mem.Write(0x2000, []byte{0, 0, 0, 0}))

	mgr := New(abi, mem, &fakeProcState{})
	tid := mgr.AddThread(&Thread{})

	require.NoError(t, mgr.FutexWait(tid, 0x2000, 0, 1))
	th, ok := mgr.Thread(tid)
	require.True(t, ok)
	assert.True(t, th.Paused)

	woken := mgr.FutexWake(0x2000, 1)
	assert.Equal(t, 1, woken)
	assert.False(t, th.Paused)
	assert.True(t, mgr.ConsumeSync())
}

func TestFutexWaitMismatchedValueReturnsEAGAIN(t *testing.T) {
	engine := newFakeEngine()
	abi, err := abiinfo.Init(engine.RegisterIO(), abiinfo.X86_64)
	require.NoError(t, err)
	mem := memory.New(engine)
	_, err = mem.Map(0x2000, memory.PageSize, backend.PermRead|backend.PermWrite, "futex")
	require.NoError(t, err)
	require.NoError(t, mem.Write(0x2000, []byte{1, 0, 0, 0}))

	mgr := New(abi, mem, &fakeProcState{})
	tid := mgr.AddThread(&Thread{})

	err = mgr.FutexWait(tid, 0x2000, 0, 1)
	assert.ErrorIs(t, err, ErrEAGAIN())
}

func TestIsCurrLockedReflectsProcessState(t *testing.T) {
	engine := newFakeEngine()
	abi, err := abiinfo.Init(engine.RegisterIO(), abiinfo.X86_64)
	require.NoError(t, err)
	mem := memory.New(engine)
	proc := &fakeProcState{}
	mgr := New(abi, mem, proc)
	mgr.AddThread(&Thread{})

	assert.False(t, mgr.IsCurrLocked())

	proc.stopped = true
	assert.True(t, mgr.IsCurrLocked())
}

func TestCloneThreadSharesTgidWithCloneThreadFlag(t *testing.T) {
	mgr, _ := newTestManager(t)
	parent := mgr.AddThread(&Thread{})
	if p, ok := mgr.Thread(parent); ok {
		p.Tgid = parent
	}
	mgr.SetRunning(parent)

	childTid, err := mgr.CloneThread(CloneThread|CloneVM|CloneSetTLS, 0x9000, 0x1000, 0, 0, 0)
	require.NoError(t, err)

	child, ok := mgr.Thread(childTid)
	require.True(t, ok)
	assert.Equal(t, parent, child.Tgid)
}

func TestCloneThreadWritesChildTidAddr(t *testing.T) {
	engine := newFakeEngine()
	abi, err := abiinfo.Init(engine.RegisterIO(), abiinfo.X86_64)
	require.NoError(t, err)
	mem := memory.New(engine)
	_, err = mem.Map(0x2000, memory.PageSize, backend.PermRead|backend.PermWrite, "ctid")
	require.NoError(t, err)

	mgr := New(abi, mem, &fakeProcState{})
	mgr.AddThread(&Thread{})

	childTid, err := mgr.CloneThread(CloneChildSetTID, 0x9000, 0, 0x2000, 0, 0)
	require.NoError(t, err)

	buf, err := mem.Read(0x2000, 8)
	require.NoError(t, err)
	assert.EqualValues(t, childTid, leUint64(buf))
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func TestResetThreadsClearsTableNotFutexes(t *testing.T) {
	mgr, _ := newTestManager(t)
	tid := mgr.AddThread(&Thread{})
	mgr.SetFutexes([]FutexEntry{{Addr: 0x2000, Bitmask: 1, Tid: tid}})

	mgr.ResetThreads()
	assert.Equal(t, 0, mgr.Count())
	assert.Equal(t, uint64(0), mgr.Running())
	assert.Len(t, mgr.Futexes(), 1)
}
