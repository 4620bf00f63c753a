package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/arionerrors"
	"github.com/arion-emu/arion/pkg/backend"
	"github.com/arion-emu/arion/pkg/fdtable"
	"github.com/arion-emu/arion/pkg/hooks"
	"github.com/arion-emu/arion/pkg/memory"
	"github.com/arion-emu/arion/pkg/sig"
	syscallmgr "github.com/arion-emu/arion/pkg/syscall"
	"github.com/arion-emu/arion/pkg/threading"
)

// fakeEngine is a minimal backend.Engine good enough to let a full manager
// stack (abiinfo through syscall) be wired up without Unicorn, the same
// shape pkg/memory's and pkg/hooks' own fakes use.
type fakeEngine struct {
	mem       map[uint64]byte
	regs      map[int]uint64
	nextHook  uint64
	installed map[uint64]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{mem: make(map[uint64]byte), regs: make(map[int]uint64), installed: make(map[uint64]bool)}
}

func (f *fakeEngine) RegisterIO() abiinfo.RegisterIO { return fakeRegIO{f} }

type fakeRegIO struct{ e *fakeEngine }

func (r fakeRegIO) RegisterRead(id int) (uint64, error)  { return r.e.regs[id], nil }
func (r fakeRegIO) RegisterWrite(id int, v uint64) error { r.e.regs[id] = v; return nil }

func (f *fakeEngine) Map(start, size uint64, perm backend.Perm) error     { return nil }
func (f *fakeEngine) Unmap(start, size uint64) error                     { return nil }
func (f *fakeEngine) Protect(start, size uint64, perm backend.Perm) error { return nil }

func (f *fakeEngine) Read(addr, length uint64) ([]byte, error) {
	out := make([]byte, length)
	for i := uint64(0); i < length; i++ {
		out[i] = f.mem[addr+i]
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

func (f *fakeEngine) HookIntr(cb func(intNo uint32)) (uint64, error) {
	f.nextHook++
	f.installed[f.nextHook] = true
	return f.nextHook, nil
}
func (f *fakeEngine) HookCode(start, end uint64, cb func(addr uint64, size uint32)) (uint64, error) {
	f.nextHook++
	f.installed[f.nextHook] = true
	return f.nextHook, nil
}
func (f *fakeEngine) HookBlock(start, end uint64, cb func(addr uint64, size uint32)) (uint64, error) {
	f.nextHook++
	f.installed[f.nextHook] = true
	return f.nextHook, nil
}
func (f *fakeEngine) HookMem(kind backend.HookKind, start, end uint64, cb func(op backend.HookKind, addr uint64, size int, value int64)) (uint64, error) {
	f.nextHook++
	f.installed[f.nextHook] = true
	return f.nextHook, nil
}
func (f *fakeEngine) HookInvalidInsn(cb func() bool) (uint64, error) {
	f.nextHook++
	f.installed[f.nextHook] = true
	return f.nextHook, nil
}
func (f *fakeEngine) Uninstall(id uint64) error { delete(f.installed, id); return nil }

func (f *fakeEngine) UseExits(bool) {}
func (f *fakeEngine) Run(start, end uint64, cyclesCap uint64) (backend.RunResult, error) {
	return backend.RunResult{}, nil
}
func (f *fakeEngine) Stop() error  { return nil }
func (f *fakeEngine) Close() error { return nil }

// testBootstrap wires the same manager stack bootstrap() does, but over a
// fakeEngine instead of a real Unicorn instance via backend.New, so the
// Process's orchestration logic (Fork/Exit/Wait4/Kill/...) can be
// exercised without the external emulator.
func testBootstrap(t *testing.T, p *Process, arch abiinfo.CPUArch, sandbox *fdtable.Sandbox) {
	t.Helper()
	engine := newFakeEngine()
	abi, err := abiinfo.Init(engine.RegisterIO(), arch)
	require.NoError(t, err)
	mem := memory.New(engine)

	p.Engine = engine
	p.ABI = abi
	p.Mem = mem
	p.FDs = fdtable.New()
	p.Sandbox = sandbox

	p.Threads = threading.New(abi, mem, p)
	p.Hooks = hooks.New(engine, p)
	p.Sig = sig.New(abi, mem, p.Threads, p.sigreturnInstaller)
	p.Syscalls = syscallmgr.New(&syscallmgr.Deps{
		ABI: abi, Mem: mem, Threads: p.Threads, FDs: p.FDs, Sandbox: sandbox,
		Sig: p.Sig, Hooks: p.Hooks, Orch: p,
	})
	p.Threads.AddThread(&threading.Thread{})
}

func newTestGroupProcess(t *testing.T) (*Group, *Process) {
	t.Helper()
	g := NewGroup(nil)
	p := New(Identity{}, g, nil)
	testBootstrap(t, p, abiinfo.X86_64, &fdtable.Sandbox{FSRoot: "/tmp"})
	g.AddProcess(p)
	return g, p
}

func TestForkAssignsChildAndClearsReturnValue(t *testing.T) {
	g, p := newTestGroupProcess(t)
	table := p.ABI.Table()
	require.NoError(t, p.ABI.WriteReg(table.SysRetReg, table.WordSizeBits, 0xdead))

	childPid, err := p.Fork()
	require.NoError(t, err)
	assert.NotEqual(t, p.Pid(), childPid)

	child, ok := g.Lookup(childPid)
	require.True(t, ok)
	assert.Equal(t, p.Pid(), child.Ppid())
	assert.Contains(t, p.Children(), childPid)

	ret, err := child.ABI.ReadReg(table.SysRetReg, table.WordSizeBits)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ret)
}

func TestForkWithoutGroupFails(t *testing.T) {
	p := New(Identity{}, nil, nil)
	testBootstrap(t, p, abiinfo.X86_64, &fdtable.Sandbox{FSRoot: "/tmp"})
	_, err := p.Fork()
	assert.Error(t, err)
	assert.IsType(t, &arionerrors.InvalidArgument{}, err)
}

func TestExitRemovesThreadAndTerminatesWhenLast(t *testing.T) {
	_, p := newTestGroupProcess(t)
	assert.False(t, p.zombie)
	p.Exit(7)
	assert.True(t, p.zombie)
	assert.Equal(t, int32(7), p.ExitStatus())
}

func TestExitGroupResetsAllThreads(t *testing.T) {
	_, p := newTestGroupProcess(t)
	p.Threads.AddThread(&threading.Thread{})
	p.ExitGroup(3)
	assert.True(t, p.zombie)
	assert.Equal(t, 0, p.Threads.Count())
}

func TestWait4RejectsSelfAndUnknownChild(t *testing.T) {
	_, p := newTestGroupProcess(t)

	_, _, err := p.Wait4(p.Pid(), 0, 0)
	assert.IsType(t, &arionerrors.WaitOnSameProcess{}, err)

	_, _, err = p.Wait4(p.Pid()+999, 0, 0)
	assert.IsType(t, &arionerrors.NoChildWithPid{}, err)
}

func TestWait4ReapsZombieChildImmediately(t *testing.T) {
	g, p := newTestGroupProcess(t)
	childPid, err := p.Fork()
	require.NoError(t, err)
	child, _ := g.Lookup(childPid)
	child.Exit(42)
	require.True(t, child.Zombie())

	reapedPid, status, err := p.Wait4(-1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, childPid, reapedPid)
	assert.Equal(t, int32(42), status)
	assert.NotContains(t, p.Children(), childPid)
	_, stillThere := g.Lookup(childPid)
	assert.False(t, stillThere)
}

func TestWait4BlocksAndReturnsCancelWhenNoZombie(t *testing.T) {
	_, p := newTestGroupProcess(t)
	childPid, err := p.Fork()
	require.NoError(t, err)

	_, _, err = p.Wait4(childPid, 0, 0)
	assert.ErrorIs(t, err, syscallmgr.Cancel)
}

func TestWait4HonoursWNOHANG(t *testing.T) {
	_, p := newTestGroupProcess(t)
	childPid, err := p.Fork()
	require.NoError(t, err)

	reapedPid, status, err := p.Wait4(childPid, 1 /* WNOHANG */, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(0), reapedPid)
	assert.Equal(t, int32(0), status)
}

func TestFinishDeliversSIGCHLDToParent(t *testing.T) {
	g, p := newTestGroupProcess(t)
	childPid, err := p.Fork()
	require.NoError(t, err)
	child, _ := g.Lookup(childPid)

	tid := p.Threads.Running()
	p.waitingForPid = -1
	p.waitStatusAddr = 0x5000
	require.NoError(t, p.Threads.SetSigWaiting(tid, true))
	require.NoError(t, p.Mem.Write(0x5000, []byte{0xff, 0xff, 0xff, 0xff}))

	child.Exit(5)

	// finish() already delivered SIGCHLD synchronously: the sig-wait is
	// consumed, the child is dropped from the parent's children set AND
	// reaped out of the group, and the status word is always written as 0
	// on this path regardless of the child's real exit code.
	assert.NotContains(t, p.Children(), childPid)
	_, stillThere := g.Lookup(childPid)
	assert.False(t, stillThere)
	status, err := p.Mem.Read(0x5000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, status)
	table := p.ABI.Table()
	ret, err := p.ABI.ReadReg(table.RetReg, table.WordSizeBits)
	require.NoError(t, err)
	assert.Equal(t, uint64(childPid), ret)

	// A second, unrelated SIGCHLD from the same source no longer matches.
	_, matches := p.SigWaitMatches(sig.SIGCHLD, childPid)
	assert.False(t, matches)
}

func TestKillAndTgKill(t *testing.T) {
	g, p := newTestGroupProcess(t)
	childPid, err := p.Fork()
	require.NoError(t, err)
	child, _ := g.Lookup(childPid)

	require.NoError(t, p.Kill(childPid, sig.SIGSTOP))
	assert.True(t, child.Stopped())

	require.NoError(t, p.Kill(childPid, sig.SIGCONT))
	assert.False(t, child.Stopped())

	tid := child.Threads.Running()
	require.NoError(t, p.TgKill(childPid, int32(tid), sig.SIGSTOP))
	assert.True(t, child.Stopped())

	err = p.TgKill(childPid, int32(tid)+1000, sig.SIGSTOP)
	assert.IsType(t, &arionerrors.WrongThreadID{}, err)

	err = p.Kill(childPid+1000, sig.SIGSTOP)
	assert.IsType(t, &arionerrors.NoChildWithPid{}, err)
}

func TestCrashStopsProcessAndRecordsFirstError(t *testing.T) {
	_, p := newTestGroupProcess(t)
	err1 := &arionerrors.InvalidArgument{Msg: "first"}
	err2 := &arionerrors.InvalidArgument{Msg: "second"}
	p.crash(err1)
	p.crash(err2)
	assert.Same(t, err1, p.CrashErr())
	assert.True(t, p.stopped)
}
