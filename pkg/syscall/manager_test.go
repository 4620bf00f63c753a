package syscall

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/backend"
	"github.com/arion-emu/arion/pkg/fdtable"
	"github.com/arion-emu/arion/pkg/hooks"
	"github.com/arion-emu/arion/pkg/memory"
	"github.com/arion-emu/arion/pkg/threading"
)

type fakeRegIO struct{ regs map[int]uint64 }

func newFakeRegIO() *fakeRegIO { return &fakeRegIO{regs: make(map[int]uint64)} }

func (f *fakeRegIO) RegisterRead(id int) (uint64, error)  { return f.regs[id], nil }
func (f *fakeRegIO) RegisterWrite(id int, v uint64) error { f.regs[id] = v; return nil }

type fakeEngine struct{ io *fakeRegIO }

func newFakeEngine() *fakeEngine { return &fakeEngine{io: newFakeRegIO()} }

func (f *fakeEngine) RegisterIO() abiinfo.RegisterIO                      { return f.io }
func (f *fakeEngine) Map(start, size uint64, perm backend.Perm) error     { return nil }
func (f *fakeEngine) Unmap(start, size uint64) error                     { return nil }
func (f *fakeEngine) Protect(start, size uint64, perm backend.Perm) error { return nil }
func (f *fakeEngine) Read(addr, length uint64) ([]byte, error) {
	return make([]byte, length), nil
}
func (f *fakeEngine) Write(addr uint64, data []byte) error { return nil }
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

func newTestDeps(t *testing.T) (*Deps, *abiinfo.Manager) {
	t.Helper()
	engine := newFakeEngine()
	abi, err := abiinfo.Init(engine.RegisterIO(), abiinfo.X86_64)
	require.NoError(t, err)
	mem := memory.New(engine)
	threads := threading.New(abi, mem, nil)
	hm := hooks.New(engine, nil)
	log := logrus.New()
	log.SetOutput(io.Discard)

	return &Deps{
		ABI:     abi,
		Mem:     mem,
		Threads: threads,
		FDs:     fdtable.New(),
		Hooks:   hm,
		Log:     log,
	}, abi
}

func TestDispatchUnknownSyscallNumberReturnsZero(t *testing.T) {
	deps, abi := newTestDeps(t)
	m := New(deps)

	table := abi.Table()
	require.NoError(t, abi.WriteArchReg(table.SysNoReg, 0xffffff))

	require.NoError(t, m.Dispatch())

	ret, err := abi.ReadArchReg(table.SysRetReg)
	require.NoError(t, err)
	assert.EqualValues(t, 0, ret)
}

func TestDispatchCallsRegisteredHandlerAndWritesReturn(t *testing.T) {
	deps, abi := newTestDeps(t)
	m := New(deps)

	table := abi.Table()
	no, ok := table.SyscallNumber("getpid")
	require.True(t, ok, "test architecture table must define getpid")

	var sawArgs [6]uint64
	m.Register(Syscall{
		Name: "getpid",
		Argc: 0,
		Fn: func(d *Deps, args [6]uint64) (uint64, error) {
			sawArgs = args
			return 42, nil
		},
	})

	require.NoError(t, abi.WriteArchReg(table.SysNoReg, no))
	require.NoError(t, m.Dispatch())

	ret, err := abi.ReadArchReg(table.SysRetReg)
	require.NoError(t, err)
	assert.EqualValues(t, 42, ret)
	assert.Equal(t, [6]uint64{}, sawArgs)
}

func TestDispatchReadsDeclaredArgcFromParamRegs(t *testing.T) {
	deps, abi := newTestDeps(t)
	m := New(deps)

	table := abi.Table()
	no, ok := table.SyscallNumber("read")
	require.True(t, ok, "test architecture table must define read")

	var gotArgs [6]uint64
	m.Register(Syscall{
		Name: "read",
		Argc: 3,
		Fn: func(d *Deps, args [6]uint64) (uint64, error) {
			gotArgs = args
			return 0, nil
		},
	})

	require.NoError(t, abi.WriteArchReg(table.SysNoReg, no))
	for i := 0; i < 3; i++ {
		require.NoError(t, abi.WriteArchReg(table.SysParamRegs[i], uint64(i+1)))
	}
	require.NoError(t, m.Dispatch())

	assert.EqualValues(t, 1, gotArgs[0])
	assert.EqualValues(t, 2, gotArgs[1])
	assert.EqualValues(t, 3, gotArgs[2])
	assert.EqualValues(t, 0, gotArgs[3])
}

func TestDispatchCancelInvokesRollbackHook(t *testing.T) {
	deps, abi := newTestDeps(t)
	m := New(deps)

	table := abi.Table()
	no, ok := table.SyscallNumber("read")
	require.True(t, ok)

	m.Register(Syscall{
		Name: "read",
		Argc: 3,
		Fn: func(d *Deps, args [6]uint64) (uint64, error) {
			return 0, Cancel
		},
	})

	rolledBack := false
	m.SetRollbackHook(func() error {
		rolledBack = true
		return nil
	})

	require.NoError(t, abi.WriteArchReg(table.SysNoReg, no))
	require.NoError(t, m.Dispatch())
	assert.True(t, rolledBack)
}

func TestDispatchCancelWithoutRollbackHookIsNoOp(t *testing.T) {
	deps, abi := newTestDeps(t)
	m := New(deps)

	table := abi.Table()
	no, ok := table.SyscallNumber("read")
	require.True(t, ok)

	m.Register(Syscall{
		Name: "read",
		Argc: 3,
		Fn: func(d *Deps, args [6]uint64) (uint64, error) {
			return 0, Cancel
		},
	})

	require.NoError(t, abi.WriteArchReg(table.SysNoReg, no))
	assert.NoError(t, m.Dispatch())
}

func TestDispatchHandlerErrorPropagates(t *testing.T) {
	deps, abi := newTestDeps(t)
	m := New(deps)

	table := abi.Table()
	no, ok := table.SyscallNumber("read")
	require.True(t, ok)

	boom := &fatalHandlerError{}
	m.Register(Syscall{
		Name: "read",
		Argc: 3,
		Fn: func(d *Deps, args [6]uint64) (uint64, error) {
			return 0, boom
		},
	})

	require.NoError(t, abi.WriteArchReg(table.SysNoReg, no))
	err := m.Dispatch()
	assert.Same(t, boom, err)
}

type fatalHandlerError struct{}

func (e *fatalHandlerError) Error() string { return "fatal handler error" }

func TestDispatchFiresSyscallHookOnSuccess(t *testing.T) {
	deps, abi := newTestDeps(t)
	m := New(deps)

	table := abi.Table()
	no, ok := table.SyscallNumber("getpid")
	require.True(t, ok)

	m.Register(Syscall{
		Name: "getpid",
		Argc: 0,
		Fn: func(d *Deps, args [6]uint64) (uint64, error) {
			return 7, nil
		},
	})

	var gotName string
	_, err := deps.Hooks.HookSyscall(hooks.Callback{
		Syscall: func(name string, args []uint64, _ any) { gotName = name },
	}, nil)
	require.NoError(t, err)

	require.NoError(t, abi.WriteArchReg(table.SysNoReg, no))
	require.NoError(t, m.Dispatch())
	assert.Equal(t, "getpid", gotName)
}

func TestLookupReturnsRegisteredSyscall(t *testing.T) {
	deps, _ := newTestDeps(t)
	m := New(deps)

	m.Register(Syscall{Name: "custom_probe", Argc: 0, Fn: func(d *Deps, args [6]uint64) (uint64, error) {
		return 0, nil
	}})

	s, ok := m.Lookup("custom_probe")
	require.True(t, ok)
	assert.Equal(t, "custom_probe", s.Name)

	_, ok = m.Lookup("does_not_exist")
	assert.False(t, ok)
}
