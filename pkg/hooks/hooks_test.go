package hooks

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/backend"
)

// fakeEngine is a minimal backend.Engine that tracks installed/removed hook
// ids, good enough to exercise the Hook Manager's own bookkeeping without
// Unicorn.
type fakeEngine struct {
	nextID    uint64
	installed map[uint64]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{installed: make(map[uint64]bool)}
}

func (f *fakeEngine) alloc() uint64 {
	f.nextID++
	f.installed[f.nextID] = true
	return f.nextID
}

func (f *fakeEngine) RegisterIO() abiinfo.RegisterIO { return nil }

func (f *fakeEngine) Map(start, size uint64, perm backend.Perm) error     { return nil }
func (f *fakeEngine) Unmap(start, size uint64) error                     { return nil }
func (f *fakeEngine) Protect(start, size uint64, perm backend.Perm) error { return nil }
func (f *fakeEngine) Read(addr, length uint64) ([]byte, error)           { return nil, nil }
func (f *fakeEngine) Write(addr uint64, data []byte) error               { return nil }
func (f *fakeEngine) Regions() ([]backend.Region, error)                 { return nil, nil }

func (f *fakeEngine) HookIntr(cb func(intNo uint32)) (uint64, error) { return f.alloc(), nil }
func (f *fakeEngine) HookCode(start, end uint64, cb func(addr uint64, size uint32)) (uint64, error) {
	return f.alloc(), nil
}
func (f *fakeEngine) HookBlock(start, end uint64, cb func(addr uint64, size uint32)) (uint64, error) {
	return f.alloc(), nil
}
func (f *fakeEngine) HookMem(kind backend.HookKind, start, end uint64, cb func(op backend.HookKind, addr uint64, size int, value int64)) (uint64, error) {
	return f.alloc(), nil
}
func (f *fakeEngine) HookInvalidInsn(cb func() bool) (uint64, error) { return f.alloc(), nil }

func (f *fakeEngine) Uninstall(id uint64) error {
	if !f.installed[id] {
		return errors.New("not installed")
	}
	delete(f.installed, id)
	return nil
}

func (f *fakeEngine) UseExits(bool) {}
func (f *fakeEngine) Run(start, end uint64, cyclesCap uint64) (backend.RunResult, error) {
	return backend.RunResult{}, nil
}
func (f *fakeEngine) Stop() error  { return nil }
func (f *fakeEngine) Close() error { return nil }

type fakeCrasher struct {
	errs []error
}

func (c *fakeCrasher) Crash(err error) { c.errs = append(c.errs, err) }

func TestHookCodeHasBackendID(t *testing.T) {
	m := New(newFakeEngine(), nil)
	id, err := m.HookCode(1, 0, Callback{AddrSize: func(uint64, uint32, any) {}}, nil)
	require.NoError(t, err)

	has, err := m.HasBackendID(id)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestHookSyscallHasNoBackendID(t *testing.T) {
	m := New(newFakeEngine(), nil)
	id, err := m.HookSyscall(Callback{Syscall: func(string, []uint64, any) {}}, nil)
	require.NoError(t, err)

	has, err := m.HasBackendID(id)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestCallbackArityMismatchRejected(t *testing.T) {
	m := New(newFakeEngine(), nil)
	_, err := m.HookCode(1, 0, Callback{Intr: func(uint32, any) {}}, nil)
	assert.Error(t, err)
}

func TestUnhookRemovesBackendHook(t *testing.T) {
	engine := newFakeEngine()
	m := New(engine, nil)
	id, err := m.HookBlock(1, 0, Callback{AddrSize: func(uint64, uint32, any) {}}, nil)
	require.NoError(t, err)

	require.NoError(t, m.Unhook(id))
	_, err = m.HasBackendID(id)
	assert.Error(t, err)
}

func TestUnhookUnknownIDErrors(t *testing.T) {
	m := New(newFakeEngine(), nil)
	err := m.Unhook(9999)
	assert.Error(t, err)
}

func TestUnhookAllClearsEveryEntry(t *testing.T) {
	engine := newFakeEngine()
	m := New(engine, nil)
	_, err := m.HookBlock(1, 0, Callback{AddrSize: func(uint64, uint32, any) {}}, nil)
	require.NoError(t, err)
	_, err = m.HookSyscall(Callback{Syscall: func(string, []uint64, any) {}}, nil)
	require.NoError(t, err)

	require.NoError(t, m.UnhookAll())
	assert.Empty(t, m.Entries())
	assert.Empty(t, engine.installed)
}

func TestTriggerSyscallCallsOnlySyscallHooks(t *testing.T) {
	m := New(newFakeEngine(), nil)
	var gotName string
	var gotArgs []uint64
	_, err := m.HookSyscall(Callback{Syscall: func(name string, args []uint64, _ any) {
		gotName = name
		gotArgs = args
	}}, nil)
	require.NoError(t, err)
	_, err = m.HookFork(Callback{Fork: func(any, any) { t.Fatal("fork hook should not fire") }}, nil)
	require.NoError(t, err)

	m.TriggerSyscall("write", []uint64{1, 2, 3})
	assert.Equal(t, "write", gotName)
	assert.Equal(t, []uint64{1, 2, 3}, gotArgs)
}

func TestHookCallbackPanicRoutedToCrasher(t *testing.T) {
	crasher := &fakeCrasher{}
	m := New(newFakeEngine(), crasher)
	_, err := m.HookSyscall(Callback{Syscall: func(string, []uint64, any) {
		panic("boom")
	}}, nil)
	require.NoError(t, err)

	m.TriggerSyscall("x", nil)
	require.Len(t, crasher.errs, 1)
}

func TestHookEdgeTCGTLBTrackedButNeverBackendInstalled(t *testing.T) {
	m := New(newFakeEngine(), nil)
	id, err := m.HookEdge(Callback{None: func(any) {}}, nil)
	require.NoError(t, err)

	has, err := m.HasBackendID(id)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestHookInsnNeverBackendInstalled(t *testing.T) {
	m := New(newFakeEngine(), nil)
	id, err := m.HookInsn(Callback{AddrSize: func(uint64, uint32, any) {}}, nil)
	require.NoError(t, err)

	has, err := m.HasBackendID(id)
	require.NoError(t, err)
	assert.False(t, has)
}
