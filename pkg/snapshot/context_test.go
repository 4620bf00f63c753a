package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/backend"
	"github.com/arion-emu/arion/pkg/fdtable"
	"github.com/arion-emu/arion/pkg/memory"
	"github.com/arion-emu/arion/pkg/threading"
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

func newTestSources(t *testing.T) *Sources {
	t.Helper()
	engine := newFakeEngine()
	abi, err := abiinfo.Init(engine.RegisterIO(), abiinfo.X86_64)
	require.NoError(t, err)
	mem := memory.New(engine)
	threads := threading.New(abi, mem, nil)
	return &Sources{ABI: abi, Mem: mem, Threads: threads, FDs: fdtable.New(), Engine: engine}
}

func TestSaveCapturesRunningTidAndMappingBytes(t *testing.T) {
	s := newTestSources(t)
	_, err := s.Mem.Map(0x1000, memory.PageSize, backend.PermRead|backend.PermWrite, "data")
	require.NoError(t, err)
	require.NoError(t, s.Mem.Write(0x1000, []byte("hello")))

	tid := s.Threads.AddThread(&threading.Thread{})

	ctx, err := Save(s)
	require.NoError(t, err)
	assert.Equal(t, tid, ctx.RunningTid)
	require.Len(t, ctx.Mappings, 1)
	assert.Equal(t, uint64(0x1000), ctx.Mappings[0].Start)
	assert.Equal(t, []byte("hello"), ctx.Mappings[0].Data[:5])
}

func TestRestoreFullRewritesMappingBytes(t *testing.T) {
	s := newTestSources(t)
	_, err := s.Mem.Map(0x1000, memory.PageSize, backend.PermRead|backend.PermWrite, "data")
	require.NoError(t, err)
	require.NoError(t, s.Mem.Write(0x1000, []byte("hello")))
	s.Threads.AddThread(&threading.Thread{})

	ctx, err := Save(s)
	require.NoError(t, err)

	require.NoError(t, s.Mem.Write(0x1000, []byte("XXXXX")))

	require.NoError(t, RestoreFull(s, ctx))

	got, err := s.Mem.Read(0x1000, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestRestoreStructuralLeavesMappingBytesUntouched(t *testing.T) {
	s := newTestSources(t)
	_, err := s.Mem.Map(0x1000, memory.PageSize, backend.PermRead|backend.PermWrite, "data")
	require.NoError(t, err)
	require.NoError(t, s.Mem.Write(0x1000, []byte("hello")))
	s.Threads.AddThread(&threading.Thread{})

	ctx, err := Save(s)
	require.NoError(t, err)

	require.NoError(t, s.Mem.Write(0x1000, []byte("XXXXX")))

	require.NoError(t, RestoreStructural(s, ctx))

	assert.True(t, s.Mem.IsMapped(0x1000))
	got, err := s.Mem.Read(0x1000, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("XXXXX"), got)
}

func TestRestoreDeltaWritesOnlyEditedBytes(t *testing.T) {
	s := newTestSources(t)
	_, err := s.Mem.Map(0x1000, memory.PageSize, backend.PermRead|backend.PermWrite, "data")
	require.NoError(t, err)
	require.NoError(t, s.Mem.Write(0x1000, []byte("hello")))
	s.Threads.AddThread(&threading.Thread{})

	ctx, err := Save(s)
	require.NoError(t, err)

	require.NoError(t, s.Mem.Write(0x1000, []byte("XXXXX")))

	edits := []memory.Edit{{Addr: 0x1000, Size: 1}}
	require.NoError(t, RestoreDelta(s, ctx, edits))

	got, err := s.Mem.Read(0x1000, 5)
	require.NoError(t, err)
	assert.Equal(t, byte('h'), got[0])
	assert.Equal(t, byte('X'), got[1])
}

func TestSaveToFileRestoreFromFileRoundTrip(t *testing.T) {
	s := newTestSources(t)
	_, err := s.Mem.Map(0x1000, memory.PageSize, backend.PermRead|backend.PermWrite, "data")
	require.NoError(t, err)
	require.NoError(t, s.Mem.Write(0x1000, []byte("hello")))
	tid := s.Threads.AddThread(&threading.Thread{})

	ctx, err := Save(s)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ctx.bin")
	require.NoError(t, SaveToFile(path, ctx))

	got, err := RestoreFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, tid, got.RunningTid)
	require.Len(t, got.Mappings, 1)
	assert.Equal(t, []byte("hello"), got.Mappings[0].Data[:5])
}

func TestRestoreFromFileWrongMagicErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.bin")
	require.NoError(t, os.WriteFile(path, []byte("not a context file at all"), 0o644))

	_, err := RestoreFromFile(path)
	assert.Error(t, err)
}
