package memory

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/backend"
)

// fakeEngine is an in-process stand-in for backend.Engine: a byte-addressed
// map good enough to exercise the Memory Manager's bookkeeping without
// Unicorn.
type fakeEngine struct {
	mem     map[uint64]byte
	regs    map[int]uint64
	writeCB func(op backend.HookKind, addr uint64, size int, value int64)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{mem: make(map[uint64]byte), regs: make(map[int]uint64)}
}

func (f *fakeEngine) RegisterIO() abiinfo.RegisterIO { return fakeRegIO{f} }

type fakeRegIO struct{ e *fakeEngine }

func (r fakeRegIO) RegisterRead(id int) (uint64, error)       { return r.e.regs[id], nil }
func (r fakeRegIO) RegisterWrite(id int, v uint64) error      { r.e.regs[id] = v; return nil }

func (f *fakeEngine) Map(start, size uint64, perm backend.Perm) error {
	for a := start; a < start+size; a++ {
		f.mem[a] = 0
	}
	return nil
}

func (f *fakeEngine) Unmap(start, size uint64) error {
	for a := start; a < start+size; a++ {
		delete(f.mem, a)
	}
	return nil
}

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
	if f.writeCB != nil {
		f.writeCB(backend.HookMemWrite, addr, len(data), 0)
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
	if kind == backend.HookMemWrite {
		f.writeCB = cb
	}
	return 1, nil
}
func (f *fakeEngine) HookInvalidInsn(cb func() bool) (uint64, error) { return 0, nil }
func (f *fakeEngine) Uninstall(id uint64) error                      { f.writeCB = nil; return nil }

func (f *fakeEngine) UseExits(bool) {}
func (f *fakeEngine) Run(start, end uint64, cyclesCap uint64) (backend.RunResult, error) {
	return backend.RunResult{}, nil
}
func (f *fakeEngine) Stop() error { return nil }
func (f *fakeEngine) Close() error { return nil }

var _ backend.Engine = (*fakeEngine)(nil)

func TestMapRejectsOverlap(t *testing.T) {
	m := New(newFakeEngine())
	_, err := m.Map(0x1000, PageSize, backend.PermRead, "a")
	require.NoError(t, err)

	_, err = m.Map(0x1000, PageSize, backend.PermRead, "b")
	assert.Error(t, err)
}

func TestMappingsSortedAndDisjoint(t *testing.T) {
	m := New(newFakeEngine())
	_, err := m.Map(0x3000, PageSize, backend.PermRead, "c")
	require.NoError(t, err)
	_, err = m.Map(0x1000, PageSize, backend.PermRead, "a")
	require.NoError(t, err)
	_, err = m.Map(0x5000, PageSize, backend.PermRead, "e")
	require.NoError(t, err)

	all := m.Mappings()
	require.Len(t, all, 3)
	assert.True(t, sort.SliceIsSorted(all, func(i, j int) bool { return all[i].Start < all[j].Start }))
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i].Start, all[i-1].End)
	}
}

func TestUnmapSplitsMiddleOfMapping(t *testing.T) {
	m := New(newFakeEngine())
	_, err := m.Map(0x1000, 3*PageSize, backend.PermRead, "big")
	require.NoError(t, err)

	require.NoError(t, m.Unmap(0x1000+PageSize, PageSize))

	all := m.Mappings()
	require.Len(t, all, 2)
	assert.EqualValues(t, 0x1000, all[0].Start)
	assert.EqualValues(t, 0x1000+PageSize, all[0].End)
	assert.EqualValues(t, 0x1000+2*PageSize, all[1].Start)
	assert.EqualValues(t, 0x1000+3*PageSize, all[1].End)
}

func TestUnmapNotPresentErrors(t *testing.T) {
	m := New(newFakeEngine())
	err := m.Unmap(0x9000, PageSize)
	assert.Error(t, err)
}

func TestProtectSplitsIntoThreePieces(t *testing.T) {
	m := New(newFakeEngine())
	_, err := m.Map(0x1000, 3*PageSize, backend.PermRead|backend.PermWrite, "big")
	require.NoError(t, err)

	require.NoError(t, m.Protect(0x1000+PageSize, PageSize, backend.PermRead|backend.PermExec))

	all := m.Mappings()
	require.Len(t, all, 3)
	assert.Equal(t, backend.PermRead|backend.PermWrite, all[0].Perm)
	assert.Equal(t, backend.PermRead|backend.PermExec, all[1].Perm)
	assert.Equal(t, backend.PermRead|backend.PermWrite, all[2].Perm)
}

func TestMapAnywhereAscendingFindsGap(t *testing.T) {
	m := New(newFakeEngine())
	_, err := m.Map(0x1000, PageSize, backend.PermRead, "a")
	require.NoError(t, err)
	_, err = m.Map(0x5000, PageSize, backend.PermRead, "b")
	require.NoError(t, err)

	addr, err := m.MapAnywhere(0x1000, PageSize, Ascending, backend.PermRead, "new")
	require.NoError(t, err)
	assert.EqualValues(t, 0x2000, addr)
}

func TestMapAnywhereAscendingFallsBackPastLast(t *testing.T) {
	m := New(newFakeEngine())
	_, err := m.Map(0x1000, PageSize, backend.PermRead, "a")
	require.NoError(t, err)

	addr, err := m.MapAnywhere(0x1000, PageSize, Ascending, backend.PermRead, "new")
	require.NoError(t, err)
	assert.EqualValues(t, 0x2000, addr)
}

func TestIsMappedAndMappingAt(t *testing.T) {
	m := New(newFakeEngine())
	_, err := m.Map(0x1000, PageSize, backend.PermRead, "a")
	require.NoError(t, err)

	assert.True(t, m.IsMapped(0x1000))
	assert.False(t, m.IsMapped(0x9000))

	mp, err := m.MappingAt(0x1000)
	require.NoError(t, err)
	assert.Equal(t, "a", mp.Info)

	_, err = m.MappingAt(0x9000)
	assert.Error(t, err)
}

func TestReadWriteRoundTrip(t *testing.T) {
	m := New(newFakeEngine())
	_, err := m.Map(0x1000, PageSize, backend.PermRead|backend.PermWrite, "a")
	require.NoError(t, err)

	data := []byte("hello world")
	require.NoError(t, m.Write(0x1000, data))

	got, err := m.Read(0x1000, uint64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReadCStringStopsAtNUL(t *testing.T) {
	m := New(newFakeEngine())
	_, err := m.Map(0x1000, PageSize, backend.PermRead|backend.PermWrite, "a")
	require.NoError(t, err)
	require.NoError(t, m.Write(0x1000, append([]byte("hi"), 0, 'X')))

	s, err := m.ReadCString(0x1000)
	require.NoError(t, err)
	assert.Equal(t, "hi", s)
}

func TestResetClearsAllMappings(t *testing.T) {
	m := New(newFakeEngine())
	_, err := m.Map(0x1000, PageSize, backend.PermRead, "a")
	require.NoError(t, err)
	_, err = m.Map(0x3000, PageSize, backend.PermRead, "b")
	require.NoError(t, err)

	require.NoError(t, m.Reset())
	assert.Empty(t, m.Mappings())
}

func TestBrkGetSet(t *testing.T) {
	m := New(newFakeEngine())
	assert.EqualValues(t, 0, m.Brk())
	m.SetBrk(0x600000)
	assert.EqualValues(t, 0x600000, m.Brk())
}

type fakeTracer struct {
	calls int
}

func (f *fakeTracer) OnNewMapping(start, end uint64, info string) { f.calls++ }

func TestModuleTracerNotifiedOnMap(t *testing.T) {
	m := New(newFakeEngine())
	tracer := &fakeTracer{}
	m.SetTracer(tracer)

	_, err := m.Map(0x1000, PageSize, backend.PermRead, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, tracer.calls)
}
