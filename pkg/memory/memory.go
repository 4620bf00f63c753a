// Package memory implements the Memory Manager (§4.3): guest address-space
// bookkeeping on top of the Emulator Backend Adapter, with a sorted,
// disjoint mapping list (kept in a github.com/google/btree tree keyed by
// start address rather than a hand-maintained sorted slice -- the "sorted
// by start, disjoint" invariant of §3 falls out of the data structure
// itself), permission tracking, stack/heap helpers, and a memory-edit
// recorder for delta restore.
package memory

import (
	"encoding/binary"

	"github.com/google/btree"

	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/arionerrors"
	"github.com/arion-emu/arion/pkg/backend"
)

// PageSize is the guest page size; every address/size is aligned up to it
// on map/unmap/protect. This alignment is an implementation invariant, not
// an API promise (§4.3).
const PageSize = 4096

func alignUp(v uint64) uint64 {
	return (v + PageSize - 1) &^ (PageSize - 1)
}

func alignDown(v uint64) uint64 {
	return v &^ (PageSize - 1)
}

// Mapping is the §3 "Memory Mapping" data model entry.
type Mapping struct {
	Start, End uint64
	Perm       backend.Perm
	Info       string
}

func (m *Mapping) Size() uint64 { return m.End - m.Start }

// Less implements btree.Item, ordering mappings by start address.
func (m *Mapping) Less(than btree.Item) bool {
	return m.Start < than.(*Mapping).Start
}

// ModuleTracer receives a notification every time a mapping is created,
// the way the code tracer in spec.md §4.3 learns module boundaries; nil is
// a valid "no tracer attached" value.
type ModuleTracer interface {
	OnNewMapping(start, end uint64, info string)
}

// Direction controls the search order for MapAnywhere.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// Manager is the Memory Manager (§4.3).
type Manager struct {
	engine   backend.Engine
	mappings *btree.BTree
	brk      uint64
	tracer   ModuleTracer
	recorder *Recorder
}

// New constructs a Memory Manager over the given backend engine.
func New(engine backend.Engine) *Manager {
	m := &Manager{
		engine:   engine,
		mappings: btree.New(8),
	}
	m.recorder = newRecorder(m)
	return m
}

// SetTracer attaches (or clears, with nil) the module tracer.
func (m *Manager) SetTracer(t ModuleTracer) { m.tracer = t }

// Recorder exposes the memory-edit recorder (§4.3).
func (m *Manager) Recorder() *Recorder { return m.recorder }

// Mappings returns a snapshot slice of all mappings, sorted by start --
// the same order the btree itself maintains.
func (m *Manager) Mappings() []*Mapping {
	out := make([]*Mapping, 0, m.mappings.Len())
	m.mappings.Ascend(func(it btree.Item) bool {
		out = append(out, it.(*Mapping))
		return true
	})
	return out
}

// overlaps reports whether [start,end) intersects any existing mapping,
// returning the first one found.
func (m *Manager) overlaps(start, end uint64) *Mapping {
	var found *Mapping
	// Any mapping whose Start < end could overlap; scan descending from
	// there and stop once a candidate's End <= start.
	m.mappings.DescendLessOrEqual(&Mapping{Start: end}, func(it btree.Item) bool {
		mp := it.(*Mapping)
		if mp.End <= start {
			return false
		}
		if mp.Start < end && mp.End > start {
			found = mp
			return false
		}
		return true
	})
	return found
}

// Map creates a new mapping, failing with AlreadyMapped if any byte in
// [start, start+size) overlaps an existing mapping (§4.3).
func (m *Manager) Map(start, size uint64, perm backend.Perm, info string) (uint64, error) {
	start = alignDown(start)
	size = alignUp(size)
	end := start + size
	if ov := m.overlaps(start, end); ov != nil {
		return 0, &arionerrors.AlreadyMapped{Start: start, End: end}
	}
	if err := m.engine.Map(start, size, perm); err != nil {
		return 0, err
	}
	m.mappings.ReplaceOrInsert(&Mapping{Start: start, End: end, Perm: perm, Info: info})
	if m.tracer != nil {
		m.tracer.OnNewMapping(start, end, info)
	}
	return start, nil
}

// MapAnywhere scans the existing mappings from hint in the requested
// direction and places the new region in the first large-enough gap,
// falling back to mapping immediately after the last (or before the
// first) existing mapping when no interior gap fits (§4.3, §8 boundary
// behaviour).
func (m *Manager) MapAnywhere(hint, size uint64, dir Direction, perm backend.Perm, info string) (uint64, error) {
	size = alignUp(size)
	all := m.Mappings()
	if dir == Ascending {
		cursor := alignUp(hint)
		for _, mp := range all {
			if mp.Start < cursor {
				if mp.End > cursor {
					cursor = mp.End
				}
				continue
			}
			if mp.Start-cursor >= size {
				return m.Map(cursor, size, perm, info)
			}
			cursor = mp.End
		}
		return m.Map(cursor, size, perm, info)
	}

	// Descending: look for a gap ending at or below hint, scanning from
	// the highest mapping downward.
	cursor := alignDown(hint)
	for i := len(all) - 1; i >= 0; i-- {
		mp := all[i]
		if mp.End > cursor+size {
			continue
		}
		if cursor-mp.End >= size || (mp.End <= cursor && cursor-mp.End >= size) {
			return m.Map(cursor-size, size, perm, info)
		}
		if mp.Start < cursor {
			cursor = mp.Start
		}
	}
	if cursor >= size {
		return m.Map(cursor-size, size, perm, info)
	}
	return m.Map(0, size, perm, info)
}

// Unmap removes/splits mappings so [start, start+size) is free afterward,
// returning up to two residual mappings when the range falls strictly
// inside one existing mapping (§4.3, §8).
func (m *Manager) Unmap(start, size uint64) error {
	start = alignDown(start)
	size = alignUp(size)
	end := start + size

	var touched []*Mapping
	m.mappings.Ascend(func(it btree.Item) bool {
		mp := it.(*Mapping)
		if mp.Start < end && mp.End > start {
			touched = append(touched, mp)
		}
		return true
	})
	if len(touched) == 0 {
		return &arionerrors.MappingNotPresent{Start: start, End: end}
	}
	for _, mp := range touched {
		m.mappings.Delete(mp)
		if mp.Start < start {
			m.mappings.ReplaceOrInsert(&Mapping{Start: mp.Start, End: start, Perm: mp.Perm, Info: mp.Info})
		}
		if mp.End > end {
			m.mappings.ReplaceOrInsert(&Mapping{Start: end, End: mp.End, Perm: mp.Perm, Info: mp.Info})
		}
	}
	return m.engine.Unmap(start, size)
}

// Protect re-protects [start, start+size), splitting a mapping into up to
// three pieces: before-protected, protected, after-protected (§4.3, §8).
func (m *Manager) Protect(start, size uint64, perm backend.Perm) error {
	start = alignDown(start)
	size = alignUp(size)
	end := start + size

	var touched []*Mapping
	m.mappings.Ascend(func(it btree.Item) bool {
		mp := it.(*Mapping)
		if mp.Start < end && mp.End > start {
			touched = append(touched, mp)
		}
		return true
	})
	if len(touched) == 0 {
		return &arionerrors.ProtectOutsideSegment{Start: start, End: end}
	}
	for _, mp := range touched {
		m.mappings.Delete(mp)
		if mp.Start < start {
			m.mappings.ReplaceOrInsert(&Mapping{Start: mp.Start, End: start, Perm: mp.Perm, Info: mp.Info})
		}
		protStart, protEnd := mp.Start, mp.End
		if protStart < start {
			protStart = start
		}
		if protEnd > end {
			protEnd = end
		}
		m.mappings.ReplaceOrInsert(&Mapping{Start: protStart, End: protEnd, Perm: perm, Info: mp.Info})
		if mp.End > end {
			m.mappings.ReplaceOrInsert(&Mapping{Start: end, End: mp.End, Perm: mp.Perm, Info: mp.Info})
		}
	}
	return m.engine.Protect(start, size, perm)
}

// ResizeMapping extends or shrinks a single mapping; newStart >= newEnd
// removes it (§4.3).
func (m *Manager) ResizeMapping(old *Mapping, newStart, newEnd uint64) error {
	if newStart >= newEnd {
		return m.Unmap(old.Start, old.Size())
	}
	m.mappings.Delete(old)
	if newStart < old.Start {
		if err := m.engine.Map(newStart, old.Start-newStart, old.Perm); err != nil {
			return err
		}
	} else if newStart > old.Start {
		if err := m.engine.Unmap(old.Start, newStart-old.Start); err != nil {
			return err
		}
	}
	if newEnd > old.End {
		if err := m.engine.Map(old.End, newEnd-old.End, old.Perm); err != nil {
			return err
		}
	} else if newEnd < old.End {
		if err := m.engine.Unmap(newEnd, old.End-newEnd); err != nil {
			return err
		}
	}
	m.mappings.ReplaceOrInsert(&Mapping{Start: newStart, End: newEnd, Perm: old.Perm, Info: old.Info})
	return nil
}

// IsMapped reports whether addr falls inside any mapping.
func (m *Manager) IsMapped(addr uint64) bool {
	return m.overlaps(addr, addr+1) != nil
}

// MappingAt returns the mapping containing addr, or NoMappingAt.
func (m *Manager) MappingAt(addr uint64) (*Mapping, error) {
	mp := m.overlaps(addr, addr+1)
	if mp == nil {
		return nil, &arionerrors.NoMappingAt{Addr: addr}
	}
	return mp, nil
}

// Read/Write are thin passthroughs to the backend, recorded through the
// mapping invariants (no permission enforcement here -- the backend itself
// rejects reads of unmapped memory).
func (m *Manager) Read(addr, length uint64) ([]byte, error) {
	return m.engine.Read(addr, length)
}

func (m *Manager) Write(addr uint64, data []byte) error {
	return m.engine.Write(addr, data)
}

// ReadCString reads up to the end of the containing mapping, stopping at
// the first NUL (§4.3).
func (m *Manager) ReadCString(addr uint64) (string, error) {
	mp, err := m.MappingAt(addr)
	if err != nil {
		return "", err
	}
	maxLen := mp.End - addr
	const chunk = 256
	var out []byte
	for off := uint64(0); off < maxLen; off += chunk {
		n := chunk
		if off+uint64(n) > maxLen {
			n = int(maxLen - off)
		}
		buf, err := m.Read(addr+off, uint64(n))
		if err != nil {
			return "", err
		}
		if idx := indexByte(buf, 0); idx >= 0 {
			out = append(out, buf[:idx]...)
			return string(out), nil
		}
		out = append(out, buf...)
	}
	return string(out), nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// ReadPtrArr reads a NULL-terminated array of pointers sized to ptrSize
// (§4.3, used for argv/envp style arrays).
func (m *Manager) ReadPtrArr(addr uint64, ptrSize int) ([]uint64, error) {
	var out []uint64
	for {
		buf, err := m.Read(addr, uint64(ptrSize))
		if err != nil {
			return nil, err
		}
		var v uint64
		if ptrSize == 8 {
			v = binary.LittleEndian.Uint64(buf)
		} else {
			v = uint64(binary.LittleEndian.Uint32(buf))
		}
		if v == 0 {
			break
		}
		out = append(out, v)
		addr += uint64(ptrSize)
	}
	return out, nil
}

// ---- Stack helpers (§4.3) ----

// StackOps is the narrow register surface stack helpers need: read/write
// the SP at the architecture's natural width.
type StackOps interface {
	ReadArchReg(name string) (uint64, error)
	WriteArchReg(name string, v uint64) error
}

func (m *Manager) stackPtrSize(abi *abiinfo.Manager) int {
	return abi.Table().PtrSizeBytes
}

// StackPush decrements SP by the pointer size and writes value there.
func (m *Manager) StackPush(abi *abiinfo.Manager, value uint64) (uint64, error) {
	ptrSize := m.stackPtrSize(abi)
	sp, err := abi.ReadArchReg(abi.Table().SP)
	if err != nil {
		return 0, err
	}
	sp -= uint64(ptrSize)
	buf := make([]byte, ptrSize)
	if ptrSize == 8 {
		binary.LittleEndian.PutUint64(buf, value)
	} else {
		binary.LittleEndian.PutUint32(buf, uint32(value))
	}
	if err := m.Write(sp, buf); err != nil {
		return 0, err
	}
	if err := abi.WriteArchReg(abi.Table().SP, sp); err != nil {
		return 0, err
	}
	return sp, nil
}

// StackPushBytes decrements SP by len(data) (rounded to pointer alignment)
// and writes data there.
func (m *Manager) StackPushBytes(abi *abiinfo.Manager, data []byte) (uint64, error) {
	ptrSize := uint64(m.stackPtrSize(abi))
	sp, err := abi.ReadArchReg(abi.Table().SP)
	if err != nil {
		return 0, err
	}
	size := (uint64(len(data)) + ptrSize - 1) &^ (ptrSize - 1)
	sp -= size
	if err := m.Write(sp, data); err != nil {
		return 0, err
	}
	if err := abi.WriteArchReg(abi.Table().SP, sp); err != nil {
		return 0, err
	}
	return sp, nil
}

// StackPushString pushes a NUL-terminated string.
func (m *Manager) StackPushString(abi *abiinfo.Manager, s string) (uint64, error) {
	return m.StackPushBytes(abi, append([]byte(s), 0))
}

// StackAlign aligns SP down to align bytes.
func (m *Manager) StackAlign(abi *abiinfo.Manager, align uint64) error {
	sp, err := abi.ReadArchReg(abi.Table().SP)
	if err != nil {
		return err
	}
	sp &^= align - 1
	return abi.WriteArchReg(abi.Table().SP, sp)
}

// StackPop reads the pointer-sized value at SP and advances SP past it.
func (m *Manager) StackPop(abi *abiinfo.Manager) (uint64, error) {
	ptrSize := m.stackPtrSize(abi)
	sp, err := abi.ReadArchReg(abi.Table().SP)
	if err != nil {
		return 0, err
	}
	buf, err := m.Read(sp, uint64(ptrSize))
	if err != nil {
		return 0, err
	}
	var v uint64
	if ptrSize == 8 {
		v = binary.LittleEndian.Uint64(buf)
	} else {
		v = uint64(binary.LittleEndian.Uint32(buf))
	}
	if err := abi.WriteArchReg(abi.Table().SP, sp+uint64(ptrSize)); err != nil {
		return 0, err
	}
	return v, nil
}

// Reset unmaps every current mapping from both the backend and the
// mapping list, used by the Context Manager's full restore before it
// remaps and rewrites every saved mapping (§4.7).
func (m *Manager) Reset() error {
	for _, mp := range m.Mappings() {
		if err := m.engine.Unmap(mp.Start, mp.Size()); err != nil {
			return err
		}
	}
	m.mappings = btree.New(8)
	return nil
}

// Brk returns the current program break.
func (m *Manager) Brk() uint64 { return m.brk }

// SetBrk mutates the program break, used by the brk syscall.
func (m *Manager) SetBrk(v uint64) { m.brk = v }
