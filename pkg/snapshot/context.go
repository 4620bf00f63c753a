// Package snapshot implements the Context Manager (§4.7): full, structural,
// and delta save/restore of a process's entire guest-visible state, plus
// the ARION_CONTEXT file format of §6. Grounded on the teacher's own
// checkpoint/restore package shape (pkg/sentry/state/state.go: a custom
// binary encoding rather than protobuf, see DESIGN.md) and its thread/
// mapping/fd list cloning, here done with github.com/mohae/deepcopy
// instead of hand-written Clone() methods on every nested struct, and
// file-locked via github.com/gofrs/flock the way the teacher guards its
// own sandbox state files against concurrent writers.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/gofrs/flock"
	"github.com/mohae/deepcopy"
	"golang.org/x/sys/unix"

	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/arionerrors"
	"github.com/arion-emu/arion/pkg/backend"
	"github.com/arion-emu/arion/pkg/fdtable"
	"github.com/arion-emu/arion/pkg/memory"
	"github.com/arion-emu/arion/pkg/threading"
)

// Magic and version are the §6 context file header fields.
var (
	contextMagic   = [8]byte{'A', 'R', 'I', 'O', 'N', 'C', 'T', 'X'}
	contextVersion = float32(1.0)
)

// MappingSnapshot is a cloned mapping plus its raw bytes at snapshot time
// (§3 "Context Snapshot").
type MappingSnapshot struct {
	Start, End uint64
	Perm       backend.Perm
	Info       string
	Data       []byte
}

// Context is the §3 "ARION_CONTEXT": running tid plus owning copies of
// every piece of process state.
type Context struct {
	RunningTid uint64
	Threads    []*threading.Thread
	Futexes    []threading.FutexEntry
	Mappings   []MappingSnapshot
	Files      []*fdtable.File
	Sockets    []*fdtable.Socket
}

// Sources bundles the live managers a Save()/Restore() call needs; kept as
// a struct of narrow dependencies rather than a process import to avoid a
// cycle (pkg/process will in turn depend on pkg/snapshot).
type Sources struct {
	ABI     *abiinfo.Manager
	Mem     *memory.Manager
	Threads *threading.Manager
	FDs     *fdtable.Table
	Engine  backend.Engine
	// ArmTrapsMapped reports whether the ARM_TRAPS vector page is mapped;
	// TLS restore is skipped in baremetal mode when it is not (§4.7).
	ArmTrapsMapped bool
}

// Save captures the full process state (§4.7).
func Save(s *Sources) (*Context, error) {
	runningTid := s.Threads.Running()

	threadsCopy := deepcopy.Copy(s.Threads.Threads()).([]*threading.Thread)
	if s.ABI != nil {
		regs, err := s.ABI.DumpRegs()
		if err != nil {
			return nil, err
		}
		tls, err := s.ABI.ReadArchReg(s.ABI.Table().TLS)
		if err != nil {
			return nil, err
		}
		for _, t := range threadsCopy {
			if t.Tid == runningTid {
				t.SavedRegs = deepcopy.Copy(regs).(map[string]uint64)
				t.SavedTLS = &tls
			}
		}
	}

	futexes := append([]threading.FutexEntry(nil), s.Threads.Futexes()...)

	var mappings []MappingSnapshot
	for _, mp := range s.Mem.Mappings() {
		data, err := s.Mem.Read(mp.Start, mp.Size())
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, MappingSnapshot{
			Start: mp.Start, End: mp.End, Perm: mp.Perm, Info: mp.Info,
			Data: append([]byte(nil), data...),
		})
	}

	files := deepcopy.Copy(s.FDs.Files()).([]*fdtable.File)
	sockets := deepcopy.Copy(s.FDs.Sockets()).([]*fdtable.Socket)

	return &Context{
		RunningTid: runningTid,
		Threads:    threadsCopy,
		Futexes:    futexes,
		Mappings:   mappings,
		Files:      files,
		Sockets:    sockets,
	}, nil
}

// RestoreFull implements "restore(ctx, restore_mem=true)" (§4.7): closes
// every non-standard fd, reopens files and recreates sockets, fully
// unmaps/remaps every mapping writing every recorded byte back, rebuilds
// the thread table and futex list, and reinstalls the running thread's
// registers/TLS.
func RestoreFull(s *Sources, ctx *Context) error {
	if err := restoreFiles(s, ctx); err != nil {
		return err
	}
	if err := restoreSockets(s, ctx); err != nil {
		return err
	}
	if err := restoreMappings(s, ctx, true); err != nil {
		return err
	}
	return restoreThreadsAndRegs(s, ctx)
}

// RestoreStructural implements "restore(ctx, restore_mem=false)": same as
// RestoreFull except mapping contents are not rewritten.
func RestoreStructural(s *Sources, ctx *Context) error {
	if err := restoreFiles(s, ctx); err != nil {
		return err
	}
	if err := restoreSockets(s, ctx); err != nil {
		return err
	}
	if err := restoreMappings(s, ctx, false); err != nil {
		return err
	}
	return restoreThreadsAndRegs(s, ctx)
}

// RestoreDelta implements "restore(ctx, edits)": writes back only the
// bytes named by edits, leaving everything else untouched.
func RestoreDelta(s *Sources, ctx *Context, edits []memory.Edit) error {
	for _, e := range edits {
		for _, mp := range ctx.Mappings {
			if e.Addr < mp.Start || e.Addr+uint64(e.Size) > mp.End {
				continue
			}
			off := e.Addr - mp.Start
			if int(off)+e.Size > len(mp.Data) {
				continue
			}
			if err := s.Mem.Write(e.Addr, mp.Data[off:off+uint64(e.Size)]); err != nil {
				return err
			}
		}
	}
	return nil
}

func restoreFiles(s *Sources, ctx *Context) error {
	for _, f := range s.FDs.Files() {
		if f.GuestFD <= 2 {
			continue
		}
		if hostFD, ok := s.FDs.Close(f.GuestFD); ok {
			_ = unix.Close(hostFD)
		}
	}
	for _, snap := range ctx.Files {
		if snap.GuestFD <= 2 {
			s.FDs.AddFileAt(snap.GuestFD, deepcopy.Copy(snap).(*fdtable.File))
			continue
		}
		hostFD, err := unix.Open(snap.Path, int(snap.Flags), snap.Mode)
		if err != nil {
			return fmt.Errorf("snapshot: reopen %s: %w", snap.Path, err)
		}
		if snap.Offset > 0 {
			if _, err := unix.Seek(hostFD, snap.Offset, 0); err != nil {
				return fmt.Errorf("snapshot: lseek %s: %w", snap.Path, err)
			}
		}
		restored := deepcopy.Copy(snap).(*fdtable.File)
		restored.HostFD = hostFD
		s.FDs.AddFileAt(snap.GuestFD, restored)
	}
	return nil
}

func restoreSockets(s *Sources, ctx *Context) error {
	for _, sock := range s.FDs.Sockets() {
		if hostFD, ok := s.FDs.Close(sock.GuestFD); ok {
			_ = unix.Close(hostFD)
		}
	}
	for _, snap := range ctx.Sockets {
		hostFD, err := unix.Socket(int(snap.Family), int(snap.Type), int(snap.Protocol))
		if err != nil {
			return fmt.Errorf("snapshot: socket: %w", err)
		}
		restored := deepcopy.Copy(snap).(*fdtable.Socket)
		restored.HostFD = hostFD
		// Replay the socket's recorded life: bind(+listen) for servers,
		// connect for clients with a recorded peer (§4.7 full restore).
		if sa := sockaddrOf(snap); sa != nil {
			if snap.Server {
				if err := unix.Bind(hostFD, sa); err != nil {
					return fmt.Errorf("snapshot: bind: %w", err)
				}
				if snap.Listening {
					if err := unix.Listen(hostFD, int(snap.Backlog)); err != nil {
						return fmt.Errorf("snapshot: listen: %w", err)
					}
				}
			} else {
				if err := unix.Connect(hostFD, sa); err != nil {
					return fmt.Errorf("snapshot: connect: %w", err)
				}
			}
		}
		s.FDs.AddSocketAt(snap.GuestFD, restored)
	}
	return nil
}

// sockaddrOf rebuilds the host sockaddr a Socket Entry mirrors, nil when
// the socket was never bound or connected.
func sockaddrOf(sock *fdtable.Socket) unix.Sockaddr {
	switch {
	case sock.UnixPath != "":
		return &unix.SockaddrUnix{Name: sock.UnixPath}
	case sock.IP != "":
		var addr [4]byte
		var cur, idx int
		for i := 0; i < len(sock.IP) && idx < 4; i++ {
			c := sock.IP[i]
			if c == '.' {
				addr[idx] = byte(cur)
				idx++
				cur = 0
				continue
			}
			if c >= '0' && c <= '9' {
				cur = cur*10 + int(c-'0')
			}
		}
		if idx < 4 {
			addr[idx] = byte(cur)
		}
		return &unix.SockaddrInet4{Port: int(sock.Port), Addr: addr}
	default:
		return nil
	}
}

func restoreMappings(s *Sources, ctx *Context, restoreMem bool) error {
	if err := s.Mem.Reset(); err != nil {
		return err
	}
	for _, mp := range ctx.Mappings {
		if _, err := s.Mem.Map(mp.Start, mp.Size(), mp.Perm, mp.Info); err != nil {
			return err
		}
		if restoreMem {
			if err := s.Mem.Write(mp.Start, mp.Data); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *MappingSnapshot) Size() uint64 { return m.End - m.Start }

func restoreThreadsAndRegs(s *Sources, ctx *Context) error {
	s.Threads.ResetThreads()
	var running *threading.Thread
	for _, t := range ctx.Threads {
		clone := deepcopy.Copy(t).(*threading.Thread)
		s.Threads.AddThread(clone)
		if clone.Tid == ctx.RunningTid {
			running = clone
		}
	}
	s.Threads.SetFutexes(append([]threading.FutexEntry(nil), ctx.Futexes...))
	if running == nil {
		return fmt.Errorf("snapshot: running tid %d not found among restored threads", ctx.RunningTid)
	}
	s.Threads.SetRunning(running.Tid)
	if err := s.ABI.LoadRegs(running.SavedRegs); err != nil {
		return err
	}
	if running.SavedTLS != nil && (s.ArmTrapsMapped || s.ABI.Arch() != abiinfo.ARM) {
		return s.ABI.WriteArchReg(s.ABI.Table().TLS, *running.SavedTLS)
	}
	return nil
}

// ---- File format (§6): magic + float32 version + uint64 length + one gob
// payload holding every section; sections have no length prefixes of
// their own ----

type wireContext struct {
	RunningTid uint64
	Threads    []*threading.Thread
	Futexes    []threading.FutexEntry
	Mappings   []MappingSnapshot
	Files      []*fdtable.File
	Sockets    []*fdtable.Socket
}

// SaveToFile encodes ctx with the ARIONCTX header and writes it to path,
// holding an advisory lock for the duration of the write (§4.7, §6).
func SaveToFile(path string, ctx *Context) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return &arionerrors.ContextFileError{Wrapped: err}
	}
	defer lock.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return &arionerrors.ContextFileError{Wrapped: err}
	}
	defer f.Close()

	if _, err := f.Write(contextMagic[:]); err != nil {
		return &arionerrors.ContextFileError{Wrapped: err}
	}
	if err := binary.Write(f, binary.LittleEndian, contextVersion); err != nil {
		return &arionerrors.ContextFileError{Wrapped: err}
	}

	wc := wireContext{
		RunningTid: ctx.RunningTid, Threads: ctx.Threads, Futexes: ctx.Futexes,
		Mappings: ctx.Mappings, Files: ctx.Files, Sockets: ctx.Sockets,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&wc); err != nil {
		return &arionerrors.ContextFileError{Wrapped: err}
	}
	if err := binary.Write(f, binary.LittleEndian, uint64(buf.Len())); err != nil {
		return &arionerrors.ContextFileError{Wrapped: err}
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return &arionerrors.ContextFileError{Wrapped: err}
	}
	return nil
}

// RestoreFromFile reads back a context written by SaveToFile, refusing a
// newer major version (§6 "Forwards compatibility: newer majors refused").
func RestoreFromFile(path string) (*Context, error) {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, &arionerrors.ContextFileError{Wrapped: err}
	}
	defer lock.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, &arionerrors.ContextFileError{Wrapped: err}
	}
	defer f.Close()

	var magic [8]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, &arionerrors.ContextFileError{Wrapped: err}
	}
	if magic != contextMagic {
		return nil, &arionerrors.WrongMagic{Got: magic}
	}

	var version float32
	if err := binary.Read(f, binary.LittleEndian, &version); err != nil {
		return nil, &arionerrors.ContextFileError{Wrapped: err}
	}
	if int(version) > int(contextVersion) {
		return nil, &arionerrors.NewerVersion{FileVersion: version, Supported: contextVersion}
	}

	var length uint64
	if err := binary.Read(f, binary.LittleEndian, &length); err != nil {
		return nil, &arionerrors.ContextFileError{Wrapped: err}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(f, payload); err != nil {
		return nil, &arionerrors.ContextFileError{Wrapped: err}
	}

	var wc wireContext
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&wc); err != nil {
		return nil, &arionerrors.ContextFileError{Wrapped: err}
	}
	return &Context{
		RunningTid: wc.RunningTid, Threads: wc.Threads, Futexes: wc.Futexes,
		Mappings: wc.Mappings, Files: wc.Files, Sockets: wc.Sockets,
	}, nil
}
