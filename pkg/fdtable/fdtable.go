// Package fdtable implements the File Table & Socket Table (§3, layer L1):
// guest fd -> host resource bookkeeping plus the path sandboxing rules of
// §4.8, grounded on the teacher's host-backed fd table style (runsc's own
// fsgofer/fd-passing model, generalized here to a direct host-fd mapping
// since this core talks straight to golang.org/x/sys/unix rather than
// brokering through a gofer process).
package fdtable

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/arion-emu/arion/pkg/arionerrors"
)

// File is the §3 "File Entry": (guest_fd, host_fd, path, open flags, mode,
// blocking, saved offset).
type File struct {
	GuestFD int32
	HostFD  int
	Path    string
	Flags   int32
	Mode    uint32
	Blocking bool
	Offset  int64
}

// Socket is the §3 "Socket Entry".
type Socket struct {
	GuestFD    int32
	HostFD     int
	Family     int32
	Type       int32
	Protocol   int32
	IP         string
	Port       uint16
	UnixPath   string
	Server     bool
	Listening  bool
	Backlog    int32
	Blocking   bool
	LastSockaddr []byte
}

// Sandbox rewrites guest-visible paths against fs_root/cwd, and resolves
// /proc/<pid|self>/... against the owning process's identity (§4.8).
type Sandbox struct {
	FSRoot string
	Cwd    string
	Pid    int32
}

// Resolve rewrites a guest path to a host path. An absolute path is
// prefixed with fs_root; a relative one is joined to cwd first and then
// prefixed. /proc/<pid|self>/... is rewritten to /proc/<Pid>/... before the
// fs_root prefix is applied, since /proc is never sandboxed -- the guest's
// notion of "self" must resolve to the emulated process's real identity,
// not a literal path inside fs_root. A path whose ".." components climb
// above fs_root returns ("", FileNotInRoot).
func (s *Sandbox) Resolve(guestPath string) (string, error) {
	rewritten := s.rewriteProc(guestPath)

	if !strings.HasPrefix(rewritten, "/") {
		rewritten = s.Cwd + "/" + rewritten
	}
	clean := path.Clean(rewritten)

	if strings.HasPrefix(clean, "/proc/") || clean == "/proc" {
		return clean, nil
	}

	// Join the uncleaned path so that ".." can climb above fs_root and be
	// caught by the prefix check below.
	host := path.Join(s.FSRoot, rewritten)
	root := path.Clean(s.FSRoot)
	if root != "/" && host != root && !strings.HasPrefix(host, root+"/") {
		return "", &arionerrors.FileNotInRoot{Path: guestPath, Root: s.FSRoot}
	}
	return host, nil
}

func (s *Sandbox) rewriteProc(guestPath string) string {
	const prefix = "/proc/"
	if !strings.HasPrefix(guestPath, prefix) {
		return guestPath
	}
	rest := guestPath[len(prefix):]
	seg, tail, hasTail := strings.Cut(rest, "/")
	if seg != "self" {
		if _, err := strconv.Atoi(seg); err != nil {
			return guestPath
		}
		return guestPath
	}
	if hasTail {
		return fmt.Sprintf("/proc/%d/%s", s.Pid, tail)
	}
	return fmt.Sprintf("/proc/%d", s.Pid)
}

// Table owns both the file and socket maps; their guest-fd key sets are
// kept disjoint (§3, §8 testable property).
type Table struct {
	files   map[int32]*File
	sockets map[int32]*Socket
	nextFD  int32
}

// New constructs an empty table; guest fds 0, 1, 2 are expected to be
// populated immediately afterward by aliasing the host's standard streams
// (§3 "File Entry").
func New() *Table {
	return &Table{
		files:   make(map[int32]*File),
		sockets: make(map[int32]*Socket),
		nextFD:  3,
	}
}

// allocFD returns the lowest guest fd not currently used by either table.
func (t *Table) allocFD() int32 {
	for {
		fd := t.nextFD
		t.nextFD++
		if _, used := t.files[fd]; used {
			continue
		}
		if _, used := t.sockets[fd]; used {
			continue
		}
		return fd
	}
}

// AddFile inserts a File entry at a freshly allocated guest fd.
func (t *Table) AddFile(f *File) int32 {
	fd := t.allocFD()
	f.GuestFD = fd
	t.files[fd] = f
	return fd
}

// AddFileAt inserts a File entry at an explicit guest fd (used when
// aliasing stdin/stdout/stderr at construction, or by dup2-family
// handlers), overwriting/closing whatever previously lived there.
func (t *Table) AddFileAt(fd int32, f *File) {
	f.GuestFD = fd
	delete(t.sockets, fd)
	t.files[fd] = f
}

// AddSocket inserts a Socket entry at a freshly allocated guest fd.
func (t *Table) AddSocket(s *Socket) int32 {
	fd := t.allocFD()
	s.GuestFD = fd
	t.sockets[fd] = s
	return fd
}

// AddSocketAt mirrors AddFileAt for sockets (used by dup2-family handlers).
func (t *Table) AddSocketAt(fd int32, s *Socket) {
	s.GuestFD = fd
	delete(t.files, fd)
	t.sockets[fd] = s
}

// File looks up a file entry by guest fd.
func (t *Table) File(fd int32) (*File, bool) {
	f, ok := t.files[fd]
	return f, ok
}

// Socket looks up a socket entry by guest fd.
func (t *Table) Socket(fd int32) (*Socket, bool) {
	s, ok := t.sockets[fd]
	return s, ok
}

// IsSocket reports whether fd names a socket rather than a file.
func (t *Table) IsSocket(fd int32) bool {
	_, ok := t.sockets[fd]
	return ok
}

// Close removes fd from whichever table holds it, returning the removed
// host fd (for the caller to unix.Close) and true, or (0, false) if fd was
// not open.
func (t *Table) Close(fd int32) (hostFD int, ok bool) {
	if f, present := t.files[fd]; present {
		delete(t.files, fd)
		return f.HostFD, true
	}
	if s, present := t.sockets[fd]; present {
		delete(t.sockets, fd)
		return s.HostFD, true
	}
	return 0, false
}

// Files returns every currently open file entry.
func (t *Table) Files() []*File {
	out := make([]*File, 0, len(t.files))
	for _, f := range t.files {
		out = append(out, f)
	}
	return out
}

// Sockets returns every currently open socket entry.
func (t *Table) Sockets() []*Socket {
	out := make([]*Socket, 0, len(t.sockets))
	for _, s := range t.sockets {
		out = append(out, s)
	}
	return out
}

// Clone deep-copies the table, used by the Context Manager's full restore
// and by fork (§4.7, §4.8).
func (t *Table) Clone() *Table {
	c := &Table{
		files:   make(map[int32]*File, len(t.files)),
		sockets: make(map[int32]*Socket, len(t.sockets)),
		nextFD:  t.nextFD,
	}
	for fd, f := range t.files {
		cp := *f
		c.files[fd] = &cp
	}
	for fd, s := range t.sockets {
		cp := *s
		c.sockets[fd] = &cp
	}
	return c
}
