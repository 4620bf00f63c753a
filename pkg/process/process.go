// Package process implements the Process (Arion) and Emulation Group
// (§3, §4.9): the top-level object that composes every other manager,
// holds identity and parent/child relations, and drives the cooperative
// run loop. Grounded on the teacher's own arena-of-pids ownership model
// for cyclic process/parent/group references (§9 "Model as arenas
// indexed by pid"), mirroring the Task/TaskSet split in the other_examples
// gVisor forks' task.go/task_start.go.
package process

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/backend"
	"github.com/arion-emu/arion/pkg/fdtable"
	"github.com/arion-emu/arion/pkg/hooks"
	"github.com/arion-emu/arion/pkg/memory"
	"github.com/arion-emu/arion/pkg/sig"
	syscallmgr "github.com/arion-emu/arion/pkg/syscall"
	"github.com/arion-emu/arion/pkg/threading"
)

// Identity holds the §3 "Process (Arion)" identity fields: pid, pgid,
// sid, (uid, gid, euid, egid).
type Identity struct {
	Pid, Pgid, Sid       int32
	Uid, Gid, Euid, Egid int32
}

// Process is the §3 "Process (Arion)" data model entry: identity,
// relations, and the manager set layered L0-L3 beneath it.
type Process struct {
	id Identity

	parentPid *int32
	children  map[int32]bool

	Engine   backend.Engine
	ABI      *abiinfo.Manager
	Mem      *memory.Manager
	FDs      *fdtable.Table
	Sandbox  *fdtable.Sandbox
	Hooks    *hooks.Manager
	Threads  *threading.Manager
	Sig      *sig.Manager
	Syscalls *syscallmgr.Manager

	group *Group
	log   *logrus.Logger

	// Loader rebuilds this process's image on execve; set by whichever
	// package constructs the process (the loader itself, or Fork copying
	// it from the parent). nil until then.
	Loader ExecLoader
	// ThreadBlockingIO mirrors the syscall Deps field of the same name so
	// Fork can carry the setting over to a freshly bootstrapped child.
	ThreadBlockingIO bool

	stopped bool
	zombie  bool

	exitStatus int32
	crashErr   error

	startOverride *uint64
	endOverride   *uint64

	waitingForPid  int32
	waitStatusAddr uint64

	ArmTrapsMapped bool
}

// New constructs a Process with the given identity, owned by group (may
// be nil for a standalone process built outside any group, e.g. in
// tests). Every manager field must be populated by the caller (the
// loader/CLI construction path) before the process is scheduled.
func New(id Identity, group *Group, log *logrus.Logger) *Process {
	return &Process{
		id:            id,
		children:      make(map[int32]bool),
		group:         group,
		log:           log,
		waitingForPid: 0,
	}
}

// NewBootstrapped constructs a Process and wires its full manager stack
// (backend engine through syscall manager) in one call, exposing Fork's
// own bootstrap step to external collaborators -- chiefly pkg/loader,
// whose ELF/baremetal "new_instance" entry points (§6) need exactly this
// without reaching into package-private construction details.
func NewBootstrapped(id Identity, group *Group, log *logrus.Logger, arch abiinfo.CPUArch, sandbox *fdtable.Sandbox, threadBlockingIO bool) (*Process, error) {
	p := New(id, group, log)
	if err := p.bootstrap(arch, sandbox, threadBlockingIO); err != nil {
		return nil, err
	}
	return p, nil
}

// Stopped implements threading.ProcessState.
func (p *Process) Stopped() bool { return p.stopped }

// Zombie implements threading.ProcessState.
func (p *Process) Zombie() bool { return p.zombie }

// SetStopped implements sig.ProcessOps.
func (p *Process) SetStopped(v bool) { p.stopped = v }

// RemoveChild implements sig.ProcessOps: removes pid from the children set.
func (p *Process) RemoveChild(pid int32) { delete(p.children, pid) }

// AddChild registers pid as a child of this process.
func (p *Process) AddChild(pid int32) { p.children[pid] = true }

// Children returns the live child pids.
func (p *Process) Children() []int32 {
	out := make([]int32, 0, len(p.children))
	for pid := range p.children {
		out = append(out, pid)
	}
	return out
}

// SigWaitMatches implements sig.ProcessOps: reports whether a pending
// wait4 registered by this process matches a SIGCHLD from sourcePid, per
// §4.6's SIGCHLD default-disposition rule. A match consumes the wait and
// reaps the zombie out of the group, the same teardown the synchronous
// Wait4 fast-path performs; the Signal Manager writes the (always-zero)
// status word itself.
func (p *Process) SigWaitMatches(signo int32, sourcePid int32) (uint64, bool) {
	if signo != sig.SIGCHLD || p.waitingForPid == 0 {
		return 0, false
	}
	if p.waitingForPid > 0 && p.waitingForPid != sourcePid {
		return 0, false
	}
	addr := p.waitStatusAddr
	p.waitingForPid = 0
	p.waitStatusAddr = 0
	if p.group != nil {
		_ = p.group.RemoveProcess(sourcePid)
	}
	return addr, true
}

// ---- syscall.Orchestrator identity surface ----

func (p *Process) Pid() int32  { return p.id.Pid }
func (p *Process) Pgid() int32 { return p.id.Pgid }
func (p *Process) Uid() int32  { return p.id.Uid }
func (p *Process) Gid() int32  { return p.id.Gid }
func (p *Process) Euid() int32 { return p.id.Euid }
func (p *Process) Egid() int32 { return p.id.Egid }

func (p *Process) Ppid() int32 {
	if p.parentPid == nil {
		return 0
	}
	return *p.parentPid
}

// SetParent records pid as this process's parent.
func (p *Process) SetParent(pid int32) { p.parentPid = &pid }

// ExitStatus returns the status recorded by the most recent exit/exit_group.
func (p *Process) ExitStatus() int32 { return p.exitStatus }

// CrashErr returns the first error captured via crash(), if any.
func (p *Process) CrashErr() error { return p.crashErr }

func (p *Process) logf(format string, args ...any) {
	if p.log != nil {
		p.log.Debugf(format, args...)
	}
}

// Crash implements hooks.CrashRecorder: a callback escaping with an error
// is routed here instead of panicking the run loop.
func (p *Process) Crash(err error) { p.crash(err) }

// crash implements Process::crash(err): records the first error and stops
// the process (§4.9, §7).
func (p *Process) crash(err error) {
	if p.crashErr == nil {
		p.crashErr = err
	}
	p.stop()
}

// stop implements Process::stop(): asks the backend to leave its current
// run immediately.
func (p *Process) stop() {
	p.stopped = true
	if p.Engine != nil {
		_ = p.Engine.Stop()
	}
}

// syncThreads implements Process::sync_threads(): the same cooperative
// primitive as stop(), driving the scheduler to reconsider eligible
// threads at the next safe point (§4.5, §4.9).
func (p *Process) syncThreads() {
	p.Threads.RequestSync()
	if p.Engine != nil {
		_ = p.Engine.Stop()
	}
}

// teardown releases every owned resource, per §5 "Resource lifetime":
// backend engines, hooks, files/sockets, mappings are all owned by the
// process and released on destruction.
func (p *Process) teardown() error {
	for _, f := range p.FDs.Files() {
		// Guest fds 0-2 alias the host's own standard streams; those are
		// not this process's to close.
		if f.GuestFD <= 2 {
			continue
		}
		_ = unix.Close(f.HostFD)
	}
	for _, s := range p.FDs.Sockets() {
		_ = unix.Close(s.HostFD)
	}
	if p.Engine != nil {
		return p.Engine.Close()
	}
	return nil
}
