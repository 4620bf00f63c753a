package process

import (
	"encoding/binary"

	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/arionerrors"
	"github.com/arion-emu/arion/pkg/backend"
	"github.com/arion-emu/arion/pkg/fdtable"
	"github.com/arion-emu/arion/pkg/hooks"
	"github.com/arion-emu/arion/pkg/memory"
	"github.com/arion-emu/arion/pkg/sig"
	"github.com/arion-emu/arion/pkg/snapshot"
	syscallmgr "github.com/arion-emu/arion/pkg/syscall"
	"github.com/arion-emu/arion/pkg/threading"
)

// wnohang mirrors Linux's WNOHANG wait4 option bit.
const wnohang = 1

// ExecLoader rebuilds a process's memory image and initial register state
// for execve. Kept as a narrow interface rather than an import of
// pkg/loader, which depends on pkg/process, not the other way around.
type ExecLoader interface {
	LoadExec(p *Process, path string, argv, envp []string) error
}

// bootstrap constructs a fresh manager stack (backend engine through
// syscall manager) for p, matching the wiring New()'s caller would
// otherwise have to repeat by hand. Used by both the top-level process
// construction path and Fork's child.
func (p *Process) bootstrap(arch abiinfo.CPUArch, sandbox *fdtable.Sandbox, threadBlockingIO bool) error {
	engine, err := backend.New(arch)
	if err != nil {
		return err
	}
	abi, err := abiinfo.Init(engine.RegisterIO(), arch)
	if err != nil {
		return err
	}
	mem := memory.New(engine)

	p.Engine = engine
	p.ABI = abi
	p.Mem = mem
	p.FDs = fdtable.New()
	p.Sandbox = sandbox
	p.ThreadBlockingIO = threadBlockingIO

	p.Threads = threading.New(abi, mem, p)
	p.Hooks = hooks.New(engine, p)
	p.Sig = sig.New(abi, mem, p.Threads, p.sigreturnInstaller)
	p.Syscalls = syscallmgr.New(&syscallmgr.Deps{
		ABI: abi, Mem: mem, Threads: p.Threads, FDs: p.FDs, Sandbox: sandbox,
		Sig: p.Sig, Hooks: p.Hooks, Orch: p,
		ThreadBlockingIO: threadBlockingIO, Log: p.log,
	})
	return nil
}

// sigreturnInstaller implements sig.HookInstaller over this process's own
// backend engine (§4.6 step 1's transient return-address hook).
func (p *Process) sigreturnInstaller(addr uint64, onHit func()) (func(), error) {
	id, err := p.Engine.HookCode(addr, addr, func(a uint64, size uint32) { onHit() })
	if err != nil {
		return nil, err
	}
	return func() { _ = p.Engine.Uninstall(id) }, nil
}

// Fork implements §4.9/§8's "fork deep-copies the whole context via the
// Context Manager into a new process in the same group, with the child's
// syscall return set to 0." The child gets its own backend engine and
// manager stack for the same architecture; every piece of guest-visible
// state (mappings, threads, futexes, files, sockets) is cloned through
// snapshot.Save/RestoreFull rather than hand-copied field by field.
func (p *Process) Fork() (int32, error) {
	if p.group == nil {
		return 0, &arionerrors.InvalidArgument{Msg: "fork: process has no owning group"}
	}

	child := New(Identity{
		Uid: p.id.Uid, Gid: p.id.Gid, Euid: p.id.Euid, Egid: p.id.Egid,
	}, p.group, p.log)
	if err := child.bootstrap(p.ABI.Arch(), p.Sandbox, p.ThreadBlockingIO); err != nil {
		return 0, err
	}
	child.Loader = p.Loader

	src := &snapshot.Sources{
		ABI: p.ABI, Mem: p.Mem, Threads: p.Threads, FDs: p.FDs,
		Engine: p.Engine, ArmTrapsMapped: p.ArmTrapsMapped,
	}
	ctx, err := snapshot.Save(src)
	if err != nil {
		return 0, err
	}

	dst := &snapshot.Sources{
		ABI: child.ABI, Mem: child.Mem, Threads: child.Threads, FDs: child.FDs,
		Engine: child.Engine, ArmTrapsMapped: p.ArmTrapsMapped,
	}
	if err := snapshot.RestoreFull(dst, ctx); err != nil {
		return 0, err
	}
	child.ArmTrapsMapped = p.ArmTrapsMapped

	table := child.ABI.Table()
	if err := child.ABI.WriteReg(table.SysRetReg, table.WordSizeBits, 0); err != nil {
		return 0, err
	}

	childPid := p.group.AddProcess(child)
	child.SetParent(p.id.Pid)
	p.AddChild(childPid)
	return childPid, nil
}

// CloneThread implements §4.9/§8's CLONE_THREAD branch: a new guest thread
// in the same process, not a new process.
func (p *Process) CloneThread(flags uint64, newSP, newTLS, childTidAddr, parentTidAddr uint64, exitSignal int32) (uint64, error) {
	return p.Threads.CloneThread(flags, newSP, newTLS, childTidAddr, parentTidAddr, exitSignal)
}

// Execve implements "execve builds a fresh process image via the loader
// and swaps it into the group at the same pid" -- delegated entirely to
// the installed ExecLoader, which knows how to parse the target binary
// and rebuild this process's memory/register state in place.
func (p *Process) Execve(path string, argv, envp []string) error {
	if p.Loader == nil {
		return &arionerrors.InvalidArgument{Msg: "execve: no loader installed"}
	}
	return p.Loader.LoadExec(p, path, argv, envp)
}

// Exit implements "exit removes the running thread; if it was the last
// thread, the process terminates" (§4.9, §8).
func (p *Process) Exit(status int32) {
	tid := p.Threads.Running()
	_ = p.Threads.RemoveThread(tid)
	if p.Threads.Count() == 0 {
		p.finish(status)
	}
}

// ExitGroup implements exit_group: every thread terminates immediately,
// regardless of how many remain.
func (p *Process) ExitGroup(status int32) {
	p.Threads.ResetThreads()
	p.finish(status)
}

// finish marks the process a zombie and delivers SIGCHLD to its parent,
// per §4.6's SIGCHLD default disposition and §3's "zombie: no live thread,
// but the parent hasn't reaped it yet."
func (p *Process) finish(status int32) {
	p.exitStatus = status
	p.zombie = true
	if p.group == nil || p.parentPid == nil {
		return
	}
	parent, ok := p.group.Lookup(*p.parentPid)
	if !ok {
		return
	}
	if err := parent.Sig.HandleSignal(parent, p.id.Pid, sig.SIGCHLD); err != nil {
		parent.crash(err)
	}
}

// Wait4 implements §4.9/§8's blocking wait4: an already-zombie matching
// child is reaped immediately; otherwise (absent WNOHANG) the calling
// thread is marked sig-waiting and Cancel is returned so the dispatcher
// rolls the syscall back, the same cooperative-retry contract blocking
// I/O uses (§4.8).
func (p *Process) Wait4(pid int32, options int32, statusAddr uint64) (int32, int32, error) {
	if p.group == nil {
		return 0, 0, &arionerrors.NoChildWithPid{Pid: pid}
	}
	if pid == p.id.Pid {
		return 0, 0, &arionerrors.WaitOnSameProcess{Pid: pid}
	}
	if pid > 0 && !p.children[pid] {
		return 0, 0, &arionerrors.NoChildWithPid{Pid: pid}
	}
	if pid <= 0 && len(p.children) == 0 {
		return 0, 0, &arionerrors.NoChildWithPid{Pid: pid}
	}

	if child, ok := p.group.findZombieChild(p.id.Pid, pid); ok {
		status := child.ExitStatus()
		if statusAddr != 0 {
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, uint32(status))
			if err := p.Mem.Write(statusAddr, buf); err != nil {
				return 0, 0, err
			}
		}
		reapedPid := child.Pid()
		p.RemoveChild(reapedPid)
		_ = p.group.RemoveProcess(reapedPid)
		return reapedPid, status, nil
	}

	if options&wnohang != 0 {
		return 0, 0, nil
	}

	tid := p.Threads.Running()
	p.waitingForPid = pid
	p.waitStatusAddr = statusAddr
	if err := p.Threads.SetSigWaiting(tid, true); err != nil {
		if _, already := err.(*arionerrors.ThreadAlreadySigWaiting); !already {
			return 0, 0, err
		}
	}
	return 0, 0, syscallmgr.Cancel
}

// Kill implements kill(2): delivers signo to the process at pid, which
// must be reachable through this process's own group.
func (p *Process) Kill(pid int32, signo int32) error {
	if p.group == nil {
		return &arionerrors.NoChildWithPid{Pid: pid}
	}
	target, ok := p.group.Lookup(pid)
	if !ok {
		return &arionerrors.NoChildWithPid{Pid: pid}
	}
	return target.Sig.HandleSignal(target, p.id.Pid, signo)
}

// TgKill implements tgkill(2): like Kill, but additionally requires tid to
// name a live thread of tgid's process.
func (p *Process) TgKill(tgid, tid int32, signo int32) error {
	if p.group == nil {
		return &arionerrors.NoChildWithPid{Pid: tgid}
	}
	target, ok := p.group.Lookup(tgid)
	if !ok {
		return &arionerrors.NoChildWithPid{Pid: tgid}
	}
	if _, ok := target.Threads.Thread(uint64(tid)); !ok {
		return &arionerrors.WrongThreadID{Tid: uint64(tid)}
	}
	return target.Sig.HandleSignal(target, p.id.Pid, signo)
}
