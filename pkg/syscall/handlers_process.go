package syscall

// Identity syscalls (§4.8 "Identity"): cached process identity, real
// setters ignored since Arion never changes host credentials.
func sysGetpid(d *Deps, args [6]uint64) (uint64, error) {
	return uint64(uint32(d.Orch.Pid())), nil
}

func sysGetppid(d *Deps, args [6]uint64) (uint64, error) {
	return uint64(uint32(d.Orch.Ppid())), nil
}

func sysGetpgid(d *Deps, args [6]uint64) (uint64, error) {
	return uint64(uint32(d.Orch.Pgid())), nil
}

func sysGetuid(d *Deps, args [6]uint64) (uint64, error) {
	return uint64(uint32(d.Orch.Uid())), nil
}

func sysGetgid(d *Deps, args [6]uint64) (uint64, error) {
	return uint64(uint32(d.Orch.Gid())), nil
}

func sysGeteuid(d *Deps, args [6]uint64) (uint64, error) {
	return uint64(uint32(d.Orch.Euid())), nil
}

func sysGetegid(d *Deps, args [6]uint64) (uint64, error) {
	return uint64(uint32(d.Orch.Egid())), nil
}

// sysSetuidIgnored backs every *id-setter: accepted, but a no-op.
func sysSetuidIgnored(d *Deps, args [6]uint64) (uint64, error) {
	return 0, nil
}

// sysFork implements "fork/clone without CLONE_THREAD deep-copy the whole
// context via Context Manager into a new process in the same group and
// set the child's syscall return to 0" -- from the parent's perspective,
// which is the side this handler runs on; the child's own return-0 is
// produced by the Orchestrator when it constructs the new process from
// the cloned context (its saved PC/ret_reg already reflect the syscall
// return site, so the dispatcher's normal write-back handles it once the
// new process is scheduled).
func sysFork(d *Deps, args [6]uint64) (uint64, error) {
	childPid, err := d.Orch.Fork()
	if err != nil {
		return NegErrno(ENOMEM), nil
	}
	if d.Hooks != nil {
		d.Hooks.TriggerFork(childPid)
	}
	return uint64(uint32(childPid)), nil
}

const cloneThreadFlag = 0x00010000

// sysClone implements both branches of "clone": CLONE_THREAD creates a
// new guest thread in the current process; otherwise it behaves like fork.
func sysClone(d *Deps, args [6]uint64) (uint64, error) {
	flags, newSP, parentTidAddr, childTidAddr, newTLS := args[0], args[1], args[2], args[3], args[4]
	if flags&cloneThreadFlag != 0 {
		childTid, err := d.Orch.CloneThread(flags, newSP, newTLS, childTidAddr, parentTidAddr, 0)
		if err != nil {
			return NegErrno(ENOMEM), nil
		}
		return childTid, nil
	}
	return sysFork(d, args)
}

// sysExecve implements "execve builds a fresh process via the loader and
// swaps it into the group at the same pid."
func sysExecve(d *Deps, args [6]uint64) (uint64, error) {
	path, err := readCString(d, args[0])
	if err != nil {
		return NegErrno(EINVAL), nil
	}
	host, rerr := resolvePath(d, path)
	if rerr != nil {
		return NegErrno(EACCES), nil
	}
	argv, err := readStringArray(d, args[1])
	if err != nil {
		return NegErrno(EINVAL), nil
	}
	envp, err := readStringArray(d, args[2])
	if err != nil {
		return NegErrno(EINVAL), nil
	}
	if err := d.Orch.Execve(host, argv, envp); err != nil {
		return NegErrno(ENOENT), nil
	}
	if d.Hooks != nil {
		d.Hooks.TriggerExecve(d.Orch)
	}
	return 0, nil
}

func readStringArray(d *Deps, addr uint64) ([]string, error) {
	if addr == 0 {
		return nil, nil
	}
	ptrs, err := d.Mem.ReadPtrArr(addr, d.ABI.Table().PtrSizeBytes)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ptrs))
	for _, p := range ptrs {
		s, err := d.Mem.ReadCString(p)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// sysExit implements "exit removes the running thread; if it was the last
// thread, the process terminates."
func sysExit(d *Deps, args [6]uint64) (uint64, error) {
	d.Orch.Exit(int32(args[0]))
	return 0, nil
}

func sysExitGroup(d *Deps, args [6]uint64) (uint64, error) {
	d.Orch.ExitGroup(int32(args[0]))
	return 0, nil
}

// sysWait4 implements "wait4 blocks (cooperatively) until a matching
// zombie child exists, reaps it, and writes its status word". Orch.Wait4
// does the reaping and the status write itself (it alone holds both the
// child table and this process's Memory Manager); a Cancel error here
// just means "nothing to reap yet, retry".
func sysWait4(d *Deps, args [6]uint64) (uint64, error) {
	pid := int32(args[0])
	reaped, _, err := d.Orch.Wait4(pid, int32(args[2]), args[1])
	if err != nil {
		if err == Cancel {
			return 0, Cancel
		}
		return NegErrno(ECHILD), nil
	}
	return uint64(uint32(reaped)), nil
}

func sysKill(d *Deps, args [6]uint64) (uint64, error) {
	if err := d.Orch.Kill(int32(args[0]), int32(args[1])); err != nil {
		return NegErrno(ESRCH), nil
	}
	return 0, nil
}

func sysTgkill(d *Deps, args [6]uint64) (uint64, error) {
	if err := d.Orch.TgKill(int32(args[0]), int32(args[1]), int32(args[2])); err != nil {
		return NegErrno(ESRCH), nil
	}
	return 0, nil
}

// ESRCH ("no such process") is used only by the kill-family handlers.
const ESRCH = 3
