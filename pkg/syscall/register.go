package syscall

// RegisterDefaults wires every handler built across handlers_*.go into m's
// dispatch table, grading each with the teacher's own Supported/
// PartiallySupported/Error builders (table.go). Argc values reflect the
// standard x86-64 Linux syscall argument counts; architectures with fewer
// parameter registers than a given syscall needs simply read what they
// have (Dispatch clamps argc to len(SysParamRegs)).
func RegisterDefaults(m *Manager) {
	// File I/O.
	m.Register(Supported("open", 3, sysOpen))
	m.Register(Supported("openat", 4, func(d *Deps, args [6]uint64) (uint64, error) {
		return sysOpen(d, [6]uint64{args[1], args[2], args[3]})
	}))
	m.Register(Supported("close", 1, sysClose))
	m.Register(Supported("read", 3, sysRead))
	m.Register(Supported("write", 3, sysWrite))
	m.Register(Supported("lseek", 3, sysLseek))
	m.Register(Supported("stat", 2, sysStat))
	m.Register(Supported("lstat", 2, sysStat))
	m.Register(Supported("fstat", 2, sysFstat))
	m.Register(Supported("access", 2, sysAccess))
	m.Register(Supported("unlink", 1, sysUnlink))
	m.Register(Supported("dup2", 2, sysDup2))
	m.Register(Supported("getcwd", 2, sysGetcwd))
	m.Register(Supported("readv", 3, sysReadv))
	m.Register(Supported("writev", 3, sysWritev))
	m.Register(Supported("poll", 3, sysPoll))
	m.Register(PartiallySupported("ppoll", 5, sysPpoll,
		"The signal-mask argument is ignored, matching rt_sigprocmask."))

	// 32-bit ABI aliases: same handlers, legacy names/argument encodings.
	m.Register(Supported("stat64", 2, sysStat))
	m.Register(Supported("lstat64", 2, sysStat))
	m.Register(Supported("fstat64", 2, sysFstat))
	m.Register(Supported("getuid32", 0, sysGetuid))
	m.Register(Supported("getgid32", 0, sysGetgid))
	m.Register(Supported("geteuid32", 0, sysGeteuid))
	m.Register(Supported("getegid32", 0, sysGetegid))
	m.Register(Supported("_llseek", 5, sysLlseek))

	// Memory management.
	m.Register(Supported("mmap", 6, sysMmap))
	m.Register(Supported("mmap2", 6, sysMmap2))
	m.Register(Supported("munmap", 2, sysMunmap))
	m.Register(Supported("mprotect", 3, sysMprotect))
	m.Register(Supported("brk", 1, sysBrk))

	// Process/identity control.
	m.Register(Supported("getpid", 0, sysGetpid))
	m.Register(Supported("getppid", 0, sysGetppid))
	m.Register(Supported("getpgid", 1, sysGetpgid))
	m.Register(Supported("getuid", 0, sysGetuid))
	m.Register(Supported("getgid", 0, sysGetgid))
	m.Register(Supported("geteuid", 0, sysGeteuid))
	m.Register(Supported("getegid", 0, sysGetegid))
	for _, name := range []string{"setuid", "setgid", "seteuid", "setegid", "setresuid", "setresgid"} {
		m.Register(PartiallySupported(name, 3, sysSetuidIgnored,
			"Arion never changes host-level credentials; accepted and ignored."))
	}
	m.Register(Supported("fork", 0, sysFork))
	m.Register(Supported("vfork", 0, sysFork))
	m.Register(Supported("clone", 5, sysClone))
	m.Register(Supported("execve", 3, sysExecve))
	m.Register(Supported("exit", 1, sysExit))
	m.Register(Supported("exit_group", 1, sysExitGroup))
	m.Register(Supported("wait4", 4, sysWait4))
	m.Register(Supported("kill", 2, sysKill))
	m.Register(Supported("tgkill", 3, sysTgkill))

	// Signals.
	m.Register(Supported("rt_sigaction", 4, sysRtSigaction))
	m.Register(Supported("rt_sigreturn", 0, sysRtSigreturn))
	m.Register(Supported("sigreturn", 0, sysRtSigreturn))
	m.Register(PartiallySupported("rt_sigprocmask", 4, sysRtSigprocmask,
		"Signals are delivered synchronously; masking is accepted but has no effect."))

	// Futex/threading.
	m.Register(Supported("futex", 6, sysFutex))
	m.Register(Supported("gettid", 0, sysGettid))
	m.Register(Supported("set_tid_address", 1, sysSetTidAddress))
	m.Register(Supported("set_robust_list", 2, sysSetRobustList))
	m.Register(PartiallySupported("rseq", 4, sysRseq,
		"Registration bookkeeping only; critical-section aborts are not emulated."))
	m.Register(Supported("sched_yield", 0, sysSchedYield))
	m.Register(Supported("arch_prctl", 2, sysArchPrctl))
	m.Register(Supported("set_thread_area", 1, sysSetThreadArea))

	// Time and entropy.
	m.Register(Supported("uname", 1, sysUname))
	m.Register(Supported("getrandom", 3, sysGetrandom))
	m.Register(Supported("clock_gettime", 2, sysClockGettime))
	m.Register(Supported("nanosleep", 2, sysNanosleep))

	// Sockets.
	m.Register(Supported("socket", 3, sysSocket))
	m.Register(Supported("bind", 3, sysBind))
	m.Register(Supported("listen", 2, sysListen))
	m.Register(Supported("connect", 3, sysConnect))
	m.Register(Supported("accept", 3, sysAccept))
	m.Register(Supported("sendto", 6, sysSendto))
	m.Register(Supported("send", 4, sysSendto))
	m.Register(Supported("recvfrom", 6, sysRecvfrom))
	m.Register(Supported("recv", 4, sysRecvfrom))

	// Explicitly out of scope (§1 non-goals: no multi-core, no real
	// network stack beyond plain sockets, no ptrace).
	m.Register(Error("ptrace", 4, Errno(EPERM), "Process tracing is out of scope"))
	m.Register(Error("sched_setaffinity", 3, Errno(EPERM), "Single-core scheduling model"))
}
