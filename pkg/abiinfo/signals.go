package abiinfo

// Linux signal numbers used by the interrupt-to-signal tables. Named
// constants rather than magic numbers in every arch table.
const (
	sigHUP    = 1
	sigINT    = 2
	sigQUIT   = 3
	sigILL    = 4
	sigTRAP   = 5
	sigABRT   = 6
	sigBUS    = 7
	sigFPE    = 8
	sigKILL   = 9
	sigUSR1   = 10
	sigSEGV   = 11
	sigUSR2   = 12
	sigPIPE   = 13
	sigALRM   = 14
	sigTERM   = 15
	sigSTKFLT = 16
	sigCHLD   = 17
	sigCONT   = 18
	sigSTOP   = 19
	sigTSTP   = 20
	sigTTIN   = 21
	sigTTOU   = 22
	sigURG    = 23
	sigXCPU   = 24
	sigXFSZ   = 25
	sigVTALRM = 26
	sigPROF   = 27
	sigWINCH  = 28
	sigIO     = 29
	sigPWR    = 30
	sigSYS    = 31
)

// SignalName is exported for callers (Signal Manager) that need a
// human-readable name for logging.
func SignalName(signo int32) string {
	names := map[int32]string{
		sigHUP: "SIGHUP", sigINT: "SIGINT", sigQUIT: "SIGQUIT", sigILL: "SIGILL",
		sigTRAP: "SIGTRAP", sigABRT: "SIGABRT", sigBUS: "SIGBUS", sigFPE: "SIGFPE",
		sigKILL: "SIGKILL", sigUSR1: "SIGUSR1", sigSEGV: "SIGSEGV", sigUSR2: "SIGUSR2",
		sigPIPE: "SIGPIPE", sigALRM: "SIGALRM", sigTERM: "SIGTERM", sigCHLD: "SIGCHLD",
		sigCONT: "SIGCONT", sigSTOP: "SIGSTOP", sigTSTP: "SIGTSTP", sigTTIN: "SIGTTIN",
		sigTTOU: "SIGTTOU", sigXCPU: "SIGXCPU", sigXFSZ: "SIGXFSZ", sigVTALRM: "SIGVTALRM",
		sigPROF: "SIGPROF", sigSYS: "SIGSYS",
	}
	if n, ok := names[signo]; ok {
		return n
	}
	return "SIG?"
}
