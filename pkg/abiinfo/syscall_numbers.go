package abiinfo

// x86SyscallTable is the classic 32-bit Linux syscall table (int 0x80).
// Only the subset exercised by the Syscall Manager (§4.8) is listed;
// everything else falls through the "unknown number" path (§6) rather
// than being exhaustively enumerated.
var x86SyscallTable = map[uint64]string{
	1: "exit", 2: "fork", 3: "read", 4: "write", 5: "open", 6: "close",
	7: "waitpid", 9: "link", 10: "unlink", 11: "execve", 12: "chdir",
	13: "time", 14: "mknod", 15: "chmod", 19: "lseek", 20: "getpid",
	33: "access", 37: "kill", 38: "rename", 39: "mkdir", 40: "rmdir",
	41: "dup", 42: "pipe", 45: "brk", 47: "getgid", 54: "ioctl",
	66: "setsid", 63: "dup2", 64: "getppid", 78: "gettimeofday",
	85: "readlink", 90: "mmap", 91: "munmap", 94: "fchmod",
	102: "socketcall", 114: "wait4", 119: "sigreturn", 120: "clone",
	122: "uname", 125: "mprotect", 140: "_llseek", 141: "getdents",
	142: "_newselect", 145: "readv", 146: "writev", 158: "sched_yield",
	162: "nanosleep", 163: "mremap", 168: "poll", 173: "rt_sigreturn",
	174: "rt_sigaction", 175: "rt_sigprocmask", 176: "rt_sigpending",
	179: "rt_sigsuspend", 180: "pread64", 181: "pwrite64", 183: "getcwd",
	190: "vfork", 192: "mmap2", 195: "stat64", 196: "lstat64",
	197: "fstat64", 199: "getuid32", 200: "getgid32", 201: "geteuid32",
	202: "getegid32", 220: "getdents64", 221: "fcntl64", 224: "gettid",
	240: "futex", 243: "set_thread_area", 252: "exit_group",
	258: "set_tid_address", 265: "clock_gettime", 266: "clock_getres",
	270: "tgkill", 295: "openat", 309: "ppoll", 311: "set_robust_list",
	301: "unlinkat", 323: "eventfd", 324: "fallocate", 355: "getrandom",
	359: "socket", 361: "bind", 362: "connect", 363: "listen",
	369: "sendto", 371: "recvfrom", 383: "statx", 386: "rseq",
}

// x8664SyscallTable is the canonical 64-bit x86-64 Linux syscall table
// (entered via the syscall instruction). Real, kernel-accurate numbers.
var x8664SyscallTable = map[uint64]string{
	0: "read", 1: "write", 2: "open", 3: "close", 4: "stat", 5: "fstat",
	6: "lstat", 7: "poll", 8: "lseek", 9: "mmap", 10: "mprotect",
	11: "munmap", 12: "brk", 13: "rt_sigaction", 14: "rt_sigprocmask",
	15: "rt_sigreturn", 16: "ioctl", 17: "pread64", 18: "pwrite64",
	19: "readv", 20: "writev", 21: "access", 22: "pipe", 23: "select",
	24: "sched_yield", 25: "mremap", 26: "msync", 27: "mincore",
	28: "madvise", 32: "dup", 33: "dup2", 34: "pause", 35: "nanosleep",
	39: "getpid", 41: "socket", 42: "connect", 43: "accept", 44: "sendto",
	45: "recvfrom", 46: "sendmsg", 47: "recvmsg", 48: "shutdown",
	49: "bind", 50: "listen", 51: "getsockname", 52: "getpeername",
	53: "socketpair", 54: "setsockopt", 55: "getsockopt", 56: "clone",
	57: "fork", 58: "vfork", 59: "execve", 60: "exit", 61: "wait4",
	62: "kill", 63: "uname", 72: "fcntl", 79: "getcwd", 80: "chdir",
	82: "rename", 83: "mkdir", 84: "rmdir", 85: "creat", 86: "link",
	87: "unlink", 88: "symlink", 89: "readlink", 90: "chmod",
	96: "gettimeofday", 97: "getrlimit", 99: "sysinfo", 102: "getuid",
	104: "getgid", 107: "geteuid", 108: "getegid", 110: "getppid",
	112: "setsid", 131: "sigaltstack", 137: "statfs", 140: "getpriority",
	157: "prctl", 158: "arch_prctl", 186: "gettid", 202: "futex",
	204: "sched_getaffinity", 218: "set_tid_address", 221: "fadvise64",
	228: "clock_gettime", 229: "clock_getres", 230: "clock_nanosleep",
	231: "exit_group", 232: "epoll_wait", 233: "epoll_ctl", 234: "tgkill",
	257: "openat", 262: "newfstatat", 263: "unlinkat", 270: "pselect6",
	271: "ppoll", 273: "set_robust_list", 282: "signalfd", 283: "timerfd_create",
	284: "eventfd", 285: "fallocate", 290: "eventfd2", 291: "epoll_create1",
	292: "dup3", 293: "pipe2", 302: "prlimit64", 318: "getrandom",
	319: "memfd_create", 332: "statx", 334: "rseq",
}

// armSyscallTable is the ARM EABI syscall table (svc #0, number in r7).
// EABI dropped the legacy mmap in favor of mmap2 and renumbered several
// late additions relative to x86; numbers below follow
// arch/arm/tools/syscall.tbl.
var armSyscallTable = map[uint64]string{
	1: "exit", 2: "fork", 3: "read", 4: "write", 5: "open", 6: "close",
	11: "execve", 19: "lseek", 20: "getpid", 33: "access", 37: "kill",
	41: "dup", 45: "brk", 54: "ioctl", 63: "dup2", 64: "getppid",
	85: "readlink", 91: "munmap", 114: "wait4", 119: "sigreturn",
	120: "clone", 122: "uname", 125: "mprotect", 140: "_llseek",
	142: "_newselect", 145: "readv", 146: "writev", 158: "sched_yield",
	162: "nanosleep", 168: "poll", 173: "rt_sigreturn",
	174: "rt_sigaction", 175: "rt_sigprocmask", 180: "pread64",
	181: "pwrite64", 183: "getcwd", 190: "vfork", 192: "mmap2",
	195: "stat64", 196: "lstat64", 197: "fstat64", 199: "getuid32",
	200: "getgid32", 201: "geteuid32", 202: "getegid32",
	217: "getdents64", 224: "gettid", 240: "futex", 248: "exit_group",
	256: "set_tid_address", 263: "clock_gettime", 264: "clock_getres",
	268: "tgkill", 281: "socket", 282: "bind", 283: "connect",
	284: "listen", 285: "accept", 290: "sendto", 292: "recvfrom",
	322: "openat", 336: "ppoll", 338: "set_robust_list",
	384: "getrandom", 397: "statx", 398: "rseq",
}

// arm64SyscallTable is the modern "generic" Linux syscall table used by
// ARM64 and other newer ports; most legacy *at-less syscalls (open,
// mkdir, unlink, ...) were intentionally dropped in favor of their *at
// forms, per the real kernel ABI.
var arm64SyscallTable = map[uint64]string{
	17: "getcwd", 25: "fcntl", 29: "ioctl", 34: "mkdirat", 35: "unlinkat",
	38: "renameat", 48: "faccessat", 56: "openat", 57: "close",
	61: "getdents64", 62: "lseek", 63: "read", 64: "write", 65: "readv",
	66: "writev", 67: "pread64", 68: "pwrite64", 73: "ppoll",
	78: "readlinkat", 79: "newfstatat", 80: "fstat", 93: "exit",
	94: "exit_group", 96: "set_tid_address", 98: "futex",
	99: "set_robust_list", 101: "nanosleep", 113: "clock_gettime",
	114: "clock_getres", 124: "sched_yield", 129: "kill", 131: "tgkill",
	134: "rt_sigaction", 135: "rt_sigprocmask", 139: "rt_sigreturn",
	160: "uname", 172: "getpid", 173: "getppid", 174: "getuid",
	175: "geteuid", 176: "getgid", 177: "getegid", 178: "gettid",
	198: "socket", 200: "bind", 201: "listen", 202: "accept",
	203: "connect", 206: "sendto", 207: "recvfrom", 210: "shutdown",
	211: "sendmsg", 212: "recvmsg", 214: "brk", 215: "munmap",
	220: "clone", 221: "execve", 222: "mmap", 226: "mprotect",
	260: "wait4", 278: "getrandom", 291: "statx", 293: "rseq",
}

// ppc32SyscallTable is the 32-bit PowerPC Linux syscall table (`sc`
// instruction, number in r0, return in r3). Shares the classic numbering
// through the low range, then diverges; numbers follow
// arch/powerpc/kernel/syscalls/syscall.tbl.
var ppc32SyscallTable = map[uint64]string{
	1: "exit", 2: "fork", 3: "read", 4: "write", 5: "open", 6: "close",
	11: "execve", 19: "lseek", 20: "getpid", 33: "access", 37: "kill",
	41: "dup", 45: "brk", 54: "ioctl", 63: "dup2", 64: "getppid",
	90: "mmap", 91: "munmap", 114: "wait4", 119: "sigreturn",
	120: "clone", 122: "uname", 125: "mprotect", 145: "readv",
	146: "writev", 158: "sched_yield", 162: "nanosleep", 167: "poll",
	172: "rt_sigreturn", 173: "rt_sigaction", 174: "rt_sigprocmask",
	179: "pread64", 180: "pwrite64", 182: "getcwd", 189: "vfork",
	192: "mmap2", 195: "stat64", 196: "lstat64", 197: "fstat64",
	202: "getdents64", 207: "gettid", 221: "futex", 232: "set_tid_address",
	234: "exit_group", 246: "clock_gettime", 247: "clock_getres",
	250: "tgkill", 281: "ppoll", 286: "openat", 300: "set_robust_list",
	326: "socket", 327: "bind", 328: "connect", 329: "listen",
	330: "accept", 335: "sendto", 337: "recvfrom", 359: "getrandom",
	383: "statx", 387: "rseq",
}
