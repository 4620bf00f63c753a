// Package loader implements the external ELF and baremetal loader
// collaborators spec.md §2/§6 describes: producers of an initial memory
// image and main-thread register state for a freshly constructed Process.
// Neither loader is part of the core (§1's explicit scope boundary keeps
// ELF/coredump parsing "out of core"); this package sits above
// pkg/process the way the teacher's runsc/boot/loader.go sits above
// pkg/sentry/kernel, wiring a parsed binary into the manager stack
// pkg/process already knows how to run.
//
// No third-party ELF-parsing library appears anywhere in the retrieval
// pack (see DESIGN.md's "ELF loader library decision"), so segment
// parsing here uses the standard library's debug/elf -- the one
// stdlib-only component in this codebase with no ecosystem alternative
// grounded in the examples.
package loader

import (
	"crypto/rand"

	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/backend"
	"github.com/arion-emu/arion/pkg/fdtable"
	"github.com/arion-emu/arion/pkg/memory"
	"golang.org/x/sys/unix"
)

// Standard Linux auxiliary vector types this loader populates (subset).
const (
	atNull     = 0
	atPhdr     = 3
	atPhent    = 4
	atPhnum    = 5
	atPagesz   = 6
	atBase     = 7
	atEntry    = 9
	atUID      = 11
	atEUID     = 12
	atGID      = 13
	atEGID     = 14
	atPlatform = 15
	atHWCap    = 16
	atSecure   = 23
	atRandom   = 25
	atExecFn   = 31
	atHWCap2   = 26
)

// auxEntry is one (type, value) pair of the auxiliary vector (§3's
// construction-time register/stack state, supplementing spec.md's data
// model with the standard Linux process-startup convention the original
// C++ loader also follows).
type auxEntry struct {
	Type, Val uint64
}

// stackTopFor returns the fixed initial stack-top guest address used for
// a freshly loaded image, chosen low enough to leave headroom above it
// for vvar/vdso-equivalent regions on 32-bit guests.
func stackTopFor(wordSizeBits int) uint64 {
	if wordSizeBits == 64 {
		return 0x7ffffffff000
	}
	return 0xbffff000
}

// defaultStackSize is the guest stack's mapped size, matching a typical
// Linux 8 MiB default soft limit rounded to a convenient guest span.
const defaultStackSize = 8 * 1024 * 1024

// mmapBase64/mmapBase32 are where MapAnywhere starts placing file-backed/anonymous
// mmaps and the heap's initial gap search, kept well below the stack.
const mmapBase64 = 0x555555550000
const mmapBase32 = 0x40000000

// mmapBaseFor returns the architecture-appropriate mmap search hint.
func mmapBaseFor(wordSizeBits int) uint64 {
	if wordSizeBits == 64 {
		return mmapBase64
	}
	return mmapBase32
}

// aliasStdio wires guest fds 0, 1, 2 to the host's own standard streams,
// per §3's File Entry invariant ("Guest fds 0..2 are aliased to the
// host's standard streams at construction").
func aliasStdio(fds *fdtable.Table) {
	fds.AddFileAt(0, &fdtable.File{HostFD: int(unix.Stdin), Path: "/dev/stdin", Blocking: true})
	fds.AddFileAt(1, &fdtable.File{HostFD: int(unix.Stdout), Path: "/dev/stdout", Blocking: true})
	fds.AddFileAt(2, &fdtable.File{HostFD: int(unix.Stderr), Path: "/dev/stderr", Blocking: true})
}

// pushPtrArray pushes a NULL-terminated pointer array so that, after the
// call, reading forward from the returned address reproduces ptrs exactly
// (each StackPush decrements SP, so entries are pushed in reverse so the
// first logical entry ends up at the lowest address).
func pushPtrArray(mem *memory.Manager, abi *abiinfo.Manager, ptrs []uint64) (uint64, error) {
	if _, err := mem.StackPush(abi, 0); err != nil {
		return 0, err
	}
	for i := len(ptrs) - 1; i >= 0; i-- {
		if _, err := mem.StackPush(abi, ptrs[i]); err != nil {
			return 0, err
		}
	}
	return abi.ReadArchReg(abi.Table().SP)
}

// pushAuxv pushes the auxiliary vector array (terminated by AT_NULL),
// each entry as two pointer-sized words (type, then val at the next
// higher address), in the same reverse order pushPtrArray uses.
func pushAuxv(mem *memory.Manager, abi *abiinfo.Manager, entries []auxEntry) error {
	all := append(append([]auxEntry(nil), entries...), auxEntry{atNull, 0})
	for i := len(all) - 1; i >= 0; i-- {
		if _, err := mem.StackPush(abi, all[i].Val); err != nil {
			return err
		}
		if _, err := mem.StackPush(abi, all[i].Type); err != nil {
			return err
		}
	}
	return nil
}

// randomBytes16 returns 16 bytes for AT_RANDOM, matching the kernel's own
// per-exec random seed.
func randomBytes16() ([]byte, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// buildStack lays out argv/envp/auxv/platform/execfn/random strings on a
// freshly mapped stack and leaves SP pointing at argc, per the standard
// Linux process-startup stack convention every architecture here's _start
// stub expects. entry/phdrAddr/phnum/phentsize/interpBase feed the auxv;
// interpBase is 0 for a statically linked (non-PIE-interpreter) image.
func buildStack(mem *memory.Manager, abi *abiinfo.Manager, argv, envp []string, execPath string, entry, phdrAddr uint64, phnum, phentsize int, interpBase uint64) error {
	platform := platformString(abi.Arch())

	randBuf, err := randomBytes16()
	if err != nil {
		return err
	}
	randAddr, err := mem.StackPushBytes(abi, randBuf)
	if err != nil {
		return err
	}
	platAddr, err := mem.StackPushString(abi, platform)
	if err != nil {
		return err
	}
	execAddr, err := mem.StackPushString(abi, execPath)
	if err != nil {
		return err
	}

	envPtrs := make([]uint64, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		addr, err := mem.StackPushString(abi, envp[i])
		if err != nil {
			return err
		}
		envPtrs[i] = addr
	}
	argvPtrs := make([]uint64, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		addr, err := mem.StackPushString(abi, argv[i])
		if err != nil {
			return err
		}
		argvPtrs[i] = addr
	}

	if err := mem.StackAlign(abi, 16); err != nil {
		return err
	}

	table := abi.Table()
	aux := []auxEntry{
		{atPhdr, phdrAddr},
		{atPhent, uint64(phentsize)},
		{atPhnum, uint64(phnum)},
		{atPagesz, memory.PageSize},
		{atBase, interpBase},
		{atEntry, entry},
		{atUID, 0}, {atEUID, 0}, {atGID, 0}, {atEGID, 0},
		{atSecure, 0},
		{atRandom, randAddr},
		{atExecFn, execAddr},
		{atPlatform, platAddr},
		{atHWCap, table.HWCap},
		{atHWCap2, table.HWCap2},
	}
	if err := pushAuxv(mem, abi, aux); err != nil {
		return err
	}
	if _, err := pushPtrArray(mem, abi, envPtrs); err != nil {
		return err
	}
	if _, err := pushPtrArray(mem, abi, argvPtrs); err != nil {
		return err
	}
	if _, err := mem.StackPush(abi, uint64(len(argv))); err != nil {
		return err
	}
	return nil
}

// platformString names the AT_PLATFORM string glibc's startup code
// expects for this architecture.
func platformString(arch abiinfo.CPUArch) string {
	switch arch {
	case abiinfo.X86:
		return "i686"
	case abiinfo.X86_64:
		return "x86_64"
	case abiinfo.ARM:
		return "v7l"
	case abiinfo.ARM64:
		return "aarch64"
	case abiinfo.PPC32:
		return "ppc"
	default:
		return ""
	}
}

// toPerm translates ELF program-header flags (ordered R,W,X in the low 3
// bits per the ELF spec) into backend.Perm.
func toPerm(flags uint32) backend.Perm {
	var p backend.Perm
	if flags&0x4 != 0 {
		p |= backend.PermRead
	}
	if flags&0x2 != 0 {
		p |= backend.PermWrite
	}
	if flags&0x1 != 0 {
		p |= backend.PermExec
	}
	return p
}

func roundUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func roundDown(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return v &^ (align - 1)
}

