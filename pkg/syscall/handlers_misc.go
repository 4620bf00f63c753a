package syscall

import (
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/threading"
)

// hostFDFor resolves a guest fd through whichever table holds it.
func hostFDFor(d *Deps, fd int32) (int, bool) {
	if f, ok := d.FDs.File(fd); ok {
		return f.HostFD, true
	}
	if s, ok := d.FDs.Socket(fd); ok {
		return s.HostFD, true
	}
	return 0, false
}

// guestPollFDSize is sizeof(struct pollfd) on every Linux target: int fd,
// short events, short revents.
const guestPollFDSize = 8

// sysPoll implements poll(2). When thread_blocking_io is false the caller-
// supplied timeout is clamped to zero so the host call never blocks the
// scheduler (§5 "Timeouts").
func sysPoll(d *Deps, args [6]uint64) (uint64, error) {
	return doPoll(d, args[0], args[1], int(int32(args[2])))
}

// sysPpoll implements ppoll(2): the timeout is a guest struct timespec,
// converted to milliseconds; the signal-mask argument is ignored, matching
// rt_sigprocmask's own no-op treatment.
func sysPpoll(d *Deps, args [6]uint64) (uint64, error) {
	timeoutMs := -1
	if args[2] != 0 {
		buf, err := d.Mem.Read(args[2], 16)
		if err != nil {
			return NegErrno(EINVAL), nil
		}
		ts := DecodeTimespec(d.ABI.Table().PtrSizeBytes, buf)
		timeoutMs = int(ts.Sec*1000 + ts.Nsec/1_000_000)
	}
	return doPoll(d, args[0], args[1], timeoutMs)
}

func doPoll(d *Deps, fdsAddr, nfds uint64, timeoutMs int) (uint64, error) {
	if !d.ThreadBlockingIO {
		timeoutMs = 0
	}
	raw, err := d.Mem.Read(fdsAddr, nfds*guestPollFDSize)
	if err != nil {
		return NegErrno(EINVAL), nil
	}
	pfds := make([]unix.PollFd, nfds)
	for i := range pfds {
		off := i * guestPollFDSize
		guestFD := int32(binary.LittleEndian.Uint32(raw[off:]))
		hostFD, ok := hostFDFor(d, guestFD)
		if !ok {
			hostFD = -1
		}
		pfds[i] = unix.PollFd{
			Fd:     int32(hostFD),
			Events: int16(binary.LittleEndian.Uint16(raw[off+4:])),
		}
	}
	n, perr := unix.Poll(pfds, timeoutMs)
	if perr != nil {
		return NegErrno(EINVAL), nil
	}
	for i := range pfds {
		binary.LittleEndian.PutUint16(raw[i*guestPollFDSize+6:], uint16(pfds[i].Revents))
	}
	if err := d.Mem.Write(fdsAddr, raw); err != nil {
		return NegErrno(EINVAL), nil
	}
	return uint64(n), nil
}

// readIovecs reads the guest's struct iovec array: (base, len) pointer pairs.
func readIovecs(d *Deps, addr uint64, count int) ([][2]uint64, error) {
	ptrSize := d.ABI.Table().PtrSizeBytes
	raw, err := d.Mem.Read(addr, uint64(2*ptrSize*count))
	if err != nil {
		return nil, err
	}
	readPtr := func(off int) uint64 {
		if ptrSize == 8 {
			return binary.LittleEndian.Uint64(raw[off:])
		}
		return uint64(binary.LittleEndian.Uint32(raw[off:]))
	}
	out := make([][2]uint64, count)
	for i := 0; i < count; i++ {
		off := i * 2 * ptrSize
		out[i] = [2]uint64{readPtr(off), readPtr(off + ptrSize)}
	}
	return out, nil
}

func sysWritev(d *Deps, args [6]uint64) (uint64, error) {
	fd := int32(args[0])
	f, ok := d.FDs.File(fd)
	if !ok {
		return NegErrno(EBADF), nil
	}
	if err := maybeCancel(d, f.HostFD, unix.POLLOUT); err != nil {
		return 0, err
	}
	iovs, err := readIovecs(d, args[1], int(int32(args[2])))
	if err != nil {
		return NegErrno(EINVAL), nil
	}
	var total uint64
	for _, iov := range iovs {
		if iov[1] == 0 {
			continue
		}
		data, rerr := d.Mem.Read(iov[0], iov[1])
		if rerr != nil {
			return NegErrno(EINVAL), nil
		}
		n, werr := unix.Write(f.HostFD, data)
		if werr != nil {
			return NegErrno(EINVAL), nil
		}
		total += uint64(n)
		if n < len(data) {
			break
		}
	}
	f.Offset += int64(total)
	return total, nil
}

func sysReadv(d *Deps, args [6]uint64) (uint64, error) {
	fd := int32(args[0])
	f, ok := d.FDs.File(fd)
	if !ok {
		return NegErrno(EBADF), nil
	}
	if err := maybeCancel(d, f.HostFD, unix.POLLIN); err != nil {
		return 0, err
	}
	iovs, err := readIovecs(d, args[1], int(int32(args[2])))
	if err != nil {
		return NegErrno(EINVAL), nil
	}
	var total uint64
	for _, iov := range iovs {
		if iov[1] == 0 {
			continue
		}
		buf := make([]byte, iov[1])
		n, rerr := unix.Read(f.HostFD, buf)
		if rerr != nil {
			return NegErrno(EINVAL), nil
		}
		if n > 0 {
			if werr := d.Mem.Write(iov[0], buf[:n]); werr != nil {
				return NegErrno(EINVAL), nil
			}
			total += uint64(n)
		}
		if n < len(buf) {
			break
		}
	}
	f.Offset += int64(total)
	return total, nil
}

// utsField is the fixed per-field width of struct utsname.
const utsField = 65

func machineString(arch abiinfo.CPUArch) string {
	switch arch {
	case abiinfo.X86:
		return "i686"
	case abiinfo.X86_64:
		return "x86_64"
	case abiinfo.ARM:
		return "armv7l"
	case abiinfo.ARM64:
		return "aarch64"
	case abiinfo.PPC32:
		return "ppc"
	default:
		return ""
	}
}

// sysUname writes a struct utsname describing the Linux the guest believes
// it is running on.
func sysUname(d *Deps, args [6]uint64) (uint64, error) {
	fields := []string{
		"Linux", "arion", "5.10.0-arion", "#1 SMP", machineString(d.ABI.Arch()), "(none)",
	}
	buf := make([]byte, utsField*len(fields))
	for i, s := range fields {
		copy(buf[i*utsField:(i+1)*utsField-1], s)
	}
	if err := d.Mem.Write(args[0], buf); err != nil {
		return NegErrno(EINVAL), nil
	}
	return 0, nil
}

func sysGettid(d *Deps, args [6]uint64) (uint64, error) {
	return d.Threads.Running(), nil
}

func runningThread(d *Deps) (*threading.Thread, bool) {
	return d.Threads.Thread(d.Threads.Running())
}

// sysSetTidAddress records the CLONE_CHILD_CLEARTID address on the running
// thread and returns its tid, per set_tid_address(2).
func sysSetTidAddress(d *Deps, args [6]uint64) (uint64, error) {
	if t, ok := runningThread(d); ok {
		t.ChildTidAddr = args[0]
	}
	return d.Threads.Running(), nil
}

// sysSetRobustList records the robust-futex list head on the running
// thread (§3 ARION_THREAD's robust-list head field).
func sysSetRobustList(d *Deps, args [6]uint64) (uint64, error) {
	if t, ok := runningThread(d); ok {
		t.RobustListHead = args[0]
	}
	return 0, nil
}

const (
	rseqFlagUnregister = 1
)

// sysRseq records (or clears) the running thread's restartable-sequence
// registration (§3 ARION_THREAD's rseq triple). The kernel's critical-
// section abort machinery is not emulated; the bookkeeping alone satisfies
// glibc's registration-at-startup probe.
func sysRseq(d *Deps, args [6]uint64) (uint64, error) {
	t, ok := runningThread(d)
	if !ok {
		return NegErrno(EINVAL), nil
	}
	if args[2]&rseqFlagUnregister != 0 {
		t.Rseq = threading.Rseq{}
		return 0, nil
	}
	t.Rseq = threading.Rseq{Addr: args[0], Len: args[1], Sig: uint32(args[3])}
	return 0, nil
}

func sysGetrandom(d *Deps, args [6]uint64) (uint64, error) {
	buf := make([]byte, args[1])
	if _, err := rand.Read(buf); err != nil {
		return NegErrno(EINVAL), nil
	}
	if err := d.Mem.Write(args[0], buf); err != nil {
		return NegErrno(EINVAL), nil
	}
	return args[1], nil
}

func sysClockGettime(d *Deps, args [6]uint64) (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(int32(args[0]), &ts); err != nil {
		return NegErrno(EINVAL), nil
	}
	buf := EncodeTimespec(d.ABI.Table().PtrSizeBytes, Timespec{Sec: ts.Sec, Nsec: ts.Nsec})
	if err := d.Mem.Write(args[1], buf); err != nil {
		return NegErrno(EINVAL), nil
	}
	return 0, nil
}

// sysNanosleep sleeps on the host only when blocking I/O is allowed;
// otherwise it completes immediately so the scheduler is never held (§5
// "Timeouts" binds every host wait to the thread_blocking_io policy).
func sysNanosleep(d *Deps, args [6]uint64) (uint64, error) {
	if !d.ThreadBlockingIO {
		d.Threads.RequestSync()
		return 0, nil
	}
	buf, err := d.Mem.Read(args[0], 16)
	if err != nil {
		return NegErrno(EINVAL), nil
	}
	ts := DecodeTimespec(d.ABI.Table().PtrSizeBytes, buf)
	req := unix.Timespec{Sec: ts.Sec, Nsec: ts.Nsec}
	if err := unix.Nanosleep(&req, nil); err != nil {
		return NegErrno(EINVAL), nil
	}
	return 0, nil
}

// sysSchedYield yields the quantum cooperatively.
func sysSchedYield(d *Deps, args [6]uint64) (uint64, error) {
	d.Threads.RequestSync()
	return 0, nil
}

// arch_prctl codes (x86-64 only).
const (
	archSetGS = 0x1001
	archSetFS = 0x1002
	archGetFS = 0x1003
	archGetGS = 0x1004
)

// sysArchPrctl implements the x86-64 FS/GS base TLS convention (§4.5
// "x86-64 uses FS/GS base").
func sysArchPrctl(d *Deps, args [6]uint64) (uint64, error) {
	writeBase := func(addr, v uint64) (uint64, error) {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, v)
		if err := d.Mem.Write(addr, buf); err != nil {
			return NegErrno(EINVAL), nil
		}
		return 0, nil
	}
	switch args[0] {
	case archSetFS:
		if err := d.ABI.WriteArchReg("FS_BASE", args[1]); err != nil {
			return NegErrno(EINVAL), nil
		}
		return 0, nil
	case archSetGS:
		if err := d.ABI.WriteArchReg("GS_BASE", args[1]); err != nil {
			return NegErrno(EINVAL), nil
		}
		return 0, nil
	case archGetFS:
		v, err := d.ABI.ReadArchReg("FS_BASE")
		if err != nil {
			return NegErrno(EINVAL), nil
		}
		return writeBase(args[1], v)
	case archGetGS:
		v, err := d.ABI.ReadArchReg("GS_BASE")
		if err != nil {
			return NegErrno(EINVAL), nil
		}
		return writeBase(args[1], v)
	default:
		return NegErrno(EINVAL), nil
	}
}

// sysSetThreadArea implements the x86 GDT-entry TLS convention (§4.5 "x86
// uses GDT entries"): the user_desc's base is patched into the guest-mapped
// GDT and GS is pointed at the chosen slot.
func sysSetThreadArea(d *Deps, args [6]uint64) (uint64, error) {
	raw, err := d.Mem.Read(args[0], 16)
	if err != nil {
		return NegErrno(EINVAL), nil
	}
	entry := int32(binary.LittleEndian.Uint32(raw[0:]))
	base := binary.LittleEndian.Uint32(raw[4:])
	if entry == -1 {
		entry = abiinfo.GDTTLSIdx
		binary.LittleEndian.PutUint32(raw[0:], uint32(entry))
		if err := d.Mem.Write(args[0], raw[:4]); err != nil {
			return NegErrno(EINVAL), nil
		}
	}
	if entry < 0 || entry >= abiinfo.GDTEntryCount {
		return NegErrno(EINVAL), nil
	}
	desc := abiinfo.EncodeTLSDescriptor(base)
	if err := d.Mem.Write(abiinfo.GDTAddr+uint64(entry)*8, desc); err != nil {
		return NegErrno(EINVAL), nil
	}
	selector := uint64(entry)<<3 | 3
	if err := d.ABI.WriteReg("GS", 16, selector); err != nil {
		return NegErrno(EINVAL), nil
	}
	return 0, nil
}
