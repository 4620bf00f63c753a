package syscall

import (
	"encoding/binary"

	"github.com/arion-emu/arion/pkg/sig"
)

// sigactionSize is the size of a guest struct sigaction this core reads:
// handler (ptr), flags (8), restorer (ptr), mask (8), laid out in the
// order glibc's rt_sigaction expects.
func sigactionSize(ptrSize int) int { return ptrSize + 8 + ptrSize + 8 }

func readSigaction(d *Deps, addr uint64) (sig.Handler, error) {
	ptrSize := d.ABI.Table().PtrSizeBytes
	buf, err := d.Mem.Read(addr, uint64(sigactionSize(ptrSize)))
	if err != nil {
		return sig.Handler{}, err
	}
	readPtr := func(off int) uint64 {
		if ptrSize == 8 {
			return binary.LittleEndian.Uint64(buf[off:])
		}
		return uint64(binary.LittleEndian.Uint32(buf[off:]))
	}
	off := 0
	handlerAddr := readPtr(off)
	off += ptrSize
	flags := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	restorer := readPtr(off)
	off += ptrSize
	mask := binary.LittleEndian.Uint64(buf[off:])
	return sig.Handler{Addr: handlerAddr, Flags: flags, Restorer: restorer, Mask: mask}, nil
}

// sysRtSigaction implements rt_sigaction: installs the new handler (if
// non-null) into the Signal Manager's table, per §4.6 and §3's
// sighandlers row.
func sysRtSigaction(d *Deps, args [6]uint64) (uint64, error) {
	signo := int32(args[0])
	newAddr := args[1]
	if newAddr != 0 {
		h, err := readSigaction(d, newAddr)
		if err != nil {
			return NegErrno(EINVAL), nil
		}
		d.Sig.SetHandler(signo, h)
	}
	return 0, nil
}

// sysRtSigreturn implements rt_sigreturn/sigreturn: restores the register
// state the Signal Manager saved at delivery time (§4.6 step 3).
func sysRtSigreturn(d *Deps, args [6]uint64) (uint64, error) {
	if err := d.Sig.Sigreturn(); err != nil {
		return NegErrno(EINVAL), nil
	}
	return 0, nil
}

// sysRtSigprocmask is accepted and ignored: this core delivers every
// unblocked signal synchronously at the point it is raised rather than
// maintaining a pending/blocked set, so masking has no observable effect
// beyond the signal being unblocked at delivery (§9 open question,
// resolved toward the simpler of the two options).
func sysRtSigprocmask(d *Deps, args [6]uint64) (uint64, error) {
	return 0, nil
}
