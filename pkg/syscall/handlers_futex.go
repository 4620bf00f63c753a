package syscall

import "github.com/arion-emu/arion/pkg/threading"

const (
	futexWait        = 0
	futexWake        = 1
	futexWaitBitset  = 9
	futexWakeBitset  = 10
	futexPrivateFlag = 128
	futexCmdMask     = ^uint64(futexPrivateFlag)

	defaultBitset = 0xffffffff
)

// sysFutex implements the futex syscall's WAIT/WAIT_BITSET and
// WAKE/WAKE_BITSET operations by translating directly to the Threading
// Manager's wait-queue primitives (§4.5, §4.8). Every other futex
// operation (REQUEUE, PI variants, CMP_REQUEUE) is out of scope per the
// threading model's cooperative single-core design.
func sysFutex(d *Deps, args [6]uint64) (uint64, error) {
	uaddr := args[0]
	cmd := args[1] & futexCmdMask
	val := uint32(args[2])

	switch cmd {
	case futexWait:
		return futexDoWait(d, uaddr, val, defaultBitset)
	case futexWaitBitset:
		bitmask := uint32(args[5])
		return futexDoWait(d, uaddr, val, bitmask)
	case futexWake:
		return uint64(d.Threads.FutexWake(uaddr, defaultBitset)), nil
	case futexWakeBitset:
		bitmask := uint32(args[5])
		return uint64(d.Threads.FutexWake(uaddr, bitmask)), nil
	default:
		return NegErrno(EINVAL), nil
	}
}

func futexDoWait(d *Deps, uaddr uint64, val, bitmask uint32) (uint64, error) {
	tid := d.Threads.Running()
	err := d.Threads.FutexWait(tid, uaddr, val, bitmask)
	if err == nil {
		return 0, nil
	}
	if err == threading.ErrEAGAIN() {
		return NegErrno(EAGAIN), nil
	}
	return NegErrno(EINVAL), nil
}
