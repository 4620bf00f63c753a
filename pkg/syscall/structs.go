package syscall

import "encoding/binary"

// EncodeStat serializes Stat into the guest's struct stat layout
// (§4.8 "Polymorphic structures ... read/write the exact layout ... for
// the guest architecture, not the host"). Only two layouts are needed
// here: the 64-bit one (x86-64, ARM64) and the 32-bit one (x86, ARM,
// PPC32); field order/padding follow each architecture's glibc struct
// stat closely enough for guest programs that only read the common
// fields (st_mode, st_size, st_uid/gid) to work correctly.
func EncodeStat(ptrSize int, st Stat) []byte {
	if ptrSize == 8 {
		return encodeStat64(st)
	}
	return encodeStat32(st)
}

func encodeStat64(st Stat) []byte {
	buf := make([]byte, 144)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], st.Dev)
	le.PutUint64(buf[8:], st.Ino)
	le.PutUint64(buf[16:], st.Nlink)
	le.PutUint32(buf[24:], uint32(st.Mode))
	le.PutUint32(buf[28:], uint32(st.UID))
	le.PutUint32(buf[32:], uint32(st.GID))
	le.PutUint64(buf[40:], st.Rdev)
	le.PutUint64(buf[48:], uint64(st.Size))
	le.PutUint64(buf[56:], uint64(st.Blksize))
	le.PutUint64(buf[64:], uint64(st.Blocks))
	le.PutUint64(buf[72:], uint64(st.Atime))
	le.PutUint64(buf[88:], uint64(st.Mtime))
	le.PutUint64(buf[104:], uint64(st.Ctime))
	return buf
}

func encodeStat32(st Stat) []byte {
	buf := make([]byte, 88)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(st.Dev))
	le.PutUint32(buf[12:], uint32(st.Ino))
	le.PutUint32(buf[16:], uint32(st.Mode))
	le.PutUint32(buf[20:], uint32(st.Nlink))
	le.PutUint32(buf[24:], uint32(st.UID))
	le.PutUint32(buf[28:], uint32(st.GID))
	le.PutUint32(buf[32:], uint32(st.Rdev))
	le.PutUint32(buf[44:], uint32(st.Size))
	le.PutUint32(buf[52:], uint32(st.Blksize))
	le.PutUint32(buf[56:], uint32(st.Blocks))
	le.PutUint32(buf[64:], uint32(st.Atime))
	le.PutUint32(buf[72:], uint32(st.Mtime))
	le.PutUint32(buf[80:], uint32(st.Ctime))
	return buf
}

// Timespec is the architecture-neutral form of struct timespec.
type Timespec struct {
	Sec, Nsec int64
}

// EncodeTimespec serializes a Timespec to the guest's pointer width.
func EncodeTimespec(ptrSize int, ts Timespec) []byte {
	if ptrSize == 8 {
		buf := make([]byte, 16)
		binary.LittleEndian.PutUint64(buf[0:], uint64(ts.Sec))
		binary.LittleEndian.PutUint64(buf[8:], uint64(ts.Nsec))
		return buf
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:], uint32(ts.Sec))
	binary.LittleEndian.PutUint32(buf[4:], uint32(ts.Nsec))
	return buf
}

// DecodeTimespec reads a guest struct timespec back.
func DecodeTimespec(ptrSize int, buf []byte) Timespec {
	if ptrSize == 8 {
		return Timespec{
			Sec:  int64(binary.LittleEndian.Uint64(buf[0:])),
			Nsec: int64(binary.LittleEndian.Uint64(buf[8:])),
		}
	}
	return Timespec{
		Sec:  int64(int32(binary.LittleEndian.Uint32(buf[0:]))),
		Nsec: int64(int32(binary.LittleEndian.Uint32(buf[4:]))),
	}
}

// CloneArgs is the architecture-neutral form of struct clone_args (used
// by clone3; clone(2)'s flat argument list bypasses this).
type CloneArgs struct {
	Flags      uint64
	Pidfd      uint64
	ChildTID   uint64
	ParentTID  uint64
	ExitSignal uint64
	Stack      uint64
	StackSize  uint64
	TLS        uint64
}

// DecodeCloneArgs reads a guest struct clone_args (clone3 ABI), always
// 8-byte fields regardless of word size per the Linux uAPI definition.
func DecodeCloneArgs(buf []byte) CloneArgs {
	le := binary.LittleEndian
	return CloneArgs{
		Flags: le.Uint64(buf[0:]), Pidfd: le.Uint64(buf[8:]),
		ChildTID: le.Uint64(buf[16:]), ParentTID: le.Uint64(buf[24:]),
		ExitSignal: le.Uint64(buf[32:]), Stack: le.Uint64(buf[40:]),
		StackSize: le.Uint64(buf[48:]), TLS: le.Uint64(buf[56:]),
	}
}
