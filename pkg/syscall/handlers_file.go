package syscall

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/arion-emu/arion/pkg/fdtable"
)

func readCString(d *Deps, addr uint64) (string, error) {
	if addr == 0 {
		return "", nil
	}
	return d.Mem.ReadCString(addr)
}

func resolvePath(d *Deps, guestPath string) (string, error) {
	return d.Sandbox.Resolve(guestPath)
}

func sysOpen(d *Deps, args [6]uint64) (uint64, error) {
	path, err := readCString(d, args[0])
	if err != nil {
		return NegErrno(EINVAL), nil
	}
	host, rerr := resolvePath(d, path)
	if rerr != nil {
		return NegErrno(EACCES), nil
	}
	flags := int32(args[1])
	mode := uint32(args[2])
	hostFD, oerr := unix.Open(host, int(flags), mode)
	if oerr != nil {
		return NegErrno(ENOENT), nil
	}
	guestFD := d.FDs.AddFile(&fdtable.File{
		HostFD: hostFD, Path: path, Flags: flags, Mode: mode, Blocking: d.ThreadBlockingIO,
	})
	return uint64(uint32(guestFD)), nil
}

func sysClose(d *Deps, args [6]uint64) (uint64, error) {
	fd := int32(args[0])
	hostFD, ok := d.FDs.Close(fd)
	if !ok {
		return NegErrno(EBADF), nil
	}
	if err := unix.Close(hostFD); err != nil {
		return NegErrno(EBADF), nil
	}
	return 0, nil
}

func sysRead(d *Deps, args [6]uint64) (uint64, error) {
	fd := int32(args[0])
	buf := args[1]
	count := args[2]

	f, ok := d.FDs.File(fd)
	if !ok {
		return NegErrno(EBADF), nil
	}
	if err := maybeCancel(d, f.HostFD, unix.POLLIN); err != nil {
		return 0, err
	}
	host := make([]byte, count)
	n, err := unix.Read(f.HostFD, host)
	if err != nil {
		return NegErrno(EINVAL), nil
	}
	if n > 0 {
		if err := d.Mem.Write(buf, host[:n]); err != nil {
			return NegErrno(EINVAL), nil
		}
	}
	f.Offset += int64(n)
	return uint64(n), nil
}

func sysWrite(d *Deps, args [6]uint64) (uint64, error) {
	fd := int32(args[0])
	buf := args[1]
	count := args[2]

	f, ok := d.FDs.File(fd)
	if !ok {
		return NegErrno(EBADF), nil
	}
	if err := maybeCancel(d, f.HostFD, unix.POLLOUT); err != nil {
		return 0, err
	}
	data, err := d.Mem.Read(buf, count)
	if err != nil {
		return NegErrno(EINVAL), nil
	}
	n, werr := unix.Write(f.HostFD, data)
	if werr != nil {
		return NegErrno(EINVAL), nil
	}
	f.Offset += int64(n)
	return uint64(n), nil
}

func sysLseek(d *Deps, args [6]uint64) (uint64, error) {
	fd := int32(args[0])
	offset := int64(args[1])
	whence := int(args[2])

	f, ok := d.FDs.File(fd)
	if !ok {
		return NegErrno(EBADF), nil
	}
	n, err := unix.Seek(f.HostFD, offset, whence)
	if err != nil {
		return NegErrno(EINVAL), nil
	}
	f.Offset = n
	return uint64(n), nil
}

// Stat is the architecture-neutral subset of Linux's stat buffer; structs.go
// serializes it to the guest's layout (§4.8 "Polymorphic structures").
type Stat struct {
	Dev, Ino, Mode, Nlink, UID, GID, Rdev uint64
	Size, Blksize, Blocks                 int64
	Atime, Mtime, Ctime                   int64
}

func statFromUnix(st *unix.Stat_t) Stat {
	return Stat{
		Dev: st.Dev, Ino: st.Ino, Mode: uint64(st.Mode), Nlink: uint64(st.Nlink),
		UID: uint64(st.Uid), GID: uint64(st.Gid), Rdev: st.Rdev,
		Size: st.Size, Blksize: int64(st.Blksize), Blocks: st.Blocks,
		Atime: st.Atim.Sec, Mtime: st.Mtim.Sec, Ctime: st.Ctim.Sec,
	}
}

func sysStat(d *Deps, args [6]uint64) (uint64, error) {
	path, err := readCString(d, args[0])
	if err != nil {
		return NegErrno(EINVAL), nil
	}
	host, rerr := resolvePath(d, path)
	if rerr != nil {
		return NegErrno(EACCES), nil
	}
	var st unix.Stat_t
	if err := unix.Stat(host, &st); err != nil {
		return NegErrno(ENOENT), nil
	}
	return writeStat(d, args[1], statFromUnix(&st))
}

func sysFstat(d *Deps, args [6]uint64) (uint64, error) {
	fd := int32(args[0])
	f, ok := d.FDs.File(fd)
	if !ok {
		return NegErrno(EBADF), nil
	}
	var st unix.Stat_t
	if err := unix.Fstat(f.HostFD, &st); err != nil {
		return NegErrno(EBADF), nil
	}
	return writeStat(d, args[1], statFromUnix(&st))
}

func writeStat(d *Deps, addr uint64, st Stat) (uint64, error) {
	buf := EncodeStat(d.ABI.Table().PtrSizeBytes, st)
	if err := d.Mem.Write(addr, buf); err != nil {
		return NegErrno(EINVAL), nil
	}
	return 0, nil
}

func sysAccess(d *Deps, args [6]uint64) (uint64, error) {
	path, err := readCString(d, args[0])
	if err != nil {
		return NegErrno(EINVAL), nil
	}
	host, rerr := resolvePath(d, path)
	if rerr != nil {
		return NegErrno(EACCES), nil
	}
	if err := unix.Access(host, uint32(args[1])); err != nil {
		return NegErrno(EACCES), nil
	}
	return 0, nil
}

func sysUnlink(d *Deps, args [6]uint64) (uint64, error) {
	path, err := readCString(d, args[0])
	if err != nil {
		return NegErrno(EINVAL), nil
	}
	host, rerr := resolvePath(d, path)
	if rerr != nil {
		return NegErrno(EACCES), nil
	}
	if err := unix.Unlink(host); err != nil {
		return NegErrno(ENOENT), nil
	}
	return 0, nil
}

func sysDup2(d *Deps, args [6]uint64) (uint64, error) {
	oldFD := int32(args[0])
	newFD := int32(args[1])
	f, ok := d.FDs.File(oldFD)
	if !ok {
		return NegErrno(EBADF), nil
	}
	newHostFD, err := unix.Dup(f.HostFD)
	if err != nil {
		return NegErrno(EBADF), nil
	}
	clone := *f
	clone.HostFD = newHostFD
	d.FDs.AddFileAt(newFD, &clone)
	return uint64(uint32(newFD)), nil
}

// sysLlseek is the 32-bit _llseek: the 64-bit offset arrives split across
// two registers and the result is written to a caller-supplied loff_t.
func sysLlseek(d *Deps, args [6]uint64) (uint64, error) {
	fd := int32(args[0])
	offset := int64(args[1])<<32 | int64(uint32(args[2]))
	resultAddr := args[3]
	whence := int(args[4])

	f, ok := d.FDs.File(fd)
	if !ok {
		return NegErrno(EBADF), nil
	}
	n, err := unix.Seek(f.HostFD, offset, whence)
	if err != nil {
		return NegErrno(EINVAL), nil
	}
	f.Offset = n
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(n))
	if err := d.Mem.Write(resultAddr, buf); err != nil {
		return NegErrno(EINVAL), nil
	}
	return 0, nil
}

func sysGetcwd(d *Deps, args [6]uint64) (uint64, error) {
	if err := d.Mem.Write(args[0], append([]byte(d.Sandbox.Cwd), 0)); err != nil {
		return NegErrno(EINVAL), nil
	}
	return uint64(len(d.Sandbox.Cwd) + 1), nil
}
