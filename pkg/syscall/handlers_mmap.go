package syscall

import (
	"golang.org/x/sys/unix"

	"github.com/arion-emu/arion/pkg/backend"
	"github.com/arion-emu/arion/pkg/memory"
)

const (
	mapFixed         = 0x10
	mapAnonymous     = 0x20
	mapFixedNoreplace = 0x100000
)

func permFromProt(prot uint64) backend.Perm {
	var p backend.Perm
	if prot&1 != 0 {
		p |= backend.PermRead
	}
	if prot&2 != 0 {
		p |= backend.PermWrite
	}
	if prot&4 != 0 {
		p |= backend.PermExec
	}
	return p
}

// sysMmap implements §4.8's mmap family policy: MAP_FIXED replaces
// overlapping mappings, MAP_FIXED_NOREPLACE fails with EEXIST, otherwise
// map_anywhere is used; MAP_ANONYMOUS zero-fills, file-backed mmaps read
// the requested range from the host fd without disturbing its position.
func sysMmap(d *Deps, args [6]uint64) (uint64, error) {
	addr, length, prot, flags, fd, offset := args[0], args[1], args[2], args[3], int32(args[4]), args[5]
	perm := permFromProt(prot)

	switch {
	case flags&mapFixedNoreplace != 0:
		if d.Mem.IsMapped(addr) {
			return NegErrno(EEXIST), nil
		}
		if _, err := d.Mem.Map(addr, length, perm, "[mmap]"); err != nil {
			return NegErrno(ENOMEM), nil
		}
	case flags&mapFixed != 0:
		_ = d.Mem.Unmap(addr, length)
		if _, err := d.Mem.Map(addr, length, perm, "[mmap]"); err != nil {
			return NegErrno(ENOMEM), nil
		}
	default:
		placed, err := d.Mem.MapAnywhere(addr, length, memory.Ascending, perm, "[mmap]")
		if err != nil {
			return NegErrno(ENOMEM), nil
		}
		addr = placed
	}

	if flags&mapAnonymous == 0 {
		f, ok := d.FDs.File(fd)
		if !ok {
			return NegErrno(EBADF), nil
		}
		savedOff := f.Offset
		if _, err := unix.Seek(f.HostFD, int64(offset), 0); err != nil {
			return NegErrno(EINVAL), nil
		}
		buf := make([]byte, length)
		n, _ := unix.Read(f.HostFD, buf)
		if n > 0 {
			if err := d.Mem.Write(addr, buf[:n]); err != nil {
				return NegErrno(EINVAL), nil
			}
		}
		if _, err := unix.Seek(f.HostFD, savedOff, 0); err != nil {
			return NegErrno(EINVAL), nil
		}
	}
	return addr, nil
}

// sysMmap2 is the 32-bit mmap2 entry point: identical to mmap except the
// file offset argument is counted in pages, not bytes.
func sysMmap2(d *Deps, args [6]uint64) (uint64, error) {
	args[5] *= memory.PageSize
	return sysMmap(d, args)
}

func sysMunmap(d *Deps, args [6]uint64) (uint64, error) {
	if err := d.Mem.Unmap(args[0], args[1]); err != nil {
		return NegErrno(EINVAL), nil
	}
	return 0, nil
}

func sysMprotect(d *Deps, args [6]uint64) (uint64, error) {
	if err := d.Mem.Protect(args[0], args[1], permFromProt(args[2])); err != nil {
		return NegErrno(EINVAL), nil
	}
	return 0, nil
}

func sysBrk(d *Deps, args [6]uint64) (uint64, error) {
	requested := args[0]
	if requested == 0 {
		return d.Mem.Brk(), nil
	}
	cur := d.Mem.Brk()
	if requested > cur {
		if _, err := d.Mem.Map(cur, requested-cur, backend.PermRead|backend.PermWrite, "[heap]"); err != nil {
			return d.Mem.Brk(), nil
		}
	} else if requested < cur {
		_ = d.Mem.Unmap(requested, cur-requested)
	}
	d.Mem.SetBrk(requested)
	return requested, nil
}
