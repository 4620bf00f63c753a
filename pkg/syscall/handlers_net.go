package syscall

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/arion-emu/arion/pkg/fdtable"
)

const (
	afUnix  = 1
	afInet  = 2
	afInet6 = 10
)

// sysSocket implements socket(2): opens the matching host socket and
// records its guest-visible identity in the Socket Table (§3 "Socket
// Entry", §4.8).
func sysSocket(d *Deps, args [6]uint64) (uint64, error) {
	family, typ, proto := int32(args[0]), int32(args[1]), int32(args[2])
	hostFD, err := unix.Socket(int(family), int(typ), int(proto))
	if err != nil {
		return NegErrno(EINVAL), nil
	}
	guestFD := d.FDs.AddSocket(&fdtable.Socket{
		HostFD: hostFD, Family: family, Type: typ, Protocol: proto,
		Blocking: d.ThreadBlockingIO,
	})
	return uint64(uint32(guestFD)), nil
}

// decodeSockaddr reads a guest struct sockaddr_in/un into the fields
// a fdtable.Socket records, following the wire layout of Linux's
// <linux/in.h> sockaddr_in (family, port big-endian, addr) used by every
// architecture this core targets regardless of word size. For any other
// family, AF_INET6 included, only the family is returned.
func decodeSockaddr(buf []byte) (family int32, ip string, port uint16, unixPath string) {
	if len(buf) < 2 {
		return 0, "", 0, ""
	}
	fam := int32(binary.LittleEndian.Uint16(buf[0:2]))
	switch fam {
	case afInet:
		if len(buf) >= 8 {
			port = binary.BigEndian.Uint16(buf[2:4])
			ip = ipv4String(buf[4:8])
		}
	case afUnix:
		end := len(buf)
		for i := 2; i < len(buf); i++ {
			if buf[i] == 0 {
				end = i
				break
			}
		}
		unixPath = string(buf[2:end])
	}
	return fam, ip, port, unixPath
}

func ipv4String(b []byte) string {
	out := make([]byte, 0, 15)
	for i, part := range b {
		if i > 0 {
			out = append(out, '.')
		}
		out = appendUint(out, uint(part))
	}
	return string(out)
}

func appendUint(dst []byte, v uint) []byte {
	if v == 0 {
		return append(dst, '0')
	}
	var tmp [3]byte
	n := 0
	for v > 0 {
		tmp[n] = byte('0' + v%10)
		v /= 10
		n++
	}
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, tmp[i])
	}
	return dst
}

func sockaddrFromSocket(s *fdtable.Socket) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(s.Family))
	switch s.Family {
	case afInet:
		binary.BigEndian.PutUint16(buf[2:4], s.Port)
		copy(buf[4:8], parseIPv4(s.IP))
	}
	return buf
}

func parseIPv4(ip string) [4]byte {
	var out [4]byte
	var cur, idx int
	started := false
	for i := 0; i < len(ip) && idx < 4; i++ {
		c := ip[i]
		if c == '.' {
			out[idx] = byte(cur)
			idx++
			cur = 0
			started = false
			continue
		}
		if c >= '0' && c <= '9' {
			cur = cur*10 + int(c-'0')
			started = true
		}
	}
	if started && idx < 4 {
		out[idx] = byte(cur)
	}
	return out
}

func toSockaddr(family int32, ip string, port uint16, unixPath string) unix.Sockaddr {
	switch family {
	case afInet:
		a := parseIPv4(ip)
		return &unix.SockaddrInet4{Port: int(port), Addr: a}
	case afUnix:
		return &unix.SockaddrUnix{Name: unixPath}
	default:
		return nil
	}
}

// sysBind implements bind(2): decodes the guest sockaddr and binds the
// host socket, recording the bound address on the Socket Entry.
func sysBind(d *Deps, args [6]uint64) (uint64, error) {
	fd, addr, length := int32(args[0]), args[1], args[2]
	s, ok := d.FDs.Socket(fd)
	if !ok {
		return NegErrno(EBADF), nil
	}
	buf, err := d.Mem.Read(addr, length)
	if err != nil {
		return NegErrno(EINVAL), nil
	}
	family, ip, port, unixPath := decodeSockaddr(buf)
	sa := toSockaddr(family, ip, port, unixPath)
	if sa == nil {
		return NegErrno(EINVAL), nil
	}
	if err := unix.Bind(s.HostFD, sa); err != nil {
		return NegErrno(EINVAL), nil
	}
	s.IP, s.Port, s.UnixPath = ip, port, unixPath
	s.LastSockaddr = buf
	return 0, nil
}

// sysListen implements listen(2).
func sysListen(d *Deps, args [6]uint64) (uint64, error) {
	fd, backlog := int32(args[0]), int32(args[1])
	s, ok := d.FDs.Socket(fd)
	if !ok {
		return NegErrno(EBADF), nil
	}
	if err := unix.Listen(s.HostFD, int(backlog)); err != nil {
		return NegErrno(EINVAL), nil
	}
	s.Listening = true
	s.Server = true
	s.Backlog = backlog
	return 0, nil
}

// sysConnect implements connect(2).
func sysConnect(d *Deps, args [6]uint64) (uint64, error) {
	fd, addr, length := int32(args[0]), args[1], args[2]
	s, ok := d.FDs.Socket(fd)
	if !ok {
		return NegErrno(EBADF), nil
	}
	buf, err := d.Mem.Read(addr, length)
	if err != nil {
		return NegErrno(EINVAL), nil
	}
	family, ip, port, unixPath := decodeSockaddr(buf)
	sa := toSockaddr(family, ip, port, unixPath)
	if sa == nil {
		return NegErrno(EINVAL), nil
	}
	if cerr := maybeCancel(d, s.HostFD, unix.POLLOUT); cerr != nil {
		return 0, cerr
	}
	if err := unix.Connect(s.HostFD, sa); err != nil {
		return NegErrno(EINVAL), nil
	}
	s.IP, s.Port, s.UnixPath = ip, port, unixPath
	return 0, nil
}

// sysAccept implements accept(2): the accepted connection becomes a new
// Socket Entry of its own.
func sysAccept(d *Deps, args [6]uint64) (uint64, error) {
	fd := int32(args[0])
	s, ok := d.FDs.Socket(fd)
	if !ok {
		return NegErrno(EBADF), nil
	}
	if err := maybeCancel(d, s.HostFD, unix.POLLIN); err != nil {
		return 0, err
	}
	hostFD, _, err := unix.Accept(s.HostFD)
	if err != nil {
		return NegErrno(EAGAIN), nil
	}
	guestFD := d.FDs.AddSocket(&fdtable.Socket{
		HostFD: hostFD, Family: s.Family, Type: s.Type, Protocol: s.Protocol,
		Blocking: d.ThreadBlockingIO,
	})
	return uint64(uint32(guestFD)), nil
}

// sysSendto implements send(2)/sendto(2): a connected socket ignores the
// destination args, matching Linux's own behavior.
func sysSendto(d *Deps, args [6]uint64) (uint64, error) {
	fd, buf, length := int32(args[0]), args[1], args[2]
	s, ok := d.FDs.Socket(fd)
	if !ok {
		return NegErrno(EBADF), nil
	}
	if err := maybeCancel(d, s.HostFD, unix.POLLOUT); err != nil {
		return 0, err
	}
	data, err := d.Mem.Read(buf, length)
	if err != nil {
		return NegErrno(EINVAL), nil
	}
	n, werr := unix.Write(s.HostFD, data)
	if werr != nil {
		return NegErrno(EINVAL), nil
	}
	return uint64(n), nil
}

// sysRecvfrom implements recv(2)/recvfrom(2).
func sysRecvfrom(d *Deps, args [6]uint64) (uint64, error) {
	fd, buf, length := int32(args[0]), args[1], args[2]
	s, ok := d.FDs.Socket(fd)
	if !ok {
		return NegErrno(EBADF), nil
	}
	if err := maybeCancel(d, s.HostFD, unix.POLLIN); err != nil {
		return 0, err
	}
	host := make([]byte, length)
	n, rerr := unix.Read(s.HostFD, host)
	if rerr != nil {
		return NegErrno(EINVAL), nil
	}
	if n > 0 {
		if err := d.Mem.Write(buf, host[:n]); err != nil {
			return NegErrno(EINVAL), nil
		}
	}
	return uint64(n), nil
}
