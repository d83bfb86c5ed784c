//go:build linux

package netlink

import (
	"os"

	"golang.org/x/sys/unix"
)

// conn is a non-blocking AF_NETLINK socket. It intentionally does not
// implement github.com/mdlayher/netlink's Socket interface (that
// interface assumes a blocking, lock-guarded Conn per spec.md §5's
// rejected concurrency model); it exists purely to give the
// single-threaded Transport raw send/recv/peek/setsockopt primitives,
// grounded on DataDog-datadog-agent's non-blocking Socket
// implementation and on mdlayher/netlink's own Linux dialer.
type conn struct {
	fd  int
	pid uint32
}

// dial creates and binds a raw, non-blocking netlink socket for the
// given protocol family (e.g. unix.NETLINK_ROUTE, unix.NETLINK_GENERIC).
func dial(protocol int) (*conn, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, protocol)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("setnonblock", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("getsockname", err)
	}
	nl, ok := sa.(*unix.SockaddrNetlink)
	if !ok {
		unix.Close(fd)
		return nil, os.NewSyscallError("getsockname", unix.EINVAL)
	}

	return &conn{fd: fd, pid: nl.Pid}, nil
}

func (c *conn) Fd() int      { return c.fd }
func (c *conn) PID() uint32  { return c.pid }
func (c *conn) Close() error { return unix.Close(c.fd) }

// Send transmits b in one sendmsg call to the kernel (pid 0, group 0).
func (c *conn) Send(b []byte) error {
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	return os.NewSyscallError("sendmsg", unix.Sendmsg(c.fd, b, nil, sa, 0))
}

// PeekSize returns the size of the next pending datagram without
// consuming it, via MSG_PEEK|MSG_TRUNC.
func (c *conn) PeekSize() (int, error) {
	var buf [1]byte
	n, _, _, _, err := unix.Recvmsg(c.fd, buf[:], nil, unix.MSG_PEEK|unix.MSG_TRUNC)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Recv reads one full datagram (or batch of concatenated messages, for
// a multi-part dump) into buf, returning the number of bytes read.
func (c *conn) Recv(buf []byte) (int, error) {
	n, _, _, _, err := unix.Recvmsg(c.fd, buf, nil, 0)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (c *conn) JoinGroup(group uint32) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(c.fd, unix.SOL_NETLINK, unix.NETLINK_ADD_MEMBERSHIP, int(group)))
}

func (c *conn) DropGroup(group uint32) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(c.fd, unix.SOL_NETLINK, unix.NETLINK_DROP_MEMBERSHIP, int(group)))
}
