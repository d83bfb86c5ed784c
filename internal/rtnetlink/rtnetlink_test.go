package rtnetlink

import (
	"encoding/binary"
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/vnetd/meshd/internal/netlink"
	"github.com/vnetd/meshd/internal/scheduler"
)

// fakeSocket is the same fake-Socket pattern used across this module's
// tests (spec.md §8): a pipe-backed fd for a valid registration, with
// send/receive served from in-memory queues.
type fakeSocket struct {
	fd     int
	pid    uint32
	sent   [][]byte
	inbox  [][]byte
	joined []uint32
}

func newFakeSocket(t *testing.T) *fakeSocket {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() { r.Close(); w.Close() })
	return &fakeSocket{fd: int(r.Fd()), pid: 5555}
}

func (f *fakeSocket) Fd() int      { return f.fd }
func (f *fakeSocket) PID() uint32  { return f.pid }
func (f *fakeSocket) Close() error { return nil }
func (f *fakeSocket) Send(b []byte) error {
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}
func (f *fakeSocket) PeekSize() (int, error) {
	if len(f.inbox) == 0 {
		return 0, unix.EAGAIN
	}
	return len(f.inbox[0]), nil
}
func (f *fakeSocket) Recv(buf []byte) (int, error) {
	if len(f.inbox) == 0 {
		return 0, unix.EAGAIN
	}
	n := copy(buf, f.inbox[0])
	f.inbox = f.inbox[1:]
	return n, nil
}
func (f *fakeSocket) JoinGroup(group uint32) error { f.joined = append(f.joined, group); return nil }
func (f *fakeSocket) DropGroup(group uint32) error { return nil }
func (f *fakeSocket) queue(b []byte)               { f.inbox = append(f.inbox, b) }

func newTestWatcher(t *testing.T) (*Watcher, *fakeSocket) {
	t.Helper()
	sched, err := scheduler.New(nil)
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	t.Cleanup(func() { sched.Close() })
	transport := netlink.New(sched, nil)

	var fake *fakeSocket
	orig := netlink.DialFunc
	netlink.DialFunc = func(protocol int) (netlink.Socket, error) {
		fake = newFakeSocket(t)
		return fake, nil
	}
	t.Cleanup(func() { netlink.DialFunc = orig })

	w, err := Open(transport, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w, fake
}

func nlHeader(length uint32, hdrType uint16, flags uint16, seq, pid uint32) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], length)
	binary.LittleEndian.PutUint16(buf[4:6], hdrType)
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], seq)
	binary.LittleEndian.PutUint32(buf[12:16], pid)
	return buf
}

func errorDatagram(seq, pid uint32, errno int32) []byte {
	buf := nlHeader(20, 2, 0, seq, pid)
	errBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(errBuf, uint32(errno))
	return append(buf, errBuf...)
}

func linkDatagram(msgType uint16, ifIndex int, flags uint32) []byte {
	body := make([]byte, ifinfomsgLen)
	binary.LittleEndian.PutUint32(body[4:8], uint32(ifIndex))
	binary.LittleEndian.PutUint32(body[8:12], flags)
	total := 16 + ifinfomsgLen
	return append(nlHeader(uint32(total), msgType, 0, 1, 0), body...)
}

// Watcher joins link/ipv4/ipv6 groups on Open, per spec.md §4.3.
func TestOpenJoinsMulticastGroups(t *testing.T) {
	_, fake := newTestWatcher(t)
	want := []uint32{uint32(groupLink), uint32(groupIPv4Addr), uint32(groupIPv6Addr)}
	if len(fake.joined) != len(want) {
		t.Fatalf("joined groups = %v, want %v", fake.joined, want)
	}
	for i, g := range want {
		if fake.joined[i] != g {
			t.Fatalf("joined[%d] = %d, want %d", i, fake.joined[i], g)
		}
	}
}

// IfaddrSet's completion callback fires exactly once, with errno 0 on
// an ack reply.
func TestIfaddrSetCompletesOnAck(t *testing.T) {
	w, fake := newTestWatcher(t)

	var calls int
	var gotErrno int
	op := &AddrOp{
		IfIndex: 3,
		Addr:    net.ParseIP("192.0.2.1"),
		Prefix:  24,
		OnDone:  func(errno int) { calls++; gotErrno = errno },
	}
	if err := w.IfaddrSet(op); err != nil {
		t.Fatalf("IfaddrSet: %v", err)
	}
	w.handler.FlushForTest()

	fake.queue(errorDatagram(op.seq, fake.PID(), 0))
	w.handler.DeliverForTest()

	if calls != 1 {
		t.Fatalf("expected exactly one OnDone call, got %d", calls)
	}
	if gotErrno != 0 {
		t.Fatalf("OnDone errno = %d, want 0", gotErrno)
	}
	if _, stillPending := w.pending[op.seq]; stillPending {
		t.Fatalf("expected op removed from pending after completion")
	}
}

// IfaddrInterrupt removes the pending op before invoking its callback,
// so a callback that re-submits or re-interrupts does not observe
// stale pending state (spec.md §4.3).
func TestIfaddrInterruptIsSafeFromWithinCallback(t *testing.T) {
	w, _ := newTestWatcher(t)

	var calls int
	op := &AddrOp{
		IfIndex: 3,
		Addr:    net.ParseIP("192.0.2.1"),
		Prefix:  24,
	}
	op.OnDone = func(errno int) {
		calls++
		if _, stillPending := w.pending[op.seq]; stillPending {
			t.Fatalf("op still present in pending map during its own callback")
		}
		if calls == 1 {
			w.IfaddrInterrupt(op) // re-entrant cancel must be a no-op
		}
	}
	if err := w.IfaddrSet(op); err != nil {
		t.Fatalf("IfaddrSet: %v", err)
	}

	w.IfaddrInterrupt(op)

	if calls != 1 {
		t.Fatalf("expected exactly one OnDone call despite re-entrant interrupt, got %d", calls)
	}
}

// A link-down notification fans out to every registered listener, in
// registration order, and tolerates a listener removing another listener
// mid-fan-out.
func TestListenerFanOutOrderAndReentrantRemoval(t *testing.T) {
	w, fake := newTestWatcher(t)

	var order []string
	var second *InterfaceListener
	first := &InterfaceListener{Callback: func(ifIndex int, wentDown bool) {
		order = append(order, "first")
		w.ListenerRemove(second) // must not disrupt this pass
	}}
	second = &InterfaceListener{Callback: func(ifIndex int, wentDown bool) {
		order = append(order, "second")
	}}
	third := &InterfaceListener{Callback: func(ifIndex int, wentDown bool) {
		order = append(order, "third")
	}}
	w.ListenerAdd(first)
	w.ListenerAdd(second)
	w.ListenerAdd(third)

	fake.queue(linkDatagram(rtmDelLink, 7, 0))
	w.handler.DeliverForTest()

	if len(order) != 3 {
		t.Fatalf("expected all 3 listeners to fire on this pass, got %v", order)
	}
	if order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("unexpected fan-out order: %v", order)
	}

	order = nil
	fake.queue(linkDatagram(rtmNewLink, 7, ifFlagUp))
	w.handler.DeliverForTest()
	if len(order) != 2 || order[0] != "first" || order[1] != "third" {
		t.Fatalf("expected second listener to stay removed, got %v", order)
	}
}

// A timeout fires every pending op's callback with errno -1.
func TestTimeoutFinishesAllPending(t *testing.T) {
	w, _ := newTestWatcher(t)

	var gotA, gotB int
	opA := &AddrOp{IfIndex: 1, Addr: net.ParseIP("192.0.2.1"), Prefix: 24, OnDone: func(errno int) { gotA = errno }}
	opB := &AddrOp{IfIndex: 2, Addr: net.ParseIP("192.0.2.2"), Prefix: 24, OnDone: func(errno int) { gotB = errno }}
	if err := w.IfaddrSet(opA); err != nil {
		t.Fatalf("IfaddrSet: %v", err)
	}
	if err := w.IfaddrSet(opB); err != nil {
		t.Fatalf("IfaddrSet: %v", err)
	}

	w.onTimeout()

	if gotA != -1 || gotB != -1 {
		t.Fatalf("expected both ops to finish with errno -1, got %d and %d", gotA, gotB)
	}
	if len(w.pending) != 0 {
		t.Fatalf("expected pending map empty after timeout, got %d entries", len(w.pending))
	}
}
