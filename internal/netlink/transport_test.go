package netlink

import (
	"encoding/binary"
	"os"
	"testing"

	mdlnetlink "github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/vnetd/meshd/internal/scheduler"
)

// fakeSocket is the test-only socket substitute named in spec.md §8
// ("a fake Socket/Conn"): it records every flushed send and lets the
// test queue raw reply datagrams for receiveLoop to consume.
type fakeSocket struct {
	fd      int
	pid     uint32
	sent    [][]byte
	inbox   [][]byte
	joined  []uint32
	sendErr error
}

func newFakeSocket(t *testing.T, pid uint32) *fakeSocket {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() { r.Close(); w.Close() })
	return &fakeSocket{fd: int(r.Fd()), pid: pid}
}

func (f *fakeSocket) Fd() int     { return f.fd }
func (f *fakeSocket) PID() uint32 { return f.pid }
func (f *fakeSocket) Close() error { return nil }

func (f *fakeSocket) Send(b []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
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

func (f *fakeSocket) JoinGroup(group uint32) error {
	f.joined = append(f.joined, group)
	return nil
}

func (f *fakeSocket) DropGroup(group uint32) error { return nil }

// queue appends a complete datagram (one or more concatenated headers)
// to the socket's inbound queue.
func (f *fakeSocket) queue(datagram []byte) { f.inbox = append(f.inbox, datagram) }

func newTestTransport(t *testing.T) (*Transport, *scheduler.Scheduler) {
	t.Helper()
	sched, err := scheduler.New(nil)
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	t.Cleanup(func() { sched.Close() })
	return New(sched, nil), sched
}

func openFakeHandler(t *testing.T, tr *Transport, cb EventCallback) (*Handler, *fakeSocket) {
	t.Helper()
	var fake *fakeSocket
	orig := DialFunc
	DialFunc = func(protocol int) (Socket, error) {
		fake = newFakeSocket(t, 4242)
		return fake, nil
	}
	t.Cleanup(func() { DialFunc = orig })

	h, err := tr.Open("test", unix.NETLINK_ROUTE, cb)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tr.Close(h) })
	return h, fake
}

// encodeErrorDatagram builds one NLMSG_ERROR header with the given seq
// and kernel errno (0 means ack).
func encodeErrorDatagram(seq uint32, pid uint32, errno int32) []byte {
	const errHdrLen = nlmsghdrLen + 4 // nlmsgerr.error, nested header omitted
	buf := make([]byte, errHdrLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(errHdrLen))
	binary.LittleEndian.PutUint16(buf[4:6], typeError)
	binary.LittleEndian.PutUint32(buf[8:12], seq)
	binary.LittleEndian.PutUint32(buf[12:16], pid)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(errno))
	return buf
}

func encodeHeaderOnly(hdrType uint16, seq, pid uint32) []byte {
	buf := make([]byte, nlmsghdrLen)
	binary.LittleEndian.PutUint32(buf[0:4], nlmsghdrLen)
	binary.LittleEndian.PutUint16(buf[4:6], hdrType)
	binary.LittleEndian.PutUint32(buf[8:12], seq)
	binary.LittleEndian.PutUint32(buf[12:16], pid)
	return buf
}

func encodeDataDatagram(hdrType uint16, seq, pid uint32, payload []byte) []byte {
	total := nlmsghdrLen + len(payload)
	aligned := alignN(total, nlaAlignTo)
	buf := make([]byte, aligned)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], hdrType)
	binary.LittleEndian.PutUint32(buf[8:12], seq)
	binary.LittleEndian.PutUint32(buf[12:16], pid)
	copy(buf[nlmsghdrLen:], payload)
	return buf
}

func concat(blocks ...[]byte) []byte {
	var out []byte
	for _, b := range blocks {
		out = append(out, b...)
	}
	return out
}

// Scenario 2 from spec.md §8: ack-only reply.
func TestTransportAckOnlyReply(t *testing.T) {
	tr, _ := newTestTransport(t)

	var gotSeq uint32
	var ackCalls int
	h, fake := openFakeHandler(t, tr, EventCallback{
		OnAckDone: func(seq uint32) { ackCalls++; gotSeq = seq },
	})

	seq := tr.Send(h, NewMessage(1))
	h.flush()
	if len(fake.sent) != 1 {
		t.Fatalf("expected one flushed sendmsg, got %d", len(fake.sent))
	}
	if h.InTransit() != 1 {
		t.Fatalf("expected in-transit 1 after flush, got %d", h.InTransit())
	}

	fake.queue(encodeErrorDatagram(seq, fake.PID(), 0))
	h.receiveLoop()

	if ackCalls != 1 {
		t.Fatalf("expected exactly one ack callback, got %d", ackCalls)
	}
	if gotSeq != seq {
		t.Fatalf("ack callback seq = %d, want %d", gotSeq, seq)
	}
	if h.InTransit() != 0 {
		t.Fatalf("expected in-transit 0 after ack, got %d", h.InTransit())
	}
}

// Scenario 3 from spec.md §8: error reply (errno is the kernel's
// negated convention; on-error receives the positive errno).
func TestTransportErrorReply(t *testing.T) {
	tr, _ := newTestTransport(t)

	var gotErrno int
	var errCalls int
	h, fake := openFakeHandler(t, tr, EventCallback{
		OnError: func(seq uint32, errno int) { errCalls++; gotErrno = errno },
	})

	seq := tr.Send(h, NewMessage(1))
	h.flush()

	const eexist = 17
	fake.queue(encodeErrorDatagram(seq, fake.PID(), -eexist))
	h.receiveLoop()

	if errCalls != 1 {
		t.Fatalf("expected exactly one error callback, got %d", errCalls)
	}
	if gotErrno != eexist {
		t.Fatalf("on-error errno = %d, want %d", gotErrno, eexist)
	}
	if h.InTransit() != 0 {
		t.Fatalf("expected in-transit 0 after error, got %d", h.InTransit())
	}
}

// Scenario 4 from spec.md §8: multi-part dump. Three messages sharing
// seq S followed by one DONE(S) must deliver all three on-message
// calls before the single terminating on-ack/done(S).
func TestTransportMultiPartDump(t *testing.T) {
	tr, _ := newTestTransport(t)

	var messages []uint32
	var doneSeq uint32
	var doneCalls int
	h, fake := openFakeHandler(t, tr, EventCallback{
		OnMessage: func(msg mdlnetlink.Message) { messages = append(messages, msg.Header.Sequence) },
		OnAckDone: func(seq uint32) { doneCalls++; doneSeq = seq },
	})

	const newStation = 19
	seq := tr.Send(h, NewMessage(1))
	h.flush()

	datagram := concat(
		encodeDataDatagram(newStation, seq, fake.PID(), []byte{1, 2, 3, 4}),
		encodeDataDatagram(newStation, seq, fake.PID(), []byte{5, 6, 7, 8}),
		encodeDataDatagram(newStation, seq, fake.PID(), []byte{9, 10, 11, 12}),
		encodeHeaderOnly(typeDone, seq, fake.PID()),
	)
	fake.queue(datagram)
	h.receiveLoop()

	if len(messages) != 3 {
		t.Fatalf("expected 3 on-message deliveries, got %d", len(messages))
	}
	for _, s := range messages {
		if s != seq {
			t.Fatalf("on-message delivered with wrong seq %d, want %d", s, seq)
		}
	}
	if doneCalls != 1 || doneSeq != seq {
		t.Fatalf("expected exactly one on-ack/done(%d), got %d calls (last seq %d)", seq, doneCalls, doneSeq)
	}
	if h.InTransit() != 0 {
		t.Fatalf("expected in-transit 0 after dump completes, got %d", h.InTransit())
	}
}

// Scenario 5 from spec.md §8: timeout. The kernel never replies; firing
// the handler's timeout entry must invoke on-timeout and reset
// in-transit to 0.
func TestTransportTimeout(t *testing.T) {
	tr, sched := newTestTransport(t)

	var timeoutCalls int
	h, _ := openFakeHandler(t, tr, EventCallback{
		OnTimeout: func() { timeoutCalls++ },
	})

	tr.Send(h, NewMessage(1))
	h.flush()
	if !sched.Timers().IsActive(h.timeout) {
		t.Fatalf("expected timeout armed after flush")
	}

	sched.Timers().FireDue(sched.Clock().NowMillis() + requestTimeoutMs + 1)

	if timeoutCalls != 1 {
		t.Fatalf("expected exactly one on-timeout call, got %d", timeoutCalls)
	}
	if h.InTransit() != 0 {
		t.Fatalf("expected in-transit reset to 0 after timeout, got %d", h.InTransit())
	}
	if sched.Timers().IsActive(h.timeout) {
		t.Fatalf("expected timeout disarmed after firing")
	}
}

func TestSequenceNeverZeroAndWraps(t *testing.T) {
	resetSeqForTest(0x7ffffffe)
	first := nextSeq()
	second := nextSeq()
	third := nextSeq()

	if first != 0x7fffffff {
		t.Fatalf("first = %#x, want 0x7fffffff", first)
	}
	if second != 1 {
		t.Fatalf("second = %#x, want 1 (zero must be skipped on wraparound)", second)
	}
	if third != 2 {
		t.Fatalf("third = %#x, want 2", third)
	}
}

func TestAppendAttributeTooLargeLeavesMessageUnmodified(t *testing.T) {
	msg := NewMessage(1)
	before := append([]byte(nil), msg.Payload...)

	oversized := make([]byte, maxMessageSize+1)
	if err := msg.AppendAttribute(1, oversized); err != ErrMessageTooLarge {
		t.Fatalf("AppendAttribute error = %v, want ErrMessageTooLarge", err)
	}
	if len(msg.Payload) != len(before) {
		t.Fatalf("message payload mutated on overflow: len=%d, want %d", len(msg.Payload), len(before))
	}
}
