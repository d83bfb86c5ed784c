// Package netlink implements the kernel message-bus transport described
// in spec.md §4.2: per-handler outbound queuing, sequence allocation,
// in-transit accounting, and reply classification (message / ack-done /
// error / timeout), running entirely on the scheduler's single
// cooperative thread.
//
// The state machine is a direct translation of the flush/receive pair
// in original_source's os_system_linux.c (_flush_netlink_buffer,
// _netlink_handler, _handle_nl_err, _netlink_job_finished) into Go,
// using github.com/mdlayher/netlink's Header/Message/flag types for the
// wire vocabulary (grounded on the vendored mdlayher/netlink and
// DataDog-datadog-agent netlink packages in _examples/other_examples/)
// and golang.org/x/sys/unix for the underlying socket.
package netlink

import (
	"encoding/binary"
	"errors"
	"syscall"

	"github.com/mdlayher/netlink"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/vnetd/meshd/internal/scheduler"
	"github.com/vnetd/meshd/internal/timer"
)

const (
	nlmsghdrLen = 16 // sizeof(struct nlmsghdr): len,type,flags,seq,pid

	typeNoop  = 1 // NLMSG_NOOP
	typeError = 2 // NLMSG_ERROR
	typeDone  = 3 // NLMSG_DONE

	initialInboundSize = 4096 // one page
	requestTimeoutMs   = 1000 // T ~= 1s, per spec.md §4.2
)

// EventCallback bundles the four per-handler callback slots named in
// spec.md §3 and §6.
type EventCallback struct {
	OnMessage func(msg netlink.Message)
	OnAckDone func(seq uint32)
	OnError   func(seq uint32, errno int)
	OnTimeout func()
}

var timeoutClass = timer.NewClass("netlink-feedback")

// Handler is one owned kernel socket plus its outbound/inbound buffers,
// sequence bookkeeping, and callbacks. See spec.md §3 "Netlink handler".
type Handler struct {
	Name     string // owning subsystem tag, logging only
	protocol int

	conn  Socket
	entry *scheduler.Entry

	outbound []byte
	lastSeq  uint32 // seq of the most recently enqueued, not-yet-flushed message

	inbound []byte

	inTransit int
	timeout   *timer.Entry

	cb  EventCallback
	t   *Transport
	log logrus.FieldLogger
}

// PID returns the kernel-assigned port id for this handler's socket.
func (h *Handler) PID() uint32 { return h.conn.PID() }

// InTransit returns the current in-transit count (exported for tests
// asserting the `in-transit > 0 ⇔ timeout armed` invariant).
func (h *Handler) InTransit() int { return h.inTransit }

// Transport owns the scheduler wiring for a set of Handlers. A Transport
// does not hold per-handler state itself; each Handler is independent
// once opened.
type Transport struct {
	sched *scheduler.Scheduler
	log   logrus.FieldLogger
}

// New creates a Transport bound to the given scheduler.
func New(sched *scheduler.Scheduler, log logrus.FieldLogger) *Transport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Transport{sched: sched, log: log.WithField("component", "netlink")}
}

// Open creates a raw kernel socket of the given protocol family, binds
// it, registers it with the scheduler for read-interest, and returns a
// ready Handler. name tags the handler for logging only.
func (t *Transport) Open(name string, protocol int, cb EventCallback) (*Handler, error) {
	c, err := DialFunc(protocol)
	if err != nil {
		return nil, err
	}

	h := &Handler{
		Name:     name,
		protocol: protocol,
		conn:     c,
		inbound:  make([]byte, initialInboundSize),
		cb:       cb,
		t:        t,
		log:      t.log.WithField("handler", name),
	}

	entry := scheduler.NewEntry(c.Fd(), nil, nil)
	entry.Handler = func(fd int, ctx interface{}, readable, writable bool) {
		h.onEvent(readable, writable)
	}
	if err := t.sched.Add(entry); err != nil {
		c.Close()
		return nil, err
	}
	h.entry = entry
	h.timeout = timer.NewEntry(timeoutClass, func(e *timer.Entry, now int64) {
		h.onTimeoutFired()
	}, h)

	return h, nil
}

// Close removes h's socket entry, cancels its timeout, and closes the
// fd. Pending in-transit requests never receive callbacks; the caller
// is responsible for any user-level cancellation beforehand (spec.md
// §4.2 Close).
func (t *Transport) Close(h *Handler) error {
	t.sched.Timers().Stop(h.timeout)
	t.sched.Remove(h.entry)
	return h.conn.Close()
}

// JoinMulticast joins each group in order; the first failure aborts the
// batch and is returned (spec.md §4.2).
func (t *Transport) JoinMulticast(h *Handler, groups []uint32) error {
	for _, g := range groups {
		if err := h.conn.JoinGroup(g); err != nil {
			return err
		}
	}
	return nil
}

// DropMulticast leaves each group in order; the first failure aborts the
// batch and is returned.
func (t *Transport) DropMulticast(h *Handler, groups []uint32) error {
	for _, g := range groups {
		if err := h.conn.DropGroup(g); err != nil {
			return err
		}
	}
	return nil
}

// AppendAttribute appends an attribute to msg. Thin wrapper kept for API
// parity with the host-facing operation list in spec.md §6.
func (t *Transport) AppendAttribute(msg *Message, attrType uint16, value []byte) error {
	return msg.AppendAttribute(attrType, value)
}

// Send assigns the next sequence number, stamps REQUEST|ACK|MULTI on
// msg, appends the encoded header+payload to h's outbound buffer, and
// enables write-interest. Always succeeds in assigning a sequence; the
// message is flushed on the next writable event.
func (t *Transport) Send(h *Handler, msg *Message) uint32 {
	seq := nextSeq()
	msg.Seq = seq
	msg.PID = h.conn.PID()
	msg.Flags |= netlink.Request | netlink.Acknowledge | netlink.Multi

	h.outbound = append(h.outbound, encodeMessage(msg)...)
	h.lastSeq = seq
	t.sched.SetWrite(h.entry, true)
	return seq
}

func encodeMessage(m *Message) []byte {
	total := nlmsghdrLen + len(m.Payload)
	aligned := alignN(total, nlaAlignTo)
	buf := make([]byte, aligned)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], m.Type)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(m.Flags))
	binary.LittleEndian.PutUint32(buf[8:12], m.Seq)
	binary.LittleEndian.PutUint32(buf[12:16], m.PID)
	copy(buf[16:], m.Payload)
	return buf
}

func doneSentinel() []byte {
	buf := make([]byte, nlmsghdrLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(nlmsghdrLen))
	binary.LittleEndian.PutUint16(buf[4:6], typeDone)
	return buf
}

// onEvent is the scheduler Handler bound to this netlink handler's fd.
// Writable is serviced before readable, matching the ordering in
// os_system_linux.c's _netlink_handler.
func (h *Handler) onEvent(readable, writable bool) {
	if !readable && !writable {
		h.log.Warn("socket reported an unrecoverable error")
		return
	}
	if writable {
		h.flush()
	}
	if readable {
		h.receiveLoop()
	}
}

// flush sends the entire outbound buffer plus a trailing DONE sentinel
// in one sendmsg call, per spec.md §4.2.
func (h *Handler) flush() {
	if len(h.outbound) == 0 {
		return
	}

	out := make([]byte, 0, len(h.outbound)+nlmsghdrLen)
	out = append(out, h.outbound...)
	out = append(out, doneSentinel()...)

	if err := h.conn.Send(out); err != nil {
		h.log.WithError(err).Warn("netlink sendmsg failed")
		h.outbound = h.outbound[:0]
		h.t.sched.SetWrite(h.entry, false)
		if h.cb.OnError != nil {
			h.cb.OnError(h.lastSeq, errnoFromErr(err))
		}
		return
	}

	h.outbound = h.outbound[:0]
	h.t.sched.SetWrite(h.entry, false)
	h.inTransit++
	h.t.sched.Timers().Set(h.timeout, h.t.sched.Clock().AbsoluteFromRelative(requestTimeoutMs))
}

// receiveLoop drains every pending datagram for this wake, growing the
// inbound buffer one page at a time on truncation (spec.md §4.2, §5).
func (h *Handler) receiveLoop() {
	for {
		size, err := h.conn.PeekSize()
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			h.log.WithError(err).Warn("netlink peek failed")
			return
		}
		if size > len(h.inbound) {
			h.growInbound(size)
			continue
		}

		n, err := h.conn.Recv(h.inbound)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			h.log.WithError(err).Warn("netlink recv failed")
			return
		}
		h.dispatchBlock(h.inbound[:n])
	}
}

func (h *Handler) growInbound(minSize int) {
	for len(h.inbound) < minSize {
		h.inbound = append(h.inbound, make([]byte, initialInboundSize)...)
	}
}

// dispatchBlock classifies each header in one received datagram block,
// preserving the contract that on-message(seq=S) deliveries precede the
// terminating on-ack/done(S) or on-error(S,_) for the same S (spec.md
// §4.2, §5).
func (h *Handler) dispatchBlock(buf []byte) {
	var (
		currentSeq  uint32
		haveCurrent bool
		pendingDone bool
	)

	offset := 0
	for offset+nlmsghdrLen <= len(buf) {
		length := binary.LittleEndian.Uint32(buf[offset : offset+4])
		if length < nlmsghdrLen || offset+int(length) > len(buf) {
			h.log.Warn("malformed netlink header, dropping rest of block")
			return
		}
		hdrType := binary.LittleEndian.Uint16(buf[offset+4 : offset+6])
		hdrFlags := binary.LittleEndian.Uint16(buf[offset+6 : offset+8])
		seq := binary.LittleEndian.Uint32(buf[offset+8 : offset+12])
		pid := binary.LittleEndian.Uint32(buf[offset+12 : offset+16])
		data := buf[offset+nlmsghdrLen : offset+int(length)]

		if !haveCurrent {
			currentSeq = seq
			haveCurrent = true
		} else if seq != currentSeq {
			if pendingDone {
				h.completeDone(currentSeq)
				pendingDone = false
			}
			currentSeq = seq
		}

		switch hdrType {
		case typeNoop:
			// ignored

		case typeDone:
			pendingDone = true

		case typeError:
			pendingDone = false
			if len(data) < 4 {
				h.log.Warn("truncated netlink error message")
				break
			}
			errno := int32(binary.LittleEndian.Uint32(data[0:4]))
			if errno == 0 {
				h.completeAck(seq)
			} else {
				h.completeError(seq, int(-errno))
			}

		default:
			if h.cb.OnMessage != nil {
				h.cb.OnMessage(netlink.Message{
					Header: netlink.Header{
						Length:   length,
						Type:     netlink.HeaderType(hdrType),
						Flags:    netlink.HeaderFlags(hdrFlags),
						Sequence: seq,
						PID:      pid,
					},
					Data: append([]byte(nil), data...),
				})
			}
		}

		offset += alignN(int(length), nlaAlignTo)
	}

	if pendingDone {
		h.completeDone(currentSeq)
	}
}

func (h *Handler) completeDone(seq uint32) {
	if h.cb.OnAckDone != nil {
		h.cb.OnAckDone(seq)
	}
	h.finishOne()
}

func (h *Handler) completeAck(seq uint32) {
	if h.cb.OnAckDone != nil {
		h.cb.OnAckDone(seq)
	}
	h.finishOne()
}

func (h *Handler) completeError(seq uint32, errno int) {
	if h.cb.OnError != nil {
		h.cb.OnError(seq, errno)
	}
	h.finishOne()
}

// finishOne decrements the in-transit counter and disarms the timeout
// once it reaches zero, maintaining `in-transit > 0 ⇔ timeout armed`.
func (h *Handler) finishOne() {
	if h.inTransit > 0 {
		h.inTransit--
	}
	if h.inTransit == 0 {
		h.t.sched.Timers().Stop(h.timeout)
	}
}

func (h *Handler) onTimeoutFired() {
	h.inTransit = 0
	if h.cb.OnTimeout != nil {
		h.cb.OnTimeout()
	}
}

func errnoFromErr(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return -1
}
