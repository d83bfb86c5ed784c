// Package rtnetlink implements the RTNETLINK watcher described in
// spec.md §4.3: one transport handler bound to the routing protocol,
// joined to link and address multicast groups, fanning out interface
// up/down and address-change notifications to registered listeners,
// and tracking pending address-mutation completions by sequence.
package rtnetlink

import (
	"net"

	"github.com/google/uuid"
	mdlnetlink "github.com/mdlayher/netlink"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/vnetd/meshd/internal/netlink"
)

// Standard RTNETLINK message types this watcher recognises.
const (
	rtmNewLink  = 16
	rtmDelLink  = 17
	rtmNewAddr  = 20
	rtmDelAddr  = 21
	rtmSetLink  = 19
	rtmNewRoute = 24
)

// Multicast groups joined at startup (link, ipv4 address, ipv6 address),
// per spec.md §4.3.
const (
	groupLink     = unix.RTNLGRP_LINK
	groupIPv4Addr = unix.RTNLGRP_IPV4_IFADDR
	groupIPv6Addr = unix.RTNLGRP_IPV6_IFADDR
)

const ifFlagUp = 0x1 // IFF_UP

// InterfaceListener is one registered interest in link state changes.
// Membership in the Watcher's listener list is insertion-ordered, per
// spec.md §5 ("Interface-listener fan-out preserves listener
// registration order").
type InterfaceListener struct {
	Callback func(ifIndex int, wentDown bool)
}

// AddrOp describes an address-set or address-remove submission.
type AddrOp struct {
	IfIndex int
	Addr    net.IP
	Prefix  int
	Scope   uint8
	Remove  bool
	// OnDone is invoked exactly once: errno 0 on success, the negated
	// kernel error on failure, or -1 on timeout or explicit cancel.
	OnDone func(errno int)

	// CorrelationID names this operation in log lines independent of
	// the netlink sequence number, which is only assigned at submit
	// time and wraps within its 31-bit range.
	CorrelationID uuid.UUID

	seq     uint32
	pending bool
}

// Watcher owns the routing-protocol transport handler and the
// listener/pending-op bookkeeping layered on top of it.
type Watcher struct {
	transport *netlink.Transport
	handler   *netlink.Handler
	log       logrus.FieldLogger

	listeners []*InterfaceListener
	pending   map[uint32]*AddrOp // keyed by assigned seq
}

// Open creates the routing-protocol handler and joins the link/address
// multicast groups.
func Open(t *netlink.Transport, log logrus.FieldLogger) (*Watcher, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	w := &Watcher{
		transport: t,
		log:       log.WithField("component", "rtnetlink"),
		pending:   make(map[uint32]*AddrOp),
	}

	h, err := t.Open("rtnetlink", unix.NETLINK_ROUTE, netlink.EventCallback{
		OnMessage: w.onMessage,
		OnAckDone: w.onAckDone,
		OnError:   w.onError,
		OnTimeout: w.onTimeout,
	})
	if err != nil {
		return nil, err
	}
	w.handler = h

	groups := []uint32{uint32(groupLink), uint32(groupIPv4Addr), uint32(groupIPv6Addr)}
	if err := t.JoinMulticast(h, groups); err != nil {
		t.Close(h)
		return nil, err
	}

	return w, nil
}

// Close tears down the routing-protocol handler.
func (w *Watcher) Close() error {
	return w.transport.Close(w.handler)
}

// ListenerAdd registers l; fan-out preserves this registration order.
func (w *Watcher) ListenerAdd(l *InterfaceListener) {
	w.listeners = append(w.listeners, l)
}

// ListenerRemove deregisters l. Safe to call from within a dispatched
// callback: the fan-out loop tolerates the listener slice shrinking
// during iteration (see onMessage).
func (w *Watcher) ListenerRemove(l *InterfaceListener) {
	for i, cur := range w.listeners {
		if cur == l {
			w.listeners = append(w.listeners[:i], w.listeners[i+1:]...)
			return
		}
	}
}

// SetInterfaceState requests the kernel to bring ifIndex up or down by
// submitting a SETLINK request on the shared handler. It does not track
// completion; the resulting link-change notification (if any) arrives
// through the normal listener fan-out.
func (w *Watcher) SetInterfaceState(ifIndex int, up bool) error {
	msg := netlink.NewMessage(rtmSetLink)
	msg.Flags = mdlnetlink.Request | mdlnetlink.Acknowledge

	flags := uint32(0)
	if up {
		flags = ifFlagUp
	}
	change := uint32(ifFlagUp)

	appendIfinfomsg(msg, ifIndex, flags, change)
	w.transport.Send(w.handler, msg)
	return nil
}

// IfaddrSet submits an address set/remove operation, recording a
// Pending Address Operation keyed by the assigned sequence if op
// carries a completion callback.
func (w *Watcher) IfaddrSet(op *AddrOp) error {
	msgType := uint16(rtmNewAddr)
	if op.Remove {
		msgType = rtmDelAddr
	}

	msg := netlink.NewMessage(msgType)
	msg.Flags = mdlnetlink.Request | mdlnetlink.Acknowledge
	if !op.Remove {
		msg.Flags |= mdlnetlink.Create
	}

	family := uint8(unix.AF_INET)
	if op.Addr.To4() == nil {
		family = unix.AF_INET6
	}
	appendIfaddrmsg(msg, family, uint8(op.Prefix), op.Scope, op.IfIndex)

	const ifaAddress = 1 // IFA_ADDRESS
	addrBytes := op.Addr.To4()
	if addrBytes == nil {
		addrBytes = op.Addr.To16()
	}
	if err := msg.AppendAttribute(ifaAddress, addrBytes); err != nil {
		return err
	}

	if op.CorrelationID == uuid.Nil {
		op.CorrelationID = uuid.New()
	}

	seq := w.transport.Send(w.handler, msg)
	op.seq = seq
	if op.OnDone != nil {
		op.pending = true
		w.pending[seq] = op
	}
	w.log.WithField("correlation_id", op.CorrelationID).WithField("seq", seq).Debug("address operation submitted")
	return nil
}

// IfaddrInterrupt removes op from the feedback list (if still pending)
// and invokes its completion callback with errno -1. Detaching before
// invoking makes recursive cancellation from within the callback safe
// (spec.md §4.3).
func (w *Watcher) IfaddrInterrupt(op *AddrOp) {
	w.finishOp(op, -1)
}

func (w *Watcher) finishOp(op *AddrOp, errno int) {
	if !op.pending {
		return
	}
	op.pending = false
	delete(w.pending, op.seq)
	w.log.WithField("correlation_id", op.CorrelationID).WithField("errno", errno).Debug("address operation completed")
	if op.OnDone != nil {
		op.OnDone(errno)
	}
}

func (w *Watcher) onAckDone(seq uint32) {
	if op, ok := w.pending[seq]; ok {
		w.finishOp(op, 0)
		return
	}
	// Unsolicited done with no pending op: nothing to correlate.
}

func (w *Watcher) onError(seq uint32, errno int) {
	if op, ok := w.pending[seq]; ok {
		w.finishOp(op, errno)
		return
	}
}

func (w *Watcher) onTimeout() {
	for _, op := range w.pending {
		w.finishOp(op, -1)
	}
}

// onMessage dispatches an unsolicited (or dump) multicast message: link
// or address change notifications fan out to every registered listener
// in registration order.
func (w *Watcher) onMessage(msg mdlnetlink.Message) {
	switch msg.Header.Type {
	case rtmNewLink, rtmDelLink:
		ifIndex, flags, ok := parseIfinfomsg(msg.Data)
		if !ok {
			w.log.Warn("malformed link notification, dropping")
			return
		}
		wentDown := flags&ifFlagUp == 0
		w.fanOut(ifIndex, wentDown)

	case rtmNewAddr, rtmDelAddr:
		ifIndex, ok := parseIfaddrmsgIndex(msg.Data)
		if !ok {
			w.log.Warn("malformed address notification, dropping")
			return
		}
		wentDown := msg.Header.Type == rtmDelAddr
		w.fanOut(ifIndex, wentDown)

	default:
		// Unrecognised message types are ignored; attribute payload
		// layout beyond what this watcher needs is out of scope
		// (spec.md §1).
	}
}

// fanOut iterates a defensive copy of the listener slice so a listener
// callback may add/remove listeners without corrupting this pass.
func (w *Watcher) fanOut(ifIndex int, wentDown bool) {
	snapshot := make([]*InterfaceListener, len(w.listeners))
	copy(snapshot, w.listeners)
	for _, l := range snapshot {
		if l.Callback != nil {
			l.Callback(ifIndex, wentDown)
		}
	}
}
