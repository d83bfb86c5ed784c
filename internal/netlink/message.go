package netlink

import (
	"encoding/binary"
	"errors"

	"github.com/mdlayher/netlink"
)

// maxMessageSize bounds a single outbound request, matching the
// teacher's one-page request buffer (and the original plugin's
// UIO_MAXIOV-sized _msgbuf): see spec.md §4.2.1.
const maxMessageSize = 4096

// nlaAlignTo is NLMSG_ALIGNTO: every attribute is padded to a 4-byte
// boundary, independent of CPU word size.
const nlaAlignTo = 4

// ErrMessageTooLarge is returned by AppendAttribute when appending would
// exceed maxMessageSize; the message is left unmodified.
var ErrMessageTooLarge = errors.New("netlink: message exceeds max request size")

// attrHeaderLen is sizeof(struct nlattr): 2 bytes length + 2 bytes type.
const attrHeaderLen = 4

func alignN(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}

// Message is an in-progress outbound request: a kernel header (fields
// populated lazily by the Transport on Send) plus an attribute-encoded
// payload built up by AppendAttribute.
type Message struct {
	Type  uint16
	Flags netlink.HeaderFlags
	Seq   uint32 // assigned by Transport.Send
	PID   uint32 // stamped by Transport.Send with the handler's kernel-assigned port id

	// Payload is written ahead of any attributes — callers needing a
	// fixed-size command header (e.g. genlmsghdr) append it directly.
	Payload []byte
}

// NewMessage starts a new outbound request of the given netlink message
// type (e.g. the routing or generic-netlink protocol's family id).
func NewMessage(msgType uint16) *Message {
	return &Message{Type: msgType}
}

// AppendAttribute appends a length-prefixed, 4-byte-aligned attribute
// (attrType, value) to the message payload. On failure the message is
// left unmodified.
func (m *Message) AppendAttribute(attrType uint16, value []byte) error {
	attrLen := attrHeaderLen + len(value)
	padded := alignN(attrLen, nlaAlignTo)

	if len(m.Payload)+padded > maxMessageSize {
		return ErrMessageTooLarge
	}

	buf := make([]byte, padded)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(attrLen))
	binary.LittleEndian.PutUint16(buf[2:4], attrType)
	copy(buf[attrHeaderLen:], value)

	m.Payload = append(m.Payload, buf...)
	return nil
}

// AppendUint32Attribute is a convenience wrapper for the common case of
// a single little-endian uint32 attribute value (e.g. NL80211_ATTR_IFINDEX).
func (m *Message) AppendUint32Attribute(attrType uint16, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return m.AppendAttribute(attrType, b[:])
}
