package rtnetlink

import (
	"encoding/binary"

	"github.com/vnetd/meshd/internal/netlink"
)

// ifinfomsgLen is sizeof(struct ifinfomsg): family(1) + pad(1) +
// type(2) + index(4) + flags(4) + change(4).
const ifinfomsgLen = 16

// ifaddrmsgLen is sizeof(struct ifaddrmsg): family(1) + prefixlen(1) +
// flags(1) + scope(1) + index(4).
const ifaddrmsgLen = 8

func appendIfinfomsg(msg *netlink.Message, ifIndex int, flags, change uint32) {
	buf := make([]byte, ifinfomsgLen)
	buf[0] = 0 // family: AF_UNSPEC
	buf[1] = 0 // pad
	binary.LittleEndian.PutUint16(buf[2:4], 0)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(ifIndex))
	binary.LittleEndian.PutUint32(buf[8:12], flags)
	binary.LittleEndian.PutUint32(buf[12:16], change)
	msg.Payload = append(msg.Payload, buf...)
}

func parseIfinfomsg(data []byte) (ifIndex int, flags uint32, ok bool) {
	if len(data) < ifinfomsgLen {
		return 0, 0, false
	}
	ifIndex = int(int32(binary.LittleEndian.Uint32(data[4:8])))
	flags = binary.LittleEndian.Uint32(data[8:12])
	return ifIndex, flags, true
}

func appendIfaddrmsg(msg *netlink.Message, family, prefixLen, scope uint8, ifIndex int) {
	buf := make([]byte, ifaddrmsgLen)
	buf[0] = family
	buf[1] = prefixLen
	buf[2] = 0 // flags
	buf[3] = scope
	binary.LittleEndian.PutUint32(buf[4:8], uint32(ifIndex))
	msg.Payload = append(msg.Payload, buf...)
}

func parseIfaddrmsgIndex(data []byte) (ifIndex int, ok bool) {
	if len(data) < ifaddrmsgLen {
		return 0, false
	}
	return int(binary.LittleEndian.Uint32(data[4:8])), true
}
