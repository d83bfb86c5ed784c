package gnl

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/vnetd/meshd/internal/netlink"
)

// genlNetlinkProtocol is the protocol family generic-netlink handlers
// bind against; the specific family id for "nl80211" is resolved at
// runtime via CTRL_CMD_GETFAMILY.
const genlNetlinkProtocol = unix.NETLINK_GENERIC

// genlHeaderLen is sizeof(struct genlmsghdr): cmd(1) + version(1) +
// reserved(2).
const genlHeaderLen = 4

const nlaAlignTo = 4
const attrHeaderLen = 4

func alignN(n, to int) int { return (n + to - 1) &^ (to - 1) }

func appendGenlHeader(msg *netlink.Message, cmd uint8, version uint8) {
	buf := make([]byte, genlHeaderLen)
	buf[0] = cmd
	buf[1] = version
	msg.Payload = append(msg.Payload, buf...)
}

// parseAttrs decodes a flat sequence of length-prefixed, 4-byte-aligned
// attributes into a map keyed by attribute type. Only the last value
// for a repeated type is kept, which is sufficient for every fixed
// attribute this driver reads (spec.md §1 leaves bit-exact attribute
// layout out of scope for anything beyond what the driver needs).
func parseAttrs(buf []byte) (map[uint16][]byte, error) {
	attrs := make(map[uint16][]byte)
	offset := 0
	for offset+attrHeaderLen <= len(buf) {
		length := int(binary.LittleEndian.Uint16(buf[offset : offset+2]))
		attrType := binary.LittleEndian.Uint16(buf[offset+2:offset+4]) & 0x3fff // strip NLA_F_* flags
		if length < attrHeaderLen || offset+length > len(buf) {
			return nil, fmt.Errorf("gnl: truncated attribute at offset %d", offset)
		}
		attrs[attrType] = buf[offset+attrHeaderLen : offset+length]
		offset += alignN(length, nlaAlignTo)
	}
	return attrs, nil
}

// findMcastGroup scans a CTRL_ATTR_MCAST_GROUPS nested-attribute blob
// for a group named name, returning its CTRL_ATTR_MCAST_GRP_ID.
func findMcastGroup(groupsRaw []byte, name string) (uint32, bool) {
	groups, err := parseAttrs(groupsRaw)
	if err != nil {
		return 0, false
	}
	for _, groupRaw := range groups {
		nested, err := parseAttrs(groupRaw)
		if err != nil {
			continue
		}
		nameBytes, ok := nested[ctrlAttrMcastGrpName]
		if !ok || trimNulString(nameBytes) != name {
			continue
		}
		idBytes, ok := nested[ctrlAttrMcastGrpID]
		if !ok || len(idBytes) < 4 {
			continue
		}
		return le32(idBytes), true
	}
	return 0, false
}

func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func le64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
