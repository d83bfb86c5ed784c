// Package layer2 is the minimal concrete shape of the link-layer
// network/neighbour data model spec.md §3 treats as an opaque
// collaborator. It exists so the generic-netlink driver (internal/gnl)
// is testable end-to-end without pulling in an external consumer
// package: net_add/get, neigh_add/get/remove, set_value, reset_value,
// and commit are all implemented here against the concrete Network and
// Neighbour types in §3.1 of SPEC_FULL.md.
package layer2

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// OriginToken identifies the producer of a record, handed out once per
// driver at startup via RegisterOrigin. Every field write records its
// origin; the model has no operation that expires records by origin.
type OriginToken int

// Field names a single named numeric attribute on a Network or
// Neighbour.
type Field int

const (
	FieldFrequency Field = iota
	FieldMaxBitrate

	FieldRxBytes
	FieldTxBytes
	FieldRxFrames
	FieldTxFrames
	FieldRxRetries
	FieldTxRetries
	FieldTxFailed
	FieldSignal
	FieldRxBitrate
	FieldTxBitrate
)

// taggedValue is a single origin-tagged field write: the last writer
// wins per field, whatever its origin, matching oonf_layer2_set_value
// in original_source.
type taggedValue struct {
	origin OriginToken
	value  int64
	set    bool
}

// Network is one observed link-layer interface, keyed by its hardware
// address.
type Network struct {
	HardwareAddr net.HardwareAddr
	IfIndex      int
	IfName       string
	IfType       string
	LastSeen     time.Time

	mu     sync.Mutex
	fields map[Field]taggedValue

	neighbours map[string]*Neighbour // keyed by Neighbour.HardwareAddr.String()
}

// Neighbour is one observed peer of a Network, keyed by its hardware
// address within that network.
type Neighbour struct {
	HardwareAddr net.HardwareAddr
	LastSeen     time.Time

	mu     sync.Mutex
	fields map[Field]taggedValue
}

// Model owns the full set of known networks. It is only ever touched
// from driver callbacks running on the scheduler's single cooperative
// thread (spec.md §5), so the mutexes above exist purely to make
// concurrent test helpers safe, not to guard against real contention.
type Model struct {
	mu          sync.Mutex
	networks    map[string]*Network // keyed by HardwareAddr.String()
	nextOrigin  int
	originNames map[OriginToken]string
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{
		networks:    make(map[string]*Network),
		originNames: make(map[OriginToken]string),
	}
}

// RegisterOrigin hands out a fresh OriginToken tagged with name, for
// logging and future expiry-by-origin support.
func (m *Model) RegisterOrigin(name string) OriginToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok := OriginToken(m.nextOrigin)
	m.nextOrigin++
	m.originNames[tok] = name
	return tok
}

// NetAdd returns the Network for addr, creating it if absent.
func (m *Model) NetAdd(addr net.HardwareAddr, ifIndex int, ifName string) *Network {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := addr.String()
	if n, ok := m.networks[key]; ok {
		return n
	}
	n := &Network{
		HardwareAddr: addr,
		IfIndex:      ifIndex,
		IfName:       ifName,
		fields:       make(map[Field]taggedValue),
		neighbours:   make(map[string]*Neighbour),
	}
	m.networks[key] = n
	return n
}

// NetGet looks up an existing Network by hardware address.
func (m *Model) NetGet(addr net.HardwareAddr) (*Network, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.networks[addr.String()]
	return n, ok
}

// NetGetByIfIndex linear-scans for a Network by interface index. Models
// the kind of small, bounded lookup the driver's periodic dump replies
// perform; not indexed since the network count is small (one per
// observed wireless interface).
func (m *Model) NetGetByIfIndex(ifIndex int) (*Network, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.networks {
		if n.IfIndex == ifIndex {
			return n, true
		}
	}
	return nil, false
}

// NeighAdd returns the Neighbour for addr within n, creating it if
// absent.
func (n *Network) NeighAdd(addr net.HardwareAddr) *Neighbour {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := addr.String()
	if nb, ok := n.neighbours[key]; ok {
		return nb
	}
	nb := &Neighbour{HardwareAddr: addr, fields: make(map[Field]taggedValue)}
	n.neighbours[key] = nb
	return nb
}

// NeighGet looks up an existing Neighbour by hardware address.
func (n *Network) NeighGet(addr net.HardwareAddr) (*Neighbour, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	nb, ok := n.neighbours[addr.String()]
	return nb, ok
}

// NeighRemove drops a Neighbour, e.g. on a DEL_STATION message.
func (n *Network) NeighRemove(addr net.HardwareAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.neighbours, addr.String())
}

// SetValue overwrites field unconditionally under origin; last writer
// wins per field, matching oonf_layer2_set_value.
func (n *Network) SetValue(field Field, origin OriginToken, value int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fields[field] = taggedValue{origin: origin, value: value, set: true}
	n.LastSeen = time.Now()
}

// ResetValue clears a single field ahead of a fresh dump.
func (n *Network) ResetValue(field Field) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.fields, field)
}

// Value returns field's current value, if set.
func (n *Network) Value(field Field) (int64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	tv, ok := n.fields[field]
	if !ok {
		return 0, false
	}
	return tv.value, true
}

// Commit is a no-op hook kept for interface completeness with the
// collaborator model named in spec.md §3; no consumer in this scope
// needs commit-time side effects.
func (n *Network) Commit() {}

// SetValue overwrites field unconditionally under origin on a
// Neighbour.
func (nb *Neighbour) SetValue(field Field, origin OriginToken, value int64) {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	nb.fields[field] = taggedValue{origin: origin, value: value, set: true}
	nb.LastSeen = time.Now()
}

// ResetValue clears a single field on a Neighbour.
func (nb *Neighbour) ResetValue(field Field) {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	delete(nb.fields, field)
}

// Value returns field's current value on a Neighbour, if set.
func (nb *Neighbour) Value(field Field) (int64, bool) {
	nb.mu.Lock()
	defer nb.mu.Unlock()
	tv, ok := nb.fields[field]
	if !ok {
		return 0, false
	}
	return tv.value, true
}

// Commit is a no-op hook, see Network.Commit.
func (nb *Neighbour) Commit() {}

func (f Field) String() string {
	switch f {
	case FieldFrequency:
		return "frequency"
	case FieldMaxBitrate:
		return "max_bitrate"
	case FieldRxBytes:
		return "rx_bytes"
	case FieldTxBytes:
		return "tx_bytes"
	case FieldRxFrames:
		return "rx_frames"
	case FieldTxFrames:
		return "tx_frames"
	case FieldRxRetries:
		return "rx_retries"
	case FieldTxRetries:
		return "tx_retries"
	case FieldTxFailed:
		return "tx_failed"
	case FieldSignal:
		return "signal"
	case FieldRxBitrate:
		return "rx_bitrate"
	case FieldTxBitrate:
		return "tx_bitrate"
	default:
		return fmt.Sprintf("field(%d)", int(f))
	}
}

// ScaleBitrate converts a raw nl80211-style bitrate unit (100 kbit/s) to
// bits per second: (raw * 1024 * 1024) / 10, per spec.md §4.4.
func ScaleBitrate(raw int64) int64 {
	return (raw * 1024 * 1024) / 10
}

// ScaleSignal converts a raw signed dBm byte into the model's scaled
// signal unit: 1000 * value, per spec.md §4.4.
func ScaleSignal(raw int8) int64 {
	return 1000 * int64(raw)
}
