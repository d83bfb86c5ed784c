// Package gnl implements the generic-netlink driver described in
// spec.md §4.4: family discovery, multicast-group discovery, and a
// periodic per-interface query iterator that dumps station and scan
// information into the layer2 model. Grounded directly on
// nl80211_listener.c's _send_genl_getfamily / _parse_cmd_newfamily /
// _cb_transmission_event / _parse_cmd_new_station state machine.
package gnl

import (
	"net"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	mdlnetlink "github.com/mdlayher/netlink"
	"github.com/sirupsen/logrus"

	"github.com/vnetd/meshd/internal/layer2"
	"github.com/vnetd/meshd/internal/netlink"
	"github.com/vnetd/meshd/internal/scheduler"
	"github.com/vnetd/meshd/internal/timer"
)

// Generic netlink control protocol constants.
const (
	genlIDCtrl = 0x10 // GENL_ID_CTRL

	ctrlCmdGetfamily = 3 // CTRL_CMD_GETFAMILY

	ctrlAttrFamilyID    = 1 // CTRL_ATTR_FAMILY_ID
	ctrlAttrFamilyName  = 2 // CTRL_ATTR_FAMILY_NAME
	ctrlAttrMcastGroups = 7 // CTRL_ATTR_MCAST_GROUPS

	ctrlAttrMcastGrpName = 1 // CTRL_ATTR_MCAST_GRP_NAME
	ctrlAttrMcastGrpID   = 2 // CTRL_ATTR_MCAST_GRP_ID
)

// nl80211 command/attribute constants this driver understands. Named
// here rather than imported from a kernel-headers package since the
// attribute payload layout itself is kernel-defined and out of scope
// (spec.md §1).
const (
	nl80211CmdNewStation   = 19
	nl80211CmdDelStation   = 20
	nl80211CmdNewScanResul = 34

	nl80211AttrIfindex  = 3
	nl80211AttrMac      = 6
	nl80211AttrStaInfo  = 21
	nl80211AttrBss      = 47
	nl80211AttrFrame    = 51

	nl80211StaInfoRxBytes   = 2
	nl80211StaInfoTxBytes   = 3
	nl80211StaInfoSignal    = 7
	nl80211StaInfoTxBitrate = 8
	nl80211StaInfoRxPackets = 9
	nl80211StaInfoTxPackets = 10
	nl80211StaInfoTxRetries = 11
	nl80211StaInfoTxFailed  = 12
	nl80211StaInfoRxBitrate = 14

	nl80211RateInfoBitrate = 1

	// NL80211_BSS_* nested attributes inside NL80211_ATTR_BSS, per
	// _parse_cmd_new_scan_result.
	nl80211BssFrequency        = 2
	nl80211BssInformationElems = 6
	nl80211BssBeaconIes        = 11

	// Information-element tags carrying 802.11 data rates, each byte a
	// rate in units of 500kbit/s with the top bit marking "basic rate".
	ieTagSupportedRates    = 1
	ieTagExtSupportedRates = 50

	familyName     = "nl80211"
	mcastGroupName = "mlme"
)

// QueryType cycles the periodic iterator through dump kinds, per
// spec.md §4.4.
type QueryType int

const (
	QueryStationDump QueryType = iota
	QueryScanDump
	queryCount
)

func (q QueryType) genlCommand() uint8 {
	switch q {
	case QueryStationDump:
		return 17 // NL80211_CMD_GET_STATION (dump)
	case QueryScanDump:
		return 32 // NL80211_CMD_GET_SCAN (dump)
	default:
		return 0
	}
}

// Interface is one interface the driver is configured to poll.
type Interface struct {
	Name    string
	IfIndex int
}

// Driver owns one generic-netlink transport handler and drives the
// periodic station/scan query iterator across a configured interface
// set.
type Driver struct {
	transport *netlink.Transport
	sched     *scheduler.Scheduler
	handler   *netlink.Handler
	log       logrus.FieldLogger

	model  *layer2.Model
	origin layer2.OriginToken

	familyID       uint16
	mcastGroupID   uint32
	mcastJoined    bool
	familyResolved bool

	interfaces map[string]Interface // name -> interface

	lastQueriedIfName string
	nextQueryType     QueryType
	queryInFlight     bool

	tickInterval time.Duration
	tickEntry    *timer.Entry

	// recent caches the most-recently-touched interface name per
	// query round, bounding memory if interfaces are added/removed
	// without bound over the daemon's lifetime.
	recent *lru.Cache[string, time.Time]
}

// New creates a Driver bound to t and sched, registers its origin token
// with model, and opens the generic-netlink handler.
func New(t *netlink.Transport, sched *scheduler.Scheduler, model *layer2.Model, tickInterval time.Duration, log logrus.FieldLogger) (*Driver, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cache, err := lru.New[string, time.Time](256)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		transport:    t,
		sched:        sched,
		log:          log.WithField("component", "gnl"),
		model:        model,
		interfaces:   make(map[string]Interface),
		tickInterval: tickInterval,
		recent:       cache,
	}
	d.origin = model.RegisterOrigin("gnl")

	h, err := t.Open("gnl", genlNetlinkProtocol, netlink.EventCallback{
		OnMessage: d.onMessage,
		OnAckDone: d.onTransmissionEvent,
		OnError:   func(seq uint32, errno int) { d.onTransmissionEvent() },
		OnTimeout: d.onTransmissionEvent,
	})
	if err != nil {
		return nil, err
	}
	d.handler = h

	d.tickEntry = timer.NewEntry(tickClass, func(e *timer.Entry, now int64) {
		d.onTick()
	}, d)
	sched.Timers().SetPeriodic(d.tickEntry, sched.Clock().AbsoluteFromRelative(int64(tickInterval/time.Millisecond)), int64(tickInterval/time.Millisecond))

	d.requestFamily()
	return d, nil
}

var tickClass = timer.NewClass("gnl-query-iterator")

// Close tears down the driver's handler and timer.
func (d *Driver) Close() error {
	d.sched.Timers().Stop(d.tickEntry)
	return d.transport.Close(d.handler)
}

// LastQueried reports when ifName was last touched by the query
// iterator, for diagnostics (e.g. detecting an interface the iterator
// has stopped reaching because it dropped out of the configured set).
func (d *Driver) LastQueried(ifName string) (time.Time, bool) {
	return d.recent.Get(ifName)
}

// SetInterfaces replaces the driver's configured interface set. The
// periodic iterator's cursor is preserved if the interface it currently
// points at still exists; otherwise it resets.
func (d *Driver) SetInterfaces(ifaces []Interface) {
	d.interfaces = make(map[string]Interface, len(ifaces))
	for _, ifc := range ifaces {
		d.interfaces[ifc.Name] = ifc
	}
	if _, ok := d.interfaces[d.lastQueriedIfName]; !ok {
		d.lastQueriedIfName = ""
		d.nextQueryType = QueryStationDump
	}
}

func (d *Driver) requestFamily() {
	msg := netlink.NewMessage(genlIDCtrl)
	msg.Flags = mdlnetlink.Request | mdlnetlink.Acknowledge | mdlnetlink.Dump
	appendGenlHeader(msg, ctrlCmdGetfamily, 1)
	_ = msg.AppendAttribute(ctrlAttrFamilyName, append([]byte(familyName), 0))
	d.transport.Send(d.handler, msg)
}

func (d *Driver) onTick() {
	if !d.familyResolved {
		return
	}
	d.advanceIterator()
}

// onTransmissionEvent is wired to ack/done, error, and timeout alike,
// per spec.md §4.4 ("the same iterator advance is triggered by any of
// ... on-ack/done, on-error, or on-timeout").
func (d *Driver) onTransmissionEvent() {
	d.queryInFlight = false
	d.advanceIterator()
}

// advanceIterator implements the exact (last_queried_if_name,
// next_query_type) state machine from spec.md §4.4 steps 1-5.
func (d *Driver) advanceIterator() {
	if d.queryInFlight {
		return
	}
	if len(d.interfaces) == 0 {
		d.lastQueriedIfName = ""
		d.nextQueryType = QueryStationDump
		return
	}

	names := d.sortedInterfaceNames()

	qt := d.nextQueryType
	for {
		next, found := findNameGreaterThan(names, d.lastQueriedIfName)
		if found {
			d.lastQueriedIfName = next
			d.nextQueryType = qt
			d.submitQuery(qt, d.interfaces[next])
			return
		}
		qt++
		if qt >= queryCount {
			d.lastQueriedIfName = ""
			d.nextQueryType = QueryStationDump
			return
		}
		d.lastQueriedIfName = ""
	}
}

func (d *Driver) sortedInterfaceNames() []string {
	names := make([]string, 0, len(d.interfaces))
	for name := range d.interfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// findNameGreaterThan returns the smallest name in the sorted slice
// names that is strictly greater than after ("" selects the first
// name), modelling avl_find_ge's strictly-next semantics.
func findNameGreaterThan(names []string, after string) (string, bool) {
	if after == "" {
		if len(names) == 0 {
			return "", false
		}
		return names[0], true
	}
	idx := sort.SearchStrings(names, after)
	if idx < len(names) && names[idx] == after {
		idx++
	}
	if idx >= len(names) {
		return "", false
	}
	return names[idx], true
}

func (d *Driver) submitQuery(qt QueryType, ifc Interface) {
	msg := netlink.NewMessage(d.familyID)
	msg.Flags = mdlnetlink.Request | mdlnetlink.Acknowledge | mdlnetlink.Dump
	appendGenlHeader(msg, qt.genlCommand(), 0)
	_ = msg.AppendUint32Attribute(nl80211AttrIfindex, uint32(ifc.IfIndex))
	d.transport.Send(d.handler, msg)
	d.queryInFlight = true
	d.recent.Add(ifc.Name, time.Now())
}

func (d *Driver) onMessage(msg mdlnetlink.Message) {
	if len(msg.Data) < genlHeaderLen {
		d.log.Warn("malformed generic-netlink message, dropping")
		return
	}
	cmd := msg.Data[0]
	body := msg.Data[genlHeaderLen:]

	hdrType := uint16(msg.Header.Type)
	if hdrType == genlIDCtrl {
		d.handleCtrl(cmd, body)
		return
	}
	if hdrType == d.familyID {
		d.handleFamily(cmd, body)
	}
}

func (d *Driver) handleCtrl(cmd uint8, body []byte) {
	if cmd != 1 && cmd != ctrlCmdGetfamily { // CTRL_CMD_NEWFAMILY == 1
		return
	}
	attrs, err := parseAttrs(body)
	if err != nil {
		d.log.WithError(err).Warn("malformed family reply, dropping")
		return
	}

	name, hasName := attrs[ctrlAttrFamilyName]
	if !hasName || trimNulString(name) != familyName {
		return
	}

	idBytes, hasID := attrs[ctrlAttrFamilyID]
	if !hasID || len(idBytes) < 2 {
		d.log.Warn("family reply missing family id, dropping")
		return
	}
	d.familyID = le16(idBytes)
	d.familyResolved = true

	if groupsRaw, ok := attrs[ctrlAttrMcastGroups]; ok {
		if gid, found := findMcastGroup(groupsRaw, mcastGroupName); found {
			d.mcastGroupID = gid
			if err := d.transport.JoinMulticast(d.handler, []uint32{gid}); err != nil {
				d.log.WithError(err).Warn("joining mlme multicast group failed")
			} else {
				d.mcastJoined = true
			}
		}
	}
}

func (d *Driver) handleFamily(cmd uint8, body []byte) {
	switch cmd {
	case nl80211CmdNewStation:
		d.parseNewStation(body)
	case nl80211CmdDelStation:
		d.parseDelStation(body)
	case nl80211CmdNewScanResul:
		d.parseNewScanResult(body)
	}
}

// parseNewScanResult reads the reporting interface, the BSS frequency,
// and the peak advertised data rate out of the nested NL80211_ATTR_BSS
// blob and writes them into that interface's Network, following
// _parse_cmd_new_scan_result.
func (d *Driver) parseNewScanResult(body []byte) {
	attrs, err := parseAttrs(body)
	if err != nil {
		d.log.WithError(err).Warn("malformed scan result, dropping")
		return
	}
	ifIndexBytes, ok := attrs[nl80211AttrIfindex]
	if !ok || len(ifIndexBytes) < 4 {
		return
	}
	ifIndex := int(le32(ifIndexBytes))

	bssRaw, ok := attrs[nl80211AttrBss]
	if !ok {
		return
	}
	bss, err := parseAttrs(bssRaw)
	if err != nil {
		d.log.WithError(err).Warn("malformed bss info, dropping")
		return
	}

	net_, ok := d.model.NetGetByIfIndex(ifIndex)
	if !ok {
		return
	}

	if raw, ok := bss[nl80211BssFrequency]; ok && len(raw) >= 4 {
		net_.SetValue(layer2.FieldFrequency, d.origin, int64(le32(raw))*1000000)
	}

	ies, ok := bss[nl80211BssInformationElems]
	if !ok {
		ies, ok = bss[nl80211BssBeaconIes]
	}
	if ok {
		if maxRate, found := peakAdvertisedRate(ies); found {
			net_.SetValue(layer2.FieldMaxBitrate, d.origin, maxRate)
		}
	}
}

// peakAdvertisedRate scans a flat sequence of 802.11 information
// elements for the highest rate named in a supported-rates or
// extended-supported-rates element, converting the 500kbit/s-per-unit
// on-wire rate byte to bits per second.
func peakAdvertisedRate(ies []byte) (int64, bool) {
	var maxRate int64
	found := false
	offset := 0
	for offset+2 <= len(ies) {
		tag := ies[offset]
		length := int(ies[offset+1])
		if offset+2+length > len(ies) {
			break
		}
		data := ies[offset+2 : offset+2+length]
		if tag == ieTagSupportedRates || tag == ieTagExtSupportedRates {
			for _, b := range data {
				rate := int64(b&0x7f) * 500 * 1000
				if rate > maxRate {
					maxRate = rate
					found = true
				}
			}
		}
		offset += 2 + length
	}
	return maxRate, found
}

func (d *Driver) parseNewStation(body []byte) {
	attrs, err := parseAttrs(body)
	if err != nil {
		d.log.WithError(err).Warn("malformed station reply, dropping")
		return
	}
	ifIndexBytes, ok := attrs[nl80211AttrIfindex]
	if !ok || len(ifIndexBytes) < 4 {
		return
	}
	ifIndex := int(le32(ifIndexBytes))

	macBytes, ok := attrs[nl80211AttrMac]
	if !ok || len(macBytes) != 6 {
		return
	}
	mac := net.HardwareAddr(append([]byte(nil), macBytes...))

	net_, ok := d.model.NetGetByIfIndex(ifIndex)
	if !ok {
		net_ = d.model.NetAdd(mac, ifIndex, "")
	}
	nb := net_.NeighAdd(mac)

	staInfo, ok := attrs[nl80211AttrStaInfo]
	if !ok {
		return
	}
	nested, err := parseAttrs(staInfo)
	if err != nil {
		d.log.WithError(err).Warn("malformed station info, dropping")
		return
	}
	setIfUint(nb, nested, nl80211StaInfoRxBytes, layer2.FieldRxBytes, d.origin)
	setIfUint(nb, nested, nl80211StaInfoTxBytes, layer2.FieldTxBytes, d.origin)
	setIfUint(nb, nested, nl80211StaInfoRxPackets, layer2.FieldRxFrames, d.origin)
	setIfUint(nb, nested, nl80211StaInfoTxPackets, layer2.FieldTxFrames, d.origin)
	setIfUint(nb, nested, nl80211StaInfoTxRetries, layer2.FieldTxRetries, d.origin)
	setIfUint(nb, nested, nl80211StaInfoTxFailed, layer2.FieldTxFailed, d.origin)

	if raw, ok := nested[nl80211StaInfoSignal]; ok && len(raw) >= 1 {
		nb.SetValue(layer2.FieldSignal, d.origin, layer2.ScaleSignal(int8(raw[0])))
	}
	if raw, ok := nested[nl80211StaInfoRxBitrate]; ok {
		setBitrate(nb, raw, layer2.FieldRxBitrate, d.origin, d.log)
	}
	if raw, ok := nested[nl80211StaInfoTxBitrate]; ok {
		setBitrate(nb, raw, layer2.FieldTxBitrate, d.origin, d.log)
	}
}

func setIfUint(nb *layer2.Neighbour, attrs map[uint16][]byte, key uint16, field layer2.Field, origin layer2.OriginToken) {
	raw, ok := attrs[key]
	if !ok {
		return
	}
	switch len(raw) {
	case 4:
		nb.SetValue(field, origin, int64(le32(raw)))
	case 8:
		nb.SetValue(field, origin, int64(le64(raw)))
	}
}

func setBitrate(nb *layer2.Neighbour, raw []byte, field layer2.Field, origin layer2.OriginToken, log logrus.FieldLogger) {
	nested, err := parseAttrs(raw)
	if err != nil {
		log.WithError(err).Warn("malformed rate info, dropping")
		return
	}
	rateRaw, ok := nested[nl80211RateInfoBitrate]
	if !ok || len(rateRaw) < 2 {
		return
	}
	raw16 := le16(rateRaw)
	nb.SetValue(field, origin, layer2.ScaleBitrate(int64(raw16)))
}

func (d *Driver) parseDelStation(body []byte) {
	attrs, err := parseAttrs(body)
	if err != nil {
		return
	}
	ifIndexBytes, ok := attrs[nl80211AttrIfindex]
	if !ok || len(ifIndexBytes) < 4 {
		return
	}
	macBytes, ok := attrs[nl80211AttrMac]
	if !ok || len(macBytes) != 6 {
		return
	}
	ifIndex := int(le32(ifIndexBytes))
	mac := net.HardwareAddr(append([]byte(nil), macBytes...))
	if net_, ok := d.model.NetGetByIfIndex(ifIndex); ok {
		net_.NeighRemove(mac)
	}
}

func trimNulString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
