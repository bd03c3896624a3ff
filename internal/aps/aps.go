// Package aps defines the boundary to the radio driver: APS-layer data
// primitives, node lifecycle events and green-power indications. The gateway
// core produces DataRequests and consumes the indication/confirm stream; the
// stack itself lives on the other side of the Radio interface.
package aps

// AddressMode selects how a destination is addressed.
type AddressMode uint8

const (
	AddrModeGroup AddressMode = 0x01
	AddrModeNwk   AddressMode = 0x02
	AddrModeExt   AddressMode = 0x03
)

// Address is a destination or source address in one of the three modes.
type Address struct {
	Mode  AddressMode
	Nwk   uint16
	Ext   uint64
	Group uint16
}

// IsGroup reports whether the address is a group broadcast.
func (a Address) IsGroup() bool { return a.Mode == AddrModeGroup }

// Equal reports address identity within the same mode.
func (a Address) Equal(b Address) bool {
	if a.Mode != b.Mode {
		return false
	}
	switch a.Mode {
	case AddrModeGroup:
		return a.Group == b.Group
	case AddrModeNwk:
		return a.Nwk == b.Nwk
	default:
		return a.Ext == b.Ext
	}
}

// GroupAddress builds a group-mode address.
func GroupAddress(group uint16) Address {
	return Address{Mode: AddrModeGroup, Group: group}
}

// NwkAddress builds a network-address-mode address.
func NwkAddress(nwk uint16) Address {
	return Address{Mode: AddrModeNwk, Nwk: nwk}
}

// ExtAddress builds an extended-address-mode address.
func ExtAddress(ext uint64) Address {
	return Address{Mode: AddrModeExt, Ext: ext}
}

// TX options.
const (
	TxOptionsNone     uint8 = 0x00
	TxOptionsAckedTx  uint8 = 0x04
)

// DataRequest is an outbound APS data.request.
type DataRequest struct {
	ID          uint8
	DstAddress  Address
	DstEndpoint uint8
	SrcEndpoint uint8
	ProfileID   uint16
	ClusterID   uint16
	ASDU        []byte
	TxOptions   uint8
	Radius      uint8
}

// Confirm statuses delivered with a data.confirm.
const (
	ConfirmSuccess uint8 = 0x00
	ConfirmNoAck   uint8 = 0xA7
)

// DataConfirm is the asynchronous send result for a DataRequest.
type DataConfirm struct {
	ID         uint8
	DstAddress Address
	Status     uint8
}

// DataIndication is an inbound APS data.indication.
type DataIndication struct {
	SrcAddress  Address
	SrcEndpoint uint8
	DstAddress  Address
	DstEndpoint uint8
	ProfileID   uint16
	ClusterID   uint16
	ASDU        []byte
	LQI         uint8
	RSSI        int8
}

// NodeEventType classifies node lifecycle events from the stack.
type NodeEventType uint8

const (
	NodeJoined NodeEventType = iota
	NodeLeft
	NodeAnnounce
	NodeUpdated
	NodeZombieChanged
)

// SimpleDescriptor is an endpoint's manifest.
type SimpleDescriptor struct {
	Endpoint    uint8
	ProfileID   uint16
	DeviceID    uint16
	InClusters  []uint16
	OutClusters []uint16
}

// NodeEvent carries node lifecycle and descriptor information.
type NodeEvent struct {
	Type            NodeEventType
	ExtAddr         uint64
	NwkAddr         uint16
	Zombie          bool
	ActiveEndpoints []uint8
	Descriptors     []SimpleDescriptor
}

// GreenPowerIndication is a received green-power frame, identified by the
// 32-bit source id instead of a full address.
type GreenPowerIndication struct {
	SrcID        uint32
	DeviceID     uint8
	CommandID    uint8
	FrameCounter uint32
}

// BindRequest is a ZDP bind or unbind request towards a device's binding
// table: when src emits cluster, forward to dst.
type BindRequest struct {
	TargetNwk   uint16
	SrcExt      uint64
	SrcEndpoint uint8
	ClusterID   uint16
	DstMode     AddressMode // AddrModeGroup or AddrModeExt
	DstExt      uint64
	DstGroup    uint16
	DstEndpoint uint8
	Unbind      bool
}

// Radio is the abstract radio driver. All callbacks are invoked from the
// driver's reader goroutine; consumers are expected to hand them off to
// their own scheduling context.
type Radio interface {
	DataRequest(req *DataRequest) error
	BindRequest(req *BindRequest) error
	PermitJoin(seconds uint8) error
	Connected() bool

	OnDataIndication(func(DataIndication))
	OnDataConfirm(func(DataConfirm))
	OnNodeEvent(func(NodeEvent))
	OnGreenPower(func(GreenPowerIndication))
	OnNetworkState(func(connected bool))

	Close() error
}
