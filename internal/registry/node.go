package registry

import "zigbee-hue-gateway/internal/aps"

// Node is the mesh-level view of one physical device: addressing, active
// endpoints and descriptors, and the zombie flag from the stack.
type Node struct {
	ExtAddr         uint64                 `json:"ext_addr"`
	NwkAddr         uint16                 `json:"nwk_addr"`
	Zombie          bool                   `json:"zombie"`
	ActiveEndpoints []uint8                `json:"active_endpoints,omitempty"`
	Descriptors     []aps.SimpleDescriptor `json:"descriptors,omitempty"`
}

// HasEndpoint reports whether ep is in the node's active endpoint list.
func (n *Node) HasEndpoint(ep uint8) bool {
	for _, e := range n.ActiveEndpoints {
		if e == ep {
			return true
		}
	}
	return false
}

// Descriptor returns the simple descriptor for ep, or nil.
func (n *Node) Descriptor(ep uint8) *aps.SimpleDescriptor {
	for i := range n.Descriptors {
		if n.Descriptors[i].Endpoint == ep {
			return &n.Descriptors[i]
		}
	}
	return nil
}

// ApplyEvent merges a node event into the record.
func (n *Node) ApplyEvent(evt aps.NodeEvent) {
	n.NwkAddr = evt.NwkAddr
	n.Zombie = evt.Zombie
	if len(evt.ActiveEndpoints) > 0 {
		n.ActiveEndpoints = evt.ActiveEndpoints
	}
	if len(evt.Descriptors) > 0 {
		n.Descriptors = evt.Descriptors
	}
}
