package registry

import "fmt"

// Color modes.
const (
	ColorModeHS = "hs"
	ColorModeXY = "xy"
	ColorModeCT = "ct"
)

// Pending read/write flags set by the synchronizer's idle loop and cleared
// when the matching request has been enqueued.
type ReadFlags uint32

const (
	ReadVendor ReadFlags = 1 << iota
	ReadModelID
	ReadSWBuild
	ReadOnOff
	ReadLevel
	ReadColor
	ReadGroups
	ReadScenes
	ReadSceneDetails
	ReadBindingTable
	ReadOccupancyConfig
	WriteOccupancyConfig
)

// Membership state of a light in one group, as last confirmed over the air.
type GroupMembershipState int

const (
	NotInGroup GroupMembershipState = iota
	InGroup
)

// Pending membership action flushed by the group task tick.
type GroupAction int

const (
	ActionNone GroupAction = iota
	ActionAddToGroup
	ActionRemoveFromGroup
)

// GroupInfo is a light's per-group state: confirmed membership, the pending
// action, and the scene operations queued against the device.
type GroupInfo struct {
	Group        uint16  `json:"group"`
	State        GroupMembershipState `json:"state"`
	Action       GroupAction          `json:"action"`
	SceneCount   uint8   `json:"scene_count"`
	AddScenes    []uint8 `json:"add_scenes,omitempty"`
	RemoveScenes []uint8 `json:"remove_scenes,omitempty"`
	ModifyScenes []uint8 `json:"modify_scenes,omitempty"`
}

// Light is the gateway's cached view of one light endpoint.
type Light struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ExtAddr      uint64 `json:"ext_addr"`
	Endpoint     uint8  `json:"endpoint"`
	ProfileID    uint16 `json:"profile_id"`
	DeviceID     uint16 `json:"device_id"`
	Manufacturer string `json:"manufacturer,omitempty"`
	ModelID      string `json:"modelid,omitempty"`
	SWBuildID    string `json:"swversion,omitempty"`
	UniqueID     string `json:"uniqueid"`

	On               bool   `json:"on"`
	Level            uint8  `json:"bri"`
	Hue              uint16 `json:"hue"`
	EnhancedHue      uint16 `json:"ehue"`
	Sat              uint8  `json:"sat"`
	X                uint16 `json:"x"`
	Y                uint16 `json:"y"`
	ColorTemperature uint16 `json:"ct"`
	ColorMode        string `json:"colormode,omitempty"`
	ColorLoopActive  bool   `json:"colorloop_active"`
	ColorLoopSpeed   uint8  `json:"colorloop_speed,omitempty"`

	Reachable     bool   `json:"reachable"`
	Etag          string `json:"etag,omitempty"`
	GroupCapacity uint8  `json:"group_capacity"`
	GroupCount    uint8  `json:"group_count"`
	SceneCapacity uint8  `json:"scene_capacity"`

	Groups []*GroupInfo `json:"groups,omitempty"`

	// Idle-loop bookkeeping, in idle-seconds since process start.
	LastRead                int64     `json:"-"`
	LastAttributeReportBind int64     `json:"-"`
	Pending                 ReadFlags `json:"-"`
}

// GroupInfoFor returns the membership record for group, creating it when
// create is set.
func (l *Light) GroupInfoFor(group uint16, create bool) *GroupInfo {
	for _, gi := range l.Groups {
		if gi.Group == group {
			return gi
		}
	}
	if !create {
		return nil
	}
	gi := &GroupInfo{Group: group}
	l.Groups = append(l.Groups, gi)
	return gi
}

// ApplyGroupCounts updates the ZCL capacity/count view after a confirmed
// add or remove of delta memberships across endpointCount endpoints.
// capacity is clamped to [0, 255].
func (l *Light) ApplyGroupCounts(delta int, endpointCount int) {
	count := int(l.GroupCount) + delta
	if count < 0 {
		count = 0
	}
	if count > 255 {
		count = 255
	}
	l.GroupCount = uint8(count)

	capacity := int(l.GroupCapacity) - delta*endpointCount
	if capacity < 0 {
		capacity = 0
	}
	if capacity > 255 {
		capacity = 255
	}
	l.GroupCapacity = uint8(capacity)
}

// FormatUniqueID renders the stable unique id: colon-separated MAC plus a
// two-digit endpoint, e.g. "00:21:2e:ff:ff:00:aa:bb-0b".
func FormatUniqueID(ext uint64, endpoint uint8) string {
	b := make([]byte, 0, 26)
	for i := 7; i >= 0; i-- {
		b = append(b, fmt.Sprintf("%02x", uint8(ext>>(uint(i)*8)))...)
		if i > 0 {
			b = append(b, ':')
		}
	}
	return fmt.Sprintf("%s-%02x", b, endpoint)
}
