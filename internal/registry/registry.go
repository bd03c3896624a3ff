// Package registry is the catalog of lights, sensors, groups and scenes and
// the sole owner of their lifecycle. Every cross-reference between entities
// is an id plus a lookup here.
package registry

import (
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"strconv"
	"time"

	"zigbee-hue-gateway/internal/aps"
	"zigbee-hue-gateway/internal/zcl"
)

// Profile ids.
const (
	ProfileHA  uint16 = 0x0104
	ProfileZLL uint16 = 0xC05E
)

// Whitelisted HA device ids.
const (
	DevIDOnOffOutput      uint16 = 0x0002
	DevIDMainsPowerOutlet uint16 = 0x0009
	DevIDHAOnOffLight     uint16 = 0x0100
	DevIDHADimmableLight  uint16 = 0x0101
	DevIDHAColorLight     uint16 = 0x0102
)

// Whitelisted ZLL device ids.
const (
	DevIDZLLOnOffLight        uint16 = 0x0000
	DevIDZLLOnOffPlugin       uint16 = 0x0010
	DevIDZLLDimmableLight     uint16 = 0x0100
	DevIDZLLDimmablePlugin    uint16 = 0x0110
	DevIDZLLColorLight        uint16 = 0x0200
	DevIDZLLExtColorLight     uint16 = 0x0210
	DevIDZLLColorTempLight    uint16 = 0x0220
	DevIDZLLColorController   uint16 = 0x0800
	DevIDZLLOnOffSensor       uint16 = 0x0850
)

// Green-power device id accepted for switch admission.
const GPDeviceIDOnOffSwitch uint8 = 0x02

// Registry owns all entity collections. It is only touched from the event
// loop.
type Registry struct {
	Lights  []*Light
	Sensors []*Sensor
	Groups  []*Group

	nodes  map[uint64]*Node
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		nodes:  make(map[uint64]*Node),
		logger: logger.With("component", "registry"),
	}
}

// Node returns the mesh record for ext, or nil.
func (r *Registry) Node(ext uint64) *Node {
	return r.nodes[ext]
}

// EnsureNode returns the mesh record for ext, creating it if absent.
func (r *Registry) EnsureNode(ext uint64) *Node {
	n, ok := r.nodes[ext]
	if !ok {
		n = &Node{ExtAddr: ext}
		r.nodes[ext] = n
	}
	return n
}

// LightByID returns the light with id, or nil.
func (r *Registry) LightByID(id string) *Light {
	for _, l := range r.Lights {
		if l.ID == id {
			return l
		}
	}
	return nil
}

// LightForAddress returns the light with (ext, endpoint), or nil.
func (r *Registry) LightForAddress(ext uint64, endpoint uint8) *Light {
	for _, l := range r.Lights {
		if l.ExtAddr == ext && l.Endpoint == endpoint {
			return l
		}
	}
	return nil
}

// LightsForExt returns all lights on a node.
func (r *Registry) LightsForExt(ext uint64) []*Light {
	var out []*Light
	for _, l := range r.Lights {
		if l.ExtAddr == ext {
			out = append(out, l)
		}
	}
	return out
}

// SensorByID returns the sensor with id. Deleted sensors are returned too;
// callers filter on Deleted.
func (r *Registry) SensorByID(id string) *Sensor {
	for _, s := range r.Sensors {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// SensorForFingerprint returns the sensor matching (ext, fingerprint, type).
func (r *Registry) SensorForFingerprint(ext uint64, fp Fingerprint, sensorType string) *Sensor {
	for _, s := range r.Sensors {
		if s.ExtAddr == ext && s.Type == sensorType && s.Fingerprint.Equal(fp) {
			return s
		}
	}
	return nil
}

// SensorForGPDSrcID returns the green-power sensor with the source id.
func (r *Registry) SensorForGPDSrcID(srcID uint32) *Sensor {
	for _, s := range r.Sensors {
		if s.GPDSrcID == srcID {
			return s
		}
	}
	return nil
}

// GroupByID returns the non-deleted group with id, or nil.
func (r *Registry) GroupByID(id string) *Group {
	for _, g := range r.Groups {
		if g.ID == id && g.State == GroupNormal {
			return g
		}
	}
	return nil
}

// GroupByAddress returns the group with the ZigBee address, or nil.
func (r *Registry) GroupByAddress(address uint16) *Group {
	for _, g := range r.Groups {
		if g.Address == address {
			return g
		}
	}
	return nil
}

// EnsureGroup returns the group for address, creating a Normal record with a
// fresh id if absent, and reviving a Deleted one.
func (r *Registry) EnsureGroup(address uint16) *Group {
	if g := r.GroupByAddress(address); g != nil {
		if g.State != GroupNormal {
			g.State = GroupNormal
			r.Touch(&g.Etag)
		}
		return g
	}
	g := &Group{
		Address: address,
		ID:      r.nextFreeGroupID(),
		Name:    "Group " + strconv.Itoa(int(address)),
		State:   GroupNormal,
	}
	r.Touch(&g.Etag)
	r.Groups = append(r.Groups, g)
	return g
}

// nextFreeID scans used ids and returns the smallest unused positive
// integer as a string.
func nextFreeID(used func(id string) bool) string {
	for i := 1; ; i++ {
		id := strconv.Itoa(i)
		if !used(id) {
			return id
		}
	}
}

// NextFreeLightID allocates the next light id.
func (r *Registry) NextFreeLightID() string {
	return nextFreeID(func(id string) bool { return r.LightByID(id) != nil })
}

// NextFreeSensorID allocates the next sensor id.
func (r *Registry) NextFreeSensorID() string {
	return nextFreeID(func(id string) bool { return r.SensorByID(id) != nil })
}

func (r *Registry) nextFreeGroupID() string {
	return nextFreeID(func(id string) bool {
		for _, g := range r.Groups {
			if g.ID == id {
				return true
			}
		}
		return false
	})
}

// Touch recomputes an etag in place: MD5 of the textual current time.
// External payloads wrap it in quotes; comparisons strip them.
func (r *Registry) Touch(etag *string) {
	sum := md5.Sum([]byte(time.Now().Format(time.RFC3339Nano)))
	*etag = hex.EncodeToString(sum[:])
}

// lightDeviceAdmitted applies the (profile, device) whitelist. The ZLL
// color controller needs both a color and a level cluster before being
// admitted as a light; otherwise a vendor 4-key switch would masquerade as
// one.
func lightDeviceAdmitted(sd aps.SimpleDescriptor) bool {
	hasCluster := func(id uint16) bool {
		for _, c := range sd.InClusters {
			if c == id {
				return true
			}
		}
		return false
	}
	switch sd.ProfileID {
	case ProfileHA:
		switch sd.DeviceID {
		case DevIDOnOffOutput, DevIDMainsPowerOutlet,
			DevIDHAOnOffLight, DevIDHADimmableLight, DevIDHAColorLight:
			return true
		}
	case ProfileZLL:
		switch sd.DeviceID {
		case DevIDZLLOnOffLight, DevIDZLLOnOffPlugin,
			DevIDZLLDimmableLight, DevIDZLLDimmablePlugin,
			DevIDZLLColorLight, DevIDZLLExtColorLight, DevIDZLLColorTempLight,
			DevIDZLLOnOffSensor:
			return true
		case DevIDZLLColorController:
			return hasCluster(zcl.ClusterColor) && hasCluster(zcl.ClusterLevel)
		}
	}
	return false
}

// AddLightsFromNode walks a node's descriptors and admits whitelisted
// endpoints as lights. Existing lights are reset to reachable and get their
// unique id rewritten if missing or legacy-formatted. Returns lights that
// were newly created.
func (r *Registry) AddLightsFromNode(evt aps.NodeEvent) []*Light {
	node := r.EnsureNode(evt.ExtAddr)
	node.ApplyEvent(evt)

	var created []*Light
	for _, sd := range evt.Descriptors {
		if !lightDeviceAdmitted(sd) {
			continue
		}
		light := r.LightForAddress(evt.ExtAddr, sd.Endpoint)
		if light != nil {
			light.Reachable = true
			light.ProfileID = sd.ProfileID
			light.DeviceID = sd.DeviceID
			if want := FormatUniqueID(light.ExtAddr, light.Endpoint); light.UniqueID != want {
				light.UniqueID = want
				r.Touch(&light.Etag)
			}
			light.Pending |= ReadOnOff | ReadLevel | ReadColor | ReadGroups | ReadScenes |
				ReadModelID | ReadSWBuild | ReadVendor
			continue
		}
		light = &Light{
			ID:        r.NextFreeLightID(),
			ExtAddr:   evt.ExtAddr,
			Endpoint:  sd.Endpoint,
			ProfileID: sd.ProfileID,
			DeviceID:  sd.DeviceID,
			UniqueID:  FormatUniqueID(evt.ExtAddr, sd.Endpoint),
			Reachable: true,
			Pending: ReadOnOff | ReadLevel | ReadColor | ReadGroups | ReadScenes |
				ReadModelID | ReadSWBuild | ReadVendor,
		}
		light.Name = "Light " + light.ID
		r.Touch(&light.Etag)
		r.Lights = append(r.Lights, light)
		created = append(created, light)
		r.logger.Info("light added", "id", light.ID, "uniqueid", light.UniqueID,
			"profile", sd.ProfileID, "device", sd.DeviceID)
	}
	return created
}

// AddSensorsFromNode classifies a node's descriptors by cluster fingerprint
// and creates one sensor per matching fingerprint. Returns newly created
// sensors.
func (r *Registry) AddSensorsFromNode(evt aps.NodeEvent) []*Sensor {
	node := r.EnsureNode(evt.ExtAddr)
	node.ApplyEvent(evt)

	var created []*Sensor
	for _, sd := range evt.Descriptors {
		fp := Fingerprint{
			Endpoint:    sd.Endpoint,
			ProfileID:   sd.ProfileID,
			DeviceID:    sd.DeviceID,
			InClusters:  sd.InClusters,
			OutClusters: sd.OutClusters,
		}
		sensorType := classifySensor(fp)
		if sensorType == "" {
			continue
		}
		if existing := r.SensorForFingerprint(evt.ExtAddr, fp, sensorType); existing != nil {
			existing.Config.Reachable = true
			continue
		}
		sensor := &Sensor{
			ID:          r.NextFreeSensorID(),
			Type:        sensorType,
			ExtAddr:     evt.ExtAddr,
			Fingerprint: fp,
			UniqueID:    FormatUniqueID(evt.ExtAddr, sd.Endpoint),
			Config:      SensorConfig{On: true, Reachable: true, Battery: 255},
		}
		sensor.Name = sensorType + " " + sensor.ID
		r.Touch(&sensor.Etag)
		r.Sensors = append(r.Sensors, sensor)
		created = append(created, sensor)
		r.logger.Info("sensor added", "id", sensor.ID, "type", sensorType,
			"endpoint", sd.Endpoint)
	}
	return created
}

// AddGreenPowerSensor admits a green-power switch. Only the on/off switch
// device id is accepted. Re-announcing deleted sensors are revived when
// permitJoin is open.
func (r *Registry) AddGreenPowerSensor(srcID uint32, deviceID uint8, permitJoin bool) *Sensor {
	if deviceID != GPDeviceIDOnOffSwitch {
		return nil
	}
	if existing := r.SensorForGPDSrcID(srcID); existing != nil {
		if existing.Deleted == StateDeleted && permitJoin {
			existing.Deleted = StateNormal
			r.Touch(&existing.Etag)
			r.logger.Info("green-power sensor revived", "id", existing.ID)
		}
		return existing
	}
	if !permitJoin {
		return nil
	}
	sensor := &Sensor{
		ID:       r.NextFreeSensorID(),
		Type:     TypeZGPSwitch,
		GPDSrcID: srcID,
		Config:   SensorConfig{On: true, Reachable: true, Battery: 255},
	}
	sensor.Name = "Hue Tap " + sensor.ID
	r.Touch(&sensor.Etag)
	r.Sensors = append(r.Sensors, sensor)
	r.logger.Info("green-power sensor added", "id", sensor.ID, "src", srcID)
	return sensor
}

// UpdateReachability applies the reachability rules after a node event: a
// light is reachable iff the node is non-zombie and its endpoint is active;
// a sensor mirrors that, green-power sensors are always reachable.
func (r *Registry) UpdateReachability(ext uint64) (changed []string) {
	node := r.nodes[ext]
	if node == nil {
		return nil
	}
	for _, l := range r.Lights {
		if l.ExtAddr != ext {
			continue
		}
		reachable := !node.Zombie && node.HasEndpoint(l.Endpoint)
		if l.Reachable != reachable {
			l.Reachable = reachable
			r.Touch(&l.Etag)
			changed = append(changed, "/lights/"+l.ID)
		}
	}
	for _, s := range r.Sensors {
		if s.ExtAddr != ext || s.IsGreenPower() {
			continue
		}
		reachable := !node.Zombie && node.HasEndpoint(s.Fingerprint.Endpoint)
		if s.Config.Reachable != reachable {
			s.Config.Reachable = reachable
			r.Touch(&s.Etag)
			changed = append(changed, "/sensors/"+s.ID)
		}
	}
	return changed
}
