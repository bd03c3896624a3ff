package registry

import (
	"time"

	"zigbee-hue-gateway/internal/zcl"
)

// Sensor type tags, matching the external API.
const (
	TypeZGPSwitch      = "ZGPSwitch"
	TypeZHASwitch      = "ZHASwitch"
	TypeZHALight       = "ZHALight"
	TypeZHAPresence    = "ZHAPresence"
	TypeCLIPGenericFlag = "CLIPGenericFlag"
	TypeCLIPOpenClose  = "CLIPOpenClose"
	TypeCLIPPresence   = "CLIPPresence"
	TypeCLIPSwitch     = "CLIPSwitch"
	TypeCLIPTemperature = "CLIPTemperature"
	TypeCLIPHumidity   = "CLIPHumidity"
	TypeDaylight       = "Daylight"
)

// DeletedState marks soft deletion; the in-memory row is retained.
type DeletedState int

const (
	StateNormal DeletedState = iota
	StateDeleted
)

// Fingerprint identifies a logical sensor on a node. Multiple sensors may
// share an extended address with distinct fingerprints.
type Fingerprint struct {
	Endpoint    uint8    `json:"endpoint"`
	ProfileID   uint16   `json:"profile_id"`
	DeviceID    uint16   `json:"device_id"`
	InClusters  []uint16 `json:"in_clusters,omitempty"`
	OutClusters []uint16 `json:"out_clusters,omitempty"`
}

// Equal reports full fingerprint equality.
func (f Fingerprint) Equal(o Fingerprint) bool {
	if f.Endpoint != o.Endpoint || f.ProfileID != o.ProfileID || f.DeviceID != o.DeviceID {
		return false
	}
	return equalClusters(f.InClusters, o.InClusters) && equalClusters(f.OutClusters, o.OutClusters)
}

func equalClusters(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// HasInCluster reports whether the fingerprint lists cluster as an input.
func (f Fingerprint) HasInCluster(cluster uint16) bool {
	for _, c := range f.InClusters {
		if c == cluster {
			return true
		}
	}
	return false
}

// HasOutCluster reports whether the fingerprint lists cluster as an output.
func (f Fingerprint) HasOutCluster(cluster uint16) bool {
	for _, c := range f.OutClusters {
		if c == cluster {
			return true
		}
	}
	return false
}

// SensorConfig is the writable configuration of a sensor.
type SensorConfig struct {
	On        bool  `json:"on"`
	Reachable bool  `json:"reachable"`
	Battery   uint8 `json:"battery"` // 0..100, 255 = unknown
	Duration  int   `json:"duration,omitempty"`
}

// SensorState is the reported state of a sensor.
type SensorState struct {
	Lastupdated time.Time `json:"lastupdated"`
	Buttonevent int       `json:"buttonevent,omitempty"`
	Lux         uint32    `json:"lux,omitempty"`
	Presence    bool      `json:"presence,omitempty"`
	Daylight    bool      `json:"daylight,omitempty"`
	Flag        bool      `json:"flag,omitempty"`
	Open        bool      `json:"open,omitempty"`
	Temperature int       `json:"temperature,omitempty"`
	Humidity    int       `json:"humidity,omitempty"`
}

// Sensor is one logical sensor record.
type Sensor struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Type         string       `json:"type"`
	ExtAddr      uint64       `json:"ext_addr,omitempty"`
	GPDSrcID     uint32       `json:"gpd_src_id,omitempty"`
	Fingerprint  Fingerprint  `json:"fingerprint"`
	Manufacturer string       `json:"manufacturername,omitempty"`
	ModelID      string       `json:"modelid,omitempty"`
	SWVersion    string       `json:"swversion,omitempty"`
	UniqueID     string       `json:"uniqueid,omitempty"`
	Config       SensorConfig `json:"config"`
	State        SensorState  `json:"state"`
	Deleted      DeletedState `json:"deleted_state"`
	Etag         string       `json:"etag,omitempty"`
}

// IsGreenPower reports whether the sensor is an endpoint-less green-power
// device.
func (s *Sensor) IsGreenPower() bool {
	return s.GPDSrcID != 0 && s.Fingerprint.Endpoint == 0
}

// classifySensor maps a simple-descriptor fingerprint onto a sensor type.
// Empty return means the endpoint does not look like a sensor.
func classifySensor(fp Fingerprint) string {
	if fp.HasInCluster(zcl.ClusterOnOffConfig) {
		return TypeZHASwitch
	}
	if fp.HasOutCluster(zcl.ClusterOnOff) || fp.HasOutCluster(zcl.ClusterLevel) || fp.HasOutCluster(zcl.ClusterScenes) {
		return TypeZHASwitch
	}
	if fp.HasInCluster(zcl.ClusterOccupancy) {
		return TypeZHAPresence
	}
	if fp.HasInCluster(zcl.ClusterIlluminance) {
		return TypeZHALight
	}
	return ""
}
