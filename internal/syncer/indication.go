package syncer

import (
	"time"

	"zigbee-hue-gateway/internal/aps"
	"zigbee-hue-gateway/internal/bus"
	"zigbee-hue-gateway/internal/cache"
	"zigbee-hue-gateway/internal/registry"
	"zigbee-hue-gateway/internal/zcl"
)

// HandleIndication folds one inbound APS data.indication into the attribute
// cache and the registry.
func (s *Syncer) HandleIndication(ind aps.DataIndication) {
	frame, err := zcl.ParseFrame(ind.ASDU)
	if err != nil {
		s.logger.Debug("unparseable zcl frame", "cluster", ind.ClusterID, "err", err)
		return
	}
	ext := ind.SrcAddress.Ext
	if ind.SrcAddress.Mode == aps.AddrModeNwk {
		// Resolve through the node table; indications from unknown nodes
		// are dropped until a node event introduces them.
		ext = s.extForNwk(ind.SrcAddress.Nwk)
		if ext == 0 {
			return
		}
	}

	switch ind.ClusterID {
	case zcl.ClusterGroups:
		s.handleGroupsCluster(ext, ind.SrcEndpoint, frame)
	case zcl.ClusterScenes:
		s.handleScenesCluster(ext, ind.SrcEndpoint, frame)
	default:
		s.handleAttributeCluster(ext, ind.SrcEndpoint, ind.ClusterID, frame)
	}
}

func (s *Syncer) extForNwk(nwk uint16) uint64 {
	for _, l := range s.reg.Lights {
		if n := s.reg.Node(l.ExtAddr); n != nil && n.NwkAddr == nwk {
			return l.ExtAddr
		}
	}
	for _, sn := range s.reg.Sensors {
		if n := s.reg.Node(sn.ExtAddr); n != nil && n.NwkAddr == nwk {
			return sn.ExtAddr
		}
	}
	return 0
}

// handleGroupsCluster processes GetGroupMembership / AddGroup / RemoveGroup
// responses.
func (s *Syncer) handleGroupsCluster(ext uint64, endpoint uint8, frame *zcl.Frame) {
	if !frame.IsClusterCommand() {
		return
	}
	light := s.reg.LightForAddress(ext, endpoint)
	if light == nil {
		return
	}
	switch frame.CommandID {
	case zcl.CmdGetGroupMembershipResponse:
		rsp, err := zcl.ParseGroupMembershipResponse(frame.Payload)
		if err != nil {
			s.logger.Warn("bad group membership response", "err", err)
			return
		}
		s.applyGroupMembership(light, rsp)
	case zcl.CmdAddGroup:
		rsp, err := zcl.ParseGroupResponse(frame.Payload)
		if err != nil {
			return
		}
		if rsp.Status == zcl.StatusSuccess {
			gi := light.GroupInfoFor(rsp.GroupID, true)
			if gi.State != registry.InGroup {
				gi.State = registry.InGroup
				light.ApplyGroupCounts(1, s.endpointCount(light.ExtAddr))
				s.reg.Touch(&light.Etag)
			}
		}
	case zcl.CmdRemoveGroup:
		rsp, err := zcl.ParseGroupResponse(frame.Payload)
		if err != nil {
			return
		}
		if rsp.Status == zcl.StatusSuccess {
			if gi := light.GroupInfoFor(rsp.GroupID, false); gi != nil && gi.State == registry.InGroup {
				gi.State = registry.NotInGroup
				light.ApplyGroupCounts(-1, s.endpointCount(light.ExtAddr))
				s.reg.Touch(&light.Etag)
			}
		}
	}
}

func (s *Syncer) endpointCount(ext uint64) int {
	node := s.reg.Node(ext)
	if node == nil || len(node.ActiveEndpoints) == 0 {
		return 1
	}
	return len(node.ActiveEndpoints)
}

// applyGroupMembership updates the light's capacity/count view and
// reconciles membership drift: a light the gateway believes is in a
// user-created group gets re-added; one dropped from a switch-authored
// group follows the switch's decision.
func (s *Syncer) applyGroupMembership(light *registry.Light, rsp *zcl.GroupMembershipResponse) {
	light.GroupCapacity = rsp.Capacity
	light.GroupCount = uint8(len(rsp.Groups))

	reported := make(map[uint16]bool, len(rsp.Groups))
	for _, groupID := range rsp.Groups {
		reported[groupID] = true
		group := s.reg.EnsureGroup(groupID)
		gi := light.GroupInfoFor(groupID, true)
		if gi.State != registry.InGroup {
			gi.State = registry.InGroup
			s.reg.Touch(&group.Etag)
		}
	}

	for _, gi := range light.Groups {
		if reported[gi.Group] || gi.State != registry.InGroup {
			continue
		}
		group := s.reg.GroupByAddress(gi.Group)
		if group == nil {
			continue
		}
		if len(group.DeviceMemberships) == 0 {
			// User-created group: the device lost it, force a rejoin.
			gi.Action = registry.ActionAddToGroup
		} else {
			// Switch-authored group: the switch removed the light.
			gi.State = registry.NotInGroup
		}
	}
	s.reg.Touch(&light.Etag)
	s.bus.Emit(bus.Event{Resource: bus.ResourceLights, Type: bus.EventChanged, ID: light.ID})
}

// handleScenesCluster processes scene membership, store/remove/add and view
// responses.
func (s *Syncer) handleScenesCluster(ext uint64, endpoint uint8, frame *zcl.Frame) {
	if !frame.IsClusterCommand() {
		return
	}
	light := s.reg.LightForAddress(ext, endpoint)
	if light == nil {
		return
	}
	switch frame.CommandID {
	case zcl.CmdGetSceneMembershipResponse:
		rsp, err := zcl.ParseSceneMembershipResponse(frame.Payload)
		if err != nil || rsp.Status != zcl.StatusSuccess {
			return
		}
		light.SceneCapacity = rsp.Capacity
		group := s.reg.GroupByAddress(rsp.GroupID)
		if group == nil {
			return
		}
		gi := light.GroupInfoFor(rsp.GroupID, true)
		gi.SceneCount = uint8(len(rsp.Scenes))
		for _, sceneID := range rsp.Scenes {
			scene := group.EnsureScene(sceneID)
			if scene.Deleted {
				// Deletion is deferred: the device still has the scene, so
				// queue its removal again.
				gi.RemoveScenes = appendUniqueScene(gi.RemoveScenes, sceneID)
				continue
			}
		}
		light.Pending |= registry.ReadSceneDetails
		s.reg.Touch(&group.Etag)
	case zcl.CmdStoreScene, zcl.CmdRemoveScene, zcl.CmdAddScene:
		rsp, err := zcl.ParseSceneResponse(frame.Payload)
		if err != nil {
			return
		}
		if rsp.Status != zcl.StatusSuccess {
			s.logger.Debug("scene response status", "cmd", frame.CommandID, "status", rsp.Status)
		}
	case zcl.CmdViewScene:
		rsp, err := zcl.ParseViewSceneResponse(frame.Payload)
		if err != nil || rsp.Status != zcl.StatusSuccess {
			return
		}
		s.applyViewScene(light, rsp)
	}
}

func appendUniqueScene(list []uint8, id uint8) []uint8 {
	for _, s := range list {
		if s == id {
			return list
		}
	}
	return append(list, id)
}

func (s *Syncer) applyViewScene(light *registry.Light, rsp *zcl.ViewSceneResponse) {
	group := s.reg.GroupByAddress(rsp.GroupID)
	if group == nil {
		return
	}
	scene := group.EnsureScene(rsp.SceneID)
	ls := scene.LightStateFor(light.ID)
	if ls == nil {
		scene.Lights = append(scene.Lights, registry.LightState{LightID: light.ID})
		ls = &scene.Lights[len(scene.Lights)-1]
	}
	ls.TransitionTime = rsp.TransitionTime
	for _, ext := range rsp.Extensions {
		switch {
		case ext.HasOnOff:
			ls.On = ext.On
		case ext.HasLevel:
			ls.Bri = ext.Level
		case ext.HasColor:
			ls.X, ls.Y = ext.X, ext.Y
		}
	}
	s.reg.Touch(&group.Etag)
}

// handleAttributeCluster consumes reports and read responses for the
// on/off, level, color, basic, power, illuminance and occupancy clusters.
func (s *Syncer) handleAttributeCluster(ext uint64, endpoint uint8, clusterID uint16, frame *zcl.Frame) {
	if frame.IsClusterCommand() {
		return
	}
	var recs []zcl.AttributeRecord
	var source cache.UpdateType
	var err error
	switch frame.CommandID {
	case zcl.CmdReadAttributesResponse:
		recs, err = zcl.ParseReadAttributesResponse(frame.Payload)
		source = cache.ByRead
	case zcl.CmdReportAttributes:
		recs, err = zcl.ParseReportAttributes(frame.Payload)
		source = cache.ByReport
	default:
		return
	}
	if err != nil {
		s.logger.Debug("bad attribute payload", "cluster", clusterID, "err", err)
		return
	}

	now := time.Now()
	for _, rec := range recs {
		if rec.Status != zcl.StatusSuccess {
			continue
		}
		value := rec.Value
		if clusterID == zcl.ClusterIlluminance && rec.AttrID == zcl.AttrMeasuredValue {
			if z, ok := rec.Value.(uint16); ok {
				value = LuxFromMeasuredValue(z)
			}
		}
		s.cache.Put(cache.Key{Ext: ext, Cluster: clusterID, Attr: rec.AttrID}, value, source, now)
		s.applyAttribute(ext, endpoint, clusterID, rec, now)
	}
}

func (s *Syncer) applyAttribute(ext uint64, endpoint uint8, clusterID uint16, rec zcl.AttributeRecord, now time.Time) {
	if light := s.reg.LightForAddress(ext, endpoint); light != nil {
		if s.applyLightAttribute(light, clusterID, rec) {
			s.reg.Touch(&light.Etag)
			s.bus.Emit(bus.Event{Resource: bus.ResourceLights, Type: bus.EventChanged, ID: light.ID})
		}
	}
	for _, sensor := range s.reg.Sensors {
		if sensor.ExtAddr != ext || sensor.Fingerprint.Endpoint != endpoint {
			continue
		}
		if s.applySensorAttribute(sensor, clusterID, rec, now) {
			s.reg.Touch(&sensor.Etag)
			s.bus.Emit(bus.Event{Resource: bus.ResourceSensors, Type: bus.EventChanged, ID: sensor.ID})
		}
	}
}

func (s *Syncer) applyLightAttribute(light *registry.Light, clusterID uint16, rec zcl.AttributeRecord) bool {
	switch clusterID {
	case zcl.ClusterOnOff:
		if rec.AttrID == zcl.AttrOnOff {
			if v, ok := rec.Value.(bool); ok && light.On != v {
				light.On = v
				return true
			}
		}
	case zcl.ClusterLevel:
		if rec.AttrID == zcl.AttrCurrentLevel {
			if v, ok := rec.Value.(uint8); ok && light.Level != v {
				light.Level = v
				return true
			}
		}
	case zcl.ClusterColor:
		return s.applyColorAttribute(light, rec)
	case zcl.ClusterBasic:
		switch rec.AttrID {
		case zcl.AttrBasicManufacturer:
			if v, ok := rec.Value.(string); ok && light.Manufacturer != v {
				light.Manufacturer = v
				return true
			}
		case zcl.AttrBasicModelID:
			if v, ok := rec.Value.(string); ok && light.ModelID != v {
				light.ModelID = v
				return true
			}
		case zcl.AttrBasicSWBuildID:
			if v, ok := rec.Value.(string); ok && light.SWBuildID != v {
				light.SWBuildID = v
				return true
			}
		}
	}
	return false
}

func (s *Syncer) applyColorAttribute(light *registry.Light, rec zcl.AttributeRecord) bool {
	switch rec.AttrID {
	case zcl.AttrCurrentHue:
		if v, ok := rec.Value.(uint8); ok && light.Hue != uint16(v) {
			light.Hue = uint16(v)
			return true
		}
	case zcl.AttrEnhancedHue:
		if v, ok := rec.Value.(uint16); ok && light.EnhancedHue != v {
			light.EnhancedHue = v
			return true
		}
	case zcl.AttrCurrentSat:
		if v, ok := rec.Value.(uint8); ok && light.Sat != v {
			light.Sat = v
			return true
		}
	case zcl.AttrCurrentX:
		if v, ok := rec.Value.(uint16); ok && light.X != v {
			light.X = v
			return true
		}
	case zcl.AttrCurrentY:
		if v, ok := rec.Value.(uint16); ok && light.Y != v {
			light.Y = v
			return true
		}
	case zcl.AttrColorTemperature:
		if v, ok := rec.Value.(uint16); ok && light.ColorTemperature != v {
			light.ColorTemperature = v
			return true
		}
	case zcl.AttrColorMode:
		if v, ok := rec.Value.(uint8); ok {
			mode := [...]string{registry.ColorModeHS, registry.ColorModeXY, registry.ColorModeCT}
			if int(v) < len(mode) && light.ColorMode != mode[v] {
				light.ColorMode = mode[v]
				return true
			}
		}
	case zcl.AttrColorLoopActive:
		if v, ok := rec.Value.(uint8); ok {
			active := v != 0
			if light.ColorLoopActive != active {
				light.ColorLoopActive = active
				return true
			}
		}
	}
	return false
}

func (s *Syncer) applySensorAttribute(sensor *registry.Sensor, clusterID uint16, rec zcl.AttributeRecord, now time.Time) bool {
	switch clusterID {
	case zcl.ClusterIlluminance:
		if rec.AttrID == zcl.AttrMeasuredValue && sensor.Type == registry.TypeZHALight {
			if v, ok := rec.Value.(uint16); ok {
				lux := LuxFromMeasuredValue(v)
				sensor.State.Lux = lux
				sensor.State.Lastupdated = now
				return true
			}
		}
	case zcl.ClusterOccupancy:
		if rec.AttrID == zcl.AttrOccupancy && sensor.Type == registry.TypeZHAPresence {
			if v, ok := rec.Value.(uint8); ok {
				sensor.State.Presence = v&0x01 != 0
				sensor.State.Lastupdated = now
				return true
			}
		}
	case zcl.ClusterPowerConfig:
		if rec.AttrID == zcl.AttrBatteryPercentage {
			if v, ok := rec.Value.(uint8); ok {
				// ZCL reports half-percent units.
				pct := v / 2
				if sensor.Config.Battery != pct {
					sensor.Config.Battery = pct
					return true
				}
			}
		}
	case zcl.ClusterBasic:
		switch rec.AttrID {
		case zcl.AttrBasicManufacturer:
			if v, ok := rec.Value.(string); ok && sensor.Manufacturer != v {
				sensor.Manufacturer = v
				return true
			}
		case zcl.AttrBasicModelID:
			if v, ok := rec.Value.(string); ok && sensor.ModelID != v {
				sensor.ModelID = v
				return true
			}
		}
	}
	return false
}
