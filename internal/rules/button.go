package rules

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"zigbee-hue-gateway/internal/aps"
	"zigbee-hue-gateway/internal/bus"
	"zigbee-hue-gateway/internal/pipeline"
	"zigbee-hue-gateway/internal/registry"
	"zigbee-hue-gateway/internal/zcl"
)

// Green-power command ids accepted as button events. The buttonevent value
// exposed on the sensor is the command id itself.
func validButtonCommand(cmd uint8) bool {
	switch {
	case cmd <= 0x0F: // store scene 0..15
		return true
	case cmd >= 0x10 && cmd <= 0x1F: // recall scene 0..15
		return true
	case cmd == 0x20, cmd == 0x21, cmd == 0x22: // off, on, toggle
		return true
	case cmd >= 0x60 && cmd <= 0x67: // press/release 1-of-1, 1-of-2, 2-of-2
		return true
	}
	return false
}

var (
	reSceneAction = regexp.MustCompile(`^/groups/(\d+)/scenes/(\d+)(?:/recall)?$`)
	reGroupAction = regexp.MustCompile(`^/groups/(\d+)$`)
	reLightAction = regexp.MustCompile(`^/lights/(\d+)(?:/state)?$`)
)

// HandleButtonEvent is the reactive path for green-power indications: it
// updates the sensor's button state and fires every rule whose conditions
// all reference the sensor and hold for this event.
func (e *Engine) HandleButtonEvent(ind aps.GreenPowerIndication) {
	if !validButtonCommand(ind.CommandID) {
		return
	}
	sensor := e.reg.SensorForGPDSrcID(ind.SrcID)
	if sensor == nil || sensor.Deleted != registry.StateNormal {
		return
	}

	prevUpdated := sensor.State.Lastupdated
	sensor.State.Buttonevent = int(ind.CommandID)
	sensor.State.Lastupdated = time.Now().UTC()
	lastupdatedChanged := !sensor.State.Lastupdated.Equal(prevUpdated)
	e.reg.Touch(&sensor.Etag)
	e.bus.Emit(bus.Event{Resource: bus.ResourceSensors, Type: bus.EventButton, ID: sensor.ID,
		State: map[string]any{"buttonevent": sensor.State.Buttonevent}})

	for _, rule := range e.Rules {
		if rule.State != RuleNormal || rule.Status != StatusEnabled {
			continue
		}
		if !e.ruleMatchesButton(rule, sensor, lastupdatedChanged) {
			continue
		}
		e.executeButtonActions(rule)
		e.markTriggered(rule)
	}
}

// ruleMatchesButton requires every condition to reference this sensor and
// hold: buttonevent must equal the sensor's exactly, lastupdated (dx)
// matches iff the timestamp actually changed.
func (e *Engine) ruleMatchesButton(rule *Rule, sensor *registry.Sensor, lastupdatedChanged bool) bool {
	if len(rule.Conditions) == 0 {
		return false
	}
	for _, cond := range rule.Conditions {
		sensorID, attr, ok := parseSensorAddress(cond.Address)
		if !ok || sensorID != sensor.ID {
			return false
		}
		switch attr {
		case "buttonevent":
			want, err := strconv.Atoi(cond.Value)
			if err != nil || cond.Operator != OpEq || want != sensor.State.Buttonevent {
				return false
			}
		case "lastupdated":
			if cond.Operator != OpDx || !lastupdatedChanged {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (e *Engine) executeButtonActions(rule *Rule) {
	for _, action := range rule.Actions {
		switch {
		case reSceneAction.MatchString(action.Address):
			m := reSceneAction.FindStringSubmatch(action.Address)
			e.RecallScene(m[1], m[2])
		case reGroupAction.MatchString(action.Address):
			m := reGroupAction.FindStringSubmatch(action.Address)
			e.groupOnOff(m[1], action.Body)
		case reLightAction.MatchString(action.Address):
			// Per-light button actions are not implemented.
		}
	}
}

// RecallScene enqueues the scene recall to the group and reconciles each
// stored light state: colorloop first, then on/off and level. If the scene
// deactivated a colorloop, the recall is repeated so the device-side level
// and color state still apply.
func (e *Engine) RecallScene(groupID, sceneID string) {
	group := e.reg.GroupByID(groupID)
	if group == nil {
		return
	}
	sid, err := strconv.Atoi(sceneID)
	if err != nil || sid < 0 || sid > 255 {
		return
	}
	scene := group.Scene(uint8(sid))

	e.enqueueGroupCommand(group, zcl.ClusterScenes, pipeline.TaskRecallScene,
		zcl.BuildSceneCommand(e.pipe.NextZCLSeq(), zcl.CmdRecallScene, group.Address, uint8(sid), true))

	if scene == nil {
		return
	}
	loopDeactivated := false
	for i := range scene.Lights {
		ls := &scene.Lights[i]
		light := e.reg.LightByID(ls.LightID)
		if light == nil || !light.Reachable {
			continue
		}
		node := e.reg.Node(light.ExtAddr)
		if node == nil {
			continue
		}
		if light.ColorLoopActive != ls.ColorloopActive {
			e.enqueueLightCommand(light, node, zcl.ClusterColor, pipeline.TaskSetColorLoop,
				zcl.BuildColorLoopSet(e.pipe.NextZCLSeq(), ls.ColorloopActive, ls.ColorloopTime))
			if !ls.ColorloopActive {
				loopDeactivated = true
			}
			light.ColorLoopActive = ls.ColorloopActive
			e.reg.Touch(&light.Etag)
		}
		if light.On != ls.On {
			e.enqueueLightCommand(light, node, zcl.ClusterOnOff, pipeline.TaskOnOff,
				zcl.BuildOnOff(e.pipe.NextZCLSeq(), ls.On))
			light.On = ls.On
			e.reg.Touch(&light.Etag)
		}
		if ls.On && light.Level != ls.Bri {
			e.enqueueLightCommand(light, node, zcl.ClusterLevel, pipeline.TaskSetLevel,
				zcl.BuildMoveToLevel(e.pipe.NextZCLSeq(), ls.Bri, ls.TransitionTime))
			light.Level = ls.Bri
			e.reg.Touch(&light.Etag)
		}
	}
	if loopDeactivated {
		e.enqueueGroupCommand(group, zcl.ClusterScenes, pipeline.TaskRecallScene,
			zcl.BuildSceneCommand(e.pipe.NextZCLSeq(), zcl.CmdRecallScene, group.Address, uint8(sid), true))
	}
	e.bus.Emit(bus.Event{Resource: bus.ResourceScenes, Type: bus.EventSceneCalled,
		ID: groupID + "/" + sceneID})
}

// groupOnOff broadcasts on/off to the group and updates the cached group
// and member light state. Turning a group on kills any active colorloop on
// it and its members.
func (e *Engine) groupOnOff(groupID, body string) {
	group := e.reg.GroupByID(groupID)
	if group == nil {
		return
	}
	var on bool
	switch {
	case strings.Contains(body, "true"):
		on = true
	case strings.Contains(body, "false"):
		on = false
	default:
		return
	}

	e.enqueueGroupCommand(group, zcl.ClusterOnOff, pipeline.TaskOnOff,
		zcl.BuildOnOff(e.pipe.NextZCLSeq(), on))

	group.On = on
	e.reg.Touch(&group.Etag)
	for _, light := range e.reg.Lights {
		gi := light.GroupInfoFor(group.Address, false)
		if gi == nil || gi.State != registry.InGroup {
			continue
		}
		light.On = on
		if on && light.ColorLoopActive {
			if node := e.reg.Node(light.ExtAddr); node != nil {
				e.enqueueLightCommand(light, node, zcl.ClusterColor, pipeline.TaskSetColorLoop,
					zcl.BuildColorLoopSet(e.pipe.NextZCLSeq(), false, 0))
			}
			light.ColorLoopActive = false
		}
		e.reg.Touch(&light.Etag)
	}
	if on && group.ColorLoopActive {
		group.ColorLoopActive = false
	}
	e.bus.Emit(bus.Event{Resource: bus.ResourceGroups, Type: bus.EventChanged, ID: groupID})
}

func (e *Engine) enqueueGroupCommand(group *registry.Group, cluster uint16, taskType pipeline.TaskType, asdu []byte) {
	task := &pipeline.Task{
		Type: taskType,
		Req: aps.DataRequest{
			DstAddress:  aps.GroupAddress(group.Address),
			DstEndpoint: 0xFF,
			SrcEndpoint: 0x01,
			ProfileID:   registry.ProfileHA,
			ClusterID:   cluster,
			ASDU:        asdu,
		},
		FireAndForget: true,
	}
	if err := e.pipe.Enqueue(task); err != nil {
		e.logger.Warn("group command not enqueued", "group", group.ID, "err", err)
	}
}

func (e *Engine) enqueueLightCommand(light *registry.Light, node *registry.Node, cluster uint16, taskType pipeline.TaskType, asdu []byte) {
	task := &pipeline.Task{
		Type: taskType,
		Req: aps.DataRequest{
			DstAddress:  aps.NwkAddress(node.NwkAddr),
			DstEndpoint: light.Endpoint,
			SrcEndpoint: 0x01,
			ProfileID:   light.ProfileID,
			ClusterID:   cluster,
			ASDU:        asdu,
			TxOptions:   aps.TxOptionsAckedTx,
		},
	}
	if err := e.pipe.Enqueue(task); err != nil {
		e.logger.Warn("light command not enqueued", "light", light.ID, "err", err)
	}
}
