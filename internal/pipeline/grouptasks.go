package pipeline

import (
	"time"

	"zigbee-hue-gateway/internal/aps"
	"zigbee-hue-gateway/internal/registry"
	"zigbee-hue-gateway/internal/zcl"
)

// GroupTaskTick is the ~250 ms tick flushing per-light group membership
// changes and pending scene operations. Lights are walked round-robin; at
// most one request (a membership change or a scene operation) is emitted
// per invocation, and nothing happens while the main queue is backed up.
func (p *Pipeline) GroupTaskTick(reg *registry.Registry, now time.Time) {
	if len(p.tasks) > MaxGroupTasks {
		return
	}
	if len(reg.Lights) == 0 {
		return
	}
	for scanned := 0; scanned < len(reg.Lights); scanned++ {
		p.groupIter = (p.groupIter + 1) % len(reg.Lights)
		light := reg.Lights[p.groupIter]
		node := reg.Node(light.ExtAddr)
		if node == nil || !light.Reachable {
			continue
		}
		if p.flushMembership(light, node) {
			return
		}
		if p.flushSceneOps(light, node) {
			return
		}
	}
}

func (p *Pipeline) lightRequest(light *registry.Light, node *registry.Node, cluster uint16, asdu []byte) aps.DataRequest {
	return aps.DataRequest{
		DstAddress:  aps.NwkAddress(node.NwkAddr),
		DstEndpoint: light.Endpoint,
		SrcEndpoint: 0x01,
		ProfileID:   light.ProfileID,
		ClusterID:   cluster,
		ASDU:        asdu,
		TxOptions:   aps.TxOptionsAckedTx,
	}
}

// flushMembership emits at most one pending AddToGroup/RemoveFromGroup.
func (p *Pipeline) flushMembership(light *registry.Light, node *registry.Node) bool {
	for _, gi := range light.Groups {
		switch gi.Action {
		case registry.ActionAddToGroup:
			asdu := zcl.BuildAddGroup(p.NextZCLSeq(), gi.Group)
			task := &Task{Type: TaskAddGroup, Req: p.lightRequest(light, node, zcl.ClusterGroups, asdu)}
			if err := p.Enqueue(task); err == nil {
				gi.Action = registry.ActionNone
				return true
			}
			return false
		case registry.ActionRemoveFromGroup:
			asdu := zcl.BuildRemoveGroup(p.NextZCLSeq(), gi.Group)
			task := &Task{Type: TaskRemoveGroup, Req: p.lightRequest(light, node, zcl.ClusterGroups, asdu)}
			if err := p.Enqueue(task); err == nil {
				gi.Action = registry.ActionNone
				return true
			}
			return false
		}
	}
	return false
}

// flushSceneOps emits at most one pending scene store/remove/modify.
func (p *Pipeline) flushSceneOps(light *registry.Light, node *registry.Node) bool {
	for _, gi := range light.Groups {
		if len(gi.AddScenes) > 0 {
			sceneID := gi.AddScenes[0]
			asdu := zcl.BuildSceneCommand(p.NextZCLSeq(), zcl.CmdStoreScene, gi.Group, sceneID, true)
			task := &Task{Type: TaskStoreScene, Req: p.lightRequest(light, node, zcl.ClusterScenes, asdu)}
			if err := p.Enqueue(task); err == nil {
				gi.AddScenes = gi.AddScenes[1:]
				return true
			}
			return false
		}
		if len(gi.RemoveScenes) > 0 {
			sceneID := gi.RemoveScenes[0]
			asdu := zcl.BuildSceneCommand(p.NextZCLSeq(), zcl.CmdRemoveScene, gi.Group, sceneID, true)
			task := &Task{Type: TaskRemoveScene, Req: p.lightRequest(light, node, zcl.ClusterScenes, asdu)}
			if err := p.Enqueue(task); err == nil {
				gi.RemoveScenes = gi.RemoveScenes[1:]
				return true
			}
			return false
		}
		if len(gi.ModifyScenes) > 0 {
			sceneID := gi.ModifyScenes[0]
			asdu := zcl.BuildSceneCommand(p.NextZCLSeq(), zcl.CmdStoreScene, gi.Group, sceneID, true)
			task := &Task{Type: TaskStoreScene, Req: p.lightRequest(light, node, zcl.ClusterScenes, asdu)}
			if err := p.Enqueue(task); err == nil {
				gi.ModifyScenes = gi.ModifyScenes[1:]
				return true
			}
			return false
		}
	}
	return false
}
