package zcl

import (
	"encoding/binary"
	"fmt"
)

// GroupMembershipResponse is the Groups.GetGroupMembership response:
// remaining table capacity and the group IDs the endpoint belongs to.
type GroupMembershipResponse struct {
	Capacity uint8
	Groups   []uint16
}

// ParseGroupMembershipResponse parses a GetGroupMembership.Response payload
// {capacity u8, count u8, [group u16]*}.
func ParseGroupMembershipResponse(payload []byte) (*GroupMembershipResponse, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("zcl: group membership response too short")
	}
	count := int(payload[1])
	if len(payload) < 2+count*2 {
		return nil, fmt.Errorf("zcl: group membership response truncated: count %d, %d bytes", count, len(payload))
	}
	r := &GroupMembershipResponse{Capacity: payload[0]}
	for i := 0; i < count; i++ {
		r.Groups = append(r.Groups, binary.LittleEndian.Uint16(payload[2+i*2:]))
	}
	return r, nil
}

// GroupResponse is the Add/Remove/ViewGroup response header {status, group}.
type GroupResponse struct {
	Status  uint8
	GroupID uint16
}

// ParseGroupResponse parses an AddGroup or RemoveGroup response payload.
func ParseGroupResponse(payload []byte) (*GroupResponse, error) {
	if len(payload) < 3 {
		return nil, fmt.Errorf("zcl: group response too short")
	}
	return &GroupResponse{
		Status:  payload[0],
		GroupID: binary.LittleEndian.Uint16(payload[1:]),
	}, nil
}

// BuildAddGroup builds the AddGroup command payload with an empty name.
func BuildAddGroup(seq uint8, groupID uint16) []byte {
	payload := binary.LittleEndian.AppendUint16(nil, groupID)
	payload = append(payload, 0x00) // zero-length group name
	return BuildClusterCommand(seq, CmdAddGroup, payload)
}

// BuildRemoveGroup builds the RemoveGroup command payload.
func BuildRemoveGroup(seq uint8, groupID uint16) []byte {
	return BuildClusterCommand(seq, CmdRemoveGroup, binary.LittleEndian.AppendUint16(nil, groupID))
}

// BuildGetGroupMembership builds a GetGroupMembership query for all groups.
func BuildGetGroupMembership(seq uint8) []byte {
	return BuildClusterCommand(seq, CmdGetGroupMembership, []byte{0x00})
}

// SceneMembershipResponse is the Scenes.GetSceneMembership response.
type SceneMembershipResponse struct {
	Status   uint8
	Capacity uint8
	GroupID  uint16
	Scenes   []uint8
}

// ParseSceneMembershipResponse parses a GetSceneMembership.Response payload
// {status u8, capacity u8, group u16, count u8, [scene u8]*}. The scene list
// is only present on success.
func ParseSceneMembershipResponse(payload []byte) (*SceneMembershipResponse, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("zcl: scene membership response too short")
	}
	r := &SceneMembershipResponse{
		Status:   payload[0],
		Capacity: payload[1],
		GroupID:  binary.LittleEndian.Uint16(payload[2:]),
	}
	if r.Status != StatusSuccess {
		return r, nil
	}
	if len(payload) < 5 {
		return nil, fmt.Errorf("zcl: scene membership response missing count")
	}
	count := int(payload[4])
	if len(payload) < 5+count {
		return nil, fmt.Errorf("zcl: scene membership response truncated")
	}
	r.Scenes = append(r.Scenes, payload[5:5+count]...)
	return r, nil
}

// SceneResponse is the Store/Remove/AddScene response {status, group, scene}.
type SceneResponse struct {
	Status  uint8
	GroupID uint16
	SceneID uint8
}

// ParseSceneResponse parses a Store/Remove/AddScene response payload.
func ParseSceneResponse(payload []byte) (*SceneResponse, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("zcl: scene response too short")
	}
	return &SceneResponse{
		Status:  payload[0],
		GroupID: binary.LittleEndian.Uint16(payload[1:]),
		SceneID: payload[3],
	}, nil
}

// ViewSceneExtension is one per-cluster extension record of a ViewScene
// response, carrying the stored on/off, level or color fields.
type ViewSceneExtension struct {
	ClusterID uint16
	On        bool
	HasOnOff  bool
	Level     uint8
	HasLevel  bool
	X, Y      uint16
	HasColor  bool
}

// ViewSceneResponse is the Scenes.ViewScene response with its extension set.
type ViewSceneResponse struct {
	Status         uint8
	GroupID        uint16
	SceneID        uint8
	TransitionTime uint16 // 1/10 s units
	Name           string
	Extensions     []ViewSceneExtension
}

// ParseViewSceneResponse parses a ViewScene.Response payload, including the
// 0x0006/0x0008/0x0300 extension field records.
func ParseViewSceneResponse(payload []byte) (*ViewSceneResponse, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("zcl: view scene response too short")
	}
	r := &ViewSceneResponse{
		Status:  payload[0],
		GroupID: binary.LittleEndian.Uint16(payload[1:]),
		SceneID: payload[3],
	}
	if r.Status != StatusSuccess {
		return r, nil
	}
	p := payload[4:]
	if len(p) < 2 {
		return nil, fmt.Errorf("zcl: view scene response missing transition time")
	}
	r.TransitionTime = binary.LittleEndian.Uint16(p)
	p = p[2:]
	if len(p) < 1 {
		return nil, fmt.Errorf("zcl: view scene response missing name")
	}
	nameLen := int(p[0])
	if len(p) < 1+nameLen {
		return nil, fmt.Errorf("zcl: view scene name truncated")
	}
	r.Name = string(p[1 : 1+nameLen])
	p = p[1+nameLen:]

	for len(p) > 0 {
		if len(p) < 3 {
			return nil, fmt.Errorf("zcl: view scene extension header truncated")
		}
		ext := ViewSceneExtension{ClusterID: binary.LittleEndian.Uint16(p)}
		fieldLen := int(p[2])
		p = p[3:]
		if len(p) < fieldLen {
			return nil, fmt.Errorf("zcl: view scene extension field truncated")
		}
		field := p[:fieldLen]
		p = p[fieldLen:]
		switch ext.ClusterID {
		case ClusterOnOff:
			if fieldLen >= 1 {
				ext.On = field[0] != 0
				ext.HasOnOff = true
			}
		case ClusterLevel:
			if fieldLen >= 1 {
				ext.Level = field[0]
				ext.HasLevel = true
			}
		case ClusterColor:
			if fieldLen >= 4 {
				ext.X = binary.LittleEndian.Uint16(field)
				ext.Y = binary.LittleEndian.Uint16(field[2:])
				ext.HasColor = true
			}
		}
		r.Extensions = append(r.Extensions, ext)
	}
	return r, nil
}

// BuildSceneCommand builds a Store/Remove/View/GetMembership scene command,
// which all begin with {group u16} and optionally carry {scene u8}.
func BuildSceneCommand(seq uint8, commandID uint8, groupID uint16, sceneID uint8, withScene bool) []byte {
	payload := binary.LittleEndian.AppendUint16(nil, groupID)
	if withScene {
		payload = append(payload, sceneID)
	}
	return BuildClusterCommand(seq, commandID, payload)
}
