package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"zigbee-hue-gateway/internal/aps"
	"zigbee-hue-gateway/internal/bus"
	"zigbee-hue-gateway/internal/pipeline"
	"zigbee-hue-gateway/internal/registry"
	"zigbee-hue-gateway/internal/rules"
	"zigbee-hue-gateway/internal/store"
	"zigbee-hue-gateway/internal/zcl"
)

func readBody(r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20)
	return io.ReadAll(r.Body)
}

type groupJSON struct {
	Name   string         `json:"name"`
	Lights []string       `json:"lights"`
	Action map[string]any `json:"action"`
	Scenes []string       `json:"scenes"`
	Etag   string         `json:"etag"`
}

func (s *Server) groupToJSON(g *registry.Group) groupJSON {
	out := groupJSON{
		Name:   g.Name,
		Lights: []string{},
		Scenes: []string{},
		Etag:   g.Etag,
		Action: map[string]any{
			"on":  g.On,
			"bri": g.Level,
			"hue": g.Hue,
			"sat": g.Sat,
			"xy":  []uint16{g.X, g.Y},
			"ct":  g.ColorTemperature,
			"effect": map[bool]string{true: "colorloop", false: "none"}[g.ColorLoopActive],
		},
	}
	for _, l := range s.reg.Lights {
		if gi := l.GroupInfoFor(g.Address, false); gi != nil && gi.State == registry.InGroup {
			out.Lights = append(out.Lights, l.ID)
		}
	}
	for _, scene := range g.Scenes {
		if !scene.Deleted {
			out.Scenes = append(out.Scenes, fmt.Sprintf("%d", scene.ID))
		}
	}
	return out
}

func (s *Server) handleGetGroups(w http.ResponseWriter, r *http.Request) {
	var out map[string]groupJSON
	s.loop.Call(func() {
		out = make(map[string]groupJSON)
		for _, g := range s.reg.Groups {
			if g.State != registry.GroupNormal || g.Address == 0 {
				continue
			}
			out[g.ID] = s.groupToJSON(g)
		}
	})
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var found *groupJSON
	s.loop.Call(func() {
		if g := s.reg.GroupByID(id); g != nil {
			gj := s.groupToJSON(g)
			found = &gj
		}
	})
	if found == nil {
		s.writeError(w, http.StatusNotFound, rules.ErrCodeResourceNotAvailable,
			"/groups/"+id, "resource, /groups/"+id+", not available")
		return
	}
	w.Header().Set("ETag", `"`+found.Etag+`"`)
	s.writeJSON(w, http.StatusOK, found)
}

// nextFreeGroupAddress scans for the smallest unused ZigBee group address.
func (s *Server) nextFreeGroupAddress() uint16 {
	for addr := uint16(1); ; addr++ {
		if s.reg.GroupByAddress(addr) == nil {
			return addr
		}
	}
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidJSON, "/groups", "body contains invalid JSON")
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidJSON, "/groups", "body contains invalid JSON")
		return
	}
	var id string
	s.loop.Call(func() {
		s.sync.TouchUserActivity()
		g := s.reg.EnsureGroup(s.nextFreeGroupAddress())
		if body.Name != "" {
			g.Name = body.Name
		}
		id = g.ID
		s.saver.Mark(store.DirtyGroups)
		s.bus.Emit(bus.Event{Resource: bus.ResourceGroups, Type: bus.EventAdded, ID: id})
	})
	s.writeSuccess(w, map[string]interface{}{"id": id})
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidJSON, "/groups/"+id, "body contains invalid JSON")
		return
	}
	var body struct {
		Name   *string   `json:"name"`
		Lights *[]string `json:"lights"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidJSON, "/groups/"+id, "body contains invalid JSON")
		return
	}
	var notFound bool
	s.loop.Call(func() {
		g := s.reg.GroupByID(id)
		if g == nil {
			notFound = true
			return
		}
		s.sync.TouchUserActivity()
		if body.Name != nil {
			g.Name = *body.Name
		}
		if body.Lights != nil {
			s.setGroupMembers(g, *body.Lights)
		}
		s.reg.Touch(&g.Etag)
		s.saver.Mark(store.DirtyGroups)
		s.bus.Emit(bus.Event{Resource: bus.ResourceGroups, Type: bus.EventChanged, ID: id})
	})
	if notFound {
		s.writeError(w, http.StatusNotFound, rules.ErrCodeResourceNotAvailable,
			"/groups/"+id, "resource, /groups/"+id+", not available")
		return
	}
	s.writeSuccess(w, map[string]interface{}{"id": id})
}

// setGroupMembers arms per-light add/remove actions so the group task tick
// converges the mesh onto the requested member set.
func (s *Server) setGroupMembers(g *registry.Group, lightIDs []string) {
	want := make(map[string]bool, len(lightIDs))
	for _, id := range lightIDs {
		want[id] = true
	}
	for _, l := range s.reg.Lights {
		gi := l.GroupInfoFor(g.Address, false)
		inGroup := gi != nil && gi.State == registry.InGroup
		switch {
		case want[l.ID] && !inGroup:
			l.GroupInfoFor(g.Address, true).Action = registry.ActionAddToGroup
		case !want[l.ID] && inGroup:
			gi.Action = registry.ActionRemoveFromGroup
		}
	}
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var notFound bool
	s.loop.Call(func() {
		g := s.reg.GroupByID(id)
		if g == nil {
			notFound = true
			return
		}
		s.sync.TouchUserActivity()
		g.State = registry.GroupDeleted
		for _, l := range s.reg.Lights {
			if gi := l.GroupInfoFor(g.Address, false); gi != nil && gi.State == registry.InGroup {
				gi.Action = registry.ActionRemoveFromGroup
			}
		}
		s.reg.Touch(&g.Etag)
		s.saver.Mark(store.DirtyGroups)
		s.bus.Emit(bus.Event{Resource: bus.ResourceGroups, Type: bus.EventDeleted, ID: id})
	})
	if notFound {
		s.writeError(w, http.StatusNotFound, rules.ErrCodeResourceNotAvailable,
			"/groups/"+id, "resource, /groups/"+id+", not available")
		return
	}
	s.writeSuccess(w, map[string]interface{}{"id": id})
}

// applyGroupState applies a state body to a group: enqueues the broadcast
// tasks and updates the cached group and member lights. Runs on the loop.
func (s *Server) applyGroupState(g *registry.Group, state map[string]any) rules.ReplayResult {
	handled := false

	enqueue := func(cluster uint16, taskType pipeline.TaskType, asdu []byte) {
		task := &pipeline.Task{
			Type: taskType,
			Req: aps.DataRequest{
				DstAddress:  aps.GroupAddress(g.Address),
				DstEndpoint: 0xFF,
				SrcEndpoint: 0x01,
				ProfileID:   registry.ProfileHA,
				ClusterID:   cluster,
				ASDU:        asdu,
			},
			FireAndForget: true,
		}
		if err := s.pipe.Enqueue(task); err != nil {
			s.logger.Warn("group task not enqueued", "group", g.ID, "err", err)
		}
	}

	if v, ok := state["on"].(bool); ok {
		enqueue(zcl.ClusterOnOff, pipeline.TaskOnOff, zcl.BuildOnOff(s.pipe.NextZCLSeq(), v))
		g.On = v
		for _, l := range s.reg.Lights {
			if gi := l.GroupInfoFor(g.Address, false); gi != nil && gi.State == registry.InGroup {
				l.On = v
			}
		}
		handled = true
	}
	if v, ok := numberField(state, "bri"); ok && v >= 0 && v <= 255 {
		enqueue(zcl.ClusterLevel, pipeline.TaskSetLevel, zcl.BuildMoveToLevel(s.pipe.NextZCLSeq(), uint8(v), 0))
		g.Level = uint8(v)
		handled = true
	}
	if v, ok := numberField(state, "ct"); ok && v >= 0 && v <= 0xFFFF {
		enqueue(zcl.ClusterColor, pipeline.TaskSetColorTemperature,
			zcl.BuildMoveToColorTemperature(s.pipe.NextZCLSeq(), uint16(v), 0))
		g.ColorTemperature = uint16(v)
		handled = true
	}
	if effect, ok := state["effect"].(string); ok {
		active := effect == "colorloop"
		enqueue(zcl.ClusterColor, pipeline.TaskSetColorLoop, zcl.BuildColorLoopSet(s.pipe.NextZCLSeq(), active, 15))
		g.ColorLoopActive = active
		handled = true
	}
	if !handled {
		return rules.ReplayNotHandled
	}
	s.reg.Touch(&g.Etag)
	s.saver.Mark(store.DirtyGroups)
	s.bus.Emit(bus.Event{Resource: bus.ResourceGroups, Type: bus.EventChanged, ID: g.ID})
	return rules.ReplayOK
}

func numberField(state map[string]any, key string) (int, bool) {
	v, ok := state[key].(float64)
	if !ok {
		return 0, false
	}
	return int(v), true
}

func (s *Server) handleGroupAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidJSON, "/groups/"+id+"/action", "body contains invalid JSON")
		return
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidJSON, "/groups/"+id+"/action", "body contains invalid JSON")
		return
	}
	var notFound bool
	var result rules.ReplayResult
	s.loop.Call(func() {
		g := s.reg.GroupByID(id)
		if g == nil {
			notFound = true
			return
		}
		s.sync.TouchUserActivity()
		result = s.applyGroupState(g, state)
	})
	if notFound {
		s.writeError(w, http.StatusNotFound, rules.ErrCodeResourceNotAvailable,
			"/groups/"+id, "resource, /groups/"+id+", not available")
		return
	}
	if result == rules.ReplayNotHandled {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidValue,
			"/groups/"+id+"/action", "invalid value for parameter, action")
		return
	}
	s.writeSuccess(w, map[string]interface{}{"id": id})
}

// GroupsResource is the internal REST replay target for group-addressed
// rule actions. It must be invoked from the event loop and never suspends:
// it enqueues tasks and returns.
func (s *Server) GroupsResource(method, path string, body []byte) rules.ReplayResult {
	if method != rules.MethodPut {
		return rules.ReplayNotHandled
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	// api/<key>/groups/<id>[/action]
	if len(parts) < 4 || parts[0] != "api" || parts[2] != "groups" {
		return rules.ReplayNotHandled
	}
	if len(parts) == 5 && parts[4] != "action" {
		return rules.ReplayNotHandled
	}
	if len(parts) > 5 {
		return rules.ReplayNotHandled
	}
	g := s.reg.GroupByID(parts[3])
	if g == nil {
		return rules.ReplayNotHandled
	}
	var state map[string]any
	if err := json.Unmarshal(body, &state); err != nil {
		return rules.ReplayError
	}
	return s.applyGroupState(g, state)
}
