package api

import (
	"encoding/json"
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

type lightJSON struct {
	Name         string         `json:"name"`
	Manufacturer string         `json:"manufacturername,omitempty"`
	ModelID      string         `json:"modelid,omitempty"`
	SWVersion    string         `json:"swversion,omitempty"`
	UniqueID     string         `json:"uniqueid"`
	State        map[string]any `json:"state"`
	Etag         string         `json:"etag"`
}

func lightToJSON(l *registry.Light) lightJSON {
	return lightJSON{
		Name:         l.Name,
		Manufacturer: l.Manufacturer,
		ModelID:      l.ModelID,
		SWVersion:    l.SWBuildID,
		UniqueID:     l.UniqueID,
		Etag:         l.Etag,
		State: map[string]any{
			"on":        l.On,
			"bri":       l.Level,
			"hue":       l.EnhancedHue,
			"sat":       l.Sat,
			"xy":        []uint16{l.X, l.Y},
			"ct":        l.ColorTemperature,
			"colormode": l.ColorMode,
			"effect":    map[bool]string{true: "colorloop", false: "none"}[l.ColorLoopActive],
			"reachable": l.Reachable,
		},
	}
}

func (s *Server) handleGetLights(w http.ResponseWriter, r *http.Request) {
	var out map[string]lightJSON
	s.loop.Call(func() {
		out = make(map[string]lightJSON, len(s.reg.Lights))
		for _, l := range s.reg.Lights {
			out[l.ID] = lightToJSON(l)
		}
	})
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetLight(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var found *lightJSON
	s.loop.Call(func() {
		if l := s.reg.LightByID(id); l != nil {
			lj := lightToJSON(l)
			found = &lj
		}
	})
	if found == nil {
		s.writeError(w, http.StatusNotFound, rules.ErrCodeResourceNotAvailable,
			"/lights/"+id, "resource, /lights/"+id+", not available")
		return
	}
	w.Header().Set("ETag", `"`+found.Etag+`"`)
	s.writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleRenameLight(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidJSON, "/lights/"+id, "body contains invalid JSON")
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Name == "" {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidValue, "/lights/"+id+"/name",
			"invalid value for parameter, name")
		return
	}
	var notFound bool
	s.loop.Call(func() {
		l := s.reg.LightByID(id)
		if l == nil {
			notFound = true
			return
		}
		s.sync.TouchUserActivity()
		l.Name = body.Name
		s.reg.Touch(&l.Etag)
		s.saver.Mark(store.DirtyLights)
		s.bus.Emit(bus.Event{Resource: bus.ResourceLights, Type: bus.EventChanged, ID: id})
	})
	if notFound {
		s.writeError(w, http.StatusNotFound, rules.ErrCodeResourceNotAvailable,
			"/lights/"+id, "resource, /lights/"+id+", not available")
		return
	}
	s.writeSuccess(w, map[string]interface{}{"/lights/" + id + "/name": body.Name})
}

// applyLightState applies a state body to a light: enqueues the unicast
// tasks and updates the cached state. Runs on the loop.
func (s *Server) applyLightState(l *registry.Light, state map[string]any) rules.ReplayResult {
	node := s.reg.Node(l.ExtAddr)
	if node == nil {
		return rules.ReplayNotHandled
	}
	handled := false

	enqueue := func(cluster uint16, taskType pipeline.TaskType, asdu []byte) {
		task := &pipeline.Task{
			Type: taskType,
			Req: aps.DataRequest{
				DstAddress:  aps.NwkAddress(node.NwkAddr),
				DstEndpoint: l.Endpoint,
				SrcEndpoint: 0x01,
				ProfileID:   l.ProfileID,
				ClusterID:   cluster,
				ASDU:        asdu,
				TxOptions:   aps.TxOptionsAckedTx,
			},
		}
		if err := s.pipe.Enqueue(task); err != nil {
			s.logger.Warn("light task not enqueued", "light", l.ID, "err", err)
		}
	}

	transition := uint16(0)
	if v, ok := numberField(state, "transitiontime"); ok && v >= 0 && v <= 0xFFFF {
		transition = uint16(v)
	}
	if v, ok := state["on"].(bool); ok {
		enqueue(zcl.ClusterOnOff, pipeline.TaskOnOff, zcl.BuildOnOff(s.pipe.NextZCLSeq(), v))
		l.On = v
		handled = true
	}
	if v, ok := numberField(state, "bri"); ok && v >= 0 && v <= 255 {
		enqueue(zcl.ClusterLevel, pipeline.TaskSetLevel, zcl.BuildMoveToLevel(s.pipe.NextZCLSeq(), uint8(v), transition))
		l.Level = uint8(v)
		handled = true
	}
	if v, ok := numberField(state, "ct"); ok && v >= 0 && v <= 0xFFFF {
		enqueue(zcl.ClusterColor, pipeline.TaskSetColorTemperature,
			zcl.BuildMoveToColorTemperature(s.pipe.NextZCLSeq(), uint16(v), transition))
		l.ColorTemperature = uint16(v)
		l.ColorMode = registry.ColorModeCT
		handled = true
	}
	if effect, ok := state["effect"].(string); ok {
		active := effect == "colorloop"
		enqueue(zcl.ClusterColor, pipeline.TaskSetColorLoop, zcl.BuildColorLoopSet(s.pipe.NextZCLSeq(), active, 15))
		l.ColorLoopActive = active
		handled = true
	}
	if !handled {
		return rules.ReplayNotHandled
	}
	s.reg.Touch(&l.Etag)
	s.saver.Mark(store.DirtyLights)
	s.bus.Emit(bus.Event{Resource: bus.ResourceLights, Type: bus.EventChanged, ID: l.ID})
	return rules.ReplayOK
}

func (s *Server) handleSetLightState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidJSON, "/lights/"+id+"/state", "body contains invalid JSON")
		return
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidJSON, "/lights/"+id+"/state", "body contains invalid JSON")
		return
	}
	var notFound bool
	var result rules.ReplayResult
	s.loop.Call(func() {
		l := s.reg.LightByID(id)
		if l == nil {
			notFound = true
			return
		}
		s.sync.TouchUserActivity()
		result = s.applyLightState(l, state)
	})
	if notFound {
		s.writeError(w, http.StatusNotFound, rules.ErrCodeResourceNotAvailable,
			"/lights/"+id, "resource, /lights/"+id+", not available")
		return
	}
	if result != rules.ReplayOK {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidValue,
			"/lights/"+id+"/state", "invalid value for parameter, state")
		return
	}
	s.writeSuccess(w, map[string]interface{}{"id": id})
}

// LightsResource is the internal REST replay target for light-addressed
// rule actions; invoked from the event loop.
func (s *Server) LightsResource(method, path string, body []byte) rules.ReplayResult {
	if method != rules.MethodPut {
		return rules.ReplayNotHandled
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	// api/<key>/lights/<id>[/state]
	if len(parts) < 4 || parts[0] != "api" || parts[2] != "lights" {
		return rules.ReplayNotHandled
	}
	if len(parts) == 5 && parts[4] != "state" {
		return rules.ReplayNotHandled
	}
	if len(parts) > 5 {
		return rules.ReplayNotHandled
	}
	l := s.reg.LightByID(parts[3])
	if l == nil {
		return rules.ReplayNotHandled
	}
	var state map[string]any
	if err := json.Unmarshal(body, &state); err != nil {
		return rules.ReplayError
	}
	return s.applyLightState(l, state)
}
