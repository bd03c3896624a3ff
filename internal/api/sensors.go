package api

import (
	"encoding/json"
	"net/http"
	"time"

	"zigbee-hue-gateway/internal/bus"
	"zigbee-hue-gateway/internal/registry"
	"zigbee-hue-gateway/internal/rules"
	"zigbee-hue-gateway/internal/store"
)

type sensorJSON struct {
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Manufacturer string         `json:"manufacturername,omitempty"`
	ModelID      string         `json:"modelid,omitempty"`
	SWVersion    string         `json:"swversion,omitempty"`
	UniqueID     string         `json:"uniqueid,omitempty"`
	Config       map[string]any `json:"config"`
	State        map[string]any `json:"state"`
	Etag         string         `json:"etag"`
}

func sensorToJSON(sn *registry.Sensor) sensorJSON {
	out := sensorJSON{
		Name:         sn.Name,
		Type:         sn.Type,
		Manufacturer: sn.Manufacturer,
		ModelID:      sn.ModelID,
		SWVersion:    sn.SWVersion,
		UniqueID:     sn.UniqueID,
		Etag:         sn.Etag,
		Config: map[string]any{
			"on":        sn.Config.On,
			"reachable": sn.Config.Reachable,
			"battery":   sn.Config.Battery,
		},
		State: map[string]any{},
	}
	if sn.Config.Duration > 0 {
		out.Config["duration"] = sn.Config.Duration
	}
	if !sn.State.Lastupdated.IsZero() {
		out.State["lastupdated"] = sn.State.Lastupdated.UTC().Format(rules.TimeFormat)
	} else {
		out.State["lastupdated"] = "none"
	}
	switch sn.Type {
	case registry.TypeZGPSwitch, registry.TypeZHASwitch, registry.TypeCLIPSwitch:
		out.State["buttonevent"] = sn.State.Buttonevent
	case registry.TypeZHALight:
		out.State["lux"] = sn.State.Lux
	case registry.TypeZHAPresence, registry.TypeCLIPPresence:
		out.State["presence"] = sn.State.Presence
	case registry.TypeCLIPOpenClose:
		out.State["open"] = sn.State.Open
	case registry.TypeCLIPGenericFlag:
		out.State["flag"] = sn.State.Flag
	case registry.TypeDaylight:
		out.State["daylight"] = sn.State.Daylight
	}
	return out
}

func (s *Server) handleGetSensors(w http.ResponseWriter, r *http.Request) {
	var out map[string]sensorJSON
	s.loop.Call(func() {
		out = make(map[string]sensorJSON)
		for _, sn := range s.reg.Sensors {
			if sn.Deleted != registry.StateNormal {
				continue
			}
			out[sn.ID] = sensorToJSON(sn)
		}
	})
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSensor(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var found *sensorJSON
	s.loop.Call(func() {
		if sn := s.reg.SensorByID(id); sn != nil && sn.Deleted == registry.StateNormal {
			sj := sensorToJSON(sn)
			found = &sj
		}
	})
	if found == nil {
		s.writeError(w, http.StatusNotFound, rules.ErrCodeResourceNotAvailable,
			"/sensors/"+id, "resource, /sensors/"+id+", not available")
		return
	}
	w.Header().Set("ETag", `"`+found.Etag+`"`)
	s.writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleSetSensorConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidJSON, "/sensors/"+id+"/config", "body contains invalid JSON")
		return
	}
	var body struct {
		On       *bool `json:"on"`
		Duration *int  `json:"duration"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidJSON, "/sensors/"+id+"/config", "body contains invalid JSON")
		return
	}
	var notFound, badDuration bool
	s.loop.Call(func() {
		sn := s.reg.SensorByID(id)
		if sn == nil || sn.Deleted != registry.StateNormal {
			notFound = true
			return
		}
		s.sync.TouchUserActivity()
		changed := false
		if body.On != nil && sn.Config.On != *body.On {
			sn.Config.On = *body.On
			changed = true
		}
		if body.Duration != nil {
			if !s.sync.WriteOccupancyDuration(sn, *body.Duration) && (*body.Duration < 0 || *body.Duration > 65535) {
				badDuration = true
				return
			}
			sn.Config.Duration = *body.Duration
			changed = true
		}
		if changed {
			s.reg.Touch(&sn.Etag)
			s.saver.Mark(store.DirtySensors)
			s.bus.Emit(bus.Event{Resource: bus.ResourceSensors, Type: bus.EventChanged, ID: id})
		}
	})
	if notFound {
		s.writeError(w, http.StatusNotFound, rules.ErrCodeResourceNotAvailable,
			"/sensors/"+id, "resource, /sensors/"+id+", not available")
		return
	}
	if badDuration {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidValue,
			"/sensors/"+id+"/config/duration", "invalid value for parameter, duration")
		return
	}
	s.writeSuccess(w, map[string]interface{}{"id": id})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	remaining := 0
	if s.PermitJoinActive() {
		remaining = int(time.Until(s.permitJoinEnd).Seconds())
	}
	whitelist := make(map[string]any, len(s.gateway.APIKeys))
	for _, k := range s.gateway.APIKeys {
		whitelist[k] = map[string]string{"name": "api key"}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":       s.gateway.Name,
		"uuid":       s.gateway.UUID,
		"swversion":  s.version,
		"permitjoin": remaining,
		"whitelist":  whitelist,
	})
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidJSON, "/config", "body contains invalid JSON")
		return
	}
	var body struct {
		Name       *string `json:"name"`
		PermitJoin *int    `json:"permitjoin"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidJSON, "/config", "body contains invalid JSON")
		return
	}
	success := map[string]interface{}{}
	if body.Name != nil && *body.Name != "" {
		s.gateway.Name = *body.Name
		s.saver.Mark(store.DirtyConfig)
		success["/config/name"] = *body.Name
	}
	if body.PermitJoin != nil {
		n := *body.PermitJoin
		if n < 0 || n > 255 {
			s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidValue,
				"/config/permitjoin", "invalid value for parameter, permitjoin")
			return
		}
		if err := s.radio.PermitJoin(uint8(n)); err != nil {
			s.logger.Warn("permit join", "err", err)
		}
		s.permitJoinEnd = time.Now().Add(time.Duration(n) * time.Second)
		success["/config/permitjoin"] = n
		s.bus.Emit(bus.Event{Resource: bus.ResourceConfig, Type: bus.EventChanged, ID: "permitjoin"})
	}
	s.sync.TouchUserActivity()
	s.writeSuccess(w, success)
}
