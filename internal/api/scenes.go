package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"zigbee-hue-gateway/internal/bus"
	"zigbee-hue-gateway/internal/registry"
	"zigbee-hue-gateway/internal/rules"
	"zigbee-hue-gateway/internal/store"
)

// handleStoreScene creates a scene under a group and snapshots the current
// member light states; the per-light store commands are flushed by the
// group task tick.
func (s *Server) handleStoreScene(w http.ResponseWriter, r *http.Request) {
	gid := r.PathValue("gid")
	data, err := readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidJSON, "/groups/"+gid+"/scenes", "body contains invalid JSON")
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidJSON, "/groups/"+gid+"/scenes", "body contains invalid JSON")
		return
	}

	var notFound, full bool
	var sceneID uint8
	s.loop.Call(func() {
		g := s.reg.GroupByID(gid)
		if g == nil {
			notFound = true
			return
		}
		s.sync.TouchUserActivity()
		id, ok := nextFreeSceneID(g)
		if !ok {
			full = true
			return
		}
		sceneID = id
		scene := g.EnsureScene(sceneID)
		if body.Name != "" {
			scene.Name = body.Name
		}
		for _, l := range s.reg.Lights {
			gi := l.GroupInfoFor(g.Address, false)
			if gi == nil || gi.State != registry.InGroup {
				continue
			}
			scene.Lights = append(scene.Lights, registry.LightState{
				LightID:         l.ID,
				On:              l.On,
				Bri:             l.Level,
				X:               l.X,
				Y:               l.Y,
				ColorloopActive: l.ColorLoopActive,
			})
			gi.AddScenes = append(gi.AddScenes, sceneID)
		}
		s.reg.Touch(&g.Etag)
		s.saver.Mark(store.DirtyGroups | store.DirtyScenes)
		s.bus.Emit(bus.Event{Resource: bus.ResourceScenes, Type: bus.EventAdded,
			ID: gid + "/" + strconv.Itoa(int(sceneID))})
	})
	if notFound {
		s.writeError(w, http.StatusNotFound, rules.ErrCodeResourceNotAvailable,
			"/groups/"+gid, "resource, /groups/"+gid+", not available")
		return
	}
	if full {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeTooManyItems,
			"/groups/"+gid+"/scenes", "too many items in list")
		return
	}
	s.writeSuccess(w, map[string]interface{}{"id": strconv.Itoa(int(sceneID))})
}

func nextFreeSceneID(g *registry.Group) (uint8, bool) {
	for id := 1; id <= 255; id++ {
		if g.Scene(uint8(id)) == nil {
			return uint8(id), true
		}
	}
	return 0, false
}

func (s *Server) handleRecallScene(w http.ResponseWriter, r *http.Request) {
	gid := r.PathValue("gid")
	sid := r.PathValue("sid")
	var notFound bool
	s.loop.Call(func() {
		g := s.reg.GroupByID(gid)
		if g == nil {
			notFound = true
			return
		}
		s.sync.TouchUserActivity()
		s.engine.RecallScene(gid, sid)
	})
	if notFound {
		s.writeError(w, http.StatusNotFound, rules.ErrCodeResourceNotAvailable,
			"/groups/"+gid, "resource, /groups/"+gid+", not available")
		return
	}
	s.writeSuccess(w, map[string]interface{}{"id": sid})
}
