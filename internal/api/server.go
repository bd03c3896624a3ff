// Package api exposes the gateway's HTTP/JSON surface: the rules CRUD, the
// lights/groups/sensors subsets the rule replay path drives, the gateway
// config resource and the websocket event stream.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"zigbee-hue-gateway/internal/aps"
	"zigbee-hue-gateway/internal/bus"
	"zigbee-hue-gateway/internal/loop"
	"zigbee-hue-gateway/internal/pipeline"
	"zigbee-hue-gateway/internal/registry"
	"zigbee-hue-gateway/internal/rules"
	"zigbee-hue-gateway/internal/store"
	"zigbee-hue-gateway/internal/syncer"
)

// ServerOption configures the server.
type ServerOption func(*Server)

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithVersion sets the software version reported by the config resource.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// Server is the HTTP server. All state access hops onto the event loop.
type Server struct {
	reg    *registry.Registry
	engine *rules.Engine
	pipe   *pipeline.Pipeline
	sync   *syncer.Syncer
	saver  *store.Saver
	bus    *bus.Bus
	loop   *loop.Loop
	radio  aps.Radio
	logger *slog.Logger

	gateway        *store.GatewayState
	permitJoinEnd  time.Time
	allowedOrigins []string
	version        string

	wsHub *WSHub
	mux   *http.ServeMux
}

// New creates the server and registers routes.
func New(reg *registry.Registry, engine *rules.Engine, pipe *pipeline.Pipeline, sy *syncer.Syncer,
	saver *store.Saver, b *bus.Bus, lp *loop.Loop, radio aps.Radio,
	gateway *store.GatewayState, logger *slog.Logger, opts ...ServerOption) *Server {

	s := &Server{
		reg:     reg,
		engine:  engine,
		pipe:    pipe,
		sync:    sy,
		saver:   saver,
		bus:     b,
		loop:    lp,
		radio:   radio,
		gateway: gateway,
		logger:  logger.With("component", "api"),
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wsHub = NewWSHub(s.logger)
	s.routes()
	s.bus.Subscribe("", func(evt bus.Event) {
		s.wsHub.Broadcast(map[string]any{"t": "event", "e": evt.Type, "r": evt.Resource, "id": evt.ID, "state": evt.State})
	})
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// RunHub starts the websocket hub loop.
func (s *Server) RunHub() { go s.wsHub.Run() }

// StopHub shuts the websocket hub down.
func (s *Server) StopHub() { s.wsHub.Stop() }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/{apikey}/rules", s.auth(s.handleGetRules))
	s.mux.HandleFunc("POST /api/{apikey}/rules", s.auth(s.handleCreateRule))
	s.mux.HandleFunc("GET /api/{apikey}/rules/{id}", s.auth(s.handleGetRule))
	s.mux.HandleFunc("PUT /api/{apikey}/rules/{id}", s.auth(s.handleUpdateRule))
	s.mux.HandleFunc("DELETE /api/{apikey}/rules/{id}", s.auth(s.handleDeleteRule))

	s.mux.HandleFunc("GET /api/{apikey}/lights", s.auth(s.handleGetLights))
	s.mux.HandleFunc("GET /api/{apikey}/lights/{id}", s.auth(s.handleGetLight))
	s.mux.HandleFunc("PUT /api/{apikey}/lights/{id}", s.auth(s.handleRenameLight))
	s.mux.HandleFunc("PUT /api/{apikey}/lights/{id}/state", s.auth(s.handleSetLightState))

	s.mux.HandleFunc("GET /api/{apikey}/groups", s.auth(s.handleGetGroups))
	s.mux.HandleFunc("POST /api/{apikey}/groups", s.auth(s.handleCreateGroup))
	s.mux.HandleFunc("GET /api/{apikey}/groups/{id}", s.auth(s.handleGetGroup))
	s.mux.HandleFunc("PUT /api/{apikey}/groups/{id}", s.auth(s.handleUpdateGroup))
	s.mux.HandleFunc("DELETE /api/{apikey}/groups/{id}", s.auth(s.handleDeleteGroup))
	s.mux.HandleFunc("PUT /api/{apikey}/groups/{id}/action", s.auth(s.handleGroupAction))
	s.mux.HandleFunc("POST /api/{apikey}/groups/{gid}/scenes", s.auth(s.handleStoreScene))
	s.mux.HandleFunc("PUT /api/{apikey}/groups/{gid}/scenes/{sid}/recall", s.auth(s.handleRecallScene))

	s.mux.HandleFunc("GET /api/{apikey}/sensors", s.auth(s.handleGetSensors))
	s.mux.HandleFunc("GET /api/{apikey}/sensors/{id}", s.auth(s.handleGetSensor))
	s.mux.HandleFunc("PUT /api/{apikey}/sensors/{id}/config", s.auth(s.handleSetSensorConfig))

	s.mux.HandleFunc("GET /api/{apikey}/config", s.auth(s.handleGetConfig))
	s.mux.HandleFunc("PUT /api/{apikey}/config", s.auth(s.handleSetConfig))

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// auth checks the apikey path segment against the whitelist.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("apikey")
		for _, k := range s.gateway.APIKeys {
			if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
				next(w, r)
				return
			}
		}
		s.writeError(w, http.StatusForbidden, 1, r.URL.Path, "unauthorized user")
	}
}

// PermitJoinActive reports whether the join window is open.
func (s *Server) PermitJoinActive() bool {
	return time.Now().Before(s.permitJoinEnd)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write json", "err", err)
	}
}

// errorItem is one entry of the hue-style error list payload.
type errorItem struct {
	Error struct {
		Type        int    `json:"type"`
		Address     string `json:"address"`
		Description string `json:"description"`
	} `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status, code int, address, description string) {
	var item errorItem
	item.Error.Type = code
	item.Error.Address = address
	item.Error.Description = description
	s.writeJSON(w, status, []errorItem{item})
}

func (s *Server) writeValidationError(w http.ResponseWriter, err *rules.ValidationError) {
	status := http.StatusBadRequest
	if err.Code == rules.ErrCodeResourceNotAvailable {
		status = http.StatusNotFound
	}
	s.writeError(w, status, err.Code, err.Address, err.Description)
}

func (s *Server) writeSuccess(w http.ResponseWriter, kv map[string]interface{}) {
	s.writeJSON(w, http.StatusOK, []map[string]interface{}{{"success": kv}})
}
