// Package bus is the gateway's pub/sub spine: entity change notifications
// flow from the core to the websocket stream, the MQTT bridge and the script
// hooks.
package bus

import (
	"log/slog"
	"sync"
)

// Resources appearing in events.
const (
	ResourceLights  = "lights"
	ResourceSensors = "sensors"
	ResourceGroups  = "groups"
	ResourceScenes  = "scenes"
	ResourceRules   = "rules"
	ResourceConfig  = "config"
)

// Event types.
const (
	EventChanged      = "changed"
	EventAdded        = "added"
	EventDeleted      = "deleted"
	EventSceneCalled  = "scene-called"
	EventRuleTriggered = "rule-triggered"
	EventButton       = "button"
	EventNetwork      = "network"
)

// Event is one gateway notification.
type Event struct {
	Resource string         `json:"r"`
	Type     string         `json:"e"`
	ID       string         `json:"id,omitempty"`
	State    map[string]any `json:"state,omitempty"`
}

// Handler consumes events.
type Handler func(Event)

// Bus fans events out to subscribers. Emit is synchronous and recovers a
// panicking handler so one bad subscriber cannot take the loop down.
type Bus struct {
	mu       sync.RWMutex
	subs     map[uint64]sub
	nextID   uint64
	logger   *slog.Logger
}

type sub struct {
	resource string // empty matches all
	fn       Handler
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]sub),
		logger: logger,
	}
}

// Subscribe registers a handler for one resource, or every resource when
// resource is empty. Returns an unsubscribe function.
func (b *Bus) Subscribe(resource string, fn Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub{resource: resource, fn: fn}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Emit delivers the event to all matching subscribers.
func (b *Bus) Emit(evt Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.resource == "" || s.resource == evt.Resource {
			handlers = append(handlers, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("bus handler panic", "resource", evt.Resource, "type", evt.Type, "panic", r)
				}
			}()
			fn(evt)
		}()
	}
}
