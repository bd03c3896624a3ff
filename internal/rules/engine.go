package rules

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"zigbee-hue-gateway/internal/aps"
	"zigbee-hue-gateway/internal/bus"
	"zigbee-hue-gateway/internal/cache"
	"zigbee-hue-gateway/internal/pipeline"
	"zigbee-hue-gateway/internal/registry"
	"zigbee-hue-gateway/internal/syncer"
	"zigbee-hue-gateway/internal/zcl"
)

// ReplayResult is the outcome of an internal REST replay.
type ReplayResult int

const (
	ReplayOK ReplayResult = iota
	ReplayNotHandled
	ReplayError
)

// ResourceHandler is the in-process REST surface of one resource: the rules
// engine synthesizes (method, path, body) triples and the handler applies
// them exactly as an external request would.
type ResourceHandler func(method, path string, body []byte) ReplayResult

// Tunables.
const (
	// MaxRuleAttrAge is the freshness window for condition attributes.
	MaxRuleAttrAge = 15 * time.Second
	// MaxVerifyDelay throttles per-rule binding verification, in idle
	// seconds.
	MaxVerifyDelay = 300
)

// Engine owns the rule store and evaluation. It lives on the event loop.
type Engine struct {
	reg    *registry.Registry
	cache  *cache.Cache
	pipe   *pipeline.Pipeline
	sync   *syncer.Syncer
	bus    *bus.Bus
	logger *slog.Logger

	Rules []*Rule

	verifyIter int

	groups ResourceHandler
	lights ResourceHandler

	connected   func() bool
	requestSave func()
}

// New creates the engine. The resource handlers and save callback are wired
// later, after the API layer exists.
func New(reg *registry.Registry, c *cache.Cache, pipe *pipeline.Pipeline, sy *syncer.Syncer, b *bus.Bus, connected func() bool, logger *slog.Logger) *Engine {
	return &Engine{
		reg:       reg,
		cache:     c,
		pipe:      pipe,
		sync:      sy,
		bus:       b,
		connected: connected,
		logger:    logger.With("component", "rules"),
	}
}

// SetHandlers wires the internal REST replay targets.
func (e *Engine) SetHandlers(groups, lights ResourceHandler) {
	e.groups = groups
	e.lights = lights
}

// SetSaveHook wires the coalescing persistence trigger.
func (e *Engine) SetSaveHook(fn func()) { e.requestSave = fn }

// Get returns the rule with id. The primary scan skips deleted rules; with
// includeDeleted the fallback re-scan returns a deleted row too.
func (e *Engine) Get(id string, includeDeleted bool) *Rule {
	for _, r := range e.Rules {
		if r.ID == id && r.State == RuleNormal {
			return r
		}
	}
	if includeDeleted {
		for _, r := range e.Rules {
			if r.ID == id {
				return r
			}
		}
	}
	return nil
}

// ActiveCount returns the number of non-deleted rules.
func (e *Engine) ActiveCount() int {
	n := 0
	for _, r := range e.Rules {
		if r.State == RuleNormal {
			n++
		}
	}
	return n
}

// NextFreeID allocates the smallest unused positive integer id.
func (e *Engine) NextFreeID() string {
	for i := 1; ; i++ {
		id := strconv.Itoa(i)
		taken := false
		for _, r := range e.Rules {
			if r.ID == id {
				taken = true
				break
			}
		}
		if !taken {
			return id
		}
	}
}

// Create inserts a rule. If another rule's condition and action sets are
// exactly equal, that rule is replaced in its slot under a fresh id.
// Returns the stored rule and whether a slot was replaced.
func (e *Engine) Create(rule *Rule) (*Rule, bool, *ValidationError) {
	if e.ActiveCount() >= MaxRulesCount {
		return nil, false, verr(ErrCodeRuleEngineFull, "/rules", "The Rule Engine has reached its maximum capacity of %d rules", MaxRulesCount)
	}
	rule.LastVerify = -MaxVerifyDelay
	e.reg.Touch(&rule.Etag)

	for i, existing := range e.Rules {
		if existing.State != RuleNormal {
			continue
		}
		if conditionSetEqual(existing.Conditions, rule.Conditions) &&
			actionSetEqual(existing.Actions, rule.Actions) {
			// Replace in the same slot; the freed id is allocated anew,
			// which hands the smallest unused id back to the new rule.
			e.Rules[i] = rule
			rule.ID = e.NextFreeID()
			e.save()
			e.bus.Emit(bus.Event{Resource: bus.ResourceRules, Type: bus.EventChanged, ID: rule.ID})
			return rule, true, nil
		}
	}

	rule.ID = e.NextFreeID()
	e.Rules = append(e.Rules, rule)
	e.save()
	e.bus.Emit(bus.Event{Resource: bus.ResourceRules, Type: bus.EventAdded, ID: rule.ID})
	return rule, false, nil
}

// Delete marks a rule Deleted, disables it and queues the unbind pass.
func (e *Engine) Delete(id string) bool {
	rule := e.Get(id, false)
	if rule == nil {
		return false
	}
	rule.State = RuleDeleted
	rule.Status = StatusDisabled
	e.queueBindingVerification(rule)
	e.save()
	e.bus.Emit(bus.Event{Resource: bus.ResourceRules, Type: bus.EventDeleted, ID: id})
	return true
}

// DisableAndUnbind disables a rule and queues the unbind pass; used before
// installing mutated conditions/actions.
func (e *Engine) DisableAndUnbind(rule *Rule) {
	prev := rule.Status
	rule.Status = StatusDisabled
	e.queueBindingVerification(rule)
	rule.Status = prev
}

func (e *Engine) save() {
	if e.requestSave != nil {
		e.requestSave()
	}
}

// VerifyTick is the ~5 s timer: it advances the round-robin iterator by one
// rule, runs the trigger check and then, throttled, the binding
// verification.
func (e *Engine) VerifyTick() {
	if len(e.Rules) == 0 {
		return
	}
	e.verifyIter = (e.verifyIter + 1) % len(e.Rules)
	rule := e.Rules[e.verifyIter]
	if rule.State == RuleDeleted {
		return
	}

	e.triggerRuleIfNeeded(rule)

	if e.pipe.BindingQueueLen() < pipeline.MaxBindingQueue &&
		rule.LastVerify+MaxVerifyDelay <= e.sync.IdleTotal() {
		e.queueBindingVerification(rule)
		rule.LastVerify = e.sync.IdleTotal()
	}
}

// triggerRuleIfNeeded evaluates a periodic rule and replays its actions.
func (e *Engine) triggerRuleIfNeeded(rule *Rule) {
	if !e.connected() {
		return
	}
	if rule.Status != StatusEnabled || rule.State != RuleNormal {
		return
	}
	if rule.TriggerPeriodic < 0 {
		return
	}
	if rule.TriggerPeriodic == 0 {
		// Event-driven; handled reactively on indications.
		return
	}
	if last := rule.lastTriggeredTime(); !last.IsZero() {
		if time.Since(last) < time.Duration(rule.TriggerPeriodic)*time.Millisecond {
			return
		}
	}

	for _, cond := range rule.Conditions {
		if !e.conditionHolds(&cond) {
			return
		}
	}

	triggered := false
	for _, action := range rule.Actions {
		if action.Method != MethodPut {
			continue
		}
		result := e.replay(rule, &action)
		if result == ReplayNotHandled {
			// Abort the remaining actions and leave the trigger metadata
			// untouched.
			return
		}
		triggered = true
	}
	if triggered {
		e.markTriggered(rule)
	}
}

func (e *Engine) markTriggered(rule *Rule) {
	rule.LastTriggered = time.Now().UTC().Format(TimeFormat)
	rule.TimesTriggered++
	e.save()
	e.bus.Emit(bus.Event{Resource: bus.ResourceRules, Type: bus.EventRuleTriggered, ID: rule.ID})
}

// replay synthesizes an internal REST request for an action and routes it
// to the owning resource handler.
func (e *Engine) replay(rule *Rule, action *Action) ReplayResult {
	path := "/api/" + rule.Owner + action.Address
	switch {
	case strings.HasPrefix(action.Address, "/groups"):
		if e.groups == nil {
			return ReplayNotHandled
		}
		return e.groups(action.Method, path, []byte(action.Body))
	case strings.HasPrefix(action.Address, "/lights"):
		if e.lights == nil {
			return ReplayNotHandled
		}
		return e.lights(action.Method, path, []byte(action.Body))
	}
	return ReplayNotHandled
}

// conditionHolds evaluates one condition in the periodic path. Supported
// there: /state/illuminance with lt and gt. A stale attribute fails the
// condition and may arm a forced read.
func (e *Engine) conditionHolds(cond *Condition) bool {
	sensorID, attr, ok := parseSensorAddress(cond.Address)
	if !ok {
		return false
	}
	sensor := e.reg.SensorByID(sensorID)
	if sensor == nil || sensor.Deleted != registry.StateNormal {
		return false
	}
	if !sensor.Config.On || !sensor.Config.Reachable {
		return false
	}

	switch attr {
	case "illuminance":
		key := cache.Key{Ext: sensor.ExtAddr, Cluster: zcl.ClusterIlluminance, Attr: zcl.AttrMeasuredValue}
		now := time.Now()
		if !e.cache.Fresh(key, MaxRuleAttrAge, now) {
			if e.cache.WantsRead(key, MaxRuleAttrAge, now) {
				e.sync.RequestSensorRead(sensor, zcl.ClusterIlluminance, zcl.AttrMeasuredValue)
			}
			return false
		}
		raw, ok := e.cache.Value(key)
		if !ok {
			return false
		}
		lux, ok := toLux(raw)
		if !ok || lux == 0xFFFF {
			return false
		}
		want, err := strconv.Atoi(cond.Value)
		if err != nil {
			return false
		}
		switch cond.Operator {
		case OpLt:
			return int(lux) < want
		case OpGt:
			return int(lux) > want
		}
		return false
	}
	// Button-event conditions are evaluated reactively, not here.
	return false
}

func toLux(v interface{}) (uint32, bool) {
	switch x := v.(type) {
	case uint32:
		return x, true
	case uint16:
		return syncer.LuxFromMeasuredValue(x), true
	}
	return 0, false
}

// parseSensorAddress splits "/sensors/<id>/state/<attr>" or
// "/sensors/<id>/config/<attr>".
func parseSensorAddress(address string) (id, attr string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(address, "/"), "/")
	if len(parts) != 4 || parts[0] != "sensors" {
		return "", "", false
	}
	if parts[2] != "state" && parts[2] != "config" {
		return "", "", false
	}
	return parts[1], parts[3], true
}

// queueBindingVerification maps a rule's topology onto binding tasks: eq
// conditions on buttonevent/illuminance/presence select the source
// (sensor endpoint from the value), BIND actions select the destination and
// the cluster set from the body text.
func (e *Engine) queueBindingVerification(rule *Rule) {
	install := rule.State == RuleNormal && rule.Status == StatusEnabled

	type srcRef struct {
		sensor   *registry.Sensor
		endpoint uint8
		unbind   bool
	}
	var sources []srcRef
	for _, cond := range rule.Conditions {
		if cond.Operator != OpEq {
			continue
		}
		sensorID, attr, ok := parseSensorAddress(cond.Address)
		if !ok {
			continue
		}
		switch attr {
		case "buttonevent", "illuminance", "presence":
		default:
			continue
		}
		sensor := e.reg.SensorByID(sensorID)
		if sensor == nil {
			continue
		}
		ep, err := strconv.Atoi(cond.Value)
		if err != nil || ep < 1 || ep > 254 {
			continue
		}
		node := e.reg.Node(sensor.ExtAddr)
		if node == nil || !node.HasEndpoint(uint8(ep)) {
			continue
		}
		// A sensor switched off forces the wire state off too.
		sources = append(sources, srcRef{sensor: sensor, endpoint: uint8(ep), unbind: !sensor.Config.On})
	}

	for _, action := range rule.Actions {
		if action.Method != MethodBind {
			continue
		}
		dst, ok := e.resolveBindDestination(action.Address)
		if !ok {
			continue
		}
		clusters := clustersForBody(action.Body)
		for _, src := range sources {
			for _, cluster := range clusters {
				bt := &pipeline.BindingTask{
					Action:   pipeline.ActionBind,
					SensorID: src.sensor.ID,
					Binding: aps.BindRequest{
						SrcExt:      src.sensor.ExtAddr,
						SrcEndpoint: src.endpoint,
						ClusterID:   cluster,
						DstMode:     dst.mode,
						DstExt:      dst.ext,
						DstGroup:    dst.group,
						DstEndpoint: dst.endpoint,
					},
				}
				if !install || src.unbind {
					bt.Action = pipeline.ActionUnbind
				}
				e.pipe.QueueBinding(bt)
			}
		}
	}
}

type bindDst struct {
	mode     aps.AddressMode
	ext      uint64
	group    uint16
	endpoint uint8
}

// resolveBindDestination parses "/groups/<n>/action" or "/lights/<n>/state".
func (e *Engine) resolveBindDestination(address string) (bindDst, bool) {
	parts := strings.Split(strings.TrimPrefix(address, "/"), "/")
	if len(parts) != 3 {
		return bindDst{}, false
	}
	switch {
	case parts[0] == "groups" && parts[2] == "action":
		group := e.reg.GroupByID(parts[1])
		if group == nil {
			return bindDst{}, false
		}
		return bindDst{mode: aps.AddrModeGroup, group: group.Address}, true
	case parts[0] == "lights" && parts[2] == "state":
		light := e.reg.LightByID(parts[1])
		if light == nil {
			return bindDst{}, false
		}
		return bindDst{mode: aps.AddrModeExt, ext: light.ExtAddr, endpoint: light.Endpoint}, true
	}
	return bindDst{}, false
}

// clustersForBody selects bound clusters from the action body text.
func clustersForBody(body string) []uint16 {
	var clusters []uint16
	if strings.Contains(body, "on") {
		clusters = append(clusters, zcl.ClusterOnOff)
	}
	if strings.Contains(body, "bri") {
		clusters = append(clusters, zcl.ClusterLevel)
	}
	if strings.Contains(body, "scene") {
		clusters = append(clusters, zcl.ClusterScenes)
	}
	if strings.Contains(body, "illum") {
		clusters = append(clusters, zcl.ClusterIlluminance)
	}
	if strings.Contains(body, "occ") {
		clusters = append(clusters, zcl.ClusterOccupancy)
	}
	return clusters
}
