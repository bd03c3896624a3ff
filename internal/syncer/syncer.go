// Package syncer reconciles the gateway's cached model against cluster
// ground truth: it schedules lazy attribute refresh from an idle timer,
// drains pending read/write flags on a dedicated tick, and folds inbound
// indications into the attribute cache and the node registry.
package syncer

import (
	"log/slog"
	"math"
	"time"

	"zigbee-hue-gateway/internal/aps"
	"zigbee-hue-gateway/internal/bus"
	"zigbee-hue-gateway/internal/cache"
	"zigbee-hue-gateway/internal/pipeline"
	"zigbee-hue-gateway/internal/registry"
	"zigbee-hue-gateway/internal/zcl"
)

// Config holds the synchronizer tunables. The three limits are in seconds;
// GatewayExt is the destination address of attribute-report bindings.
type Config struct {
	IdleUserLimit           int64
	IdleReadLimit           int64
	IdleAttrReportBindLimit int64
	GatewayExt              uint64
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		IdleUserLimit:           20,
		IdleReadLimit:           120,
		IdleAttrReportBindLimit: 1800,
	}
}

// Manufacturers known to keep a working binding table; only these get
// attribute-report bindings installed.
var bindWhitelist = map[string]bool{
	"Philips":         true,
	"IKEA of Sweden":  true,
	"ubisys":          true,
	"OSRAM":           true,
}

// Syncer drives reconciliation. It lives on the event loop.
type Syncer struct {
	reg    *registry.Registry
	cache  *cache.Cache
	pipe   *pipeline.Pipeline
	bus    *bus.Bus
	cfg    Config
	logger *slog.Logger

	idleTotal        int64
	lastUserActivity time.Time

	lightIter  int
	sensorIter int
}

// New creates a synchronizer.
func New(reg *registry.Registry, c *cache.Cache, pipe *pipeline.Pipeline, b *bus.Bus, cfg Config, logger *slog.Logger) *Syncer {
	return &Syncer{
		reg:              reg,
		cache:            c,
		pipe:             pipe,
		bus:              b,
		cfg:              cfg,
		logger:           logger.With("component", "syncer"),
		lastUserActivity: time.Now(),
	}
}

// IdleTotal returns the idle-second counter since process start.
func (s *Syncer) IdleTotal() int64 { return s.idleTotal }

// TouchUserActivity resets the idle countdown; called on every external
// REST write.
func (s *Syncer) TouchUserActivity() {
	s.lastUserActivity = time.Now()
}

// IdleTick is the ~1 s timer. After IdleUserLimit seconds without REST
// writes it walks lights and sensors round-robin, arming pending read flags
// on entities whose last refresh is older than IdleReadLimit and scheduling
// report-binding reinstalls past IdleAttrReportBindLimit.
func (s *Syncer) IdleTick() {
	s.idleTotal++
	if time.Since(s.lastUserActivity) < time.Duration(s.cfg.IdleUserLimit)*time.Second {
		return
	}

	if n := len(s.reg.Lights); n > 0 {
		s.lightIter = (s.lightIter + 1) % n
		light := s.reg.Lights[s.lightIter]
		if light.Reachable {
			if light.LastRead < s.idleTotal-s.cfg.IdleReadLimit {
				light.Pending |= registry.ReadOnOff | registry.ReadLevel | registry.ReadColor |
					registry.ReadGroups | registry.ReadScenes |
					registry.ReadModelID | registry.ReadSWBuild | registry.ReadVendor
				light.LastRead = s.idleTotal
			}
			if light.LastAttributeReportBind < s.idleTotal-s.cfg.IdleAttrReportBindLimit {
				light.Pending |= registry.ReadBindingTable
				light.LastAttributeReportBind = s.idleTotal
			}
		}
	}

	if n := len(s.reg.Sensors); n > 0 {
		s.sensorIter = (s.sensorIter + 1) % n
		sensor := s.reg.Sensors[s.sensorIter]
		if sensor.Deleted == registry.StateNormal && sensor.Config.Reachable && !sensor.IsGreenPower() {
			// Occupancy config drifts on power cycles; re-read it with the
			// same cadence as the light attributes.
			if sensor.Type == registry.TypeZHAPresence {
				key := cache.Key{Ext: sensor.ExtAddr, Cluster: zcl.ClusterOccupancy, Attr: zcl.AttrPIROccToUno}
				maxAge := time.Duration(s.cfg.IdleReadLimit) * time.Second
				if s.cache.WantsRead(key, maxAge, time.Now()) {
					s.RequestSensorRead(sensor, zcl.ClusterOccupancy, zcl.AttrPIROccToUno)
				}
			}
		}
	}
}

// AttrTick is the ~750 ms timer draining pending flags, at most two ZCL
// operations per entity per tick, in the fixed priority order.
func (s *Syncer) AttrTick() {
	for range s.reg.Lights {
		s.lightIter = (s.lightIter + 1) % len(s.reg.Lights)
		light := s.reg.Lights[s.lightIter]
		if light.Pending == 0 || !light.Reachable {
			continue
		}
		node := s.reg.Node(light.ExtAddr)
		if node == nil || node.Zombie {
			continue
		}
		ops := 0
		s.processLightFlags(light, node, &ops)
		if ops > 0 {
			return
		}
	}
}

type flagOp struct {
	flag    registry.ReadFlags
	cluster uint16
	attrs   []uint16
}

// Priority order: binding table, vendor, model, sw build, on/off, level,
// color, groups, scene membership.
var lightFlagOps = []flagOp{
	{registry.ReadVendor, zcl.ClusterBasic, []uint16{zcl.AttrBasicManufacturer}},
	{registry.ReadModelID, zcl.ClusterBasic, []uint16{zcl.AttrBasicModelID}},
	{registry.ReadSWBuild, zcl.ClusterBasic, []uint16{zcl.AttrBasicSWBuildID}},
	{registry.ReadOnOff, zcl.ClusterOnOff, []uint16{zcl.AttrOnOff}},
	{registry.ReadLevel, zcl.ClusterLevel, []uint16{zcl.AttrCurrentLevel}},
	{registry.ReadColor, zcl.ClusterColor, []uint16{
		zcl.AttrCurrentHue, zcl.AttrCurrentSat, zcl.AttrCurrentX, zcl.AttrCurrentY,
		zcl.AttrColorTemperature, zcl.AttrColorMode, zcl.AttrColorLoopActive}},
}

func (s *Syncer) processLightFlags(light *registry.Light, node *registry.Node, ops *int) {
	const maxOps = 2

	if *ops < maxOps && light.Pending&registry.ReadBindingTable != 0 {
		if bindWhitelist[light.Manufacturer] {
			s.installReportBindings(light)
			*ops++
		}
		light.Pending &^= registry.ReadBindingTable
	}

	for _, op := range lightFlagOps {
		if *ops >= maxOps {
			return
		}
		if light.Pending&op.flag == 0 {
			continue
		}
		if s.enqueueRead(light, node, op.cluster, op.attrs) {
			light.Pending &^= op.flag
			*ops++
		}
	}

	if *ops < maxOps && light.Pending&registry.ReadGroups != 0 {
		asdu := zcl.BuildGetGroupMembership(s.pipe.NextZCLSeq())
		if s.enqueueCluster(light, node, zcl.ClusterGroups, pipeline.TaskGetGroupMembership, asdu) {
			light.Pending &^= registry.ReadGroups
			*ops++
		}
	}
	if *ops < maxOps && light.Pending&registry.ReadScenes != 0 {
		for _, gi := range light.Groups {
			if gi.State != registry.InGroup {
				continue
			}
			asdu := zcl.BuildSceneCommand(s.pipe.NextZCLSeq(), zcl.CmdGetSceneMembership, gi.Group, 0, false)
			if !s.enqueueCluster(light, node, zcl.ClusterScenes, pipeline.TaskGetSceneMembership, asdu) {
				return
			}
		}
		light.Pending &^= registry.ReadScenes
		*ops++
	}
	if *ops < maxOps && light.Pending&registry.ReadSceneDetails != 0 {
		for _, gi := range light.Groups {
			group := s.reg.GroupByAddress(gi.Group)
			if group == nil {
				continue
			}
			for _, scene := range group.Scenes {
				if scene.Deleted {
					continue
				}
				asdu := zcl.BuildSceneCommand(s.pipe.NextZCLSeq(), zcl.CmdViewScene, gi.Group, scene.ID, true)
				if !s.enqueueCluster(light, node, zcl.ClusterScenes, pipeline.TaskViewScene, asdu) {
					return
				}
			}
		}
		light.Pending &^= registry.ReadSceneDetails
		*ops++
	}
}

func (s *Syncer) enqueueRead(light *registry.Light, node *registry.Node, cluster uint16, attrs []uint16) bool {
	asdu := zcl.BuildReadAttributes(s.pipe.NextZCLSeq(), attrs)
	if !s.enqueueCluster(light, node, cluster, pipeline.TaskReadAttributes, asdu) {
		return false
	}
	now := time.Now()
	for _, a := range attrs {
		s.cache.MarkReadRequest(cache.Key{Ext: light.ExtAddr, Cluster: cluster, Attr: a}, now)
	}
	return true
}

func (s *Syncer) enqueueCluster(light *registry.Light, node *registry.Node, cluster uint16, taskType pipeline.TaskType, asdu []byte) bool {
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
	if err := s.pipe.Enqueue(task); err != nil {
		return false
	}
	return true
}

// installReportBindings queues attribute-report bindings towards the
// gateway for the clusters a light reports on.
func (s *Syncer) installReportBindings(light *registry.Light) {
	for _, cluster := range []uint16{zcl.ClusterOnOff, zcl.ClusterLevel} {
		s.pipe.QueueBinding(&pipeline.BindingTask{
			Action: pipeline.ActionBind,
			Binding: aps.BindRequest{
				SrcExt:      light.ExtAddr,
				SrcEndpoint: light.Endpoint,
				ClusterID:   cluster,
				DstMode:     aps.AddrModeExt,
				DstExt:      s.cfg.GatewayExt,
				DstEndpoint: 0x01,
			},
		})
	}
}

// RequestSensorRead arms a forced read of one sensor attribute; used by the
// rules engine when a condition's attribute went stale.
func (s *Syncer) RequestSensorRead(sensor *registry.Sensor, cluster uint16, attr uint16) {
	node := s.reg.Node(sensor.ExtAddr)
	if node == nil || node.Zombie {
		return
	}
	asdu := zcl.BuildReadAttributes(s.pipe.NextZCLSeq(), []uint16{attr})
	task := &pipeline.Task{
		Type: pipeline.TaskReadAttributes,
		Req: aps.DataRequest{
			DstAddress:  aps.NwkAddress(node.NwkAddr),
			DstEndpoint: sensor.Fingerprint.Endpoint,
			SrcEndpoint: 0x01,
			ProfileID:   sensor.Fingerprint.ProfileID,
			ClusterID:   cluster,
			ASDU:        asdu,
			TxOptions:   aps.TxOptionsAckedTx,
		},
	}
	if err := s.pipe.Enqueue(task); err != nil {
		s.logger.Debug("forced sensor read not enqueued", "err", err)
		return
	}
	s.cache.MarkReadRequest(cache.Key{Ext: sensor.ExtAddr, Cluster: cluster, Attr: attr}, time.Now())
}

// WriteOccupancyDuration queues the PIR occupied-to-unoccupied delay write.
// The duration is bounded to [0, 65535].
func (s *Syncer) WriteOccupancyDuration(sensor *registry.Sensor, duration int) bool {
	if duration < 0 || duration > math.MaxUint16 {
		return false
	}
	node := s.reg.Node(sensor.ExtAddr)
	if node == nil {
		return false
	}
	asdu, err := zcl.BuildWriteAttribute(s.pipe.NextZCLSeq(), zcl.AttrPIROccToUno, zcl.TypeUint16, duration)
	if err != nil {
		return false
	}
	task := &pipeline.Task{
		Type: pipeline.TaskWriteAttribute,
		Req: aps.DataRequest{
			DstAddress:  aps.NwkAddress(node.NwkAddr),
			DstEndpoint: sensor.Fingerprint.Endpoint,
			SrcEndpoint: 0x01,
			ProfileID:   sensor.Fingerprint.ProfileID,
			ClusterID:   zcl.ClusterOccupancy,
			ASDU:        asdu,
			TxOptions:   aps.TxOptionsAckedTx,
		},
	}
	return s.pipe.Enqueue(task) == nil
}

// HandleNodeEvent admits lights/sensors from descriptors and recomputes
// reachability.
func (s *Syncer) HandleNodeEvent(evt aps.NodeEvent) {
	switch evt.Type {
	case aps.NodeJoined, aps.NodeAnnounce, aps.NodeUpdated:
		for _, l := range s.reg.AddLightsFromNode(evt) {
			s.bus.Emit(bus.Event{Resource: bus.ResourceLights, Type: bus.EventAdded, ID: l.ID})
		}
		for _, sensor := range s.reg.AddSensorsFromNode(evt) {
			s.bus.Emit(bus.Event{Resource: bus.ResourceSensors, Type: bus.EventAdded, ID: sensor.ID})
		}
	case aps.NodeZombieChanged, aps.NodeLeft:
		node := s.reg.EnsureNode(evt.ExtAddr)
		node.ApplyEvent(evt)
		if evt.Type == aps.NodeLeft {
			node.Zombie = true
		}
	}
	for _, path := range s.reg.UpdateReachability(evt.ExtAddr) {
		s.bus.Emit(bus.Event{Resource: resourceOf(path), Type: bus.EventChanged, ID: idOf(path)})
	}
}

func resourceOf(path string) string {
	if len(path) > 8 && path[:8] == "/lights/" {
		return bus.ResourceLights
	}
	return bus.ResourceSensors
}

func idOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// LuxFromMeasuredValue converts the ZigBee illuminance measured value to
// lux. 0 and 0xFFFF are invalid and map to the 0xFFFF sentinel.
func LuxFromMeasuredValue(z uint16) uint32 {
	if z == 0 || z == 0xFFFF {
		return 0xFFFF
	}
	return uint32(math.Pow(10, float64(z)/10000.0) - 1)
}
