package pipeline

import (
	"time"

	"zigbee-hue-gateway/internal/aps"
	"zigbee-hue-gateway/internal/registry"
)

// BindingState is the lifecycle of a pending binding task.
type BindingState int

const (
	BindIdle BindingState = iota
	BindCheck
	BindInProgress
	BindFinished
)

// BindingAction selects install or removal.
type BindingAction int

const (
	ActionBind BindingAction = iota
	ActionUnbind
)

// BindingTask wraps one bind/unbind against a source device. SensorID is a
// weak back-reference revalidated before use.
type BindingTask struct {
	State    BindingState
	Action   BindingAction
	Binding  aps.BindRequest
	SensorID string
}

func (bt *BindingTask) equal(o *BindingTask) bool {
	a, b := bt.Binding, o.Binding
	return bt.Action == o.Action &&
		a.SrcExt == b.SrcExt && a.SrcEndpoint == b.SrcEndpoint &&
		a.ClusterID == b.ClusterID && a.DstMode == b.DstMode &&
		a.DstExt == b.DstExt && a.DstGroup == b.DstGroup &&
		a.DstEndpoint == b.DstEndpoint
}

// QueueBinding inserts a binding task unless an equal one is already queued.
// Returns false when the queue is at its bound.
func (p *Pipeline) QueueBinding(task *BindingTask) bool {
	for _, existing := range p.binding {
		if existing.equal(task) {
			return true
		}
	}
	if len(p.binding) >= MaxBindingQueue {
		return false
	}
	task.State = BindIdle
	p.binding = append(p.binding, task)
	return true
}

// ProcessBindings advances each binding task one state per call:
// Idle → Check revalidates the sensor back-reference, Check → InProgress
// submits the request once the source node is reachable, InProgress →
// Finished, and Finished entries are removed. An unbind whose source is
// offline stays in Check until it can be confirmed on the wire.
func (p *Pipeline) ProcessBindings(reg *registry.Registry, now time.Time) {
	if !p.radio.Connected() {
		return
	}
	kept := p.binding[:0]
	for _, bt := range p.binding {
		switch bt.State {
		case BindIdle:
			bt.State = BindCheck
			kept = append(kept, bt)
		case BindCheck:
			if bt.SensorID != "" {
				sensor := reg.SensorByID(bt.SensorID)
				if sensor == nil {
					// Source record gone entirely; nothing to act on.
					continue
				}
			}
			node := reg.Node(bt.Binding.SrcExt)
			if node == nil || node.Zombie {
				// Source offline. Keep the task; the unbind (or bind)
				// happens when the device shows up again.
				kept = append(kept, bt)
				continue
			}
			req := bt.Binding
			req.TargetNwk = node.NwkAddr
			req.Unbind = bt.Action == ActionUnbind
			if err := p.radio.BindRequest(&req); err != nil {
				p.logger.Warn("bind request failed", "err", err, "sensor", bt.SensorID)
				kept = append(kept, bt)
				continue
			}
			bt.State = BindInProgress
			kept = append(kept, bt)
		case BindInProgress:
			bt.State = BindFinished
			kept = append(kept, bt)
		case BindFinished:
			// dropped
		}
	}
	p.binding = kept
}
