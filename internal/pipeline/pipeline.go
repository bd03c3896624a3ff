// Package pipeline owns the outbound radio path: a bounded task queue with
// per-destination serialization, a group send-rate limiter, correlation of
// requests against asynchronous confirms, and the binding task queue.
package pipeline

import (
	"errors"
	"log/slog"
	"time"

	"zigbee-hue-gateway/internal/aps"
)

// TaskType classifies an outbound request. Types listed in nonIdempotent
// are never coalesced.
type TaskType int

const (
	TaskNone TaskType = iota
	TaskOnOff
	TaskSetLevel
	TaskSetColor
	TaskSetColorTemperature
	TaskSetColorLoop
	TaskReadAttributes
	TaskWriteAttribute
	TaskGetGroupMembership
	TaskGetGroupIdentifiers
	TaskAddGroup
	TaskRemoveGroup
	TaskStoreScene
	TaskRemoveScene
	TaskAddScene
	TaskViewScene
	TaskRecallScene
	TaskGetSceneMembership
)

// Queue bounds.
const (
	MaxTasks        = 20
	MaxRunning      = 4
	MaxGroupTasks   = 4
	MaxBindingQueue = 16
)

// NoAckRescheduleDelay is applied when a group-identifiers or
// group-membership query is not acknowledged; the node is likely asleep, so retrying soon is pointless.
const NoAckRescheduleDelay = 5 * time.Minute

var (
	ErrQueueFull    = errors.New("pipeline: task queue full")
	ErrNotInNetwork = errors.New("pipeline: not in network")
)

// Task is one outbound request with its dispatch metadata.
type Task struct {
	Type          TaskType
	Req           aps.DataRequest
	FireAndForget bool
	NotBefore     time.Time
}

// Pipeline serializes outbound traffic. It lives on the event loop; no
// internal locking.
type Pipeline struct {
	radio  aps.Radio
	logger *slog.Logger

	tasks   []*Task
	running []*Task
	binding []*BindingTask

	groupLastSend  map[uint16]time.Time
	groupSendDelay time.Duration

	// isAvailable reports whether a unicast destination is worth sending
	// to; unreachable destinations have their tasks dropped.
	isAvailable func(aps.Address) bool

	apsSeq uint8
	zclSeq uint8

	groupIter int
}

// New creates a pipeline. isAvailable may be nil, in which case every
// destination is considered available.
func New(radio aps.Radio, groupSendDelay time.Duration, isAvailable func(aps.Address) bool, logger *slog.Logger) *Pipeline {
	if isAvailable == nil {
		isAvailable = func(aps.Address) bool { return true }
	}
	return &Pipeline{
		radio:          radio,
		logger:         logger.With("component", "pipeline"),
		groupLastSend:  make(map[uint16]time.Time),
		groupSendDelay: groupSendDelay,
		isAvailable:    isAvailable,
	}
}

// NextZCLSeq allocates a ZCL transaction sequence number.
func (p *Pipeline) NextZCLSeq() uint8 {
	p.zclSeq++
	return p.zclSeq
}

// TaskCount returns the number of queued (not yet running) tasks.
func (p *Pipeline) TaskCount() int { return len(p.tasks) }

// RunningCount returns the number of in-flight tasks.
func (p *Pipeline) RunningCount() int { return len(p.running) }

// BindingQueueLen returns the number of pending binding tasks.
func (p *Pipeline) BindingQueueLen() int { return len(p.binding) }

func nonIdempotent(t TaskType) bool {
	switch t {
	case TaskReadAttributes, TaskWriteAttribute,
		TaskStoreScene, TaskRemoveScene, TaskAddScene, TaskViewScene,
		TaskGetGroupMembership, TaskGetGroupIdentifiers, TaskGetSceneMembership:
		return true
	}
	return false
}

// Enqueue adds a task. Idempotent set-state tasks replace an existing queued
// task with the same destination, profile, cluster, tx options and payload
// size, coalescing redundant writes. Returns ErrQueueFull at the bound and
// ErrNotInNetwork when the radio is down.
func (p *Pipeline) Enqueue(task *Task) error {
	if !p.radio.Connected() {
		return ErrNotInNetwork
	}
	if !nonIdempotent(task.Type) {
		for i, existing := range p.tasks {
			if existing.Type == task.Type &&
				existing.Req.DstAddress.Equal(task.Req.DstAddress) &&
				existing.Req.DstEndpoint == task.Req.DstEndpoint &&
				existing.Req.SrcEndpoint == task.Req.SrcEndpoint &&
				existing.Req.ProfileID == task.Req.ProfileID &&
				existing.Req.ClusterID == task.Req.ClusterID &&
				existing.Req.TxOptions == task.Req.TxOptions &&
				len(existing.Req.ASDU) == len(task.Req.ASDU) {
				p.tasks[i] = task
				return nil
			}
		}
	}
	if len(p.tasks) >= MaxTasks {
		return ErrQueueFull
	}
	p.tasks = append(p.tasks, task)
	return nil
}

// Dispatch is the ~100 ms tick: submits at most one ready task, enforcing
// per-destination serialization and the group send-delay window.
func (p *Pipeline) Dispatch(now time.Time) {
	if !p.radio.Connected() {
		p.Clear()
		return
	}
	if len(p.running) >= MaxRunning {
		return
	}
	for i := 0; i < len(p.tasks); i++ {
		task := p.tasks[i]
		if now.Before(task.NotBefore) {
			continue
		}
		if !task.Req.DstAddress.IsGroup() && !p.isAvailable(task.Req.DstAddress) {
			p.logger.Debug("dropping task for unavailable destination", "type", task.Type)
			p.tasks = append(p.tasks[:i], p.tasks[i+1:]...)
			i--
			continue
		}
		if p.destinationBusy(task.Req.DstAddress) {
			continue
		}
		if task.Req.DstAddress.IsGroup() {
			last := p.groupLastSend[task.Req.DstAddress.Group]
			if now.Sub(last) < p.groupSendDelay {
				continue
			}
		}
		p.apsSeq++
		task.Req.ID = p.apsSeq
		if err := p.radio.DataRequest(&task.Req); err != nil {
			p.logger.Warn("data request failed", "type", task.Type, "err", err)
			return
		}
		if task.Req.DstAddress.IsGroup() {
			p.groupLastSend[task.Req.DstAddress.Group] = now
		}
		if !task.FireAndForget {
			p.running = append(p.running, task)
		}
		p.tasks = append(p.tasks[:i], p.tasks[i+1:]...)
		return
	}
}

func (p *Pipeline) destinationBusy(addr aps.Address) bool {
	for _, t := range p.running {
		if t.Req.DstAddress.Equal(addr) {
			return true
		}
	}
	return false
}

// HandleConfirm correlates a radio confirm with its running task. A NoAck on
// a group-identifiers or group-membership query is rescheduled with a long
// delay; any other non-success is logged and left for the next synchronizer
// pass.
func (p *Pipeline) HandleConfirm(conf aps.DataConfirm) {
	for i, t := range p.running {
		if t.Req.ID != conf.ID {
			continue
		}
		p.running = append(p.running[:i], p.running[i+1:]...)
		if conf.Status == aps.ConfirmSuccess {
			return
		}
		if conf.Status == aps.ConfirmNoAck &&
			(t.Type == TaskGetGroupIdentifiers || t.Type == TaskGetGroupMembership) {
			t.NotBefore = time.Now().Add(NoAckRescheduleDelay)
			if len(p.tasks) < MaxTasks {
				p.tasks = append(p.tasks, t)
			}
			return
		}
		p.logger.Warn("confirm with non-success status",
			"id", conf.ID, "status", conf.Status, "type", t.Type)
		return
	}
	p.logger.Debug("confirm without running task", "id", conf.ID)
}

// Clear drops all queued and running tasks. Called when the network goes
// down; callers treat the synchronizer's next pass as the retry.
func (p *Pipeline) Clear() {
	p.tasks = p.tasks[:0]
	p.running = p.running[:0]
	p.groupLastSend = make(map[uint16]time.Time)
}
