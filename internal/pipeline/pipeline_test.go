package pipeline

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"zigbee-hue-gateway/internal/aps"
	"zigbee-hue-gateway/internal/registry"
	"zigbee-hue-gateway/internal/zcl"
)

// stubRadio implements aps.Radio, capturing submitted requests.
type stubRadio struct {
	connected bool
	sent      []aps.DataRequest
	binds     []aps.BindRequest
	sendErr   error
}

func (s *stubRadio) DataRequest(req *aps.DataRequest) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, *req)
	return nil
}
func (s *stubRadio) BindRequest(req *aps.BindRequest) error {
	s.binds = append(s.binds, *req)
	return nil
}
func (s *stubRadio) PermitJoin(uint8) error                 { return nil }
func (s *stubRadio) Connected() bool                        { return s.connected }
func (s *stubRadio) OnDataIndication(func(aps.DataIndication)) {}
func (s *stubRadio) OnDataConfirm(func(aps.DataConfirm))       {}
func (s *stubRadio) OnNodeEvent(func(aps.NodeEvent))           {}
func (s *stubRadio) OnGreenPower(func(aps.GreenPowerIndication)) {}
func (s *stubRadio) OnNetworkState(func(bool))                 {}
func (s *stubRadio) Close() error                              { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(radio *stubRadio) *Pipeline {
	return New(radio, 50*time.Millisecond, nil, testLogger())
}

func onOffTask(nwk uint16, on bool) *Task {
	asdu := zcl.BuildOnOff(1, on)
	return &Task{
		Type: TaskOnOff,
		Req: aps.DataRequest{
			DstAddress:  aps.NwkAddress(nwk),
			DstEndpoint: 1,
			SrcEndpoint: 1,
			ProfileID:   0x0104,
			ClusterID:   zcl.ClusterOnOff,
			ASDU:        asdu,
		},
	}
}

func readTask(nwk uint16, cluster uint16) *Task {
	asdu := zcl.BuildReadAttributes(1, []uint16{0x0000})
	return &Task{
		Type: TaskReadAttributes,
		Req: aps.DataRequest{
			DstAddress:  aps.NwkAddress(nwk),
			DstEndpoint: 1,
			SrcEndpoint: 1,
			ProfileID:   0x0104,
			ClusterID:   cluster,
			ASDU:        asdu,
		},
	}
}

func TestEnqueueBound(t *testing.T) {
	p := newTestPipeline(&stubRadio{connected: true})
	for i := 0; i < MaxTasks; i++ {
		if err := p.Enqueue(readTask(uint16(i), zcl.ClusterBasic)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	err := p.Enqueue(readTask(0x1000, zcl.ClusterBasic))
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("21st enqueue = %v, want ErrQueueFull", err)
	}
}

func TestEnqueueNotInNetwork(t *testing.T) {
	p := newTestPipeline(&stubRadio{connected: false})
	if err := p.Enqueue(onOffTask(1, true)); !errors.Is(err, ErrNotInNetwork) {
		t.Errorf("enqueue = %v, want ErrNotInNetwork", err)
	}
}

func TestCoalescingReplace(t *testing.T) {
	p := newTestPipeline(&stubRadio{connected: true})

	// Two set-on/off tasks to the same destination coalesce in place.
	if err := p.Enqueue(onOffTask(0x1234, true)); err != nil {
		t.Fatal(err)
	}
	if err := p.Enqueue(onOffTask(0x1234, false)); err != nil {
		t.Fatal(err)
	}
	if p.TaskCount() != 1 {
		t.Errorf("task count = %d, want 1 (coalesced)", p.TaskCount())
	}

	// Read-attribute tasks never coalesce.
	if err := p.Enqueue(readTask(0x1234, zcl.ClusterBasic)); err != nil {
		t.Fatal(err)
	}
	if err := p.Enqueue(readTask(0x1234, zcl.ClusterBasic)); err != nil {
		t.Fatal(err)
	}
	if p.TaskCount() != 3 {
		t.Errorf("task count = %d, want 3", p.TaskCount())
	}
}

func TestDispatchOnePerTick(t *testing.T) {
	radio := &stubRadio{connected: true}
	p := newTestPipeline(radio)
	p.Enqueue(onOffTask(0x0001, true))
	p.Enqueue(onOffTask(0x0002, true))

	now := time.Now()
	p.Dispatch(now)
	if len(radio.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(radio.sent))
	}
	p.Dispatch(now)
	if len(radio.sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(radio.sent))
	}
}

func TestPerDestinationSerialization(t *testing.T) {
	radio := &stubRadio{connected: true}
	p := newTestPipeline(radio)
	p.Enqueue(onOffTask(0x0001, true))
	p.Enqueue(readTask(0x0001, zcl.ClusterBasic))
	p.Enqueue(onOffTask(0x0002, true))

	now := time.Now()
	p.Dispatch(now)
	p.Dispatch(now)
	p.Dispatch(now)

	// The second task for 0x0001 must wait for the confirm; 0x0002 may
	// proceed.
	if len(radio.sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(radio.sent))
	}
	if radio.sent[0].DstAddress.Nwk != 0x0001 || radio.sent[1].DstAddress.Nwk != 0x0002 {
		t.Errorf("destinations = %v, %v", radio.sent[0].DstAddress, radio.sent[1].DstAddress)
	}
	for i := range radio.sent {
		for j := range radio.sent {
			if i != j && radio.sent[i].DstAddress.Equal(radio.sent[j].DstAddress) {
				t.Error("two in-flight requests to the same destination")
			}
		}
	}

	// After the confirm, the held task goes out.
	p.HandleConfirm(aps.DataConfirm{ID: radio.sent[0].ID, Status: aps.ConfirmSuccess})
	p.Dispatch(now)
	if len(radio.sent) != 3 {
		t.Fatalf("sent = %d, want 3 after confirm", len(radio.sent))
	}
}

func TestConfirmCorrelation(t *testing.T) {
	radio := &stubRadio{connected: true}
	p := newTestPipeline(radio)
	p.Enqueue(onOffTask(0x0001, true))
	p.Dispatch(time.Now())
	if p.RunningCount() != 1 {
		t.Fatalf("running = %d", p.RunningCount())
	}
	id := radio.sent[0].ID

	p.HandleConfirm(aps.DataConfirm{ID: id, Status: aps.ConfirmSuccess})
	if p.RunningCount() != 0 {
		t.Error("confirm did not remove running task")
	}
	// A second confirm with the same id finds nothing; no panic, no state
	// change.
	p.HandleConfirm(aps.DataConfirm{ID: id, Status: aps.ConfirmSuccess})
	if p.RunningCount() != 0 {
		t.Error("stray confirm mutated running set")
	}
}

func TestNoAckReschedulesGroupQuery(t *testing.T) {
	radio := &stubRadio{connected: true}
	p := newTestPipeline(radio)
	task := readTask(0x0001, zcl.ClusterGroups)
	task.Type = TaskGetGroupMembership
	p.Enqueue(task)
	p.Dispatch(time.Now())

	p.HandleConfirm(aps.DataConfirm{ID: radio.sent[0].ID, Status: aps.ConfirmNoAck})
	if p.TaskCount() != 1 {
		t.Fatalf("task not rescheduled")
	}
	// The rescheduled task has a long hold-off; an immediate dispatch must
	// not send it.
	p.Dispatch(time.Now())
	if len(radio.sent) != 1 {
		t.Error("rescheduled task sent before its delay")
	}
}

func TestFireAndForget(t *testing.T) {
	radio := &stubRadio{connected: true}
	p := newTestPipeline(radio)
	task := onOffTask(0, true)
	task.Req.DstAddress = aps.GroupAddress(3)
	task.FireAndForget = true
	p.Enqueue(task)
	p.Dispatch(time.Now())
	if len(radio.sent) != 1 {
		t.Fatalf("sent = %d", len(radio.sent))
	}
	if p.RunningCount() != 0 {
		t.Error("fire-and-forget task entered running set")
	}
}

func TestGroupSendDelay(t *testing.T) {
	radio := &stubRadio{connected: true}
	p := newTestPipeline(radio)

	mkGroup := func(on bool) *Task {
		task := onOffTask(0, on)
		task.Req.DstAddress = aps.GroupAddress(3)
		task.Req.ASDU = zcl.BuildMoveToLevel(1, 10, 0) // distinct size, no coalesce
		task.Type = TaskSetLevel
		task.FireAndForget = true
		return task
	}
	t0 := time.Now()
	p.Enqueue(mkGroup(true))
	p.Dispatch(t0)
	task2 := onOffTask(0, true)
	task2.Req.DstAddress = aps.GroupAddress(3)
	task2.FireAndForget = true
	p.Enqueue(task2)

	// Within the delay window nothing goes out to the group.
	p.Dispatch(t0.Add(10 * time.Millisecond))
	if len(radio.sent) != 1 {
		t.Fatalf("sent = %d inside delay window", len(radio.sent))
	}
	p.Dispatch(t0.Add(60 * time.Millisecond))
	if len(radio.sent) != 2 {
		t.Fatalf("sent = %d after delay window", len(radio.sent))
	}
}

func TestClearOnNetworkDown(t *testing.T) {
	radio := &stubRadio{connected: true}
	p := newTestPipeline(radio)
	p.Enqueue(onOffTask(0x0001, true))
	p.Enqueue(onOffTask(0x0002, true))
	p.Dispatch(time.Now())

	radio.connected = false
	p.Dispatch(time.Now())
	if p.TaskCount() != 0 || p.RunningCount() != 0 {
		t.Errorf("queues not cleared: tasks=%d running=%d", p.TaskCount(), p.RunningCount())
	}
}

func TestUnavailableDestinationDropped(t *testing.T) {
	radio := &stubRadio{connected: true}
	p := New(radio, 50*time.Millisecond, func(addr aps.Address) bool {
		return addr.Nwk != 0x0BAD
	}, testLogger())
	p.Enqueue(onOffTask(0x0BAD, true))
	p.Enqueue(onOffTask(0x0001, true))
	p.Dispatch(time.Now())
	if len(radio.sent) != 1 || radio.sent[0].DstAddress.Nwk != 0x0001 {
		t.Fatalf("sent = %+v", radio.sent)
	}
	if p.TaskCount() != 0 {
		t.Error("unavailable task not dropped")
	}
}

func TestBindingQueueDedup(t *testing.T) {
	p := newTestPipeline(&stubRadio{connected: true})
	bt := func() *BindingTask {
		return &BindingTask{
			Action: ActionBind,
			Binding: aps.BindRequest{
				SrcExt: 0xAA, SrcEndpoint: 2, ClusterID: zcl.ClusterLevel,
				DstMode: aps.AddrModeExt, DstExt: 0xBB, DstEndpoint: 1,
			},
		}
	}
	if !p.QueueBinding(bt()) || !p.QueueBinding(bt()) {
		t.Fatal("queue binding failed")
	}
	if p.BindingQueueLen() != 1 {
		t.Errorf("binding queue = %d, want 1 (dedup)", p.BindingQueueLen())
	}
	// Same binding with unbind action is a distinct task.
	unbind := bt()
	unbind.Action = ActionUnbind
	p.QueueBinding(unbind)
	if p.BindingQueueLen() != 2 {
		t.Errorf("binding queue = %d, want 2", p.BindingQueueLen())
	}
}

func TestBindingStateMachine(t *testing.T) {
	radio := &stubRadio{connected: true}
	p := newTestPipeline(radio)
	reg := registry.New(testLogger())
	node := reg.EnsureNode(0xAA)
	node.NwkAddr = 0x1111
	node.ActiveEndpoints = []uint8{2}

	p.QueueBinding(&BindingTask{
		Action: ActionBind,
		Binding: aps.BindRequest{
			SrcExt: 0xAA, SrcEndpoint: 2, ClusterID: zcl.ClusterLevel,
			DstMode: aps.AddrModeExt, DstExt: 0xBB, DstEndpoint: 1,
		},
	})

	now := time.Now()
	p.ProcessBindings(reg, now) // Idle -> Check
	if len(radio.binds) != 0 {
		t.Fatal("bind sent in Check transition")
	}
	p.ProcessBindings(reg, now) // Check -> InProgress (request submitted)
	if len(radio.binds) != 1 {
		t.Fatalf("binds = %d, want 1", len(radio.binds))
	}
	if radio.binds[0].TargetNwk != 0x1111 || radio.binds[0].Unbind {
		t.Errorf("bind req = %+v", radio.binds[0])
	}
	p.ProcessBindings(reg, now) // InProgress -> Finished
	p.ProcessBindings(reg, now) // Finished removed
	if p.BindingQueueLen() != 0 {
		t.Errorf("binding queue = %d, want 0", p.BindingQueueLen())
	}
}

func TestBindingRetainedWhileSourceOffline(t *testing.T) {
	radio := &stubRadio{connected: true}
	p := newTestPipeline(radio)
	reg := registry.New(testLogger())
	node := reg.EnsureNode(0xAA)
	node.Zombie = true

	p.QueueBinding(&BindingTask{
		Action: ActionUnbind,
		Binding: aps.BindRequest{
			SrcExt: 0xAA, SrcEndpoint: 2, ClusterID: zcl.ClusterOnOff,
			DstMode: aps.AddrModeGroup, DstGroup: 4,
		},
	})
	now := time.Now()
	for i := 0; i < 5; i++ {
		p.ProcessBindings(reg, now)
	}
	if p.BindingQueueLen() != 1 {
		t.Fatal("unbind task dropped while source offline")
	}
	if len(radio.binds) != 0 {
		t.Fatal("unbind sent to zombie node")
	}

	// Device comes back: the retained unbind goes out.
	node.Zombie = false
	node.NwkAddr = 0x1111
	p.ProcessBindings(reg, now)
	if len(radio.binds) != 1 || !radio.binds[0].Unbind {
		t.Fatalf("binds = %+v", radio.binds)
	}
}
