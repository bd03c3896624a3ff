package bus

import (
	"io"
	"log/slog"
	"testing"
)

func newTestBus() *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSubscribeByResource(t *testing.T) {
	b := newTestBus()
	var lights, all int
	b.Subscribe(ResourceLights, func(Event) { lights++ })
	b.Subscribe("", func(Event) { all++ })

	b.Emit(Event{Resource: ResourceLights, Type: EventChanged, ID: "1"})
	b.Emit(Event{Resource: ResourceSensors, Type: EventChanged, ID: "2"})

	if lights != 1 {
		t.Errorf("lights handler fired %d times", lights)
	}
	if all != 2 {
		t.Errorf("catch-all handler fired %d times", all)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus()
	var n int
	unsub := b.Subscribe(ResourceRules, func(Event) { n++ })
	b.Emit(Event{Resource: ResourceRules, Type: EventAdded})
	unsub()
	b.Emit(Event{Resource: ResourceRules, Type: EventAdded})
	if n != 1 {
		t.Errorf("handler fired %d times after unsubscribe", n)
	}
}

func TestPanickingHandlerRecovered(t *testing.T) {
	b := newTestBus()
	b.Subscribe("", func(Event) { panic("bad handler") })
	var n int
	b.Subscribe("", func(Event) { n++ })

	b.Emit(Event{Resource: ResourceGroups, Type: EventChanged})
	if n != 1 {
		t.Error("second handler not reached after panic")
	}
}
