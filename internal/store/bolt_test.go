package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"zigbee-hue-gateway/internal/registry"
	"zigbee-hue-gateway/internal/rules"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	db, err := NewBoltStore(filepath.Join(t.TempDir(), "gw.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLightsRoundTrip(t *testing.T) {
	db := newTestStore(t)
	lights := []*registry.Light{
		{ID: "1", Name: "Kitchen", ExtAddr: 0x0017880100AABBCC, Endpoint: 11,
			UniqueID: "00:17:88:01:00:aa:bb:cc-0b", On: true, Level: 128, Reachable: true},
		{ID: "2", Name: "Hall", ExtAddr: 0x0017880100AABBDD, Endpoint: 1},
	}
	if err := db.SaveLights(lights); err != nil {
		t.Fatal(err)
	}
	got, err := db.LoadLights()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded = %d", len(got))
	}
	byID := map[string]*registry.Light{got[0].ID: got[0], got[1].ID: got[1]}
	l := byID["1"]
	if l == nil || l.Name != "Kitchen" || !l.On || l.Level != 128 || l.Endpoint != 11 {
		t.Errorf("light = %+v", l)
	}
}

func TestGroupsSkipDeleteFromDB(t *testing.T) {
	db := newTestStore(t)
	groups := []*registry.Group{
		{ID: "1", Address: 1, Name: "Living", State: registry.GroupNormal,
			Scenes: []*registry.Scene{{ID: 10, GroupAddress: 1, Name: "Evening",
				Lights: []registry.LightState{{LightID: "1", On: true, Bri: 100}}}}},
		{ID: "2", Address: 2, Name: "Stale", State: registry.GroupDeleteFromDB},
	}
	if err := db.SaveGroups(groups); err != nil {
		t.Fatal(err)
	}
	got, err := db.LoadGroups()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("loaded = %d, want 1 (DeleteFromDB purged)", len(got))
	}
	if got[0].Scenes[0].Lights[0].Bri != 100 {
		t.Errorf("scene light state lost: %+v", got[0].Scenes[0])
	}
}

func TestRulesRoundTrip(t *testing.T) {
	db := newTestStore(t)
	rs := []*rules.Rule{{
		ID: "1", Name: "dark", Owner: "key", Status: rules.StatusEnabled,
		TriggerPeriodic: 30000,
		Conditions:      []rules.Condition{{Address: "/sensors/7/state/illuminance", Operator: "lt", Value: "200"}},
		Actions:         []rules.Action{{Address: "/groups/1", Method: "PUT", Body: `{"on":true}`}},
		Created:         "2026-01-01T10:00:00", LastTriggered: "none",
	}}
	if err := db.SaveRules(rs); err != nil {
		t.Fatal(err)
	}
	got, err := db.LoadRules()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("loaded = %d", len(got))
	}
	r := got[0]
	if r.TriggerPeriodic != 30000 || len(r.Conditions) != 1 || r.Conditions[0].Value != "200" {
		t.Errorf("rule = %+v", r)
	}
}

func TestGatewayState(t *testing.T) {
	db := newTestStore(t)
	if _, err := db.LoadGateway(); err == nil {
		t.Error("expected error for missing gateway state")
	}
	state := &GatewayState{Name: "gw", UUID: "u-u-i-d", APIKeys: []string{"k1", "k2"}}
	if err := db.SaveGateway(state); err != nil {
		t.Fatal(err)
	}
	got, err := db.LoadGateway()
	if err != nil {
		t.Fatal(err)
	}
	if got.UUID != "u-u-i-d" || len(got.APIKeys) != 2 {
		t.Errorf("state = %+v", got)
	}
}

func TestSaverCoalesces(t *testing.T) {
	var mu sync.Mutex
	var flushes []Dirty
	saver := NewSaver(30*time.Millisecond, func(fn func()) { fn() }, func(d Dirty) {
		mu.Lock()
		flushes = append(flushes, d)
		mu.Unlock()
	})

	saver.Mark(DirtyLights)
	saver.Mark(DirtyRules)
	saver.Mark(DirtyLights)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(flushes) != 1 {
		t.Fatalf("flushes = %d, want 1 coalesced", len(flushes))
	}
	if flushes[0] != DirtyLights|DirtyRules {
		t.Errorf("mask = %b", flushes[0])
	}
}

func TestSaverFlushImmediate(t *testing.T) {
	var flushed Dirty
	saver := NewSaver(time.Hour, func(fn func()) { fn() }, func(d Dirty) { flushed = d })
	saver.Mark(DirtySensors)
	saver.Flush()
	if flushed != DirtySensors {
		t.Errorf("mask = %b", flushed)
	}
	// Flush with nothing pending is a no-op.
	flushed = 0
	saver.Flush()
	if flushed != 0 {
		t.Error("empty flush invoked callback")
	}
}
