package cache

import (
	"testing"
	"time"
)

func TestFreshness(t *testing.T) {
	c := New()
	key := Key{Ext: 0x0017880100AABBCC, Cluster: 0x0400, Attr: 0x0000}
	now := time.Now()

	if c.Fresh(key, 15*time.Second, now) {
		t.Error("missing entry must not be fresh")
	}

	c.Put(key, uint32(150), ByReport, now.Add(-5*time.Second))
	if !c.Fresh(key, 15*time.Second, now) {
		t.Error("5s-old entry should be fresh at 15s window")
	}
	if c.Fresh(key, 15*time.Second, now.Add(20*time.Second)) {
		t.Error("25s-old entry should be stale at 15s window")
	}
}

func TestValueSource(t *testing.T) {
	c := New()
	key := Key{Ext: 1, Cluster: 0x0006, Attr: 0x0000}
	now := time.Now()

	c.Put(key, true, ByRead, now)
	v, ok := c.Value(key)
	if !ok || v != true {
		t.Fatalf("Value = %v, %v", v, ok)
	}
	if e := c.Get(key); e.Source != ByRead || !e.LastReport.IsZero() {
		t.Errorf("read entry = %+v", e)
	}

	c.Put(key, false, ByReport, now)
	if e := c.Get(key); e.Source != ByReport || e.LastReport.IsZero() {
		t.Errorf("report entry = %+v", e)
	}
}

func TestWantsReadThrottle(t *testing.T) {
	c := New()
	key := Key{Ext: 1, Cluster: 0x0400, Attr: 0x0000}
	now := time.Now()
	maxAge := 15 * time.Second

	// Unknown attribute: always worth reading.
	if !c.WantsRead(key, maxAge, now) {
		t.Error("unknown entry should want a read")
	}

	// Stale value, never requested: wants a read.
	c.Put(key, uint32(150), ByReport, now.Add(-60*time.Second))
	if !c.WantsRead(key, maxAge, now) {
		t.Error("stale entry should want a read")
	}

	// A just-issued read request suppresses further reads for half the
	// window.
	c.MarkReadRequest(key, now)
	if c.WantsRead(key, maxAge, now.Add(2*time.Second)) {
		t.Error("read storm: request within half-window must be suppressed")
	}
	if !c.WantsRead(key, maxAge, now.Add(8*time.Second)) {
		t.Error("request older than half-window should allow a new read")
	}

	// Fresh value: no read at all.
	c.Put(key, uint32(150), ByReport, now)
	if c.WantsRead(key, maxAge, now.Add(time.Second)) {
		t.Error("fresh entry must not want a read")
	}
}
