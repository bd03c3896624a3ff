package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"zigbee-hue-gateway/internal/aps"
	"zigbee-hue-gateway/internal/bus"
	"zigbee-hue-gateway/internal/cache"
	"zigbee-hue-gateway/internal/loop"
	"zigbee-hue-gateway/internal/pipeline"
	"zigbee-hue-gateway/internal/registry"
	"zigbee-hue-gateway/internal/rules"
	"zigbee-hue-gateway/internal/store"
	"zigbee-hue-gateway/internal/syncer"
)

type stubRadio struct {
	connected bool
}

func (s *stubRadio) DataRequest(*aps.DataRequest) error          { return nil }
func (s *stubRadio) BindRequest(*aps.BindRequest) error          { return nil }
func (s *stubRadio) PermitJoin(uint8) error                      { return nil }
func (s *stubRadio) Connected() bool                             { return s.connected }
func (s *stubRadio) OnDataIndication(func(aps.DataIndication))   {}
func (s *stubRadio) OnDataConfirm(func(aps.DataConfirm))         {}
func (s *stubRadio) OnNodeEvent(func(aps.NodeEvent))             {}
func (s *stubRadio) OnGreenPower(func(aps.GreenPowerIndication)) {}
func (s *stubRadio) OnNetworkState(func(bool))                   {}
func (s *stubRadio) Close() error                                { return nil }

type testServer struct {
	server *Server
	reg    *registry.Registry
	engine *rules.Engine
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	radio := &stubRadio{connected: true}
	reg := registry.New(logger)
	c := cache.New()
	pipe := pipeline.New(radio, 50*time.Millisecond, nil, logger)
	events := bus.New(logger)
	sy := syncer.New(reg, c, pipe, events, syncer.DefaultConfig(), logger)
	engine := rules.New(reg, c, pipe, sy, events, radio.Connected, logger)

	lp := loop.New(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go lp.Run(ctx)

	saver := store.NewSaver(time.Hour, lp.Post, func(store.Dirty) {})
	gateway := &store.GatewayState{Name: "test", UUID: "uuid", APIKeys: []string{"testkey"}}
	server := New(reg, engine, pipe, sy, saver, events, lp, radio, gateway, logger)
	engine.SetHandlers(server.GroupsResource, server.LightsResource)

	// One green-power switch so buttonevent conditions validate.
	lp.Call(func() {
		reg.AddGreenPowerSensor(0xDEAD0001, registry.GPDeviceIDOnOffSwitch, true)
	})

	return &testServer{server: server, reg: reg, engine: engine}
}

func (ts *testServer) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) int {
	t.Helper()
	var items []errorItem
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil || len(items) == 0 {
		t.Fatalf("error payload: %s", rec.Body.String())
	}
	return items[0].Error.Type
}

func successID(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var items []map[string]map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil || len(items) == 0 {
		t.Fatalf("success payload: %s", rec.Body.String())
	}
	id, _ := items[0]["success"]["id"].(string)
	return id
}

const validRule = `{
	"name": "tap rule",
	"periodic": 0,
	"conditions": [{"address": "/sensors/1/state/buttonevent", "operator": "eq", "value": "16"}],
	"actions": [{"address": "/groups/3/scenes/10", "method": "PUT", "body": {}}]
}`

func TestCreateAndGetRule(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, "POST", "/api/testkey/rules", validRule)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST = %d: %s", rec.Code, rec.Body.String())
	}
	id := successID(t, rec)
	if id != "1" {
		t.Errorf("id = %q, want 1", id)
	}

	rec = ts.do(t, "GET", "/api/testkey/rules/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET = %d", rec.Code)
	}
	var got ruleJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "tap rule" || got.Owner != "testkey" || got.Status != "enabled" {
		t.Errorf("rule = %+v", got)
	}
	if got.LastTriggered != "none" || got.TimesTriggered != 0 {
		t.Errorf("trigger metadata = %q/%d", got.LastTriggered, got.TimesTriggered)
	}
	if len(got.Conditions) != 1 || got.Conditions[0].Value != "16" {
		t.Errorf("conditions = %+v", got.Conditions)
	}
	if len(got.Actions) != 1 || got.Actions[0].Method != "PUT" {
		t.Errorf("actions = %+v", got.Actions)
	}
	if got.Etag == "" {
		t.Error("etag empty")
	}
	if etag := rec.Header().Get("ETag"); etag != `"`+got.Etag+`"` {
		t.Errorf("etag header = %q", etag)
	}

	// Listing contains the rule.
	rec = ts.do(t, "GET", "/api/testkey/rules", "")
	var all map[string]ruleJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &all); err != nil {
		t.Fatal(err)
	}
	if _, ok := all[id]; !ok {
		t.Errorf("rule missing from list: %v", all)
	}
}

func TestCreateDuplicateRuleReplaces(t *testing.T) {
	ts := setupTestServer(t)

	first := successID(t, ts.do(t, "POST", "/api/testkey/rules", validRule))
	second := successID(t, ts.do(t, "POST", "/api/testkey/rules", validRule))
	if first != second {
		t.Errorf("duplicate POST ids = %q, %q", first, second)
	}
	rec := ts.do(t, "GET", "/api/testkey/rules", "")
	var all map[string]ruleJSON
	json.Unmarshal(rec.Body.Bytes(), &all)
	if len(all) != 1 {
		t.Errorf("rules = %d, want 1", len(all))
	}
}

func TestCreateRuleValidation(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"missing name", `{"conditions":[{"address":"/sensors/1/state/buttonevent","operator":"eq","value":"16"}],"actions":[{"address":"/groups/1","method":"PUT","body":{}}]}`, rules.ErrCodeInvalidValue},
		{"no conditions", `{"name":"r","actions":[{"address":"/groups/1","method":"PUT","body":{}}]}`, rules.ErrCodeMissingParameter},
		{"dx with value", `{"name":"r","conditions":[{"address":"/sensors/1/state/lastupdated","operator":"dx","value":"1"}],"actions":[{"address":"/groups/1","method":"PUT","body":{}}]}`, rules.ErrCodeInvalidValue},
		{"bad action prefix", `{"name":"r","conditions":[{"address":"/sensors/1/state/buttonevent","operator":"eq","value":"16"}],"actions":[{"address":"/outlets/1","method":"PUT","body":{}}]}`, rules.ErrCodeActionError},
		{"bad status", `{"name":"r","status":"paused","conditions":[{"address":"/sensors/1/state/buttonevent","operator":"eq","value":"16"}],"actions":[{"address":"/groups/1","method":"PUT","body":{}}]}`, rules.ErrCodeInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, "POST", "/api/testkey/rules", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
			if code := errorCode(t, rec); code != tt.code {
				t.Errorf("code = %d, want %d", code, tt.code)
			}
		})
	}
}

func TestCreateRuleNineConditions(t *testing.T) {
	ts := setupTestServer(t)
	body := `{"name":"r","conditions":[`
	for i := 0; i < 9; i++ {
		if i > 0 {
			body += ","
		}
		body += `{"address":"/sensors/1/state/buttonevent","operator":"eq","value":"16"}`
	}
	body += `],"actions":[{"address":"/groups/1","method":"PUT","body":{}}]}`

	rec := ts.do(t, "POST", "/api/testkey/rules", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != rules.ErrCodeTooManyItems {
		t.Errorf("code = %d, want %d", code, rules.ErrCodeTooManyItems)
	}
}

func TestUpdateRuleUnknownKey(t *testing.T) {
	ts := setupTestServer(t)
	id := successID(t, ts.do(t, "POST", "/api/testkey/rules", validRule))

	rec := ts.do(t, "PUT", "/api/testkey/rules/"+id, `{"bogus": 1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != rules.ErrCodeParameterNotAvailable {
		t.Errorf("code = %d, want %d", code, rules.ErrCodeParameterNotAvailable)
	}
}

func TestUpdateRuleName(t *testing.T) {
	ts := setupTestServer(t)
	id := successID(t, ts.do(t, "POST", "/api/testkey/rules", validRule))

	var before ruleJSON
	json.Unmarshal(ts.do(t, "GET", "/api/testkey/rules/"+id, "").Body.Bytes(), &before)

	rec := ts.do(t, "PUT", "/api/testkey/rules/"+id, `{"name": "renamed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT = %d: %s", rec.Code, rec.Body.String())
	}

	var after ruleJSON
	json.Unmarshal(ts.do(t, "GET", "/api/testkey/rules/"+id, "").Body.Bytes(), &after)
	if after.Name != "renamed" {
		t.Errorf("name = %q", after.Name)
	}
	if after.Etag == before.Etag {
		t.Error("etag unchanged after rename")
	}
}

func TestDeleteRule(t *testing.T) {
	ts := setupTestServer(t)
	id := successID(t, ts.do(t, "POST", "/api/testkey/rules", validRule))

	rec := ts.do(t, "DELETE", "/api/testkey/rules/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE = %d", rec.Code)
	}
	rec = ts.do(t, "GET", "/api/testkey/rules/"+id, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET after delete = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != rules.ErrCodeResourceNotAvailable {
		t.Errorf("code = %d", code)
	}
	// The deleted rule is also gone from the listing.
	rec = ts.do(t, "GET", "/api/testkey/rules", "")
	var all map[string]ruleJSON
	json.Unmarshal(rec.Body.Bytes(), &all)
	if len(all) != 0 {
		t.Errorf("rules = %d after delete", len(all))
	}
}

func TestAuthRejected(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, "GET", "/api/wrongkey/rules", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestGroupActionReplayTarget(t *testing.T) {
	ts := setupTestServer(t)
	var result rules.ReplayResult
	ts.server.loop.Call(func() {
		g := ts.reg.EnsureGroup(1)
		g.ID = "1"
		result = ts.server.GroupsResource("PUT", "/api/testkey/groups/1", []byte(`{"on":true}`))
	})
	if result != rules.ReplayOK {
		t.Fatalf("replay = %v", result)
	}
	var on bool
	ts.server.loop.Call(func() {
		on = ts.reg.GroupByAddress(1).On
	})
	if !on {
		t.Error("group not switched on by replay")
	}
}

func TestGroupActionReplayNotHandled(t *testing.T) {
	ts := setupTestServer(t)
	var result rules.ReplayResult
	ts.server.loop.Call(func() {
		result = ts.server.GroupsResource("PUT", "/api/testkey/groups/77", []byte(`{"on":true}`))
	})
	if result != rules.ReplayNotHandled {
		t.Errorf("replay = %v, want not handled", result)
	}
}
