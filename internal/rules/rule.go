// Package rules implements the declarative rules engine: a store of
// condition/action rules, the periodic evaluator, the reactive button-event
// path, and the mapping of rule topology onto mesh source bindings.
package rules

import (
	"encoding/json"
	"time"
)

// Condition operators.
const (
	OpEq = "eq"
	OpLt = "lt"
	OpGt = "gt"
	OpDx = "dx"
)

// Action methods.
const (
	MethodPut    = "PUT"
	MethodPost   = "POST"
	MethodDelete = "DELETE"
	MethodBind   = "BIND"
)

// Rule statuses.
const (
	StatusEnabled  = "enabled"
	StatusDisabled = "disabled"
)

// RuleState is the lifecycle of a rule row. Deleted rules keep their
// in-memory slot.
type RuleState int

const (
	RuleNormal RuleState = iota
	RuleDeleted
)

// Limits.
const (
	MaxConditions     = 8
	MaxActions        = 8
	MaxRuleNameLength = 64
	MaxRulesCount     = 500
)

// TimeFormat is the UTC creation/trigger timestamp format of the API.
const TimeFormat = "2006-01-02T15:04:05"

// Condition queries one sensor attribute. Operator dx matches on any change
// of the attribute's lastupdated timestamp and forbids a value.
type Condition struct {
	Address  string `json:"address"`
	Operator string `json:"operator"`
	Value    string `json:"value,omitempty"`
}

// Action replays an internal REST call or installs a binding.
type Action struct {
	Address string `json:"address"`
	Method  string `json:"method"`
	Body    string `json:"body"`
}

// Rule couples sensor conditions to actuator actions.
type Rule struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Owner  string    `json:"owner"`
	Status string    `json:"status"`
	State  RuleState `json:"state"`

	// TriggerPeriodic: -1 disabled, 0 event-driven, >0 period in ms.
	TriggerPeriodic int `json:"periodic"`

	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`

	Created        string `json:"created"`
	LastTriggered  string `json:"lasttriggered"`
	TimesTriggered int    `json:"timestriggered"`
	Etag           string `json:"etag,omitempty"`

	// LastVerify is the idle-second tick of the last binding verification.
	LastVerify int64 `json:"-"`
}

// NewRule returns a rule with defaults applied.
func NewRule() *Rule {
	return &Rule{
		Status:          StatusEnabled,
		State:           RuleNormal,
		TriggerPeriodic: 0,
		Created:         time.Now().UTC().Format(TimeFormat),
		LastTriggered:   "none",
	}
}

// lastTriggeredTime parses LastTriggered; zero time when never triggered.
func (r *Rule) lastTriggeredTime() time.Time {
	if r.LastTriggered == "" || r.LastTriggered == "none" {
		return time.Time{}
	}
	t, err := time.Parse(TimeFormat, r.LastTriggered)
	if err != nil {
		return time.Time{}
	}
	return t
}

// conditionSetEqual reports set equality of conditions, order-insensitive.
func conditionSetEqual(a, b []Condition) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
outer:
	for _, c := range a {
		for i, o := range b {
			if !used[i] && c == o {
				used[i] = true
				continue outer
			}
		}
		return false
	}
	return true
}

// actionSetEqual reports set equality of actions, order-insensitive, with
// bodies compared as parsed JSON.
func actionSetEqual(a, b []Action) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
outer:
	for _, x := range a {
		for i, y := range b {
			if used[i] || x.Address != y.Address || x.Method != y.Method {
				continue
			}
			if jsonEqual(x.Body, y.Body) {
				used[i] = true
				continue outer
			}
		}
		return false
	}
	return true
}

func jsonEqual(a, b string) bool {
	if a == b {
		return true
	}
	var va, vb interface{}
	if json.Unmarshal([]byte(a), &va) != nil || json.Unmarshal([]byte(b), &vb) != nil {
		return false
	}
	return deepEqualJSON(va, vb)
}

func deepEqualJSON(a, b interface{}) bool {
	switch x := a.(type) {
	case map[string]interface{}:
		y, ok := b.(map[string]interface{})
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			w, ok := y[k]
			if !ok || !deepEqualJSON(v, w) {
				return false
			}
		}
		return true
	case []interface{}:
		y, ok := b.([]interface{})
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !deepEqualJSON(x[i], y[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
