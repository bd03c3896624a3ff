package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"zigbee-hue-gateway/internal/registry"
)

// API error codes (hue numeric error types).
const (
	ErrCodeInvalidJSON           = 2
	ErrCodeResourceNotAvailable  = 3
	ErrCodeMissingParameter      = 5
	ErrCodeParameterNotAvailable = 6
	ErrCodeInvalidValue          = 7
	ErrCodeTooManyItems          = 11
	ErrCodeRuleEngineFull        = 601
	ErrCodeActionError           = 704
)

// ValidationError carries an error payload triple.
type ValidationError struct {
	Code        int
	Address     string
	Description string
}

func (e *ValidationError) Error() string { return e.Description }

func verr(code int, address, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Address: address, Description: fmt.Sprintf(format, args...)}
}

// valueCategory classifies the values an attribute's operators accept.
type valueCategory int

const (
	valueNone valueCategory = iota // dx only
	valueNumber
	valueBool
)

type operatorSpec struct {
	operators []string
	category  valueCategory
	// boolAlt: attribute also accepts {dx, eq} with a bool value.
	boolAlt bool
}

// operatorMatrix maps a condition attribute to its permitted operators and
// value category.
var operatorMatrix = map[string]operatorSpec{
	"lastupdated":   {operators: []string{OpDx}, category: valueNone},
	"long":          {operators: []string{OpDx}, category: valueNone},
	"lat":           {operators: []string{OpDx}, category: valueNone},
	"illuminance":   {operators: []string{OpDx, OpEq, OpLt, OpGt}, category: valueNumber},
	"presence":      {operators: []string{OpDx, OpEq, OpLt, OpGt}, category: valueNumber, boolAlt: true},
	"reachable":     {operators: []string{OpDx, OpEq}, category: valueBool},
	"on":            {operators: []string{OpDx, OpEq}, category: valueBool},
	"open":          {operators: []string{OpDx, OpEq}, category: valueBool},
	"flag":          {operators: []string{OpDx, OpEq}, category: valueBool},
	"daylight":      {operators: []string{OpDx, OpEq}, category: valueBool},
	"battery":       {operators: []string{OpDx, OpEq, OpGt, OpLt}, category: valueNumber},
	"buttonevent":   {operators: []string{OpDx, OpEq, OpGt, OpLt}, category: valueNumber},
	"temperature":   {operators: []string{OpDx, OpEq, OpGt, OpLt}, category: valueNumber},
	"humidity":      {operators: []string{OpDx, OpEq, OpGt, OpLt}, category: valueNumber},
	"sunriseoffset": {operators: []string{OpEq, OpGt, OpLt}, category: valueNumber},
	"sunsetoffset":  {operators: []string{OpEq, OpGt, OpLt}, category: valueNumber},
}

// sensorAddresses returns the condition addresses a sensor currently
// provides, derived from its type.
func sensorAddresses(s *registry.Sensor) []string {
	prefix := "/sensors/" + s.ID
	addrs := []string{
		prefix + "/config/reachable",
		prefix + "/config/on",
		prefix + "/config/battery",
		prefix + "/state/lastupdated",
	}
	switch s.Type {
	case registry.TypeZGPSwitch, registry.TypeZHASwitch, registry.TypeCLIPSwitch:
		addrs = append(addrs, prefix+"/state/buttonevent")
	case registry.TypeZHALight:
		addrs = append(addrs, prefix+"/state/illuminance")
	case registry.TypeZHAPresence, registry.TypeCLIPPresence:
		addrs = append(addrs, prefix+"/state/presence")
	case registry.TypeCLIPOpenClose:
		addrs = append(addrs, prefix+"/state/open")
	case registry.TypeCLIPGenericFlag:
		addrs = append(addrs, prefix+"/state/flag")
	case registry.TypeCLIPTemperature:
		addrs = append(addrs, prefix+"/state/temperature")
	case registry.TypeCLIPHumidity:
		addrs = append(addrs, prefix+"/state/humidity")
	case registry.TypeDaylight:
		addrs = append(addrs,
			prefix+"/state/daylight",
			prefix+"/config/long",
			prefix+"/config/lat",
			prefix+"/config/sunriseoffset",
			prefix+"/config/sunsetoffset")
	}
	return addrs
}

// ValidateConditions checks count, address presence against the current
// sensor catalog, operator membership and value category.
func (e *Engine) ValidateConditions(conds []Condition) *ValidationError {
	if len(conds) == 0 {
		return verr(ErrCodeMissingParameter, "/rules/conditions", "missing parameters in body")
	}
	if len(conds) > MaxConditions {
		return verr(ErrCodeTooManyItems, "/rules/conditions", "too many items in list")
	}

	valid := make(map[string]bool)
	for _, s := range e.reg.Sensors {
		if s.Deleted != registry.StateNormal {
			continue
		}
		for _, a := range sensorAddresses(s) {
			valid[a] = true
		}
	}

	for _, c := range conds {
		if !valid[c.Address] {
			return verr(ErrCodeInvalidValue, c.Address, "invalid value, %s, for parameter, address", c.Address)
		}
		attr := c.Address[strings.LastIndexByte(c.Address, '/')+1:]
		spec, ok := operatorMatrix[attr]
		if !ok {
			return verr(ErrCodeInvalidValue, c.Address, "invalid value, %s, for parameter, address", c.Address)
		}
		opOK := false
		for _, op := range spec.operators {
			if c.Operator == op {
				opOK = true
				break
			}
		}
		if !opOK {
			return verr(ErrCodeInvalidValue, c.Address, "invalid value, %s, for parameter, operator", c.Operator)
		}
		if c.Operator == OpDx {
			if c.Value != "" {
				return verr(ErrCodeInvalidValue, c.Address, "invalid value, %s, for parameter, value", c.Value)
			}
			continue
		}
		if err := checkConditionValue(c, spec); err != nil {
			return err
		}
	}
	return nil
}

func checkConditionValue(c Condition, spec operatorSpec) *ValidationError {
	switch spec.category {
	case valueNumber:
		if spec.boolAlt && (c.Value == "true" || c.Value == "false") && c.Operator == OpEq {
			return nil
		}
		n, err := strconv.Atoi(c.Value)
		if err != nil || n < 0 {
			return verr(ErrCodeInvalidValue, c.Address, "invalid value, %s, for parameter, value", c.Value)
		}
	case valueBool:
		if c.Value != "true" && c.Value != "false" {
			return verr(ErrCodeInvalidValue, c.Address, "invalid value, %s, for parameter, value", c.Value)
		}
	}
	return nil
}

var actionPrefixes = []string{"/lights", "/groups", "/scenes", "/schedules", "/sensors"}

// ValidateActions checks count, address prefix, method, duplicate addresses
// and body JSON.
func (e *Engine) ValidateActions(actions []Action) *ValidationError {
	if len(actions) == 0 {
		return verr(ErrCodeMissingParameter, "/rules/actions", "missing parameters in body")
	}
	if len(actions) > MaxActions {
		return verr(ErrCodeTooManyItems, "/rules/actions", "too many items in list")
	}
	seen := make(map[string]bool, len(actions))
	for _, a := range actions {
		prefixOK := false
		for _, p := range actionPrefixes {
			if strings.HasPrefix(a.Address, p) {
				prefixOK = true
				break
			}
		}
		if !prefixOK {
			return verr(ErrCodeActionError, a.Address, "rule action error, %s, is not a valid address", a.Address)
		}
		if seen[a.Address] {
			return verr(ErrCodeActionError, a.Address, "rule action error, duplicated address, %s", a.Address)
		}
		seen[a.Address] = true
		switch a.Method {
		case MethodPut, MethodPost, MethodDelete, MethodBind:
		default:
			return verr(ErrCodeInvalidValue, a.Address, "invalid value, %s, for parameter, method", a.Method)
		}
		var body interface{}
		if json.Unmarshal([]byte(a.Body), &body) != nil {
			return verr(ErrCodeInvalidJSON, a.Address, "body contains invalid JSON")
		}
	}
	return nil
}
