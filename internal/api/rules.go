package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"zigbee-hue-gateway/internal/rules"
	"zigbee-hue-gateway/internal/store"
)

// conditionJSON mirrors the wire shape of a condition; value is omitted
// when empty.
type conditionJSON struct {
	Address  string `json:"address"`
	Operator string `json:"operator"`
	Value    string `json:"value,omitempty"`
}

// actionJSON carries the body as a parsed object on the wire.
type actionJSON struct {
	Address string          `json:"address"`
	Method  string          `json:"method"`
	Body    json.RawMessage `json:"body"`
}

type ruleJSON struct {
	Name           string          `json:"name"`
	LastTriggered  string          `json:"lasttriggered"`
	Created        string          `json:"created"`
	TimesTriggered int             `json:"timestriggered"`
	Owner          string          `json:"owner"`
	Status         string          `json:"status"`
	Conditions     []conditionJSON `json:"conditions"`
	Actions        []actionJSON    `json:"actions"`
	Periodic       int             `json:"periodic"`
	Etag           string          `json:"etag"`
}

func ruleToJSON(r *rules.Rule) ruleJSON {
	out := ruleJSON{
		Name:           r.Name,
		LastTriggered:  r.LastTriggered,
		Created:        r.Created,
		TimesTriggered: r.TimesTriggered,
		Owner:          r.Owner,
		Status:         r.Status,
		Periodic:       r.TriggerPeriodic,
		Etag:           r.Etag,
	}
	for _, c := range r.Conditions {
		out.Conditions = append(out.Conditions, conditionJSON(c))
	}
	for _, a := range r.Actions {
		body := json.RawMessage(a.Body)
		if !json.Valid(body) {
			body = json.RawMessage(`{}`)
		}
		out.Actions = append(out.Actions, actionJSON{Address: a.Address, Method: a.Method, Body: body})
	}
	return out
}

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	var out map[string]ruleJSON
	s.loop.Call(func() {
		out = make(map[string]ruleJSON)
		for _, rule := range s.engine.Rules {
			if rule.State == rules.RuleDeleted {
				continue
			}
			out[rule.ID] = ruleToJSON(rule)
		}
	})
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var found *ruleJSON
	s.loop.Call(func() {
		if rule := s.engine.Get(id, false); rule != nil {
			rj := ruleToJSON(rule)
			found = &rj
		}
	})
	if found == nil {
		s.writeError(w, http.StatusNotFound, rules.ErrCodeResourceNotAvailable,
			"/rules/"+id, "resource, /rules/"+id+", not available")
		return
	}
	w.Header().Set("ETag", `"`+found.Etag+`"`)
	s.writeJSON(w, http.StatusOK, found)
}

// ruleBody is the decoded POST/PUT payload. Pointers distinguish absent
// keys from zero values.
type ruleBody struct {
	Name       *string         `json:"name"`
	Status     *string         `json:"status"`
	Periodic   *int            `json:"periodic"`
	Conditions []conditionJSON `json:"conditions"`
	Actions    []actionJSON    `json:"actions"`
}

var knownRuleKeys = map[string]bool{
	"name": true, "status": true, "periodic": true,
	"conditions": true, "actions": true,
}

func decodeRuleBody(data []byte) (*ruleBody, map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, err
	}
	var body ruleBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, nil, err
	}
	return &body, raw, nil
}

func toConditions(in []conditionJSON) []rules.Condition {
	out := make([]rules.Condition, 0, len(in))
	for _, c := range in {
		out = append(out, rules.Condition(c))
	}
	return out
}

func toActions(in []actionJSON) []rules.Action {
	out := make([]rules.Action, 0, len(in))
	for _, a := range in {
		out = append(out, rules.Action{Address: a.Address, Method: strings.ToUpper(a.Method), Body: string(a.Body)})
	}
	return out
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidJSON, "/rules", "body contains invalid JSON")
		return
	}
	body, _, err := decodeRuleBody(data)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidJSON, "/rules", "body contains invalid JSON")
		return
	}

	if body.Name == nil || *body.Name == "" || len(*body.Name) > rules.MaxRuleNameLength {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidValue, "/rules/name",
			"invalid value for parameter, name")
		return
	}
	rule := rules.NewRule()
	rule.Name = *body.Name
	rule.Owner = r.PathValue("apikey")
	if body.Status != nil {
		if *body.Status != rules.StatusEnabled && *body.Status != rules.StatusDisabled {
			s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidValue, "/rules/status",
				"invalid value, "+*body.Status+", for parameter, status")
			return
		}
		rule.Status = *body.Status
	}
	if body.Periodic != nil {
		rule.TriggerPeriodic = *body.Periodic
	}
	rule.Conditions = toConditions(body.Conditions)
	rule.Actions = toActions(body.Actions)

	var verr *rules.ValidationError
	var id string
	s.loop.Call(func() {
		if verr = s.engine.ValidateConditions(rule.Conditions); verr != nil {
			return
		}
		if verr = s.engine.ValidateActions(rule.Actions); verr != nil {
			return
		}
		s.sync.TouchUserActivity()
		var stored *rules.Rule
		stored, _, verr = s.engine.Create(rule)
		if verr == nil {
			id = stored.ID
			s.saver.Mark(store.DirtyRules)
		}
	})
	if verr != nil {
		s.writeValidationError(w, verr)
		return
	}
	s.writeSuccess(w, map[string]interface{}{"id": id})
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidJSON, "/rules/"+id, "body contains invalid JSON")
		return
	}
	body, raw, err := decodeRuleBody(data)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, rules.ErrCodeInvalidJSON, "/rules/"+id, "body contains invalid JSON")
		return
	}
	for key := range raw {
		if !knownRuleKeys[key] {
			s.writeError(w, http.StatusBadRequest, rules.ErrCodeParameterNotAvailable,
				"/rules/"+id+"/"+key, "parameter, "+key+", not available")
			return
		}
	}

	var verr *rules.ValidationError
	var notFound bool
	var success []map[string]interface{}
	s.loop.Call(func() {
		rule := s.engine.Get(id, false)
		if rule == nil {
			notFound = true
			return
		}
		s.sync.TouchUserActivity()
		changed := false

		if body.Name != nil {
			if *body.Name == "" || len(*body.Name) > rules.MaxRuleNameLength {
				verr = &rules.ValidationError{Code: rules.ErrCodeInvalidValue,
					Address: "/rules/" + id + "/name", Description: "invalid value for parameter, name"}
				return
			}
			rule.Name = *body.Name
			changed = true
			success = append(success, map[string]interface{}{"success": map[string]interface{}{"/rules/" + id + "/name": rule.Name}})
		}
		if body.Periodic != nil {
			rule.TriggerPeriodic = *body.Periodic
			changed = true
			success = append(success, map[string]interface{}{"success": map[string]interface{}{"/rules/" + id + "/periodic": rule.TriggerPeriodic}})
		}

		mutatingTopology := body.Conditions != nil || body.Actions != nil
		if mutatingTopology {
			conds := rule.Conditions
			actions := rule.Actions
			if body.Conditions != nil {
				conds = toConditions(body.Conditions)
				if verr = s.engine.ValidateConditions(conds); verr != nil {
					return
				}
			}
			if body.Actions != nil {
				actions = toActions(body.Actions)
				if verr = s.engine.ValidateActions(actions); verr != nil {
					return
				}
			}
			// Tear the old wire state down before installing the new
			// topology.
			s.engine.DisableAndUnbind(rule)
			rule.Conditions = conds
			rule.Actions = actions
			if body.Status == nil {
				rule.Status = rules.StatusEnabled
			}
			rule.LastVerify = -rules.MaxVerifyDelay
			// Presence of the keys marks the rule changed even when the
			// sets are equal; the etag contract follows the original.
			changed = true
			if body.Conditions != nil {
				success = append(success, map[string]interface{}{"success": map[string]interface{}{"/rules/" + id + "/conditions": len(conds)}})
			}
			if body.Actions != nil {
				success = append(success, map[string]interface{}{"success": map[string]interface{}{"/rules/" + id + "/actions": len(actions)}})
			}
		}

		if body.Status != nil {
			if *body.Status != rules.StatusEnabled && *body.Status != rules.StatusDisabled {
				verr = &rules.ValidationError{Code: rules.ErrCodeInvalidValue,
					Address: "/rules/" + id + "/status", Description: "invalid value, " + *body.Status + ", for parameter, status"}
				return
			}
			rule.Status = *body.Status
			changed = true
			success = append(success, map[string]interface{}{"success": map[string]interface{}{"/rules/" + id + "/status": rule.Status}})
		}

		if changed {
			s.reg.Touch(&rule.Etag)
			s.saver.Mark(store.DirtyRules)
		}
	})
	if notFound {
		s.writeError(w, http.StatusNotFound, rules.ErrCodeResourceNotAvailable,
			"/rules/"+id, "resource, /rules/"+id+", not available")
		return
	}
	if verr != nil {
		s.writeValidationError(w, verr)
		return
	}
	s.writeJSON(w, http.StatusOK, success)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var deleted bool
	s.loop.Call(func() {
		s.sync.TouchUserActivity()
		deleted = s.engine.Delete(id)
		if deleted {
			s.saver.Mark(store.DirtyRules)
		}
	})
	if !deleted {
		s.writeError(w, http.StatusNotFound, rules.ErrCodeResourceNotAvailable,
			"/rules/"+id, "resource, /rules/"+id+", not available")
		return
	}
	s.writeSuccess(w, map[string]interface{}{"id": id})
}
