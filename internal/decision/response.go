package decision

import (
	"strconv"
	"strings"

	"github.com/xkilldash9x/webpilot/internal/agent"
)

// rawDecision mirrors the answer contract. Models are loose with types, so progress and
// value accept numbers and strings alike.
type rawDecision struct {
	Type              string     `json:"type"`
	Target            optString  `json:"target"`
	Value             flexString `json:"value"`
	Reasoning         string     `json:"reasoning"`
	Progress          flexInt    `json:"progress"`
	NextExpectedState string     `json:"next_expected_state"`
	Status            string     `json:"status"`
	Message           string     `json:"message"`
}

func (r rawDecision) toAction() agent.Action {
	kind := agent.ActionKind(strings.ToUpper(strings.TrimSpace(r.Type)))
	// The target key is mandatory for every action. An explicit null or "" is fine for WAIT.
	if kind != "" && kind != agent.ActionError && !r.Target.Set {
		return agent.ErrorAction(agent.StatusInvalidInput, "decision is missing the target locator")
	}
	a := agent.Action{
		Kind:              kind,
		Target:            r.Target.Value,
		Value:             string(r.Value),
		Reasoning:         r.Reasoning,
		Progress:          int(r.Progress),
		NextExpectedState: r.NextExpectedState,
	}
	if a.Kind == agent.ActionError {
		a.Status = agent.ParseStatus(r.Status)
		a.Message = r.Message
	}
	return a
}

// flexString decodes a JSON string, number, boolean or null into a string.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		*f = ""
	case strings.HasPrefix(s, `"`):
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexString(v)
	default:
		*f = flexString(s)
	}
	return nil
}

// optString is a flexString that remembers whether the key was present at all.
type optString struct {
	Set   bool
	Value string
}

func (o *optString) UnmarshalJSON(b []byte) error {
	var f flexString
	if err := f.UnmarshalJSON(b); err != nil {
		return err
	}
	o.Set = true
	o.Value = string(f)
	return nil
}

// flexInt decodes 45, 45.5, "45" and "45%" alike. Unparseable strings decode to zero.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		s = strings.TrimSuffix(strings.TrimSpace(v), "%")
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(n)
	return nil
}
