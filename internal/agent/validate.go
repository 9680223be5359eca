package agent

import (
	"strings"
)

// ValidateDecision checks a provider response and returns either the normalized
// action or an ERROR action with StatusInvalidInput. A malformed response and a
// provider-reported InvalidInput are indistinguishable to the loop.
func ValidateDecision(a Action) Action {
	a.Kind = ActionKind(strings.ToUpper(strings.TrimSpace(string(a.Kind))))
	a.Target = strings.TrimSpace(a.Target)
	a.Reasoning = strings.TrimSpace(a.Reasoning)
	a.NextExpectedState = strings.TrimSpace(a.NextExpectedState)

	if a.Kind == "" {
		return ErrorAction(StatusInvalidInput, "decision is missing the action kind")
	}
	if !a.Kind.Valid() {
		return ErrorAction(StatusInvalidInput, "decision has unknown action kind "+string(a.Kind))
	}

	switch a.Kind {
	case ActionError:
		return normalizeErrorAction(a)
	case ActionClick, ActionScroll:
		if a.Target == "" {
			return ErrorAction(StatusInvalidInput, "decision is missing the target locator")
		}
	case ActionInput:
		if a.Target == "" {
			return ErrorAction(StatusInvalidInput, "decision is missing the target locator")
		}
		if a.Value == "" {
			return ErrorAction(StatusInvalidInput, "INPUT decision is missing a value")
		}
	case ActionWait:
		if _, err := a.WaitDuration(); err != nil {
			return ErrorAction(StatusInvalidInput, err.Error())
		}
	}

	if a.Reasoning == "" {
		return ErrorAction(StatusInvalidInput, "decision is missing the reasoning")
	}

	a.Progress = clampProgress(a.Progress)
	a.Status = ""
	a.Message = ""
	return a
}

func normalizeErrorAction(a Action) Action {
	status := a.Status
	if !status.Valid() || status == StatusSuccess {
		status = StatusError
	}
	msg := strings.TrimSpace(a.Message)
	if msg == "" {
		msg = a.Reasoning
	}
	if msg == "" {
		msg = "decision provider reported an error"
	}
	out := ErrorAction(status, msg)
	out.Progress = clampProgress(a.Progress)
	if a.Reasoning != "" {
		out.Reasoning = a.Reasoning
	}
	return out
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
