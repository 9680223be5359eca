package agent

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ActionKind is the closed set of instructions a Decision Provider may produce.
type ActionKind string

const (
	ActionClick  ActionKind = "CLICK"
	ActionInput  ActionKind = "INPUT"
	ActionScroll ActionKind = "SCROLL"
	ActionWait   ActionKind = "WAIT"
	// ActionError carries a status and message instead of a locator. It is never executed.
	ActionError ActionKind = "ERROR"
)

// ParseActionKind converts a raw string into an ActionKind, ignoring case and surrounding space.
func ParseActionKind(s string) (ActionKind, error) {
	k := ActionKind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown action kind %q", s)
	}
	return k, nil
}

// Valid reports whether k is one of the defined kinds.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionClick, ActionInput, ActionScroll, ActionWait, ActionError:
		return true
	default:
		return false
	}
}

// RequiresTarget reports whether the kind addresses a page element.
func (k ActionKind) RequiresTarget() bool {
	switch k {
	case ActionClick, ActionInput, ActionScroll:
		return true
	case ActionWait, ActionError:
		return false
	default:
		return false
	}
}

// defaultWait is used when a WAIT action carries no value.
const defaultWait = time.Second

// Action is a normalized instruction produced by a Decision Provider.
type Action struct {
	Kind              ActionKind `json:"type" yaml:"type"`
	Target            string     `json:"target,omitempty" yaml:"target,omitempty"`
	Value             string     `json:"value,omitempty" yaml:"value,omitempty"`
	Reasoning         string     `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
	Progress          int        `json:"progress" yaml:"progress"`
	NextExpectedState string     `json:"next_expected_state,omitempty" yaml:"next_expected_state,omitempty"`

	// Status and Message are only populated for ActionError.
	Status  Status `json:"status,omitempty" yaml:"status,omitempty"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// ErrorAction builds an ERROR action carrying the given status and message.
func ErrorAction(status Status, message string) Action {
	if !status.Valid() || status == StatusSuccess {
		status = StatusError
	}
	return Action{
		Kind:      ActionError,
		Status:    status,
		Message:   message,
		Reasoning: message,
	}
}

// WaitDuration parses the Value of a WAIT action. Plain numbers are seconds; Go
// duration strings ("500ms", "2s") are accepted as well.
func (a Action) WaitDuration() (time.Duration, error) {
	v := strings.TrimSpace(a.Value)
	if v == "" {
		return defaultWait, nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("wait duration must not be negative: %q", a.Value)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid wait duration %q", a.Value)
	}
	if d < 0 {
		return 0, fmt.Errorf("wait duration must not be negative: %q", a.Value)
	}
	return d, nil
}

// Summary renders the action as a single human-readable line.
func (a Action) Summary() string {
	switch a.Kind {
	case ActionError:
		return fmt.Sprintf("%s [%s]: %s", a.Kind, a.Status, a.Message)
	case ActionInput:
		return fmt.Sprintf("%s %s = %q: %s", a.Kind, a.Target, a.Value, a.Reasoning)
	case ActionWait:
		return fmt.Sprintf("%s %s: %s", a.Kind, a.Value, a.Reasoning)
	case ActionClick, ActionScroll:
		return fmt.Sprintf("%s %s: %s", a.Kind, a.Target, a.Reasoning)
	default:
		return fmt.Sprintf("%s: %s", a.Kind, a.Reasoning)
	}
}

// ElementInfo describes one interactive element of the live page.
type ElementInfo struct {
	Tag        string            `json:"tag"`
	Text       string            `json:"text,omitempty"`
	Locator    string            `json:"xpath"`
	Attributes map[string]string `json:"attributes,omitempty"`
	IsVisible  bool              `json:"is_visible"`
	IsEnabled  bool              `json:"is_enabled"`
}

// PageSnapshot is an immutable description of the page at one point in time.
// A new snapshot supersedes the previous one; snapshots are never updated in place.
type PageSnapshot struct {
	URL         string        `json:"url"`
	Title       string        `json:"title"`
	HTMLPreview string        `json:"html_preview"`
	Elements    []ElementInfo `json:"elements"`
	CapturedAt  time.Time     `json:"captured_at"`
}

// Result is what an ActionExecutor reports for load, execute and capture.
type Result struct {
	OK     bool
	Status Status
	// Detail is a human-readable message, or the file path for a successful capture.
	Detail string
}

// Succeeded builds a successful Result.
func Succeeded(detail string) Result {
	return Result{OK: true, Status: StatusSuccess, Detail: detail}
}

// Failed builds a failed Result with the given status.
func Failed(status Status, detail string) Result {
	return Result{OK: false, Status: status, Detail: detail}
}

// normalize keeps OK and Status consistent so the loop never sees a
// "failed with Success" result.
func (r Result) normalize() Result {
	if !r.Status.Valid() {
		if r.OK {
			r.Status = StatusSuccess
		} else {
			r.Status = StatusError
		}
	}
	if !r.OK && r.Status == StatusSuccess {
		r.Status = StatusError
	}
	if r.OK && r.Status != StatusSuccess {
		r.OK = false
	}
	return r
}
