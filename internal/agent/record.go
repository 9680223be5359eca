package agent

import (
	"fmt"
	"strings"
	"time"
)

// Record is the persisted form of a session, used for export/import and storage.
type Record struct {
	TargetURL string         `json:"target_url" yaml:"target_url"`
	Role      string         `json:"role" yaml:"role"`
	Goal      string         `json:"goal" yaml:"goal"`
	History   []HistoryEntry `json:"history" yaml:"history"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
}

// Validate checks that the record can seed a session.
func (r Record) Validate() error {
	for i, e := range r.History {
		switch e.Type {
		case EntryNavigation, EntryDecision, EntryAction, EntryError, EntryStop:
		default:
			return NewStatusError(StatusInvalidInput, fmt.Sprintf("history entry %d has unknown type %q", i, e.Type), nil)
		}
		if e.Action != nil && e.Action.Kind != "" && !e.Action.Kind.Valid() {
			return NewStatusError(StatusInvalidInput, fmt.Sprintf("history entry %d has unknown action kind %q", i, e.Action.Kind), nil)
		}
	}
	if strings.TrimSpace(r.Role) == "" && strings.TrimSpace(r.Goal) == "" && len(r.History) == 0 && r.TargetURL == "" {
		return NewStatusError(StatusInvalidInput, "record is empty", nil)
	}
	return nil
}
