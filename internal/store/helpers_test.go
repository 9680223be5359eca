package store

import (
	"time"

	"github.com/xkilldash9x/webpilot/internal/agent"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleRecord() agent.Record {
	click := agent.Action{Kind: agent.ActionClick, Target: "//*[@id='go']", Reasoning: "start", Progress: 10}
	return agent.Record{
		TargetURL: "https://example.com",
		Role:      "tester",
		Goal:      "press go",
		History: []agent.HistoryEntry{
			{Timestamp: testTime, Type: agent.EntryNavigation, Message: "loaded https://example.com", Status: agent.StatusSuccess},
			{Timestamp: testTime, Type: agent.EntryDecision, Message: click.Summary(), Status: agent.StatusSuccess, Action: &click},
			{Timestamp: testTime.Add(time.Second), Type: agent.EntryAction, Message: "clicked", Status: agent.StatusSuccess, Action: &click},
			{Timestamp: testTime.Add(2 * time.Second), Type: agent.EntryError, Message: "stopped", Status: agent.StatusTimeout},
		},
		Timestamp: testTime,
	}
}
