package decision

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/webpilot/internal/agent"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const answerContract = `Analyze the given webpage snapshot and decide the next action.
Answer with JSON only, using this structure:
{
  "type": "<CLICK|INPUT|SCROLL|WAIT|ERROR>",
  "target": "<xpath of the element, empty string for WAIT and ERROR>",
  "value": "<text to type for INPUT, seconds to wait for WAIT>",
  "reasoning": "<why this action moves toward the goal>",
  "progress": <estimated progress toward the goal, 0-100>,
  "next_expected_state": "<what the page should show after this action>",
  "status": "<for ERROR only: Error|NotFound|NotAuthorized|InvalidInput>",
  "message": "<for ERROR only: what went wrong>"
}
Use only xpath locators that appear in the snapshot. Answer with type ERROR when the goal
cannot be reached from this page.`

// buildSystemPrompt renders the persona and the JSON answer contract.
func buildSystemPrompt(role, goal string) string {
	return fmt.Sprintf("You are a %s. Your goal is: %s.\n%s", role, goal, answerContract)
}

// promptSnapshot is the trimmed view of a PageSnapshot sent to the model.
type promptSnapshot struct {
	URL          string              `json:"url"`
	Title        string              `json:"title"`
	HTMLPreview  string              `json:"html_preview"`
	Elements     []agent.ElementInfo `json:"elements"`
	OmittedCount int                 `json:"omitted_elements,omitempty"`
}

// buildUserPrompt serializes the snapshot (bounded by maxElements and previewLimit) and
// renders the history window one line per entry.
func buildUserPrompt(snap *agent.PageSnapshot, window []agent.HistoryEntry, maxElements, previewLimit int) (string, error) {
	ps := promptSnapshot{
		URL:         snap.URL,
		Title:       snap.Title,
		HTMLPreview: truncateRunes(snap.HTMLPreview, previewLimit),
		Elements:    snap.Elements,
	}
	if maxElements > 0 && len(ps.Elements) > maxElements {
		ps.OmittedCount = len(ps.Elements) - maxElements
		ps.Elements = ps.Elements[:maxElements]
	}
	if ps.Elements == nil {
		ps.Elements = []agent.ElementInfo{}
	}

	body, err := json.Marshal(ps)
	if err != nil {
		return "", fmt.Errorf("failed to marshal page snapshot: %w", err)
	}

	var b strings.Builder
	b.WriteString("Current webpage state: ")
	b.Write(body)
	if len(window) > 0 {
		b.WriteString("\n\nRecent history:\n")
		for _, e := range window {
			b.WriteString(renderHistoryLine(e))
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

func renderHistoryLine(e agent.HistoryEntry) string {
	if e.Action == nil {
		return fmt.Sprintf("- %s: %s", strings.ToUpper(string(e.Type)), e.Message)
	}
	line := fmt.Sprintf("- %s: %s", e.Action.Kind, e.Action.Reasoning)
	if e.Type == agent.EntryAction {
		line += fmt.Sprintf(" (result: %s, %s)", e.Status, e.Message)
	}
	return line
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
