package cmd

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/store"
)

func TestRunOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    runOptions
		wantErr string
	}{
		{"complete", runOptions{url: "example.com", role: "r", goal: "g"}, ""},
		{"import alone", runOptions{importPath: "rec.yaml"}, ""},
		{"missing goal", runOptions{url: "example.com", role: "r"}, "--goal"},
		{"missing all", runOptions{}, "--url, --role, --goal"},
		{"negative limit", runOptions{url: "u", role: "r", goal: "g", maxIterations: -1}, "--max-iterations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunSession_ToCompletion(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	d := newTestDeps(decisionClick)
	cfg := newTestConfig(t)
	exportPath := filepath.Join(t.TempDir(), "run.yaml")
	opts := &runOptions{url: "example.com", role: "a shopper", goal: "buy a mug", exportPath: exportPath}

	var out lockedBuffer
	err := runSession(context.Background(), cfg, d.deps(), opts, strings.NewReader(""), &out, zaptest.NewLogger(t))
	require.NoError(t, err)

	// 1. The page was opened with a scheme and the click executed once.
	loaded, executed, closed := d.browser.executor(0).snapshot()
	assert.Equal(t, []string{"https://example.com"}, loaded)
	require.Len(t, executed, 1)
	assert.Equal(t, agent.ActionClick, executed[0].Kind)
	assert.True(t, closed, "shutdown releases the executor")
	assert.Equal(t, 1, d.browser.shutdown)
	assert.True(t, d.llm.closed)

	// 2. Every history entry was printed as it happened.
	text := out.String()
	assert.Contains(t, text, "navigation")
	assert.Contains(t, text, "loaded https://example.com")
	assert.Contains(t, text, "CLICK //*[@id='buy']")
	assert.Contains(t, text, "nothing left to do")
	assert.Contains(t, text, "is Stopped")

	// 3. The record was exported and persisted.
	rec, err := store.ReadRecordFile(exportPath)
	require.NoError(t, err)
	assert.Equal(t, "a shopper", rec.Role)
	assert.Equal(t, "https://example.com", rec.TargetURL)
	require.NotEmpty(t, rec.History)
	assert.Equal(t, agent.EntryNavigation, rec.History[0].Type)
	assert.Equal(t, agent.EntryError, rec.History[len(rec.History)-1].Type)

	summaries, err := d.store.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "buy a mug", summaries[0].Goal)
}

func TestRunSession_IterationLimitFlag(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	d := newTestDeps(decisionClick, decisionClick, decisionClick)
	cfg := newTestConfig(t)
	cfg.SetAgentMaxIterations(2)
	opts := &runOptions{url: "example.com", role: "r", goal: "g"}

	var out lockedBuffer
	require.NoError(t, runSession(context.Background(), cfg, d.deps(), opts, strings.NewReader(""), &out, zaptest.NewLogger(t)))

	_, executed, _ := d.browser.executor(0).snapshot()
	assert.Len(t, executed, 2)
	assert.Contains(t, out.String(), "iteration limit of 2 reached")
}

func TestRunSession_Approval(t *testing.T) {
	tests := []struct {
		name         string
		stdin        string
		wantExecuted int
		wantText     string
	}{
		{"approved", "y\n", 1, "nothing left to do"},
		{"rejected", "n\n", 0, "action rejected by operator"},
		{"no input", "", 0, "action rejected by operator: no operator input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t, leakOptions...)

			d := newTestDeps(decisionClick)
			cfg := newTestConfig(t)
			cfg.SetAgentRequireApproval(true)
			opts := &runOptions{url: "example.com", role: "r", goal: "g"}

			var out lockedBuffer
			err := runSession(context.Background(), cfg, d.deps(), opts, strings.NewReader(tt.stdin), &out, zaptest.NewLogger(t))
			require.NoError(t, err)

			_, executed, _ := d.browser.executor(0).snapshot()
			assert.Len(t, executed, tt.wantExecuted)
			assert.Contains(t, out.String(), "Approve? [y/N]")
			assert.Contains(t, out.String(), tt.wantText)
		})
	}
}

func TestRunSession_Import(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "saved.json")
	require.NoError(t, store.WriteRecordFile(path, agent.Record{
		TargetURL: "https://shop.example.com/cart",
		Role:      "a shopper",
		Goal:      "check out",
		History: []agent.HistoryEntry{
			{Timestamp: ts, Type: agent.EntryNavigation, Message: "loaded https://shop.example.com/cart", Status: agent.StatusSuccess},
		},
		Timestamp: ts,
	}))

	d := newTestDeps()
	var out lockedBuffer
	opts := &runOptions{importPath: path}
	require.NoError(t, runSession(context.Background(), newTestConfig(t), d.deps(), opts, strings.NewReader(""), &out, zaptest.NewLogger(t)))

	loaded, _, _ := d.browser.executor(0).snapshot()
	assert.Equal(t, []string{"https://shop.example.com/cart"}, loaded, "import re-opens the recorded page")

	summaries, err := d.store.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "check out", summaries[0].Goal, "role and goal come from the record")
	assert.Equal(t, 3, summaries[0].Entries, "imported entry plus decision and error")
}

func TestRunSession_InvalidURL(t *testing.T) {
	d := newTestDeps()
	opts := &runOptions{url: "javascript:alert(1)", role: "r", goal: "g"}

	var out lockedBuffer
	err := runSession(context.Background(), newTestConfig(t), d.deps(), opts, strings.NewReader(""), &out, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Equal(t, agent.StatusInvalidInput, agent.StatusOf(err))
	assert.Equal(t, 0, d.llm.calls)
}

func TestRunSession_Interrupted(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions...)

	d := newTestDeps()
	d.llm.block = make(chan struct{})
	cfg := newTestConfig(t)
	opts := &runOptions{url: "example.com", role: "r", goal: "g"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var out lockedBuffer
	go func() {
		done <- runSession(ctx, cfg, d.deps(), opts, strings.NewReader(""), &out, zaptest.NewLogger(t))
	}()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "Session ") }, 2*time.Second, 10*time.Millisecond)
	cancel()
	// The in-flight decision completes, then the stop is observed.
	close(d.llm.block)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after interrupt")
	}
}

func TestFormatEntry(t *testing.T) {
	e := agent.HistoryEntry{
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local),
		Type:      agent.EntryAction,
		Message:   "CLICK //a: clicked",
		Status:    agent.StatusSuccess,
	}
	assert.Equal(t, "12:00:00 action     [Success] CLICK //a: clicked", formatEntry(e))

	e.Status = ""
	assert.Equal(t, "12:00:00 action     CLICK //a: clicked", formatEntry(e))
}

func TestIsYes(t *testing.T) {
	for _, s := range []string{"y", "Y", " yes ", "YES"} {
		assert.True(t, isYes(s), s)
	}
	for _, s := range []string{"", "n", "no", "yep"} {
		assert.False(t, isYes(s), s)
	}
}
