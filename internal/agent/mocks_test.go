package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// -- Executor Stub --

// stubExecutor is a scriptable ActionExecutor. Unset hooks succeed.
type stubExecutor struct {
	mu sync.Mutex

	loadFn     func(ctx context.Context, url string) Result
	snapshotFn func(ctx context.Context, call int) (*PageSnapshot, error)
	executeFn  func(ctx context.Context, action Action) Result
	captureFn  func(ctx context.Context) Result

	loads         []string
	snapshotCalls int
	executed      []Action
	captures      int
	closeCalls    int
}

func (e *stubExecutor) Load(ctx context.Context, url string) Result {
	e.mu.Lock()
	e.loads = append(e.loads, url)
	fn := e.loadFn
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, url)
	}
	return Succeeded("loaded " + url)
}

func (e *stubExecutor) Snapshot(ctx context.Context) (*PageSnapshot, error) {
	e.mu.Lock()
	e.snapshotCalls++
	call := e.snapshotCalls
	fn := e.snapshotFn
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, call)
	}
	return testSnapshot(call), nil
}

func (e *stubExecutor) Execute(ctx context.Context, action Action) Result {
	e.mu.Lock()
	e.executed = append(e.executed, action)
	fn := e.executeFn
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, action)
	}
	return Succeeded("ok")
}

func (e *stubExecutor) Capture(ctx context.Context) Result {
	e.mu.Lock()
	e.captures++
	n := e.captures
	fn := e.captureFn
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return Succeeded(fmt.Sprintf("/tmp/snapshot_%d.png", n))
}

func (e *stubExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeCalls++
	return nil
}

func (e *stubExecutor) executedActions() []Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Action(nil), e.executed...)
}

func (e *stubExecutor) loadedURLs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.loads...)
}

func (e *stubExecutor) closed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeCalls
}

func testSnapshot(n int) *PageSnapshot {
	return &PageSnapshot{
		URL:   "https://example.com/login",
		Title: fmt.Sprintf("Login %d", n),
		Elements: []ElementInfo{
			{Tag: "button", Text: "Sign in", Locator: "//*[@id='submit']", IsVisible: true, IsEnabled: true},
		},
		CapturedAt: time.Now(),
	}
}

// -- Decision Provider Stub --

// scriptedProvider returns its actions in order, repeating the last one.
type scriptedProvider struct {
	mu       sync.Mutex
	actions  []Action
	requests []DecisionRequest
	onDecide func(call int)
}

func (p *scriptedProvider) Decide(ctx context.Context, req DecisionRequest) Action {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	call := len(p.requests)
	a := p.actions[len(p.actions)-1]
	if call <= len(p.actions) {
		a = p.actions[call-1]
	}
	hook := p.onDecide
	p.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	return a
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) DecisionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

// MockDecisionProvider mocks the DecisionProvider interface.
type MockDecisionProvider struct {
	mock.Mock
}

func (m *MockDecisionProvider) Decide(ctx context.Context, req DecisionRequest) Action {
	args := m.Called(ctx, req)
	return args.Get(0).(Action)
}

// -- Persister Mock --

// MockPersister mocks the Persister interface.
type MockPersister struct {
	mock.Mock
}

func (m *MockPersister) SaveSession(ctx context.Context, id string, rec Record) error {
	args := m.Called(ctx, id, rec)
	return args.Error(0)
}

// -- Metrics Recorder --

type recordingMetrics struct {
	mu          sync.Mutex
	transitions []StateChange
	decisions   []Status
	actions     []Status
	snapshots   []Status
}

func (m *recordingMetrics) SessionStateChanged(from, to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, StateChange{From: from, To: to})
}

func (m *recordingMetrics) SnapshotObserved(status Status, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, status)
}

func (m *recordingMetrics) DecisionObserved(_ ActionKind, status Status, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, status)
}

func (m *recordingMetrics) ActionObserved(_ ActionKind, status Status, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, status)
}

func (m *recordingMetrics) stateChanges() []StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StateChange(nil), m.transitions...)
}

// -- Fixtures --

func clickAction() Action {
	return Action{Kind: ActionClick, Target: "//*[@id='submit']", Reasoning: "submit the form", Progress: 50}
}
