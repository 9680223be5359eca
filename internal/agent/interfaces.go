package agent

import (
	"context"
	"time"
)

// DecisionRequest is everything a Decision Provider needs for one call. History is
// the bounded window; providers must not rely on memory of earlier calls.
type DecisionRequest struct {
	Snapshot *PageSnapshot
	Role     string
	Goal     string
	History  []HistoryEntry
}

// DecisionProvider turns page context into the next Action. Implementations never
// return an error: every failure is reported as an ActionError carrying a status.
type DecisionProvider interface {
	Decide(ctx context.Context, req DecisionRequest) Action
}

// ActionExecutor performs actions against one browser target. An executor is owned
// by exactly one session for its whole lifetime.
type ActionExecutor interface {
	// Load navigates the target. Implementations serialize concurrent loads.
	Load(ctx context.Context, url string) Result
	// Snapshot captures the current page. Errors should be *Error.
	Snapshot(ctx context.Context) (*PageSnapshot, error)
	Execute(ctx context.Context, action Action) Result
	// Capture writes a screenshot; Detail holds the file path on success.
	Capture(ctx context.Context) Result
	// Close releases the browser target.
	Close() error
}

// ExecutorFactory acquires a fresh, exclusive executor for a new session.
type ExecutorFactory func(ctx context.Context) (ActionExecutor, error)

// Persister stores a session record when its loop ends or it is closed.
type Persister interface {
	SaveSession(ctx context.Context, id string, rec Record) error
}

// Metrics receives loop measurements.
type Metrics interface {
	SessionStateChanged(from, to State)
	SnapshotObserved(status Status, d time.Duration)
	DecisionObserved(kind ActionKind, status Status, d time.Duration)
	ActionObserved(kind ActionKind, status Status, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) SessionStateChanged(State, State)                   {}
func (noopMetrics) SnapshotObserved(Status, time.Duration)             {}
func (noopMetrics) DecisionObserved(ActionKind, Status, time.Duration) {}
func (noopMetrics) ActionObserved(ActionKind, Status, time.Duration)   {}
