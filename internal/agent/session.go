package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/urlutil"
)

// eventPublishTimeout bounds how long the loop waits on a slow subscriber.
const eventPublishTimeout = 2 * time.Second

// Timeouts bound every suspension point of the loop.
type Timeouts struct {
	Load      time.Duration
	Snapshot  time.Duration
	Decision  time.Duration
	Execution time.Duration
	Capture   time.Duration
}

// DefaultTimeouts returns the timeouts used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Load:      30 * time.Second,
		Snapshot:  30 * time.Second,
		Decision:  60 * time.Second,
		Execution: 10 * time.Second,
		Capture:   15 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Load <= 0 {
		t.Load = d.Load
	}
	if t.Snapshot <= 0 {
		t.Snapshot = d.Snapshot
	}
	if t.Decision <= 0 {
		t.Decision = d.Decision
	}
	if t.Execution <= 0 {
		t.Execution = d.Execution
	}
	if t.Capture <= 0 {
		t.Capture = d.Capture
	}
	return t
}

// Option configures an ExecutionSession.
type Option func(*ExecutionSession)

// WithTimeouts overrides the per-step timeouts. Zero fields keep their defaults.
func WithTimeouts(t Timeouts) Option {
	return func(s *ExecutionSession) { s.timeouts = t.withDefaults() }
}

// WithEventBus publishes session events on bus.
func WithEventBus(bus *EventBus) Option {
	return func(s *ExecutionSession) { s.bus = bus }
}

// WithMetrics records loop measurements.
func WithMetrics(m Metrics) Option {
	return func(s *ExecutionSession) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithIterationDelay pauses the loop between iterations.
func WithIterationDelay(d time.Duration) Option {
	return func(s *ExecutionSession) { s.iterationDelay = d }
}

// WithMaxIterations stops the loop after n iterations. Zero means unlimited.
func WithMaxIterations(n int) Option {
	return func(s *ExecutionSession) { s.maxIterations = n }
}

// WithApproval holds every validated decision in StateAwaitingApproval until
// Approve or Reject is called.
func WithApproval(enabled bool) Option {
	return func(s *ExecutionSession) { s.requireApproval = enabled }
}

// WithCaptureAfterAction takes a screenshot after every successful action.
func WithCaptureAfterAction(enabled bool) Option {
	return func(s *ExecutionSession) { s.captureAfterAction = enabled }
}

// SessionInfo is a read-only summary of a session.
type SessionInfo struct {
	ID            string
	State         State
	Role          string
	Goal          string
	TargetURL     string
	Entries       int
	CurrentAction *Action
}

// loopRun holds the channels of one Start..Stopped run.
type loopRun struct {
	stop      chan struct{}
	stopOnce  sync.Once
	approvals chan bool
	done      chan struct{}
}

func newLoopRun() *loopRun {
	return &loopRun{
		stop:      make(chan struct{}),
		approvals: make(chan bool, 1),
		done:      make(chan struct{}),
	}
}

func (r *loopRun) requestStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *loopRun) stopRequested() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *loopRun) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// ExecutionSession owns one browser target, one role/goal pair and one history,
// and runs the perception-decision-action loop over them.
type ExecutionSession struct {
	id       string
	logger   *zap.Logger
	executor ActionExecutor
	provider DecisionProvider
	history  *ExecutionHistory
	bus      *EventBus
	metrics  Metrics

	timeouts           Timeouts
	iterationDelay     time.Duration
	maxIterations      int
	requireApproval    bool
	captureAfterAction bool

	// onLoopExit runs on the loop goroutine after the session reaches Stopped.
	onLoopExit func(*ExecutionSession)

	// ctx lives until Close; canceling it aborts in-flight collaborator calls.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	role         string
	goal         string
	targetURL    string
	current      *Action
	run          *loopRun
	navigation   chan struct{} // non-nil while Navigate or Restore runs
	rejectReason string
	closed       bool
}

// NewExecutionSession creates an Idle session that exclusively owns executor.
func NewExecutionSession(id string, executor ActionExecutor, provider DecisionProvider, logger *zap.Logger, opts ...Option) *ExecutionSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &ExecutionSession{
		id:       id,
		logger:   logger.Named("session").With(zap.String("session_id", id)),
		executor: executor,
		provider: provider,
		history:  NewExecutionHistory(),
		metrics:  noopMetrics{},
		timeouts: DefaultTimeouts(),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// -- Lifecycle --

// Start validates role and goal and enters Running, triggering the first iteration.
// It is valid from Idle and Stopped.
func (s *ExecutionSession) Start(role, goal string) error {
	role, goal = strings.TrimSpace(role), strings.TrimSpace(goal)
	if role == "" || goal == "" {
		return NewStatusError(StatusInvalidInput, "role and goal are required", nil)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	// A stopped run may still be unwinding; wait for it before restarting.
	if s.state.Active() || s.navigation != nil || (s.run != nil && !s.run.finished()) {
		s.mu.Unlock()
		return ErrSessionRunning
	}
	from := s.state
	s.role, s.goal = role, goal
	s.state = StateRunning
	s.rejectReason = ""
	r := newLoopRun()
	s.run = r
	s.mu.Unlock()

	s.announceTransition(from, StateRunning)
	s.logger.Info("Session started.", zap.String("role", role), zap.String("goal", goal))

	go s.loop(r)
	return nil
}

// Stop asks the loop to stop. The request is observed at the next iteration
// boundary; an in-flight iteration always completes first.
func (s *ExecutionSession) Stop() {
	s.mu.Lock()
	r := s.run
	active := s.state.Active()
	s.mu.Unlock()
	if r == nil || !active {
		return
	}
	s.logger.Debug("Stop requested.")
	r.requestStop()
}

// Wait blocks until the current run (if any) has finished.
func (s *ExecutionSession) Wait(ctx context.Context) error {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the session if needed, waits for the loop to observe the stop and for
// any Navigate or Restore to return, then releases the executor. If ctx expires first
// the in-flight work is aborted.
func (s *ExecutionSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	r := s.run
	nav := s.navigation
	s.mu.Unlock()

	if nav != nil {
		select {
		case <-nav:
		case <-ctx.Done():
			s.logger.Warn("Close deadline reached during navigation; aborting the load.")
			s.cancel()
			<-nav
		}
	}
	if r != nil {
		r.requestStop()
		select {
		case <-r.done:
		case <-ctx.Done():
			s.logger.Warn("Close deadline reached before the loop stopped; aborting in-flight iteration.")
			s.cancel()
			<-r.done
		}
	}
	s.cancel()

	err := s.executor.Close()
	if err != nil {
		s.logger.Warn("Failed to release executor.", zap.Error(err))
	}
	s.publish(EventSessionClosed, nil)
	s.logger.Info("Session closed.")
	return err
}

// Approve lets a decision held in StateAwaitingApproval proceed to execution.
func (s *ExecutionSession) Approve() error {
	return s.resolveApproval(true, "")
}

// Reject discards the pending decision and stops the session.
func (s *ExecutionSession) Reject(reason string) error {
	return s.resolveApproval(false, reason)
}

func (s *ExecutionSession) resolveApproval(approved bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingApproval || s.run == nil {
		return ErrNotAwaitingApproval
	}
	select {
	case s.run.approvals <- approved:
		if !approved {
			s.rejectReason = strings.TrimSpace(reason)
		}
		return nil
	default:
		return ErrNotAwaitingApproval
	}
}

// Navigate loads url in the session's browser target and records a navigation entry.
// It is rejected while the loop is active.
func (s *ExecutionSession) Navigate(ctx context.Context, rawURL string) error {
	target, err := urlutil.Prepare(rawURL)
	if err != nil {
		return NewStatusError(StatusInvalidInput, "invalid url", err)
	}
	if err := s.beginNavigation(); err != nil {
		return err
	}
	defer s.endNavigation()

	res := s.load(ctx, target)
	if !res.OK {
		s.appendEntry(HistoryEntry{
			Type:    EntryNavigation,
			Message: fmt.Sprintf("failed to load %s: %s", target, res.Detail),
			Status:  res.Status,
		})
		return NewStatusError(res.Status, fmt.Sprintf("failed to load %s", target), nil)
	}

	s.mu.Lock()
	s.targetURL = target
	s.mu.Unlock()
	s.appendEntry(HistoryEntry{
		Type:    EntryNavigation,
		Message: "loaded " + target,
		Status:  StatusSuccess,
	})
	return nil
}

// Capture takes a screenshot of the current page.
func (s *ExecutionSession) Capture(ctx context.Context) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", ErrSessionClosed
	}
	res := s.capture(ctx)
	if !res.OK {
		return "", NewStatusError(res.Status, res.Detail, nil)
	}
	return res.Detail, nil
}

// -- Export / Import --

// Export returns the persisted form of the session.
func (s *ExecutionSession) Export() Record {
	s.mu.Lock()
	rec := Record{
		TargetURL: s.targetURL,
		Role:      s.role,
		Goal:      s.goal,
	}
	s.mu.Unlock()
	rec.History = s.history.Entries()
	rec.Timestamp = time.Now().UTC()
	return rec
}

// Restore replaces role, goal and history from rec and re-establishes the live
// target by loading rec.TargetURL. Re-navigation does not add history entries.
func (s *ExecutionSession) Restore(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := s.beginNavigation(); err != nil {
		return err
	}
	defer s.endNavigation()

	s.mu.Lock()
	s.role = strings.TrimSpace(rec.Role)
	s.goal = strings.TrimSpace(rec.Goal)
	s.targetURL = rec.TargetURL
	s.current = nil
	s.mu.Unlock()
	s.history.reset(rec.History)

	if rec.TargetURL == "" {
		return nil
	}
	res := s.load(ctx, rec.TargetURL)
	if !res.OK {
		return NewStatusError(res.Status, fmt.Sprintf("failed to re-open %s", rec.TargetURL), nil)
	}
	return nil
}

// ClearHistory removes every history entry. Not allowed while the loop is active.
func (s *ExecutionSession) ClearHistory() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.state.Active() {
		return ErrSessionRunning
	}
	s.history.Clear()
	return nil
}

// -- Accessors --

func (s *ExecutionSession) ID() string { return s.id }

func (s *ExecutionSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ExecutionSession) Role() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *ExecutionSession) Goal() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.goal
}

func (s *ExecutionSession) TargetURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetURL
}

// History returns a copy of the full history.
func (s *ExecutionSession) History() []HistoryEntry { return s.history.Entries() }

// Window returns the bounded history window handed to the Decision Provider.
func (s *ExecutionSession) Window() []HistoryEntry { return s.history.Window() }

// CurrentAction returns the decision currently being processed, if any.
func (s *ExecutionSession) CurrentAction() (Action, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Action{}, false
	}
	return *s.current, true
}

// Info returns a consistent summary of the session.
func (s *ExecutionSession) Info() SessionInfo {
	s.mu.Lock()
	info := SessionInfo{
		ID:        s.id,
		State:     s.state,
		Role:      s.role,
		Goal:      s.goal,
		TargetURL: s.targetURL,
	}
	if s.current != nil {
		a := *s.current
		info.CurrentAction = &a
	}
	s.mu.Unlock()
	info.Entries = s.history.Len()
	return info
}

// -- Loop --

func (s *ExecutionSession) loop(r *loopRun) {
	// Stopped is reported together with done, after onLoopExit, so a session seen as
	// Stopped can always be restarted.
	defer s.finishRun(r)

	for iteration := 1; ; iteration++ {
		if r.stopRequested() || s.ctx.Err() != nil {
			s.logger.Info("Stop observed at iteration boundary.", zap.Int("iteration", iteration))
			s.recordStop()
			break
		}
		if s.maxIterations > 0 && iteration > s.maxIterations {
			s.recordError(StatusError, fmt.Sprintf("iteration limit of %d reached", s.maxIterations))
			break
		}
		if !s.iterate(r, iteration) {
			break
		}
		if r.stopRequested() {
			s.logger.Info("Stop observed after iteration.", zap.Int("iteration", iteration))
			s.recordStop()
			break
		}
		if !s.pause(r) {
			s.recordStop()
			break
		}
	}

	if s.onLoopExit != nil {
		s.onLoopExit(s)
	}
}

func (s *ExecutionSession) finishRun(r *loopRun) {
	s.mu.Lock()
	from := s.state
	s.state = StateStopped
	s.current = nil
	close(r.done)
	s.mu.Unlock()
	if from != StateStopped {
		s.announceTransition(from, StateStopped)
	}
}

// iterate runs one perceive-decide-validate-execute cycle and reports whether the
// loop may continue.
func (s *ExecutionSession) iterate(r *loopRun, iteration int) bool {
	log := s.logger.With(zap.Int("iteration", iteration))

	// 1. Perceive
	snapshot, err := s.perceive()
	if err != nil {
		s.recordError(StatusOf(err), "snapshot failed: "+err.Error())
		return false
	}

	// 2. Decide
	s.mu.Lock()
	role, goal := s.role, s.goal
	s.mu.Unlock()
	action := s.decide(DecisionRequest{
		Snapshot: snapshot,
		Role:     role,
		Goal:     goal,
		History:  s.history.Window(),
	})

	// 3. Validate
	action = ValidateDecision(action)
	s.setCurrentAction(&action)

	// 4. Record decision
	decisionStatus := StatusSuccess
	if action.Kind == ActionError {
		decisionStatus = action.Status
	}
	s.appendEntry(HistoryEntry{
		Type:    EntryDecision,
		Message: action.Summary(),
		Status:  decisionStatus,
		Action:  &action,
	})

	// 5. Error decisions are never executed.
	if action.Kind == ActionError {
		s.recordError(action.Status, action.Message)
		return false
	}

	if s.requireApproval && !s.awaitApproval(r, action) {
		return false
	}

	// 6. Execute
	res := s.execute(action)

	// 7. Record result
	msg := res.Detail
	if msg == "" {
		msg = string(res.Status)
	}
	s.appendEntry(HistoryEntry{
		Type:    EntryAction,
		Message: fmt.Sprintf("%s %s: %s", action.Kind, action.Target, msg),
		Status:  res.Status,
		Action:  &action,
	})
	s.setCurrentAction(nil)

	// 8. Continue or stop
	if !res.OK {
		log.Warn("Action failed; stopping session.",
			zap.String("kind", string(action.Kind)),
			zap.String("target", action.Target),
			zap.String("status", string(res.Status)),
			zap.String("detail", res.Detail))
		return false
	}

	if s.captureAfterAction {
		if c := s.capture(s.ctx); !c.OK {
			log.Warn("Post-action capture failed.", zap.String("status", string(c.Status)), zap.String("detail", c.Detail))
		}
	}
	return true
}

func (s *ExecutionSession) perceive() (*PageSnapshot, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeouts.Snapshot)
	defer cancel()

	start := time.Now()
	snapshot, err := s.executor.Snapshot(ctx)
	if err == nil && snapshot == nil {
		err = NewStatusError(StatusError, "executor returned no snapshot", nil)
	}
	if err != nil && ctx.Err() == context.DeadlineExceeded && StatusOf(err) == StatusError {
		err = NewStatusError(StatusTimeout, fmt.Sprintf("snapshot timed out after %v", s.timeouts.Snapshot), err)
	}
	s.metrics.SnapshotObserved(StatusOf(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	s.publish(EventSnapshotUpdated, snapshot)
	return snapshot, nil
}

func (s *ExecutionSession) decide(req DecisionRequest) (action Action) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeouts.Decision)
	defer cancel()

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Decision provider panicked.", zap.Any("panic", p))
			action = ErrorAction(StatusError, fmt.Sprintf("decision provider panicked: %v", p))
		}
		status := StatusSuccess
		if action.Kind == ActionError {
			status = action.Status
		}
		s.metrics.DecisionObserved(action.Kind, status, time.Since(start))
	}()

	return s.provider.Decide(ctx, req)
}

func (s *ExecutionSession) execute(action Action) Result {
	timeout := s.timeouts.Execution
	if action.Kind == ActionWait {
		// ValidateDecision already rejected unparsable waits.
		if d, err := action.WaitDuration(); err == nil {
			timeout += d
		}
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	start := time.Now()
	res := s.executor.Execute(ctx, action).normalize()
	if !res.OK && ctx.Err() == context.DeadlineExceeded && res.Status == StatusError {
		res.Status = StatusTimeout
	}
	s.metrics.ActionObserved(action.Kind, res.Status, time.Since(start))
	return res
}

func (s *ExecutionSession) load(ctx context.Context, target string) Result {
	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Load)
	defer cancel()
	// Close aborts a load through the session context.
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	res := s.executor.Load(ctx, target).normalize()
	if !res.OK && ctx.Err() == context.DeadlineExceeded && res.Status == StatusError {
		res.Status = StatusTimeout
	}
	return res
}

func (s *ExecutionSession) capture(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Capture)
	defer cancel()
	res := s.executor.Capture(ctx).normalize()
	if res.OK {
		s.publish(EventCaptureTaken, res.Detail)
	}
	return res
}

func (s *ExecutionSession) awaitApproval(r *loopRun, action Action) bool {
	s.transition(StateAwaitingApproval)
	s.logger.Info("Decision awaiting approval.", zap.String("action", action.Summary()))

	select {
	case approved := <-r.approvals:
		if !approved {
			s.mu.Lock()
			reason := s.rejectReason
			s.mu.Unlock()
			msg := "action rejected by operator"
			if reason != "" {
				msg += ": " + reason
			}
			s.recordError(StatusError, msg)
			return false
		}
		s.transition(StateRunning)
		return true
	case <-r.stop:
		s.recordStop()
		return false
	case <-s.ctx.Done():
		s.recordStop()
		return false
	}
}

// pause waits iterationDelay, returning false if the run is stopped meanwhile.
func (s *ExecutionSession) pause(r *loopRun) bool {
	if s.iterationDelay <= 0 {
		return true
	}
	t := time.NewTimer(s.iterationDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.stop:
		return false
	case <-s.ctx.Done():
		return false
	}
}

// -- Helpers --

func (s *ExecutionSession) beginNavigation() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.state.Active() || s.navigation != nil || (s.run != nil && !s.run.finished()) {
		return ErrSessionRunning
	}
	s.navigation = make(chan struct{})
	return nil
}

func (s *ExecutionSession) endNavigation() {
	s.mu.Lock()
	close(s.navigation)
	s.navigation = nil
	s.mu.Unlock()
}

func (s *ExecutionSession) recordError(status Status, message string) {
	s.logger.Warn("Session stopping on error.", zap.String("status", string(status)), zap.String("message", message))
	s.appendEntry(HistoryEntry{
		Type:    EntryError,
		Message: message,
		Status:  status,
	})
}

// recordStop appends the terminal entry of a run ended by Stop or Close.
func (s *ExecutionSession) recordStop() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	msg := "stopped by operator"
	if closed {
		msg = "stopped: session closed"
	}
	s.appendEntry(HistoryEntry{Type: EntryStop, Message: msg, Status: StatusSuccess})
}

func (s *ExecutionSession) appendEntry(e HistoryEntry) {
	stored := s.history.Append(e)
	s.publish(EventHistoryAppended, stored)
}

func (s *ExecutionSession) setCurrentAction(a *Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a == nil {
		s.current = nil
		return
	}
	cp := *a
	s.current = &cp
}

func (s *ExecutionSession) transition(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	if to == StateStopped {
		s.current = nil
	}
	s.mu.Unlock()
	s.announceTransition(from, to)
}

func (s *ExecutionSession) announceTransition(from, to State) {
	s.metrics.SessionStateChanged(from, to)
	s.publish(EventStateChanged, StateChange{From: from, To: to})
	s.logger.Debug("Session state changed.", zap.String("from", string(from)), zap.String("to", string(to)))
}

func (s *ExecutionSession) publish(t EventType, payload interface{}) {
	if s.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
	defer cancel()
	if err := s.bus.Publish(ctx, Event{SessionID: s.id, Type: t, Payload: payload}); err != nil {
		s.logger.Debug("Dropped session event.", zap.String("type", string(t)), zap.Error(err))
	}
}
