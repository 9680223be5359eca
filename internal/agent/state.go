package agent

// State is the position of an ExecutionSession in its state machine.
type State string

const (
	StateIdle    State = "Idle"
	StateRunning State = "Running"
	// StateAwaitingApproval holds a validated decision until the operator approves
	// or rejects it. Only reachable when approval mode is enabled.
	StateAwaitingApproval State = "AwaitingApproval"
	StateStopped          State = "Stopped"
)

// Active reports whether the session loop owns the session in this state.
func (s State) Active() bool {
	switch s {
	case StateRunning, StateAwaitingApproval:
		return true
	case StateIdle, StateStopped:
		return false
	default:
		return false
	}
}
