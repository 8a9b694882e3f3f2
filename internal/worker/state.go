package worker

// State is a worker lifecycle state.
//
//	Initializing → Ready → (Processing ↔ Recovering) → Draining → Terminated
//
// Initializing may go straight to Terminated when the device cannot be bound
// or the annotator fails to load.
type State int32

const (
	StateInitializing State = iota
	StateReady
	StateProcessing
	StateRecovering
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StateRecovering:
		return "recovering"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
