package durable

// StateKind classifies what a durable object holds. It is persisted alongside
// the state so downstream storage can route or index by kind.
type StateKind string

const (
	KindCounter  StateKind = "counter"
	KindObject   StateKind = "object"
	KindWorkflow StateKind = "workflow"
	KindBatch    StateKind = "batch"
	KindCredits  StateKind = "credits"
)

// LifecycleState is the position of an object in its lifecycle.
type LifecycleState int32

const (
	StateCreated LifecycleState = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s LifecycleState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateRunning:
		return "Running"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}
