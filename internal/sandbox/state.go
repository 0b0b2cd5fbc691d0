package sandbox

// State is the lifecycle position of one sandbox instance. Transitions are
// driven through an atomic compare-and-swap so racing starts and stops
// serialize without holding a lock across the slow work.
type State uint32

const (
	StateOff State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
