package supervisor

// State is the lifecycle state of a launch key
type State int

const (
	// StateAbsent means no process exists for the key
	StateAbsent State = iota
	// StateStarting means a start is in flight
	StateStarting
	// StateRunning means a live handle exists
	StateRunning
	// StateTerminating means the process is being stopped or has died and
	// its listeners have not finished yet
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "ABSENT"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateTerminating:
		return "TERMINATING"
	default:
		return "UNKNOWN"
	}
}
