package protocol

// State is the lifecycle state of a protocol. The allowed transitions:
//
//	stopped  -> starting
//	starting -> running | stopped
//	running  -> stopping
//	stopping -> stopped
//
// Stopped is the resting state; a stopped protocol can be started again.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

func (s State) String() string {
	return string(s)
}

func allowedTransition(cur, next State) bool {
	switch cur {
	case StateStopped:
		return next == StateStarting
	case StateStarting:
		return next == StateRunning || next == StateStopped
	case StateRunning:
		return next == StateStopping
	case StateStopping:
		return next == StateStopped
	default:
		return false
	}
}

// ProbeStatus is the published view of one probe.
type ProbeStatus struct {
	Name    string
	Kind    string
	Enabled bool
	Running bool
}

// Snapshot is a copy of the protocol's observable state, safe to retain.
type Snapshot struct {
	ID      string
	Name    string
	State   State
	Running bool
	Probes  []ProbeStatus
}
