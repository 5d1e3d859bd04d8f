package poller

import (
	"time"

	"github.com/ericogr/thermal-interlock/pkg/thermal"
)

// Event is what a worker hands to its consumer after one cycle. Ownership of
// Frame passes to the receiver.
type Event struct {
	Camera    int
	Frame     *thermal.Frame
	Triggered bool
	At        time.Time

	// Lost is set, with Frame nil, when the camera failed LossLimit
	// consecutive captures. Err holds the last capture error.
	Lost bool
	Err  error
}

// State of a Worker. Transitions only move forward.
type State int32

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
