package interlock

import (
	"errors"
	"fmt"
	"time"
)

// ErrTripped is returned for ordinary commands once the interlock tripped.
var ErrTripped = errors.New("interlock: tripped, command rejected")

// State of the coordinator. Tripped is terminal.
type State int32

const (
	Armed State = iota
	Tripped
)

func (s State) String() string {
	if s == Tripped {
		return "tripped"
	}
	return "armed"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Source names what caused a trip.
type Source string

const (
	SourceCamera     Source = "camera"
	SourceAnalog     Source = "analog"
	SourceSensorLoss Source = "sensor-loss"
	SourceAnalogLoss Source = "analog-loss"
	SourceManual     Source = "manual"
)

// Reason describes the trigger that tripped the interlock. Channel is the
// camera index or analog channel.
type Reason struct {
	Source    Source  `json:"source"`
	Channel   int     `json:"channel"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Detail    string  `json:"detail,omitempty"`
}

func (r Reason) String() string {
	switch r.Source {
	case SourceCamera, SourceAnalog:
		return fmt.Sprintf("%s %d: %.2f > %.2f", r.Source, r.Channel, r.Value, r.Threshold)
	case SourceSensorLoss:
		return fmt.Sprintf("camera %d lost: %s", r.Channel, r.Detail)
	default:
		return fmt.Sprintf("%s: %s", r.Source, r.Detail)
	}
}

// Status is a snapshot of the coordinator.
type Status struct {
	State      State        `json:"state"`
	TripID     string       `json:"trip_id,omitempty"`
	Reason     *Reason      `json:"reason,omitempty"`
	TrippedAt  time.Time    `json:"tripped_at,omitempty"`
	Completed  bool         `json:"completed"`
	Steps      []StepResult `json:"steps,omitempty"`
	AnalogLost string       `json:"analog_lost,omitempty"` // why the analog feed ended
}

// Failed returns the number of steps that reported an error.
func (s Status) Failed() int {
	n := 0
	for _, r := range s.Steps {
		if r.Error != "" {
			n++
		}
	}
	return n
}
