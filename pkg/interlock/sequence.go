package interlock

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ericogr/thermal-interlock/pkg/actuator"
)

// Sender delivers one command to one supply. *actuator.Channel implements it.
type Sender interface {
	Send(addr actuator.Address, cmd actuator.Command) (string, error)
}

// Actuator is one supply on the serial line.
type Actuator struct {
	Name    string
	Address actuator.Address
}

// Timing holds the pauses of the shutdown sequence.
type Timing struct {
	AfterCurrent     time.Duration
	AfterVoltage     time.Duration
	BetweenActuators time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		AfterCurrent:     50 * time.Millisecond,
		AfterVoltage:     50 * time.Millisecond,
		BetweenActuators: 100 * time.Millisecond,
	}
}

// Step is one command of the shutdown sequence and the pause that follows it.
type Step struct {
	Actuator Actuator
	Command  actuator.Command
	Pause    time.Duration
}

// StepResult records the outcome of one Step.
type StepResult struct {
	Actuator string    `json:"actuator"`
	Address  string    `json:"address"`
	Command  string    `json:"command"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// BuildSequence returns current=0, voltage=0, output=off for each actuator in
// the given order. The last step has no pause.
func BuildSequence(acts []Actuator, t Timing) []Step {
	steps := make([]Step, 0, 3*len(acts))
	for _, a := range acts {
		steps = append(steps,
			Step{Actuator: a, Command: actuator.SetCurrent(0), Pause: t.AfterCurrent},
			Step{Actuator: a, Command: actuator.SetVoltage(0), Pause: t.AfterVoltage},
			Step{Actuator: a, Command: actuator.SetOutput(false), Pause: t.BetweenActuators},
		)
	}
	if n := len(steps); n > 0 {
		steps[n-1].Pause = 0
	}
	return steps
}

// runSequence sends every step in order. A failed step is recorded and the
// sequence carries on.
func runSequence(s Sender, steps []Step, sleep func(time.Duration), now func() time.Time, logger *log.Entry) []StepResult {
	results := make([]StepResult, 0, len(steps))
	for _, st := range steps {
		res := StepResult{
			Actuator: st.Actuator.Name,
			Address:  string(st.Actuator.Address),
			Command:  st.Command.Wire,
			At:       now(),
		}
		l := logger.WithFields(log.Fields{"actuator": st.Actuator.Name, "address": st.Actuator.Address, "command": st.Command.Wire})
		if _, err := s.Send(st.Actuator.Address, st.Command); err != nil {
			res.Error = err.Error()
			l.WithError(err).Error("shutdown step failed")
		} else {
			l.Warn("shutdown step sent")
		}
		results = append(results, res)
		if st.Pause > 0 {
			sleep(st.Pause)
		}
	}
	return results
}
