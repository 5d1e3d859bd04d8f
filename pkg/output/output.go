package output

import (
	"github.com/ericogr/thermal-interlock/pkg/analog"
	"github.com/ericogr/thermal-interlock/pkg/interlock"
	"github.com/ericogr/thermal-interlock/pkg/poller"
)

// Output consumes what the interlock sees. Publish calls come from a single
// goroutine owned by a Dispatcher.
type Output interface {
	PublishFrame(ev poller.Event) error
	PublishAnalog(rs []analog.Reading) error
	PublishTrip(st interlock.Status) error
	Close() error
}

// helper constructors are in subpackages

// everyN passes one frame out of n per camera to the wrapped output.
type everyN struct {
	Output
	n    int
	seen map[int]int
}

// EveryN throttles frames per camera. Analog batches and trips always pass.
func EveryN(o Output, n int) Output {
	if n <= 1 {
		return o
	}
	return &everyN{Output: o, n: n, seen: make(map[int]int)}
}

func (e *everyN) PublishFrame(ev poller.Event) error {
	c := e.seen[ev.Camera]
	e.seen[ev.Camera] = c + 1
	// triggered frames are never skipped
	if c%e.n != 0 && !ev.Triggered {
		return nil
	}
	return e.Output.PublishFrame(ev)
}
