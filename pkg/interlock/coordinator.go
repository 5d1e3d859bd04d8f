// Package interlock trips the power supplies when a camera or analog channel
// exceeds its threshold. The trip happens at most once per process.
package interlock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ericogr/thermal-interlock/pkg/actuator"
	"github.com/ericogr/thermal-interlock/pkg/analog"
	"github.com/ericogr/thermal-interlock/pkg/poller"
)

// Sink receives frames, analog batches and the final trip status.
// Implementations must not block.
type Sink interface {
	Frame(ev poller.Event)
	Analog(rs []analog.Reading)
	Tripped(st Status)
}

// ThresholdReader looks up camera thresholds for trip reasons.
// *thermal.Manager implements it.
type ThresholdReader interface {
	Threshold(cam int) (float64, bool)
}

type Options struct {
	// Actuators in shutdown order.
	Actuators        []Actuator
	Timing           Timing
	AnalogThresholds map[int]float64
	Cameras          ThresholdReader
	Sink             Sink
	// TripOnAnalogLoss makes AnalogLost trip the interlock.
	TripOnAnalogLoss bool
}

// Coordinator owns the trip latch and the shutdown sequence.
type Coordinator struct {
	sender Sender
	steps  []Step
	acts   []Actuator
	opts   Options
	log    *log.Entry

	tripped atomic.Bool
	// cmdMu serializes ordinary commands against the shutdown sequence
	cmdMu sync.Mutex

	analogMu sync.RWMutex
	analog   map[int]float64

	statusMu sync.Mutex
	status   Status
	done     chan struct{}

	sleep func(time.Duration)
	now   func() time.Time
}

func New(sender Sender, opts Options) (*Coordinator, error) {
	if sender == nil {
		return nil, errors.New("interlock: sender required")
	}
	if len(opts.Actuators) == 0 {
		return nil, errors.New("interlock: at least one actuator required")
	}
	seen := make(map[actuator.Address]bool, len(opts.Actuators))
	for _, a := range opts.Actuators {
		if seen[a.Address] {
			return nil, fmt.Errorf("interlock: actuator address %s listed twice", a.Address)
		}
		seen[a.Address] = true
	}
	th := make(map[int]float64, len(opts.AnalogThresholds))
	for ch, v := range opts.AnalogThresholds {
		if math.IsNaN(v) {
			return nil, fmt.Errorf("interlock: analog channel %d threshold is NaN", ch)
		}
		th[ch] = v
	}
	acts := append([]Actuator(nil), opts.Actuators...)
	return &Coordinator{
		sender: sender,
		steps:  BuildSequence(acts, opts.Timing),
		acts:   acts,
		opts:   opts,
		log:    log.WithField("component", "interlock"),
		analog: th,
		status: Status{State: Armed},
		done:   make(chan struct{}),
		sleep:  time.Sleep,
		now:    time.Now,
	}, nil
}

// Actuators returns the supplies in shutdown order.
func (c *Coordinator) Actuators() []Actuator {
	return append([]Actuator(nil), c.acts...)
}

func (c *Coordinator) State() State {
	if c.tripped.Load() {
		return Tripped
	}
	return Armed
}

// Done is closed once the shutdown sequence has run to the end.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	st := c.status
	st.Steps = append([]StepResult(nil), c.status.Steps...)
	if st.Reason != nil {
		r := *st.Reason
		st.Reason = &r
	}
	return st
}

// Trip runs the shutdown sequence if the interlock is still armed. It
// reports whether this call ran it; every later call returns false at once.
func (c *Coordinator) Trip(r Reason) bool {
	if !c.tripped.CompareAndSwap(false, true) {
		return false
	}
	id := uuid.NewString()
	l := c.log.WithField("trip_id", id)
	l.WithField("reason", r.String()).Warn("interlock tripped, shutting down supplies")

	c.statusMu.Lock()
	lost := c.status.AnalogLost
	c.status = Status{State: Tripped, TripID: id, Reason: &r, TrippedAt: c.now(), AnalogLost: lost}
	c.statusMu.Unlock()

	c.cmdMu.Lock()
	results := runSequence(c.sender, c.steps, c.sleep, c.now, l)
	c.cmdMu.Unlock()

	c.statusMu.Lock()
	c.status.Steps = results
	c.status.Completed = true
	st := c.status
	c.statusMu.Unlock()

	if n := st.Failed(); n > 0 {
		l.WithField("failed_steps", n).Error("shutdown sequence finished with failures")
	} else {
		l.Warn("shutdown sequence finished")
	}
	close(c.done)
	if c.opts.Sink != nil {
		c.opts.Sink.Tripped(c.Status())
	}
	return true
}

// Command sends an ordinary command to one supply. Once tripped every
// command is rejected with ErrTripped.
func (c *Coordinator) Command(addr actuator.Address, cmd actuator.Command) (string, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if c.tripped.Load() {
		return "", ErrTripped
	}
	return c.sender.Send(addr, cmd)
}

// HandleEvent trips on a triggered or lost camera and then hands the event
// to the sink. It reports whether the event tripped the interlock.
func (c *Coordinator) HandleEvent(ev poller.Event) bool {
	tripped := false
	switch {
	case ev.Lost:
		detail := "no frame"
		if ev.Err != nil {
			detail = ev.Err.Error()
		}
		tripped = c.Trip(Reason{Source: SourceSensorLoss, Channel: ev.Camera, Detail: detail})
	case ev.Triggered && ev.Frame != nil:
		r := Reason{Source: SourceCamera, Channel: ev.Camera, Value: ev.Frame.Summary().Max}
		if c.opts.Cameras != nil {
			r.Threshold, _ = c.opts.Cameras.Threshold(ev.Camera)
		}
		tripped = c.Trip(r)
	}
	if c.opts.Sink != nil && ev.Frame != nil {
		c.opts.Sink.Frame(ev)
	}
	return tripped
}

// CheckAnalog compares every reading with its channel threshold, in channel
// order, and trips on the first one strictly above it.
func (c *Coordinator) CheckAnalog(readings []analog.Reading) bool {
	rs := append([]analog.Reading(nil), readings...)
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Channel < rs[j].Channel })

	c.analogMu.RLock()
	var hit *Reason
	for _, r := range rs {
		th, ok := c.analog[r.Channel]
		if !ok || math.IsNaN(r.Value) {
			continue
		}
		if r.Value > th {
			hit = &Reason{Source: SourceAnalog, Channel: r.Channel, Value: r.Value, Threshold: th}
			break
		}
	}
	c.analogMu.RUnlock()

	if hit == nil {
		return false
	}
	return c.Trip(*hit)
}

// AnalogLost records that the analog feed ended with err. Analog channels
// are no longer watched after this, so with TripOnAnalogLoss set it trips.
// It reports whether this call tripped the interlock.
func (c *Coordinator) AnalogLost(err error) bool {
	detail := "feed ended"
	if err != nil {
		detail = err.Error()
	}
	c.statusMu.Lock()
	c.status.AnalogLost = detail
	c.statusMu.Unlock()

	l := c.log.WithField("detail", detail)
	if !c.opts.TripOnAnalogLoss {
		l.Error("analog feed lost, analog thresholds are no longer checked")
		return false
	}
	l.Error("analog feed lost")
	return c.Trip(Reason{Source: SourceAnalogLoss, Detail: detail})
}

func (c *Coordinator) SetAnalogThreshold(ch int, v float64) error {
	if math.IsNaN(v) {
		return fmt.Errorf("interlock: analog channel %d threshold is NaN", ch)
	}
	c.analogMu.Lock()
	defer c.analogMu.Unlock()
	c.analog[ch] = v
	return nil
}

func (c *Coordinator) AnalogThreshold(ch int) (float64, bool) {
	c.analogMu.RLock()
	defer c.analogMu.RUnlock()
	v, ok := c.analog[ch]
	return v, ok
}

// Run consumes camera events and analog batches until ctx is done or both
// channels are closed. Either channel may be nil.
func (c *Coordinator) Run(ctx context.Context, events <-chan poller.Event, readings <-chan []analog.Reading) error {
	for events != nil || readings != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.HandleEvent(ev)
		case rs, ok := <-readings:
			if !ok {
				readings = nil
				continue
			}
			c.CheckAnalog(rs)
			if c.opts.Sink != nil {
				c.opts.Sink.Analog(rs)
			}
		}
	}
	return nil
}
