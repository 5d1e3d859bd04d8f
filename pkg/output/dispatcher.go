package output

import (
	"errors"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/ericogr/thermal-interlock/pkg/analog"
	"github.com/ericogr/thermal-interlock/pkg/interlock"
	"github.com/ericogr/thermal-interlock/pkg/poller"
)

// Dispatcher hands events to outputs on its own goroutine. Frame and Analog
// never block: when the buffer is full the item is dropped and counted.
// It implements interlock.Sink.
type Dispatcher struct {
	outs   []Output
	frames chan poller.Event
	analog chan []analog.Reading
	trips  chan interlock.Status

	dropped atomic.Uint64
	quit    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func NewDispatcher(outs []Output, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 16
	}
	d := &Dispatcher{
		outs:   outs,
		frames: make(chan poller.Event, buffer),
		analog: make(chan []analog.Reading, buffer),
		trips:  make(chan interlock.Status, 1),
		quit:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *Dispatcher) Frame(ev poller.Event) {
	select {
	case d.frames <- ev:
	default:
		d.dropped.Add(1)
	}
}

func (d *Dispatcher) Analog(rs []analog.Reading) {
	select {
	case d.analog <- rs:
	default:
		d.dropped.Add(1)
	}
}

// Tripped queues the trip status. There is only ever one.
func (d *Dispatcher) Tripped(st interlock.Status) {
	select {
	case d.trips <- st:
	default:
		log.WithField("trip_id", st.TripID).Error("trip status not queued, dispatcher full")
	}
}

// Dropped returns how many frames and analog batches were discarded.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		// trips go out before anything already queued
		select {
		case st := <-d.trips:
			d.publishTrip(st)
			continue
		default:
		}
		select {
		case st := <-d.trips:
			d.publishTrip(st)
		case ev := <-d.frames:
			for _, o := range d.outs {
				if err := o.PublishFrame(ev); err != nil {
					log.WithError(err).WithField("camera", ev.Camera).Warn("publish frame failed")
				}
			}
		case rs := <-d.analog:
			for _, o := range d.outs {
				if err := o.PublishAnalog(rs); err != nil {
					log.WithError(err).Warn("publish analog failed")
				}
			}
		case <-d.quit:
			select {
			case st := <-d.trips:
				d.publishTrip(st)
			default:
			}
			return
		}
	}
}

func (d *Dispatcher) publishTrip(st interlock.Status) {
	for _, o := range d.outs {
		if err := o.PublishTrip(st); err != nil {
			log.WithError(err).WithField("trip_id", st.TripID).Error("publish trip failed")
		}
	}
}

// Close stops the dispatcher, flushes a pending trip and closes every output.
func (d *Dispatcher) Close() error {
	var errs []error
	d.once.Do(func() {
		close(d.quit)
		d.wg.Wait()
		for _, o := range d.outs {
			if err := o.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
