package output

import (
	"sync"
	"testing"
	"time"

	"github.com/ericogr/thermal-interlock/pkg/analog"
	"github.com/ericogr/thermal-interlock/pkg/interlock"
	"github.com/ericogr/thermal-interlock/pkg/poller"
)

type recordingOutput struct {
	mu     sync.Mutex
	frames []poller.Event
	analog int
	trips  []interlock.Status
	closed bool
	block  chan struct{}
}

func (r *recordingOutput) PublishFrame(ev poller.Event) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, ev)
	return nil
}

func (r *recordingOutput) PublishAnalog([]analog.Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analog++
	return nil
}

func (r *recordingOutput) PublishTrip(st interlock.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trips = append(r.trips, st)
	return nil
}

func (r *recordingOutput) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestEveryNPerCamera(t *testing.T) {
	rec := &recordingOutput{}
	o := EveryN(rec, 10)
	for i := 0; i < 25; i++ {
		_ = o.PublishFrame(poller.Event{Camera: 0})
		_ = o.PublishFrame(poller.Event{Camera: 1})
	}
	_ = o.PublishFrame(poller.Event{Camera: 0, Triggered: true})
	// frames 0, 10, 20 per camera, plus the triggered one
	if len(rec.frames) != 7 {
		t.Fatalf("frames: got %d want 7", len(rec.frames))
	}
	if EveryN(rec, 1) != Output(rec) {
		t.Fatalf("EveryN(1) should return the output unchanged")
	}
}

func TestDispatcherNeverBlocks(t *testing.T) {
	rec := &recordingOutput{block: make(chan struct{})}
	d := NewDispatcher([]Output{rec}, 2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			d.Frame(poller.Event{Camera: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Frame blocked on a stalled output")
	}
	if d.Dropped() == 0 {
		t.Fatalf("expected dropped frames")
	}
	close(rec.block)
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestDispatcherDeliversTripBeforeClose(t *testing.T) {
	rec := &recordingOutput{}
	d := NewDispatcher([]Output{rec}, 4)
	d.Analog([]analog.Reading{{Channel: 2, Value: 5.2}})
	d.Tripped(interlock.Status{State: interlock.Tripped, TripID: "t1"})
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.trips) != 1 || rec.trips[0].TripID != "t1" {
		t.Fatalf("trips: %+v", rec.trips)
	}
	if !rec.closed {
		t.Fatalf("output not closed")
	}
}
