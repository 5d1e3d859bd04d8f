package interlock

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ericogr/thermal-interlock/pkg/actuator"
	"github.com/ericogr/thermal-interlock/pkg/analog"
	"github.com/ericogr/thermal-interlock/pkg/poller"
	"github.com/ericogr/thermal-interlock/pkg/thermal"
)

// traceSender records "addr: wire" and fails for addresses in fail.
type traceSender struct {
	mu    sync.Mutex
	trace []string
	fail  map[actuator.Address]error
}

func (s *traceSender) Send(addr actuator.Address, cmd actuator.Command) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = append(s.trace, fmt.Sprintf("%s: %s", addr, cmd.Wire))
	if err := s.fail[addr]; err != nil {
		return "", err
	}
	return "OK", nil
}

func (s *traceSender) frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.trace...)
}

type recordingSleep struct {
	mu     sync.Mutex
	pauses []time.Duration
}

func (r *recordingSleep) sleep(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauses = append(r.pauses, d)
}

var supplies = []Actuator{{Name: "secondary", Address: "07"}, {Name: "primary", Address: "06"}}

var wantTrace = []string{
	"07: PC 0.00", "07: PV 0.00", "07: OUT 0",
	"06: PC 0.00", "06: PV 0.00", "06: OUT 0",
}

func newTestCoordinator(t *testing.T, s Sender, opts Options) (*Coordinator, *recordingSleep) {
	t.Helper()
	if opts.Actuators == nil {
		opts.Actuators = supplies
	}
	if opts.Timing == (Timing{}) {
		opts.Timing = DefaultTiming()
	}
	c, err := New(s, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rs := &recordingSleep{}
	c.sleep = rs.sleep
	return c, rs
}

func TestShutdownSequenceOrderAndPauses(t *testing.T) {
	s := &traceSender{}
	c, rs := newTestCoordinator(t, s, Options{})

	if !c.Trip(Reason{Source: SourceManual}) {
		t.Fatalf("first trip should run the sequence")
	}
	if got := s.frames(); !reflect.DeepEqual(got, wantTrace) {
		t.Fatalf("trace:\n got %v\nwant %v", got, wantTrace)
	}
	ms := time.Millisecond
	wantPauses := []time.Duration{50 * ms, 50 * ms, 100 * ms, 50 * ms, 50 * ms}
	if !reflect.DeepEqual(rs.pauses, wantPauses) {
		t.Fatalf("pauses: got %v want %v", rs.pauses, wantPauses)
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("Done not closed after trip")
	}
	st := c.Status()
	if st.State != Tripped || !st.Completed || st.TripID == "" || len(st.Steps) != 6 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestTripIsIdempotent(t *testing.T) {
	s := &traceSender{}
	c, _ := newTestCoordinator(t, s, Options{})
	if !c.Trip(Reason{Source: SourceManual}) {
		t.Fatalf("first trip should run")
	}
	if c.Trip(Reason{Source: SourceManual}) {
		t.Fatalf("second trip should be a no-op")
	}
	if n := len(s.frames()); n != 6 {
		t.Fatalf("frames: got %d want 6", n)
	}
}

func TestConcurrentTriggersTripOnce(t *testing.T) {
	for round := 0; round < 20; round++ {
		s := &traceSender{}
		c, _ := newTestCoordinator(t, s, Options{AnalogThresholds: map[int]float64{2: 5.0}})

		hot := frameAt(t, 1, 45.0)
		var wg sync.WaitGroup
		var mu sync.Mutex
		ran := 0
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var won bool
				switch i % 3 {
				case 0:
					won = c.Trip(Reason{Source: SourceManual})
				case 1:
					won = c.CheckAnalog([]analog.Reading{{Channel: 2, Value: 5.2}})
				default:
					won = c.HandleEvent(poller.Event{Camera: 1, Frame: hot, Triggered: true})
				}
				if won {
					mu.Lock()
					ran++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if ran != 1 {
			t.Fatalf("round %d: sequence ran %d times", round, ran)
		}
		if got := s.frames(); !reflect.DeepEqual(got, wantTrace) {
			t.Fatalf("round %d: trace %v", round, got)
		}
	}
}

func TestFailedStepDoesNotAbortSequence(t *testing.T) {
	jam := &actuator.TransportError{Kind: actuator.WriteTimeout, Address: "07"}
	s := &traceSender{fail: map[actuator.Address]error{"07": jam}}
	c, _ := newTestCoordinator(t, s, Options{})

	c.Trip(Reason{Source: SourceManual})
	if got := s.frames(); !reflect.DeepEqual(got, wantTrace) {
		t.Fatalf("trace: %v", got)
	}
	st := c.Status()
	if st.Failed() != 3 {
		t.Fatalf("failed steps: got %d want 3", st.Failed())
	}
	for _, r := range st.Steps[3:] {
		if r.Error != "" {
			t.Fatalf("primary step should succeed: %+v", r)
		}
	}
}

func TestCommandRejectedAfterTrip(t *testing.T) {
	s := &traceSender{}
	c, _ := newTestCoordinator(t, s, Options{})

	if _, err := c.Command("06", actuator.SetVoltage(12)); err != nil {
		t.Fatalf("command before trip: %v", err)
	}
	c.Trip(Reason{Source: SourceManual})
	if _, err := c.Command("06", actuator.SetVoltage(12)); !errors.Is(err, ErrTripped) {
		t.Fatalf("expected ErrTripped, got %v", err)
	}
	if n := len(s.frames()); n != 7 {
		t.Fatalf("frames: got %d want 7", n)
	}
}

// gateSender holds the first send until release is closed.
type gateSender struct {
	traceSender
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (s *gateSender) Send(addr actuator.Address, cmd actuator.Command) (string, error) {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.started)
		<-s.release
	}
	return s.traceSender.Send(addr, cmd)
}

func TestCommandDuringShutdownIsRejected(t *testing.T) {
	s := &gateSender{started: make(chan struct{}), release: make(chan struct{})}
	c, _ := newTestCoordinator(t, s, Options{})

	tripped := make(chan bool, 1)
	go func() { tripped <- c.Trip(Reason{Source: SourceManual}) }()
	<-s.started

	cmdErr := make(chan error, 1)
	go func() {
		_, err := c.Command("06", actuator.SetOutput(true))
		cmdErr <- err
	}()
	select {
	case err := <-cmdErr:
		t.Fatalf("command returned while shutdown was running: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	close(s.release)

	if !<-tripped {
		t.Fatalf("Trip should run the sequence")
	}
	select {
	case err := <-cmdErr:
		if !errors.Is(err, ErrTripped) {
			t.Fatalf("expected ErrTripped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("command never returned")
	}
	if got := s.frames(); !reflect.DeepEqual(got, wantTrace) {
		t.Fatalf("trace: got %v want %v", got, wantTrace)
	}
}

func TestAnalogLost(t *testing.T) {
	tests := []struct {
		name string
		trip bool
	}{
		{"recorded only", false},
		{"trips", true},
	}
	for _, tt := range tests {
		s := &traceSender{}
		c, _ := newTestCoordinator(t, s, Options{TripOnAnalogLoss: tt.trip})
		if got := c.AnalogLost(analog.ErrFeedEnded); got != tt.trip {
			t.Fatalf("%s: AnalogLost = %v", tt.name, got)
		}
		st := c.Status()
		if st.AnalogLost == "" {
			t.Fatalf("%s: loss not recorded in status", tt.name)
		}
		if !tt.trip {
			if st.State != Armed || len(s.frames()) != 0 {
				t.Fatalf("%s: should stay armed", tt.name)
			}
			continue
		}
		if st.Reason == nil || st.Reason.Source != SourceAnalogLoss {
			t.Fatalf("%s: reason %+v", tt.name, st.Reason)
		}
		if got := s.frames(); !reflect.DeepEqual(got, wantTrace) {
			t.Fatalf("%s: trace %v", tt.name, got)
		}
	}
}

// A closed analog stream reaches the coordinator through Feed.
func TestAnalogFeedEndTrips(t *testing.T) {
	s := &traceSender{}
	c, _ := newTestCoordinator(t, s, Options{TripOnAnalogLoss: true})
	src := analog.NewLineSource(strings.NewReader("0.1,0.2,0.3,0.4\n"), analog.DefaultMinFields)
	readings := make(chan []analog.Reading, 1)
	if err := analog.Feed(context.Background(), src, 0, readings); err != nil {
		c.AnalogLost(err)
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatalf("feed end did not trip")
	}
	if len(readings) != 1 {
		t.Fatalf("batch before EOF not forwarded")
	}
}

func TestCheckAnalog(t *testing.T) {
	tests := []struct {
		name  string
		in    []analog.Reading
		want  bool
		reach int
	}{
		{"below", []analog.Reading{{Channel: 2, Value: 4.9}}, false, -1},
		{"equal is not above", []analog.Reading{{Channel: 2, Value: 5.0}}, false, -1},
		{"unmonitored channel", []analog.Reading{{Channel: 0, Value: 99}}, false, -1},
		{"channel 2 over", []analog.Reading{{Channel: 0, Value: 1}, {Channel: 2, Value: 5.2}}, true, 2},
	}
	for _, tt := range tests {
		s := &traceSender{}
		c, _ := newTestCoordinator(t, s, Options{AnalogThresholds: map[int]float64{2: 5.0}})
		if got := c.CheckAnalog(tt.in); got != tt.want {
			t.Fatalf("%s: got %v want %v", tt.name, got, tt.want)
		}
		if tt.want {
			st := c.Status()
			if st.Reason == nil || st.Reason.Source != SourceAnalog || st.Reason.Channel != tt.reach {
				t.Fatalf("%s: reason %+v", tt.name, st.Reason)
			}
			if got := s.frames(); !reflect.DeepEqual(got, wantTrace) {
				t.Fatalf("%s: trace %v", tt.name, got)
			}
		} else if c.State() != Armed || len(s.frames()) != 0 {
			t.Fatalf("%s: should stay armed", tt.name)
		}
	}
}

func TestSensorLossTrips(t *testing.T) {
	s := &traceSender{}
	c, _ := newTestCoordinator(t, s, Options{})
	if !c.HandleEvent(poller.Event{Camera: 3, Lost: true, Err: errors.New("checksum mismatch")}) {
		t.Fatalf("lost camera should trip")
	}
	if r := c.Status().Reason; r == nil || r.Source != SourceSensorLoss || r.Channel != 3 {
		t.Fatalf("reason: %+v", r)
	}
}

type captureSink struct {
	mu     sync.Mutex
	frames int
	trips  []Status
}

func (s *captureSink) Frame(poller.Event) {
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
}

func (s *captureSink) Analog([]analog.Reading) {}

func (s *captureSink) Tripped(st Status) {
	s.mu.Lock()
	s.trips = append(s.trips, st)
	s.mu.Unlock()
}

func frameAt(t *testing.T, cam int, v float64) *thermal.Frame {
	t.Helper()
	px := make([]float64, thermal.Pixels)
	for i := range px {
		px[i] = 25.0
	}
	px[17] = v
	f, err := thermal.NewFrame(cam, thermal.Rows, thermal.Cols, 24.0, px, time.Now())
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	return f
}

// A hot camera flows from the bus through a worker into the coordinator.
func TestEndToEndCameraOverTemperature(t *testing.T) {
	bus := thermal.NewSimBus(25.0, 0)
	bus.SetTemperature(1, 45.0)
	mcfg := thermal.DefaultManagerConfig()
	mcfg.Cameras = []int{0, 1}
	mcfg.DefaultThreshold = 40.0
	mgr, err := thermal.NewManager(thermal.NewDriver(bus, thermal.DriverOptions{}), nil, mcfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	port := actuator.NewSimPort("06", "07")
	opts := actuator.DefaultOptions()
	opts.FrameDelay = 0
	sink := &captureSink{}
	c, _ := newTestCoordinator(t, actuator.NewChannel(port, opts), Options{Cameras: mgr, Sink: sink})
	for _, a := range supplies {
		for _, cmd := range []actuator.Command{actuator.SetVoltage(12), actuator.SetCurrent(1.5), actuator.SetOutput(true)} {
			if _, err := c.Command(a.Address, cmd); err != nil {
				t.Fatalf("energize %s: %v", a.Address, err)
			}
		}
	}

	events := make(chan poller.Event, 4)
	var workers []*poller.Worker
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, cam := range mgr.Cameras() {
		w, err := poller.New(poller.Config{Camera: cam, Interval: 50 * time.Millisecond}, mgr, events)
		if err != nil {
			t.Fatalf("poller.New: %v", err)
		}
		if err := w.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
		workers = append(workers, w)
	}
	go c.Run(ctx, events, nil)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("interlock did not trip")
	}
	for _, w := range workers {
		w.Stop()
	}

	st := c.Status()
	if st.Reason == nil || st.Reason.Source != SourceCamera || st.Reason.Channel != 1 {
		t.Fatalf("reason: %+v", st.Reason)
	}
	if st.Reason.Value != 45.0 || st.Reason.Threshold != 40.0 {
		t.Fatalf("reason values: %+v", st.Reason)
	}
	for _, addr := range []actuator.Address{"06", "07"} {
		ps, _ := port.State(addr)
		if ps.Output || ps.Voltage != 0 || ps.Current != 0 {
			t.Fatalf("supply %s not shut down: %+v", addr, ps)
		}
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.trips) != 1 {
		t.Fatalf("sink trips: got %d want 1", len(sink.trips))
	}
}

// An analog reading over its threshold trips through Run without any camera.
func TestEndToEndAnalogOverThreshold(t *testing.T) {
	s := &traceSender{}
	c, _ := newTestCoordinator(t, s, Options{AnalogThresholds: map[int]float64{2: 5.0}})

	readings := make(chan []analog.Reading, 2)
	readings <- analog.ParseLine("1.000000,1.000000,5.200000,0.000000", analog.DefaultMinFields, time.Now())
	readings <- analog.ParseLine("1.000000,1.000000,5.300000,0.000000", analog.DefaultMinFields, time.Now())
	close(readings)

	if err := c.Run(context.Background(), nil, readings); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := s.frames(); !reflect.DeepEqual(got, wantTrace) {
		t.Fatalf("trace: %v", got)
	}
	if r := c.Status().Reason; r == nil || r.Channel != 2 || r.Value != 5.2 {
		t.Fatalf("reason: %+v", r)
	}
}

func TestNewRejectsDuplicateAddress(t *testing.T) {
	_, err := New(&traceSender{}, Options{Actuators: []Actuator{{Name: "a", Address: "06"}, {Name: "b", Address: "06"}}})
	if err == nil {
		t.Fatalf("expected error for duplicate address")
	}
}
