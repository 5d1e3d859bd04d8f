package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ericogr/thermal-interlock/pkg/thermal"
)

type fakeCapturer struct {
	mu      sync.Mutex
	calls   int
	fail    func(call int) bool
	hottest float64
	limit   float64
}

func (f *fakeCapturer) CaptureFrame(cam int) (*thermal.Frame, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if f.fail != nil && f.fail(call) {
		return nil, errors.New("bus nack")
	}
	px := make([]float64, 4)
	px[3] = f.hottest
	return thermal.NewFrame(cam, 2, 2, 24, px, time.Now())
}

func (f *fakeCapturer) CheckThresholdExceeded(cam int, fr *thermal.Frame) bool {
	return fr.Summary().Max > f.limit
}

func (f *fakeCapturer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestNewValidates(t *testing.T) {
	out := make(chan Event)
	if _, err := New(Config{Interval: 0}, &fakeCapturer{}, out); err == nil {
		t.Fatalf("expected interval error")
	}
	if _, err := New(Config{Interval: time.Millisecond}, nil, out); err == nil {
		t.Fatalf("expected capturer error")
	}
	if _, err := New(Config{Interval: time.Millisecond}, &fakeCapturer{}, nil); err == nil {
		t.Fatalf("expected channel error")
	}
}

func TestPollOnceReportsTrigger(t *testing.T) {
	src := &fakeCapturer{hottest: 45.0, limit: 40.0}
	w, err := New(Config{Camera: 2, Interval: time.Second}, src, make(chan Event))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ev, ok := w.PollOnce()
	if !ok || !ev.Triggered || ev.Camera != 2 || ev.Frame == nil {
		t.Fatalf("unexpected event %+v ok=%v", ev, ok)
	}

	src.hottest = 39.0
	if ev, _ := w.PollOnce(); ev.Triggered {
		t.Fatalf("39.0 must not trigger at 40.0")
	}
}

func TestPollOnceFailureThenRecoveryStillTriggers(t *testing.T) {
	src := &fakeCapturer{hottest: 45.0, limit: 40.0, fail: func(call int) bool { return call <= 3 }}
	w, _ := New(Config{Camera: 0, Interval: time.Second}, src, make(chan Event))

	for i := 0; i < 3; i++ {
		if _, ok := w.PollOnce(); ok {
			t.Fatalf("failed capture %d must not emit", i)
		}
	}
	ev, ok := w.PollOnce()
	if !ok || !ev.Triggered {
		t.Fatalf("first good read after failures must trigger: %+v", ev)
	}
}

func TestPollOnceLossLimit(t *testing.T) {
	src := &fakeCapturer{fail: func(call int) bool { return call != 5 }}
	w, _ := New(Config{Camera: 1, Interval: time.Second, LossLimit: 2}, src, make(chan Event))

	var lost int
	for i := 0; i < 8; i++ {
		if ev, ok := w.PollOnce(); ok && ev.Lost {
			if ev.Frame != nil || ev.Err == nil {
				t.Fatalf("lost event malformed: %+v", ev)
			}
			lost++
		}
	}
	// calls 1-2 fail (lost), 3-4 fail, 5 ok resets, 6-7 fail (lost), 8 fails
	if lost != 2 {
		t.Fatalf("expected 2 lost events, got %d", lost)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	src := &fakeCapturer{limit: 100}
	out := make(chan Event, 64)
	w, _ := New(Config{Camera: 3, Interval: 5 * time.Millisecond}, src, out)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Start(context.Background()); err == nil {
		t.Fatalf("second Start must fail")
	}
	select {
	case ev := <-out:
		if ev.Camera != 3 {
			t.Fatalf("camera: %d", ev.Camera)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event before timeout")
	}

	w.Stop()
	if w.State() != Stopped {
		t.Fatalf("state after Stop: %s", w.State())
	}
	for len(out) > 0 {
		<-out
	}
	calls := src.Calls()
	time.Sleep(30 * time.Millisecond)
	if len(out) != 0 || src.Calls() != calls {
		t.Fatalf("worker kept polling after Stop")
	}
	if err := w.Start(context.Background()); err == nil {
		t.Fatalf("Start after Stop must fail")
	}
	w.Stop()
}

func TestStopUnblocksPendingSend(t *testing.T) {
	src := &fakeCapturer{limit: 100}
	out := make(chan Event) // nobody reads
	w, _ := New(Config{Camera: 0, Interval: time.Millisecond}, src, out)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Stop blocked on an unread channel")
	}
}

func TestContextCancelEndsPolling(t *testing.T) {
	src := &fakeCapturer{limit: 100}
	out := make(chan Event, 64)
	ctx, cancel := context.WithCancel(context.Background())
	w, _ := New(Config{Camera: 0, Interval: 2 * time.Millisecond}, src, out)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	w.Stop()
	calls := src.Calls()
	time.Sleep(20 * time.Millisecond)
	if src.Calls() != calls {
		t.Fatalf("polling continued after cancel")
	}
}

func TestStopIdleWorker(t *testing.T) {
	w, _ := New(Config{Interval: time.Millisecond}, &fakeCapturer{}, make(chan Event))
	w.Stop()
	if w.State() != Stopped {
		t.Fatalf("state: %s", w.State())
	}
	if err := w.Start(context.Background()); err == nil {
		t.Fatalf("Start after Stop must fail")
	}
}

// gatedCapturer blocks every capture until release is closed.
type gatedCapturer struct {
	fakeCapturer
	entered chan struct{}
	once    sync.Once
	release chan struct{}
}

func (g *gatedCapturer) CaptureFrame(cam int) (*thermal.Frame, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.fakeCapturer.CaptureFrame(cam)
}

func TestConcurrentStopWaitsForExit(t *testing.T) {
	src := &gatedCapturer{fakeCapturer: fakeCapturer{limit: 100}, entered: make(chan struct{}), release: make(chan struct{})}
	out := make(chan Event, 64)
	w, _ := New(Config{Camera: 1, Interval: time.Millisecond}, src, out)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-src.entered

	returned := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			w.Stop()
			returned <- struct{}{}
		}()
	}
	select {
	case <-returned:
		t.Fatalf("Stop returned while a capture was still running")
	case <-time.After(30 * time.Millisecond):
	}
	close(src.release)
	for i := 0; i < 2; i++ {
		select {
		case <-returned:
		case <-time.After(time.Second):
			t.Fatalf("Stop %d never returned", i)
		}
	}
	for len(out) > 0 {
		<-out
	}
	calls := src.Calls()
	time.Sleep(20 * time.Millisecond)
	if len(out) != 0 || src.Calls() != calls {
		t.Fatalf("worker kept running after Stop")
	}
	w.Stop()
}
