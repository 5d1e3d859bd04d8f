package console

import (
	"bytes"
	"io"
	"os"
	"testing"
	"time"

	"github.com/ericogr/thermal-interlock/pkg/analog"
	"github.com/ericogr/thermal-interlock/pkg/interlock"
	"github.com/ericogr/thermal-interlock/pkg/poller"
	"github.com/ericogr/thermal-interlock/pkg/thermal"
)

func captureStdout(f func()) string {
	r, w, _ := os.Pipe()
	stdout := os.Stdout
	os.Stdout = w
	outC := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		outC <- buf.String()
	}()
	f()
	_ = w.Close()
	os.Stdout = stdout
	return <-outC
}

var ts = time.Date(2025, 9, 19, 14, 41, 54, 0, time.UTC)

func TestConsolePublishAnalog(t *testing.T) {
	out := captureStdout(func() {
		c := NewConsole()
		_ = c.PublishAnalog([]analog.Reading{{Channel: 2, Value: 5.2, Timestamp: ts}})
	})
	want := "2025-09-19T14:41:54Z channel=2 value=5.200000\n"
	if out != want {
		t.Fatalf("console output mismatch:\n got: %q\nwant: %q", out, want)
	}
}

func TestConsolePublishFrame(t *testing.T) {
	px := make([]float64, 4)
	for i := range px {
		px[i] = 30.0
	}
	px[3] = 45.0
	f, err := thermal.NewFrame(1, 2, 2, 24.5, px, ts)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	var buf bytes.Buffer
	c := &ConsoleOutput{w: &buf}
	if err := c.PublishFrame(poller.Event{Camera: 1, Frame: f, Triggered: true, At: ts.Add(time.Second)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	want := "2025-09-19T14:41:54Z camera=1 min=30.0 max=45.0 mean=33.75 ref=24.5 triggered=true\n"
	if buf.String() != want {
		t.Fatalf("console output mismatch:\n got: %q\nwant: %q", buf.String(), want)
	}
}

func TestConsolePublishTrip(t *testing.T) {
	var buf bytes.Buffer
	c := &ConsoleOutput{w: &buf}
	st := interlock.Status{
		State:     interlock.Tripped,
		TripID:    "abc",
		TrippedAt: ts,
		Reason:    &interlock.Reason{Source: interlock.SourceAnalog, Channel: 2, Value: 5.2, Threshold: 5.0},
		Steps:     []interlock.StepResult{{Command: "PC 0.00"}, {Command: "PV 0.00", Error: "timeout"}},
	}
	if err := c.PublishTrip(st); err != nil {
		t.Fatalf("publish: %v", err)
	}
	want := "2025-09-19T14:41:54Z INTERLOCK TRIPPED id=abc reason=\"analog 2: 5.20 > 5.00\" steps=2 failed=1\n"
	if buf.String() != want {
		t.Fatalf("console output mismatch:\n got: %q\nwant: %q", buf.String(), want)
	}
}
