package analog

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ericogr/thermal-interlock/pkg/config"
)

func TestFeedForwardsUntilEOF(t *testing.T) {
	src := NewLineSource(strings.NewReader("1,2,3,4\n5,6,7,8\n"), 4)
	out := make(chan []Reading, 4)
	if err := Feed(context.Background(), src, 0, out); !errors.Is(err, ErrFeedEnded) {
		t.Fatalf("feed: got %v want ErrFeedEnded", err)
	}
	close(out)
	var batches [][]Reading
	for b := range out {
		batches = append(batches, b)
	}
	if len(batches) != 2 || batches[1][3].Value != 8 {
		t.Fatalf("unexpected batches: %+v", batches)
	}
}

type failingSource struct{ calls int }

func (f *failingSource) Read() ([]Reading, error) {
	f.calls++
	return nil, errors.New("bus gone")
}

func (f *failingSource) Close() error { return nil }

func TestFeedEmptyInputEndsWithError(t *testing.T) {
	src := NewLineSource(strings.NewReader(""), 4)
	out := make(chan []Reading, 1)
	err := Feed(context.Background(), src, 0, out)
	if !errors.Is(err, ErrFeedEnded) {
		t.Fatalf("closed input: got %v want ErrFeedEnded", err)
	}
	if len(out) != 0 {
		t.Fatalf("readings sent for empty input")
	}
}

func TestFeedBlockingSourceErrorEnds(t *testing.T) {
	src := &failingSource{}
	if err := Feed(context.Background(), src, 0, make(chan []Reading)); err == nil {
		t.Fatalf("expected error from blocking source")
	}
	if src.calls != 1 {
		t.Fatalf("calls: got %d want 1", src.calls)
	}
}

func TestFeedPolledSourceStopsOnCancel(t *testing.T) {
	cfg := config.AnalogConfig{Channels: []config.ChannelConfig{{Channel: 2, Enabled: true}}}
	sim := NewSimSource(cfg, 0)
	sim.Set(2, 5.2)
	out := make(chan []Reading, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Feed(ctx, sim, time.Millisecond, out) }()

	select {
	case rs := <-out:
		if len(rs) != 1 || rs[0].Channel != 2 || rs[0].Value != 5.2 {
			t.Fatalf("unexpected readings: %+v", rs)
		}
	case <-time.After(time.Second):
		t.Fatalf("no readings")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("feed did not stop")
	}
}

func TestThresholdsOnlyEnabledWithValue(t *testing.T) {
	five := 5.0
	cfg := config.AnalogConfig{Channels: []config.ChannelConfig{
		{Channel: 0, Enabled: true},
		{Channel: 1, Enabled: false, Threshold: &five},
		{Channel: 2, Enabled: true, Threshold: &five},
	}}
	th := Thresholds(cfg)
	if len(th) != 1 || th[2] != 5.0 {
		t.Fatalf("thresholds: %v", th)
	}
}
