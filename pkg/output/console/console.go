package console

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ericogr/thermal-interlock/pkg/analog"
	"github.com/ericogr/thermal-interlock/pkg/interlock"
	"github.com/ericogr/thermal-interlock/pkg/output"
	"github.com/ericogr/thermal-interlock/pkg/poller"
)

type ConsoleOutput struct {
	w io.Writer
}

func NewConsole() output.Output { return &ConsoleOutput{w: os.Stdout} }

func (c *ConsoleOutput) writer() io.Writer {
	if c.w == nil {
		return os.Stdout
	}
	return c.w
}

func (c *ConsoleOutput) PublishFrame(ev poller.Event) error {
	if ev.Frame == nil {
		return nil
	}
	s := ev.Frame.Summary()
	_, err := fmt.Fprintf(c.writer(), "%s camera=%d min=%.1f max=%.1f mean=%.2f ref=%.1f triggered=%t\n",
		ev.Frame.CapturedAt().Format(time.RFC3339), ev.Camera, s.Min, s.Max, s.Mean, s.Reference, ev.Triggered)
	return err
}

func (c *ConsoleOutput) PublishAnalog(rs []analog.Reading) error {
	for _, r := range rs {
		if _, err := fmt.Fprintf(c.writer(), "%s channel=%d value=%.6f\n", r.Timestamp.Format(time.RFC3339), r.Channel, r.Value); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConsoleOutput) PublishTrip(st interlock.Status) error {
	reason := "unknown"
	if st.Reason != nil {
		reason = st.Reason.String()
	}
	_, err := fmt.Fprintf(c.writer(), "%s INTERLOCK TRIPPED id=%s reason=%q steps=%d failed=%d\n",
		st.TrippedAt.Format(time.RFC3339), st.TripID, reason, len(st.Steps), st.Failed())
	return err
}

func (c *ConsoleOutput) Close() error { return nil }
