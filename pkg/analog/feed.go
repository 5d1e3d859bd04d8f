package analog

import (
	"context"
	"errors"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrFeedEnded is returned by Feed when the source reports io.EOF.
var ErrFeedEnded = errors.New("analog: feed ended")

// Feed reads src until ctx is done or src reports io.EOF, sending every
// non-empty batch to out. interval paces polled sources; a zero interval
// reads back to back, which suits blocking sources like LineSource. A
// blocking source's read error ends the feed. Cancellation returns nil; any
// other end is an error, ErrFeedEnded for io.EOF.
func Feed(ctx context.Context, src Source, interval time.Duration, out chan<- []Reading) error {
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		rs, err := src.Read()
		switch {
		case errors.Is(err, io.EOF):
			return ErrFeedEnded
		case err != nil:
			if tick == nil {
				return err
			}
			log.WithError(err).Warn("analog read failed")
		case len(rs) > 0:
			select {
			case out <- rs:
			case <-ctx.Done():
				return nil
			}
		}
		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
