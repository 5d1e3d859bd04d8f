// Package analog reads the auxiliary analog channels that the interlock
// compares against per-channel thresholds.
package analog

import "time"

type Reading struct {
	Channel   int       `json:"channel"`
	Raw       int16     `json:"raw"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Source produces one batch of readings per call. Channels whose value
// could not be obtained are left out of the batch.
type Source interface {
	Read() ([]Reading, error)
	Close() error
}
