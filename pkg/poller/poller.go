package poller

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ericogr/thermal-interlock/pkg/thermal"
)

// Capturer is the sensor side a worker polls. *thermal.Manager implements it.
type Capturer interface {
	CaptureFrame(cam int) (*thermal.Frame, error)
	CheckThresholdExceeded(cam int, f *thermal.Frame) bool
}

// Config is the per-camera runtime config.
type Config struct {
	Camera   int
	Interval time.Duration
	// LossLimit is the number of consecutive failed captures after which a
	// Lost event is emitted. 0 disables it.
	LossLimit int
}

// Worker polls one camera on its own goroutine.
type Worker struct {
	cfg Config
	src Capturer
	out chan<- Event
	log *log.Entry

	lifeMu   sync.Mutex // Start and Stop
	started  bool
	state    stateBox
	failures int
	lostSent bool
	now      func() time.Time

	stop chan struct{}
	done chan struct{}
}

func New(cfg Config, src Capturer, out chan<- Event) (*Worker, error) {
	if src == nil {
		return nil, errors.New("poller: capturer required")
	}
	if out == nil {
		return nil, errors.New("poller: output channel required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("poller: interval must be > 0")
	}
	if cfg.LossLimit < 0 {
		return nil, fmt.Errorf("poller: loss limit %d must be >= 0", cfg.LossLimit)
	}
	return &Worker{
		cfg:  cfg,
		src:  src,
		out:  out,
		log:  log.WithField("camera", cfg.Camera),
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

// PollOnce runs one capture cycle. ok is false when there is nothing to emit.
func (w *Worker) PollOnce() (ev Event, ok bool) {
	f, err := w.src.CaptureFrame(w.cfg.Camera)
	if err != nil {
		w.failures++
		w.log.WithError(err).WithField("failures", w.failures).Warn("capture failed")
		if w.cfg.LossLimit > 0 && w.failures >= w.cfg.LossLimit && !w.lostSent {
			w.lostSent = true
			w.log.WithField("failures", w.failures).Error("camera lost")
			return Event{Camera: w.cfg.Camera, At: w.now(), Lost: true, Err: err}, true
		}
		return Event{}, false
	}
	if w.failures > 0 {
		w.log.WithField("failures", w.failures).Info("capture recovered")
	}
	w.failures = 0
	w.lostSent = false

	return Event{
		Camera:    w.cfg.Camera,
		Frame:     f,
		Triggered: w.src.CheckThresholdExceeded(w.cfg.Camera, f),
		At:        w.now(),
	}, true
}
