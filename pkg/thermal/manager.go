package thermal

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
)

// ResetLine drives the multiplexer reset input. gpio.PinOut satisfies it.
type ResetLine interface {
	Out(l gpio.Level) error
}

type ManagerConfig struct {
	Cameras          []int
	DefaultThreshold float64

	Attempts      int           // reads per capture before giving up
	RetryBackoff  time.Duration // pause between attempts
	CaptureBudget time.Duration // cap on total time spent retrying one capture, 0 = none

	ResetPulse   time.Duration // reset line held low
	ResetSettle  time.Duration // after reset, before the first select
	InitSettle   time.Duration // after each select during Initialize
	SelectSettle time.Duration // after each select during CaptureFrame
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Cameras:          []int{0, 1, 2, 3},
		DefaultThreshold: 40.0,
		Attempts:         5,
		RetryBackoff:     20 * time.Millisecond,
		CaptureBudget:    200 * time.Millisecond,
		ResetPulse:       10 * time.Millisecond,
		ResetSettle:      100 * time.Millisecond,
		InitSettle:       20 * time.Millisecond,
	}
}

// Manager owns the shared sensor bus. Every transfer goes through mu so that
// exactly one multiplexer channel is active while a read is in flight.
type Manager struct {
	mu    sync.Mutex
	drv   *Driver
	reset ResetLine
	cfg   ManagerConfig

	// read-only after NewManager; values are float64 bits
	thresholds map[int]*atomic.Uint64

	sleep func(time.Duration)
	now   func() time.Time
}

// NewManager wires a driver to the logical cameras in cfg. reset may be nil,
// in which case Initialize disables all mux channels instead of pulsing.
func NewManager(drv *Driver, reset ResetLine, cfg ManagerConfig) (*Manager, error) {
	if drv == nil {
		return nil, errors.New("thermal: driver required")
	}
	if len(cfg.Cameras) == 0 {
		return nil, errors.New("thermal: at least one camera required")
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	m := &Manager{
		drv:        drv,
		reset:      reset,
		cfg:        cfg,
		thresholds: make(map[int]*atomic.Uint64, len(cfg.Cameras)),
		sleep:      time.Sleep,
		now:        time.Now,
	}
	for _, cam := range cfg.Cameras {
		if cam < 0 || cam >= MaxChannels {
			return nil, fmt.Errorf("thermal: camera %d out of range 0..%d", cam, MaxChannels-1)
		}
		if _, dup := m.thresholds[cam]; dup {
			return nil, fmt.Errorf("thermal: camera %d listed twice", cam)
		}
		v := new(atomic.Uint64)
		v.Store(math.Float64bits(cfg.DefaultThreshold))
		m.thresholds[cam] = v
	}
	return m, nil
}

// Cameras returns the configured logical cameras in ascending order.
func (m *Manager) Cameras() []int {
	out := make([]int, 0, len(m.thresholds))
	for cam := range m.thresholds {
		out = append(out, cam)
	}
	sort.Ints(out)
	return out
}

// Initialize resets the multiplexer and writes the filter setting to every
// camera. All cameras are attempted; failures are joined.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.resetMux(); err != nil {
		return fmt.Errorf("reset mux: %w", err)
	}
	m.sleep(m.cfg.ResetSettle)

	var errs []error
	for _, cam := range m.Cameras() {
		if err := m.drv.SelectChannel(cam); err != nil {
			errs = append(errs, fmt.Errorf("camera %d: %w", cam, err))
			continue
		}
		m.sleep(m.cfg.InitSettle)
		if err := m.drv.Configure(); err != nil {
			errs = append(errs, fmt.Errorf("camera %d: %w", cam, err))
			continue
		}
		log.WithField("camera", cam).Debug("sensor configured")
	}
	return errors.Join(errs...)
}

func (m *Manager) resetMux() error {
	if m.reset == nil {
		return m.drv.DisableChannels()
	}
	if err := m.reset.Out(gpio.Low); err != nil {
		return err
	}
	m.sleep(m.cfg.ResetPulse)
	return m.reset.Out(gpio.High)
}

// CaptureFrame selects cam and reads one validated frame, retrying up to
// cfg.Attempts times within cfg.CaptureBudget. The bus stays locked for the
// whole capture. It must not be called from code already holding the bus.
func (m *Manager) CaptureFrame(cam int) (*Frame, error) {
	if _, ok := m.thresholds[cam]; !ok {
		return nil, fmt.Errorf("thermal: unknown camera %d", cam)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.now()
	var err error
	for attempt := 0; attempt < m.cfg.Attempts; attempt++ {
		if attempt > 0 {
			if m.cfg.CaptureBudget > 0 && m.now().Sub(start)+m.cfg.RetryBackoff > m.cfg.CaptureBudget {
				break
			}
			m.sleep(m.cfg.RetryBackoff)
		}
		var f *Frame
		if f, err = m.captureOnce(cam); err == nil {
			return f, nil
		}
		log.WithFields(log.Fields{"camera": cam, "attempt": attempt + 1}).WithError(err).Debug("capture attempt failed")
	}
	return nil, fmt.Errorf("camera %d: %w", cam, err)
}

func (m *Manager) captureOnce(cam int) (*Frame, error) {
	if err := m.drv.SelectChannel(cam); err != nil {
		return nil, err
	}
	if m.cfg.SelectSettle > 0 {
		m.sleep(m.cfg.SelectSettle)
	}
	return m.drv.readFrame(cam)
}

// CheckThresholdExceeded reports whether any pixel of f is above the
// threshold of camera cam.
func (m *Manager) CheckThresholdExceeded(cam int, f *Frame) bool {
	if f == nil {
		return false
	}
	limit, ok := m.Threshold(cam)
	if !ok {
		return false
	}
	for _, v := range f.pixels {
		if v > limit {
			return true
		}
	}
	return false
}

func (m *Manager) SetThreshold(cam int, v float64) error {
	t, ok := m.thresholds[cam]
	if !ok {
		return fmt.Errorf("thermal: unknown camera %d", cam)
	}
	if math.IsNaN(v) {
		return fmt.Errorf("thermal: camera %d: threshold is NaN", cam)
	}
	t.Store(math.Float64bits(v))
	return nil
}

func (m *Manager) Threshold(cam int) (float64, bool) {
	t, ok := m.thresholds[cam]
	if !ok {
		return 0, false
	}
	return math.Float64frombits(t.Load()), true
}
