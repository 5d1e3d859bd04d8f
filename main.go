package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ericogr/thermal-interlock/pkg/actuator"
	"github.com/ericogr/thermal-interlock/pkg/analog"
	"github.com/ericogr/thermal-interlock/pkg/config"
	"github.com/ericogr/thermal-interlock/pkg/control"
	"github.com/ericogr/thermal-interlock/pkg/interlock"
	"github.com/ericogr/thermal-interlock/pkg/output"
	"github.com/ericogr/thermal-interlock/pkg/output/console"
	mqttout "github.com/ericogr/thermal-interlock/pkg/output/mqtt"
	"github.com/ericogr/thermal-interlock/pkg/poller"
	"github.com/ericogr/thermal-interlock/pkg/thermal"
)

const (
	// console prints one frame in ten per camera unless configured
	defaultConsoleEveryN = 10
	simAmbient           = 25.0
	simJitter            = 0.3
)

func main() {
	cfg, err := config.LoadFromFlags()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sys, err := newSystem(cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer sys.close()

	if err := sys.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("run: %v", err)
	}
	st := sys.co.Status()
	log.WithFields(log.Fields{"state": st.State, "trip_id": st.TripID}).Info("shutting down")
}

func setupLogging(cfg config.Config) {
	lvl, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Warn("invalid log level, using info")
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	if cfg.LogJSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// system is the wired interlock: sensors, workers, supplies, outputs.
type system struct {
	cfg      config.Config
	mgr      *thermal.Manager
	co       *interlock.Coordinator
	disp     *output.Dispatcher
	events   chan poller.Event
	workers  []*poller.Worker
	source   analog.Source
	interval time.Duration
	closers  []io.Closer
	mqtt     []func()

	// set in simulation mode
	simBus  *thermal.SimBus
	simPort *actuator.SimPort
	simADC  *analog.SimSource
}

func newSystem(cfg config.Config) (*system, error) {
	s := &system{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			s.close()
		}
	}()

	// thermal sensors
	var bus thermal.Bus
	var reset thermal.ResetLine
	if cfg.SensorType == "simulation" {
		s.simBus = thermal.NewSimBus(simAmbient, simJitter)
		bus = s.simBus
	} else {
		b, err := thermal.OpenBus(cfg.I2CBus, cfg.I2CSpeedKHz)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, b)
		bus = b
		if reset, err = thermal.OpenResetLine(cfg.MuxResetPin); err != nil {
			return nil, fmt.Errorf("mux reset line: %w", err)
		}
	}
	drv := thermal.NewDriver(bus, thermal.DriverOptions{
		MuxAddress:    uint16(cfg.MuxAddress),
		SensorAddress: uint16(cfg.SensorAddress),
	})
	mgr, err := thermal.NewManager(drv, reset, managerConfig(cfg))
	if err != nil {
		return nil, err
	}
	for _, cam := range cfg.EnabledCameras() {
		if err := mgr.SetThreshold(cam, cfg.CameraThreshold(cam)); err != nil {
			return nil, err
		}
	}
	s.mgr = mgr

	// power supplies
	sender, err := s.openActuators(cfg)
	if err != nil {
		return nil, err
	}

	// outputs
	entries, err := initOutputs(&cfg, defaultConsoleEveryN)
	if err != nil {
		return nil, err
	}
	outs := make([]output.Output, 0, len(entries))
	for _, e := range entries {
		outs = append(outs, output.EveryN(e.Output, e.EveryN))
	}
	s.disp = output.NewDispatcher(outs, 32)

	acts := make([]interlock.Actuator, 0, len(cfg.Actuators))
	for _, a := range cfg.Actuators {
		acts = append(acts, interlock.Actuator{Name: a.Name, Address: actuator.Address(a.Address)})
	}
	s.co, err = interlock.New(sender, interlock.Options{
		Actuators:        acts,
		Timing:           interlock.DefaultTiming(),
		AnalogThresholds: analog.Thresholds(cfg.Analog),
		Cameras:          mgr,
		Sink:             s.disp,
		TripOnAnalogLoss: cfg.TripOnAnalogLoss,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Control.Enabled {
		ctl, err := control.New(mgr, s.co, cfg.Control.Topic)
		if err != nil {
			return nil, err
		}
		client, err := mqttout.Connect(cfg.Control.MQTT)
		if err != nil {
			return nil, fmt.Errorf("control: %w", err)
		}
		s.mqtt = append(s.mqtt, func() { client.Disconnect(250) })
		if err := ctl.Subscribe(client); err != nil {
			return nil, err
		}
	}

	if err := s.openAnalog(cfg); err != nil {
		return nil, err
	}

	s.events = make(chan poller.Event, 2*len(cfg.EnabledCameras()))
	for _, cam := range cfg.EnabledCameras() {
		w, err := poller.New(poller.Config{
			Camera:    cam,
			Interval:  time.Duration(cfg.PollIntervalMs) * time.Millisecond,
			LossLimit: cfg.SensorLossLimit,
		}, mgr, s.events)
		if err != nil {
			return nil, err
		}
		s.workers = append(s.workers, w)
	}

	ok = true
	return s, nil
}

func managerConfig(cfg config.Config) thermal.ManagerConfig {
	mc := thermal.DefaultManagerConfig()
	mc.Cameras = cfg.EnabledCameras()
	mc.DefaultThreshold = cfg.DefaultThreshold
	mc.Attempts = cfg.CaptureAttempts
	mc.RetryBackoff = time.Duration(cfg.RetryBackoffMs) * time.Millisecond
	mc.CaptureBudget = time.Duration(cfg.CaptureBudgetMs) * time.Millisecond
	if cfg.SensorType == "real" && mc.CaptureBudget > 0 {
		read := thermal.FrameTransferTime(thermal.Rows, thermal.Cols, cfg.I2CSpeedKHz)
		if mc.CaptureBudget < 2*read+mc.RetryBackoff {
			log.WithFields(log.Fields{
				"capture_budget": mc.CaptureBudget,
				"frame_read":     read,
				"i2c_speed_khz":  cfg.I2CSpeedKHz,
			}).Warn("capture budget leaves no room for a retry")
		}
	}
	return mc
}

func (s *system) openActuators(cfg config.Config) (interlock.Sender, error) {
	opts := actuator.DefaultOptions()
	opts.Confirm = cfg.ConfirmCommands
	if cfg.Serial.TimeoutMs > 0 {
		opts.WriteTimeout = time.Duration(cfg.Serial.TimeoutMs) * time.Millisecond
	}
	if cfg.ActuatorType == "simulation" {
		addrs := make([]actuator.Address, 0, len(cfg.Actuators))
		for _, a := range cfg.Actuators {
			addrs = append(addrs, actuator.Address(a.Address))
		}
		s.simPort = actuator.NewSimPort(addrs...)
		return actuator.NewChannel(s.simPort, opts), nil
	}
	ch, closer, err := actuator.Open(actuator.SerialConfig{
		Port:     cfg.Serial.Port,
		BaudRate: cfg.Serial.BaudRate,
		DataBits: cfg.Serial.DataBits,
		Parity:   cfg.Serial.Parity,
		StopBits: cfg.Serial.StopBits,
		Timeout:  time.Duration(cfg.Serial.TimeoutMs) * time.Millisecond,
	}, opts)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, closer)
	return ch, nil
}

func (s *system) openAnalog(cfg config.Config) error {
	switch cfg.Analog.Source {
	case "stdin":
		s.source = analog.NewLineSource(os.Stdin, analog.DefaultMinFields)
	case "ads1115":
		src, err := analog.OpenADS1115(cfg.Analog)
		if err != nil {
			return fmt.Errorf("analog: %w", err)
		}
		s.source = src
		s.interval = analogInterval(cfg.Analog)
	case "simulation":
		s.simADC = analog.NewSimSource(cfg.Analog, 0.05)
		s.source = s.simADC
		s.interval = analogInterval(cfg.Analog)
	}
	if s.source != nil {
		s.closers = append(s.closers, s.source)
	}
	return nil
}

func analogInterval(a config.AnalogConfig) time.Duration {
	ms := a.IntervalMs
	if floor := computeAnalogInterval(a); ms < floor {
		ms = floor
	}
	return time.Duration(ms) * time.Millisecond
}

// run initializes the sensors and blocks until ctx is done.
func (s *system) run(ctx context.Context) error {
	if err := s.mgr.Initialize(); err != nil {
		// a missing camera shows up as failed captures
		log.WithError(err).Error("sensor initialization incomplete")
	}
	if s.cfg.RemoteOnStart {
		for _, a := range s.co.Actuators() {
			if _, err := s.co.Command(a.Address, actuator.SetRemoteMode()); err != nil {
				log.WithError(err).WithField("actuator", a.Name).Warn("remote mode failed")
			}
		}
	}

	var readings chan []analog.Reading
	if s.source != nil {
		readings = make(chan []analog.Reading, 4)
		go func() {
			defer close(readings)
			if err := analog.Feed(ctx, s.source, s.interval, readings); err != nil && ctx.Err() == nil {
				s.co.AnalogLost(err)
			}
		}()
	}

	for _, w := range s.workers {
		if err := w.Start(ctx); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{
		"cameras":   s.cfg.EnabledCameras(),
		"actuators": len(s.cfg.Actuators),
		"analog":    s.cfg.Analog.Source,
	}).Info("interlock armed")

	err := s.co.Run(ctx, s.events, readings)
	for _, w := range s.workers {
		w.Stop()
	}
	return err
}

func (s *system) close() {
	for _, w := range s.workers {
		w.Stop()
	}
	if s.disp != nil {
		if err := s.disp.Close(); err != nil {
			log.WithError(err).Warn("closing outputs")
		}
	}
	for _, f := range s.mqtt {
		f()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			log.WithError(err).Warn("close")
		}
	}
	s.closers = nil
	s.mqtt = nil
}

type outputEntry struct {
	Type   string
	EveryN int
	Output output.Output
}

// initOutputs creates the configured outputs. Console outputs without an
// explicit every_n get defaultEveryN, written back to cfg.
func initOutputs(cfg *config.Config, defaultEveryN int) ([]outputEntry, error) {
	entries := make([]outputEntry, 0, len(cfg.Outputs))
	for i := range cfg.Outputs {
		oc := &cfg.Outputs[i]
		var o output.Output
		switch oc.Type {
		case "console":
			if oc.EveryN == 0 {
				oc.EveryN = defaultEveryN
			}
			o = console.NewConsole()
		case "mqtt":
			if oc.MQTT == nil {
				return nil, errors.New("mqtt output requires mqtt config")
			}
			m, err := mqttout.NewMQTT(*oc.MQTT, cfg.EnabledCameras())
			if err != nil {
				return nil, err
			}
			o = m
		default:
			return nil, fmt.Errorf("unknown output type %q", oc.Type)
		}
		entries = append(entries, outputEntry{Type: oc.Type, EveryN: oc.EveryN, Output: o})
	}
	return entries, nil
}

// computeAnalogInterval is the shortest period that fits one conversion per
// enabled channel. With no enabled channel it assumes one at the global rate.
func computeAnalogInterval(a config.AnalogConfig) int {
	total := time.Duration(0)
	n := 0
	for _, ch := range a.Channels {
		if !ch.Enabled {
			continue
		}
		rate := ch.SampleRate
		if rate == 0 {
			rate = a.SampleRate
		}
		total += analog.ConversionDelay(rate)
		n++
	}
	if n == 0 {
		total = analog.ConversionDelay(a.SampleRate)
	}
	return int(total / time.Millisecond)
}
