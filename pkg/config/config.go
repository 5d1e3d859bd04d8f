package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type MQTTConfig struct {
	Server   string `json:"server" yaml:"server"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	ClientID string `json:"client_id" yaml:"client_id"`
	// FrameTopic and AnalogTopic may contain %d for the camera or channel.
	FrameTopic  string `json:"frame_topic" yaml:"frame_topic"`
	AnalogTopic string `json:"analog_topic" yaml:"analog_topic"`
	AlertTopic  string `json:"alert_topic" yaml:"alert_topic"`
	// DiscoveryTopic enables Home Assistant discovery, one entry per camera
	// when it contains %d.
	DiscoveryTopic    string `json:"discovery_topic,omitempty" yaml:"discovery_topic,omitempty"`
	DiscoveryName     string `json:"discovery_name,omitempty" yaml:"discovery_name,omitempty"`
	DiscoveryUniqueID string `json:"discovery_unique_id,omitempty" yaml:"discovery_unique_id,omitempty"`
}

type OutputConfig struct {
	Type string `json:"type" yaml:"type"`
	// EveryN publishes one frame out of N per camera; 0 or 1 publishes all.
	EveryN int         `json:"every_n,omitempty" yaml:"every_n,omitempty"`
	MQTT   *MQTTConfig `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
}

type CameraConfig struct {
	Index     int      `json:"index" yaml:"index"`
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Threshold *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

// ChannelConfig is one analog input. Channels without a threshold are read
// and published but never trip the interlock.
type ChannelConfig struct {
	Channel           int      `json:"channel" yaml:"channel"`
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	Threshold         *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	CalibrationScale  float64  `json:"calibration_scale" yaml:"calibration_scale"`
	CalibrationOffset float64  `json:"calibration_offset" yaml:"calibration_offset"`
	SampleRate        int      `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
}

type AnalogConfig struct {
	// Source is stdin, ads1115, simulation or none.
	Source     string          `json:"source" yaml:"source"`
	I2CBus     string          `json:"i2c_bus" yaml:"i2c_bus"`
	I2CAddress int             `json:"i2c_address" yaml:"i2c_address"`
	SampleRate int             `json:"sample_rate" yaml:"sample_rate"`
	IntervalMs int             `json:"interval_ms" yaml:"interval_ms"`
	Channels   []ChannelConfig `json:"channels" yaml:"channels"`
}

type SerialConfig struct {
	Port      string `json:"port" yaml:"port"`
	BaudRate  int    `json:"baud_rate" yaml:"baud_rate"`
	DataBits  int    `json:"data_bits" yaml:"data_bits"`
	Parity    string `json:"parity" yaml:"parity"`
	StopBits  int    `json:"stop_bits" yaml:"stop_bits"`
	TimeoutMs int    `json:"timeout_ms" yaml:"timeout_ms"`
}

// ActuatorConfig is one supply; the list order is the shutdown order.
type ActuatorConfig struct {
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
}

type ControlConfig struct {
	Enabled bool       `json:"enabled" yaml:"enabled"`
	Topic   string     `json:"topic" yaml:"topic"`
	MQTT    MQTTConfig `json:"mqtt" yaml:"mqtt"`
}

type Config struct {
	SensorType    string `json:"sensor_type" yaml:"sensor_type"`
	I2CBus        string `json:"i2c_bus" yaml:"i2c_bus"`
	I2CSpeedKHz   int    `json:"i2c_speed_khz" yaml:"i2c_speed_khz"`
	MuxAddress    int    `json:"mux_address" yaml:"mux_address"`
	SensorAddress int    `json:"sensor_address" yaml:"sensor_address"`
	MuxResetPin   string `json:"mux_reset_pin" yaml:"mux_reset_pin"`

	Cameras          []CameraConfig `json:"cameras" yaml:"cameras"`
	DefaultThreshold float64        `json:"default_threshold" yaml:"default_threshold"`
	PollIntervalMs   int            `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	CaptureAttempts  int            `json:"capture_retries" yaml:"capture_retries"`
	RetryBackoffMs   int            `json:"retry_backoff_ms" yaml:"retry_backoff_ms"`
	CaptureBudgetMs  int            `json:"capture_budget_ms" yaml:"capture_budget_ms"`
	SensorLossLimit  int            `json:"trip_on_sensor_loss" yaml:"trip_on_sensor_loss"`
	// TripOnAnalogLoss trips the interlock when the analog feed ends.
	TripOnAnalogLoss bool           `json:"trip_on_analog_loss" yaml:"trip_on_analog_loss"`

	ActuatorType    string           `json:"actuator_type" yaml:"actuator_type"`
	Serial          SerialConfig     `json:"serial" yaml:"serial"`
	Actuators       []ActuatorConfig `json:"actuators" yaml:"actuators"`
	ConfirmCommands bool             `json:"confirm_commands" yaml:"confirm_commands"`
	RemoteOnStart   bool             `json:"remote_on_start" yaml:"remote_on_start"`

	Analog  AnalogConfig   `json:"analog" yaml:"analog"`
	Outputs []OutputConfig `json:"outputs" yaml:"outputs"`
	Control ControlConfig  `json:"control" yaml:"control"`

	LogLevel string `json:"log_level" yaml:"log_level"`
	LogJSON  bool   `json:"log_json" yaml:"log_json"`
}

func DefaultConfig() Config {
	return Config{
		SensorType:       "real",
		I2CBus:           "1",
		I2CSpeedKHz:      400, // fast mode, a 32x32 frame takes ~46ms
		MuxAddress:       0x70,
		SensorAddress:    0x0A,
		MuxResetPin:      "GPIO23",
		Cameras:          []CameraConfig{{Index: 0, Enabled: true}, {Index: 1, Enabled: true}, {Index: 2, Enabled: true}, {Index: 3, Enabled: true}},
		DefaultThreshold: 40.0,
		PollIntervalMs:   50,
		CaptureAttempts:  5,
		RetryBackoffMs:   20,
		CaptureBudgetMs:  200,
		ActuatorType:     "real",
		Serial: SerialConfig{
			Port:      "/dev/ttyUSB0",
			BaudRate:  9600,
			DataBits:  8,
			Parity:    "N",
			StopBits:  1,
			TimeoutMs: 100,
		},
		Actuators: []ActuatorConfig{{Name: "ps2", Address: "07"}, {Name: "ps1", Address: "06"}},
		Analog: AnalogConfig{
			Source:     "stdin",
			I2CBus:     "1",
			I2CAddress: 0x48,
			SampleRate: 128,
			IntervalMs: 200,
			Channels: []ChannelConfig{
				{Channel: 0, Enabled: true, CalibrationScale: 1.0},
				{Channel: 1, Enabled: true, CalibrationScale: 1.0},
				{Channel: 2, Enabled: true, CalibrationScale: 1.0},
				{Channel: 3, Enabled: true, CalibrationScale: 1.0},
			},
		},
		Outputs:  []OutputConfig{{Type: "console", EveryN: 10}},
		Control:  ControlConfig{Topic: "interlock/control"},
		LogLevel: "info",
	}
}

// LoadFromFlags loads configuration from os.Args.
func LoadFromFlags() (Config, error) {
	return Load(os.Args[1:])
}

// Load reads an optional config file (JSON, or YAML for .yaml/.yml) and
// applies flags on top. Flags override values present in the file.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("interlock", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to JSON or YAML config file")
	flagSensorType := fs.String("sensor-type", "", "thermal sensors: real|simulation")
	flagActuatorType := fs.String("actuator-type", "", "power supplies: real|simulation")
	flagI2CBus := fs.String("i2c-bus", "", "I2C bus (e.g., '1' -> /dev/i2c-1)")
	flagI2CSpeed := fs.Int("i2c-speed-khz", -1, "I2C clock in kHz, 0 keeps the bus default")
	flagMuxAddr := fs.String("mux-address", "", "I2C multiplexer address (decimal or 0x hex)")
	flagResetPin := fs.String("mux-reset-pin", "", "GPIO name of the mux reset line, empty to disable")
	flagCameras := fs.String("cameras", "", "Comma-separated camera channels e.g. 0,1,2,3")
	flagThresholds := fs.String("thresholds", "", "Per-camera thresholds e.g. 0=40,1=42.5")
	flagDefThreshold := fs.Float64("default-threshold", math.NaN(), "Threshold for cameras without one (°C)")
	flagPoll := fs.Int("poll-interval-ms", -1, "Camera poll period in ms")
	flagLoss := fs.Int("sensor-loss-limit", -1, "Consecutive failed captures that trip, 0 disables")
	flagAnalogLoss := fs.Bool("trip-on-analog-loss", false, "Trip when the analog feed ends")
	flagSerialPort := fs.String("serial-port", "", "Serial port of the supplies")
	flagBaud := fs.Int("baud-rate", -1, "Serial baud rate")
	flagActuators := fs.String("actuators", "", "Supplies in shutdown order e.g. ps2=07,ps1=06")
	flagConfirm := fs.String("confirm-commands", "", "Wait for OK after each command: true|false")
	flagAnalogSource := fs.String("analog-source", "", "Analog feed: stdin|ads1115|simulation|none")
	flagAnalogThresholds := fs.String("analog-thresholds", "", "Per-channel analog thresholds e.g. 2=5.0")
	flagAnalogEnabled := fs.String("analog-enabled", "", "Per-channel enable e.g. 0=true,3=false")
	flagAnalogRates := fs.String("analog-sample-rates", "", "Per-channel ADS1115 rates e.g. 0=128,1=250")
	flagOutputs := fs.String("outputs", "", "Comma-separated outputs (console,mqtt)")
	flagMQTTServer := fs.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagMQTTUser := fs.String("mqtt-user", "", "MQTT username")
	flagMQTTPass := fs.String("mqtt-pass", "", "MQTT password")
	flagClientID := fs.String("mqtt-client-id", "", "MQTT client id")
	flagControl := fs.Bool("control", false, "Accept runtime thresholds/setpoints over MQTT")
	flagLogLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	flagLogJSON := fs.Bool("log-json", false, "Log as JSON")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg := DefaultConfig()

	if *cfgPath != "" {
		if err := readFile(*cfgPath, &cfg); err != nil {
			return cfg, err
		}
	}

	if *flagSensorType != "" {
		cfg.SensorType = *flagSensorType
	}
	if *flagActuatorType != "" {
		cfg.ActuatorType = *flagActuatorType
	}
	if *flagI2CBus != "" {
		cfg.I2CBus = *flagI2CBus
	}
	if *flagMuxAddr != "" {
		v, err := parseIntOrHex(*flagMuxAddr)
		if err != nil {
			return cfg, fmt.Errorf("mux-address: %w", err)
		}
		cfg.MuxAddress = v
	}
	if *flagI2CSpeed != -1 {
		cfg.I2CSpeedKHz = *flagI2CSpeed
	}
	if set["mux-reset-pin"] {
		cfg.MuxResetPin = *flagResetPin
	}
	if *flagCameras != "" {
		chs, err := parseChannels(*flagCameras)
		if err != nil {
			return cfg, err
		}
		cams := make([]CameraConfig, 0, len(chs))
		for _, ch := range chs {
			cams = append(cams, CameraConfig{Index: ch, Enabled: true})
		}
		cfg.Cameras = cams
	}
	if !math.IsNaN(*flagDefThreshold) {
		cfg.DefaultThreshold = *flagDefThreshold
	}
	if *flagThresholds != "" {
		m, err := parseKeyFloatMap(*flagThresholds)
		if err != nil {
			return cfg, fmt.Errorf("thresholds: %w", err)
		}
		applyCameraThresholds(&cfg, m)
	}
	if *flagPoll != -1 {
		cfg.PollIntervalMs = *flagPoll
	}
	if *flagLoss != -1 {
		cfg.SensorLossLimit = *flagLoss
	}
	if set["trip-on-analog-loss"] {
		cfg.TripOnAnalogLoss = *flagAnalogLoss
	}
	if *flagSerialPort != "" {
		cfg.Serial.Port = *flagSerialPort
	}
	if *flagBaud != -1 {
		cfg.Serial.BaudRate = *flagBaud
	}
	if *flagActuators != "" {
		acts, err := parseActuators(*flagActuators)
		if err != nil {
			return cfg, fmt.Errorf("actuators: %w", err)
		}
		cfg.Actuators = acts
	}
	if *flagConfirm != "" {
		v, err := strconv.ParseBool(*flagConfirm)
		if err != nil {
			return cfg, fmt.Errorf("confirm-commands: %w", err)
		}
		cfg.ConfirmCommands = v
	}
	if *flagAnalogSource != "" {
		cfg.Analog.Source = *flagAnalogSource
	}
	if *flagAnalogThresholds != "" {
		m, err := parseKeyFloatMap(*flagAnalogThresholds)
		if err != nil {
			return cfg, fmt.Errorf("analog-thresholds: %w", err)
		}
		for ch, v := range m {
			v := v
			channelFor(&cfg.Analog, ch).Threshold = &v
		}
	}
	if *flagAnalogEnabled != "" {
		m, err := parseKeyBoolMap(*flagAnalogEnabled)
		if err != nil {
			return cfg, fmt.Errorf("analog-enabled: %w", err)
		}
		for ch, on := range m {
			channelFor(&cfg.Analog, ch).Enabled = on
		}
	}
	if *flagAnalogRates != "" {
		m, err := parseKeyIntMap(*flagAnalogRates)
		if err != nil {
			return cfg, fmt.Errorf("analog-sample-rates: %w", err)
		}
		for ch, r := range m {
			channelFor(&cfg.Analog, ch).SampleRate = r
		}
	}
	if *flagOutputs != "" {
		parts := parseCSV(*flagOutputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: p})
		}
		cfg.Outputs = outs
	}
	// mqtt flags apply to every mqtt output and to the control client
	if *flagMQTTServer != "" || *flagMQTTUser != "" || *flagMQTTPass != "" || *flagClientID != "" {
		apply := func(m *MQTTConfig) {
			if *flagMQTTServer != "" {
				m.Server = *flagMQTTServer
			}
			if *flagMQTTUser != "" {
				m.Username = *flagMQTTUser
			}
			if *flagMQTTPass != "" {
				m.Password = *flagMQTTPass
			}
			if *flagClientID != "" {
				m.ClientID = *flagClientID
			}
		}
		for i := range cfg.Outputs {
			if strings.ToLower(cfg.Outputs[i].Type) == "mqtt" {
				if cfg.Outputs[i].MQTT == nil {
					cfg.Outputs[i].MQTT = &MQTTConfig{}
				}
				apply(cfg.Outputs[i].MQTT)
			}
		}
		apply(&cfg.Control.MQTT)
	}
	if *flagControl {
		cfg.Control.Enabled = true
	}
	if *flagLogLevel != "" {
		cfg.LogLevel = *flagLogLevel
	}
	if *flagLogJSON {
		cfg.LogJSON = true
	}

	if err := Validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, cfg)
	default:
		err = json.Unmarshal(b, cfg)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyCameraThresholds(cfg *Config, m map[int]float64) {
	for idx, v := range m {
		v := v
		found := false
		for i := range cfg.Cameras {
			if cfg.Cameras[i].Index == idx {
				cfg.Cameras[i].Threshold = &v
				found = true
			}
		}
		if !found {
			cfg.Cameras = append(cfg.Cameras, CameraConfig{Index: idx, Enabled: true, Threshold: &v})
		}
	}
	sort.Slice(cfg.Cameras, func(i, j int) bool { return cfg.Cameras[i].Index < cfg.Cameras[j].Index })
}

// channelFor returns the analog channel entry for ch, adding one if needed.
func channelFor(a *AnalogConfig, ch int) *ChannelConfig {
	for i := range a.Channels {
		if a.Channels[i].Channel == ch {
			return &a.Channels[i]
		}
	}
	a.Channels = append(a.Channels, ChannelConfig{Channel: ch, Enabled: true, CalibrationScale: 1.0})
	return &a.Channels[len(a.Channels)-1]
}

// EnabledCameras returns the indexes of enabled cameras.
func (c Config) EnabledCameras() []int {
	out := make([]int, 0, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.Enabled {
			out = append(out, cam.Index)
		}
	}
	return out
}

// CameraThreshold returns the configured threshold of camera idx or the
// default.
func (c Config) CameraThreshold(idx int) float64 {
	for _, cam := range c.Cameras {
		if cam.Index == idx && cam.Threshold != nil {
			return *cam.Threshold
		}
	}
	return c.DefaultThreshold
}
