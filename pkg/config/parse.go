package config

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

func parseIntOrHex(s string) (int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 0)
		return int(v), err
	}
	v, err := strconv.Atoi(s)
	return v, err
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseChannels(s string) ([]int, error) {
	parts := parseCSV(s)
	out := make([]int, 0, len(parts))
	for _, t := range parts {
		v, err := strconv.Atoi(t)
		if err != nil {
			return nil, fmt.Errorf("invalid channel '%s': %w", t, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// parsePairs splits "k=v,k=v" into trimmed key/value pairs in input order.
func parsePairs(s string) ([][2]string, error) {
	parts := parseCSV(s)
	out := make([][2]string, 0, len(parts))
	for _, p := range parts {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid pair '%s': want key=value", p)
		}
		out = append(out, [2]string{strings.TrimSpace(k), strings.TrimSpace(v)})
	}
	return out, nil
}

func parseKeyFloatMap(s string) (map[int]float64, error) {
	pairs, err := parsePairs(s)
	if err != nil {
		return nil, err
	}
	out := make(map[int]float64, len(pairs))
	for _, kv := range pairs {
		k, err := strconv.Atoi(kv[0])
		if err != nil {
			return nil, fmt.Errorf("invalid key '%s': %w", kv[0], err)
		}
		v, err := strconv.ParseFloat(kv[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %d: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func parseKeyIntMap(s string) (map[int]int, error) {
	pairs, err := parsePairs(s)
	if err != nil {
		return nil, err
	}
	out := make(map[int]int, len(pairs))
	for _, kv := range pairs {
		k, err := strconv.Atoi(kv[0])
		if err != nil {
			return nil, fmt.Errorf("invalid key '%s': %w", kv[0], err)
		}
		v, err := parseIntOrHex(kv[1])
		if err != nil {
			return nil, fmt.Errorf("invalid value for %d: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func parseKeyBoolMap(s string) (map[int]bool, error) {
	pairs, err := parsePairs(s)
	if err != nil {
		return nil, err
	}
	out := make(map[int]bool, len(pairs))
	for _, kv := range pairs {
		k, err := strconv.Atoi(kv[0])
		if err != nil {
			return nil, fmt.Errorf("invalid key '%s': %w", kv[0], err)
		}
		v, err := strconv.ParseBool(kv[1])
		if err != nil {
			return nil, fmt.Errorf("invalid value for %d: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// parseActuators keeps the order of "name=address" pairs.
func parseActuators(s string) ([]ActuatorConfig, error) {
	pairs, err := parsePairs(s)
	if err != nil {
		return nil, err
	}
	out := make([]ActuatorConfig, 0, len(pairs))
	for _, kv := range pairs {
		out = append(out, ActuatorConfig{Name: kv[0], Address: kv[1]})
	}
	return out, nil
}

var addressPattern = regexp.MustCompile(`^[0-9]{2}$`)

// Validate checks cfg and fills derived defaults.
func Validate(cfg *Config) error {
	var errs []error

	switch cfg.SensorType {
	case "real", "simulation":
	default:
		errs = append(errs, fmt.Errorf("sensor_type %q: want real or simulation", cfg.SensorType))
	}
	switch cfg.ActuatorType {
	case "real", "simulation":
	default:
		errs = append(errs, fmt.Errorf("actuator_type %q: want real or simulation", cfg.ActuatorType))
	}

	seen := map[int]bool{}
	for _, cam := range cfg.Cameras {
		if cam.Index < 0 || cam.Index > 7 {
			errs = append(errs, fmt.Errorf("camera %d: index out of range 0-7", cam.Index))
		}
		if seen[cam.Index] {
			errs = append(errs, fmt.Errorf("camera %d: listed twice", cam.Index))
		}
		seen[cam.Index] = true
		if cam.Threshold != nil && !finite(*cam.Threshold) {
			errs = append(errs, fmt.Errorf("camera %d: threshold must be finite", cam.Index))
		}
	}
	if len(cfg.EnabledCameras()) == 0 {
		errs = append(errs, errors.New("no camera enabled"))
	}
	if !finite(cfg.DefaultThreshold) {
		errs = append(errs, errors.New("default_threshold must be finite"))
	}
	if cfg.PollIntervalMs <= 0 {
		errs = append(errs, errors.New("poll_interval_ms must be > 0"))
	}
	if cfg.CaptureAttempts <= 0 {
		errs = append(errs, errors.New("capture_retries must be > 0"))
	}
	if cfg.RetryBackoffMs < 0 || cfg.CaptureBudgetMs < 0 || cfg.SensorLossLimit < 0 {
		errs = append(errs, errors.New("retry_backoff_ms, capture_budget_ms and trip_on_sensor_loss must be >= 0"))
	}

	if cfg.ActuatorType == "real" {
		if cfg.Serial.Port == "" {
			errs = append(errs, errors.New("serial.port is required"))
		}
		if cfg.Serial.BaudRate <= 0 {
			errs = append(errs, errors.New("serial.baud_rate must be > 0"))
		}
		// A zero port timeout makes reads block forever.
		if cfg.Serial.TimeoutMs <= 0 {
			errs = append(errs, errors.New("serial.timeout_ms must be > 0"))
		}
	}
	switch strings.ToUpper(cfg.Serial.Parity) {
	case "N", "E", "O", "":
	default:
		errs = append(errs, fmt.Errorf("serial.parity %q: want N, E or O", cfg.Serial.Parity))
	}
	if len(cfg.Actuators) == 0 {
		errs = append(errs, errors.New("at least one actuator is required"))
	}
	addrs := map[string]bool{}
	for _, a := range cfg.Actuators {
		if !addressPattern.MatchString(a.Address) {
			errs = append(errs, fmt.Errorf("actuator %s: address %q must be two digits", a.Name, a.Address))
		}
		if addrs[a.Address] {
			errs = append(errs, fmt.Errorf("actuator %s: address %s listed twice", a.Name, a.Address))
		}
		addrs[a.Address] = true
	}

	switch cfg.Analog.Source {
	case "stdin", "ads1115", "simulation", "none", "":
	default:
		errs = append(errs, fmt.Errorf("analog.source %q: want stdin, ads1115, simulation or none", cfg.Analog.Source))
	}
	if cfg.Analog.Source == "ads1115" && cfg.Analog.SampleRate <= 0 {
		errs = append(errs, errors.New("analog.sample_rate must be > 0"))
	}
	for _, ch := range cfg.Analog.Channels {
		if ch.Channel < 0 {
			errs = append(errs, fmt.Errorf("analog channel %d: negative index", ch.Channel))
		}
		if ch.Threshold != nil && !finite(*ch.Threshold) {
			errs = append(errs, fmt.Errorf("analog channel %d: threshold must be finite", ch.Channel))
		}
	}

	for i := range cfg.Outputs {
		o := &cfg.Outputs[i]
		o.Type = strings.ToLower(o.Type)
		switch o.Type {
		case "console":
		case "mqtt":
			if o.MQTT == nil || o.MQTT.Server == "" {
				errs = append(errs, errors.New("mqtt output requires mqtt.server"))
			}
		default:
			errs = append(errs, fmt.Errorf("output type %q: want console or mqtt", o.Type))
		}
	}
	if cfg.Control.Enabled {
		if cfg.Control.MQTT.Server == "" {
			errs = append(errs, errors.New("control requires control.mqtt.server"))
		}
		if cfg.Control.Topic == "" {
			cfg.Control.Topic = "interlock/control"
		}
	}

	return errors.Join(errs...)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
