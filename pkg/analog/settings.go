package analog

import "github.com/ericogr/thermal-interlock/pkg/config"

// buildChannelSettings extracts common per-channel settings from the config.
// Returned maps contain an entry for every configured channel.
func buildChannelSettings(cfg config.AnalogConfig) (channels []int, scales map[int]float64, offsets map[int]float64, sampleRates map[int]int) {
	channels = make([]int, 0)
	scales = make(map[int]float64)
	offsets = make(map[int]float64)
	sampleRates = make(map[int]int)
	for _, c := range cfg.Channels {
		scale := c.CalibrationScale
		if scale == 0 {
			scale = 1.0
		}
		scales[c.Channel] = scale
		offsets[c.Channel] = c.CalibrationOffset
		if c.SampleRate != 0 {
			sampleRates[c.Channel] = c.SampleRate
		} else if cfg.SampleRate != 0 {
			sampleRates[c.Channel] = cfg.SampleRate
		}
		if c.Enabled {
			channels = append(channels, c.Channel)
		}
	}
	return
}

// Thresholds returns the thresholds of enabled channels that have one.
func Thresholds(cfg config.AnalogConfig) map[int]float64 {
	out := make(map[int]float64)
	for _, c := range cfg.Channels {
		if c.Enabled && c.Threshold != nil {
			out[c.Channel] = *c.Threshold
		}
	}
	return out
}
