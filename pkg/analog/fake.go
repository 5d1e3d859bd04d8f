package analog

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ericogr/thermal-interlock/pkg/config"
)

// SimSource returns a baseline per channel plus bounded noise. Set moves a
// channel's baseline, which is how tests and the simulation raise a value
// past its threshold.
type SimSource struct {
	mu       sync.Mutex
	channels []int
	base     map[int]float64
	noise    float64
	rng      *rand.Rand
}

func NewSimSource(cfg config.AnalogConfig, noise float64) *SimSource {
	chans, _, _, _ := buildChannelSettings(cfg)
	base := make(map[int]float64, len(chans))
	for _, ch := range chans {
		base[ch] = 1.0
	}
	return &SimSource{
		channels: chans,
		base:     base,
		noise:    noise,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (f *SimSource) Set(channel int, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.base[channel] = v
}

func (f *SimSource) Read() ([]Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	out := make([]Reading, 0, len(f.channels))
	for _, ch := range f.channels {
		v := f.base[ch]
		if f.noise > 0 {
			v += (f.rng.Float64()*2 - 1) * f.noise
		}
		raw := int16(v / pgaFullScale * 32767.0)
		out = append(out, Reading{Channel: ch, Raw: raw, Value: v, Timestamp: now})
	}
	return out, nil
}

func (f *SimSource) Close() error { return nil }
