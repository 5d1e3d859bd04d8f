package analog

import (
	"fmt"
	"time"

	"github.com/ericogr/thermal-interlock/pkg/config"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	pointerConv   = 0x00
	pointerConfig = 0x01

	// full scale of PGA setting 001
	pgaFullScale = 4.096
)

// ADS1115Source reads single-shot conversions from an ADS1115 ADC.
type ADS1115Source struct {
	dev         *i2c.Dev
	bus         i2c.BusCloser
	channels    []int
	scales      map[int]float64
	offsets     map[int]float64
	sampleRates map[int]int
	sampleRate  int
	sleep       func(time.Duration)
}

// OpenADS1115 opens cfg.I2CBus and returns a source for the enabled channels.
func OpenADS1115(cfg config.AnalogConfig) (*ADS1115Source, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	bus, err := i2creg.Open(cfg.I2CBus)
	if err != nil {
		return nil, fmt.Errorf("open i2c: %w", err)
	}
	s := NewADS1115Source(bus, uint16(cfg.I2CAddress), cfg)
	s.bus = bus
	return s, nil
}

// NewADS1115Source wraps an already opened bus. Close does not close it.
func NewADS1115Source(bus i2c.Bus, addr uint16, cfg config.AnalogConfig) *ADS1115Source {
	chans, scales, offs, rates := buildChannelSettings(cfg)
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 128
	}
	return &ADS1115Source{
		dev:         &i2c.Dev{Addr: addr, Bus: bus},
		channels:    chans,
		scales:      scales,
		offsets:     offs,
		sampleRates: rates,
		sampleRate:  rate,
		sleep:       time.Sleep,
	}
}

func (s *ADS1115Source) Close() error {
	if s.bus != nil {
		return s.bus.Close()
	}
	return nil
}

func (s *ADS1115Source) Read() ([]Reading, error) {
	out := make([]Reading, 0, len(s.channels))
	now := time.Now()
	for _, ch := range s.channels {
		rate := s.sampleRate
		if r, ok := s.sampleRates[ch]; ok {
			rate = r
		}
		msb, lsb, err := s.configForChannel(ch, rate)
		if err != nil {
			return nil, err
		}
		if err := s.dev.Tx([]byte{pointerConfig, msb, lsb}, nil); err != nil {
			return nil, fmt.Errorf("channel %d: write config: %w", ch, err)
		}
		s.sleep(ConversionDelay(rate))
		buf := make([]byte, 2)
		if err := s.dev.Tx([]byte{pointerConv}, buf); err != nil {
			return nil, fmt.Errorf("channel %d: read conversion: %w", ch, err)
		}
		raw := int16(buf[0])<<8 | int16(buf[1])
		value := float64(raw)*pgaFullScale/32768.0*s.scales[ch] + s.offsets[ch]
		out = append(out, Reading{Channel: ch, Raw: raw, Value: value, Timestamp: now})
	}
	return out, nil
}

// ConversionDelay is one single-shot conversion period at rate samples per
// second, rounded up to the millisecond, plus 2ms margin.
func ConversionDelay(rate int) time.Duration {
	if rate <= 0 {
		rate = 128
	}
	return time.Duration((1000+rate-1)/rate+2) * time.Millisecond
}

func (s *ADS1115Source) configForChannel(channel, sampleRate int) (byte, byte, error) {
	var mux byte
	switch channel {
	case 0:
		mux = 0x4
	case 1:
		mux = 0x5
	case 2:
		mux = 0x6
	case 3:
		mux = 0x7
	default:
		return 0, 0, fmt.Errorf("invalid channel %d", channel)
	}
	// PGA ±4.096V
	pga := byte(0x1)
	var dr byte
	switch sampleRate {
	case 8:
		dr = 0x0
	case 16:
		dr = 0x1
	case 32:
		dr = 0x2
	case 64:
		dr = 0x3
	case 128:
		dr = 0x4
	case 250:
		dr = 0x5
	case 475:
		dr = 0x6
	case 860:
		dr = 0x7
	default:
		dr = 0x4
	}
	var reg uint16 = 0x8000 // start single conversion
	reg |= uint16(mux) << 12
	reg |= uint16(pga) << 9
	reg |= 1 << 8 // single-shot
	reg |= uint16(dr) << 5
	reg |= 0x3 // comparator disabled
	return byte(reg >> 8), byte(reg & 0xFF), nil
}
