package thermal

import (
	"math/rand"
	"sync"
)

// SimBus emulates a multiplexer with one D6T sensor per channel. Each
// channel reports a uniform temperature plus optional jitter; reads follow
// whichever channel was selected last, like the real switch.
type SimBus struct {
	mu         sync.Mutex
	muxAddr    uint16
	sensorAddr uint16
	pixels     int
	jitter     float64
	selected   int
	temps      map[int]float64
	reference  float64
	rnd        *rand.Rand
}

func NewSimBus(ambient, jitter float64) *SimBus {
	return &SimBus{
		muxAddr:    DefaultMuxAddress,
		sensorAddr: DefaultSensorAddress,
		pixels:     Pixels,
		jitter:     jitter,
		selected:   -1,
		temps:      make(map[int]float64),
		reference:  ambient,
		rnd:        rand.New(rand.NewSource(1)),
	}
}

// SetTemperature sets the temperature channel ch reports.
func (s *SimBus) SetTemperature(ch int, t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temps[ch] = t
}

func (s *SimBus) Tx(addr uint16, w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch addr {
	case s.muxAddr:
		s.selected = -1
		if len(w) == 1 {
			for ch := 0; ch < MaxChannels; ch++ {
				if w[0] == 1<<ch {
					s.selected = ch
				}
			}
		}
		return nil
	case s.sensorAddr:
		if s.selected < 0 {
			return errNoDevice
		}
		if len(w) == 1 && w[0] == cmdReadFrame && len(r) > 0 {
			copy(r, EncodeBlock(s.sensorAddr, s.reference, s.frame()))
		}
		return nil
	}
	return errNoDevice
}

func (s *SimBus) frame() []float64 {
	base, ok := s.temps[s.selected]
	if !ok {
		base = s.reference
	}
	px := make([]float64, s.pixels)
	for i := range px {
		px[i] = base
		if s.jitter > 0 {
			px[i] += (s.rnd.Float64()*2 - 1) * s.jitter
		}
	}
	return px
}

type simError string

func (e simError) Error() string { return string(e) }

const errNoDevice = simError("sim: no device acknowledged")
