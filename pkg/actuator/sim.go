package actuator

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/goburrow/serial"
)

const simMaxPending = 4096

// SupplyState is the simulated state of one supply.
type SupplyState struct {
	Voltage float64
	Current float64
	Output  bool
	Remote  bool
}

// SimPort emulates a line of addressable supplies. Every frame to a known
// supply is answered, like the real units: "OK" for the address and
// setpoints, the value for queries.
type SimPort struct {
	mu       sync.Mutex
	supplies map[Address]*SupplyState
	selected Address
	partial  []byte
	pending  []byte
	frames   []string
}

func NewSimPort(addrs ...Address) *SimPort {
	p := &SimPort{supplies: make(map[Address]*SupplyState)}
	for _, a := range addrs {
		p.supplies[a] = &SupplyState{}
	}
	return p
}

// State returns a copy of the supply state at addr.
func (p *SimPort) State(addr Address) (SupplyState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.supplies[addr]
	if !ok {
		return SupplyState{}, false
	}
	return *s, true
}

// Frames returns every frame written so far, without terminators.
func (p *SimPort) Frames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.frames...)
}

func (p *SimPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range b {
		if c != '\r' {
			p.partial = append(p.partial, c)
			continue
		}
		frame := string(p.partial)
		p.partial = p.partial[:0]
		p.frames = append(p.frames, frame)
		if reply, ok := p.handle(frame); ok {
			p.pending = append(p.pending, reply...)
			p.pending = append(p.pending, '\r')
		}
	}
	if over := len(p.pending) - simMaxPending; over > 0 {
		p.pending = p.pending[over:]
	}
	return len(b), nil
}

func (p *SimPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return 0, serial.ErrTimeout
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *SimPort) handle(frame string) (string, bool) {
	verb, arg, _ := strings.Cut(strings.TrimSpace(frame), " ")
	if verb == "ADR" {
		p.selected = Address(arg)
		_, ok := p.supplies[p.selected]
		return "OK", ok
	}
	s, ok := p.supplies[p.selected]
	if !ok {
		return "", false
	}
	switch verb {
	case "RST":
		*s = SupplyState{Remote: s.Remote}
	case "RMT":
		s.Remote = arg != "0"
	case "PV":
		s.Voltage, _ = strconv.ParseFloat(arg, 64)
	case "PC":
		s.Current, _ = strconv.ParseFloat(arg, 64)
	case "OUT":
		s.Output = arg == "1"
	case "MV?":
		return fmt.Sprintf("%.3f", p.measuredVoltage(s)), true
	case "PV?":
		return fmt.Sprintf("%.3f", s.Voltage), true
	case "MC?":
		return fmt.Sprintf("%.3f", 0.0), true
	case "PC?":
		return fmt.Sprintf("%.3f", s.Current), true
	default:
		return "C01", true
	}
	return "OK", true
}

func (p *SimPort) measuredVoltage(s *SupplyState) float64 {
	if !s.Output {
		return 0
	}
	return s.Voltage
}
