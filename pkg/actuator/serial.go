package actuator

import (
	"fmt"
	"io"
	"time"

	"github.com/goburrow/serial"
)

// SerialConfig describes the RS-232/485 line to the supplies.
type SerialConfig struct {
	Port     string
	BaudRate int
	DataBits int
	Parity   string // "N", "E" or "O"
	StopBits int
	Timeout  time.Duration // per read
}

// Open opens the line and returns a Channel on it with the closer for the
// port.
func Open(cfg SerialConfig, opts Options) (*Channel, io.Closer, error) {
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Port,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, nil, &TransportError{Kind: OpenFailed, Err: fmt.Errorf("%s: %w", cfg.Port, err)}
	}
	return NewChannel(port, opts), port, nil
}
