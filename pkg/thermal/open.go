package thermal

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// OpenBus initializes periph and opens the named I2C bus ("1" -> /dev/i2c-1).
// speedKHz <= 0 keeps the bus default.
func OpenBus(name string, speedKHz int) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, &BusError{Kind: DeviceUnavailable, Op: "host init", Err: err}
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, &BusError{Kind: DeviceUnavailable, Op: "open i2c-" + name, Err: err}
	}
	if speedKHz > 0 {
		if err := bus.SetSpeed(physic.Frequency(speedKHz) * physic.KiloHertz); err != nil {
			_ = bus.Close()
			return nil, fmt.Errorf("i2c-%s speed %dkHz: %w", name, speedKHz, err)
		}
	}
	return bus, nil
}

// OpenResetLine looks up the multiplexer reset pin by name (e.g. "GPIO23")
// and drives it high. An empty name returns nil, nil.
func OpenResetLine(name string) (ResetLine, error) {
	if name == "" {
		return nil, nil
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("gpio %q not found", name)
	}
	if err := pin.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("gpio %s: %w", name, err)
	}
	return pin, nil
}
