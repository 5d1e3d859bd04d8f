package actuator

import (
	"fmt"
	"strings"
)

// Address selects one power supply on the multi-drop line, e.g. "06".
type Address string

// ReplyKind says what, if anything, a command answers with.
type ReplyKind int

const (
	ReplyNone  ReplyKind = iota
	ReplyOK              // acknowledges with "OK"
	ReplyValue           // answers with a value
)

// Command is one logical power-supply command and its wire text (without CR).
type Command struct {
	Name  string
	Wire  string
	Reply ReplyKind
}

func (c Command) String() string { return c.Wire }

// IsSetpoint reports whether the command changes supply state.
func (c Command) IsSetpoint() bool { return c.Reply != ReplyValue }

func SetAddress(a Address) Command {
	return Command{Name: "set-address", Wire: "ADR " + string(a), Reply: ReplyOK}
}

func Reset() Command { return Command{Name: "reset", Wire: "RST", Reply: ReplyOK} }

func SetRemoteMode() Command { return Command{Name: "set-remote-mode", Wire: "RMT 1", Reply: ReplyOK} }

func SetVoltage(volts float64) Command {
	return Command{Name: "set-voltage", Wire: fmt.Sprintf("PV %.2f", volts), Reply: ReplyOK}
}

func SetCurrent(amps float64) Command {
	return Command{Name: "set-current", Wire: fmt.Sprintf("PC %.2f", amps), Reply: ReplyOK}
}

func SetOutput(on bool) Command {
	v := 0
	if on {
		v = 1
	}
	return Command{Name: "set-output-enabled", Wire: fmt.Sprintf("OUT %d", v), Reply: ReplyOK}
}

func QueryMeasuredVoltage() Command {
	return Command{Name: "query-measured-voltage", Wire: "MV?", Reply: ReplyValue}
}

func QueryProgrammedVoltage() Command {
	return Command{Name: "query-programmed-voltage", Wire: "PV?", Reply: ReplyValue}
}

func QueryMeasuredCurrent() Command {
	return Command{Name: "query-measured-current", Wire: "MC?", Reply: ReplyValue}
}

func QueryProgrammedCurrent() Command {
	return Command{Name: "query-programmed-current", Wire: "PC?", Reply: ReplyValue}
}

// ParseCommand maps a logical name and argument, as received from an
// operator, to a Command. Queries ignore arg.
func ParseCommand(name, arg string) (Command, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "reset":
		return Reset(), nil
	case "remote", "set-remote-mode":
		return SetRemoteMode(), nil
	case "voltage", "set-voltage":
		v, err := parseFloat(arg)
		if err != nil {
			return Command{}, fmt.Errorf("voltage: %w", err)
		}
		return SetVoltage(v), nil
	case "current", "set-current":
		v, err := parseFloat(arg)
		if err != nil {
			return Command{}, fmt.Errorf("current: %w", err)
		}
		return SetCurrent(v), nil
	case "output", "set-output-enabled":
		on, err := parseSwitch(arg)
		if err != nil {
			return Command{}, fmt.Errorf("output: %w", err)
		}
		return SetOutput(on), nil
	case "query-measured-voltage":
		return QueryMeasuredVoltage(), nil
	case "query-programmed-voltage":
		return QueryProgrammedVoltage(), nil
	case "query-measured-current":
		return QueryMeasuredCurrent(), nil
	case "query-programmed-current":
		return QueryProgrammedCurrent(), nil
	}
	return Command{}, fmt.Errorf("unknown command %q", name)
}
