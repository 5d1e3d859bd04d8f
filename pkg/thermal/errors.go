package thermal

import (
	"errors"
	"fmt"
)

// BusErrorKind classifies a sensor bus failure.
type BusErrorKind int

const (
	DeviceUnavailable BusErrorKind = iota + 1
	TransferFailed
	ChecksumMismatch
)

func (k BusErrorKind) String() string {
	switch k {
	case DeviceUnavailable:
		return "device unavailable"
	case TransferFailed:
		return "transfer failed"
	case ChecksumMismatch:
		return "checksum mismatch"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is; a *BusError matches the sentinel of its kind.
var (
	ErrDeviceUnavailable = errors.New("thermal: device unavailable")
	ErrTransferFailed    = errors.New("thermal: transfer failed")
	ErrChecksumMismatch  = errors.New("thermal: checksum mismatch")
)

// BusError is returned by Driver and Manager operations.
type BusError struct {
	Kind BusErrorKind
	Op   string
	Addr uint16
	Err  error
}

func (e *BusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("thermal: %s 0x%02X: %s: %v", e.Op, e.Addr, e.Kind, e.Err)
	}
	return fmt.Sprintf("thermal: %s 0x%02X: %s", e.Op, e.Addr, e.Kind)
}

func (e *BusError) Unwrap() error { return e.Err }

func (e *BusError) Is(target error) bool {
	switch target {
	case ErrDeviceUnavailable:
		return e.Kind == DeviceUnavailable
	case ErrTransferFailed:
		return e.Kind == TransferFailed
	case ErrChecksumMismatch:
		return e.Kind == ChecksumMismatch
	}
	return false
}
