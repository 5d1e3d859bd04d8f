package thermal

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	DefaultMuxAddress    = 0x70
	DefaultSensorAddress = 0x0A

	cmdReadFrame   = 0x4D
	regSetting     = 0x01
	settingIIR     = 0x00
	settingAverage = 0x04

	// MaxChannels is the number of downstream buses on the multiplexer.
	MaxChannels = 8
)

// Bus is the part of periph's i2c.Bus the driver uses.
type Bus interface {
	Tx(addr uint16, w, r []byte) error
}

// Driver talks to one D6T thermal array behind an I2C multiplexer. It holds
// no lock; callers serialize access (see Manager).
type Driver struct {
	bus        Bus
	muxAddr    uint16
	sensorAddr uint16
	rows       int
	cols       int
	now        func() time.Time
}

type DriverOptions struct {
	MuxAddress    uint16
	SensorAddress uint16
	Rows          int
	Cols          int
}

func NewDriver(bus Bus, opts DriverOptions) *Driver {
	if opts.MuxAddress == 0 {
		opts.MuxAddress = DefaultMuxAddress
	}
	if opts.SensorAddress == 0 {
		opts.SensorAddress = DefaultSensorAddress
	}
	if opts.Rows <= 0 || opts.Cols <= 0 {
		opts.Rows, opts.Cols = Rows, Cols
	}
	return &Driver{
		bus:        bus,
		muxAddr:    opts.MuxAddress,
		sensorAddr: opts.SensorAddress,
		rows:       opts.Rows,
		cols:       opts.Cols,
		now:        time.Now,
	}
}

// ReadLength is the size of one frame block: reference word, one word per
// pixel and the trailing PEC byte.
func (d *Driver) ReadLength() int {
	return readLength(d.rows, d.cols)
}

func readLength(rows, cols int) int {
	return 2*(rows*cols+1) + 1
}

// StandardModeKHz is the I2C clock assumed when the bus speed is left at its
// default.
const StandardModeKHz = 100

// FrameTransferTime estimates the bus time for one rows x cols capture at
// speedKHz: the mux select, the command and the frame read, nine clocks per
// byte.
func FrameTransferTime(rows, cols, speedKHz int) time.Duration {
	if speedKHz <= 0 {
		speedKHz = StandardModeKHz
	}
	// mux address+control, sensor address+command, sensor read address
	bytes := readLength(rows, cols) + 5
	return time.Duration(bytes*9) * time.Second / time.Duration(speedKHz*1000)
}

// SelectChannel routes the upstream bus to channel ch and only ch.
func (d *Driver) SelectChannel(ch int) error {
	if ch < 0 || ch >= MaxChannels {
		return fmt.Errorf("thermal: channel %d out of range 0..%d", ch, MaxChannels-1)
	}
	return d.writeMux(byte(1) << ch)
}

// DisableChannels disconnects every downstream bus.
func (d *Driver) DisableChannels() error {
	return d.writeMux(0x00)
}

func (d *Driver) writeMux(mask byte) error {
	if d.bus == nil {
		return &BusError{Kind: DeviceUnavailable, Op: "select", Addr: d.muxAddr}
	}
	if err := d.bus.Tx(d.muxAddr, []byte{mask}, nil); err != nil {
		return &BusError{Kind: TransferFailed, Op: "select", Addr: d.muxAddr, Err: err}
	}
	return nil
}

// Configure writes the averaging/IIR filter setting to the selected sensor.
func (d *Driver) Configure() error {
	if d.bus == nil {
		return &BusError{Kind: DeviceUnavailable, Op: "configure", Addr: d.sensorAddr}
	}
	setting := (settingIIR<<4)&0xF0 | settingAverage&0x0F
	if err := d.bus.Tx(d.sensorAddr, []byte{regSetting, byte(setting)}, nil); err != nil {
		return &BusError{Kind: TransferFailed, Op: "configure", Addr: d.sensorAddr, Err: err}
	}
	return nil
}

// ReadFrame reads one block from the selected sensor and validates its PEC.
// The returned frame carries camera -1; Manager stamps the logical index.
func (d *Driver) ReadFrame() (*Frame, error) {
	return d.readFrame(-1)
}

func (d *Driver) readFrame(camera int) (*Frame, error) {
	if d.bus == nil {
		return nil, &BusError{Kind: DeviceUnavailable, Op: "read", Addr: d.sensorAddr}
	}
	buf := make([]byte, d.ReadLength())
	if err := d.bus.Tx(d.sensorAddr, []byte{cmdReadFrame}, buf); err != nil {
		return nil, &BusError{Kind: TransferFailed, Op: "read", Addr: d.sensorAddr, Err: err}
	}
	n := len(buf) - 1
	if got, want := buf[n], pec(d.sensorAddr, buf[:n]); got != want {
		return nil, &BusError{
			Kind: ChecksumMismatch,
			Op:   "read",
			Addr: d.sensorAddr,
			Err:  fmt.Errorf("pec %02X != %02X", got, want),
		}
	}
	return decodeFrame(camera, d.rows, d.cols, buf[:n], d.now())
}

func decodeFrame(camera, rows, cols int, block []byte, at time.Time) (*Frame, error) {
	pixels := make([]float64, rows*cols)
	for i := range pixels {
		pixels[i] = decodeTemp(block[2+2*i:])
	}
	return NewFrame(camera, rows, cols, decodeTemp(block), pixels, at)
}

// decodeTemp converts a signed little-endian word in tenths of a degree.
func decodeTemp(b []byte) float64 {
	return float64(int16(binary.LittleEndian.Uint16(b))) / 10.0
}

// EncodeBlock builds the bytes a sensor at addr would return for the given
// temperatures, PEC included.
func EncodeBlock(addr uint16, reference float64, pixels []float64) []byte {
	buf := make([]byte, 2*(len(pixels)+1)+1)
	binary.LittleEndian.PutUint16(buf, uint16(encodeTemp(reference)))
	for i, v := range pixels {
		binary.LittleEndian.PutUint16(buf[2+2*i:], uint16(encodeTemp(v)))
	}
	n := len(buf) - 1
	buf[n] = pec(addr, buf[:n])
	return buf
}

func encodeTemp(v float64) int16 {
	if v >= 0 {
		return int16(v*10 + 0.5)
	}
	return int16(v*10 - 0.5)
}
