package thermal

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

type txRecord struct {
	addr uint16
	w    []byte
	rlen int
}

// scriptBus records every transfer and answers sensor reads with block.
type scriptBus struct {
	txs   []txRecord
	block []byte
	fail  map[uint16]error
}

func (b *scriptBus) Tx(addr uint16, w, r []byte) error {
	b.txs = append(b.txs, txRecord{addr: addr, w: append([]byte(nil), w...), rlen: len(r)})
	if err := b.fail[addr]; err != nil {
		return err
	}
	if len(r) > 0 {
		copy(r, b.block)
	}
	return nil
}

func uniform(v float64) []float64 {
	px := make([]float64, Pixels)
	for i := range px {
		px[i] = v
	}
	return px
}

func TestCRC8CheckValue(t *testing.T) {
	var crc byte
	for _, b := range []byte("123456789") {
		crc = crcStep(b ^ crc)
	}
	if crc != 0xF4 {
		t.Fatalf("crc8(123456789) = %02X; want F4", crc)
	}
}

func TestSelectChannelWritesSingleBitMask(t *testing.T) {
	bus := &scriptBus{}
	d := NewDriver(bus, DriverOptions{})
	for ch := 0; ch < MaxChannels; ch++ {
		if err := d.SelectChannel(ch); err != nil {
			t.Fatalf("select %d: %v", ch, err)
		}
		last := bus.txs[len(bus.txs)-1]
		if last.addr != DefaultMuxAddress || len(last.w) != 1 || last.w[0] != 1<<ch {
			t.Fatalf("select %d wrote %+v", ch, last)
		}
	}
	if err := d.SelectChannel(MaxChannels); err == nil {
		t.Fatalf("expected error for channel %d", MaxChannels)
	}
}

func TestReadFrameDecodesTemperatures(t *testing.T) {
	px := uniform(22.4)
	px[0] = -1.5
	px[Pixels-1] = 45.0
	bus := &scriptBus{block: EncodeBlock(DefaultSensorAddress, 25.3, px)}
	d := NewDriver(bus, DriverOptions{})

	f, err := d.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got := bus.txs[0]; got.addr != DefaultSensorAddress || got.w[0] != cmdReadFrame || got.rlen != 2*(Pixels+1)+1 {
		t.Fatalf("unexpected read transfer %+v", got)
	}
	if f.Reference() != 25.3 {
		t.Fatalf("reference: got %v want 25.3", f.Reference())
	}
	if f.At(0, 0) != -1.5 || f.At(Rows-1, Cols-1) != 45.0 || f.Pixel(1) != 22.4 {
		t.Fatalf("pixels decoded wrong: %v %v %v", f.At(0, 0), f.At(Rows-1, Cols-1), f.Pixel(1))
	}
	if s := f.Summary(); s.Max != 45.0 || s.Min != -1.5 {
		t.Fatalf("summary: %+v", s)
	}
}

func TestReadFrameRejectsEverySingleBitFlip(t *testing.T) {
	good := EncodeBlock(DefaultSensorAddress, 24.0, uniform(30.0))
	bus := &scriptBus{}
	d := NewDriver(bus, DriverOptions{})

	for i := range good {
		for bit := 0; bit < 8; bit++ {
			bad := append([]byte(nil), good...)
			bad[i] ^= 1 << bit
			bus.block = bad
			_, err := d.ReadFrame()
			if !errors.Is(err, ErrChecksumMismatch) {
				t.Fatalf("byte %d bit %d: got %v, want checksum mismatch", i, bit, err)
			}
		}
	}
}

func TestDriverErrorKinds(t *testing.T) {
	d := NewDriver(nil, DriverOptions{})
	if err := d.SelectChannel(0); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("nil bus select: %v", err)
	}
	if _, err := d.ReadFrame(); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("nil bus read: %v", err)
	}

	nack := fmt.Errorf("nack")
	bus := &scriptBus{fail: map[uint16]error{DefaultMuxAddress: nack, DefaultSensorAddress: nack}}
	d = NewDriver(bus, DriverOptions{})
	err := d.SelectChannel(1)
	if !errors.Is(err, ErrTransferFailed) || !errors.Is(err, nack) {
		t.Fatalf("select: %v", err)
	}
	var be *BusError
	if _, err := d.ReadFrame(); !errors.As(err, &be) || be.Kind != TransferFailed {
		t.Fatalf("read: %v", err)
	}
}

func TestFrameTransferTime(t *testing.T) {
	tests := []struct {
		speedKHz int
		min, max time.Duration
	}{
		{400, 45 * time.Millisecond, 48 * time.Millisecond},
		{100, 180 * time.Millisecond, 190 * time.Millisecond},
		{0, 180 * time.Millisecond, 190 * time.Millisecond},
	}
	for _, tt := range tests {
		got := FrameTransferTime(Rows, Cols, tt.speedKHz)
		if got < tt.min || got > tt.max {
			t.Fatalf("%dkHz: got %v want %v..%v", tt.speedKHz, got, tt.min, tt.max)
		}
	}
}
