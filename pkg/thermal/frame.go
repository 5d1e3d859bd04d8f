package thermal

import (
	"fmt"
	"math"
	"time"
)

const (
	// Rows and Cols describe the D6T-32L array.
	Rows   = 32
	Cols   = 32
	Pixels = Rows * Cols
)

// Frame is one calibrated capture: a grid of pixel temperatures in °C plus
// the sensor's reference (PTAT) temperature. A Frame is never modified
// after NewFrame returns it, so it can be handed to any number of readers.
type Frame struct {
	camera    int
	rows      int
	cols      int
	reference float64
	pixels    []float64
	at        time.Time
}

// NewFrame copies pixels (row-major) into a new Frame.
func NewFrame(camera, rows, cols int, reference float64, pixels []float64, at time.Time) (*Frame, error) {
	if rows <= 0 || cols <= 0 || len(pixels) != rows*cols {
		return nil, fmt.Errorf("frame: %d pixels do not fit %dx%d", len(pixels), rows, cols)
	}
	p := make([]float64, len(pixels))
	copy(p, pixels)
	return &Frame{camera: camera, rows: rows, cols: cols, reference: reference, pixels: p, at: at}, nil
}

func (f *Frame) Camera() int { return f.camera }
func (f *Frame) Rows() int { return f.rows }
func (f *Frame) Cols() int { return f.cols }
func (f *Frame) Reference() float64 { return f.reference }

// CapturedAt is when the frame was read from the bus.
func (f *Frame) CapturedAt() time.Time { return f.at }

// At returns the temperature at row r, column c.
func (f *Frame) At(r, c int) float64 { return f.pixels[r*f.cols+c] }

// Pixel returns the i-th pixel in row-major order.
func (f *Frame) Pixel(i int) float64 { return f.pixels[i] }

// Summary holds the aggregate values published for a frame.
type Summary struct {
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Mean      float64 `json:"mean"`
	Reference float64 `json:"reference"`
}

func (f *Frame) Summary() Summary {
	s := Summary{Min: math.Inf(1), Max: math.Inf(-1), Reference: f.reference}
	var sum float64
	for _, v := range f.pixels {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		sum += v
	}
	s.Mean = sum / float64(len(f.pixels))
	return s
}
