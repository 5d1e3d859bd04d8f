package analog

import (
	"io"
	"strings"
	"testing"
	"time"
)

func TestParseLine(t *testing.T) {
	at := time.Unix(0, 0)
	tests := []struct {
		in   string
		want map[int]float64
	}{
		{"1.000000,2.500000,5.200000,0.000000", map[int]float64{0: 1, 1: 2.5, 2: 5.2, 3: 0}},
		{" 1.0, x ,5.2,0.1\r\n", map[int]float64{0: 1, 2: 5.2, 3: 0.1}},
		{"1.0,2.0,3.0", nil},
		{"", nil},
		{"a,b,c,d", map[int]float64{}},
	}
	for _, tt := range tests {
		rs := ParseLine(tt.in, DefaultMinFields, at)
		if len(rs) != len(tt.want) {
			t.Fatalf("ParseLine(%q) = %+v; want %v", tt.in, rs, tt.want)
		}
		for _, r := range rs {
			if v, ok := tt.want[r.Channel]; !ok || v != r.Value {
				t.Fatalf("ParseLine(%q) channel %d = %v; want %v", tt.in, r.Channel, r.Value, tt.want)
			}
		}
	}
}

func TestLineSourceSkipsUnusableLines(t *testing.T) {
	src := NewLineSource(strings.NewReader("garbage\n1,2,3\n0.1,0.2,5.3,0.4\n"), 0)
	rs, err := src.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rs) != 4 || rs[2].Value != 5.3 {
		t.Fatalf("unexpected readings: %+v", rs)
	}
	if _, err := src.Read(); err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}
