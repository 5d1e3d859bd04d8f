package analog

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// DefaultMinFields is the number of comma-separated values a line must carry
// to be used at all.
const DefaultMinFields = 4

// ParseLine parses "v0,v1,..." where field i is channel i. Fields that do not
// parse as a number are skipped. Lines with fewer than minFields fields yield
// nothing.
func ParseLine(line string, minFields int, at time.Time) []Reading {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	fields := strings.Split(line, ",")
	if len(fields) < minFields {
		return nil
	}
	out := make([]Reading, 0, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			continue
		}
		out = append(out, Reading{Channel: i, Value: v, Timestamp: at})
	}
	return out
}

// LineSource reads CSV lines from a stream such as stdin. Read blocks until
// a usable line arrives and returns io.EOF when the stream ends.
type LineSource struct {
	sc        *bufio.Scanner
	closer    io.Closer
	minFields int
	now       func() time.Time
}

func NewLineSource(r io.Reader, minFields int) *LineSource {
	if minFields <= 0 {
		minFields = DefaultMinFields
	}
	ls := &LineSource{sc: bufio.NewScanner(r), minFields: minFields, now: time.Now}
	if c, ok := r.(io.Closer); ok {
		ls.closer = c
	}
	return ls
}

func (l *LineSource) Read() ([]Reading, error) {
	for l.sc.Scan() {
		if rs := ParseLine(l.sc.Text(), l.minFields, l.now()); len(rs) > 0 {
			return rs, nil
		}
	}
	if err := l.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (l *LineSource) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
