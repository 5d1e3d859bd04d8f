package actuator

import (
	"errors"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/serial"
	log "github.com/sirupsen/logrus"
)

const (
	terminator    = '\r'
	readChunk     = 64
	readIdleWait  = 5 * time.Millisecond
	maxDrainReads = 64
)

// Options are the protocol timings. The frame delay is required by the
// supplies between the address frame and the payload.
type Options struct {
	FrameDelay   time.Duration // after the address frame
	WriteTimeout time.Duration // bound on one frame write
	ReplyWindow  time.Duration // wait for the first reply byte
	ReplyTrail   time.Duration // wait for more bytes once a reply started
	// Confirm makes the channel wait for "OK" after the address frame and
	// after setpoint commands. Queries always wait for their reply.
	Confirm bool
}

func DefaultOptions() Options {
	return Options{
		FrameDelay:   100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
		ReplyWindow:  500 * time.Millisecond,
		ReplyTrail:   100 * time.Millisecond,
	}
}

// Channel sends address-scoped commands over one serial line. Sends are
// serialized; each holds the line from the address frame to the last reply
// byte. A frame whose write timed out stays pending and nothing else is
// written until it has left the port.
type Channel struct {
	mu      sync.Mutex
	port    io.ReadWriter
	opts    Options
	sleep   func(time.Duration)
	now     func() time.Time
	pending chan error // guarded by mu
}

var errLineBusy = errors.New("previous frame still being written")

func NewChannel(port io.ReadWriter, opts Options) *Channel {
	return &Channel{port: port, opts: opts, sleep: time.Sleep, now: time.Now}
}

// Send selects addr, waits the frame delay and sends cmd. For queries the
// returned string is the value; for confirmed setpoints it is "OK".
func (c *Channel) Send(addr Address, cmd Command) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := log.WithFields(log.Fields{"actuator": string(addr), "command": cmd.Wire})

	if c.opts.Confirm || cmd.Reply == ReplyValue {
		c.drain()
	}
	sel := SetAddress(addr)
	if err := c.writeFrame(addr, sel.Wire); err != nil {
		return "", err
	}
	if c.opts.Confirm {
		if _, err := c.expect(addr, sel); err != nil {
			return "", err
		}
	}
	c.sleep(c.opts.FrameDelay)

	if err := c.writeFrame(addr, cmd.Wire); err != nil {
		return "", err
	}
	if cmd.Reply == ReplyValue || (cmd.Reply == ReplyOK && c.opts.Confirm) {
		reply, err := c.expect(addr, cmd)
		if err != nil {
			return reply, err
		}
		l.WithField("reply", reply).Debug("sent")
		return reply, nil
	}
	l.Debug("sent")
	return "", nil
}

func (c *Channel) writeFrame(addr Address, wire string) error {
	if err := c.awaitPending(); err != nil {
		return &TransportError{Kind: WriteTimeout, Address: addr, Wire: wire, Err: err}
	}
	frame := append([]byte(wire), terminator)
	done := make(chan error, 1)
	go func() {
		n, err := c.port.Write(frame)
		if err == nil && n != len(frame) {
			err = io.ErrShortWrite
		}
		done <- err
	}()

	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return &TransportError{Kind: WriteFailed, Address: addr, Wire: wire, Err: err}
		}
		return nil
	case <-timer.C:
		c.pending = done
		return &TransportError{Kind: WriteTimeout, Address: addr, Wire: wire}
	}
}

// awaitPending waits, up to the write timeout, for a frame left behind by an
// earlier timeout. The stale frame lands right after its own address frame
// because nothing is written in between.
func (c *Channel) awaitPending() error {
	if c.pending == nil {
		return nil
	}
	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()
	select {
	case err := <-c.pending:
		c.pending = nil
		if err != nil {
			log.Warnf("late frame write failed: %v", err)
		}
		return nil
	case <-timer.C:
		return errLineBusy
	}
}

func (c *Channel) expect(addr Address, cmd Command) (string, error) {
	raw, err := c.readReply()
	if err != nil {
		return "", &TransportError{Kind: ReadFailed, Address: addr, Wire: cmd.Wire, Err: err}
	}
	reply := lastLine(raw)
	switch {
	case reply == "":
		return "", &TransportError{Kind: NoResponse, Address: addr, Wire: cmd.Wire}
	case cmd.Reply == ReplyOK && !strings.Contains(reply, "OK"):
		return reply, &TransportError{Kind: UnexpectedReply, Address: addr, Wire: cmd.Wire, Reply: reply}
	}
	return reply, nil
}

// readReply collects bytes until a terminator arrives, the first-byte window
// passes with nothing read, or the line goes quiet for ReplyTrail.
func (c *Channel) readReply() (string, error) {
	var buf []byte
	chunk := make([]byte, readChunk)
	deadline := c.now().Add(c.opts.ReplyWindow)
	for {
		n, err := c.port.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			deadline = c.now().Add(c.opts.ReplyTrail)
			if last := buf[len(buf)-1]; last == '\r' || last == '\n' {
				return string(buf), nil
			}
		}
		if err != nil && !idle(err) {
			return string(buf), err
		}
		if !c.now().Before(deadline) {
			return string(buf), nil
		}
		if n == 0 {
			c.sleep(readIdleWait)
		}
	}
}

// drain discards replies left on the line by unconfirmed sends.
func (c *Channel) drain() {
	chunk := make([]byte, readChunk)
	for i := 0; i < maxDrainReads; i++ {
		n, err := c.port.Read(chunk)
		if n == 0 || err != nil {
			return
		}
	}
}

func idle(err error) bool {
	return errors.Is(err, serial.ErrTimeout) || errors.Is(err, io.EOF)
}

// lastLine returns the last non-empty line of a reply; stale
// acknowledgements queued ahead of it are dropped.
func lastLine(s string) string {
	lines := strings.FieldsFunc(s, func(r rune) bool { return r == '\r' || r == '\n' })
	for i := len(lines) - 1; i >= 0; i-- {
		if t := strings.TrimSpace(lines[i]); t != "" {
			return t
		}
	}
	return ""
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, errors.New("value must be a finite number >= 0")
	}
	return v, nil
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "on", "true":
		return true, nil
	case "0", "off", "false":
		return false, nil
	}
	return false, errors.New("expected on|off")
}
