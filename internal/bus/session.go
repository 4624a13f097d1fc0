package bus

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Session is the single physical connection to the instrument.
//
// Lines are newline-terminated with no other framing. A Session is not safe
// for concurrent use; exactly one transaction is expected in flight and the
// caller enforces that.
type Session interface {
	// WriteLine sends text followed by a newline.
	WriteLine(text string) error
	// ReadLine returns the next response line without its terminator.
	ReadLine() (string, error)
	// Close releases the handle. A closed session cannot be reopened.
	Close() error
}

// Options holds session parameters shared by every transport.
type Options struct {
	BaudRate int
	Timeout  time.Duration
}

const (
	DefaultBaudRate = 9600
	DefaultTimeout  = 5 * time.Second

	// readSlice bounds each blocking read so the response deadline is checked regularly.
	readSlice = 100 * time.Millisecond
	// maxLine guards against a peer that never sends a terminator.
	maxLine = 4096
)

func (o Options) withDefaults() Options {
	if o.BaudRate <= 0 {
		o.BaudRate = DefaultBaudRate
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Open connects to the instrument at address. Supported forms:
//
//	/dev/ttyUSB0, COM3, serial:///dev/ttyUSB0   RS-232 or USB-serial
//	prologix:///dev/ttyUSB0?gpib=7              GPIB through a Prologix USB adapter
//	tcp://192.168.0.20:5025                     raw SCPI socket
//	sim://                                      built-in simulated controller
func Open(address string, opts Options) (Session, error) {
	opts = opts.withDefaults()
	address = strings.TrimSpace(address)

	var (
		s   Session
		err error
	)
	switch {
	case address == "":
		err = fmt.Errorf("empty address")
	case strings.HasPrefix(address, "sim://"):
		s = NewSim()
	case strings.HasPrefix(address, "tcp://"):
		s, err = openTCP(strings.TrimPrefix(address, "tcp://"), opts)
	case strings.HasPrefix(address, "prologix://"):
		s, err = openPrologix(address, opts)
	default:
		s, err = openSerial(strings.TrimPrefix(address, "serial://"), opts)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectFailed, address, err)
	}
	return s, nil
}

// port is the raw byte transport behind a line session. Read returns (0, nil)
// when no data arrived within one read slice.
type port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// lineSession implements Session over a raw port.
type lineSession struct {
	port    port
	timeout time.Duration
	pending []byte

	closeOnce sync.Once
	closed    bool
}

func newLineSession(p port, timeout time.Duration) *lineSession {
	return &lineSession{port: p, timeout: timeout}
}

func (l *lineSession) WriteLine(text string) error {
	if l.closed {
		return ErrClosed
	}
	buf := []byte(text + "\n")
	for len(buf) > 0 {
		n, err := l.port.Write(buf)
		if err != nil {
			return fmt.Errorf("%w: write %q: %w", ErrIOFailed, text, err)
		}
		buf = buf[n:]
	}
	return nil
}

func (l *lineSession) ReadLine() (string, error) {
	if l.closed {
		return "", ErrClosed
	}
	deadline := time.Now().Add(l.timeout)
	chunk := make([]byte, 256)

	for {
		if i := bytes.IndexByte(l.pending, '\n'); i >= 0 {
			line := string(bytes.TrimRight(l.pending[:i], "\r"))
			l.pending = l.pending[i+1:]
			return line, nil
		}
		if len(l.pending) > maxLine {
			l.pending = nil
			return "", fmt.Errorf("%w: line exceeds %d bytes", ErrIOFailed, maxLine)
		}
		if !time.Now().Before(deadline) {
			// A partial line left behind would corrupt the next response.
			l.pending = nil
			return "", fmt.Errorf("%w after %v", ErrTimeout, l.timeout)
		}

		n, err := l.port.Read(chunk)
		if n > 0 {
			l.pending = append(l.pending, chunk[:n]...)
		}
		if err != nil {
			return "", fmt.Errorf("%w: read: %w", ErrIOFailed, err)
		}
	}
}

func (l *lineSession) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed = true
		err = l.port.Close()
	})
	return err
}
