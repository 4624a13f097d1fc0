package bus

import (
	"fmt"
	"log"
	"net/url"
	"strconv"
	"time"

	"go.bug.st/serial"
)

// openSerial opens an RS-232 or USB-serial port at 8N1.
func openSerial(path string, opts Options) (*lineSession, error) {
	p, err := openPort(path, opts.BaudRate)
	if err != nil {
		return nil, err
	}
	log.Printf("[bus] opened %s at %d baud", path, opts.BaudRate)
	return newLineSession(p, opts.Timeout), nil
}

func openPort(path string, baud int) (serial.Port, error) {
	if path == "" {
		return nil, fmt.Errorf("empty serial port path")
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := p.SetReadTimeout(readSlice); err != nil {
		p.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	// Discard anything the instrument sent before we were listening.
	if err := p.ResetInputBuffer(); err != nil {
		p.Close()
		return nil, fmt.Errorf("reset input buffer: %w", err)
	}
	return p, nil
}

// prologixSession drives a GPIB instrument through a Prologix GPIB-USB
// controller. The adapter runs with read-after-write disabled, so every
// response has to be requested explicitly with ++read.
type prologixSession struct {
	*lineSession
}

// prologixSetup configures the adapter as controller-in-charge talking to one address.
func prologixSetup(addr int) []string {
	return []string{
		"++mode 1",
		"++auto 0",
		"++eos 2", // append LF only
		"++eoi 1",
		"++read_tmo_ms 3000",
		"++addr " + strconv.Itoa(addr),
	}
}

func openPrologix(address string, opts Options) (*prologixSession, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", address, err)
	}
	// prologix:///dev/ttyUSB0 puts the device in Path, prologix://COM3 in Host.
	path := u.Host + u.Path
	gpib, err := strconv.Atoi(u.Query().Get("gpib"))
	if err != nil || gpib < 0 || gpib > 30 {
		return nil, fmt.Errorf("prologix: gpib address must be 0..30, got %q", u.Query().Get("gpib"))
	}

	p, err := openPort(path, opts.BaudRate)
	if err != nil {
		return nil, err
	}
	s := &prologixSession{lineSession: newLineSession(p, opts.Timeout)}
	for _, cmd := range prologixSetup(gpib) {
		if err := s.lineSession.WriteLine(cmd); err != nil {
			s.Close()
			return nil, err
		}
	}
	// The adapter needs a moment to apply the configuration before the first transfer.
	time.Sleep(100 * time.Millisecond)
	log.Printf("[bus] prologix on %s addressing gpib %d", path, gpib)
	return s, nil
}

// ReadLine asks the adapter to read from the instrument until EOI, then reads the line.
func (s *prologixSession) ReadLine() (string, error) {
	if err := s.lineSession.WriteLine("++read eoi"); err != nil {
		return "", err
	}
	return s.lineSession.ReadLine()
}
