package bus

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sim is a simulated two-channel pressure controller speaking the same line
// protocol as the real instrument. It is used by demo mode and tests.
type Sim struct {
	mu       sync.Mutex
	closed   bool
	selected string
	channels map[string]*simChannel
	replies  []string
	errors   []string

	// Noise returns measurement noise added to each reading.
	Noise func() float64
	// Tau is the time constant of the simulated regulation.
	Tau time.Duration

	now func() time.Time
}

type simChannel struct {
	setpoint float64
	pressure float64
	mode     string // MEAS, CONT or VENT
	updated  time.Time
}

// SimIdentity is the *IDN? response of the simulator.
const SimIdentity = "Mensor,CPC6000-SIM,0000001,1.0"

// NewSim returns a simulator with both channels at atmosphere in measure mode.
func NewSim() *Sim {
	s := &Sim{
		channels: make(map[string]*simChannel),
		Noise:    func() float64 { return (rand.Float64() - 0.5) * 0.001 },
		Tau:      800 * time.Millisecond,
		now:      time.Now,
	}
	for _, name := range []string{"A", "B"} {
		s.channels[name] = &simChannel{mode: "MEAS", updated: s.now()}
	}
	return s
}

func (s *Sim) WriteLine(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.handle(strings.TrimSpace(text))
	return nil
}

func (s *Sim) ReadLine() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if len(s.replies) == 0 {
		return "", fmt.Errorf("%w: no pending response", ErrTimeout)
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Selected returns the currently selected logical channel ("" before any selection).
func (s *Sim) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Mode returns the output mode of a logical channel.
func (s *Sim) Mode(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[name]; ok {
		return ch.mode
	}
	return ""
}

// SetPressure forces the simulated pressure of a logical channel.
func (s *Sim) SetPressure(name string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[name]; ok {
		ch.pressure = v
		ch.updated = s.now()
	}
}

func (s *Sim) handle(cmd string) {
	upper := strings.ToUpper(cmd)
	switch {
	case upper == "*IDN?":
		s.replies = append(s.replies, SimIdentity)
	case upper == "*RST":
		s.selected = ""
		for _, ch := range s.channels {
			ch.mode = "MEAS"
			ch.setpoint = 0
		}
	case upper == "*CLS":
		s.errors = nil
	case upper == ":SYST:ERR?":
		if len(s.errors) == 0 {
			s.replies = append(s.replies, `0,"No error"`)
			return
		}
		s.replies = append(s.replies, s.errors[0])
		s.errors = s.errors[1:]
	case strings.HasPrefix(upper, ":OUTP:CHAN "):
		name := strings.TrimSpace(upper[len(":OUTP:CHAN "):])
		if _, ok := s.channels[name]; !ok {
			s.pushError(`-224,"Illegal parameter value"`)
			return
		}
		s.selected = name
	default:
		s.handleChannelCommand(upper)
	}
}

func (s *Sim) handleChannelCommand(upper string) {
	ch, ok := s.channels[s.selected]
	if !ok {
		s.pushError(`-221,"Settings conflict"`)
		return
	}
	s.advance(ch)

	switch {
	case upper == ":MEAS:PRES?":
		v := ch.pressure
		if s.Noise != nil {
			v += s.Noise()
		}
		s.replies = append(s.replies, strconv.FormatFloat(v, 'f', 6, 64))
	case strings.HasPrefix(upper, ":SOUR:PRES "):
		v, err := strconv.ParseFloat(strings.TrimSpace(upper[len(":SOUR:PRES "):]), 64)
		if err != nil {
			s.pushError(`-222,"Data out of range"`)
			return
		}
		ch.setpoint = v
	case strings.HasPrefix(upper, ":OUTP:MODE "):
		mode := strings.TrimSpace(upper[len(":OUTP:MODE "):])
		switch mode {
		case "CONT", "MEAS", "VENT":
			ch.mode = mode
		default:
			s.pushError(`-224,"Illegal parameter value"`)
		}
	default:
		s.pushError(`-113,"Undefined header"`)
	}
}

// advance moves the channel pressure toward its target for the elapsed time.
func (s *Sim) advance(ch *simChannel) {
	now := s.now()
	dt := now.Sub(ch.updated)
	ch.updated = now
	if dt <= 0 || s.Tau <= 0 {
		return
	}

	var target float64
	switch ch.mode {
	case "CONT":
		target = ch.setpoint
	case "VENT":
		target = 0
	default:
		return
	}
	k := 1 - math.Exp(-float64(dt)/float64(s.Tau))
	ch.pressure += (target - ch.pressure) * k
}

func (s *Sim) pushError(e string) {
	s.errors = append(s.errors, e)
}
