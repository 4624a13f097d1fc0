package channel

import (
	"fmt"
	"math"
	"time"
)

// Status is the operational state of one pressure-control channel.
type Status int

const (
	Idle        Status = iota // not controlled
	Running                   // controlled, measurement close to setpoint
	Stabilizing               // controlled, transient deviation
	Error                     // last operation failed
	Venting                   // releasing pressure, time-bounded
)

// Deviation thresholds used by Classify.
const (
	RunningBand     = 0.01
	StabilizingBand = 0.1
)

var statusNames = [...]string{"idle", "running", "stabilizing", "error", "venting"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText renders the status as its lower-case name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus returns the status with the given lower-case name.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return Idle, fmt.Errorf("unknown channel status %q", name)
}

// Channel is one independently controllable pressure-regulation loop.
// It holds no I/O and is not safe for concurrent use; the owner serializes access.
type Channel struct {
	ID         int
	Name       string
	Unit       string
	Active     bool
	Status     Status
	Actual     float64
	LastUpdate time.Time

	min      float64
	max      float64
	setpoint float64
}

// New creates an idle, inactive channel. The bounds are swapped if given in reverse
// and the initial setpoint is clamped into them.
func New(id int, name string, min, max, setpoint float64, unit string) *Channel {
	if min > max {
		min, max = max, min
	}
	c := &Channel{
		ID:     id,
		Name:   name,
		Unit:   unit,
		Status: Idle,
		min:    min,
		max:    max,
	}
	c.SetSetpoint(setpoint)
	return c
}

// Min returns the lower setpoint bound.
func (c *Channel) Min() float64 { return c.min }

// Max returns the upper setpoint bound.
func (c *Channel) Max() float64 { return c.max }

// Setpoint returns the current (always in-bounds) setpoint.
func (c *Channel) Setpoint() float64 { return c.setpoint }

// SetSetpoint stores v clamped to [Min, Max] and returns the stored value.
func (c *Channel) SetSetpoint(v float64) float64 {
	c.setpoint = Clamp(v, c.min, c.max)
	return c.setpoint
}

// Deviation is the measured value minus the setpoint.
func (c *Channel) Deviation() float64 {
	return c.Actual - c.setpoint
}

// Clamp limits v to [min, max]. NaN is mapped to min.
func Clamp(v, min, max float64) float64 {
	if math.IsNaN(v) {
		return min
	}
	return math.Max(min, math.Min(max, v))
}

// Classify derives the status for a controlled channel from its deviation.
// Deviations outside the stabilizing band leave the current status unchanged;
// a large deviation alone is not a fault.
func Classify(current Status, deviation float64) Status {
	d := math.Abs(deviation)
	switch {
	case d < RunningBand:
		return Running
	case d < StabilizingBand:
		return Stabilizing
	default:
		return current
	}
}

// Snapshot is an immutable copy of a channel for display and transport.
type Snapshot struct {
	ID         int       `json:"id"`
	Name       string    `json:"name"`
	Unit       string    `json:"unit"`
	Setpoint   float64   `json:"setpoint"`
	Actual     float64   `json:"actual"`
	Deviation  float64   `json:"deviation"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Active     bool      `json:"active"`
	Status     Status    `json:"status"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// Snapshot copies the current state.
func (c *Channel) Snapshot() Snapshot {
	return Snapshot{
		ID:         c.ID,
		Name:       c.Name,
		Unit:       c.Unit,
		Setpoint:   c.setpoint,
		Actual:     c.Actual,
		Deviation:  c.Deviation(),
		Min:        c.min,
		Max:        c.max,
		Active:     c.Active,
		Status:     c.Status,
		LastUpdate: c.LastUpdate,
	}
}
