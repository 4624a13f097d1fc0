// Package instrument implements the protocol client for the pressure
// controller: connection lifecycle, the command vocabulary and channel
// addressing, all serialized over a single bus session.
package instrument

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/arnisz/UniversalPressureController/internal/bus"
	"github.com/arnisz/UniversalPressureController/internal/events"
)

// State is the connection state of the client.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText renders the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Dialer opens a bus session for an address.
type Dialer func(address string) (bus.Session, error)

// Client serializes all traffic to the instrument.
//
// The instrument remembers the last selected channel, so a channel select and
// the command that follows it run inside one critical section. Callers waiting
// for the bus are served in arrival order.
type Client struct {
	dial   Dialer
	events events.Publisher

	// sem is the bus exclusion section; it also guards session.
	sem     chan struct{}
	session bus.Session

	mu       sync.RWMutex
	state    State
	identity string
}

// New creates a disconnected client. A nil dialer uses bus.Open with default options.
func New(dial Dialer, pub events.Publisher) *Client {
	if dial == nil {
		dial = func(address string) (bus.Session, error) {
			return bus.Open(address, bus.Options{})
		}
	}
	if pub == nil {
		pub = nopPublisher{}
	}
	return &Client{
		dial:   dial,
		events: pub,
		sem:    make(chan struct{}, 1),
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Kind, events.Source, string) {}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether a session is open.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// Identity returns the *IDN? response of the connected instrument.
func (c *Client) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Client) setState(s State, identity string) {
	c.mu.Lock()
	c.state = s
	c.identity = identity
	c.mu.Unlock()
}

// acquire enters the exclusion section. A context cancelled before or while
// waiting aborts without touching the bus.
func (c *Client) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() {
	<-c.sem
}

// Connect opens a session, identifies the instrument and resets it.
// Any failure releases the session, publishes an error event and returns false.
func (c *Client) Connect(ctx context.Context, address string) bool {
	if err := c.acquire(ctx); err != nil {
		c.events.Publish(events.KindError, events.SourceSystem, fmt.Sprintf("Connection failed: %v", err))
		return false
	}
	defer c.release()

	c.setState(Connecting, "")
	c.closeSession()

	s, err := c.dial(address)
	if err != nil {
		c.setState(Disconnected, "")
		log.Printf("[instrument] connect %s failed: %v", address, err)
		c.events.Publish(events.KindError, events.SourceSystem, fmt.Sprintf("Connection failed: %v", err))
		return false
	}
	c.session = s

	id, err := c.handshake()
	if err != nil {
		c.closeSession()
		c.setState(Disconnected, "")
		log.Printf("[instrument] handshake with %s failed: %v", address, err)
		c.events.Publish(events.KindError, events.SourceSystem, fmt.Sprintf("Connection failed: %v", err))
		return false
	}

	c.setState(Connected, id)
	log.Printf("[instrument] connected to %s: %s", address, id)
	c.events.Publish(events.KindMessage, events.SourceSystem, "Connected to: "+id)
	return true
}

func (c *Client) handshake() (string, error) {
	id, err := c.query(CmdIdentify)
	if err != nil {
		return "", err
	}
	if err := c.write(CmdReset); err != nil {
		return "", err
	}
	if err := c.write(CmdClear); err != nil {
		return "", err
	}
	return id, nil
}

// Disconnect closes the session if one is open. It is idempotent and never
// fails; close errors are published as error events.
func (c *Client) Disconnect() {
	c.sem <- struct{}{}
	defer c.release()

	wasOpen := c.session != nil
	c.closeSession()
	c.setState(Disconnected, "")
	if wasOpen {
		log.Printf("[instrument] disconnected")
		c.events.Publish(events.KindMessage, events.SourceSystem, "Disconnected")
	}
}

// closeSession must be called inside the exclusion section.
func (c *Client) closeSession() {
	if c.session == nil {
		return
	}
	if err := c.session.Close(); err != nil {
		log.Printf("[instrument] close failed: %v", err)
		c.events.Publish(events.KindError, events.SourceSystem, fmt.Sprintf("Disconnect error: %v", err))
	}
	c.session = nil
}

// write sends one line; it must be called inside the exclusion section.
func (c *Client) write(cmd string) error {
	if c.session == nil {
		return ErrNotConnected
	}
	if err := c.session.WriteLine(cmd); err != nil {
		c.events.Publish(events.KindError, events.SourceBus, fmt.Sprintf("Command error: %s: %v", cmd, err))
		return err
	}
	c.events.Publish(events.KindMessage, events.SourceBus, "Command sent: "+cmd)
	return nil
}

// query sends one line and reads one trimmed response line; it must be
// called inside the exclusion section. Once the command is written the
// response is always read so the next exchange starts on a clean bus.
func (c *Client) query(cmd string) (string, error) {
	if c.session == nil {
		return "", ErrNotConnected
	}
	if err := c.session.WriteLine(cmd); err != nil {
		c.events.Publish(events.KindError, events.SourceBus, fmt.Sprintf("Query error: %s: %v", cmd, err))
		return "", err
	}
	resp, err := c.session.ReadLine()
	if err != nil {
		c.events.Publish(events.KindError, events.SourceBus, fmt.Sprintf("Query error: %s: %v", cmd, err))
		return "", err
	}
	resp = strings.TrimSpace(resp)
	c.events.Publish(events.KindMessage, events.SourceBus, fmt.Sprintf("Query: %s -> %s", cmd, resp))
	return resp, nil
}

// Query sends a command and returns its trimmed response.
func (c *Client) Query(ctx context.Context, cmd string) (string, error) {
	if err := c.acquire(ctx); err != nil {
		return "", err
	}
	defer c.release()
	return c.query(cmd)
}

// SendCommand sends a command that has no response.
func (c *Client) SendCommand(ctx context.Context, cmd string) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	return c.write(cmd)
}

// onChannel selects a channel and runs act inside the same critical section.
// Invalid channel ids are rejected before the bus is touched.
func (c *Client) onChannel(ctx context.Context, id int, act func() error) error {
	addr, err := Address(id)
	if err != nil {
		return err
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	if err := c.write(SelectCommand(addr)); err != nil {
		return err
	}
	return act()
}

// ReadMeasurement returns the measured pressure of a channel.
func (c *Client) ReadMeasurement(ctx context.Context, id int) (float64, error) {
	var resp string
	err := c.onChannel(ctx, id, func() error {
		var err error
		resp, err = c.query(CmdMeasure)
		return err
	})
	if err != nil {
		return 0, err
	}
	return ParseMeasurement(resp)
}

// ParseMeasurement parses a decimal response using '.' as separator.
func ParseMeasurement(resp string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q", ErrFormat, resp)
	}
	return v, nil
}

// SetSetpoint sends a new setpoint for a channel.
func (c *Client) SetSetpoint(ctx context.Context, id int, value float64) error {
	return c.onChannel(ctx, id, func() error {
		return c.write(SetpointCommand(value))
	})
}

// StartControl switches a channel into control mode.
func (c *Client) StartControl(ctx context.Context, id int) error {
	return c.onChannel(ctx, id, func() error {
		return c.write(CmdModeControl)
	})
}

// StopControl switches a channel back to measure-only mode.
func (c *Client) StopControl(ctx context.Context, id int) error {
	return c.onChannel(ctx, id, func() error {
		return c.write(CmdModeMeasure)
	})
}

// Vent switches a channel to vent mode.
func (c *Client) Vent(ctx context.Context, id int) error {
	return c.onChannel(ctx, id, func() error {
		return c.write(CmdModeVent)
	})
}

// Start sets the setpoint and enables control in one critical section, so no
// other caller can retarget the selected channel in between.
func (c *Client) Start(ctx context.Context, id int, setpoint float64) error {
	return c.onChannel(ctx, id, func() error {
		if err := c.write(SetpointCommand(setpoint)); err != nil {
			return err
		}
		return c.write(CmdModeControl)
	})
}

// GetStatus queries the instrument error/status register.
func (c *Client) GetStatus(ctx context.Context) (string, error) {
	return c.Query(ctx, CmdSystemError)
}
