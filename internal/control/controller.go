// Package control owns the channel state machines: user actions, the
// periodic measurement poll and the timed vent.
package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/arnisz/UniversalPressureController/internal/channel"
	"github.com/arnisz/UniversalPressureController/internal/events"
	"github.com/arnisz/UniversalPressureController/internal/instrument"
)

// Instrument is the part of the protocol client the controller drives.
type Instrument interface {
	Connect(ctx context.Context, address string) bool
	Disconnect()
	IsConnected() bool
	ReadMeasurement(ctx context.Context, id int) (float64, error)
	Start(ctx context.Context, id int, setpoint float64) error
	SetSetpoint(ctx context.Context, id int, value float64) error
	StopControl(ctx context.Context, id int) error
	Vent(ctx context.Context, id int) error
	GetStatus(ctx context.Context) (string, error)
}

// Config holds controller timing.
type Config struct {
	PollInterval time.Duration
	VentGrace    time.Duration
}

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultVentGrace    = 5 * time.Second
)

// Controller applies user actions and poll results to the channel collection.
//
// Channel fields are guarded by mu, which is never held across instrument
// calls; bus ordering is the instrument client's job.
type Controller struct {
	inst   Instrument
	events events.Publisher
	cfg    Config

	mu       sync.Mutex
	channels []*channel.Channel
	byID     map[int]*channel.Channel
	vents    map[int]*time.Timer

	obsMu     sync.RWMutex
	observers []func(channel.Snapshot)

	poll pollGuard
	now  func() time.Time
}

// New creates a controller over the given channels.
func New(inst Instrument, pub events.Publisher, cfg Config, chans []*channel.Channel) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.VentGrace <= 0 {
		cfg.VentGrace = DefaultVentGrace
	}
	c := &Controller{
		inst:     inst,
		events:   pub,
		cfg:      cfg,
		channels: chans,
		byID:     make(map[int]*channel.Channel, len(chans)),
		vents:    make(map[int]*time.Timer),
		now:      time.Now,
	}
	for _, ch := range chans {
		c.byID[ch.ID] = ch
	}
	return c
}

// OnChange registers an observer called with a snapshot after every channel change.
// Observers run on the goroutine that made the change and must not block.
func (c *Controller) OnChange(fn func(channel.Snapshot)) {
	c.obsMu.Lock()
	c.observers = append(c.observers, fn)
	c.obsMu.Unlock()
}

func (c *Controller) notify(s channel.Snapshot) {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	for _, fn := range c.observers {
		fn(s)
	}
}

// Channels returns snapshots of all channels in configuration order.
func (c *Controller) Channels() []channel.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]channel.Snapshot, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch.Snapshot())
	}
	return out
}

// Channel returns the snapshot of one channel.
func (c *Controller) Channel(id int) (channel.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.byID[id]
	if !ok {
		return channel.Snapshot{}, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	return ch.Snapshot(), nil
}

// IsConnected reports whether the instrument session is open.
func (c *Controller) IsConnected() bool {
	return c.inst.IsConnected()
}

// Connect opens the instrument session. Failures are reported as events.
func (c *Controller) Connect(ctx context.Context, address string) bool {
	if !c.inst.Connect(ctx, address) {
		c.logf(events.KindError, "Connection to %s failed", address)
		return false
	}
	c.logf(events.KindMessage, "Successfully connected to %s", address)
	return true
}

// Disconnect closes the instrument session. Running vent timers are not affected.
func (c *Controller) Disconnect() {
	c.inst.Disconnect()
	c.logf(events.KindMessage, "Connection closed")
}

// Status returns the instrument error/status register.
func (c *Controller) Status(ctx context.Context) (string, error) {
	return c.inst.GetStatus(ctx)
}

// lookup must be called with mu held.
func (c *Controller) lookup(id int) (*channel.Channel, error) {
	ch, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	return ch, nil
}

// update runs fn on a channel under mu and notifies observers afterwards.
func (c *Controller) update(ch *channel.Channel, fn func(*channel.Channel)) {
	c.mu.Lock()
	fn(ch)
	s := ch.Snapshot()
	c.mu.Unlock()
	c.notify(s)
}

// noTraffic reports errors raised before anything was written to the bus.
func noTraffic(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, instrument.ErrInvalidChannel)
}

// fail marks a channel as faulted after a failed bus operation. Operations
// that never reached the instrument leave the channel alone.
func (c *Controller) fail(ch *channel.Channel, err error) {
	if noTraffic(err) {
		return
	}
	c.update(ch, func(ch *channel.Channel) { ch.Status = channel.Error })
}

// apply runs fn under mu if the channel may still move to target, then
// notifies observers. A vent that landed while the caller was on the bus wins.
func (c *Controller) apply(ch *channel.Channel, target channel.Status, fn func(*channel.Channel)) (channel.Status, bool) {
	c.mu.Lock()
	st := ch.Status
	if st == channel.Venting || !channel.CanTransition(st, target) {
		c.mu.Unlock()
		return st, false
	}
	fn(ch)
	s := ch.Snapshot()
	c.mu.Unlock()
	c.notify(s)
	return st, true
}

// Start writes the channel setpoint and enables control.
func (c *Controller) Start(ctx context.Context, id int) error {
	c.mu.Lock()
	ch, err := c.lookup(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !channel.CanTransition(ch.Status, channel.Running) {
		st := ch.Status
		c.mu.Unlock()
		return fmt.Errorf("%w: start channel %d while %s", ErrInvalidTransition, id, st)
	}
	sp, name, unit := ch.Setpoint(), ch.Name, ch.Unit
	c.mu.Unlock()

	if err := c.inst.Start(ctx, id, sp); err != nil {
		c.fail(ch, err)
		c.logf(events.KindError, "Error starting channel %s: %v", name, err)
		return err
	}
	if st, ok := c.apply(ch, channel.Running, func(ch *channel.Channel) {
		ch.Active = true
		ch.Status = channel.Running
	}); !ok {
		c.logf(events.KindError, "Channel %s changed to %s while starting", name, st)
		return fmt.Errorf("%w: start channel %d while %s", ErrInvalidTransition, id, st)
	}
	c.logf(events.KindMessage, "Channel %s started - setpoint: %.3f %s", name, sp, unit)
	return nil
}

// Stop disables control on a channel.
func (c *Controller) Stop(ctx context.Context, id int) error {
	c.mu.Lock()
	ch, err := c.lookup(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !channel.CanTransition(ch.Status, channel.Idle) || ch.Status == channel.Venting {
		st := ch.Status
		c.mu.Unlock()
		return fmt.Errorf("%w: stop channel %d while %s", ErrInvalidTransition, id, st)
	}
	name := ch.Name
	c.mu.Unlock()

	if err := c.inst.StopControl(ctx, id); err != nil {
		c.fail(ch, err)
		c.logf(events.KindError, "Error stopping channel %s: %v", name, err)
		return err
	}
	if st, ok := c.apply(ch, channel.Idle, func(ch *channel.Channel) {
		ch.Active = false
		ch.Status = channel.Idle
	}); !ok {
		c.logf(events.KindError, "Channel %s changed to %s while stopping", name, st)
		return fmt.Errorf("%w: stop channel %d while %s", ErrInvalidTransition, id, st)
	}
	c.logf(events.KindMessage, "Channel %s stopped", name)
	return nil
}

// Vent disables control, vents the channel and returns it to Idle once the
// grace period has elapsed. The timer survives reconnects.
func (c *Controller) Vent(ctx context.Context, id int) error {
	c.mu.Lock()
	ch, err := c.lookup(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if ch.Status == channel.Venting || !channel.CanTransition(ch.Status, channel.Venting) {
		st := ch.Status
		c.mu.Unlock()
		return fmt.Errorf("%w: vent channel %d while %s", ErrInvalidTransition, id, st)
	}
	prevStatus, prevActive := ch.Status, ch.Active
	ch.Status = channel.Venting
	ch.Active = false
	name := ch.Name
	s := ch.Snapshot()
	c.mu.Unlock()
	c.notify(s)

	if err := c.inst.Vent(ctx, id); err != nil {
		// No timer is armed, so the channel must not stay Venting. The
		// instrument may still be controlling, so the active flag is kept.
		c.update(ch, func(ch *channel.Channel) {
			ch.Active = prevActive
			if noTraffic(err) {
				ch.Status = prevStatus
			} else {
				ch.Status = channel.Error
			}
		})
		c.logf(events.KindError, "Error venting channel %s: %v", name, err)
		return err
	}
	c.logf(events.KindMessage, "Channel %s venting", name)

	c.mu.Lock()
	c.vents[id] = time.AfterFunc(c.cfg.VentGrace, func() { c.endVent(ch) })
	c.mu.Unlock()
	return nil
}

func (c *Controller) endVent(ch *channel.Channel) {
	c.mu.Lock()
	delete(c.vents, ch.ID)
	if ch.Status != channel.Venting {
		c.mu.Unlock()
		return
	}
	ch.Status = channel.Idle
	s := ch.Snapshot()
	c.mu.Unlock()

	c.notify(s)
	c.logf(events.KindMessage, "Channel %s vented", ch.Name)
}

// SetSetpoint stores a clamped setpoint and returns the stored value. Active
// channels also receive it on the instrument.
func (c *Controller) SetSetpoint(ctx context.Context, id int, value float64) (float64, error) {
	c.mu.Lock()
	ch, err := c.lookup(id)
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	sp := ch.SetSetpoint(value)
	active, name, unit := ch.Active, ch.Name, ch.Unit
	s := ch.Snapshot()
	c.mu.Unlock()
	c.notify(s)

	if !active {
		return sp, nil
	}
	if err := c.inst.SetSetpoint(ctx, id, sp); err != nil {
		c.fail(ch, err)
		c.logf(events.KindError, "Error setting setpoint of %s: %v", name, err)
		return sp, err
	}
	c.logf(events.KindMessage, "New setpoint for %s: %.3f %s", name, sp, unit)
	return sp, nil
}

// Close stops pending vent timers. Channels still venting stay Venting.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.vents {
		t.Stop()
		delete(c.vents, id)
	}
}

func (c *Controller) logf(kind events.Kind, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if kind == events.KindError {
		log.Printf("[control] %s", msg)
	}
	if c.events != nil {
		c.events.Publish(kind, events.SourceControl, msg)
	}
}
