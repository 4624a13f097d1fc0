package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arnisz/UniversalPressureController/internal/channel"
	"github.com/arnisz/UniversalPressureController/internal/events"
)

// pollGuard keeps ticks from overlapping. A tick that finds the previous one
// still running is dropped, never queued.
type pollGuard struct {
	busy    atomic.Bool
	skipped atomic.Uint64
}

// Skipped returns how many ticks were dropped because a poll was still running.
func (c *Controller) Skipped() uint64 {
	return c.poll.skipped.Load()
}

// Run polls active channels every PollInterval until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.poll.busy.CompareAndSwap(false, true) {
				c.poll.skipped.Add(1)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer c.poll.busy.Store(false)
				c.pollOnce(ctx)
			}()
		}
	}
}

// Tick performs one poll cycle unless one is already running.
// It reports whether the cycle ran.
func (c *Controller) Tick(ctx context.Context) bool {
	if !c.poll.busy.CompareAndSwap(false, true) {
		c.poll.skipped.Add(1)
		return false
	}
	defer c.poll.busy.Store(false)
	c.pollOnce(ctx)
	return true
}

// pollOnce measures every active channel. A failing channel is marked Error
// and the cycle continues with the next one.
func (c *Controller) pollOnce(ctx context.Context) {
	if !c.inst.IsConnected() {
		return
	}

	c.mu.Lock()
	active := make([]*channel.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		if ch.Active {
			active = append(active, ch)
		}
	}
	c.mu.Unlock()

	for _, ch := range active {
		if ctx.Err() != nil {
			return
		}
		v, err := c.inst.ReadMeasurement(ctx, ch.ID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			c.fail(ch, err)
			c.logf(events.KindError, "Measurement error channel %s: %v", ch.Name, err)
			continue
		}

		c.update(ch, func(ch *channel.Channel) {
			ch.Actual = v
			ch.LastUpdate = c.now()
			// Stopped or vented while the read was in flight.
			if !ch.Active {
				return
			}
			ch.Status = channel.Classify(ch.Status, ch.Deviation())
		})
	}
}
