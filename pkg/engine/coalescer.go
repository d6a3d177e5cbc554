package engine

import (
	"strings"
	"sync"
	"time"
)

// CoalescerConfig tunes snapshot emission timing.
type CoalescerConfig struct {
	// MinInterval is the leading-edge spacing: a delta arriving at least
	// this long after the previous emission is emitted immediately.
	MinInterval time.Duration
	// Trailing is the trailing-edge debounce window: deltas arriving inside
	// MinInterval are coalesced into one emission this long after the first
	// buffered delta.
	Trailing time.Duration
}

func (c CoalescerConfig) withDefaults() CoalescerConfig {
	if c.MinInterval <= 0 {
		c.MinInterval = 120 * time.Millisecond
	}
	if c.Trailing <= 0 {
		c.Trailing = 275 * time.Millisecond
	}
	return c
}

// Coalescer throttles raw token deltas into UI-consumable content snapshots.
// Per-token UI updates are prohibitively expensive at high token rates; the
// coalescer bounds update frequency independent of backend speed.
//
// At most one trailing timer is pending at a time; an immediate emission
// cancels it. Emissions carry the full accumulated content, so consecutive
// snapshot lengths are monotone non-decreasing. The emit callback runs under
// the coalescer lock, serializing emissions in order.
type Coalescer struct {
	cfg  CoalescerConfig
	emit func(content string, final bool)

	mu       sync.Mutex
	buf      strings.Builder
	lastEmit time.Time
	emitted  int
	timer    *time.Timer
	closed   bool
}

func NewCoalescer(cfg CoalescerConfig, emit func(content string, final bool)) *Coalescer {
	return &Coalescer{cfg: cfg.withDefaults(), emit: emit}
}

// Add appends one raw delta and either emits immediately (leading edge) or
// schedules the trailing-edge emission.
func (c *Coalescer) Add(delta string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || delta == "" {
		return
	}
	c.buf.WriteString(delta)
	now := time.Now()
	if now.Sub(c.lastEmit) >= c.cfg.MinInterval {
		c.stopTimerLocked()
		c.emitLocked(now, false)
		return
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.cfg.Trailing, c.fireTrailing)
	}
}

func (c *Coalescer) fireTrailing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = nil
	if c.closed || c.buf.Len() <= c.emitted {
		return
	}
	c.emitLocked(time.Now(), false)
}

// Finish emits the final unconditional flush and closes the coalescer. Used
// on stream end: success, failure-free cancellation with content, either way
// the last snapshot equals the full concatenation of all deltas.
func (c *Coalescer) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.stopTimerLocked()
	c.emitLocked(time.Now(), true)
}

// Abort closes the coalescer without a terminal emission. Used when
// cancellation occurs before any content existed (the placeholder message is
// discarded) and on failure (the message is rewritten to an error marker).
func (c *Coalescer) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.stopTimerLocked()
}

// Content returns the full accumulated content so far.
func (c *Coalescer) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *Coalescer) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coalescer) emitLocked(now time.Time, final bool) {
	content := c.buf.String()
	c.emitted = len(content)
	c.lastEmit = now
	if c.emit != nil {
		c.emit(content, final)
	}
}
