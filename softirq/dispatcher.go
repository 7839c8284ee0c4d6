// Package softirq implements deferred execution for work raised from
// interrupt handlers. A Dispatcher owns a fixed table of slots; the slot
// index is the static priority, lower running first.
package softirq

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/evanphx/bottomhalf/fatal"
	"github.com/evanphx/bottomhalf/log"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

const (
	// MaxSlots is the widest table a Dispatcher supports; pending state is
	// a single 64 bit word.
	MaxSlots = 64

	DefaultSlots = 32
)

type slot struct {
	handler Handler
}

// Stats are cumulative counters for a Dispatcher.
type Stats struct {
	Raises      uint64
	Passes      uint64
	Invocations uint64

	// Skipped counts Dispatch calls that found a pass already in flight.
	Skipped uint64
}

// Dispatcher is the deferred work table for one execution stream. Raise
// may be called from any goroutine at any time. Register and Unregister
// must not race with a pass that could inspect the same slot.
type Dispatcher struct {
	L    hclog.Logger
	Name string

	size  int
	slots []slot

	active  atomic.Uint64
	enabled atomic.Uint64
	inPass  atomic.Bool

	raises      atomic.Uint64
	passes      atomic.Uint64
	invocations atomic.Uint64
	skipped     atomic.Uint64
}

// New returns a dispatcher with size slots, all disabled and inactive.
func New(size int) (*Dispatcher, error) {
	if size < 1 || size > MaxSlots {
		return nil, errors.Wrapf(ErrInvalidSize, "size=%d, max=%d", size, MaxSlots)
	}

	return &Dispatcher{
		L:     log.L,
		size:  size,
		slots: make([]slot, size),
	}, nil
}

// Size returns the number of slots.
func (d *Dispatcher) Size() int {
	return d.size
}

func (d *Dispatcher) inRange(idx int) bool {
	return idx >= 0 && idx < d.size
}

func (d *Dispatcher) module() string {
	if d.Name == "" {
		return "softirq"
	}

	return "softirq/" + d.Name
}

// Register installs h at idx and enables the slot.
func (d *Dispatcher) Register(idx int, h Handler) error {
	if !d.inRange(idx) {
		return errors.Wrapf(ErrIndexOutOfRange, "slot=%d, size=%d", idx, d.size)
	}

	if h == nil {
		return errors.Wrapf(ErrNilHandler, "slot=%d", idx)
	}

	bit := uint64(1) << uint(idx)

	if d.enabled.Load()&bit != 0 {
		return errors.Wrapf(ErrSlotOccupied, "slot=%d", idx)
	}

	d.slots[idx].handler = h
	d.enabled.Or(bit)

	d.L.Debug("softirq-register", "dispatcher", d.Name, "slot", idx)

	return nil
}

// Unregister disables idx and drops its handler. Work raised for the slot
// but not yet dispatched is discarded.
func (d *Dispatcher) Unregister(idx int) {
	if !d.inRange(idx) {
		fatal.Panic(fatal.Errorf(d.module(), "unregister of slot %d outside table of %d", idx, d.size))
		return
	}

	bit := uint64(1) << uint(idx)

	d.enabled.And(^bit)
	if d.active.And(^bit)&bit != 0 {
		d.L.Debug("softirq-discard-pending", "dispatcher", d.Name, "slot", idx)
	}

	d.slots[idx].handler = nil

	d.L.Debug("softirq-unregister", "dispatcher", d.Name, "slot", idx)
}

// Raise marks idx pending. It is a single atomic bit set and is safe from
// any context, including from inside the slot's own handler, in which
// case the handler runs again on the next pass.
func (d *Dispatcher) Raise(idx int) {
	if !d.inRange(idx) {
		fatal.Panic(fatal.Errorf(d.module(), "raise of slot %d outside table of %d", idx, d.size))
		return
	}

	d.active.Or(uint64(1) << uint(idx))
	d.raises.Add(1)
}

// Dispatch runs one pass over the slots that were both pending and enabled
// on entry, lowest index first. Each slot's pending bit is cleared before
// its handler is invoked; anything raised once the pass has started is
// left for the next pass.
//
// Dispatch never blocks. If another pass on d is still in flight it
// returns false immediately and the pending work stays queued.
//
// A slot that is pending but has no handler is a lifecycle bug in the
// caller and is escalated through fatal.Panic.
func (d *Dispatcher) Dispatch() bool {
	if !d.inPass.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		return false
	}

	defer d.inPass.Store(false)

	pending := d.active.Load()
	if pending == 0 {
		return true
	}

	enabled := d.enabled.Load()

	if stray := pending &^ enabled; stray != 0 {
		d.activeWithoutHandler(bits.TrailingZeros64(stray))
		return true
	}

	ready := pending & enabled

	d.passes.Add(1)
	d.L.Trace("softirq-pass", "dispatcher", d.Name, "ready", fmt.Sprintf("%#x", ready))

	for ready != 0 {
		idx := bits.TrailingZeros64(ready)
		bit := uint64(1) << uint(idx)
		ready &^= bit

		if d.enabled.Load()&bit == 0 {
			if d.active.Load()&bit != 0 {
				d.activeWithoutHandler(idx)
				return true
			}

			// Unregistered by an earlier handler in this pass.
			continue
		}

		if d.active.And(^bit)&bit == 0 {
			continue
		}

		d.slots[idx].handler.Invoke()
		d.invocations.Add(1)
	}

	return true
}

func (d *Dispatcher) activeWithoutHandler(idx int) {
	d.L.Error("softirq-active-without-handler", "dispatcher", d.Name, "slot", idx)
	fatal.Panic(fatal.Errorf(d.module(), "slot %d active without handler", idx))
}

// InPass reports whether a pass is currently running.
func (d *Dispatcher) InPass() bool {
	return d.inPass.Load()
}

// Pending returns the raw pending mask.
func (d *Dispatcher) Pending() uint64 {
	return d.active.Load()
}

// Enabled returns the mask of registered slots.
func (d *Dispatcher) Enabled() uint64 {
	return d.enabled.Load()
}

// IsActive reports whether idx is raised and not yet dispatched.
func (d *Dispatcher) IsActive(idx int) bool {
	if !d.inRange(idx) {
		return false
	}

	return d.active.Load()&(uint64(1)<<uint(idx)) != 0
}

// IsEnabled reports whether idx has a registered handler.
func (d *Dispatcher) IsEnabled(idx int) bool {
	if !d.inRange(idx) {
		return false
	}

	return d.enabled.Load()&(uint64(1)<<uint(idx)) != 0
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Raises:      d.raises.Load(),
		Passes:      d.passes.Load(),
		Invocations: d.invocations.Load(),
		Skipped:     d.skipped.Load(),
	}
}
