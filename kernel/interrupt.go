package kernel

import (
	"github.com/evanphx/bottomhalf/fatal"
	"github.com/evanphx/bottomhalf/softirq"
	"github.com/pkg/errors"
)

// Subsystem is the teardown token returned by RegisterSubsystem.
type Subsystem struct {
	k    *Kernel
	Name string
	Slot int
}

// RegisterSubsystem installs a deferred handler for slot on every CPU.
// The handler for a CPU is built by fn so it can close over per-CPU state.
func (k *Kernel) RegisterSubsystem(name string, slot int, fn func(cpu int) softirq.Handler) (*Subsystem, error) {
	err := k.cpus.RegisterAll(slot, fn)
	if err != nil {
		return nil, errors.Wrapf(err, "registering subsystem %s", name)
	}

	k.L.Info("subsystem registered", "name", name, "slot", slot)

	return &Subsystem{k: k, Name: name, Slot: slot}, nil
}

// Teardown unregisters the subsystem's slot everywhere, discarding any
// pending work.
func (s *Subsystem) Teardown() {
	s.k.cpus.UnregisterAll(s.Slot)
	s.k.L.Info("subsystem torn down", "name", s.Name, "slot", s.Slot)
}

func (k *Kernel) dispatcher(cpu int) *softirq.Dispatcher {
	d := k.cpus.CPU(cpu)
	if d == nil {
		fatal.Panic(fatal.Errorf("kernel", "cpu %d out of range", cpu))
	}

	return d
}

// Raise is what a device interrupt handler on cpu calls to defer work.
func (k *Kernel) Raise(cpu, slot int) {
	if d := k.dispatcher(cpu); d != nil {
		d.Raise(slot)
	}
}

// InterruptReturn is the interrupt epilogue for cpu: it runs one pass if
// any work is pending and reports whether a pass ran.
func (k *Kernel) InterruptReturn(cpu int) bool {
	d := k.dispatcher(cpu)
	if d == nil || d.Pending() == 0 {
		return false
	}

	return d.Dispatch()
}

// Tick is the periodic fallback that gives every CPU a pass.
func (k *Kernel) Tick() int {
	return k.cpus.DispatchAll()
}
