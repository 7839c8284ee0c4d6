package softirq

import (
	"fmt"

	"github.com/pkg/errors"
)

// PerCPU holds an independent Dispatcher for each logical CPU. Slot
// numbering is shared so a subsystem registers the same slot everywhere.
type PerCPU struct {
	cpus []*Dispatcher
}

func NewPerCPU(ncpu, size int) (*PerCPU, error) {
	if ncpu < 1 {
		return nil, errors.Errorf("softirq: invalid cpu count %d", ncpu)
	}

	p := &PerCPU{cpus: make([]*Dispatcher, ncpu)}

	for i := range p.cpus {
		d, err := New(size)
		if err != nil {
			return nil, err
		}

		d.Name = fmt.Sprintf("cpu%d", i)
		p.cpus[i] = d
	}

	return p, nil
}

func (p *PerCPU) Len() int {
	return len(p.cpus)
}

// CPU returns the dispatcher owned by cpu, or nil when out of range.
func (p *PerCPU) CPU(cpu int) *Dispatcher {
	if cpu < 0 || cpu >= len(p.cpus) {
		return nil
	}

	return p.cpus[cpu]
}

// RegisterAll installs a handler for idx on every CPU, built by fn. If any
// CPU refuses, the CPUs already registered are rolled back.
func (p *PerCPU) RegisterAll(idx int, fn func(cpu int) Handler) error {
	for i, d := range p.cpus {
		err := d.Register(idx, fn(i))
		if err != nil {
			for j := 0; j < i; j++ {
				p.cpus[j].Unregister(idx)
			}

			return errors.Wrapf(err, "cpu=%d", i)
		}
	}

	return nil
}

func (p *PerCPU) UnregisterAll(idx int) {
	for _, d := range p.cpus {
		d.Unregister(idx)
	}
}

// DispatchAll runs a pass on every CPU from the calling goroutine. CPUs
// whose own pass is in flight are skipped. It returns the number of passes
// that ran.
func (p *PerCPU) DispatchAll() int {
	var ran int

	for _, d := range p.cpus {
		if d.Dispatch() {
			ran++
		}
	}

	return ran
}

// Stats sums the counters of every CPU.
func (p *PerCPU) Stats() Stats {
	var total Stats

	for _, d := range p.cpus {
		s := d.Stats()
		total.Raises += s.Raises
		total.Passes += s.Passes
		total.Invocations += s.Invocations
		total.Skipped += s.Skipped
	}

	return total
}
