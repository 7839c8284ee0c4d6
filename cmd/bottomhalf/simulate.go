package main

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/evanphx/bottomhalf/config"
	"github.com/evanphx/bottomhalf/kernel"
	"github.com/evanphx/bottomhalf/softirq"
)

// simulate runs one goroutine per CPU that raises random slots and calls
// the interrupt epilogue after each, while a ticker gives every CPU a
// fallback pass.
func simulate(cfg *config.Config, ticks, raises int) error {
	k, err := kernel.Boot(cfg)
	if err != nil {
		return err
	}

	var (
		slots  = cfg.Dispatcher.Slots
		ncpu   = cfg.Dispatcher.CPUs
		counts = make([][]atomic.Uint64, ncpu)
	)

	for cpu := range counts {
		counts[cpu] = make([]atomic.Uint64, slots)
	}

	for slot := 0; slot < slots; slot++ {
		slot := slot
		_, err := k.RegisterSubsystem(fmt.Sprintf("sim%d", slot), slot, func(cpu int) softirq.Handler {
			return softirq.HandlerFunc(func() {
				counts[cpu][slot].Add(1)
			})
		})
		if err != nil {
			return err
		}
	}

	done := make(chan struct{})
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	var tickWG sync.WaitGroup
	tickWG.Add(1)
	go func() {
		defer tickWG.Done()
		for i := 0; i < ticks; i++ {
			select {
			case <-done:
				return
			case <-ticker.C:
				k.Tick()
			}
		}
	}()

	var wg sync.WaitGroup
	for cpu := 0; cpu < ncpu; cpu++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(cpu)))
			for i := 0; i < raises; i++ {
				k.Raise(cpu, rng.Intn(slots))
				k.InterruptReturn(cpu)
			}
		}(cpu)
	}

	wg.Wait()
	close(done)
	tickWG.Wait()

	// Drain anything raised after the last pass on each CPU.
	k.Tick()

	tr := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
	fmt.Fprintf(tr, "cpu\traises\tpasses\tinvocations\tskipped\tbusiest\n")
	for cpu := 0; cpu < ncpu; cpu++ {
		var busiest int
		for slot := range counts[cpu] {
			if counts[cpu][slot].Load() > counts[cpu][busiest].Load() {
				busiest = slot
			}
		}

		s := k.CPUs().CPU(cpu).Stats()
		fmt.Fprintf(tr, "%d\t%d\t%d\t%d\t%d\tslot %d\n", cpu, s.Raises, s.Passes, s.Invocations, s.Skipped, busiest)
	}
	tr.Flush()

	return nil
}
