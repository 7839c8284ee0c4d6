// Package kernel wires the deferred work dispatchers and the fault table
// registry together and exposes the entry points the rest of the system
// calls: the interrupt epilogue, the fault handler and the extension
// loader.
package kernel

import (
	"os"

	"github.com/evanphx/bottomhalf/config"
	"github.com/evanphx/bottomhalf/extable"
	"github.com/evanphx/bottomhalf/loader"
	"github.com/evanphx/bottomhalf/log"
	"github.com/evanphx/bottomhalf/softirq"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

const loaderCacheSize = 100

type Kernel struct {
	L hclog.Logger

	cpus   *softirq.PerCPU
	faults *extable.Registry
	loader *loader.Loader
}

// NewKernel builds a kernel sized by cfg whose core fault table is core.
func NewKernel(cfg *config.Config, core extable.Table) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	cfg.ApplyDefaults()

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	cpus, err := softirq.NewPerCPU(cfg.Dispatcher.CPUs, cfg.Dispatcher.Slots)
	if err != nil {
		return nil, err
	}

	faults, err := extable.NewRegistry(core, extable.Config{
		CacheSize: cfg.Extable.CacheSize,
		Logger:    log.L.Named("extable"),
	})
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		L:      log.L,
		cpus:   cpus,
		faults: faults,
		loader: loader.NewLoader(loader.NewLoaderCache(loaderCacheSize)),
	}

	return k, nil
}

// Boot builds a kernel from cfg, reading the core table and every
// configured extension from disk.
func Boot(cfg *config.Config) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	if !log.SetLevel(cfg.LogLevel) {
		return nil, errors.Wrapf(config.ErrInvalid, "log_level=%q", cfg.LogLevel)
	}

	var core extable.Table

	if path := cfg.Extable.Core; path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}

		defer f.Close()

		l := loader.NewLoader(nil)

		core, _, err = l.LoadTable(f)
		if err != nil {
			return nil, errors.Wrapf(err, "loading core table %s", path)
		}
	}

	k, err := NewKernel(cfg, core)
	if err != nil {
		return nil, err
	}

	for _, ext := range cfg.Extensions {
		_, err := k.LoadExtensionFile(ext.Name, ext.Path)
		if err != nil {
			return nil, err
		}
	}

	k.L.Info("kernel booted",
		"cpus", cfg.Dispatcher.CPUs,
		"slots", cfg.Dispatcher.Slots,
		"core-entries", core.Len(),
		"extensions", len(cfg.Extensions))

	return k, nil
}

// CPUs returns the per-CPU dispatchers.
func (k *Kernel) CPUs() *softirq.PerCPU {
	return k.cpus
}

// Faults returns the fault table registry.
func (k *Kernel) Faults() *extable.Registry {
	return k.faults
}
