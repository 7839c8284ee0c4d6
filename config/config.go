// Package config reads the HCL file describing dispatcher sizing, the core
// fault table and the extensions to load at startup.
package config

import (
	"runtime"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
)

type Config struct {
	LogLevel   string      `hcl:"log_level,optional"`
	Dispatcher *Dispatcher `hcl:"dispatcher,block"`
	Extable    *Extable    `hcl:"extable,block"`
	Extensions []Extension `hcl:"extension,block"`
}

type Dispatcher struct {
	Slots int `hcl:"slots,optional"`
	CPUs  int `hcl:"cpus,optional"`
}

type Extable struct {
	CacheSize int    `hcl:"cache_size,optional"`
	Core      string `hcl:"core,optional"`
}

type Extension struct {
	Name string `hcl:"name,label"`
	Path string `hcl:"path"`
}

var ErrInvalid = errors.New("config: invalid configuration")

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Dispatcher == nil {
		c.Dispatcher = &Dispatcher{}
	}

	if c.Dispatcher.Slots == 0 {
		c.Dispatcher.Slots = 32
	}

	if c.Dispatcher.CPUs == 0 {
		c.Dispatcher.CPUs = runtime.NumCPU()
	}

	if c.Extable == nil {
		c.Extable = &Extable{}
	}
}

// Validate checks ranges that the decoder cannot.
func (c *Config) Validate() error {
	if c.Dispatcher == nil || c.Extable == nil {
		return errors.Wrap(ErrInvalid, "missing dispatcher or extable block")
	}

	if c.Dispatcher.Slots < 1 || c.Dispatcher.Slots > 64 {
		return errors.Wrapf(ErrInvalid, "dispatcher.slots=%d, want 1..64", c.Dispatcher.Slots)
	}

	if c.Dispatcher.CPUs < 1 {
		return errors.Wrapf(ErrInvalid, "dispatcher.cpus=%d", c.Dispatcher.CPUs)
	}

	if c.Extable.CacheSize < 0 {
		return errors.Wrapf(ErrInvalid, "extable.cache_size=%d", c.Extable.CacheSize)
	}

	seen := make(map[string]struct{}, len(c.Extensions))
	for _, ext := range c.Extensions {
		if _, ok := seen[ext.Name]; ok {
			return errors.Wrapf(ErrInvalid, "extension %q declared twice", ext.Name)
		}
		seen[ext.Name] = struct{}{}
	}

	return nil
}

// Parse decodes src, named filename in diagnostics.
func Parse(src []byte, filename string) (*Config, error) {
	p := hclparse.NewParser()

	f, diags := p.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, diagError(diags)
	}

	return decode(f)
}

// LoadFile reads and decodes the file at path.
func LoadFile(path string) (*Config, error) {
	p := hclparse.NewParser()

	f, diags := p.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, diagError(diags)
	}

	return decode(f)
}

func decode(f *hcl.File) (*Config, error) {
	var c Config

	diags := gohcl.DecodeBody(f.Body, nil, &c)
	if diags.HasErrors() {
		return nil, diagError(diags)
	}

	c.ApplyDefaults()

	err := c.Validate()
	if err != nil {
		return nil, err
	}

	return &c, nil
}

func diagError(diags hcl.Diagnostics) error {
	return errors.Wrap(ErrInvalid, diags.Error())
}
