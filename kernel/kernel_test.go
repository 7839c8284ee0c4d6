package kernel

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/evanphx/bottomhalf/config"
	"github.com/evanphx/bottomhalf/extable"
	"github.com/evanphx/bottomhalf/fatal"
	"github.com/evanphx/bottomhalf/loader"
	"github.com/evanphx/bottomhalf/softirq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func testConfig() *config.Config {
	c := config.Default()
	c.Dispatcher.CPUs = 2
	c.Dispatcher.Slots = 8
	return c
}

func image(t *testing.T, entries []extable.Entry) []byte {
	var buf bytes.Buffer
	require.NoError(t, loader.EncodeTable(&buf, extable.Build(entries)))
	return buf.Bytes()
}

func TestKernel(t *testing.T) {
	n := neko.Modern(t)

	n.It("runs deferred work on interrupt return", func(t *testing.T) {
		k, err := NewKernel(testConfig(), extable.Table{})
		require.NoError(t, err)

		var trace []string

		net, err := k.RegisterSubsystem("net", 3, func(cpu int) softirq.Handler {
			return softirq.HandlerFunc(func() { trace = append(trace, "net") })
		})
		require.NoError(t, err)

		_, err = k.RegisterSubsystem("timer", 0, func(cpu int) softirq.Handler {
			return softirq.HandlerFunc(func() { trace = append(trace, "timer") })
		})
		require.NoError(t, err)

		require.False(t, k.InterruptReturn(1))

		k.Raise(1, 3)
		k.Raise(1, 0)

		require.True(t, k.InterruptReturn(1))
		require.Equal(t, []string{"timer", "net"}, trace)
		require.Zero(t, k.CPUs().CPU(1).Pending())

		k.Raise(0, 3)
		net.Teardown()

		require.Equal(t, 2, k.Tick())
		require.Equal(t, []string{"timer", "net"}, trace)
	})

	n.It("refuses a slot already taken", func(t *testing.T) {
		k, err := NewKernel(testConfig(), extable.Table{})
		require.NoError(t, err)

		fn := func(cpu int) softirq.Handler { return softirq.HandlerFunc(func() {}) }

		_, err = k.RegisterSubsystem("a", 2, fn)
		require.NoError(t, err)

		_, err = k.RegisterSubsystem("b", 2, fn)
		require.Equal(t, softirq.ErrSlotOccupied, errors.Cause(err))
	})

	n.It("resumes at the fixup for a covered fault", func(t *testing.T) {
		core := extable.Build([]extable.Entry{{0x100, 0x200}})

		k, err := NewKernel(testConfig(), core)
		require.NoError(t, err)

		_, err = k.LoadExtension("drv", bytes.NewReader(image(t, []extable.Entry{{0x5000, 0x6000}})))
		require.NoError(t, err)

		frame := &Frame{PC: 0x101}
		require.True(t, k.HandleFault(frame, 0xdead))
		require.Equal(t, uint64(0x200), frame.PC)

		frame = &Frame{PC: 0x5002}
		require.True(t, k.HandleFault(frame, 0xdead))
		require.Equal(t, uint64(0x6000), frame.PC)
	})

	n.It("escalates a fault with no fixup", func(t *testing.T) {
		k, err := NewKernel(testConfig(), extable.Table{})
		require.NoError(t, err)

		var got *fatal.Error
		prev := fatal.SetHalt(func(err *fatal.Error) { got = err })
		defer fatal.SetHalt(prev)

		frame := &Frame{PC: 0x4242}
		require.False(t, k.HandleFault(frame, 0x10))

		require.NotNil(t, got)
		require.Equal(t, "fault", got.Module)
		require.Equal(t, uint64(0x4242), frame.PC)
	})

	n.It("stops recovering faults for an unloaded extension", func(t *testing.T) {
		k, err := NewKernel(testConfig(), extable.Table{})
		require.NoError(t, err)

		_, err = k.LoadExtension("drv", bytes.NewReader(image(t, []extable.Entry{{0x5000, 0x6000}})))
		require.NoError(t, err)

		require.NoError(t, k.UnloadExtension(context.Background(), "drv"))

		err = k.UnloadExtension(context.Background(), "drv")
		require.Equal(t, extable.ErrUnknownUnit, errors.Cause(err))

		_, err = k.Faults().LookupAll(0x5000)
		require.Equal(t, extable.ErrNotFound, errors.Cause(err))
	})

	n.Meow()
}

func TestBoot(t *testing.T) {
	dir := t.TempDir()

	core := filepath.Join(dir, "core.ext")
	require.NoError(t, os.WriteFile(core, image(t, []extable.Entry{{0x10, 0x20}}), 0644))

	drv := filepath.Join(dir, "drv.ext")
	require.NoError(t, os.WriteFile(drv, image(t, []extable.Entry{{0x900, 0x990}}), 0644))

	cfg := testConfig()
	cfg.Extable.Core = core
	cfg.Extensions = []config.Extension{{Name: "drv", Path: drv}}

	k, err := Boot(cfg)
	require.NoError(t, err)

	fixup, err := k.Faults().LookupAll(0x11)
	require.NoError(t, err)
	require.Equal(t, uint64(0x20), fixup)

	fixup, err = k.Faults().LookupAll(0x902)
	require.NoError(t, err)
	require.Equal(t, uint64(0x990), fixup)

	cfg.Extensions = append(cfg.Extensions, config.Extension{Name: "gone", Path: filepath.Join(dir, "gone.ext")})

	_, err = Boot(cfg)
	require.Error(t, err)
}

func TestNewKernelZeroConfig(t *testing.T) {
	k, err := NewKernel(&config.Config{}, extable.Table{})
	require.NoError(t, err)

	require.Equal(t, 32, k.CPUs().CPU(0).Size())
}
