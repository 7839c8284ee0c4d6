package kernel

import (
	"fmt"

	"github.com/evanphx/bottomhalf/extable"
	"github.com/evanphx/bottomhalf/fatal"
	"github.com/pkg/errors"
)

// Frame is the part of the trapped context the fault handler rewrites.
type Frame struct {
	PC uint64
}

func (f *Frame) String() string {
	return fmt.Sprintf("PC = %#016x", f.PC)
}

// HandleFault is called on a fault in privileged code at frame.PC. When a
// fixup exists frame.PC is moved to it and HandleFault returns true;
// otherwise the fault is unrecoverable and is escalated.
func (k *Kernel) HandleFault(frame *Frame, faultAddr uint64) bool {
	m, err := k.faults.Search(frame.PC)
	if err != nil {
		if errors.Cause(err) != extable.ErrNotFound {
			k.L.Error("fault lookup failed", "pc", frame.PC, "error", err)
		}

		k.L.Error("unrecoverable fault",
			"pc", fmt.Sprintf("%#x", frame.PC),
			"address", fmt.Sprintf("%#x", faultAddr))

		fatal.Panic(fatal.Errorf("fault", "no fixup for fault at %#x accessing %#x", frame.PC, faultAddr))
		return false
	}

	unit := "core"
	if m.Unit != nil {
		unit = m.Unit.Name
	}

	k.L.Debug("fault recovered",
		"pc", fmt.Sprintf("%#x", frame.PC),
		"fixup", fmt.Sprintf("%#x", m.Fixup),
		"unit", unit)

	frame.PC = m.Fixup

	return true
}
