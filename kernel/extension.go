package kernel

import (
	"context"
	"io"
	"os"

	"github.com/evanphx/bottomhalf/extable"
	"github.com/pkg/errors"
)

// LoadExtension decodes an extension image and attaches its fault table.
func (k *Kernel) LoadExtension(name string, r io.ReadSeeker) (extable.Handle, error) {
	unit, err := k.loader.Load(name, r)
	if err != nil {
		return 0, err
	}

	return k.faults.Attach(unit)
}

func (k *Kernel) LoadExtensionFile(name, path string) (extable.Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "opening extension %s", name)
	}

	defer f.Close()

	return k.LoadExtension(name, f)
}

// UnloadExtension detaches the named extension. It returns once no fault
// lookup can still be reading the extension's table.
func (k *Kernel) UnloadExtension(ctx context.Context, name string) error {
	h, ok := k.faults.Lookup(name)
	if !ok {
		return errors.Wrapf(extable.ErrUnknownUnit, "unit=%s", name)
	}

	return k.faults.Detach(ctx, h)
}
