package softirq

import "github.com/pkg/errors"

var (
	// ErrSlotOccupied is returned by Register when the slot already has a
	// handler. The registering subsystem is expected to abort its init.
	ErrSlotOccupied = errors.New("softirq: slot already registered")

	// ErrIndexOutOfRange is returned by Register for a slot outside the table.
	// Raise and Unregister treat the same condition as fatal.
	ErrIndexOutOfRange = errors.New("softirq: slot index out of range")

	ErrNilHandler = errors.New("softirq: nil handler")

	// ErrInvalidSize is returned by New when the slot count cannot be
	// represented in the pending mask.
	ErrInvalidSize = errors.New("softirq: invalid slot count")
)
