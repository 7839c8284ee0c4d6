package extable

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned when neither the core table nor any attached
	// unit has a fixup for the faulting address.
	ErrNotFound = errors.New("extable: no fixup for address")

	ErrUnsorted = errors.New("extable: entries not sorted by instruction address")
	ErrOverlap  = errors.New("extable: match windows of adjacent entries overlap")

	ErrInvalidUnit   = errors.New("extable: invalid unit")
	ErrDuplicateUnit = errors.New("extable: unit already attached")
	ErrUnknownUnit   = errors.New("extable: unknown unit")
)
