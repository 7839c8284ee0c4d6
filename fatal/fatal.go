// Package fatal is the escalation path for conditions that cannot be
// recovered where they are detected: a dispatcher lifecycle bug or a fault
// with no fixup.
package fatal

import (
	"fmt"

	"github.com/evanphx/bottomhalf/log"
)

// Error describes an unrecoverable condition raised by a subsystem.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Module, e.Message)
}

// Errorf builds an *Error for module with a formatted message.
func Errorf(module, format string, args ...interface{}) *Error {
	return &Error{Module: module, Message: fmt.Sprintf(format, args...)}
}

// haltFn is replaced by tests. The default unwinds the calling goroutine.
var haltFn = func(err *Error) {
	panic(err)
}

// SetHalt installs f as the halt function and returns the previous one.
// Passing nil restores the default.
func SetHalt(f func(*Error)) func(*Error) {
	prev := haltFn
	if f == nil {
		f = func(err *Error) { panic(err) }
	}
	haltFn = f
	return prev
}

// Panic logs err and halts. Panic only returns if the installed halt
// function does.
func Panic(err *Error) {
	if err == nil {
		err = &Error{Module: "rt", Message: "unknown cause"}
	}

	log.L.Error("unrecoverable error", "module", err.Module, "error", err.Message)

	haltFn(err)
}
