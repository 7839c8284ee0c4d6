package softirq

// Handler is deferred work bound to a slot. Invoke runs outside of
// hard-interrupt context but must not block: a handler that never returns
// stalls every lower priority slot on the same dispatcher.
type Handler interface {
	Invoke()
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func()

func (f HandlerFunc) Invoke() {
	f()
}
