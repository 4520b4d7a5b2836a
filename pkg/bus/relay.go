package bus

// Receiver is implemented by anything that owns installed relays — a
// Module, a Driver, or a bare test handler.
type Receiver interface {
	// Received handles msg for the relay registered with id. It returns
	// true if the message was consumed and dispatch should stop.
	Received(msg *Message, id int) bool
}

// Relay binds a message name to an owner and discriminator id, at a given
// dispatch priority (lower runs first). It is the MessageRelay of the
// original spec.
type Relay struct {
	Name     string
	Owner    Receiver
	ID       int
	Priority int
}

// NewRelay constructs a Relay ready to Install on a Bus.
func NewRelay(name string, owner Receiver, id, priority int) *Relay {
	return &Relay{Name: name, Owner: owner, ID: id, Priority: priority}
}
