// Package bus defines the message primitives the call-routing core
// consumes: a named, parameterized event carrying optional owned
// user-data, and the minimal publish/subscribe contract (Relay, Bus)
// drivers use to receive them. The bus dispatcher's own delivery
// ordering and worker pool are out of scope for the core; MemoryBus is a
// reference implementation good enough to drive it end to end.
package bus

import (
	"sync"
	"time"
)

// Retainable is implemented by values that participate in the core's
// shared-ownership scheme (driver.Channel is the only one today).
// BindOwned retains the value for the life of the Message and releases it
// when the binding is replaced or the message is closed.
type Retainable interface {
	Retain()
	Release()
}

// Message is a named, parameterized event. A producer creates one, hands
// it to a Bus, and installed relays mutate it in priority order; the
// ReturnValue/Params state after Dispatch returns is what the producer
// observes.
type Message struct {
	mu            sync.Mutex
	name          string
	params        *Params
	retValue      string
	timestamp     time.Time
	userData      any
	userDataOwned bool
}

// New creates a Message with the given name and a fresh, empty Params set.
func New(name string) *Message {
	return &Message{name: name, params: NewParams(), timestamp: time.Now()}
}

// Name returns the message's current name.
func (m *Message) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

// Rename overwrites the message's name in place. This is the primitive
// Masquerade (§4.4) needs: the identity of the Message — its Params, its
// user-data — is preserved, only the name changes.
func (m *Message) Rename(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
}

// Params returns the message's parameter set.
func (m *Message) Params() *Params { return m.params }

// Param returns the value of name, or def if absent.
func (m *Message) Param(name, def string) string { return m.params.Value(name, def) }

// SetParam stores value under name.
func (m *Message) SetParam(name, value string) { m.params.Set(name, value) }

// ClearParam removes name.
func (m *Message) ClearParam(name string) { m.params.Del(name) }

// IntValue parses name as an integer.
func (m *Message) IntValue(name string, def int) int { return m.params.IntValue(name, def) }

// BoolValue parses name as a bool.
func (m *Message) BoolValue(name string, def bool) bool { return m.params.BoolValue(name, def) }

// ReturnValue returns the message's current return-value string.
func (m *Message) ReturnValue() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retValue
}

// SetReturnValue overwrites the return value.
func (m *Message) SetReturnValue(v string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retValue = v
}

// Timestamp returns the time the message was created.
func (m *Message) Timestamp() time.Time { return m.timestamp }

// UserData returns the currently bound opaque value, or nil.
func (m *Message) UserData() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userData
}

// SetUserData binds v without taking ownership of it. Any previously
// owned value is released first.
func (m *Message) SetUserData(v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseUserDataLocked()
	m.userData = v
	m.userDataOwned = false
}

// BindOwned binds v as user-data and, if v implements Retainable, retains
// it for the life of this binding. This is how a channel survives being
// queued as user-data across asynchronous handlers that may themselves
// rebind user-data before the message is finally closed: see Retainable.
func (m *Message) BindOwned(v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseUserDataLocked()
	if r, ok := v.(Retainable); ok {
		r.Retain()
		m.userDataOwned = true
	}
	m.userData = v
}

func (m *Message) releaseUserDataLocked() {
	if m.userDataOwned {
		if r, ok := m.userData.(Retainable); ok {
			r.Release()
		}
	}
	m.userData = nil
	m.userDataOwned = false
}

// Close releases any owned user-data. Whoever destroys a dispatched or
// queued message — the Bus, a Router's cleanup — must call this exactly
// once.
func (m *Message) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseUserDataLocked()
}
