package endpoint

import (
	"sync"
	"sync/atomic"
)

// Hooks lets a CallEndpoint's owner (typically a Channel) observe
// connect/disconnect events and participate in its own teardown. It is
// the Go analogue of overriding CallEndpoint's virtual methods in a
// derived class.
type Hooks interface {
	// Connected fires after this endpoint has been linked to a new peer,
	// outside the peering mutex.
	Connected(reason string)
	// Disconnected fires after this endpoint's peer link has been
	// cleared, outside the peering mutex. final is true only when this
	// endpoint itself initiated a terminal teardown, not a re-peerable
	// disconnect.
	Disconnected(final bool, reason string)
	// ZeroRefs fires exactly once, when the reference count reaches
	// zero, before the endpoint tears down its own peer link and data
	// endpoints. It is the moment a Channel removes itself from its
	// driver's registry.
	ZeroRefs()
}

// NopHooks implements Hooks with no-ops, for endpoints with no
// owner-specific behaviour.
type NopHooks struct{}

func (NopHooks) Connected(string)          {}
func (NopHooks) Disconnected(bool, string) {}
func (NopHooks) ZeroRefs()                 {}

// CallEndpoint is an abstract participant in a call: zero or more named
// DataEndpoints and a single optional peer link to another CallEndpoint.
//
// Ownership is reference-counted explicitly (see SPEC_FULL.md §9): the
// counter does not exist to prevent a memory leak — Go's GC already
// reclaims a peer cycle — it exists to fire ZeroRefs at exactly the point
// the original spec's ownership table says the last logical owner (peer
// link, driver registry, queued message, in-flight router) let go.
type CallEndpoint struct {
	id string

	mu   sync.Mutex // guards peer and data
	peer *CallEndpoint
	data map[string]DataEndpoint

	refs  atomic.Int32
	hooks Hooks
}

// NewCallEndpoint returns a CallEndpoint with the given id and an initial
// reference count of one, representing the reference its creator holds.
// hooks may be nil, in which case NopHooks is used.
func NewCallEndpoint(id string, hooks Hooks) *CallEndpoint {
	if hooks == nil {
		hooks = NopHooks{}
	}
	ce := &CallEndpoint{id: id, data: make(map[string]DataEndpoint), hooks: hooks}
	ce.refs.Store(1)
	return ce
}

// ID returns the endpoint's immutable identifier.
func (c *CallEndpoint) ID() string { return c.id }

// Retain increments the reference count. Every caller that keeps a
// handle to this endpoint beyond the scope that handed it to them — a
// peer link, a queued message, an in-flight router — must pair this with
// exactly one Release.
func (c *CallEndpoint) Retain() { c.refs.Add(1) }

// Release decrements the reference count, invoking Hooks.ZeroRefs and
// tearing down the endpoint's own peer link and data endpoints exactly
// once, when the count reaches zero. It reports whether this call was
// the one that reached zero.
func (c *CallEndpoint) Release() bool {
	if c.refs.Add(-1) != 0 {
		return false
	}
	c.hooks.ZeroRefs()
	c.teardown()
	return true
}

// RefCount returns the current reference count, for diagnostics and
// tests only.
func (c *CallEndpoint) RefCount() int32 { return c.refs.Load() }

// Peer returns the endpoint currently linked as c's peer, or nil.
func (c *CallEndpoint) Peer() *CallEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Connect links c to peer, per the original spec's §4.1 algorithm:
//
//   - peer == nil is equivalent to Disconnect(reason) and returns false.
//   - peer already being c's peer is a no-op that returns true.
//   - peer == c is refused and returns false; an endpoint never becomes
//     its own peer.
//   - otherwise c and peer are each disconnected from any current peer,
//     every one of c's data endpoints is connected to peer's same-named
//     data endpoint, the peer pointers are set mutually under the
//     peering mutex, and Connected fires on both sides outside the lock.
func (c *CallEndpoint) Connect(peer *CallEndpoint, reason string) bool {
	if peer == nil {
		c.Disconnect(false, reason)
		return false
	}
	if c.Peer() == peer {
		return true
	}
	if peer == c {
		return false
	}

	// These two Retain calls are deliberately not balanced here: they
	// become the reference each side's peer pointer holds on the other,
	// and are released later by Disconnect's matching Release calls.
	c.Retain()
	c.Disconnect(false, reason)
	peer.Retain()
	peer.Disconnect(false, reason)

	for _, d := range c.dataSnapshot() {
		d.Connect(peer.GetEndpoint(d.Name()))
	}

	if !peering.lock() {
		c.Release()
		peer.Release()
		return false
	}
	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()
	peer.mu.Lock()
	peer.peer = c
	peer.mu.Unlock()
	peering.unlock()

	c.hooks.Connected(reason)
	peer.hooks.Connected(reason)
	return true
}

// Disconnect breaks c's current peer link, if any, reporting whether
// there was a peer to break it from — not whether this call happened to
// drop c's own reference count to zero, which Release already reports on
// its own. If final is true, c's own Disconnected hook fires with
// final=true; callers suppress the non-final chan.disconnected re-peer
// attempt this way during shutdown.
func (c *CallEndpoint) Disconnect(final bool, reason string) bool {
	temp := c.disconnectCore(final, reason)
	if temp == nil {
		return false
	}
	temp.Release()
	c.Release()
	return true
}

// disconnectCore implements the peer-clearing algorithm shared by
// Disconnect and the final teardown run from Release at zero-refs. It
// returns the peer that was disconnected, or nil if c had none. Unlike
// Disconnect, it never touches c's own reference count.
func (c *CallEndpoint) disconnectCore(final bool, reason string) *CallEndpoint {
	if c.Peer() == nil {
		return nil
	}
	if !peering.lock() {
		return nil
	}
	c.mu.Lock()
	temp := c.peer
	c.peer = nil
	c.mu.Unlock()
	if temp == nil {
		peering.unlock()
		return nil
	}

	// Invariant 7: every data endpoint that was connected to temp's
	// matching endpoint is disconnected before the peering mutex is
	// released, i.e. before any observer outside the lock can see c.peer
	// cleared.
	for _, d := range c.dataSnapshot() {
		d.Disconnect()
	}

	temp.mu.Lock()
	temp.peer = nil
	temp.mu.Unlock()
	peering.unlock()

	temp.hooks.Disconnected(false, reason)
	if final {
		c.hooks.Disconnected(true, reason)
	}
	return temp
}

// teardown runs the final peer-disconnect and data-endpoint release a
// destructor would run, without touching c's own (already zero)
// reference count.
func (c *CallEndpoint) teardown() {
	if temp := c.disconnectCore(true, ""); temp != nil {
		temp.Release()
	}
	c.ClearEndpoint("")
}

func (c *CallEndpoint) dataSnapshot() []DataEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DataEndpoint, 0, len(c.data))
	for _, d := range c.data {
		out = append(out, d)
	}
	return out
}

// GetEndpoint returns the DataEndpoint registered under name, or nil.
func (c *CallEndpoint) GetEndpoint(name string) DataEndpoint {
	if name == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[name]
}

// SetEndpoint returns the DataEndpoint registered under name, creating a
// LoopbackEndpoint and linking it to the current peer's same-named
// endpoint (if any) when none existed yet.
func (c *CallEndpoint) SetEndpoint(name string) DataEndpoint {
	if name == "" {
		return nil
	}
	if d := c.GetEndpoint(name); d != nil {
		return d
	}
	d := NewLoopbackEndpoint(name)
	c.BindEndpoint(name, d)
	return d
}

// BindEndpoint installs a caller-provided DataEndpoint under name,
// disconnecting and replacing whatever was registered there already, and
// linking it to the current peer's same-named endpoint if any. Hosts
// with a real media/data plane use this instead of SetEndpoint's
// LoopbackEndpoint default.
func (c *CallEndpoint) BindEndpoint(name string, d DataEndpoint) {
	if name == "" || d == nil {
		return
	}
	c.ClearEndpoint(name)
	c.mu.Lock()
	c.data[name] = d
	peer := c.peer
	c.mu.Unlock()
	if peer != nil {
		d.Connect(peer.GetEndpoint(name))
	}
}

// ClearEndpoint disconnects and removes the DataEndpoint registered
// under name. An empty name clears every data endpoint.
func (c *CallEndpoint) ClearEndpoint(name string) {
	if name == "" {
		c.mu.Lock()
		all := c.data
		c.data = make(map[string]DataEndpoint)
		c.mu.Unlock()
		for _, d := range all {
			d.Disconnect()
		}
		return
	}
	c.mu.Lock()
	d, ok := c.data[name]
	if ok {
		delete(c.data, name)
	}
	c.mu.Unlock()
	if ok {
		d.Disconnect()
	}
}

// SetSource attaches src to the named data endpoint, creating it if src
// is non-nil, or leaves an absent endpoint alone if src is nil.
func (c *CallEndpoint) SetSource(src DataSource, name string) {
	var d DataEndpoint
	if src != nil {
		d = c.SetEndpoint(name)
	} else {
		d = c.GetEndpoint(name)
	}
	if d != nil {
		d.SetSource(src)
	}
}

// GetSource returns the source attached to the named data endpoint, or
// nil.
func (c *CallEndpoint) GetSource(name string) DataSource {
	if d := c.GetEndpoint(name); d != nil {
		return d.Source()
	}
	return nil
}

// SetConsumer attaches cons to the named data endpoint, creating it if
// cons is non-nil.
func (c *CallEndpoint) SetConsumer(cons DataConsumer, name string) {
	var d DataEndpoint
	if cons != nil {
		d = c.SetEndpoint(name)
	} else {
		d = c.GetEndpoint(name)
	}
	if d != nil {
		d.SetConsumer(cons)
	}
}

// GetConsumer returns the consumer attached to the named data endpoint,
// or nil.
func (c *CallEndpoint) GetConsumer(name string) DataConsumer {
	if d := c.GetEndpoint(name); d != nil {
		return d.Consumer()
	}
	return nil
}
