package endpoint

import "sync"

// DataSource produces media/data for a DataEndpoint. The concrete audio
// or data plane is out of scope for this module — the core only attaches
// and detaches these at call-control boundaries.
type DataSource interface {
	// SourceName identifies the format/kind of data this source produces,
	// for diagnostics only.
	SourceName() string
}

// DataConsumer receives media/data from a DataEndpoint's connected peer.
type DataConsumer interface {
	ConsumerName() string
}

// DataEndpoint is a named media/data pipe owned by a CallEndpoint. Its
// Connect/Disconnect are invoked by CallEndpoint.Connect/Disconnect to
// keep the data plane's linkage mirroring the signalling plane's peering,
// per invariant 7 of the original spec.
type DataEndpoint interface {
	Name() string
	Connect(peer DataEndpoint)
	Disconnect()
	SetSource(DataSource)
	Source() DataSource
	SetConsumer(DataConsumer)
	Consumer() DataConsumer
}

// LoopbackEndpoint is a trivial in-memory DataEndpoint: it tracks its
// current peer and source/consumer but moves no actual data. It exists
// so callers with no real media stack can still exercise Connect/
// Disconnect, and so this module's own tests can assert invariant 7
// without depending on an external media implementation.
type LoopbackEndpoint struct {
	mu       sync.Mutex
	name     string
	peer     DataEndpoint
	source   DataSource
	consumer DataConsumer
}

// NewLoopbackEndpoint returns a named, unconnected LoopbackEndpoint.
func NewLoopbackEndpoint(name string) *LoopbackEndpoint {
	return &LoopbackEndpoint{name: name}
}

func (e *LoopbackEndpoint) Name() string { return e.name }

// Connect links e to peer and, when peer is also a LoopbackEndpoint, links
// peer back to e, so both ends of the pair report each other.
func (e *LoopbackEndpoint) Connect(peer DataEndpoint) {
	e.setPeer(peer)
	if p, ok := peer.(*LoopbackEndpoint); ok && p != e {
		p.setPeer(e)
	}
}

// Disconnect clears e's peer and, when that peer is a LoopbackEndpoint
// still linked back to e, clears the peer's link as well.
func (e *LoopbackEndpoint) Disconnect() {
	e.mu.Lock()
	old := e.peer
	e.peer = nil
	e.mu.Unlock()
	if p, ok := old.(*LoopbackEndpoint); ok && p != e {
		p.mu.Lock()
		if p.peer == DataEndpoint(e) {
			p.peer = nil
		}
		p.mu.Unlock()
	}
}

func (e *LoopbackEndpoint) setPeer(peer DataEndpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peer = peer
}

func (e *LoopbackEndpoint) Peer() DataEndpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peer
}

func (e *LoopbackEndpoint) SetSource(s DataSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.source = s
}

func (e *LoopbackEndpoint) Source() DataSource {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.source
}

func (e *LoopbackEndpoint) SetConsumer(c DataConsumer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consumer = c
}

func (e *LoopbackEndpoint) Consumer() DataConsumer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consumer
}
