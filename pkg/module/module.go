// Package module implements the generic relay-installation and
// status/debug/timer plumbing every Driver embeds, per SPEC_FULL.md §4.3.
// It is grounded on the teacher soft_phone repo's registry/lock idioms
// (pkg/dialog/manager.go) generalized from "dialog" to "relay", and wires
// this module's own bus.Bus/bus.Relay contract instead of a SIP-specific
// one.
package module

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/pbxcore/pkg/bus"
	"github.com/arzzra/pbxcore/pkg/logging"
)

// Handler supplies the behaviour a concrete Module (a Driver, or a bare
// module with no channels) plugs into the generic engine.status/
// engine.debug dispatch. A Driver's StatusLine/SetDebug report on its own
// registry; a module with nothing to report can embed NopHandler.
type Handler interface {
	// Header renders the "name=...,type=..." status-line header. An
	// empty return falls back to Module's own "name=<name>,type=module".
	Header() string
	// StatusLine renders this module's status-line body per §6's format,
	// without the header.
	StatusLine() string
	// SetDebug applies a engine.debug "line" command (per §6's grammar)
	// and reports whether it recognised the command.
	SetDebug(line string) bool
}

// NopHandler implements Handler with no status/debug behaviour, for
// modules that only care about engine.timer.
type NopHandler struct{}

func (NopHandler) Header() string       { return "" }
func (NopHandler) StatusLine() string   { return "" }
func (NopHandler) SetDebug(string) bool { return false }

// DefaultQuietPeriod is how long Changed debounces before the next
// engine.timer tick is allowed to emit module.update, per §4.3.
const DefaultQuietPeriod = 5 * time.Second

// Module is the generic relay/status/debug/timer base every Driver
// embeds. It is safe for concurrent use; the mutex it exposes as Lock()/
// Unlock() guards the relay table and the update debounce state. It is
// not shared with an embedding Driver, which guards its channel registry
// with a separate mutex of its own.
type Module struct {
	mu sync.Mutex

	name    string
	bus     bus.Bus
	handler Handler
	log     *logging.Logger

	installed   map[relayKey]*bus.Relay
	quietPeriod time.Duration
	dirty       bool
	changedAt   time.Time
}

type relayKey struct {
	name string
	id   ID
}

// New returns a Module named name, installing no relays yet — call
// Setup to install the generic engine.status/engine.timer/engine.debug
// relays once a bus is available.
func New(name string, handler Handler, log *logging.Logger) *Module {
	if handler == nil {
		handler = NopHandler{}
	}
	if log == nil {
		log = logging.Default()
	}
	return &Module{
		name:        name,
		handler:     handler,
		log:         log.WithComponent(name),
		installed:   make(map[relayKey]*bus.Relay),
		quietPeriod: DefaultQuietPeriod,
	}
}

// Name returns the module's immutable name.
func (m *Module) Name() string { return m.name }

// Lock/Unlock expose the module lock. Driver does not take it for its
// registry state, which its own mutex guards.
func (m *Module) Lock()   { m.mu.Lock() }
func (m *Module) Unlock() { m.mu.Unlock() }

// SetQuietPeriod overrides DefaultQuietPeriod; used by tests that don't
// want to wait 5 real seconds for a module.update.
func (m *Module) SetQuietPeriod(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quietPeriod = d
}

// SetBus attaches b without installing any relay; an embedding Driver
// that wants its own Received to own every relay (including the generic
// engine.* family) uses this plus InstallRelayFor instead of Setup.
func (m *Module) SetBus(b bus.Bus) {
	m.mu.Lock()
	m.bus = b
	m.mu.Unlock()
}

// Setup installs the module's generic relays (engine.status, engine.timer,
// engine.debug) against b as Received, and is idempotent: calling it
// twice installs each relay only once, matching InstallRelay's own
// idempotence.
func (m *Module) Setup(b bus.Bus) {
	m.SetBus(b)
	m.InstallRelay(EngineStatus.Name(), EngineStatus, 100)
	m.InstallRelay(EngineTimer.Name(), EngineTimer, 100)
	m.InstallRelay(EngineDebug.Name(), EngineDebug, 100)
}

// InstallRelay registers a MessageRelay binding name/id/priority against
// the module's bus, with the Module itself as the owning bus.Receiver
// (see Received). A second call with the same name and id is a no-op
// that still returns true, per the round-trip property "installRelay(id)
// twice yields a single registration".
func (m *Module) InstallRelay(name string, id ID, priority int) bool {
	return m.InstallRelayFor(receiverFunc(m.receive), name, id, priority)
}

// InstallRelayFor is InstallRelay with a caller-supplied owner, for an
// embedding Driver that wants call-control relays routed through its own
// Received (which in turn calls back into Module.Received for whatever
// it does not itself recognise) rather than through Module's.
func (m *Module) InstallRelayFor(owner bus.Receiver, name string, id ID, priority int) bool {
	m.mu.Lock()
	key := relayKey{name, id}
	if _, ok := m.installed[key]; ok {
		m.mu.Unlock()
		return true
	}
	b := m.bus
	m.mu.Unlock()
	if b == nil {
		return false
	}

	r := bus.NewRelay(name, owner, int(id), priority)
	b.Install(r)

	m.mu.Lock()
	m.installed[key] = r
	m.mu.Unlock()
	return true
}

// Teardown uninstalls every relay this module (or its embedding Driver)
// installed.
func (m *Module) Teardown() {
	m.mu.Lock()
	b := m.bus
	relays := make([]*bus.Relay, 0, len(m.installed))
	for _, r := range m.installed {
		relays = append(relays, r)
	}
	m.installed = make(map[relayKey]*bus.Relay)
	m.mu.Unlock()
	if b == nil {
		return
	}
	for _, r := range relays {
		b.Uninstall(r)
	}
}

// receiverFunc adapts a plain function to bus.Receiver.
type receiverFunc func(msg *bus.Message, id int) bool

func (f receiverFunc) Received(msg *bus.Message, id int) bool { return f(msg, id) }

// receive is Module's own bus.Receiver entry point, installed for every
// relay this Module (not an embedding Driver) owns directly. A Driver
// that wants to intercept call-control ids first and fall back to
// Module's generic handling calls Module.Received itself from its own
// Received method.
func (m *Module) receive(msg *bus.Message, id int) bool {
	return m.Received(msg, ID(id))
}

// Received dispatches on id to the generic engine.status/engine.timer/
// engine.debug handling. A Driver's own Received should call this last,
// for any id it does not itself recognise — including, per the resolved
// Open Question on Timer fallthrough, unconditionally after its own
// timeout sweep rather than only when the sweep found nothing.
func (m *Module) Received(msg *bus.Message, id ID) bool {
	switch id {
	case EngineTimer:
		m.onTimer(msg)
		return false
	case EngineStatus:
		return m.msgStatus(msg)
	case EngineDebug:
		return m.handler.SetDebug(msg.Param("line", ""))
	default:
		m.log.Warn(context.Background(), "received message with unrecognised relay id",
			logging.String("message", msg.Name()), logging.Int("id", int(id)))
		return false
	}
}

// msgStatus answers engine.status. A "module" parameter naming a
// different module is left untouched and reported unhandled, so a
// status query broadcast to every installed module's relay only has its
// ReturnValue set once, by the one it actually named — without this
// guard every other installed module would overwrite the same
// ReturnValue in turn and only the last-dispatched one would ever be
// observed.
func (m *Module) msgStatus(msg *bus.Message) bool {
	if want := msg.Param("module", ""); want != "" && want != m.name {
		return false
	}
	header := m.handler.Header()
	if header == "" {
		header = fmt.Sprintf("name=%s,type=module", m.name)
	}
	body := m.handler.StatusLine()
	line := header
	if body != "" {
		line = header + ";" + body
	}
	msg.SetReturnValue(line)
	return true
}

// Changed marks the module dirty; the next engine.timer tick at least
// quietPeriod after the mark will enqueue module.update.
func (m *Module) Changed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty {
		m.dirty = true
		m.changedAt = time.Now()
	}
}

func (m *Module) onTimer(msg *bus.Message) {
	m.mu.Lock()
	b := m.bus
	due := m.dirty && time.Since(m.changedAt) >= m.quietPeriod
	if due {
		m.dirty = false
	}
	name := m.name
	status := m.handler.StatusLine()
	m.mu.Unlock()

	if !due || b == nil {
		return
	}
	update := bus.New("module.update")
	update.SetParam("module", name)
	update.SetParam("status", status)
	b.Enqueue(update)
}
