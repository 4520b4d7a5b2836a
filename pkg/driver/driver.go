// Package driver implements the driver/channel registry, routing state
// machine and call-control handlers of the call-routing core, per
// SPEC_FULL.md §§4.2, 4.4, 4.5. It embeds module.Module for the generic
// relay/status/debug/timer plumbing and builds the channel-specific
// state machine and admission control on top.
package driver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/pbxcore/pkg/bus"
	"github.com/arzzra/pbxcore/pkg/logging"
	"github.com/arzzra/pbxcore/pkg/metrics"
	"github.com/arzzra/pbxcore/pkg/module"
)

// defaultAntiloop is used for a call.execute that does not specify its
// own antiloop budget.
const defaultAntiloop = 16

// ExecuteFunc constructs (or rejects) an incoming channel for a
// call.execute whose callto matched this driver. dest is callto with the
// driver's prefix stripped. The default, DefaultExecute, builds a bare
// Channel and starts the router immediately; a protocol driver (SIP,
// H.323, ...) — out of this module's scope — supplies its own to attach
// real signalling state before routing begins.
type ExecuteFunc func(d *Driver, msg *bus.Message, dest string) (*Channel, bool)

// Limits holds the admission and timing defaults §3/§4.4 describe.
type Limits struct {
	// MaxChans caps the number of live channels; 0 means unbounded.
	MaxChans int
	// MaxRoute caps concurrent in-flight Router tasks; 0 means unbounded.
	MaxRoute int
	// Timeout is the default call.accept deadline when the routing
	// message does not specify its own "timeout" parameter.
	Timeout time.Duration
}

// Driver is a named module owning a set of live Channels: it installs
// relays for the call-control message family, enforces admission limits,
// assigns channel ids, and forwards routed messages to the owning
// Channel, per §4.4.
type Driver struct {
	*module.Module

	name   string
	typ    string
	prefix string

	bus         bus.Bus
	log         *logging.Logger
	metrics     *metrics.Collector
	limits      Limits
	varchan     bool
	callHandler CallHandler
	execute     ExecuteFunc

	mu     sync.Mutex
	chans  []*Channel
	byID   map[string]*Channel
	nextID atomic.Int64

	totalCount   atomic.Int64
	routedCount  atomic.Int64
	routingCount atomic.Int64
	exiting      atomic.Bool
	debugFlag    atomic.Bool
}

// Config bundles the construction-time knobs of a Driver.
type Config struct {
	Name        string
	Type        string
	Limits      Limits
	Varchan     bool
	CallHandler CallHandler
	Execute     ExecuteFunc
	Metrics     *metrics.Collector
	Log         *logging.Logger
}

// NewDriver constructs a Driver per cfg. Its prefix is cfg.Name + "/".
func NewDriver(cfg Config) *Driver {
	if cfg.Type == "" {
		cfg.Type = cfg.Name
	}
	if cfg.Execute == nil {
		cfg.Execute = DefaultExecute
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(metrics.Config{})
	}
	if cfg.Log == nil {
		cfg.Log = logging.Default()
	}
	d := &Driver{
		name:        cfg.Name,
		typ:         cfg.Type,
		prefix:      cfg.Name + "/",
		log:         cfg.Log.WithComponent(cfg.Name),
		metrics:     cfg.Metrics,
		limits:      cfg.Limits,
		varchan:     cfg.Varchan,
		callHandler: cfg.CallHandler,
		execute:     cfg.Execute,
		byID:        make(map[string]*Channel),
	}
	d.Module = module.New(cfg.Name, d, d.log)
	return d
}

// Setup installs the driver's relays (the generic engine.* family via
// Module, plus the call-control family) against b.
func (d *Driver) Setup(b bus.Bus) {
	d.mu.Lock()
	d.bus = b
	d.mu.Unlock()
	d.Module.SetBus(b)

	// Every relay this driver cares about is routed through its own
	// Received (which falls back to Module.Received for the generic
	// engine.status/engine.debug handling it doesn't intercept itself),
	// not Module's default self-owned relays.
	for _, id := range []module.ID{
		module.EngineStatus, module.EngineTimer, module.EngineDebug, module.EngineHalt,
		module.CallExecute, module.CallDrop, module.CallProgress, module.CallRinging, module.CallAnswered,
		module.ChanDTMF, module.ChanText, module.ChanMasquerade, module.ChanLocate, module.ChanTransfer,
	} {
		priority := 50
		if id <= module.EngineHalt {
			priority = 100
		}
		d.Module.InstallRelayFor(d, id.Name(), id, priority)
	}
}

// Exiting reports whether Halt has been processed; canAccept/canRoute
// return false once true, and Disconnected suppresses chan.disconnected.
func (d *Driver) Exiting() bool { return d.exiting.Load() }

// NextID returns a fresh channel id for this driver, formatted as
// "<prefix><n>" where n is either a monotonically increasing counter
// (the default) or a random UUID when cfg.Varchan requested unguessable
// ids — matching the original spec's driver-chosen "id()" contract
// without committing every driver to sequential, easily-enumerated ids.
func (d *Driver) NextID() string {
	if d.varchan {
		return d.prefix + uuid.NewString()
	}
	n := d.nextID.Add(1)
	return d.prefix + strconv.FormatInt(n, 10)
}

func (d *Driver) changed() { d.Module.Changed() }

// CanRoute reports whether a new Router task may be started.
func (d *Driver) CanRoute() bool {
	if d.Exiting() {
		return false
	}
	if d.limits.MaxRoute > 0 && int(d.routingCount.Load()) >= d.limits.MaxRoute {
		return false
	}
	return true
}

// CanAccept reports whether a new channel may be admitted.
// includeRouters additionally requires CanRoute.
func (d *Driver) CanAccept(includeRouters bool) bool {
	if d.Exiting() {
		return false
	}
	if includeRouters && !d.CanRoute() {
		return false
	}
	d.mu.Lock()
	n := len(d.chans)
	d.mu.Unlock()
	if d.limits.MaxChans > 0 && n >= d.limits.MaxChans {
		return false
	}
	return true
}

// InsertChannel registers ch, built by a custom ExecuteFunc (typically a
// protocol driver's own, attaching real signalling state ahead of
// routing), into this driver's registry. DefaultExecute calls the
// unexported insertChannel directly; this exported wrapper is what an
// ExecuteFunc outside this package uses instead.
func (d *Driver) InsertChannel(ch *Channel) { d.insertChannel(ch) }

// insertChannel appends ch to the registry. It is the Channel-list half
// of invariant 2 ("a channel belongs to the channel list of its driver
// for exactly the interval from init() to dropChan()").
func (d *Driver) insertChannel(ch *Channel) {
	d.mu.Lock()
	d.chans = append(d.chans, ch)
	d.byID[ch.ID()] = ch
	d.mu.Unlock()
	d.totalCount.Add(1)
	d.metrics.ChannelInserted()
	d.changed()
}

// removeChannel deletes ch from the registry if present, reporting
// whether it did anything. It is idempotent: both Channel.ZeroRefs (the
// generic safety net) and every driver-initiated drop path call it, and
// only the first call has an effect. It does not touch ch's status —
// invariant 2 reserves "deleted" for the moment the last logical
// reference actually drops (see Channel.ZeroRefs), so a dropped-but-
// still-referenced channel keeps reporting its drop reason.
func (d *Driver) removeChannel(ch *Channel) bool {
	d.mu.Lock()
	if _, ok := d.byID[ch.ID()]; !ok {
		d.mu.Unlock()
		return false
	}
	delete(d.byID, ch.ID())
	for i, c := range d.chans {
		if c == ch {
			d.chans = append(d.chans[:i:i], d.chans[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	d.metrics.ChannelRemoved()
	d.changed()
	return true
}

func (d *Driver) lookup(id string) *Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byID[id]
}

func (d *Driver) ownsPrefixed(dest string) bool {
	return dest != "" && strings.HasPrefix(dest, d.prefix)
}

func (d *Driver) targetChannel(msg *bus.Message, key string) (*Channel, bool) {
	dest := msg.Param(key, "")
	if !d.ownsPrefixed(dest) {
		return nil, false
	}
	ch := d.lookup(dest)
	if ch == nil {
		d.log.Info(context.Background(), "target channel not found", logging.String("id", dest))
		return nil, false
	}
	return ch, true
}

// DropAll disconnects and removes every channel currently in the
// registry. msg may be nil (e.g. when called from Halt).
func (d *Driver) DropAll(msg *bus.Message) {
	for {
		d.mu.Lock()
		if len(d.chans) == 0 {
			d.mu.Unlock()
			return
		}
		ch := d.chans[0]
		d.mu.Unlock()
		ch.MsgDrop(msg, "shutdown")
		d.removeChannel(ch)
		ch.Release()
	}
}

// Halt marks the driver exiting and drops every channel. It is the
// driver's response to engine.halt.
func (d *Driver) Halt() {
	d.exiting.Store(true)
	d.DropAll(nil)
	d.Module.Teardown()
}

// --- module.Handler ---

func (d *Driver) Header() string {
	return fmt.Sprintf("name=%s,type=%s,format=Status|Address|Peer", d.name, d.typ)
}

func (d *Driver) StatusLine() string {
	d.mu.Lock()
	parts := make([]string, 0, len(d.chans))
	for _, ch := range d.chans {
		peerID := ""
		if p := ch.Peer(); p != nil {
			peerID = p.ID()
		}
		parts = append(parts, fmt.Sprintf("%s=%s|%s|%s", ch.ID(), ch.Status(), ch.Address(), peerID))
	}
	n := len(d.chans)
	d.mu.Unlock()

	counters := fmt.Sprintf("routed=%d,routing=%d,total=%d,chans=%d",
		d.routedCount.Load(), d.routingCount.Load(), d.totalCount.Load(), n)
	if len(parts) == 0 {
		return counters
	}
	return counters + ";" + strings.Join(parts, ",")
}

func (d *Driver) SetDebug(line string) bool {
	switch line {
	case "reset":
		d.debugFlag.Store(false)
		return true
	case "engine", "on", "true", "1":
		d.debugFlag.Store(true)
		return true
	case "off", "false", "0":
		d.debugFlag.Store(false)
		return true
	default:
		return false
	}
}

// --- received dispatch (§4.4) ---

// Received is the Driver's bus.Receiver entry point, installed for every
// relay it owns. id identifies which message family this is.
func (d *Driver) Received(msg *bus.Message, id int) bool {
	mid := module.ID(id)
	switch mid {
	case module.EngineTimer:
		d.sweepTimers()
		// Resolved Open Question: the original falls through from Timer
		// into Status/Level handling without an explicit break; this
		// calls the module path unconditionally, not only when the
		// sweep found nothing.
		return d.Module.Received(msg, mid)
	case module.EngineHalt:
		d.Halt()
		return false
	case module.CallExecute:
		return d.handleExecute(msg)
	case module.CallDrop:
		return d.handleDrop(msg)
	case module.ChanMasquerade:
		return d.handleMasquerade(msg)
	case module.ChanLocate:
		return d.handleLocate(msg)
	case module.CallProgress:
		return d.forward(msg, func(ch *Channel) bool { return ch.MsgProgress(msg) })
	case module.CallRinging:
		return d.forward(msg, func(ch *Channel) bool { return ch.MsgRinging(msg) })
	case module.CallAnswered:
		return d.forward(msg, func(ch *Channel) bool { return ch.MsgAnswered(msg) })
	case module.ChanDTMF:
		return d.forward(msg, func(ch *Channel) bool { return ch.MsgTone(msg) })
	case module.ChanText:
		return d.forward(msg, func(ch *Channel) bool { return ch.MsgText(msg) })
	case module.ChanTransfer:
		return d.forward(msg, func(ch *Channel) bool { return ch.MsgTransfer(msg) })
	case module.EngineDebug:
		if msg.Param("id", "") != "" {
			ch, ok := d.targetChannel(msg, "id")
			if !ok {
				return false
			}
			return ch.SetDebug(msg.Param("line", ""))
		}
		return d.Module.Received(msg, mid)
	default:
		return d.Module.Received(msg, mid)
	}
}

func (d *Driver) forward(msg *bus.Message, fn func(*Channel) bool) bool {
	ch, ok := d.targetChannel(msg, "targetid")
	if !ok {
		return false
	}
	return fn(ch)
}

func (d *Driver) handleLocate(msg *bus.Message) bool {
	ch, ok := d.targetChannel(msg, "id")
	if !ok {
		return false
	}
	msg.BindOwned(ch)
	return true
}

// handleMasquerade renames msg in place to the value of its "message"
// parameter, strips that parameter, rebinds user-data to the target
// channel and re-completes msg's headers from it, then re-dispatches the
// rewritten message under its new name and reports that outcome — per
// §4.4 and scenario S5. A bare Install/Dispatch bus resolves a message's
// relay list once by name before running any handler, so returning false
// here and relying on the original dispatch loop to notice the rename
// would silently replay the chan.masquerade relay list itself; explicitly
// redispatching is what actually lets the new name's own relays run.
func (d *Driver) handleMasquerade(msg *bus.Message) bool {
	ch, ok := d.targetChannel(msg, "id")
	if !ok {
		return false
	}
	newName := msg.Param("message", "")
	msg.ClearParam("message")
	msg.Rename(newName)
	msg.BindOwned(ch)
	ch.Complete(msg, false)
	return d.bus.Dispatch(msg)
}

// handleDrop implements §4.4's Drop dispatch, including the "no specific
// target" dropAll convention.
func (d *Driver) handleDrop(msg *bus.Message) bool {
	dest := msg.Param("id", "")
	if dest == "" || dest == d.name || dest == d.typ {
		d.DropAll(msg)
		return dest == d.name
	}
	if !d.ownsPrefixed(dest) {
		return false
	}
	ch := d.lookup(dest)
	if ch == nil {
		d.log.Info(context.Background(), "drop target channel not found", logging.String("id", dest))
		return false
	}
	ok := ch.MsgDrop(msg, "")
	d.removeChannel(ch)
	ch.Release()
	return ok
}

func (d *Driver) handleExecute(msg *bus.Message) bool {
	if !d.CanAccept(false) {
		return false
	}
	callto := msg.Param("callto", "")
	if !d.ownsPrefixed(callto) {
		return false
	}
	dest := strings.TrimPrefix(callto, d.prefix)
	ch, ok := d.execute(d, msg, dest)
	return ok && ch != nil
}

// DefaultExecute is the ExecuteFunc used when Config.Execute is nil: it
// builds a bare incoming Channel, inserts it into the registry, and
// starts the Router immediately.
func DefaultExecute(d *Driver, msg *bus.Message, dest string) (*Channel, bool) {
	id := msg.Param("id", "")
	if id == "" {
		id = d.NextID()
	}
	ch := NewChannel(d, id, false)
	ch.SetAddress(dest)
	ch.SetMaxcall(msg, d.limits.Timeout)
	d.insertChannel(ch)
	d.StartRouter(ch, msg)
	return ch, true
}

// StartRouter spawns the routing task for ch, per §4.5. If admission
// fails (CanRoute false) it rejects the channel immediately with
// "failure" and releases the registry's reference instead of routing.
func (d *Driver) StartRouter(ch *Channel, execMsg *bus.Message) bool {
	if !d.CanRoute() {
		ch.CallRejected(NewCoreError(KindFailure, "router not started"), execMsg)
		d.removeChannel(ch)
		ch.Release()
		return false
	}
	go d.runRouter(ch, execMsg)
	return true
}

// sweepTimers scans every channel for an expired timeout or maxcall
// deadline and drops it, per §4.4's Timer handling. The iteration runs
// over a copy of the registry taken before any drop, so a synchronous
// removal never skips the next element, per §9's "Driver-list iteration with
// synchronous mutation".
func (d *Driver) sweepTimers() {
	now := time.Now()
	d.mu.Lock()
	snapshot := make([]*Channel, len(d.chans))
	copy(snapshot, d.chans)
	d.mu.Unlock()

	for _, ch := range snapshot {
		if t := ch.Timeout(); !t.IsZero() && now.After(t) {
			ch.MsgDrop(nil, "timeout")
			d.removeChannel(ch)
			ch.Release()
			continue
		}
		if mc := ch.Maxcall(); !mc.IsZero() && now.After(mc) {
			ch.MsgDrop(nil, "noanswer")
			d.removeChannel(ch)
			ch.Release()
		}
	}
}
