package driver

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/arzzra/pbxcore/pkg/bus"
	"github.com/arzzra/pbxcore/pkg/endpoint"
	"github.com/arzzra/pbxcore/pkg/logging"
)

// Status values that are load-bearing for the state machine; a Channel
// may also carry an arbitrary reason string (e.g. "bye") as status after
// MsgDrop, per §4.2.
const (
	StatusIncoming    = "incoming"
	StatusOutgoing    = "outgoing"
	StatusRouted      = "routed"
	StatusAccepted    = "accepted"
	StatusProgressing = "progressing"
	StatusRinging     = "ringing"
	StatusAnswered    = "answered"
	StatusRejected    = "rejected"
	StatusDropped     = "dropped"
	StatusDeleted     = "deleted"
)

// CallHandler is the overridable extension point for the call-control
// messages §4.2 defines as "overridable; default false": chan.dtmf,
// chan.text, chan.transfer. A Driver with nothing special to do for
// these can leave it nil — Channel then reports false for all three.
type CallHandler interface {
	DTMF(ch *Channel, tone string) bool
	Text(ch *Channel, text string) bool
	Transfer(ch *Channel, msg *bus.Message) bool
}

// Channel is a CallEndpoint that belongs to a Driver: it carries
// call-control state and handles the call-control message family
// dispatched to it by its Driver, per §4.2.
type Channel struct {
	*endpoint.CallEndpoint

	driver   *Driver
	outgoing bool
	handler  CallHandler
	log      *logging.Logger

	mu        sync.Mutex
	status    string
	address   string
	targetID  string
	billID    string
	timeout   time.Time
	maxcall   time.Time
	debugFlag bool
}

// NewChannel constructs a Channel owned by d with the given id, in the
// incoming or outgoing initial state depending on outgoing. It does not
// insert the channel into d's registry — callers (normally DefaultExecute,
// a custom ExecuteFunc or an outbound-call constructor) do that once the channel is fully
// initialized.
func NewChannel(d *Driver, id string, outgoing bool) *Channel {
	status := StatusIncoming
	if outgoing {
		status = StatusOutgoing
	}
	ch := &Channel{
		driver:   d,
		outgoing: outgoing,
		handler:  d.callHandler,
		log:      d.log.WithComponent("channel").WithFields(logging.String("id", id)),
		status:   status,
	}
	ch.CallEndpoint = endpoint.NewCallEndpoint(id, ch)
	return ch
}

func (c *Channel) Driver() *Driver  { return c.driver }
func (c *Channel) Outgoing() bool   { return c.outgoing }

// Release drops one logical reference to the channel, like the embedded
// CallEndpoint.Release but without its result, so that *Channel satisfies
// bus.Retainable and Message.BindOwned retains it.
func (c *Channel) Release() { c.CallEndpoint.Release() }

func (c *Channel) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Channel) setStatus(s string) {
	c.mu.Lock()
	from := c.status
	c.status = s
	c.mu.Unlock()
	c.driver.metrics.StateTransition(from, s)
}

func (c *Channel) Address() string { return c.get(&c.address) }
func (c *Channel) SetAddress(a string) { c.set(&c.address, a) }

func (c *Channel) TargetID() string { return c.get(&c.targetID) }
func (c *Channel) BillID() string   { return c.get(&c.billID) }

func (c *Channel) get(f *string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *f
}

func (c *Channel) set(f *string, v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*f = v
}

func (c *Channel) setBillIDIfAbsent(v string) {
	if v == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.billID == "" {
		c.billID = v
	}
}

// Timeout/Maxcall report the absolute deadlines the Driver's timer sweep
// checks; the zero time means "unset".
func (c *Channel) Timeout() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

func (c *Channel) Maxcall() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxcall
}

func (c *Channel) clearTimers() {
	c.mu.Lock()
	c.timeout = time.Time{}
	c.maxcall = time.Time{}
	c.mu.Unlock()
}

// SetMaxcall sets Maxcall from msg's "maxcall" parameter, interpreted as
// milliseconds from now, or def if the parameter is absent or zero.
func (c *Channel) SetMaxcall(msg *bus.Message, def time.Duration) {
	ms := msg.IntValue("maxcall", 0)
	d := def
	if ms > 0 {
		d = time.Duration(ms) * time.Millisecond
	}
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.maxcall = time.Now().Add(d)
	c.mu.Unlock()
}

// Complete fills the common parameters (§6) describing this channel onto
// msg: id, status, address, billid and, unless minimal, targetid/peerid.
func (c *Channel) Complete(msg *bus.Message, minimal bool) {
	c.mu.Lock()
	status, address, billID, targetID := c.status, c.address, c.billID, c.targetID
	c.mu.Unlock()

	msg.SetParam("id", c.ID())
	msg.SetParam("status", status)
	if address != "" {
		msg.SetParam("address", address)
	}
	if billID != "" {
		msg.SetParam("billid", billID)
	}
	if minimal {
		return
	}
	if targetID != "" {
		msg.SetParam("targetid", targetID)
	}
	if peer := c.Peer(); peer != nil {
		msg.SetParam("peerid", peer.ID())
	}
}

// NewMessage builds a message named name, completed with this channel's
// state (Complete), and — unless bindSelf is false — bound as the
// message's owned user-data so the channel survives until the message is
// closed even if no other reference is held meanwhile.
func (c *Channel) NewMessage(name string, minimal bool, bindSelf bool) *bus.Message {
	msg := bus.New(name)
	c.Complete(msg, minimal)
	if bindSelf {
		msg.BindOwned(c)
	}
	return msg
}

// DTMFInband requests an inband tone source be attached to this channel's
// audio data endpoint by dispatching chan.attach with a synthesized
// source parameter, per the original spec's Channel::dtmfInband.
func (c *Channel) DTMFInband(tone string) bool {
	msg := c.NewMessage("chan.attach", true, false)
	msg.SetParam("source", "tone/"+tone)
	return c.driver.bus.Dispatch(msg)
}

// SetDebug applies a per-channel engine.debug "line" command: "level <n>"
// (ignored — no per-channel verbosity level is modelled — but
// recognised), "reset" (clears the debug flag), "engine" (not
// recognised at channel scope, always false), or a bare boolean.
func (c *Channel) SetDebug(line string) bool {
	switch line {
	case "reset":
		c.mu.Lock()
		c.debugFlag = false
		c.mu.Unlock()
		return true
	case "on", "true", "1":
		c.mu.Lock()
		c.debugFlag = true
		c.mu.Unlock()
		return true
	case "off", "false", "0":
		c.mu.Lock()
		c.debugFlag = false
		c.mu.Unlock()
		return true
	default:
		return strings.HasPrefix(line, "level ")
	}
}

// --- call-control message handlers (§4.2) ---

// MsgProgress handles call.progress: only accepted while incoming.
func (c *Channel) MsgProgress(msg *bus.Message) bool {
	if c.Status() != StatusIncoming {
		return false
	}
	c.setStatus(StatusProgressing)
	c.setBillIDIfAbsent(msg.Param("billid", ""))
	return true
}

// MsgRinging handles call.ringing: only accepted while incoming.
func (c *Channel) MsgRinging(msg *bus.Message) bool {
	if c.Status() != StatusIncoming {
		return false
	}
	c.ring()
	c.setBillIDIfAbsent(msg.Param("billid", ""))
	return true
}

func (c *Channel) ring() { c.setStatus(StatusRinging) }

// MsgAnswered handles call.answered: only accepted while incoming; clears
// maxcall (the call is no longer waiting to be answered).
func (c *Channel) MsgAnswered(msg *bus.Message) bool {
	if c.Status() != StatusIncoming {
		return false
	}
	c.answer()
	c.setBillIDIfAbsent(msg.Param("billid", ""))
	return true
}

func (c *Channel) answer() {
	c.setStatus(StatusAnswered)
	c.mu.Lock()
	c.maxcall = time.Time{}
	c.mu.Unlock()
}

// MsgDrop handles call.drop and the driver's timer-triggered drops: it
// clears both deadline timers, sets status to the reason (or "dropped"
// if none given), and disconnects the channel's peer, non-finally —
// disconnected() decides whether to emit chan.disconnected.
func (c *Channel) MsgDrop(msg *bus.Message, defaultReason string) bool {
	reason := defaultReason
	if msg != nil {
		if r := msg.Param("reason", ""); r != "" {
			reason = r
		}
	}
	c.clearTimers()
	if reason != "" {
		c.setStatus(reason)
	} else {
		c.setStatus(StatusDropped)
	}
	c.Disconnect(false, reason)
	return true
}

// MsgTone forwards chan.dtmf to the driver's CallHandler, defaulting to
// false (unhandled) when none is set.
func (c *Channel) MsgTone(msg *bus.Message) bool {
	if c.handler == nil {
		return false
	}
	return c.handler.DTMF(c, msg.Param("text", ""))
}

// MsgText forwards chan.text to the driver's CallHandler.
func (c *Channel) MsgText(msg *bus.Message) bool {
	if c.handler == nil {
		return false
	}
	return c.handler.Text(c, msg.Param("text", ""))
}

// MsgTransfer forwards chan.transfer to the driver's CallHandler.
func (c *Channel) MsgTransfer(msg *bus.Message) bool {
	if c.handler == nil {
		return false
	}
	return c.handler.Transfer(c, msg)
}

// --- routing outcomes (§4.2, invoked by Router) ---

// DefaultAutoAnswer is the default-autoanswer policy CallAccept applies
// when the accepted message has no explicit "autoanswer" parameter: the
// channel answers itself exactly when no targetid was supplied. A host
// may replace it.
var DefaultAutoAnswer = func(targetID string) bool { return targetID == "" }

// CallRouted records a successful route: status becomes "routed" and
// billid is copied from msg if this channel does not have one yet.
func (c *Channel) CallRouted(msg *bus.Message) {
	c.setStatus(StatusRouted)
	c.setBillIDIfAbsent(msg.Param("billid", ""))
}

// CallAccept records acceptance of the routed call: status becomes
// "accepted", timeout and targetid are recorded, and — per the resolved
// default-autoanswer rule (SPEC_FULL.md "Open Questions") — the channel
// answers itself immediately unless a targetid was supplied or
// autoanswer was explicitly disabled. The self-answer/self-ring here
// calls answer()/ring() directly rather than MsgAnswered/MsgRinging:
// those guard on status=="incoming", a precondition for an externally
// dispatched call.answered/call.ringing, which no longer holds once this
// method has already moved status to "accepted".
//
// DefaultAutoAnswer decides the self-answer when msg carries no explicit
// "autoanswer" parameter.
func (c *Channel) CallAccept(msg *bus.Message, defaultTimeout time.Duration) {
	c.setStatus(StatusAccepted)

	timeoutMs := msg.IntValue("timeout", 0)
	d := defaultTimeout
	if timeoutMs > 0 {
		d = time.Duration(timeoutMs) * time.Millisecond
	}
	target := msg.Param("targetid", "")
	c.mu.Lock()
	if d > 0 {
		c.timeout = time.Now().Add(d)
	}
	c.targetID = target
	c.mu.Unlock()
	c.setBillIDIfAbsent(msg.Param("billid", ""))

	autoanswer := msg.BoolValue("autoanswer", DefaultAutoAnswer(target))
	autoring := msg.BoolValue("autoring", false)
	switch {
	case autoanswer:
		c.answer()
	case autoring:
		c.ring()
	}
}

// CallRejected records a routing failure: status becomes "rejected" and,
// if msg is non-nil, its wire-level "error"/"reason" parameters (§6) are
// set from err — a *CoreError if the caller has one, or any other error
// wrapped under the "unknown" kind. CoreError is purely an in-process
// convenience on top of those two loose wire parameters, not a
// replacement for them, so callers elsewhere can still match with
// errors.Is(err, driver.ErrNoRoute).
func (c *Channel) CallRejected(err error, msg *bus.Message) {
	c.setStatus(StatusRejected)

	ce, ok := err.(*CoreError)
	if !ok {
		ce = NewCoreError(KindUnknown, err.Error())
	}
	if msg != nil {
		msg.SetParam("error", string(ce.Kind))
		if ce.Reason != "" {
			msg.SetParam("reason", ce.Reason)
		}
	}
	c.driver.metrics.Rejected(string(ce.Kind))
	c.log.Info(context.Background(), "call rejected", logging.String("kind", string(ce.Kind)), logging.String("reason", ce.Reason))
}

// --- endpoint.Hooks ---

func (c *Channel) Connected(reason string) {
	c.driver.changed()
}

func (c *Channel) Disconnected(final bool, reason string) {
	c.driver.changed()
	if final || c.driver.Exiting() {
		return
	}
	msg := bus.New("chan.disconnected")
	if reason != "" {
		msg.SetParam("reason", reason)
	}
	msg.BindOwned(c)
	c.driver.bus.Enqueue(msg)
}

// ZeroRefs fires when this channel's last logical reference drops. It is
// the terminal teardown invariant 2 describes: the channel leaves the
// registry (a no-op if a drop path already removed it) and only now,
// post-cleanup, does its status become "deleted" — clobbering the drop
// reason ("timeout", "noanswer", "bye", ...) before that point would make
// it unobservable to anyone still holding a reference.
func (c *Channel) ZeroRefs() {
	c.driver.removeChannel(c)
	c.setStatus(StatusDeleted)
}
