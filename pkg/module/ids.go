package module

// ID is the stable integer discriminator a MessageRelay binds alongside a
// message name, per §4.3/§6 of the wire contract. Values are
// implementation-chosen but stable within a process and distinct per
// kind — callers outside this module depend on the *names*, not these
// numbers.
type ID int

const (
	EngineStatus  ID = 1
	EngineTimer   ID = 2
	EngineDebug   ID = 3
	EngineCommand ID = 4
	EngineHelp    ID = 5
	EngineHalt    ID = 6

	CallExecute  ID = 101
	CallDrop     ID = 102
	CallProgress ID = 103
	CallRinging  ID = 104
	CallAnswered ID = 105

	ChanDTMF        ID = 201
	ChanText        ID = 202
	ChanMasquerade  ID = 203
	ChanLocate      ID = 204
	ChanTransfer    ID = 205
)

// names maps every well-known ID to its wire-visible message name.
var names = map[ID]string{
	EngineStatus:  "engine.status",
	EngineTimer:   "engine.timer",
	EngineDebug:   "engine.debug",
	EngineCommand: "engine.command",
	EngineHelp:    "engine.help",
	EngineHalt:    "engine.halt",

	CallExecute:  "call.execute",
	CallDrop:     "call.drop",
	CallProgress: "call.progress",
	CallRinging:  "call.ringing",
	CallAnswered: "call.answered",

	ChanDTMF:       "chan.dtmf",
	ChanText:       "chan.text",
	ChanMasquerade: "chan.masquerade",
	ChanLocate:     "chan.locate",
	ChanTransfer:   "chan.transfer",
}

// Name returns the wire message name for id, or "" if id is not one of
// the well-known ids above (a Driver may still install relays under
// private ids of its own beyond PubLast) — no well-known id maps to "",
// so the empty string is an unambiguous not-found sentinel.
func (id ID) Name() string { return names[id] }

// Lookup is Name's reverse: it returns the well-known ID registered for
// name, and whether one was found.
func Lookup(name string) (ID, bool) {
	for id, n := range names {
		if n == name {
			return id, true
		}
	}
	return 0, false
}

func (id ID) String() string {
	if n, ok := names[id]; ok {
		return n
	}
	return "unknown"
}

// PubLast is the highest ID the core reserves for its own well-known
// message family; a Driver allocating its own private relay ids should
// start above it, mirroring the original engine's Module::PubLast split
// between public and internal-only discriminators.
const PubLast = ChanTransfer
