package driver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arzzra/pbxcore/pkg/bus"
)

func TestChannelCompleteFillsParams(t *testing.T) {
	b := bus.NewMemoryBus()
	d := newTestDriver(b)
	ch := NewChannel(d, d.NextID(), false)
	ch.SetAddress("1000")
	d.insertChannel(ch)

	msg := bus.New("test")
	ch.Complete(msg, false)

	require.Equal(t, ch.ID(), msg.Param("id", ""))
	require.Equal(t, StatusIncoming, msg.Param("status", ""))
	require.Equal(t, "1000", msg.Param("address", ""))
	_, hasPeer := msg.Params().Get("peerid")
	require.False(t, hasPeer)
}

func TestChannelCompleteMinimalOmitsTargetAndPeer(t *testing.T) {
	b := bus.NewMemoryBus()
	d := newTestDriver(b)
	a := NewChannel(d, d.NextID(), false)
	peer := NewChannel(d, d.NextID(), true)
	d.insertChannel(a)
	d.insertChannel(peer)
	a.Connect(peer.CallEndpoint, "setup")

	msg := bus.New("test")
	a.Complete(msg, true)
	_, hasPeer := msg.Params().Get("peerid")
	require.False(t, hasPeer)

	msg2 := bus.New("test")
	a.Complete(msg2, false)
	require.Equal(t, peer.ID(), msg2.Param("peerid", ""))
}

func TestChannelSetDebugRecognisesGrammar(t *testing.T) {
	b := bus.NewMemoryBus()
	d := newTestDriver(b)
	ch := NewChannel(d, d.NextID(), false)

	require.True(t, ch.SetDebug("on"))
	require.True(t, ch.SetDebug("reset"))
	require.False(t, ch.SetDebug("nonsense"))
}

func TestChannelNewMessageBindsSelfWhenRequested(t *testing.T) {
	b := bus.NewMemoryBus()
	d := newTestDriver(b)
	ch := NewChannel(d, d.NextID(), false)
	d.insertChannel(ch)

	msg := ch.NewMessage("chan.disconnected", true, true)
	require.Equal(t, ch, msg.UserData())
	msg.Close()
}

// MsgProgress/MsgRinging/MsgAnswered are only valid while a channel is
// incoming; once routed they must reject the stray external message.
func TestCallControlMessagesRejectWrongState(t *testing.T) {
	b := bus.NewMemoryBus()
	d := newTestDriver(b)
	ch := NewChannel(d, d.NextID(), false)
	d.insertChannel(ch)

	require.True(t, ch.MsgProgress(bus.New("call.progress")))
	require.Equal(t, StatusProgressing, ch.Status())

	ch.CallRouted(bus.New("call.route"))
	require.False(t, ch.MsgRinging(bus.New("call.ringing")))
	require.False(t, ch.MsgAnswered(bus.New("call.answered")))
}
