package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fnReceiver struct {
	fn func(msg *Message, id int) bool
}

func (f fnReceiver) Received(msg *Message, id int) bool { return f.fn(msg, id) }

func TestMemoryBusDispatchOrdersByPriority(t *testing.T) {
	b := NewMemoryBus()
	var order []int

	low := NewRelay("ping", fnReceiver{func(msg *Message, id int) bool {
		order = append(order, id)
		return false
	}}, 1, 50)
	high := NewRelay("ping", fnReceiver{func(msg *Message, id int) bool {
		order = append(order, id)
		return false
	}}, 2, 10)
	b.Install(low)
	b.Install(high)

	b.Dispatch(New("ping"))
	require.Equal(t, []int{2, 1}, order)
}

func TestMemoryBusDispatchStopsOnTrue(t *testing.T) {
	b := NewMemoryBus()
	var calls int
	first := NewRelay("x", fnReceiver{func(msg *Message, id int) bool {
		calls++
		return true
	}}, 1, 10)
	second := NewRelay("x", fnReceiver{func(msg *Message, id int) bool {
		calls++
		return true
	}}, 2, 20)
	b.Install(first)
	b.Install(second)

	require.True(t, b.Dispatch(New("x")))
	require.Equal(t, 1, calls)
}

func TestMemoryBusUninstall(t *testing.T) {
	b := NewMemoryBus()
	r := NewRelay("y", fnReceiver{func(msg *Message, id int) bool { return true }}, 1, 10)
	b.Install(r)
	b.Uninstall(r)
	require.False(t, b.Dispatch(New("y")))
}

func TestMemoryBusEnqueueRunsAsynchronously(t *testing.T) {
	b := NewMemoryBus()
	done := make(chan struct{}, 1)
	r := NewRelay("z", fnReceiver{func(msg *Message, id int) bool {
		done <- struct{}{}
		return true
	}}, 1, 10)
	b.Install(r)

	b.Enqueue(New("z"))
	b.Wait()
	select {
	case <-done:
	default:
		t.Fatal("expected relay to have run after Wait")
	}
}

func TestMessageBindOwnedRetainsAndReleases(t *testing.T) {
	r := &countingRetainable{}
	msg := New("m")
	msg.BindOwned(r)
	require.Equal(t, 1, r.retains)

	msg.BindOwned(nil)
	require.Equal(t, 1, r.releases)
}

func TestMessageCloseReleasesOwnedUserData(t *testing.T) {
	r := &countingRetainable{}
	msg := New("m")
	msg.BindOwned(r)
	msg.Close()
	require.Equal(t, 1, r.releases)
}

func TestMessageSetUserDataDoesNotRetain(t *testing.T) {
	r := &countingRetainable{}
	msg := New("m")
	msg.SetUserData(r)
	msg.Close()
	require.Equal(t, 0, r.retains)
	require.Equal(t, 0, r.releases)
}

func TestMessageRename(t *testing.T) {
	msg := New("chan.masquerade")
	msg.SetParam("message", "call.drop")
	msg.Rename(msg.Param("message", ""))
	msg.ClearParam("message")

	require.Equal(t, "call.drop", msg.Name())
	_, ok := msg.Params().Get("message")
	require.False(t, ok)
}

type countingRetainable struct {
	retains  int
	releases int
}

func (c *countingRetainable) Retain()  { c.retains++ }
func (c *countingRetainable) Release() { c.releases++ }
