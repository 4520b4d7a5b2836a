package module

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arzzra/pbxcore/pkg/bus"
)

type fakeHandler struct {
	header    string
	status    string
	debugLine string
	debugOK   bool
}

func (h *fakeHandler) Header() string      { return h.header }
func (h *fakeHandler) StatusLine() string  { return h.status }
func (h *fakeHandler) SetDebug(l string) bool {
	h.debugLine = l
	return h.debugOK
}

func TestInstallRelayIsIdempotent(t *testing.T) {
	b := bus.NewMemoryBus()
	m := New("test", &fakeHandler{}, nil)
	m.SetBus(b)

	require.True(t, m.InstallRelay(EngineStatus.Name(), EngineStatus, 100))
	require.True(t, m.InstallRelay(EngineStatus.Name(), EngineStatus, 100))

	calls := &counter{}
	b.Install(bus.NewRelay(EngineStatus.Name(), calls, int(EngineStatus)+1000, 50))
	b.Dispatch(bus.New(EngineStatus.Name()))
	require.Equal(t, 1, calls.n)
}

// counter is a bus.Receiver that counts how many times it was dispatched
// to and always lets dispatch continue.
type counter struct{ n int }

func (c *counter) Received(msg *bus.Message, id int) bool {
	c.n++
	return false
}

func TestEngineStatusProducesHeaderAndBody(t *testing.T) {
	b := bus.NewMemoryBus()
	h := &fakeHandler{header: "name=test,type=module", status: "chans=0"}
	m := New("test", h, nil)
	m.Setup(b)

	msg := bus.New(EngineStatus.Name())
	b.Dispatch(msg)
	require.Equal(t, "name=test,type=module;chans=0", msg.ReturnValue())
}

func TestEngineStatusFallsBackToDefaultHeader(t *testing.T) {
	b := bus.NewMemoryBus()
	h := &fakeHandler{status: "idle"}
	m := New("widget", h, nil)
	m.Setup(b)

	msg := bus.New(EngineStatus.Name())
	b.Dispatch(msg)
	require.Equal(t, "name=widget,type=module;idle", msg.ReturnValue())
}

func TestEngineDebugDelegatesToHandler(t *testing.T) {
	b := bus.NewMemoryBus()
	h := &fakeHandler{debugOK: true}
	m := New("test", h, nil)
	m.Setup(b)

	msg := bus.New(EngineDebug.Name())
	msg.SetParam("line", "reset")
	require.True(t, b.Dispatch(msg))
	require.Equal(t, "reset", h.debugLine)
}

func TestChangedDebouncesUntilQuietPeriodElapses(t *testing.T) {
	b := bus.NewMemoryBus()
	m := New("test", &fakeHandler{}, nil)
	m.SetQuietPeriod(10 * time.Millisecond)
	m.Setup(b)

	m.Changed()
	// Immediately after Changed, the quiet period has not elapsed.
	b.Dispatch(bus.New(EngineTimer.Name()))

	time.Sleep(15 * time.Millisecond)
	updates := &counter{}
	b.Install(bus.NewRelay("module.update", updates, 1, 10))
	b.Dispatch(bus.New(EngineTimer.Name()))
	b.Wait()
	require.Equal(t, 1, updates.n)

	// A second immediate tick must not fire again: Changed was cleared.
	b.Dispatch(bus.New(EngineTimer.Name()))
	b.Wait()
	require.Equal(t, 1, updates.n)
}

func TestUnrecognisedIDLogsAndReturnsFalse(t *testing.T) {
	m := New("test", &fakeHandler{}, nil)
	require.False(t, m.Received(bus.New("whatever"), ID(99999)))
}
