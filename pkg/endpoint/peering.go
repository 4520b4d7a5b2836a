package endpoint

import (
	"log/slog"
	"os"
	"time"
)

// peeringTimeout bounds how long Connect/Disconnect will wait to acquire
// the peering mutex before declaring a deadlock, per the original spec's
// "acquired with a 5 s bounded timeout; timeout is treated as a fatal
// deadlock (engine restart)".
const peeringTimeout = 5 * time.Second

// OnDeadlock is invoked if the peering mutex cannot be acquired within
// peeringTimeout. The default mirrors the original engine's
// Engine::restart: log at the highest severity and exit the process. A
// host that wants to integrate with its own supervisor (respawn instead
// of hard-exit, drain connections first, ...) should override this at
// startup, before any Connect/Disconnect call can race with it.
var OnDeadlock = func() {
	slog.Error("peering mutex deadlock detected, restarting")
	os.Exit(1)
}

// peeringMutex is a non-reentrant mutex with a bounded acquisition
// timeout, backed by a buffered channel semaphore. It is process-wide: §5
// of the original spec calls the peering mutex "process-wide" and a
// leaf lock — Connect and Disconnect never hold it while calling into
// each other, so no recursive acquisition is ever required.
type peeringMutex struct {
	sem chan struct{}
}

func newPeeringMutex() *peeringMutex {
	m := &peeringMutex{sem: make(chan struct{}, 1)}
	m.sem <- struct{}{}
	return m
}

// lock acquires the mutex, returning false (and invoking OnDeadlock) if
// it could not be acquired within peeringTimeout.
func (m *peeringMutex) lock() bool {
	select {
	case <-m.sem:
		return true
	case <-time.After(peeringTimeout):
		OnDeadlock()
		return false
	}
}

func (m *peeringMutex) unlock() {
	m.sem <- struct{}{}
}

// peering is the single process-wide peering mutex every CallEndpoint
// shares.
var peering = newPeeringMutex()
