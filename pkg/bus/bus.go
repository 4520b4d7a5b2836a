package bus

import (
	"sort"
	"sync"

	"github.com/creachadair/taskgroup"
)

// Bus is the contract the core assumes of its message dispatcher:
// Install/Uninstall manage relay bindings, Dispatch runs them
// synchronously in ascending-priority order until one returns true, and
// Enqueue schedules the same dispatch asynchronously and returns
// immediately.
type Bus interface {
	Install(r *Relay)
	Uninstall(r *Relay)
	Dispatch(msg *Message) bool
	Enqueue(msg *Message)
}

// MemoryBus is a minimal, dependency-light reference Bus: enough to drive
// the call-routing core end to end in tests and small deployments.
// Enqueue runs each message on its own goroutine in a
// github.com/creachadair/taskgroup group, with no bound on how many run
// at once, so a burst of asynchronous notifications — chan.disconnected,
// module.update — cannot block the caller that raised them.
type MemoryBus struct {
	mu     sync.RWMutex
	relays map[string][]*Relay
	tasks  *taskgroup.Group
}

// NewMemoryBus returns a MemoryBus with an unbounded worker pool (one
// goroutine per in-flight Enqueue); callers that need a bound should wrap
// Enqueue with their own limiter.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		relays: make(map[string][]*Relay),
		tasks:  taskgroup.New(nil),
	}
}

// Install registers r, keeping the relay list for r.Name sorted by
// ascending priority.
func (b *MemoryBus) Install(r *Relay) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := append(b.relays[r.Name], r)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority < list[j].Priority })
	b.relays[r.Name] = list
}

// Uninstall removes r. It is a no-op if r was never installed.
func (b *MemoryBus) Uninstall(r *Relay) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.relays[r.Name]
	for i, rl := range list {
		if rl == r {
			b.relays[r.Name] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (b *MemoryBus) snapshot(name string) []*Relay {
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := b.relays[name]
	out := make([]*Relay, len(list))
	copy(out, list)
	return out
}

// Dispatch runs every relay installed for msg.Name(), in ascending
// priority order, stopping as soon as one returns true.
func (b *MemoryBus) Dispatch(msg *Message) bool {
	for _, r := range b.snapshot(msg.Name()) {
		if r.Owner.Received(msg, r.ID) {
			return true
		}
	}
	return false
}

// Enqueue dispatches msg asynchronously and closes it afterward. The
// caller must not touch msg again once Enqueue has been called.
func (b *MemoryBus) Enqueue(msg *Message) {
	b.tasks.Go(func() error {
		defer msg.Close()
		b.Dispatch(msg)
		return nil
	})
}

// Wait blocks until every Enqueue call so far has completed dispatch.
// Production code does not normally need this; tests use it to observe
// the effect of an asynchronous notification deterministically.
func (b *MemoryBus) Wait() { b.tasks.Wait() }
