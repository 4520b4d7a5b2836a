// Command enginedemo wires a MemoryBus and two Drivers — the routing
// "demo" driver and a trivial "dumb" far end — then drives one inbound
// call.execute through routing to the answered state, to
// demonstrate end-to-end use of pkg/bus, pkg/module and pkg/driver.
package main

import (
	"fmt"
	"log"
	"time"

	"github.com/arzzra/pbxcore/pkg/bus"
	"github.com/arzzra/pbxcore/pkg/driver"
	"github.com/arzzra/pbxcore/pkg/module"
)

// newDumbDriver builds a second, trivial driver that accepts any
// call.execute addressed to it and does no routing of its own — the far
// end of a demo call.
func newDumbDriver() *driver.Driver {
	return driver.NewDriver(driver.Config{
		Name: "dumb",
		Execute: func(owner *driver.Driver, msg *bus.Message, dest string) (*driver.Channel, bool) {
			ch := driver.NewChannel(owner, owner.NextID(), false)
			ch.SetAddress(dest)
			owner.InsertChannel(ch)
			ch.CallRouted(msg)
			ch.CallAccept(msg, time.Minute)
			return ch, true
		},
	})
}

func main() {
	b := bus.NewMemoryBus()

	dumb := newDumbDriver()
	dumb.Setup(b)

	core := driver.NewDriver(driver.Config{
		Name:   "demo",
		Limits: driver.Limits{Timeout: 30 * time.Second},
	})
	core.Setup(b)

	b.Install(bus.NewRelay("call.route", routeToB{}, 1, 10))

	exec := bus.New(module.CallExecute.Name())
	exec.SetParam("callto", "demo/alice")
	exec.SetParam("autoanswer", "true")

	if !b.Dispatch(exec) {
		log.Fatal("call.execute was not accepted by any driver")
	}

	time.Sleep(50 * time.Millisecond)

	status := bus.New(module.EngineStatus.Name())
	status.SetParam("module", "demo")
	b.Dispatch(status)
	fmt.Println(status.ReturnValue())
}

// routeToB always routes to the dumb driver's "bob" destination.
type routeToB struct{}

func (routeToB) Received(msg *bus.Message, id int) bool {
	msg.SetReturnValue("dumb/bob")
	return true
}
