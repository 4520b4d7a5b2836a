package driver

import (
	"context"
	"strconv"
	"time"

	"github.com/arzzra/pbxcore/pkg/bus"
	"github.com/arzzra/pbxcore/pkg/logging"
	"github.com/looplab/fsm"
)

// routerPhase names the looplab/fsm states used purely for observability
// of one Router run — they gate nothing; CallRejected/CallRouted/
// CallAccept are reached by plain Go control flow in runRouter. This
// mirrors the teacher soft_phone repo's pkg/dialog/refer_fsm.go use of
// looplab/fsm for a short-lived, single-owner state machine.
const (
	routerPhaseStarted  = "started"
	routerPhaseDispatch = "dispatched"
	routerPhaseDone     = "done"
)

func newRouterFSM() *fsm.FSM {
	return fsm.NewFSM(
		routerPhaseStarted,
		fsm.Events{
			{Name: "dispatch", Src: []string{routerPhaseStarted}, Dst: routerPhaseDispatch},
			{Name: "finish", Src: []string{routerPhaseStarted, routerPhaseDispatch}, Dst: routerPhaseDone},
		},
		nil,
	)
}

// runRouter executes the routing state machine for one inbound call, per
// §4.5. It always runs on its own goroutine, started by StartRouter.
func (d *Driver) runRouter(ch *Channel, execMsg *bus.Message) {
	start := time.Now()
	phase := newRouterFSM()

	d.routingCount.Add(1)
	d.changed()
	d.metrics.RoutingStarted()

	routeMsg := bus.New("call.route")
	defer routeMsg.Close()
	routeMsg.SetParam("id", ch.ID())
	antiloop := execMsg.IntValue("antiloop", defaultAntiloop)
	routeMsg.SetParam("antiloop", strconv.Itoa(antiloop))
	if preRouted := execMsg.Param("route", ""); preRouted != "" {
		routeMsg.SetParam("callto", preRouted)
	}

	var dispatched bool
	if routeMsg.Param("callto", "") == "" {
		_ = phase.Event(context.Background(), "dispatch")
		dispatched = d.bus.Dispatch(routeMsg)
	} else {
		dispatched = true
	}

	if d.lookup(ch.ID()) != ch {
		d.log.Info(context.Background(), "channel vanished during routing", logging.String("id", ch.ID()))
		_ = phase.Event(context.Background(), "finish")
		d.finishRouting(false, start)
		return
	}

	ch.Retain()
	defer ch.Release()
	routeMsg.BindOwned(ch)

	routed := d.classifyRoute(ch, routeMsg, dispatched, antiloop)

	_ = phase.Event(context.Background(), "finish")
	d.finishRouting(routed, start)
	if d.varchan {
		ch.Release()
	}
}

// classifyRoute implements step 4 of §4.5: it returns whether the call
// ended up routed (accepted), for driver.routed accounting.
func (d *Driver) classifyRoute(ch *Channel, routeMsg *bus.Message, dispatched bool, antiloop int) bool {
	switch {
	case !dispatched:
		ch.CallRejected(NewCoreError(KindNoRoute, "No route to call target"), routeMsg)
		return false
	case routeMsg.ReturnValue() == "-":
		kind := KindUnknown
		if e := routeMsg.Param("error", ""); e != "" {
			kind = ErrorKind(e)
		}
		ch.CallRejected(NewCoreError(kind, routeMsg.Param("reason", "")), routeMsg)
		return false
	case routeMsg.IntValue("antiloop", antiloop) <= 0:
		ch.CallRejected(NewCoreError(KindLooping, "Call is looping"), routeMsg)
		return false
	}

	ch.CallRouted(routeMsg)
	routeMsg.Rename("call.execute")
	routeMsg.SetParam("callto", routeMsg.ReturnValue())
	routeMsg.ClearParam("error")
	routeMsg.SetReturnValue("")

	if !d.bus.Dispatch(routeMsg) {
		ch.CallRejected(NewCoreError(KindNoConn, "Could not connect to target"), routeMsg)
		return false
	}
	ch.CallAccept(routeMsg, d.limits.Timeout)
	return true
}

func (d *Driver) finishRouting(routed bool, start time.Time) {
	d.routingCount.Add(-1)
	if routed {
		d.routedCount.Add(1)
	}
	d.changed()
	d.metrics.RoutingFinished(routed, time.Since(start).Seconds())
}
