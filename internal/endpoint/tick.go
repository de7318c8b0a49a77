package endpoint

import (
	"time"

	"go.uber.org/zap"

	"snchub/internal/beacon"
	"snchub/internal/obs"
	"snchub/internal/wire"
)

// tick runs one pass of the background task list (§4.7 "Background
// tasks"): the link itself is pumped continuously by RunTX/RunRX on
// their own goroutines, so this only drives timers.
func (e *Endpoint) tick() {
	e.maybeSendHeartbeat()
	e.tickLookups()
	e.maybeSendDirectoryRequest()
	e.maybeRevert()
}

func (e *Endpoint) maybeSendHeartbeat() {
	e.stateMu.Lock()
	due := time.Since(e.lastHeartbeatSent) >= e.heartbeatInterval
	e.stateMu.Unlock()
	if due {
		e.sendHeartbeat()
	}
}

func (e *Endpoint) maybeSendDirectoryRequest() {
	e.stateMu.Lock()
	lk := e.lk
	want := e.requestDirectory
	if want {
		e.requestDirectory = false
	}
	e.stateMu.Unlock()
	if !want || lk == nil {
		return
	}
	if err := lk.Send(wire.CmdDirectoryRequest, wire.PriMed, nil); err != nil {
		obs.L().Debug("endpoint: directory request failed", zap.Error(err))
	}
}

// maybeRevert implements §4.7's reversion clause: if control-revert is
// enabled and a higher-priority Hub has been seen since connecting,
// the current link is torn down so Run's outer loop reconnects. Which
// Hub the next connect attempt lands on is left to ordinary discovery
// (see DESIGN.md).
func (e *Endpoint) maybeRevert() {
	if !e.reversionEnabled {
		return
	}
	e.stateMu.Lock()
	revert := e.revertPending
	lk := e.lk
	e.stateMu.Unlock()
	if revert && lk != nil {
		obs.L().Info("endpoint: reverting to higher-priority hub")
		_ = lk.Close()
	}
}

// startReversionWatch runs a beacon listener for the duration of one
// session, flagging revertPending the first time a higher-priority
// Hub than the one currently attached is observed.
func (e *Endpoint) startReversionWatch(stop <-chan struct{}) {
	if !e.reversionEnabled {
		return
	}
	l, err := beacon.NewListener(e.cfg.Parameters.BeaconBasePort, e.cfg.Parameters.Adapter, func(ev beacon.StatusEvent) {
		if ev.Status != beacon.StatusUp {
			return
		}
		e.stateMu.Lock()
		if int(ev.Hello.Priority) > e.hubPriority {
			e.revertPending = true
		}
		e.stateMu.Unlock()
	})
	if err != nil {
		return
	}
	go func() {
		l.Run(stop)
		l.Close()
	}()
}
