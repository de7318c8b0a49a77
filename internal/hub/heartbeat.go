package hub

import (
	"time"

	"go.uber.org/zap"

	"snchub/internal/obs"
	"snchub/internal/wire"
)

const rateWindow = 2 * time.Second

// runTickers drives heartbeat generation, the liveness sweep and rate
// accounting from a single ticker loop, matching the one-tick-does-
// everything shape of each worker's background task (§4.6, §5).
func (h *Hub) runTickers(stop <-chan struct{}) {
	hbTicker := time.NewTicker(h.heartbeatInterval)
	rateTicker := time.NewTicker(rateWindow)
	defer hbTicker.Stop()
	defer rateTicker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-hbTicker.C:
			h.tickHeartbeats()
			h.tickLiveness()
		case <-rateTicker.C:
			h.tickRates()
		}
	}
}

// tickHeartbeats sends one heartbeat per connection, with a full DE
// attached every tenth tick (§4.6 "Heartbeat generation").
func (h *Hub) tickHeartbeats() {
	for _, c := range h.snapshotConns() {
		c.mu.Lock()
		c.heartbeatTicks++
		full := c.heartbeatTicks%10 == 0
		c.mu.Unlock()

		var de []byte
		if full {
			de = h.dir.BuildDirectory(c.kind == kindTunnel, h.tunnelConnSet(), h.ownDE())
		}
		hb := wire.HeartbeatBody{UID: h.uid, ComponentType: "hub", DE: de}
		if err := c.send(wire.CmdHeartbeat, wire.PriMedHigh, hb.Encode()); err != nil {
			obs.L().Debug("hub: heartbeat send failed", zap.Int("conn", c.id), zap.Error(err))
		}
	}
}

// tickLiveness closes any connection whose last heartbeat is older
// than HEARTBEAT_INTERVAL * HEARTBEAT_TIMEOUT (§4.6 "Liveness", §8).
func (h *Hub) tickLiveness() {
	deadline := h.heartbeatInterval * time.Duration(h.heartbeatTimeout)
	now := time.Now()
	for _, c := range h.snapshotConns() {
		c.mu.Lock()
		stale := now.Sub(c.lastHeartbeat) > deadline
		c.mu.Unlock()
		if stale {
			obs.L().Info("hub: connection timed out", zap.Int("conn", c.id))
			h.closeConn(c.id)
		}
	}
}

// tickRates folds the two-second accumulators into a bytes/sec rate
// and resets them for the next window (§4.6 "Local-service rate
// accounting").
func (h *Hub) tickRates() {
	seconds := rateWindow.Seconds()
	for _, c := range h.snapshotConns() {
		c.mu.Lock()
		c.rxRate = float64(c.rxWindow) / seconds
		c.txRate = float64(c.txWindow) / seconds
		c.rxWindow, c.txWindow = 0, 0
		c.mu.Unlock()
	}
}

func (h *Hub) snapshotConns() []*hubConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*hubConn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}
