package hub

import (
	"time"

	"go.uber.org/zap"

	"snchub/internal/directory"
	"snchub/internal/obs"
	"snchub/internal/uid"
	"snchub/internal/wire"
)

// process implements the Hub's demultiplexer (§4.6 "Process"): one
// call per message dequeued from c's Link.
func (h *Hub) process(c *hubConn, cmd uint16, priority uint8, body []byte) {
	c.mu.Lock()
	c.rxWindow += uint64(wire.EnvelopeLen + len(body))
	c.mu.Unlock()

	switch cmd {
	case wire.CmdHeartbeat:
		h.handleHeartbeat(c, body)
	case wire.CmdMulticastMessage:
		h.handleMulticastMessage(body)
	case wire.CmdMulticastAck:
		h.handleMulticastAck(body)
	case wire.CmdServiceLookupReq:
		h.handleLookupRequest(c, priority, body)
	case wire.CmdServiceLookupResp:
		h.handleLookupResponse(c, body)
	case wire.CmdE2E:
		h.handleE2E(priority, body)
	case wire.CmdDirectoryRequest:
		h.handleDirectoryRequest(c)
	case wire.CmdDirectoryResponse:
		h.handleDirectoryDE(c, body)
	default:
		obs.L().Warn("hub: unknown command", zap.Int("conn", c.id), zap.Uint16("cmd", cmd))
	}
}

func (h *Hub) handleHeartbeat(c *hubConn, body []byte) {
	hb, err := wire.DecodeHeartbeatBody(body)
	if err != nil {
		obs.L().Warn("hub: malformed heartbeat", zap.Int("conn", c.id), zap.Error(err))
		return
	}

	c.mu.Lock()
	first := c.state == stateWaitingHeartbeat
	c.mu.Unlock()

	if first {
		if c.kind == kindTunnel {
			if hb.ComponentType != "hub" {
				obs.L().Warn("hub: non-hub heartbeat on tunnel port, closing", zap.Int("conn", c.id))
				h.closeConn(c.id)
				return
			}
			if !h.isValidTunnelSource(hb.UID) {
				obs.L().Warn("hub: tunnel source not in allow-list, closing", zap.Int("conn", c.id), zap.String("uid", hb.UID.String()))
				h.closeConn(c.id)
				return
			}
		}
		c.mu.Lock()
		c.peerUID = hb.UID
		c.state = stateNormal
		c.mu.Unlock()
		h.trie.Add(hb.UID, c.id)
		obs.L().Info("hub: connection normal", zap.Int("conn", c.id), zap.String("uid", hb.UID.String()))
	}

	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	peer := c.peerUID
	c.mu.Unlock()

	if len(hb.DE) > 0 {
		if _, err := h.dir.ProcessDE(c.id, hb.DE, peer); err != nil {
			obs.L().Warn("hub: bad directory entry on heartbeat", zap.Int("conn", c.id), zap.Error(err))
		}
	}
}

func (h *Hub) handleMulticastMessage(body []byte) {
	hdr, payload, err := wire.DecodeE2EHeader(body)
	if err != nil {
		obs.L().Warn("hub: malformed multicast message", zap.Error(err))
		return
	}
	if err := h.mcast.ForwardMulticast(uid.UID(hdr.SourceUID), int(hdr.SourcePort), hdr.Seq, payload); err != nil {
		obs.L().Warn("hub: multicast forward failed", zap.Error(err))
	}
}

func (h *Hub) handleMulticastAck(body []byte) {
	hdr, _, err := wire.DecodeE2EHeader(body)
	if err != nil {
		obs.L().Warn("hub: malformed multicast ack", zap.Error(err))
		return
	}
	if err := h.mcast.ProcessAck(int(hdr.DestPort), uid.UID(hdr.SourceUID), hdr.SourcePort, hdr.Seq); err != nil {
		obs.L().Warn("hub: multicast ack unmatched", zap.Error(err))
	}
}

func (h *Hub) handleE2E(priority uint8, body []byte) {
	hdr, _, err := wire.DecodeE2EHeader(body)
	if err != nil {
		obs.L().Warn("hub: malformed e2e frame", zap.Error(err))
		return
	}
	c := h.connFor(uid.UID(hdr.DestUID))
	if c == nil {
		obs.L().Warn("hub: unroutable e2e destination", zap.String("dest", uid.UID(hdr.DestUID).String()))
		return
	}
	if err := c.send(wire.CmdE2E, priority, body); err != nil {
		obs.L().Debug("hub: e2e forward failed", zap.Error(err))
	}
}

func (h *Hub) handleLookupRequest(c *hubConn, priority uint8, body []byte) {
	hdr, rest, err := wire.DecodeE2EHeader(body)
	if err != nil {
		obs.L().Warn("hub: malformed lookup request", zap.Error(err))
		return
	}
	rec, err := wire.DecodeLookupRecord(rest)
	if err != nil {
		obs.L().Warn("hub: malformed lookup record", zap.Error(err))
		return
	}

	mode := directory.LookupResolve
	if rec.Response == wire.LookupRemove {
		mode = directory.LookupRemoveReq
	}
	resolved, err := h.dir.FindService(rec.ServicePath, directory.ServiceKind(rec.Kind), uid.UID(hdr.SourceUID), hdr.SourcePort, nil, mode)
	if err == nil || mode == directory.LookupRemoveReq {
		h.replyLookup(c, hdr, rec, resolved, err == nil)
		return
	}

	if c.kind != kindTunnel && h.forwardLookupAcrossTunnels(c.id, hdr, rec) {
		return
	}
	h.replyLookup(c, hdr, rec, directory.ResolvedService{}, false)
}

func (h *Hub) replyLookup(c *hubConn, reqHdr wire.E2EHeader, rec wire.LookupRecord, resolved directory.ResolvedService, ok bool) {
	resp := rec
	if ok {
		resp.Response = wire.LookupSucceed
		resp.LookupUID = uint64(resolved.UID)
		resp.ComponentIndex = uint16(resolved.ConnIndex)
		resp.SequenceID = resolved.SeqID
		resp.RemotePort = resolved.Port
	} else {
		resp.Response = wire.LookupFail
	}
	respHdr := wire.E2EHeader{
		SourceUID:  uint64(h.uid),
		DestUID:    reqHdr.SourceUID,
		SourcePort: reqHdr.DestPort,
		DestPort:   reqHdr.SourcePort,
		Seq:        reqHdr.Seq,
	}
	body := respHdr.Append(nil)
	body = append(body, resp.Encode()...)
	if err := c.send(wire.CmdServiceLookupResp, wire.PriMedHigh, body); err != nil {
		obs.L().Debug("hub: lookup reply failed", zap.Error(err))
	}
}

// forwardLookupAcrossTunnels broadcasts an unresolved lookup onto every
// tunnel connection and remembers the requester so the eventual
// service-lookup-response (handled by handleLookupResponse) can be
// routed back to it.
func (h *Hub) forwardLookupAcrossTunnels(requesterConn int, hdr wire.E2EHeader, rec wire.LookupRecord) bool {
	h.mu.RLock()
	var tunnels []*hubConn
	for _, c := range h.conns {
		if c.kind == kindTunnel {
			tunnels = append(tunnels, c)
		}
	}
	h.mu.RUnlock()
	if len(tunnels) == 0 {
		return false
	}

	key := rec.ServicePath
	h.pendingMu.Lock()
	h.pending[key] = pendingLookup{requesterConn: requesterConn, hdr: hdr}
	h.pendingMu.Unlock()

	fwdHdr := wire.E2EHeader{SourceUID: uint64(h.uid), DestUID: hdr.DestUID, SourcePort: hdr.SourcePort, DestPort: hdr.DestPort, Seq: hdr.Seq}
	body := fwdHdr.Append(nil)
	body = append(body, rec.Encode()...)
	for _, t := range tunnels {
		_ = t.send(wire.CmdServiceLookupReq, wire.PriMed, body)
	}
	return true
}

func (h *Hub) handleLookupResponse(c *hubConn, body []byte) {
	_, rest, err := wire.DecodeE2EHeader(body)
	if err != nil {
		obs.L().Warn("hub: malformed lookup response", zap.Error(err))
		return
	}
	rec, err := wire.DecodeLookupRecord(rest)
	if err != nil {
		obs.L().Warn("hub: malformed lookup record in response", zap.Error(err))
		return
	}

	h.pendingMu.Lock()
	p, ok := h.pending[rec.ServicePath]
	if ok {
		delete(h.pending, rec.ServicePath)
	}
	h.pendingMu.Unlock()
	if !ok {
		return
	}

	h.mu.RLock()
	requester := h.conns[p.requesterConn]
	h.mu.RUnlock()
	if requester == nil {
		return
	}
	respHdr := wire.E2EHeader{SourceUID: p.hdr.DestUID, DestUID: p.hdr.SourceUID, SourcePort: p.hdr.DestPort, DestPort: p.hdr.SourcePort, Seq: p.hdr.Seq}
	out := respHdr.Append(nil)
	out = append(out, rec.Encode()...)
	_ = requester.send(wire.CmdServiceLookupResp, wire.PriMedHigh, out)
}

func (h *Hub) handleDirectoryRequest(c *hubConn) {
	trunk := c.kind == kindTunnel
	de := h.dir.BuildDirectory(trunk, h.tunnelConnSet(), h.ownDE())
	if err := c.send(wire.CmdDirectoryResponse, wire.PriMed, de); err != nil {
		obs.L().Debug("hub: directory reply failed", zap.Int("conn", c.id), zap.Error(err))
	}
}

func (h *Hub) handleDirectoryDE(c *hubConn, body []byte) {
	c.mu.Lock()
	peer := c.peerUID
	c.mu.Unlock()
	if _, err := h.dir.ProcessDE(c.id, body, peer); err != nil {
		obs.L().Warn("hub: bad directory entry", zap.Int("conn", c.id), zap.Error(err))
	}
}
