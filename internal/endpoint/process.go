package endpoint

import (
	"time"

	"go.uber.org/zap"

	"snchub/internal/directory"
	"snchub/internal/obs"
	"snchub/internal/uid"
	"snchub/internal/wire"
)

// process implements Endpoint's receive demultiplexer (§4.7), invoked
// by the Link's RunRX loop for every framed message.
func (e *Endpoint) process(cmd uint16, priority uint8, body []byte) {
	switch cmd {
	case wire.CmdHeartbeat:
		e.handleHeartbeat(body)
	case wire.CmdDirectoryResponse:
		e.handleDirectory(body)
	case wire.CmdServiceLookupResp:
		e.handleLookupResponse(body)
	case wire.CmdServiceActivate:
		e.handleServiceActivate(body)
	case wire.CmdE2E:
		e.handleData(body, false)
	case wire.CmdMulticastMessage:
		e.handleData(body, true)
	case wire.CmdMulticastAck:
		e.handleMulticastAck(body)
	default:
		obs.L().Debug("endpoint: unknown command", zap.Uint16("cmd", cmd))
	}
}

func (e *Endpoint) handleHeartbeat(body []byte) {
	hb, err := wire.DecodeHeartbeatBody(body)
	if err != nil {
		obs.L().Warn("endpoint: malformed heartbeat", zap.Error(err))
		return
	}
	e.stateMu.Lock()
	e.hubUID = hb.UID
	e.lastHeartbeatRecv = time.Now()
	first := e.state == stateConnected
	if first {
		e.state = stateNormal
	}
	e.stateMu.Unlock()
	if first {
		obs.L().Info("endpoint: hub link normal", zap.String("hub", hb.UID.String()))
	}
	if len(hb.DE) > 0 {
		e.adoptOwnPorts(hb.DE)
	}
}

func (e *Endpoint) handleDirectory(body []byte) {
	e.adoptOwnPorts(body)
	e.recvMu.Lock()
	cb := e.onDirectory
	e.recvMu.Unlock()
	if cb != nil {
		cb(body)
	}
}

// adoptOwnPorts scans a directory/DE for this endpoint's own reflected
// component and adopts the Hub-rewritten wire port for each declared
// local service, so a publisher learns the slot index it must stamp
// as SourcePort on outbound multicast traffic (§4.4, §4.7, DESIGN.md
// "Multicast service port identity").
func (e *Endpoint) adoptOwnPorts(de []byte) {
	docs, _, err := directory.ParseDE(de)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, doc := range docs {
		if doc.UID != e.self {
			continue
		}
		port := uint16(0)
		for _, svc := range doc.Services {
			for _, rec := range e.services {
				if rec.location == LocationLocal && rec.path == svc.Name && rec.kind == uint8(svc.Kind) {
					rec.wirePort = svc.Port
				}
			}
			port++
		}
	}
}

func (e *Endpoint) handleLookupResponse(body []byte) {
	hdr, rest, err := wire.DecodeE2EHeader(body)
	if err != nil {
		obs.L().Warn("endpoint: malformed lookup response", zap.Error(err))
		return
	}
	rec, err := wire.DecodeLookupRecord(rest)
	if err != nil {
		obs.L().Warn("endpoint: malformed lookup record", zap.Error(err))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	svc, ok := e.services[hdr.DestPort]
	if !ok || svc.location != LocationRemote {
		return
	}

	if svc.lookup == lookupRemoving {
		svc.removeConfirmed = true
		return
	}

	switch rec.Response {
	case wire.LookupSucceed:
		changed := svc.targetUID != uid.UID(rec.LookupUID) || svc.targetPort != rec.RemotePort || svc.seqID != rec.SequenceID
		svc.targetUID = uid.UID(rec.LookupUID)
		svc.targetPort = rec.RemotePort
		svc.seqID = rec.SequenceID
		svc.lastReplyTime = time.Now()
		if svc.lookup != lookupRegistered && changed {
			obs.L().Debug("endpoint: service resolved", zap.String("path", svc.path))
		}
		svc.lookup = lookupRegistered
	case wire.LookupFail:
		if svc.lookup == lookupRegistered {
			svc.lookup = lookupLook
		}
		// Looking: per the spec, stay Looking and resend on timeout.
	}
}

func (e *Endpoint) handleServiceActivate(body []byte) {
	hdr, _, err := wire.DecodeE2EHeader(body)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range e.services {
		if rec.location == LocationLocal && rec.kind == wire.KindMulticast && rec.wirePort == hdr.SourcePort {
			rec.active = true
		}
	}
}

func (e *Endpoint) handleData(body []byte, multicast bool) {
	hdr, payload, err := wire.DecodeE2EHeader(body)
	if err != nil {
		obs.L().Warn("endpoint: malformed data frame", zap.Error(err))
		return
	}

	e.mu.Lock()
	rec, ok := e.services[hdr.DestPort]
	if ok && multicast {
		if rec.haveLastRecvSeq && rec.lastRecvSeq == hdr.Seq {
			obs.L().Debug("endpoint: duplicate multicast frame delivered", zap.Uint16("port", hdr.DestPort), zap.Uint8("seq", hdr.Seq))
		}
		rec.lastRecvSeq = hdr.Seq
		rec.haveLastRecvSeq = true
	}
	e.mu.Unlock()
	if !ok {
		obs.L().Debug("endpoint: data for unknown local port", zap.Uint16("port", hdr.DestPort))
		return
	}

	e.recvMu.Lock()
	cb := e.onMessage
	e.recvMu.Unlock()
	if cb != nil {
		cb(hdr.DestPort, uid.UID(hdr.SourceUID), hdr.Seq, payload)
	}
}

func (e *Endpoint) handleMulticastAck(body []byte) {
	hdr, _, err := wire.DecodeE2EHeader(body)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range e.services {
		if rec.location == LocationLocal && rec.wirePort == hdr.DestPort {
			rec.lastAckSeq = hdr.Seq
		}
	}
}
