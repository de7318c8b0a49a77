package endpoint

import (
	"time"

	"go.uber.org/zap"

	"snchub/internal/link"
	"snchub/internal/obs"
	"snchub/internal/wire"
)

// tickLookups drives every remote service record's lookup state
// machine one step (§4.7 "Remote-service lookup state machine").
func (e *Endpoint) tickLookups() {
	e.stateMu.Lock()
	lk := e.lk
	e.stateMu.Unlock()
	if lk == nil {
		return
	}

	e.mu.Lock()
	now := time.Now()
	type action struct {
		rec    *serviceRecord
		remove bool
	}
	var toSend []action
	var toFinalize []*serviceRecord
	for _, rec := range e.services {
		if rec.location != LocationRemote {
			continue
		}
		switch rec.lookup {
		case lookupLook:
			if !rec.enabled && !rec.removePending {
				continue
			}
			rec.targetUID, rec.targetPort, rec.seqID = 0, 0, 0
			rec.lookup = lookupLooking
			rec.lastLookupSent = now
			toSend = append(toSend, action{rec, false})
		case lookupLooking:
			if !rec.enabled {
				continue
			}
			if now.Sub(rec.lastLookupSent) >= LookupInterval {
				rec.lastLookupSent = now
				toSend = append(toSend, action{rec, false})
			}
		case lookupRegistered:
			if !rec.enabled {
				continue
			}
			if now.Sub(rec.lastReplyTime) >= RefreshTimeout {
				rec.lookup = lookupLook
				continue
			}
			if now.Sub(rec.lastLookupSent) >= RefreshInterval {
				rec.lastLookupSent = now
				toSend = append(toSend, action{rec, false})
			}
		case lookupRemove:
			rec.lookup = lookupRemoving
			rec.lastLookupSent = now
			rec.closingRetries = 0
			toSend = append(toSend, action{rec, true})
		case lookupRemoving:
			if rec.removeConfirmed {
				toFinalize = append(toFinalize, rec)
				continue
			}
			if now.Sub(rec.lastLookupSent) < LookupInterval {
				continue
			}
			rec.closingRetries++
			if rec.closingRetries > MaxClosingRetries {
				toFinalize = append(toFinalize, rec)
				continue
			}
			rec.lastLookupSent = now
			toSend = append(toSend, action{rec, true})
		}
	}
	e.mu.Unlock()

	for _, a := range toSend {
		e.sendLookup(lk, a.rec, a.remove)
	}
	for _, rec := range toFinalize {
		e.finalizeRemoval(rec)
	}
}

func (e *Endpoint) sendLookup(lk *link.Link, rec *serviceRecord, remove bool) {
	hdr := wire.E2EHeader{SourceUID: uint64(e.self), SourcePort: rec.port}
	resp := uint8(0)
	if remove {
		resp = wire.LookupRemove
	}
	lrec := wire.LookupRecord{ServicePath: rec.path, Kind: rec.kind, Response: resp}
	body := hdr.Append(nil)
	body = append(body, lrec.Encode()...)
	if err := lk.Send(wire.CmdServiceLookupReq, wire.PriMed, body); err != nil {
		obs.L().Debug("endpoint: lookup send failed", zap.String("path", rec.path), zap.Error(err))
	}
}

func (e *Endpoint) finalizeRemoval(rec *serviceRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec.removeFull {
		delete(e.services, rec.port)
		return
	}
	rec.enabled = false
	rec.lookup = lookupLook
	rec.removePending = false
}
