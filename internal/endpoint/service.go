package endpoint

import (
	"errors"
	"time"

	"snchub/internal/mcast"
	"snchub/internal/uid"
	"snchub/internal/wire"
)

// Location distinguishes a service this endpoint publishes (Local)
// from one it subscribes to on another component (Remote), per the
// service-record shape of §4.7's "Endpoint service record".
type Location int

const (
	LocationLocal Location = iota
	LocationRemote
)

// Remote-service lookup state machine states (§4.7).
type lookupState int

const (
	lookupLook lookupState = iota
	lookupLooking
	lookupRegistered
	lookupRemove
	lookupRemoving
)

// Timers governing the remote lookup FSM (§4.7, §8).
const (
	LookupInterval    = 2 * time.Second
	RefreshInterval   = 10 * time.Second
	RefreshTimeout    = 30 * time.Second
	MaxClosingRetries = 3
)

const maxServicePorts = 1 << 16

var (
	ErrPathTooLong   = errors.New("endpoint: service path exceeds length limit")
	ErrNoFreeSlot    = errors.New("endpoint: no free service slot")
	ErrSlotNotInUse  = errors.New("endpoint: slot not in use")
	ErrNotLocal      = errors.New("endpoint: not a local service")
	ErrNotRemote     = errors.New("endpoint: not a remote service")
	ErrNotActive     = errors.New("endpoint: service not active")
	ErrNotRegistered = errors.New("endpoint: remote service not registered")
)

// serviceRecord is one local or remote service slot (§4.7 "Endpoint
// service record").
type serviceRecord struct {
	port     uint16
	path     string
	kind     uint8 // wire.KindMulticast or wire.KindE2E
	location Location
	enabled  bool

	removePending   bool
	removeFull      bool
	removeConfirmed bool

	// local
	active       bool // local multicast Active state
	wirePort     uint16
	sendSeq      uint8
	lastAckSeq   uint8
	lastSendTime time.Time

	// remote
	lookup          lookupState
	targetUID       uid.UID
	targetPort      uint16
	seqID           uint32
	lastLookupSent  time.Time
	lastReplyTime   time.Time
	closingRetries  int
	lastRecvSeq     uint8
	haveLastRecvSeq bool
}

// AddService allocates a new service slot and returns its port (the
// slot index). A path of wire.ServicePathLen bytes or more is rejected
// with ErrPathTooLong.
func (e *Endpoint) AddService(path string, kind uint8, location Location, enabled bool) (uint16, error) {
	if len(path) >= wire.ServicePathLen {
		return 0, ErrPathTooLong
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	port, ok := e.freePortLocked()
	if !ok {
		return 0, ErrNoFreeSlot
	}
	rec := &serviceRecord{
		port:     port,
		path:     path,
		kind:     kind,
		location: location,
		enabled:  enabled,
		wirePort: port,
	}
	if location == LocationRemote && enabled {
		rec.lookup = lookupLook
	}
	e.services[port] = rec
	return port, nil
}

func (e *Endpoint) freePortLocked() (uint16, bool) {
	for p := e.nextPort; int(p) < maxServicePorts; p++ {
		if _, used := e.services[p]; !used {
			e.nextPort = p + 1
			return p, true
		}
	}
	for p := uint16(0); p < e.nextPort; p++ {
		if _, used := e.services[p]; !used {
			return p, true
		}
	}
	return 0, false
}

// Enable transitions a slot's enable state, kicking off the lookup
// state machine for a remote slot that was not already resolving.
func (e *Endpoint) Enable(port uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.services[port]
	if !ok {
		return ErrSlotNotInUse
	}
	rec.enabled = true
	if rec.location == LocationRemote && rec.lookup != lookupLooking && rec.lookup != lookupRegistered {
		rec.lookup = lookupLook
	}
	return nil
}

// Disable transitions a slot to disabled. A local service becomes
// inactive; a remote service stops resending lookups but keeps any
// cached resolution.
func (e *Endpoint) Disable(port uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.services[port]
	if !ok {
		return ErrSlotNotInUse
	}
	rec.enabled = false
	if rec.location == LocationLocal {
		rec.active = false
	}
	return nil
}

// Remove asks for a slot's removal (§4.7 "Remove"). A local slot is
// freed immediately; a remote slot is deferred until the Removing
// state's confirmation arrives (handled by the lookup tick).
func (e *Endpoint) Remove(port uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.services[port]
	if !ok {
		return ErrSlotNotInUse
	}
	if rec.location == LocationLocal {
		delete(e.services, port)
		return nil
	}
	rec.removePending = true
	rec.removeFull = true
	rec.lookup = lookupRemove
	return nil
}

// ClearToSend reports whether a local multicast service may send a
// frame right now: within the flow-control window, or the last send
// is old enough to force the sender to try regardless (§4.7).
func (e *Endpoint) ClearToSend(port uint16) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.services[port]
	if !ok {
		return false, ErrSlotNotInUse
	}
	if rec.location != LocationLocal || rec.kind != wire.KindMulticast {
		return false, ErrNotLocal
	}
	if !rec.active {
		return false, ErrNotActive
	}
	if uint8(rec.sendSeq-rec.lastAckSeq) < mcast.DefaultWindow {
		return true, nil
	}
	return time.Since(rec.lastSendTime) >= mcast.DefaultUnstickTimeout, nil
}

// SendMessage emits payload on port's service, stamping a sequence
// number for a local multicast service (§4.7).
func (e *Endpoint) SendMessage(port uint16, payload []byte, priority uint8) error {
	e.mu.Lock()
	rec, ok := e.services[port]
	if !ok {
		e.mu.Unlock()
		return ErrSlotNotInUse
	}

	var hdr wire.E2EHeader
	var cmd uint16
	switch {
	case rec.location == LocationLocal && rec.kind == wire.KindMulticast:
		hdr = wire.E2EHeader{SourceUID: uint64(e.self), SourcePort: rec.wirePort, Seq: rec.sendSeq}
		rec.sendSeq++
		rec.lastSendTime = time.Now()
		cmd = wire.CmdMulticastMessage
	case rec.location == LocationRemote:
		if rec.lookup != lookupRegistered {
			e.mu.Unlock()
			return ErrNotRegistered
		}
		hdr = wire.E2EHeader{SourceUID: uint64(e.self), DestUID: uint64(rec.targetUID), SourcePort: rec.port, DestPort: rec.targetPort}
		cmd = wire.CmdE2E
	default:
		e.mu.Unlock()
		return ErrNotLocal
	}
	e.mu.Unlock()

	e.stateMu.Lock()
	lk := e.lk
	e.stateMu.Unlock()
	if lk == nil {
		return errNotConnected
	}
	body := hdr.Append(make([]byte, 0, wire.E2EHeaderLen+len(payload)))
	body = append(body, payload...)
	return lk.Send(cmd, priority, body)
}

// SendMulticastAck acks the most recently received frame on a remote,
// Registered multicast service with frame.seq + 1 (§4.7).
func (e *Endpoint) SendMulticastAck(port uint16) error {
	e.mu.Lock()
	rec, ok := e.services[port]
	if !ok {
		e.mu.Unlock()
		return ErrSlotNotInUse
	}
	if rec.location != LocationRemote || rec.kind != wire.KindMulticast {
		e.mu.Unlock()
		return ErrNotRemote
	}
	if rec.lookup != lookupRegistered {
		e.mu.Unlock()
		return ErrNotRegistered
	}
	hdr := wire.E2EHeader{
		SourceUID:  uint64(e.self),
		DestUID:    uint64(rec.targetUID),
		SourcePort: rec.port,
		DestPort:   rec.targetPort,
		Seq:        rec.lastRecvSeq + 1,
	}
	e.mu.Unlock()

	e.stateMu.Lock()
	lk := e.lk
	e.stateMu.Unlock()
	if lk == nil {
		return errNotConnected
	}
	return lk.Send(wire.CmdMulticastAck, wire.PriMedHigh, hdr.Append(nil))
}

var errNotConnected = errors.New("endpoint: not connected")
