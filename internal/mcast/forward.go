package mcast

import (
	"time"

	"snchub/internal/uid"
	"snchub/internal/wire"
)

// ForwardMulticast implements §4.5 "Forwarding": validates the frame,
// then for each eligible subscriber clones the payload, rewrites the
// envelope and hands it to the Hub's send path at low priority, before
// emitting a single ack back to the previous hop.
func (m *Manager) ForwardMulticast(sourceUID uid.UID, slotIndex int, seq uint8, payload []byte) error {
	if len(payload) < minPayloadLen {
		return ErrTooShort
	}

	m.mu.Lock()
	if slotIndex < 0 || slotIndex >= len(m.slots) || !m.slots[slotIndex].inUse {
		m.mu.Unlock()
		return ErrSlotNotInUse
	}
	s := &m.slots[slotIndex]
	if s.sourceUID != sourceUID {
		m.mu.Unlock()
		return ErrSourceMismatch
	}
	s.lastRefresh = time.Now()
	prevHop := s.prevHopUID

	now := time.Now()
	for i := range s.subs {
		sub := &s.subs[i]
		if !sub.withinWindow(m.window) {
			if now.Sub(sub.LastSendTime) >= m.unstickTimeout {
				sub.LastAckSeq = sub.SendSeq
			} else {
				continue
			}
		}
		body := append([]byte(nil), payload...)
		sendSeq := sub.SendSeq
		sub.SendSeq++
		sub.LastSendTime = now
		if m.sender != nil {
			_ = m.sender.SendFrame(sub.UID, wire.CmdMulticastMessage, wire.PriLow,
				s.sourceUID, uint16(slotIndex), sub.LocalPort, sendSeq, body)
		}
	}
	m.mu.Unlock()

	if m.sender != nil && prevHop != m.hubUID {
		_ = m.sender.SendFrame(prevHop, wire.CmdMulticastAck, wire.PriMedHigh,
			sourceUID, 0, uint16(slotIndex), seq, nil)
	}
	return nil
}

// ProcessAck implements §4.5 "Ack": locate the slot by destPort,
// locate the subscriber by (sourceUID, sourcePort) and record the ack.
func (m *Manager) ProcessAck(destPort int, subscriberUID uid.UID, subscriberPort uint16, ackSeq uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if destPort < 0 || destPort >= len(m.slots) || !m.slots[destPort].inUse {
		return ErrSlotNotInUse
	}
	s := &m.slots[destPort]
	for i := range s.subs {
		if s.subs[i].UID == subscriberUID && s.subs[i].LocalPort == subscriberPort {
			s.subs[i].LastAckSeq = ackSeq
			return nil
		}
	}
	return ErrSubNotFound
}

// Background runs the once-per-second refresh loop (§4.5) until stop
// is closed. It is intended to be run in its own goroutine by the Hub.
func (m *Manager) Background(stop <-chan struct{}) {
	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.refreshTick()
		}
	}
}

func (m *Manager) refreshTick() {
	type work struct {
		idx              int
		sourceUID, prev  uid.UID
		path             string
	}
	var todo []work

	m.mu.Lock()
	now := time.Now()
	for i := range m.slots {
		s := &m.slots[i]
		if !s.inUse || s.prevHopUID == m.hubUID || len(s.subs) == 0 {
			continue
		}
		if now.Sub(s.lastRefresh) > m.staleRefresh {
			continue // nobody wants it: stop refreshing
		}
		todo = append(todo, work{i, s.sourceUID, s.prevHopUID, s.path})
	}
	refresh := m.refresh
	m.mu.Unlock()

	if refresh == nil {
		return
	}
	for _, w := range todo {
		refresh(w.idx, w.sourceUID, w.prev, w.path)
	}
}
