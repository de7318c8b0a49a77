// Package mcast implements MCastMgr: the subscription-slot table
// mapping one multicast source service to its subscribers, with
// sequence/ack flow control and forwarding (§4.5).
package mcast

import (
	"errors"
	"sync"
	"time"

	"snchub/internal/uid"
)

// Defaults named in §4.5/§8.
const (
	DefaultCapacity        = 100000
	DefaultWindow          = 8
	DefaultUnstickTimeout  = 5 * time.Second
	DefaultRefreshInterval = 1 * time.Second
	DefaultStaleRefresh    = 10 * time.Second
)

var (
	ErrNoFreeSlot     = errors.New("mcast: no free subscription slot")
	ErrSlotNotInUse   = errors.New("mcast: slot not in use")
	ErrSourceMismatch = errors.New("mcast: source UID does not match slot")
	ErrTooShort       = errors.New("mcast: payload below minimum length")
	ErrSubNotFound    = errors.New("mcast: subscriber not found")
)

const minPayloadLen = 0

// Subscriber is one registered recipient of a slot's multicast traffic.
type Subscriber struct {
	UID          uid.UID
	LocalPort    uint16
	SendSeq      uint8
	LastAckSeq   uint8
	LastSendTime time.Time
}

func (s *Subscriber) withinWindow(window uint8) bool {
	return uint8(s.SendSeq-s.LastAckSeq) < window
}

// slot is one subscription-slot table entry.
type slot struct {
	inUse       bool
	sourceUID   uid.UID
	prevHopUID  uid.UID
	path        string
	subs        []Subscriber
	lastRefresh time.Time
}

// Sender is the Hub's send path: resolve dest by UID and forward a
// framed message at the given priority. Implemented by *hub.Hub.
type Sender interface {
	SendFrame(dest uid.UID, cmd uint16, priority uint8, srcUID uid.UID, srcPort, destPort uint16, seq uint8, payload []byte) error
}

// RefreshFunc is called by the refresh loop for every in-use slot due
// a refresh, with the slot's source, previous hop and path; what it
// sends upstream is up to the implementation (§4.5 "Refresh loop").
type RefreshFunc func(slotIndex int, sourceUID, prevHopUID uid.UID, path string)

// Manager is the Hub-side subscription table.
type Manager struct {
	mu              sync.Mutex
	slots           []slot
	window          uint8
	unstickTimeout  time.Duration
	refreshInterval time.Duration
	staleRefresh    time.Duration
	hubUID          uid.UID
	sender          Sender
	refresh         RefreshFunc

	stopCh chan struct{}
}

// Option configures a Manager at construction time.
type Option func(*Manager)

func WithCapacity(n int) Option { return func(m *Manager) { m.slots = make([]slot, n) } }
func WithWindow(w uint8) Option { return func(m *Manager) { m.window = w } }
func WithUnstickTimeout(d time.Duration) Option {
	return func(m *Manager) { m.unstickTimeout = d }
}
func WithRefreshInterval(d time.Duration) Option {
	return func(m *Manager) { m.refreshInterval = d }
}

// New builds a Manager bound to hubUID (used to suppress self-acks) and
// sender (the Hub's outbound frame path).
func New(hubUID uid.UID, sender Sender, opts ...Option) *Manager {
	m := &Manager{
		slots:           make([]slot, DefaultCapacity),
		window:          DefaultWindow,
		unstickTimeout:  DefaultUnstickTimeout,
		refreshInterval: DefaultRefreshInterval,
		staleRefresh:    DefaultStaleRefresh,
		hubUID:          hubUID,
		sender:          sender,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetRefreshFunc wires the callback used by the background refresh loop.
func (m *Manager) SetRefreshFunc(fn RefreshFunc) {
	m.mu.Lock()
	m.refresh = fn
	m.mu.Unlock()
}

// AllocSlot performs a first-free scan and returns the new slot index,
// or -1 if the table is full (§7 "Capacity").
func (m *Manager) AllocSlot(sourceUID, prevHopUID uid.UID, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.slots {
		if !m.slots[i].inUse {
			m.slots[i] = slot{
				inUse:       true,
				sourceUID:   sourceUID,
				prevHopUID:  prevHopUID,
				path:        path,
				lastRefresh: time.Now(),
			}
			return i
		}
	}
	return -1
}

// FreeSlot releases slot i and every subscriber registration on it.
func (m *Manager) FreeSlot(i int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.slots) {
		return
	}
	m.slots[i] = slot{}
}

// AddSubscriber registers (or refreshes) uid/localPort on slot i.
func (m *Manager) AddSubscriber(i int, u uid.UID, localPort uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.slots) || !m.slots[i].inUse {
		return
	}
	s := &m.slots[i]
	for idx := range s.subs {
		if s.subs[idx].UID == u && s.subs[idx].LocalPort == localPort {
			return
		}
	}
	s.subs = append(s.subs, Subscriber{UID: u, LocalPort: localPort})
}

// RemoveSubscriber removes one subscriber, or (port == -1) every
// registration belonging to uid, from slot i by filtering the
// subscriber slice in place; the remaining subscribers keep their order.
func (m *Manager) RemoveSubscriber(i int, u uid.UID, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.slots) || !m.slots[i].inUse {
		return
	}
	m.removeSubscriberLocked(&m.slots[i], u, port)
}

// RemoveUIDEverywhere prunes every slot's subscriber list of uid,
// regardless of port, e.g. when uid's link closes (§5).
func (m *Manager) RemoveUIDEverywhere(u uid.UID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.slots {
		if m.slots[i].inUse {
			m.removeSubscriberLocked(&m.slots[i], u, -1)
		}
	}
}

// FreeSlotsForSource frees every slot sourced by uid, e.g. when its
// owning connection closes.
func (m *Manager) FreeSlotsForSource(u uid.UID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.slots {
		if m.slots[i].inUse && m.slots[i].sourceUID == u {
			m.slots[i] = slot{}
		}
	}
}

func (m *Manager) removeSubscriberLocked(s *slot, u uid.UID, port int) {
	out := s.subs[:0]
	for _, sub := range s.subs {
		if sub.UID == u && (port == -1 || int(sub.LocalPort) == port) {
			continue
		}
		out = append(out, sub)
	}
	s.subs = out
}
