package directory

import (
	"bytes"
	"sync"

	"snchub/internal/uid"
)

// SlotAllocator is the subset of mcast.Manager that DirMgr depends on,
// kept as an interface so directory has no import-cycle on mcast.
type SlotAllocator interface {
	AllocSlot(sourceUID uid.UID, prevHopUID uid.UID, path string) int
	FreeSlot(slot int)
	AddSubscriber(slot int, subscriberUID uid.UID, localPort uint16)
	RemoveSubscriber(slot int, subscriberUID uid.UID, localPort int)
}

// ResolvedService is what FindService returns on success.
type ResolvedService struct {
	ConnIndex int
	Port      uint16
	SeqID     uint32
	UID       uid.UID
	Name      string
}

// LookupKind selects the kind of service FindService should match.
type LookupKind = ServiceKind

// LookupMode distinguishes a normal resolve from a removal request.
type LookupMode int

const (
	LookupResolve LookupMode = iota
	LookupRemoveReq
)

// component is the Hub-side record for one advertised component.
type component struct {
	uid     uid.UID
	appName string
	ctype   string
	raw     []byte
	seq     uint32
	seen    bool
	// ports[i] is the local (rewritten) port assigned for service i;
	// for multicast this is the MCastMgr slot index, for e2e it is i.
	decl  []ServiceDecl
	ports []uint16
	slots []int // -1 when the service is not multicast (no slot owned)
}

// connServices is everything DirMgr tracks for one connection: the
// (possibly multiple, for tunnels) components it advertises.
type connServices struct {
	components []*component
}

// DirMgr stores, per connected component (§4.4), the parsed service
// lists, and supports lookup and directory-diff construction.
type DirMgr struct {
	mu       sync.Mutex
	slots    SlotAllocator
	byConn   map[int]*connServices
	nextSeq  uint32
	onChange func(connIdx int)
}

// New returns an empty DirMgr backed by the given subscription-slot
// allocator (usually an *mcast.Manager).
func New(slots SlotAllocator) *DirMgr {
	return &DirMgr{
		slots:  slots,
		byConn: make(map[int]*connServices),
	}
}

// OnChange registers a callback invoked (without DirMgr's lock held)
// whenever ProcessDE changes a connection's advertised services.
func (d *DirMgr) OnChange(fn func(connIdx int)) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// ProcessDE parses rawDE and reconciles it against the connection's
// previously known services (§4.4 "Processing a DE"). previousHop is
// the UID to record as each multicast service's previous-hop (the
// connection's own UID for a direct endpoint, or the remote Hub's UID
// when rawDE arrived through a tunnel).
func (d *DirMgr) ProcessDE(connIdx int, rawDE []byte, previousHop uid.UID) (changed bool, err error) {
	docs, raws, err := ParseDE(rawDE)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	cs := d.byConn[connIdx]
	if cs == nil {
		cs = &connServices{}
		d.byConn[connIdx] = cs
	}
	for _, c := range cs.components {
		c.seen = false
	}

	for i, doc := range docs {
		existing := findComponent(cs.components, doc.UID, doc.AppName, doc.ComponentType)
		if existing != nil && bytes.Equal(existing.raw, raws[i]) {
			existing.seen = true
			continue
		}
		changed = true
		if existing != nil {
			d.tearDown(existing)
			removeComponent(cs, existing)
		}
		nc := d.buildComponent(doc, raws[i], previousHop)
		nc.seen = true
		cs.components = append(cs.components, nc)
	}

	var stale []*component
	for _, c := range cs.components {
		if !c.seen {
			stale = append(stale, c)
			changed = true
		}
	}
	for _, c := range stale {
		d.tearDown(c)
		removeComponent(cs, c)
	}

	cb := d.onChange
	d.mu.Unlock()

	if changed && cb != nil {
		cb(connIdx)
	}
	return changed, nil
}

func (d *DirMgr) buildComponent(doc ComponentDoc, raw []byte, previousHop uid.UID) *component {
	c := &component{
		uid:     doc.UID,
		appName: doc.AppName,
		ctype:   doc.ComponentType,
		raw:     append([]byte(nil), raw...),
		decl:    doc.Services,
		ports:   make([]uint16, len(doc.Services)),
		slots:   make([]int, len(doc.Services)),
	}
	d.nextSeq++
	c.seq = d.nextSeq
	for i, svc := range doc.Services {
		switch svc.Kind {
		case ServiceMulticast:
			path := joinPath(doc.AppName, svc.Name)
			slot := d.slots.AllocSlot(doc.UID, previousHop, path)
			c.slots[i] = slot
			c.ports[i] = uint16(slot)
		case ServiceE2E:
			c.slots[i] = -1
			c.ports[i] = uint16(i)
		default:
			c.slots[i] = -1
			c.ports[i] = uint16(i)
		}
	}
	return c
}

func (d *DirMgr) tearDown(c *component) {
	for i, svc := range c.decl {
		if svc.Kind == ServiceMulticast && c.slots[i] >= 0 {
			d.slots.FreeSlot(c.slots[i])
		}
	}
}

func findComponent(list []*component, u uid.UID, appName, ctype string) *component {
	for _, c := range list {
		if c.uid == u && c.appName == appName && c.ctype == ctype {
			return c
		}
	}
	return nil
}

func removeComponent(cs *connServices, target *component) {
	out := cs.components[:0]
	for _, c := range cs.components {
		if c != target {
			out = append(out, c)
		}
	}
	cs.components = out
}

// RemoveConnection tears down every component owned by connIdx, freeing
// their subscription slots (used on link close, §5 resource lifetimes).
func (d *DirMgr) RemoveConnection(connIdx int) {
	d.mu.Lock()
	cs := d.byConn[connIdx]
	delete(d.byConn, connIdx)
	d.mu.Unlock()
	if cs == nil {
		return
	}
	for _, c := range cs.components {
		d.tearDown(c)
	}
}

func joinPath(appName, name string) string {
	if appName == "" {
		return name
	}
	return appName + "/" + name
}
