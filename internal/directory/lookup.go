package directory

import (
	"errors"

	"snchub/internal/uid"
)

// ErrNotFound is returned by FindService when no component advertises
// the requested service path/kind.
var ErrNotFound = errors.New("directory: service not found")

// Refresh carries the cached resolution of a previous successful
// lookup, used to fast-path a refresh without a full linear scan.
type Refresh struct {
	ConnIndex int
	Port      uint16
	SeqID     uint32
	UID       uid.UID
	Name      string
}

// FindService resolves path/kind to a concrete (connection, port)
// target (§4.4 "Service lookup"). requesterUID/requesterPort identify
// the caller so a multicast match can register it as a subscriber;
// mode selects resolve vs. remove.
func (d *DirMgr) FindService(path string, kind ServiceKind, requesterUID uid.UID, requesterPort uint16, prev *Refresh, mode LookupMode) (ResolvedService, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev != nil {
		if cs, ok := d.byConn[prev.ConnIndex]; ok {
			if c := findComponentBySeq(cs.components, prev.UID, prev.SeqID); c != nil {
				if idx, ok := serviceIndex(c, prev.Name, kind); ok {
					return d.resolveAt(prev.ConnIndex, c, idx, requesterUID, requesterPort, mode)
				}
			}
		}
	}

	for connIdx, cs := range d.byConn {
		for _, c := range cs.components {
			for i, svc := range c.decl {
				if svc.Kind != kind {
					continue
				}
				if joinPath(c.appName, svc.Name) != path && svc.Name != path {
					continue
				}
				return d.resolveAt(connIdx, c, i, requesterUID, requesterPort, mode)
			}
		}
	}
	return ResolvedService{}, ErrNotFound
}

func (d *DirMgr) resolveAt(connIdx int, c *component, idx int, requesterUID uid.UID, requesterPort uint16, mode LookupMode) (ResolvedService, error) {
	svc := c.decl[idx]
	port := c.ports[idx]

	if svc.Kind == ServiceMulticast {
		slot := c.slots[idx]
		if mode == LookupRemoveReq {
			d.slots.RemoveSubscriber(slot, requesterUID, int(requesterPort))
			return ResolvedService{}, nil
		}
		d.slots.AddSubscriber(slot, requesterUID, requesterPort)
	}

	return ResolvedService{
		ConnIndex: connIdx,
		Port:      port,
		SeqID:     c.seq,
		UID:       c.uid,
		Name:      svc.Name,
	}, nil
}

func findComponentBySeq(list []*component, u uid.UID, seq uint32) *component {
	for _, c := range list {
		if c.uid == u && c.seq == seq {
			return c
		}
	}
	return nil
}

func serviceIndex(c *component, name string, kind ServiceKind) (int, bool) {
	for i, svc := range c.decl {
		if svc.Name == name && svc.Kind == kind {
			return i, true
		}
	}
	return 0, false
}

// BuildDirectory concatenates every connection's local-form DE plus the
// Hub's own DE (§4.4 "Directory message construction"). When trunk is
// true (the requester is another Hub), components belonging to
// tunneled-in connections are excluded so directory loops are
// impossible; tunnelConns identifies which connection indices are
// tunnel sources.
func (d *DirMgr) BuildDirectory(trunk bool, tunnelConns map[int]bool, ownDE []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var docs []ComponentDoc
	for connIdx, cs := range d.byConn {
		if trunk && tunnelConns[connIdx] {
			continue
		}
		for _, c := range cs.components {
			docs = append(docs, ComponentDoc{
				UID:           c.uid,
				AppName:       c.appName,
				ComponentType: c.ctype,
				Services:      rewriteServices(c),
			})
		}
	}
	out := EncodeDE(docs)
	return append(out, ownDE...)
}

// rewriteServices stamps each declaration with its Hub-assigned wire
// port (the MCastMgr slot index for multicast, the declared position
// for e2e) so a component reflected back a directory containing its
// own entry can adopt the port it must stamp as SourcePort when it
// sends (§4.4, §4.7's "service-activate" adoption path).
func rewriteServices(c *component) []ServiceDecl {
	out := make([]ServiceDecl, len(c.decl))
	for i, svc := range c.decl {
		svc.Port = c.ports[i]
		out[i] = svc
	}
	return out
}
