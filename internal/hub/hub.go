// Package hub implements the Hub server: the two-port listener,
// connection-slot table, message demultiplexer, heartbeat generation,
// liveness sweep and rate accounting (§4.6).
package hub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"snchub/internal/config"
	"snchub/internal/directory"
	"snchub/internal/link"
	"snchub/internal/mcast"
	"snchub/internal/obs"
	"snchub/internal/trie"
	"snchub/internal/uid"
	"snchub/internal/wire"
)

// connKind distinguishes the two listener roles a connection can
// belong to; tunnels additionally require component-type = hub and,
// for static tunnels, a configured source allow-list (§4.6, §7 Policy).
type connKind int

const (
	kindEndpoint connKind = iota
	kindTunnel
)

// connState is the lifecycle of one accepted connection (§4.6).
type connState int

const (
	stateWaitingHeartbeat connState = iota
	stateNormal
)

const acceptThrottleWindow = 30 * time.Second
const acceptThrottleLimit = 200

// hubConn is one entry of the Hub's connection-slot table.
type hubConn struct {
	id     int
	kind   connKind
	link   *link.Link
	doneCh chan struct{} // closed once by closeConn

	mu             sync.Mutex
	state          connState
	peerUID        uid.UID
	lastHeartbeat  time.Time
	heartbeatTicks uint64
	rxWindow       uint64
	txWindow       uint64
	rxRate         float64
	txRate         float64
}

// send frames cmd/body and tracks outbound bytes for rate accounting.
func (c *hubConn) send(cmd uint16, priority uint8, body []byte) error {
	c.mu.Lock()
	c.txWindow += uint64(wire.EnvelopeLen + len(body))
	c.mu.Unlock()
	return c.link.Send(cmd, priority, body)
}

// Hub is one running Hub instance.
type Hub struct {
	uid uid.UID
	cfg *config.Config

	heartbeatInterval time.Duration
	heartbeatTimeout  int

	mu      sync.RWMutex
	conns   map[int]*hubConn
	nextID  int

	trie  *trie.FastLookup
	dir   *directory.DirMgr
	mcast *mcast.Manager

	validTunnelSrc map[uid.UID]bool
	acceptThrottle *gocache.Cache

	pendingMu sync.Mutex
	pending   map[string]pendingLookup

	startTime time.Time
}

// pendingLookup tracks a service-lookup-request this Hub forwarded
// across a tunnel on behalf of a directly-connected requester, so the
// eventual service-lookup-response can be routed back to them.
type pendingLookup struct {
	requesterConn int
	hdr           wire.E2EHeader
}

// New builds a Hub identified by selfUID, bound to cfg.
func New(selfUID uid.UID, cfg *config.Config) *Hub {
	if cfg.Parameters.MaxConnections == 0 {
		cfg.Parameters.MaxConnections = config.DefaultMaxConnections
	}
	h := &Hub{
		uid:               selfUID,
		cfg:               cfg,
		heartbeatInterval: time.Duration(cfg.Parameters.HeartbeatInterval) * time.Millisecond,
		heartbeatTimeout:  cfg.Parameters.HeartbeatTimeout,
		conns:             make(map[int]*hubConn),
		trie:              trie.New(),
		validTunnelSrc:    make(map[uid.UID]bool),
		acceptThrottle:    gocache.New(acceptThrottleWindow, time.Minute),
		pending:           make(map[string]pendingLookup),
		startTime:         time.Now(),
	}
	for _, s := range cfg.ValidTunnelSrc {
		if u, err := uid.Parse(s); err == nil {
			h.validTunnelSrc[u] = true
		}
	}
	h.mcast = mcast.New(selfUID, h)
	h.dir = directory.New(h.mcast)
	return h
}

// UID returns the Hub's own identity.
func (h *Hub) UID() uid.UID { return h.uid }

func (h *Hub) ownDE() []byte {
	return directory.EncodeDE([]directory.ComponentDoc{{
		UID:           h.uid,
		AppName:       h.cfg.Parameters.AppName,
		ComponentType: "hub",
	}})
}

func (h *Hub) tunnelConnSet() map[int]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[int]bool, len(h.conns))
	for id, c := range h.conns {
		if c.kind == kindTunnel {
			out[id] = true
		}
	}
	return out
}

// Run starts the endpoint/tunnel listeners plus the background
// heartbeat/liveness/rate tickers, blocking until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) error {
	tlsConfig, err := h.buildTLSConfig()
	if err != nil {
		return fmt.Errorf("hub: tls config: %w", err)
	}

	endpointAddr := fmt.Sprintf(":%d", h.cfg.Parameters.EndpointPort)
	tunnelAddr := fmt.Sprintf(":%d", h.cfg.Parameters.TunnelPort)

	var wg sync.WaitGroup
	if h.cfg.Parameters.Transport == "quic" {
		if tlsConfig == nil {
			return errors.New("hub: quic transport requires encryptLink with cert/key configured")
		}
		wg.Add(2)
		go func() { defer wg.Done(); h.serveQUIC(endpointAddr, kindEndpoint, tlsConfig, stop) }()
		go func() { defer wg.Done(); h.serveQUIC(tunnelAddr, kindTunnel, tlsConfig, stop) }()
	} else {
		wg.Add(2)
		go func() { defer wg.Done(); h.serveTCP(endpointAddr, kindEndpoint, tlsConfig, stop) }()
		go func() { defer wg.Done(); h.serveTCP(tunnelAddr, kindTunnel, tlsConfig, stop) }()
	}

	go h.mcast.Background(stop)
	h.mcast.SetRefreshFunc(h.refreshMulticastSource)
	wg.Add(1)
	go func() { defer wg.Done(); h.runTickers(stop) }()

	wg.Wait()
	return nil
}

func (h *Hub) buildTLSConfig() (*tls.Config, error) {
	if !h.cfg.Parameters.EncryptLink {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(h.cfg.Parameters.CertFile, h.cfg.Parameters.KeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func (h *Hub) serveTCP(addr string, kind connKind, tlsConfig *tls.Config, stop <-chan struct{}) {
	ln, err := link.Listen(addr, tlsConfig)
	if err != nil {
		obs.L().Error("hub: failed to listen", zap.String("addr", addr), zap.Error(err))
		return
	}
	obs.L().Info("hub: listening", zap.String("addr", addr), zap.Bool("tunnel", kind == kindTunnel))
	go func() {
		<-stop
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			obs.L().Error("hub: accept failed", zap.String("addr", addr), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if !h.allowAccept(conn.RemoteAddr()) {
			_ = conn.Close()
			continue
		}
		h.handleAccept(conn, kind)
	}
}

func (h *Hub) serveQUIC(addr string, kind connKind, tlsConfig *tls.Config, stop <-chan struct{}) {
	ln, err := link.ListenQUIC(addr, tlsConfig)
	if err != nil {
		obs.L().Error("hub: failed to listen (quic)", zap.String("addr", addr), zap.Error(err))
		return
	}
	obs.L().Info("hub: listening (quic)", zap.String("addr", addr), zap.Bool("tunnel", kind == kindTunnel))
	go func() {
		<-stop
		_ = ln.Close()
	}()
	ctx := context.Background()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			obs.L().Error("hub: accept failed (quic)", zap.String("addr", addr), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if !h.allowAccept(conn.RemoteAddr()) {
			_ = conn.Close()
			continue
		}
		h.handleAccept(conn, kind)
	}
}

// allowAccept applies a per-IP accept throttle (no more than
// acceptThrottleLimit connection attempts per acceptThrottleWindow),
// grounded on the same pattern as a reverse-proxy's WAF request cap.
func (h *Hub) allowAccept(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	if count, found := h.acceptThrottle.Get(host); found {
		if count.(int) >= acceptThrottleLimit {
			obs.L().Warn("hub: rejecting connection, accept rate exceeded", zap.String("addr", host))
			return false
		}
		_ = h.acceptThrottle.Increment(host, 1)
		return true
	}
	h.acceptThrottle.Set(host, 1, gocache.DefaultExpiration)
	return true
}

func (h *Hub) handleAccept(conn net.Conn, kind connKind) {
	if !h.hasFreeSlot() {
		obs.L().Error("hub: no free connection slot, refusing accept", zap.String("addr", conn.RemoteAddr().String()))
		_ = conn.Close()
		return
	}
	h.addConn(conn, kind)
}

// hasFreeSlot reports whether the connection-slot table has room for
// one more entry (§7 "Capacity": refuse the new request, existing
// state untouched).
func (h *Hub) hasFreeSlot() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns) < h.cfg.Parameters.MaxConnections
}

// AttachOutboundTunnel registers an already-dialed connection as a
// tunnel-kind entry in the connection-slot table, the same way an
// inbound tunnel accept would (§4.8, used by internal/tunnel for both
// dynamic and static outbound tunnels). The returned channel closes
// once the Hub tears the connection down, so the caller can redial.
func (h *Hub) AttachOutboundTunnel(conn net.Conn) <-chan struct{} {
	c := h.addConn(conn, kindTunnel)
	return c.doneCh
}

func (h *Hub) addConn(conn net.Conn, kind connKind) *hubConn {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	c := &hubConn{
		id:            id,
		kind:          kind,
		link:          link.New(conn, fmt.Sprintf("hub-conn-%d", id)),
		doneCh:        make(chan struct{}),
		state:         stateWaitingHeartbeat,
		lastHeartbeat: time.Now(),
	}
	h.conns[id] = c
	h.mu.Unlock()

	obs.L().Debug("hub: connection established", zap.Int("conn", id), zap.Bool("tunnel", kind == kindTunnel))
	go c.link.RunTX()
	go func() {
		err := c.link.RunRX(func(cmd uint16, priority uint8, body []byte) {
			h.process(c, cmd, priority, body)
		})
		obs.L().Debug("hub: connection closed", zap.Int("conn", id), zap.Error(err))
		h.closeConn(id)
	}()
	return c
}

// closeConn tears down connection id: frees its directory components
// (and their multicast slots), removes it from FastLookup, and prunes
// its subscriptions from every slot it had joined (§5 resource lifetimes).
func (h *Hub) closeConn(id int) {
	h.mu.Lock()
	c := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()
	if c == nil {
		return
	}
	_ = c.link.Close()
	close(c.doneCh)
	h.dir.RemoveConnection(id)

	c.mu.Lock()
	peer := c.peerUID
	c.mu.Unlock()
	if peer != 0 {
		h.trie.Delete(peer)
		h.mcast.RemoveUIDEverywhere(peer)
		h.mcast.FreeSlotsForSource(peer)
	}
}

func (h *Hub) isValidTunnelSource(u uid.UID) bool {
	if len(h.validTunnelSrc) == 0 {
		return true // dynamic tunnels (discovered via beacon) carry no configured allow-list
	}
	return h.validTunnelSrc[u]
}

// SendFrame implements mcast.Sender: resolve dest via FastLookup and
// hand the framed message to that connection's Link.
func (h *Hub) SendFrame(dest uid.UID, cmd uint16, priority uint8, srcUID uid.UID, srcPort, destPort uint16, seq uint8, payload []byte) error {
	c := h.connFor(dest)
	if c == nil {
		return errUnroutable
	}
	hdr := wire.E2EHeader{SourceUID: uint64(srcUID), DestUID: uint64(dest), SourcePort: srcPort, DestPort: destPort, Seq: seq}
	body := hdr.Append(make([]byte, 0, wire.E2EHeaderLen+len(payload)))
	body = append(body, payload...)
	return c.send(cmd, priority, body)
}

var errUnroutable = errors.New("hub: destination not routable")

func (h *Hub) connFor(dest uid.UID) *hubConn {
	v, ok := h.trie.Lookup(dest)
	if !ok {
		return nil
	}
	id := v.(int)
	h.mu.RLock()
	c := h.conns[id]
	h.mu.RUnlock()
	if c == nil {
		return nil
	}
	c.mu.Lock()
	normal := c.state == stateNormal
	c.mu.Unlock()
	if !normal {
		return nil
	}
	return c
}

// refreshMulticastSource is mcast.Manager's RefreshFunc. When the
// path's previous hop is a directly-connected endpoint in Normal state,
// it sends that endpoint a service-activate whose SourcePort is the
// slot index. When the previous hop is reached by tunnel, or has no
// usable connection, it only logs at debug level: no lookup request or
// other refresh is sent upstream (§4.5 "Refresh loop").
func (h *Hub) refreshMulticastSource(slotIndex int, sourceUID, prevHopUID uid.UID, path string) {
	c := h.connFor(prevHopUID)
	if c == nil || c.kind == kindTunnel {
		obs.L().Debug("hub: refreshing multicast subscription across tunnel", zap.Int("slot", slotIndex), zap.String("path", path))
		return
	}
	hdr := wire.E2EHeader{SourceUID: uint64(h.uid), DestUID: uint64(sourceUID), SourcePort: uint16(slotIndex)}
	if err := c.send(wire.CmdServiceActivate, wire.PriMed, hdr.Append(nil)); err != nil {
		obs.L().Debug("hub: service-activate send failed", zap.Int("conn", c.id), zap.Error(err))
	}
}
