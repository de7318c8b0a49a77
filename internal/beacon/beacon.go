package beacon

import (
	"net"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"snchub/internal/obs"
)

// HubHelloInterval is how often a Hub broadcasts its presence (§4.2).
const HubHelloInterval = 2 * time.Second

// StatusEvent is dispatched to the owning component on a discovery
// table change or an incoming solicitation (§4.2).
type StatusEvent struct {
	Status int // StatusUp / StatusDown / StatusSolicitation
	Hello  Hello
	From   *net.UDPAddr
}

// Listener receives hello datagrams on one UDP port and maintains a
// discovery table of Hub beacons. Entries expire after four beacon
// intervals; the table is backed by go-cache so eviction (DOWN) is
// handled by its janitor instead of a hand-rolled timer.
type Listener struct {
	conn     *net.UDPConn
	adapter  string
	table    *gocache.Cache
	onEvent  func(StatusEvent)
}

// NewListener opens a UDP listener on port, restricted to the named
// network adapter when adapter is non-empty (empty means accept
// beacons from any local subnet).
func NewListener(port int, adapter string, onEvent func(StatusEvent)) (*Listener, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	l := &Listener{
		conn:    conn,
		adapter: adapter,
		table:   gocache.New(4*HubHelloInterval, 1*time.Second),
		onEvent: onEvent,
	}
	l.table.OnEvicted(func(key string, value interface{}) {
		h, ok := value.(Hello)
		if !ok {
			return
		}
		if l.onEvent != nil {
			l.onEvent(StatusEvent{Status: StatusDown, Hello: h})
		}
	})
	return l, nil
}

// Close releases the underlying socket.
func (l *Listener) Close() error { return l.conn.Close() }

// Run reads datagrams until stop is closed or the socket errors.
func (l *Listener) Run(stop <-chan struct{}) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-stop:
			return
		default:
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		h, err := Decode(buf[:n])
		if err != nil {
			obs.L().Debug("beacon: dropping malformed hello", zap.Error(err))
			continue
		}
		if !l.fromLocalSubnet(addr.IP) {
			continue
		}
		l.handle(h, addr)
	}
}

func (l *Listener) handle(h Hello, addr *net.UDPAddr) {
	if h.Solicit {
		// Non-Hub beacons are delivered as SOLICITATION only, never stored.
		if l.onEvent != nil {
			l.onEvent(StatusEvent{Status: StatusSolicitation, Hello: h, From: addr})
		}
		return
	}
	key := h.UID.String()
	_, existed := l.table.Get(key)
	l.table.Set(key, h, gocache.DefaultExpiration)
	if !existed && l.onEvent != nil {
		l.onEvent(StatusEvent{Status: StatusUp, Hello: h, From: addr})
	}
}

func (l *Listener) fromLocalSubnet(ip net.IP) bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return true
	}
	for _, iface := range ifaces {
		if l.adapter != "" && iface.Name != l.adapter {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ipNet.Contains(ip) {
				return true
			}
		}
	}
	return false
}

// Table returns every currently live Hub beacon.
func (l *Listener) Table() []Hello {
	items := l.table.Items()
	out := make([]Hello, 0, len(items))
	for _, item := range items {
		if h, ok := item.Object.(Hello); ok {
			out = append(out, h)
		}
	}
	return out
}

// Broadcaster periodically sends a Hub's hello datagram to every local
// subnet broadcast address (§4.2).
type Broadcaster struct {
	conn     *net.UDPConn
	destPort int
	hello    func() Hello
}

// NewBroadcaster opens a UDP socket for sending and targets destPort
// (the Hub well-known beacon port) on every local subnet broadcast
// address. hello is called fresh for every send so sequence-like
// fields (none today) could vary.
func NewBroadcaster(destPort int, hello func() Hello) (*Broadcaster, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	return &Broadcaster{conn: conn, destPort: destPort, hello: hello}, nil
}

// Close releases the underlying socket.
func (b *Broadcaster) Close() error { return b.conn.Close() }

// Run broadcasts on HubHelloInterval until stop is closed.
func (b *Broadcaster) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(HubHelloInterval)
	defer ticker.Stop()
	b.broadcastOnce()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.broadcastOnce()
		}
	}
}

func (b *Broadcaster) broadcastOnce() {
	payload := b.hello().Encode()
	for _, dst := range b.broadcastAddrs() {
		_, _ = b.conn.WriteToUDP(payload, &net.UDPAddr{IP: dst, Port: b.destPort})
	}
}

func (b *Broadcaster) broadcastAddrs() []net.IP {
	var out []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagBroadcast == 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			bcast := broadcastOf(ipNet)
			out = append(out, bcast)
		}
	}
	return out
}

func broadcastOf(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	mask := n.Mask
	out := make(net.IP, 4)
	for i := range out {
		out[i] = ip[i] | ^mask[i]
	}
	return out
}

// Solicit sends a one-off solicitation hello to the Hub's well-known
// port on every local subnet, used by a non-Hub component to elicit
// an immediate reply without waiting for the next periodic broadcast.
func Solicit(destPort int, self Hello) error {
	self.Solicit = true
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return err
	}
	defer conn.Close()
	payload := self.Encode()
	b := &Broadcaster{conn: conn, destPort: destPort}
	for _, dst := range b.broadcastAddrs() {
		_, _ = conn.WriteToUDP(payload, &net.UDPAddr{IP: dst, Port: destPort})
	}
	return nil
}
