// Package endpoint implements Endpoint: the client-side state machine
// that discovers a Hub, maintains a heartbeat link to it, publishes
// local services, resolves remote services and exchanges messages
// (§4.7).
package endpoint

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"snchub/internal/beacon"
	"snchub/internal/config"
	"snchub/internal/directory"
	"snchub/internal/link"
	"snchub/internal/obs"
	"snchub/internal/uid"
	"snchub/internal/wire"
)

// connState is the endpoint's own connection lifecycle (§4.7).
type connState int

const (
	stateDisconnected connState = iota
	stateBeaconWait
	stateConnecting
	stateConnected
	stateNormal
)

// reconnectDelay is the fixed wait between failed connection attempts.
const reconnectDelay = 2 * time.Second

// backgroundTick is how often the background task loop runs (§4.7
// "Background tasks"); independent of the heartbeat interval itself.
const backgroundTick = 200 * time.Millisecond

// MessageHandler receives one delivered e2e or multicast frame.
type MessageHandler func(port uint16, sourceUID uid.UID, seq uint8, payload []byte)

// DirectoryHandler receives a raw directory response/DE.
type DirectoryHandler func(de []byte)

// Endpoint is one running client attachment to a Hub.
type Endpoint struct {
	self          uid.UID
	appName       string
	componentType string
	cfg           *config.Config

	mu       sync.Mutex
	services map[uint16]*serviceRecord
	nextPort uint16

	recvMu      sync.Mutex
	onMessage   MessageHandler
	onDirectory DirectoryHandler

	stateMu           sync.Mutex
	state             connState
	lk                *link.Link
	hubUID            uid.UID
	hubPriority       int
	heartbeatTicks    int
	lastHeartbeatRecv time.Time
	lastHeartbeatSent time.Time
	requestDirectory  bool
	reversionEnabled  bool
	revertPending     bool

	heartbeatInterval time.Duration
	heartbeatTimeout  int
}

// New builds an Endpoint identified by self, advertising appName and
// componentType, configured by cfg.
func New(self uid.UID, appName, componentType string, cfg *config.Config) *Endpoint {
	return &Endpoint{
		self:              self,
		appName:           appName,
		componentType:     componentType,
		cfg:               cfg,
		services:          make(map[uint16]*serviceRecord),
		heartbeatInterval: time.Duration(cfg.Parameters.HeartbeatInterval) * time.Millisecond,
		heartbeatTimeout:  cfg.Parameters.HeartbeatTimeout,
		reversionEnabled:  cfg.Parameters.ControlRevert,
	}
}

// OnMessage registers the callback invoked for every delivered e2e or
// multicast frame, serialized through a dedicated demux mutex (§5).
func (e *Endpoint) OnMessage(fn MessageHandler) {
	e.recvMu.Lock()
	e.onMessage = fn
	e.recvMu.Unlock()
}

// OnDirectory registers the callback invoked for every directory
// response received from the Hub.
func (e *Endpoint) OnDirectory(fn DirectoryHandler) {
	e.recvMu.Lock()
	e.onDirectory = fn
	e.recvMu.Unlock()
}

// RequestDirectory flags the next background tick to send a
// directory-request to the Hub (§4.7 "Background tasks").
func (e *Endpoint) RequestDirectory() {
	e.stateMu.Lock()
	e.requestDirectory = true
	e.stateMu.Unlock()
}

func (e *Endpoint) setState(s connState) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

func (e *Endpoint) getState() connState {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// Run drives discovery, connect, heartbeat and reconnect until stop is
// closed (§4.7). It returns nil, and only once stop has closed.
func (e *Endpoint) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			e.setState(stateDisconnected)
			return nil
		default:
		}

		addr, err := e.discover(stop)
		if err != nil {
			select {
			case <-stop:
				return nil
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if err := e.connectAndRun(addr, stop); err != nil {
			obs.L().Warn("endpoint: session ended", zap.Error(err))
		}
		e.setState(stateDisconnected)
		e.tearDownServices()

		select {
		case <-stop:
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// discover resolves the Hub address to dial: the configured static
// address when set, otherwise a beacon solicitation (§4.7
// "disconnected" state).
func (e *Endpoint) discover(stop <-chan struct{}) (string, error) {
	if e.cfg.HubAddr() != "" {
		e.setState(stateConnecting)
		return e.cfg.HubAddr(), nil
	}

	e.setState(stateBeaconWait)
	result := make(chan string, 1)
	l, err := beacon.NewListener(e.cfg.Parameters.BeaconBasePort, e.cfg.Parameters.Adapter, func(ev beacon.StatusEvent) {
		if ev.Status == beacon.StatusUp && ev.From != nil {
			select {
			case result <- fmt.Sprintf("%s:%d", ev.From.IP.String(), e.cfg.Parameters.EndpointPort):
				e.stateMu.Lock()
				e.hubPriority = int(ev.Hello.Priority)
				e.stateMu.Unlock()
			default:
			}
		}
	})
	if err != nil {
		return "", err
	}
	defer l.Close()

	listenerStop := make(chan struct{})
	defer close(listenerStop)
	go l.Run(listenerStop)

	self := beacon.Hello{UID: e.self, AppName: e.appName, ComponentType: e.componentType, Solicit: true}
	_ = beacon.Solicit(e.cfg.Parameters.BeaconBasePort, self)

	select {
	case addr := <-result:
		e.setState(stateConnecting)
		return addr, nil
	case <-stop:
		return "", fmt.Errorf("endpoint: stopped during discovery")
	case <-time.After(5 * time.Second):
		return "", fmt.Errorf("endpoint: no hub discovered")
	}
}

func (e *Endpoint) tlsConfig() *tls.Config {
	if !e.cfg.Parameters.EncryptLink {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: true}
}

// connectAndRun dials addr, runs the session until the link dies or
// stop closes, and always releases the Link before returning.
func (e *Endpoint) connectAndRun(addr string, stop <-chan struct{}) error {
	conn, err := link.Dial(addr, e.tlsConfig())
	if err != nil {
		return err
	}
	lk := link.New(conn, "endpoint")

	e.stateMu.Lock()
	e.lk = lk
	e.state = stateConnected
	e.heartbeatTicks = 0
	e.lastHeartbeatRecv = time.Now()
	e.revertPending = false
	e.stateMu.Unlock()

	go lk.RunTX()
	done := make(chan error, 1)
	go func() {
		done <- lk.RunRX(e.process)
	}()

	watchStop := make(chan struct{})
	defer close(watchStop)
	e.startReversionWatch(watchStop)

	e.sendHeartbeat()

	ticker := time.NewTicker(backgroundTick)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			e.stateMu.Lock()
			e.lk = nil
			e.stateMu.Unlock()
			return err
		case <-stop:
			_ = lk.Close()
			<-done
			return nil
		case <-ticker.C:
			e.tick()
		}
	}
}

// tearDownServices reverts every service record after a link loss:
// local services become inactive, remote services return to Look
// (§4.7 "Failure semantics"), without losing the records themselves.
func (e *Endpoint) tearDownServices() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range e.services {
		if rec.location == LocationLocal {
			rec.active = false
		} else {
			rec.lookup = lookupLook
		}
	}
}

func (e *Endpoint) sendHeartbeat() {
	e.stateMu.Lock()
	lk := e.lk
	ticks := e.heartbeatTicks
	e.heartbeatTicks++
	e.lastHeartbeatSent = time.Now()
	e.stateMu.Unlock()
	if lk == nil {
		return
	}
	var de []byte
	if ticks%10 == 0 {
		de = directory.EncodeDE([]directory.ComponentDoc{{
			UID:           e.self,
			AppName:       e.appName,
			ComponentType: e.componentType,
			Services:      e.localDeclarations(),
		}})
	}
	hb := wire.HeartbeatBody{UID: e.self, ComponentType: e.componentType, DE: de}
	if err := lk.Send(wire.CmdHeartbeat, wire.PriMedHigh, hb.Encode()); err != nil {
		obs.L().Debug("endpoint: heartbeat send failed", zap.Error(err))
	}
}

func (e *Endpoint) localDeclarations() []directory.ServiceDecl {
	e.mu.Lock()
	defer e.mu.Unlock()
	max := uint16(0)
	for port, rec := range e.services {
		if rec.location == LocationLocal && port+1 > max {
			max = port + 1
		}
	}
	decls := make([]directory.ServiceDecl, max)
	for port, rec := range e.services {
		if rec.location == LocationLocal && port < max {
			decls[port] = directory.ServiceDecl{Name: rec.path, Kind: rec.kind}
		}
	}
	return decls
}
