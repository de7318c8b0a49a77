package endpoint

import (
	"net"
	"testing"
	"time"

	"snchub/internal/config"
	"snchub/internal/link"
	"snchub/internal/uid"
	"snchub/internal/wire"
)

func mustUID(t *testing.T, s string) uid.UID {
	t.Helper()
	u, err := uid.Parse(s)
	if err != nil {
		t.Fatalf("parse uid: %v", err)
	}
	return u
}

func testEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	cfg := &config.Config{Parameters: config.Parameters{HeartbeatInterval: 1000, HeartbeatTimeout: 3}}
	return New(mustUID(t, "0011223344550010"), "app", "app", cfg)
}

func TestAddServiceAssignsDistinctPorts(t *testing.T) {
	e := testEndpoint(t)
	p1, err := e.AddService("video", wire.KindMulticast, LocationLocal, true)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	p2, err := e.AddService("control", wire.KindE2E, LocationLocal, true)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if p1 == p2 {
		t.Fatalf("expected distinct ports, got %d and %d", p1, p2)
	}
}

func TestRemoveLocalServiceFreesSlot(t *testing.T) {
	e := testEndpoint(t)
	p, _ := e.AddService("video", wire.KindMulticast, LocationLocal, true)
	if err := e.Remove(p); err != nil {
		t.Fatalf("remove: %v", err)
	}
	e.mu.Lock()
	_, stillThere := e.services[p]
	e.mu.Unlock()
	if stillThere {
		t.Fatalf("expected slot to be freed immediately for a local service")
	}
}

func TestClearToSendRequiresActive(t *testing.T) {
	e := testEndpoint(t)
	p, _ := e.AddService("video", wire.KindMulticast, LocationLocal, true)
	if ok, err := e.ClearToSend(p); err == nil || ok {
		t.Fatalf("expected ClearToSend to fail before the service is activated, got ok=%v err=%v", ok, err)
	}

	e.mu.Lock()
	e.services[p].active = true
	e.mu.Unlock()

	ok, err := e.ClearToSend(p)
	if err != nil || !ok {
		t.Fatalf("expected ClearToSend to succeed once active and within window, got ok=%v err=%v", ok, err)
	}
}

func TestRemoteLookupFSMStaysLookWithoutLink(t *testing.T) {
	e := testEndpoint(t)
	p, err := e.AddService("app/video", wire.KindMulticast, LocationRemote, true)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// No link attached: tickLookups must no-op rather than panic.
	e.tickLookups()
	e.mu.Lock()
	st := e.services[p].lookup
	e.mu.Unlock()
	if st != lookupLook {
		t.Fatalf("expected state to remain Look with no link, got %v", st)
	}
}

func TestLookupResponseRegistersService(t *testing.T) {
	e := testEndpoint(t)
	p, _ := e.AddService("app/video", wire.KindMulticast, LocationRemote, true)
	e.mu.Lock()
	e.services[p].lookup = lookupLooking
	e.mu.Unlock()

	targetUID := mustUID(t, "0011223344550099")
	hdr := wire.E2EHeader{DestPort: p}
	rec := wire.LookupRecord{ServicePath: "app/video", Kind: wire.KindMulticast, Response: wire.LookupSucceed, LookupUID: uint64(targetUID), RemotePort: 7}
	body := hdr.Append(nil)
	body = append(body, rec.Encode()...)
	e.handleLookupResponse(body)

	e.mu.Lock()
	defer e.mu.Unlock()
	svc := e.services[p]
	if svc.lookup != lookupRegistered || svc.targetUID != targetUID || svc.targetPort != 7 {
		t.Fatalf("unexpected service state after lookup response: %+v", svc)
	}
}

func TestRegisteredServiceRevertsToLookAfterRefreshTimeout(t *testing.T) {
	e := testEndpoint(t)
	p, _ := e.AddService("app/video", wire.KindMulticast, LocationRemote, true)
	e.mu.Lock()
	e.services[p].lookup = lookupRegistered
	e.services[p].lastReplyTime = time.Now().Add(-RefreshTimeout - time.Second)
	e.mu.Unlock()

	// tickLookups does nothing without a link, so attach one.
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	e.stateMu.Lock()
	e.lk = link.New(c1, "test")
	e.stateMu.Unlock()

	e.tickLookups()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.services[p].lookup != lookupLook {
		t.Fatalf("expected stale registration to revert to Look, got %v", e.services[p].lookup)
	}
}

func TestDuplicateMulticastFrameStillDelivered(t *testing.T) {
	e := testEndpoint(t)
	p, _ := e.AddService("app/video", wire.KindMulticast, LocationRemote, true)
	e.mu.Lock()
	e.services[p].lookup = lookupRegistered
	e.mu.Unlock()

	delivered := 0
	e.OnMessage(func(port uint16, sourceUID uid.UID, seq uint8, payload []byte) {
		delivered++
	})

	hdr := wire.E2EHeader{DestPort: p, Seq: 5}
	body := hdr.Append(nil)
	body = append(body, []byte("x")...)
	e.handleData(body, true)
	e.handleData(body, true) // duplicate, same seq

	if delivered != 2 {
		t.Fatalf("expected both deliveries (dedup is logging-only), got %d", delivered)
	}
}
