package hub

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"snchub/internal/config"
	"snchub/internal/directory"
	"snchub/internal/link"
	"snchub/internal/uid"
	"snchub/internal/wire"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func mustUID(t *testing.T, s string) uid.UID {
	t.Helper()
	u, err := uid.Parse(s)
	if err != nil {
		t.Fatalf("parse uid: %v", err)
	}
	return u
}

func startTestHub(t *testing.T) (h *Hub, endpointPort int, stop func()) {
	t.Helper()
	endpointPort = freePort(t)
	tunnelPort := freePort(t)
	// The heartbeat interval is long enough that the Hub sends no
	// heartbeat to the test clients while a test runs, so every message
	// a client receives is one the test itself provoked.
	cfg := &config.Config{Parameters: config.Parameters{
		HeartbeatInterval: 60000,
		HeartbeatTimeout:  100,
		EndpointPort:      endpointPort,
		TunnelPort:        tunnelPort,
		AppName:           "test-hub",
	}}
	h = New(mustUID(t, "aaaaaaaaaaaa0000"), cfg)
	stopCh := make(chan struct{})
	go func() { _ = h.Run(stopCh) }()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", endpointPort)); err == nil {
			c.Close()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return h, endpointPort, func() { close(stopCh) }
}

type testClient struct {
	link *link.Link
	mu   sync.Mutex
	msgs []testMsg
	got  chan struct{}
}

type testMsg struct {
	cmd      uint16
	priority uint8
	body     []byte
}

func dialTestClient(t *testing.T, port int) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	tc := &testClient{link: link.New(conn, "test-client"), got: make(chan struct{}, 64)}
	go tc.link.RunTX()
	go func() {
		_ = tc.link.RunRX(func(cmd uint16, priority uint8, body []byte) {
			tc.mu.Lock()
			tc.msgs = append(tc.msgs, testMsg{cmd, priority, append([]byte(nil), body...)})
			tc.mu.Unlock()
			tc.got <- struct{}{}
		})
	}()
	return tc
}

func (tc *testClient) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-tc.got:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d/%d", i+1, n)
		}
	}
}

func (tc *testClient) heartbeat(u uid.UID, de []byte) {
	hb := wire.HeartbeatBody{UID: u, ComponentType: "app", DE: de}
	_ = tc.link.Send(wire.CmdHeartbeat, wire.PriMedHigh, hb.Encode())
}

func TestE2ERoundTrip(t *testing.T) {
	_, port, stop := startTestHub(t)
	defer stop()

	a := dialTestClient(t, port)
	b := dialTestClient(t, port)
	aUID := mustUID(t, "0011223344550001")
	bUID := mustUID(t, "0011223344550002")
	a.heartbeat(aUID, nil)
	b.heartbeat(bUID, nil)
	time.Sleep(50 * time.Millisecond) // let both heartbeats register identity

	hdr := wire.E2EHeader{SourceUID: uint64(aUID), DestUID: uint64(bUID), SourcePort: 1, DestPort: 2, Seq: 0}
	body := hdr.Append(nil)
	body = append(body, []byte("payload")...)
	if err := a.link.Send(wire.CmdE2E, wire.PriMed, body); err != nil {
		t.Fatalf("send e2e: %v", err)
	}

	b.waitFor(t, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) != 1 || b.msgs[0].cmd != wire.CmdE2E {
		t.Fatalf("unexpected messages: %+v", b.msgs)
	}
	gotHdr, payload, err := wire.DecodeE2EHeader(b.msgs[0].body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotHdr.SourceUID != uint64(aUID) || gotHdr.DestUID != uint64(bUID) || string(payload) != "payload" {
		t.Fatalf("unexpected e2e delivery: %+v %q", gotHdr, payload)
	}
}

func TestUnroutableE2EDropsSilently(t *testing.T) {
	_, port, stop := startTestHub(t)
	defer stop()

	a := dialTestClient(t, port)
	aUID := mustUID(t, "0011223344550003")
	a.heartbeat(aUID, nil)
	time.Sleep(50 * time.Millisecond)

	unknown := mustUID(t, "ffeeddccbbaa0009")
	hdr := wire.E2EHeader{SourceUID: uint64(aUID), DestUID: uint64(unknown), SourcePort: 1, DestPort: 2}
	body := hdr.Append(nil)
	if err := a.link.Send(wire.CmdE2E, wire.PriMed, body); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-a.got:
		t.Fatalf("sender should not receive anything back for an unroutable e2e frame")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAcceptRefusedAtCapacity(t *testing.T) {
	endpointPort := freePort(t)
	tunnelPort := freePort(t)
	cfg := &config.Config{Parameters: config.Parameters{
		HeartbeatInterval: 30,
		HeartbeatTimeout:  100,
		EndpointPort:      endpointPort,
		TunnelPort:        tunnelPort,
		AppName:           "test-hub",
		MaxConnections:    1,
	}}
	h := New(mustUID(t, "aaaaaaaaaaaa0001"), cfg)
	stopCh := make(chan struct{})
	defer close(stopCh)
	go func() { _ = h.Run(stopCh) }()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", endpointPort)); err == nil {
			c.Close()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	first := dialTestClient(t, endpointPort)
	first.heartbeat(mustUID(t, "0011223344550099"), nil)
	time.Sleep(50 * time.Millisecond)

	second, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", endpointPort))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()
	buf := make([]byte, 1)
	_ = second.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, err := second.Read(buf); err == nil {
		t.Fatalf("expected the over-capacity connection to be closed immediately")
	}
}

func TestMulticastFanOutThroughDirectory(t *testing.T) {
	_, port, stop := startTestHub(t)
	defer stop()

	pub := dialTestClient(t, port)
	sub := dialTestClient(t, port)
	pubUID := mustUID(t, "0011223344550004")
	subUID := mustUID(t, "0011223344550005")

	de := directory.EncodeDE([]directory.ComponentDoc{{
		UID:           pubUID,
		AppName:       "app",
		ComponentType: "app",
		Services:      []directory.ServiceDecl{{Name: "video", Kind: directory.ServiceMulticast}},
	}})
	pub.heartbeat(pubUID, de)
	sub.heartbeat(subUID, nil)
	time.Sleep(50 * time.Millisecond)

	lookupHdr := wire.E2EHeader{SourceUID: uint64(subUID), DestUID: 0, SourcePort: 9, DestPort: 0}
	rec := wire.LookupRecord{ServicePath: "app/video", Kind: wire.KindMulticast}
	body := lookupHdr.Append(nil)
	body = append(body, rec.Encode()...)
	if err := sub.link.Send(wire.CmdServiceLookupReq, wire.PriMed, body); err != nil {
		t.Fatalf("send lookup: %v", err)
	}
	sub.waitFor(t, 1)

	sub.mu.Lock()
	respBody := sub.msgs[0].body
	sub.mu.Unlock()
	_, rest, err := wire.DecodeE2EHeader(respBody)
	if err != nil {
		t.Fatalf("decode lookup response: %v", err)
	}
	respRec, err := wire.DecodeLookupRecord(rest)
	if err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if respRec.Response != wire.LookupSucceed {
		t.Fatalf("expected lookup to succeed, got response=%d", respRec.Response)
	}
	slot := respRec.RemotePort

	for i := 0; i < 3; i++ {
		mhdr := wire.E2EHeader{SourceUID: uint64(pubUID), SourcePort: slot, Seq: uint8(i)}
		mbody := mhdr.Append(nil)
		mbody = append(mbody, byte(i))
		if err := pub.link.Send(wire.CmdMulticastMessage, wire.PriLow, mbody); err != nil {
			t.Fatalf("send multicast %d: %v", i, err)
		}
	}
	sub.waitFor(t, 3)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.msgs) != 4 {
		t.Fatalf("expected 1 lookup response + 3 multicast frames, got %d", len(sub.msgs))
	}
	for i, m := range sub.msgs[1:] {
		if m.cmd != wire.CmdMulticastMessage {
			t.Fatalf("message %d: unexpected cmd %d", i, m.cmd)
		}
		_, payload, err := wire.DecodeE2EHeader(m.body)
		if err != nil {
			t.Fatalf("decode multicast %d: %v", i, err)
		}
		if len(payload) != 1 || int(payload[0]) != i {
			t.Fatalf("message %d: unexpected payload %v", i, payload)
		}
	}
}

// TestMulticastAckCarriesSlotInDestPort registers two multicast services so
// the one under test lands on a nonzero slot, and checks the ack the Hub
// sends back to the publisher carries that slot in DestPort (matching how
// the Hub's own ProcessAck call and Endpoint.handleMulticastAck both read
// it), not in SourcePort.
func TestMulticastAckCarriesSlotInDestPort(t *testing.T) {
	_, port, stop := startTestHub(t)
	defer stop()

	pub := dialTestClient(t, port)
	sub := dialTestClient(t, port)
	pubUID := mustUID(t, "0011223344550006")
	subUID := mustUID(t, "0011223344550007")

	de := directory.EncodeDE([]directory.ComponentDoc{{
		UID:           pubUID,
		AppName:       "app",
		ComponentType: "app",
		Services: []directory.ServiceDecl{
			{Name: "video", Kind: directory.ServiceMulticast},
			{Name: "audio", Kind: directory.ServiceMulticast},
		},
	}})
	pub.heartbeat(pubUID, de)
	sub.heartbeat(subUID, nil)
	time.Sleep(50 * time.Millisecond)

	lookupHdr := wire.E2EHeader{SourceUID: uint64(subUID), DestUID: 0, SourcePort: 9, DestPort: 0}
	rec := wire.LookupRecord{ServicePath: "app/audio", Kind: wire.KindMulticast}
	body := lookupHdr.Append(nil)
	body = append(body, rec.Encode()...)
	if err := sub.link.Send(wire.CmdServiceLookupReq, wire.PriMed, body); err != nil {
		t.Fatalf("send lookup: %v", err)
	}
	sub.waitFor(t, 1)

	sub.mu.Lock()
	respBody := sub.msgs[0].body
	sub.mu.Unlock()
	_, rest, err := wire.DecodeE2EHeader(respBody)
	if err != nil {
		t.Fatalf("decode lookup response: %v", err)
	}
	respRec, err := wire.DecodeLookupRecord(rest)
	if err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if respRec.Response != wire.LookupSucceed {
		t.Fatalf("expected lookup to succeed, got response=%d", respRec.Response)
	}
	slot := respRec.RemotePort
	if slot == 0 {
		t.Fatalf("expected the second registered service to land on a nonzero slot, got 0")
	}

	mhdr := wire.E2EHeader{SourceUID: uint64(pubUID), SourcePort: slot, Seq: 0}
	mbody := mhdr.Append(nil)
	mbody = append(mbody, byte(0))
	if err := pub.link.Send(wire.CmdMulticastMessage, wire.PriLow, mbody); err != nil {
		t.Fatalf("send multicast: %v", err)
	}
	pub.waitFor(t, 1)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.msgs) != 1 || pub.msgs[0].cmd != wire.CmdMulticastAck {
		t.Fatalf("expected publisher to receive one multicast ack, got %+v", pub.msgs)
	}
	ackHdr, _, err := wire.DecodeE2EHeader(pub.msgs[0].body)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ackHdr.DestPort != slot {
		t.Fatalf("expected ack DestPort to carry the slot index %d, got %d (SourcePort=%d)", slot, ackHdr.DestPort, ackHdr.SourcePort)
	}
}
