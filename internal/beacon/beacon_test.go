package beacon

import (
	"testing"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"snchub/internal/uid"
)

func newTestCache(t *testing.T) *gocache.Cache {
	t.Helper()
	return gocache.New(20*time.Millisecond, 5*time.Millisecond)
}

func TestHelloRoundTrip(t *testing.T) {
	u, _ := uid.Parse("0011223344550000")
	h := Hello{
		IP:            [4]byte{192, 168, 1, 5},
		UID:           u,
		AppName:       "snchub",
		ComponentType: "hub",
		Priority:      3,
		IntervalMs:    2000,
	}
	got, err := Decode(h.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != h {
		t.Fatalf("got %+v want %+v", got, h)
	}
}

func TestDiscoveryTableUpDown(t *testing.T) {
	u, _ := uid.Parse("0011223344550001")
	var events []StatusEvent
	l := &Listener{}
	l.table = newTestCache(t)
	l.onEvent = func(e StatusEvent) { events = append(events, e) }
	l.table.OnEvicted(func(key string, value interface{}) {
		if h, ok := value.(Hello); ok {
			l.onEvent(StatusEvent{Status: StatusDown, Hello: h})
		}
	})

	h := Hello{UID: u, AppName: "A", ComponentType: "hub"}
	l.handle(h, nil)
	l.handle(h, nil) // second hello from same UID must not re-fire UP

	upCount := 0
	for _, e := range events {
		if e.Status == StatusUp {
			upCount++
		}
	}
	if upCount != 1 {
		t.Fatalf("expected exactly one UP event, got %d", upCount)
	}

	time.Sleep(40 * time.Millisecond)
	downCount := 0
	for _, e := range events {
		if e.Status == StatusDown {
			downCount++
		}
	}
	if downCount != 1 {
		t.Fatalf("expected exactly one DOWN event after expiry, got %d", downCount)
	}
}

func TestSolicitationNeverStored(t *testing.T) {
	u, _ := uid.Parse("0011223344550002")
	var events []StatusEvent
	l := &Listener{}
	l.table = newTestCache(t)
	l.onEvent = func(e StatusEvent) { events = append(events, e) }

	l.handle(Hello{UID: u, Solicit: true}, nil)
	if len(l.Table()) != 0 {
		t.Fatalf("solicitation must not be stored in the discovery table")
	}
	if len(events) != 1 || events[0].Status != StatusSolicitation {
		t.Fatalf("expected one SOLICITATION event, got %+v", events)
	}
}
