package directory

import (
	"testing"

	"snchub/internal/uid"
)

type fakeSlots struct {
	next        int
	freed       []int
	subscribers map[int][]uid.UID
}

func newFakeSlots() *fakeSlots {
	return &fakeSlots{subscribers: make(map[int][]uid.UID)}
}

func (f *fakeSlots) AllocSlot(source, prevHop uid.UID, path string) int {
	f.next++
	return f.next
}

func (f *fakeSlots) FreeSlot(slot int) {
	f.freed = append(f.freed, slot)
	delete(f.subscribers, slot)
}

func (f *fakeSlots) AddSubscriber(slot int, u uid.UID, port uint16) {
	f.subscribers[slot] = append(f.subscribers[slot], u)
}

func (f *fakeSlots) RemoveSubscriber(slot int, u uid.UID, port int) {
	var out []uid.UID
	for _, x := range f.subscribers[slot] {
		if x != u {
			out = append(out, x)
		}
	}
	f.subscribers[slot] = out
}

func mustUID(t *testing.T, s string) uid.UID {
	t.Helper()
	u, err := uid.Parse(s)
	if err != nil {
		t.Fatalf("parse uid: %v", err)
	}
	return u
}

func TestProcessDEIdempotent(t *testing.T) {
	slots := newFakeSlots()
	d := New(slots)
	a := mustUID(t, "0011223344550002")

	doc := ComponentDoc{
		UID: a, AppName: "A", ComponentType: "endpoint",
		Services: []ServiceDecl{{Name: "video", Kind: ServiceMulticast}},
	}
	raw := EncodeDE([]ComponentDoc{doc})

	changed, err := d.ProcessDE(1, raw, a)
	if err != nil || !changed {
		t.Fatalf("first ProcessDE: changed=%v err=%v", changed, err)
	}
	if slots.next != 1 {
		t.Fatalf("expected one slot allocated, got %d", slots.next)
	}

	changed, err = d.ProcessDE(1, raw, a)
	if err != nil {
		t.Fatalf("second ProcessDE: %v", err)
	}
	if changed {
		t.Fatalf("re-processing identical DE must not report a change")
	}
	if slots.next != 1 {
		t.Fatalf("re-processing identical DE must not allocate new slots, got %d", slots.next)
	}
}

func TestProcessDERemovesVanishedServices(t *testing.T) {
	slots := newFakeSlots()
	d := New(slots)
	a := mustUID(t, "0011223344550002")

	withService := EncodeDE([]ComponentDoc{{
		UID: a, AppName: "A", ComponentType: "endpoint",
		Services: []ServiceDecl{{Name: "video", Kind: ServiceMulticast}},
	}})
	if _, err := d.ProcessDE(1, withService, a); err != nil {
		t.Fatal(err)
	}

	withoutService := EncodeDE([]ComponentDoc{{
		UID: a, AppName: "A", ComponentType: "endpoint",
		Services: nil,
	}})
	changed, err := d.ProcessDE(1, withoutService, a)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatalf("expected change when service vanished")
	}
	if len(slots.freed) != 1 {
		t.Fatalf("expected slot to be freed, freed=%v", slots.freed)
	}
}

func TestFindServiceAndRemove(t *testing.T) {
	slots := newFakeSlots()
	d := New(slots)
	a := mustUID(t, "0011223344550002")
	b := mustUID(t, "aabbccddeeff0003")

	raw := EncodeDE([]ComponentDoc{{
		UID: a, AppName: "A", ComponentType: "endpoint",
		Services: []ServiceDecl{{Name: "video", Kind: ServiceMulticast}},
	}})
	if _, err := d.ProcessDE(1, raw, a); err != nil {
		t.Fatal(err)
	}

	res, err := d.FindService("A/video", ServiceMulticast, b, 0, nil, LookupResolve)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if res.UID != a {
		t.Fatalf("resolved wrong uid: %v", res.UID)
	}
	if len(slots.subscribers[int(res.Port)]) != 1 {
		t.Fatalf("subscriber not registered")
	}

	if _, err := d.FindService("A/video", ServiceMulticast, b, 0, nil, LookupRemoveReq); err != nil {
		t.Fatal(err)
	}
	if len(slots.subscribers[int(res.Port)]) != 0 {
		t.Fatalf("subscriber not removed")
	}
}

func TestRemoveConnectionFreesSlots(t *testing.T) {
	slots := newFakeSlots()
	d := New(slots)
	a := mustUID(t, "0011223344550002")

	raw := EncodeDE([]ComponentDoc{{
		UID: a, AppName: "A", ComponentType: "endpoint",
		Services: []ServiceDecl{{Name: "video", Kind: ServiceMulticast}},
	}})
	if _, err := d.ProcessDE(1, raw, a); err != nil {
		t.Fatal(err)
	}
	d.RemoveConnection(1)
	if len(slots.freed) != 1 {
		t.Fatalf("expected slot freed on connection removal")
	}
}
