package store

import (
	"testing"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/oid"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/zone"
)

type fakeOwner struct {
	attached []oid.OID
}

func (o *fakeOwner) Attach(d *Descriptor, p Policy) {
	o.attached = append(o.attached, d.OID)
	d.Policy = p
}

type fakeResolver struct {
	slots map[oid.OID]SlotInfo
}

func (r *fakeResolver) ResolveSlot(o oid.OID) (SlotInfo, bool) {
	s, ok := r.slots[o]
	return s, ok
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	z := zone.New(nil)
	if err := z.Donate(64 * zone.PageSize); err != nil {
		t.Fatalf("donate: %v", err)
	}
	return New(z, nil)
}

func TestObjectFindAllocatesAndCaches(t *testing.T) {
	s := newTestStore(t)
	owner := &fakeOwner{}
	res := &fakeResolver{slots: map[oid.OID]SlotInfo{
		oid.Make(0, 1): {Type: TypePage, Version: 1},
	}}

	d, err := s.ObjectFind(oid.Make(0, 1), owner, Policy{Priority: 0}, res)
	if err != nil {
		t.Fatalf("ObjectFind: %v", err)
	}
	if d.Type != TypePage {
		t.Fatalf("got type %v want page", d.Type)
	}
	if len(owner.attached) != 1 {
		t.Fatalf("owner not attached once")
	}

	d2, err := s.ObjectFind(oid.Make(0, 1), owner, Policy{}, res)
	if err != nil {
		t.Fatalf("second ObjectFind: %v", err)
	}
	if d2 != d {
		t.Fatalf("expected cached descriptor to be returned")
	}
	if len(owner.attached) != 1 {
		t.Fatalf("owner attached twice on cache hit")
	}
}

func TestObjectFindDiscardedReturnsNil(t *testing.T) {
	s := newTestStore(t)
	res := &fakeResolver{slots: map[oid.OID]SlotInfo{
		oid.Make(0, 2): {Type: TypePage, Version: 1, Discarded: true},
	}}
	d, err := s.ObjectFind(oid.Make(0, 2), nil, Policy{}, res)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != nil {
		t.Fatalf("expected nil for a discarded object")
	}
}

func TestObjectFindSoftNeverAllocates(t *testing.T) {
	s := newTestStore(t)
	if d := s.ObjectFindSoft(oid.Make(0, 3)); d != nil {
		t.Fatalf("expected a soft miss to return nil")
	}
}

func TestPlaceMovesBetweenGlobalLists(t *testing.T) {
	s := newTestStore(t)
	d := &Descriptor{OID: oid.Make(0, 5)}
	s.byOID[d.OID] = d

	s.LinkAvailable(d)
	if d.List != ListAvailable || s.Available.Len() != 1 {
		t.Fatalf("expected descriptor on available list")
	}

	s.LinkLaundry(d)
	if d.List != ListLaundry {
		t.Fatalf("expected descriptor to report laundry after relink")
	}
	if s.Available.Len() != 0 {
		t.Fatalf("descriptor still linked on available after moving to laundry")
	}
	if s.Laundry.Len() != 1 {
		t.Fatalf("expected descriptor linked on laundry")
	}
}

func TestMemoryObjectDestroyUnlinksAndMarksDead(t *testing.T) {
	s := newTestStore(t)
	res := &fakeResolver{slots: map[oid.OID]SlotInfo{
		oid.Make(0, 6): {Type: TypePage, Version: 0},
	}}
	d, err := s.ObjectFind(oid.Make(0, 6), nil, Policy{}, res)
	if err != nil {
		t.Fatalf("ObjectFind: %v", err)
	}
	s.LinkAvailable(d)

	var shotDown bool
	s.MemoryObjectDestroy(d, func(*Descriptor) { shotDown = true })

	if !shotDown {
		t.Fatalf("expected shootdown callback to run")
	}
	if d.Flags.Has(FlagLive) {
		t.Fatalf("expected FlagLive cleared after destroy")
	}
	if s.Peek(d.OID) != nil {
		t.Fatalf("expected OID hash entry removed")
	}
	if s.Available.Len() != 0 {
		t.Fatalf("expected descriptor unlinked from available list")
	}
}
