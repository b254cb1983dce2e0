package captab

import (
	"testing"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/cap"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/errs"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/folio"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/oid"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/store"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/zone"
)

type fakeActivityLink struct{}

func (fakeActivityLink) FirstFolio(oid.OID) (oid.OID, bool)   { return oid.OID(0), false }
func (fakeActivityLink) SetFirstFolio(oid.OID, oid.OID, bool) {}
func (fakeActivityLink) ChargeFolioQuota(oid.OID, int) error  { return nil }

type fakeOwner struct{}

func (fakeOwner) Attach(d *store.Descriptor, p store.Policy) { d.HasOwner = true }

func newTestSetup(t *testing.T) (*Manager, *folio.Manager, *store.Store) {
	t.Helper()
	z := zone.New(nil)
	if err := z.Donate(64 * zone.PageSize); err != nil {
		t.Fatalf("donate: %v", err)
	}
	s := store.New(z, nil)
	fm := folio.New(s, fakeActivityLink{}, nil, nil, nil)
	cm := New(s, fm, nil, nil, nil)
	s.RegisterInitializer(store.TypeCappage, cm)
	fm.Shoot = cm
	return cm, fm, s
}

func TestCopyAppliesWeakenFlag(t *testing.T) {
	cm, _, _ := newTestSetup(t)
	src := cap.Cap{Type: cap.Page, TargetOID: oid.Make(0, 1), TargetVersion: 1}
	var dst cap.Cap

	if err := cm.Copy(src, &dst, CopyFlags{Weaken: true}, cap.Cap{}); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if dst.Type != cap.RPage {
		t.Fatalf("expected weaken flag to demote to rpage, got %v", dst.Type)
	}
}

func TestLookupResolvesCappageSlot(t *testing.T) {
	cm, fm, _ := newTestSetup(t)

	fd, err := fm.Alloc(oid.Make(0, 0), fakeOwner{}, store.Policy{})
	if err != nil {
		t.Fatalf("folio Alloc: %v", err)
	}
	fstate := fd.TypeState.(*folio.State)

	cpd, err := fm.ObjectAlloc(fd, 0, store.TypeCappage, store.Policy{}, oid.Make(0, 0), fakeOwner{}, 0)
	if err != nil {
		t.Fatalf("ObjectAlloc cappage: %v", err)
	}
	cst := cpd.TypeState.(*State)
	pageOID := oid.Make(fstate.Index, 1)
	cst.Slots[3] = cap.Cap{Type: cap.Page, TargetOID: pageOID, TargetVersion: 0}

	root := cap.Cap{Type: cap.Cappage, TargetOID: cpd.OID}
	addr := uint64(3) << (64 - 8)

	res, err := cm.Lookup(root, addr, WantCap)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Cap.Type != cap.Page || res.Cap.TargetOID != pageOID {
		t.Fatalf("expected resolved page cap, got %+v", res.Cap)
	}
}

func TestLookupWantSlotThroughWeakCappageFailsEPERM(t *testing.T) {
	cm, fm, _ := newTestSetup(t)

	fd, err := fm.Alloc(oid.Make(0, 0), fakeOwner{}, store.Policy{})
	if err != nil {
		t.Fatalf("folio Alloc: %v", err)
	}
	fstate := fd.TypeState.(*folio.State)

	cpd, err := fm.ObjectAlloc(fd, 0, store.TypeCappage, store.Policy{}, oid.Make(0, 0), fakeOwner{}, 0)
	if err != nil {
		t.Fatalf("ObjectAlloc cappage: %v", err)
	}
	cst := cpd.TypeState.(*State)
	pageOID := oid.Make(fstate.Index, 1)
	cst.Slots[3] = cap.Cap{Type: cap.Page, TargetOID: pageOID, TargetVersion: 0}

	root := cap.Cap{Type: cap.RCappage, TargetOID: cpd.OID}
	addr := uint64(3) << (64 - 8)

	if _, err := cm.Lookup(root, addr, WantCap); err != nil {
		t.Fatalf("WantCap through a weak root should still resolve: %v", err)
	}

	_, err = cm.Lookup(root, addr, WantSlot)
	if err == nil {
		t.Fatalf("expected a write request through a weak capability (spec Scenario F) to fail")
	}
	if got := errs.KindOf(err); got != errs.EPERM {
		t.Fatalf("expected EPERM, got %v", got)
	}
}

func TestShootdownObjectClearsMapped(t *testing.T) {
	cm, fm, s := newTestSetup(t)
	fd, err := fm.Alloc(oid.Make(0, 0), fakeOwner{}, store.Policy{})
	if err != nil {
		t.Fatalf("folio Alloc: %v", err)
	}
	nd, err := fm.ObjectAlloc(fd, 0, store.TypePage, store.Policy{}, oid.Make(0, 0), fakeOwner{}, 0)
	if err != nil {
		t.Fatalf("ObjectAlloc page: %v", err)
	}
	nd.Flags |= store.FlagMapped

	cm.ShootdownObject(nd.OID)

	if d := s.Peek(nd.OID); d.Flags.Has(store.FlagMapped) {
		t.Fatalf("expected FlagMapped cleared after shootdown")
	}
}
