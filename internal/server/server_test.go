package server

import (
	"testing"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/activity"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/backstore"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/cap"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/captab"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/console"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/folio"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/futex"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/kthread"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/laundrywatch"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/messenger"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/oid"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/pager"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/store"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/thread"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/zone"
)

type nullResolver struct{ t store.Type }

func (r nullResolver) ResolveSlot(o oid.OID) (store.SlotInfo, bool) {
	return store.SlotInfo{Type: r.t}, true
}

type testSetup struct {
	t    *testing.T
	srv  *Server
	s    *store.Store
	fm   *folio.Manager
	am   *activity.Manager
	tm   *thread.Manager
	mm   *messenger.Manager
	cm   *captab.Manager
	root oid.OID
}

// newTestSetup wires every manager the way cmd/capmgrd does in production,
// rooted at a single bootstrap activity the caller pre-seeds the same way
// internal/activity's own tests do (the root activity predates any folio it
// could have been carved from).
func newTestSetup(t *testing.T) *testSetup {
	t.Helper()
	z := zone.New(nil)
	if err := z.Donate(256 * zone.PageSize); err != nil {
		t.Fatalf("donate: %v", err)
	}
	s := store.New(z, nil)

	root := oid.Make(0, 0)
	am := activity.New(s, root, nil)
	s.RegisterInitializer(store.TypeActivity, am)
	s.RegisterDestroyer(store.TypeActivity, am)

	rd, err := s.ObjectFind(root, nil, store.Policy{}, nullResolver{t: store.TypeActivity})
	if err != nil {
		t.Fatalf("ObjectFind root activity: %v", err)
	}
	am.Init(rd, store.Policy{})

	fm := folio.New(s, am, nil, nil, nil)

	mon := kthread.NewMonitor()
	tm := thread.New(mon, nil)
	s.RegisterInitializer(store.TypeThread, tm)
	s.RegisterDestroyer(store.TypeThread, tm)

	mm := messenger.New(s, fm, tm, nil)
	s.RegisterInitializer(store.TypeMessenger, mm)
	s.RegisterDestroyer(store.TypeMessenger, mm)

	cm := captab.New(s, fm, am, mm, nil)
	s.RegisterInitializer(store.TypeCappage, cm)
	fm.Shoot = cm
	fm.Waiters = mm

	fx := futex.New(s, mm, nil)
	pg := pager.New(s, fm, am, mm, cm, 256, nil)

	back := backstore.New(nil, "/laundry", 0)
	lw := laundrywatch.New(s, am, back, root, nil)

	con, err := console.New("serial")
	if err != nil {
		t.Fatalf("console.New: %v", err)
	}
	if err := con.Init(); err != nil {
		t.Fatalf("console Init: %v", err)
	}

	srv := New(s, fm, am, tm, mm, cm, fx, pg, lw, con, root, nil)
	return &testSetup{t: t, srv: srv, s: s, fm: fm, am: am, tm: tm, mm: mm, cm: cm, root: root}
}

// rootCap is the invoking thread's well-known address-space-root
// capability for every test below: a cappage directly reachable from the
// root, with well-known slots for whatever the test allocates.
func (ts *testSetup) newRootCappage() (cap.Cap, *store.Descriptor) {
	ts.t.Helper()
	fd, err := ts.fm.Alloc(ts.root, ts.am.OwnerFor(ts.root), store.Policy{})
	if err != nil {
		ts.t.Fatalf("folio Alloc: %v", err)
	}
	fstate := fd.TypeState.(*folio.State)

	cpd, err := ts.fm.ObjectAlloc(fd, 0, store.TypeCappage, store.Policy{}, ts.root, ts.am.OwnerFor(ts.root), 0)
	if err != nil {
		ts.t.Fatalf("ObjectAlloc cappage: %v", err)
	}
	_ = fstate
	return cap.Cap{Type: cap.Cappage, TargetOID: cpd.OID, TargetVersion: cpd.Version}, cpd
}

func slotAddr(idx int) uint64 { return uint64(idx) << (64 - 8) }

func TestFolioAllocObjectAllocAndCapCopyRoundTrip(t *testing.T) {
	ts := newTestSetup(t)
	rootCap, rootCpd := ts.newRootCappage()
	rootCst := rootCpd.TypeState.(*captab.State)

	// Put a capability to the root activity into slot 0, so Addrs[0]=0
	// resolves to it for FolioAlloc's owner argument.
	rootCst.Slots[0] = cap.Cap{Type: cap.ActivityControl, TargetOID: ts.root}

	allocReq := Request{Label: FolioAlloc, CapRoot: rootCap, Addrs: [4]uint64{slotAddr(0)}}
	reply := ts.srv.Dispatch(allocReq)
	if reply.Code != 0 {
		t.Fatalf("FolioAlloc: errno %d", reply.Code)
	}
	if reply.Cap.Type != cap.Folio {
		t.Fatalf("expected a folio cap back, got %+v", reply.Cap)
	}

	// Put the new folio cap into slot 1 and the owning activity into slot 2,
	// then allocate a page object at folio slot 5.
	rootCst.Slots[1] = reply.Cap
	rootCst.Slots[2] = cap.Cap{Type: cap.ActivityControl, TargetOID: ts.root}

	objReq := Request{
		Label:      ObjectAlloc,
		CapRoot:    rootCap,
		Addrs:      [4]uint64{slotAddr(1), slotAddr(2)},
		SlotIndex:  5,
		ObjectType: store.TypePage,
	}
	objReply := ts.srv.Dispatch(objReq)
	if objReply.Code != 0 {
		t.Fatalf("ObjectAlloc: errno %d", objReply.Code)
	}
	if objReply.Cap.Type != cap.Page {
		t.Fatalf("expected a page cap back, got %+v", objReply.Cap)
	}

	// Copy that page capability into slot 3, then read it back via cap_read.
	rootCst.Slots[3] = objReply.Cap
	copyReq := Request{
		Label:     CapCopy,
		CapRoot:   rootCap,
		Addrs:     [4]uint64{slotAddr(3), slotAddr(4)},
		CopyFlags: captab.CopyFlags{Weaken: true},
	}
	copyReply := ts.srv.Dispatch(copyReq)
	if copyReply.Code != 0 {
		t.Fatalf("CapCopy: errno %d", copyReply.Code)
	}
	if copyReply.Cap.Type != cap.RPage {
		t.Fatalf("expected weaken to demote the copy to rpage, got %+v", copyReply.Cap)
	}

	readReply := ts.srv.Dispatch(Request{Label: CapRead, CapRoot: rootCap, Addrs: [4]uint64{slotAddr(4)}})
	if readReply.Code != 0 || readReply.Cap.Type != cap.RPage {
		t.Fatalf("CapRead: %+v", readReply)
	}
}

func TestObjectDiscardRejectsNonDiscardableObject(t *testing.T) {
	ts := newTestSetup(t)
	rootCap, rootCpd := ts.newRootCappage()
	rootCst := rootCpd.TypeState.(*captab.State)
	rootCst.Slots[0] = cap.Cap{Type: cap.ActivityControl, TargetOID: ts.root}

	allocReply := ts.srv.Dispatch(Request{Label: FolioAlloc, CapRoot: rootCap, Addrs: [4]uint64{slotAddr(0)}})
	if allocReply.Code != 0 {
		t.Fatalf("FolioAlloc: errno %d", allocReply.Code)
	}
	rootCst.Slots[1] = allocReply.Cap

	objReply := ts.srv.Dispatch(Request{
		Label: ObjectAlloc, CapRoot: rootCap,
		Addrs: [4]uint64{slotAddr(1), slotAddr(0)},
		SlotIndex: 1, ObjectType: store.TypePage,
		Policy: store.Policy{Discardable: false},
	})
	if objReply.Code != 0 {
		t.Fatalf("ObjectAlloc: errno %d", objReply.Code)
	}
	rootCst.Slots[2] = objReply.Cap

	discardReply := ts.srv.Dispatch(Request{Label: ObjectDiscard, CapRoot: rootCap, Addrs: [4]uint64{slotAddr(2)}})
	if discardReply.Code == 0 {
		t.Fatalf("expected ObjectDiscard to reject a non-discardable object")
	}
}

func TestActivityInfoReportsFramesTotal(t *testing.T) {
	ts := newTestSetup(t)
	rootCap, rootCpd := ts.newRootCappage()
	rootCst := rootCpd.TypeState.(*captab.State)
	rootCst.Slots[0] = cap.Cap{Type: cap.ActivityControl, TargetOID: ts.root}

	infoReply := ts.srv.Dispatch(Request{Label: ActivityInfo, CapRoot: rootCap, Addrs: [4]uint64{slotAddr(0)}})
	if infoReply.Code != 0 {
		t.Fatalf("ActivityInfo: errno %d", infoReply.Code)
	}
	// The newRootCappage helper's folio and the cappage allocated in it are
	// both charged to root: each descriptor is attached to its owner when it
	// becomes resident.
	if infoReply.Info.FramesTotal < 1 {
		t.Fatalf("expected at least one frame charged to root, got %+v", infoReply.Info)
	}
}

func TestFutexWaitThenWakeRoundTrip(t *testing.T) {
	ts := newTestSetup(t)
	rootCap, rootCpd := ts.newRootCappage()
	rootCst := rootCpd.TypeState.(*captab.State)
	rootCst.Slots[0] = cap.Cap{Type: cap.ActivityControl, TargetOID: ts.root}

	allocReply := ts.srv.Dispatch(Request{Label: FolioAlloc, CapRoot: rootCap, Addrs: [4]uint64{slotAddr(0)}})
	rootCst.Slots[1] = allocReply.Cap

	pageReply := ts.srv.Dispatch(Request{
		Label: ObjectAlloc, CapRoot: rootCap,
		Addrs: [4]uint64{slotAddr(1), slotAddr(0)},
		SlotIndex: 0, ObjectType: store.TypePage,
	})
	rootCst.Slots[2] = pageReply.Cap

	msgReply := ts.srv.Dispatch(Request{
		Label: ObjectAlloc, CapRoot: rootCap,
		Addrs: [4]uint64{slotAddr(1), slotAddr(0)},
		SlotIndex: 1, ObjectType: store.TypeMessenger,
	})
	if msgReply.Code != 0 {
		t.Fatalf("ObjectAlloc messenger: errno %d", msgReply.Code)
	}
	waiter := msgReply.Cap.TargetOID

	waitReq := Request{
		Label: Futex, CapRoot: rootCap, Addrs: [4]uint64{slotAddr(2)},
		FutexSub: FutexOpWait, FutexExpected: 0, Sender: waiter,
	}
	waitReply := ts.srv.Dispatch(waitReq)
	if waitReply.Code != 0 {
		t.Fatalf("futex wait: errno %d", waitReply.Code)
	}

	wakeReq := Request{Label: Futex, CapRoot: rootCap, Addrs: [4]uint64{slotAddr(2)}, FutexSub: FutexOpWake, FutexN: 1}
	wakeReply := ts.srv.Dispatch(wakeReq)
	if wakeReply.Code != 0 || wakeReply.Words[0] != 1 {
		t.Fatalf("futex wake: %+v", wakeReply)
	}
}

func TestConsoleWriteWritesEveryByte(t *testing.T) {
	ts := newTestSetup(t)
	reply := ts.srv.Dispatch(Request{Label: ConsoleWrite, Bytes: []byte("ok")})
	if reply.Code != 0 || reply.Words[0] != 2 {
		t.Fatalf("ConsoleWrite: %+v", reply)
	}
}

func TestDispatchOfUnknownLabelReturnsEINVAL(t *testing.T) {
	ts := newTestSetup(t)
	reply := ts.srv.Dispatch(Request{Label: Label(9999)})
	if reply.Code == 0 {
		t.Fatalf("expected an error reply for an unregistered label")
	}
}
