package messenger

import (
	"testing"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/cap"
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

func newTestSetup(t *testing.T) (*Manager, *store.Store, oid.OID) {
	t.Helper()
	z := zone.New(nil)
	if err := z.Donate(64 * zone.PageSize); err != nil {
		t.Fatalf("donate: %v", err)
	}
	s := store.New(z, nil)
	fm := folio.New(s, fakeActivityLink{}, nil, nil, nil)
	s.RegisterInitializer(store.TypeFolio, fm)

	fd, err := fm.Alloc(oid.Make(0, 0), fakeOwner{}, store.Policy{})
	if err != nil {
		t.Fatalf("folio Alloc: %v", err)
	}
	fstate := fd.TypeState.(*folio.State)

	m := New(s, fm, nil, nil)
	fm.Waiters = m
	s.RegisterInitializer(store.TypeMessenger, m)
	s.RegisterDestroyer(store.TypeMessenger, m)

	return m, s, oid.Make(fstate.Index, 0)
}

func newMessenger(t *testing.T, m *Manager, fd *store.Descriptor, idx int) oid.OID {
	t.Helper()
	nd, err := m.Folio.ObjectAlloc(fd, idx, store.TypeMessenger, store.Policy{}, oid.Make(0, 0), fakeOwner{}, 0)
	if err != nil {
		t.Fatalf("ObjectAlloc(%d): %v", idx, err)
	}
	return nd.OID
}

func TestSendBlockedEnqueuesThenReceiveTransfers(t *testing.T) {
	m, s, folioBase := newTestSetup(t)
	fd := s.Peek(oid.FolioOID(folioBase))

	target := newMessenger(t, m, fd, 1)
	src := newMessenger(t, m, fd, 2)

	if err := m.Send(src, target, [2]uint64{42, 7}, cap.Cap{}, false, false); err != nil {
		t.Fatalf("Send: %v", err)
	}

	_, tst, _ := m.get(target)
	if !tst.Blocked {
		t.Fatalf("expected target to remain blocked with a sender enqueued")
	}

	if err := m.Receive(target, false); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if tst.InlineWords[0] != 42 || tst.InlineWords[1] != 7 {
		t.Fatalf("expected inline words transferred, got %v", tst.InlineWords)
	}
}

func TestNotifyDestroyedDeliversDestroyCodeAndFault(t *testing.T) {
	m, s, folioBase := newTestSetup(t)
	fd := s.Peek(oid.FolioOID(folioBase))

	waiterA := newMessenger(t, m, fd, 3)
	waiterB := newMessenger(t, m, fd, 4)
	obj := newMessenger(t, m, fd, 5)

	if err := m.Enqueue(obj, waiterA, WaitDestroy, 0); err != nil {
		t.Fatalf("Enqueue A: %v", err)
	}
	if err := m.Enqueue(obj, waiterB, WaitFutex, 0); err != nil {
		t.Fatalf("Enqueue B: %v", err)
	}

	head, ok := m.Folio.SlotWaitQueue(obj)
	if !ok || head != waiterA {
		t.Fatalf("expected waiterA at head, got %v ok=%v", head, ok)
	}

	m.NotifyDestroyed(head, true, 99)

	_, astate, err := m.get(waiterA)
	if err != nil {
		t.Fatalf("get waiterA: %v", err)
	}
	_, bstate, err := m.get(waiterB)
	if err != nil {
		t.Fatalf("get waiterB: %v", err)
	}
	if astate.ReplyCode != 99 {
		t.Fatalf("expected destroy return code delivered to waiterA, got %d", astate.ReplyCode)
	}
	if !bstate.HasReply || bstate.ReplyCode == 99 {
		t.Fatalf("expected waiterB to receive a fault reply distinct from the destroy code")
	}
}
