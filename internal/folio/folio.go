// Package folio implements the folio allocator and the capability
// operations that act on whole folios and their contained slots (spec.md
// §3, §4.3). A folio is the only unit of persistent storage: every other
// object is carved from one of its 128 slots.
package folio

import (
	"github.com/sirupsen/logrus"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/errs"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/logfmt"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/oid"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/store"
)

// Slot is the per-slot metadata a folio persists for each of its 128
// contained objects (spec.md §3): type, version, content/discarded bit,
// referenced/dirty bits, policy, and the head of that object's wait queue.
type Slot struct {
	Type          store.Type
	Version       uint64
	Content       bool
	Discarded     bool
	Referenced    bool
	Dirty         bool
	Policy        store.Policy
	WaitQueueHead oid.OID
	HasWaitQueue  bool
}

// State is the folio object's TypeState payload.
type State struct {
	Index  int64
	Slots  [oid.SlotsPerFolio]Slot
	Policy store.Policy

	OwnerOID oid.OID

	PrevFolio, NextFolio       oid.OID
	HasPrevFolio, HasNextFolio bool
}

// ActivityLink is the narrow slice of activity bookkeeping the folio
// allocator needs, satisfied by internal/activity's Manager. Keeping this as
// an interface (rather than importing internal/activity) keeps folio a
// dependency leaf activity can sit above.
type ActivityLink interface {
	FirstFolio(activityOID oid.OID) (oid.OID, bool)
	SetFirstFolio(activityOID oid.OID, folioOID oid.OID, has bool)
	// ChargeFolioQuota enforces and applies delta to folio_count up the
	// ancestor chain atomically; on failure (ENOMEM) no counter changed.
	ChargeFolioQuota(activityOID oid.OID, delta int) error
}

// WaitQueueNotifier delivers folio-object-alloc's destroy-path replies: the
// configured return code to WAIT_DESTROY waiters, EFAULT to everyone else
// (spec.md §4.3). Implemented by internal/messenger.
type WaitQueueNotifier interface {
	NotifyDestroyed(waitQueueHead oid.OID, hasQueue bool, returnCode uint32)
}

// Shootdowner invalidates every hardware mapping derived from d (spec.md
// §4.3 as_lookup / cap_copy / shoot-down). Implemented by internal/captab.
type Shootdowner interface {
	ShootdownObject(o oid.OID)
}

// Manager is the folio allocator.
type Manager struct {
	Store *store.Store
	Log   *logrus.Entry

	Activities ActivityLink
	Waiters    WaitQueueNotifier
	Shoot      Shootdowner

	nextIndex int64
}

// New returns a folio allocator over s.
func New(s *store.Store, act ActivityLink, waiters WaitQueueNotifier, shoot Shootdowner, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{Store: s, Activities: act, Waiters: waiters, Shoot: shoot, Log: log}
}

// ResolveSlot implements store.Resolver: it looks at the folio containing o
// to answer object_find's per-slot metadata question (spec.md §4.2).
func (m *Manager) ResolveSlot(o oid.OID) (store.SlotInfo, bool) {
	folioOID := oid.FolioOID(o)
	fd := m.Store.Peek(folioOID)
	if fd == nil || fd.Type != store.TypeFolio {
		return store.SlotInfo{}, false
	}
	st := fd.TypeState.(*State)
	_, slot := oid.Split(o)
	if slot < 0 || slot >= oid.SlotsPerFolio {
		return store.SlotInfo{}, false
	}
	s := st.Slots[slot]
	return store.SlotInfo{Type: s.Type, Version: s.Version, Content: s.Content, Discarded: s.Discarded}, true
}

// Alloc creates a new folio, charged to owner subject to its folio quota
// (enforced up the ancestor chain), and parents it into owner's folio list
// (spec.md §3, §4.3).
func (m *Manager) Alloc(ownerOID oid.OID, owner store.Owner, policy store.Policy) (*store.Descriptor, error) {
	if err := m.Activities.ChargeFolioQuota(ownerOID, 1); err != nil {
		return nil, err
	}

	idx := m.nextIndex
	m.nextIndex++
	folioOID := oid.Make(idx, oid.HeaderSlot)

	d, err := m.Store.ObjectFind(folioOID, owner, policy, m)
	if err != nil {
		_ = m.Activities.ChargeFolioQuota(ownerOID, -1)
		return nil, err
	}
	st := &State{Index: idx, Policy: policy, OwnerOID: ownerOID}
	d.TypeState = st

	if head, ok := m.Activities.FirstFolio(ownerOID); ok {
		if hd := m.Store.Peek(head); hd != nil {
			headState := hd.TypeState.(*State)
			headState.PrevFolio = folioOID
			headState.HasPrevFolio = true
			st.NextFolio = head
			st.HasNextFolio = true
		}
	}
	m.Activities.SetFirstFolio(ownerOID, folioOID, true)

	return d, nil
}

// Free bumps the folio's own version and frees all 128 contained objects,
// cascading their version bumps, then unlinks the folio from its activity's
// folio list (spec.md §3).
func (m *Manager) Free(fd *store.Descriptor) error {
	if fd.Type != store.TypeFolio {
		return errs.New(errs.EINVAL, "folio.Free: not a folio")
	}
	st := fd.TypeState.(*State)

	for i := 0; i < oid.SlotsPerFolio; i++ {
		slot := &st.Slots[i]
		if slot.Type == store.TypeVoid {
			continue
		}
		childOID := oid.Make(st.Index, i)
		if cd := m.Store.Peek(childOID); cd != nil {
			m.Store.MemoryObjectDestroy(cd, m.shootdownFn)
		}
		slot.Version++
		slot.Type = store.TypeVoid
		slot.Content = false
		slot.Discarded = false
	}

	// Unlink from the sibling chain.
	if st.HasPrevFolio {
		if pd := m.Store.Peek(st.PrevFolio); pd != nil {
			ps := pd.TypeState.(*State)
			ps.NextFolio = st.NextFolio
			ps.HasNextFolio = st.HasNextFolio
		}
	} else {
		m.Activities.SetFirstFolio(st.OwnerOID, st.NextFolio, st.HasNextFolio)
	}
	if st.HasNextFolio {
		if nd := m.Store.Peek(st.NextFolio); nd != nil {
			ns := nd.TypeState.(*State)
			ns.PrevFolio = st.PrevFolio
			ns.HasPrevFolio = st.HasPrevFolio
		}
	}

	fd.Bump()
	m.Store.MemoryObjectDestroy(fd, m.shootdownFn)
	_ = m.Activities.ChargeFolioQuota(st.OwnerOID, -1)
	return nil
}

// SlotWaitQueue returns the wait-queue head messenger OID recorded in o's
// containing folio slot (spec.md §3 per-slot "wait-queue-head OID").
func (m *Manager) SlotWaitQueue(o oid.OID) (oid.OID, bool) {
	folioOID := oid.FolioOID(o)
	fd := m.Store.Peek(folioOID)
	if fd == nil || fd.Type != store.TypeFolio {
		return oid.OID(0), false
	}
	st := fd.TypeState.(*State)
	_, slot := oid.Split(o)
	if slot < 0 || slot >= oid.SlotsPerFolio {
		return oid.OID(0), false
	}
	s := &st.Slots[slot]
	return s.WaitQueueHead, s.HasWaitQueue
}

// SetSlotWaitQueue overwrites o's containing folio slot's wait-queue head.
func (m *Manager) SetSlotWaitQueue(o oid.OID, head oid.OID, has bool) {
	folioOID := oid.FolioOID(o)
	fd := m.Store.Peek(folioOID)
	if fd == nil || fd.Type != store.TypeFolio {
		return
	}
	st := fd.TypeState.(*State)
	_, slot := oid.Split(o)
	if slot < 0 || slot >= oid.SlotsPerFolio {
		return
	}
	s := &st.Slots[slot]
	s.WaitQueueHead, s.HasWaitQueue = head, has
}

// SetDiscarded sets o's containing folio slot's discarded bit (spec.md §4.5
// forced reclamation: "discarded bit is set on the slot if discardable").
func (m *Manager) SetDiscarded(o oid.OID, v bool) {
	folioOID := oid.FolioOID(o)
	fd := m.Store.Peek(folioOID)
	if fd == nil || fd.Type != store.TypeFolio {
		return
	}
	st := fd.TypeState.(*State)
	_, slot := oid.Split(o)
	if slot < 0 || slot >= oid.SlotsPerFolio {
		return
	}
	st.Slots[slot].Discarded = v
}

// SetPolicy overwrites a folio's default discardable/priority policy
// (folio_policy, spec.md §4.3): new objects carved from it pick it up at
// ObjectAlloc time, already-resident ones are untouched.
func (m *Manager) SetPolicy(fd *store.Descriptor, p store.Policy) error {
	if fd.Type != store.TypeFolio {
		return errs.New(errs.EINVAL, "folio.SetPolicy: not a folio")
	}
	st := fd.TypeState.(*State)
	st.Policy = p
	return nil
}

func (m *Manager) shootdownFn(d *store.Descriptor) {
	if m.Shoot != nil {
		m.Shoot.ShootdownObject(d.OID)
	}
}

// ObjectAlloc implements folio-object-alloc(folio, idx, type, policy,
// return_code) (spec.md §4.3).
func (m *Manager) ObjectAlloc(fd *store.Descriptor, idx int, t store.Type, policy store.Policy, ownerOID oid.OID, owner store.Owner, returnCode uint32) (*store.Descriptor, error) {
	if fd.Type != store.TypeFolio {
		return nil, errs.New(errs.EINVAL, "folio.ObjectAlloc: target is not a folio")
	}
	if idx < 0 || idx >= oid.SlotsPerFolio {
		return nil, errs.New(errs.EINVAL, "folio.ObjectAlloc: slot index out of range")
	}
	st := fd.TypeState.(*State)
	slot := &st.Slots[idx]
	childOID := oid.Make(st.Index, idx)

	if old := m.Store.Peek(childOID); old != nil {
		switch old.Type {
		case store.TypeActivity, store.TypeThread, store.TypeMessenger:
			if m.Waiters != nil {
				m.Waiters.NotifyDestroyed(slot.WaitQueueHead, slot.HasWaitQueue, returnCode)
			}
		}
		m.Log.WithFields(logrus.Fields{
			"object":  logfmt.OID(childOID),
			"oldType": old.Type,
			"newType": t,
		}).Debug("folio: object slot retyped, tearing down old occupant")
		m.Store.MemoryObjectDestroy(old, m.shootdownFn)
	} else if slot.Type != store.TypeVoid {
		// Resident descriptor absent but the slot was non-void on disk:
		// still deliver the destroy notification to any waiters recorded
		// in the slot.
		if m.Waiters != nil {
			m.Waiters.NotifyDestroyed(slot.WaitQueueHead, slot.HasWaitQueue, returnCode)
		}
	}

	if slot.Type != store.TypeVoid {
		slot.Version++
	}

	slot.Type = t
	slot.Content = false
	slot.Discarded = false
	slot.Referenced = false
	slot.Dirty = false
	slot.Policy = policy
	slot.WaitQueueHead = oid.OID(0)
	slot.HasWaitQueue = false

	if t == store.TypeVoid {
		return nil, nil
	}

	nd, err := m.Store.ObjectFind(childOID, owner, policy, m)
	if err != nil {
		return nil, err
	}
	nd.Version = slot.Version
	m.Store.InitializeIfNeeded(nd, policy)
	return nd, nil
}
