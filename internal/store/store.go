package store

import (
	"container/list"

	"github.com/sirupsen/logrus"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/errs"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/logfmt"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/oid"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/zone"
)

// SlotInfo is what a folio reports about one of its 128 contained object
// slots: the bookkeeping spec.md §3 says lives in the folio's own per-slot
// metadata, not in the (non-persisted) Descriptor.
type SlotInfo struct {
	Type      Type
	Version   uint64
	Content   bool // the slot has been written at least once
	Discarded bool
}

// Resolver lets store.ObjectFind consult the folio that contains o without
// store importing the folio package (store stays a dependency leaf; folio
// implements Resolver).
type Resolver interface {
	ResolveSlot(o oid.OID) (SlotInfo, bool)
}

// Owner lets store.ObjectFind claim an object for an activity without store
// importing the activity package. internal/activity hands ObjectFind an
// Owner bound to one specific activity OID.
type Owner interface {
	Attach(d *Descriptor, p Policy)
}

// Destroyer runs type-specific teardown (activity/thread/messenger) the
// moment a descriptor is torn down (spec.md §4.2).
type Destroyer interface {
	Destroy(d *Descriptor)
}

// Initializer runs type-specific setup the moment a slot is (re)tagged to a
// type that needs it.
type Initializer interface {
	Init(d *Descriptor, p Policy)
}

// Store is the frame table + OID→descriptor hash (spec.md §4.2). The two
// list heads it owns directly (Available, Laundry) are genuinely global per
// spec.md §4.4/§4.5; the per-activity active/inactive/eviction-clean/
// eviction-dirty lists are owned by internal/activity, which places
// descriptors into its own list.List values via the exported Place/Unlink
// helpers below so every list a descriptor can ever sit on — global or
// per-activity — is unlinked through the same code path.
type Store struct {
	Zone *zone.Zone
	Log  *logrus.Entry

	byOID map[oid.OID]*Descriptor

	Available *list.List
	Laundry   *list.List

	destroyers   map[Type]Destroyer
	initializers map[Type]Initializer
}

// New returns an empty store backed by z.
func New(z *zone.Zone, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		Zone:         z,
		Log:          log,
		byOID:        make(map[oid.OID]*Descriptor),
		Available:    list.New(),
		Laundry:      list.New(),
		destroyers:   make(map[Type]Destroyer),
		initializers: make(map[Type]Initializer),
	}
}

// RegisterDestroyer wires the type-specific teardown for t.
func (s *Store) RegisterDestroyer(t Type, d Destroyer) { s.destroyers[t] = d }

// RegisterInitializer wires the type-specific setup for t.
func (s *Store) RegisterInitializer(t Type, i Initializer) { s.initializers[t] = i }

// InitializeIfNeeded runs the registered Initializer for d.Type, if any.
func (s *Store) InitializeIfNeeded(d *Descriptor, p Policy) {
	if i, ok := s.initializers[d.Type]; ok {
		i.Init(d, p)
	}
}

// Place links d onto l (front if requested), first unlinking it from
// wherever it currently sits — the single code path every list a
// descriptor can occupy goes through, so the spec.md §3 "exactly one list"
// invariant holds by construction.
func Place(l *list.List, d *Descriptor, kind ListKind, front bool) {
	d.Unlink()
	var el *list.Element
	if front {
		el = l.PushFront(d)
	} else {
		el = l.PushBack(d)
	}
	d.elem = el
	d.ownerListPtr = l
	d.List = kind
}

// LinkAvailable appends d to the tail of the global available list.
func (s *Store) LinkAvailable(d *Descriptor) { Place(s.Available, d, ListAvailable, false) }

// LinkLaundry appends d to the tail of the global laundry list.
func (s *Store) LinkLaundry(d *Descriptor) { Place(s.Laundry, d, ListLaundry, false) }

// Peek returns the resident descriptor for o without allocating, or nil.
func (s *Store) Peek(o oid.OID) *Descriptor { return s.byOID[o] }

// ObjectFindSoft returns the resident descriptor for o, or nil — it never
// allocates a frame (spec.md §4.2).
func (s *Store) ObjectFindSoft(o oid.OID) *Descriptor { return s.byOID[o] }

// ObjectFind resolves o to a resident descriptor, allocating a frame and
// populating the descriptor from the containing folio's slot metadata on a
// cache miss (spec.md §4.2). A discarded object returns nil, nil — the
// caller must explicitly clear the discarded bit before it can be found
// again. If the activity identified by owner does not yet own the object,
// ownership is claimed under policy.
func (s *Store) ObjectFind(o oid.OID, owner Owner, policy Policy, res Resolver) (*Descriptor, error) {
	if d, ok := s.byOID[o]; ok {
		d.touch()
		if !d.HasOwner && owner != nil {
			owner.Attach(d, policy)
			d.HasOwner = true
		}
		return d, nil
	}

	isFolioHeader := oid.IsFolioHeader(o)

	d := &Descriptor{OID: o, Flags: FlagLive, Age: 3}

	if isFolioHeader {
		d.Type = TypeFolio
	} else if res != nil {
		info, ok := res.ResolveSlot(o)
		if !ok {
			return nil, errs.New(errs.ENOENT, "object_find: no containing folio slot for OID")
		}
		if info.Discarded {
			return nil, nil
		}
		d.Type = info.Type
		d.Version = info.Version
	}

	frame := s.allocFrame()
	if frame == nil {
		s.Log.WithField("object", logfmt.OID(o)).Warn("store: frame allocation failed, pager collection needed")
		return nil, errs.New(errs.ENOMEM, "object_find: frame allocation failed")
	}
	d.Frame = frame

	s.byOID[o] = d
	d.Policy = policy

	if owner != nil {
		owner.Attach(d, policy)
		d.HasOwner = true
	}

	return d, nil
}

// allocFrame tries the zone first; on failure it reclaims the tail of the
// global available list (a clean eviction candidate). An empty available
// list after that is the caller's (internal/pager) cue to collect and retry.
func (s *Store) allocFrame() []byte {
	if s.Zone != nil {
		if f := s.Zone.Alloc(zone.PageSize); f != nil {
			return f
		}
	}
	if el := s.Available.Back(); el != nil {
		victim := el.Value.(*Descriptor)
		frame := victim.Frame
		s.reclaimDescriptor(victim)
		return frame
	}
	return nil
}

func (s *Store) reclaimDescriptor(d *Descriptor) {
	d.Unlink()
	delete(s.byOID, d.OID)
	d.Flags &^= FlagLive
	d.Frame = nil
}

// MemoryObjectDestroy shoots down every capability naming d (delegated to
// the caller via shootdown, since store has no notion of capabilities),
// unlinks it, removes the OID→descriptor hash entry, runs type-specific
// teardown, and marks the descriptor dead. It does NOT free the frame — the
// caller returns the frame to the zone itself (spec.md §4.2).
func (s *Store) MemoryObjectDestroy(d *Descriptor, shootdown func(*Descriptor)) {
	if shootdown != nil {
		shootdown(d)
	}
	d.Unlink()
	delete(s.byOID, d.OID)
	if dz, ok := s.destroyers[d.Type]; ok {
		dz.Destroy(d)
	}
	d.Flags &^= FlagLive
}
