// Package store implements the object store: the frame table and OID→
// descriptor hash described in spec.md §4.2, plus the status-bit/aging
// machinery objects carry while resident. It knows nothing about activities,
// capabilities or messengers beyond their OID and type tag — those
// semantics live in internal/activity, internal/captab and
// internal/messenger, which hold *Descriptor pointers obtained from here.
package store

import (
	"container/list"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/oid"
)

// Type is the reserved set of object variants (spec.md §3). Every object on
// disk is exactly one of these; Void denotes a deallocated slot.
type Type int

const (
	TypeVoid Type = iota
	TypePage
	TypeCappage
	TypeFolio
	TypeThread
	TypeActivity
	TypeMessenger
)

func (t Type) String() string {
	switch t {
	case TypeVoid:
		return "void"
	case TypePage:
		return "page"
	case TypeCappage:
		return "cappage"
	case TypeFolio:
		return "folio"
	case TypeThread:
		return "thread"
	case TypeActivity:
		return "activity"
	case TypeMessenger:
		return "messenger"
	default:
		return "unknown"
	}
}

// Policy is the discardability/priority pair every object and every
// capability-cached override carries (spec.md §3).
type Policy struct {
	Discardable bool
	Priority    int8 // in [-64, 63]
}

// ClampPriority enforces the spec's signed-int range for priorities.
func ClampPriority(p int) int8 {
	if p < -64 {
		return -64
	}
	if p > 63 {
		return 63
	}
	return int8(p)
}

// Flags are the per-descriptor status bits (spec.md §3).
type Flags uint16

const (
	FlagLive Flags = 1 << iota
	FlagDirty
	FlagReferenced
	FlagUserDirty
	FlagUserReferenced
	FlagEvictionCandidate
	FlagFloating
	FlagShared
	FlagMapped
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// ListKind names the one list a resident descriptor may be linked on, used
// only for invariant checks and logging (spec.md §3: "every object appears
// on exactly one of ...").
type ListKind int

const (
	ListNone ListKind = iota
	ListActive
	ListInactive
	ListEvictionClean
	ListEvictionDirty
	ListLaundry
	ListAvailable
)

// Descriptor is the in-memory, never-persisted per-object record (spec.md
// §3). OwnerOID names the owning activity by OID rather than by pointer —
// store has no notion of the activity package's Activity type, which keeps
// this package a dependency leaf.
type Descriptor struct {
	Type    Type
	OID     oid.OID
	Version uint64

	OwnerOID oid.OID
	HasOwner bool

	Policy Policy
	Age    uint8 // 2-bit age counter (kept in a byte for headroom)
	Flags  Flags

	List ListKind
	elem *list.Element

	// Frame is the backing page-sized storage for this object, lazily
	// populated on first residency. Its length is zero until then.
	Frame []byte

	// TypeState is an opaque per-type payload (folio table, thread UTCB
	// state, activity control block, messenger state, cappage slots) owned
	// and type-asserted by the package that understands Type.
	TypeState interface{}

	ownerListPtr *list.List
}

// Bump increments the descriptor's version, invalidating every outstanding
// capability that named the previous version (spec.md §3 invariants).
func (d *Descriptor) Bump() { d.Version++ }

// Unlink detaches d from whichever list (global or per-activity) currently
// holds it. Every list d can ever occupy is linked through store.Place, so
// this single method is enough regardless of which package owns the list.
func (d *Descriptor) Unlink() {
	if d.elem != nil && d.ownerListPtr != nil {
		d.ownerListPtr.Remove(d.elem)
	}
	d.elem = nil
	d.ownerListPtr = nil
	d.List = ListNone
}

func (d *Descriptor) touch() {
	d.Flags |= FlagReferenced | FlagUserReferenced
	d.Age = 3
}
