// Package cap defines the capability value type itself (spec.md §3): a
// small, copyable struct carrying a type tag, a target OID+version, an
// address translator, and policy overrides. It has no notion of the object
// store, folios, threads or messengers — those live above it in
// internal/captab, which resolves a Cap against the live object graph.
package cap

import (
	"github.com/OldRepoPreservation/viengoos-sub000/internal/oid"
)

// Type is the reserved set of capability type tags (spec.md §3). An "r"
// prefix denotes a weak variant.
type Type int

const (
	Void Type = iota
	Page
	RPage
	Cappage
	RCappage
	Folio
	Thread
	ActivityControl
	Activity // weak-only: there is no strong "activity" cap type
	Messenger
	RMessenger
)

func (t Type) String() string {
	switch t {
	case Void:
		return "void"
	case Page:
		return "page"
	case RPage:
		return "rpage"
	case Cappage:
		return "cappage"
	case RCappage:
		return "rcappage"
	case Folio:
		return "folio"
	case Thread:
		return "thread"
	case ActivityControl:
		return "activity_control"
	case Activity:
		return "activity"
	case Messenger:
		return "messenger"
	case RMessenger:
		return "rmessenger"
	default:
		return "unknown"
	}
}

// Weak reports whether t is a read-only variant.
func (t Type) Weak() bool {
	switch t {
	case RPage, RCappage, Activity, RMessenger:
		return true
	default:
		return false
	}
}

// Weaken returns the weak counterpart of t (t itself if already weak, or if
// t has no weak counterpart e.g. Void/Folio/Thread/ActivityControl, which
// the spec never demotes).
func (t Type) Weaken() Type {
	switch t {
	case Page:
		return RPage
	case Cappage:
		return RCappage
	case Messenger:
		return RMessenger
	default:
		return t
	}
}

// Translator is the guard + guard-bit-count + optional sub-page selector
// held inside every capability (spec.md §3).
type Translator struct {
	Guard     uint64
	GuardBits uint8

	HasSubpage   bool
	SubpageIndex uint32
	SubpageLog2  uint8
}

// Policy is the discardable/priority override a capability may carry
// independent of the target object's own descriptor policy.
type Policy struct {
	Discardable bool
	Priority    int8
}

// Cap is the persisted capability value (spec.md §3): 48-64 bits worth of
// structured value in the original; here, a plain struct, since this
// reimplementation keeps capabilities in cappage/thread/messenger slots as
// Go values rather than packed bitfields.
type Cap struct {
	Type          Type
	TargetOID     oid.OID
	TargetVersion uint64
	Translator    Translator
	Policy        Policy
}

// Valid reports whether c is valid against the live version of its target
// (spec.md §3 invariant: "a capability is valid iff cap.version ==
// target_object.version").
func (c Cap) Valid(liveVersion uint64) bool {
	return c.Type == Void || c.TargetVersion == liveVersion
}

// Weaken returns a copy of c with its type demoted to its weak counterpart
// (c itself is not modified) —
// further sub-dereferences of a weak capability downgrade strong to weak,
// never the reverse (spec.md §3 invariant).
func (c Cap) Weaken() Cap {
	c.Type = c.Type.Weaken()
	return c
}

// VoidCap is the zero-value void capability.
var VoidCap = Cap{Type: Void}
