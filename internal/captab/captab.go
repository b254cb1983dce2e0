// Package captab implements capability-table operations: the Cappage
// object's 256 slots, cap_copy, the guarded-tree address translator
// (as_lookup), and capability shoot-down (spec.md §3, §4.3). It is
// deliberately the one package that imports every object-type package
// (folio, thread, activity, messenger) directly, since address translation
// is the one operation that legitimately needs to understand each object
// type's internal slot layout.
package captab

import (
	"github.com/sirupsen/logrus"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/activity"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/cap"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/errs"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/folio"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/logfmt"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/messenger"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/oid"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/store"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/thread"
)

// NumSlots is the number of capability slots a full cappage holds (spec.md
// §3: "256 capability slots, sub-pageable down to 2 slots").
const NumSlots = 256

// AddrBits bounds as_lookup's walk depth and cap-shootdown's recursion
// (spec.md §4.3 "a depth bound equal to address-bits").
const AddrBits = 64

// State is the Cappage object's TypeState.
type State struct {
	Slots [NumSlots]cap.Cap
}

// Manager resolves and mutates capabilities against the live object graph.
type Manager struct {
	Store      *store.Store
	Folio      *folio.Manager
	Activities *activity.Manager
	Messengers *messenger.Manager
	Log        *logrus.Entry
}

// New returns a capability-table manager wired to the object-type managers
// it walks during address translation.
func New(s *store.Store, f *folio.Manager, a *activity.Manager, msg *messenger.Manager, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{Store: s, Folio: f, Activities: a, Messengers: msg, Log: log}
}

// Init implements store.Initializer for store.TypeCappage: a freshly tagged
// cappage slot starts with all 256 slots void.
func (m *Manager) Init(d *store.Descriptor, p store.Policy) {
	d.TypeState = &State{}
}

// CopyFlags picks which fields cap_copy takes from properties instead of
// from src (spec.md §4.3); SourceGuard keeps src's own guard even when Guard
// is also set.
type CopyFlags struct {
	SubpageSelector bool
	Guard           bool
	SourceGuard     bool
	Weaken          bool
	Discardable     bool
	Priority        bool
}

// Copy implements cap_copy(src, dst, flags, properties): dst is overwritten
// from src, save for the fields flags says to take from properties instead
// (spec.md §4.3).
func (m *Manager) Copy(src cap.Cap, dst *cap.Cap, flags CopyFlags, properties cap.Cap) error {
	if dst.Type != cap.Void && !dst.Type.Weak() {
		// Copying into an occupied strong slot is legal (it simply
		// overwrites); spec.md imposes no rubout-before-copy requirement.
	}

	result := src
	if flags.SubpageSelector {
		result.Translator.HasSubpage = properties.Translator.HasSubpage
		result.Translator.SubpageIndex = properties.Translator.SubpageIndex
		result.Translator.SubpageLog2 = properties.Translator.SubpageLog2
	}
	if flags.Guard {
		result.Translator.Guard = properties.Translator.Guard
		result.Translator.GuardBits = properties.Translator.GuardBits
	}
	if flags.SourceGuard {
		result.Translator.Guard = src.Translator.Guard
		result.Translator.GuardBits = src.Translator.GuardBits
	}
	if flags.Discardable {
		result.Policy.Discardable = properties.Policy.Discardable
	}
	if flags.Priority {
		result.Policy.Priority = properties.Policy.Priority
	}
	if flags.Weaken {
		result.Type = result.Type.Weaken()
	}

	*dst = result

	if (flags.Discardable || flags.Priority) && result.Type != cap.Void {
		if rd := m.Store.Peek(result.TargetOID); rd != nil {
			if flags.Discardable {
				rd.Policy.Discardable = result.Policy.Discardable
			}
			if flags.Priority {
				rd.Policy.Priority = result.Policy.Priority
				if rd.Type == store.TypeActivity {
					// Re-ranking within the activity's own lists happens the
					// next time the descriptor is touched/placed; nothing
					// further to do here since Place always reads the
					// current Policy.
				}
			}
		}
	}
	return nil
}

// Rubout implements capability rubout: shoot-down + zero (spec.md §4.3).
func (m *Manager) Rubout(c cap.Cap) cap.Cap {
	m.Shootdown(c)
	return cap.VoidCap
}

// WantMode selects as_lookup's return mode (spec.md §4.3).
type WantMode int

const (
	WantCap WantMode = iota
	WantSlot
	WantObject
)

// Result is what as_lookup hands back, shaped by the requested WantMode.
type Result struct {
	Cap    cap.Cap
	Slot   *cap.Cap // only set for WantSlot
	Object *store.Descriptor
}

// Lookup walks the guarded tree from root toward addr, synthesizing
// capabilities from folio slot metadata and well-known thread/messenger
// slots as it descends (spec.md §4.3 as_lookup).
func (m *Manager) Lookup(root cap.Cap, addr uint64, want WantMode) (Result, error) {
	cur := root
	var curSlot *cap.Cap
	remaining := addr
	weak := root.Type.Weak()

	for depth := 0; depth < AddrBits; depth++ {
		if cur.Type == cap.Void {
			return Result{}, errs.New(errs.ENOENT, "captab.Lookup: void capability")
		}

		if cur.Translator.GuardBits > 0 {
			shift := 64 - cur.Translator.GuardBits
			highBits := remaining >> shift
			mask := (uint64(1) << cur.Translator.GuardBits) - 1
			if highBits != (cur.Translator.Guard & mask) {
				return Result{}, errs.New(errs.ENOENT, "captab.Lookup: guard mismatch")
			}
			remaining <<= cur.Translator.GuardBits
		}

		switch cur.Type {
		case cap.Page, cap.RPage:
			if want == WantSlot && curSlot == nil {
				return Result{}, errs.New(errs.EINVAL, "captab.Lookup: want-slot on a synthesized leaf")
			}
			if want == WantSlot && weak {
				return Result{}, errs.New(errs.EPERM, "captab.Lookup: want-slot through a weak capability")
			}
			if weak {
				cur = cur.Weaken()
			}
			res := Result{Cap: cur, Slot: curSlot}
			if want == WantObject {
				d := m.Store.Peek(cur.TargetOID)
				if d == nil {
					return Result{}, errs.New(errs.ENOENT, "captab.Lookup: object not resident")
				}
				res.Object = d
			}
			return res, nil

		case cap.Cappage, cap.RCappage:
			if cur.Type == cap.RCappage {
				weak = true
			}
			d := m.Store.Peek(cur.TargetOID)
			if d == nil || d.Type != store.TypeCappage {
				return Result{}, errs.New(errs.ENOENT, "captab.Lookup: cappage not resident")
			}
			cst := d.TypeState.(*State)

			bits := uint(8)
			base := 0
			if cur.Translator.HasSubpage {
				bits = uint(cur.Translator.SubpageLog2)
				base = int(cur.Translator.SubpageIndex) << bits
			}
			idx := int(remaining>>(64-bits)) + base
			if idx < 0 || idx >= NumSlots {
				return Result{}, errs.New(errs.EINVAL, "captab.Lookup: slot index out of range")
			}
			remaining <<= bits
			curSlot = &cst.Slots[idx]
			cur = *curSlot
			if weak {
				cur = cur.Weaken()
			}

		case cap.Folio:
			folioOID := cur.TargetOID
			idx := int(remaining >> (64 - 7))
			remaining <<= 7
			if idx < 0 || idx >= oid.SlotsPerFolio {
				return Result{}, errs.New(errs.EINVAL, "captab.Lookup: folio slot index out of range")
			}
			info, ok := m.Folio.ResolveSlot(oid.Make(folioIndexOf(folioOID), idx))
			if !ok || info.Type == store.TypeVoid {
				return Result{}, errs.New(errs.ENOENT, "captab.Lookup: void folio slot")
			}
			synth := cap.Cap{Type: storeTypeToCap(info.Type), TargetOID: oid.Make(folioIndexOf(folioOID), idx), TargetVersion: info.Version}
			curSlot = nil // synthesized — want-slot must fail downstream
			cur = synth
			if weak {
				cur = cur.Weaken()
			}

		case cap.Thread:
			d := m.Store.Peek(cur.TargetOID)
			if d == nil || d.Type != store.TypeThread {
				return Result{}, errs.New(errs.ENOENT, "captab.Lookup: thread not resident")
			}
			tst := d.TypeState.(*thread.State)
			idx := int(remaining >> (64 - 2))
			remaining <<= 2
			if idx < 0 || idx >= thread.NumSlots {
				return Result{}, errs.New(errs.EINVAL, "captab.Lookup: thread slot index out of range")
			}
			curSlot = &tst.Slots[idx]
			cur = *curSlot
			if weak {
				cur = cur.Weaken()
			}

		case cap.Messenger, cap.RMessenger:
			if cur.Type == cap.RMessenger {
				weak = true
			}
			d := m.Store.Peek(cur.TargetOID)
			if d == nil || d.Type != store.TypeMessenger {
				return Result{}, errs.New(errs.ENOENT, "captab.Lookup: messenger not resident")
			}
			mst := d.TypeState.(*messenger.State)
			if !mst.HasInlineCap {
				return Result{}, errs.New(errs.ENOENT, "captab.Lookup: messenger has no inline capability")
			}
			curSlot = nil
			cur = mst.InlineCap
			if weak {
				cur = cur.Weaken()
			}

		default:
			return Result{}, errs.New(errs.EINVAL, "captab.Lookup: non-traversable capability type")
		}

		if remaining == 0 && cur.Type != cap.Cappage && cur.Type != cap.RCappage {
			break
		}
	}

	if want == WantSlot && curSlot == nil {
		return Result{}, errs.New(errs.EINVAL, "captab.Lookup: want-slot on a synthesized leaf")
	}
	if want == WantSlot && weak {
		return Result{}, errs.New(errs.EPERM, "captab.Lookup: want-slot through a weak capability")
	}
	res := Result{Cap: cur, Slot: curSlot}
	if want == WantObject {
		d := m.Store.Peek(cur.TargetOID)
		if d == nil {
			return Result{}, errs.New(errs.ENOENT, "captab.Lookup: object not resident")
		}
		res.Object = d
	}
	return res, nil
}

// Shootdown invalidates every hardware mapping of the object c names,
// recursing into sub-structure for cappages/folios/threads/messengers
// (spec.md §4.3). This reimplementation has no hardware page table to
// flush; ShootdownObject (below) marks the descriptor's mapped flag clear,
// which is the software-visible half of the invariant the caller relies on.
func (m *Manager) Shootdown(c cap.Cap) {
	if c.Type == cap.Void {
		return
	}
	m.Log.WithField("cap", logfmt.Cap(c)).Debug("captab: shooting down mappings")
	m.shootdown(c, 0)
}

func (m *Manager) shootdown(c cap.Cap, depth int) {
	if depth >= AddrBits || c.Type == cap.Void {
		return
	}
	d := m.Store.Peek(c.TargetOID)
	if d == nil {
		return
	}
	d.Flags &^= store.FlagMapped

	switch st := d.TypeState.(type) {
	case *State:
		for i := range st.Slots {
			m.shootdown(st.Slots[i], depth+1)
		}
	case *folio.State:
		for i := range st.Slots {
			if t := st.Slots[i].Type; t != store.TypeVoid {
				m.shootdown(cap.Cap{Type: storeTypeToCap(t), TargetOID: oid.Make(st.Index, i)}, depth+1)
			}
		}
	case *thread.State:
		for i := range st.Slots {
			m.shootdown(st.Slots[i], depth+1)
		}
	case *messenger.State:
		if st.HasInlineCap {
			m.shootdown(st.InlineCap, depth+1)
		}
	}
}

// ShootdownObject implements folio.Shootdowner: it shoots down the named
// OID directly (used by folio-object-alloc / folio free when an occupant is
// torn down without a capability value in hand).
func (m *Manager) ShootdownObject(o oid.OID) {
	d := m.Store.Peek(o)
	if d == nil {
		return
	}
	d.Flags &^= store.FlagMapped
	m.shootdown(cap.Cap{Type: storeTypeToCap(d.Type), TargetOID: o, TargetVersion: d.Version}, 0)
}

func storeTypeToCap(t store.Type) cap.Type {
	switch t {
	case store.TypePage:
		return cap.Page
	case store.TypeCappage:
		return cap.Cappage
	case store.TypeFolio:
		return cap.Folio
	case store.TypeThread:
		return cap.Thread
	case store.TypeActivity:
		return cap.ActivityControl
	case store.TypeMessenger:
		return cap.Messenger
	default:
		return cap.Void
	}
}

// folioIndexOf extracts a folio OID's own index (its header slot's folio
// index), used when re-synthesizing child OIDs during a folio traversal.
func folioIndexOf(folioOID oid.OID) int64 {
	idx, _ := oid.Split(folioOID)
	return idx
}
