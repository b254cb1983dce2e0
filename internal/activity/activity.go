// Package activity implements the hierarchical resource principal (spec.md
// §4.4): nested activities with priority/weight-scheduled memory, folio
// quotas, and the working-set pager's per-activity LRU/eviction lists.
package activity

import (
	"container/list"

	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/cap"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/errs"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/logfmt"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/oid"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/store"
)

// Rel is a {priority, weight} scheduling pair (spec.md §4.4).
type Rel struct {
	Priority int8
	Weight   uint32
}

// StatsPeriod is one ring entry of per-period pressure stats (spec.md §4.4).
type StatsPeriod struct {
	Active, Inactive, Available, Evicted, Pressure uint64
}

const statsRingLen = 8

// State is the Activity object's TypeState.
type State struct {
	OID oid.OID

	ParentCap      cap.Cap
	FirstChildCap  cap.Cap
	PrevSiblingCap cap.Cap
	NextSiblingCap cap.Cap
	FirstFolioCap  cap.Cap

	ChildRel   Rel
	SiblingRel Rel
	FoliosQuota int

	FramesLocal           int64
	FramesTotal           int64
	FramesPendingEviction int64
	FramesExcluded        int64
	FolioCount            int

	StatsPeriodIdx int
	Stats          [statsRingLen]StatsPeriod

	// Free-goal bookkeeping (spec.md §4.4, §4.5 self-paging).
	FreeGoal        int64
	FreeAllocations int64
	FreeBadKarma    int

	// Per-activity LRU lists (spec.md §4.4): one active/inactive pair per
	// priority, plus the clean/dirty eviction lists.
	active   [128]*list.List
	inactive [128]*list.List
	evictClean *list.List
	evictDirty *list.List
}

func newState(o oid.OID) *State {
	st := &State{OID: o, evictClean: list.New(), evictDirty: list.New()}
	for i := range st.active {
		st.active[i] = list.New()
		st.inactive[i] = list.New()
	}
	return st
}

func prioIdx(p int8) int { return int(p) + 64 }

// Manager is the activity hierarchy: store.Initializer/Destroyer for
// store.TypeActivity, and the store.Owner factory every folio allocation
// and object claim goes through.
type Manager struct {
	Store *store.Store
	Log   *logrus.Entry

	Root oid.OID

	// karma tracks activities currently serving out a free-goal cooldown
	// (spec.md §4.4 "free_bad_karma cycles"); membership checks are O(1).
	karma mapset.Set
}

// New returns an activity hierarchy rooted at root. The caller must have
// already created root's descriptor (TypeActivity) via folio-object-alloc
// before calling any other Manager method on it.
func New(s *store.Store, root oid.OID, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{Store: s, Root: root, Log: log, karma: mapset.NewSet()}
}

// Init implements store.Initializer for store.TypeActivity.
func (m *Manager) Init(d *store.Descriptor, p store.Policy) {
	d.TypeState = newState(d.OID)
}

// Destroy implements store.Destroyer for store.TypeActivity: nothing extra
// beyond what DestroyActivity already did (folios freed, frames
// reparented) — by the time the store calls this the activity is already
// empty.
func (m *Manager) Destroy(d *store.Descriptor) {}

func stateOf(d *store.Descriptor) (*State, error) {
	if d == nil || d.Type != store.TypeActivity {
		return nil, errs.New(errs.EINVAL, "activity: descriptor is not an activity")
	}
	st, ok := d.TypeState.(*State)
	if !ok {
		return nil, errs.New(errs.EINVAL, "activity: missing activity state")
	}
	return st, nil
}

func (m *Manager) get(o oid.OID) (*store.Descriptor, *State, error) {
	d := m.Store.Peek(o)
	if d == nil {
		return nil, nil, errs.New(errs.ENOENT, "activity: not resident")
	}
	st, err := stateOf(d)
	return d, st, err
}

// owner adapts one activity into a store.Owner, charging FramesLocal/
// FramesTotal and placing the newly-claimed descriptor on this activity's
// active list at its policy's priority (spec.md §4.2/§4.4).
type owner struct {
	m   *Manager
	oid oid.OID
}

func (o owner) Attach(d *store.Descriptor, p store.Policy) {
	_, st, err := o.m.get(o.oid)
	if err != nil {
		return
	}
	d.Policy = p
	d.OwnerOID = o.oid
	o.m.chargeAncestors(o.oid, 1)
	store.Place(st.active[prioIdx(p.Priority)], d, store.ListActive, true)
	d.Flags |= store.FlagMapped
}

// OwnerFor returns a store.Owner bound to activityOID.
func (m *Manager) OwnerFor(activityOID oid.OID) store.Owner { return owner{m: m, oid: activityOID} }

func (m *Manager) chargeAncestors(a oid.OID, delta int64) {
	cur := a
	first := true
	for {
		d, st, err := m.get(cur)
		if err != nil {
			return
		}
		if first {
			st.FramesLocal += delta
			first = false
		}
		st.FramesTotal += delta
		if st.FramesTotal < 0 {
			panic("activity: frames_total underflow")
		}
		_ = d
		if st.ParentCap.Type == cap.Void {
			return
		}
		pd := m.Store.Peek(st.ParentCap.TargetOID)
		if pd == nil {
			return
		}
		cur = st.ParentCap.TargetOID
	}
}

// Charge applies ±n to act's frames_local and every ancestor's frames_total
// (spec.md §4.4 activity_charge).
func (m *Manager) Charge(act oid.OID, n int64) error {
	_, st, err := m.get(act)
	if err != nil {
		return err
	}
	if st.FramesLocal+n < 0 {
		return errs.New(errs.EINVAL, "activity.Charge: frames_local underflow")
	}
	m.chargeAncestors(act, n)
	return nil
}

// FirstFolio implements folio.ActivityLink.
func (m *Manager) FirstFolio(activityOID oid.OID) (oid.OID, bool) {
	_, st, err := m.get(activityOID)
	if err != nil {
		return oid.OID(0), false
	}
	if st.FirstFolioCap.Type == cap.Void {
		return oid.OID(0), false
	}
	return st.FirstFolioCap.TargetOID, true
}

// SetFirstFolio implements folio.ActivityLink.
func (m *Manager) SetFirstFolio(activityOID, folioOID oid.OID, has bool) {
	_, st, err := m.get(activityOID)
	if err != nil {
		return
	}
	if !has {
		st.FirstFolioCap = cap.Cap{}
		return
	}
	st.FirstFolioCap = cap.Cap{Type: cap.Folio, TargetOID: folioOID}
}

// ChargeFolioQuota implements folio.ActivityLink (spec.md §4.4 "folios"
// quota): a positive delta is first checked against the quota of
// activityOID and of every ancestor (a zero quota means unlimited), and
// fails with ENOMEM before any counter changes if one would be exceeded;
// otherwise the folio_count delta is applied up the whole ancestor chain.
func (m *Manager) ChargeFolioQuota(activityOID oid.OID, delta int) error {
	if _, _, err := m.get(activityOID); err != nil {
		return err
	}
	for cur := activityOID; delta > 0; {
		_, cst, err := m.get(cur)
		if err != nil {
			break
		}
		if cst.FoliosQuota > 0 && cst.FolioCount+delta > cst.FoliosQuota {
			return errs.New(errs.ENOMEM, "activity: folio quota exceeded")
		}
		if cst.ParentCap.Type == cap.Void {
			break
		}
		cur = cst.ParentCap.TargetOID
	}
	cur := activityOID
	for {
		_, cst, err := m.get(cur)
		if err != nil {
			return nil
		}
		cst.FolioCount += delta
		if cst.FolioCount < 0 {
			cst.FolioCount = 0
		}
		if cst.ParentCap.Type == cap.Void {
			return nil
		}
		cur = cst.ParentCap.TargetOID
	}
}

// Create implements activity_create (spec.md §4.4): newOID must already be a
// resident TypeActivity descriptor (via folio-object-alloc, which ran Init
// and so already holds an empty *State). Create links it as a child of
// parentOID under rel and wires ParentCap/sibling chain.
func (m *Manager) Create(parentOID, newOID oid.OID, rel Rel) error {
	_, pst, err := m.get(parentOID)
	if err != nil {
		return err
	}
	_, nst, err := m.get(newOID)
	if err != nil {
		return err
	}

	nst.ParentCap = cap.Cap{Type: cap.Activity, TargetOID: parentOID}
	nst.SiblingRel = rel

	if pst.FirstChildCap.Type != cap.Void {
		oldFirst := pst.FirstChildCap.TargetOID
		if ofd, ofst, err := m.get(oldFirst); err == nil {
			_ = ofd
			ofst.PrevSiblingCap = cap.Cap{Type: cap.Activity, TargetOID: newOID}
		}
		nst.NextSiblingCap = cap.Cap{Type: cap.Activity, TargetOID: oldFirst}
	}
	pst.FirstChildCap = cap.Cap{Type: cap.Activity, TargetOID: newOID}
	return nil
}

// DestroyActivity implements activity_destroy's reparenting rule (spec.md
// §4.4): every frame act still owns is handed to its parent, active frames
// onto the parent's inactive-min-priority list, inactive and
// eviction-candidate frames onto the head of the parent's matching list,
// preserving relative recency. act must already have had its folios freed
// by the caller.
func (m *Manager) DestroyActivity(act oid.OID) error {
	d, st, err := m.get(act)
	if err != nil {
		return err
	}
	if st.ParentCap.Type == cap.Void {
		return errs.New(errs.EINVAL, "activity.Destroy: cannot destroy the root activity")
	}
	_, pst, err := m.get(st.ParentCap.TargetOID)
	if err != nil {
		return err
	}

	reparentPriority := int8(-64)
	for p := range st.active {
		moveAll(st.active[p], pst.inactive[prioIdx(reparentPriority)], store.ListInactive)
	}
	for p := range st.inactive {
		moveAll(st.inactive[p], pst.inactive[p], store.ListInactive)
	}
	moveAll(st.evictClean, pst.evictClean, store.ListEvictionClean)
	moveAll(st.evictDirty, pst.evictDirty, store.ListEvictionDirty)

	// Unlink from the sibling chain.
	if st.PrevSiblingCap.Type != cap.Void {
		if _, prevSt, err := m.get(st.PrevSiblingCap.TargetOID); err == nil {
			prevSt.NextSiblingCap = st.NextSiblingCap
		}
	} else {
		pst.FirstChildCap = st.NextSiblingCap
	}
	if st.NextSiblingCap.Type != cap.Void {
		if _, nextSt, err := m.get(st.NextSiblingCap.TargetOID); err == nil {
			nextSt.PrevSiblingCap = st.PrevSiblingCap
		}
	}

	// The frames stay within the same ancestor subtree, so frames_total up
	// the chain is unchanged — only the frames_local split between act and
	// its parent moves.
	pst.FramesLocal += st.FramesLocal
	st.FramesLocal = 0
	_ = d
	m.Log.WithField("activity", logfmt.Activity(act)).Info("activity: destroyed, frames reparented to parent")
	return nil
}

// moveAll relinks every element of src onto the front of dst under kind,
// preserving src's internal order (most-recently-used first).
func moveAll(src, dst *list.List, kind store.ListKind) {
	for el := src.Back(); el != nil; {
		prev := el.Prev()
		d := el.Value.(*store.Descriptor)
		store.Place(dst, d, kind, true)
		el = prev
	}
}

// PolicyUpdate implements activity_policy_update (spec.md §4.4): it replaces
// act's child and sibling scheduling relationships.
func (m *Manager) PolicyUpdate(act oid.OID, child, sibling Rel) error {
	_, st, err := m.get(act)
	if err != nil {
		return err
	}
	st.ChildRel = child
	st.SiblingRel = sibling
	return nil
}

// Info returns a snapshot of act's counters for ACTIVITY_INFO / pager_query
// (spec.md §4.4, §4.5).
type Info struct {
	FramesLocal, FramesTotal, FramesPendingEviction, FramesExcluded int64
	FolioCount                                                      int
}

func (m *Manager) Info(act oid.OID) (Info, error) {
	_, st, err := m.get(act)
	if err != nil {
		return Info{}, err
	}
	return Info{
		FramesLocal:           st.FramesLocal,
		FramesTotal:           st.FramesTotal,
		FramesPendingEviction: st.FramesPendingEviction,
		FramesExcluded:        st.FramesExcluded,
		FolioCount:            st.FolioCount,
	}, nil
}

// RecordBadKarma marks act as serving a free-goal cooldown (spec.md §4.4):
// while it is in the set, pager.Collect does not hand it a self-paging free
// goal and reclaims from it directly instead, until ClearBadKarma removes it.
func (m *Manager) RecordBadKarma(act oid.OID) {
	_, st, err := m.get(act)
	if err != nil {
		return
	}
	st.FreeBadKarma++
	m.karma.Add(act)
}

// ClearBadKarma drops act from the cooldown set once its sweep completes.
func (m *Manager) ClearBadKarma(act oid.OID) { m.karma.Remove(act) }

// HasBadKarma reports whether act is currently in cooldown.
func (m *Manager) HasBadKarma(act oid.OID) bool { return m.karma.Contains(act) }

// FirstChild returns act's first child, if any, by walking FirstChildCap
// (spec.md §4.4/§4.5 victim-selection tree walk).
func (m *Manager) FirstChild(act oid.OID) (oid.OID, bool) {
	_, st, err := m.get(act)
	if err != nil || st.FirstChildCap.Type == cap.Void {
		return oid.OID(0), false
	}
	return st.FirstChildCap.TargetOID, true
}

// NextSibling returns act's next sibling, if any.
func (m *Manager) NextSibling(act oid.OID) (oid.OID, bool) {
	_, st, err := m.get(act)
	if err != nil || st.NextSiblingCap.Type == cap.Void {
		return oid.OID(0), false
	}
	return st.NextSiblingCap.TargetOID, true
}

// Children returns every direct child of act, in sibling-chain order.
func (m *Manager) Children(act oid.OID) []oid.OID {
	var out []oid.OID
	cur, ok := m.FirstChild(act)
	for ok {
		out = append(out, cur)
		cur, ok = m.NextSibling(cur)
	}
	return out
}

// Rels returns act's child/sibling scheduling relations (spec.md §4.4/§4.5:
// a node is charged at its own child_rel, each of its children at its own
// sibling_rel).
func (m *Manager) Rels(act oid.OID) (child, sibling Rel, err error) {
	_, st, err := m.get(act)
	if err != nil {
		return Rel{}, Rel{}, err
	}
	return st.ChildRel, st.SiblingRel, nil
}

// ActiveCount returns the total number of frames currently active anywhere
// in act's subtree (act's own active lists across every priority, plus
// every descendant's) — the "active(A)" term in the pager's
// effective-frames computation (spec.md §4.5), which is compared against
// frames_total(A), itself a whole-subtree aggregate.
func (m *Manager) ActiveCount(act oid.OID) (int64, error) {
	_, st, err := m.get(act)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, l := range st.active {
		n += int64(l.Len())
	}
	for _, c := range m.Children(act) {
		cn, err := m.ActiveCount(c)
		if err != nil {
			continue
		}
		n += cn
	}
	return n, nil
}

// HasActiveFreeGoal reports whether act is already mid-way through a
// self-paging free-goal (spec.md §4.5 step 2: "skip if ... A already has an
// active free-goal").
func (m *Manager) HasActiveFreeGoal(act oid.OID) bool {
	_, st, err := m.get(act)
	if err != nil {
		return false
	}
	return st.FreeGoal > 0 && st.FreeAllocations > 0
}

// SetFreeGoal implements the pager's self-paging opportunity bookkeeping
// (spec.md §4.5): instead of forcibly reclaiming from a victim that has
// registered for pressure notifications, the pager hands it a free-goal
// quota to satisfy on its own.
func (m *Manager) SetFreeGoal(act oid.OID, goal, allocations int64) error {
	_, st, err := m.get(act)
	if err != nil {
		return err
	}
	st.FreeGoal = goal
	st.FreeAllocations = allocations
	return nil
}

// ExcludeFrames adds delta to frames_excluded on act and every ancestor
// (spec.md §4.5 self-paging opportunity: "add frames_local to ancestors'
// frames_excluded").
func (m *Manager) ExcludeFrames(act oid.OID, delta int64) error {
	cur := act
	for {
		_, st, err := m.get(cur)
		if err != nil {
			return err
		}
		st.FramesExcluded += delta
		if st.ParentCap.Type == cap.Void {
			return nil
		}
		cur = st.ParentCap.TargetOID
	}
}

func (m *Manager) addPendingEviction(a oid.OID, delta int64) {
	cur := a
	for {
		_, st, err := m.get(cur)
		if err != nil {
			return
		}
		st.FramesPendingEviction += delta
		if st.ParentCap.Type == cap.Void {
			return
		}
		cur = st.ParentCap.TargetOID
	}
}

// ReclaimFrom implements reclaim_from(victim, n) (spec.md §4.5 "Forced
// reclamation"): walks act's priorities from lowest to highest, draining the
// inactive list before the active list at each, reclaiming up to n frames.
// flush is invoked on each evictee right after it is unlinked from its
// list, to shoot down its hardware mappings (internal/captab); it may be nil.
//
// Clean (or discardable) evictees go straight onto the global available
// list, which is what the store's allocator actually draws from — a
// separate per-activity "eviction-clean" list would just make them
// unreachable by allocation. Dirty, non-discardable evictees go onto act's
// eviction-dirty list to await write-back (internal/laundrywatch promotes
// them onto the global laundry list once write-back begins).
//
// Victim selection's frames_total/active(A) comparison is a whole-subtree
// aggregate (spec.md §4.4's "frames_total(A) = frames_local(A) + Σ
// frames_total(child)"), so its tie-break can legitimately pick an interior
// activity that owns no frames directly. When act's own lists are drained
// short of n, ReclaimFrom recurses into its children to make up the
// remainder, so such a pick still reclaims real frames.
func (m *Manager) ReclaimFrom(act oid.OID, n int, flush func(*store.Descriptor), markDiscarded func(oid.OID)) (int, error) {
	_, st, err := m.get(act)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for p := 0; p < len(st.active) && reclaimed < n; p++ {
		for _, lst := range [2]*list.List{st.inactive[p], st.active[p]} {
			for lst.Len() > 0 && reclaimed < n {
				el := lst.Back()
				d := el.Value.(*store.Descriptor)
				d.Unlink()

				if flush != nil {
					flush(d)
				}
				d.Flags |= store.FlagEvictionCandidate
				d.Flags &^= store.FlagMapped

				if d.Flags.Has(store.FlagDirty) && !d.Policy.Discardable {
					store.Place(st.evictDirty, d, store.ListEvictionDirty, true)
					m.addPendingEviction(act, 1)
				} else {
					if d.Policy.Discardable {
						d.Flags |= store.FlagFloating
						if markDiscarded != nil {
							markDiscarded(d.OID)
						}
					}
					m.Store.LinkAvailable(d)
					m.chargeAncestors(act, -1)
				}
				reclaimed++
			}
		}
	}

	if reclaimed < n {
		for _, c := range m.Children(act) {
			if reclaimed >= n {
				break
			}
			got, err := m.ReclaimFrom(c, n-reclaimed, flush, markDiscarded)
			if err == nil {
				reclaimed += got
			}
		}
	}
	return reclaimed, nil
}

// EvictionDirtyBack returns act's oldest eviction-dirty entry without
// unlinking it, for internal/laundrywatch to inspect before committing to a
// write-back submission.
func (m *Manager) EvictionDirtyBack(act oid.OID) (*store.Descriptor, bool) {
	_, st, err := m.get(act)
	if err != nil {
		return nil, false
	}
	el := st.evictDirty.Back()
	if el == nil {
		return nil, false
	}
	return el.Value.(*store.Descriptor), true
}

// AgeSweep implements the pager's status-bit aging pass over the whole
// activity tree (spec.md §4.2/§4.5): every resident descriptor on an active
// list has its age counter decremented, and the instant a descriptor's age
// reaches zero its referenced bit is cleared and it is moved to the
// inactive list at the same priority. Without this transition nothing ever
// leaves an active list once owner.Attach puts it there, which is exactly
// what made ActiveCount's "recently touched" signal stale. Recurses from
// the root so no subtree is skipped.
func (m *Manager) AgeSweep() {
	m.ageSweepOne(m.Root)
}

func (m *Manager) ageSweepOne(act oid.OID) {
	if _, st, err := m.get(act); err == nil {
		for p := range st.active {
			var next *list.Element
			for el := st.active[p].Front(); el != nil; el = next {
				next = el.Next()
				d := el.Value.(*store.Descriptor)
				if d.Age > 0 {
					d.Age--
				}
				if d.Age == 0 {
					d.Flags &^= store.FlagReferenced
					store.Place(st.inactive[p], d, store.ListInactive, true)
				}
			}
		}
	}
	for _, c := range m.Children(act) {
		m.ageSweepOne(c)
	}
}

// SettleLaundry releases a frame whose write-back has completed: it clears
// the dirty/eviction-candidate bits and removes it from act's (and every
// ancestor's) frames_total and frames_pending_eviction for good. The caller
// (internal/laundrywatch) is responsible for unlinking d from the global
// laundry list and placing it on the global available list.
func (m *Manager) SettleLaundry(act oid.OID, d *store.Descriptor) {
	d.Flags &^= store.FlagDirty | store.FlagEvictionCandidate
	m.addPendingEviction(act, -1)
	m.chargeAncestors(act, -1)
}
