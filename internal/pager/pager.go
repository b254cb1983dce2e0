// Package pager implements the working-set pager (spec.md §4.5):
// low/high-water marks, pager_collect's victim-selection tree walk and
// forced reclamation, the self-paging opportunity short-circuit, and the
// pager_query quiescent-point hook the server invokes after every RPC.
package pager

import (
	"github.com/sirupsen/logrus"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/activity"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/errs"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/folio"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/messenger"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/oid"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/store"
)

// ActivityInfoPressure is the WaitArg convention internal/server uses when
// enqueueing an ACTIVITY_INFO messenger on an activity to request pressure
// notifications (spec.md §4.5 self-paging opportunity).
const ActivityInfoPressure = 1

// maxFactor is the ceiling the victim-selection freeness factor doubles up
// to (spec.md §4.5: "doubling up to 16").
const maxFactor = 16

// Shootdowner flushes hardware mappings from an evictee right after it is
// detached from its activity's working set. Implemented by internal/captab.
type Shootdowner interface {
	ShootdownObject(o oid.OID)
}

// Manager is the pager: low/high-water bookkeeping over the store's global
// lists and the activity hierarchy's victim-selection/reclamation.
type Manager struct {
	Store      *store.Store
	Folio      *folio.Manager
	Activities *activity.Manager
	Messenger  *messenger.Manager
	Shoot      Shootdowner
	Log        *logrus.Entry

	MemoryTotal int64

	// allocBudget tracks the allocation-delta budget pager_query consumes
	// between collections (spec.md §4.5 pager_query).
	allocBudget      int64
	allocSinceGather int64
}

// New returns a pager over s with memoryTotal frames of addressable memory.
func New(s *store.Store, f *folio.Manager, act *activity.Manager, msg *messenger.Manager, shoot Shootdowner, memoryTotal int64, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{Store: s, Folio: f, Activities: act, Messenger: msg, Shoot: shoot, MemoryTotal: memoryTotal, Log: log, allocBudget: memoryTotal / 64}
}

func (m *Manager) markDiscarded(o oid.OID) {
	if m.Folio != nil {
		m.Folio.SetDiscarded(o, true)
	}
}

// LowWater is memory_total/8 (spec.md §4.5).
func (m *Manager) LowWater() int64 { return m.MemoryTotal / 8 }

// HighWater is 3*memory_total/16 (spec.md §4.5).
func (m *Manager) HighWater() int64 { return 3 * m.MemoryTotal / 16 }

func (m *Manager) headroom() int64 {
	return int64(m.Store.Available.Len()) + int64(m.Store.Laundry.Len())/2
}

// NeedsCollect reports whether available+laundry/2 has fallen below the
// low-water mark.
func (m *Manager) NeedsCollect() bool { return m.headroom() < m.LowWater() }

// flush shoots down an evictee's hardware mappings, if a Shootdowner is
// wired.
func (m *Manager) flush(d *store.Descriptor) {
	if m.Shoot != nil {
		m.Shoot.ShootdownObject(d.OID)
	}
}

type candidate struct {
	oid       oid.OID
	rel       activity.Rel
	effective int64
}

func (m *Manager) effectiveFrames(a oid.OID, factor int, goal int64) (int64, bool) {
	if m.Activities.HasActiveFreeGoal(a) {
		return 0, false
	}
	info, err := m.Activities.Info(a)
	if err != nil {
		return 0, false
	}
	active, err := m.Activities.ActiveCount(a)
	if err != nil {
		active = 0
	}
	eff := info.FramesTotal - info.FramesExcluded - info.FramesPendingEviction - (active >> uint(factor))
	if eff <= goal/1000 {
		return 0, false
	}
	return eff, true
}

func (m *Manager) candidates(node oid.OID, factor int, goal int64) []candidate {
	var out []candidate

	childRel, _, err := m.Activities.Rels(node)
	if err == nil {
		if eff, ok := m.effectiveFrames(node, factor, goal); ok {
			out = append(out, candidate{oid: node, rel: childRel, effective: eff})
		}
	}
	for _, c := range m.Activities.Children(node) {
		_, sibRel, err := m.Activities.Rels(c)
		if err != nil {
			continue
		}
		if eff, ok := m.effectiveFrames(c, factor, goal); ok {
			out = append(out, candidate{oid: c, rel: sibRel, effective: eff})
		}
	}
	return out
}

// pick applies spec.md §4.5 step 3/4: highest sibling_rel.priority wins
// outright; ties are broken by greatest excess over a weighted share of the
// combined effective-frame pool, then by raw frame count.
func pick(cands []candidate) candidate {
	maxPrio := cands[0].rel.Priority
	for _, c := range cands[1:] {
		if c.rel.Priority > maxPrio {
			maxPrio = c.rel.Priority
		}
	}
	var group []candidate
	for _, c := range cands {
		if c.rel.Priority == maxPrio {
			group = append(group, c)
		}
	}
	if len(group) == 1 {
		return group[0]
	}

	var totalWeight, totalEffective int64
	for _, c := range group {
		w := c.rel.Weight
		if w == 0 {
			w = 1
		}
		totalWeight += int64(w)
		totalEffective += c.effective
	}

	best := group[0]
	var bestExcess int64
	first := true
	for _, c := range group {
		w := c.rel.Weight
		if w == 0 {
			w = 1
		}
		share := totalEffective * int64(w) / totalWeight
		excess := c.effective - share
		if first || excess > bestExcess || (excess == bestExcess && c.effective > best.effective) {
			best, bestExcess, first = c, excess, false
		}
	}
	return best
}

// selectVictim descends node → child → ... until the winner is a leaf
// activity (spec.md §4.5 step 5). Self winning against its own children
// also ends the walk here — recomputing candidates at the same node can
// never change the outcome, and internal/activity's ReclaimFrom recurses
// into children on its own when an interior node's direct lists run dry.
func (m *Manager) selectVictim(node oid.OID, factor int, goal int64) (oid.OID, bool) {
	cands := m.candidates(node, factor, goal)
	if len(cands) == 0 {
		return oid.OID(0), false
	}
	winner := pick(cands)
	if winner.oid == node || len(m.Activities.Children(winner.oid)) == 0 {
		return winner.oid, true
	}
	return m.selectVictim(winner.oid, factor, goal)
}

func matchPressureRequest(reason messenger.Reason, arg uint64) bool {
	return reason == messenger.WaitActivityInfo && arg == ActivityInfoPressure
}

// Collect implements pager_collect(goal) (spec.md §4.5). It returns the
// number of frames actually reclaimed (a self-paging hand-off counts as the
// full goal, per spec: "the pager credits the full goal as accomplished and
// returns").
func (m *Manager) Collect(goal int64) (int64, error) {
	if goal <= 0 {
		return 0, nil
	}
	root := m.Activities.Root
	var reclaimed int64

	for factor := 1; factor <= maxFactor && reclaimed < goal; factor *= 2 {
		victim, ok := m.selectVictim(root, factor, goal)
		if !ok {
			continue
		}

		if waiterOID, _, ok := m.Messenger.Peek(victim, matchPressureRequest); ok && !m.Activities.HasBadKarma(victim) {
			info, err := m.Activities.Info(victim)
			if err != nil {
				return reclaimed, err
			}
			if err := m.Activities.SetFreeGoal(victim, goal/2, 1000); err != nil {
				return reclaimed, err
			}
			if err := m.Activities.ExcludeFrames(victim, info.FramesLocal); err != nil {
				return reclaimed, err
			}
			if err := m.Messenger.Deliver(waiterOID, 0); err != nil {
				return reclaimed, err
			}
			return goal, nil
		}

		remaining := goal - reclaimed
		if remaining > 1<<30 {
			remaining = 1 << 30 // clamp to a sane int for ReclaimFrom's n
		}
		n, err := m.Activities.ReclaimFrom(victim, int(remaining), m.flush, m.markDiscarded)
		if err != nil {
			return reclaimed, err
		}
		reclaimed += int64(n)
	}
	return reclaimed, nil
}

// Query implements pager_query() (spec.md §4.5): invoked at every quiescent
// point (after each RPC dispatch), it runs Collect whenever NeedsCollect
// reports headroom below the low-water mark. The allocation-delta budget
// counted by NotifyAllocation does not delay a collection; its counter is
// only reset here.
func (m *Manager) Query() error {
	if m.allocSinceGather < m.allocBudget && !m.NeedsCollect() {
		return nil
	}
	m.allocSinceGather = 0

	if !m.NeedsCollect() {
		return nil
	}
	goal := m.HighWater() - m.headroom()
	if goal <= 0 {
		return nil
	}
	if _, err := m.Collect(goal); err != nil {
		return errs.Wrap(errs.ENOMEM, err, "pager.Query: collect failed")
	}
	return nil
}

// NotifyAllocation tells the pager budget tracker that one frame was
// allocated, advancing it toward the next pager_query-triggered collection.
func (m *Manager) NotifyAllocation() { m.allocSinceGather++ }
