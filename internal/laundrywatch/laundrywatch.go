// Package laundrywatch promotes dirty eviction candidates onto the global
// laundry list and watches internal/backstore for their write-back
// completion (spec.md §3, §4.5). It is adapted from the teacher's polling
// fileMonitor, but runs its pass inline from the server's quiescent-point
// hook rather than its own goroutine — this service has no concurrency to
// hide the poll behind (spec.md §9: "Multiprocessor concurrency is not a
// goal: the core runs under a single global lock").
package laundrywatch

import (
	"container/list"

	"github.com/sirupsen/logrus"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/logfmt"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/oid"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/store"
)

// ActivityLink is the narrow slice of activity bookkeeping laundrywatch
// needs, satisfied by internal/activity's Manager. Kept as an interface
// (rather than importing internal/activity) so laundrywatch stays a
// dependency leaf the way internal/folio and internal/messenger do.
type ActivityLink interface {
	Children(act oid.OID) []oid.OID
	EvictionDirtyBack(act oid.OID) (*store.Descriptor, bool)
	SettleLaundry(act oid.OID, d *store.Descriptor)
}

// Backstore is the write-back target laundered pages are submitted to and
// polled against. Implemented by internal/backstore.
type Backstore interface {
	Submit(o oid.OID, data []byte) error
	Poll(o oid.OID) (bool, error)
}

// Manager drives the promote/poll/settle cycle.
type Manager struct {
	Store      *store.Store
	Activities ActivityLink
	Back       Backstore
	Log        *logrus.Entry

	root oid.OID
}

// New returns a laundrywatch manager over the activity subtree rooted at
// root.
func New(s *store.Store, act ActivityLink, back Backstore, root oid.OID, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{Store: s, Activities: act, Back: back, Log: log, root: root}
}

// Tick runs one promote-then-settle pass. It is meant to be called from the
// same quiescent-point hook internal/pager's Query is (after every RPC
// dispatch): first it walks the activity tree moving every eviction-dirty
// entry onto the global laundry list and submitting its content for
// write-back, then it polls the laundry list for writes that have settled
// and releases those frames to the global available list.
func (m *Manager) Tick() {
	m.promote(m.root)
	m.settle()
}

// promote drains act's (and every descendant's) eviction-dirty list onto
// the global laundry list, submitting each page's content to the backing
// store as it goes. A submission failure stops act's drain for this tick —
// the entry is left on the eviction-dirty list to retry next time, rather
// than being lost.
func (m *Manager) promote(act oid.OID) {
	for {
		d, ok := m.Activities.EvictionDirtyBack(act)
		if !ok {
			break
		}
		if err := m.Back.Submit(d.OID, d.Frame); err != nil {
			m.Log.WithError(err).WithField("object", logfmt.OID(d.OID)).Warn("laundrywatch: write-back submit failed, retrying next tick")
			break
		}
		d.Unlink()
		m.Store.LinkLaundry(d)
	}
	for _, c := range m.Activities.Children(act) {
		m.promote(c)
	}
}

// settle polls every page currently on the global laundry list for
// write-back completion, releasing settled ones to the global available
// list.
func (m *Manager) settle() {
	var next *list.Element
	for el := m.Store.Laundry.Front(); el != nil; el = next {
		next = el.Next()
		d := el.Value.(*store.Descriptor)

		done, err := m.Back.Poll(d.OID)
		if err != nil {
			m.Log.WithError(err).WithField("object", logfmt.OID(d.OID)).Warn("laundrywatch: poll failed")
			continue
		}
		if !done {
			continue
		}

		m.Activities.SettleLaundry(d.OwnerOID, d)
		m.Store.LinkAvailable(d)
	}
}
