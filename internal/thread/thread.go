// Package thread implements the manager's Thread object (spec.md §3, §4.7):
// its three well-known capability slots, its UTCB-backed activation state,
// and the commission/decommission lifecycle that binds it to a host kernel
// thread handle.
package thread

import (
	"github.com/sirupsen/logrus"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/cap"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/errs"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/kthread"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/store"
)

// Well-known slot indices a Thread contributes during address translation
// (spec.md §4.3 as_lookup: "a thread contributes three well-known slots").
const (
	SlotAspaceRoot = 0
	SlotActivity   = 1
	SlotUTCB       = 2
	NumSlots       = 3
)

// UTCB is the per-thread control block (spec.md §4.7): a page-sized
// structure at a fixed virtual address. It is installed as the TypeState of
// the data page a thread's UTCB capability resolves to.
type UTCB struct {
	ActivationIP, ActivationSP, ActivationEnd uint64

	SavedSP, SavedIP, SavedEflags uint64

	PendingMessage bool
	InlineWords    [3]uint64
	InlineCaps     [1]cap.Cap
	HasInlineCap   bool

	ActivatedMode           bool
	InterruptInTransition   bool
	AltStackPointer         uint64
}

// State is the Thread object's TypeState.
type State struct {
	Slots [NumSlots]cap.Cap

	SavedSP, SavedIP, SavedEflags, UserHandle uint64

	DisplayName string

	Commissioned bool
	KHandle      kthread.Handle

	// ExceptionMessenger is the capability naming the messenger that receives this
	// thread's page-fault and access-violation notifications (spec.md §4.7).
	ExceptionMessenger cap.Cap
}

// Manager owns commission/decommission and implements store.Initializer /
// store.Destroyer for store.TypeThread.
type Manager struct {
	Monitor *kthread.Monitor
	Log     *logrus.Entry
}

func New(mon *kthread.Monitor, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{Monitor: mon, Log: log}
}

// Init implements store.Initializer: a freshly tagged thread slot starts
// uncommissioned with all three well-known caps void.
func (m *Manager) Init(d *store.Descriptor, p store.Policy) {
	d.TypeState = &State{}
}

// Destroy implements store.Destroyer: decommissioning releases the bound
// kernel-thread handle (spec.md §3: "decommissioned on destruction").
func (m *Manager) Destroy(d *store.Descriptor) {
	st, ok := d.TypeState.(*State)
	if !ok || !st.Commissioned {
		return
	}
	m.decommission(st)
}

// Commission lazily binds a host handle standing in for the kernel thread
// id, on first start (spec.md §3). It creates no kernel address space and
// maps no UTCB. It is idempotent.
func (m *Manager) Commission(d *store.Descriptor) error {
	st, ok := d.TypeState.(*State)
	if !ok {
		return errs.New(errs.EINVAL, "thread.Commission: descriptor is not a thread")
	}
	if st.Commissioned {
		return nil
	}
	h, err := m.Monitor.Bind(d.OID)
	if err != nil {
		return errs.Wrap(errs.ENOMEM, err, "thread.Commission: failed to bind kernel thread")
	}
	st.KHandle = h
	st.Commissioned = true
	return nil
}

func (m *Manager) decommission(st *State) {
	m.Monitor.Unbind(st.KHandle)
	st.Commissioned = false
}
