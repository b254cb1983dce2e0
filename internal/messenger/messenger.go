// Package messenger implements the Messenger object and IPC (spec.md §4.6):
// the single asynchronous-communication primitive, its blocked/unblocked
// state machine, the object wait-queue linkage threaded through the
// containing folio's slot metadata, and activation delivery into a thread's
// UTCB (spec.md §4.7).
package messenger

import (
	"github.com/sirupsen/logrus"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/cap"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/errs"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/folio"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/oid"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/store"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/thread"
)

// Reason names why a messenger sits on some object's wait queue (spec.md
// §4.6, §4.8).
type Reason int

const (
	WaitNone Reason = iota
	WaitTransferMessage
	WaitDestroy
	WaitFutex
	WaitActivityInfo
)

// State is the Messenger object's TypeState.
type State struct {
	BoundThread        cap.Cap
	AspaceRoot         cap.Cap
	OutOfLineBuffer    cap.Cap
	SenderActivity     cap.Cap

	InlineWords  [2]uint64
	InlineCap    cap.Cap
	HasInlineCap bool

	Blocked           bool
	ActivateOnSend    bool
	ActivateOnReceive bool
	Protected         bool
	UserID            uint64

	// Wait-queue linkage when this messenger is itself enqueued as a waiter
	// on some other object (spec.md §3: "an object's wait queue is a
	// circular doubly-linked list of messengers").
	WaitObjectOID oid.OID
	HasWait       bool
	WaitReason    Reason
	WaitArg       uint64

	NextWait    oid.OID
	HasNextWait bool
	PrevWait    oid.OID
	HasPrevWait bool

	// ReplyCode/HasReply record the outcome NotifyDestroyed or Wake delivered
	// while this messenger was dequeued — the server picks these up on its
	// next dispatch of the waiting caller.
	ReplyCode uint32
	HasReply  bool
}

// Manager is the messenger subsystem: wait-queue bookkeeping, IPC send/
// receive/transfer, and activation delivery.
type Manager struct {
	Store  *store.Store
	Folio  *folio.Manager
	Thread *thread.Manager
	Log    *logrus.Entry

	// tails tracks each object's wait-queue tail messenger OID for O(1)
	// enqueue; the head lives authoritatively in the containing folio slot.
	tails map[oid.OID]oid.OID
}

// New returns a messenger subsystem wired to the store/folio/thread
// managers it cooperates with.
func New(s *store.Store, f *folio.Manager, th *thread.Manager, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{Store: s, Folio: f, Thread: th, Log: log, tails: make(map[oid.OID]oid.OID)}
}

// Init implements store.Initializer for store.TypeMessenger: a freshly
// tagged messenger slot starts blocked (spec.md §3 "initial: blocked").
func (m *Manager) Init(d *store.Descriptor, p store.Policy) {
	d.TypeState = &State{Blocked: true}
}

// Destroy implements store.Destroyer: a destroyed messenger unlinks from
// whatever wait queue it sits on (spec.md §5 "Cancellation").
func (m *Manager) Destroy(d *store.Descriptor) {
	st, ok := d.TypeState.(*State)
	if !ok || !st.HasWait {
		return
	}
	m.remove(d.OID, st)
}

func stateOf(d *store.Descriptor) (*State, error) {
	if d == nil || d.Type != store.TypeMessenger {
		return nil, errs.New(errs.EINVAL, "messenger: descriptor is not a messenger")
	}
	st, ok := d.TypeState.(*State)
	if !ok {
		return nil, errs.New(errs.EINVAL, "messenger: missing messenger state")
	}
	return st, nil
}

func (m *Manager) get(o oid.OID) (*store.Descriptor, *State, error) {
	d := m.Store.Peek(o)
	if d == nil {
		return nil, nil, errs.New(errs.ENOENT, "messenger: not resident")
	}
	st, err := stateOf(d)
	return d, st, err
}

// Enqueue appends waiterOID onto objectOID's wait queue with reason/arg
// (spec.md §4.6/§4.8: FIFO order, queue head stored in the folio slot).
func (m *Manager) Enqueue(objectOID, waiterOID oid.OID, reason Reason, arg uint64) error {
	_, wst, err := m.get(waiterOID)
	if err != nil {
		return err
	}
	wst.WaitObjectOID = objectOID
	wst.HasWait = true
	wst.WaitReason = reason
	wst.WaitArg = arg
	wst.Blocked = true

	if tail, ok := m.tails[objectOID]; ok {
		if _, tst, err := m.get(tail); err == nil {
			tst.NextWait = waiterOID
			tst.HasNextWait = true
			wst.PrevWait = tail
			wst.HasPrevWait = true
		}
	} else {
		m.Folio.SetSlotWaitQueue(objectOID, waiterOID, true)
	}
	m.tails[objectOID] = waiterOID
	return nil
}

// remove splices waiterOID out of whatever wait queue it sits on.
func (m *Manager) remove(waiterOID oid.OID, st *State) {
	if !st.HasWait {
		return
	}
	objectOID := st.WaitObjectOID

	if st.HasPrevWait {
		if _, pst, err := m.get(st.PrevWait); err == nil {
			pst.NextWait = st.NextWait
			pst.HasNextWait = st.HasNextWait
		}
	} else {
		m.Folio.SetSlotWaitQueue(objectOID, st.NextWait, st.HasNextWait)
	}
	if st.HasNextWait {
		if _, nst, err := m.get(st.NextWait); err == nil {
			nst.PrevWait = st.PrevWait
			nst.HasPrevWait = st.HasPrevWait
		}
	} else {
		if tail, ok := m.tails[objectOID]; ok && tail == waiterOID {
			if st.HasPrevWait {
				m.tails[objectOID] = st.PrevWait
			} else {
				delete(m.tails, objectOID)
			}
		}
	}

	st.HasWait = false
	st.WaitReason = WaitNone
	st.WaitArg = 0
	st.HasNextWait, st.HasPrevWait = false, false
}

// DequeueHead pops and returns the head waiter of objectOID's wait queue, if
// any. The returned state still carries the reason and argument it waited
// with, so callers can match on them.
func (m *Manager) DequeueHead(objectOID oid.OID) (oid.OID, *State, bool) {
	head, ok := m.Folio.SlotWaitQueue(objectOID)
	if !ok {
		return oid.OID(0), nil, false
	}
	_, hst, err := m.get(head)
	if err != nil {
		return oid.OID(0), nil, false
	}
	reason, arg := hst.WaitReason, hst.WaitArg
	m.remove(head, hst)
	hst.WaitReason, hst.WaitArg = reason, arg
	return head, hst, true
}

// Wake dequeues up to n waiters on objectOID whose reason/arg match the
// predicate, replying success to each (spec.md §4.8 wake).
func (m *Manager) Wake(objectOID oid.OID, n int, match func(reason Reason, arg uint64) bool) int {
	var woken int
	var requeue []oid.OID

	for woken < n {
		waiterOID, wst, ok := m.DequeueHead(objectOID)
		if !ok {
			break
		}
		if match == nil || match(wst.WaitReason, wst.WaitArg) {
			wst.ReplyCode = 0
			wst.HasReply = true
			wst.Blocked = false
			woken++
			continue
		}
		requeue = append(requeue, waiterOID)
	}
	for _, o := range requeue {
		_, st, err := m.get(o)
		if err != nil {
			continue
		}
		m.Enqueue(objectOID, o, st.WaitReason, st.WaitArg)
	}
	return woken
}

// Peek scans objectOID's wait queue for the first waiter matching, without
// dequeuing it (spec.md §4.5 self-paging opportunity: "check whether the
// victim has any messenger enqueued on itself with reason ACTIVITY_INFO
// requesting pressure notifications").
func (m *Manager) Peek(objectOID oid.OID, match func(reason Reason, arg uint64) bool) (oid.OID, *State, bool) {
	head, ok := m.Folio.SlotWaitQueue(objectOID)
	if !ok {
		return oid.OID(0), nil, false
	}
	cur := head
	for {
		_, st, err := m.get(cur)
		if err != nil {
			return oid.OID(0), nil, false
		}
		if match == nil || match(st.WaitReason, st.WaitArg) {
			return cur, st, true
		}
		if !st.HasNextWait {
			return oid.OID(0), nil, false
		}
		cur = st.NextWait
	}
}

// Deliver dequeues waiterOID from whatever wait queue it sits on and
// replies code directly, independent of FIFO head order — used to deliver
// an out-of-band event (e.g. an ACTIVITY_INFO pressure notification) to a
// specific waiter found via Peek.
func (m *Manager) Deliver(waiterOID oid.OID, code uint32) error {
	_, st, err := m.get(waiterOID)
	if err != nil {
		return err
	}
	m.remove(waiterOID, st)
	st.ReplyCode = code
	st.HasReply = true
	st.Blocked = false
	return nil
}

// NotifyDestroyed implements folio.WaitQueueNotifier: every WAIT_DESTROY
// waiter receives returnCode, everyone else receives EFAULT (spec.md §4.3,
// §7 "a destroyed object pre-empts any pending wait").
func (m *Manager) NotifyDestroyed(waitQueueHead oid.OID, hasQueue bool, returnCode uint32) {
	if !hasQueue {
		return
	}
	cur := waitQueueHead
	for {
		_, st, err := m.get(cur)
		if err != nil {
			return
		}
		next := st.NextWait
		hasNext := st.HasNextWait

		if st.WaitReason == WaitDestroy {
			st.ReplyCode = returnCode
		} else {
			st.ReplyCode = uint32(errs.EFAULT)
		}
		st.HasReply = true
		st.Blocked = false
		st.HasWait = false
		st.HasNextWait, st.HasPrevWait = false, false

		if !hasNext {
			return
		}
		cur = next
	}
}

// Send delivers a message from srcOID to targetOID (spec.md §4.6 send
// phase). If target is unblocked, transfer happens immediately; otherwise
// the sender is enqueued with WAIT_TRANSFER_MESSAGE (or EWOULDBLOCK if
// nonblocking).
func (m *Manager) Send(srcOID, targetOID oid.OID, words [2]uint64, c cap.Cap, hasCap bool, nonblocking bool) error {
	_, sst, err := m.get(srcOID)
	if err != nil {
		return err
	}
	_, tst, err := m.get(targetOID)
	if err != nil {
		return err
	}

	if tst.Blocked {
		if nonblocking {
			return errs.New(errs.EWOULDBLOCK, "messenger.Send: target blocked")
		}
		sst.InlineWords, sst.InlineCap, sst.HasInlineCap = words, c, hasCap
		return m.Enqueue(targetOID, srcOID, WaitTransferMessage, 0)
	}

	m.transfer(sst, tst, words, c, hasCap)
	tst.Blocked = true

	if tst.ActivateOnReceive {
		m.activate(targetOID, tst)
	}
	if sst.ActivateOnSend {
		m.activate(srcOID, sst)
	}
	return nil
}

func (m *Manager) transfer(src, dst *State, words [2]uint64, c cap.Cap, hasCap bool) {
	dst.InlineWords = words
	dst.InlineCap = c
	dst.HasInlineCap = hasCap
}

// Receive configures targetOID to receive and unblocks it, completing
// transfer immediately if a sender is already enqueued (spec.md §4.6
// receive phase).
func (m *Manager) Receive(targetOID oid.OID, nonblocking bool) error {
	_, tst, err := m.get(targetOID)
	if err != nil {
		return err
	}

	senderOID, sst, ok := m.DequeueHead(targetOID)
	if !ok {
		if nonblocking {
			return errs.New(errs.EWOULDBLOCK, "messenger.Receive: no sender enqueued")
		}
		tst.Blocked = false
		return nil
	}

	m.transfer(sst, tst, sst.InlineWords, sst.InlineCap, sst.HasInlineCap)
	tst.Blocked = true
	sst.ReplyCode = 0
	sst.HasReply = true

	if tst.ActivateOnReceive {
		m.activate(targetOID, tst)
	}
	if sst.ActivateOnSend {
		m.activate(senderOID, sst)
	}
	return nil
}

// Unblock implements messenger_unblock (spec.md §4.6): explicit transition
// to unblocked, draining one pending sender if any.
func (m *Manager) Unblock(targetOID oid.OID) error {
	_, tst, err := m.get(targetOID)
	if err != nil {
		return err
	}
	tst.Blocked = false

	if senderOID, sst, ok := m.DequeueHead(targetOID); ok {
		m.transfer(sst, tst, sst.InlineWords, sst.InlineCap, sst.HasInlineCap)
		tst.Blocked = true
		sst.ReplyCode = 0
		sst.HasReply = true
		if tst.ActivateOnReceive {
			m.activate(targetOID, tst)
		}
		if sst.ActivateOnSend {
			m.activate(senderOID, sst)
		}
	}
	return nil
}

// activate delivers messengerOID to its bound thread's UTCB (spec.md §4.7).
// A thread's UTCB is resolved as the data page its SlotUTCB capability
// names; if the thread isn't resident or the UTCB isn't mapped yet, the
// activation is silently dropped (no thread to interrupt).
func (m *Manager) activate(messengerOID oid.OID, st *State) {
	if st.BoundThread.Type == cap.Void {
		return
	}
	td := m.Store.Peek(st.BoundThread.TargetOID)
	if td == nil || td.Type != store.TypeThread {
		return
	}
	tst, ok := td.TypeState.(*thread.State)
	if !ok {
		return
	}
	utcbCap := tst.Slots[thread.SlotUTCB]
	if utcbCap.Type == cap.Void {
		return
	}
	ud := m.Store.Peek(utcbCap.TargetOID)
	if ud == nil {
		return
	}
	utcb, ok := ud.TypeState.(*thread.UTCB)
	if !ok {
		return
	}

	if utcb.ActivatedMode {
		utcb.PendingMessage = true
		m.Enqueue(st.BoundThread.TargetOID, messengerOID, WaitTransferMessage, 0)
		return
	}

	utcb.InlineWords = [3]uint64{st.InlineWords[0], st.InlineWords[1], 0}
	utcb.InlineCaps[0] = st.InlineCap
	utcb.HasInlineCap = st.HasInlineCap

	if utcb.SavedIP >= utcb.ActivationIP && utcb.SavedIP < utcb.ActivationEnd {
		utcb.InterruptInTransition = true
	} else {
		utcb.SavedSP, utcb.SavedIP = tst.SavedSP, tst.SavedIP
	}
	utcb.ActivatedMode = true
	tst.SavedSP, tst.SavedIP = utcb.ActivationSP, utcb.ActivationIP
}
