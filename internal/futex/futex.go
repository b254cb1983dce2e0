// Package futex implements the futex operations (spec.md §4.8): wait,
// wake, wake_op, cmp_requeue, keyed on a (page-object, offset) pair and
// backed by internal/messenger's generic wait-queue/reason/arg machinery
// (reason WAIT_FUTEX, arg = offset).
package futex

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/errs"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/messenger"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/oid"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/store"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/zone"
)

// Op names a wake_op arithmetic sub-op (spec.md §4.8).
type Op int

const (
	OpSet Op = iota
	OpAdd
	OpOr
	OpAndn
	OpXor
)

// Cmp names a wake_op/cmp_requeue comparison sub-op (spec.md §4.8).
type Cmp int

const (
	CmpEQ Cmp = iota
	CmpNE
	CmpLT
	CmpLE
	CmpGT
	CmpGE
)

func apply(op Op, cur, arg uint32) uint32 {
	switch op {
	case OpSet:
		return arg
	case OpAdd:
		return cur + arg
	case OpOr:
		return cur | arg
	case OpAndn:
		return cur &^ arg
	case OpXor:
		return cur ^ arg
	default:
		return cur
	}
}

func compare(c Cmp, a, b uint32) bool {
	switch c {
	case CmpEQ:
		return a == b
	case CmpNE:
		return a != b
	case CmpLT:
		return a < b
	case CmpLE:
		return a <= b
	case CmpGT:
		return a > b
	case CmpGE:
		return a >= b
	default:
		return false
	}
}

// Manager is the futex subsystem: it reads/writes the 32-bit words a key
// names directly in the object store's resident page frames and drives
// internal/messenger's wait queues for blocking/waking.
type Manager struct {
	Store     *store.Store
	Messenger *messenger.Manager
	Log       *logrus.Entry
}

// New returns a futex subsystem over s, waking waiters through msg.
func New(s *store.Store, msg *messenger.Manager, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{Store: s, Messenger: msg, Log: log}
}

func (m *Manager) pageWord(pageOID oid.OID, offset uint32) ([]byte, error) {
	d := m.Store.Peek(pageOID)
	if d == nil || d.Type != store.TypePage {
		return nil, errs.New(errs.ENOENT, "futex: key is not a resident page")
	}
	if offset+4 > zone.PageSize {
		return nil, errs.New(errs.EINVAL, "futex: offset out of range")
	}
	if d.Frame == nil {
		d.Frame = make([]byte, zone.PageSize)
	}
	return d.Frame[offset : offset+4], nil
}

func (m *Manager) read(pageOID oid.OID, offset uint32) (uint32, error) {
	b, err := m.pageWord(pageOID, offset)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (m *Manager) write(pageOID oid.OID, offset uint32, v uint32) error {
	b, err := m.pageWord(pageOID, offset)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// Wait implements futex wait: if the word at (pageOID, offset) still equals
// expected, waiterOID blocks on the key's wait queue (reason WAIT_FUTEX, arg
// = offset); otherwise it returns immediately without blocking (spec.md
// §4.8 — the value already changed).
func (m *Manager) Wait(pageOID oid.OID, offset uint32, expected uint32, waiterOID oid.OID) error {
	cur, err := m.read(pageOID, offset)
	if err != nil {
		return err
	}
	if cur != expected {
		return errs.New(errs.EWOULDBLOCK, "futex.Wait: value already changed")
	}
	return m.Messenger.Enqueue(pageOID, waiterOID, messenger.WaitFutex, uint64(offset))
}

func matchOffset(offset uint32) func(messenger.Reason, uint64) bool {
	return func(reason messenger.Reason, arg uint64) bool {
		return reason == messenger.WaitFutex && arg == uint64(offset)
	}
}

// Wake implements futex wake: wakes up to n waiters blocked on (pageOID,
// offset), returning the number actually woken.
func (m *Manager) Wake(pageOID oid.OID, offset uint32, n int) int {
	return m.Messenger.Wake(pageOID, n, matchOffset(offset))
}

// requeue moves up to n waiters matching (srcOID, srcOffset) onto (dstOID,
// dstOffset)'s wait queue without waking them, preserving everything else on
// srcOID's queue. Non-matching waiters popped along the way are re-enqueued
// on srcOID at the tail, same as internal/messenger.Wake does for its own
// mismatches.
func (m *Manager) requeue(srcOID oid.OID, srcOffset uint32, dstOID oid.OID, dstOffset uint32, n int) int {
	type held struct {
		oid    oid.OID
		reason messenger.Reason
		arg    uint64
	}
	var moved int
	var putBack []held

	for moved < n {
		waiterOID, wst, ok := m.Messenger.DequeueHead(srcOID)
		if !ok {
			break
		}
		if wst.WaitReason == messenger.WaitFutex && wst.WaitArg == uint64(srcOffset) {
			m.Messenger.Enqueue(dstOID, waiterOID, messenger.WaitFutex, uint64(dstOffset))
			moved++
			continue
		}
		putBack = append(putBack, held{waiterOID, wst.WaitReason, wst.WaitArg})
	}
	for _, h := range putBack {
		m.Messenger.Enqueue(srcOID, h.oid, h.reason, h.arg)
	}
	return moved
}

// WakeOp implements futex wake_op (spec.md §4.8): performs op(oparg) on the
// second location, wakes up to n1 waiters on the first key, then wakes up to
// n2 waiters on the second key only if cmp(oldVal, cmparg) holds.
func (m *Manager) WakeOp(pageOID oid.OID, offset uint32, n1 int, op Op, oparg uint32, page2OID oid.OID, offset2 uint32, n2 int, cmp Cmp, cmparg uint32) (int, error) {
	old, err := m.read(page2OID, offset2)
	if err != nil {
		return 0, err
	}
	if err := m.write(page2OID, offset2, apply(op, old, oparg)); err != nil {
		return 0, err
	}

	woken := m.Wake(pageOID, offset, n1)
	if compare(cmp, old, cmparg) {
		woken += m.Wake(page2OID, offset2, n2)
	}
	return woken, nil
}

// CmpRequeue implements futex cmp_requeue (spec.md §4.8): if the word at
// (pageOID, offset) equals expected, wakes up to nWake waiters there and
// requeues up to nRequeue of the remainder onto (page2OID, offset2),
// returning (woken, requeued).
func (m *Manager) CmpRequeue(pageOID oid.OID, offset uint32, expected uint32, nWake int, page2OID oid.OID, offset2 uint32, nRequeue int) (int, int, error) {
	cur, err := m.read(pageOID, offset)
	if err != nil {
		return 0, 0, err
	}
	if cur != expected {
		return 0, 0, errs.New(errs.EWOULDBLOCK, "futex.CmpRequeue: value already changed")
	}

	woken := m.Wake(pageOID, offset, nWake)
	requeued := m.requeue(pageOID, offset, page2OID, offset2, nRequeue)
	return woken, requeued, nil
}
