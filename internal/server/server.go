// Package server implements the manager's single dispatch loop (spec.md §4.7,
// §9): one process-wide lock held across an entire RPC, the fixed
// kernel-implemented method table keyed on a 13-bit label carried in the
// first word of every sent message, and the pager/laundry quiescent-point
// hook run after each dispatch completes. There is no nested dispatch and no
// preemption mid-RPC — the same cooperative, single-threaded model
// internal/kthread.Monitor's poll loop and internal/messenger's activation
// state machine already assume.
package server

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/activity"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/cap"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/captab"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/console"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/errs"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/folio"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/futex"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/laundrywatch"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/messenger"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/oid"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/pager"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/store"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/thread"
)

// Label is the 13-bit method tag carried in the first word of a sent message
// (spec.md §4.7 "a fixed method table keyed on a constant label"). The
// numbering here is this reimplementation's own; nothing outside capmgrd
// interprets it.
type Label uint16

const (
	ConsoleWrite Label = iota + 1
	ConsoleRead

	Fault

	FolioAlloc
	FolioFree
	ObjectAlloc
	FolioPolicy

	CapCopy
	CapRubout
	CapRead

	ObjectDiscard
	ObjectClearDiscarded
	ObjectStatus
	ObjectName
	ObjectReplyOnDestruction

	ThreadExregs
	ThreadID
	ThreadActivationCollect

	ActivityPolicy
	ActivityInfo

	Futex

	ASDump

	MessengerID
)

// MaxLabel is the largest value spec.md's 13-bit wire field can carry (8191),
// well above the labels the fixed kernel method table assigns.
const MaxLabel = 8191

// FutexSubOp picks which of the four futex operations (spec.md §4.8) a
// Futex-labeled Request performs.
type FutexSubOp int

const (
	FutexOpWait FutexSubOp = iota
	FutexOpWake
	FutexOpWakeOp
	FutexOpCmpRequeue
)

// ObjectStatusInfo is ObjectStatus's reply payload.
type ObjectStatusInfo struct {
	Type    store.Type
	Version uint64
	Flags   store.Flags
}

// ASDumpEntry is one populated slot ASDump reports.
type ASDumpEntry struct {
	SlotIndex int
	Cap       cap.Cap
}

// Request is one dispatched RPC: the label plus the inline words and
// capability addresses the sender's message carried (spec.md §4.7 "up to
// four capability addresses, plus inline words"). CapRoot is the invoking
// thread's address-space-root capability, against which Addrs are resolved
// via internal/captab.Lookup; Sender is the invoking thread's own OID — the
// identity ObjectReplyOnDestruction's waiter defaults to when Addrs[1] names
// nothing.
type Request struct {
	Label   Label
	Sender  oid.OID
	CapRoot cap.Cap

	Words [4]uint64
	Addrs [4]uint64

	// Bytes carries ConsoleWrite's payload; console output has no inline-word
	// encoding worth inventing since it is debug-only (spec.md §6).
	Bytes []byte

	// Policy/Properties/CopyFlags parameterize FolioAlloc, ObjectAlloc, and
	// CapCopy the way the original operations take explicit struct arguments
	// rather than packing everything into inline words.
	Policy     store.Policy
	Properties cap.Cap
	CopyFlags  captab.CopyFlags
	ObjectType store.Type
	SlotIndex  int
	ReturnCode uint32
	Name       string

	ChildRel, SiblingRel activity.Rel

	FutexSub      FutexSubOp
	FutexOffset   uint32
	FutexOffset2  uint32
	FutexExpected uint32
	FutexN        int
	FutexN2       int
	FutexOp       futex.Op
	FutexOparg    uint32
	FutexCmp      futex.Cmp
	FutexCmparg   uint32
}

// Reply is what Dispatch hands back: the reply-word convention (0 or a
// positive errno) plus whatever inline words/capability the call produces
// (spec.md §4.7 "the reply's first word is either 0 or a positive errno").
type Reply struct {
	Code  uint32
	Words [4]uint64
	Cap   cap.Cap

	Name   string
	Status ObjectStatusInfo
	Info   activity.Info
	Dump   []ASDumpEntry
}

func errReply(err error) Reply { return Reply{Code: errs.ReplyWord(err)} }

// handler is one method table entry. It runs with Server.mu already held.
type handler func(s *Server, req Request) (Reply, error)

var methodTable = map[Label]handler{
	ConsoleWrite:             (*Server).handleConsoleWrite,
	ConsoleRead:              (*Server).handleConsoleRead,
	Fault:                    (*Server).handleFault,
	FolioAlloc:               (*Server).handleFolioAlloc,
	FolioFree:                (*Server).handleFolioFree,
	ObjectAlloc:              (*Server).handleObjectAlloc,
	FolioPolicy:              (*Server).handleFolioPolicy,
	CapCopy:                  (*Server).handleCapCopy,
	CapRubout:                (*Server).handleCapRubout,
	CapRead:                  (*Server).handleCapRead,
	ObjectDiscard:            (*Server).handleObjectDiscard,
	ObjectClearDiscarded:     (*Server).handleObjectClearDiscarded,
	ObjectStatus:             (*Server).handleObjectStatus,
	ObjectName:               (*Server).handleObjectName,
	ObjectReplyOnDestruction: (*Server).handleObjectReplyOnDestruction,
	ThreadExregs:             (*Server).handleThreadExregs,
	ThreadID:                 (*Server).handleThreadID,
	ThreadActivationCollect:  (*Server).handleThreadActivationCollect,
	ActivityPolicy:           (*Server).handleActivityPolicy,
	ActivityInfo:             (*Server).handleActivityInfo,
	Futex:                    (*Server).handleFutex,
	ASDump:                   (*Server).handleASDump,
	MessengerID:              (*Server).handleMessengerID,
}

// Server owns every manager capmgrd wires together and the one lock that
// serializes all RPC dispatch against them (spec.md §9: "the core runs under
// a single global lock ... acquired for the duration of one complete RPC
// dispatch, never released mid-dispatch, and never acquired recursively").
type Server struct {
	mu sync.Mutex

	Store      *store.Store
	Folio      *folio.Manager
	Activities *activity.Manager
	Threads    *thread.Manager
	Messengers *messenger.Manager
	Captab     *captab.Manager
	Futexes    *futex.Manager
	Pager      *pager.Manager
	Laundry    *laundrywatch.Manager
	Console    console.Driver

	RootActivity oid.OID
	Log          *logrus.Entry

	names map[oid.OID]string
}

// New wires a dispatch loop over the given managers. Every field is assumed
// already constructed by the caller (cmd/capmgrd) in the established
// dependency order: store, activity, folio, thread, messenger, captab,
// futex, pager, laundrywatch.
func New(s *store.Store, f *folio.Manager, act *activity.Manager, th *thread.Manager, msg *messenger.Manager, ct *captab.Manager, fx *futex.Manager, pg *pager.Manager, lw *laundrywatch.Manager, con console.Driver, root oid.OID, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		Store: s, Folio: f, Activities: act, Threads: th, Messengers: msg,
		Captab: ct, Futexes: fx, Pager: pg, Laundry: lw, Console: con,
		RootActivity: root, Log: log, names: make(map[oid.OID]string),
	}
}

// Dispatch runs one RPC under the global lock and invokes the
// pager/laundry quiescent-point hook before releasing it (spec.md §9: "the
// pager is queried ... at a small set of well-defined quiescent points: on
// return from every kernel entry point"). Suspension is never mid-dispatch —
// Dispatch either runs a handler to completion or the handler itself returns
// a reply indicating the caller should block, but the lock is always held
// start to finish and always released before the next Dispatch call.
func (s *Server) Dispatch(req Request) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.quiescent()

	h, ok := methodTable[req.Label]
	if !ok {
		return Reply{Code: uint32(errs.EINVAL)}
	}
	reply, err := h(s, req)
	if err != nil {
		return errReply(err)
	}
	return reply
}

// quiescent runs the pager and laundry-write-back passes capmgrd performs at
// every RPC boundary (spec.md §4.5, §9).
func (s *Server) quiescent() {
	if s.Activities != nil {
		s.Activities.AgeSweep()
	}
	if s.Pager != nil {
		if err := s.Pager.Query(); err != nil {
			s.Log.WithError(err).Warn("server: pager query failed")
		}
	}
	if s.Laundry != nil {
		s.Laundry.Tick()
	}
	s.reapExitedThreads()
}

// reapExitedThreads drains internal/kthread's liveness table and runs the
// same teardown folio-object-alloc(void) performs for an explicitly
// destroyed thread, for every commissioned thread whose bound host handle
// went away unexpectedly (spec.md §4.7 "liveness monitor ... synthesizes
// teardown on unexpected host-level exit"). Polled synchronously here,
// under the dispatch lock, rather than from a background goroutine — see
// internal/kthread.Monitor's package doc.
func (s *Server) reapExitedThreads() {
	if s.Threads == nil || s.Threads.Monitor == nil {
		return
	}
	for _, ev := range s.Threads.Monitor.Poll() {
		s.reapThread(ev.Thread)
	}
}

func (s *Server) reapThread(threadOID oid.OID) {
	folioOID := oid.FolioOID(threadOID)
	fd := s.Store.Peek(folioOID)
	if fd == nil {
		return
	}
	_, idx := oid.Split(threadOID)
	if _, err := s.Folio.ObjectAlloc(fd, idx, store.TypeVoid, store.Policy{}, oid.OID(0), nil, uint32(errs.EFAULT)); err != nil {
		s.Log.WithError(err).Warn("server: failed to tear down exited thread")
	}
}

// lookup resolves one of req's capability addresses against req.CapRoot.
func (s *Server) lookup(req Request, slot int, want captab.WantMode) (captab.Result, error) {
	return s.Captab.Lookup(req.CapRoot, req.Addrs[slot], want)
}
