package server

import (
	"github.com/OldRepoPreservation/viengoos-sub000/internal/cap"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/captab"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/errs"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/messenger"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/store"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/thread"
)

// handleConsoleWrite implements the console write target (spec.md §6): each
// byte of req.Bytes goes through the configured driver's Putc in order.
func (s *Server) handleConsoleWrite(req Request) (Reply, error) {
	if s.Console == nil {
		return Reply{}, errs.New(errs.ENOENT, "server: no console driver configured")
	}
	for _, b := range req.Bytes {
		if err := s.Console.Putc(b); err != nil {
			return Reply{}, errs.Wrap(errs.EINVAL, err, "server: console write failed")
		}
	}
	return Reply{Words: [4]uint64{uint64(len(req.Bytes))}}, nil
}

// handleConsoleRead implements the console read target. Neither stub driver
// models an input side (spec.md §6 treats the console as output-only, "used
// only for panics and debug logging"), so this always reports EINVAL.
func (s *Server) handleConsoleRead(req Request) (Reply, error) {
	return Reply{}, errs.New(errs.EINVAL, "server: console has no input side")
}

// handleFault implements bulk pre-fault (spec.md §4.7 "fault ... bulk
// pre-fault"): up to four capability addresses are resolved and their
// target objects faulted into residency in one RPC, saving the caller the
// four-page-fault round trip it would otherwise take.
func (s *Server) handleFault(req Request) (Reply, error) {
	var faulted uint64
	for i := 0; i < 4; i++ {
		res, err := s.lookup(req, i, captab.WantCap)
		if err != nil || res.Cap.Type == cap.Void {
			continue
		}
		if _, err := s.Store.ObjectFind(res.Cap.TargetOID, nil, store.Policy{}, s.Folio); err == nil {
			faulted++
		}
	}
	return Reply{Words: [4]uint64{faulted}}, nil
}

// handleFolioAlloc implements folio_alloc(owner) (spec.md §3, §4.3): Addrs[0]
// names the owning activity.
func (s *Server) handleFolioAlloc(req Request) (Reply, error) {
	ownerRes, err := s.lookup(req, 0, captab.WantObject)
	if err != nil {
		return Reply{}, err
	}
	ownerOID := ownerRes.Object.OID
	owner := s.Activities.OwnerFor(ownerOID)

	d, err := s.Folio.Alloc(ownerOID, owner, req.Policy)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Cap: cap.Cap{Type: cap.Folio, TargetOID: d.OID, TargetVersion: d.Version}}, nil
}

// handleFolioFree implements folio_free(folio) (spec.md §3): Addrs[0] names
// the folio.
func (s *Server) handleFolioFree(req Request) (Reply, error) {
	res, err := s.lookup(req, 0, captab.WantObject)
	if err != nil {
		return Reply{}, err
	}
	if err := s.Folio.Free(res.Object); err != nil {
		return Reply{}, err
	}
	return Reply{}, nil
}

// handleFolioPolicy implements folio_policy(folio, policy) (spec.md §4.3):
// Addrs[0] names the folio, req.Policy the new default.
func (s *Server) handleFolioPolicy(req Request) (Reply, error) {
	res, err := s.lookup(req, 0, captab.WantObject)
	if err != nil {
		return Reply{}, err
	}
	if err := s.Folio.SetPolicy(res.Object, req.Policy); err != nil {
		return Reply{}, err
	}
	return Reply{}, nil
}

// handleObjectAlloc implements folio_object_alloc(folio, idx, type, policy,
// owner, return_code) (spec.md §4.3): Addrs[0] names the folio, Addrs[1] the
// owning activity.
func (s *Server) handleObjectAlloc(req Request) (Reply, error) {
	folioRes, err := s.lookup(req, 0, captab.WantObject)
	if err != nil {
		return Reply{}, err
	}
	ownerRes, err := s.lookup(req, 1, captab.WantObject)
	if err != nil {
		return Reply{}, err
	}
	ownerOID := ownerRes.Object.OID
	owner := s.Activities.OwnerFor(ownerOID)

	nd, err := s.Folio.ObjectAlloc(folioRes.Object, req.SlotIndex, req.ObjectType, req.Policy, ownerOID, owner, req.ReturnCode)
	if err != nil {
		return Reply{}, err
	}
	if nd == nil {
		// req.ObjectType was store.TypeVoid: the slot was freed, not (re)tagged.
		return Reply{}, nil
	}
	return Reply{Cap: cap.Cap{Type: objectCapType(nd.Type), TargetOID: nd.OID, TargetVersion: nd.Version}}, nil
}

// objectCapType maps a resident object's store.Type to the strong capability
// type naming it, mirroring internal/captab's own (unexported) mapping —
// duplicated here rather than exported since it is a three-line switch and
// captab's copy is private to its address-translation walk.
func objectCapType(t store.Type) cap.Type {
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

// handleCapCopy implements cap_copy(src, dst, flags, properties) (spec.md
// §4.3): Addrs[0] names src, Addrs[1] names the destination slot.
func (s *Server) handleCapCopy(req Request) (Reply, error) {
	srcRes, err := s.lookup(req, 0, captab.WantCap)
	if err != nil {
		return Reply{}, err
	}
	dstRes, err := s.lookup(req, 1, captab.WantSlot)
	if err != nil {
		return Reply{}, err
	}
	if err := s.Captab.Copy(srcRes.Cap, dstRes.Slot, req.CopyFlags, req.Properties); err != nil {
		return Reply{}, err
	}
	return Reply{Cap: *dstRes.Slot}, nil
}

// handleCapRubout implements capability rubout (spec.md §4.3): Addrs[0]
// names the slot to shoot down and zero.
func (s *Server) handleCapRubout(req Request) (Reply, error) {
	res, err := s.lookup(req, 0, captab.WantSlot)
	if err != nil {
		return Reply{}, err
	}
	*res.Slot = s.Captab.Rubout(*res.Slot)
	return Reply{Cap: *res.Slot}, nil
}

// handleCapRead implements cap_read (spec.md §4.3): Addrs[0] names the
// capability to report back verbatim, without faulting its target in.
func (s *Server) handleCapRead(req Request) (Reply, error) {
	res, err := s.lookup(req, 0, captab.WantCap)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Cap: res.Cap}, nil
}

// handleObjectDiscard implements object_discard (spec.md §4.5 forced
// reclamation): Addrs[0] names the object, which must be discardable.
func (s *Server) handleObjectDiscard(req Request) (Reply, error) {
	res, err := s.lookup(req, 0, captab.WantObject)
	if err != nil {
		return Reply{}, err
	}
	if !res.Object.Policy.Discardable {
		return Reply{}, errs.New(errs.EPERM, "server: object is not discardable")
	}
	s.Folio.SetDiscarded(res.Object.OID, true)
	return Reply{}, nil
}

// handleObjectClearDiscarded implements object_clear_discarded (spec.md
// §4.5): Addrs[0] names the object.
func (s *Server) handleObjectClearDiscarded(req Request) (Reply, error) {
	res, err := s.lookup(req, 0, captab.WantObject)
	if err != nil {
		return Reply{}, err
	}
	s.Folio.SetDiscarded(res.Object.OID, false)
	return Reply{}, nil
}

// handleObjectStatus implements object_status (spec.md §3): Addrs[0] names
// the object.
func (s *Server) handleObjectStatus(req Request) (Reply, error) {
	res, err := s.lookup(req, 0, captab.WantObject)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Status: ObjectStatusInfo{Type: res.Object.Type, Version: res.Object.Version, Flags: res.Object.Flags}}, nil
}

// handleObjectName implements object_name (spec.md §6 debug aid): Addrs[0]
// names the object, req.Name the label to attach for diagnostics.
func (s *Server) handleObjectName(req Request) (Reply, error) {
	res, err := s.lookup(req, 0, captab.WantObject)
	if err != nil {
		return Reply{}, err
	}
	if req.Name == "" {
		return Reply{Name: s.names[res.Object.OID]}, nil
	}
	s.names[res.Object.OID] = req.Name
	return Reply{}, nil
}

// handleObjectReplyOnDestruction implements object_reply_on_destruction
// (spec.md §4.3, §7 "a destroyed object pre-empts any pending wait"):
// Addrs[0] names the watched object, Addrs[1] the waiting messenger (the
// caller's own exception/reply messenger if it names nothing).
func (s *Server) handleObjectReplyOnDestruction(req Request) (Reply, error) {
	targetRes, err := s.lookup(req, 0, captab.WantObject)
	if err != nil {
		return Reply{}, err
	}
	waiterOID := req.Sender
	if waiterRes, err := s.lookup(req, 1, captab.WantObject); err == nil {
		waiterOID = waiterRes.Object.OID
	}
	if err := s.Messengers.Enqueue(targetRes.Object.OID, waiterOID, messenger.WaitDestroy, 0); err != nil {
		return Reply{}, err
	}
	return Reply{}, nil
}

// exregs flag bits select which fields of a thread's saved register state
// ThreadExregs overwrites (spec.md §4.7).
const (
	ExregsSetSP Flags = 1 << iota
	ExregsSetIP
	ExregsSetEflags
	ExregsSetUserHandle
)

// Flags is ThreadExregs's selector bitmask type.
type Flags uint32

// handleThreadExregs implements thread_exregs (spec.md §4.7): Addrs[0] names
// the thread; req.Words carries [flags, newSP, newIP, newEflags]. The
// previous values are returned in Reply.Words so a caller can restore them.
func (s *Server) handleThreadExregs(req Request) (Reply, error) {
	res, err := s.lookup(req, 0, captab.WantObject)
	if err != nil {
		return Reply{}, err
	}
	if res.Object.Type != store.TypeThread {
		return Reply{}, errs.New(errs.EINVAL, "server: target is not a thread")
	}
	st := res.Object.TypeState.(*thread.State)

	old := Reply{Words: [4]uint64{st.SavedSP, st.SavedIP, st.SavedEflags, st.UserHandle}}

	flags := Flags(req.Words[0])
	if flags&ExregsSetSP != 0 {
		st.SavedSP = req.Words[1]
	}
	if flags&ExregsSetIP != 0 {
		st.SavedIP = req.Words[2]
	}
	if flags&ExregsSetEflags != 0 {
		st.SavedEflags = req.Words[3]
	}
	if flags&ExregsSetUserHandle != 0 {
		st.UserHandle = req.Words[1]
	}
	return old, nil
}

// handleThreadID implements thread_id (spec.md §4.7): Addrs[0] names the
// thread, the reply carries its OID.
func (s *Server) handleThreadID(req Request) (Reply, error) {
	res, err := s.lookup(req, 0, captab.WantObject)
	if err != nil {
		return Reply{}, err
	}
	if res.Object.Type != store.TypeThread {
		return Reply{}, errs.New(errs.EINVAL, "server: target is not a thread")
	}
	return Reply{Words: [4]uint64{uint64(res.Object.OID)}}, nil
}

// handleThreadActivationCollect implements thread_activation_collect
// (spec.md §4.7): Addrs[0] names the thread; the reply carries its
// exception-messenger capability so the caller can drain pending
// activations from it.
func (s *Server) handleThreadActivationCollect(req Request) (Reply, error) {
	res, err := s.lookup(req, 0, captab.WantObject)
	if err != nil {
		return Reply{}, err
	}
	if res.Object.Type != store.TypeThread {
		return Reply{}, errs.New(errs.EINVAL, "server: target is not a thread")
	}
	st := res.Object.TypeState.(*thread.State)
	return Reply{Cap: st.ExceptionMessenger}, nil
}

// handleActivityPolicy implements activity_policy_update (spec.md §4.4):
// Addrs[0] names the activity.
func (s *Server) handleActivityPolicy(req Request) (Reply, error) {
	res, err := s.lookup(req, 0, captab.WantObject)
	if err != nil {
		return Reply{}, err
	}
	if err := s.Activities.PolicyUpdate(res.Object.OID, req.ChildRel, req.SiblingRel); err != nil {
		return Reply{}, err
	}
	return Reply{}, nil
}

// handleActivityInfo implements activity_info (spec.md §4.4, §4.5):
// Addrs[0] names the activity.
func (s *Server) handleActivityInfo(req Request) (Reply, error) {
	res, err := s.lookup(req, 0, captab.WantObject)
	if err != nil {
		return Reply{}, err
	}
	info, err := s.Activities.Info(res.Object.OID)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Info: info}, nil
}

// handleFutex implements wait/wake/wake_op/cmp_requeue (spec.md §4.8):
// Addrs[0] names the first key's page, Addrs[1] the second key's page where
// applicable.
func (s *Server) handleFutex(req Request) (Reply, error) {
	page1, err := s.lookup(req, 0, captab.WantObject)
	if err != nil {
		return Reply{}, err
	}

	switch req.FutexSub {
	case FutexOpWait:
		if err := s.Futexes.Wait(page1.Object.OID, req.FutexOffset, req.FutexExpected, req.Sender); err != nil {
			return Reply{}, err
		}
		return Reply{}, nil

	case FutexOpWake:
		n := s.Futexes.Wake(page1.Object.OID, req.FutexOffset, req.FutexN)
		return Reply{Words: [4]uint64{uint64(n)}}, nil

	case FutexOpWakeOp:
		page2, err := s.lookup(req, 1, captab.WantObject)
		if err != nil {
			return Reply{}, err
		}
		n, err := s.Futexes.WakeOp(page1.Object.OID, req.FutexOffset, req.FutexN, req.FutexOp, req.FutexOparg, page2.Object.OID, req.FutexOffset2, req.FutexN2, req.FutexCmp, req.FutexCmparg)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Words: [4]uint64{uint64(n)}}, nil

	case FutexOpCmpRequeue:
		page2, err := s.lookup(req, 1, captab.WantObject)
		if err != nil {
			return Reply{}, err
		}
		woken, requeued, err := s.Futexes.CmpRequeue(page1.Object.OID, req.FutexOffset, req.FutexExpected, req.FutexN, page2.Object.OID, req.FutexOffset2, req.FutexN2)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Words: [4]uint64{uint64(woken), uint64(requeued)}}, nil

	default:
		return Reply{}, errs.New(errs.EINVAL, "server: unknown futex sub-operation")
	}
}

// handleASDump implements as_dump (spec.md §6 debug aid): req.CapRoot must
// directly name a resident cappage; the reply lists every non-void slot it
// holds. Deeper recursive dumps are left to a debugger walking one level at
// a time, the way the rest of address translation proceeds guard-by-guard.
func (s *Server) handleASDump(req Request) (Reply, error) {
	if req.CapRoot.Type != cap.Cappage && req.CapRoot.Type != cap.RCappage {
		return Reply{}, errs.New(errs.EINVAL, "server: as_dump root is not a cappage")
	}
	d := s.Store.Peek(req.CapRoot.TargetOID)
	if d == nil || d.Type != store.TypeCappage {
		return Reply{}, errs.New(errs.ENOENT, "server: as_dump root not resident")
	}
	st := d.TypeState.(*captab.State)

	var dump []ASDumpEntry
	for i, c := range st.Slots {
		if c.Type != cap.Void {
			dump = append(dump, ASDumpEntry{SlotIndex: i, Cap: c})
		}
	}
	return Reply{Dump: dump}, nil
}

// handleMessengerID implements messenger_id (spec.md §4.6): Addrs[0] names
// the messenger, the reply carries its OID.
func (s *Server) handleMessengerID(req Request) (Reply, error) {
	res, err := s.lookup(req, 0, captab.WantObject)
	if err != nil {
		return Reply{}, err
	}
	if res.Object.Type != store.TypeMessenger {
		return Reply{}, errs.New(errs.EINVAL, "server: target is not a messenger")
	}
	return Reply{Words: [4]uint64{uint64(res.Object.OID)}}, nil
}
