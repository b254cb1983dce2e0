// Package logfmt provides logrus field value wrappers for the manager's
// domain values (OIDs, capabilities, activity identities), so a log line
// renders "folio=3/slot=12" instead of a bare signed integer. It is
// adapted from the teacher's formatter package, which wraps one domain
// value (a container ID) behind ShortID/LongID/String so callers can
// choose how much detail a log line needs; here the same ShortID/LongID
// split separates a compact per-entry tag from the fully-qualified form.
package logfmt

import (
	"fmt"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/cap"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/oid"
)

// OIDValue wraps an oid.OID for logging.
type OIDValue struct {
	OID oid.OID
}

// ShortID renders just the numeric OID, for high-volume trace lines.
func (v OIDValue) ShortID() string {
	return fmt.Sprintf("%d", int64(v.OID))
}

// LongID renders the OID decomposed into its folio index and slot, which
// is what a human actually wants when chasing a specific object down.
func (v OIDValue) LongID() string {
	folioIndex, slot := oid.Split(v.OID)
	if slot == oid.HeaderSlot {
		return fmt.Sprintf("folio=%d/header", folioIndex)
	}
	return fmt.Sprintf("folio=%d/slot=%d", folioIndex, slot)
}

func (v OIDValue) String() string { return v.LongID() }

// OID is a logrus.Fields-friendly constructor: log.WithField("object",
// logfmt.OID(o)).
func OID(o oid.OID) OIDValue { return OIDValue{OID: o} }

// CapValue wraps a cap.Cap for logging.
type CapValue struct {
	Cap cap.Cap
}

func (v CapValue) ShortID() string {
	return v.Cap.Type.String()
}

func (v CapValue) LongID() string {
	return fmt.Sprintf("%s(target=%s, version=%d)", v.Cap.Type, OID(v.Cap.TargetOID).LongID(), v.Cap.TargetVersion)
}

func (v CapValue) String() string { return v.LongID() }

// Cap is a logrus.Fields-friendly constructor for a capability value.
func Cap(c cap.Cap) CapValue { return CapValue{Cap: c} }

// ActivityValue wraps an activity OID for logging, distinct from a bare
// OIDValue so log lines can be grepped by role ("activity=...") rather
// than by the underlying encoding.
type ActivityValue struct {
	OID oid.OID
}

func (v ActivityValue) ShortID() string { return OID(v.OID).ShortID() }
func (v ActivityValue) LongID() string  { return fmt.Sprintf("activity(%s)", OID(v.OID).LongID()) }
func (v ActivityValue) String() string  { return v.LongID() }

// Activity is a logrus.Fields-friendly constructor for an activity OID.
func Activity(o oid.OID) ActivityValue { return ActivityValue{OID: o} }
