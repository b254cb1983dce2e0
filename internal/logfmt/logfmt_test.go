package logfmt

import (
	"strings"
	"testing"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/cap"
	"github.com/OldRepoPreservation/viengoos-sub000/internal/oid"
)

func TestOIDLongIDDecomposesFolioAndSlot(t *testing.T) {
	o := oid.Make(3, 12)
	v := OID(o)
	if got := v.LongID(); got != "folio=3/slot=12" {
		t.Fatalf("unexpected LongID: %q", got)
	}
	if v.String() != v.LongID() {
		t.Fatalf("expected String to match LongID")
	}
}

func TestOIDLongIDRendersHeaderSlot(t *testing.T) {
	o := oid.Make(7, oid.HeaderSlot)
	if got := OID(o).LongID(); got != "folio=7/header" {
		t.Fatalf("unexpected LongID: %q", got)
	}
}

func TestCapLongIDIncludesTypeTargetAndVersion(t *testing.T) {
	c := cap.Cap{Type: cap.Page, TargetOID: oid.Make(1, 2), TargetVersion: 5}
	got := Cap(c).LongID()
	if !strings.Contains(got, "page") || !strings.Contains(got, "version=5") {
		t.Fatalf("unexpected LongID: %q", got)
	}
	if Cap(c).ShortID() != "page" {
		t.Fatalf("expected ShortID to be the bare type name, got %q", Cap(c).ShortID())
	}
}

func TestActivityLongIDIsTaggedDistinctlyFromOID(t *testing.T) {
	o := oid.Make(0, 0)
	got := Activity(o).LongID()
	if !strings.HasPrefix(got, "activity(") {
		t.Fatalf("expected activity(...) prefix, got %q", got)
	}
}
