package oid

import "testing"

func TestMakeSplitRoundTrip(t *testing.T) {
	cases := []struct {
		folio int64
		slot  int
	}{
		{0, HeaderSlot},
		{0, 0},
		{0, 127},
		{1, HeaderSlot},
		{5, 64},
		{1000, 1},
	}
	for _, c := range cases {
		o := Make(c.folio, c.slot)
		gotFolio, gotSlot := Split(o)
		if gotFolio != c.folio || gotSlot != c.slot {
			t.Fatalf("Make(%d,%d)=%d Split back=(%d,%d)", c.folio, c.slot, o, gotFolio, gotSlot)
		}
	}
}

func TestFolioOID(t *testing.T) {
	f := Make(3, 7)
	if got := FolioOID(f); got != Make(3, HeaderSlot) {
		t.Fatalf("FolioOID=%d want %d", got, Make(3, HeaderSlot))
	}
	if !IsFolioHeader(Make(3, HeaderSlot)) {
		t.Fatalf("expected header slot to report IsFolioHeader")
	}
	if IsFolioHeader(Make(3, 0)) {
		t.Fatalf("slot 0 must not report IsFolioHeader")
	}
}
