package zone

import "testing"

func TestDonateAllocFree(t *testing.T) {
	z := New(nil)
	if err := z.Donate(16 * PageSize); err != nil {
		t.Fatalf("Donate: %v", err)
	}

	blk := z.Alloc(PageSize)
	if blk == nil {
		t.Fatalf("Alloc returned nil on a fresh donation")
	}
	if len(blk) != PageSize {
		t.Fatalf("Alloc returned %d bytes, want %d", len(blk), PageSize)
	}

	z.Free(blk)

	// Exhaust the arena, then confirm Alloc fails closed (nil, not panic).
	var blocks [][]byte
	for i := 0; i < 16; i++ {
		b := z.Alloc(PageSize)
		if b == nil {
			t.Fatalf("Alloc failed early at block %d of 16", i)
		}
		blocks = append(blocks, b)
	}
	if got := z.Alloc(PageSize); got != nil {
		t.Fatalf("expected nil once the arena is exhausted, got %d bytes", len(got))
	}
	for _, b := range blocks {
		z.Free(b)
	}
}

func TestDonateRejectsBadSize(t *testing.T) {
	z := New(nil)
	if err := z.Donate(PageSize + 1); err == nil {
		t.Fatalf("expected an error for a non-page-multiple donation")
	}
}
