package boot

import "sort"

// Reservation is one entry in the boot-time reservation tree: a
// half-open byte range [Start, End) tagged with why it's held (spec.md §5
// "Resource reservation").
type Reservation struct {
	Start, End uint64
	Type       ReservationType
}

// Reservations is the non-overlapping ordered tree of boot-time
// reservations (spec.md §5). It is kept as a Start-sorted slice rather than
// a real tree — insertion and the overlap/coalesce check are both O(log n)
// search plus O(n) shift, and the reservation count at boot is small and
// fixed (self, init, the module list, a handful of system ranges), so a
// tree's extra bookkeeping buys nothing here.
type Reservations struct {
	entries []Reservation
}

// NewReservations returns an empty reservation tree.
func NewReservations() *Reservations { return &Reservations{} }

// Add records [start, end) as reserved for t. It fails with ErrOverlap if
// the new range overlaps any existing reservation, whatever its type; a
// range exactly adjacent to an existing reservation of the same type is
// coalesced into that entry instead of added separately (spec.md §5: "adding a reservation that
// touches an existing one fails unless the two can be coalesced (adjacent
// with same type)").
func (r *Reservations) Add(start, end uint64, t ReservationType) error {
	if end <= start {
		return errNonEmptyRange
	}

	idx := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].Start >= start })

	if idx > 0 {
		left := &r.entries[idx-1]
		if left.End > start {
			return ErrOverlap
		}
		if left.End == start && left.Type == t {
			if idx < len(r.entries) && end > r.entries[idx].Start {
				return ErrOverlap
			}
			left.End = end
			r.mergeWithNext(idx - 1)
			return nil
		}
	}

	if idx < len(r.entries) {
		right := &r.entries[idx]
		if end > right.Start {
			return ErrOverlap
		}
		if end == right.Start && right.Type == t {
			right.Start = start
			return nil
		}
	}

	r.entries = append(r.entries, Reservation{})
	copy(r.entries[idx+1:], r.entries[idx:])
	r.entries[idx] = Reservation{Start: start, End: end, Type: t}
	return nil
}

// mergeWithNext absorbs entries[i+1] into entries[i] if they are now
// adjacent and same-typed, after an Add extended entries[i].End.
func (r *Reservations) mergeWithNext(i int) {
	if i+1 < len(r.entries) && r.entries[i].End == r.entries[i+1].Start && r.entries[i].Type == r.entries[i+1].Type {
		r.entries[i].End = r.entries[i+1].End
		r.entries = append(r.entries[:i+1], r.entries[i+2:]...)
	}
}

// Release drops every reservation tagged t, freeing its ranges wholesale
// (spec.md §5: "so its memory can be released wholesale when the stage
// ends").
func (r *Reservations) Release(t ReservationType) {
	out := r.entries[:0]
	for _, e := range r.entries {
		if e.Type != t {
			out = append(out, e)
		}
	}
	r.entries = out
}

// Find returns the reservation covering addr, if any.
func (r *Reservations) Find(addr uint64) (Reservation, bool) {
	idx := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].End > addr })
	if idx < len(r.entries) && r.entries[idx].Start <= addr {
		return r.entries[idx], true
	}
	return Reservation{}, false
}

// List returns every current reservation in Start order. The slice is a
// copy; mutating it does not affect the tree.
func (r *Reservations) List() []Reservation {
	out := make([]Reservation, len(r.entries))
	copy(out, r.entries)
	return out
}
