// Package backstore stands in for the folio on-disk format (spec.md §1, §9
// non-goals: "Disk I/O for true backing store is stubbed — paged-out folios
// are described but the on-disk format is not specified"). It still
// exercises a real write path end-to-end against an afero.Fs, so
// internal/laundrywatch has something genuine to poll rather than a no-op.
package backstore

import (
	"path"
	"strconv"

	"github.com/spf13/afero"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/oid"
)

// Store is a write-back target: Submit begins an async write of a frame's
// content, Poll reports whether that write has settled.
type Store struct {
	fs      afero.Fs
	dir     string
	latency int

	pending map[oid.OID]int
}

// New returns a Store rooted at dir on fs. latency is the number of Poll
// calls a submitted write takes to settle, simulating genuine write-back
// asynchrony even though afero.Fs itself completes writes synchronously; 0
// settles on the very first poll.
func New(fs afero.Fs, dir string, latency int) *Store {
	if fs == nil {
		fs = afero.NewMemMapFs()
	}
	if latency < 0 {
		latency = 0
	}
	return &Store{fs: fs, dir: dir, latency: latency, pending: make(map[oid.OID]int)}
}

func (s *Store) pathFor(o oid.OID) string {
	return path.Join(s.dir, strconv.FormatInt(int64(o), 16))
}

// Submit writes data to the backing store under o's key and marks the
// write pending. Resubmitting an OID already pending resets its countdown.
func (s *Store) Submit(o oid.OID, data []byte) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	if err := afero.WriteFile(s.fs, s.pathFor(o), data, 0o644); err != nil {
		return err
	}
	s.pending[o] = s.latency
	return nil
}

// Poll reports whether o's write-back has settled, decrementing its
// countdown by one call. An OID with no pending write is reported settled
// (there is nothing left to wait for).
func (s *Store) Poll(o oid.OID) (bool, error) {
	n, ok := s.pending[o]
	if !ok {
		return true, nil
	}
	if n > 0 {
		s.pending[o] = n - 1
		return false, nil
	}
	delete(s.pending, o)
	return true, nil
}

// Read fetches the last content written for o, for a refault to fault the
// page back in from the laundered copy.
func (s *Store) Read(o oid.OID) ([]byte, error) {
	return afero.ReadFile(s.fs, s.pathFor(o))
}
