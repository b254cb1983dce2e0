// Package zone implements the buddy-scheme zone allocator that sits below
// the frame layer (spec.md §4.1). It accepts donation of page-aligned,
// page-multiple regions and services allocation requests of any
// page-multiple size, failing with a nil address (not an error — callers
// treat that as "out of memory" and invoke the pager) when no contiguous
// block of the requested size exists.
//
// This reimplementation backs every donated region with a single anonymous
// mmap arena (golang.org/x/sys/unix), so the "physical memory" the manager
// hands out as frames is real host memory rather than a simulated array —
// the buddy bookkeeping above it is unchanged from a classic zone allocator.
package zone

import (
	"bytes"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/privcheck"
)

// PageSize is the manager's page size; every object occupies exactly one page.
const PageSize = 4096

// maxOrder bounds the buddy order (2^maxOrder pages is the largest single
// allocation this zone allocator will ever hand out in one region).
const maxOrder = 20

// hugePageMinMajor/Minor is the kernel release MAP_HUGETLB first became a
// valid mmap flag at; below this the flag bit is simply rejected with EINVAL.
const (
	hugePageMinMajor = 2
	hugePageMinMinor = 6
)

// Zone is a buddy allocator over donated host memory.
type Zone struct {
	mu       sync.Mutex
	arenas   []*arena
	log      *logrus.Entry
	mlocked  bool
	hugePage bool
}

type arena struct {
	base      []byte // the mmap'd region
	npages    int
	freeLists [maxOrder + 1][]int // free block start-page indices, per order
}

// New returns an empty zone allocator; call Donate to add backing memory.
func New(log *logrus.Entry) *Zone {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Zone{log: log}
}

// Donate adds a page-aligned, page-multiple region of host memory to the
// zone, obtained via an anonymous mmap. size is in bytes and must be a
// multiple of PageSize. The first donation probes CAP_IPC_LOCK and, if held,
// mlocks that donation and every later one so frames are never swapped out by the
// host kernel — an implementation guard, not part of the manager's own
// eviction policy (spec.md §1 treats disk backing store as a non-goal stub).
func (z *Zone) Donate(size int) error {
	if size <= 0 || size%PageSize != 0 {
		return errors.Errorf("zone: donation size %d is not a positive multiple of page size %d", size, PageSize)
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	if len(z.arenas) == 0 {
		canLock, err := privcheck.HasEffective(privcheck.CAP_IPC_LOCK)
		if err != nil {
			z.log.WithError(err).Debug("zone: CAP_IPC_LOCK probe failed, donating without mlock")
		}
		z.mlocked = canLock

		supported, err := kernelSupportsHugePage()
		if err != nil {
			z.log.WithError(err).Debug("zone: kernel version probe failed, donating without MAP_HUGETLB")
		}
		z.hugePage = supported
	}

	mem, err := z.mmapArena(size)
	if err != nil {
		return errors.Wrap(err, "zone: mmap donation failed")
	}
	if z.mlocked {
		if err := unix.Mlock(mem); err != nil {
			z.log.WithError(err).Warn("zone: mlock of donated arena failed despite CAP_IPC_LOCK")
		}
	}

	npages := size / PageSize
	a := &arena{base: mem, npages: npages}
	order := maxOrder
	for order >= 0 && (1<<order) > npages {
		order--
	}
	// Carve the arena into the largest aligned power-of-two blocks it holds.
	page := 0
	for page < npages {
		o := order
		for o > 0 && page+(1<<o) > npages {
			o--
		}
		a.freeLists[o] = append(a.freeLists[o], page)
		page += 1 << o
	}
	z.arenas = append(z.arenas, a)
	z.log.WithFields(logrus.Fields{"bytes": size, "pages": npages, "mlocked": z.mlocked}).Info("zone: donated region")
	return nil
}

// Alloc requests a contiguous block of size bytes (rounded up to a
// page-multiple order). Returns nil on failure to find a contiguous
// block — this is the expected "out of memory, go ask the pager" path, not
// a Go error.
func (z *Zone) Alloc(size int) []byte {
	if size <= 0 {
		return nil
	}
	order := 0
	pages := (size + PageSize - 1) / PageSize
	for (1 << order) < pages {
		order++
	}
	if order > maxOrder {
		return nil
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	for _, a := range z.arenas {
		if blk, ok := a.alloc(order); ok {
			return a.base[blk*PageSize : (blk+(1<<order))*PageSize]
		}
	}
	return nil
}

// Free returns a block previously returned by Alloc to its arena's free lists.
func (z *Zone) Free(mem []byte) {
	z.mu.Lock()
	defer z.mu.Unlock()

	for _, a := range z.arenas {
		if a.owns(mem) {
			a.free(mem)
			return
		}
	}
}

// mmapArena backs one donated region. When the host kernel is new enough to
// accept MAP_HUGETLB it is tried first; many hosts support the flag but have
// no huge pages actually reserved, so a rejected huge mapping falls back to
// an ordinary one rather than failing the donation outright.
func (z *Zone) mmapArena(size int) ([]byte, error) {
	if z.hugePage {
		if mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_HUGETLB); err == nil {
			return mem, nil
		}
		z.log.Debug("zone: MAP_HUGETLB donation rejected (no huge pages reserved?), falling back")
	}
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

// kernelSupportsHugePage reports whether the running kernel release is new
// enough to accept MAP_HUGETLB, adapted from the teacher's
// GetKernelRelease/KernelCurrentVersionCmp (utils/linux.go): uname(2) for the
// release string, then a major/minor comparison against the version
// MAP_HUGETLB was introduced at.
func kernelSupportsHugePage() (bool, error) {
	var utsname unix.Utsname
	if err := unix.Uname(&utsname); err != nil {
		return false, errors.Wrap(err, "uname")
	}
	n := bytes.IndexByte(utsname.Release[:], 0)
	release := string(utsname.Release[:n])

	splits := strings.SplitN(release, ".", -1)
	if len(splits) < 2 {
		return false, errors.Errorf("zone: failed to parse kernel release %q", release)
	}
	major, err := strconv.Atoi(splits[0])
	if err != nil {
		return false, errors.Errorf("zone: failed to parse kernel release %q", release)
	}
	minor, err := strconv.Atoi(strings.TrimRightFunc(splits[1], func(r rune) bool { return r < '0' || r > '9' }))
	if err != nil {
		return false, errors.Errorf("zone: failed to parse kernel release %q", release)
	}

	if major != hugePageMinMajor {
		return major > hugePageMinMajor, nil
	}
	return minor >= hugePageMinMinor, nil
}

func ptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func (a *arena) owns(mem []byte) bool {
	if len(mem) == 0 || len(a.base) == 0 {
		return false
	}
	mp := ptrOf(mem)
	bp := ptrOf(a.base)
	return mp >= bp && mp < bp+uintptr(len(a.base))
}

func (a *arena) alloc(order int) (int, bool) {
	// Find the smallest order >= requested with a free block, splitting
	// down as we bring a larger block into use.
	o := order
	for o <= maxOrder && len(a.freeLists[o]) == 0 {
		o++
	}
	if o > maxOrder {
		return 0, false
	}
	n := len(a.freeLists[o])
	blk := a.freeLists[o][n-1]
	a.freeLists[o] = a.freeLists[o][:n-1]

	for o > order {
		o--
		buddy := blk + (1 << o)
		a.freeLists[o] = append(a.freeLists[o], buddy)
	}
	return blk, true
}

func (a *arena) free(mem []byte) {
	blk := int((ptrOf(mem) - ptrOf(a.base)) / PageSize)
	order := 0
	for (1 << order) < len(mem)/PageSize {
		order++
	}
	// Attempt buddy coalescing up to maxOrder.
	for order < maxOrder {
		buddy := blk ^ (1 << order)
		idx := -1
		for i, b := range a.freeLists[order] {
			if b == buddy {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		a.freeLists[order] = append(a.freeLists[order][:idx], a.freeLists[order][idx+1:]...)
		if buddy < blk {
			blk = buddy
		}
		order++
	}
	a.freeLists[order] = append(a.freeLists[order], blk)
}
