//
// Copyright 2019-2020 Nestybox, Inc.
//

package kthread

import (
	"os"
	"strconv"
	"sync"

	"github.com/OldRepoPreservation/viengoos-sub000/internal/oid"
)

// ExitEvent reports that a commissioned thread's bound host handle went
// away unexpectedly — the manager must run the same teardown spec.md's
// object store runs when a thread is explicitly destroyed.
type ExitEvent struct {
	Thread oid.OID
}

// Monitor tracks bound handles for host-level exit. Unlike the teacher's
// pidmonitor, liveness is not polled by a background goroutine: Poll runs
// synchronously, called from internal/server's quiescent-point hook under
// the single dispatch lock (spec.md §9), the same place pager.Query and
// laundrywatch.Tick run. A second goroutine walking this table outside that
// lock would reintroduce exactly the race the single-threaded dispatch loop
// is meant to avoid (see internal/laundrywatch's package doc for the same
// rationale) — and a Monitor with nothing draining an exit-event channel
// would just be a liveness check nobody ever acts on.
type Monitor struct {
	mu    sync.Mutex
	table map[oid.OID]Handle
}

// NewMonitor returns an empty liveness table. Binds are added via Bind;
// call Poll periodically (from the quiescent-point hook) to detect exits.
func NewMonitor() *Monitor {
	return &Monitor{table: make(map[oid.OID]Handle)}
}

// Bind opens a host handle standing in for t's kernel thread id and starts
// tracking it for unexpected exit.
func (m *Monitor) Bind(t oid.OID) (Handle, error) {
	h, err := openSelf()
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.table[t] = h
	m.mu.Unlock()
	return h, nil
}

// Unbind stops tracking t and releases its host handle.
func (m *Monitor) Unbind(h Handle) {
	m.mu.Lock()
	for t, bound := range m.table {
		if bound == h {
			delete(m.table, t)
		}
	}
	m.mu.Unlock()
	h.close()
}

// Poll runs one liveness sweep over every bound handle and returns the set
// that went away since the last call, removing them from the table.
func (m *Monitor) Poll() []ExitEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var exited []ExitEvent
	for t, h := range m.table {
		alive, err := handleAlive(h)
		if err != nil || !alive {
			exited = append(exited, ExitEvent{Thread: t})
			delete(m.table, t)
		}
	}
	return exited
}

// handleAlive checks /proc/self/fd/<handle> for the handle's liveness, mirroring
// teacher's pidExists() /proc/<pid> check at the fd granularity pidfd
// actually offers.
func handleAlive(h Handle) (bool, error) {
	path := "/proc/self/fd/" + strconv.Itoa(int(h))
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}
