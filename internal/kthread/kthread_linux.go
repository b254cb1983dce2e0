//
// Copyright 2019-2021 Nestybox, Inc.
//

// Package kthread backs a manager Thread object's "bound kernel thread id"
// (spec.md §3, §4.7) with a real host handle — a pidfd referring to the
// manager process itself, since this reimplementation has no separate
// kernel underneath it to hand out genuine per-thread ids. Commissioning a
// Thread opens a Handle; Monitor.Poll checks bound handles for unexpected
// host-level exit and reports it exactly like the kernel's own thread-exit
// notification would.
package kthread

import "syscall"

const (
	sysPidfdOpen = 434
)

// Handle is a file descriptor that refers to the host process backing a
// commissioned thread.
type Handle int

// openSelf obtains a pidfd for the manager's own process, standing in for
// the kernel thread id bound on commission.
func openSelf() (Handle, error) {
	pid := syscall.Getpid()
	fd, _, errno := syscall.Syscall(sysPidfdOpen, uintptr(pid), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return Handle(fd), nil
}

func (h Handle) close() {
	if h > 0 {
		syscall.Close(int(h))
	}
}
