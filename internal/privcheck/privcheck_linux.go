//
// Copyright: (C) 2020 Nestybox Inc.  All rights reserved.
//

// Copyright (c) 2013, Suryandaru Triandana <syndtr@gmail.com>
// All rights reserved.
//
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package privcheck probes the manager process's own effective Linux
// capabilities. It is trimmed from a general-purpose POSIX capability
// library down to the two bits the manager ever consults: CAP_IPC_LOCK
// (gates mlock of a donated zone arena) and CAP_SYS_RAWIO (gates opening a
// raw hardware console device node).
package privcheck

import (
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
)

// Cap names the small subset of POSIX capability bits this package checks.
type Cap uint

const (
	// CAP_IPC_LOCK permits mlock/mlockall of the process's address space.
	CAP_IPC_LOCK Cap = 14
	// CAP_SYS_RAWIO permits raw I/O port / device access, required to open
	// a bare serial or VGA console device node.
	CAP_SYS_RAWIO Cap = 17
)

const (
	linuxCapVer3 = 0x20080522
	capsPerWord  = 32
)

type capHeader struct {
	version uint32
	pid     int32
}

type capData struct {
	effective   uint32
	permitted   uint32
	inheritable uint32
}

func capget(hdr *capHeader, data *capData) error {
	_, _, e1 := syscall.Syscall(syscall.SYS_CAPGET, uintptr(unsafe.Pointer(hdr)), uintptr(unsafe.Pointer(data)), 0)
	if e1 != 0 {
		return e1
	}
	return nil
}

// HasEffective reports whether the manager's own process currently holds c
// in its effective set. Absence of the capability is not an error; it is
// the common case when not running as root / without the bit granted.
func HasEffective(c Cap) (bool, error) {
	hdr := &capHeader{version: linuxCapVer3, pid: 0}
	data := [2]capData{}

	if err := capget(hdr, &data[0]); err != nil {
		return false, errors.Wrap(err, "capget")
	}

	word := uint(c) / capsPerWord
	bit := uint(c) % capsPerWord
	if word > 1 {
		return false, errors.Errorf("capability %d out of range", c)
	}
	return data[word].effective&(1<<bit) != 0, nil
}
