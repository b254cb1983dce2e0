// Package boot decodes the boot-time handoff block and tracks boot-time
// memory reservations (spec.md §5, §6). The multiboot-compliant loader,
// the ELF loader, and real firmware are all out of scope per spec.md §1
// ("treated as external collaborators, described only at their interface");
// this package only defines the byte layout capmgrd expects from whatever
// stands in for that loader and the KIP capmgrd writes back for the
// microkernel/sigma0/root-server chain to read.
package boot

import (
	"github.com/pkg/errors"
)

// Multiboot flag bits present in Info.Flags (Multiboot Specification v1).
const (
	FlagMemory Info_Flags = 1 << iota
	FlagBootDevice
	FlagCmdLine
	FlagModules
	FlagAoutSyms
	FlagELFShdr
	FlagMemMap
)

// Info_Flags names the Multiboot flags bitmap type; kept distinct from a
// bare uint32 so callers can't accidentally pass a raw count where a flags
// value belongs.
type Info_Flags uint32

// Module is one Module[i] entry handed off by the loader: Module[0] is the
// microkernel image, Module[1] is sigma0, Module[2] is the root server,
// Module[3:] pass through to the root server unexamined (spec.md §5
// "Module order contract").
type Module struct {
	Start, End uint32
	CmdLine    string
}

// MemMapEntry is one {base, length, type} range from the loader's memory
// map; Type 1 is conventional (usable) RAM, anything else is reserved.
type MemMapEntry struct {
	Base, Length uint64
	Type         uint32
}

const MemTypeConventional = 1

// Info is the decoded Multiboot handoff block (spec.md §5 "Boot-time
// input"): flags bitmap, lower/upper memory totals in KiB, the module
// list, and an optional memory map.
type Info struct {
	Flags          Info_Flags
	MemLowerKiB    uint32
	MemUpperKiB    uint32
	Modules        []Module
	MemMap         []MemMapEntry
	BootloaderName string
}

// HasMemory reports whether MemLowerKiB/MemUpperKiB are valid.
func (i Info) HasMemory() bool { return i.Flags&FlagMemory != 0 }

// HasMemMap reports whether MemMap is populated.
func (i Info) HasMemMap() bool { return i.Flags&FlagMemMap != 0 }

// TotalConventionalBytes sums the conventional ranges of MemMap if present,
// else falls back to MemLowerKiB+MemUpperKiB.
func (i Info) TotalConventionalBytes() uint64 {
	if i.HasMemMap() {
		var total uint64
		for _, e := range i.MemMap {
			if e.Type == MemTypeConventional {
				total += e.Length
			}
		}
		return total
	}
	if i.HasMemory() {
		return (uint64(i.MemLowerKiB) + uint64(i.MemUpperKiB)) * 1024
	}
	return 0
}

// KernelModule, Sigma0Module, RootServerModule index Info.Modules per
// spec.md §5's fixed module order contract. PassThroughModules returns
// everything after index 2, handed to the root server unexamined.
func (i Info) KernelModule() (Module, bool)     { return moduleAt(i.Modules, 0) }
func (i Info) Sigma0Module() (Module, bool)     { return moduleAt(i.Modules, 1) }
func (i Info) RootServerModule() (Module, bool) { return moduleAt(i.Modules, 2) }
func (i Info) PassThroughModules() []Module {
	if len(i.Modules) <= 3 {
		return nil
	}
	return i.Modules[3:]
}

func moduleAt(mods []Module, idx int) (Module, bool) {
	if idx >= len(mods) {
		return Module{}, false
	}
	return mods[idx], true
}

// MemDescType tags one KIP memory descriptor (spec.md §5 "Kernel interface
// page").
type MemDescType int

const (
	MemConventional MemDescType = iota
	MemReserved
	MemShared
	MemArch
	MemBootloader
)

// MemDesc is one 1-KiB-aligned KIP memory descriptor.
type MemDesc struct {
	Base, Size uint64 // bytes, Base/Size both 1-KiB aligned
	Type       MemDescType
}

// KIP is the kernel interface page capmgrd populates from the decoded boot
// info before handing control to the microkernel/sigma0/root-server chain
// (spec.md §5): sigma0's and the root server's relocated ranges, and the
// 1-KiB-aligned memory descriptor list.
type KIP struct {
	Sigma0Start, Sigma0End         uint32
	RootServerStart, RootServerEnd uint32
	MemDescs                       []MemDesc
	BootloaderInfo                 uint32
}

const kipAlign = 1024

func alignDown(v uint64) uint64 { return v &^ (kipAlign - 1) }
func alignUp(v uint64) uint64   { return alignDown(v+kipAlign-1) }

// BuildKIP populates a KIP from info and relocated sigma0/root-server
// ranges (spec.md §5: "relocates away from conflicting regions").
func BuildKIP(info Info, sigma0Start, sigma0End, rootStart, rootEnd uint32) KIP {
	k := KIP{
		Sigma0Start: sigma0Start, Sigma0End: sigma0End,
		RootServerStart: rootStart, RootServerEnd: rootEnd,
		BootloaderInfo: 0,
	}
	if info.HasMemMap() {
		for _, e := range info.MemMap {
			t := MemReserved
			if e.Type == MemTypeConventional {
				t = MemConventional
			}
			k.MemDescs = append(k.MemDescs, MemDesc{
				Base: alignDown(e.Base),
				Size: alignUp(e.Length),
				Type: t,
			})
		}
	} else if info.HasMemory() {
		k.MemDescs = append(k.MemDescs, MemDesc{
			Base: 0,
			Size: alignUp(uint64(info.MemLowerKiB+info.MemUpperKiB) * 1024),
			Type: MemConventional,
		})
	}
	return k
}

// ErrOverlap is returned by Reservations.Add when a new reservation
// overlaps an existing one, whatever the two types are.
var ErrOverlap = errors.New("boot: reservation overlaps an incompatible existing one")

var errNonEmptyRange = errors.New("boot: reservation range must be non-empty")

// ReservationType tags why a boot-time range is held (spec.md §5 "Resource
// reservation"): self/init/modules/system so the whole tag's memory can be
// released wholesale when its stage ends.
type ReservationType int

const (
	ReserveSelf ReservationType = iota
	ReserveInit
	ReserveModules
	ReserveSystem
)
