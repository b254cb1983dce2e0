package boot

import "testing"

func TestInfoTotalConventionalBytesPrefersMemMap(t *testing.T) {
	i := Info{
		Flags:       FlagMemory | FlagMemMap,
		MemLowerKiB: 640,
		MemUpperKiB: 15360,
		MemMap: []MemMapEntry{
			{Base: 0, Length: 0xA0000, Type: MemTypeConventional},
			{Base: 0x100000, Length: 0xF00000, Type: MemTypeConventional},
			{Base: 0xF0000000, Length: 0x1000, Type: 2},
		},
	}
	got := i.TotalConventionalBytes()
	want := uint64(0xA0000 + 0xF00000)
	if got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestInfoTotalConventionalBytesFallsBackToLowerUpper(t *testing.T) {
	i := Info{Flags: FlagMemory, MemLowerKiB: 640, MemUpperKiB: 15360}
	got := i.TotalConventionalBytes()
	want := uint64(640+15360) * 1024
	if got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestModuleOrderContract(t *testing.T) {
	i := Info{
		Flags: FlagModules,
		Modules: []Module{
			{Start: 0x1000, End: 0x2000, CmdLine: "kernel"},
			{Start: 0x2000, End: 0x3000, CmdLine: "sigma0"},
			{Start: 0x3000, End: 0x4000, CmdLine: "rootserver"},
			{Start: 0x4000, End: 0x4100, CmdLine: "extra"},
		},
	}
	k, ok := i.KernelModule()
	if !ok || k.CmdLine != "kernel" {
		t.Fatalf("KernelModule: %+v %v", k, ok)
	}
	s0, ok := i.Sigma0Module()
	if !ok || s0.CmdLine != "sigma0" {
		t.Fatalf("Sigma0Module: %+v %v", s0, ok)
	}
	root, ok := i.RootServerModule()
	if !ok || root.CmdLine != "rootserver" {
		t.Fatalf("RootServerModule: %+v %v", root, ok)
	}
	pass := i.PassThroughModules()
	if len(pass) != 1 || pass[0].CmdLine != "extra" {
		t.Fatalf("PassThroughModules: %+v", pass)
	}
}

func TestBuildKIPAlignsMemDescsTo1KiB(t *testing.T) {
	i := Info{
		Flags: FlagMemMap,
		MemMap: []MemMapEntry{
			{Base: 100, Length: 2000, Type: MemTypeConventional},
		},
	}
	k := BuildKIP(i, 0x1000, 0x2000, 0x2000, 0x5000)
	if len(k.MemDescs) != 1 {
		t.Fatalf("expected 1 mem desc, got %d", len(k.MemDescs))
	}
	d := k.MemDescs[0]
	if d.Base != 0 {
		t.Fatalf("expected base aligned down to 0, got %d", d.Base)
	}
	if d.Size%kipAlign != 0 || d.Size < 2000 {
		t.Fatalf("expected size aligned up past 2000, got %d", d.Size)
	}
	if d.Type != MemConventional {
		t.Fatalf("expected conventional type, got %v", d.Type)
	}
	if k.Sigma0Start != 0x1000 || k.RootServerEnd != 0x5000 {
		t.Fatalf("unexpected relocated ranges: %+v", k)
	}
}

func TestReservationsRejectsOverlapOfDifferentType(t *testing.T) {
	r := NewReservations()
	if err := r.Add(0, 0x1000, ReserveSelf); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(0x800, 0x1800, ReserveModules); err != ErrOverlap {
		t.Fatalf("expected ErrOverlap, got %v", err)
	}
}

func TestReservationsCoalescesAdjacentSameType(t *testing.T) {
	r := NewReservations()
	if err := r.Add(0, 0x1000, ReserveModules); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(0x1000, 0x2000, ReserveModules); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(0x2000, 0x3000, ReserveModules); err != nil {
		t.Fatalf("Add: %v", err)
	}
	list := r.List()
	if len(list) != 1 {
		t.Fatalf("expected a single coalesced entry, got %+v", list)
	}
	if list[0].Start != 0 || list[0].End != 0x3000 {
		t.Fatalf("unexpected coalesced range: %+v", list[0])
	}
}

func TestReservationsAllowsAdjacentDifferentType(t *testing.T) {
	r := NewReservations()
	if err := r.Add(0, 0x1000, ReserveSelf); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(0x1000, 0x2000, ReserveInit); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(r.List()) != 2 {
		t.Fatalf("expected two distinct reservations, got %+v", r.List())
	}
}

func TestReservationsReleaseDropsOneTypeWholesale(t *testing.T) {
	r := NewReservations()
	if err := r.Add(0, 0x1000, ReserveModules); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(0x2000, 0x3000, ReserveSystem); err != nil {
		t.Fatalf("Add: %v", err)
	}
	r.Release(ReserveModules)
	list := r.List()
	if len(list) != 1 || list[0].Type != ReserveSystem {
		t.Fatalf("expected only the system reservation to remain, got %+v", list)
	}
}

func TestReservationsFind(t *testing.T) {
	r := NewReservations()
	if err := r.Add(0x1000, 0x2000, ReserveSelf); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if res, ok := r.Find(0x1800); !ok || res.Type != ReserveSelf {
		t.Fatalf("expected to find reservation at 0x1800, got %+v %v", res, ok)
	}
	if _, ok := r.Find(0x500); ok {
		t.Fatalf("expected no reservation at 0x500")
	}
}
