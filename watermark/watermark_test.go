// SPDX-License-Identifier: Unlicense OR MIT

package watermark

import (
	"testing"

	"eliasnaur.com/bootmem/memmap"
	"github.com/google/go-cmp/cmp"
)

func newMap(t *testing.T, regions ...memmap.Region) *memmap.Map {
	t.Helper()
	m, err := memmap.Canonicalize(regions, nil)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	return m
}

func TestSelectsLargestEligibleRegion(t *testing.T) {
	m := newMap(t,
		// Below the floor.
		memmap.Region{Base: 0x0, Length: 0x9F000, Class: memmap.Available},
		memmap.Region{Base: 0x100000, Length: 0x100000, Class: memmap.Available},
		memmap.Region{Base: 0x300000, Length: 0x400000, Class: memmap.Available},
		memmap.Region{Base: 0x800000, Length: 0x1000000, Class: memmap.Reserved},
		// Above the ceiling.
		memmap.Region{Base: 0x100000000, Length: 0x100000000, Class: memmap.Available},
	)
	a := New(m)
	addr, err := a.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x300000 {
		t.Errorf("first page at %#x, want 0x300000", addr)
	}
}

func TestMonotonicAndAligned(t *testing.T) {
	m := newMap(t, memmap.Region{Base: 0x100123, Length: 0x10000, Class: memmap.Available})
	a := New(m)
	var prev uint64
	for i := 0; i < 15; i++ {
		addr, err := a.AllocPage()
		if err != nil {
			t.Fatalf("AllocPage %d: %v", i, err)
		}
		if addr%pageSize != 0 {
			t.Fatalf("page %#x not aligned", addr)
		}
		if i > 0 && addr <= prev {
			t.Fatalf("page %#x not above %#x", addr, prev)
		}
		prev = addr
	}
	if prev != 0x10f000 {
		t.Errorf("last page %#x, want 0x10f000", prev)
	}
	// The region ends at 0x110123; no whole page remains.
	if _, err := a.AllocPage(); err != ErrOutOfMemory {
		t.Errorf("AllocPage on exhausted map = %v, want %v", err, ErrOutOfMemory)
	}
	want := []memmap.Region{
		{Base: 0x100123, Length: 0xFEDD, Class: memmap.BootstrapAllocated},
		{Base: 0x110000, Length: 0x123, Class: memmap.Available},
	}
	if diff := cmp.Diff(want, m.Regions()); diff != "" {
		t.Errorf("map after exhaustion (-want +got):\n%s", diff)
	}
}

func TestCommit(t *testing.T) {
	m := newMap(t,
		memmap.Region{Base: 0x0, Length: 0x100000, Class: memmap.Reserved},
		memmap.Region{Base: 0x100000, Length: 0x100000, Class: memmap.Available},
		memmap.Region{Base: 0x200000, Length: 0x1000, Class: memmap.Nvs},
	)
	a := New(m)
	// Nothing to record yet.
	if err := a.Commit(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := a.AllocPage(); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.Commit(); err != nil {
		t.Fatal(err)
	}
	want := []memmap.Region{
		{Base: 0x0, Length: 0x100000, Class: memmap.Reserved},
		{Base: 0x100000, Length: 0x3000, Class: memmap.BootstrapAllocated},
		{Base: 0x103000, Length: 0xFD000, Class: memmap.Available},
		{Base: 0x200000, Length: 0x1000, Class: memmap.Nvs},
	}
	if diff := cmp.Diff(want, m.Regions()); diff != "" {
		t.Fatalf("after first commit (-want +got):\n%s", diff)
	}

	// Allocation continues in the remainder and a second commit grows
	// the allocated span instead of adding a region.
	addr, err := a.Alloc(0x2000)
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x103000 {
		t.Errorf("allocation after commit at %#x, want 0x103000", addr)
	}
	if err := a.Commit(); err != nil {
		t.Fatal(err)
	}
	// Committing twice is a no-op.
	if err := a.Commit(); err != nil {
		t.Fatal(err)
	}
	want[1].Length = 0x5000
	want[2] = memmap.Region{Base: 0x105000, Length: 0xFB000, Class: memmap.Available}
	if diff := cmp.Diff(want, m.Regions()); diff != "" {
		t.Errorf("after second commit (-want +got):\n%s", diff)
	}
	if got := a.Allocated(); got != 0x5000 {
		t.Errorf("Allocated = %#x, want 0x5000", got)
	}

	// Allocated memory is never handed out again.
	next, err := a.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	if next < 0x105000 {
		t.Errorf("page %#x reused committed memory", next)
	}
}

func TestRebaseCommitsExhaustedRegion(t *testing.T) {
	m := newMap(t,
		memmap.Region{Base: 0x100000, Length: 0x3000, Class: memmap.Available},
		memmap.Region{Base: 0x200000, Length: 0x2000, Class: memmap.Available},
	)
	a := New(m)
	var got []uint64
	for i := 0; i < 5; i++ {
		addr, err := a.AllocPage()
		if err != nil {
			t.Fatalf("AllocPage %d: %v", i, err)
		}
		got = append(got, addr)
	}
	want := []uint64{0x100000, 0x101000, 0x102000, 0x200000, 0x201000}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pages (-want +got):\n%s", diff)
	}
	if _, err := a.AllocPage(); err != ErrOutOfMemory {
		t.Fatalf("AllocPage = %v, want %v", err, ErrOutOfMemory)
	}
	for _, r := range m.Regions() {
		if r.Class != memmap.BootstrapAllocated {
			t.Errorf("region %v not recorded as allocated", r)
		}
	}
}

func TestMultiPageAllocRebases(t *testing.T) {
	m := newMap(t,
		memmap.Region{Base: 0x100000, Length: 0x8000, Class: memmap.Available},
		memmap.Region{Base: 0x400000, Length: 0x4000, Class: memmap.Available},
	)
	a := New(m)
	if _, err := a.Alloc(0x6000); err != nil {
		t.Fatal(err)
	}
	// 0x2000 remains in the first region, too little for 0x3000.
	addr, err := a.Alloc(0x2001)
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x400000 {
		t.Errorf("Alloc(0x2001) = %#x, want 0x400000", addr)
	}
	if err := a.Commit(); err != nil {
		t.Fatal(err)
	}
	want := []memmap.Region{
		{Base: 0x100000, Length: 0x6000, Class: memmap.BootstrapAllocated},
		{Base: 0x106000, Length: 0x2000, Class: memmap.Available},
		{Base: 0x400000, Length: 0x3000, Class: memmap.BootstrapAllocated},
		{Base: 0x403000, Length: 0x1000, Class: memmap.Available},
	}
	if diff := cmp.Diff(want, m.Regions()); diff != "" {
		t.Errorf("map (-want +got):\n%s", diff)
	}
}

func TestCeilingClipsRegion(t *testing.T) {
	m := newMap(t, memmap.Region{Base: Ceiling - 0x2000, Length: 0x10000, Class: memmap.Available})
	a := New(m)
	for i := 0; i < 2; i++ {
		if _, err := a.AllocPage(); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := a.AllocPage(); err != ErrOutOfMemory {
		t.Errorf("AllocPage past ceiling = %v, want %v", err, ErrOutOfMemory)
	}
}
