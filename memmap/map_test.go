// SPDX-License-Identifier: Unlicense OR MIT

package memmap

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustNormalize(t *testing.T, raw []RawRegion, images []Image) *Map {
	t.Helper()
	m, err := Normalize(raw, images)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	return m
}

func TestNormalizeScenario(t *testing.T) {
	raw := []RawRegion{
		{Base: 0x0, Length: 0x100000, Type: typeAvailable},
		{Base: 0x90000, Length: 0x10000, Type: typeReserved},
	}
	images := []Image{{Base: 0x100000, Size: 0x20000, Name: "bootstrap"}}
	want := []Region{
		{Base: 0x0, Length: 0x90000, Class: Available},
		{Base: 0x90000, Length: 0x10000, Class: Reserved},
		{Base: 0xA0000, Length: 0x60000, Class: Available},
		{Base: 0x100000, Length: 0x20000, Class: Bootstrap},
	}
	m := mustNormalize(t, raw, images)
	if diff := cmp.Diff(want, m.Regions()); diff != "" {
		t.Errorf("Normalize mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		raw    []RawRegion
		images []Image
		want   []Region
	}{
		{
			name: "unsorted disjoint",
			raw: []RawRegion{
				{Base: 0x200000, Length: 0x1000, Type: typeNvs},
				{Base: 0x0, Length: 0x1000, Type: typeAvailable},
			},
			want: []Region{
				{Base: 0x0, Length: 0x1000, Class: Available},
				{Base: 0x200000, Length: 0x1000, Class: Nvs},
			},
		},
		{
			name: "same class overlap merges",
			raw: []RawRegion{
				{Base: 0x0, Length: 0x3000, Type: typeAvailable},
				{Base: 0x2000, Length: 0x3000, Type: typeAvailable},
			},
			want: []Region{{Base: 0x0, Length: 0x5000, Class: Available}},
		},
		{
			name: "touching same class merges",
			raw: []RawRegion{
				{Base: 0x1000, Length: 0x1000, Type: typeReserved},
				{Base: 0x0, Length: 0x1000, Type: typeReserved},
			},
			want: []Region{{Base: 0x0, Length: 0x2000, Class: Reserved}},
		},
		{
			name: "higher precedence predecessor trims successor",
			raw: []RawRegion{
				{Base: 0x0, Length: 0x3000, Type: typeBad},
				{Base: 0x1000, Length: 0x4000, Type: typeAvailable},
			},
			want: []Region{
				{Base: 0x0, Length: 0x3000, Class: Bad},
				{Base: 0x3000, Length: 0x2000, Class: Available},
			},
		},
		{
			name: "higher precedence successor trims predecessor",
			raw: []RawRegion{
				{Base: 0x0, Length: 0x3000, Type: typeAcpiReclaimable},
				{Base: 0x2000, Length: 0x3000, Type: typeNvs},
			},
			want: []Region{
				{Base: 0x0, Length: 0x2000, Class: AcpiReclaimable},
				{Base: 0x2000, Length: 0x3000, Class: Nvs},
			},
		},
		{
			name: "lower precedence region swallowed",
			raw: []RawRegion{
				{Base: 0x0, Length: 0x4000, Type: typeReserved},
				{Base: 0x1000, Length: 0x1000, Type: typeAvailable},
			},
			want: []Region{{Base: 0x0, Length: 0x4000, Class: Reserved}},
		},
		{
			name: "equal bases",
			raw: []RawRegion{
				{Base: 0x0, Length: 0x1000, Type: typeReserved},
				{Base: 0x0, Length: 0x3000, Type: typeAvailable},
			},
			want: []Region{
				{Base: 0x0, Length: 0x1000, Class: Reserved},
				{Base: 0x1000, Length: 0x2000, Class: Available},
			},
		},
		{
			name: "trimmed successor resorted past later regions",
			raw: []RawRegion{
				{Base: 0x0, Length: 0x10000, Type: typeReserved},
				{Base: 0x1000, Length: 0x20000, Type: typeAvailable},
				{Base: 0x8000, Length: 0x1000, Type: typeNvs},
			},
			want: []Region{
				{Base: 0x0, Length: 0x10000, Class: Reserved},
				{Base: 0x10000, Length: 0x11000, Class: Available},
			},
		},
		{
			name: "unknown type dropped",
			raw: []RawRegion{
				{Base: 0x0, Length: 0x1000, Type: typeAvailable},
				{Base: 0x1000, Length: 0x1000, Type: 0xdead},
			},
			want: []Region{{Base: 0x0, Length: 0x1000, Class: Available}},
		},
		{
			name: "zero length dropped",
			raw: []RawRegion{
				{Base: 0x0, Length: 0x1000, Type: typeAvailable},
				{Base: 0x800, Length: 0, Type: typeBad},
			},
			want: []Region{{Base: 0x0, Length: 0x1000, Class: Available}},
		},
		{
			name: "image inside available region",
			raw: []RawRegion{
				{Base: 0x100000, Length: 0x100000, Type: typeAvailable},
			},
			images: []Image{{Base: 0x140000, Size: 0x10000}},
			want: []Region{
				{Base: 0x100000, Length: 0x40000, Class: Available},
				{Base: 0x140000, Length: 0x10000, Class: Bootstrap},
				{Base: 0x150000, Length: 0xB0000, Class: Available},
			},
		},
		{
			name: "image at region start",
			raw: []RawRegion{
				{Base: 0x100000, Length: 0x100000, Type: typeAvailable},
			},
			images: []Image{{Base: 0x100000, Size: 0x10000}},
			want: []Region{
				{Base: 0x100000, Length: 0x10000, Class: Bootstrap},
				{Base: 0x110000, Length: 0xF0000, Class: Available},
			},
		},
		{
			name: "image at region end",
			raw: []RawRegion{
				{Base: 0x100000, Length: 0x100000, Type: typeAvailable},
			},
			images: []Image{{Base: 0x1F0000, Size: 0x10000}},
			want: []Region{
				{Base: 0x100000, Length: 0xF0000, Class: Available},
				{Base: 0x1F0000, Length: 0x10000, Class: Bootstrap},
			},
		},
		{
			name: "available region inside image",
			raw: []RawRegion{
				{Base: 0x0, Length: 0x1000, Type: typeReserved},
				{Base: 0x110000, Length: 0x1000, Type: typeAvailable},
			},
			images: []Image{{Base: 0x100000, Size: 0x20000}},
			want: []Region{
				{Base: 0x0, Length: 0x1000, Class: Reserved},
				{Base: 0x100000, Length: 0x20000, Class: Bootstrap},
			},
		},
		{
			name: "adjacent images merge",
			raw: []RawRegion{
				{Base: 0x100000, Length: 0x100000, Type: typeAvailable},
			},
			images: []Image{
				{Base: 0x120000, Size: 0x10000},
				{Base: 0x110000, Size: 0x10000},
				{Base: 0x180000, Size: 0},
			},
			want: []Region{
				{Base: 0x100000, Length: 0x10000, Class: Available},
				{Base: 0x110000, Length: 0x20000, Class: Bootstrap},
				{Base: 0x130000, Length: 0xD0000, Class: Available},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mustNormalize(t, tt.raw, tt.images)
			if diff := cmp.Diff(tt.want, m.Regions()); diff != "" {
				t.Errorf("Normalize mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalizeErrors(t *testing.T) {
	if _, err := Normalize(nil, nil); err != ErrEmptyMap {
		t.Errorf("Normalize(nil) = %v, want %v", err, ErrEmptyMap)
	}
	unknown := []RawRegion{{Base: 0, Length: 0x1000, Type: 42}}
	if _, err := Normalize(unknown, nil); err != ErrEmptyMap {
		t.Errorf("Normalize(unknown only) = %v, want %v", err, ErrEmptyMap)
	}
	var many []RawRegion
	for i := 0; i < MaxRegions+1; i++ {
		many = append(many, RawRegion{Base: uint64(i) * 0x2000, Length: 0x1000, Type: typeAvailable})
	}
	if _, err := Normalize(many, nil); err != ErrOverflow {
		t.Errorf("Normalize(%d regions) = %v, want %v", len(many), err, ErrOverflow)
	}
	// Splitting every region around an image pushes past the capacity.
	var full []RawRegion
	var images []Image
	for i := 0; i < MaxRegions/2+1; i++ {
		base := uint64(i) * 0x10000
		full = append(full, RawRegion{Base: base, Length: 0x8000, Type: typeAvailable})
		images = append(images, Image{Base: base + 0x2000, Size: 0x1000})
	}
	if _, err := Normalize(full, images); err != ErrOverflow {
		t.Errorf("Normalize with carving = %v, want %v", err, ErrOverflow)
	}
}

func TestOverflowingLengthClamped(t *testing.T) {
	m := mustNormalize(t, []RawRegion{{Base: 0x1000, Length: ^uint64(0), Type: typeReserved}}, nil)
	if got := m.At(0).End(); got != ^uint64(0) {
		t.Errorf("End = %#x, want %#x", got, ^uint64(0))
	}
}

// randomRaw returns overlapping regions in units of 0x100 bytes below
// limit units.
func randomRaw(r *rand.Rand, n, limit int) []RawRegion {
	raw := make([]RawRegion, n)
	for i := range raw {
		base := r.Intn(limit)
		length := 1 + r.Intn(limit-base)
		raw[i] = RawRegion{
			Base:   uint64(base) * 0x100,
			Length: uint64(length) * 0x100,
			Type:   uint32(1 + r.Intn(5)),
		}
	}
	return raw
}

func checkCanonical(t *testing.T, m *Map) {
	t.Helper()
	for i := 0; i+1 < m.Len(); i++ {
		a, b := m.At(i), m.At(i+1)
		if a.Length == 0 {
			t.Fatalf("region %d is empty", i)
		}
		if a.End() > b.Base {
			t.Fatalf("regions %d and %d overlap: %v, %v", i, i+1, a, b)
		}
		if a.End() == b.Base && a.Class == b.Class {
			t.Fatalf("regions %d and %d not merged: %v, %v", i, i+1, a, b)
		}
	}
}

func TestNormalizeProperties(t *testing.T) {
	const limit = 64
	r := rand.New(rand.NewSource(1))
	for iter := 0; iter < 500; iter++ {
		raw := randomRaw(r, 1+r.Intn(8), limit)
		var images []Image
		if r.Intn(2) == 0 {
			base := r.Intn(limit)
			images = append(images, Image{Base: uint64(base) * 0x100, Size: uint64(1+r.Intn(limit-base)) * 0x100})
		}
		m := mustNormalize(t, raw, images)
		checkCanonical(t, m)

		// Every unit is classified by the highest precedence class
		// covering it, and nothing outside the inputs is covered.
		for u := 0; u < limit; u++ {
			addr := uint64(u) * 0x100
			var want Class
			for _, e := range raw {
				if addr >= e.Base && addr < e.Base+e.Length {
					c, _ := classify(e.Type)
					if want == 0 || c.Outranks(want) {
						want = c
					}
				}
			}
			for _, img := range images {
				if addr >= img.Base && addr < img.End() {
					want = Bootstrap
				}
			}
			i, found := m.Find(addr)
			switch {
			case want == 0 && found:
				t.Fatalf("iteration %d: %#x covered by %v but not by the input", iter, addr, m.At(i))
			case want != 0 && !found:
				t.Fatalf("iteration %d: %#x not covered, want %v", iter, addr, want)
			case found && m.At(i).Class != want:
				t.Fatalf("iteration %d: %#x classified %v, want %v (raw %v)", iter, addr, m.At(i).Class, want, raw)
			}
		}

		again, err := Canonicalize(m.Regions(), images)
		if err != nil {
			t.Fatalf("Canonicalize: %v", err)
		}
		if diff := cmp.Diff(m.Regions(), again.Regions()); diff != "" {
			t.Fatalf("iteration %d: normalization not idempotent (-first +second):\n%s", iter, diff)
		}
	}
}

func TestSplit(t *testing.T) {
	m := mustNormalize(t, []RawRegion{
		{Base: 0x100000, Length: 0x10000, Type: typeAvailable},
		{Base: 0x200000, Length: 0x10000, Type: typeReserved},
	}, nil)

	rem, err := m.Split(0, 0x2000, BootstrapAllocated)
	if err != nil || rem != 1 {
		t.Fatalf("Split = %d, %v; want 1, nil", rem, err)
	}
	// A second split of the remainder merges with the allocated span.
	rem, err = m.Split(rem, 0x1000, BootstrapAllocated)
	if err != nil || rem != 1 {
		t.Fatalf("second Split = %d, %v; want 1, nil", rem, err)
	}
	want := []Region{
		{Base: 0x100000, Length: 0x3000, Class: BootstrapAllocated},
		{Base: 0x103000, Length: 0xD000, Class: Available},
		{Base: 0x200000, Length: 0x10000, Class: Reserved},
	}
	if diff := cmp.Diff(want, m.Regions()); diff != "" {
		t.Errorf("after Split (-want +got):\n%s", diff)
	}

	// Consuming the whole remainder leaves no remainder.
	rem, err = m.Split(1, 0xD000, BootstrapAllocated)
	if err != nil || rem != -1 {
		t.Fatalf("whole Split = %d, %v; want -1, nil", rem, err)
	}
	want = []Region{
		{Base: 0x100000, Length: 0x10000, Class: BootstrapAllocated},
		{Base: 0x200000, Length: 0x10000, Class: Reserved},
	}
	if diff := cmp.Diff(want, m.Regions()); diff != "" {
		t.Errorf("after whole Split (-want +got):\n%s", diff)
	}
	if _, err := m.Split(5, 0x1000, BootstrapAllocated); err != ErrIndex {
		t.Errorf("Split out of range = %v, want %v", err, ErrIndex)
	}
}

func TestMapAccessors(t *testing.T) {
	m := mustNormalize(t, []RawRegion{
		{Base: 0x0, Length: 0x9F000, Type: typeAvailable},
		{Base: 0xF0000, Length: 0x10000, Type: typeReserved},
		{Base: 0x100000, Length: 0x7F00000, Type: typeAvailable},
	}, nil)
	if got := m.MemSize(); got != 0x8000000 {
		t.Errorf("MemSize = %#x", got)
	}
	if got := m.Total(Available); got != 0x9F000+0x7F00000 {
		t.Errorf("Total(Available) = %#x", got)
	}
	if i, ok := m.Find(0xF8000); !ok || i != 1 {
		t.Errorf("Find(0xF8000) = %d, %v", i, ok)
	}
	if _, ok := m.Find(0xA0000); ok {
		t.Error("Find in hole succeeded")
	}
	buf, err := m.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != 3*EntrySize {
		t.Fatalf("marshaled %d bytes", len(buf))
	}
	if buf[EntrySize+16] != byte(Reserved) || buf[EntrySize+1] != 0x00 || buf[EntrySize+2] != 0x0F {
		t.Errorf("second entry encoded as % x", buf[EntrySize:2*EntrySize])
	}
}

func TestClassString(t *testing.T) {
	if s := BootstrapAllocated.String(); s != "Bootstrap Allocated" {
		t.Errorf("String = %q", s)
	}
	if s := Class(99).String(); s != "Class(99)" {
		t.Errorf("String = %q", s)
	}
}
