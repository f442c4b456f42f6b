// SPDX-License-Identifier: Unlicense OR MIT

// Package memmap turns the boot loader's memory description into the
// canonical physical memory map: sorted, non-overlapping, classified
// regions with the space occupied by the bootstrapper and its modules
// carved out.
package memmap

import "fmt"

// Class classifies a physical memory region.
type Class uint32

const (
	Available Class = iota + 1
	AcpiReclaimable
	Bad
	Nvs
	Reserved
	Bootstrap
	BootstrapAllocated
)

// Multiboot2 memory type codes.
const (
	typeAvailable       = 1
	typeReserved        = 2
	typeAcpiReclaimable = 3
	typeNvs             = 4
	typeBad             = 5
)

// Region is a span of physical memory.
type Region struct {
	Base   uint64
	Length uint64
	Class  Class
}

// RawRegion is a memory map entry as reported by the boot loader.
// Type is the vendor type code.
type RawRegion struct {
	Base   uint64
	Length uint64
	Type   uint32
}

// Image describes memory occupied by the bootstrapper or one of its
// boot modules.
type Image struct {
	Base uint64
	Size uint64
	Name string
}

type mapError string

const (
	ErrEmptyMap          mapError = "memmap: empty memory map"
	ErrOverflow          mapError = "memmap: too many regions"
	ErrUnknownRegionType mapError = "memmap: unknown region type"
	ErrIndex             mapError = "memmap: region index out of range"
)

var classNames = [...]string{
	Available:          "Available",
	AcpiReclaimable:    "ACPI Reclaimable",
	Bad:                "Bad",
	Nvs:                "NVS",
	Reserved:           "Reserved",
	Bootstrap:          "Bootstrap",
	BootstrapAllocated: "Bootstrap Allocated",
}

// rank orders classes by precedence; the higher rank wins an overlap.
var rank = [...]int{
	Available:          0,
	AcpiReclaimable:    1,
	Nvs:                2,
	Reserved:           3,
	Bad:                4,
	Bootstrap:          5,
	BootstrapAllocated: 6,
}

func (e mapError) Error() string {
	return string(e)
}

func (c Class) String() string {
	if !c.valid() {
		return fmt.Sprintf("Class(%d)", uint32(c))
	}
	return classNames[c]
}

func (c Class) valid() bool {
	return c >= Available && c <= BootstrapAllocated
}

// Outranks reports whether c wins an overlap against o.
func (c Class) Outranks(o Class) bool {
	return rank[c] > rank[o]
}

// classify translates a vendor type code.
func classify(code uint32) (Class, error) {
	switch code {
	case typeAvailable:
		return Available, nil
	case typeReserved:
		return Reserved, nil
	case typeAcpiReclaimable:
		return AcpiReclaimable, nil
	case typeNvs:
		return Nvs, nil
	case typeBad:
		return Bad, nil
	}
	return 0, ErrUnknownRegionType
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return r.Base + r.Length
}

// Contains reports whether addr lies within the region.
func (r Region) Contains(addr uint64) bool {
	return r.Base <= addr && addr < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("0x%016x -> 0x%016x (0x%016x bytes) | %s", r.Base, r.End(), r.Length, r.Class)
}

func hex(v uint64) string {
	return fmt.Sprintf("%#x", v)
}

// End returns the first address past the image.
func (i Image) End() uint64 {
	return i.Base + i.Size
}
