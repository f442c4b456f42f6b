// SPDX-License-Identifier: Unlicense OR MIT

package pager

import "eliasnaur.com/bootmem/physmem"

const (
	pageSize      = physmem.PageSize
	pageTableSize = 512

	pageSize2MB = 1 << 21
	pageSize1GB = 1 << 30

	// addrMask selects the physical address bits of an entry.
	addrMask = 0x000FFFFFFFFFF000
)

// Table is the hardware representation of one level of the 4-level
// page table.
type Table [pageTableSize]Entry

// Entry is the hardware representation of a page table entry.
type Entry uint64

// Level identifies a page table level. The leaf level holds 4 KiB
// pages, LevelDir2 may hold 2 MiB pages and LevelDir3 1 GiB pages.
type Level int

const (
	LevelLeaf Level = iota + 1
	LevelDir2
	LevelDir3
	LevelRoot
)

const (
	flagPresent Entry = 1 << 0
	flagWrite   Entry = 1 << 1
	flagUser    Entry = 1 << 2
	flagPWT     Entry = 1 << 3
	flagPCD     Entry = 1 << 4
	// flagHuge is the page size bit of directory level entries. At
	// the leaf level the same bit selects the PAT.
	flagHuge    Entry = 1 << 7
	flagPAT4K   Entry = 1 << 7
	flagPATHuge Entry = 1 << 12
	flagNX      Entry = 1 << 63

	dirFlags = flagPresent | flagWrite | flagUser
)

// Attr describes the access rights and cache type of a mapping.
type Attr uint32

const (
	AttrWrite Attr = 1 << iota
	AttrUser
	AttrNoExec
	// Attr4K restricts a mapping to 4 KiB pages.
	Attr4K

	patShift      = 4
	patMask  Attr = 7 << patShift
)

// CacheType indexes the page attribute table programmed by New.
type CacheType uint8

const (
	PATWriteBack CacheType = iota
	PATUncacheable
	PATUncachedMinus
	PATWriteCombining
	PATWriteThrough
	PATWriteProtect
)

// Index returns the index of the entry covering virt in a table at
// level l.
func (l Level) Index(virt uint64) int {
	return int(virt>>(12+9*(uint(l)-1))) & (pageTableSize - 1)
}

// PageSize returns the span covered by one entry at level l.
func (l Level) PageSize() uint64 {
	return 1 << (12 + 9*(uint(l)-1))
}

func (l Level) String() string {
	switch l {
	case LevelLeaf:
		return "PT"
	case LevelDir2:
		return "PD"
	case LevelDir3:
		return "PDPT"
	case LevelRoot:
		return "PML4"
	default:
		return "invalid"
	}
}

func (a Attr) WithPAT(t CacheType) Attr {
	return a&^patMask | Attr(t)<<patShift&patMask
}

func (a Attr) PAT() CacheType {
	return CacheType(a & patMask >> patShift)
}

func (e Entry) Present() bool {
	return e&flagPresent != 0
}

func (e Entry) Writable() bool {
	return e&flagWrite != 0
}

func (e Entry) User() bool {
	return e&flagUser != 0
}

// Huge reports whether a directory level entry maps a page instead of
// pointing to a table.
func (e Entry) Huge() bool {
	return e&flagHuge != 0
}

func (e Entry) NoExecute() bool {
	return e&flagNX != 0
}

// Addr returns the physical address of the page or table the entry
// points to.
func (e Entry) Addr() uint64 {
	return uint64(e & addrMask)
}

// PAT returns the cache type of a leaf entry at level l.
func (e Entry) PAT(l Level) CacheType {
	var t CacheType
	if e&flagPWT != 0 {
		t |= 1
	}
	if e&flagPCD != 0 {
		t |= 2
	}
	patBit := flagPAT4K
	if l > LevelLeaf {
		patBit = flagPATHuge
	}
	if e&patBit != 0 {
		t |= 4
	}
	return t
}

// Attrs reconstructs the attributes of a leaf entry at level l.
func (e Entry) Attrs(l Level) Attr {
	var a Attr
	if e.Writable() {
		a |= AttrWrite
	}
	if e.User() {
		a |= AttrUser
	}
	if e.NoExecute() {
		a |= AttrNoExec
	}
	return a.WithPAT(e.PAT(l))
}

// page returns the page address of a leaf entry at level l. Huge
// leaves use bit 12 for the PAT.
func (e Entry) page(l Level) uint64 {
	return e.Addr() &^ (l.PageSize() - 1)
}

func tableEntry(addr uint64) Entry {
	return Entry(addr) | dirFlags
}
