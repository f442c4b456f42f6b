// SPDX-License-Identifier: Unlicense OR MIT

// Package watermark implements the bump allocator that hands out
// physical pages before a real allocator exists.
package watermark

import (
	"fmt"

	"eliasnaur.com/bootmem/memmap"
	"eliasnaur.com/bootmem/physmem"
	log "github.com/sirupsen/logrus"
)

const (
	// Floor and Ceiling bound the bases of regions the allocator
	// selects: memory below 1 MiB is left to firmware and legacy
	// devices, and memory above 4 GiB is not reachable before long
	// mode is entered.
	Floor   = 1 << 20
	Ceiling = 1 << 32
)

const pageSize = physmem.PageSize

type allocError string

const ErrOutOfMemory allocError = "watermark: out of memory"

// Allocator is a non-freeing bump allocator over the largest
// available region of a canonical map. It owns the map's bookkeeping
// for the memory it hands out: consumed spans are reclassified
// BootstrapAllocated by Commit.
type Allocator struct {
	m *memmap.Map
	// cur is the index of the current region, or -1.
	cur int
	// start and off are byte offsets from the current region's base
	// of the first page handed out since the last commit and of the
	// next page to hand out.
	start, off uint64
	allocated  uint64
}

func (e allocError) Error() string {
	return string(e)
}

// New returns an allocator over m. The allocator must be the only
// writer of m from now on.
func New(m *memmap.Map) *Allocator {
	return &Allocator{m: m, cur: -1}
}

// AllocPage allocates a single page.
func (a *Allocator) AllocPage() (uint64, error) {
	return a.Alloc(pageSize)
}

// Alloc allocates size bytes of physically contiguous memory, rounded
// up to the page size. The memory is not cleared.
func (a *Allocator) Alloc(size uint64) (uint64, error) {
	if size == 0 {
		size = pageSize
	}
	size = (size + pageSize - 1) &^ (pageSize - 1)
	if a.cur == -1 || a.room() < size {
		if err := a.rebase(size); err != nil {
			return 0, err
		}
	}
	addr := a.m.At(a.cur).Base + a.off
	a.off += size
	a.allocated += size
	return addr, nil
}

// Commit records the memory handed out since the last commit in the
// map.
func (a *Allocator) Commit() error {
	if a.cur == -1 || a.off == a.start {
		return nil
	}
	r := a.m.At(a.cur)
	rem, err := a.m.Split(a.cur, a.off, memmap.BootstrapAllocated)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"base": hexAddr(r.Base), "length": hexAddr(a.off)}).Debug("watermark: committed")
	a.cur = rem
	a.start, a.off = 0, 0
	return nil
}

// Allocated returns the number of bytes handed out.
func (a *Allocator) Allocated() uint64 {
	return a.allocated
}

// room returns the bytes left in the current region.
func (a *Allocator) room() uint64 {
	if a.cur == -1 {
		return 0
	}
	lim := limit(a.m.At(a.cur))
	if a.off >= lim {
		return 0
	}
	return lim - a.off
}

// rebase commits the current region and selects the largest eligible
// available region with at least size bytes.
func (a *Allocator) rebase(size uint64) error {
	if err := a.Commit(); err != nil {
		return err
	}
	best := -1
	var bestLen uint64
	for i := 0; i < a.m.Len(); i++ {
		r := a.m.At(i)
		if r.Class != memmap.Available || r.Base < Floor || r.Base >= Ceiling {
			continue
		}
		if limit(r) < align(r) {
			continue
		}
		n := limit(r) - align(r)
		if n < size {
			continue
		}
		if best == -1 || n > bestLen {
			best, bestLen = i, n
		}
	}
	if best == -1 {
		a.cur = -1
		return ErrOutOfMemory
	}
	r := a.m.At(best)
	a.cur = best
	a.start = align(r)
	a.off = a.start
	log.WithFields(log.Fields{"base": hexAddr(r.Base), "length": hexAddr(r.Length)}).Debug("watermark: new base")
	return nil
}

// align returns the offset of the first page boundary in r.
func align(r memmap.Region) uint64 {
	return (r.Base+pageSize-1)&^(pageSize-1) - r.Base
}

// limit returns the offset of the end of the allocatable span of r.
func limit(r memmap.Region) uint64 {
	end := r.End()
	if end > Ceiling {
		end = Ceiling
	}
	end &^= pageSize - 1
	if end < r.Base {
		return 0
	}
	return end - r.Base
}

func hexAddr(v uint64) string {
	return fmt.Sprintf("%#x", v)
}
