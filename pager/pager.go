// SPDX-License-Identifier: Unlicense OR MIT

// Package pager builds x86-64 4-level page tables in physical memory.
package pager

import (
	"unsafe"

	"eliasnaur.com/bootmem/cpu"
	"eliasnaur.com/bootmem/physmem"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Root is the physical address of a top level table.
type Root uint64

// Allocator supplies physical pages for page tables.
type Allocator interface {
	AllocPage() (uint64, error)
}

// CPU is the processor the page tables are built for.
type CPU interface {
	Features() cpu.Features
	ReadMSR(reg uint32) uint64
	WriteMSR(reg uint32, v uint64)
	// InvalidatePage flushes the TLB entry of the page containing
	// virt.
	InvalidatePage(virt uint64)
	// ActiveRoot returns the root of the page table in use.
	ActiveRoot() uint64
}

// Pager maps virtual address ranges.
type Pager struct {
	mem   physmem.Memory
	alloc Allocator
	cpu   CPU
	feat  cpu.Features
}

type pagerError string

const (
	ErrAlreadyMapped    pagerError = "pager: virtual address already mapped"
	ErrMisaligned       pagerError = "pager: address or length not page aligned"
	ErrAllocationFailed pagerError = "pager: page table allocation failed"
	ErrHugePageConflict pagerError = "pager: range splits a huge page"
	ErrRange            pagerError = "pager: range wraps around the address space"
)

// allocError is ErrAllocationFailed carrying the allocator's error.
type allocError struct {
	err error
}

func (e pagerError) Error() string {
	return string(e)
}

func (e *allocError) Error() string {
	return string(ErrAllocationFailed) + ": " + e.err.Error()
}

func (e *allocError) Cause() error {
	return ErrAllocationFailed
}

func (e *allocError) Unwrap() error {
	return e.err
}

func (e *allocError) Is(target error) bool {
	return target == ErrAllocationFailed
}

// New returns a pager for c. It programs the page attribute table and
// enables no-execute pages when c supports them, and must be called
// once per boot.
func New(mem physmem.Memory, alloc Allocator, c CPU) *Pager {
	f := c.Features()
	if f.PAT {
		c.WriteMSR(cpu.MSR_IA32_PAT, cpu.PATValue)
	}
	if f.NoExecute {
		c.WriteMSR(cpu.MSR_IA32_EFER, c.ReadMSR(cpu.MSR_IA32_EFER)|cpu.EFER_NXE)
	}
	log.WithFields(log.Fields{
		"huge1g": f.HugePages1G,
		"nx":     f.NoExecute,
		"pat":    f.PAT,
	}).Debug("pager: initialized")
	return &Pager{mem: mem, alloc: alloc, cpu: c, feat: f}
}

// NewRoot allocates an empty top level table.
func (p *Pager) NewRoot() (Root, error) {
	page, err := p.newTable()
	if err != nil {
		return 0, err
	}
	return Root(page), nil
}

// MapRange maps [virt, virt+length) to [phys, phys+length). Each step
// uses the largest page size that fits the remaining range and its
// alignment. Mapping over a present page fails with
// ErrAlreadyMapped; tables written before the failure are kept. A
// range running past the top of either address space fails with
// ErrRange.
func (p *Pager) MapRange(root Root, virt, phys, length uint64, attrs Attr) error {
	return p.mapRange(root, virt, phys, length, attrs, false)
}

// Remap is like MapRange but replaces present pages of the selected
// size. It fails with ErrHugePageConflict rather than split a present
// huge page.
func (p *Pager) Remap(root Root, virt, phys, length uint64, attrs Attr) error {
	return p.mapRange(root, virt, phys, length, attrs, true)
}

func (p *Pager) mapRange(root Root, virt, phys, length uint64, attrs Attr, remap bool) error {
	if length == 0 {
		return nil
	}
	if virt%pageSize != 0 || phys%pageSize != 0 || length%pageSize != 0 {
		return errors.Wrapf(ErrMisaligned, "virt %#x phys %#x length %#x", virt, phys, length)
	}
	// A range may end at the top of the address space but not past it.
	if virt+length-1 < virt || phys+length-1 < phys {
		return errors.Wrapf(ErrRange, "virt %#x phys %#x length %#x", virt, phys, length)
	}
	active := uint64(root) == p.cpu.ActiveRoot()
	for length > 0 {
		size, err := p.mapPage(root, virt, phys, length, attrs, remap)
		if err != nil {
			return err
		}
		if active {
			p.cpu.InvalidatePage(virt)
		}
		virt += size
		phys += size
		length -= size
	}
	return nil
}

// mapPage writes the leaf for virt and returns the size of the page
// mapped.
func (p *Pager) mapPage(root Root, virt, phys, length uint64, attrs Attr, remap bool) (uint64, error) {
	tbl := uint64(root)
	for l := LevelRoot; ; l-- {
		e := &p.table(tbl)[l.Index(virt)]
		if l == LevelLeaf || p.fits(l, *e, virt, phys, length, attrs, remap) {
			if e.Present() && !remap {
				return 0, errors.Wrapf(ErrAlreadyMapped, "%#x", virt)
			}
			*e = p.leaf(l, phys, attrs)
			return l.PageSize(), nil
		}
		switch {
		case e.Present() && e.Huge():
			if remap {
				return 0, errors.Wrapf(ErrHugePageConflict, "%s entry for %#x", l, virt)
			}
			return 0, errors.Wrapf(ErrAlreadyMapped, "%#x", virt)
		case e.Present():
			tbl = e.Addr()
		default:
			page, err := p.newTable()
			if err != nil {
				return 0, err
			}
			*e = tableEntry(page)
			tbl = page
		}
	}
}

// fits reports whether virt can be mapped by a single page at level l.
func (p *Pager) fits(l Level, e Entry, virt, phys, length uint64, attrs Attr, remap bool) bool {
	switch l {
	case LevelDir2:
	case LevelDir3:
		if !p.feat.HugePages1G {
			return false
		}
	default:
		return false
	}
	if attrs&Attr4K != 0 {
		return false
	}
	size := l.PageSize()
	if length < size || virt%size != 0 || phys%size != 0 {
		return false
	}
	return !e.Present() || remap && e.Huge()
}

// leaf synthesizes a leaf entry at level l.
func (p *Pager) leaf(l Level, phys uint64, attrs Attr) Entry {
	e := Entry(phys) | flagPresent
	if attrs&AttrWrite != 0 {
		e |= flagWrite
	}
	if attrs&AttrUser != 0 {
		e |= flagUser
	}
	if attrs&AttrNoExec != 0 && p.feat.NoExecute {
		e |= flagNX
	}
	t := attrs.PAT()
	if t&1 != 0 {
		e |= flagPWT
	}
	if t&2 != 0 {
		e |= flagPCD
	}
	if l == LevelLeaf {
		if t&4 != 0 {
			e |= flagPAT4K
		}
		return e
	}
	if t&4 != 0 {
		e |= flagPATHuge
	}
	return e | flagHuge
}

func (p *Pager) newTable() (uint64, error) {
	page, err := p.alloc.AllocPage()
	if err != nil {
		return 0, &allocError{err: err}
	}
	physmem.Zero(p.mem, page, pageSize)
	return page, nil
}

func (p *Pager) table(addr uint64) *Table {
	return (*Table)(unsafe.Pointer(p.mem.Frame(addr)))
}
