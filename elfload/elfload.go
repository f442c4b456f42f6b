// SPDX-License-Identifier: Unlicense OR MIT

// Package elfload maps the loadable segments of a kernel executable
// into a page table.
package elfload

import (
	"debug/elf"
	"fmt"

	"eliasnaur.com/bootmem/memmap"
	"eliasnaur.com/bootmem/pager"
	"eliasnaur.com/bootmem/physmem"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const pageSize = physmem.PageSize

// Allocator supplies physically contiguous memory for zero-filled
// segment tails.
type Allocator interface {
	Alloc(size uint64) (uint64, error)
}

type loadError string

const (
	ErrNotSupported loadError = "elfload: not a 64-bit x86 executable"
	ErrTruncated    loadError = "elfload: segment outside of image"
	ErrMisaligned   loadError = "elfload: segment not congruent to its file offset"
)

func (e loadError) Error() string {
	return string(e)
}

// Load maps the PT_LOAD segments of the executable in image into root
// and returns its entry point. File-backed pages are mapped where the
// image lies in physical memory.
func Load(p *pager.Pager, mem physmem.Memory, alloc Allocator, root pager.Root, image memmap.Image) (uint64, error) {
	if image.Base%pageSize != 0 {
		return 0, errors.Wrapf(ErrMisaligned, "image base %#x", image.Base)
	}
	f, err := elf.NewFile(physmem.NewReader(mem, image.Base, image.Size))
	if err != nil {
		return 0, errors.Wrap(err, "elfload")
	}
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return 0, errors.Wrapf(ErrNotSupported, "%v %v", f.Class, f.Machine)
	}
	l := &loader{p: p, mem: mem, alloc: alloc, root: root, image: image}
	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if err := l.loadSegment(&prog.ProgHeader); err != nil {
			return 0, errors.WithMessagef(err, "segment %d", i)
		}
	}
	log.WithFields(log.Fields{"image": image.Name, "entry": hexAddr(f.Entry)}).Info("elfload: loaded")
	return f.Entry, nil
}

type loader struct {
	p     *pager.Pager
	mem   physmem.Memory
	alloc Allocator
	root  pager.Root
	image memmap.Image
}

func (l *loader) loadSegment(ph *elf.ProgHeader) error {
	if ph.Filesz > ph.Memsz || ph.Off > l.image.Size || ph.Filesz > l.image.Size-ph.Off {
		return errors.Wrapf(ErrTruncated, "offset %#x size %#x", ph.Off, ph.Filesz)
	}
	if end := ph.Vaddr + ph.Memsz; end < ph.Vaddr || roundUp(end) < end {
		return errors.Wrapf(ErrTruncated, "vaddr %#x memory size %#x", ph.Vaddr, ph.Memsz)
	}
	if ph.Vaddr%pageSize != ph.Off%pageSize {
		return errors.Wrapf(ErrMisaligned, "vaddr %#x offset %#x", ph.Vaddr, ph.Off)
	}
	attrs := segmentAttrs(ph.Flags)
	log.WithFields(log.Fields{
		"vaddr":  hexAddr(ph.Vaddr),
		"filesz": hexAddr(ph.Filesz),
		"memsz":  hexAddr(ph.Memsz),
		"flags":  ph.Flags,
	}).Debug("elfload: segment")

	// physOf is the image address of the virtual address v in the
	// page range of the segment.
	physOf := func(v uint64) uint64 {
		return l.image.Base + ph.Off - ph.Vaddr + v
	}
	start := ph.Vaddr &^ (pageSize - 1)
	fileEnd := ph.Vaddr + ph.Filesz
	memEnd := roundUp(ph.Vaddr + ph.Memsz)
	if ph.Memsz == ph.Filesz {
		return l.p.MapRange(l.root, start, physOf(start), memEnd-start, attrs)
	}

	// Whole file pages stay in place. The page holding the end of the
	// file data and the rest of the segment are backed by cleared
	// memory.
	tail := fileEnd &^ (pageSize - 1)
	if err := l.p.MapRange(l.root, start, physOf(start), tail-start, attrs); err != nil {
		return err
	}
	size := memEnd - tail
	addr, err := l.alloc.Alloc(size)
	if err != nil {
		return errors.Wrap(err, "elfload: zero-filled tail")
	}
	physmem.Zero(l.mem, addr, size)
	if n := fileEnd - tail; n > 0 {
		buf := make([]byte, n)
		physmem.Read(l.mem, physOf(tail), buf)
		physmem.Write(l.mem, addr, buf)
	}
	return l.p.MapRange(l.root, tail, addr, size, attrs)
}

func segmentAttrs(flags elf.ProgFlag) pager.Attr {
	var a pager.Attr
	if flags&elf.PF_W != 0 {
		a |= pager.AttrWrite
	}
	if flags&elf.PF_X == 0 {
		a |= pager.AttrNoExec
	}
	return a
}

func roundUp(v uint64) uint64 {
	return (v + pageSize - 1) &^ (pageSize - 1)
}

func hexAddr(v uint64) string {
	return fmt.Sprintf("%#x", v)
}
