// SPDX-License-Identifier: Unlicense OR MIT

// Package physmem provides page-granular access to physical memory.
//
// Before paging is enabled the bootstrapper reaches physical memory
// through a fixed offset (see Direct). Tests and the host simulator
// use Sparse, which backs only the frames that are touched.
package physmem

import (
	"io"
	"unsafe"

	"github.com/pkg/errors"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// Frame is one physical page.
type Frame [PageSize]byte

// Memory is a window onto physical memory.
type Memory interface {
	// Frame returns the page containing addr. addr must be page
	// aligned.
	Frame(addr uint64) *Frame
}

type memError string

const (
	errUnaligned memError = "physmem: unaligned frame address"
	errBounds    memError = "physmem: access outside of span"
)

// Direct reaches physical memory at a fixed offset, the way the
// bootstrapper sees memory before paging is enabled (offset 0) or
// through a direct map afterwards.
type Direct struct {
	Offset uintptr
}

// Sparse is host memory standing in for physical memory. Frames are
// allocated zeroed on first touch.
type Sparse struct {
	frames map[uint64]*[PageSize / 8]uint64
}

// Reader implements io.ReaderAt over a span of physical memory.
type Reader struct {
	mem  Memory
	base uint64
	size uint64
}

func (e memError) Error() string {
	return string(e)
}

func (d Direct) Frame(addr uint64) *Frame {
	if addr&(PageSize-1) != 0 {
		panic(errUnaligned)
	}
	return (*Frame)(unsafe.Pointer(d.Offset + uintptr(addr)))
}

func NewSparse() *Sparse {
	return &Sparse{frames: make(map[uint64]*[PageSize / 8]uint64)}
}

func (s *Sparse) Frame(addr uint64) *Frame {
	if addr&(PageSize-1) != 0 {
		panic(errUnaligned)
	}
	f, ok := s.frames[addr]
	if !ok {
		// Backed by words so that page tables overlaid on the frame
		// are 8-byte aligned.
		f = new([PageSize / 8]uint64)
		s.frames[addr] = f
	}
	return (*Frame)(unsafe.Pointer(f))
}

// Touched reports the number of frames that have been accessed.
func (s *Sparse) Touched() int {
	return len(s.frames)
}

// Read copies physical memory starting at addr into p.
func Read(m Memory, addr uint64, p []byte) {
	for len(p) > 0 {
		page := addr &^ (PageSize - 1)
		off := addr - page
		n := copy(p, m.Frame(page)[off:])
		p = p[n:]
		addr += uint64(n)
	}
}

// Write copies p into physical memory starting at addr.
func Write(m Memory, addr uint64, p []byte) {
	for len(p) > 0 {
		page := addr &^ (PageSize - 1)
		off := addr - page
		n := copy(m.Frame(page)[off:], p)
		p = p[n:]
		addr += uint64(n)
	}
}

// Zero clears size bytes of physical memory starting at the page
// aligned address addr. size is rounded up to the page size.
func Zero(m Memory, addr, size uint64) {
	if addr&(PageSize-1) != 0 {
		panic(errUnaligned)
	}
	for end := addr + size; addr < end; addr += PageSize {
		*m.Frame(addr) = Frame{}
	}
}

// NewReader returns a reader over [base, base+size).
func NewReader(m Memory, base, size uint64) *Reader {
	return &Reader{mem: m, base: base, size: size}
}

func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Wrapf(errBounds, "offset %d", off)
	}
	if uint64(off) >= r.size {
		return 0, io.EOF
	}
	n := len(p)
	var err error
	if rem := r.size - uint64(off); uint64(n) > rem {
		n = int(rem)
		err = io.EOF
	}
	Read(r.mem, r.base+uint64(off), p[:n])
	return n, err
}

// Size returns the length of the span.
func (r *Reader) Size() int64 {
	return int64(r.size)
}
