// SPDX-License-Identifier: Unlicense OR MIT

package pager

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"
)

// Mapping is a leaf of a page table.
type Mapping struct {
	Virt uint64
	Phys uint64
	Size uint64
	Attr Attr
}

// ErrOverlap is returned by VerifyNoOverlap.
const ErrOverlap pagerError = "pager: overlapping physical ranges"

func (m Mapping) String() string {
	return fmt.Sprintf("%#016x -> %#016x (%#x) %s", m.Virt, m.Phys, m.Size, m.Attr)
}

func (a Attr) String() string {
	b := []byte("r--")
	if a&AttrWrite != 0 {
		b[1] = 'w'
	}
	if a&AttrNoExec == 0 {
		b[2] = 'x'
	}
	if a&AttrUser != 0 {
		b = append(b, 'u')
	}
	return fmt.Sprintf("%s pat%d", b, a.PAT())
}

// Walk calls fn for every leaf of root in address order.
func (p *Pager) Walk(root Root, fn func(m Mapping)) {
	p.walk(uint64(root), LevelRoot, 0, fn)
}

func (p *Pager) walk(tbl uint64, l Level, base uint64, fn func(m Mapping)) {
	for i, e := range p.table(tbl) {
		if !e.Present() {
			continue
		}
		virt := base + uint64(i)*l.PageSize()
		if l == LevelRoot && i >= pageTableSize/2 {
			// Sign extend.
			virt |= 0xFFFF000000000000
		}
		if l == LevelLeaf || e.Huge() {
			fn(Mapping{Virt: virt, Phys: e.page(l), Size: l.PageSize(), Attr: e.Attrs(l)})
			continue
		}
		p.walk(e.Addr(), l-1, virt, fn)
	}
}

// Dump returns the leaves of root.
func (p *Pager) Dump(root Root) []Mapping {
	var entries []Mapping
	p.Walk(root, func(m Mapping) {
		entries = append(entries, m)
	})
	return entries
}

// Translate returns the leaf mapping virt.
func (p *Pager) Translate(root Root, virt uint64) (Mapping, bool) {
	tbl := uint64(root)
	for l := LevelRoot; l >= LevelLeaf; l-- {
		e := p.table(tbl)[l.Index(virt)]
		if !e.Present() {
			return Mapping{}, false
		}
		if l == LevelLeaf || e.Huge() {
			size := l.PageSize()
			return Mapping{
				Virt: virt &^ (size - 1),
				Phys: e.page(l),
				Size: size,
				Attr: e.Attrs(l),
			}, true
		}
		tbl = e.Addr()
	}
	return Mapping{}, false
}

// Digest fingerprints the leaves of root.
func (p *Pager) Digest(root Root) uint64 {
	h := xxhash.New64()
	var buf [28]byte
	p.Walk(root, func(m Mapping) {
		binary.LittleEndian.PutUint64(buf[0:], m.Virt)
		binary.LittleEndian.PutUint64(buf[8:], m.Phys)
		binary.LittleEndian.PutUint64(buf[16:], m.Size)
		binary.LittleEndian.PutUint32(buf[24:], uint32(m.Attr))
		h.Write(buf[:])
	})
	return h.Sum64()
}

// VerifyNoOverlap checks that no two mappings share physical memory.
// Mappings inside [skipBase, skipBase+skipSize), such as the direct
// map of all physical memory, are ignored.
func VerifyNoOverlap(mappings []Mapping, skipBase, skipSize uint64) error {
	var ranges []Mapping
	for _, m := range mappings {
		if m.Virt >= skipBase && m.Virt-skipBase < skipSize {
			continue
		}
		ranges = append(ranges, m)
	}
	sort.Slice(ranges, func(i, j int) bool {
		r1, r2 := ranges[i], ranges[j]
		if r1.Phys != r2.Phys {
			return r1.Phys < r2.Phys
		}
		return r1.Size < r2.Size
	})
	for i := 0; i < len(ranges)-1; i++ {
		r1, r2 := ranges[i], ranges[i+1]
		if r1.Phys+r1.Size > r2.Phys {
			return errors.Wrapf(ErrOverlap, "%v and %v", r1, r2)
		}
	}
	return nil
}
