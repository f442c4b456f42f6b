// SPDX-License-Identifier: Unlicense OR MIT

package elfload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Segment describes a loadable segment for Build.
type Segment struct {
	Vaddr uint64
	Data  []byte
	// Memsz is the size in memory. Bytes past Data are zero.
	Memsz uint64
	Flags elf.ProgFlag
}

// Build returns a minimal x86-64 executable with the given segments.
// Segment data is laid out from the second page of the file, each
// segment at an offset congruent to its virtual address.
func Build(entry uint64, segs []Segment) []byte {
	const (
		ehsize    = 64
		phentsize = 56
	)
	off := uint64(pageSize)
	offs := make([]uint64, len(segs))
	for i, s := range segs {
		if d := (s.Vaddr - off) % pageSize; d != 0 {
			off += d
		}
		offs[i] = off
		off += uint64(len(s.Data))
	}
	var buf bytes.Buffer
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(len(segs)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	binary.Write(&buf, binary.LittleEndian, &hdr)
	for i, s := range segs {
		binary.Write(&buf, binary.LittleEndian, &elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(s.Flags),
			Off:    offs[i],
			Vaddr:  s.Vaddr,
			Paddr:  s.Vaddr,
			Filesz: uint64(len(s.Data)),
			Memsz:  s.Memsz,
			Align:  pageSize,
		})
	}
	img := make([]byte, off)
	copy(img, buf.Bytes())
	for i, s := range segs {
		copy(img[offs[i]:], s.Data)
	}
	return img
}
