// SPDX-License-Identifier: Unlicense OR MIT

package multiboot

import (
	"encoding/binary"

	"eliasnaur.com/bootmem/memmap"
)

// Builder encodes boot information the way a boot loader lays it out.
type Builder struct {
	tags []byte
}

// Tag appends a raw tag.
func (b *Builder) Tag(typ uint32, payload []byte) *Builder {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], typ)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(hdr)+len(payload)))
	b.tags = append(b.tags, hdr[:]...)
	b.tags = append(b.tags, payload...)
	for len(b.tags)%tagAlign != 0 {
		b.tags = append(b.tags, 0)
	}
	return b
}

func (b *Builder) Cmdline(s string) *Builder {
	return b.Tag(TagCmdline, append([]byte(s), 0))
}

func (b *Builder) BootLoaderName(s string) *Builder {
	return b.Tag(TagBootLoaderName, append([]byte(s), 0))
}

func (b *Builder) Module(start, end uint32, cmdline string) *Builder {
	p := make([]byte, 8, 8+len(cmdline)+1)
	binary.LittleEndian.PutUint32(p[0:], start)
	binary.LittleEndian.PutUint32(p[4:], end)
	p = append(p, cmdline...)
	return b.Tag(TagModule, append(p, 0))
}

func (b *Builder) BasicMeminfo(lower, upper uint32) *Builder {
	p := make([]byte, 8)
	binary.LittleEndian.PutUint32(p[0:], lower)
	binary.LittleEndian.PutUint32(p[4:], upper)
	return b.Tag(TagBasicMeminfo, p)
}

func (b *Builder) MemoryMap(regions []memmap.RawRegion) *Builder {
	p := make([]byte, 8+mmapEntrySize*len(regions))
	binary.LittleEndian.PutUint32(p[0:], mmapEntrySize)
	binary.LittleEndian.PutUint32(p[4:], 0)
	for i, r := range regions {
		e := p[8+i*mmapEntrySize:]
		binary.LittleEndian.PutUint64(e[0:], r.Base)
		binary.LittleEndian.PutUint64(e[8:], r.Length)
		binary.LittleEndian.PutUint32(e[16:], r.Type)
	}
	return b.Tag(TagMmap, p)
}

func (b *Builder) Framebuffer(fb Framebuffer) *Builder {
	p := make([]byte, 24)
	binary.LittleEndian.PutUint64(p[0:], fb.Addr)
	binary.LittleEndian.PutUint32(p[8:], fb.Pitch)
	binary.LittleEndian.PutUint32(p[12:], fb.Width)
	binary.LittleEndian.PutUint32(p[16:], fb.Height)
	p[20] = fb.BPP
	p[21] = fb.Type
	return b.Tag(TagFramebuffer, p)
}

func (b *Builder) LoadBase(addr uint32) *Builder {
	p := make([]byte, 4)
	binary.LittleEndian.PutUint32(p, addr)
	return b.Tag(TagLoadBaseAddr, p)
}

// RSDP appends a copy of the ACPI root system description pointer.
// Revision 2 and later use the new table tag.
func (b *Builder) RSDP(rsdp []byte, revision int) *Builder {
	typ := uint32(TagACPIOld)
	if revision >= 2 {
		typ = TagACPINew
	}
	return b.Tag(typ, rsdp)
}

// Bytes returns the encoded boot information, terminated by an end
// tag.
func (b *Builder) Bytes() []byte {
	buf := make([]byte, headerSize, headerSize+len(b.tags)+8)
	buf = append(buf, b.tags...)
	buf = append(buf, 0, 0, 0, 0, 8, 0, 0, 0)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(buf)))
	return buf
}
