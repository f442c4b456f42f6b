// SPDX-License-Identifier: Unlicense OR MIT

// Package multiboot decodes the Multiboot2 boot information the boot
// loader hands to the bootstrapper.
package multiboot

import (
	"bytes"
	"encoding/binary"

	"eliasnaur.com/bootmem/memmap"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Magic is the value a Multiboot2 boot loader passes in EAX.
const Magic = 0x36d76289

// MaxInfoSize bounds the size of the boot information.
const MaxInfoSize = 4 << 20

// Tag types.
const (
	TagEnd            = 0
	TagCmdline        = 1
	TagBootLoaderName = 2
	TagModule         = 3
	TagBasicMeminfo   = 4
	TagBootDev        = 5
	TagMmap           = 6
	TagVBE            = 7
	TagFramebuffer    = 8
	TagELFSections    = 9
	TagAPM            = 10
	TagEFI32          = 11
	TagEFI64          = 12
	TagSMBIOS         = 13
	TagACPIOld        = 14
	TagACPINew        = 15
	TagNetwork        = 16
	TagEFIMmap        = 17
	TagEFIBS          = 18
	TagEFI32IH        = 19
	TagEFI64IH        = 20
	TagLoadBaseAddr   = 21
)

const (
	headerSize = 8
	tagAlign   = 8
	// mmapEntrySize is the size of the entries this package
	// understands. Larger entries are accepted and their tails
	// ignored.
	mmapEntrySize = 24
)

type infoError string

const (
	ErrEmptyInfo infoError = "multiboot: empty boot information"
	ErrMalformed infoError = "multiboot: malformed boot information"
)

// Info is the decoded boot information.
type Info struct {
	Cmdline        string
	BootLoaderName string
	Modules        []Module
	// MemLower and MemUpper are the sizes in KiB of lower and upper
	// memory, valid if HasMeminfo is set.
	MemLower, MemUpper uint32
	HasMeminfo         bool
	Regions            []memmap.RawRegion
	Framebuffer        *Framebuffer
	// LoadBase is the physical address the bootstrapper was loaded
	// at, valid if HasLoadBase is set.
	LoadBase    uint64
	HasLoadBase bool
	// RSDP is the physical address of the copy of the ACPI root
	// system description pointer inside the boot information, and
	// RSDPRevision is 1 for the old and 2 for the new table format.
	RSDP         uint64
	RSDPRevision int
}

// Module is a file loaded by the boot loader.
type Module struct {
	Start   uint64
	End     uint64
	Cmdline string
}

type Framebuffer struct {
	Addr   uint64
	Pitch  uint32
	Width  uint32
	Height uint32
	BPP    uint8
	Type   uint8
}

func (e infoError) Error() string {
	return string(e)
}

// Parse decodes the boot information in buf, located at the physical
// address base.
func Parse(buf []byte, base uint64) (*Info, error) {
	if len(buf) < headerSize {
		return nil, errors.Wrap(ErrMalformed, "short header")
	}
	total := binary.LittleEndian.Uint32(buf)
	if total == 0 {
		return nil, ErrEmptyInfo
	}
	if total < headerSize || total > MaxInfoSize || uint64(total) > uint64(len(buf)) {
		return nil, errors.Wrapf(ErrMalformed, "total size %d, have %d bytes", total, len(buf))
	}
	buf = buf[:total]
	info := new(Info)
	for off := uint32(headerSize); ; {
		if off+8 > total {
			return nil, errors.Wrap(ErrMalformed, "missing end tag")
		}
		typ := binary.LittleEndian.Uint32(buf[off:])
		size := binary.LittleEndian.Uint32(buf[off+4:])
		if size < 8 || uint64(off)+uint64(size) > uint64(total) {
			return nil, errors.Wrapf(ErrMalformed, "tag %d at offset %d has size %d", typ, off, size)
		}
		if typ == TagEnd {
			return info, nil
		}
		payload := buf[off+8 : off+size]
		if err := info.parseTag(typ, payload, base+uint64(off)+8); err != nil {
			return nil, errors.WithMessagef(err, "tag %d at offset %d", typ, off)
		}
		off += (size + tagAlign - 1) &^ (tagAlign - 1)
	}
}

// parseTag decodes a single tag. addr is the physical address of the
// payload.
func (info *Info) parseTag(typ uint32, p []byte, addr uint64) error {
	switch typ {
	case TagCmdline:
		info.Cmdline = cstring(p)
	case TagBootLoaderName:
		info.BootLoaderName = cstring(p)
		log.WithField("name", info.BootLoaderName).Info("multiboot: boot loader")
	case TagModule:
		if len(p) < 8 {
			return ErrMalformed
		}
		m := Module{
			Start:   uint64(binary.LittleEndian.Uint32(p)),
			End:     uint64(binary.LittleEndian.Uint32(p[4:])),
			Cmdline: cstring(p[8:]),
		}
		if m.End < m.Start {
			return errors.Wrapf(ErrMalformed, "module %q ends before it starts", m.Cmdline)
		}
		info.Modules = append(info.Modules, m)
	case TagBasicMeminfo:
		if len(p) < 8 {
			return ErrMalformed
		}
		info.MemLower = binary.LittleEndian.Uint32(p)
		info.MemUpper = binary.LittleEndian.Uint32(p[4:])
		info.HasMeminfo = true
	case TagMmap:
		return info.parseMmap(p)
	case TagFramebuffer:
		if len(p) < 22 {
			return ErrMalformed
		}
		info.Framebuffer = &Framebuffer{
			Addr:   binary.LittleEndian.Uint64(p),
			Pitch:  binary.LittleEndian.Uint32(p[8:]),
			Width:  binary.LittleEndian.Uint32(p[12:]),
			Height: binary.LittleEndian.Uint32(p[16:]),
			BPP:    p[20],
			Type:   p[21],
		}
	case TagLoadBaseAddr:
		if len(p) < 4 {
			return ErrMalformed
		}
		info.LoadBase = uint64(binary.LittleEndian.Uint32(p))
		info.HasLoadBase = true
	case TagACPIOld, TagACPINew:
		info.RSDP = addr
		info.RSDPRevision = 1
		if typ == TagACPINew {
			info.RSDPRevision = 2
		}
	case TagBootDev, TagVBE, TagELFSections, TagAPM, TagEFI32, TagEFI64,
		TagSMBIOS, TagNetwork, TagEFIMmap, TagEFIBS, TagEFI32IH, TagEFI64IH:
		log.WithFields(log.Fields{"type": typ, "size": len(p)}).Debug("multiboot: ignoring tag")
	default:
		log.WithField("type", typ).Warn("multiboot: unknown tag")
	}
	return nil
}

func (info *Info) parseMmap(p []byte) error {
	if len(p) < 8 {
		return ErrMalformed
	}
	entrySize := binary.LittleEndian.Uint32(p)
	version := binary.LittleEndian.Uint32(p[4:])
	if entrySize < mmapEntrySize {
		return errors.Wrapf(ErrMalformed, "memory map entry size %d", entrySize)
	}
	entries := p[8:]
	n := len(entries) / int(entrySize)
	log.WithFields(log.Fields{"version": version, "entries": n}).Debug("multiboot: memory map")
	for i := 0; i < n; i++ {
		e := entries[i*int(entrySize):]
		info.Regions = append(info.Regions, memmap.RawRegion{
			Base:   binary.LittleEndian.Uint64(e),
			Length: binary.LittleEndian.Uint64(e[8:]),
			Type:   binary.LittleEndian.Uint32(e[16:]),
		})
	}
	return nil
}

// Module returns the first module whose command line is cmdline.
func (info *Info) Module(cmdline string) (Module, bool) {
	for _, m := range info.Modules {
		if m.Cmdline == cmdline {
			return m, true
		}
	}
	return Module{}, false
}

func cstring(p []byte) string {
	if i := bytes.IndexByte(p, 0); i != -1 {
		p = p[:i]
	}
	return string(p)
}
