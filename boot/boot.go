// SPDX-License-Identifier: Unlicense OR MIT

// Package boot runs the bootstrapper's memory setup: it turns the boot
// loader's information into a canonical memory map, builds the kernel's
// page tables and prepares the hand-off block.
package boot

import (
	"encoding/binary"
	"fmt"

	"eliasnaur.com/bootmem/cpu"
	"eliasnaur.com/bootmem/elfload"
	"eliasnaur.com/bootmem/memmap"
	"eliasnaur.com/bootmem/multiboot"
	"eliasnaur.com/bootmem/pager"
	"eliasnaur.com/bootmem/physmem"
	"eliasnaur.com/bootmem/watermark"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const pageSize = physmem.PageSize

// Config holds the constants of a boot.
type Config struct {
	// HHDMBase is the virtual address of the direct map of all
	// physical memory.
	HHDMBase uint64
	// KernelModule and InitramfsModule are the command lines that
	// identify the kernel and initial ramdisk modules.
	KernelModule    string
	InitramfsModule string
	// BootstrapBase is the load address of the bootstrapper, used
	// when the boot loader does not report one.
	BootstrapBase uint64
	// BootstrapSize is the size of the bootstrapper image.
	BootstrapSize uint64
}

// Context carries the state of a boot from one step to the next.
type Context struct {
	Config Config
	Mem    physmem.Memory
	CPU    pager.CPU

	Info   *multiboot.Info
	Images []memmap.Image
	Map    *memmap.Map
	Alloc  *watermark.Allocator
	Pager  *pager.Pager
	Root   pager.Root

	kernel    memmap.Image
	bootstrap memmap.Image
}

// Result describes the prepared kernel environment.
type Result struct {
	Entry       uint64
	Root        pager.Root
	HandoffAddr uint64
	Handoff     Handoff
}

type bootError string

const (
	ErrBadMagic bootError = "boot: not booted by a Multiboot2 loader"
	ErrNoKernel bootError = "boot: kernel module not found"
	ErrHHDM     bootError = "boot: physical memory does not fit the direct map"
)

func (e bootError) Error() string {
	return string(e)
}

func DefaultConfig() Config {
	return Config{
		HHDMBase:        0xFFFF800000000000,
		KernelModule:    "arctan-module.kernel.elf",
		InitramfsModule: "arctan-module.initramfs.cpio",
		BootstrapBase:   0x100000,
		BootstrapSize:   0x20000,
	}
}

func NewContext(cfg Config, mem physmem.Memory, c pager.CPU) *Context {
	return &Context{Config: cfg, Mem: mem, CPU: c}
}

// Run prepares the kernel environment from the boot information at
// infoAddr. On success the kernel may be entered at Result.Entry with
// Result.Root loaded into CR3. Every error is fatal to the boot.
func Run(ctx *Context, magic uint32, infoAddr uint64) (*Result, error) {
	if magic != multiboot.Magic {
		return nil, errors.Wrapf(ErrBadMagic, "signature %#x", magic)
	}
	if err := ctx.parseInfo(infoAddr); err != nil {
		return nil, err
	}
	if err := ctx.buildMap(); err != nil {
		return nil, err
	}
	f := ctx.CPU.Features()
	if err := cpu.Check(f); err != nil {
		return nil, err
	}
	ctx.Pager = pager.New(ctx.Mem, ctx.Alloc, ctx.CPU)
	root, err := ctx.Pager.NewRoot()
	if err != nil {
		return nil, errors.Wrap(err, "boot: page table root")
	}
	ctx.Root = root
	if err := ctx.mapMemory(); err != nil {
		return nil, err
	}
	entry, err := elfload.Load(ctx.Pager, ctx.Mem, ctx.Alloc, ctx.Root, ctx.kernel)
	if err != nil {
		return nil, errors.WithMessage(err, "boot: loading kernel")
	}
	res, err := ctx.handoff(entry)
	if err != nil {
		return nil, err
	}
	ctx.Map.Log("boot: memory map")
	log.WithFields(log.Fields{
		"entry":   hexAddr(res.Entry),
		"root":    hexAddr(uint64(res.Root)),
		"handoff": hexAddr(res.HandoffAddr),
	}).Info("boot: ready to enter kernel")
	return res, nil
}

func (ctx *Context) parseInfo(addr uint64) error {
	var hdr [8]byte
	physmem.Read(ctx.Mem, addr, hdr[:])
	n := binary.LittleEndian.Uint32(hdr[:])
	if n < uint32(len(hdr)) {
		n = uint32(len(hdr))
	}
	if n > multiboot.MaxInfoSize {
		return errors.Wrapf(multiboot.ErrMalformed, "boot: boot information of %#x bytes", n)
	}
	buf := make([]byte, n)
	physmem.Read(ctx.Mem, addr, buf)
	info, err := multiboot.Parse(buf, addr)
	if err != nil {
		return errors.WithMessage(err, "boot: boot information")
	}
	ctx.Info = info
	cfg := ctx.Config

	kernel, ok := info.Module(cfg.KernelModule)
	if !ok {
		return errors.Wrapf(ErrNoKernel, "%q", cfg.KernelModule)
	}
	ctx.kernel = memmap.Image{Base: kernel.Start, Size: kernel.End - kernel.Start, Name: kernel.Cmdline}

	base := cfg.BootstrapBase
	if info.HasLoadBase {
		base = info.LoadBase
	} else {
		log.WithField("base", hexAddr(base)).Warn("boot: no load base reported")
	}
	ctx.bootstrap = pageAlign(memmap.Image{Base: base, Size: cfg.BootstrapSize, Name: "bootstrap"})
	ctx.Images = append(ctx.Images, ctx.bootstrap)
	ctx.Images = append(ctx.Images, pageAlign(memmap.Image{Base: addr, Size: uint64(len(buf)), Name: "multiboot info"}))
	for _, m := range info.Modules {
		log.WithFields(log.Fields{
			"start": hexAddr(m.Start),
			"end":   hexAddr(m.End),
		}).Infof("boot: module %q", m.Cmdline)
		ctx.Images = append(ctx.Images, pageAlign(memmap.Image{Base: m.Start, Size: m.End - m.Start, Name: m.Cmdline}))
	}
	return nil
}

func (ctx *Context) buildMap() error {
	m, err := memmap.Normalize(ctx.Info.Regions, ctx.Images)
	if err != nil {
		return errors.Wrap(err, "boot: memory map")
	}
	ctx.Map = m
	ctx.Alloc = watermark.New(m)
	log.WithFields(log.Fields{
		"regions":   m.Len(),
		"memsize":   hexAddr(m.MemSize()),
		"available": hexAddr(m.Total(memmap.Available)),
	}).Info("boot: memory map normalized")
	return nil
}

// mapMemory maps all physical memory at the HHDM base and identity
// maps the bootstrapper so it keeps running once the new tables are
// loaded.
func (ctx *Context) mapMemory() error {
	hhdm := ctx.Config.HHDMBase
	memSize := ctx.Map.MemSize()
	size := roundUp(memSize)
	if size < memSize || hhdm+size-1 < hhdm {
		return errors.Wrapf(ErrHHDM, "memory size %#x at %#x", memSize, hhdm)
	}
	log.WithFields(log.Fields{"base": hexAddr(hhdm), "size": hexAddr(size)}).Info("boot: mapping HHDM")
	if err := ctx.Pager.MapRange(ctx.Root, hhdm, 0, size, pager.AttrWrite|pager.AttrNoExec); err != nil {
		return errors.WithMessage(err, "boot: mapping HHDM")
	}
	bs := ctx.bootstrap
	if err := ctx.Pager.MapRange(ctx.Root, bs.Base, bs.Base, bs.Size, pager.AttrWrite|pager.Attr4K); err != nil {
		return errors.WithMessage(err, "boot: identity mapping bootstrapper")
	}
	return nil
}

// handoff reserves memory for the canonical map and the hand-off
// block, records every allocation in the map and writes both out.
func (ctx *Context) handoff(entry uint64) (*Result, error) {
	mapBase, err := ctx.Alloc.Alloc(memmap.MaxRegions * memmap.EntrySize)
	if err != nil {
		return nil, errors.Wrap(err, "boot: memory map storage")
	}
	addr, err := ctx.Alloc.Alloc(uint64(HandoffSize))
	if err != nil {
		return nil, errors.Wrap(err, "boot: hand-off block")
	}
	if err := ctx.Alloc.Commit(); err != nil {
		return nil, errors.Wrap(err, "boot: committing allocations")
	}
	entries, err := ctx.Map.MarshalBinary()
	if err != nil {
		return nil, err
	}
	physmem.Write(ctx.Mem, mapBase, entries)

	h := Handoff{
		Magic:    HandoffMagic,
		Version:  HandoffVersion,
		MapBase:  mapBase,
		MapCount: uint64(ctx.Map.Len()),
		Root:     uint64(ctx.Root),
		Entry:    entry,
		HHDMBase: ctx.Config.HHDMBase,
		MemSize:  ctx.Map.MemSize(),
	}
	info := ctx.Info
	if m, ok := info.Module(ctx.Config.InitramfsModule); ok {
		h.InitramfsBase = m.Start
		h.InitramfsSize = m.End - m.Start
	} else {
		log.WithField("module", ctx.Config.InitramfsModule).Warn("boot: no initramfs")
	}
	if info.RSDPRevision != 0 {
		h.RSDP = info.RSDP
		h.RSDPRevision = uint32(info.RSDPRevision)
	}
	if fb := info.Framebuffer; fb != nil {
		h.FramebufferAddr = fb.Addr
		h.FramebufferPitch = fb.Pitch
		h.FramebufferWidth = fb.Width
		h.FramebufferHeight = fb.Height
		h.FramebufferBPP = uint32(fb.BPP)
	}
	blob, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}
	physmem.Write(ctx.Mem, addr, blob)
	return &Result{Entry: entry, Root: ctx.Root, HandoffAddr: addr, Handoff: h}, nil
}

// pageAlign widens img to page boundaries.
func pageAlign(img memmap.Image) memmap.Image {
	base := img.Base &^ (pageSize - 1)
	img.Size = roundUp(img.Base+img.Size) - base
	img.Base = base
	return img
}

func roundUp(v uint64) uint64 {
	return (v + pageSize - 1) &^ (pageSize - 1)
}

func hexAddr(v uint64) string {
	return fmt.Sprintf("%#x", v)
}
