// SPDX-License-Identifier: Unlicense OR MIT

package main

import (
	"debug/elf"
	"os"

	"eliasnaur.com/bootmem/boot"
	"eliasnaur.com/bootmem/elfload"
	"eliasnaur.com/bootmem/memmap"
	"eliasnaur.com/bootmem/multiboot"
	"eliasnaur.com/bootmem/physmem"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// Addresses where the synthesized machine's boot loader places
	// the bootstrapper and the first module.
	loadBase   = 0x100000
	moduleBase = 0x200000

	kernelBase = 0xFFFFFFFF80000000
)

// Vendor memory types of the synthesized map.
const (
	typeAvailable = 1
	typeReserved  = 2
	typeACPI      = 3
	typeNVS       = 4
)

// stage fills mem the way a boot loader leaves it before jumping to
// the bootstrapper.
func stage(mem *physmem.Sparse) error {
	kernel, err := readInput(*kernelFile)
	if err != nil {
		return err
	}
	if kernel == nil {
		kernel = syntheticKernel()
	}
	initramfs, err := readInput(*initramfsFile)
	if err != nil {
		return err
	}
	cfg := boot.DefaultConfig()
	if *infoFile == "" {
		if *memMiB < 16 {
			return errors.Errorf("bootsim: -mem %d: at least 16 MiB required", *memMiB)
		}
		info := syntheticInfo(*memMiB<<20, cfg, kernel, initramfs)
		physmem.Write(mem, moduleBase, kernel)
		if initramfs != nil {
			physmem.Write(mem, roundUp(moduleBase+uint64(len(kernel))), initramfs)
		}
		physmem.Write(mem, *infoAddr, info)
		return nil
	}

	blob, err := readInput(*infoFile)
	if err != nil {
		return err
	}
	info, err := multiboot.Parse(blob, *infoAddr)
	if err != nil {
		return err
	}
	physmem.Write(mem, *infoAddr, blob)
	// Place the module contents where the boot information says the
	// boot loader loaded them.
	for name, data := range map[string][]byte{cfg.KernelModule: kernel, cfg.InitramfsModule: initramfs} {
		m, ok := info.Module(name)
		if !ok || data == nil {
			continue
		}
		if uint64(len(data)) > m.End-m.Start {
			return errors.Errorf("bootsim: %s is %d bytes, module %q spans %d", name, len(data), m.Cmdline, m.End-m.Start)
		}
		physmem.Write(mem, m.Start, data)
	}
	return nil
}

// syntheticInfo describes a PC with size bytes of memory.
func syntheticInfo(size uint64, cfg boot.Config, kernel, initramfs []byte) []byte {
	const hole = 0xC0000000
	low := size
	if low > hole {
		low = hole
	}
	regions := []memmap.RawRegion{
		{Base: 0x0, Length: 0x9FC00, Type: typeAvailable},
		{Base: 0x9FC00, Length: 0x400, Type: typeReserved},
		{Base: 0xE0000, Length: 0x20000, Type: typeReserved},
		{Base: 0x100000, Length: low - 0x100000 - 0x20000, Type: typeAvailable},
		{Base: low - 0x20000, Length: 0x10000, Type: typeACPI},
		{Base: low - 0x10000, Length: 0x10000, Type: typeNVS},
		{Base: 0xFFFC0000, Length: 0x40000, Type: typeReserved},
	}
	if size > low {
		regions = append(regions, memmap.RawRegion{Base: 1 << 32, Length: size - low, Type: typeAvailable})
	}
	kernelEnd := moduleBase + uint64(len(kernel))
	b := new(multiboot.Builder).
		BootLoaderName("bootsim").
		LoadBase(loadBase).
		Module(moduleBase, uint32(kernelEnd), cfg.KernelModule)
	if initramfs != nil {
		start := roundUp(kernelEnd)
		b.Module(uint32(start), uint32(start+uint64(len(initramfs))), cfg.InitramfsModule)
	}
	b.BasicMeminfo(0x9FC00>>10, uint32((low-0x100000)>>10)).
		MemoryMap(regions).
		RSDP([]byte("RSD PTR \x00BOCHS \x00\x00\x00\x00\x00"), 0)
	log.WithField("regions", len(regions)).Debug("bootsim: synthesized memory map")
	return b.Bytes()
}

// syntheticKernel returns a kernel with text, read-only data and
// data followed by bss.
func syntheticKernel() []byte {
	text := make([]byte, 0x5000)
	for i := range text {
		text[i] = 0x90
	}
	// 1: hlt; jmp 1b
	copy(text, []byte{0xf4, 0xeb, 0xfd})
	return elfload.Build(kernelBase, []elfload.Segment{
		{Vaddr: kernelBase, Data: text, Memsz: uint64(len(text)), Flags: elf.PF_R | elf.PF_X},
		{Vaddr: kernelBase + 0x6000, Data: []byte("bootsim kernel\x00"), Memsz: 0x1000, Flags: elf.PF_R},
		{Vaddr: kernelBase + 0x7000, Data: make([]byte, 0x800), Memsz: 0x10000, Flags: elf.PF_R | elf.PF_W},
	})
}

// readInput maps path read-only and returns its contents, or nil if
// path is empty.
func readInput(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() == 0 {
		return []byte{}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "bootsim: mapping %s", path)
	}
	return data, nil
}

func roundUp(v uint64) uint64 {
	return (v + physmem.PageSize - 1) &^ (physmem.PageSize - 1)
}
