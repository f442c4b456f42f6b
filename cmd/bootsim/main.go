// SPDX-License-Identifier: Unlicense OR MIT

// Command bootsim runs the bootstrapper's memory setup on the host
// against emulated physical memory and an emulated processor, and
// prints the resulting memory map, hand-off block and page tables.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"eliasnaur.com/bootmem/boot"
	"eliasnaur.com/bootmem/cpu"
	"eliasnaur.com/bootmem/memmap"
	"eliasnaur.com/bootmem/multiboot"
	"eliasnaur.com/bootmem/pager"
	"eliasnaur.com/bootmem/physmem"
	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"
)

var (
	infoFile      = flag.String("info", "", "Multiboot2 boot information `file`")
	infoAddr      = flag.Uint64("info-addr", 0x10000, "physical address of the boot information")
	kernelFile    = flag.String("kernel", "", "kernel ELF `file`; a small kernel is synthesized if empty")
	initramfsFile = flag.String("initramfs", "", "initial ramdisk `file`")
	memMiB        = flag.Uint64("mem", 512, "size in MiB of the synthesized machine, used without -info")
	cpuinfo       = flag.String("cpuinfo", "/proc/cpuinfo", "`file` listing the processor flags")
	features      = flag.String("features", "", "comma separated processor flags (lm,pdpe1gb,nx,pat), overriding -cpuinfo")
	verbose       = flag.Bool("v", false, "verbose logging")
	dump          = flag.Bool("dump", false, "print every page table leaf")
	pngFile       = flag.String("png", "", "render the memory map to a PNG `file`")
)

func main() {
	flag.Parse()
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	log.SetLevel(log.WarnLevel)
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	check(wrap(run()))
}

func run() error {
	f, err := cpuFeatures()
	if err != nil {
		return err
	}
	mem := physmem.NewSparse()
	if err := stage(mem); err != nil {
		return err
	}
	c := cpu.NewEmulated(f)
	ctx := boot.NewContext(boot.DefaultConfig(), mem, c)
	res, err := boot.Run(ctx, multiboot.Magic, *infoAddr)
	if err != nil {
		return err
	}
	leaves := ctx.Pager.Dump(res.Root)
	if err := pager.VerifyNoOverlap(leaves, ctx.Config.HHDMBase, ctx.Map.MemSize()); err != nil {
		return err
	}
	printMap(ctx.Map)
	printHandoff(res.HandoffAddr, &res.Handoff)
	if *dump {
		fmt.Println("page table:")
		for _, m := range leaves {
			fmt.Printf("\t%v\n", m)
		}
	}
	fmt.Printf("page table: %d leaves, %d frames touched, digest %016x\n", len(leaves), mem.Touched(), ctx.Pager.Digest(res.Root))
	if *pngFile != "" {
		if err := renderMap(*pngFile, ctx.Map); err != nil {
			return err
		}
	}
	return nil
}

func cpuFeatures() (cpu.Features, error) {
	if *features != "" {
		return cpu.ParseFlags(strings.Split(*features, ",")), nil
	}
	f, err := os.Open(*cpuinfo)
	if err != nil {
		return cpu.Features{}, err
	}
	defer f.Close()
	return cpu.ParseCPUInfo(f)
}

func printMap(m *memmap.Map) {
	fmt.Printf("memory map: %d entries, memory size %#x\n", m.Len(), m.MemSize())
	for i, r := range m.Regions() {
		fmt.Printf("\t%3d : %s\n", i, r)
	}
}

func printHandoff(addr uint64, h *boot.Handoff) {
	fmt.Printf("hand-off block at %#x (version %d):\n", addr, h.Version)
	fields := []struct {
		name string
		v    uint64
	}{
		{"map", h.MapBase},
		{"map entries", h.MapCount},
		{"page table root", h.Root},
		{"kernel entry", h.Entry},
		{"HHDM base", h.HHDMBase},
		{"memory size", h.MemSize},
		{"initramfs", h.InitramfsBase},
		{"initramfs size", h.InitramfsSize},
		{"RSDP", h.RSDP},
		{"framebuffer", h.FramebufferAddr},
	}
	for _, f := range fields {
		fmt.Printf("\t%-16s %#x\n", f.name, f.v)
	}
	if h.FramebufferAddr != 0 {
		fmt.Printf("\t%-16s %dx%dx%d pitch %d\n", "mode", h.FramebufferWidth, h.FramebufferHeight, h.FramebufferBPP, h.FramebufferPitch)
	}
}

func wrap(err error) *errors.Error {
	if err != nil {
		return errors.Wrap(err, 1)
	}
	return nil
}

func check(err *errors.Error) {
	if err != nil && err.Err != nil {
		log.WithFields(log.Fields{"error": err, "stack": err.ErrorStack()}).Fatal("boot failed")
	}
}
