// SPDX-License-Identifier: Unlicense OR MIT

// Package cpu describes the processor capabilities the pager depends
// on, and provides an emulated processor for running the boot
// sequence on a host.
package cpu

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

const (
	MSR_IA32_EFER = 0xc0000080
	MSR_IA32_PAT  = 0x277

	EFER_NXE = 1 << 11 // Enable no-execute page bit.
)

// Memory types programmable into a PAT slot.
const (
	memUC      = 0x00
	memWC      = 0x01
	memWT      = 0x04
	memWP      = 0x05
	memWB      = 0x06
	memUCMinus = 0x07
)

// PATValue is the page attribute table programmed at boot. Slots 0-5
// hold write-back, uncacheable, uncached-minus, write-combining,
// write-through and write-protect.
const PATValue = memWB<<0 | memUC<<8 | memUCMinus<<16 | memWC<<24 | memWT<<32 | memWP<<40

type cpuError string

const ErrNoLongMode cpuError = "cpu: long mode not supported"

// Features lists the processor capabilities relevant to paging.
type Features struct {
	LongMode    bool
	HugePages1G bool
	NoExecute   bool
	PAT         bool
}

func (e cpuError) Error() string {
	return string(e)
}

// Decode extracts Features from CPUID results: maxExt is EAX of leaf
// 0x80000000, stdEDX is EDX of leaf 1 and extEDX is EDX of leaf
// 0x80000001.
func Decode(maxExt, stdEDX, extEDX uint32) Features {
	f := Features{
		PAT: stdEDX&(1<<16) != 0,
	}
	if maxExt < 0x80000001 {
		return f
	}
	f.NoExecute = extEDX&(1<<20) != 0
	f.HugePages1G = extEDX&(1<<26) != 0
	f.LongMode = extEDX&(1<<29) != 0
	return f
}

// ParseCPUInfo reads the features of the first processor listed in
// /proc/cpuinfo format.
func ParseCPUInfo(r io.Reader) (Features, error) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		key, val, ok := strings.Cut(s.Text(), ":")
		if !ok || strings.TrimSpace(key) != "flags" {
			continue
		}
		return ParseFlags(strings.Fields(val)), nil
	}
	if err := s.Err(); err != nil {
		return Features{}, errors.Wrap(err, "cpu: reading cpuinfo")
	}
	return Features{}, errors.New("cpu: no flags line in cpuinfo")
}

// ParseFlags maps Linux cpuinfo flag names to Features.
func ParseFlags(flags []string) Features {
	var f Features
	for _, flag := range flags {
		switch flag {
		case "lm":
			f.LongMode = true
		case "pdpe1gb":
			f.HugePages1G = true
		case "nx":
			f.NoExecute = true
		case "pat":
			f.PAT = true
		}
	}
	return f
}

// Check rejects processors the kernel cannot run on.
func Check(f Features) error {
	if !f.LongMode {
		return ErrNoLongMode
	}
	return nil
}
