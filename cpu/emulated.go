// SPDX-License-Identifier: Unlicense OR MIT

package cpu

// Emulated is a host stand-in for the boot processor. It records MSR
// writes and TLB invalidations instead of performing them. The zero
// value is a processor without features.
type Emulated struct {
	Feat Features
	// CR3 is the active page table root.
	CR3 uint64
	// Invalidated lists the virtual addresses passed to
	// InvalidatePage, in order.
	Invalidated []uint64

	msrs map[uint32]uint64
}

func NewEmulated(f Features) *Emulated {
	return &Emulated{Feat: f, msrs: make(map[uint32]uint64)}
}

func (c *Emulated) Features() Features {
	return c.Feat
}

func (c *Emulated) ReadMSR(reg uint32) uint64 {
	return c.msrs[reg]
}

func (c *Emulated) WriteMSR(reg uint32, v uint64) {
	if c.msrs == nil {
		c.msrs = make(map[uint32]uint64)
	}
	c.msrs[reg] = v
}

func (c *Emulated) InvalidatePage(virt uint64) {
	c.Invalidated = append(c.Invalidated, virt)
}

func (c *Emulated) ActiveRoot() uint64 {
	return c.CR3
}
