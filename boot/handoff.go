// SPDX-License-Identifier: Unlicense OR MIT

package boot

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// HandoffMagic identifies a hand-off block ("BMEM").
	HandoffMagic   = 0x4d454d42
	HandoffVersion = 1
)

// Handoff is the block passed to the kernel. Its little-endian
// encoding is stable: fields are only ever appended, and Version is
// bumped when they are.
type Handoff struct {
	Magic   uint32
	Version uint32
	// MapBase is the physical address of MapCount canonical map
	// entries in the memmap.EntrySize layout.
	MapBase  uint64
	MapCount uint64
	Root     uint64
	Entry    uint64
	HHDMBase uint64
	MemSize  uint64

	InitramfsBase uint64
	InitramfsSize uint64
	RSDP          uint64
	RSDPRevision  uint32

	FramebufferBPP    uint32
	FramebufferAddr   uint64
	FramebufferPitch  uint32
	FramebufferWidth  uint32
	FramebufferHeight uint32
	_                 uint32
}

// HandoffSize is the encoded size of a Handoff.
var HandoffSize = binary.Size(Handoff{})

func (h *Handoff) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (h *Handoff) UnmarshalBinary(data []byte) error {
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, h); err != nil {
		return errors.Wrap(err, "boot: decoding hand-off block")
	}
	if h.Magic != HandoffMagic {
		return errors.Errorf("boot: bad hand-off magic %#x", h.Magic)
	}
	return nil
}
