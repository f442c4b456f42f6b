// SPDX-License-Identifier: Unlicense OR MIT

package memmap_test

import (
	"fmt"

	"eliasnaur.com/bootmem/memmap"
)

func ExampleNormalize() {
	raw := []memmap.RawRegion{
		{Base: 0x0, Length: 0x9FC00, Type: 1},
		{Base: 0x100000, Length: 0x7F00000, Type: 1},
		{Base: 0x9FC00, Length: 0x400, Type: 2},
	}
	m, err := memmap.Normalize(raw, []memmap.Image{{Base: 0x100000, Size: 0x20000, Name: "bootstrap"}})
	if err != nil {
		fmt.Println(err)
		return
	}
	for _, r := range m.Regions() {
		fmt.Println(r)
	}
	// Output:
	// 0x0000000000000000 -> 0x000000000009fc00 (0x000000000009fc00 bytes) | Available
	// 0x000000000009fc00 -> 0x00000000000a0000 (0x0000000000000400 bytes) | Reserved
	// 0x0000000000100000 -> 0x0000000000120000 (0x0000000000020000 bytes) | Bootstrap
	// 0x0000000000120000 -> 0x0000000008000000 (0x0000000007ee0000 bytes) | Available
}
