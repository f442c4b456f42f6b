// SPDX-License-Identifier: Unlicense OR MIT

package main

import (
	"math"

	"eliasnaur.com/bootmem/memmap"
	"github.com/fogleman/gg"
)

const (
	rowHeight = 18
	barWidth  = 320
	textWidth = 560
)

var classColors = map[memmap.Class][3]float64{
	memmap.Available:          {0.30, 0.69, 0.31},
	memmap.AcpiReclaimable:    {0.13, 0.59, 0.95},
	memmap.Nvs:                {0.40, 0.23, 0.72},
	memmap.Reserved:           {0.62, 0.62, 0.62},
	memmap.Bad:                {0.96, 0.26, 0.21},
	memmap.Bootstrap:          {1.00, 0.60, 0.00},
	memmap.BootstrapAllocated: {1.00, 0.92, 0.23},
}

// renderMap draws one row per region, with a bar whose length grows
// with the logarithm of the region size.
func renderMap(path string, m *memmap.Map) error {
	regions := m.Regions()
	w := barWidth + textWidth
	h := (len(regions) + 1) * rowHeight
	dc := gg.NewContext(w, h)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	maxLog := 1.0
	for _, r := range regions {
		maxLog = math.Max(maxLog, math.Log2(float64(r.Length)))
	}
	for i, r := range regions {
		y := float64((i + 1) * rowHeight)
		c := classColors[r.Class]
		dc.SetRGB(c[0], c[1], c[2])
		bar := math.Max(12, barWidth*math.Log2(float64(r.Length))/maxLog)
		dc.DrawRectangle(4, y-rowHeight+3, bar-8, rowHeight-4)
		dc.Fill()
		dc.SetRGB(0, 0, 0)
		dc.DrawString(r.String(), barWidth, y-4)
	}
	return dc.SavePNG(path)
}
