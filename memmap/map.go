// SPDX-License-Identifier: Unlicense OR MIT

package memmap

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// MaxRegions is the capacity of the canonical map.
const MaxRegions = 512

// EntrySize is the size of a marshaled map entry.
const EntrySize = 24

// Map is the canonical memory map. Regions are sorted by base,
// pairwise disjoint, and touching regions never share a class.
//
// A Map is owned by the boot sequence; it is not safe for concurrent
// use.
type Map struct {
	regions []Region
}

// Normalize builds the canonical map from the boot loader's regions,
// reserving the memory covered by the boot images. Entries with an
// unknown type code are logged and dropped.
func Normalize(raw []RawRegion, reserved []Image) (*Map, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyMap
	}
	regions := make([]Region, 0, len(raw))
	for _, e := range raw {
		class, err := classify(e.Type)
		if err != nil {
			log.WithFields(log.Fields{"base": hex(e.Base), "length": hex(e.Length), "type": e.Type}).Warn(err)
			continue
		}
		if e.Base+e.Length < e.Base {
			e.Length = ^uint64(0) - e.Base
		}
		regions = append(regions, Region{Base: e.Base, Length: e.Length, Class: class})
	}
	return Canonicalize(regions, reserved)
}

// Canonicalize runs the normalization passes over already classified
// regions. Canonicalize(m.Regions(), images) reproduces m for any map
// m built from the same images.
func Canonicalize(regions []Region, reserved []Image) (*Map, error) {
	if len(regions) == 0 {
		return nil, ErrEmptyMap
	}
	if len(regions) > MaxRegions {
		return nil, ErrOverflow
	}
	sorted := make([]Region, 0, len(regions)+len(reserved))
	var err error
	for _, r := range regions {
		if !r.Class.valid() {
			log.WithFields(log.Fields{"base": hex(r.Base), "class": r.Class}).Warn(ErrUnknownRegionType)
			continue
		}
		if sorted, err = insertSorted(sorted, 0, r); err != nil {
			return nil, err
		}
	}
	if len(sorted) == 0 {
		return nil, ErrEmptyMap
	}
	if sorted, err = resolve(sorted); err != nil {
		return nil, err
	}
	if sorted, err = reserve(sorted, reserved); err != nil {
		return nil, err
	}
	return &Map{regions: compact(sorted)}, nil
}

// insertSorted inserts r after every region at or after index from
// whose base is not greater than r's, keeping equal bases in insertion
// order. Zero length regions are dropped.
func insertSorted(rs []Region, from int, r Region) ([]Region, error) {
	if r.Length == 0 {
		return rs, nil
	}
	if len(rs) >= MaxRegions {
		return nil, ErrOverflow
	}
	i := slices.IndexFunc(rs[from:], func(o Region) bool {
		return o.Base > r.Base
	})
	if i == -1 {
		i = len(rs)
	} else {
		i += from
	}
	return slices.Insert(rs, i, r), nil
}

// resolve removes overlaps from the sorted regions in a single sweep
// over each region and its successor. Regions of the same class merge;
// otherwise the higher precedence class keeps the overlapped span.
func resolve(rs []Region) ([]Region, error) {
	var err error
	for i := 0; i+1 < len(rs); {
		cur, next := rs[i], rs[i+1]
		if next.Base >= cur.End() {
			i++
			continue
		}
		switch {
		case cur.Class == next.Class:
			if next.End() > cur.End() {
				rs[i].Length = next.End() - cur.Base
			}
			rs = slices.Delete(rs, i+1, i+2)
		case cur.Class.Outranks(next.Class):
			rs = slices.Delete(rs, i+1, i+2)
			if next.End() > cur.End() {
				// Trimmed successor may now sort after later regions.
				rest := Region{Base: cur.End(), Length: next.End() - cur.End(), Class: next.Class}
				if rs, err = insertSorted(rs, i+1, rest); err != nil {
					return nil, err
				}
			}
		default:
			if cur.End() > next.End() {
				tail := Region{Base: next.End(), Length: cur.End() - next.End(), Class: cur.Class}
				if rs, err = insertSorted(rs, i+2, tail); err != nil {
					return nil, err
				}
			}
			rs[i].Length = next.Base - cur.Base
			if rs[i].Length == 0 {
				rs = slices.Delete(rs, i, i+1)
			}
		}
	}
	return rs, nil
}

// reserve carves the boot images out of the map. Image spans are
// classified Bootstrap, splitting the regions they intersect.
func reserve(rs []Region, images []Image) ([]Region, error) {
	var err error
	for _, img := range images {
		if img.Size == 0 {
			continue
		}
		log.WithFields(log.Fields{"name": img.Name, "base": hex(img.Base), "size": hex(img.Size)}).Debug("reserving boot image")
		r := Region{Base: img.Base, Length: img.Size, Class: Bootstrap}
		if rs, err = insertSorted(rs, 0, r); err != nil {
			return nil, err
		}
	}
	return resolve(rs)
}

// compact drops empty regions and merges touching regions of the same
// class.
func compact(rs []Region) []Region {
	out := rs[:0]
	for _, r := range rs {
		if r.Length == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Class == r.Class && out[n-1].End() == r.Base {
			out[n-1].Length += r.Length
			continue
		}
		out = append(out, r)
	}
	return out
}

// Len returns the number of regions.
func (m *Map) Len() int {
	return len(m.regions)
}

// At returns region i.
func (m *Map) At(i int) Region {
	return m.regions[i]
}

// Regions returns a copy of the regions.
func (m *Map) Regions() []Region {
	return slices.Clone(m.regions)
}

// MemSize returns the first address past the highest region.
func (m *Map) MemSize() uint64 {
	if len(m.regions) == 0 {
		return 0
	}
	return m.regions[len(m.regions)-1].End()
}

// Total returns the number of bytes classified as c.
func (m *Map) Total(c Class) uint64 {
	var n uint64
	for _, r := range m.regions {
		if r.Class == c {
			n += r.Length
		}
	}
	return n
}

// Find returns the index of the region containing addr.
func (m *Map) Find(addr uint64) (int, bool) {
	i, found := slices.BinarySearchFunc(m.regions, addr, func(r Region, addr uint64) int {
		switch {
		case r.End() <= addr:
			return -1
		case r.Base > addr:
			return 1
		}
		return 0
	})
	return i, found
}

// Split reclassifies the leading n bytes of region i as class. The
// remainder keeps the original class and is inserted after it,
// shifting the following regions. Touching regions of equal class are
// merged afterwards. Split returns the index of the remainder, or -1 if
// the whole region was reclassified.
func (m *Map) Split(i int, n uint64, class Class) (int, error) {
	if i < 0 || i >= len(m.regions) {
		return -1, ErrIndex
	}
	r := m.regions[i]
	if n == 0 {
		return i, nil
	}
	rem := -1
	if n >= r.Length {
		m.regions[i].Class = class
	} else {
		if len(m.regions) >= MaxRegions {
			return -1, ErrOverflow
		}
		m.regions[i] = Region{Base: r.Base, Length: n, Class: class}
		m.regions = slices.Insert(m.regions, i+1, Region{Base: r.Base + n, Length: r.Length - n, Class: r.Class})
		rem = i + 1
	}
	// Merge with the successor first so that i stays valid.
	if rem == -1 {
		m.mergeNext(i)
	}
	if i > 0 && m.mergeNext(i-1) && rem != -1 {
		rem--
	}
	return rem, nil
}

// mergeNext merges region i+1 into i if they touch and share a class.
func (m *Map) mergeNext(i int) bool {
	if i+1 >= len(m.regions) {
		return false
	}
	a, b := m.regions[i], m.regions[i+1]
	if a.Class != b.Class || a.End() != b.Base {
		return false
	}
	m.regions[i].Length += b.Length
	m.regions = slices.Delete(m.regions, i+1, i+2)
	return true
}

// MarshalBinary encodes the map in the hand-off layout: for each
// region its base and length as 64-bit and its class as 32-bit little
// endian integers, padded to EntrySize bytes.
func (m *Map) MarshalBinary() ([]byte, error) {
	buf := make([]byte, len(m.regions)*EntrySize)
	bo := binary.LittleEndian
	for i, r := range m.regions {
		e := buf[i*EntrySize:]
		bo.PutUint64(e, r.Base)
		bo.PutUint64(e[8:], r.Length)
		bo.PutUint32(e[16:], uint32(r.Class))
	}
	return buf, nil
}

// Log prints the map, one region per line.
func (m *Map) Log(msg string) {
	log.WithFields(log.Fields{"entries": len(m.regions)}).Info(msg)
	for i, r := range m.regions {
		log.Infof("\t%3d : %s", i, r)
	}
}
