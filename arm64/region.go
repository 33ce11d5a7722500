// ARMv8-A stage-1 translation table generation
// https://github.com/usbarmory/pgtt
//
// Copyright (c) The pgtt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arm64

import "fmt"

// MemType selects one of the six AArch64 memory types, each indexing a
// slot in MAIR_ELn.
type MemType int

const (
	DeviceNGNRNE MemType = iota
	DeviceNGNRE
	DeviceGRE
	NormalNC
	NormalWT
	Normal
)

// mairEncoding is the MAIR_ELn attribute byte for each MemType, indexed
// by its ordinal.
var mairEncoding = [...]uint64{
	DeviceNGNRNE: 0x00,
	DeviceNGNRE:  0x04,
	DeviceGRE:    0x0c,
	NormalNC:     0x44,
	NormalWT:     0xbb,
	Normal:       0xff,
}

func (t MemType) String() string {
	switch t {
	case DeviceNGNRNE:
		return "DEVICE_nGnRnE"
	case DeviceNGNRE:
		return "DEVICE_nGnRE"
	case DeviceGRE:
		return "DEVICE_GRE"
	case NormalNC:
		return "NORMAL_NC"
	case NormalWT:
		return "NORMAL_WT"
	case Normal:
		return "NORMAL"
	default:
		return fmt.Sprintf("MemType(%d)", int(t))
	}
}

// ParseMemType maps a memory-map document's type token to a MemType.
func ParseMemType(s string) (MemType, error) {
	for t := DeviceNGNRNE; t <= Normal; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown memory type %q", s)
}

// MemAttr carries the access-permission, execute-never, and
// non-secure bits parsed from a memory-map attribute string.
type MemAttr struct {
	// AP is the 2-bit access permission field (bits 7:6 of the
	// descriptor, AP[2:1]). 0b01 is read/write at both EL0 and the
	// higher exception level; 0b11 is read-only at both.
	AP uint64
	// XN is execute-never, parsed from the "!x" attribute token.
	XN uint64
	// NS is non-secure, parsed from the "!s" attribute token.
	NS uint64
}

// Region is a single requested virtual-to-physical mapping, as
// described by one entry of a memory-map document's "maps" array.
//
// Region is immutable by convention: Table.Map never mutates a Region it
// is given, it threads a locally modified copy through its recursion
// instead (see table.go).
type Region struct {
	// Label names the region for diagnostics and assembly comments
	// (e.g. "UART", "DRAM").
	Label string
	VA    uint64
	PA    uint64
	Size  uint64
	// MemType selects the MAIR slot used by this region's descriptors.
	MemType MemType
	MemAttr MemAttr
	// IsPage is true when this region is realised as a level-3 page
	// entry rather than a coarser block. It starts true and is
	// overwritten by the table builder to reflect the level the
	// region was actually placed at.
	IsPage bool
	// NumContig is a placement property, not a region identity
	// property: see Placement in table.go. It is preserved on Region
	// only because the original algorithm threads it through region
	// copies during recursion; callers should not rely on a Region's
	// own NumContig once it has been placed — read it from the
	// Placement instead.
	NumContig int
}

// with returns a copy of r with the given va/pa/size, as used by
// Table.Map when it dispatches underflow, overflow, or floating
// sub-regions to a child table. The original Region is left untouched.
func (r Region) with(va, pa, size uint64) Region {
	r.VA, r.PA, r.Size = va, pa, size
	return r
}

func (r Region) String() string {
	return fmt.Sprintf("Region{%s va=%#x pa=%#x size=%#x type=%s}", r.Label, r.VA, r.PA, r.Size, r.MemType)
}
