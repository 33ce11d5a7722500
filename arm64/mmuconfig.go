// ARMv8-A stage-1 translation table generation
// https://github.com/usbarmory/pgtt
//
// Copyright (c) The pgtt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arm64

import (
	"fmt"
	"math/bits"
	"strconv"

	"github.com/usbarmory/pgtt/internal/bitfield"
)

// Granule is the translation granule size: the size of one translation
// table, and the smallest page size the regime can map.
type Granule uint64

const (
	Granule4K  Granule = 4 * 1024
	Granule16K Granule = 16 * 1024
	Granule64K Granule = 64 * 1024
)

func (g Granule) String() string {
	switch g {
	case Granule4K:
		return "4K"
	case Granule16K:
		return "16K"
	case Granule64K:
		return "64K"
	default:
		return fmt.Sprintf("Granule(%d)", uint64(g))
	}
}

// tg0 is the TCR_ELn.TG0 encoding for each granule.
var tg0 = map[Granule]uint64{
	Granule4K:  0,
	Granule16K: 2,
	Granule64K: 1,
}

// psField is the TCR_ELn.PS/IPS encoding for each supported VA width
// (TSZ), since this tool only targets configurations where the physical
// address size matches the virtual address size requested.
var psField = map[int]uint64{
	32: 0,
	36: 1,
	40: 2,
	48: 5,
}

// DescriptorMode selects how a descriptor's PXN/XN bits (53, 54) are
// derived from a Region's MemAttr. The original source's Open Question: the
// arm64-pgtable-tool source this algorithm is distilled from ties PXN
// and XN to mem_attr.ns instead of mem_attr.xn, which looks like a bug.
type DescriptorMode int

const (
	// DescriptorModeArchitectural derives PXN and XN from MemAttr.XN,
	// matching the architecture's intent: execute-never is controlled
	// by the "!x" attribute token, not by secure-state.
	DescriptorModeArchitectural DescriptorMode = iota
	// DescriptorModeFaithful reproduces the original tool's behaviour:
	// PXN and XN both come from MemAttr.NS.
	DescriptorModeFaithful
)

// MMUConfig holds the granule-dependent geometry and control-register
// values derived from a requested exception level, granule, and VA
// width. It is immutable for the life of one generation.
type MMUConfig struct {
	EL        int
	Granule   Granule
	TSZ       int
	LargePage bool
	Mode      DescriptorMode

	EntriesPerTable int
	BlockOffsetBits int
	TableIdxBits    int
	TableIdxMask    uint64
	StartLevel      int

	MAIR   uint64
	TCR    uint64
	SCTLR  uint64
}

// NewMMUConfig derives an MMUConfig from the parameters found in one
// "pagetables" document entry. el must be 1, 2, or 3; granule must be
// one of Granule4K/16K/64K; tsz must be one of 32/36/40/48.
func NewMMUConfig(el int, granule Granule, tsz int, largePage bool, mode DescriptorMode) (*MMUConfig, error) {
	if el != 1 && el != 2 && el != 3 {
		return nil, fmt.Errorf("invalid exception level %d", el)
	}
	if _, ok := tg0[granule]; !ok {
		return nil, fmt.Errorf("invalid granule %v", granule)
	}
	if _, ok := psField[tsz]; !ok {
		return nil, fmt.Errorf("invalid table_region_size (TSZ) %d", tsz)
	}

	c := &MMUConfig{
		EL:        el,
		Granule:   granule,
		TSZ:       tsz,
		LargePage: largePage,
		Mode:      mode,
	}

	c.EntriesPerTable = int(granule) / 8
	c.BlockOffsetBits = bits.Len64(uint64(granule)) - 1
	c.TableIdxBits = bits.Len64(uint64(c.EntriesPerTable)) - 1
	c.TableIdxMask = uint64(1)<<c.TableIdxBits - 1

	c.StartLevel = 3 - (tsz-c.BlockOffsetBits)/c.TableIdxBits
	if (tsz-c.BlockOffsetBits)%c.TableIdxBits == 0 {
		c.StartLevel++
	}

	c.MAIR = c.mair()
	c.TCR = c.tcr()
	c.SCTLR = c.sctlr()

	return c, nil
}

func (c *MMUConfig) mair() uint64 {
	reg := bitfield.NewRegister("mair_el" + strconv.Itoa(c.EL))
	for t := DeviceNGNRNE; t <= Normal; t++ {
		reg.Field(int(t)*8+7, int(t)*8, t.String(), mairEncoding[t])
	}
	return reg.Value()
}

func (c *MMUConfig) tcr() uint64 {
	reg := bitfield.NewRegister("tcr_el" + strconv.Itoa(c.EL))

	reg.Field(5, 0, "t0sz", uint64(64-c.TSZ))
	reg.Field(9, 8, "irgn0", 1)  // Normal WB RAWA
	reg.Field(11, 10, "orgn0", 1) // Normal WB RAWA
	reg.Field(13, 12, "sh0", 3)   // Inner Shareable
	reg.Field(15, 14, "tg0", tg0[c.Granule])
	reg.Res1(23)

	ps := psField[c.TSZ]
	if c.EL == 1 {
		reg.Field(34, 32, "ps", ps)
	} else {
		reg.Field(18, 16, "ps", ps)
		reg.Res1(31)
	}

	return reg.Value()
}

func (c *MMUConfig) sctlr() uint64 {
	reg := bitfield.NewRegister("sctlr_el" + strconv.Itoa(c.EL))
	reg.Field(0, 0, "m", 1) // MMU enabled
	reg.Field(2, 2, "c", 1) // D-side cacheability controlled by page tables
	reg.Field(12, 12, "i", 1) // I-side cacheability controlled by page tables
	return reg.Value()
}

// Chunk returns the VA span covered by one entry of a table at level.
func (c *MMUConfig) Chunk(level int) uint64 {
	return uint64(c.Granule) << ((3 - level) * c.TableIdxBits)
}

// CanSplit reports whether a block entry at level may instead be
// replaced by a child table of finer entries: 4K
// granule allows splitting at levels 1 and 2; 16K/64K only at level 2;
// level 3 is always a page and never splits further; large-page mode
// disables splitting everywhere.
func (c *MMUConfig) CanSplit(level int) bool {
	if c.LargePage || level >= 3 {
		return false
	}
	minSplitLevel := 2
	if c.Granule == Granule4K {
		minSplitLevel = 1
	}
	return level >= minSplitLevel
}

// Descriptor assembles the 64-bit descriptor template for a region's
// (type, attrs, block-vs-page). The output-address bits are supplied by
// the placement algorithm in table.go, not by this template: template
// bits and the output-address field are disjoint by construction of
// granule-aligned addresses, so OR-ing them together (or adding them) is
// equivalent.
func (c *MMUConfig) Descriptor(memType MemType, attr MemAttr, isPage bool) uint64 {
	reg := bitfield.NewRegister("pte")
	reg.Field(0, 0, "valid", 1)
	if isPage {
		reg.Field(1, 1, "table_or_page", 1)
	}
	reg.Field(4, 2, "attrindx", uint64(memType))
	reg.Field(5, 5, "ns", attr.NS)
	reg.Field(7, 6, "ap", attr.AP)
	reg.Field(9, 8, "sh", 3) // Inner Shareable, ignored by Device memory
	reg.Field(10, 10, "af", 1) // Access Flag faults disabled

	xn := attr.XN
	if c.Mode == DescriptorModeFaithful {
		xn = attr.NS
	}
	reg.Field(53, 53, "pxn", xn)
	reg.Field(54, 54, "xn", xn)

	return reg.Value()
}
