// ARMv8-A stage-1 translation table generation
// https://github.com/usbarmory/pgtt
//
// Copyright (c) The pgtt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arm64

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMMUConfigGeometry4K32(t *testing.T) {
	c, err := NewMMUConfig(1, Granule4K, 32, false, DescriptorModeArchitectural)
	require.NoError(t, err)

	require.Equal(t, 512, c.EntriesPerTable)
	require.Equal(t, 12, c.BlockOffsetBits)
	require.Equal(t, 9, c.TableIdxBits)
	require.Equal(t, 1, c.StartLevel)
	require.Equal(t, uint64(0x40000000), c.Chunk(1))
	require.Equal(t, uint64(0x200000), c.Chunk(2))
	require.Equal(t, uint64(0x1000), c.Chunk(3))
}

func TestMMUConfigStartLevelExactFit(t *testing.T) {
	// TSZ=36 with 4K granule: (36-12)=24, 24/9=2 remainder 6, so
	// start_level = 3-2 = 1, no +1 correction (not an exact multiple).
	c, err := NewMMUConfig(1, Granule4K, 36, false, DescriptorModeArchitectural)
	require.NoError(t, err)
	require.Equal(t, 1, c.StartLevel)

	// TSZ=48 with 4K granule: (48-12)=36, exactly 4*table_idx_bits, so
	// the "first table exactly fits" correction applies:
	// start_level = 3-4+1 = 0.
	c2, err := NewMMUConfig(1, Granule4K, 48, false, DescriptorModeArchitectural)
	require.NoError(t, err)
	require.Equal(t, 0, c2.StartLevel)
}

func TestMMUConfigRegisters(t *testing.T) {
	c, err := NewMMUConfig(1, Granule4K, 32, false, DescriptorModeArchitectural)
	require.NoError(t, err)

	// T0SZ = 64-32 = 32 in bits [5:0].
	require.Equal(t, uint64(32), c.TCR&0x3f)
	// TG0 = 0 for 4K.
	require.Equal(t, uint64(0), (c.TCR>>14)&0x3)
	// bit 23 RES1.
	require.Equal(t, uint64(1), (c.TCR>>23)&1)
	// PS at [34:32] for EL1, TSZ=32 -> 0.
	require.Equal(t, uint64(0), (c.TCR>>32)&0x7)

	require.Equal(t, uint64(1), c.SCTLR&1)
	require.Equal(t, uint64(1), (c.SCTLR>>2)&1)
	require.Equal(t, uint64(1), (c.SCTLR>>12)&1)

	require.Equal(t, uint64(0x00), (c.MAIR>>(0*8))&0xff)
	require.Equal(t, uint64(0x04), (c.MAIR>>(1*8))&0xff)
	require.Equal(t, uint64(0x0c), (c.MAIR>>(2*8))&0xff)
	require.Equal(t, uint64(0x44), (c.MAIR>>(3*8))&0xff)
	require.Equal(t, uint64(0xbb), (c.MAIR>>(4*8))&0xff)
	require.Equal(t, uint64(0xff), (c.MAIR>>(5*8))&0xff)
}

func TestMMUConfigEL2PS(t *testing.T) {
	c, err := NewMMUConfig(2, Granule4K, 40, false, DescriptorModeArchitectural)
	require.NoError(t, err)

	require.Equal(t, uint64(1), (c.TCR>>31)&1) // RES1 at non-EL1
	require.Equal(t, uint64(2), (c.TCR>>16)&0x7)
}

func TestMMUConfigCanSplit(t *testing.T) {
	c4k, err := NewMMUConfig(1, Granule4K, 32, false, DescriptorModeArchitectural)
	require.NoError(t, err)
	require.True(t, c4k.CanSplit(1))
	require.True(t, c4k.CanSplit(2))
	require.False(t, c4k.CanSplit(3))
	require.False(t, c4k.CanSplit(0))

	c16k, err := NewMMUConfig(1, Granule16K, 32, false, DescriptorModeArchitectural)
	require.NoError(t, err)
	require.False(t, c16k.CanSplit(1))
	require.True(t, c16k.CanSplit(2))

	large, err := NewMMUConfig(1, Granule4K, 32, true, DescriptorModeArchitectural)
	require.NoError(t, err)
	require.False(t, large.CanSplit(1))
	require.False(t, large.CanSplit(2))
}

// TestDescriptorAttributeMapping checks that the attr string
// "!w!x!s" on a Normal region must yield AP=0b11, XN=1, NS=1.
func TestDescriptorAttributeMapping(t *testing.T) {
	c, err := NewMMUConfig(1, Granule4K, 32, false, DescriptorModeArchitectural)
	require.NoError(t, err)

	attr := MemAttr{AP: 0b11, XN: 1, NS: 1}
	d := c.Descriptor(Normal, attr, false)

	require.Equal(t, uint64(1), d&1)               // valid
	require.Equal(t, uint64(0), (d>>1)&1)           // block, not page
	require.Equal(t, uint64(Normal), (d>>2)&0x7)    // attrindx
	require.Equal(t, uint64(1), (d>>5)&1)           // ns
	require.Equal(t, uint64(0b11), (d>>6)&0x3)      // ap
	require.Equal(t, uint64(1), (d>>10)&1)          // af
	require.Equal(t, uint64(1), (d>>53)&1)          // pxn from xn
	require.Equal(t, uint64(1), (d>>54)&1)          // xn
}

func TestDescriptorFaithfulMode(t *testing.T) {
	c, err := NewMMUConfig(1, Granule4K, 32, false, DescriptorModeFaithful)
	require.NoError(t, err)

	attr := MemAttr{AP: 0b11, XN: 1, NS: 0}
	d := c.Descriptor(Normal, attr, false)

	// Faithful mode ties PXN/XN to NS, not XN: NS=0 here so both clear
	// even though XN=1 was requested.
	require.Equal(t, uint64(0), (d>>53)&1)
	require.Equal(t, uint64(0), (d>>54)&1)
}

func TestDescriptorIsPageBit(t *testing.T) {
	c, err := NewMMUConfig(1, Granule4K, 32, false, DescriptorModeArchitectural)
	require.NoError(t, err)

	block := c.Descriptor(Normal, MemAttr{AP: 0b11}, false)
	page := c.Descriptor(Normal, MemAttr{AP: 0b11}, true)
	require.Equal(t, uint64(0), (block>>1)&1)
	require.Equal(t, uint64(1), (page>>1)&1)
}
