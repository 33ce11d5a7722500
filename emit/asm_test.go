// https://github.com/usbarmory/pgtt
//
// Copyright (c) The pgtt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package emit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usbarmory/pgtt/arm64"
)

func genSingleBlock(t *testing.T) (*arm64.MMUConfig, *arm64.Allocator) {
	t.Helper()
	conf, err := arm64.NewMMUConfig(1, arm64.Granule4K, 32, true, arm64.DescriptorModeArchitectural)
	require.NoError(t, err)
	region := arm64.Region{Label: "DRAM", VA: 0x40000000, PA: 0x40000000, Size: 0x40000000, MemType: arm64.Normal}
	_, alloc, err := arm64.Generate(conf, 0x80000000, 0, []arm64.Region{region})
	require.NoError(t, err)
	return conf, alloc
}

func TestAssemblyContainsTableProgrammingWhenRequested(t *testing.T) {
	conf, alloc := genSingleBlock(t)

	var b strings.Builder
	err := Assembly(&b, conf, 0x80000000, true, alloc)
	require.NoError(t, err)

	out := b.String()
	require.Contains(t, out, "program_table_0:")
	require.Contains(t, out, "program_table_0_entry_1:")
	require.Contains(t, out, "mmu_on:")
}

func TestAssemblyOmitsTableProgrammingWhenNotRequested(t *testing.T) {
	conf, alloc := genSingleBlock(t)

	var b strings.Builder
	err := Assembly(&b, conf, 0x80000000, false, alloc)
	require.NoError(t, err)

	out := b.String()
	require.NotContains(t, out, "program_table_0:")
	require.Contains(t, out, "mmu_on:")
	require.Contains(t, out, "init_done:")
}

func TestAssemblyLabelsContiguousRunWithToSuffix(t *testing.T) {
	conf, err := arm64.NewMMUConfig(1, arm64.Granule4K, 32, true, arm64.DescriptorModeArchitectural)
	require.NoError(t, err)
	region := arm64.Region{Label: "DRAM", VA: 0xC0000000, PA: 0xC0000000, Size: 0x8000000, MemType: arm64.Normal}
	_, alloc, err := arm64.Generate(conf, 0x80000000, 0, []arm64.Region{region})
	require.NoError(t, err)

	var b strings.Builder
	require.NoError(t, Assembly(&b, conf, 0x80000000, true, alloc))

	out := b.String()
	require.Contains(t, out, "program_table_1_entry_0_to_63:")
}

func TestAlignCommentsPadsToColumn(t *testing.T) {
	in := "\tMOV x0, x1 // short\n\tSTR x2, [x3] // another one\n"
	out := alignComments(in)

	for _, line := range strings.Split(out, "\n") {
		idx := strings.Index(line, "//")
		if idx < 0 {
			continue
		}
		require.Equal(t, commentColumn, idx)
	}
}

func TestAlignCommentsSkipsBlockCommentLines(t *testing.T) {
	in := "\t * keep this one as-is // not touched\n"
	out := alignComments(in)
	require.Equal(t, in, out)
}
