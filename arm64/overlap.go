// ARMv8-A stage-1 translation table generation
// https://github.com/usbarmory/pgtt
//
// Copyright (c) The pgtt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arm64

import "fmt"

// OverlapError reports two input regions whose virtual address ranges
// collide. Overlap handling is left to the implementation;
// this one rejects up front rather than letting Map silently decide
// which region's descriptors win.
type OverlapError struct {
	First, Second Region
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("region %q [%#x, %#x) overlaps region %q [%#x, %#x)",
		e.First.Label, e.First.VA, e.First.VA+e.First.Size,
		e.Second.Label, e.Second.VA, e.Second.VA+e.Second.Size)
}

// CheckOverlaps reports the first pair of regions in regions whose VA
// ranges intersect, comparing every pair (the memory maps this tool
// targets have at most a few hundred regions, so the quadratic check is
// cheap and needs no sorting/interval-tree machinery).
func CheckOverlaps(regions []Region) error {
	for i := 0; i < len(regions); i++ {
		a := regions[i]
		aEnd := a.VA + a.Size
		for j := i + 1; j < len(regions); j++ {
			b := regions[j]
			bEnd := b.VA + b.Size
			if a.VA < bEnd && b.VA < aEnd {
				return &OverlapError{First: a, Second: b}
			}
		}
	}
	return nil
}
