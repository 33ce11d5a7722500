// https://github.com/usbarmory/pgtt
//
// Copyright (c) The pgtt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package emit walks a generated translation table tree and renders it
// as a binary image or as AArch64 assembly source.
package emit

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/usbarmory/pgtt/arm64"
)

// Binary writes the populated table set in alloc as a little-endian
// binary image: exactly granule*len(alloc.Allocated()) bytes, ready to
// be loaded at alloc.TTBR. Both emitters walk
// alloc.Allocated() in allocation order and, within a table, its
// entries in ascending index order, skipping the NumContig-1 indices
// following a Placement's head.
func Binary(w io.Writer, mmuConf *arm64.MMUConfig, alloc *arm64.Allocator) error {
	tables := alloc.Allocated()
	buf := make([]byte, uint64(len(tables))*uint64(alloc.Granule))

	for k, t := range tables {
		base := k * int(alloc.Granule)
		for _, idx := range t.Entries() {
			e, _ := t.At(idx)
			switch v := e.(type) {
			case *arm64.Table:
				writeDescriptor(buf, base+idx*8, v.Addr|0x3)
			case *arm64.Placement:
				tmpl := mmuConf.Descriptor(v.Region.MemType, v.Region.MemAttr, v.Region.IsPage)
				n := v.NumContig
				if n == 0 {
					n = 1
				}
				for off := 0; off < n; off++ {
					addr := v.Region.PA + uint64(off)*t.Chunk + tmpl
					writeDescriptor(buf, base+(idx+off)*8, addr)
				}
			default:
				return fmt.Errorf("emit: table entry %d has unknown type %T", idx, e)
			}
		}
	}

	_, err := w.Write(buf)
	return err
}

func writeDescriptor(buf []byte, offset int, val uint64) {
	binary.LittleEndian.PutUint64(buf[offset:offset+8], val)
}
