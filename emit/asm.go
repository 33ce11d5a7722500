// https://github.com/usbarmory/pgtt
//
// Copyright (c) The pgtt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package emit

import (
	"fmt"
	"io"
	"strings"

	"github.com/usbarmory/pgtt/arm64"
)

// commentColumn is the source column that every "//"
// trailing comment is padded to line up with, matching
// original_source/scripts/pgtt/codegen.py's final rendering pass.
const commentColumn = 41

// Assembly renders alloc's populated table tree as AArch64 source that,
// linked into early-boot firmware, programs the tables at runtime and
// brings up the MMU with the TCR/MAIR/SCTLR values in mmuConf. When
// genTableRuntime is false, the per-table/per-entry programming block is
// omitted but the lock, init flag, and register-programming epilogue
// remain.
func Assembly(w io.Writer, mmuConf *arm64.MMUConfig, ttbr uint64, genTableRuntime bool, alloc *arm64.Allocator) error {
	var b strings.Builder

	tableBytes := uint64(len(alloc.Allocated())) * uint64(alloc.Granule)

	fmt.Fprintf(&b, `
	/*
	 * This file was automatically generated by pgtt.
	 *
	 * The programmer must also ensure that the virtual memory region containing the
	 * translation tables is itself marked as NORMAL in the memory map file.
	 */

	.section .data.mmu
	.balign 2

	mmu_lock: .4byte 0                  // lock to ensure only 1 CPU runs init
	#define LOCKED 1

	mmu_init: .4byte 0                  // whether init has been run
	#define INITIALISED 1

	.section .text.mmu_on
	.balign 2
	.global mmu_on
	.type mmu_on, @function

mmu_on:

	ADRP    x0, mmu_lock                // get page containing mmu_lock
	ADD     x0, x0, :lo12:mmu_lock      // restore low bits lost by ADRP
	MOV     w1, #LOCKED
	SEVL                                // first pass won't sleep
1:
	WFE                                 // sleep on retry
	LDAXR   w2, [x0]                    // read mmu_lock
	CBNZ    w2, 1b                      // not available, go back to sleep
	STXR    w3, w1, [x0]                // try to acquire mmu_lock
	CBNZ    w3, 1b                      // failed, go back to sleep

check_already_initialised:

	ADRP    x1, mmu_init                // get page containing mmu_init
	ADD     x1, x1, :lo12:mmu_init      // restore low bits lost by ADRP
	LDR     w2, [x1]                    // read mmu_init
	CBNZ    w2, end                     // init already done, skip to the end

zero_out_tables:

	LDR     x2, =%#x        // address of first table
	LDR     x3, =%#x   // combined length of all tables
	LSR     x3, x3, #5                  // number of required STP instructions
	FMOV    d0, xzr                     // clear q0
1:
	STP     q0, q0, [x2], #32           // zero out 4 table entries at a time
	SUBS    x3, x3, #1
	B.NE    1b

`, ttbr, tableBytes)

	if genTableRuntime {
		writeTableProgram(&b, mmuConf, alloc)
	}

	fmt.Fprintf(&b, `
init_done:

	MOV     w2, #INITIALISED
	STR     w2, [x1]

end:

	LDR     x1, =%#x             // program ttbr0 on this CPU
	MSR     ttbr0_el%d, x1
	LDR     x1, =%#x             // program mair on this CPU
	MSR     mair_el%d, x1
	LDR     x1, =%#x              // program tcr on this CPU
	MSR     tcr_el%d, x1
	ISB
	MRS     x2, tcr_el%d         // verify CPU supports desired config
	CMP     x2, x1
	B.NE    .
	LDR     x1, =%#x            // program sctlr on this CPU
	MSR     sctlr_el%d, x1
	ISB                                 // synchronize context on this CPU
	STLR    wzr, [x0]                   // release mmu_lock
	RET                                 // done!
`, ttbr, mmuConf.EL, mmuConf.MAIR, mmuConf.EL, mmuConf.TCR, mmuConf.EL, mmuConf.EL, mmuConf.SCTLR, mmuConf.EL)

	_, err := io.WriteString(w, alignComments(b.String()))
	return err
}

// writeTableProgram emits one labelled block per allocated table and
// one labelled block per contiguous entry run or table pointer within
// it, matching original_source/scripts/pgtt/codegen.py's CodeGen._mk_asm.
func writeTableProgram(b *strings.Builder, mmuConf *arm64.MMUConfig, alloc *arm64.Allocator) {
	for n, t := range alloc.Allocated() {
		fmt.Fprintf(b, `
program_table_%d:

	LDR     x8, =%#x          // base address of this table
	LDR     x9, =%#x         // chunk size`, n, t.Addr, t.Chunk)

		for _, idx := range t.Entries() {
			e, _ := t.At(idx)
			switch v := e.(type) {
			case *arm64.Placement:
				writeEntryRun(b, mmuConf, n, idx, v, t)
			case *arm64.Table:
				writeTablePointer(b, n, idx, v)
			}
		}
		b.WriteByte('\n')
	}
}

func writeEntryRun(b *strings.Builder, mmuConf *arm64.MMUConfig, tableIdx, entryIdx int, p *arm64.Placement, t *arm64.Table) {
	n := p.NumContig
	if n == 0 {
		n = 1
	}

	label := fmt.Sprintf("program_table_%d_entry_%d", tableIdx, entryIdx)
	if n > 1 {
		label = fmt.Sprintf("%s_to_%d", label, entryIdx+n-1)
	}

	tmpl := mmuConf.Descriptor(p.Region.MemType, p.Region.MemAttr, p.Region.IsPage)

	fmt.Fprintf(b, `

%s:

	LDR     x10, =%d                 // idx
	LDR     x11, =%d        // number of contiguous entries
	LDR     x12, =%#x         // output address of entry[idx]
	LDR     x13, =%#x
1:
	ORR     x12, x12, x13    // merge output address with template
	STR     X12, [x8, x10, lsl #3]      // write entry into table
	ADD     x10, x10, #1                // prepare for next entry idx+1
	ADD     x12, x12, x9                // add chunk to address
	SUBS    x11, x11, #1                // loop as required
	B.NE    1b`, label, entryIdx, n, p.Region.PA, tmpl)
}

func writeTablePointer(b *strings.Builder, tableIdx, entryIdx int, child *arm64.Table) {
	fmt.Fprintf(b, `

program_table_%d_entry_%d:

	LDR     x10, =%d                 // idx
	LDR     x11, =%#x    // next-level table address
	ORR     x11, x11, #0x3              // next-level table descriptor
	STR     x11, [x8, x10, lsl #3]      // write entry into table`, tableIdx, entryIdx, entryIdx, child.Addr)
}

// alignComments right-pads the code portion of every line containing
// "//" (other than a block-comment continuation line, recognised the
// same way the original tool recognises it: containing " * ") so the
// "//" lines up at commentColumn.
func alignComments(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if !strings.Contains(line, "//") || strings.Contains(line, " * ") {
			continue
		}
		idx := strings.Index(line, "//")
		code := strings.TrimRight(line[:idx], " \t")
		comment := line[idx:]
		pad := commentColumn - len(code)
		if pad < 1 {
			pad = 1
		}
		lines[i] = code + strings.Repeat(" ", pad) + comment
	}
	return strings.Join(lines, "\n")
}
