// ARMv8-A stage-1 translation table generation
// https://github.com/usbarmory/pgtt
//
// Copyright (c) The pgtt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package arm64

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrGeometry is wrapped by any error returned when a region falls
// outside the virtual-address window covered by the table it is being
// mapped into.
var ErrGeometry = errors.New("region does not fit table geometry")

// ErrTooManyTables is returned once an Allocator's table count exceeds
// MaxTables, bounding runaway resource exhaustion.
var ErrTooManyTables = errors.New("translation table count exceeds limit")

// GeometryError reports a region whose va or va+size falls outside the
// VA range mapped by the table it was passed to.
type GeometryError struct {
	Region  Region
	VABase  uint64
	Chunk   uint64
	Entries int
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("%v: va=%#x size=%#x does not fit within [%#x, %#x): %v",
		ErrGeometry, e.Region.VA, e.Region.Size, e.VABase, e.VABase+uint64(e.Entries)*e.Chunk, e.Region.Label)
}

func (e *GeometryError) Unwrap() error { return ErrGeometry }

// entry is the tagged union of what can occupy one index of a Table:
// either a *Placement (a leaf Region run) or a *Table (an interior
// descriptor pointing at a child table). Modelling it as an interface
// lets emitters branch on type rather than on a runtime "is it a leaf"
// flag.
type entry interface {
	isEntry()
}

// Placement wraps a Region with the placement-local bookkeeping the
// table builder needs: how many consecutive entries starting here
// describe one physically contiguous run of this Region. NumContig is
// intentionally not a property of Region itself: the same
// Region value can be copied and re-split many times over the course of
// Map, and only the head entry of a finished run carries a NumContig.
type Placement struct {
	Region    Region
	NumContig int
}

func (*Placement) isEntry() {}
func (*Table) isEntry()     {}

// Allocator assigns physical addresses to tables as they are created
// and tracks every table allocated during one generation, replacing the
// original tool's process-wide mutable table list with an
// explicit value scoped to a single call to Generate.
type Allocator struct {
	TTBR      uint64
	Granule   Granule
	MaxTables int

	allocated []*Table
}

// NewAllocator returns an Allocator that places the first table at ttbr
// and bounds the total table count at maxTables (0 means use a default
// of 4096, ample for any realistic memory map and still small enough to
// catch a runaway recursive split).
func NewAllocator(ttbr uint64, granule Granule, maxTables int) *Allocator {
	if maxTables <= 0 {
		maxTables = 4096
	}
	return &Allocator{TTBR: ttbr, Granule: granule, MaxTables: maxTables}
}

// Allocated returns every table allocated so far, in allocation order;
// table k sits at ttbr + k*granule.
func (a *Allocator) Allocated() []*Table {
	return a.allocated
}

func (a *Allocator) alloc(level int, chunk, vaBase uint64, mmuConf *MMUConfig) (*Table, error) {
	if len(a.allocated) >= a.MaxTables {
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManyTables, a.MaxTables)
	}
	t := &Table{
		Addr:     a.TTBR + uint64(len(a.allocated))*uint64(a.Granule),
		Level:    level,
		Chunk:    chunk,
		VABase:   vaBase,
		entries:  map[int]entry{},
		occupied: map[int]bool{},
		mmuConf:  mmuConf,
		alloc:    a,
	}
	a.allocated = append(a.allocated, t)
	return t, nil
}

// Table is a translation table at some level in {startLevel, ..., 3}.
type Table struct {
	Addr   uint64
	Level  int
	Chunk  uint64
	VABase uint64

	// entries holds only the indices an emitter should iterate: the
	// head of a contiguous Placement run, or every index of a Table
	// pointer. A run's non-head indices are intentionally absent from
	// entries (reconstructed from the head on emission) but still need
	// guarding against a second region landing on them, which is what
	// occupied tracks.
	entries  map[int]entry
	occupied map[int]bool
	mmuConf  *MMUConfig
	alloc    *Allocator
}

// Entries returns, in ascending order, the indices that hold an entry:
// the head of each Placement run and each Table pointer (a run's
// non-head indices are not included). At fetches the entry for an
// index. Emitters should use this instead of ranging over a map
// directly to get deterministic, byte-for-byte reproducible output
// across runs.
func (t *Table) Entries() []int {
	idxs := make([]int, 0, len(t.entries))
	for i := range t.entries {
		idxs = append(idxs, i)
	}
	// simple insertion sort: table entry counts are at most a few
	// thousand and this keeps the dependency surface to what the
	// builder already needs.
	for i := 1; i < len(idxs); i++ {
		for j := i; j > 0 && idxs[j-1] > idxs[j]; j-- {
			idxs[j-1], idxs[j] = idxs[j], idxs[j-1]
		}
	}
	return idxs
}

// At returns the entry at index i and whether one is present.
func (t *Table) At(i int) (entry, bool) {
	e, ok := t.entries[i]
	return e, ok
}

// Generate builds the root table for mmuConf and maps every region in
// regions, in order, returning the root and the Allocator that holds
// every table allocated in the process.
func Generate(mmuConf *MMUConfig, ttbr uint64, maxTables int, regions []Region) (*Table, *Allocator, error) {
	if err := CheckOverlaps(regions); err != nil {
		return nil, nil, err
	}

	alloc := NewAllocator(ttbr, mmuConf.Granule, maxTables)
	root, err := alloc.alloc(mmuConf.StartLevel, mmuConf.Chunk(mmuConf.StartLevel), 0, mmuConf)
	if err != nil {
		return nil, nil, err
	}
	for _, r := range regions {
		if err := root.Map(r); err != nil {
			return nil, nil, fmt.Errorf("mapping %s: %w", r.Label, err)
		}
	}
	return root, alloc, nil
}

// prepareNext lazily allocates a child table at index idx if one is not
// already present, with va_base defaulting to this table's va_base plus
// idx chunks (overflow dispatch in Map overrides that default for the
// final, partial chunk of a region).
func (t *Table) prepareNext(idx int, vaBase *uint64) error {
	if e, ok := t.entries[idx]; ok {
		if _, isTable := e.(*Table); isTable {
			return nil
		}
		return fmt.Errorf("table at level %d index %d already occupied: overlapping regions in input", t.Level, idx)
	}
	if t.occupied[idx] {
		return fmt.Errorf("table at level %d index %d already occupied: overlapping regions in input", t.Level, idx)
	}

	base := t.VABase + uint64(idx)*t.Chunk
	if vaBase != nil {
		base = *vaBase
	}
	child, err := t.alloc.alloc(t.Level+1, t.mmuConf.Chunk(t.Level+1), base, t.mmuConf)
	if err != nil {
		return err
	}
	t.entries[idx] = child
	t.occupied[idx] = true
	return nil
}

// childAt returns the child table at idx, which must already exist.
func (t *Table) childAt(idx int) *Table {
	return t.entries[idx].(*Table)
}

// Map places region in this table, splitting it across child tables
// when it does not align to this table's chunk size and allocating
// those child tables on demand. This is the pivotal algorithm of the
// whole generator: it is called on the root table for
// each user region, in input order, and recurses as far down the table
// tree as the region's alignment and the granule's split rules require.
func (t *Table) Map(region Region) error {
	logrus.WithFields(logrus.Fields{
		"level": t.Level,
		"va":    fmt.Sprintf("%#x", region.VA),
		"size":  fmt.Sprintf("%#x", region.Size),
	}).Debug("mapping region")

	if region.VA < t.VABase || region.VA+region.Size > t.VABase+uint64(t.mmuConf.EntriesPerTable)*t.Chunk {
		return &GeometryError{Region: region, VABase: t.VABase, Chunk: t.Chunk, Entries: t.mmuConf.EntriesPerTable}
	}

	shift := uint((3-t.Level)*t.mmuConf.TableIdxBits) + uint(t.mmuConf.BlockOffsetBits)
	startIdx := int((region.VA >> shift) & t.mmuConf.TableIdxMask)

	// Floating region: it fits entirely inside one chunk of this
	// table, so it is dispatched whole to a child table.
	if region.Size < t.Chunk {
		if err := t.prepareNext(startIdx, nil); err != nil {
			return err
		}
		return t.childAt(startIdx).Map(region)
	}

	endVA := region.VA + region.Size
	endPA := region.PA + region.Size

	// Underflow: region.VA is not chunk-aligned. Peel off the partial
	// first chunk to a child table and advance the working copy past
	// it.
	if underflow := region.VA % t.Chunk; underflow != 0 {
		delta := t.Chunk - underflow
		if err := t.prepareNext(startIdx, nil); err != nil {
			return err
		}
		if err := t.childAt(startIdx).Map(region.with(region.VA, region.PA, delta)); err != nil {
			return err
		}
		startIdx++
		region = region.with(region.VA+delta, region.PA+delta, region.Size-delta)
	}

	// Overflow: region.VA+region.Size is not chunk-aligned. Peel off
	// the partial final chunk to a child table and shrink the working
	// region down to end exactly at the overflow tail's va_base. Sizing
	// it this way, rather than subtracting a derived delta, keeps this
	// correct even when an underflow was already peeled off above and
	// left a working region shorter than one chunk (original_source's
	// "size -= chunk - overflow" assumes the working region is always at
	// least a full chunk past the peeled-off underflow, which does not
	// hold in general and can wrap the size calculation).
	if overflow := endVA % t.Chunk; overflow != 0 {
		finalIdx := int((endVA >> shift) & t.mmuConf.TableIdxMask)
		finalVABase := (endVA / t.Chunk) * t.Chunk
		finalPABase := endPA - (endVA - finalVABase)
		if err := t.prepareNext(finalIdx, &finalVABase); err != nil {
			return err
		}
		if err := t.childAt(finalIdx).Map(region.with(finalVABase, finalPABase, overflow)); err != nil {
			return err
		}
		region = region.with(region.VA, region.PA, finalVABase-region.VA)
	}

	numChunks := int(region.Size / t.Chunk)
	canSplit := t.mmuConf.CanSplit(t.Level)
	numContiguous := 0

	for i := startIdx; i < startIdx+numChunks; i++ {
		if canSplit {
			vaBase := t.VABase + uint64(i)*t.Chunk
			paBase := region.PA + uint64(i-startIdx)*t.Chunk
			r := region.with(vaBase, paBase, t.Chunk)
			if err := t.prepareNext(i, nil); err != nil {
				return err
			}
			if err := t.childAt(i).Map(r); err != nil {
				return err
			}
			continue
		}

		if t.occupied[i] {
			return fmt.Errorf("table at level %d index %d already occupied: overlapping regions in input", t.Level, i)
		}
		t.occupied[i] = true
		numContiguous++
	}

	// A run of whole-chunk block/page placements is recorded as a single
	// entry at its head index; the rest are reconstructed from the head
	// on emission. occupied above still guards every index in the run
	// against a second region landing on it.
	if numContiguous > 0 && !canSplit {
		r := region.with(t.VABase+uint64(startIdx)*t.Chunk, region.PA, t.Chunk)
		r.IsPage = t.Level == 3
		t.entries[startIdx] = &Placement{Region: r, NumContig: numContiguous}
	}

	return nil
}
