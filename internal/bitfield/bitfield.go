// https://github.com/usbarmory/pgtt
//
// Copyright (c) The pgtt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package bitfield provides primitives for assembling 64-bit system
// register and translation table descriptor values out of named
// bitfields, the way the AArch64 architecture reference manual
// specifies them: a high/low bit range, a name, and a value.
package bitfield

import "fmt"

// Field is a single named bitfield with its value already masked and
// shifted into position.
type Field struct {
	name  string
	value uint64
}

// New returns the bits [hi:lo] of val, masked to fit, shifted into
// position, and tagged with name for diagnostics.
func New(hi, lo int, name string, val uint64) Field {
	mask := uint64(1)<<(hi-lo+1) - 1
	return Field{name: name, value: (val & mask) << lo}
}

// Res1 returns a single reserved-as-one bit at pos.
func Res1(pos int) Field {
	return New(pos, pos, "RES1", 1)
}

// Register packs a set of Fields into one 64-bit value. Fields must not
// overlap; Field and Res1 panic if they do, since an overlapping field pair is
// always a programming error in the caller, never a runtime condition.
type Register struct {
	name   string
	fields []Field
	used   uint64
}

// NewRegister returns an empty Register named for diagnostics (e.g.
// "tcr_el1", "pte").
func NewRegister(name string) *Register {
	return &Register{name: name}
}

// Field adds a named bitfield to r.
func (r *Register) Field(hi, lo int, name string, val uint64) *Register {
	f := New(hi, lo, name, val)
	return r.add(f, hi, lo)
}

// Res1 adds a reserved-as-one bit to r.
func (r *Register) Res1(pos int) *Register {
	return r.add(Res1(pos), pos, pos)
}

func (r *Register) add(f Field, hi, lo int) *Register {
	mask := (uint64(1)<<(hi-lo+1) - 1) << lo
	if r.used&mask != 0 {
		panic(fmt.Sprintf("bitfield: %s: field %q at [%d:%d] overlaps a field already set", r.name, f.name, hi, lo))
	}
	r.used |= mask
	r.fields = append(r.fields, f)
	return r
}

// Value returns the packed 64-bit register value, the OR of every field
// added so far.
func (r *Register) Value() uint64 {
	var val uint64
	for _, f := range r.fields {
		val |= f.value
	}
	return val
}
