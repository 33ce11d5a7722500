// https://github.com/usbarmory/pgtt
//
// Copyright (c) The pgtt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package bitfield

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMasksAndShifts(t *testing.T) {
	f := New(7, 4, "x", 0xFF)
	require.Equal(t, uint64(0xF0), f.value)
}

func TestNewSingleBit(t *testing.T) {
	f := New(53, 53, "pxn", 1)
	require.Equal(t, uint64(1)<<53, f.value)
}

func TestRes1(t *testing.T) {
	f := Res1(23)
	require.Equal(t, uint64(1)<<23, f.value)
}

func TestRegisterValueIsOrOfFields(t *testing.T) {
	r := NewRegister("tcr_el1")
	r.Field(5, 0, "t0sz", 16)
	r.Field(15, 14, "tg0", 2)
	r.Res1(23)

	want := uint64(16) | uint64(2)<<14 | uint64(1)<<23
	require.Equal(t, want, r.Value())
}

func TestRegisterOverlapPanics(t *testing.T) {
	r := NewRegister("pte")
	r.Field(7, 0, "a", 1)

	require.Panics(t, func() {
		r.Field(4, 4, "b", 1)
	})
}

func TestRegisterAdjacentFieldsDoNotOverlap(t *testing.T) {
	r := NewRegister("pte")
	r.Field(7, 6, "ap", 0b11)
	r.Field(5, 5, "ns", 1)
	r.Field(4, 2, "attrindx", 0b101)

	require.NotPanics(t, func() {
		r.Field(1, 1, "table_or_page", 1)
	})
}
