// https://github.com/usbarmory/pgtt
//
// Copyright (c) The pgtt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package config loads a memory-map document: a JSON object, with
// "// ..." line comments stripped before parsing, describing one or
// more translation regimes to generate.
package config

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"git.lukeshu.com/go/lowmemjson"

	"github.com/usbarmory/pgtt/arm64"
)

// ConfigError reports a malformed document value: an unparseable
// address, an unrecognised size unit, an unknown memory type, or a bad
// attribute token.
type ConfigError struct {
	Token  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config value %q: %s", e.Token, e.Reason)
}

// document mirrors the top-level JSON shape: {"pagetables": [...]}.
type document struct {
	PageTables []pagetableDoc `json:"pagetables"`
}

// pagetableDoc mirrors one entry of "pagetables". Field names keep the
// source document's own spelling, including the "excepiton_level"
// misspelling preserved verbatim.
type pagetableDoc struct {
	TableBaseAddr   string    `json:"table_base_addr"`
	ExceptionLevel  int       `json:"excepiton_level"`
	Granule         string    `json:"granule"`
	TableRegionSize int       `json:"table_region_size"`
	LargePage       bool      `json:"large_page"`
	GenTableRuntime bool      `json:"gen_table_runtime"`
	Maps            []mapDoc  `json:"maps"`
}

type mapDoc struct {
	VA          string `json:"va"`
	PA          string `json:"pa"`
	Size        string `json:"size"`
	Type        string `json:"type"`
	Attr        string `json:"attr"`
	Description string `json:"description"`
}

// PageTable is one fully parsed "pagetables" entry: MMU parameters plus
// its granule-aligned-expanded regions, ready to hand to arm64.Generate.
type PageTable struct {
	TTBR            uint64
	EL              int
	Granule         arm64.Granule
	TSZ             int
	LargePage       bool
	GenTableRuntime bool
	Regions         []arm64.Region
}

// Load reads a memory-map document from r, strips its line comments,
// decodes it, and returns every "pagetables" entry with addresses and
// sizes parsed and regions granule-aligned-expanded (see the table
// preconditions: callers must not pass Table.Map a region that isn't
// already aligned to the granule).
func Load(r io.Reader) ([]*PageTable, error) {
	stripped, err := stripComments(r)
	if err != nil {
		return nil, err
	}

	var doc document
	dec := lowmemjson.NewDecoder(bytes.NewReader(stripped))
	if err := dec.DecodeThenEOF(&doc); err != nil {
		return nil, fmt.Errorf("decoding memory-map document: %w", err)
	}

	pts := make([]*PageTable, 0, len(doc.PageTables))
	for i, raw := range doc.PageTables {
		pt, err := parsePageTable(raw)
		if err != nil {
			return nil, fmt.Errorf("pagetables[%d]: %w", i, err)
		}
		pts = append(pts, pt)
	}
	return pts, nil
}

var commentLine = regexp.MustCompile(`^\s*//`)

// stripComments removes every line that is entirely a "// ..." comment,
// matching original_source/scripts/config.py's Config.remove_comments.
// Inline trailing comments ("key: value // note") are not stripped,
// matching the original's line-oriented (not token-oriented) approach.
func stripComments(r io.Reader) ([]byte, error) {
	var out bytes.Buffer
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !commentLine.MatchString(line) {
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading memory-map document: %w", err)
	}
	return out.Bytes(), nil
}

func parsePageTable(raw pagetableDoc) (*PageTable, error) {
	ttbr, err := ParseAddr(raw.TableBaseAddr)
	if err != nil {
		return nil, err
	}

	granule, err := parseGranule(raw.Granule)
	if err != nil {
		return nil, err
	}

	pt := &PageTable{
		TTBR:            ttbr,
		EL:              raw.ExceptionLevel,
		Granule:         granule,
		TSZ:             raw.TableRegionSize,
		LargePage:       raw.LargePage,
		GenTableRuntime: raw.GenTableRuntime,
	}

	for _, m := range raw.Maps {
		r, err := parseRegion(m, granule)
		if err != nil {
			return nil, err
		}
		pt.Regions = append(pt.Regions, r)
	}

	return pt, nil
}

func parseGranule(s string) (arm64.Granule, error) {
	switch s {
	case "4K":
		return arm64.Granule4K, nil
	case "16K":
		return arm64.Granule16K, nil
	case "64K":
		return arm64.Granule64K, nil
	default:
		return 0, &ConfigError{Token: s, Reason: "unrecognised granule, want 4K/16K/64K"}
	}
}

func parseRegion(m mapDoc, granule arm64.Granule) (arm64.Region, error) {
	va, err := ParseAddr(m.VA)
	if err != nil {
		return arm64.Region{}, err
	}
	pa, err := ParseAddr(m.PA)
	if err != nil {
		return arm64.Region{}, err
	}
	size, err := ParseSize(m.Size)
	if err != nil {
		return arm64.Region{}, err
	}

	memType, err := arm64.ParseMemType(m.Type)
	if err != nil {
		return arm64.Region{}, &ConfigError{Token: m.Type, Reason: err.Error()}
	}
	attr, err := ParseAttr(m.Attr)
	if err != nil {
		return arm64.Region{}, err
	}

	// Granule-aligned expansion (see the table builder's "preconditions on
	// entry"): round va down and va+size up to the granule, pa follows
	// va symmetrically.
	tg := uint64(granule)
	downAlign := va % tg
	upAlign := (va + size) % tg
	if upAlign != 0 {
		upAlign = tg - upAlign
	}

	return arm64.Region{
		Label:   m.Description,
		VA:      va - downAlign,
		PA:      pa - downAlign,
		Size:    size + downAlign + upAlign,
		MemType: memType,
		MemAttr: attr,
		IsPage:  true,
	}, nil
}

// ParseAddr parses a decimal or "0x..."-prefixed hexadecimal address
// string, matching original_source/scripts/config.py's parse_addr.
func ParseAddr(s string) (uint64, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	base := 10
	if strings.HasPrefix(up, "0X") {
		base = 16
		up = up[2:]
	}
	v, err := strconv.ParseUint(up, base, 64)
	if err != nil {
		return 0, &ConfigError{Token: s, Reason: "invalid address"}
	}
	return v, nil
}

var sizePattern = regexp.MustCompile(`(\d+)([KMGT])`)

// ParseSize parses a "<N><K|M|G|T>" size string into a byte count,
// matching original_source/scripts/config.py's parse_size.
func ParseSize(s string) (uint64, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	m := sizePattern.FindStringSubmatch(up)
	if m == nil {
		return 0, &ConfigError{Token: s, Reason: "invalid size, want <N><K|M|G|T>"}
	}
	qty, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, &ConfigError{Token: s, Reason: "invalid size quantity"}
	}
	shift := strings.Index("KMGT", m[2]) + 1
	return qty * (uint64(1) << (10 * shift)), nil
}

// ParseAttr parses a compact attribute string built from the tokens
// "!w", "!x", "!s" in any combination, resolving Open Question 4
// unlike the original's near-universally-matching
// lookahead regex, every token is validated and unknown tokens are
// rejected. Presence of "!w" (not writable) sets AP=0b11, read-only
// at EL0 and the higher exception level; its absence leaves AP=0b01,
// read/write at both. This follows original_source/scripts/config.py's
// parse_attr.
func ParseAttr(s string) (arm64.MemAttr, error) {
	rest := s
	attr := arm64.MemAttr{AP: 0b01}
	for len(rest) > 0 {
		switch {
		case strings.HasPrefix(rest, "!w"):
			attr.AP = 0b11
			rest = rest[2:]
		case strings.HasPrefix(rest, "!x"):
			attr.XN = 1
			rest = rest[2:]
		case strings.HasPrefix(rest, "!s"):
			attr.NS = 1
			rest = rest[2:]
		default:
			return arm64.MemAttr{}, &ConfigError{Token: s, Reason: "unknown attribute token, want only !w, !x, !s"}
		}
	}
	return attr, nil
}
