// Copyright 2023 Sidelens. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jstrace

import (
	"bytes"
	"fmt"
)

// lineTable is the decompression dictionary for the compressed line
// format. During the prefix pass entries land in the local map, which
// freeze() turns into the shared, read-only layer every testcase worker
// shadows with its own overlay.
type lineTable struct {
	shared map[int32]string
	local  map[int32]string
}

func newLineTable() *lineTable {
	return &lineTable{local: make(map[int32]string)}
}

// freeze makes the accumulated entries the immutable shared layer.
func (t *lineTable) freeze() {
	t.shared = t.local
	t.local = nil
}

// overlay returns a worker-local table shadowing the frozen entries.
func (t *lineTable) overlay() *lineTable {
	return &lineTable{shared: t.shared, local: make(map[int32]string)}
}

func (t *lineTable) set(id int32, prefix string) {
	t.local[id] = prefix
}

func (t *lineTable) get(id int32) (string, bool) {
	if s, ok := t.local[id]; ok {
		return s, true
	}
	s, ok := t.shared[id]
	return s, ok
}

// lineDecoder holds the per-trace decompression state: the dictionary
// view and the running line id relative references are resolved against.
type lineDecoder struct {
	table   *lineTable
	lastID  int32
	scratch []byte
}

func newLineDecoder(table *lineTable) *lineDecoder {
	return &lineDecoder{table: table}
}

// decode consumes one raw trace line. 'L' declarations update the
// dictionary and yield no event; every other line resolves to the
// decompressed event line, valid until the next call.
func (d *lineDecoder) decode(line []byte) ([]byte, error) {
	c := line[0]

	if c == 'L' {
		if len(line) < 3 || line[1] != ':' {
			return nil, fmt.Errorf("%w: %q", ErrMalformedLine, line)
		}
		sep := bytes.IndexByte(line[2:], '|')
		if sep < 0 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedLine, line)
		}
		id, ok := parseInt32(line[2 : 2+sep])
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMalformedLine, line)
		}
		d.table.set(id, string(line[2+sep+1:]))
		return nil, nil
	}

	var id int32
	pos := 0
	switch {
	case c >= '0' && c <= '9':
		for pos < len(line) && line[pos] != '|' {
			pos++
		}
		v, ok := parseInt32(line[:pos])
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMalformedLine, line)
		}
		id = v
	case c >= 'a' && c <= 's':
		// Relative reference: an offset in [-9, +9] from the last id.
		id = d.lastID + int32(c) - 'j'
		pos = 1
	default:
		return nil, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	d.lastID = id

	prefix, ok := d.table.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLineID, id)
	}

	var suffix []byte
	if pos < len(line) {
		if line[pos] != '|' {
			return nil, fmt.Errorf("%w: %q", ErrMalformedLine, line)
		}
		suffix = line[pos+1:]
	}

	if len(suffix) == 0 {
		d.scratch = append(d.scratch[:0], prefix...)
		return d.scratch, nil
	}
	d.scratch = append(append(d.scratch[:0], prefix...), suffix...)
	return d.scratch, nil
}
