// Copyright 2024 Sidelens. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jstrace

// Fuzz drives the decompression and event parsing pipeline with an
// arbitrary trace body against a two-script image table.
func Fuzz(data []byte) int {
	images := []*Image{
		newImage(0, "a.js", true),
		newImage(1, "b.js", true),
		newImage(2, ExternImageName, false),
	}

	s := &Session{opts: &Options{ColumnsBits: DefaultColumnsBits}}
	s.space = newAddressSpace(images, DefaultColumnsBits)

	lines := newLineTable()
	out := NewMemoryTraceWriter(len(data))
	parser := newEventParser(s, newLineDecoder(lines), newHeapTable(), out, false)
	if err := parser.run(OpenBytes(data).Lines()); err != nil {
		return 0
	}
	return 1
}
