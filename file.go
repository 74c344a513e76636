// Copyright 2023 Sidelens. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jstrace

import (
	"bytes"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// A TraceFile represents an open raw trace produced by the
// instrumentation agent.
type TraceFile struct {
	data mmap.MMap
	raw  []byte
	size int
	f    *os.File
}

// Open memory maps a raw trace given a file name.
func Open(name string) (*TraceFile, error) {

	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	// A zero-length trace cannot be mapped; treat it as an empty buffer.
	if fi.Size() == 0 {
		f.Close()
		return &TraceFile{raw: nil, size: 0}, nil
	}

	// Memory map the file instead of using read/write.
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	file := TraceFile{}
	file.data = data
	file.raw = data
	file.size = len(data)
	file.f = f
	return &file, nil
}

// OpenBytes instantiates a trace file from a memory buffer.
func OpenBytes(data []byte) *TraceFile {
	return &TraceFile{raw: data, size: len(data)}
}

// Size returns the trace length in bytes.
func (tf *TraceFile) Size() int {
	return tf.size
}

// Lines returns a reader yielding the logical lines of the trace.
func (tf *TraceFile) Lines() *LineReader {
	return NewLineReader(bytes.NewReader(tf.raw))
}

// Close closes the TraceFile.
func (tf *TraceFile) Close() error {
	if tf.data != nil {
		_ = tf.data.Unmap()
		tf.data = nil
	}

	if tf.f != nil {
		f := tf.f
		tf.f = nil
		return f.Close()
	}
	return nil
}
