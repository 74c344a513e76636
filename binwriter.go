// Copyright 2023 Sidelens. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jstrace

import (
	"bufio"
	"encoding/binary"
	"os"
)

// A TraceWriter produces the little-endian binary trace format. It is
// backed either by a growable in-memory buffer or by a buffered file
// sink; the record layout is identical on both paths.
type TraceWriter struct {
	buf     []byte
	w       *bufio.Writer
	f       *os.File
	scratch [8]byte
}

// NewMemoryTraceWriter returns a writer accumulating into memory. The
// capacity is an estimate only; the input byte length is a good one.
func NewMemoryTraceWriter(capacity int) *TraceWriter {
	if capacity < 0 {
		capacity = 0
	}
	return &TraceWriter{buf: make([]byte, 0, capacity)}
}

// NewFileTraceWriter returns a writer streaming into the given file,
// truncating any previous content.
func NewFileTraceWriter(path string) (*TraceWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &TraceWriter{w: bufio.NewWriter(f), f: f}, nil
}

// WriteUint8 appends a single byte.
func (tw *TraceWriter) WriteUint8(v uint8) {
	if tw.w != nil {
		tw.w.WriteByte(v)
		return
	}
	tw.buf = append(tw.buf, v)
}

// WriteBool appends a bool as one byte.
func (tw *TraceWriter) WriteBool(v bool) {
	if v {
		tw.WriteUint8(1)
	} else {
		tw.WriteUint8(0)
	}
}

// WriteUint32 appends a little-endian uint32.
func (tw *TraceWriter) WriteUint32(v uint32) {
	binary.LittleEndian.PutUint32(tw.scratch[:4], v)
	if tw.w != nil {
		tw.w.Write(tw.scratch[:4])
		return
	}
	tw.buf = append(tw.buf, tw.scratch[:4]...)
}

// WriteInt32 appends a little-endian int32.
func (tw *TraceWriter) WriteInt32(v int32) {
	tw.WriteUint32(uint32(v))
}

// WriteUint64 appends a little-endian uint64.
func (tw *TraceWriter) WriteUint64(v uint64) {
	binary.LittleEndian.PutUint64(tw.scratch[:8], v)
	if tw.w != nil {
		tw.w.Write(tw.scratch[:8])
		return
	}
	tw.buf = append(tw.buf, tw.scratch[:8]...)
}

// WriteString appends a uint32 length prefix followed by the UTF-8
// bytes of the string.
func (tw *TraceWriter) WriteString(s string) {
	tw.WriteUint32(uint32(len(s)))
	if tw.w != nil {
		tw.w.WriteString(s)
		return
	}
	tw.buf = append(tw.buf, s...)
}

// Bytes returns the accumulated output of a memory-backed writer and
// nil for a file-backed one.
func (tw *TraceWriter) Bytes() []byte {
	return tw.buf
}

// Close flushes and releases the sink. Closing a memory-backed or
// already-closed writer is a no-op so both paths can share a defer.
func (tw *TraceWriter) Close() error {
	if tw.w == nil {
		return nil
	}
	w, f := tw.w, tw.f
	tw.w, tw.f = nil, nil
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
