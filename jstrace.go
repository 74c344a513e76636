// Copyright 2023 Sidelens. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jstrace

// Trace record type bytes. They are stable across the prefix and
// testcase outputs of a run; downstream readers dispatch on them.
const (
	EntryTypeBranch           = 1
	EntryTypeHeapAllocation   = 2
	EntryTypeHeapMemoryAccess = 3
)

// Branch types as encoded in the Branch record.
const (
	BranchTypeJump   = 0
	BranchTypeCall   = 1
	BranchTypeReturn = 2
)

// Synthetic heap layout.
const (
	// HeapFirstPropertyAddress is the offset handed to the first
	// non-numeric property of an object.
	HeapFirstPropertyAddress = 0x100000

	// HeapAllocationSize is the span of synthetic address space one
	// object occupies: one chunk for numeric slots, one for named
	// properties.
	HeapAllocationSize = 2 * 0x100000
)

// Address-synthesis limits.
const (
	// DefaultColumnsBits is the default width of the column part in a
	// 32-bit source-position address.
	DefaultColumnsBits = 13

	// MaxColumnsBits bounds the configurable column width so that at
	// least two bits remain for the line part.
	MaxColumnsBits = 30

	// ExternUnknownAddress is the reserved address of the "[unknown]"
	// catch-all in the external-functions image.
	ExternUnknownAddress = 1

	// ExternImageName is the display name of the synthetic image that
	// hosts non-JS callables.
	ExternImageName = "[extern]"
)

// Branch is a control-flow transfer record: a call, a return, or an
// intra-script jump.
type Branch struct {
	SourceImage   int32
	SourceAddress uint32
	DestImage     int32
	DestAddress   uint32
	Taken         bool
	BranchType    uint8
}

// HeapAllocation records the first observation of a heap object id and
// the synthetic address range assigned to it.
type HeapAllocation struct {
	ID      int32
	Address uint64
	Size    uint32
}

// HeapMemoryAccess records a read or write of a heap object property,
// attributed to the instruction that performed it.
type HeapMemoryAccess struct {
	InstructionImage   int32
	InstructionAddress uint32
	AllocationID       int32
	MemoryAddress      uint32
	Size               uint32
	IsWrite            bool
}

func (b Branch) writeTo(w *TraceWriter) {
	w.WriteUint8(EntryTypeBranch)
	w.WriteInt32(b.SourceImage)
	w.WriteUint32(b.SourceAddress)
	w.WriteInt32(b.DestImage)
	w.WriteUint32(b.DestAddress)
	w.WriteBool(b.Taken)
	w.WriteUint8(b.BranchType)
}

func (h HeapAllocation) writeTo(w *TraceWriter) {
	w.WriteUint8(EntryTypeHeapAllocation)
	w.WriteInt32(h.ID)
	w.WriteUint64(h.Address)
	w.WriteUint32(h.Size)
}

func (m HeapMemoryAccess) writeTo(w *TraceWriter) {
	w.WriteUint8(EntryTypeHeapMemoryAccess)
	w.WriteInt32(m.InstructionImage)
	w.WriteUint32(m.InstructionAddress)
	w.WriteInt32(m.AllocationID)
	w.WriteUint32(m.MemoryAddress)
	w.WriteUint32(m.Size)
	if m.IsWrite {
		w.WriteUint8(1)
	} else {
		w.WriteUint8(0)
	}
}
