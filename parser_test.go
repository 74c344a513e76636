// Copyright 2024 Sidelens. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jstrace

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/go-kratos/kratos/v2/log"
)

func newTestSession(scriptCount int) *Session {
	s := &Session{opts: &Options{ColumnsBits: DefaultColumnsBits}}
	s.logger = log.NewHelper(log.NewStdLogger(io.Discard))
	s.space = newTestSpace(scriptCount)
	return s
}

func runRawTrace(s *Session, raw string, prefix bool) ([]byte, error) {
	out := NewMemoryTraceWriter(len(raw))
	parser := newEventParser(s, newLineDecoder(newLineTable()), newHeapTable(), out, prefix)
	if err := parser.run(OpenBytes([]byte(raw)).Lines()); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func mustRunRawTrace(t *testing.T, s *Session, raw string, prefix bool) []any {
	t.Helper()
	data, err := runRawTrace(s, raw, prefix)
	if err != nil {
		t.Fatalf("trace parsing failed, reason: %v", err)
	}
	return decodeRecords(t, data)
}

// decodeRecords re-reads a binary trace body with the record schema.
func decodeRecords(t *testing.T, data []byte) []any {
	t.Helper()
	var records []any
	pos := 0
	u32 := func() uint32 {
		v := binary.LittleEndian.Uint32(data[pos:])
		pos += 4
		return v
	}
	u64 := func() uint64 {
		v := binary.LittleEndian.Uint64(data[pos:])
		pos += 8
		return v
	}
	u8 := func() uint8 {
		v := data[pos]
		pos++
		return v
	}

	for pos < len(data) {
		switch typ := u8(); typ {
		case EntryTypeBranch:
			records = append(records, Branch{
				SourceImage:   int32(u32()),
				SourceAddress: u32(),
				DestImage:     int32(u32()),
				DestAddress:   u32(),
				Taken:         u8() == 1,
				BranchType:    u8(),
			})
		case EntryTypeHeapAllocation:
			records = append(records, HeapAllocation{
				ID:      int32(u32()),
				Address: u64(),
				Size:    u32(),
			})
		case EntryTypeHeapMemoryAccess:
			records = append(records, HeapMemoryAccess{
				InstructionImage:   int32(u32()),
				InstructionAddress: u32(),
				AllocationID:       int32(u32()),
				MemoryAddress:      u32(),
				Size:               u32(),
				IsWrite:            u8() == 1,
			})
		default:
			t.Fatalf("unknown record type byte %#x at offset %d", typ, pos-1)
		}
	}
	return records
}

func TestParserCallFromCompressedLine(t *testing.T) {
	s := newTestSession(1)
	records := mustRunRawTrace(t, s, "L:0|c;0;1:2:1:5;0;2:0:2:8;foo\n0\n", false)

	if len(records) != 1 {
		t.Fatalf("record count assertion failed, want: 1, got: %d", len(records))
	}
	want := Branch{
		SourceImage:   0,
		SourceAddress: 1<<13 | 2,
		DestImage:     0,
		DestAddress:   2 << 13,
		Taken:         true,
		BranchType:    BranchTypeCall,
	}
	if records[0] != want {
		t.Errorf("call branch assertion failed, want: %+v, got: %+v", want, records[0])
	}
}

func TestParserCallExternalTarget(t *testing.T) {
	s := newTestSession(1)
	records := mustRunRawTrace(t, s, "L:0|c;0;1:0:1:0;E;parseInt:constructor;parseInt\n0\n", false)

	if len(records) != 1 {
		t.Fatalf("record count assertion failed, want: 1, got: %d", len(records))
	}
	branch := records[0].(Branch)
	if branch.DestImage != s.space.extern.ID {
		t.Errorf("dest image assertion failed, want: %d, got: %d", s.space.extern.ID, branch.DestImage)
	}
	if branch.DestAddress < 2 {
		t.Errorf("external address assertion failed, want >= 2, got: %d", branch.DestAddress)
	}

	// Both halves of an external pair coincide and are requested.
	if !s.space.requested.Contains(MapEntry{Image: s.space.extern.ID, Address: branch.DestAddress}) {
		t.Error("external destination missing from requested entries")
	}
}

func TestParserReturnWithoutSource(t *testing.T) {
	s := newTestSession(1)
	records := mustRunRawTrace(t, s, "L:0|R;0;3:0:3:0\n0\n", false)

	if len(records) != 1 {
		t.Fatalf("record count assertion failed, want: 1, got: %d", len(records))
	}
	want := Branch{
		SourceImage:   s.space.extern.ID,
		SourceAddress: ExternUnknownAddress,
		DestImage:     0,
		DestAddress:   3 << 13,
		Taken:         true,
		BranchType:    BranchTypeReturn,
	}
	if records[0] != want {
		t.Errorf("stray return assertion failed, want: %+v, got: %+v", want, records[0])
	}
}

func TestParserReturnPairing(t *testing.T) {
	s := newTestSession(1)
	raw := "L:0|r;0;4:0:4:0\nL:1|R;0;6:0:6:1\n0\n1\n1\n"
	records := mustRunRawTrace(t, s, raw, false)

	if len(records) != 2 {
		t.Fatalf("record count assertion failed, want: 2, got: %d", len(records))
	}

	paired := records[0].(Branch)
	if paired.SourceImage != 0 || paired.SourceAddress != 4<<13 {
		t.Errorf("paired return source assertion failed, got: %+v", paired)
	}

	// The remembered source is consumed by the first R; the second
	// falls back to the catch-all.
	stray := records[1].(Branch)
	if stray.SourceImage != s.space.extern.ID || stray.SourceAddress != ExternUnknownAddress {
		t.Errorf("stray return source assertion failed, got: %+v", stray)
	}
}

func TestParserJump(t *testing.T) {
	s := newTestSession(1)
	records := mustRunRawTrace(t, s, "L:0|j;0;7:0:7:0;8:0:8:0\n0\n", false)

	want := Branch{
		SourceImage:   0,
		SourceAddress: 7 << 13,
		DestImage:     0,
		DestAddress:   8 << 13,
		Taken:         true,
		BranchType:    BranchTypeJump,
	}
	if len(records) != 1 || records[0] != want {
		t.Fatalf("jump assertion failed, want: %+v, got: %+v", want, records)
	}
}

func TestParserNumericProperty(t *testing.T) {
	s := newTestSession(1)
	records := mustRunRawTrace(t, s, "L:0|m;r;0;5:0:5:0;42;7\n0\n", false)

	if len(records) != 2 {
		t.Fatalf("record count assertion failed, want: 2, got: %d", len(records))
	}
	wantAlloc := HeapAllocation{ID: 42, Address: 0, Size: HeapAllocationSize}
	if records[0] != wantAlloc {
		t.Errorf("allocation assertion failed, want: %+v, got: %+v", wantAlloc, records[0])
	}
	wantAccess := HeapMemoryAccess{
		InstructionImage:   0,
		InstructionAddress: 5 << 13,
		AllocationID:       42,
		MemoryAddress:      7,
		Size:               1,
		IsWrite:            false,
	}
	if records[1] != wantAccess {
		t.Errorf("access assertion failed, want: %+v, got: %+v", wantAccess, records[1])
	}
}

func TestParserNamedProperties(t *testing.T) {
	s := newTestSession(1)
	raw := "L:0|m;w;0;5:0:5:0;42;foo\n" +
		"L:1|m;r;0;5:0:5:0;42;foo\n" +
		"L:2|m;r;0;5:0:5:0;42;bar\n" +
		"0\n1\n2\n"
	records := mustRunRawTrace(t, s, raw, false)

	if len(records) != 4 {
		t.Fatalf("record count assertion failed, want: 4, got: %d", len(records))
	}

	first := records[1].(HeapMemoryAccess)
	if first.MemoryAddress != HeapFirstPropertyAddress || !first.IsWrite {
		t.Errorf("first access assertion failed, got: %+v", first)
	}
	second := records[2].(HeapMemoryAccess)
	if second.MemoryAddress != HeapFirstPropertyAddress || second.IsWrite {
		t.Errorf("second access assertion failed, got: %+v", second)
	}
	third := records[3].(HeapMemoryAccess)
	if third.MemoryAddress != HeapFirstPropertyAddress+1 {
		t.Errorf("third access assertion failed, got: %+v", third)
	}
}

func TestParserPrefixModeSuppressesRecords(t *testing.T) {
	s := newTestSession(1)
	raw := "L:0|c;0;1:2:1:5;0;2:0:2:8;foo\n" +
		"L:1|m;r;0;5:0:5:0;42;7\n" +
		"0\n1\n"
	records := mustRunRawTrace(t, s, raw, true)

	// Only the allocation flows in prefix mode.
	if len(records) != 1 {
		t.Fatalf("record count assertion failed, want: 1, got: %d", len(records))
	}
	if _, ok := records[0].(HeapAllocation); !ok {
		t.Errorf("record kind assertion failed, got: %T", records[0])
	}

	// The call still seeds the lookups and requested entries.
	if !s.space.requested.Contains(MapEntry{Image: 0, Address: 1<<13 | 2}) {
		t.Error("prefix call source missing from requested entries")
	}
	if _, ok := s.space.images[0].names.Load(addressPair{2 << 13, 2<<13 | 8}); !ok {
		t.Error("prefix call target name not recorded")
	}
}

func TestParserCallCountMatchesBranches(t *testing.T) {
	s := newTestSession(2)
	raw := "L:0|c;0;1:0:1:2;1;2:0:2:4;f\n" +
		"L:1|c;1;3:0:3:2;0;4:0:4:4;g\n" +
		"0\n1\n0\n1\n0\n"
	records := mustRunRawTrace(t, s, raw, false)

	calls := 0
	for _, rec := range records {
		if b, ok := rec.(Branch); ok && b.BranchType == BranchTypeCall {
			calls++
		}
	}
	if calls != 5 {
		t.Errorf("call count invariant failed, want: 5, got: %d", calls)
	}
}

func TestParserRequestedEntries(t *testing.T) {
	s := newTestSession(1)
	raw := "L:0|c;0;1:2:1:5;0;2:0:2:8;foo\n0\n"
	records := mustRunRawTrace(t, s, raw, false)

	branch := records[0].(Branch)
	for _, entry := range []MapEntry{
		{Image: branch.SourceImage, Address: branch.SourceAddress},
		{Image: branch.DestImage, Address: branch.DestAddress},
		{Image: 0, Address: 2<<13 | 8}, // destination end
	} {
		if !s.space.requested.Contains(entry) {
			t.Errorf("requested entries missing %+v", entry)
		}
	}
}

var parserErrorTests = []struct {
	name string
	raw  string
	err  error
}{
	{
		name: "unknown event type",
		raw:  "L:0|Y;1;2\n0\n",
		err:  ErrUnknownEventType,
	},
	{
		name: "too few call fields",
		raw:  "L:0|c;0;1:0:1:0\n0\n",
		err:  ErrMalformedEvent,
	},
	{
		name: "bad access type",
		raw:  "L:0|m;x;0;5:0:5:0;42;7\n0\n",
		err:  ErrMalformedEvent,
	},
	{
		name: "script id out of range",
		raw:  "L:0|j;7;1:0:1:0;2:0:2:0\n0\n",
		err:  ErrInvalidScriptID,
	},
	{
		name: "undeclared line id",
		raw:  "4|c;0;1:0:1:0;0;2:0:2:0;f\n",
		err:  ErrUnknownLineID,
	},
}

func TestParserErrors(t *testing.T) {
	for _, tt := range parserErrorTests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(1)
			_, err := runRawTrace(s, tt.raw, false)
			if !errors.Is(err, tt.err) {
				t.Errorf("err assertion failed, want: %v, got: %v", tt.err, err)
			}
		})
	}
}
