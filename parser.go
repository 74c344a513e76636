// Copyright 2023 Sidelens. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jstrace

import (
	"fmt"
	"io"
)

// An eventParser consumes the decompressed event lines of one trace and
// produces binary records. One instance serves exactly one trace; the
// session state it touches is concurrency-safe.
type eventParser struct {
	session *Session
	decoder *lineDecoder
	heap    *heapTable
	out     *TraceWriter

	// prefix suppresses Branch and HeapMemoryAccess emission while the
	// shared seed state is being built.
	prefix bool

	lastRetValid bool
	lastRetImage int32
	lastRetAddr  uint32
}

func newEventParser(s *Session, decoder *lineDecoder, heap *heapTable, out *TraceWriter, prefix bool) *eventParser {
	return &eventParser{
		session: s,
		decoder: decoder,
		heap:    heap,
		out:     out,
		prefix:  prefix,
	}
}

// run drains the line reader through decompression and event handling.
func (p *eventParser) run(lr *LineReader) error {
	for {
		line, err := lr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		event, err := p.decoder.decode(line)
		if err != nil {
			return err
		}
		if event == nil {
			continue
		}
		if err := p.handleEvent(event); err != nil {
			return err
		}
	}
}

func (p *eventParser) handleEvent(event []byte) error {
	if len(event) == 0 {
		return fmt.Errorf("%w: empty event line", ErrMalformedEvent)
	}

	switch event[0] {
	case 'c':
		return p.handleCall(event)
	case 'r':
		return p.handleReturnSource(event)
	case 'R':
		return p.handleReturnDest(event)
	case 'j':
		return p.handleJump(event)
	case 'm':
		return p.handleMemoryAccess(event)
	}
	return fmt.Errorf("%w: %q", ErrUnknownEventType, event[0])
}

// resolveScriptPosition reads a script-id field and a position field
// and resolves them against the image table.
func (p *eventParser) resolveScriptPosition(script, pos []byte) (*Image, addressPair, error) {
	id, ok := parseInt32(script)
	if !ok {
		return nil, addressPair{}, fmt.Errorf("%w: bad script id %q", ErrMalformedEvent, script)
	}
	img, err := p.session.space.image(id)
	if err != nil {
		return nil, addressPair{}, err
	}
	pair, err := p.session.space.resolvePosition(img, pos)
	if err != nil {
		return nil, addressPair{}, err
	}
	return img, pair, nil
}

// handleCall processes `c;srcScript;srcPos;dstScript|E;dstPos;name`.
func (p *eventParser) handleCall(event []byte) error {
	fields, err := splitEvent(event, 6)
	if err != nil {
		return err
	}
	space := p.session.space

	srcImg, srcPair, err := p.resolveScriptPosition(fields[1], fields[2])
	if err != nil {
		return err
	}

	var dstImg *Image
	var dstPair addressPair
	if len(fields[3]) == 1 && fields[3][0] == 'E' {
		// External target: the position field carries the raw name.
		dstImg = space.extern
		addr := space.resolveExtern(fields[4])
		dstPair = addressPair{addr, addr}
	} else {
		dstImg, dstPair, err = p.resolveScriptPosition(fields[3], fields[4])
		if err != nil {
			return err
		}
	}

	dstImg.recordFunctionName(dstPair, string(fields[5]))

	space.request(srcImg.ID, srcPair.start)
	space.request(dstImg.ID, dstPair.start)
	space.request(dstImg.ID, dstPair.end)

	if p.prefix {
		return nil
	}
	Branch{
		SourceImage:   srcImg.ID,
		SourceAddress: srcPair.start,
		DestImage:     dstImg.ID,
		DestAddress:   dstPair.start,
		Taken:         true,
		BranchType:    BranchTypeCall,
	}.writeTo(p.out)
	return nil
}

// handleReturnSource processes `r;script;pos`. It emits nothing on its
// own; the location is held for the next return destination.
func (p *eventParser) handleReturnSource(event []byte) error {
	fields, err := splitEvent(event, 3)
	if err != nil {
		return err
	}
	img, pair, err := p.resolveScriptPosition(fields[1], fields[2])
	if err != nil {
		return err
	}
	p.session.space.request(img.ID, pair.start)

	if p.prefix {
		return nil
	}
	p.lastRetValid = true
	p.lastRetImage = img.ID
	p.lastRetAddr = pair.start
	return nil
}

// handleReturnDest processes `R;script;pos`. A return with no matching
// source is anchored at the external [unknown] catch-all.
func (p *eventParser) handleReturnDest(event []byte) error {
	fields, err := splitEvent(event, 3)
	if err != nil {
		return err
	}
	img, pair, err := p.resolveScriptPosition(fields[1], fields[2])
	if err != nil {
		return err
	}
	space := p.session.space
	space.request(img.ID, pair.start)

	if p.prefix {
		return nil
	}

	srcImage := space.extern.ID
	srcAddr := uint32(ExternUnknownAddress)
	if p.lastRetValid {
		srcImage = p.lastRetImage
		srcAddr = p.lastRetAddr
		p.lastRetValid = false
	}
	Branch{
		SourceImage:   srcImage,
		SourceAddress: srcAddr,
		DestImage:     img.ID,
		DestAddress:   pair.start,
		Taken:         true,
		BranchType:    BranchTypeReturn,
	}.writeTo(p.out)
	return nil
}

// handleJump processes `j;script;srcPos;dstPos`, both positions within
// the same script.
func (p *eventParser) handleJump(event []byte) error {
	fields, err := splitEvent(event, 4)
	if err != nil {
		return err
	}
	img, srcPair, err := p.resolveScriptPosition(fields[1], fields[2])
	if err != nil {
		return err
	}
	dstPair, err := p.session.space.resolvePosition(img, fields[3])
	if err != nil {
		return err
	}
	p.session.space.request(img.ID, srcPair.start)
	p.session.space.request(img.ID, dstPair.start)

	if p.prefix {
		return nil
	}
	Branch{
		SourceImage:   img.ID,
		SourceAddress: srcPair.start,
		DestImage:     img.ID,
		DestAddress:   dstPair.start,
		Taken:         true,
		BranchType:    BranchTypeJump,
	}.writeTo(p.out)
	return nil
}

// handleMemoryAccess processes `m;r|w;script;pos;objectId;offset`.
func (p *eventParser) handleMemoryAccess(event []byte) error {
	fields, err := splitEvent(event, 6)
	if err != nil {
		return err
	}
	if len(fields[1]) != 1 || (fields[1][0] != 'r' && fields[1][0] != 'w') {
		return fmt.Errorf("%w: bad access type %q", ErrMalformedEvent, fields[1])
	}
	isWrite := fields[1][0] == 'w'

	img, pair, err := p.resolveScriptPosition(fields[2], fields[3])
	if err != nil {
		return err
	}
	p.session.space.request(img.ID, pair.start)

	objectID, ok := parseInt32(fields[4])
	if !ok {
		return fmt.Errorf("%w: bad object id %q", ErrMalformedEvent, fields[4])
	}

	obj, known := p.heap.get(objectID)
	if !known {
		address := p.session.nextHeapAlloc.Add(HeapAllocationSize) - HeapAllocationSize
		obj = newHeapObject(address)
		p.heap.put(objectID, obj)

		// Allocation records flow in prefix mode too; the seed state
		// they describe is shared by every testcase.
		HeapAllocation{
			ID:      objectID,
			Address: address,
			Size:    HeapAllocationSize,
		}.writeTo(p.out)
	}

	offset := obj.resolveProperty(fields[5])

	if p.prefix {
		return nil
	}
	HeapMemoryAccess{
		InstructionImage:   img.ID,
		InstructionAddress: pair.start,
		AllocationID:       objectID,
		MemoryAddress:      offset,
		Size:               1,
		IsWrite:            isWrite,
	}.writeTo(p.out)
	return nil
}

// splitEvent splits an event line into exactly want semicolon-separated
// fields.
func splitEvent(event []byte, want int) ([][]byte, error) {
	fields := make([][]byte, 0, want)
	start := 0
	for i := 0; i <= len(event); i++ {
		if i == len(event) || event[i] == ';' {
			if len(fields) == want {
				return nil, fmt.Errorf("%w: want %d fields in %q", ErrMalformedEvent, want, event)
			}
			fields = append(fields, event[start:i])
			start = i + 1
		}
	}
	if len(fields) != want {
		return nil, fmt.Errorf("%w: want %d fields in %q", ErrMalformedEvent, want, event)
	}
	return fields, nil
}
