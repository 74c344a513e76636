// Copyright 2023 Sidelens. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jstrace

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/text/encoding/unicode"
)

// An Image is an immutable descriptor for a loaded script, or the
// synthetic container for external (non-JS) callables. Every relative
// address in the trace is interpreted against its owning image.
type Image struct {
	ID          int32
	Name        string
	Interesting bool

	// Virtual address window [ID<<32, ID<<32|0xFFFFFFFF].
	Start uint64
	End   uint64

	// positions maps "sL:sC:eL:eC" keys to their addressPair.
	positions sync.Map

	// names maps addressPair to the function name first observed as a
	// call target for that range.
	names sync.Map
}

// addressPair is the (start, end) relative address pair of a resolved
// source position.
type addressPair struct {
	start uint32
	end   uint32
}

// MapEntry identifies one requested map entry: a relative address the
// trace referenced within an image.
type MapEntry struct {
	Image   int32
	Address uint32
}

// addressSpace owns the address-synthesis state of a run: the image
// table, per-image lookups, the external-function allocator and the set
// of requested map entries.
type addressSpace struct {
	images      []*Image
	extern      *Image
	columnsBits uint32

	externNames   sync.Map // function name -> uint32 address
	externCounter atomic.Uint32

	requested mapset.Set[MapEntry]
}

func newAddressSpace(images []*Image, columnsBits uint32) *addressSpace {
	s := &addressSpace{
		images:      images,
		extern:      images[len(images)-1],
		columnsBits: columnsBits,
		requested:   mapset.NewSet[MapEntry](),
	}

	// Address 1 is reserved as the catch-all for stray returns.
	s.externCounter.Store(ExternUnknownAddress)
	s.extern.names.Store(addressPair{ExternUnknownAddress, ExternUnknownAddress}, "[unknown]")
	s.request(s.extern.ID, ExternUnknownAddress)
	return s
}

// image returns the image for a script id parsed from an event field.
func (s *addressSpace) image(id int32) (*Image, error) {
	if id < 0 || int(id) >= len(s.images)-1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidScriptID, id)
	}
	return s.images[id], nil
}

func (s *addressSpace) request(image int32, addr uint32) {
	s.requested.Add(MapEntry{Image: image, Address: addr})
}

// resolvePosition maps a textual source position key to its stable
// address pair within the image. Line and column values beyond the bit
// budget truncate via shift/OR; the instrumentation keeps positions
// well inside it.
func (s *addressSpace) resolvePosition(img *Image, key []byte) (addressPair, error) {
	if v, ok := img.positions.Load(string(key)); ok {
		return v.(addressPair), nil
	}

	var parts [4]uint32
	rest := key
	for i := 0; i < 4; i++ {
		end := bytes.IndexByte(rest, ':')
		if end < 0 {
			end = len(rest)
		}
		v, ok := parseUint32(rest[:end])
		if !ok || (i < 3 && end == len(rest)) || (i == 3 && end != len(rest)) {
			return addressPair{}, fmt.Errorf("%w: bad position %q", ErrMalformedEvent, key)
		}
		parts[i] = v
		if end < len(rest) {
			rest = rest[end+1:]
		} else {
			rest = nil
		}
	}

	pair := addressPair{
		start: parts[0]<<s.columnsBits | parts[1],
		end:   parts[2]<<s.columnsBits | parts[3],
	}
	actual, _ := img.positions.LoadOrStore(string(key), pair)
	return actual.(addressPair), nil
}

// resolveExtern returns the stable address of an external function,
// issuing a fresh one on first observation. Start and end of the pair
// coincide for externals.
func (s *addressSpace) resolveExtern(name []byte) uint32 {
	if v, ok := s.externNames.Load(string(name)); ok {
		return v.(uint32)
	}
	addr := s.externCounter.Add(1)
	actual, loaded := s.externNames.LoadOrStore(string(name), addr)
	if loaded {
		// Lost the race; the issued counter value stays burned so
		// addresses remain strictly monotonic.
		return actual.(uint32)
	}
	return addr
}

// recordFunctionName remembers the name of a call target. The first
// observation wins; duplicates are tolerated silently.
func (img *Image) recordFunctionName(pair addressPair, name string) {
	img.names.LoadOrStore(pair, name)
}

// loadScripts reads a scripts.txt image table: one `id \t name` record
// per line, ids zero-based and consecutive. The synthetic external
// image is appended after the real scripts.
func loadScripts(path string) ([]*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text, err := decodeScriptsText(raw)
	if err != nil {
		return nil, err
	}

	var images []*Image
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		id, name, found := strings.Cut(line, "\t")
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrScriptIDsNotContiguous, line)
		}
		v, ok := parseInt32([]byte(id))
		if !ok || v != int32(len(images)) {
			return nil, fmt.Errorf("%w: got id %q at index %d", ErrScriptIDsNotContiguous, id, len(images))
		}
		images = append(images, newImage(v, name, true))
	}

	images = append(images, newImage(int32(len(images)), ExternImageName, false))
	return images, nil
}

func newImage(id int32, name string, interesting bool) *Image {
	start := uint64(id) << 32
	return &Image{
		ID:          id,
		Name:        name,
		Interesting: interesting,
		Start:       start,
		End:         start | 0xFFFFFFFF,
	}
}

// decodeScriptsText converts the raw scripts.txt bytes to a string,
// transparently decoding a BOM-prefixed UTF-16 file as produced by some
// Windows-side tooling.
func decodeScriptsText(raw []byte) (string, error) {
	if len(raw) >= 2 && (raw[0] == 0xFF && raw[1] == 0xFE || raw[0] == 0xFE && raw[1] == 0xFF) {
		decoder := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
		out, err := decoder.Bytes(raw)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
	return string(bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF})), nil
}

// writeImageTable prepends the image table to a prefix output.
func (s *addressSpace) writeImageTable(w *TraceWriter) {
	w.WriteUint32(uint32(len(s.images)))
	for _, img := range s.images {
		w.WriteInt32(img.ID)
		w.WriteBool(img.Interesting)
		w.WriteUint64(img.Start)
		w.WriteUint64(img.End)
		w.WriteString(img.Name)
	}
}

// A heapObject tracks the synthetic allocation of one JavaScript object
// id: its address range and the offsets handed to its properties.
type heapObject struct {
	address  uint64
	nextProp atomic.Uint32
	props    sync.Map // property name -> uint32 offset
}

func newHeapObject(address uint64) *heapObject {
	obj := &heapObject{address: address}
	obj.nextProp.Store(HeapFirstPropertyAddress)
	return obj
}

// resolveProperty returns the stable offset of a property. Numeric
// names decode as their integer value and consume no counter.
func (o *heapObject) resolveProperty(name []byte) uint32 {
	if v, ok := parseUint32(name); ok {
		return v
	}
	if v, ok := o.props.Load(string(name)); ok {
		return v.(uint32)
	}
	off := o.nextProp.Add(1) - 1
	actual, _ := o.props.LoadOrStore(string(name), off)
	return actual.(uint32)
}

// heapTable maps object ids to their heap objects. The prefix pass
// fills the local map; freeze() publishes it and workers overlay it
// with a private shard for objects first seen in their testcase.
type heapTable struct {
	shared map[int32]*heapObject
	local  map[int32]*heapObject
}

func newHeapTable() *heapTable {
	return &heapTable{local: make(map[int32]*heapObject)}
}

func (t *heapTable) freeze() {
	t.shared = t.local
	t.local = nil
}

func (t *heapTable) overlay() *heapTable {
	return &heapTable{shared: t.shared, local: make(map[int32]*heapObject)}
}

func (t *heapTable) get(id int32) (*heapObject, bool) {
	if o, ok := t.local[id]; ok {
		return o, true
	}
	o, ok := t.shared[id]
	return o, ok
}

func (t *heapTable) put(id int32, obj *heapObject) {
	t.local[id] = obj
}
