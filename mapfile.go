// Copyright 2024 Sidelens. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jstrace

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// funcRange is one named function span used for symbol resolution.
type funcRange struct {
	start uint32
	end   uint32
	name  string
}

// WriteMapFiles emits one .map text file per image into the configured
// map directory, resolving every requested address to the name of its
// nearest enclosing function. Call it once at shutdown, after all
// testcases completed.
func (s *Session) WriteMapFiles() error {
	s.prefixMu.Lock()
	space := s.space
	err := s.prefixErr
	s.prefixMu.Unlock()
	if err != nil {
		return err
	}
	if space == nil {
		return fmt.Errorf("map files: prefix pass never ran")
	}

	// Bucket the requested entries by image up front; the set spans
	// every image of the run.
	perImage := make(map[int32][]uint32, len(space.images))
	space.requested.Each(func(entry MapEntry) bool {
		perImage[entry.Image] = append(perImage[entry.Image], entry.Address)
		return false
	})

	for _, img := range space.images {
		if err := s.writeMapFile(img, perImage[img.ID], img == space.extern); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) writeMapFile(img *Image, addrs []uint32, isExtern bool) error {
	path := filepath.Join(s.opts.MapDirectory, sanitizeFileName(img.Name)+".map")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	ranges := img.sortedRanges()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, img.Name)

	columnMask := uint32(1)<<s.opts.ColumnsBits - 1
	for _, addr := range addrs {
		name := resolveRangeName(ranges, addr)
		if isExtern {
			fmt.Fprintf(w, "%08x\t%s\n", addr, name)
		} else {
			fmt.Fprintf(w, "%08x\t%s:%d:%d\n", addr, name,
				addr>>s.opts.ColumnsBits, addr&columnMask)
		}
	}

	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// sortedRanges snapshots the image's function-name lookup as a slice
// ordered by range start.
func (img *Image) sortedRanges() []funcRange {
	var ranges []funcRange
	img.names.Range(func(k, v any) bool {
		pair := k.(addressPair)
		ranges = append(ranges, funcRange{start: pair.start, end: pair.end, name: v.(string)})
		return true
	})
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].start != ranges[j].start {
			return ranges[i].start < ranges[j].start
		}
		return ranges[i].end < ranges[j].end
	})
	return ranges
}

// resolveRangeName picks the range with the highest start still
// enclosing addr, "?" when no range covers it.
func resolveRangeName(ranges []funcRange, addr uint32) string {
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].start > addr })
	for i--; i >= 0; i-- {
		if ranges[i].end >= addr {
			return ranges[i].name
		}
	}
	return "?"
}
