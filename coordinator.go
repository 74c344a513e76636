// Copyright 2024 Sidelens. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jstrace

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/sync/errgroup"
)

// PrefixTraceName is the file name of the trace prefix within a raw
// trace directory, next to ScriptsFileName.
const (
	PrefixTraceName    = "prefix.trace"
	ScriptsFileName    = "scripts.txt"
	PreprocessedSuffix = ".preprocessed"
)

// Options configure a preprocessing session.
type Options struct {

	// Target directory for map files, created if absent. Required.
	MapDirectory string

	// Target directory for preprocessed traces. Required when
	// StoreTraces is set.
	OutputDirectory string

	// Persist preprocessed traces to OutputDirectory instead of keeping
	// them in memory, by default (false).
	StoreTraces bool

	// Column bit-width in the 32-bit source-position address, by
	// default (DefaultColumnsBits). Must not exceed MaxColumnsBits.
	ColumnsBits uint32

	// A custom logger.
	Logger log.Logger
}

// A Session owns the shared state of one preprocessing run: the image
// table, address allocators and decompression seed built by the prefix
// pass, plus the prefix gate serializing that pass.
type Session struct {
	opts   *Options
	logger *log.Helper

	prefixMu   sync.Mutex
	prefixDone bool
	prefixErr  error
	prefixOut  *Result

	space         *addressSpace
	lines         *lineTable
	heap          *heapTable
	nextHeapAlloc atomic.Uint64
}

// A Result describes one preprocessed trace. Bytes is non-nil only for
// memory-backed runs; stored runs expose the output path instead.
type Result struct {
	Name string
	Path string
	data []byte
}

// Bytes returns the in-memory preprocessed trace, nil when the trace
// was stored to disk.
func (r *Result) Bytes() []byte {
	return r.data
}

// NewSession validates the options and prepares the output directories.
func NewSession(opts *Options) (*Session, error) {
	if opts == nil {
		opts = &Options{}
	}
	if opts.MapDirectory == "" {
		return nil, ErrMissingMapDirectory
	}
	if opts.StoreTraces && opts.OutputDirectory == "" {
		return nil, ErrMissingOutputDirectory
	}
	if opts.ColumnsBits == 0 {
		opts.ColumnsBits = DefaultColumnsBits
	}
	if opts.ColumnsBits > MaxColumnsBits {
		return nil, fmt.Errorf("%w: %d > %d", ErrColumnsBitsTooLarge, opts.ColumnsBits, MaxColumnsBits)
	}

	if err := os.MkdirAll(opts.MapDirectory, 0o755); err != nil {
		return nil, err
	}
	if opts.StoreTraces {
		if err := os.MkdirAll(opts.OutputDirectory, 0o755); err != nil {
			return nil, err
		}
	}

	var logger *log.Helper
	if opts.Logger == nil {
		logger = log.NewHelper(log.NewFilter(log.NewStdLogger(os.Stdout),
			log.FilterLevel(log.LevelError)))
	} else {
		logger = log.NewHelper(opts.Logger)
	}

	return &Session{opts: opts, logger: logger}, nil
}

// EnsurePrefix runs the prefix pass for the given raw trace directory
// exactly once per session. Concurrent callers block until the pass
// finishes; every caller observes the same outcome. A failed pass is
// not retried.
func (s *Session) EnsurePrefix(traceDir string) error {
	s.prefixMu.Lock()
	defer s.prefixMu.Unlock()

	if s.prefixDone {
		return s.prefixErr
	}
	// Flip the flag before running so a panic or error cannot leave
	// another worker re-attempting the pass.
	s.prefixDone = true
	s.prefixErr = s.runPrefix(traceDir)
	return s.prefixErr
}

func (s *Session) runPrefix(traceDir string) error {
	images, err := loadScripts(filepath.Join(traceDir, ScriptsFileName))
	if err != nil {
		return err
	}
	s.space = newAddressSpace(images, s.opts.ColumnsBits)

	prefixPath := filepath.Join(traceDir, PrefixTraceName)
	tf, err := Open(prefixPath)
	if err != nil {
		return err
	}
	defer tf.Close()

	out, result, err := s.newTraceWriter(PrefixTraceName, tf.Size())
	if err != nil {
		return err
	}
	defer out.Close()

	s.space.writeImageTable(out)

	lines := newLineTable()
	heap := newHeapTable()
	parser := newEventParser(s, newLineDecoder(lines), heap, out, true)
	if err := parser.run(tf.Lines()); err != nil {
		return fmt.Errorf("prefix pass: %w", err)
	}

	// Publish the seed: from here on the tables are read-only and every
	// worker shadows them with private overlays.
	lines.freeze()
	heap.freeze()
	s.lines = lines
	s.heap = heap

	if err := out.Close(); err != nil {
		return err
	}
	result.data = out.Bytes()
	s.prefixOut = result

	s.logger.Debugf("prefix pass complete: %d images, %d dictionary entries, %d heap objects",
		len(images), len(lines.shared), len(heap.shared))
	return nil
}

// PrefixResult returns the preprocessed prefix trace, nil before the
// prefix pass ran.
func (s *Session) PrefixResult() *Result {
	s.prefixMu.Lock()
	defer s.prefixMu.Unlock()
	return s.prefixOut
}

// ProcessTestcase preprocesses one raw testcase trace. The prefix pass
// for the trace directory is performed first if no worker ran it yet;
// afterwards testcases proceed fully in parallel.
func (s *Session) ProcessTestcase(traceDir, tracePath string) (*Result, error) {
	if err := s.EnsurePrefix(traceDir); err != nil {
		return nil, err
	}

	tf, err := Open(tracePath)
	if err != nil {
		return nil, err
	}
	defer tf.Close()

	name := filepath.Base(tracePath)
	out, result, err := s.newTraceWriter(name, tf.Size())
	if err != nil {
		return nil, err
	}
	defer out.Close()

	parser := newEventParser(s, newLineDecoder(s.lines.overlay()), s.heap.overlay(), out, false)
	if err := parser.run(tf.Lines()); err != nil {
		return nil, fmt.Errorf("testcase %s: %w", name, err)
	}

	if err := out.Close(); err != nil {
		return nil, err
	}
	result.data = out.Bytes()
	return result, nil
}

// ProcessAll fans the given testcase traces out over parallel workers,
// one OS thread per testcase up to the core count. It returns the
// results in input order and the first error encountered.
func (s *Session) ProcessAll(traceDir string, tracePaths []string) ([]*Result, error) {
	results := make([]*Result, len(tracePaths))

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i, path := range tracePaths {
		i, path := i, path
		g.Go(func() error {
			res, err := s.ProcessTestcase(traceDir, path)
			if err != nil {
				s.logger.Errorf("testcase %s failed: %v", path, err)
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// newTraceWriter picks the output sink for one trace: a file under the
// output directory when traces are stored, otherwise a memory buffer
// sized to the input length.
func (s *Session) newTraceWriter(name string, inputSize int) (*TraceWriter, *Result, error) {
	if s.opts.StoreTraces {
		path := filepath.Join(s.opts.OutputDirectory, name+PreprocessedSuffix)
		w, err := NewFileTraceWriter(path)
		if err != nil {
			return nil, nil, err
		}
		return w, &Result{Name: name, Path: path}, nil
	}
	return NewMemoryTraceWriter(inputSize), &Result{Name: name}, nil
}
