// Copyright 2024 Sidelens. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jstrace

import (
	"io"
	"strings"
	"testing"
)

// chunkReader hands out at most chunk bytes per Read to force buffer
// refills mid-line.
type chunkReader struct {
	r     io.Reader
	chunk int
}

func (cr *chunkReader) Read(p []byte) (int, error) {
	if len(p) > cr.chunk {
		p = p[:cr.chunk]
	}
	return cr.r.Read(p)
}

var lineReaderTests = []struct {
	name    string
	in      string
	bufSize int
	chunk   int
	out     []string
	err     error
}{
	{
		name:    "plain lines",
		in:      "one\ntwo\nthree\n",
		bufSize: 64,
		chunk:   64,
		out:     []string{"one", "two", "three"},
	},
	{
		name:    "empty lines skipped",
		in:      "\n\nfirst\n\n\nsecond\n",
		bufSize: 64,
		chunk:   64,
		out:     []string{"first", "second"},
	},
	{
		name:    "crlf terminators",
		in:      "a\r\nb\r\n\r\n",
		bufSize: 64,
		chunk:   64,
		out:     []string{"a", "b"},
	},
	{
		name:    "missing final newline",
		in:      "alpha\nbeta",
		bufSize: 64,
		chunk:   64,
		out:     []string{"alpha", "beta"},
	},
	{
		name:    "line spans refills",
		in:      "abcdefgh\nxy\n",
		bufSize: 16,
		chunk:   3,
		out:     []string{"abcdefgh", "xy"},
	},
	{
		name:    "line exceeds buffer",
		in:      "0123456789\n",
		bufSize: 4,
		chunk:   4,
		err:     ErrLineBufferTooSmall,
	},
	{
		name:    "long line after short ones",
		in:      "ok\n0123456789abcdef\n",
		bufSize: 8,
		chunk:   8,
		out:     []string{"ok"},
		err:     ErrLineBufferTooSmall,
	},
}

func TestLineReader(t *testing.T) {
	for _, tt := range lineReaderTests {
		t.Run(tt.name, func(t *testing.T) {
			lr := NewLineReaderSize(&chunkReader{r: strings.NewReader(tt.in), chunk: tt.chunk}, tt.bufSize)

			var got []string
			var err error
			for {
				var line []byte
				line, err = lr.Next()
				if err != nil {
					break
				}
				got = append(got, string(line))
			}

			if tt.err != nil {
				if err != tt.err {
					t.Fatalf("err assertion failed, want: %v, got: %v", tt.err, err)
				}
			} else if err != io.EOF {
				t.Fatalf("expected io.EOF, got: %v", err)
			}

			if len(got) != len(tt.out) {
				t.Fatalf("line count assertion failed, want: %d, got: %d", len(tt.out), len(got))
			}
			for i := range got {
				if got[i] != tt.out[i] {
					t.Errorf("line %d assertion failed, want: %q, got: %q", i, tt.out[i], got[i])
				}
			}
		})
	}
}

func TestLineReaderSpanBorrowed(t *testing.T) {
	lr := NewLineReaderSize(strings.NewReader("abc\ndef\n"), 32)

	first, err := lr.Next()
	if err != nil {
		t.Fatalf("Next() failed, reason: %v", err)
	}
	if string(first) != "abc" {
		t.Fatalf("first line assertion failed, want: %q, got: %q", "abc", first)
	}

	// The span borrows from the internal buffer; the next call may not
	// allocate a fresh backing array.
	second, err := lr.Next()
	if err != nil {
		t.Fatalf("Next() failed, reason: %v", err)
	}
	if string(second) != "def" {
		t.Errorf("second line assertion failed, want: %q, got: %q", "def", second)
	}
	if &first[:cap(first)][4] != &second[0] {
		t.Error("second span does not share the first span's backing buffer")
	}
}
