// Copyright 2023 Sidelens. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jstrace

import (
	"errors"
	"strings"
)

// Errors
var (

	// ErrLineBufferTooSmall is returned when a single raw trace line does
	// not fit into the line reader buffer. Single lines are bounded by
	// contract with the instrumentation agent.
	ErrLineBufferTooSmall = errors.New("read buffer too small")

	// ErrUnknownLineID is returned when an event references a compressed
	// line id that was never declared.
	ErrUnknownLineID = errors.New("unknown compressed line id")

	// ErrMalformedLine is returned when a raw trace line does not start
	// with an 'L' declaration, a decimal id or a relative id letter.
	ErrMalformedLine = errors.New("malformed compressed line")

	// ErrUnknownEventType is returned when a decompressed event line
	// carries an unhandled event type character.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrMalformedEvent is returned when an event line has too few fields
	// or a field fails to parse.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrInvalidScriptID is returned when an event names a script id
	// outside the loaded image table.
	ErrInvalidScriptID = errors.New("script id outside image table")

	// ErrScriptIDsNotContiguous is returned when scripts.txt ids do not
	// start at zero or leave gaps.
	ErrScriptIDsNotContiguous = errors.New("script ids must be zero-based and contiguous")

	// ErrMissingMapDirectory is returned when the session is configured
	// without a map directory.
	ErrMissingMapDirectory = errors.New("map directory not configured")

	// ErrMissingOutputDirectory is returned when trace storing is enabled
	// without an output directory to store into.
	ErrMissingOutputDirectory = errors.New("storing traces requires an output directory")

	// ErrColumnsBitsTooLarge is returned when the configured column width
	// exceeds MaxColumnsBits.
	ErrColumnsBitsTooLarge = errors.New("columns bits exceeds maximum")
)

// parseUint32 parses an unsigned decimal from a raw field without
// allocating. The bool result reports whether every byte was a digit.
func parseUint32(b []byte) (uint32, bool) {
	if len(b) == 0 {
		return 0, false
	}
	var v uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint64(c-'0')
		if v > 0xFFFFFFFF {
			return 0, false
		}
	}
	return uint32(v), true
}

// parseInt32 parses a signed decimal from a raw field.
func parseInt32(b []byte) (int32, bool) {
	neg := false
	if len(b) > 0 && b[0] == '-' {
		neg = true
		b = b[1:]
	}
	v, ok := parseUint32(b)
	if !ok {
		return 0, false
	}
	if neg {
		if v > 0x80000000 {
			return 0, false
		}
		return int32(-int64(v)), true
	}
	if v > 0x7FFFFFFF {
		return 0, false
	}
	return int32(v), true
}

// sanitizeFileName maps every character that is path-hostile on any
// supported platform to an underscore.
func sanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '.', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 {
			return '_'
		}
		return r
	}, name)
}
