// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package lifecycle

import (
	"strings"
)

// condenseStack reduces a runtime.Stack dump to one line per frame. Goroutine
// headers lose their state, function frames keep their name, and file
// positions shrink to the line number alone. Lines that do not look like any
// of those pass through untouched, so a runtime format change degrades to a
// longer dump instead of a broken one.
func condenseStack(buf []byte) []byte {
	in := strings.Split(string(buf), "\n")
	out := make([]string, 0, len(in))

	for i := 0; i < len(in); i++ {
		line := in[i]
		switch {
		case strings.HasPrefix(line, "goroutine "):
			// "goroutine 7 [chan receive]:" -> "goroutine 7"
			rest := strings.TrimPrefix(line, "goroutine ")
			if sp := strings.IndexByte(rest, ' '); sp >= 0 {
				rest = rest[:sp]
			}
			out = append(out, "goroutine "+rest)

		case strings.HasPrefix(line, "created by "):
			// drop the creator frame and its file position
			i++

		case strings.HasPrefix(line, "\t"):
			// "\t/path/file.go:123 +0x4f" -> "123"
			pos := line[strings.LastIndexByte(line, ':')+1:]
			if sp := strings.IndexByte(pos, ' '); sp >= 0 {
				pos = pos[:sp]
			}
			out = append(out, pos)

		default:
			out = append(out, line)
		}
	}

	return []byte(strings.Join(out, "\n"))
}
