// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCondenseStack(t *testing.T) {
	dump := "goroutine 7 [chan receive]:\n" +
		"main.worker(0xc000010100)\n" +
		"\t/src/app/main.go:42 +0x5b\n" +
		"created by main.start\n" +
		"\t/src/app/main.go:17 +0x9a\n" +
		"\n" +
		"goroutine 12 [select]:\n" +
		"net/http.(*conn).serve(0xc0001b2000)\n" +
		"\t/usr/local/go/src/net/http/server.go:2009 +0x5f4\n"

	require.Equal(t,
		"goroutine 7\n"+
			"main.worker(0xc000010100)\n"+
			"42\n"+
			"\n"+
			"goroutine 12\n"+
			"net/http.(*conn).serve(0xc0001b2000)\n"+
			"2009\n",
		string(condenseStack([]byte(dump))))
}

func TestCondenseStackPassesThroughUnknown(t *testing.T) {
	require.Equal(t, "not a stack", string(condenseStack([]byte("not a stack"))))
}
