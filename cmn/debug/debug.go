// Package debug provides build-gated assertions, mirroring aistore's
// cmn/debug: a no-op unless the LLMDATADIST_DEBUG env var is set (non-empty)
// when the process starts.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"fmt"
	"os"
)

var enabled = os.Getenv("LLMDATADIST_DEBUG") != ""

func Enabled() bool { return enabled }

func Assert(cond bool, args ...any) {
	if !enabled || cond {
		return
	}
	panic(fmt.Sprintln(append([]any{"assertion failed:"}, args...)...))
}

func Assertf(cond bool, format string, args ...any) {
	if !enabled || cond {
		return
	}
	panic(fmt.Sprintf("assertion failed: "+format, args...))
}

func AssertNoErr(err error) {
	if !enabled || err == nil {
		return
	}
	panic(err)
}

// Func runs f only when debug is enabled - for expensive invariant checks
// that must not cost anything in production.
func Func(f func()) {
	if enabled {
		f()
	}
}
