// SPDX-License-Identifier: MPL-2.0

// Copyright (C) 2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package assert provides a minimal set of panic-on-failure invariant
// checks, for conditions that indicate a bug in this module rather than a
// condition callers can reasonably be expected to handle.
package assert

import "fmt"

// Assert panics with val if cond is false. It is used to check internal
// invariants that should never be violated unless this module has a bug.
func Assert(cond bool, val any) {
	if !cond {
		panic(val)
	}
}

// Assertf is equivalent to Assert, but constructs the panic value from a
// format string in the style of fmt.Sprintf.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
