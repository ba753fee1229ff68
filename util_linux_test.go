//go:build linux

// Copyright (C) 2024-2025 SUSE LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package securejoin

import (
	"fmt"
	"testing"

	"github.com/openbeneath/openbeneath/internal/linux"
)

// withWithoutOpenat2 runs testFn once using whatever openat2 support the
// running kernel actually has (if doAuto is set), and then again with the
// fast path forced on and forced off, so that both the openat2(2) path and
// the portable fallback get exercised regardless of what kernel the tests
// happen to run on.
func withWithoutOpenat2(t *testing.T, doAuto bool, testFn func(t *testing.T)) {
	if doAuto {
		t.Run("openat2=auto", testFn)
	}
	for _, useOpenat2 := range []bool{true, false} {
		useOpenat2 := useOpenat2 // copy iterator
		t.Run(fmt.Sprintf("openat2=%v", useOpenat2), func(t *testing.T) {
			if useOpenat2 && !linux.HasOpenat2() {
				t.Skip("no openat2 support")
			}
			origHasOpenat2 := linux.HasOpenat2
			linux.HasOpenat2 = func() bool { return useOpenat2 }
			defer func() { linux.HasOpenat2 = origHasOpenat2 }()

			testFn(t)
		})
	}
}
