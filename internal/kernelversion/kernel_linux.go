// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

// Copyright (C) 2025 SUSE LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.BSD file.

// Package kernelversion provides a minimal uname-release parser, used to
// gate kernel features that cannot be probed directly (either because the
// probe itself would have side effects, or because no direct probe exists).
package kernelversion

import (
	"errors"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// KernelVersion is a parsed dotted kernel version, most-significant
// component first (e.g. "6.12.0-1-default" becomes {6, 12, 0}).
type KernelVersion []int

// String returns the dotted representation of the version.
func (v KernelVersion) String() string {
	s := make([]string, 0, len(v))
	for _, c := range v {
		s = append(s, strconv.Itoa(c))
	}
	return strings.Join(s, ".")
}

var errInvalidKernelVersion = errors.New("invalid kernel version")

// parseKernelVersion parses a uname release string into a KernelVersion. At
// least two numeric components are required; any non-numeric suffix on the
// final component (and any trailing components such as "-generic") are
// discarded.
func parseKernelVersion(release string) (KernelVersion, error) {
	fields := strings.Split(release, "-")[0]
	parts := strings.Split(fields, ".")
	if len(parts) < 2 {
		return nil, errInvalidKernelVersion
	}

	version := make(KernelVersion, 0, len(parts))
	for i, part := range parts {
		// The final numeric component may have a non-numeric suffix glued on
		// directly (e.g. "16foobar"); strip it.
		if i == len(parts)-1 {
			end := 0
			for end < len(part) && part[end] >= '0' && part[end] <= '9' {
				end++
			}
			part = part[:end]
		}
		if part == "" {
			return nil, errInvalidKernelVersion
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, errInvalidKernelVersion
		}
		version = append(version, n)
	}
	return version, nil
}

func getKernelVersion() (KernelVersion, error) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return nil, err
	}
	release := unix.ByteSliceToString(uname.Release[:])
	return parseKernelVersion(release)
}

// GreaterEqualThan returns whether the running kernel's version is greater
// than or equal to want. Missing trailing components are treated as zero on
// both sides.
func GreaterEqualThan(want KernelVersion) (bool, error) {
	have, err := getKernelVersion()
	if err != nil {
		return false, err
	}
	n := len(have)
	if len(want) > n {
		n = len(want)
	}
	for i := 0; i < n; i++ {
		var h, w int
		if i < len(have) {
			h = have[i]
		}
		if i < len(want) {
			w = want[i]
		}
		if h != w {
			return h > w, nil
		}
	}
	return true, nil
}
