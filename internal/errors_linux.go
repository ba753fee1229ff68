// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

// Copyright (C) 2024-2025 SUSE LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package internal

import (
	"errors"

	"golang.org/x/sys/unix"
)

// wrappedExdevError lets ErrPossibleAttack and ErrPossibleBreakout satisfy
// errors.Is(err, unix.EXDEV) (even when further wrapped with %w) without
// actually being unix.EXDEV themselves -- callers need to be able to
// distinguish "the kernel told us EXDEV" from "our own containment checks
// tripped", while still being able to treat both the same way with a single
// errors.Is check.
type wrappedExdevError struct {
	msg string
}

func (e *wrappedExdevError) Error() string { return e.msg }

func (e *wrappedExdevError) Is(target error) bool {
	return target == unix.EXDEV
}

func newWrappedExdevError(msg string) error {
	return &wrappedExdevError{msg: msg}
}

// ErrPossibleAttack indicates that a lookup detected behaviour that strongly
// suggests the filesystem is being manipulated concurrently with resolution
// (a symlink that stopped being a symlink between two syscalls, or similar).
var ErrPossibleAttack = newWrappedExdevError("possible attack detected")

// ErrPossibleBreakout indicates that a path recovered through procfs did not
// match what was expected, suggesting the recovered handle has escaped the
// containment boundary it was supposed to respect.
var ErrPossibleBreakout = newWrappedExdevError("possible breakout detected")

// ErrInvalidMode indicates that a caller-supplied mode bitmask for a
// directory-creation operation contained bits that mkdirat(2) would silently
// ignore or that have no sensible meaning for a directory (setuid, setgid,
// S_IFMT bits).
var ErrInvalidMode = errors.New("invalid mode")
