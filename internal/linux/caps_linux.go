// SPDX-License-Identifier: BSD-3-Clause

//go:build linux

// Copyright (C) 2025 SUSE LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package linux provides process-wide, memoised probes for optional kernel
// features used by the resolver and procfs handling. Each probe is
// monotonic: once a kernel is observed to support (or lack) a feature, that
// answer never changes, so a benign race between goroutines computing the
// same probe for the first time is safe.
package linux

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/openbeneath/openbeneath/internal/gocompat"
	"github.com/openbeneath/openbeneath/internal/kernelversion"
)

// subsetPidMinKernel is the first kernel version to support procfs'
// "subset=pid" mount option.
var subsetPidMinKernel = kernelversion.KernelVersion{5, 8}

var hasOpenat2 = gocompat.SyncOnceValue(func() bool {
	fd, err := unix.Openat2(unix.AT_FDCWD, "/", &unix.OpenHow{
		Flags:   unix.O_PATH | unix.O_CLOEXEC,
		Resolve: unix.RESOLVE_NO_SYMLINKS,
	})
	if err == nil {
		_ = unix.Close(fd)
	}
	return !errors.Is(err, unix.ENOSYS) && !errors.Is(err, unix.EOPNOTSUPP)
})

// HasOpenat2 reports whether the running kernel supports openat2(2) with the
// RESOLVE_* family of flags (Linux >= 5.6). It is a var, not a func, so
// tests can force a specific answer.
var HasOpenat2 = func() bool { return hasOpenat2() }

var hasNewMountAPI = gocompat.SyncOnceValue(func() bool {
	fd, err := unix.Fsopen("proc", unix.FSOPEN_CLOEXEC)
	if err != nil {
		return false
	}
	_ = unix.Close(fd)
	return true
})

// HasNewMountAPI reports whether the running kernel supports the new mount
// API (fsopen/fsconfig/fsmount, Linux >= 5.2).
var HasNewMountAPI = func() bool { return hasNewMountAPI() }

var hasStatxMountID = gocompat.SyncOnceValue(func() bool {
	var stx unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, "/", 0, unix.STATX_MNT_ID, &stx)
	return err == nil && stx.Mask&unix.STATX_MNT_ID != 0
})

// HasStatxMountID reports whether statx(2) on this kernel fills in
// STX_MNT_ID (Linux >= 5.8).
var HasStatxMountID = func() bool { return hasStatxMountID() }

var hasProcThreadSelf = gocompat.SyncOnceValue(func() bool {
	return unix.Access("/proc/thread-self/", unix.F_OK) == nil
})

// HasProcThreadSelf reports whether /proc/thread-self exists (Linux >= 3.17).
var HasProcThreadSelf = func() bool { return hasProcThreadSelf() }

var hasSubsetPid = gocompat.SyncOnceValue(func() bool {
	ok, err := kernelversion.GreaterEqualThan(subsetPidMinKernel)
	return err == nil && ok
})

// HasSubsetPid reports whether the running kernel is new enough to support
// the procfs "subset=pid" mount option (Linux >= 5.8). Unlike the probes
// above this is a version check rather than a direct feature probe, because
// actually mounting proc just to test the option would have side effects we
// can't always safely undo.
var HasSubsetPid = func() bool { return hasSubsetPid() }

// GetSymlinkMax returns the host's SYMLOOP_MAX, falling back to 40 (the
// value historically used by Linux and the value this module treats as a
// conservative default when sysconf is unavailable).
func GetSymlinkMax() int {
	n, err := unix.Sysconf(unix.SC_SYMLOOP_MAX)
	if err != nil || n <= 0 {
		return 40
	}
	return int(n)
}
