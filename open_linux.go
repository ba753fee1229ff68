//go:build linux

// Copyright (C) 2017-2025 SUSE LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package securejoin

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"

	"github.com/openbeneath/openbeneath/internal/linux"
)

// HasSearchFlavor reports whether the flags used to open intermediate
// directories (dirOpenFlags) give search-only handles rather than readable
// ones. On Linux they include O_PATH, so this is always true.
func HasSearchFlavor() bool {
	return dirOpenFlags&unix.O_PATH != 0
}

// OpenBeneath opens path relative to rootDir, guaranteeing that the
// resolved file is contained beneath rootDir even in the presence of
// concurrent renames or symlink swaps by another process. flags and mode
// behave as with openat(2); lookupFlags additionally constrains how the
// path may be resolved (see LookupFlags).
//
// On Linux, OpenBeneath prefers the atomic openat2(2) RESOLVE_* family of
// flags when available, falling back to a slower, but equally safe,
// component-at-a-time resolution algorithm (built on the same rewind
// verification CheckBeneath exposes) when openat2(2) is unavailable or
// doesn't support the requested combination of flags.
func OpenBeneath(rootDir *os.File, path string, flags int, mode int, lookupFlags LookupFlags) (*os.File, error) {
	if rootDir == nil {
		return nil, &os.PathError{Op: "open_beneath", Path: path, Err: unix.EBADF}
	}

	if linux.HasOpenat2() {
		file, err := openBeneathOpenat2(rootDir, path, flags, mode, lookupFlags)
		if err == nil {
			return file, nil
		}
		if !errors.Is(err, unix.ENOSYS) && !errors.Is(err, unix.EOPNOTSUPP) &&
			!errors.Is(err, unix.EPERM) && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, errOpenat2Unsupported) {
			return nil, err
		}
		// Fall through to the slow path -- either this kernel doesn't
		// really support openat2 (despite the probe) under the current
		// sandboxing, or the specific flag combination wasn't usable.
	}

	queue, err := splitPath(path, flags)
	if err != nil {
		return nil, &os.PathError{Op: "open_beneath", Path: path, Err: err}
	}
	file, err := doOpenBeneath(rootDir, flags, queue, mode, lookupFlags)
	if err != nil {
		return nil, &os.PathError{Op: "open_beneath", Path: path, Err: unwrapOrSelf(err)}
	}
	return file, nil
}

// CheckBeneath verifies that currentDir is an ancestor-inclusive descendant
// of rootDir's subtree, by walking ".." from currentDir until an fstat(2)
// match against rootDir is found. It returns EAGAIN if the walk reaches the
// real filesystem root without ever passing through rootDir, which implies
// a concurrent rename raced the walk out from under the root.
func CheckBeneath(rootDir, currentDir *os.File) error {
	if rootDir == nil || currentDir == nil {
		return &os.PathError{Op: "check_beneath", Path: "", Err: unix.EBADF}
	}
	return checkBeneath(rootDir, currentDir)
}

func unwrapOrSelf(err error) error {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return err
}

// errOpenat2Unsupported names the case "this combination of flags can't be
// expressed with openat2", as distinct from openat2 itself returning an
// error for the operation. OpenBeneath falls back to the slow path on it;
// openBeneathOpenat2 does not return it.
var errOpenat2Unsupported = errors.New("openat2: flag combination not representable")
