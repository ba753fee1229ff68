//go:build linux

// Copyright (C) 2017-2025 SUSE LLC. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package securejoin

import (
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// openBeneathOpenat2 is the atomic fast path for OpenBeneath: a single
// openat2(2) call with the RESOLVE_* family of flags does all of the
// containment checking in-kernel, with no possibility of a racing rename or
// symlink-swap slipping a component past us between syscalls.
func openBeneathOpenat2(rootDir *os.File, path string, flags int, mode int, lookupFlags LookupFlags) (*os.File, error) {
	if path == "" {
		return nil, unix.ENOENT
	}

	openFlags := flags
	if openFlags&unix.O_PATH != 0 {
		// O_PATH combined with anything other than O_DIRECTORY/O_NOFOLLOW is
		// meaningless (and openat2 is stricter than openat(2) about rejecting
		// nonsensical flag combinations), so mask down to just the bits that
		// still make sense for a path-only handle.
		openFlags &= unix.O_PATH | unix.O_DIRECTORY | unix.O_NOFOLLOW
	}
	openFlags |= unix.O_CLOEXEC | unix.O_NOCTTY
	if strings.HasSuffix(path, "/") || strings.HasSuffix(path, "/.") {
		openFlags |= unix.O_DIRECTORY
	}

	var resolve uint64 = unix.RESOLVE_NO_MAGICLINKS
	if lookupFlags.has(InRoot) {
		resolve |= unix.RESOLVE_IN_ROOT
	} else {
		resolve |= unix.RESOLVE_BENEATH
	}
	if lookupFlags.has(NoSymlinks) {
		resolve |= unix.RESOLVE_NO_SYMLINKS
	}
	if lookupFlags.has(NoXDev) {
		resolve |= unix.RESOLVE_NO_XDEV
	}

	how := unix.OpenHow{
		Flags:   uint64(openFlags),
		Mode:    uint64(mode),
		Resolve: resolve,
	}
	fdNum, err := unix.Openat2(int(rootDir.Fd()), path, &how)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fdNum), path), nil
}
