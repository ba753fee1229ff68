// SPDX-License-Identifier: MPL-2.0

//go:build linux

// Copyright (C) 2024-2025 SUSE LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package procfs

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/openbeneath/openbeneath/internal/fd"
)

// procfsLookupInRoot resolves subpath relative to root, refusing to walk
// outside of root even if subpath contains ".." components. Unlike the
// top-level resolver, procfs subpaths are never attacker-influenced in
// practice (they're built from fixed strings plus a pid or fd number), so
// this only needs to defend against ".." escaping -- it does not need to
// worry about a concurrent attacker racing symlink swaps underneath it.
//
// Intermediate procfs symlinks (such as "self" or "thread-self") are
// followed by the kernel as normal, since openat(2)'s O_NOFOLLOW only
// affects the final path component. The final component is opened O_PATH so
// that magic-links (such as "fd/123") are returned as a handle to the link
// itself, ready for a subsequent readlinkat(2).
func procfsLookupInRoot(root fd.Fd, subpath string) (_ *os.File, Err error) {
	subpath = path.Clean("/" + subpath)[1:]
	if subpath == "" {
		subpath = "."
	}

	parent, err := dupFd(root)
	if err != nil {
		return nil, err
	}
	defer func() {
		if Err != nil {
			_ = parent.Close()
		}
	}()

	var (
		currentPath string
		remaining   = subpath
	)
	for remaining != "" {
		var part string
		if i := strings.IndexByte(remaining, '/'); i == -1 {
			part, remaining = remaining, ""
		} else {
			part, remaining = remaining[:i], remaining[i+1:]
		}
		if part == "" || part == "." {
			continue
		}

		nextPath := path.Join("/", currentPath, part)
		if part == ".." && nextPath == "/" {
			// Attempted to walk above root -- clamp at root rather than
			// erroring, mirroring RESOLVE_IN_ROOT semantics.
			clone, err := dupFd(root)
			if err != nil {
				return nil, err
			}
			_ = parent.Close()
			parent, currentPath = clone, "/"
			continue
		}

		flags := unix.O_PATH | unix.O_CLOEXEC
		if remaining != "" {
			// Only the final component is allowed to be a magic-link; every
			// intervening component must be a real directory (or one of the
			// kernel's own "self"/"thread-self" symlinks, which O_NOFOLLOW
			// doesn't affect because they aren't the final component).
			flags |= unix.O_DIRECTORY
		} else {
			// The final component is not followed, so a magic-link comes
			// back as a handle to the link itself.
			flags |= unix.O_NOFOLLOW
		}
		child, err := unix.Openat(int(parent.Fd()), part, flags, 0)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", os.ErrNotExist, path.Join(subpath))
			}
			return nil, &os.PathError{Op: "openat", Path: part, Err: err}
		}
		_ = parent.Close()
		parent = os.NewFile(uintptr(child), part)
		currentPath = nextPath
	}
	return parent, nil
}

func dupFd(f fd.Fd) (*os.File, error) {
	newFd, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("fcntl(F_DUPFD_CLOEXEC)", err)
	}
	return os.NewFile(uintptr(newFd), f.Name()), nil
}
